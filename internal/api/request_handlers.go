package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/otpgw/otpgw/internal/database"
	"github.com/otpgw/otpgw/internal/database/models"
	"github.com/otpgw/otpgw/internal/status"
)

// requestResponse is the admin view of one OTP request.
type requestResponse struct {
	ID                string         `json:"id"`
	Phone             string         `json:"phone"`
	SessionID         string         `json:"session_id,omitempty"`
	Status            string         `json:"status"`
	CombinedStatus    string         `json:"combined_status"`
	ChannelStatus     string         `json:"channel_status,omitempty"`
	Channel           string         `json:"channel,omitempty"`
	AuthStatus        string         `json:"auth_status"`
	ChannelsRequested []string       `json:"channels_requested"`
	IPAddress         string         `json:"ip_address,omitempty"`
	IPSubnet          string         `json:"ip_subnet,omitempty"`
	ASN               *int64         `json:"asn,omitempty"`
	IPCountry         string         `json:"ip_country,omitempty"`
	PhoneCountry      string         `json:"phone_country,omitempty"`
	PhonePrefix       string         `json:"phone_prefix,omitempty"`
	FraudScore        int            `json:"fraud_score"`
	FraudReasons      []string       `json:"fraud_reasons"`
	ShadowBanned      bool           `json:"shadow_banned"`
	WebhookURL        string         `json:"webhook_url,omitempty"`
	ProviderID        string         `json:"provider_id,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	SMSCostUnits      int64          `json:"sms_cost_units"`
	VoiceCostUnits    int64          `json:"voice_cost_units"`
	StartTime         *time.Time     `json:"start_time,omitempty"`
	AnswerTime        *time.Time     `json:"answer_time,omitempty"`
	EndTime           *time.Time     `json:"end_time,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	ExpiresAt         time.Time      `json:"expires_at"`
}

func toRequestResponse(req *models.Request) requestResponse {
	return requestResponse{
		ID:                req.ID,
		Phone:             req.Phone,
		SessionID:         req.SessionID,
		Status:            req.Status,
		CombinedStatus:    status.Combined(req.Status, req.AuthStatus),
		ChannelStatus:     req.ChannelStatus,
		Channel:           req.Channel,
		AuthStatus:        req.AuthStatus,
		ChannelsRequested: decodeStringList(req.ChannelsRequested),
		IPAddress:         req.IPAddress,
		IPSubnet:          req.IPSubnet,
		ASN:               req.ASN,
		IPCountry:         req.IPCountry,
		PhoneCountry:      req.PhoneCountry,
		PhonePrefix:       req.PhonePrefix,
		FraudScore:        req.FraudScore,
		FraudReasons:      decodeStringList(req.FraudReasons),
		ShadowBanned:      req.ShadowBanned,
		WebhookURL:        req.WebhookURL,
		ProviderID:        req.ProviderID,
		ErrorMessage:      req.ErrorMessage,
		SMSCostUnits:      req.SMSCostUnits,
		VoiceCostUnits:    req.VoiceCostUnits,
		StartTime:         req.StartTime,
		AnswerTime:        req.AnswerTime,
		EndTime:           req.EndTime,
		CreatedAt:         req.CreatedAt,
		UpdatedAt:         req.UpdatedAt,
		ExpiresAt:         req.ExpiresAt,
	}
}

// decodeStringList reads a JSON-array column; malformed or empty
// content becomes an empty slice, never null.
func decodeStringList(raw string) []string {
	out := []string{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return []string{}
	}
	return out
}

// handleRequestList returns a filtered page of requests.
// Query parameters: limit, offset, status, channel, phone, country,
// fraud_min, fraud_max, start_date, end_date.
func (s *Server) handleRequestList(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	q := r.URL.Query()
	filter := database.RequestListFilter{
		Limit:     pg.Limit,
		Offset:    pg.Offset,
		Status:    q.Get("status"),
		Channel:   q.Get("channel"),
		Phone:     q.Get("phone"),
		Country:   q.Get("country"),
		StartDate: q.Get("start_date"),
		EndDate:   q.Get("end_date"),
	}
	for param, dst := range map[string]**int{"fraud_min": &filter.FraudMin, "fraud_max": &filter.FraudMax} {
		raw := q.Get(param)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > 100 {
			writeError(w, http.StatusBadRequest, param+" must be an integer between 0 and 100")
			return
		}
		*dst = &n
	}

	requests, total, err := s.requests.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing requests", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list requests")
		return
	}

	items := make([]requestResponse, len(requests))
	for i := range requests {
		items[i] = toRequestResponse(&requests[i])
	}
	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleRequestGet returns one request by ID.
func (s *Server) handleRequestGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	req, err := s.requests.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("loading request", "request_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load request")
		return
	}
	if req == nil {
		writeError(w, http.StatusNotFound, "request not found")
		return
	}

	writeJSON(w, http.StatusOK, toRequestResponse(req))
}

// eventResponse is one event on a request's timeline.
type eventResponse struct {
	ID        int64          `json:"id"`
	RequestID string         `json:"request_id"`
	Channel   string         `json:"channel"`
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// handleRequestEvents returns the full event timeline of a request in
// append order.
func (s *Server) handleRequestEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	req, err := s.requests.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("loading request", "request_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load request")
		return
	}
	if req == nil {
		writeError(w, http.StatusNotFound, "request not found")
		return
	}

	events, err := s.events.ListByRequest(r.Context(), id)
	if err != nil {
		s.logger.Error("listing request events", "request_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	items := make([]eventResponse, len(events))
	for i, ev := range events {
		item := eventResponse{
			ID:        ev.ID,
			RequestID: ev.RequestID,
			Channel:   ev.Channel,
			EventType: ev.EventType,
			CreatedAt: ev.CreatedAt,
		}
		if ev.EventData != "" {
			var data map[string]any
			if err := json.Unmarshal([]byte(ev.EventData), &data); err == nil {
				item.Data = data
			}
		}
		items[i] = item
	}

	writeJSON(w, http.StatusOK, map[string]any{"request_id": id, "events": items})
}
