package api

import (
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strings"

	"github.com/otpgw/otpgw/internal/status"
)

// dlrRequest is the delivery report envelope posted by the SMS
// provider. Decoded leniently; providers add fields without notice.
type dlrRequest struct {
	ID            string   `json:"id"`
	Status        string   `json:"status"`
	ErrorCode     *int     `json:"error_code"`
	ErrorMessage  string   `json:"error_message"`
	Price         *float64 `json:"price"`
	FragmentsSent *int     `json:"fragments_sent"`
	CodeID        string   `json:"code_id"`
}

// handleDLR ingests SMS delivery reports. The response is always 200;
// failing the provider only earns a redelivery of the same report.
func (s *Server) handleDLR(w http.ResponseWriter, r *http.Request) {
	ok := func() {
		writeBare(w, http.StatusOK, map[string]string{"status": "ok"})
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.logger.Warn("reading dlr body", "error", err)
		ok()
		return
	}

	var dlr dlrRequest
	if err := json.Unmarshal(body, &dlr); err != nil {
		s.logger.Warn("undecodable dlr payload", "error", err)
		ok()
		return
	}
	if dlr.ID == "" {
		s.logger.Debug("dlr without message id dropped")
		ok()
		return
	}

	ctx := r.Context()
	req, err := s.requests.GetByProviderID(ctx, dlr.ID)
	if err != nil {
		s.logger.Error("correlating dlr", "provider_id", dlr.ID, "error", err)
		ok()
		return
	}
	if req == nil {
		s.logger.Debug("dlr for unknown message", "provider_id", dlr.ID)
		ok()
		return
	}

	eventType, known := dlrEventType(dlr.Status)
	if !known {
		s.logger.Warn("unrecognized dlr status", "provider_id", dlr.ID, "status", dlr.Status)
		ok()
		return
	}

	data := map[string]any{
		"provider_id": dlr.ID,
		"dlr_status":  dlr.Status,
	}
	if dlr.ErrorCode != nil {
		data["error_code"] = *dlr.ErrorCode
	}
	if dlr.ErrorMessage != "" {
		data["error"] = dlr.ErrorMessage
	}
	if dlr.FragmentsSent != nil {
		data["fragments_sent"] = *dlr.FragmentsSent
	}

	if err := s.bus.Emit(ctx, req.ID, status.ChannelSMS, eventType, data); err != nil {
		s.logger.Error("emitting dlr event", "request_id", req.ID, "event_type", eventType, "error", err)
	}

	if dlr.Price != nil && *dlr.Price > 0 {
		units := int64(math.Round(*dlr.Price * 10000))
		if err := s.requests.AddSMSCost(ctx, req.ID, units); err != nil {
			s.logger.Error("recording sms cost", "request_id", req.ID, "error", err)
		}
	}

	ok()
}

// dlrEventType maps a provider delivery status onto the SMS event
// vocabulary.
func dlrEventType(dlrStatus string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(dlrStatus)) {
	case "delivered":
		return status.EventDelivered, true
	case "failed", "rejected":
		return status.EventFailed, true
	case "undelivered", "expired":
		return status.EventUndelivered, true
	default:
		return "", false
	}
}
