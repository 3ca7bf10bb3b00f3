package api

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/otpgw/otpgw/internal/dispatch"
	"github.com/otpgw/otpgw/internal/status"
	"github.com/otpgw/otpgw/internal/ws"
)

// dispatchRequest is the public intake payload.
type dispatchRequest struct {
	Phone      string   `json:"phone"`
	Code       string   `json:"code"`
	SessionID  string   `json:"session_id"`
	Channels   []string `json:"channels"`
	WebhookURL string   `json:"webhook_url"`
	IP         string   `json:"ip"`
}

// handleDispatch accepts an OTP dispatch request. Accepted requests
// always answer 200 with the same envelope shape; only malformed input
// or a failed initial persist surfaces an error.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writePublicError(w, http.StatusBadRequest, "invalid_request", errMsg)
		return
	}

	if errMsg := validateWebhookURL("webhook_url", req.WebhookURL); errMsg != "" {
		writePublicError(w, http.StatusBadRequest, "invalid_request", errMsg)
		return
	}
	if errMsg := validateIP("ip", req.IP); errMsg != "" {
		writePublicError(w, http.StatusBadRequest, "invalid_request", errMsg)
		return
	}
	ip := req.IP
	if ip == "" {
		ip = clientIP(r)
	}

	result, err := s.dispatcher.Dispatch(r.Context(), dispatch.Request{
		Phone:      req.Phone,
		Code:       req.Code,
		SessionID:  req.SessionID,
		Channels:   req.Channels,
		WebhookURL: req.WebhookURL,
		IP:         ip,
	})
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrInvalidPhone),
			errors.Is(err, dispatch.ErrInvalidCode),
			errors.Is(err, dispatch.ErrInvalidChannel),
			errors.Is(err, dispatch.ErrNoChannels):
			writePublicError(w, http.StatusBadRequest, "invalid_request", err.Error())
		default:
			s.logger.Error("dispatch failed", "error", err)
			writePublicError(w, http.StatusInternalServerError, "internal_error", "request could not be accepted")
		}
		return
	}

	writeBare(w, http.StatusOK, result)
}

// authFeedbackRequest reports a verification outcome from the caller's
// backend.
type authFeedbackRequest struct {
	RequestID string `json:"request_id"`
	Success   bool   `json:"success"`
}

// handleAuthFeedback records whether the end user entered the right
// code, updates the fraud counters and pushes the status change to
// live subscribers. The response never reveals a shadow ban.
func (s *Server) handleAuthFeedback(w http.ResponseWriter, r *http.Request) {
	var in authFeedbackRequest
	if errMsg := readJSON(r, &in); errMsg != "" {
		writePublicError(w, http.StatusBadRequest, "invalid_request", errMsg)
		return
	}
	if _, err := uuid.Parse(in.RequestID); err != nil {
		writePublicError(w, http.StatusBadRequest, "invalid_request", "request_id must be a UUID")
		return
	}

	ctx := r.Context()
	req, err := s.requests.GetByID(ctx, in.RequestID)
	if err != nil {
		s.logger.Error("loading request for auth feedback", "request_id", in.RequestID, "error", err)
		writePublicError(w, http.StatusInternalServerError, "internal_error", "feedback could not be recorded")
		return
	}
	if req == nil {
		writePublicError(w, http.StatusNotFound, "not_found", "unknown request_id")
		return
	}

	now := time.Now().UTC()
	if in.Success {
		// A shadow-banned request silently absorbs the feedback: it must
		// never become verified, and the response must not differ.
		if !req.ShadowBanned {
			changed, err := s.requests.SetAuthStatus(ctx, req.ID, status.AuthVerified, now)
			if err != nil {
				s.logger.Error("setting auth status", "request_id", req.ID, "error", err)
				writePublicError(w, http.StatusInternalServerError, "internal_error", "feedback could not be recorded")
				return
			}
			if changed {
				s.fraud.RecordSuccess(ctx, req.Phone, req.IPSubnet)
				s.publishAuthUpdate(req.ID, req.SessionID, req.Phone, req.Status, req.Channel, status.AuthVerified, now)
			}
		}
	} else {
		changed, err := s.requests.SetAuthStatus(ctx, req.ID, status.AuthWrongCode, now)
		if err != nil {
			s.logger.Error("setting auth status", "request_id", req.ID, "error", err)
			writePublicError(w, http.StatusInternalServerError, "internal_error", "feedback could not be recorded")
			return
		}
		// Wrong codes count against the breakers every time, not just
		// on the first transition.
		s.fraud.RecordFailure(ctx, req.Phone, req.IPSubnet)
		if changed {
			s.publishAuthUpdate(req.ID, req.SessionID, req.Phone, req.Status, req.Channel, status.AuthWrongCode, now)
		}
	}

	writeBare(w, http.StatusOK, map[string]string{"status": "ok", "request_id": req.ID})
}

func (s *Server) publishAuthUpdate(id, sessionID, phoneNumber, st, channel, authStatus string, now time.Time) {
	s.push.Publish(ws.TopicRequests, "otp-request:updated", map[string]any{
		"request_id":  id,
		"session_id":  sessionID,
		"phone":       phoneNumber,
		"status":      status.Combined(st, authStatus),
		"channel":     channel,
		"auth_status": authStatus,
		"updated_at":  now,
	})
}

// clientIP returns the remote address without the port. The RealIP
// middleware has already unwrapped any proxy headers.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
