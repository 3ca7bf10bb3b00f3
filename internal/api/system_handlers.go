package api

import (
	"net/http"
	"time"

	"github.com/otpgw/otpgw/internal/config"
)

// healthResponse is the public liveness shape.
type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Asterisk string `json:"asterisk"`
	Uptime   int64  `json:"uptime"`
	Version  string `json:"version"`
}

// handleHealth reports liveness of the store and the voice platform.
// Unauthenticated. 503 when a required subsystem is down.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:   "ok",
		Database: "connected",
		Asterisk: "disabled",
		Uptime:   int64(time.Since(s.startTime).Seconds()),
		Version:  config.Version,
	}
	code := http.StatusOK

	if err := s.db.PingContext(r.Context()); err != nil {
		resp.Database = "disconnected"
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}

	// The voice plane only counts against health when it is configured.
	if s.telephony != nil {
		if s.telephony.Connected() {
			resp.Asterisk = "connected"
		} else {
			resp.Asterisk = "disconnected"
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	writeBare(w, code, resp)
}

// systemStatusResponse is the admin view of gateway internals.
type systemStatusResponse struct {
	Version       string           `json:"version"`
	Uptime        int64            `json:"uptime"`
	Database      string           `json:"database"`
	Asterisk      string           `json:"asterisk"`
	Requests      map[string]int64 `json:"requests_by_status"`
	ShadowBanned  int64            `json:"shadow_banned_total"`
	DefaultRoute  string           `json:"default_channels"`
	FailoverState bool             `json:"failover_enabled"`
}

// handleSystemStatus returns aggregate gateway state for operators.
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp := systemStatusResponse{
		Version:       config.Version,
		Uptime:        int64(time.Since(s.startTime).Seconds()),
		Database:      "connected",
		Asterisk:      "disabled",
		DefaultRoute:  s.cfg.DefaultChannels,
		FailoverState: s.cfg.FailoverEnabled,
	}
	if err := s.db.PingContext(ctx); err != nil {
		resp.Database = "disconnected"
	}
	if s.telephony != nil {
		if s.telephony.Connected() {
			resp.Asterisk = "connected"
		} else {
			resp.Asterisk = "disconnected"
		}
	}

	counts, err := s.requests.CountByStatus(ctx)
	if err != nil {
		s.logger.Error("counting requests by status", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to gather system status")
		return
	}
	resp.Requests = counts

	banned, err := s.requests.CountShadowBanned(ctx)
	if err != nil {
		s.logger.Error("counting shadow banned requests", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to gather system status")
		return
	}
	resp.ShadowBanned = banned

	writeJSON(w, http.StatusOK, resp)
}
