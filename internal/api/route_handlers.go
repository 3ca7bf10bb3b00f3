package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/otpgw/otpgw/internal/api/middleware"
	"github.com/otpgw/otpgw/internal/database/models"
)

// routeRequest creates or updates a caller-ID route.
type routeRequest struct {
	Channel  string `json:"channel"`
	Prefix   string `json:"prefix"`
	CallerID string `json:"caller_id"`
	Enabled  *bool  `json:"enabled"`
}

func (req *routeRequest) validate() string {
	if errMsg := validateChannel("channel", req.Channel); errMsg != "" {
		return errMsg
	}
	if errMsg := validateRoutePrefix("prefix", req.Prefix); errMsg != "" {
		return errMsg
	}
	return validateRequiredStringLen("caller_id", req.CallerID, maxCallerIDLen)
}

// routeResponse is the admin view of one caller-ID route.
type routeResponse struct {
	ID        int64     `json:"id"`
	Channel   string    `json:"channel"`
	Prefix    string    `json:"prefix"`
	CallerID  string    `json:"caller_id"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toRouteResponse(route *models.CallerIDRoute) routeResponse {
	return routeResponse{
		ID:        route.ID,
		Channel:   route.Channel,
		Prefix:    route.Prefix,
		CallerID:  route.CallerID,
		Enabled:   route.Enabled,
		CreatedAt: route.CreatedAt,
		UpdatedAt: route.UpdatedAt,
	}
}

// handleRouteList returns every caller-ID route, enabled or not.
func (s *Server) handleRouteList(w http.ResponseWriter, r *http.Request) {
	routes, err := s.routes.List(r.Context())
	if err != nil {
		s.logger.Error("listing caller id routes", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list routes")
		return
	}

	items := make([]routeResponse, len(routes))
	for i := range routes {
		items[i] = toRouteResponse(&routes[i])
	}
	writeJSON(w, http.StatusOK, items)
}

// handleRouteCreate adds a route and hot-reloads the router cache.
func (s *Server) handleRouteCreate(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := req.validate(); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	route := &models.CallerIDRoute{
		Channel:  req.Channel,
		Prefix:   req.Prefix,
		CallerID: req.CallerID,
		Enabled:  req.Enabled == nil || *req.Enabled,
	}
	if err := s.routes.Create(r.Context(), route); err != nil {
		s.logger.Error("creating caller id route", "channel", req.Channel, "prefix", req.Prefix, "error", err)
		writeError(w, http.StatusConflict, "route could not be created (duplicate channel and prefix?)")
		return
	}

	s.reloadRouter(r)
	writeJSON(w, http.StatusCreated, toRouteResponse(route))
}

// handleRouteUpdate replaces a route and hot-reloads the router cache.
func (s *Server) handleRouteUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "id must be an integer")
		return
	}

	var req routeRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := req.validate(); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	existing, err := s.routes.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("loading caller id route", "route_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load route")
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "route not found")
		return
	}

	existing.Channel = req.Channel
	existing.Prefix = req.Prefix
	existing.CallerID = req.CallerID
	if req.Enabled != nil {
		existing.Enabled = *req.Enabled
	}
	if err := s.routes.Update(r.Context(), existing); err != nil {
		s.logger.Error("updating caller id route", "route_id", id, "error", err)
		writeError(w, http.StatusConflict, "route could not be updated (duplicate channel and prefix?)")
		return
	}

	s.reloadRouter(r)
	writeJSON(w, http.StatusOK, toRouteResponse(existing))
}

// handleRouteDelete removes a route and hot-reloads the router cache.
func (s *Server) handleRouteDelete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "id must be an integer")
		return
	}

	if err := s.routes.Delete(r.Context(), id); err != nil {
		s.logger.Error("deleting caller id route", "route_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete route")
		return
	}

	s.reloadRouter(r)
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": id})
}

// reloadRouter refreshes the in-memory routing cache after a mutation.
// A reload failure leaves the previous cache serving; it is logged,
// not surfaced, since the row change itself succeeded.
func (s *Server) reloadRouter(r *http.Request) {
	count, err := s.callerIDs.Reload(r.Context())
	if err != nil {
		s.logger.Error("reloading caller id router", "error", err)
		return
	}
	s.logger.Info("caller id routes reloaded", "count", count,
		"admin", middleware.AdminUsernameFromContext(r.Context()))
}
