package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/otpgw/otpgw/internal/database/models"
)

// whitelistRequest exempts an IP or phone from fraud evaluation.
type whitelistRequest struct {
	Type        string `json:"type"`
	Value       string `json:"value"`
	Description string `json:"description"`
}

func (req *whitelistRequest) validate() string {
	switch req.Type {
	case "ip":
		if req.Value == "" {
			return "value is required"
		}
		if errMsg := validateIP("value", req.Value); errMsg != "" {
			return errMsg
		}
	case "phone":
		if errMsg := validatePhoneShape("value", req.Value); errMsg != "" {
			return errMsg
		}
	default:
		return "type must be ip or phone"
	}
	return validateStringLen("description", req.Description, maxDescriptionLen)
}

type whitelistResponse struct {
	ID          int64     `json:"id"`
	Type        string    `json:"type"`
	Value       string    `json:"value"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

func toWhitelistResponse(e *models.WhitelistEntry) whitelistResponse {
	return whitelistResponse{
		ID:          e.ID,
		Type:        e.Type,
		Value:       e.Value,
		Description: e.Description,
		CreatedAt:   e.CreatedAt,
	}
}

// handleWhitelistList returns all whitelist entries.
func (s *Server) handleWhitelistList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.whitelist.List(r.Context())
	if err != nil {
		s.logger.Error("listing whitelist", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list whitelist")
		return
	}
	out := make([]whitelistResponse, 0, len(entries))
	for i := range entries {
		out = append(out, toWhitelistResponse(&entries[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleWhitelistCreate adds a whitelist entry. Whitelist hits bypass
// every fraud rule, so each addition is logged with the acting admin.
func (s *Server) handleWhitelistCreate(w http.ResponseWriter, r *http.Request) {
	var req whitelistRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := req.validate(); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	entry := &models.WhitelistEntry{
		Type:        req.Type,
		Value:       req.Value,
		Description: req.Description,
	}
	if err := s.whitelist.Create(r.Context(), entry); err != nil {
		s.logger.Error("creating whitelist entry", "type", req.Type, "error", err)
		writeError(w, http.StatusConflict, "whitelist entry could not be created")
		return
	}

	s.logger.Info("whitelist entry added", "type", entry.Type, "value", entry.Value)
	writeJSON(w, http.StatusCreated, toWhitelistResponse(entry))
}

// handleWhitelistDelete removes a whitelist entry.
func (s *Server) handleWhitelistDelete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "id must be an integer")
		return
	}
	if err := s.whitelist.Delete(r.Context(), id); err != nil {
		s.logger.Error("deleting whitelist entry", "entry_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete whitelist entry")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": id})
}

// asnRequest blocks an autonomous system.
type asnRequest struct {
	ASN         int64  `json:"asn"`
	Description string `json:"description"`
}

type asnResponse struct {
	ID          int64     `json:"id"`
	ASN         int64     `json:"asn"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

func toASNResponse(e *models.ASNBlocklistEntry) asnResponse {
	return asnResponse{ID: e.ID, ASN: e.ASN, Description: e.Description, CreatedAt: e.CreatedAt}
}

// handleASNList returns the ASN blocklist.
func (s *Server) handleASNList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.asnList.List(r.Context())
	if err != nil {
		s.logger.Error("listing asn blocklist", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list asn blocklist")
		return
	}
	out := make([]asnResponse, 0, len(entries))
	for i := range entries {
		out = append(out, toASNResponse(&entries[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleASNCreate blocks an ASN. Requests from matching networks are
// shadow banned instantly.
func (s *Server) handleASNCreate(w http.ResponseWriter, r *http.Request) {
	var req asnRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.ASN <= 0 {
		writeError(w, http.StatusBadRequest, "asn must be a positive integer")
		return
	}
	if errMsg := validateStringLen("description", req.Description, maxDescriptionLen); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	entry := &models.ASNBlocklistEntry{ASN: req.ASN, Description: req.Description}
	if err := s.asnList.Create(r.Context(), entry); err != nil {
		s.logger.Error("creating asn blocklist entry", "asn", req.ASN, "error", err)
		writeError(w, http.StatusConflict, "asn is already blocked")
		return
	}

	s.logger.Info("asn blocked", "asn", entry.ASN, "description", entry.Description)
	writeJSON(w, http.StatusCreated, toASNResponse(entry))
}

// handleASNDelete unblocks an ASN.
func (s *Server) handleASNDelete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "id must be an integer")
		return
	}
	if err := s.asnList.Delete(r.Context(), id); err != nil {
		s.logger.Error("deleting asn blocklist entry", "entry_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete asn blocklist entry")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": id})
}

type reputationResponse struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Key       string    `json:"key"`
	Total     int64     `json:"total"`
	Verified  int64     `json:"verified"`
	Failed    int64     `json:"failed"`
	Banned    bool      `json:"banned"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// handleReputationList returns rolling reputation counters for one
// kind ("ip" or "phone").
func (s *Server) handleReputationList(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	if kind != "ip" && kind != "phone" {
		writeError(w, http.StatusBadRequest, "kind must be ip or phone")
		return
	}
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	entries, total, err := s.reputation.List(r.Context(), kind, pg.Limit, pg.Offset)
	if err != nil {
		s.logger.Error("listing reputation", "kind", kind, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list reputation")
		return
	}
	out := make([]reputationResponse, 0, len(entries))
	for i := range entries {
		e := &entries[i]
		out = append(out, reputationResponse{
			ID:        e.ID,
			Kind:      e.Kind,
			Key:       e.Key,
			Total:     e.Total,
			Verified:  e.Verified,
			Failed:    e.Failed,
			Banned:    e.Banned,
			FirstSeen: e.FirstSeen,
			LastSeen:  e.LastSeen,
		})
	}
	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  out,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// banRequest flips the operator ban flag on a reputation row.
type banRequest struct {
	Kind   string `json:"kind"`
	Key    string `json:"key"`
	Banned bool   `json:"banned"`
}

// handleReputationBan sets or clears the operator ban on a subnet or
// phone. Banned subnets trip the instant fraud rule on every request.
func (s *Server) handleReputationBan(w http.ResponseWriter, r *http.Request) {
	var req banRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.Kind != "ip" && req.Kind != "phone" {
		writeError(w, http.StatusBadRequest, "kind must be ip or phone")
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}

	now := time.Now().UTC()
	if err := s.reputation.SetBanned(r.Context(), req.Kind, req.Key, req.Banned, now); err != nil {
		s.logger.Error("setting reputation ban", "kind", req.Kind, "key", req.Key, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update ban state")
		return
	}

	s.logger.Info("reputation ban updated", "kind", req.Kind, "key", req.Key, "banned", req.Banned)
	writeJSON(w, http.StatusOK, map[string]any{"kind": req.Kind, "key": req.Key, "banned": req.Banned})
}

type honeypotResponse struct {
	ID        int64     `json:"id"`
	Subnet    string    `json:"subnet"`
	Reason    string    `json:"reason"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// handleHoneypotList returns currently trapped subnets.
func (s *Server) handleHoneypotList(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	entries, total, err := s.honeypot.List(r.Context(), pg.Limit, pg.Offset)
	if err != nil {
		s.logger.Error("listing honeypot", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list honeypot")
		return
	}
	out := make([]honeypotResponse, 0, len(entries))
	for i := range entries {
		e := &entries[i]
		out = append(out, honeypotResponse{
			ID:        e.ID,
			Subnet:    e.Subnet,
			Reason:    e.Reason,
			ExpiresAt: e.ExpiresAt,
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  out,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}
