package api

import (
	"net/http"
	"time"

	"github.com/otpgw/otpgw/internal/api/middleware"
	"github.com/otpgw/otpgw/internal/database"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Username  string    `json:"username"`
}

// handleLogin authenticates an admin and issues an API token. The
// route is rate limited per IP; failed attempts are answered with the
// same message regardless of which check failed.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	user, err := s.admins.GetByUsername(r.Context(), req.Username)
	if err != nil {
		s.logger.Error("loading admin user", "username", req.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	if user == nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	match, err := database.VerifySecret(req.Password, user.PasswordHash)
	if err != nil {
		s.logger.Error("verifying admin password", "username", req.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	if !match {
		s.logger.Warn("failed admin login", "username", req.Username, "ip", clientIP(r))
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := middleware.GenerateAdminToken(s.jwtSecret, user.ID, user.Username)
	if err != nil {
		s.logger.Error("signing admin token", "username", req.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	s.logger.Info("admin login", "username", user.Username, "ip", clientIP(r))
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		Username:  user.Username,
	})
}
