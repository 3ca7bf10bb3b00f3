package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var jwtTestSecret = []byte("0123456789abcdef0123456789abcdef")

func authedHandler(t *testing.T, gotUsername *string) http.Handler {
	t.Helper()
	return RequireAdminAuth(jwtTestSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*gotUsername = AdminUsernameFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
}

func TestGenerateAdminToken(t *testing.T) {
	token, expiresAt, err := GenerateAdminToken(jwtTestSecret, 7, "ops")
	if err != nil {
		t.Fatalf("generating token: %v", err)
	}
	if token == "" {
		t.Fatal("expected a token")
	}
	if until := time.Until(expiresAt); until < 23*time.Hour || until > 25*time.Hour {
		t.Errorf("expiry %v from now, want ~24h", until)
	}

	claims := &AdminClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return jwtTestSecret, nil
	})
	if err != nil || !parsed.Valid {
		t.Fatalf("parsing token: %v", err)
	}
	if claims.UserID != 7 || claims.Username != "ops" {
		t.Errorf("claims = %d/%q, want 7/ops", claims.UserID, claims.Username)
	}
	if claims.Issuer != "otpgw" {
		t.Errorf("issuer = %q, want otpgw", claims.Issuer)
	}
}

func TestRequireAdminAuth(t *testing.T) {
	valid, _, err := GenerateAdminToken(jwtTestSecret, 7, "ops")
	if err != nil {
		t.Fatalf("generating token: %v", err)
	}
	otherKey, _, err := GenerateAdminToken([]byte("ffffffffffffffffffffffffffffffff"), 7, "ops")
	if err != nil {
		t.Fatalf("generating token: %v", err)
	}
	noClaims := jwt.NewWithClaims(jwt.SigningMethodHS256, AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	unnamed, err := noClaims.SignedString(jwtTestSecret)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "valid token", header: "Bearer " + valid, want: http.StatusOK},
		{name: "case-insensitive scheme", header: "bearer " + valid, want: http.StatusOK},
		{name: "missing header", header: "", want: http.StatusUnauthorized},
		{name: "not bearer", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "garbage token", header: "Bearer abc.def.ghi", want: http.StatusUnauthorized},
		{name: "wrong key", header: "Bearer " + otherKey, want: http.StatusUnauthorized},
		{name: "empty claims", header: "Bearer " + unnamed, want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var username string
			handler := authedHandler(t, &username)

			req := httptest.NewRequest(http.MethodGet, "/api/v1/requests", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusOK && username != "ops" {
				t.Errorf("context username = %q, want ops", username)
			}
		})
	}
}

func TestRequireAdminAuthRejectsExpired(t *testing.T) {
	claims := AdminClaims{
		UserID:   7,
		Username: "ops",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-48 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-24 * time.Hour)),
			Issuer:    "otpgw",
		},
	}
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(jwtTestSecret)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}

	var username string
	handler := authedHandler(t, &username)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/requests", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestAdminUsernameFromContextEmpty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := AdminUsernameFromContext(req.Context()); got != "" {
		t.Errorf("username = %q, want empty", got)
	}
}
