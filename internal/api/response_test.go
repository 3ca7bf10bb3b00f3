package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteJSONEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusCreated, map[string]string{"channel": "sms"})

	if w.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %q, want application/json", ct)
	}

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if env.Error != "" {
		t.Errorf("error = %q, want empty", env.Error)
	}
	data, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("data is %T, want map", env.Data)
	}
	if data["channel"] != "sms" {
		t.Errorf("channel = %v, want sms", data["channel"])
	}

	// The error field is omitted entirely on success.
	if strings.Contains(w.Body.String(), `"error"`) {
		t.Errorf("error field present in success body: %s", w.Body.String())
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, http.StatusConflict, "route could not be created")

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if env.Error != "route could not be created" {
		t.Errorf("error = %q", env.Error)
	}
	if env.Data != nil {
		t.Errorf("data = %v, want nil", env.Data)
	}
}

func TestWriteBareSkipsEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	writeBare(w, http.StatusOK, map[string]string{"status": "accepted", "request_id": "abc"})

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %q, want application/json", ct)
	}
	body := w.Body.String()
	if strings.Contains(body, `"data"`) {
		t.Errorf("public response must not be enveloped: %s", body)
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["status"] != "accepted" {
		t.Errorf("status = %q, want accepted", resp["status"])
	}
}

func TestWritePublicError(t *testing.T) {
	w := httptest.NewRecorder()
	writePublicError(w, http.StatusBadRequest, "invalid_request", "code must be 4 to 8 digits")

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}

	var resp publicError
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Error != "invalid_request" || resp.Message != "code must be 4 to 8 digits" {
		t.Errorf("unexpected error body: %+v", resp)
	}
}

func TestReadJSON(t *testing.T) {
	type routeBody struct {
		Channel string `json:"channel"`
		Prefix  string `json:"prefix"`
	}

	tests := []struct {
		name string
		body string
		want string // expected error message prefix, "" for success
	}{
		{name: "valid", body: `{"channel":"voice","prefix":"44"}`},
		{name: "empty body", body: "", want: "request body must not be empty"},
		{name: "malformed", body: "{bad", want: "malformed json"},
		{name: "unknown field", body: `{"channel":"sms","extra":1}`, want: "unknown field"},
		{name: "wrong type", body: `{"channel":7}`, want: "invalid type for field"},
		{name: "trailing object", body: `{"channel":"sms"}{"channel":"voice"}`, want: "request body must contain a single json object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/api/v1/routes", strings.NewReader(tt.body))

			var dst routeBody
			errMsg := readJSON(r, &dst)
			if tt.want == "" {
				if errMsg != "" {
					t.Fatalf("unexpected error %q", errMsg)
				}
				if dst.Channel != "voice" || dst.Prefix != "44" {
					t.Errorf("decoded %+v", dst)
				}
				return
			}
			if !strings.HasPrefix(errMsg, tt.want) {
				t.Errorf("error = %q, want prefix %q", errMsg, tt.want)
			}
		})
	}
}

func TestParsePagination(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantLimit  int
		wantOffset int
		wantErr    string
	}{
		{name: "defaults", query: "", wantLimit: defaultLimit, wantOffset: 0},
		{name: "custom", query: "?limit=50&offset=10", wantLimit: 50, wantOffset: 10},
		{name: "clamped", query: "?limit=500", wantLimit: maxLimit, wantOffset: 0},
		{name: "zero offset", query: "?offset=0", wantLimit: defaultLimit, wantOffset: 0},
		{name: "non-numeric limit", query: "?limit=abc", wantErr: "limit must be a positive integer"},
		{name: "zero limit", query: "?limit=0", wantErr: "limit must be a positive integer"},
		{name: "negative limit", query: "?limit=-5", wantErr: "limit must be a positive integer"},
		{name: "non-numeric offset", query: "?offset=abc", wantErr: "offset must be a non-negative integer"},
		{name: "negative offset", query: "?offset=-1", wantErr: "offset must be a non-negative integer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/v1/requests"+tt.query, nil)
			p, errMsg := parsePagination(r)
			if tt.wantErr != "" {
				if errMsg != tt.wantErr {
					t.Errorf("error = %q, want %q", errMsg, tt.wantErr)
				}
				return
			}
			if errMsg != "" {
				t.Fatalf("unexpected error %q", errMsg)
			}
			if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
				t.Errorf("pagination = %d/%d, want %d/%d", p.Limit, p.Offset, tt.wantLimit, tt.wantOffset)
			}
		})
	}
}

func TestPaginatedResponseShape(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  []string{"a", "b"},
		Total:  10,
		Limit:  20,
		Offset: 0,
	})

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	data, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("data is %T, want map", env.Data)
	}
	if data["total"] != float64(10) || data["limit"] != float64(20) || data["offset"] != float64(0) {
		t.Errorf("unexpected pagination fields: %v", data)
	}
	items, ok := data["items"].([]any)
	if !ok || len(items) != 2 {
		t.Errorf("items = %v", data["items"])
	}
}
