package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/otpgw/otpgw/internal/phone"
)

// cdrRecord is one call detail record from the billing exporter. Only
// the fields the gateway attributes cost with are decoded.
type cdrRecord struct {
	ID        json.Number `json:"id"`
	DstNumber string      `json:"dst_number"`
	TimeStart string      `json:"time_start"`
	TimeEnd   string      `json:"time_end"`
	Duration  float64     `json:"duration"`
	Price     float64     `json:"price"`
	TrunkName string      `json:"trunk_name"`
}

// cdrLookback bounds how far back a CDR is matched to a voice request.
const cdrLookback = 24 * time.Hour

// uuidRe finds a UUID embedded anywhere in a trunk name.
var uuidRe = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

// handleCDR ingests billing CDRs as a JSON array, newline-delimited
// JSON, or a single object. Records for other trunks are skipped.
// Always answers 200.
func (s *Server) handleCDR(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.logger.Warn("reading cdr body", "error", err)
		writeBare(w, http.StatusOK, map[string]any{"status": "ok", "processed": 0})
		return
	}

	records := decodeCDRs(body, s.logger.Warn)

	processed := 0
	for _, rec := range records {
		if s.applyCDR(r.Context(), rec) {
			processed++
		}
	}

	writeBare(w, http.StatusOK, map[string]any{"status": "ok", "processed": processed})
}

// decodeCDRs accepts the three envelope shapes the exporter is known
// to send. warn is called once per undecodable line.
func decodeCDRs(body []byte, warn func(msg string, args ...any)) []cdrRecord {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}

	if trimmed[0] == '[' {
		var records []cdrRecord
		if err := json.Unmarshal(trimmed, &records); err != nil {
			warn("undecodable cdr array", "error", err)
			return nil
		}
		return records
	}

	// Single object and NDJSON both parse line by line.
	var records []cdrRecord
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 0, 64*1024), maxBodyBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec cdrRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			warn("undecodable cdr line", "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records
}

// applyCDR attributes one record to its voice request. Reports true
// when a request was updated.
func (s *Server) applyCDR(ctx context.Context, rec cdrRecord) bool {
	if !s.trunkMatches(rec.TrunkName) {
		return false
	}
	if rec.DstNumber == "" {
		return false
	}

	info, err := phone.Parse(rec.DstNumber)
	if err != nil {
		s.logger.Debug("cdr with unparseable destination", "dst_number", rec.DstNumber)
		return false
	}

	req, err := s.requests.FindRecentVoiceByPhone(ctx, info.E164, time.Now().UTC().Add(-cdrLookback))
	if err != nil {
		s.logger.Error("correlating cdr", "dst_number", info.E164, "error", err)
		return false
	}
	if req == nil {
		s.logger.Debug("cdr without matching voice request", "dst_number", info.E164)
		return false
	}

	if rec.Price > 0 {
		units := int64(math.Round(rec.Price * 10000))
		if err := s.requests.SetVoiceCost(ctx, req.ID, units); err != nil {
			s.logger.Error("recording voice cost", "request_id", req.ID, "error", err)
			return false
		}
	}
	return true
}

// trunkMatches reports whether a CDR's trunk name refers to the
// gateway's trunk. A UUID embedded in the name wins over an exact
// name comparison; an empty configured trunk ID accepts everything.
func (s *Server) trunkMatches(trunkName string) bool {
	target := s.cfg.CDRTrunkID
	if target == "" {
		return true
	}
	if m := uuidRe.FindString(trunkName); m != "" {
		id, err := uuid.Parse(m)
		if err == nil {
			return strings.EqualFold(id.String(), target)
		}
	}
	return strings.EqualFold(trunkName, target)
}
