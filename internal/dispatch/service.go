// Package dispatch accepts verification requests and drives them
// through fraud evaluation, caller-ID routing and provider invocation.
// Shadow-banned requests are diverted to a simulator that fakes the
// delivery lifecycle, so the response and the observable event stream
// never reveal the ban.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/otpgw/otpgw/internal/config"
	"github.com/otpgw/otpgw/internal/database"
	"github.com/otpgw/otpgw/internal/database/models"
	"github.com/otpgw/otpgw/internal/fraud"
	"github.com/otpgw/otpgw/internal/phone"
	"github.com/otpgw/otpgw/internal/routing"
	"github.com/otpgw/otpgw/internal/sms"
	"github.com/otpgw/otpgw/internal/status"
	"github.com/otpgw/otpgw/internal/voice"
	"github.com/otpgw/otpgw/internal/ws"
)

// Validation failures surfaced to the API as HTTP 400.
var (
	ErrInvalidPhone   = errors.New("invalid phone number")
	ErrInvalidCode    = errors.New("code must be 4 to 8 digits")
	ErrInvalidChannel = errors.New("unsupported channel")
	ErrNoChannels     = errors.New("no delivery channel requested")
)

// Provider delivers a code on one channel. Dispatch is synchronous up
// to provider acceptance; later progress arrives through the event bus.
type Provider interface {
	Dispatch(ctx context.Context, req *models.Request, code, callerID string) error
}

// Emitter publishes delivery events for a request.
type Emitter interface {
	Emit(ctx context.Context, requestID, channel, eventType string, data map[string]any) error
}

// Publisher pushes frames to live subscribers.
type Publisher interface {
	Publish(topic, msgType string, data any)
}

var (
	_ Provider  = (*sms.Provider)(nil)
	_ Provider  = (*voice.Orchestrator)(nil)
	_ Publisher = (*ws.Hub)(nil)
)

// Request is one parsed intake payload.
type Request struct {
	Phone      string
	Code       string
	SessionID  string
	Channels   []string
	WebhookURL string
	IP         string
}

// Result is the acceptance envelope returned to the caller.
type Result struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id"`
	Channel   string `json:"channel"`
	Phone     string `json:"phone"`
}

// Service runs the intake pipeline.
type Service struct {
	cfg       *config.Config
	requests  database.RequestRepository
	fraud     *fraud.Engine
	router    *routing.Router
	providers map[string]Provider
	sim       *Simulator
	bus       Emitter
	hub       Publisher
	logger    *slog.Logger
}

// NewService creates the dispatch service. The providers map is keyed
// by channel name; channels without a provider fail over like any
// other dispatch failure.
func NewService(cfg *config.Config, db *database.DB, engine *fraud.Engine, router *routing.Router,
	sim *Simulator, providers map[string]Provider, bus Emitter, hub Publisher, logger *slog.Logger) *Service {
	return &Service{
		cfg:       cfg,
		requests:  database.NewRequestRepository(db),
		fraud:     engine,
		router:    router,
		providers: providers,
		sim:       sim,
		bus:       bus,
		hub:       hub,
		logger:    logger.With("subsystem", "dispatch"),
	}
}

// Dispatch validates and persists a request, scores it, and hands it
// to the channel providers or the shadow-ban simulator. Delivery runs
// detached; the returned envelope only acknowledges acceptance.
func (s *Service) Dispatch(ctx context.Context, in Request) (*Result, error) {
	info, err := phone.Parse(in.Phone)
	if err != nil {
		return nil, ErrInvalidPhone
	}
	if !validCode(in.Code) {
		return nil, ErrInvalidCode
	}
	channels, err := s.normalizeChannels(in.Channels)
	if err != nil {
		return nil, err
	}

	hash, err := database.HashSecret(in.Code)
	if err != nil {
		return nil, fmt.Errorf("hashing code: %w", err)
	}

	now := time.Now().UTC()
	req := &models.Request{
		ID:                uuid.NewString(),
		Phone:             info.E164,
		CodeHash:          hash,
		SessionID:         in.SessionID,
		Status:            status.Pending,
		AuthStatus:        status.AuthUnverified,
		ChannelsRequested: encodeStrings(channels),
		IPAddress:         in.IP,
		PhoneCountry:      info.Country,
		PhonePrefix:       info.Prefix,
		FraudReasons:      "[]",
		WebhookURL:        in.WebhookURL,
		ExpiresAt:         now.Add(s.cfg.OTPTTL()),
	}
	if err := s.requests.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("persisting request: %w", err)
	}

	s.hub.Publish(ws.TopicRequests, "otp-request:created", map[string]any{
		"request_id": req.ID,
		"session_id": req.SessionID,
		"phone":      req.Phone,
		"status":     req.Status,
		"channels":   channels,
		"created_at": req.CreatedAt,
	})

	verdict := s.fraud.Evaluate(ctx, fraud.Input{
		RequestID:    req.ID,
		Phone:        req.Phone,
		PhoneCountry: req.PhoneCountry,
		PhonePrefix:  req.PhonePrefix,
		IP:           in.IP,
		SessionID:    in.SessionID,
	})
	err = s.requests.UpdateFraud(ctx, req.ID, verdict.Score, encodeStrings(verdict.Reasons),
		verdict.ShadowBan, verdict.IPSubnet, verdict.IPCountry, verdict.ASN)
	if err != nil {
		// The verdict still holds in memory; losing the audit columns
		// is not worth failing an accepted request over.
		s.logger.Error("persisting fraud verdict", "request_id", req.ID, "error", err)
	}
	req.FraudScore = verdict.Score
	req.ShadowBanned = verdict.ShadowBan

	first := channels[0]
	if verdict.ShadowBan {
		s.logger.Info("request shadow banned", "request_id", req.ID,
			"score", verdict.Score, "reasons", strings.Join(verdict.Reasons, ","))
		s.sim.Schedule(req.ID, first)
	} else {
		go s.deliver(context.Background(), req, in.Code, channels)
	}

	// Accepted requests always report sending; a shadow-banned response
	// must be indistinguishable from an allowed one.
	return &Result{
		Status:    status.Sending,
		RequestID: req.ID,
		Channel:   first,
		Phone:     req.Phone,
	}, nil
}

// deliver walks the requested channels in order until one provider
// accepts. It runs detached from the HTTP request, so a slow originate
// never holds up the intake response.
func (s *Service) deliver(ctx context.Context, req *models.Request, code string, channels []string) {
	for _, channel := range channels {
		provider, ok := s.providers[channel]
		if !ok {
			if s.failChannel(ctx, req.ID, channel, channel+" channel not configured") {
				continue
			}
			return
		}
		callerID, ok := s.router.Lookup(channel, req.Phone)
		if !ok {
			if s.failChannel(ctx, req.ID, channel, "no caller id route for "+req.Phone) {
				continue
			}
			return
		}
		if err := provider.Dispatch(ctx, req, code, callerID); err != nil {
			if s.failChannel(ctx, req.ID, channel, err.Error()) {
				continue
			}
			return
		}
		return
	}
	s.logger.Warn("all delivery channels exhausted", "request_id", req.ID, "phone", req.Phone)
}

// failChannel records a dispatch failure and reports whether the walk
// may move on to the next channel.
func (s *Service) failChannel(ctx context.Context, requestID, channel, message string) bool {
	s.logger.Warn("channel dispatch failed", "request_id", requestID, "channel", channel, "error", message)
	err := s.bus.Emit(ctx, requestID, channel, status.EventFailed, map[string]any{"error": message})
	if err != nil {
		s.logger.Warn("emitting failure event", "request_id", requestID, "channel", channel, "error", err)
	}
	return s.cfg.FailoverEnabled
}

func (s *Service) normalizeChannels(requested []string) ([]string, error) {
	channels := requested
	if len(channels) == 0 {
		channels = s.cfg.ChannelList()
	}

	out := make([]string, 0, len(channels))
	seen := make(map[string]bool, len(channels))
	for _, ch := range channels {
		ch = strings.ToLower(strings.TrimSpace(ch))
		switch ch {
		case status.ChannelSMS, status.ChannelVoice:
		default:
			return nil, fmt.Errorf("%w %q", ErrInvalidChannel, ch)
		}
		if seen[ch] {
			continue
		}
		seen[ch] = true
		out = append(out, ch)
	}
	if len(out) == 0 {
		return nil, ErrNoChannels
	}
	return out, nil
}

func validCode(code string) bool {
	if len(code) < 4 || len(code) > 8 {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// encodeStrings renders a string slice as a JSON array, never null.
func encodeStrings(list []string) string {
	if list == nil {
		list = []string{}
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return "[]"
	}
	return string(raw)
}
