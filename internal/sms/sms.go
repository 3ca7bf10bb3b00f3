// Package sms delivers verification codes through an HTTP SMS gateway.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/otpgw/otpgw/internal/config"
	"github.com/otpgw/otpgw/internal/database/models"
	"github.com/otpgw/otpgw/internal/status"
)

const (
	requestTimeout   = 10 * time.Second
	maxResponseBytes = 64 << 10
)

// Emitter publishes delivery events for a request.
type Emitter interface {
	Emit(ctx context.Context, requestID, channel, eventType string, data map[string]any) error
}

// Provider submits messages to the configured SMS gateway. Delivery
// reports arrive later through the DLR webhook and are correlated by
// the provider message ID stored here.
type Provider struct {
	url      string
	username string
	password string
	template string
	client   *http.Client
	bus      Emitter
	logger   *slog.Logger
}

// New creates the SMS provider from the gateway configuration.
func New(cfg *config.Config, bus Emitter, logger *slog.Logger) *Provider {
	return &Provider{
		url:      cfg.SMSAPIURL,
		username: cfg.SMSAPIUsername,
		password: cfg.SMSAPIPassword,
		template: cfg.SMSTemplate,
		client:   &http.Client{Timeout: requestTimeout},
		bus:      bus,
		logger:   logger.With("subsystem", "sms"),
	}
}

type sendRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
	Sender  string `json:"sender,omitempty"`
}

type sendResponse struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
}

// Dispatch renders the message and submits it. The queued, sending and
// sent events are emitted synchronously around the call; an error means
// the provider did not accept the message and the caller may fail over.
func (p *Provider) Dispatch(ctx context.Context, req *models.Request, code, callerID string) error {
	p.emit(ctx, req.ID, status.EventQueued, nil)
	p.emit(ctx, req.ID, status.EventSending, nil)

	providerID, err := p.send(ctx, req.Phone, p.render(code), callerID)
	if err != nil {
		return fmt.Errorf("sending sms: %w", err)
	}

	p.logger.Info("sms accepted by provider", "request_id", req.ID, "provider_id", providerID)
	var data map[string]any
	if providerID != "" {
		data = map[string]any{"provider_id": providerID}
	}
	p.emit(ctx, req.ID, status.EventSent, data)
	return nil
}

func (p *Provider) emit(ctx context.Context, requestID, eventType string, data map[string]any) {
	if err := p.bus.Emit(ctx, requestID, status.ChannelSMS, eventType, data); err != nil {
		p.logger.Warn("emitting sms event", "request_id", requestID, "event_type", eventType, "error", err)
	}
}

func (p *Provider) render(code string) string {
	return strings.ReplaceAll(p.template, "{code}", code)
}

func (p *Provider) send(ctx context.Context, phone, message, sender string) (string, error) {
	body, err := json.Marshal(sendRequest{Phone: phone, Message: message, Sender: sender})
	if err != nil {
		return "", fmt.Errorf("encoding send request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building send request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(p.username, p.password)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("reading provider response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	// A 2xx means the message was accepted; a response we cannot parse
	// only costs us the DLR correlation.
	var sr sendResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		p.logger.Warn("unparseable provider response", "error", err)
		return "", nil
	}
	return sr.ID, nil
}
