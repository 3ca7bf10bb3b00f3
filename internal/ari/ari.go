// Package ari is a minimal client for the Asterisk REST Interface,
// covering the handful of call-control actions the gateway needs and
// the event websocket that drives the voice orchestrator.
package ari

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/otpgw/otpgw/internal/config"
)

const (
	requestTimeout   = 10 * time.Second
	maxResponseBytes = 256 << 10
)

// ErrChannelNotFound reports that the channel is gone, which during a
// call means the far end hung up.
var ErrChannelNotFound = errors.New("channel not found")

// Client talks to one Asterisk instance.
type Client struct {
	baseURL  string
	username string
	password string
	app      string
	http     *http.Client
	logger   *slog.Logger

	connected atomic.Bool

	reconnectInitial time.Duration
	reconnectMax     time.Duration
}

// New creates an ARI client from the gateway configuration.
func New(cfg *config.Config, logger *slog.Logger) *Client {
	return &Client{
		baseURL:          strings.TrimRight(cfg.ARIURL, "/"),
		username:         cfg.ARIUsername,
		password:         cfg.ARIPassword,
		app:              cfg.ARIApplication,
		http:             &http.Client{Timeout: requestTimeout},
		logger:           logger.With("subsystem", "ari"),
		reconnectInitial: time.Second,
		reconnectMax:     30 * time.Second,
	}
}

// Connected reports whether the event websocket is currently attached.
// The health endpoint uses it as the asterisk liveness signal.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Channel is the ARI view of one call leg.
type Channel struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	State     string     `json:"state"`
	Caller    CallerInfo `json:"caller"`
	Connected CallerInfo `json:"connected"`
}

// CallerInfo is a name/number pair on a channel.
type CallerInfo struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

// Playback is one media playback operation on a channel.
type Playback struct {
	ID       string `json:"id"`
	MediaURI string `json:"media_uri"`
	State    string `json:"state"`
}

// OriginateParams describe the outbound call to place. AppArgs is
// handed back verbatim in the StasisStart event, which is how the
// orchestrator recognizes its own calls.
type OriginateParams struct {
	Endpoint string // e.g. PJSIP/14155550123@otp-trunk
	CallerID string
	AppArgs  string
	Timeout  int // seconds of ringing before the platform gives up
}

// Originate places an outbound call into the Stasis application.
func (c *Client) Originate(ctx context.Context, p OriginateParams) (*Channel, error) {
	q := url.Values{}
	q.Set("endpoint", p.Endpoint)
	q.Set("app", c.app)
	if p.AppArgs != "" {
		q.Set("appArgs", p.AppArgs)
	}
	if p.CallerID != "" {
		q.Set("callerId", p.CallerID)
	}
	if p.Timeout > 0 {
		q.Set("timeout", strconv.Itoa(p.Timeout))
	}

	var ch Channel
	if err := c.do(ctx, http.MethodPost, "/channels", q, &ch); err != nil {
		return nil, fmt.Errorf("originating call: %w", err)
	}
	return &ch, nil
}

// Answer picks up a ringing channel.
func (c *Client) Answer(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/answer", nil, nil)
}

// Play starts a media playback on a channel under a caller-chosen
// playback ID. Choosing the ID up front lets the caller register for
// the PlaybackFinished event before the request is sent, so a fast
// event cannot slip past it.
func (c *Client) Play(ctx context.Context, channelID, playbackID, media string) (*Playback, error) {
	q := url.Values{}
	q.Set("media", media)

	var pb Playback
	if err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/play/"+url.PathEscape(playbackID), q, &pb); err != nil {
		return nil, err
	}
	return &pb, nil
}

// Hangup tears a channel down.
func (c *Client) Hangup(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodDelete, "/channels/"+url.PathEscape(channelID), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("building %s %s: %w", method, path, err)
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading %s response: %w", path, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrChannelNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decoding %s response: %w", path, err)
		}
	}
	return nil
}
