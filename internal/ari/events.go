package ari

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// StasisStart fires when a channel enters the application. Args carry
// the appArgs from origination.
type StasisStart struct {
	Type    string   `json:"type"`
	Args    []string `json:"args"`
	Channel Channel  `json:"channel"`
}

// StasisEnd fires when a channel leaves the application.
type StasisEnd struct {
	Type    string  `json:"type"`
	Channel Channel `json:"channel"`
}

// PlaybackFinished fires when a media playback completes.
type PlaybackFinished struct {
	Type     string   `json:"type"`
	Playback Playback `json:"playback"`
}

// ChannelDestroyed fires when a channel ceases to exist, with the
// Q.850 cause of its demise.
type ChannelDestroyed struct {
	Type     string  `json:"type"`
	Cause    int     `json:"cause"`
	CauseTxt string  `json:"cause_txt"`
	Channel  Channel `json:"channel"`
}

// EventHandler receives the event callbacks the gateway acts on.
// Callbacks run on the single read loop; long work must be handed off.
type EventHandler interface {
	OnStasisStart(ctx context.Context, ev *StasisStart)
	OnStasisEnd(ctx context.Context, ev *StasisEnd)
	OnPlaybackFinished(ctx context.Context, ev *PlaybackFinished)
	OnChannelDestroyed(ctx context.Context, ev *ChannelDestroyed)
}

// Listen attaches to the ARI event websocket and dispatches events to
// the handler until the context is cancelled. A lost connection is
// re-established with doubling backoff; the delay resets after each
// successful attach.
func (c *Client) Listen(ctx context.Context, handler EventHandler) {
	delay := c.reconnectInitial
	for {
		established, err := c.listenOnce(ctx, handler)
		if ctx.Err() != nil {
			return
		}
		if established {
			delay = c.reconnectInitial
		}
		c.logger.Warn("ari event socket lost", "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.reconnectMax {
			delay = c.reconnectMax
		}
	}
}

func (c *Client) listenOnce(ctx context.Context, handler EventHandler) (bool, error) {
	wsURL, err := c.eventsURL()
	if err != nil {
		return false, err
	}

	header := http.Header{}
	header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(c.username+":"+c.password)))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return false, fmt.Errorf("dialing event socket: %w", err)
	}
	defer conn.Close()

	c.connected.Store(true)
	defer c.connected.Store(false)
	c.logger.Info("ari event socket connected", "app", c.app)

	// Unblock the read when the context goes away.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("reading event: %w", err)
		}
		c.dispatchEvent(ctx, handler, raw)
	}
}

func (c *Client) dispatchEvent(ctx context.Context, handler EventHandler, raw []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		c.logger.Debug("discarding malformed ari event", "error", err)
		return
	}

	switch head.Type {
	case "StasisStart":
		var ev StasisStart
		if err := json.Unmarshal(raw, &ev); err != nil {
			c.logger.Warn("decoding StasisStart", "error", err)
			return
		}
		handler.OnStasisStart(ctx, &ev)
	case "StasisEnd":
		var ev StasisEnd
		if err := json.Unmarshal(raw, &ev); err != nil {
			c.logger.Warn("decoding StasisEnd", "error", err)
			return
		}
		handler.OnStasisEnd(ctx, &ev)
	case "PlaybackFinished":
		var ev PlaybackFinished
		if err := json.Unmarshal(raw, &ev); err != nil {
			c.logger.Warn("decoding PlaybackFinished", "error", err)
			return
		}
		handler.OnPlaybackFinished(ctx, &ev)
	case "ChannelDestroyed":
		var ev ChannelDestroyed
		if err := json.Unmarshal(raw, &ev); err != nil {
			c.logger.Warn("decoding ChannelDestroyed", "error", err)
			return
		}
		handler.OnChannelDestroyed(ctx, &ev)
	default:
		// State changes, variable sets and the rest are noise here.
	}
}

func (c *Client) eventsURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parsing ari url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported ari url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/events"

	q := u.Query()
	q.Set("app", c.app)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
