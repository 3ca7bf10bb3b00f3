// Package events is the single funnel for channel delivery events.
// Every status change flows through Emit: the event is appended, the
// request row is updated in the same transaction, and the result is
// fanned out to live push subscribers and the webhook queue.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/otpgw/otpgw/internal/database"
	"github.com/otpgw/otpgw/internal/database/models"
	"github.com/otpgw/otpgw/internal/status"
	"github.com/otpgw/otpgw/internal/webhook"
	"github.com/otpgw/otpgw/internal/ws"
)

// Publisher pushes frames to live subscribers.
type Publisher interface {
	Publish(topic, msgType string, data any)
}

// WebhookQueue accepts outbound webhook jobs.
type WebhookQueue interface {
	Enqueue(job webhook.Job)
}

var (
	_ Publisher    = (*ws.Hub)(nil)
	_ WebhookQueue = (*webhook.Dispatcher)(nil)
)

const lockStripes = 64

// Bus serializes emissions per request and applies them to storage
// before any fan-out, so downstream failures never corrupt state.
type Bus struct {
	db       *database.DB
	requests database.RequestRepository
	events   database.EventRepository
	hub      Publisher
	hooks    WebhookQueue
	logger   *slog.Logger

	// Striped by request ID. Two control planes can report on the same
	// call at once; the stripe keeps append order and status updates
	// linearized per request.
	locks [lockStripes]sync.Mutex
}

// NewBus creates the event bus on top of the shared database handle.
func NewBus(db *database.DB, hub Publisher, hooks WebhookQueue, logger *slog.Logger) *Bus {
	return &Bus{
		db:       db,
		requests: database.NewRequestRepository(db),
		events:   database.NewEventRepository(db),
		hub:      hub,
		hooks:    hooks,
		logger:   logger.With("subsystem", "events"),
	}
}

func (b *Bus) lockFor(requestID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(requestID))
	return &b.locks[h.Sum32()%lockStripes]
}

// Emit records one channel event and propagates it. Terminal delivery
// types (delivered, completed) are suppressed if one was already
// recorded for the request and channel. Events for unknown requests
// are dropped with a warning.
func (b *Bus) Emit(ctx context.Context, requestID, channel, eventType string, data map[string]any) error {
	mu := b.lockFor(requestID)
	mu.Lock()
	defer mu.Unlock()

	if eventType == status.EventDelivered || eventType == status.EventCompleted {
		seen, err := b.events.Has(ctx, requestID, channel, eventType)
		if err != nil {
			return fmt.Errorf("checking for duplicate event: %w", err)
		}
		if seen {
			b.logger.Debug("duplicate terminal event dropped",
				"request_id", requestID, "channel", channel, "event_type", eventType)
			return nil
		}
	}

	req, err := b.requests.GetByID(ctx, requestID)
	if err != nil {
		return fmt.Errorf("loading request: %w", err)
	}
	if req == nil {
		b.logger.Warn("event for unknown request dropped",
			"request_id", requestID, "channel", channel, "event_type", eventType)
		return nil
	}

	newStatus, ok := status.ForEvent(channel, eventType)
	if channel == status.ChannelVoice && eventType == status.EventHangup && boolField(data, "otp_played") {
		// The caller hung up after hearing the code; that is a delivery.
		newStatus, ok = status.Delivered, true
	}

	apply := database.EventApply{
		Channel:      channel,
		ErrorMessage: stringField(data, "error"),
		ProviderID:   stringField(data, "provider_id"),
	}
	if ok && newStatus != req.Status {
		if !status.ValidTransition(req.Status, newStatus) {
			// Independent control planes deliver out of order at times;
			// the update is applied regardless.
			b.logger.Warn("status transition out of order",
				"request_id", requestID, "from", req.Status, "to", newStatus, "event_type", eventType)
		}
		apply.Status = newStatus
	}

	now := time.Now().UTC()
	ev := &models.Event{
		RequestID: requestID,
		Channel:   channel,
		EventType: eventType,
		EventData: b.encodeEventData(data),
		CreatedAt: now,
	}
	err = b.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := b.events.AppendTx(ctx, tx, ev); err != nil {
			return err
		}
		return b.requests.ApplyEventTx(ctx, tx, requestID, eventType, apply, now)
	})
	if err != nil {
		return fmt.Errorf("recording %s:%s event: %w", channel, eventType, err)
	}

	finalStatus := req.Status
	if apply.Status != "" {
		finalStatus = apply.Status
	}
	b.fanOut(req, channel, eventType, finalStatus, data, now)
	return nil
}

// fanOut publishes the committed event to live push and, when the
// request carries a webhook URL, to the webhook queue. Both paths are
// best effort.
func (b *Bus) fanOut(req *models.Request, channel, eventType, newStatus string, data map[string]any, now time.Time) {
	combined := status.Combined(newStatus, req.AuthStatus)

	b.hub.Publish(ws.TopicRequests, "otp-request:updated", map[string]any{
		"request_id":     req.ID,
		"session_id":     req.SessionID,
		"phone":          req.Phone,
		"status":         combined,
		"channel":        channel,
		"channel_status": eventType,
		"auth_status":    req.AuthStatus,
		"updated_at":     now,
	})
	b.hub.Publish(ws.TopicEvents, "otp-event", map[string]any{
		"request_id": req.ID,
		"channel":    channel,
		"event_type": eventType,
		"data":       data,
		"created_at": now,
	})

	if req.WebhookURL != "" {
		b.hooks.Enqueue(webhook.Job{
			URL:       req.WebhookURL,
			Event:     fmt.Sprintf("otp.%s.%s", channel, eventType),
			RequestID: req.ID,
			SessionID: req.SessionID,
			Phone:     req.Phone,
			Status:    combined,
			Channel:   channel,
			Timestamp: now.UnixMilli(),
			Metadata:  data,
		})
	}
}

func (b *Bus) encodeEventData(data map[string]any) string {
	if len(data) == 0 {
		return ""
	}
	raw, err := json.Marshal(data)
	if err != nil {
		b.logger.Warn("event data not serializable", "error", err)
		return ""
	}
	return string(raw)
}

func stringField(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

func boolField(data map[string]any, key string) bool {
	v, _ := data[key].(bool)
	return v
}
