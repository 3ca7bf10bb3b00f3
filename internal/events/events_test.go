package events

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/otpgw/otpgw/internal/database"
	"github.com/otpgw/otpgw/internal/database/models"
	"github.com/otpgw/otpgw/internal/status"
	"github.com/otpgw/otpgw/internal/webhook"
	"github.com/otpgw/otpgw/internal/ws"
)

type frame struct {
	topic   string
	msgType string
	data    any
}

type stubHub struct {
	mu     sync.Mutex
	frames []frame
}

func (s *stubHub) Publish(topic, msgType string, data any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame{topic: topic, msgType: msgType, data: data})
}

func (s *stubHub) all() []frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]frame(nil), s.frames...)
}

type stubHooks struct {
	mu   sync.Mutex
	jobs []webhook.Job
}

func (s *stubHooks) Enqueue(job webhook.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
}

func (s *stubHooks) all() []webhook.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webhook.Job(nil), s.jobs...)
}

func newTestBus(t *testing.T) (*Bus, *database.DB, *stubHub, *stubHooks) {
	t.Helper()
	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	hub := &stubHub{}
	hooks := &stubHooks{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewBus(db, hub, hooks, logger), db, hub, hooks
}

func seedRequest(t *testing.T, db *database.DB, id, webhookURL string) {
	t.Helper()
	err := database.NewRequestRepository(db).Create(context.Background(), &models.Request{
		ID:                id,
		Phone:             "+14155550111",
		CodeHash:          "hash",
		Status:            status.Pending,
		AuthStatus:        status.AuthUnverified,
		ChannelsRequested: `["sms"]`,
		IPAddress:         "203.0.113.10",
		IPSubnet:          "203.0.113.0/24",
		FraudReasons:      `[]`,
		WebhookURL:        webhookURL,
		ExpiresAt:         time.Now().UTC().Add(5 * time.Minute),
	})
	if err != nil {
		t.Fatalf("seeding request: %v", err)
	}
}

func TestEmitPersistsAndFansOut(t *testing.T) {
	bus, db, hub, hooks := newTestBus(t)
	ctx := context.Background()
	seedRequest(t, db, "req-1", "https://example.com/hook")

	err := bus.Emit(ctx, "req-1", status.ChannelSMS, status.EventSending,
		map[string]any{"provider_id": "MSG-91"})
	if err != nil {
		t.Fatalf("Emit() error = %v", err)
	}

	req, err := database.NewRequestRepository(db).GetByID(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if req.Status != status.Sending {
		t.Errorf("Status = %q, want %q", req.Status, status.Sending)
	}
	if req.ChannelStatus != status.EventSending {
		t.Errorf("ChannelStatus = %q, want %q", req.ChannelStatus, status.EventSending)
	}
	if req.Channel != status.ChannelSMS {
		t.Errorf("Channel = %q, want %q", req.Channel, status.ChannelSMS)
	}
	if req.ProviderID != "MSG-91" {
		t.Errorf("ProviderID = %q, want MSG-91", req.ProviderID)
	}

	evs, err := database.NewEventRepository(db).ListByRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("ListByRequest() error = %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("got %d events, want 1", len(evs))
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(evs[0].EventData), &data); err != nil {
		t.Fatalf("event data not json: %v", err)
	}
	if data["provider_id"] != "MSG-91" {
		t.Errorf("event data provider_id = %v, want MSG-91", data["provider_id"])
	}

	frames := hub.all()
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0].topic != ws.TopicRequests || frames[0].msgType != "otp-request:updated" {
		t.Errorf("frame 0 = %s/%s, want %s/otp-request:updated", frames[0].topic, frames[0].msgType, ws.TopicRequests)
	}
	if frames[1].topic != ws.TopicEvents || frames[1].msgType != "otp-event" {
		t.Errorf("frame 1 = %s/%s, want %s/otp-event", frames[1].topic, frames[1].msgType, ws.TopicEvents)
	}

	jobs := hooks.all()
	if len(jobs) != 1 {
		t.Fatalf("got %d webhook jobs, want 1", len(jobs))
	}
	job := jobs[0]
	if job.URL != "https://example.com/hook" {
		t.Errorf("job URL = %q", job.URL)
	}
	if job.Event != "otp.sms.sending" {
		t.Errorf("job Event = %q, want otp.sms.sending", job.Event)
	}
	if job.Status != status.Sending {
		t.Errorf("job Status = %q, want %q", job.Status, status.Sending)
	}
	if job.Phone != "+14155550111" {
		t.Errorf("job Phone = %q", job.Phone)
	}
}

func TestEmitWithoutWebhookURL(t *testing.T) {
	bus, db, hub, hooks := newTestBus(t)
	ctx := context.Background()
	seedRequest(t, db, "req-1", "")

	if err := bus.Emit(ctx, "req-1", status.ChannelSMS, status.EventSent, nil); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	if got := len(hub.all()); got != 2 {
		t.Errorf("got %d frames, want 2", got)
	}
	if got := len(hooks.all()); got != 0 {
		t.Errorf("got %d webhook jobs, want 0", got)
	}
}

func TestDuplicateTerminalEventDropped(t *testing.T) {
	bus, db, hub, _ := newTestBus(t)
	ctx := context.Background()
	seedRequest(t, db, "req-1", "")

	for i := 0; i < 2; i++ {
		if err := bus.Emit(ctx, "req-1", status.ChannelSMS, status.EventDelivered, nil); err != nil {
			t.Fatalf("Emit() #%d error = %v", i+1, err)
		}
	}

	evs, err := database.NewEventRepository(db).ListByRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("ListByRequest() error = %v", err)
	}
	if len(evs) != 1 {
		t.Errorf("got %d events, want 1", len(evs))
	}
	if got := len(hub.all()); got != 2 {
		t.Errorf("got %d frames, want 2 (no fan-out for the duplicate)", got)
	}
}

func TestDuplicateProgressEventKept(t *testing.T) {
	bus, db, _, _ := newTestBus(t)
	ctx := context.Background()
	seedRequest(t, db, "req-1", "")

	for i := 0; i < 2; i++ {
		if err := bus.Emit(ctx, "req-1", status.ChannelSMS, status.EventSending, nil); err != nil {
			t.Fatalf("Emit() #%d error = %v", i+1, err)
		}
	}

	evs, err := database.NewEventRepository(db).ListByRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("ListByRequest() error = %v", err)
	}
	if len(evs) != 2 {
		t.Errorf("got %d events, want 2", len(evs))
	}
}

func TestEmitUnknownRequestDropped(t *testing.T) {
	bus, db, hub, _ := newTestBus(t)
	ctx := context.Background()

	if err := bus.Emit(ctx, "ghost", status.ChannelSMS, status.EventSending, nil); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	evs, err := database.NewEventRepository(db).ListByRequest(ctx, "ghost")
	if err != nil {
		t.Fatalf("ListByRequest() error = %v", err)
	}
	if len(evs) != 0 {
		t.Errorf("got %d events, want 0", len(evs))
	}
	if got := len(hub.all()); got != 0 {
		t.Errorf("got %d frames, want 0", got)
	}
}

func TestHangupAfterCodePlayedIsDelivered(t *testing.T) {
	bus, db, _, _ := newTestBus(t)
	ctx := context.Background()
	seedRequest(t, db, "req-1", "")

	if err := bus.Emit(ctx, "req-1", status.ChannelVoice, status.EventPlaying, nil); err != nil {
		t.Fatalf("Emit(playing) error = %v", err)
	}
	err := bus.Emit(ctx, "req-1", status.ChannelVoice, status.EventHangup,
		map[string]any{"otp_played": true, "hung_up_by": "user"})
	if err != nil {
		t.Fatalf("Emit(hangup) error = %v", err)
	}

	req, err := database.NewRequestRepository(db).GetByID(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if req.Status != status.Delivered {
		t.Errorf("Status = %q, want %q", req.Status, status.Delivered)
	}
	if req.ChannelStatus != status.EventHangup {
		t.Errorf("ChannelStatus = %q, want %q", req.ChannelStatus, status.EventHangup)
	}
}

func TestHangupBeforeCodePlayedIsFailed(t *testing.T) {
	bus, db, _, _ := newTestBus(t)
	ctx := context.Background()
	seedRequest(t, db, "req-1", "")

	err := bus.Emit(ctx, "req-1", status.ChannelVoice, status.EventHangup,
		map[string]any{"otp_played": false, "hung_up_by": "user"})
	if err != nil {
		t.Fatalf("Emit(hangup) error = %v", err)
	}

	req, err := database.NewRequestRepository(db).GetByID(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if req.Status != status.Failed {
		t.Errorf("Status = %q, want %q", req.Status, status.Failed)
	}
}

func TestOutOfOrderTransitionStillApplied(t *testing.T) {
	bus, db, _, _ := newTestBus(t)
	ctx := context.Background()
	seedRequest(t, db, "req-1", "")

	if err := bus.Emit(ctx, "req-1", status.ChannelSMS, status.EventDelivered, nil); err != nil {
		t.Fatalf("Emit(delivered) error = %v", err)
	}
	if err := bus.Emit(ctx, "req-1", status.ChannelSMS, status.EventSending, nil); err != nil {
		t.Fatalf("Emit(sending) error = %v", err)
	}

	req, err := database.NewRequestRepository(db).GetByID(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if req.Status != status.Sending {
		t.Errorf("Status = %q, want %q", req.Status, status.Sending)
	}
}

func TestErrorMessageExtracted(t *testing.T) {
	bus, db, _, _ := newTestBus(t)
	ctx := context.Background()
	seedRequest(t, db, "req-1", "")

	err := bus.Emit(ctx, "req-1", status.ChannelSMS, status.EventFailed,
		map[string]any{"error": "insufficient balance"})
	if err != nil {
		t.Fatalf("Emit() error = %v", err)
	}

	req, err := database.NewRequestRepository(db).GetByID(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if req.Status != status.Failed {
		t.Errorf("Status = %q, want %q", req.Status, status.Failed)
	}
	if req.ErrorMessage != "insufficient balance" {
		t.Errorf("ErrorMessage = %q, want insufficient balance", req.ErrorMessage)
	}
}

func TestFirstChannelKeptOnFailover(t *testing.T) {
	bus, db, _, _ := newTestBus(t)
	ctx := context.Background()
	seedRequest(t, db, "req-1", "")

	if err := bus.Emit(ctx, "req-1", status.ChannelSMS, status.EventFailed, nil); err != nil {
		t.Fatalf("Emit(sms failed) error = %v", err)
	}
	if err := bus.Emit(ctx, "req-1", status.ChannelVoice, status.EventCalling, nil); err != nil {
		t.Fatalf("Emit(voice calling) error = %v", err)
	}

	req, err := database.NewRequestRepository(db).GetByID(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if req.Channel != status.ChannelSMS {
		t.Errorf("Channel = %q, want %q", req.Channel, status.ChannelSMS)
	}
	if req.ChannelStatus != status.EventCalling {
		t.Errorf("ChannelStatus = %q, want %q", req.ChannelStatus, status.EventCalling)
	}
}

func TestVerifiedRequestReportsVerifiedDownstream(t *testing.T) {
	bus, db, _, hooks := newTestBus(t)
	ctx := context.Background()
	seedRequest(t, db, "req-1", "https://example.com/hook")

	repo := database.NewRequestRepository(db)
	if _, err := repo.SetAuthStatus(ctx, "req-1", status.AuthVerified, time.Now().UTC()); err != nil {
		t.Fatalf("SetAuthStatus() error = %v", err)
	}

	if err := bus.Emit(ctx, "req-1", status.ChannelSMS, status.EventDelivered, nil); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}

	jobs := hooks.all()
	if len(jobs) != 1 {
		t.Fatalf("got %d webhook jobs, want 1", len(jobs))
	}
	if jobs[0].Status != status.Verified {
		t.Errorf("job Status = %q, want %q", jobs[0].Status, status.Verified)
	}
}

func TestConcurrentEmitsAllRecorded(t *testing.T) {
	bus, db, _, _ := newTestBus(t)
	ctx := context.Background()
	seedRequest(t, db, "req-1", "")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bus.Emit(ctx, "req-1", status.ChannelSMS, status.EventSending, nil); err != nil {
				t.Errorf("Emit() error = %v", err)
			}
		}()
	}
	wg.Wait()

	evs, err := database.NewEventRepository(db).ListByRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("ListByRequest() error = %v", err)
	}
	if len(evs) != 10 {
		t.Errorf("got %d events, want 10", len(evs))
	}
}
