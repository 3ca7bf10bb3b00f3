package dispatch

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/otpgw/otpgw/internal/status"
)

// simJitter widens every scheduled offset by up to this much either way.
const simJitter = 500 * time.Millisecond

// simStep is one fake event, due between min and max after scheduling,
// before jitter.
type simStep struct {
	event    string
	min, max time.Duration
}

// Offsets mirror typical provider timing so a watcher of the event
// stream cannot tell a simulated delivery from a real one.
var simFlows = map[string][]simStep{
	status.ChannelSMS: {
		{status.EventSending, 300 * time.Millisecond, 300 * time.Millisecond},
		{status.EventSent, 800 * time.Millisecond, 800 * time.Millisecond},
		{status.EventDelivered, 2500 * time.Millisecond, 4500 * time.Millisecond},
	},
	status.ChannelVoice: {
		{status.EventCalling, 300 * time.Millisecond, 300 * time.Millisecond},
		{status.EventRinging, 1200 * time.Millisecond, 1200 * time.Millisecond},
		{status.EventAnswered, 3 * time.Second, 5 * time.Second},
		{status.EventPlaying, 4500 * time.Millisecond, 5500 * time.Millisecond},
		{status.EventCompleted, 12 * time.Second, 15 * time.Second},
	},
}

// Simulator plays out a fake delivery for shadow-banned requests. The
// fabricated events go through the real event bus, so storage, live
// push and webhooks behave exactly as they do for a genuine delivery.
type Simulator struct {
	bus    Emitter
	logger *slog.Logger

	flows  map[string][]simStep
	jitter time.Duration
}

// NewSimulator creates a Simulator emitting on the given bus.
func NewSimulator(bus Emitter, logger *slog.Logger) *Simulator {
	return &Simulator{
		bus:    bus,
		logger: logger.With("subsystem", "simulator"),
		flows:  simFlows,
		jitter: simJitter,
	}
}

// Schedule starts the fake event sequence for a request. It returns
// immediately; emission runs in the background.
func (s *Simulator) Schedule(requestID, channel string) {
	flow, ok := s.flows[channel]
	if !ok {
		s.logger.Warn("no simulation flow for channel", "request_id", requestID, "channel", channel)
		return
	}
	s.logger.Debug("simulating delivery", "request_id", requestID, "channel", channel)
	go s.run(requestID, channel, flow)
}

// run fires the steps in order. Offsets are jittered individually but
// emission stays sequential, so the event log remains a valid walk of
// the channel's state graph.
func (s *Simulator) run(requestID, channel string, flow []simStep) {
	start := time.Now()
	for _, step := range flow {
		due := step.min
		if step.max > step.min {
			due += rand.N(step.max - step.min)
		}
		if s.jitter > 0 {
			due += rand.N(2*s.jitter) - s.jitter
		}
		if wait := due - time.Since(start); wait > 0 {
			time.Sleep(wait)
		}
		err := s.bus.Emit(context.Background(), requestID, channel, step.event, nil)
		if err != nil {
			s.logger.Warn("emitting simulated event",
				"request_id", requestID, "event_type", step.event, "error", err)
		}
	}
}
