// Package voice places verification calls and speaks OTP codes to the
// callee. The orchestrator drives the call through the ARI control
// plane; the AMI listener and the CDR feed cover the failure modes the
// Stasis application never hears about.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/otpgw/otpgw/internal/ari"
	"github.com/otpgw/otpgw/internal/config"
	"github.com/otpgw/otpgw/internal/database"
	"github.com/otpgw/otpgw/internal/database/models"
	"github.com/otpgw/otpgw/internal/phone"
	"github.com/otpgw/otpgw/internal/status"
	"github.com/otpgw/otpgw/internal/tracker"
)

const (
	// originateRingTimeout is how long Asterisk lets the far end ring
	// before giving up on the origination, in seconds.
	originateRingTimeout = 45

	// playbackTimeout bounds the whole announcement. A call still
	// playing after this long resolves as failed.
	playbackTimeout = 60 * time.Second

	// answerSettleDelay is the pause between answering the channel and
	// speaking, so the first digits are not clipped by the audio path
	// still negotiating.
	answerSettleDelay = 500 * time.Millisecond
)

var (
	errPlaybackTimeout = errors.New("playback timed out")
	errCallEnded       = errors.New("call already ended")
)

// Emitter publishes channel delivery events.
type Emitter interface {
	Emit(ctx context.Context, requestID, channel, eventType string, data map[string]any) error
}

// Orchestrator owns the lifecycle of outbound verification calls:
// originate, answer, speak the code, hang up, and emit the voice
// events each step implies. It implements ari.EventHandler; the event
// callbacks continue calls that Dispatch started.
type Orchestrator struct {
	trunk      string
	digitPause time.Duration
	ari        *ari.Client
	tts        *Synthesizer
	tracker    *tracker.Tracker
	requests   database.RequestRepository
	bus        Emitter
	logger     *slog.Logger

	// Overridable in tests.
	playbackWait time.Duration
	settleDelay  time.Duration

	mu        sync.Mutex
	playbacks map[string]chan struct{} // playback ID -> finished signal
}

var _ ari.EventHandler = (*Orchestrator)(nil)

// NewOrchestrator creates the voice call orchestrator.
func NewOrchestrator(cfg *config.Config, db *database.DB, client *ari.Client, tts *Synthesizer, trk *tracker.Tracker, bus Emitter, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		trunk:        cfg.VoiceTrunk,
		digitPause:   cfg.DigitPause(),
		ari:          client,
		tts:          tts,
		tracker:      trk,
		requests:     database.NewRequestRepository(db),
		bus:          bus,
		logger:       logger.With("subsystem", "voice"),
		playbackWait: playbackTimeout,
		settleDelay:  answerSettleDelay,
		playbacks:    make(map[string]chan struct{}),
	}
}

// Dispatch places the verification call and returns once it is ringing.
// The call then continues through the ARI event callbacks; Dispatch
// does not wait for it to be answered. An origination error tears the
// call state down and is returned to the caller, which owns the
// failure event.
func (o *Orchestrator) Dispatch(ctx context.Context, req *models.Request, code, callerID string) error {
	endpoint := "PJSIP/" + phone.Digits(req.Phone)
	state := o.tracker.Register(req.ID, req.Phone, code, endpoint, callerID)

	o.emit(ctx, req.ID, status.EventCalling, nil)

	ch, err := o.ari.Originate(ctx, ari.OriginateParams{
		Endpoint: endpoint + "@" + o.trunk,
		CallerID: callerID,
		AppArgs:  req.ID,
		Timeout:  originateRingTimeout,
	})
	if err != nil {
		o.tracker.EndCall(req.ID)
		return fmt.Errorf("placing verification call: %w", err)
	}

	o.tracker.BindChannel(req.ID, ch.ID)
	o.emit(ctx, req.ID, status.EventRinging, nil)
	o.persistTimings(ctx, req.ID, &state.StartTime, nil, nil)

	o.logger.Info("verification call placed",
		"request_id", req.ID, "channel_id", ch.ID, "caller_id", callerID)
	return nil
}

// OnStasisStart fires when the callee answers and the channel enters
// our application. The app args carry the request ID the call was
// originated with.
func (o *Orchestrator) OnStasisStart(ctx context.Context, ev *ari.StasisStart) {
	if len(ev.Args) == 0 || ev.Args[0] == "" {
		o.logger.Debug("stasis start without request id", "channel_id", ev.Channel.ID)
		return
	}
	requestID := ev.Args[0]

	state, ok := o.tracker.Get(requestID)
	if !ok {
		o.logger.Warn("stasis start for unknown call", "request_id", requestID)
		return
	}

	o.tracker.MarkAnswered(requestID)
	o.tracker.BindChannel(requestID, ev.Channel.ID)
	o.emit(ctx, requestID, status.EventAnswered, nil)

	now := time.Now().UTC()
	o.persistTimings(ctx, requestID, nil, &now, nil)

	// Playback blocks; hand it off so the event loop keeps reading.
	go o.runPlayback(ctx, state, ev.Channel.ID)
}

// OnStasisEnd fires when the channel leaves the application. If we did
// not hang up ourselves, the callee did.
func (o *Orchestrator) OnStasisEnd(ctx context.Context, ev *ari.StasisEnd) {
	state, ok := o.tracker.FindByChannelID(ev.Channel.ID)
	if !ok {
		return
	}
	if o.tracker.SystemHangupSet(state.RequestID) {
		return
	}
	o.userHangup(ctx, state.RequestID)
}

// OnPlaybackFinished wakes the goroutine waiting on the playback.
func (o *Orchestrator) OnPlaybackFinished(_ context.Context, ev *ari.PlaybackFinished) {
	o.mu.Lock()
	done, ok := o.playbacks[ev.Playback.ID]
	if ok {
		delete(o.playbacks, ev.Playback.ID)
	}
	o.mu.Unlock()
	if ok {
		close(done)
	}
}

// OnChannelDestroyed covers calls that die without ever entering the
// application: busy, unanswered, rejected by the network. Answered
// calls normally tear down through StasisEnd first; if destruction
// wins the race instead, it is handled as the callee hanging up.
func (o *Orchestrator) OnChannelDestroyed(ctx context.Context, ev *ari.ChannelDestroyed) {
	state, ok := o.tracker.FindByChannelID(ev.Channel.ID)
	if !ok {
		return
	}
	if o.tracker.SystemHangupSet(state.RequestID) {
		return
	}

	final, ok := o.tracker.EndCall(state.RequestID)
	if !ok {
		return
	}

	if !final.AnswerTime.IsZero() {
		o.finishCall(ctx, final, status.EventHangup, map[string]any{
			"hung_up_by": "user",
			"otp_played": final.OTPPlayed,
		})
		return
	}

	eventType := status.EventFailed
	data := map[string]any{"cause": ev.Cause}
	switch ev.Cause {
	case 17:
		eventType = status.EventBusy
		data["error"] = "Busy"
	case 18, 19:
		eventType = status.EventNoAnswer
		data["error"] = "No answer"
	default:
		msg := ev.CauseTxt
		if msg == "" {
			msg = "Call failed"
		}
		data["error"] = msg
	}
	o.logger.Info("verification call never answered",
		"request_id", final.RequestID, "cause", ev.Cause, "cause_txt", ev.CauseTxt)
	o.finishCall(ctx, final, eventType, data)
}

// runPlayback answers the channel, speaks the code and hangs up. It
// runs on its own goroutine per call; every wait also selects on the
// call's Done channel so a teardown noticed by another plane makes it
// exit without emitting anything.
func (o *Orchestrator) runPlayback(ctx context.Context, state *tracker.CallState, channelID string) {
	requestID := state.RequestID

	if err := o.ari.Answer(ctx, channelID); err != nil {
		o.playbackLost(ctx, requestID, channelID, err)
		return
	}

	select {
	case <-time.After(o.settleDelay):
	case <-state.Done():
		return
	case <-ctx.Done():
		return
	}

	o.emit(ctx, requestID, status.EventPlaying, nil)

	if err := o.speakCode(ctx, state, channelID); err != nil {
		o.playbackLost(ctx, requestID, channelID, err)
		return
	}

	o.tracker.MarkOTPPlayed(requestID)
	o.tracker.MarkSystemHangup(requestID)
	if err := o.ari.Hangup(ctx, channelID); err != nil && !errors.Is(err, ari.ErrChannelNotFound) {
		o.logger.Warn("hangup after playback failed", "request_id", requestID, "error", err)
	}

	final, ok := o.tracker.EndCall(requestID)
	if !ok {
		return
	}
	o.finishCall(ctx, final, status.EventCompleted, map[string]any{"hung_up_by": "system"})
}

// speakCode synthesizes and plays the announcement, falling back to
// spelling the code with the built-in digit prompts when synthesis is
// unavailable. The playback timeout spans the whole announcement.
func (o *Orchestrator) speakCode(ctx context.Context, state *tracker.CallState, channelID string) error {
	deadline := time.Now().Add(o.playbackWait)

	media, err := o.tts.Synthesize(ctx, state.Code)
	if err == nil {
		return o.playPrompt(ctx, state, channelID, media, deadline)
	}
	o.logger.Warn("speech synthesis failed, spelling digits",
		"request_id", state.RequestID, "error", err)

	for i, prompt := range DigitPrompts(state.Code) {
		if i > 0 && o.digitPause > 0 {
			select {
			case <-time.After(o.digitPause):
			case <-state.Done():
				return errCallEnded
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := o.playPrompt(ctx, state, channelID, prompt, deadline); err != nil {
			return err
		}
	}
	return nil
}

// playPrompt plays one media URI and waits for its PlaybackFinished.
// The waiter is registered before the play request goes out, so the
// event cannot arrive unobserved.
func (o *Orchestrator) playPrompt(ctx context.Context, state *tracker.CallState, channelID, media string, deadline time.Time) error {
	playbackID := uuid.NewString()

	done := make(chan struct{})
	o.mu.Lock()
	o.playbacks[playbackID] = done
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.playbacks, playbackID)
		o.mu.Unlock()
	}()

	if _, err := o.ari.Play(ctx, channelID, playbackID, media); err != nil {
		return err
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return errPlaybackTimeout
	case <-state.Done():
		return errCallEnded
	case <-ctx.Done():
		return ctx.Err()
	}
}

// playbackLost resolves a call whose playback path errored. A missing
// channel means the callee hung up; anything else is a failure we tear
// down ourselves.
func (o *Orchestrator) playbackLost(ctx context.Context, requestID, channelID string, err error) {
	switch {
	case errors.Is(err, errCallEnded), errors.Is(err, context.Canceled):
		return
	case errors.Is(err, ari.ErrChannelNotFound):
		o.userHangup(ctx, requestID)
		return
	}

	message := "Call playback failed"
	if errors.Is(err, errPlaybackTimeout) {
		message = "Playback timed out"
	} else {
		o.logger.Error("call playback failed", "request_id", requestID, "error", err)
	}

	o.tracker.MarkSystemHangup(requestID)
	if err := o.ari.Hangup(ctx, channelID); err != nil && !errors.Is(err, ari.ErrChannelNotFound) {
		o.logger.Warn("hangup of failed call errored", "request_id", requestID, "error", err)
	}

	final, ok := o.tracker.EndCall(requestID)
	if !ok {
		return
	}
	o.finishCall(ctx, final, status.EventFailed, map[string]any{"error": message})
}

// userHangup resolves a call the callee ended. Whether the code had
// been played decides downstream if this counts as a delivery.
func (o *Orchestrator) userHangup(ctx context.Context, requestID string) {
	final, ok := o.tracker.EndCall(requestID)
	if !ok {
		return
	}
	o.finishCall(ctx, final, status.EventHangup, map[string]any{
		"hung_up_by": "user",
		"otp_played": final.OTPPlayed,
	})
}

// finishCall emits the terminal event with the call's measured
// durations and persists the timing columns. The caller must own the
// state, i.e. have won EndCall.
func (o *Orchestrator) finishCall(ctx context.Context, final *tracker.CallState, eventType string, data map[string]any) {
	ring, talk, total := final.Durations()
	if data == nil {
		data = map[string]any{}
	}
	data["ring_duration_ms"] = ring.Milliseconds()
	data["talk_duration_ms"] = talk.Milliseconds()
	data["duration_ms"] = total.Milliseconds()

	o.emit(ctx, final.RequestID, eventType, data)

	var answer *time.Time
	if !final.AnswerTime.IsZero() {
		answer = &final.AnswerTime
	}
	o.persistTimings(ctx, final.RequestID, &final.StartTime, answer, &final.EndTime)
}

func (o *Orchestrator) emit(ctx context.Context, requestID, eventType string, data map[string]any) {
	if err := o.bus.Emit(ctx, requestID, status.ChannelVoice, eventType, data); err != nil {
		o.logger.Warn("failed to emit voice event",
			"request_id", requestID, "event_type", eventType, "error", err)
	}
}

func (o *Orchestrator) persistTimings(ctx context.Context, requestID string, start, answer, end *time.Time) {
	if err := o.requests.UpdateTimings(ctx, requestID, start, answer, end); err != nil {
		o.logger.Warn("failed to persist call timings", "request_id", requestID, "error", err)
	}
}
