package voice

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/polly"

	"github.com/otpgw/otpgw/internal/ari"
	"github.com/otpgw/otpgw/internal/config"
	"github.com/otpgw/otpgw/internal/database"
	"github.com/otpgw/otpgw/internal/database/models"
	"github.com/otpgw/otpgw/internal/status"
	"github.com/otpgw/otpgw/internal/tracker"
)

var testPCM = bytes.Repeat([]byte{0x01, 0x02}, 1600)

type stubSynth struct {
	mu    sync.Mutex
	calls int
	text  string
	err   error
	audio []byte // defaults to testPCM
}

func (s *stubSynth) SynthesizeSpeech(_ context.Context, in *polly.SynthesizeSpeechInput, _ ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if in.Text != nil {
		s.text = *in.Text
	}
	audio := s.audio
	if audio == nil {
		audio = testPCM
	}
	return &polly.SynthesizeSpeechOutput{
		AudioStream: io.NopCloser(bytes.NewReader(audio)),
	}, nil
}

func (s *stubSynth) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubSynth) capturedText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text
}

type emitted struct {
	requestID string
	eventType string
	data      map[string]any
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (r *recordingEmitter) Emit(_ context.Context, requestID, channel, eventType string, data map[string]any) error {
	if channel != status.ChannelVoice {
		return fmt.Errorf("unexpected channel %q", channel)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emitted{requestID: requestID, eventType: eventType, data: data})
	return nil
}

func (r *recordingEmitter) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.eventType
	}
	return out
}

func (r *recordingEmitter) last() emitted {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

// fakeAsterisk answers the handful of ARI endpoints the orchestrator
// calls and reports playback IDs as plays start, so tests can fire the
// matching PlaybackFinished events.
type fakeAsterisk struct {
	srv       *httptest.Server
	playbacks chan string

	mu            sync.Mutex
	requests      []string
	played        []string
	originateQ    url.Values
	originateCode int
	answerCode    int
}

func newFakeAsterisk(t *testing.T) *fakeAsterisk {
	t.Helper()
	f := &fakeAsterisk{
		playbacks:     make(chan string, 8),
		originateCode: http.StatusOK,
		answerCode:    http.StatusOK,
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAsterisk) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	f.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/channels":
		f.mu.Lock()
		f.originateQ = r.URL.Query()
		code := f.originateCode
		f.mu.Unlock()
		if code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		io.WriteString(w, `{"id":"chan-1","name":"PJSIP/otp-trunk-00000001","state":"Down"}`)
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/answer"):
		f.mu.Lock()
		code := f.answerCode
		f.mu.Unlock()
		if code != http.StatusOK {
			w.WriteHeader(code)
		}
	case r.Method == http.MethodPost && strings.Contains(r.URL.Path, "/play/"):
		id := path.Base(r.URL.Path)
		f.mu.Lock()
		f.played = append(f.played, r.URL.Query().Get("media"))
		f.mu.Unlock()
		fmt.Fprintf(w, `{"id":%q,"state":"queued"}`, id)
		f.playbacks <- id
	case r.Method == http.MethodDelete:
		// Hangup always succeeds.
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeAsterisk) sawRequest(want string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.requests {
		if r == want {
			return true
		}
	}
	return false
}

func (f *fakeAsterisk) playedMedia() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.played...)
}

func (f *fakeAsterisk) nextPlayback(t *testing.T) string {
	t.Helper()
	select {
	case id := <-f.playbacks:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a playback to start")
		return ""
	}
}

func testVoiceConfig(t *testing.T, ariURL string) *config.Config {
	t.Helper()
	return &config.Config{
		ARIURL:         ariURL,
		ARIUsername:    "ari",
		ARIPassword:    "pw",
		ARIApplication: "otpgw",
		VoiceTrunk:     "otp-trunk",
		TTSVoice:       "Joanna",
		VoiceTemplate:  "Your verification code is {code}. I repeat, {code}.",
		SoundsDir:      filepath.Join(t.TempDir(), "otp"),
		DigitPauseMS:   1,
	}
}

func newTestOrchestrator(t *testing.T, f *fakeAsterisk, synth synthClient) (*Orchestrator, *recordingEmitter, *database.DB) {
	t.Helper()
	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := testVoiceConfig(t, f.srv.URL)
	bus := &recordingEmitter{}

	o := NewOrchestrator(cfg, db, ari.New(cfg, logger), NewSynthesizerWithClient(cfg, synth, logger), tracker.New(), bus, logger)
	o.settleDelay = time.Millisecond
	return o, bus, db
}

func seedVoiceRequest(t *testing.T, db *database.DB, id string) {
	t.Helper()
	err := database.NewRequestRepository(db).Create(context.Background(), &models.Request{
		ID:                id,
		Phone:             "+14155550111",
		CodeHash:          "hash",
		Status:            status.Pending,
		AuthStatus:        status.AuthUnverified,
		ChannelsRequested: `["voice"]`,
		IPAddress:         "203.0.113.10",
		IPSubnet:          "203.0.113.0/24",
		FraudReasons:      `[]`,
		ExpiresAt:         time.Now().UTC().Add(5 * time.Minute),
	})
	if err != nil {
		t.Fatalf("seeding request: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSynthesizeWritesPrompt(t *testing.T) {
	synth := &stubSynth{}
	cfg := testVoiceConfig(t, "http://127.0.0.1:0")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tts := NewSynthesizerWithClient(cfg, synth, logger)

	uri, err := tts.Synthesize(context.Background(), "4821")
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if !strings.HasPrefix(uri, "sound:otp/") {
		t.Errorf("media URI = %q, want sound:otp/ prefix", uri)
	}

	wantText := "Your verification code is 4, 8, 2, 1. I repeat, 4, 8, 2, 1."
	if got := synth.capturedText(); got != wantText {
		t.Errorf("spoken text = %q, want %q", got, wantText)
	}

	name := strings.TrimPrefix(uri, "sound:otp/")
	raw, err := os.ReadFile(filepath.Join(cfg.SoundsDir, name+".wav"))
	if err != nil {
		t.Fatalf("reading prompt file: %v", err)
	}
	if len(raw) != wavHeaderSize+len(testPCM) {
		t.Fatalf("prompt file is %d bytes, want %d", len(raw), wavHeaderSize+len(testPCM))
	}
	if string(raw[0:4]) != "RIFF" || string(raw[8:12]) != "WAVE" {
		t.Error("prompt file is not a WAV container")
	}
	if format := binary.LittleEndian.Uint16(raw[20:22]); format != wavFormatPCM {
		t.Errorf("audio format = %d, want %d", format, wavFormatPCM)
	}
	if rate := binary.LittleEndian.Uint32(raw[24:28]); rate != 8000 {
		t.Errorf("sample rate = %d, want 8000", rate)
	}
	if bits := binary.LittleEndian.Uint16(raw[34:36]); bits != 16 {
		t.Errorf("bits per sample = %d, want 16", bits)
	}
	if size := binary.LittleEndian.Uint32(raw[40:44]); size != uint32(len(testPCM)) {
		t.Errorf("data size = %d, want %d", size, len(testPCM))
	}
}

func TestSynthesizeReusesExistingPrompt(t *testing.T) {
	synth := &stubSynth{}
	cfg := testVoiceConfig(t, "http://127.0.0.1:0")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tts := NewSynthesizerWithClient(cfg, synth, logger)

	first, err := tts.Synthesize(context.Background(), "4821")
	if err != nil {
		t.Fatalf("first Synthesize() error = %v", err)
	}
	second, err := tts.Synthesize(context.Background(), "4821")
	if err != nil {
		t.Fatalf("second Synthesize() error = %v", err)
	}
	if first != second {
		t.Errorf("media URIs differ: %q vs %q", first, second)
	}
	if synth.callCount() != 1 {
		t.Errorf("SynthesizeSpeech called %d times, want 1", synth.callCount())
	}
}

func TestSynthesizeEmptyAudio(t *testing.T) {
	synth := &stubSynth{audio: []byte{}}
	cfg := testVoiceConfig(t, "http://127.0.0.1:0")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tts := NewSynthesizerWithClient(cfg, synth, logger)

	if _, err := tts.Synthesize(context.Background(), "9999"); err == nil {
		t.Error("Synthesize() with empty audio should error")
	}
}

func TestDigitPrompts(t *testing.T) {
	tests := []struct {
		code string
		want []string
	}{
		{"4821", []string{"sound:digits/4", "sound:digits/8", "sound:digits/2", "sound:digits/1"}},
		{"1a2", []string{"sound:digits/1", "sound:digits/2"}},
		{"", nil},
	}
	for _, tt := range tests {
		got := DigitPrompts(tt.code)
		if len(got) != len(tt.want) {
			t.Errorf("DigitPrompts(%q) = %v, want %v", tt.code, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("DigitPrompts(%q)[%d] = %q, want %q", tt.code, i, got[i], tt.want[i])
			}
		}
	}
}

func TestPromptCleanup(t *testing.T) {
	cfg := testVoiceConfig(t, "http://127.0.0.1:0")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tts := NewSynthesizerWithClient(cfg, &stubSynth{}, logger)

	if err := os.MkdirAll(cfg.SoundsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(cfg.SoundsDir, "otp-stale.wav")
	fresh := filepath.Join(cfg.SoundsDir, "otp-fresh.wav")
	other := filepath.Join(cfg.SoundsDir, "keep.txt")
	for _, p := range []string{stale, fresh, other} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(other, old, old); err != nil {
		t.Fatal(err)
	}

	tts.removeStalePrompts()

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale prompt should be removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh prompt should be kept")
	}
	if _, err := os.Stat(other); err != nil {
		t.Error("non-wav files should not be touched")
	}
}

func TestDispatchPlacesCall(t *testing.T) {
	f := newFakeAsterisk(t)
	o, bus, _ := newTestOrchestrator(t, f, &stubSynth{})

	req := &models.Request{ID: "req-1", Phone: "+14155550111"}
	if err := o.Dispatch(context.Background(), req, "4821", "+18005550000"); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	got := bus.types()
	want := []string{"calling", "ringing"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("events = %v, want %v", got, want)
	}

	f.mu.Lock()
	q := f.originateQ
	f.mu.Unlock()
	if q.Get("endpoint") != "PJSIP/14155550111@otp-trunk" {
		t.Errorf("endpoint = %q", q.Get("endpoint"))
	}
	if q.Get("appArgs") != "req-1" {
		t.Errorf("appArgs = %q", q.Get("appArgs"))
	}
	if q.Get("callerId") != "+18005550000" {
		t.Errorf("callerId = %q", q.Get("callerId"))
	}
	if q.Get("timeout") != "45" {
		t.Errorf("timeout = %q", q.Get("timeout"))
	}

	state, ok := o.tracker.Get("req-1")
	if !ok {
		t.Fatal("call not tracked after Dispatch")
	}
	if state.ChannelID != "chan-1" {
		t.Errorf("ChannelID = %q, want chan-1", state.ChannelID)
	}
	if state.Code != "4821" {
		t.Errorf("Code = %q, want 4821", state.Code)
	}
}

func TestDispatchOriginateFailure(t *testing.T) {
	f := newFakeAsterisk(t)
	f.originateCode = http.StatusInternalServerError
	o, bus, _ := newTestOrchestrator(t, f, &stubSynth{})

	req := &models.Request{ID: "req-1", Phone: "+14155550111"}
	if err := o.Dispatch(context.Background(), req, "4821", ""); err == nil {
		t.Fatal("Dispatch() should fail when origination fails")
	}

	if o.tracker.ActiveCalls() != 0 {
		t.Errorf("ActiveCalls() = %d after failed origination, want 0", o.tracker.ActiveCalls())
	}
	got := bus.types()
	if len(got) != 1 || got[0] != "calling" {
		t.Errorf("events = %v, want [calling]", got)
	}
}

func TestAnsweredCallCompletes(t *testing.T) {
	f := newFakeAsterisk(t)
	o, bus, db := newTestOrchestrator(t, f, &stubSynth{})
	ctx := context.Background()
	seedVoiceRequest(t, db, "req-1")

	req := &models.Request{ID: "req-1", Phone: "+14155550111"}
	if err := o.Dispatch(ctx, req, "4821", "+18005550000"); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	o.OnStasisStart(ctx, &ari.StasisStart{Args: []string{"req-1"}, Channel: ari.Channel{ID: "chan-1"}})

	pbID := f.nextPlayback(t)
	o.OnPlaybackFinished(ctx, &ari.PlaybackFinished{Playback: ari.Playback{ID: pbID}})

	waitFor(t, func() bool {
		types := bus.types()
		return len(types) > 0 && types[len(types)-1] == "completed"
	}, "call never completed")

	got := bus.types()
	want := []string{"calling", "ringing", "answered", "playing", "completed"}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, got[i], want[i])
		}
	}

	last := bus.last()
	if last.data["hung_up_by"] != "system" {
		t.Errorf("hung_up_by = %v, want system", last.data["hung_up_by"])
	}
	for _, key := range []string{"ring_duration_ms", "talk_duration_ms", "duration_ms"} {
		if _, ok := last.data[key]; !ok {
			t.Errorf("terminal event missing %s", key)
		}
	}

	if !f.sawRequest("POST /channels/chan-1/answer") {
		t.Error("channel was never answered")
	}
	if !f.sawRequest("DELETE /channels/chan-1") {
		t.Error("channel was never hung up")
	}
	if o.tracker.ActiveCalls() != 0 {
		t.Errorf("ActiveCalls() = %d after completion, want 0", o.tracker.ActiveCalls())
	}

	stored, err := database.NewRequestRepository(db).GetByID(ctx, "req-1")
	if err != nil || stored == nil {
		t.Fatalf("GetByID() = %v, %v", stored, err)
	}
	if stored.StartTime == nil || stored.AnswerTime == nil || stored.EndTime == nil {
		t.Errorf("timings not persisted: start=%v answer=%v end=%v",
			stored.StartTime, stored.AnswerTime, stored.EndTime)
	}

	// The StasisEnd that follows our own hangup must not emit again.
	o.OnStasisEnd(ctx, &ari.StasisEnd{Channel: ari.Channel{ID: "chan-1"}})
	if n := len(bus.types()); n != len(want) {
		t.Errorf("StasisEnd after completion added events: %d, want %d", n, len(want))
	}
}

func TestCalleeHangsUpDuringPlayback(t *testing.T) {
	f := newFakeAsterisk(t)
	o, bus, _ := newTestOrchestrator(t, f, &stubSynth{})
	ctx := context.Background()

	req := &models.Request{ID: "req-1", Phone: "+14155550111"}
	if err := o.Dispatch(ctx, req, "4821", ""); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	o.OnStasisStart(ctx, &ari.StasisStart{Args: []string{"req-1"}, Channel: ari.Channel{ID: "chan-1"}})
	f.nextPlayback(t)

	// The callee hangs up before the announcement finishes.
	o.OnStasisEnd(ctx, &ari.StasisEnd{Channel: ari.Channel{ID: "chan-1"}})

	waitFor(t, func() bool {
		types := bus.types()
		return len(types) > 0 && types[len(types)-1] == "hangup"
	}, "hangup event never emitted")

	last := bus.last()
	if last.data["hung_up_by"] != "user" {
		t.Errorf("hung_up_by = %v, want user", last.data["hung_up_by"])
	}
	if last.data["otp_played"] != false {
		t.Errorf("otp_played = %v, want false", last.data["otp_played"])
	}
	for _, typ := range bus.types() {
		if typ == "completed" {
			t.Error("completed must not be emitted after a user hangup")
		}
	}
	if o.tracker.ActiveCalls() != 0 {
		t.Errorf("ActiveCalls() = %d, want 0", o.tracker.ActiveCalls())
	}
}

func TestAnswerChannelGone(t *testing.T) {
	f := newFakeAsterisk(t)
	f.answerCode = http.StatusNotFound
	o, bus, _ := newTestOrchestrator(t, f, &stubSynth{})
	ctx := context.Background()

	req := &models.Request{ID: "req-1", Phone: "+14155550111"}
	if err := o.Dispatch(ctx, req, "4821", ""); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	o.OnStasisStart(ctx, &ari.StasisStart{Args: []string{"req-1"}, Channel: ari.Channel{ID: "chan-1"}})

	waitFor(t, func() bool {
		types := bus.types()
		return len(types) > 0 && types[len(types)-1] == "hangup"
	}, "hangup event never emitted")

	last := bus.last()
	if last.data["hung_up_by"] != "user" || last.data["otp_played"] != false {
		t.Errorf("hangup data = %v, want user hangup before playback", last.data)
	}
}

func TestPlaybackTimeout(t *testing.T) {
	f := newFakeAsterisk(t)
	o, bus, _ := newTestOrchestrator(t, f, &stubSynth{})
	o.playbackWait = 30 * time.Millisecond
	ctx := context.Background()

	req := &models.Request{ID: "req-1", Phone: "+14155550111"}
	if err := o.Dispatch(ctx, req, "4821", ""); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	o.OnStasisStart(ctx, &ari.StasisStart{Args: []string{"req-1"}, Channel: ari.Channel{ID: "chan-1"}})
	f.nextPlayback(t)
	// PlaybackFinished never arrives.

	waitFor(t, func() bool {
		types := bus.types()
		return len(types) > 0 && types[len(types)-1] == "failed"
	}, "timed-out playback never failed")

	last := bus.last()
	if last.data["error"] != "Playback timed out" {
		t.Errorf("error = %v, want playback timeout", last.data["error"])
	}
	waitFor(t, func() bool {
		return f.sawRequest("DELETE /channels/chan-1")
	}, "timed-out call never hung up")
	if o.tracker.ActiveCalls() != 0 {
		t.Errorf("ActiveCalls() = %d, want 0", o.tracker.ActiveCalls())
	}
}

func TestSynthesisFallbackSpellsDigits(t *testing.T) {
	f := newFakeAsterisk(t)
	o, bus, _ := newTestOrchestrator(t, f, &stubSynth{err: errors.New("polly unavailable")})
	ctx := context.Background()

	req := &models.Request{ID: "req-1", Phone: "+14155550111"}
	if err := o.Dispatch(ctx, req, "4821", ""); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	o.OnStasisStart(ctx, &ari.StasisStart{Args: []string{"req-1"}, Channel: ari.Channel{ID: "chan-1"}})

	for i := 0; i < 4; i++ {
		pbID := f.nextPlayback(t)
		o.OnPlaybackFinished(ctx, &ari.PlaybackFinished{Playback: ari.Playback{ID: pbID}})
	}

	waitFor(t, func() bool {
		types := bus.types()
		return len(types) > 0 && types[len(types)-1] == "completed"
	}, "digit fallback never completed")

	want := []string{"sound:digits/4", "sound:digits/8", "sound:digits/2", "sound:digits/1"}
	got := f.playedMedia()
	if len(got) != len(want) {
		t.Fatalf("played = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("played[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestUnansweredCallCauses(t *testing.T) {
	tests := []struct {
		name      string
		cause     int
		causeTxt  string
		wantType  string
		wantError string
	}{
		{"busy", 17, "User busy", "busy", "Busy"},
		{"no answer", 19, "No answer", "no_answer", "No answer"},
		{"congestion", 34, "Circuit congestion", "failed", "Circuit congestion"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeAsterisk(t)
			o, bus, _ := newTestOrchestrator(t, f, &stubSynth{})
			ctx := context.Background()

			req := &models.Request{ID: "req-1", Phone: "+14155550111"}
			if err := o.Dispatch(ctx, req, "4821", ""); err != nil {
				t.Fatalf("Dispatch() error = %v", err)
			}

			o.OnChannelDestroyed(ctx, &ari.ChannelDestroyed{
				Cause:    tt.cause,
				CauseTxt: tt.causeTxt,
				Channel:  ari.Channel{ID: "chan-1"},
			})

			last := bus.last()
			if last.eventType != tt.wantType {
				t.Errorf("event type = %q, want %q", last.eventType, tt.wantType)
			}
			if last.data["error"] != tt.wantError {
				t.Errorf("error = %v, want %q", last.data["error"], tt.wantError)
			}
			if last.data["cause"] != tt.cause {
				t.Errorf("cause = %v, want %d", last.data["cause"], tt.cause)
			}
			if talk := last.data["talk_duration_ms"]; talk != int64(0) {
				t.Errorf("talk_duration_ms = %v, want 0 for an unanswered call", talk)
			}
			if o.tracker.ActiveCalls() != 0 {
				t.Errorf("ActiveCalls() = %d, want 0", o.tracker.ActiveCalls())
			}
		})
	}
}
