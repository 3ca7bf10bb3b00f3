// Package tracker holds in-flight voice call state shared by the ARI
// orchestrator, the AMI listener and the CDR feed. Each control plane
// sees a different identifier for the same call, so the tracker
// indexes every call several ways and resolves whichever one an event
// happens to carry.
package tracker

import (
	"regexp"
	"sync"
	"time"

	"github.com/otpgw/otpgw/internal/phone"
)

// CallState is the live record of one outbound verification call.
// After EndCall returns it, the winning goroutine owns it exclusively.
type CallState struct {
	RequestID string
	Phone     string
	Code      string // OTP spoken to the callee once the call is answered
	Endpoint  string // dial endpoint, e.g. PJSIP/14155551234
	ChannelID string
	CallerID  string

	StartTime  time.Time
	AnswerTime time.Time
	EndTime    time.Time

	OTPPlayed    bool
	SystemHangup bool

	done chan struct{}
}

// Done is closed when the call is torn down, whichever plane noticed
// first. Waiters select on it to exit quietly instead of racing the
// winner for the terminal event.
func (s *CallState) Done() <-chan struct{} {
	return s.done
}

// Durations returns ring, talk and total durations. An unanswered
// call rang for its whole lifetime and talked for none of it.
func (s *CallState) Durations() (ring, talk, total time.Duration) {
	end := s.EndTime
	if end.IsZero() {
		end = time.Now()
	}
	total = end.Sub(s.StartTime)
	if s.AnswerTime.IsZero() {
		return total, 0, total
	}
	return s.AnswerTime.Sub(s.StartTime), end.Sub(s.AnswerTime), total
}

var channelDigits = regexp.MustCompile(`PJSIP/(\d+)`)

// Tracker indexes active calls by request ID, dial endpoint, bare
// phone digits and channel ID, plus the raw names of trunk legs the
// AMI listener discovers.
type Tracker struct {
	mu         sync.Mutex
	byRequest  map[string]*CallState
	byEndpoint map[string]*CallState
	byPhone    map[string]*CallState
	byChannel  map[string]*CallState
	side       map[string]string // raw channel name -> request id
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{
		byRequest:  make(map[string]*CallState),
		byEndpoint: make(map[string]*CallState),
		byPhone:    make(map[string]*CallState),
		byChannel:  make(map[string]*CallState),
		side:       make(map[string]string),
	}
}

// Register records a new outbound call before origination and returns
// its state.
func (t *Tracker) Register(requestID, phoneNumber, code, endpoint, callerID string) *CallState {
	t.mu.Lock()
	defer t.mu.Unlock()

	state := &CallState{
		RequestID: requestID,
		Phone:     phoneNumber,
		Code:      code,
		Endpoint:  endpoint,
		CallerID:  callerID,
		StartTime: time.Now().UTC(),
		done:      make(chan struct{}),
	}
	t.byRequest[requestID] = state
	t.byEndpoint[endpoint] = state
	t.byPhone[phone.Digits(phoneNumber)] = state
	return state
}

// Get returns the state for a request if the call is still active.
func (t *Tracker) Get(requestID string) (*CallState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byRequest[requestID]
	return s, ok
}

// BindChannel attaches the channel ID once origination reports it.
func (t *Tracker) BindChannel(requestID, channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.byRequest[requestID]; ok {
		s.ChannelID = channelID
		t.byChannel[channelID] = s
	}
}

// RegisterSideChannel records a trunk leg by its raw channel name so
// later hangup events on that leg resolve to the request.
func (t *Tracker) RegisterSideChannel(rawName, requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byRequest[requestID]; ok {
		t.side[rawName] = requestID
	}
}

// MarkAnswered stamps the answer time, once.
func (t *Tracker) MarkAnswered(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.byRequest[requestID]; ok && s.AnswerTime.IsZero() {
		s.AnswerTime = time.Now().UTC()
	}
}

// MarkOTPPlayed records that the code playback finished.
func (t *Tracker) MarkOTPPlayed(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.byRequest[requestID]; ok {
		s.OTPPlayed = true
	}
}

// MarkSystemHangup flags the teardown as ours. Set before the hangup
// is requested so the event handlers see it.
func (t *Tracker) MarkSystemHangup(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.byRequest[requestID]; ok {
		s.SystemHangup = true
	}
}

// SideChannelSeen reports whether any trunk leg was observed for the
// request, i.e. the network actually started dialing the far end.
func (t *Tracker) SideChannelSeen(requestID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range t.side {
		if id == requestID {
			return true
		}
	}
	return false
}

// SystemHangupSet reports whether our side initiated the teardown.
// Event handlers use it to leave the terminal event to the hangup path.
func (t *Tracker) SystemHangupSet(requestID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.byRequest[requestID]; ok {
		return s.SystemHangup
	}
	return false
}

// FindByChannelID resolves a channel ID to its call state.
func (t *Tracker) FindByChannelID(channelID string) (*CallState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byChannel[channelID]
	return s, ok
}

// FindRequestByChannel resolves a raw channel name to a request ID.
// It tries known trunk legs first, then the exact dial endpoint, then
// the digits embedded in the channel name.
func (t *Tracker) FindRequestByChannel(rawName string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.side[rawName]; ok {
		return id, true
	}
	if s, ok := t.byEndpoint[rawName]; ok {
		return s.RequestID, true
	}
	if m := channelDigits.FindStringSubmatch(rawName); m != nil {
		if s, ok := t.byPhone[m[1]]; ok {
			return s.RequestID, true
		}
	}
	return "", false
}

// FindRequestByPhone resolves a phone number, in any formatting, to
// the request currently calling it.
func (t *Tracker) FindRequestByPhone(number string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.byPhone[phone.Digits(number)]; ok {
		return s.RequestID, true
	}
	return "", false
}

// EndCall removes the call and returns its final state. Exactly one
// caller wins; the rest get ok == false and must not emit a terminal
// event. The state's Done channel is closed so waiters unblock.
func (t *Tracker) EndCall(requestID string) (*CallState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.byRequest[requestID]
	if !ok {
		return nil, false
	}
	if s.EndTime.IsZero() {
		s.EndTime = time.Now().UTC()
	}

	delete(t.byRequest, requestID)
	delete(t.byEndpoint, s.Endpoint)
	delete(t.byPhone, phone.Digits(s.Phone))
	if s.ChannelID != "" {
		delete(t.byChannel, s.ChannelID)
	}
	for raw, id := range t.side {
		if id == requestID {
			delete(t.side, raw)
		}
	}

	close(s.done)
	return s, true
}

// ActiveCalls returns the number of calls in flight.
func (t *Tracker) ActiveCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byRequest)
}
