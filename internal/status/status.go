// Package status defines the request lifecycle vocabulary: channel
// event types, the per-channel mapping from events to high-level
// statuses, and the transition rules of the status state machine.
package status

// Channel names.
const (
	ChannelSMS   = "sms"
	ChannelVoice = "voice"
)

// High-level request statuses. A request moves forward through
// pending, sending, sent, delivered and verified; failed, rejected and
// expired are terminal side branches.
const (
	Pending   = "pending"
	Sending   = "sending"
	Sent      = "sent"
	Delivered = "delivered"
	Verified  = "verified"
	Failed    = "failed"
	Rejected  = "rejected"
	Expired   = "expired"
)

// Auth feedback statuses.
const (
	AuthUnverified = "unverified"
	AuthVerified   = "verified"
	AuthWrongCode  = "wrong_code"
)

// Channel event types. SMS and voice share failed; the rest are
// channel-specific.
const (
	EventQueued      = "queued"
	EventSending     = "sending"
	EventSent        = "sent"
	EventDelivered   = "delivered"
	EventFailed      = "failed"
	EventUndelivered = "undelivered"
	EventCalling     = "calling"
	EventRinging     = "ringing"
	EventAnswered    = "answered"
	EventPlaying     = "playing"
	EventCompleted   = "completed"
	EventNoAnswer    = "no_answer"
	EventBusy        = "busy"
	EventHangup      = "hangup"
)

var smsEvents = map[string]string{
	EventQueued:      Pending,
	EventSending:     Sending,
	EventSent:        Sent,
	EventDelivered:   Delivered,
	EventFailed:      Failed,
	EventUndelivered: Failed,
}

var voiceEvents = map[string]string{
	EventQueued:    Pending,
	EventCalling:   Sending,
	EventRinging:   Sent,
	EventAnswered:  Sent,
	EventPlaying:   Sent,
	EventCompleted: Delivered,
	EventFailed:    Failed,
	EventNoAnswer:  Failed,
	EventBusy:      Failed,
	EventHangup:    Failed,
}

// ForEvent maps a channel event type to the high-level status it
// implies. The second return is false for event types that carry no
// status meaning on the given channel; callers leave the status
// untouched in that case.
//
// A voice hangup maps to failed here; the event bus overrides it to
// delivered when the OTP had already been played before the caller
// hung up.
func ForEvent(channel, eventType string) (string, bool) {
	switch channel {
	case ChannelSMS:
		s, ok := smsEvents[eventType]
		return s, ok
	case ChannelVoice:
		s, ok := voiceEvents[eventType]
		return s, ok
	}
	return "", false
}

// rank orders the forward progression. Terminal side branches share a
// sentinel rank and are handled separately.
var rank = map[string]int{
	Pending:   0,
	Sending:   1,
	Sent:      2,
	Delivered: 3,
	Verified:  4,
}

// IsTerminal reports whether no further transitions may leave s.
func IsTerminal(s string) bool {
	switch s {
	case Verified, Failed, Rejected, Expired:
		return true
	}
	return false
}

// ValidTransition reports whether moving from one status to another is
// permitted: forward along the progression, or sideways into failed,
// rejected or expired from any non-terminal status. Re-asserting the
// current status is allowed since independent control planes may
// report the same milestone twice.
func ValidTransition(from, to string) bool {
	if from == to {
		return true
	}
	if IsTerminal(from) {
		return false
	}
	fromRank, ok := rank[from]
	if !ok {
		return false
	}
	switch to {
	case Failed, Rejected, Expired:
		return true
	case Verified:
		// Verified is only entered through auth feedback, never from a
		// channel event, but the transition itself is legal from any
		// live status.
		return true
	}
	toRank, ok := rank[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}

// Combined folds auth feedback into the externally visible status:
// once the code is verified the request reads as verified regardless
// of how far channel delivery progressed.
func Combined(st, authStatus string) string {
	if authStatus == AuthVerified {
		return Verified
	}
	return st
}
