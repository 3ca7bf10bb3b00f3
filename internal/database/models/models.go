package models

import "time"

// Request represents one OTP dispatch request through its whole
// lifecycle: delivery, fraud evaluation, auth feedback and billing.
type Request struct {
	ID                string // UUID
	Phone             string // E.164
	CodeHash          string // argon2id, the plaintext code is never stored
	SessionID         string
	Status            string // pending, sending, sent, delivered, verified, failed, rejected, expired
	ChannelStatus     string // last raw channel event type
	Channel           string // chosen channel, empty until dispatch picks one
	AuthStatus        string // unverified, verified, wrong_code
	ChannelsRequested string // JSON array, in requested order
	IPAddress         string
	IPSubnet          string // /24 for IPv4, /64 for IPv6
	ASN               *int64
	IPCountry         string
	PhoneCountry      string
	PhonePrefix       string
	FraudScore        int
	FraudReasons      string // JSON array of rule codes, in firing order
	ShadowBanned      bool
	WebhookURL        string
	ProviderID        string // provider-side message ID, correlates DLRs
	ErrorMessage      string
	SMSCostUnits      int64 // 1/10000 dollar
	VoiceCostUnits    int64 // 1/10000 dollar
	StartTime         *time.Time
	AnswerTime        *time.Time
	EndTime           *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ExpiresAt         time.Time
}

// Event is one append-only delivery event for a request.
type Event struct {
	ID        int64
	RequestID string
	Channel   string
	EventType string
	EventData string // JSON bag, may be empty
	CreatedAt time.Time
}

// Reputation tracks rolling per-subnet and per-phone counters.
// Kind is "ip" (keyed by subnet) or "phone" (keyed by E.164).
type Reputation struct {
	ID        int64
	Kind      string
	Key       string
	Total     int64
	Verified  int64
	Failed    int64
	Banned    bool // operator-set, triggers an instant fraud rule
	FirstSeen time.Time
	LastSeen  time.Time
}

// CircuitBreaker tracks repeated verification failures per phone or
// per subnet. Key carries the kind prefix, e.g. "phone:+14155550123".
type CircuitBreaker struct {
	ID        int64
	Key       string
	Failures  int64
	Successes int64
	State     string // "closed" | "open"
	OpenedAt  *time.Time
	UpdatedAt time.Time
}

// CallerIDRoute maps a destination prefix to the caller ID presented
// on a channel. Prefix "*" is the catch-all.
type CallerIDRoute struct {
	ID        int64
	Channel   string // "sms" | "voice"
	Prefix    string // digits without +, or "*"
	CallerID  string
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WhitelistEntry exempts an IP or phone from fraud evaluation.
type WhitelistEntry struct {
	ID          int64
	Type        string // "ip" | "phone"
	Value       string
	Description string
	CreatedAt   time.Time
}

// HoneypotEntry is a covertly banned subnet with an expiry.
type HoneypotEntry struct {
	ID        int64
	Subnet    string
	Reason    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// ASNBlocklistEntry blocks a whole autonomous system.
type ASNBlocklistEntry struct {
	ID          int64
	ASN         int64
	Description string
	CreatedAt   time.Time
}

// AdminUser represents an admin API user.
type AdminUser struct {
	ID           int64
	Username     string
	PasswordHash string // argon2id
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
