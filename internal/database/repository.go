package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/otpgw/otpgw/internal/database/models"
)

// RequestListFilter specifies filtering and pagination for request
// list queries. Zero values mean "no constraint".
type RequestListFilter struct {
	Limit     int
	Offset    int
	Status    string
	Channel   string
	Phone     string // substring match
	Country   string // matches phone_country
	FraudMin  *int
	FraudMax  *int
	StartDate string // RFC3339 or YYYY-MM-DD
	EndDate   string // RFC3339 or YYYY-MM-DD
}

// EventApply carries the request-side effects of one channel event.
// Applied together with the event append in a single transaction.
type EventApply struct {
	Status       string // empty leaves the status column untouched
	Channel      string // set only while the request has no channel yet
	ErrorMessage string
	ProviderID   string
}

// RequestRepository manages OTP requests.
type RequestRepository interface {
	Create(ctx context.Context, req *models.Request) error
	GetByID(ctx context.Context, id string) (*models.Request, error)
	// GetByProviderID matches case-insensitively; SMS providers are
	// not consistent about message ID casing in delivery reports.
	GetByProviderID(ctx context.Context, providerID string) (*models.Request, error)
	List(ctx context.Context, filter RequestListFilter) ([]models.Request, int, error)

	UpdateFraud(ctx context.Context, id string, score int, reasons string, shadowBanned bool, subnet, ipCountry string, asn *int64) error
	// ApplyEventTx updates the delivery columns inside the event-bus
	// transaction.
	ApplyEventTx(ctx context.Context, tx *sql.Tx, id, channelStatus string, apply EventApply, now time.Time) error
	// SetAuthStatus transitions auth_status and reports whether a row
	// actually changed; the allowed transitions are enforced in SQL so
	// concurrent feedback cannot double-apply.
	SetAuthStatus(ctx context.Context, id, authStatus string, now time.Time) (bool, error)
	UpdateTimings(ctx context.Context, id string, start, answer, end *time.Time) error
	AddSMSCost(ctx context.Context, id string, units int64) error
	SetVoiceCost(ctx context.Context, id string, units int64) error

	// CountBySubnetSince and CountByPhoneSince power the rate rules.
	// The request under evaluation is excluded so "limit 3" means the
	// fourth request in the window trips the rule.
	CountBySubnetSince(ctx context.Context, subnet string, since time.Time, excludeID string) (int, error)
	CountByPhoneSince(ctx context.Context, phone string, since time.Time, excludeID string) (int, error)

	// FindRecentVoiceByPhone correlates billing CDRs back to the most
	// recent voice request for a number.
	FindRecentVoiceByPhone(ctx context.Context, phone string, since time.Time) (*models.Request, error)

	// ExpireOverdue marks overdue unverified requests expired and
	// returns their IDs.
	ExpireOverdue(ctx context.Context, now time.Time) ([]string, error)

	CountByStatus(ctx context.Context) (map[string]int64, error)
	CountShadowBanned(ctx context.Context) (int64, error)
}

// EventRepository manages the append-only delivery event log.
type EventRepository interface {
	Append(ctx context.Context, ev *models.Event) error
	AppendTx(ctx context.Context, tx *sql.Tx, ev *models.Event) error
	Has(ctx context.Context, requestID, channel, eventType string) (bool, error)
	ListByRequest(ctx context.Context, requestID string) ([]models.Event, error)
}

// ReputationRepository manages rolling per-subnet and per-phone counters.
type ReputationRepository interface {
	Get(ctx context.Context, kind, key string) (*models.Reputation, error)
	// Touch bumps total and last_seen, creating the row on first sight.
	Touch(ctx context.Context, kind, key string, now time.Time) error
	RecordVerified(ctx context.Context, kind, key string, now time.Time) error
	RecordFailed(ctx context.Context, kind, key string, now time.Time) error
	IsBanned(ctx context.Context, kind, key string) (bool, error)
	SetBanned(ctx context.Context, kind, key string, banned bool, now time.Time) error
	List(ctx context.Context, kind string, limit, offset int) ([]models.Reputation, int, error)
}

// CircuitBreakerRepository manages verification-failure breakers.
type CircuitBreakerRepository interface {
	Get(ctx context.Context, key string) (*models.CircuitBreaker, error)
	// RecordFailure bumps the failure count and returns the new total.
	RecordFailure(ctx context.Context, key string, now time.Time) (int64, error)
	Open(ctx context.Context, key string, now time.Time) error
	// Reset closes the breaker, zeroes failures and bumps successes.
	Reset(ctx context.Context, key string, now time.Time) error
}

// CallerIDRouteRepository manages caller-ID routes.
type CallerIDRouteRepository interface {
	Create(ctx context.Context, route *models.CallerIDRoute) error
	GetByID(ctx context.Context, id int64) (*models.CallerIDRoute, error)
	List(ctx context.Context) ([]models.CallerIDRoute, error)
	ListEnabled(ctx context.Context) ([]models.CallerIDRoute, error)
	Update(ctx context.Context, route *models.CallerIDRoute) error
	Delete(ctx context.Context, id int64) error
}

// WhitelistRepository manages fraud-exempt IPs and phones.
type WhitelistRepository interface {
	Create(ctx context.Context, entry *models.WhitelistEntry) error
	List(ctx context.Context) ([]models.WhitelistEntry, error)
	Delete(ctx context.Context, id int64) error
	// Match reports whether either the IP or the phone is whitelisted.
	Match(ctx context.Context, ip, phone string) (bool, error)
}

// HoneypotRepository manages covertly banned subnets.
type HoneypotRepository interface {
	// Upsert inserts the subnet or extends its expiry.
	Upsert(ctx context.Context, subnet, reason string, expiresAt, now time.Time) error
	Contains(ctx context.Context, subnet string, now time.Time) (bool, error)
	List(ctx context.Context, limit, offset int) ([]models.HoneypotEntry, int, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// ASNBlocklistRepository manages blocked autonomous systems.
type ASNBlocklistRepository interface {
	Create(ctx context.Context, entry *models.ASNBlocklistEntry) error
	List(ctx context.Context) ([]models.ASNBlocklistEntry, error)
	Delete(ctx context.Context, id int64) error
	Contains(ctx context.Context, asn int64) (bool, error)
}

// AdminUserRepository manages admin API users.
type AdminUserRepository interface {
	Create(ctx context.Context, user *models.AdminUser) error
	GetByUsername(ctx context.Context, username string) (*models.AdminUser, error)
	Count(ctx context.Context) (int64, error)
}
