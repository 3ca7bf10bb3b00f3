// Package fraud scores dispatch requests against blocklists, rate
// windows and verification-failure breakers. The engine fails open:
// a store error disables the rule that hit it for that evaluation
// rather than blocking the request.
package fraud

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"time"

	"github.com/otpgw/otpgw/internal/config"
	"github.com/otpgw/otpgw/internal/database"
)

// Reason codes persisted in fraud_reasons, in rule order.
const (
	ReasonASNBlocked   = "asn_blocked"
	ReasonHoneypot     = "honeypot_subnet"
	ReasonIPBanned     = "ip_banned"
	ReasonRateMinute   = "rate_limit_minute"
	ReasonRateHour     = "rate_limit_hour"
	ReasonRatePhone    = "rate_limit_phone"
	ReasonGeoMismatch  = "geo_mismatch"
	ReasonCountry      = "country_not_allowed"
	ReasonPhoneBreaker = "phone_circuit_open"
	ReasonIPBreaker    = "ip_circuit_open"
)

const (
	scoreInstant      = 100
	scoreRateMinute   = 50
	scoreRateHour     = 40
	scoreRatePhone    = 30
	scoreCountryGate  = 40
	scorePhoneBreaker = 50
	scoreIPBreaker    = 40
)

// GeoResolver answers IP geolocation lookups.
type GeoResolver interface {
	Country(ip string) string
	ASN(ip string) (int64, bool)
}

// Input is one dispatch request under evaluation. The request is
// already persisted, so the rate windows exclude it by ID.
type Input struct {
	RequestID    string
	Phone        string
	PhoneCountry string
	PhonePrefix  string
	IP           string
	SessionID    string
}

// Result is the verdict plus the IP-side metadata derived on the way.
type Result struct {
	Allowed      bool
	ShadowBan    bool
	Score        int
	Reasons      []string
	IPSubnet     string
	IPCountry    string
	PhoneCountry string
	PhonePrefix  string
	ASN          *int64
}

// Engine evaluates the rule set against the store.
type Engine struct {
	cfg        *config.Config
	requests   database.RequestRepository
	reputation database.ReputationRepository
	breakers   database.CircuitBreakerRepository
	whitelist  database.WhitelistRepository
	honeypot   database.HoneypotRepository
	asnList    database.ASNBlocklistRepository
	geo        GeoResolver
	logger     *slog.Logger
}

// New creates a fraud Engine over the shared database.
func New(cfg *config.Config, db *database.DB, geo GeoResolver, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:        cfg,
		requests:   database.NewRequestRepository(db),
		reputation: database.NewReputationRepository(db),
		breakers:   database.NewCircuitBreakerRepository(db),
		whitelist:  database.NewWhitelistRepository(db),
		honeypot:   database.NewHoneypotRepository(db),
		asnList:    database.NewASNBlocklistRepository(db),
		geo:        geo,
		logger:     logger.With("subsystem", "fraud"),
	}
}

// SubnetFor derives the privacy-preserving subnet stored and rated
// instead of the raw address: /24 for IPv4, /64 for IPv6.
func SubnetFor(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	if v4 := parsed.To4(); v4 != nil {
		mask := net.CIDRMask(24, 32)
		return (&net.IPNet{IP: v4.Mask(mask), Mask: mask}).String()
	}
	mask := net.CIDRMask(64, 128)
	return (&net.IPNet{IP: parsed.Mask(mask), Mask: mask}).String()
}

// Evaluate runs the whitelist check and the ten rules in order and
// returns the verdict. It never fails a request on store errors.
func (e *Engine) Evaluate(ctx context.Context, in Input) Result {
	res := Result{
		Allowed:      true,
		PhoneCountry: in.PhoneCountry,
		PhonePrefix:  in.PhonePrefix,
		IPSubnet:     SubnetFor(in.IP),
		IPCountry:    e.geo.Country(in.IP),
	}
	if asn, ok := e.geo.ASN(in.IP); ok {
		res.ASN = &asn
	}

	listed, err := e.whitelist.Match(ctx, in.IP, in.Phone)
	if err != nil {
		e.logger.Warn("whitelist check failed", "error", err)
	} else if listed {
		return res
	}

	now := time.Now().UTC()
	if err := e.reputation.Touch(ctx, "phone", in.Phone, now); err != nil {
		e.logger.Warn("reputation touch failed", "kind", "phone", "error", err)
	}
	if res.IPSubnet != "" {
		if err := e.reputation.Touch(ctx, "ip", res.IPSubnet, now); err != nil {
			e.logger.Warn("reputation touch failed", "kind", "ip", "error", err)
		}
	}

	res.Score, res.Reasons = e.score(ctx, in, &res, now)

	if res.Score >= e.cfg.ShadowBanThreshold {
		res.ShadowBan = true
		res.Allowed = false
		e.trapSubnet(ctx, res.IPSubnet, res.Score, now)
	}
	return res
}

// score applies the rules. The three instant rules short-circuit at
// 100; the additive rules all run even past the threshold so the
// persisted reason list is complete.
func (e *Engine) score(ctx context.Context, in Input, res *Result, now time.Time) (int, []string) {
	// R1: blocked autonomous system.
	if res.ASN != nil {
		blocked, err := e.asnList.Contains(ctx, *res.ASN)
		if err != nil {
			e.logger.Warn("asn blocklist check failed", "error", err)
		} else if blocked {
			return scoreInstant, []string{ReasonASNBlocked}
		}
	}

	// R2: subnet already trapped.
	if res.IPSubnet != "" {
		trapped, err := e.honeypot.Contains(ctx, res.IPSubnet, now)
		if err != nil {
			e.logger.Warn("honeypot check failed", "error", err)
		} else if trapped {
			return scoreInstant, []string{ReasonHoneypot}
		}
	}

	// R3: subnet banned by an operator.
	if res.IPSubnet != "" {
		banned, err := e.reputation.IsBanned(ctx, "ip", res.IPSubnet)
		if err != nil {
			e.logger.Warn("reputation ban check failed", "error", err)
		} else if banned {
			return scoreInstant, []string{ReasonIPBanned}
		}
	}

	var score int
	var reasons []string
	add := func(points int, reason string) {
		score += points
		reasons = append(reasons, reason)
	}

	// R4, R5: subnet rate windows.
	if res.IPSubnet != "" {
		count, err := e.requests.CountBySubnetSince(ctx, res.IPSubnet, now.Add(-time.Minute), in.RequestID)
		if err != nil {
			e.logger.Warn("subnet minute count failed", "error", err)
		} else if count >= e.cfg.SubnetPerMinute {
			add(scoreRateMinute, ReasonRateMinute)
		}

		count, err = e.requests.CountBySubnetSince(ctx, res.IPSubnet, now.Add(-time.Hour), in.RequestID)
		if err != nil {
			e.logger.Warn("subnet hour count failed", "error", err)
		} else if count >= e.cfg.SubnetPerHour {
			add(scoreRateHour, ReasonRateHour)
		}
	}

	// R6: phone rate window.
	count, err := e.requests.CountByPhoneSince(ctx, in.Phone, now.Add(-time.Hour), in.RequestID)
	if err != nil {
		e.logger.Warn("phone hour count failed", "error", err)
	} else if count >= e.cfg.PhonePerHour {
		add(scoreRatePhone, ReasonRatePhone)
	}

	// R7: source country disagrees with the number's country.
	if res.IPCountry != "" && in.PhoneCountry != "" && res.IPCountry != in.PhoneCountry {
		add(e.cfg.GeoMismatchScore, ReasonGeoMismatch)
	}

	// R8: destination country gate.
	if allowed := e.cfg.AllowedCountryList(); len(allowed) > 0 && !slices.Contains(allowed, in.PhoneCountry) {
		add(scoreCountryGate, ReasonCountry)
	}

	// R9, R10: verification-failure breakers.
	if e.breakerTripped(ctx, "phone:"+in.Phone, now) {
		add(scorePhoneBreaker, ReasonPhoneBreaker)
	}
	if res.IPSubnet != "" && e.breakerTripped(ctx, "ip:"+res.IPSubnet, now) {
		add(scoreIPBreaker, ReasonIPBreaker)
	}

	return score, reasons
}

// breakerTripped reports whether a breaker is open or has enough
// failures to open, opening it in the latter case.
func (e *Engine) breakerTripped(ctx context.Context, key string, now time.Time) bool {
	cb, err := e.breakers.Get(ctx, key)
	if err != nil {
		e.logger.Warn("breaker check failed", "key", key, "error", err)
		return false
	}
	if cb == nil {
		return false
	}
	if cb.State == "open" {
		return true
	}
	if cb.Failures >= int64(e.cfg.BreakerThreshold) {
		if err := e.breakers.Open(ctx, key, now); err != nil {
			e.logger.Warn("opening breaker failed", "key", key, "error", err)
		}
		return true
	}
	return false
}

// trapSubnet inserts or refreshes the honeypot entry for a subnet
// that crossed the shadow-ban threshold.
func (e *Engine) trapSubnet(ctx context.Context, subnet string, score int, now time.Time) {
	if subnet == "" {
		return
	}
	reason := fmt.Sprintf("fraud score %d", score)
	if err := e.honeypot.Upsert(ctx, subnet, reason, now.Add(e.cfg.HoneypotTTL()), now); err != nil {
		e.logger.Warn("honeypot insert failed", "subnet", subnet, "error", err)
		return
	}
	e.logger.Info("subnet trapped", "subnet", subnet, "score", score)
}

// RecordSuccess resets both breakers and bumps verified reputation
// after a confirmed verification.
func (e *Engine) RecordSuccess(ctx context.Context, phoneNumber, subnet string) {
	now := time.Now().UTC()
	if err := e.breakers.Reset(ctx, "phone:"+phoneNumber, now); err != nil {
		e.logger.Warn("breaker reset failed", "key", "phone:"+phoneNumber, "error", err)
	}
	if err := e.reputation.RecordVerified(ctx, "phone", phoneNumber, now); err != nil {
		e.logger.Warn("reputation update failed", "kind", "phone", "error", err)
	}
	if subnet == "" {
		return
	}
	if err := e.breakers.Reset(ctx, "ip:"+subnet, now); err != nil {
		e.logger.Warn("breaker reset failed", "key", "ip:"+subnet, "error", err)
	}
	if err := e.reputation.RecordVerified(ctx, "ip", subnet, now); err != nil {
		e.logger.Warn("reputation update failed", "kind", "ip", "error", err)
	}
}

// RecordFailure bumps the failure counters after a wrong code. No
// immediate ban: the breakers open on the next evaluation once over
// threshold.
func (e *Engine) RecordFailure(ctx context.Context, phoneNumber, subnet string) {
	now := time.Now().UTC()
	if _, err := e.breakers.RecordFailure(ctx, "phone:"+phoneNumber, now); err != nil {
		e.logger.Warn("breaker failure record failed", "key", "phone:"+phoneNumber, "error", err)
	}
	if err := e.reputation.RecordFailed(ctx, "phone", phoneNumber, now); err != nil {
		e.logger.Warn("reputation update failed", "kind", "phone", "error", err)
	}
	if subnet == "" {
		return
	}
	if _, err := e.breakers.RecordFailure(ctx, "ip:"+subnet, now); err != nil {
		e.logger.Warn("breaker failure record failed", "key", "ip:"+subnet, "error", err)
	}
	if err := e.reputation.RecordFailed(ctx, "ip", subnet, now); err != nil {
		e.logger.Warn("reputation update failed", "kind", "ip", "error", err)
	}
}
