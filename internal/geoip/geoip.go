// Package geoip resolves request source addresses against local
// MaxMind databases. Lookups are best effort: a missing or unreadable
// database disables that dimension instead of failing requests.
package geoip

import (
	"log/slog"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// Resolver answers country and ASN lookups for IP addresses.
type Resolver struct {
	country *geoip2.Reader
	asn     *geoip2.Reader
	logger  *slog.Logger
}

// Open loads the configured MaxMind databases. Either path may be
// empty; a path that fails to open is logged and that lookup is
// disabled.
func Open(countryPath, asnPath string, logger *slog.Logger) *Resolver {
	r := &Resolver{logger: logger}

	if countryPath != "" {
		reader, err := geoip2.Open(countryPath)
		if err != nil {
			logger.Warn("country database unavailable, geo checks disabled",
				"path", countryPath, "error", err)
		} else {
			r.country = reader
		}
	}
	if asnPath != "" {
		reader, err := geoip2.Open(asnPath)
		if err != nil {
			logger.Warn("asn database unavailable, asn checks disabled",
				"path", asnPath, "error", err)
		} else {
			r.asn = reader
		}
	}
	return r
}

// Country returns the ISO 3166-1 alpha-2 country code for an IP, or
// empty when unknown.
func (r *Resolver) Country(ip string) string {
	if r.country == nil {
		return ""
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	record, err := r.country.Country(parsed)
	if err != nil {
		r.logger.Debug("country lookup failed", "ip", ip, "error", err)
		return ""
	}
	return record.Country.IsoCode
}

// ASN returns the autonomous system number announcing an IP. The bool
// is false when the database is absent or the IP is not covered.
func (r *Resolver) ASN(ip string) (int64, bool) {
	if r.asn == nil {
		return 0, false
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return 0, false
	}
	record, err := r.asn.ASN(parsed)
	if err != nil {
		r.logger.Debug("asn lookup failed", "ip", ip, "error", err)
		return 0, false
	}
	if record.AutonomousSystemNumber == 0 {
		return 0, false
	}
	return int64(record.AutonomousSystemNumber), true
}

// Close releases the underlying database readers.
func (r *Resolver) Close() error {
	var firstErr error
	if r.country != nil {
		if err := r.country.Close(); err != nil {
			firstErr = err
		}
	}
	if r.asn != nil {
		if err := r.asn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
