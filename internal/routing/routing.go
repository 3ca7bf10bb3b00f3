// Package routing selects the caller ID presented on an outbound
// delivery from longest-prefix-match tables, one per channel.
package routing

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/otpgw/otpgw/internal/database"
)

type route struct {
	prefix   string
	callerID string
}

// Router answers caller-ID lookups against an immutable snapshot of
// the enabled routes. Reload swaps the snapshot atomically, so
// lookups never see a half-built table.
type Router struct {
	routes database.CallerIDRouteRepository
	logger *slog.Logger
	table  atomic.Value // map[string][]route
}

// NewRouter creates a Router with an empty table. Call Reload to load
// routes from the database.
func NewRouter(routes database.CallerIDRouteRepository, logger *slog.Logger) *Router {
	r := &Router{routes: routes, logger: logger}
	r.table.Store(map[string][]route{})
	return r
}

// Reload rebuilds the lookup table from the enabled routes and swaps
// it in. Returns the number of routes loaded.
func (r *Router) Reload(ctx context.Context) (int, error) {
	enabled, err := r.routes.ListEnabled(ctx)
	if err != nil {
		return 0, err
	}

	table := make(map[string][]route)
	for _, rt := range enabled {
		table[rt.Channel] = append(table[rt.Channel], route{prefix: rt.Prefix, callerID: rt.CallerID})
	}

	// Longest prefix first so the most specific route wins; the
	// catch-all sorts last regardless of anything else in the table.
	for _, routes := range table {
		sort.Slice(routes, func(i, j int) bool {
			a, b := routes[i], routes[j]
			if a.prefix == "*" {
				return false
			}
			if b.prefix == "*" {
				return true
			}
			if len(a.prefix) != len(b.prefix) {
				return len(a.prefix) > len(b.prefix)
			}
			return a.prefix < b.prefix
		})
	}

	r.table.Store(table)
	r.logger.Info("caller id routes loaded", "count", len(enabled))
	return len(enabled), nil
}

// Lookup returns the caller ID for a destination on a channel. The
// leading + is ignored; route prefixes are plain digit strings.
func (r *Router) Lookup(channel, phone string) (string, bool) {
	table := r.table.Load().(map[string][]route)
	digits := strings.TrimPrefix(phone, "+")

	for _, rt := range table[channel] {
		if rt.prefix == "*" || strings.HasPrefix(digits, rt.prefix) {
			return rt.callerID, true
		}
	}
	return "", false
}
