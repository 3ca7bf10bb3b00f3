package dispatch

import (
	"context"
	"time"

	"github.com/otpgw/otpgw/internal/status"
	"github.com/otpgw/otpgw/internal/ws"
)

// StartExpirySweeper marks overdue unverified requests expired on a
// fixed cadence and pushes each status change to live subscribers.
func (s *Service) StartExpirySweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.expireOverdue(ctx)
			}
		}
	}()
}

func (s *Service) expireOverdue(ctx context.Context) {
	now := time.Now().UTC()
	ids, err := s.requests.ExpireOverdue(ctx, now)
	if err != nil {
		s.logger.Error("expiring overdue requests", "error", err)
		return
	}
	for _, id := range ids {
		s.hub.Publish(ws.TopicRequests, "otp-request:updated", map[string]any{
			"request_id": id,
			"status":     status.Expired,
			"updated_at": now,
		})
	}
	if len(ids) > 0 {
		s.logger.Info("requests expired", "count", len(ids))
	}
}
