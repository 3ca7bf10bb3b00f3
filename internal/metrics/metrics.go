package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/otpgw/otpgw/internal/status"
)

// CallCounter exposes the number of calls currently in flight.
type CallCounter interface {
	ActiveCalls() int
}

// RequestStats exposes aggregate request counts from the store.
type RequestStats interface {
	CountByStatus(ctx context.Context) (map[string]int64, error)
	CountShadowBanned(ctx context.Context) (int64, error)
}

// WebhookQueue exposes the outbound webhook backlog.
type WebhookQueue interface {
	QueueDepth() int
}

// PushClients exposes the number of connected live push clients.
type PushClients interface {
	ClientCount() int
}

// Collector is a prometheus.Collector that gathers gateway metrics at scrape time.
type Collector struct {
	calls     CallCounter
	requests  RequestStats
	hooks     WebhookQueue
	push      PushClients
	startTime time.Time

	// Metric descriptors.
	activeCallsDesc   *prometheus.Desc
	requestsTotalDesc *prometheus.Desc
	shadowBannedDesc  *prometheus.Desc
	webhookQueueDesc  *prometheus.Desc
	pushClientsDesc   *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	calls CallCounter,
	requests RequestStats,
	hooks WebhookQueue,
	push PushClients,
	startTime time.Time,
) *Collector {
	return &Collector{
		calls:     calls,
		requests:  requests,
		hooks:     hooks,
		push:      push,
		startTime: startTime,

		activeCallsDesc: prometheus.NewDesc(
			"otpgw_active_calls",
			"Number of voice calls currently in flight",
			nil, nil,
		),
		requestsTotalDesc: prometheus.NewDesc(
			"otpgw_requests_total",
			"Total OTP requests by delivery status",
			[]string{"status"}, nil,
		),
		shadowBannedDesc: prometheus.NewDesc(
			"otpgw_shadow_banned_total",
			"Total requests covertly rejected by the fraud engine",
			nil, nil,
		),
		webhookQueueDesc: prometheus.NewDesc(
			"otpgw_webhook_queue_depth",
			"Outbound webhook jobs waiting for a worker",
			nil, nil,
		),
		pushClientsDesc: prometheus.NewDesc(
			"otpgw_live_push_clients",
			"Number of connected live push clients",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"otpgw_uptime_seconds",
			"Seconds since the gateway process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.requestsTotalDesc
	ch <- c.shadowBannedDesc
	ch <- c.webhookQueueDesc
	ch <- c.pushClientsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Active calls gauge.
	if c.calls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.calls.ActiveCalls()),
		)
	}

	// Request counters by status, plus the shadow-ban total.
	if c.requests != nil {
		counts, err := c.requests.CountByStatus(ctx)
		if err != nil {
			slog.Error("metrics: failed to count requests by status", "error", err)
		} else {
			for _, st := range []string{
				status.Pending, status.Sending, status.Sent, status.Delivered,
				status.Verified, status.Failed, status.Rejected, status.Expired,
			} {
				ch <- prometheus.MustNewConstMetric(
					c.requestsTotalDesc, prometheus.CounterValue,
					float64(counts[st]), st,
				)
			}
		}

		banned, err := c.requests.CountShadowBanned(ctx)
		if err != nil {
			slog.Error("metrics: failed to count shadow-banned requests", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.shadowBannedDesc, prometheus.CounterValue,
				float64(banned),
			)
		}
	}

	// Webhook backlog gauge.
	if c.hooks != nil {
		ch <- prometheus.MustNewConstMetric(
			c.webhookQueueDesc, prometheus.GaugeValue,
			float64(c.hooks.QueueDepth()),
		)
	}

	// Live push clients gauge.
	if c.push != nil {
		ch <- prometheus.MustNewConstMetric(
			c.pushClientsDesc, prometheus.GaugeValue,
			float64(c.push.ClientCount()),
		)
	}

	// Uptime.
	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
