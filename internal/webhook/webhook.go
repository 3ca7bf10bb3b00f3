// Package webhook delivers event notifications to customer callback
// URLs through a buffered queue with bounded retries. Delivery is
// best effort: a webhook that keeps failing is logged and dropped,
// never surfaced to the request path.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	queueSize      = 256
	workerCount    = 4
	attemptTimeout = 5 * time.Second
)

// Job is one webhook delivery. The JSON fields form the payload the
// customer receives.
type Job struct {
	URL string `json:"-"`

	Event     string         `json:"event"`
	RequestID string         `json:"request_id"`
	SessionID string         `json:"session_id,omitempty"`
	Phone     string         `json:"phone"`
	Status    string         `json:"status"`
	Channel   string         `json:"channel"`
	Timestamp int64          `json:"timestamp"`
	Metadata  map[string]any `json:"metadata"`
}

// Dispatcher runs the delivery workers.
type Dispatcher struct {
	jobs      chan Job
	client    *http.Client
	userAgent string
	schedule  []time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	closed  bool
	stop    chan struct{}
	workers sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. version goes into the
// User-Agent header.
func NewDispatcher(version string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		jobs:      make(chan Job, queueSize),
		client:    &http.Client{Timeout: attemptTimeout},
		userAgent: "OTP-Gateway/" + version,
		schedule:  []time.Duration{2 * time.Second, 10 * time.Second, 30 * time.Second},
		logger:    logger.With("subsystem", "webhook"),
	}
}

// Start launches the delivery workers.
func (d *Dispatcher) Start() {
	d.stop = make(chan struct{})
	for i := 0; i < workerCount; i++ {
		d.workers.Add(1)
		go func() {
			defer d.workers.Done()
			for job := range d.jobs {
				d.deliver(job)
			}
		}()
	}
}

// Enqueue queues a job without blocking. When the queue is full the
// job is dropped with a warning; webhooks are lossy by contract.
func (d *Dispatcher) Enqueue(job Job) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		d.logger.Warn("webhook dropped, dispatcher stopped", "url", job.URL, "request_id", job.RequestID)
		return
	}
	if job.Timestamp == 0 {
		job.Timestamp = time.Now().UnixMilli()
	}
	if job.Metadata == nil {
		job.Metadata = map[string]any{}
	}

	select {
	case d.jobs <- job:
	default:
		d.logger.Warn("webhook dropped, queue full", "url", job.URL, "request_id", job.RequestID)
	}
}

// QueueDepth returns the number of queued jobs.
func (d *Dispatcher) QueueDepth() int {
	return len(d.jobs)
}

// Stop drains the queue and waits for the workers. If the context
// expires first, in-flight retry waits are abandoned.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		close(d.stop)
		<-done
		return ctx.Err()
	}
}

// deliver posts a job, retrying on the fixed schedule. Every attempt
// is logged; the final failure is only logged.
func (d *Dispatcher) deliver(job Job) {
	attempts := len(d.schedule) + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		err := d.post(job)
		if err == nil {
			d.logger.Debug("webhook delivered",
				"url", job.URL, "request_id", job.RequestID, "event", job.Event, "attempt", attempt)
			return
		}
		d.logger.Warn("webhook attempt failed",
			"url", job.URL, "request_id", job.RequestID, "event", job.Event,
			"attempt", attempt, "error", err)

		if attempt == attempts {
			break
		}
		select {
		case <-time.After(d.schedule[attempt-1]):
		case <-d.stop:
			d.logger.Warn("webhook abandoned during shutdown", "url", job.URL, "request_id", job.RequestID)
			return
		}
	}
	d.logger.Error("webhook delivery failed permanently",
		"url", job.URL, "request_id", job.RequestID, "event", job.Event)
}

func (d *Dispatcher) post(job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, job.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set("X-Webhook-Event", job.Event)
	req.Header.Set("X-Request-ID", job.RequestID)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
