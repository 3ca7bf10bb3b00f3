// Package ami watches the Asterisk Manager Interface for calls that
// die in the network before they ever reach the Stasis application:
// unallocated numbers, dead trunks, ring timeouts. It is a safety net
// behind the ARI control plane, never the primary driver of a call.
package ami

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/otpgw/otpgw/internal/config"
	"github.com/otpgw/otpgw/internal/database"
	"github.com/otpgw/otpgw/internal/status"
	"github.com/otpgw/otpgw/internal/tracker"
)

const (
	// connectTimeout covers the dial, the greeting and the login
	// exchange together.
	connectTimeout = 15 * time.Second

	reconnectInitial = 5 * time.Second
	reconnectMax     = 30 * time.Second

	// maxAttempts is the consecutive failed connections tolerated
	// before the listener gives up.
	maxAttempts = 10
)

// Q.850 hangup causes worth a human-readable description. Causes 16
// and 31 are normal clearing and never reach this map.
var causeDescriptions = map[int]string{
	1:  "Number unallocated",
	17: "Busy",
	18: "No user responding",
	19: "No answer",
	21: "Call rejected",
	22: "Number changed",
	27: "Destination out of order",
	28: "Invalid number format",
	34: "No circuit available",
	38: "Network out of order",
	41: "Temporary failure",
	42: "Switching congestion",
	58: "Channel unacceptable",
}

// Emitter publishes channel delivery events.
type Emitter interface {
	Emit(ctx context.Context, requestID, channel, eventType string, data map[string]any) error
}

// Listener tails the manager event stream and resolves hangups the
// primary control plane missed.
type Listener struct {
	addr     string
	username string
	password string
	tracker  *tracker.Tracker
	requests database.RequestRepository
	bus      Emitter
	logger   *slog.Logger

	// Overridable in tests.
	dialTimeout time.Duration
	backoffInit time.Duration
	backoffMax  time.Duration
	attempts    int
}

// NewListener creates the manager listener. It does not connect until
// Run is called.
func NewListener(cfg *config.Config, db *database.DB, trk *tracker.Tracker, bus Emitter, logger *slog.Logger) *Listener {
	return &Listener{
		addr:        cfg.AMIAddr,
		username:    cfg.AMIUsername,
		password:    cfg.AMIPassword,
		tracker:     trk,
		requests:    database.NewRequestRepository(db),
		bus:         bus,
		logger:      logger.With("subsystem", "ami"),
		dialTimeout: connectTimeout,
		backoffInit: reconnectInitial,
		backoffMax:  reconnectMax,
		attempts:    maxAttempts,
	}
}

// Run connects, authenticates and consumes events until the context is
// cancelled. Lost connections are retried with exponential backoff; a
// successful connection resets the attempt budget. Once the budget is
// spent the listener stops for good and the gateway runs without
// network failure detection.
func (l *Listener) Run(ctx context.Context) {
	delay := l.backoffInit
	attempts := 0
	for {
		established, err := l.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if established {
			attempts = 0
			delay = l.backoffInit
		}
		attempts++
		if attempts > l.attempts {
			l.logger.Warn("manager reconnect attempts exhausted, network failure detection disabled",
				"attempts", l.attempts)
			return
		}
		l.logger.Warn("manager connection lost",
			"error", err, "retry_in", delay, "attempt", attempts)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > l.backoffMax {
			delay = l.backoffMax
		}
	}
}

// runOnce dials, authenticates and reads events until the connection
// drops. The first return reports whether the stream was established,
// which resets the caller's backoff.
func (l *Listener) runOnce(ctx context.Context) (bool, error) {
	conn, err := net.DialTimeout("tcp", l.addr, l.dialTimeout)
	if err != nil {
		return false, fmt.Errorf("dialing manager socket: %w", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(l.dialTimeout)); err != nil {
		return false, err
	}

	r := bufio.NewReader(conn)

	// Greeting line, e.g. "Asterisk Call Manager/9.0.0".
	if _, err := r.ReadString('\n'); err != nil {
		return false, fmt.Errorf("reading manager greeting: %w", err)
	}

	if err := l.login(conn, r); err != nil {
		return false, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return false, err
	}

	l.logger.Info("manager event stream connected", "addr", l.addr)

	// Close the socket on cancellation so the blocking read unwinds.
	watch := make(chan struct{})
	defer close(watch)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watch:
		}
	}()

	for {
		record, err := readRecord(r)
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, fmt.Errorf("reading manager event: %w", err)
		}
		l.handleRecord(ctx, record)
	}
}

func (l *Listener) login(conn net.Conn, r *bufio.Reader) error {
	action := "Action: Login\r\n" +
		"Username: " + l.username + "\r\n" +
		"Secret: " + l.password + "\r\n" +
		"Events: call\r\n" +
		"\r\n"
	if _, err := io.WriteString(conn, action); err != nil {
		return fmt.Errorf("sending login action: %w", err)
	}

	resp, err := readRecord(r)
	if err != nil {
		return fmt.Errorf("reading login response: %w", err)
	}
	if resp["Response"] != "Success" {
		return fmt.Errorf("manager login refused: %s", resp["Message"])
	}
	return nil
}

// readRecord reads one manager record: "Key: Value" lines terminated
// by an empty line. Lines without a colon are skipped.
func readRecord(r *bufio.Reader) (map[string]string, error) {
	record := make(map[string]string)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(record) == 0 {
				continue
			}
			return record, nil
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		record[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
}

func (l *Listener) handleRecord(ctx context.Context, record map[string]string) {
	switch record["Event"] {
	case "Newchannel", "DialBegin":
		l.handleNewChannel(record)
	case "Hangup":
		l.handleHangup(ctx, record)
	}
}

// handleNewChannel ties a freshly created trunk leg to the request
// calling its number, so the later Hangup on that leg resolves even
// when the channel name carries no digits.
func (l *Listener) handleNewChannel(record map[string]string) {
	rawName := record["DestChannel"]
	if rawName == "" {
		rawName = record["Channel"]
	}
	if rawName == "" {
		return
	}

	for _, key := range []string{"DestCallerIDNum", "CallerIDNum", "ConnectedLineNum", "Exten"} {
		num := record[key]
		if num == "" {
			continue
		}
		if requestID, ok := l.tracker.FindRequestByPhone(num); ok {
			l.tracker.RegisterSideChannel(rawName, requestID)
			l.logger.Debug("registered trunk leg", "channel", rawName, "request_id", requestID)
			return
		}
	}
}

// handleHangup resolves a dead channel to a tracked call and, when the
// Q.850 cause points at a network failure the primary plane cannot
// see, emits the terminal failure event.
func (l *Listener) handleHangup(ctx context.Context, record map[string]string) {
	requestID, ok := l.tracker.FindRequestByChannel(record["Channel"])
	if !ok {
		if num := record["ConnectedLineNum"]; num != "" {
			requestID, ok = l.tracker.FindRequestByPhone(num)
		}
	}
	if !ok {
		return
	}

	cause, _ := strconv.Atoi(record["Cause"])
	switch cause {
	case 16, 31:
		// Normal clearing; the ARI plane has or will emit the
		// success path for this call.
		return
	}

	// Checked before EndCall wipes the side-channel index.
	rang := l.tracker.SideChannelSeen(requestID)

	final, won := l.tracker.EndCall(requestID)
	if !won {
		return
	}

	description, mapped := causeDescriptions[cause]
	switch {
	case cause == 0 && rang:
		description = "No answer (ringing timeout)"
	case cause == 0:
		description = "Call failed (no response from network)"
	case !mapped:
		description = fmt.Sprintf("Call failed (cause %d)", cause)
	}

	ring, _, total := final.Durations()
	data := map[string]any{
		"error":            description,
		"cause":            cause,
		"ring_duration_ms": ring.Milliseconds(),
		"duration_ms":      total.Milliseconds(),
	}

	l.logger.Info("manager reported dead call",
		"request_id", requestID, "cause", cause, "cause_txt", record["Cause-txt"], "channel", record["Channel"])

	if err := l.bus.Emit(ctx, requestID, status.ChannelVoice, status.EventFailed, data); err != nil {
		l.logger.Warn("failed to emit voice event", "request_id", requestID, "error", err)
	}

	if err := l.requests.UpdateTimings(ctx, requestID, &final.StartTime, nil, &final.EndTime); err != nil {
		l.logger.Warn("failed to persist call timings", "request_id", requestID, "error", err)
	}
}
