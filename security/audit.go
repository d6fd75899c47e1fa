package security

import (
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

// DefaultAuditCapacity is the number of audit events kept in memory
const DefaultAuditCapacity = 2000

// reservedEventKeys cannot be overridden by event extras
var reservedEventKeys = map[string]struct{}{
	"event":  {},
	"action": {},
	"phone":  {},
	"ts_ms":  {},
}

// Event is an immutable security audit record.
type Event struct {
	Action      string
	Phone       string
	TimestampMs int64
	Extra       map[string]any
}

// Get returns the value of an extra field.
func (e Event) Get(key string) (any, bool) {
	v, ok := e.Extra[key]
	return v, ok
}

// MarshalJSON renders the event as a flat object:
// {"event":"audit","action":...,"phone":...,"ts_ms":...,<extras>}.
func (e Event) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(e.Extra)+4)
	for k, v := range e.Extra {
		flat[k] = v
	}
	flat["event"] = "audit"
	flat["action"] = e.Action
	flat["phone"] = e.Phone
	flat["ts_ms"] = e.TimestampMs
	return json.Marshal(flat)
}

// Alerter receives every recorded audit event.
type Alerter interface {
	MaybeAlert(event Event)
}

// Auditor records security events into a bounded in-memory ring buffer and
// forwards them to the structured logger. Recording never fails from the
// caller's point of view: any internal fault drops the event silently.
type Auditor struct {
	logger   *slog.Logger
	now      func() time.Time
	mu       sync.Mutex
	ring     []Event
	start    int
	size     int
	alerter  Alerter
	onRecord func(Event)
}

// NewAuditor creates an auditor keeping the last capacity events.
// capacity <= 0 uses DefaultAuditCapacity.
func NewAuditor(logger *slog.Logger, capacity int, opts ...Option) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	if capacity <= 0 {
		capacity = DefaultAuditCapacity
	}
	o := applyOptions(opts)
	return &Auditor{
		logger: logger,
		now:    o.now,
		ring:   make([]Event, capacity),
	}
}

// SetAlerter wires the alert dispatcher that sees every recorded event.
func (a *Auditor) SetAlerter(alerter Alerter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerter = alerter
}

// OnRecord registers a hook called after each recorded event (metrics).
func (a *Auditor) OnRecord(fn func(Event)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onRecord = fn
}

// Record builds an audit event, logs it, appends it to the ring buffer and
// hands it to the alerter. nil extras are dropped; reserved keys are ignored.
func (a *Auditor) Record(action, phone string, extra map[string]any) {
	if err := a.record(action, phone, extra); err != nil {
		a.logger.Debug("Audit event dropped", "action", action, "error", err)
	}
}

func (a *Auditor) record(action, phone string, extra map[string]any) (err error) {
	defer recoverBookkeeping(&err)

	event := Event{
		Action:      action,
		Phone:       strings.TrimSpace(phone),
		TimestampMs: a.now().UnixMilli(),
		Extra:       make(map[string]any, len(extra)),
	}
	for k, v := range extra {
		if v == nil {
			continue
		}
		if _, reserved := reservedEventKeys[k]; reserved {
			continue
		}
		event.Extra[k] = v
	}

	a.forward(event)

	a.mu.Lock()
	a.appendLocked(event)
	alerter, onRecord := a.alerter, a.onRecord
	a.mu.Unlock()

	if alerter != nil {
		safeCall(func() { alerter.MaybeAlert(event) })
	}
	if onRecord != nil {
		safeCall(func() { onRecord(event) })
	}
	return nil
}

// forward logs the event with the phone hashed.
func (a *Auditor) forward(event Event) {
	safeCall(func() {
		a.logger.Info("security_audit",
			"action", event.Action,
			"phone_hash", hashForLogging(event.Phone),
			"ts_ms", event.TimestampMs,
			"details", event.Extra,
		)
	})
}

// appendLocked writes event into the ring, overwriting the oldest when full.
func (a *Auditor) appendLocked(event Event) {
	capacity := len(a.ring)
	if a.size < capacity {
		a.ring[(a.start+a.size)%capacity] = event
		a.size++
		return
	}
	a.ring[a.start] = event
	a.start = (a.start + 1) % capacity
}

// Len returns the number of retained events.
func (a *Auditor) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}

// Recent returns up to n of the most recent events, oldest first.
// n <= 0 returns every retained event.
func (a *Auditor) Recent(n int) []Event {
	return a.RecentMatching(n, "")
}

// RecentMatching returns up to n of the most recent events whose action
// contains substr, oldest first. An empty substr matches everything.
func (a *Auditor) RecentMatching(n int, substr string) []Event {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n <= 0 || n > a.size {
		n = a.size
	}
	out := make([]Event, 0, n)
	for i := a.size - 1; i >= 0 && len(out) < n; i-- {
		event := a.ring[(a.start+i)%len(a.ring)]
		if substr != "" && !strings.Contains(event.Action, substr) {
			continue
		}
		event.Extra = maps.Clone(event.Extra)
		out = append(out, event)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Reset drops every retained event.
func (a *Auditor) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.ring)
	a.start, a.size = 0, 0
}

// safeCall runs fn and discards any panic.
func safeCall(fn func()) {
	defer func() { _ = recover() }()
	fn()
}

// hashForLogging creates a short BLAKE2b digest of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := blake2b.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
