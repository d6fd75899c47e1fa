package security

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/giantswarm/bff-guard/internal/helpers"
)

const (
	// DefaultAlertWindow is the default counting window per action
	DefaultAlertWindow = 300 * time.Second

	// DefaultAlertCooldown is the default minimum gap between two alerts for one action
	DefaultAlertCooldown = 600 * time.Second

	// MinAlertWindow is the floor applied to both window and cooldown
	MinAlertWindow = 30 * time.Second

	// DefaultAlertTimeout bounds a single webhook delivery
	DefaultAlertTimeout = 4 * time.Second

	// DefaultAlertSource tags alerts emitted by this service
	DefaultAlertSource = "bff"

	// alertDeliveryRate and alertDeliveryBurst space webhook deliveries across all actions
	alertDeliveryRate  = rate.Limit(1)
	alertDeliveryBurst = 5

	// maxAlertDelay bounds how long a delivery may be held back by the throttle
	maxAlertDelay = 2 * time.Minute

	// maxSampleValueLength truncates string values copied into the alert sample
	maxSampleValueLength = 128
)

// alertSampleKeys is the allow-list of event fields copied into alert payloads.
var alertSampleKeys = []string{
	"phone",
	"wallet_id",
	"from_wallet_id",
	"to_wallet_id",
	"scope",
	"ip",
	"hits",
	"max",
	"target_phone",
}

// AlertConfig configures the security alert dispatcher.
type AlertConfig struct {
	// WebhookURL receives alerts as JSON POSTs. Empty disables alerting.
	WebhookURL string `yaml:"webhook_url"`

	// Thresholds maps an audit action to the count that triggers an alert.
	Thresholds map[string]int `yaml:"thresholds"`

	// Window is the counting window per action (default: 300s, floor 30s)
	Window time.Duration `yaml:"window"`

	// Cooldown is the minimum time between alerts of one action (default: 600s, floor 30s)
	Cooldown time.Duration `yaml:"cooldown"`

	// Timeout bounds each webhook delivery (default: 4s)
	Timeout time.Duration `yaml:"timeout"`

	// Source tags the alert payload (default: "bff")
	Source string `yaml:"source"`
}

// Normalize applies defaults and floors.
func (c AlertConfig) Normalize() AlertConfig {
	if c.Window <= 0 {
		c.Window = DefaultAlertWindow
	}
	if c.Window < MinAlertWindow {
		c.Window = MinAlertWindow
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultAlertCooldown
	}
	if c.Cooldown < MinAlertWindow {
		c.Cooldown = MinAlertWindow
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultAlertTimeout
	}
	if strings.TrimSpace(c.Source) == "" {
		c.Source = DefaultAlertSource
	}
	c.WebhookURL = strings.TrimSpace(c.WebhookURL)
	return c
}

// ParseAlertThresholds parses "action:count,action:count". Valid entries are
// returned even when some entries are invalid; the error lists every rejected one.
func ParseAlertThresholds(raw string) (map[string]int, error) {
	thresholds := make(map[string]int)
	var errs []error
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		action, countStr, ok := strings.Cut(part, ":")
		action = strings.TrimSpace(action)
		if !ok || action == "" {
			errs = append(errs, fmt.Errorf("alert threshold %q: expected action:count", part))
			continue
		}
		count, err := strconv.Atoi(strings.TrimSpace(countStr))
		if err != nil || count <= 0 {
			errs = append(errs, fmt.Errorf("alert threshold %q: count must be a positive integer", part))
			continue
		}
		thresholds[action] = count
	}
	return thresholds, errors.Join(errs...)
}

// alertState is the per-action sliding window plus the time of the last alert.
type alertState struct {
	hits     []time.Time
	lastSent time.Time
}

// AlertPayload is the structured part of an outbound alert.
type AlertPayload struct {
	Source     string         `json:"source"`
	Event      string         `json:"event"`
	Action     string         `json:"action"`
	Count      int            `json:"count"`
	Threshold  int            `json:"threshold"`
	WindowSecs int            `json:"window_secs"`
	Sample     map[string]any `json:"sample"`
	TsMs       int64          `json:"ts_ms"`
}

// AlertMessage is the JSON body posted to the webhook.
type AlertMessage struct {
	Text  string       `json:"text"`
	Alert AlertPayload `json:"alert"`
}

// AlertDispatcher counts audit events per action and posts one webhook alert
// when an action crosses its threshold inside the window, then stays quiet for
// the cooldown. Delivery runs in the background, is never retried and never
// blocks or fails the caller.
type AlertDispatcher struct {
	cfg      AlertConfig
	logger   *slog.Logger
	client   *http.Client
	now      func() time.Time
	throttle *rate.Limiter

	mu     sync.Mutex
	states map[string]*alertState

	inflight sync.WaitGroup

	sent       atomic.Int64
	suppressed atomic.Int64
	failed     atomic.Int64
	throttled  atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
}

// NewAlertDispatcher creates a dispatcher. A nil client gets one with cfg.Timeout.
func NewAlertDispatcher(cfg AlertConfig, client *http.Client, logger *slog.Logger, opts ...Option) *AlertDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.Normalize()
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	o := applyOptions(opts)

	return &AlertDispatcher{
		cfg:      cfg,
		logger:   logger,
		client:   client,
		now:      o.now,
		throttle: rate.NewLimiter(alertDeliveryRate, alertDeliveryBurst),
		states:   make(map[string]*alertState),
		stop:     make(chan struct{}),
	}
}

// Enabled reports whether any alert can ever fire.
func (d *AlertDispatcher) Enabled() bool {
	return d != nil && d.cfg.WebhookURL != "" && len(d.cfg.Thresholds) > 0
}

// MaybeAlert feeds one audit event into the per-action window and dispatches
// an alert if the threshold is reached outside the cooldown.
func (d *AlertDispatcher) MaybeAlert(event Event) {
	if d == nil || d.cfg.WebhookURL == "" {
		return
	}
	threshold := d.cfg.Thresholds[event.Action]
	if threshold <= 0 {
		return
	}

	msg, fire, err := d.evaluate(event, threshold)
	if err != nil {
		d.logger.Debug("Security alert evaluation failed", "action", event.Action, "error", err)
		return
	}
	if !fire {
		return
	}

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		d.deliver(msg)
	}()
}

// evaluate advances the action's state machine: quiet, breaching, cooldown.
func (d *AlertDispatcher) evaluate(event Event, threshold int) (msg AlertMessage, fire bool, err error) {
	defer recoverBookkeeping(&err)

	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	state := d.states[event.Action]
	if state == nil {
		state = &alertState{}
		d.states[event.Action] = state
	}
	state.hits = filterSince(state.hits, now.Add(-d.cfg.Window))
	state.hits = append(state.hits, now)

	count := len(state.hits)
	if count < threshold {
		return AlertMessage{}, false, nil
	}
	if !state.lastSent.IsZero() && now.Sub(state.lastSent) < d.cfg.Cooldown {
		d.suppressed.Add(1)
		return AlertMessage{}, false, nil
	}
	state.lastSent = now

	payload := AlertPayload{
		Source:     d.cfg.Source,
		Event:      ActionSecurityAlertSent,
		Action:     event.Action,
		Count:      count,
		Threshold:  threshold,
		WindowSecs: int(d.cfg.Window / time.Second),
		Sample:     alertSample(event),
		TsMs:       now.UnixMilli(),
	}
	return AlertMessage{
		Text: fmt.Sprintf("[%s] security alert: %s occurred %d times in %ds (threshold %d)",
			payload.Source, payload.Action, payload.Count, payload.WindowSecs, payload.Threshold),
		Alert: payload,
	}, true, nil
}

// alertSample copies the allow-listed fields of event.
func alertSample(event Event) map[string]any {
	sample := make(map[string]any)
	for _, key := range alertSampleKeys {
		var v any
		if key == "phone" && event.Phone != "" {
			v = event.Phone
		} else if extra, ok := event.Extra[key]; ok {
			v = extra
		}
		switch val := v.(type) {
		case nil:
			continue
		case string:
			if val != "" {
				sample[key] = helpers.SafeTruncate(val, maxSampleValueLength)
			}
		case int, int32, int64, uint, uint32, uint64, float32, float64, bool:
			sample[key] = val
		default:
			sample[key] = helpers.SafeTruncate(fmt.Sprint(val), maxSampleValueLength)
		}
	}
	return sample
}

// deliver waits for a delivery slot and posts msg once. Failures are counted
// and logged, never retried.
func (d *AlertDispatcher) deliver(msg AlertMessage) {
	if err := d.awaitSlot(msg.Alert.Action); err != nil {
		d.failed.Add(1)
		d.logger.Warn("Security alert dropped",
			"action", msg.Alert.Action,
			"error", err)
		return
	}
	if err := d.post(msg); err != nil {
		d.failed.Add(1)
		d.logger.Warn("Security alert delivery failed",
			"action", msg.Alert.Action,
			"error", err)
		return
	}
	d.sent.Add(1)
	d.logger.Info("Security alert sent",
		"action", msg.Alert.Action,
		"count", msg.Alert.Count,
		"threshold", msg.Alert.Threshold)
}

// awaitSlot holds the delivery back until the global throttle admits it.
func (d *AlertDispatcher) awaitSlot(action string) error {
	r := d.throttle.Reserve()
	delay := r.Delay()
	if delay == 0 {
		return nil
	}
	if delay > maxAlertDelay {
		r.Cancel()
		return fmt.Errorf("delivery slot is %s away", delay)
	}

	d.throttled.Add(1)
	d.logger.Debug("Security alert delivery delayed", "action", action, "delay", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-d.stop:
		r.Cancel()
		return errors.New("dispatcher stopped")
	}
}

func (d *AlertDispatcher) post(msg AlertMessage) (err error) {
	defer recoverBookkeeping(&err)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post alert: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("alert webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Stop releases deliveries still waiting for a throttle slot; they are
// counted as failed. Deliveries already posting run to completion.
func (d *AlertDispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
}

// Wait blocks until every in-flight delivery finished or ctx is done.
func (d *AlertDispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Actions returns the actions that have alert thresholds, sorted.
func (d *AlertDispatcher) Actions() []string {
	actions := make([]string, 0, len(d.cfg.Thresholds))
	for action := range d.cfg.Thresholds {
		actions = append(actions, action)
	}
	sort.Strings(actions)
	return actions
}

// AlertStats holds delivery counters for monitoring
type AlertStats struct {
	Sent       int64 // Alerts delivered
	Suppressed int64 // Threshold breaches swallowed by the cooldown
	Failed     int64 // Deliveries that errored
	Throttled  int64 // Alerts delayed by the global delivery throttle
}

// GetStats returns the dispatcher's counters.
func (d *AlertDispatcher) GetStats() AlertStats {
	return AlertStats{
		Sent:       d.sent.Load(),
		Suppressed: d.suppressed.Load(),
		Failed:     d.failed.Load(),
		Throttled:  d.throttled.Load(),
	}
}
