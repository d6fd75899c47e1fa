package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the guard
type Metrics struct {
	// Edge rate limiting
	RateLimitExceeded metric.Int64Counter
	RateStoreKeys     metric.Int64ObservableGauge

	// Payment guardrails
	GuardrailBlocked       metric.Int64Counter
	GuardrailCheckDuration metric.Float64Histogram

	// WebSocket admission
	WSRejected metric.Int64Counter
	WSActive   metric.Int64UpDownCounter

	// Audit and alerting
	AuditEventsTotal metric.Int64Counter
	AlertsTotal      metric.Int64ObservableCounter
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	security := inst.Meter("security")
	ws := inst.Meter("ws")

	var err error
	m.RateLimitExceeded, err = security.Int64Counter(
		"bff.rate_limit.exceeded",
		metric.WithDescription("Number of requests rejected by an edge rate-limit scope"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	m.RateStoreKeys, err = security.Int64ObservableGauge(
		"bff.rate_store.keys",
		metric.WithDescription("Number of keys tracked by a sliding-window store"),
		metric.WithUnit("{key}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_store.keys gauge: %w", err)
	}

	m.GuardrailBlocked, err = security.Int64Counter(
		"bff.guardrail.blocked",
		metric.WithDescription("Number of payments blocked by a guardrail"),
		metric.WithUnit("{payment}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create guardrail.blocked counter: %w", err)
	}

	m.GuardrailCheckDuration, err = security.Float64Histogram(
		"bff.guardrail.check.duration",
		metric.WithDescription("Payment guardrail check duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create guardrail.check.duration histogram: %w", err)
	}

	m.WSRejected, err = ws.Int64Counter(
		"bff.ws.rejected",
		metric.WithDescription("Number of websocket connections refused at admission"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ws.rejected counter: %w", err)
	}

	m.WSActive, err = ws.Int64UpDownCounter(
		"bff.ws.active",
		metric.WithDescription("Number of admitted websocket connections currently open"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ws.active counter: %w", err)
	}

	m.AuditEventsTotal, err = security.Int64Counter(
		"bff.audit.events",
		metric.WithDescription("Number of security audit events recorded"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.events counter: %w", err)
	}

	m.AlertsTotal, err = security.Int64ObservableCounter(
		"bff.alerts",
		metric.WithDescription("Security alerts by outcome"),
		metric.WithUnit("{alert}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create alerts counter: %w", err)
	}

	return m, nil
}

// RecordRateLimitExceeded records a rejection by scope
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, scope string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(AttrRateLimitScope.String(scope)))
}

// RecordGuardrailBlocked records a blocked payment by guardrail reason
func (m *Metrics) RecordGuardrailBlocked(ctx context.Context, reason string) {
	m.GuardrailBlocked.Add(ctx, 1, metric.WithAttributes(AttrGuardrailReason.String(reason)))
}

// RecordGuardrailCheck records how long a guardrail check took
func (m *Metrics) RecordGuardrailCheck(ctx context.Context, durationMs float64, blocked bool) {
	m.GuardrailCheckDuration.Record(ctx, durationMs, metric.WithAttributes(AttrGuardrailBlocked.Bool(blocked)))
}

// RecordWSRejected records a refused websocket. kind is "ip", "device" or "missing_device".
func (m *Metrics) RecordWSRejected(ctx context.Context, socket, kind string) {
	m.WSRejected.Add(ctx, 1, metric.WithAttributes(
		AttrWSSocket.String(socket),
		AttrWSRejectKind.String(kind),
	))
}

// RecordWSOpened records an admitted websocket
func (m *Metrics) RecordWSOpened(ctx context.Context, socket string) {
	m.WSActive.Add(ctx, 1, metric.WithAttributes(AttrWSSocket.String(socket)))
}

// RecordWSClosed records a released websocket
func (m *Metrics) RecordWSClosed(ctx context.Context, socket string) {
	m.WSActive.Add(ctx, -1, metric.WithAttributes(AttrWSSocket.String(socket)))
}

// RecordAuditEvent records an audit event by action
func (m *Metrics) RecordAuditEvent(ctx context.Context, action string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(AttrAuditAction.String(action)))
}
