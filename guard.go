package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/bff-guard/instrumentation"
	"github.com/giantswarm/bff-guard/security"
)

// Websocket names used as metric labels and audit extras
const (
	SocketChat = "chat"
	SocketCall = "call"
)

// Guard is the edge protection facade of the BFF. It owns the rate-limit
// scopes, the payment guardrails, the websocket admission gates and the
// audit/alert pipeline, and records metrics and traces for all of them.
type Guard struct {
	cfg    Config
	logger *slog.Logger

	limiter    *security.Limiter
	guardrails *security.PaymentGuardrails
	auditor    *security.Auditor
	alerts     *security.AlertDispatcher
	chatWS     *security.Admission
	callWS     *security.Admission

	instrumentation *instrumentation.Instrumentation
	metrics         *instrumentation.Metrics
	tracer          trace.Tracer
}

// New creates a guard from cfg. opts are passed to every security component,
// which is how tests inject a clock.
func New(cfg Config, logger *slog.Logger, opts ...security.Option) (*Guard, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.normalize(logger)

	inst, err := instrumentation.New(cfg.Instrumentation)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
	}

	opts = append([]security.Option{security.WithCleanupInterval(cfg.CleanupInterval)}, opts...)

	g := &Guard{
		cfg:             cfg,
		logger:          logger,
		instrumentation: inst,
		metrics:         inst.Metrics(),
		tracer:          inst.Tracer("guard"),
		chatWS:          security.NewAdmission(cfg.ChatWS.MaxActivePerIP, cfg.ChatWS.MaxActivePerDevice),
		callWS:          security.NewAdmission(cfg.CallWS.MaxActivePerIP, cfg.CallWS.MaxActivePerDevice),
	}

	g.auditor = security.NewAuditor(logger, cfg.AuditCapacity, opts...)
	g.auditor.OnRecord(func(e security.Event) {
		g.metrics.RecordAuditEvent(context.Background(), e.Action)
	})

	g.alerts = security.NewAlertDispatcher(cfg.Alerts, nil, logger, opts...)
	if g.alerts.Enabled() {
		g.auditor.SetAlerter(g.alerts)
		logger.Info("Security alerting enabled", "actions", g.alerts.Actions())
	}

	g.limiter = security.NewLimiter(cfg.Rules, cfg.MaxKeys, logger, opts...)
	g.guardrails = security.NewPaymentGuardrails(cfg.Guardrails, cfg.MaxKeys, g.auditor, logger, opts...)

	if err := inst.RegisterStoreSizeCallback(g.storeSizes); err != nil {
		return nil, fmt.Errorf("failed to register store size callback: %w", err)
	}
	if err := inst.RegisterAlertCountsCallback(g.alertCounts); err != nil {
		return nil, fmt.Errorf("failed to register alert callback: %w", err)
	}

	return g, nil
}

func (g *Guard) storeSizes() map[string]int64 {
	sizes := make(map[string]int64)
	for scope, stats := range g.limiter.GetStats() {
		sizes[scope] = int64(stats.CurrentEntries)
	}
	wallets, devices := g.guardrails.GetStats()
	sizes["pay_velocity_wallet"] = int64(wallets.CurrentEntries)
	sizes["pay_velocity_device"] = int64(devices.CurrentEntries)
	return sizes
}

func (g *Guard) alertCounts() map[string]int64 {
	stats := g.alerts.GetStats()
	return map[string]int64{
		"sent":       stats.Sent,
		"suppressed": stats.Suppressed,
		"failed":     stats.Failed,
		"throttled":  stats.Throttled,
	}
}

// Audit records a security event. The request id carried by ctx, if any, is
// added to the extras.
// The caller's map is never modified.
func (g *Guard) Audit(ctx context.Context, action, phone string, extra map[string]any) {
	if requestID := security.GetRequestID(ctx); requestID != "" {
		withID := make(map[string]any, len(extra)+1)
		maps.Copy(withID, extra)
		withID["request_id"] = requestID
		extra = withID
	}
	g.auditor.Record(action, phone, extra)
}

// Config returns the normalized configuration.
func (g *Guard) Config() Config {
	return g.cfg
}

// Auditor returns the audit ring buffer.
func (g *Guard) Auditor() *security.Auditor {
	return g.auditor
}

// Limiter returns the rate limiter.
func (g *Guard) Limiter() *security.Limiter {
	return g.limiter
}

// Guardrails returns the payment guardrail engine.
func (g *Guard) Guardrails() *security.PaymentGuardrails {
	return g.guardrails
}

// Alerts returns the security alert dispatcher.
func (g *Guard) Alerts() *security.AlertDispatcher {
	return g.alerts
}

// Instrumentation returns the metrics and tracing providers.
func (g *Guard) Instrumentation() *instrumentation.Instrumentation {
	return g.instrumentation
}

// Shutdown stops the store janitors, waits for in-flight alert deliveries
// (dropping those still held by the throttle once ctx is done) and flushes
// instrumentation.
func (g *Guard) Shutdown(ctx context.Context) error {
	g.limiter.Stop()
	g.guardrails.Stop()

	var errs []error
	if err := g.alerts.Wait(ctx); err != nil {
		g.alerts.Stop()
		errs = append(errs, fmt.Errorf("waiting for security alerts: %w", err))
	}
	if err := g.instrumentation.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("instrumentation shutdown: %w", err))
	}
	return errors.Join(errs...)
}
