package guard

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/bff-guard/instrumentation"
	"github.com/giantswarm/bff-guard/internal/testutil"
	"github.com/giantswarm/bff-guard/security"
)

// newTestGuard builds a guard on a fake clock with instrumentation disabled.
func newTestGuard(t *testing.T, mutate func(*Config)) (*Guard, *testutil.Clock) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Instrumentation.Enabled = false
	if mutate != nil {
		mutate(&cfg)
	}

	clock := testutil.NewClock(time.Time{})
	g, err := New(cfg, slog.New(slog.DiscardHandler),
		security.WithClock(clock.Now),
		security.WithCleanupInterval(0),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = g.Shutdown(ctx)
	})
	return g, clock
}

// setRule replaces the rule of one scope.
func setRule(scope string, limit int, window time.Duration) func(*Config) {
	return func(cfg *Config) {
		cfg.Rules[scope] = security.Rule{Max: limit, Window: window}
	}
}

func scrapeMetrics(t *testing.T, g *Guard) string {
	t.Helper()
	rec := httptest.NewRecorder()
	g.Instrumentation().MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestNew_Defaults(t *testing.T) {
	g, _ := newTestGuard(t, nil)

	cfg := g.Config()
	assert.Equal(t, security.DefaultMaxKeys, cfg.MaxKeys)
	assert.Equal(t, security.DefaultAuditCapacity, cfg.AuditCapacity)
	assert.False(t, g.Alerts().Enabled())

	rule, ok := g.Limiter().Rule(ScopeAuthCodePhone)
	require.True(t, ok)
	assert.Equal(t, 5, rule.Max)
	assert.Equal(t, 5*time.Minute, rule.Window)
}

func TestNew_UnsupportedExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Instrumentation.MetricsExporter = "statsd"

	_, err := New(cfg, slog.New(slog.DiscardHandler))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "instrumentation")
}

func TestGuard_Audit_AddsRequestID(t *testing.T) {
	g, _ := newTestGuard(t, nil)

	ctx := security.WithRequestID(context.Background(), "req-123")
	g.Audit(ctx, "custom_action", "+4917000001", nil)
	g.Audit(context.Background(), "custom_action", "", map[string]any{"k": "v"})

	events := g.Auditor().Recent(0)
	require.Len(t, events, 2)
	assert.Equal(t, "req-123", events[0].Extra["request_id"])
	_, ok := events[1].Get("request_id")
	assert.False(t, ok)
	assert.Equal(t, "v", events[1].Extra["k"])
}

func TestGuard_Audit_LeavesCallerExtrasUntouched(t *testing.T) {
	g, _ := newTestGuard(t, nil)

	shared := map[string]any{"scope": "x"}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx := security.WithRequestID(context.Background(), fmt.Sprintf("req-%d", i))
			g.Audit(ctx, "custom_action", "", shared)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, map[string]any{"scope": "x"}, shared)
	for _, event := range g.Auditor().Recent(0) {
		assert.Equal(t, "x", event.Extra["scope"])
		assert.NotEmpty(t, event.Extra["request_id"])
	}
}

func TestGuard_Metrics(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Instrumentation = instrumentation.Config{Enabled: true, ServiceName: "bff-test"}
	cfg.Rules[ScopeMapsIP] = security.Rule{Max: 1, Window: time.Minute}
	cfg.Guardrails.MaxPerTxnCents = 100

	g, err := New(cfg, slog.New(slog.DiscardHandler), security.WithCleanupInterval(0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Shutdown(context.Background()) })

	ctx := context.Background()
	require.NoError(t, g.CheckMaps(ctx, "203.0.113.7", false))
	require.Error(t, g.CheckMaps(ctx, "203.0.113.7", false))
	require.Error(t, g.CheckPayment(ctx, security.PaymentAttempt{FromWalletID: "w1", AmountCents: 500}))

	release, err := g.AdmitChatWebSocket(ctx, "203.0.113.7", "dev-1")
	require.NoError(t, err)
	defer release()

	body := scrapeMetrics(t, g)
	for _, want := range []string{
		"bff_rate_limit_exceeded",
		`bff_rate_limit_scope="maps_ip"`,
		"bff_guardrail_blocked",
		`bff_guardrail_reason="amount"`,
		"bff_guardrail_check_duration",
		"bff_rate_store_keys",
		`bff_store="maps_ip"`,
		"bff_ws_active",
		"bff_audit_events",
		`bff_audit_action="rate_limit_maps_ip"`,
	} {
		assert.Truef(t, strings.Contains(body, want), "metrics output missing %q", want)
	}
}

func TestGuard_Shutdown(t *testing.T) {
	g, _ := newTestGuard(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, g.Shutdown(ctx))

	// Checks keep failing open after shutdown; only the janitors stop.
	assert.NoError(t, g.CheckDeviceLoginStart(context.Background(), "198.51.100.1"))
}
