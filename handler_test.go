package guard

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/bff-guard/internal/testutil"
	"github.com/giantswarm/bff-guard/security"
)

func setupTestHandler(t *testing.T, mutate func(*Config)) (*Handler, *Guard) {
	t.Helper()
	g, _ := newTestGuard(t, mutate)
	return NewHandler(g, slog.New(slog.DiscardHandler)), g
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestNewHandler(t *testing.T) {
	g, _ := newTestGuard(t, nil)
	h := NewHandler(g, nil)
	if h.logger == nil {
		t.Error("logger should not be nil")
	}
}

func TestHandler_Limit(t *testing.T) {
	h, g := setupTestHandler(t, setRule(ScopeMapsIP, 1, 90*time.Second))

	mw := h.Limit(func(r *http.Request) error {
		return g.CheckMaps(r.Context(), g.ClientIP(r), false)
	})(okHandler)

	req := testutil.NewHTTPRequest(http.MethodGet, "/maps/geocode").WithRemoteAddr("203.0.113.9:5555")

	rec := req.Do(mw)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = req.Do(mw)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "90", rec.Header().Get("Retry-After"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	body := decodeErrorBody(t, rec)
	assert.Equal(t, ErrorCodeRateLimited, body["error"])
	assert.Equal(t, "rate limit exceeded", body["detail"])

	// A different client is not affected
	rec = testutil.NewHTTPRequest(http.MethodGet, "/maps/geocode").WithRemoteAddr("203.0.113.10:5555").Do(mw)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_Limit_PassesBodyThrough(t *testing.T) {
	h, g := setupTestHandler(t, nil)

	var got string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = string(b)
		w.WriteHeader(http.StatusAccepted)
	})
	mw := h.Limit(func(r *http.Request) error {
		return g.CheckPayments(r.Context(), PaymentsWrite, "+491700000001", "w-1", g.ClientIP(r))
	})(next)

	rec := testutil.NewHTTPRequest(http.MethodPost, "/payments/transfer").
		WithRemoteAddr("203.0.113.9:5555").
		WithBody(`{"amount_cents":500}`).
		Do(mw)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, `{"amount_cents":500}`, got)
}

func TestHandler_Limit_TrustProxy(t *testing.T) {
	h, g := setupTestHandler(t, func(cfg *Config) {
		cfg.Rules[ScopeDeviceLoginStartIP] = security.Rule{Max: 1, Window: time.Minute}
		cfg.TrustProxy = true
		cfg.TrustedProxyCount = 1
	})

	mw := h.Limit(func(r *http.Request) error {
		return g.CheckDeviceLoginStart(r.Context(), g.ClientIP(r))
	})(okHandler)

	send := func(xff string) int {
		return testutil.NewHTTPRequest(http.MethodPost, "/device-login/start").
			WithRemoteAddr("10.0.0.1:443").
			WithHeader("X-Forwarded-For", xff).
			Do(mw).Code
	}

	assert.Equal(t, http.StatusOK, send("198.51.100.7, 10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, send("198.51.100.7, 10.0.0.1"))
	assert.Equal(t, http.StatusOK, send("198.51.100.8, 10.0.0.1"))
}

func TestHandler_RequestIDReachesAudit(t *testing.T) {
	h, g := setupTestHandler(t, setRule(ScopeMapsIP, 1, time.Minute))

	handler := h.RequestID(h.Limit(func(r *http.Request) error {
		return g.CheckMaps(r.Context(), g.ClientIP(r), false)
	})(okHandler))

	req := testutil.NewHTTPRequest(http.MethodGet, "/maps").
		WithRemoteAddr("203.0.113.9:5555").
		WithHeader(security.RequestIDHeader, "upstream-id-1")
	req.Do(handler)
	rec := req.Do(handler)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "upstream-id-1", rec.Header().Get(security.RequestIDHeader))

	events := g.Auditor().Recent(0)
	require.Len(t, events, 1)
	assert.Equal(t, "upstream-id-1", events[0].Extra["request_id"])
}

func TestHandler_WebSocket(t *testing.T) {
	h, g := setupTestHandler(t, nil)

	var during int
	upgrade := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, during = g.ActiveWebSockets(SocketChat, g.ClientIP(r), "dev-1")
		w.WriteHeader(http.StatusSwitchingProtocols)
	})
	handler := h.WebSocket(h.ChatWebSocket, upgrade)

	t.Run("missing device", func(t *testing.T) {
		rec := testutil.NewHTTPRequest(http.MethodGet, "/ws/chat").WithRemoteAddr("203.0.113.9:1").Do(handler)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, ErrorCodeMissingDeviceID, decodeErrorBody(t, rec)["error"])
	})

	t.Run("device from query", func(t *testing.T) {
		rec := testutil.NewHTTPRequest(http.MethodGet, "/ws/chat?device_id=dev-1").WithRemoteAddr("203.0.113.9:1").Do(handler)
		assert.Equal(t, http.StatusSwitchingProtocols, rec.Code)
		assert.Equal(t, 1, during)

		_, after := g.ActiveWebSockets(SocketChat, "203.0.113.9", "dev-1")
		assert.Zero(t, after, "admission must be released when the socket handler returns")
	})

	t.Run("device from header", func(t *testing.T) {
		rec := testutil.NewHTTPRequest(http.MethodGet, "/ws/chat").
			WithRemoteAddr("203.0.113.9:1").
			WithHeader(DeviceIDHeader, "dev-1").
			Do(handler)
		assert.Equal(t, http.StatusSwitchingProtocols, rec.Code)
	})
}

func TestHandler_ServeAuditEvents(t *testing.T) {
	h, g := setupTestHandler(t, nil)
	for i := 0; i < 5; i++ {
		g.Audit(t.Context(), fmt.Sprintf("action_%d", i), "", nil)
	}

	tests := []struct {
		name      string
		url       string
		wantCount int
		wantFirst string
	}{
		{name: "default limit", url: "/admin/audit", wantCount: 5, wantFirst: "action_0"},
		{name: "explicit limit", url: "/admin/audit?limit=2", wantCount: 2, wantFirst: "action_3"},
		{name: "invalid limit", url: "/admin/audit?limit=abc", wantCount: 5, wantFirst: "action_0"},
		{name: "negative limit", url: "/admin/audit?limit=-3", wantCount: 5, wantFirst: "action_0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := testutil.NewHTTPRequest(http.MethodGet, tt.url).Do(http.HandlerFunc(h.ServeAuditEvents))
			require.Equal(t, http.StatusOK, rec.Code)

			var resp struct {
				Events []map[string]any `json:"events"`
				Count  int              `json:"count"`
			}
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.wantCount, resp.Count)
			require.Len(t, resp.Events, tt.wantCount)
			assert.Equal(t, tt.wantFirst, resp.Events[0]["action"])
			assert.Equal(t, "audit", resp.Events[0]["event"])
		})
	}
}

func TestHandler_ServeAuditEvents_MethodNotAllowed(t *testing.T) {
	h, _ := setupTestHandler(t, nil)

	rec := testutil.NewHTTPRequest(http.MethodPost, "/admin/audit").Do(http.HandlerFunc(h.ServeAuditEvents))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodGet, rec.Header().Get("Allow"))
}

func TestHandler_ServeGuardrailEvents(t *testing.T) {
	h, g := setupTestHandler(t, func(cfg *Config) {
		cfg.Guardrails.MaxPerTxnCents = 100
	})
	ctx := t.Context()

	g.Audit(ctx, "rate_limit_maps_ip", "", nil)
	require.Error(t, g.CheckPayment(ctx, security.PaymentAttempt{FromWalletID: "w1", AmountCents: 101}))
	g.Audit(ctx, security.ActionWSConnectionCap, "", nil)

	rec := testutil.NewHTTPRequest(http.MethodGet, "/admin/guardrails").Do(http.HandlerFunc(h.ServeGuardrailEvents))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Events []map[string]any `json:"events"`
		Count  int              `json:"count"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, security.ActionPayAmountGuardrail, resp.Events[0]["action"])
	assert.EqualValues(t, 101, resp.Events[0]["amount_cents"])
}

func TestParseEventsLimit(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{"", DefaultEventsLimit},
		{"0", DefaultEventsLimit},
		{"1", 1},
		{" 50 ", 50},
		{"2000", MaxEventsLimit},
		{"999999", MaxEventsLimit},
		{"1e3", DefaultEventsLimit},
	}
	for _, tt := range tests {
		if got := parseEventsLimit(tt.raw); got != tt.want {
			t.Errorf("parseEventsLimit(%q) = %d, want %d", tt.raw, got, tt.want)
		}
	}
}

func TestWriteError(t *testing.T) {
	t.Run("guard error without retry hint", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteError(rec, ErrWalletMismatch())
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Empty(t, rec.Header().Get("Retry-After"))
		assert.Equal(t, ErrorCodeWalletMismatch, decodeErrorBody(t, rec)["error"])
	})

	t.Run("wrapped guard error", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteError(rec, fmt.Errorf("proxy: %w", ErrRateLimited(ScopeMapsIP, 1500*time.Millisecond)))
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	})

	t.Run("unknown error", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteError(rec, errors.New("boom"))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		body := decodeErrorBody(t, rec)
		assert.Equal(t, "server_error", body["error"])
		assert.NotContains(t, body["detail"], "boom")
	})
}
