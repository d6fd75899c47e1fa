package instrumentation

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:   "disabled",
			config: Config{Enabled: false},
		},
		{
			name: "prometheus exporter",
			config: Config{
				Enabled:         true,
				ServiceName:     "test-service",
				ServiceVersion:  "1.0.0",
				MetricsExporter: "prometheus",
			},
		},
		{
			name:   "empty exporter defaults to prometheus",
			config: Config{Enabled: true},
		},
		{
			name:   "no exporter",
			config: Config{Enabled: true, MetricsExporter: " None "},
		},
		{
			name:    "unsupported exporter",
			config:  Config{Enabled: true, MetricsExporter: "statsd"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := New(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			defer func() { _ = inst.Shutdown(context.Background()) }()

			if inst.Meter("security") == nil {
				t.Error("Meter('security') returned nil")
			}
			if inst.Tracer("security") == nil {
				t.Error("Tracer('security') returned nil")
			}
			if inst.Metrics() == nil {
				t.Error("Metrics() returned nil")
			}
			if inst.TracerProvider() == nil {
				t.Error("TracerProvider() returned nil")
			}
			if inst.MeterProvider() == nil {
				t.Error("MeterProvider() returned nil")
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if inst.config.ServiceName != DefaultServiceName {
		t.Errorf("ServiceName = %q, want %q", inst.config.ServiceName, DefaultServiceName)
	}
	if inst.config.ServiceVersion != DefaultServiceVersion {
		t.Errorf("ServiceVersion = %q, want %q", inst.config.ServiceVersion, DefaultServiceVersion)
	}
	if inst.config.MetricsExporter != MetricsExporterPrometheus {
		t.Errorf("MetricsExporter = %q, want %q", inst.config.MetricsExporter, MetricsExporterPrometheus)
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("Second Shutdown() error = %v", err)
	}
}

func scrape(t *testing.T, inst *Instrumentation) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	inst.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("failed to read metrics body: %v", err)
	}
	return rec.Code, string(body)
}

func TestMetricsHandler_Prometheus(t *testing.T) {
	inst, err := New(Config{Enabled: true, ServiceName: "bff-test"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	inst.Metrics().RecordRateLimitExceeded(ctx, "maps_ip")
	inst.Metrics().RecordGuardrailBlocked(ctx, "amount")

	err = inst.RegisterStoreSizeCallback(func() map[string]int64 {
		return map[string]int64{"pay_velocity_wallet": 7}
	})
	if err != nil {
		t.Fatalf("RegisterStoreSizeCallback() error = %v", err)
	}
	err = inst.RegisterAlertCountsCallback(func() map[string]int64 {
		return map[string]int64{"sent": 2, "failed": 1}
	})
	if err != nil {
		t.Fatalf("RegisterAlertCountsCallback() error = %v", err)
	}

	code, body := scrape(t, inst)
	if code != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", code)
	}
	for _, want := range []string{
		"bff_rate_limit_exceeded",
		`bff_rate_limit_scope="maps_ip"`,
		"bff_guardrail_blocked",
		"bff_rate_store_keys",
		`bff_store="pay_velocity_wallet"`,
		"bff_alerts",
		`bff_alert_outcome="sent"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestMetricsHandler_WithoutPrometheus(t *testing.T) {
	for _, cfg := range []Config{{Enabled: false}, {Enabled: true, MetricsExporter: MetricsExporterNone}} {
		inst, err := New(cfg)
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if code, _ := scrape(t, inst); code != http.StatusNotFound {
			t.Errorf("metrics status = %d, want 404", code)
		}
		_ = inst.Shutdown(context.Background())
	}
}

func TestRegisterCallbacks_NilIsNoOp(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	if err := inst.RegisterStoreSizeCallback(nil); err != nil {
		t.Errorf("RegisterStoreSizeCallback(nil) error = %v", err)
	}
	if err := inst.RegisterAlertCountsCallback(nil); err != nil {
		t.Errorf("RegisterAlertCountsCallback(nil) error = %v", err)
	}
}

func TestConcurrentRecording(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := context.Background()
			for j := 0; j < 100; j++ {
				inst.Metrics().RecordAuditEvent(ctx, "rate_limit_maps_ip")
				inst.Metrics().RecordWSOpened(ctx, "chat")
				inst.Metrics().RecordWSClosed(ctx, "chat")
				_, span := inst.Tracer("security").Start(ctx, "concurrent-span")
				span.End()
			}
		}()
	}
	wg.Wait()
}
