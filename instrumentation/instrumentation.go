package instrumentation

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceName is used when no service name is provided
	DefaultServiceName = "bff-guard"

	// DefaultServiceVersion is the default service version used when none is provided
	DefaultServiceVersion = "unknown"

	// MetricsExporterPrometheus exposes metrics through MetricsHandler
	MetricsExporterPrometheus = "prometheus"

	// MetricsExporterNone records metrics in-process without exporting them
	MetricsExporterNone = "none"

	instrumentationPrefix = "github.com/giantswarm/bff-guard/"
)

// Config holds instrumentation configuration
type Config struct {
	// ServiceName is the name of the service (e.g., "bff", "edge-proxy")
	ServiceName string `yaml:"service_name"`

	// ServiceVersion is the version of the service
	ServiceVersion string `yaml:"service_version"`

	// Enabled controls whether instrumentation is active.
	// When false, no-op providers are used (zero overhead).
	Enabled bool `yaml:"enabled"`

	// MetricsExporter selects the metrics exporter: "prometheus" or "none".
	// Empty defaults to "prometheus".
	MetricsExporter string `yaml:"metrics_exporter"`

	// SpanExporter receives finished spans. If nil, spans are sampled and
	// dropped, which still propagates trace context to downstream services.
	SpanExporter sdktrace.SpanExporter `yaml:"-"`

	// Resource allows custom resource attributes.
	// If nil, a resource with service name and version is created.
	Resource *resource.Resource `yaml:"-"`
}

// Instrumentation provides OpenTelemetry instrumentation components
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	registry       *prometheus.Registry

	metrics *Metrics

	// Shutdown functions (must be registered during New() only, not thread-safe after initialization)
	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates a new instrumentation instance
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}
	config.MetricsExporter = strings.ToLower(strings.TrimSpace(config.MetricsExporter))
	if config.MetricsExporter == "" {
		config.MetricsExporter = MetricsExporterPrometheus
	}

	var res *resource.Resource
	var err error
	if config.Resource != nil {
		res = config.Resource
	} else {
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:   config,
		resource: res,
	}

	if config.Enabled {
		if err := inst.initializeProviders(); err != nil {
			return nil, fmt.Errorf("failed to initialize providers: %w", err)
		}
	} else {
		inst.meterProvider = noop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

// initializeProviders builds the SDK meter and tracer providers.
// Prometheus metrics go to a private registry served by MetricsHandler.
func (i *Instrumentation) initializeProviders() error {
	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(i.resource)}

	switch i.config.MetricsExporter {
	case MetricsExporterPrometheus:
		i.registry = prometheus.NewRegistry()
		exporter, err := otelprom.New(otelprom.WithRegisterer(i.registry))
		if err != nil {
			return fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		meterOpts = append(meterOpts, sdkmetric.WithReader(exporter))
	case MetricsExporterNone:
	default:
		return fmt.Errorf("unsupported metrics exporter %q", i.config.MetricsExporter)
	}

	mp := sdkmetric.NewMeterProvider(meterOpts...)
	i.meterProvider = mp
	i.shutdownFuncs = append(i.shutdownFuncs, mp.Shutdown)

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(i.resource)}
	if i.config.SpanExporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithSyncer(i.config.SpanExporter))
	}
	tp := sdktrace.NewTracerProvider(traceOpts...)
	i.tracerProvider = tp
	i.shutdownFuncs = append(i.shutdownFuncs, tp.Shutdown)

	return nil
}

// Shutdown gracefully shuts down all instrumentation providers
// This should be called when the application is terminating
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error

	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil {
				// Capture first error, but continue shutting down other components
				if shutdownErr == nil {
					shutdownErr = err
				}
			}
		}
	})

	return shutdownErr
}

// Meter returns a named meter for the given scope ("security", "http", "ws").
// The full name will be "github.com/giantswarm/bff-guard/{scope}".
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(instrumentationPrefix + scope)
}

// Tracer returns a named tracer for the given scope.
// The full name will be "github.com/giantswarm/bff-guard/{scope}".
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(instrumentationPrefix + scope)
}

// Metrics returns the metrics holder for recording metric values
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// TracerProvider returns the underlying tracer provider
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// MeterProvider returns the underlying meter provider
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// MetricsHandler serves the Prometheus scrape endpoint. Without a Prometheus
// exporter it answers 404.
func (i *Instrumentation) MetricsHandler() http.Handler {
	if i.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(i.registry, promhttp.HandlerOpts{})
}

// StoreSizeCallback returns the current key count per store name
type StoreSizeCallback func() map[string]int64

// AlertCountsCallback returns cumulative alert counts per outcome
// ("sent", "suppressed", "failed", "throttled")
type AlertCountsCallback func() map[string]int64

// RegisterStoreSizeCallback reports every window store's key count as the
// bff.rate_store.keys gauge, labelled by store.
func (i *Instrumentation) RegisterStoreSizeCallback(cb StoreSizeCallback) error {
	if i.meterProvider == nil {
		return fmt.Errorf("meter provider not initialized")
	}
	if cb == nil {
		return nil
	}

	_, err := i.Meter("security").RegisterCallback(
		func(_ context.Context, observer metric.Observer) error {
			for store, size := range cb() {
				observer.ObserveInt64(i.metrics.RateStoreKeys, size,
					metric.WithAttributes(AttrStoreName.String(store)))
			}
			return nil
		},
		i.metrics.RateStoreKeys,
	)
	return err
}

// RegisterAlertCountsCallback reports the alert dispatcher's counters as the
// bff.alerts counter, labelled by outcome.
func (i *Instrumentation) RegisterAlertCountsCallback(cb AlertCountsCallback) error {
	if i.meterProvider == nil {
		return fmt.Errorf("meter provider not initialized")
	}
	if cb == nil {
		return nil
	}

	_, err := i.Meter("security").RegisterCallback(
		func(_ context.Context, observer metric.Observer) error {
			for outcome, count := range cb() {
				observer.ObserveInt64(i.metrics.AlertsTotal, count,
					metric.WithAttributes(AttrAlertOutcome.String(outcome)))
			}
			return nil
		},
		i.metrics.AlertsTotal,
	)
	return err
}
