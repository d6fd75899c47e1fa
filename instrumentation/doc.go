// Package instrumentation provides OpenTelemetry metrics and tracing for the guard.
//
// Metrics are exported in Prometheus format from a private registry:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:     "bff",
//		ServiceVersion:  "1.4.0",
//		Enabled:         true,
//		MetricsExporter: "prometheus",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	mux.Handle("/metrics", inst.MetricsHandler())
//
// # Metrics
//
//   - bff.rate_limit.exceeded{scope}: edge rate-limit rejections
//   - bff.rate_store.keys{store}: keys held by each sliding-window store
//   - bff.guardrail.blocked{reason}: payments blocked (amount, wallet_velocity, device_velocity)
//   - bff.guardrail.check.duration: guardrail check latency in milliseconds
//   - bff.ws.rejected{socket,kind}: websocket admissions refused
//   - bff.ws.active{socket}: admitted websockets currently open
//   - bff.audit.events{action}: security audit events recorded
//   - bff.alerts{outcome}: security alerts sent, suppressed, failed or throttled
//
// Store sizes and alert outcomes are observed through callbacks registered with
// RegisterStoreSizeCallback and RegisterAlertCountsCallback.
//
// # Tracing
//
// Payment guardrail checks run inside a "guardrail.check" span carrying the
// wallet id, device id, amount and outcome. Phone numbers are never attached.
//
// With Enabled false every provider is a no-op and recording costs nothing.
package instrumentation
