// Package telemetry wires OpenTelemetry tracing and metrics for deadlined.
//
// Telemetry is off unless a collector endpoint is configured:
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  protocol: grpc
//	  sample_rate: 0.5
//
// A failure to build a provider never fails a scan. The instance reports
// itself degraded through Health and the global no-op providers are used.
//
// Tests use NewTestTelemetry, which records spans and metrics in memory:
//
//	tt := telemetry.NewTestTelemetry()
//	_, span := tt.Tracer("test").Start(ctx, "pipeline.run")
//	span.End()
//	tt.AssertSpanExists(t, "pipeline.run")
package telemetry
