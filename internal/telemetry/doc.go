// Package telemetry wires optional OpenTelemetry tracing and metrics for
// storygate.
//
// Components obtain tracers and meters through the global otel API
// (otel.Tracer / otel.Meter). When telemetry is disabled those resolve to
// no-op implementations; New installs SDK providers with OTLP exporters when
// it is enabled:
//
//	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version))
//	defer tel.Shutdown(ctx)
//
// Tests use NewTestTelemetry for in-memory span and metric capture.
package telemetry
