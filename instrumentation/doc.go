// Package instrumentation provides OpenTelemetry metrics and tracing for the
// token acquisition pipeline.
//
// When disabled (the default), all instruments are no-ops with zero
// overhead, so the library can always record through the same code path.
// Applications that want real telemetry pass their own providers via Config.
package instrumentation
