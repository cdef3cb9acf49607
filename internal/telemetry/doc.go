// Package telemetry wires taskd to an OpenTelemetry collector.
//
// The daemon builds one Telemetry at startup and registers its providers
// with the otel globals; instrumented packages never see this package and
// simply call otel.Tracer / otel.Meter with their scope name:
//
//	cfg := telemetry.NewDefaultConfig()
//	cfg.Enabled = true
//	tel, err := telemetry.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
// Export rides OTLP over gRPC by default; set protocol to "http/protobuf"
// for collectors behind an HTTPS ingress. Insecure transport is refused
// for anything that is not a loopback endpoint, since span attributes and
// log records can carry session transcript fragments.
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  sampling:
//	    rate: 1.0
//	  metrics:
//	    export_interval: "15s"
//
// A collector outage never stops the daemon: exporters are constructed
// lazily, failed signals are skipped and reported through Degraded, and
// the accessors fall back to no-op providers.
//
// Tests use NewTestTelemetry, which records spans in memory and exposes
// metrics through a manual reader:
//
//	tt := telemetry.NewTestTelemetry()
//	_, span := tt.Tracer("test").Start(ctx, "step")
//	span.End()
//	tt.RequireSpan(t, "step")
package telemetry
