package logging

import (
	"fmt"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap/zapcore"
)

// buildCore assembles the output stack: a redacting stdout core, an
// optional OTel bridge core, and the sampling wrapper around the lot.
func buildCore(cfg *Config, provider log.LoggerProvider) (zapcore.Core, error) {
	var cores []zapcore.Core

	if cfg.Output.Stdout {
		enc, err := newRedactingEncoder(newEncoder(cfg.Format), cfg.Redaction)
		if err != nil {
			return nil, fmt.Errorf("building redacting encoder: %w", err)
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.Lock(os.Stdout), cfg.Level))
	}

	// The bridge ships entries to the collector alongside stdout. It only
	// attaches when the daemon actually wired a log provider.
	if cfg.Output.OTEL && provider != nil {
		cores = append(cores, otelzap.NewCore("github.com/fyrsmithlabs/taskd",
			otelzap.WithLoggerProvider(provider)))
	}

	switch len(cores) {
	case 0:
		return nil, fmt.Errorf("no log output available")
	case 1:
		return sampled(cores[0], cfg.Sampling), nil
	default:
		return sampled(zapcore.NewTee(cores...), cfg.Sampling), nil
	}
}
