package logging

import (
	"fmt"
	"regexp"
	"time"

	"github.com/fyrsmithlabs/taskd/internal/config"
	"go.uber.org/zap/zapcore"
)

// Log output formats.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// maxRedactionPattern caps user-supplied redaction regexes. Patterns run
// against every string field of every entry, so a runaway expression
// would tax the hot path.
const maxRedactionPattern = 1000

// Config holds the logging section of the daemon config.
type Config struct {
	Level      zapcore.Level     `koanf:"level"`
	Format     string            `koanf:"format"`
	Output     OutputConfig      `koanf:"output"`
	Sampling   SamplingConfig    `koanf:"sampling"`
	Caller     CallerConfig      `koanf:"caller"`
	Stacktrace StacktraceConfig  `koanf:"stacktrace"`
	Fields     map[string]string `koanf:"fields"`
	Redaction  RedactionConfig   `koanf:"redaction"`
}

// OutputConfig selects log sinks. Stdout is the JSON/console stream;
// OTEL forwards entries to the collector through the zap bridge.
type OutputConfig struct {
	Stdout bool `koanf:"stdout"`
	OTEL   bool `koanf:"otel"`
}

// SamplingConfig rate-limits repetitive low-severity entries.
type SamplingConfig struct {
	Enabled bool                                  `koanf:"enabled"`
	Tick    config.Duration                       `koanf:"tick"`
	Levels  map[zapcore.Level]LevelSamplingConfig `koanf:"levels"`
}

// LevelSamplingConfig keeps Initial entries per tick, then one in every
// Thereafter.
type LevelSamplingConfig struct {
	Initial    int `koanf:"initial"`
	Thereafter int `koanf:"thereafter"`
}

// CallerConfig controls caller annotation.
type CallerConfig struct {
	Enabled bool `koanf:"enabled"`
	Skip    int  `koanf:"skip"`
}

// StacktraceConfig sets the level at which stacktraces attach.
type StacktraceConfig struct {
	Level zapcore.Level `koanf:"level"`
}

// RedactionConfig masks sensitive fields before they reach any sink.
// Fields are matched by name, Patterns against string values.
type RedactionConfig struct {
	Enabled  bool     `koanf:"enabled"`
	Fields   []string `koanf:"fields"`
	Patterns []string `koanf:"patterns"`
}

// NewDefaultConfig returns production defaults: JSON to stdout, sampling
// on, redaction on.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: FormatJSON,
		Output: OutputConfig{
			Stdout: true,
			OTEL:   false,
		},
		Sampling: SamplingConfig{
			Enabled: true,
			Tick:    config.Duration(time.Second),
			Levels: map[zapcore.Level]LevelSamplingConfig{
				TraceLevel:         {Initial: 1, Thereafter: 0},
				zapcore.DebugLevel: {Initial: 10, Thereafter: 0},
				zapcore.InfoLevel:  {Initial: 100, Thereafter: 10},
				zapcore.WarnLevel:  {Initial: 100, Thereafter: 100},
			},
		},
		Caller: CallerConfig{
			Enabled: true,
			Skip:    1,
		},
		Stacktrace: StacktraceConfig{
			Level: zapcore.ErrorLevel,
		},
		Fields: map[string]string{
			"service": "taskd",
		},
		Redaction: RedactionConfig{
			Enabled: true,
			Fields: []string{
				"password", "secret", "token", "api_key",
				"authorization", "bearer", "credential", "private_key",
			},
			Patterns: []string{
				`(?i)bearer\s+\S+`,
				`(?i)api[_-]?key[=:]\s*\S+`,
			},
		},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.Format {
	case FormatJSON, FormatConsole:
	default:
		return fmt.Errorf("format must be %q or %q, got %q", FormatJSON, FormatConsole, c.Format)
	}

	if !c.Output.Stdout && !c.Output.OTEL {
		return fmt.Errorf("at least one log output must be enabled")
	}

	if c.Sampling.Enabled && c.Sampling.Tick.Duration() <= 0 {
		return fmt.Errorf("sampling.tick must be positive when sampling is enabled")
	}

	if c.Caller.Enabled && c.Caller.Skip < 0 {
		return fmt.Errorf("caller.skip must be >= 0, got %d", c.Caller.Skip)
	}

	if c.Redaction.Enabled {
		for _, p := range c.Redaction.Patterns {
			if len(p) > maxRedactionPattern {
				return fmt.Errorf("redaction pattern exceeds %d chars: %q", maxRedactionPattern, p)
			}
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("invalid redaction pattern %q: %w", p, err)
			}
		}
	}

	for k, v := range c.Fields {
		if k == "" {
			return fmt.Errorf("constant field with empty key")
		}
		if v == "" {
			return fmt.Errorf("constant field %q has empty value", k)
		}
	}

	return nil
}
