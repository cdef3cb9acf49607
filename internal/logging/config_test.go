package logging

import (
	"strings"
	"testing"
	"time"

	"github.com/fyrsmithlabs/taskd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, zapcore.InfoLevel, cfg.Level)
	assert.Equal(t, FormatJSON, cfg.Format)
	assert.True(t, cfg.Output.Stdout)
	assert.False(t, cfg.Output.OTEL)

	assert.True(t, cfg.Sampling.Enabled)
	assert.Equal(t, time.Second, cfg.Sampling.Tick.Duration())
	assert.Equal(t, 100, cfg.Sampling.Levels[zapcore.InfoLevel].Initial)
	assert.Equal(t, 10, cfg.Sampling.Levels[zapcore.InfoLevel].Thereafter)
	assert.Equal(t, 1, cfg.Sampling.Levels[TraceLevel].Initial)

	assert.True(t, cfg.Caller.Enabled)
	assert.Equal(t, 1, cfg.Caller.Skip)
	assert.Equal(t, zapcore.ErrorLevel, cfg.Stacktrace.Level)
	assert.Equal(t, "taskd", cfg.Fields["service"])

	assert.True(t, cfg.Redaction.Enabled)
	assert.Contains(t, cfg.Redaction.Fields, "password")
	assert.Contains(t, cfg.Redaction.Fields, "api_key")
	assert.NotEmpty(t, cfg.Redaction.Patterns)

	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:   "console format accepted",
			mutate: func(c *Config) { c.Format = FormatConsole },
		},
		{
			name:    "unknown format",
			mutate:  func(c *Config) { c.Format = "xml" },
			wantErr: "format must be",
		},
		{
			name: "all outputs disabled",
			mutate: func(c *Config) {
				c.Output.Stdout = false
				c.Output.OTEL = false
			},
			wantErr: "at least one log output",
		},
		{
			name: "zero tick with sampling on",
			mutate: func(c *Config) {
				c.Sampling.Enabled = true
				c.Sampling.Tick = config.Duration(0)
			},
			wantErr: "sampling.tick must be positive",
		},
		{
			name: "zero tick tolerated with sampling off",
			mutate: func(c *Config) {
				c.Sampling.Enabled = false
				c.Sampling.Tick = config.Duration(0)
			},
		},
		{
			name:    "negative caller skip",
			mutate:  func(c *Config) { c.Caller.Skip = -1 },
			wantErr: "caller.skip must be >= 0",
		},
		{
			name: "negative skip tolerated with caller off",
			mutate: func(c *Config) {
				c.Caller.Enabled = false
				c.Caller.Skip = -1
			},
		},
		{
			name: "broken redaction pattern",
			mutate: func(c *Config) {
				c.Redaction.Patterns = append(c.Redaction.Patterns, "(")
			},
			wantErr: "invalid redaction pattern",
		},
		{
			name: "oversized redaction pattern",
			mutate: func(c *Config) {
				c.Redaction.Patterns = append(c.Redaction.Patterns, strings.Repeat("a", maxRedactionPattern+1))
			},
			wantErr: "redaction pattern exceeds",
		},
		{
			name: "broken pattern tolerated with redaction off",
			mutate: func(c *Config) {
				c.Redaction.Enabled = false
				c.Redaction.Patterns = []string{"("}
			},
		},
		{
			name: "empty constant field key",
			mutate: func(c *Config) {
				c.Fields[""] = "x"
			},
			wantErr: "empty key",
		},
		{
			name: "empty constant field value",
			mutate: func(c *Config) {
				c.Fields["deployment"] = ""
			},
			wantErr: "has empty value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
