package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewResource(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.ServiceName = "taskd-test"
	cfg.ServiceVersion = "9.9.9"

	res := newResource(cfg)
	require.NotNil(t, res)

	got := map[string]string{}
	for _, attr := range res.Attributes() {
		got[string(attr.Key)] = attr.Value.AsString()
	}
	assert.Equal(t, "taskd-test", got["service.name"])
	assert.Equal(t, "9.9.9", got["service.version"])
}

func TestRootSampler(t *testing.T) {
	tests := []struct {
		name string
		rate float64
		desc string
	}{
		{"full rate keeps everything", 1.0, "AlwaysOnSampler"},
		{"above one clamps to always", 1.5, "AlwaysOnSampler"},
		{"zero drops everything", 0, "AlwaysOffSampler"},
		{"negative clamps to never", -0.5, "AlwaysOffSampler"},
		{"fraction becomes ratio sampler", 0.25, "TraceIDRatioBased"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, rootSampler(tt.rate).Description(), tt.desc)
		})
	}
}

// Exporter construction is lazy, so building against an endpoint with no
// collector behind it must not fail.
func TestNewTraceExporter(t *testing.T) {
	for _, protocol := range []string{ProtocolGRPC, ProtocolHTTP} {
		t.Run(protocol, func(t *testing.T) {
			cfg := NewDefaultConfig()
			cfg.Enabled = true
			cfg.Protocol = protocol

			exp, err := newTraceExporter(context.Background(), cfg)
			require.NoError(t, err)
			require.NotNil(t, exp)
			_ = exp.Shutdown(context.Background())
		})
	}
}

func TestNewMetricExporter(t *testing.T) {
	for _, protocol := range []string{ProtocolGRPC, ProtocolHTTP} {
		t.Run(protocol, func(t *testing.T) {
			cfg := NewDefaultConfig()
			cfg.Enabled = true
			cfg.Protocol = protocol

			exp, err := newMetricExporter(context.Background(), cfg)
			require.NoError(t, err)
			require.NotNil(t, exp)
			_ = exp.Shutdown(context.Background())
		})
	}
}

func TestNewMeterProvider_MetricsDisabled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.Metrics.Enabled = false

	mp, err := newMeterProvider(context.Background(), cfg, newResource(cfg))
	require.NoError(t, err)
	assert.Nil(t, mp)
}

func TestSkipVerifyTLS(t *testing.T) {
	cfg := NewDefaultConfig()
	assert.Nil(t, skipVerifyTLS(cfg))

	cfg.TLSSkipVerify = true
	tc := skipVerifyTLS(cfg)
	require.NotNil(t, tc)
	assert.True(t, tc.InsecureSkipVerify)
}

func TestHostPort(t *testing.T) {
	assert.Equal(t, "collector:4318", hostPort("https://collector:4318"))
	assert.Equal(t, "collector:4318", hostPort("http://collector:4318"))
	assert.Equal(t, "collector:4318", hostPort("collector:4318"))
}
