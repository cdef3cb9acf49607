package monitor

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatRate(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want string
	}{
		{"fractional", 12.5, "12.5 ev/min"},
		{"idle", 0.0, "0.0 ev/min"},
		{"busy", 360.0, "360.0 ev/min"},
		{"rounds_down", 0.04, "0.0 ev/min"},
		{"negative_passthrough", -2.5, "-2.5 ev/min"},
		{"not_a_number", math.NaN(), "NaN ev/min"},
		{"infinite", math.Inf(1), "+Inf ev/min"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatRate(tt.in))
		})
	}
}

func TestFormatLatency(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want string
	}{
		{"fast", 0.042, "42.0ms"},
		{"sub_millisecond", 0.0007, "0.7ms"},
		{"three_quarters", 0.75, "750.0ms"},
		{"exactly_one_second", 1.0, "1.0s"},
		{"slow", 2.34, "2.3s"},
		{"handshake_timeout", 45.678, "45.7s"},
		{"negative_passthrough", -0.25, "-250.0ms"},
		{"infinite", math.Inf(1), "+Infs"},
		// NaN fails the >= 1.0 comparison, so it lands in the millisecond branch.
		{"not_a_number", math.NaN(), "NaNms"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatLatency(tt.in))
		})
	}
}

func TestFormatPercentage(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want string
	}{
		{"half", 0.5, "50.0%"},
		{"none", 0.0, "0.0%"},
		{"all", 1.0, "100.0%"},
		{"third", 0.333, "33.3%"},
		{"tiny", 0.0004, "0.0%"},
		{"overshoot", 1.25, "125.0%"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatPercentage(tt.in))
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name    string
		seconds int64
		want    string
	}{
		{"hour_plus", 3900, "1h 5m"},
		{"two_hours", 7260, "2h 1m"},
		{"long_run", 45000, "12h 30m"},
		{"minutes_only", 300, "5m"},
		{"drops_leftover_seconds", 61, "1m"},
		{"under_a_minute", 59, "59s"},
		{"zero", 0, "0s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatDuration(tt.seconds))
		})
	}
}

func TestFormatAge(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		want string
	}{
		{"zero_time", time.Time{}, "never"},
		{"just_now", time.Now(), "just now"},
		{"seconds", time.Now().Add(-5 * time.Second), "5s ago"},
		{"minutes", time.Now().Add(-5 * time.Minute), "5m ago"},
		{"hours", time.Now().Add(-150 * time.Minute), "2h 30m ago"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatAge(tt.in))
		})
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		s    string
		max  int
		want string
	}{
		{"shorter", "abc", 5, "abc"},
		{"exact", "abcde", 5, "abcde"},
		{"clipped", "abcdef", 5, "abcd…"},
		{"one", "abcdef", 1, "…"},
		{"zero", "abcdef", 0, ""},
		{"unicode", "sändbox-tärdown", 8, "sändbox…"},
		{"empty", "", 5, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Truncate(tt.s, tt.max))
		})
	}
}
