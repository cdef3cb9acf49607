package monitor

import (
	"fmt"
	"time"
)

// FormatRate renders an events-per-minute rate for the dashboard.
func FormatRate(evPerMin float64) string {
	return fmt.Sprintf("%.1f ev/min", evPerMin)
}

// FormatLatency renders a latency measured in seconds, switching to
// milliseconds below one second.
func FormatLatency(seconds float64) string {
	if seconds >= 1.0 {
		return fmt.Sprintf("%.1fs", seconds)
	}
	return fmt.Sprintf("%.1fms", seconds*1000)
}

// FormatPercentage renders a 0-1 completion ratio as a percentage.
func FormatPercentage(ratio float64) string {
	return fmt.Sprintf("%.1f%%", 100*ratio)
}

// FormatDuration renders a second count in its largest sensible unit,
// "2h 15m", "15m" or "42s".
func FormatDuration(seconds int64) string {
	h := seconds / 3600
	m := seconds % 3600 / 60

	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm", m)
	default:
		return fmt.Sprintf("%ds", seconds%60)
	}
}

// FormatAge renders how long ago t was, "never" for the zero time.
func FormatAge(t time.Time) string {
	if t.IsZero() {
		return "never"
	}

	d := time.Since(t)
	switch {
	case d < time.Second:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh %dm ago", int(d.Hours()), int(d.Minutes())%60)
	}
}

// Truncate clips s to max runes, marking the cut with an ellipsis.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max == 1 {
		return "…"
	}
	return string(runes[:max-1]) + "…"
}
