package logging

import (
	"go.uber.org/zap/zapcore"
)

// sampled rate-limits entries below error level; errors and above always
// pass. Returns core unchanged when sampling is off.
func sampled(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}

	keep := cfg.Levels[zapcore.InfoLevel]

	return zapcore.NewTee(
		&bandCore{Core: core, min: zapcore.ErrorLevel, max: zapcore.FatalLevel},
		zapcore.NewSamplerWithOptions(
			&bandCore{Core: core, min: TraceLevel, max: zapcore.WarnLevel},
			cfg.Tick.Duration(),
			keep.Initial,
			keep.Thereafter,
		),
	)
}

// bandCore passes entries whose level falls inside [min, max]. Splitting
// the stream into bands lets the sampler wrap only the noisy half.
type bandCore struct {
	zapcore.Core
	min, max zapcore.Level
}

func (c *bandCore) Enabled(lvl zapcore.Level) bool {
	return lvl >= c.min && lvl <= c.max && c.Core.Enabled(lvl)
}

func (c *bandCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *bandCore) With(fields []zapcore.Field) zapcore.Core {
	return &bandCore{Core: c.Core.With(fields), min: c.min, max: c.max}
}
