package logging

import "go.uber.org/zap/zapcore"

// TraceLevel sits below zap's Debug and carries wire-level detail:
// generator stdout chunks, raw event frames, git transport chatter.
// Filtered out everywhere except deep debugging sessions.
const TraceLevel = zapcore.Level(-2)

// encodeLevel renders TraceLevel as "trace"; zap's own encoder would fall
// back to "Level(-2)". Everything else keeps the lowercase names.
func encodeLevel(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	if l == TraceLevel {
		enc.AppendString("trace")
		return
	}
	zapcore.LowercaseLevelEncoder(l, enc)
}
