package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// recordTB captures assertion failures so failing paths can be tested
// without failing the surrounding test.
type recordTB struct {
	testing.TB
	failed bool
}

func (r *recordTB) Helper()               {}
func (r *recordTB) Errorf(string, ...any) { r.failed = true }

func TestTestLogger_RecordsAllLevels(t *testing.T) {
	tl := NewTestLogger()
	ctx := context.Background()

	tl.Trace(ctx, "trace entry")
	tl.Debug(ctx, "debug entry")
	tl.Info(ctx, "info entry")
	tl.Error(ctx, "error entry")

	require.Len(t, tl.Logs.All(), 4)
	tl.AssertLogged(t, TraceLevel, "trace entry")
	tl.AssertLogged(t, zapcore.DebugLevel, "debug entry")
	tl.AssertLogged(t, zapcore.InfoLevel, "info entry")
	tl.AssertLogged(t, zapcore.ErrorLevel, "error entry")
}

func TestAssertLogged_FailsOnMissingEntry(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(context.Background(), "present")

	rec := &recordTB{}
	tl.AssertLogged(rec, zapcore.InfoLevel, "absent")
	assert.True(t, rec.failed)

	rec = &recordTB{}
	tl.AssertLogged(rec, zapcore.ErrorLevel, "present")
	assert.True(t, rec.failed, "level must match, not just the message")
}

func TestAssertNotLogged(t *testing.T) {
	tl := NewTestLogger()
	tl.Warn(context.Background(), "retry scheduled")

	tl.AssertNotLogged(t, zapcore.ErrorLevel, "retry scheduled")

	rec := &recordTB{}
	tl.AssertNotLogged(rec, zapcore.WarnLevel, "retry")
	assert.True(t, rec.failed)
}

func TestAssertField(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(context.Background(), "task picked", zap.String("task.id", "7"))

	tl.AssertField(t, "task picked", "task.id", "7")

	rec := &recordTB{}
	tl.AssertField(rec, "task picked", "task.id", "8")
	assert.True(t, rec.failed)

	rec = &recordTB{}
	tl.AssertField(rec, "task picked", "session.id", "7")
	assert.True(t, rec.failed)
}

func TestAssertNoSecrets_PassesCleanAndRedacted(t *testing.T) {
	tl := NewTestLogger()
	ctx := context.Background()

	tl.Info(ctx, "safe", zap.String("username", "alice"))
	tl.Info(ctx, "masked", zap.String("password", "[REDACTED]"))
	tl.Info(ctx, "counted", RedactedString("token", "ghp_x"))

	tl.AssertNoSecrets(t)
}

func TestAssertNoSecrets_FlagsLeaks(t *testing.T) {
	tests := []struct {
		name string
		emit func(tl *TestLogger)
	}{
		{
			name: "sensitive key with raw value",
			emit: func(tl *TestLogger) {
				tl.Info(context.Background(), "leak", zap.String("api_key", "sk-12345"))
			},
		},
		{
			name: "pattern match in field value",
			emit: func(tl *TestLogger) {
				tl.Info(context.Background(), "leak", zap.String("header", "Bearer abc123"))
			},
		},
		{
			name: "pattern match in message",
			emit: func(tl *TestLogger) {
				tl.Info(context.Background(), "got Bearer abc123 from client")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tl := NewTestLogger()
			tt.emit(tl)

			rec := &recordTB{}
			tl.AssertNoSecrets(rec)
			assert.True(t, rec.failed)
		})
	}
}

func TestSensitiveKey(t *testing.T) {
	fields := NewDefaultConfig().Redaction.Fields

	assert.True(t, sensitiveKey(fields, "password"))
	assert.True(t, sensitiveKey(fields, "github_token"))
	assert.True(t, sensitiveKey(fields, "API_KEY"))
	assert.False(t, sensitiveKey(fields, "username"))
	assert.False(t, sensitiveKey(fields, "task.id"))
}
