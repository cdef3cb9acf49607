package logging

import (
	"reflect"
	"regexp"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger records every entry from trace level up in memory.
type TestLogger struct {
	*Logger
	Logs *observer.ObservedLogs
}

// NewTestLogger builds an observing logger for tests.
func NewTestLogger() *TestLogger {
	core, logs := observer.New(TraceLevel)
	return &TestLogger{
		Logger: &Logger{zap: zap.New(core), cfg: NewDefaultConfig()},
		Logs:   logs,
	}
}

// AssertLogged fails unless an entry at level contains substr.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, substr string) {
	tb.Helper()
	for _, e := range t.Logs.All() {
		if e.Level == level && strings.Contains(e.Message, substr) {
			return
		}
	}
	tb.Errorf("no %v entry containing %q, have %v", level, substr, t.messages())
}

// AssertNotLogged fails when an entry at level contains substr.
func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, substr string) {
	tb.Helper()
	for _, e := range t.Logs.All() {
		if e.Level == level && strings.Contains(e.Message, substr) {
			tb.Errorf("unexpected %v entry containing %q", level, substr)
		}
	}
}

// AssertField fails unless an entry with message msg carries key=want.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, want any) {
	tb.Helper()
	for _, e := range t.Logs.FilterMessage(msg).All() {
		for _, f := range e.Context {
			if f.Key != key {
				continue
			}
			if f.Type == zapcore.StringType && f.String == want {
				return
			}
			if reflect.DeepEqual(f.Interface, want) {
				return
			}
		}
	}
	tb.Errorf("field %s=%v not found on message %q", key, want, msg)
}

// AssertNoSecrets scans recorded entries against the logger's own
// redaction config: sensitive keys must carry a redaction marker and no
// string value may match a redaction pattern.
func (t *TestLogger) AssertNoSecrets(tb testing.TB) {
	tb.Helper()

	red := t.cfg.Redaction
	patterns := make([]*regexp.Regexp, 0, len(red.Patterns))
	for _, p := range red.Patterns {
		patterns = append(patterns, regexp.MustCompile(p))
	}

	for _, e := range t.Logs.All() {
		for _, re := range patterns {
			if re.MatchString(e.Message) {
				tb.Errorf("message matches redaction pattern %v: %q", re, e.Message)
			}
		}
		for _, f := range e.Context {
			if f.Type != zapcore.StringType {
				continue
			}
			if sensitiveKey(red.Fields, f.Key) && f.String != "" && !strings.Contains(f.String, "[REDACTED") {
				tb.Errorf("sensitive field %q not redacted: %q", f.Key, f.String)
			}
			for _, re := range patterns {
				if re.MatchString(f.String) {
					tb.Errorf("field %q matches redaction pattern %v: %q", f.Key, re, f.String)
				}
			}
		}
	}
}

func sensitiveKey(fields []string, key string) bool {
	lk := strings.ToLower(key)
	for _, f := range fields {
		if strings.Contains(lk, strings.ToLower(f)) {
			return true
		}
	}
	return false
}

func (t *TestLogger) messages() []string {
	entries := t.Logs.All()
	msgs := make([]string, len(entries))
	for i, e := range entries {
		msgs[i] = e.Message
	}
	return msgs
}
