package logging

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/taskd/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

const (
	redactedMarker = "[REDACTED]"
	patternMarker  = "[REDACTED:pattern]"
)

// Secret wraps a config.Secret for logging. The emitted value carries only
// the secret's length, which is enough to tell "unset" from "wrong".
func Secret(key string, val config.Secret) zap.Field {
	return zap.Object(key, &secretMarshaler{key: key, val: val})
}

type secretMarshaler struct {
	key string
	val config.Secret
}

func (s *secretMarshaler) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString(s.key, fmt.Sprintf("[REDACTED:%d]", len(s.val.Value())))
	return nil
}

// RedactedString logs a plain string value as its length only.
func RedactedString(key, val string) zap.Field {
	return zap.String(key, fmt.Sprintf("[REDACTED:%d]", len(val)))
}

// redactingEncoder masks configured field names and value patterns before
// entries reach a sink. Key matches are case-insensitive; patterns run
// against string and byte-string values.
type redactingEncoder struct {
	zapcore.Encoder
	keys     map[string]struct{}
	patterns []*regexp.Regexp
}

// newRedactingEncoder wraps base with the configured redaction rules,
// returning base untouched when redaction is off.
func newRedactingEncoder(base zapcore.Encoder, cfg RedactionConfig) (zapcore.Encoder, error) {
	if !cfg.Enabled {
		return base, nil
	}

	keys := make(map[string]struct{}, len(cfg.Fields))
	for _, f := range cfg.Fields {
		keys[strings.ToLower(f)] = struct{}{}
	}

	patterns := make([]*regexp.Regexp, 0, len(cfg.Patterns))
	for _, p := range cfg.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	return &redactingEncoder{Encoder: base, keys: keys, patterns: patterns}, nil
}

func (e *redactingEncoder) masked(key string) bool {
	_, ok := e.keys[strings.ToLower(key)]
	return ok
}

func (e *redactingEncoder) AddString(key, val string) {
	if e.masked(key) {
		e.Encoder.AddString(key, redactedMarker)
		return
	}
	for _, re := range e.patterns {
		if re.MatchString(val) {
			e.Encoder.AddString(key, patternMarker)
			return
		}
	}
	e.Encoder.AddString(key, val)
}

func (e *redactingEncoder) AddByteString(key string, val []byte) {
	if e.masked(key) {
		e.Encoder.AddByteString(key, []byte(redactedMarker))
		return
	}
	for _, re := range e.patterns {
		if re.Match(val) {
			e.Encoder.AddByteString(key, []byte(patternMarker))
			return
		}
	}
	e.Encoder.AddByteString(key, val)
}

func (e *redactingEncoder) AddBinary(key string, val []byte) {
	if e.masked(key) {
		e.Encoder.AddBinary(key, []byte(redactedMarker))
		return
	}
	e.Encoder.AddBinary(key, val)
}

// AddReflected masks the whole value when the key is sensitive; reflected
// internals are not walked.
func (e *redactingEncoder) AddReflected(key string, val any) error {
	if e.masked(key) {
		e.Encoder.AddString(key, redactedMarker)
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

func (e *redactingEncoder) AddArray(key string, arr zapcore.ArrayMarshaler) error {
	if e.masked(key) {
		e.Encoder.AddString(key, redactedMarker)
		return nil
	}
	return e.Encoder.AddArray(key, arr)
}

func (e *redactingEncoder) AddObject(key string, obj zapcore.ObjectMarshaler) error {
	if e.masked(key) {
		e.Encoder.AddString(key, redactedMarker)
		return nil
	}
	return e.Encoder.AddObject(key, obj)
}

func (e *redactingEncoder) Clone() zapcore.Encoder {
	return &redactingEncoder{
		Encoder:  e.Encoder.Clone(),
		keys:     e.keys,
		patterns: e.patterns,
	}
}

// EncodeEntry routes per-entry fields through the redacting Add methods.
// zap hands call-site fields to EncodeEntry directly, so without this
// override only With() fields would be masked.
func (e *redactingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	c := e.Clone().(*redactingEncoder)
	for i := range fields {
		fields[i].AddTo(c)
	}
	return c.Encoder.EncodeEntry(ent, nil)
}
