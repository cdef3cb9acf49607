// Package sanitize provides shared identifier flattening and path validation.
//
// Event subjects embed project and session IDs as dot-separated tokens
// (events.<project>.<session>.<type>). A dot inside a raw ID would split it
// across tokens and leak events past per-project wildcard subscriptions, so
// every ID is flattened onto the token alphabet before it reaches a subject.
package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	// MaxTokenLength is the maximum length for a flattened subject token.
	MaxTokenLength = 64

	// HashSuffixLength is what a "_"+8-hex-char suffix costs a token.
	HashSuffixLength = 9

	// DefaultToken is used when flattening produces an empty result.
	DefaultToken = "default"
)

// Token flattens an identifier into a single NATS subject token.
//
// The input is lowercased, every run of characters outside [a-z0-9-] is
// squeezed into one underscore, edge underscores are trimmed, and the
// result is capped at MaxTokenLength. Whenever any of that changed the
// identifier, an 8-char hash of the original is appended so distinct
// identifiers never collapse into one token.
//
// Identifiers that are already valid tokens pass through untouched, which
// keeps the common case readable in subject listings:
//
//	"proj-1"     -> "proj-1"
//	"My.Project" -> "my_project_<hash>"
//	"" or "!!!"  -> "default_<hash>"
func Token(id string) string {
	flat := flatten(id)
	if flat == id && flat != "" && len(flat) <= MaxTokenLength {
		return flat
	}
	return withHash(flat, id)
}

// flatten maps an identifier onto the token alphabet [a-z0-9_-],
// collapsing underscore runs as it goes.
func flatten(id string) string {
	var b strings.Builder
	b.Grow(len(id))

	pendingSep := false
	for _, r := range strings.ToLower(id) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
			pendingSep = false
			continue
		}
		// Underscores and every invalid character squeeze into one '_'.
		if !pendingSep {
			b.WriteByte('_')
			pendingSep = true
		}
	}

	return strings.Trim(b.String(), "_")
}

// withHash appends a hash of the original identifier to a flattened token,
// truncating first so the result fits MaxTokenLength. Two identifiers that
// flatten to the same string ("a.b" and "a_b") stay distinguishable through
// their suffixes.
//
// Format: <flattened>_<8-char-hash>
// Example: "my_project" -> "my_project_a1b2c3d4"
func withHash(flat, original string) string {
	if flat == "" {
		flat = DefaultToken
	}

	hash := sha256.Sum256([]byte(original))
	suffix := "_" + hex.EncodeToString(hash[:])[:8]

	maxBase := MaxTokenLength - HashSuffixLength
	if len(flat) > maxBase {
		flat = strings.TrimRight(flat[:maxBase], "_")
	}

	return flat + suffix
}
