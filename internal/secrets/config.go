package secrets

import (
	"fmt"
	"regexp"
	"strings"
)

// Config configures secret detection.
type Config struct {
	// Enabled turns scrubbing on. Disabled scrubbers pass content through
	// unchanged (default: true).
	Enabled bool `koanf:"enabled"`

	// Marker replaces each detected secret (default: "[REDACTED]").
	Marker string `koanf:"marker"`

	// Rules are the detection rules. Empty means the builtin set.
	Rules []Rule `koanf:"rules"`

	// Allow lists regex patterns whose matches are never redacted, for
	// known-safe values that trip a rule (fixture tokens, documentation
	// examples).
	Allow []string `koanf:"allow"`
}

// Rule is one detection rule.
type Rule struct {
	// ID names the rule in findings and logs. Never carries the match.
	ID string `koanf:"id"`

	// Pattern is the regex that matches the secret, including enough
	// surrounding context to anchor it.
	Pattern string `koanf:"pattern"`

	// Keywords gate the rule: when set, the rule only runs if the content
	// contains at least one of them (case-insensitive). Cuts regex work on
	// large tool output for rules with generic patterns.
	Keywords []string `koanf:"keywords"`

	// Severity is "high" or "medium".
	Severity string `koanf:"severity"`
}

// DefaultConfig returns the builtin rule set with scrubbing enabled.
func DefaultConfig() *Config {
	return &Config{
		Enabled: true,
		Marker:  defaultMarker,
		Rules:   BuiltinRules(),
	}
}

const defaultMarker = "[REDACTED]"

// compiledRule pairs a rule with its compiled pattern and lowercased
// keywords.
type compiledRule struct {
	id       string
	severity string
	re       *regexp.Regexp
	keywords []string
}

// compile validates the config and compiles rules and allow patterns.
func (c *Config) compile() ([]compiledRule, []*regexp.Regexp, error) {
	rules := make([]compiledRule, 0, len(c.Rules))
	for i, r := range c.Rules {
		if r.ID == "" {
			return nil, nil, fmt.Errorf("rule %d: id is required", i)
		}
		if r.Pattern == "" {
			return nil, nil, fmt.Errorf("rule %s: pattern is required", r.ID)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, nil, fmt.Errorf("rule %s: invalid pattern: %w", r.ID, err)
		}

		cr := compiledRule{id: r.ID, severity: r.Severity, re: re}
		for _, kw := range r.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw == "" {
				return nil, nil, fmt.Errorf("rule %s: empty keyword", r.ID)
			}
			cr.keywords = append(cr.keywords, kw)
		}
		rules = append(rules, cr)
	}

	allow := make([]*regexp.Regexp, 0, len(c.Allow))
	for i, p := range c.Allow {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, nil, fmt.Errorf("allow %d: invalid pattern: %w", i, err)
		}
		allow = append(allow, re)
	}

	return rules, allow, nil
}
