package secrets

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

// Scrubber redacts secrets from content before it leaves the daemon.
// Implementations must be safe for concurrent use.
type Scrubber interface {
	// Scrub replaces every detected secret in content with the marker.
	Scrub(content string) *Result

	// ScrubBytes is Scrub for raw bytes.
	ScrubBytes(content []byte) *Result
}

// Result reports one scrub.
type Result struct {
	// Scrubbed is the content with every detected secret replaced by the
	// marker.
	Scrubbed string `json:"scrubbed"`

	// Findings lists what matched, by rule and position. The matched text
	// itself is never carried.
	Findings []Finding `json:"findings,omitempty"`

	// Elapsed is how long detection and redaction took.
	Elapsed time.Duration `json:"elapsed"`
}

// Finding is one detected secret.
type Finding struct {
	Rule     string `json:"rule"`
	Severity string `json:"severity"`

	// Start and End are byte offsets into the original content; Line is
	// 1-based.
	Start int `json:"start"`
	End   int `json:"end"`
	Line  int `json:"line"`
}

// textScrubber applies compiled rules to text. Immutable after New, so no
// locking.
type textScrubber struct {
	enabled bool
	marker  string
	rules   []compiledRule
	allow   []*regexp.Regexp
}

// New builds a Scrubber from cfg. A nil cfg means DefaultConfig.
func New(cfg *Config) (Scrubber, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	marker := cfg.Marker
	if marker == "" {
		marker = defaultMarker
	}
	if !cfg.Enabled {
		return &textScrubber{marker: marker}, nil
	}

	rules, allow, err := cfg.compile()
	if err != nil {
		return nil, err
	}
	return &textScrubber{
		enabled: true,
		marker:  marker,
		rules:   rules,
		allow:   allow,
	}, nil
}

// MustNew builds a Scrubber and panics on invalid config.
func MustNew(cfg *Config) Scrubber {
	s, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

// span is a half-open byte range to redact.
type span struct {
	start, end int
}

func (s *textScrubber) Scrub(content string) *Result {
	began := time.Now()
	res := &Result{Scrubbed: content}
	if !s.enabled || content == "" {
		res.Elapsed = time.Since(began)
		return res
	}

	// One lowered copy serves every keyword gate.
	lowered := strings.ToLower(content)

	var spans []span
	for _, rule := range s.rules {
		if !s.keywordsPresent(lowered, rule.keywords) {
			continue
		}
		for _, m := range rule.re.FindAllStringIndex(content, -1) {
			if s.allowed(content[m[0]:m[1]]) {
				continue
			}
			res.Findings = append(res.Findings, Finding{
				Rule:     rule.id,
				Severity: rule.severity,
				Start:    m[0],
				End:      m[1],
				Line:     strings.Count(content[:m[0]], "\n") + 1,
			})
			spans = append(spans, span{start: m[0], end: m[1]})
		}
	}

	if len(spans) > 0 {
		res.Scrubbed = s.redact(content, spans)
	}
	res.Elapsed = time.Since(began)
	return res
}

func (s *textScrubber) ScrubBytes(content []byte) *Result {
	return s.Scrub(string(content))
}

// keywordsPresent reports whether the gate passes: no keywords, or at
// least one present in the lowered content.
func (s *textScrubber) keywordsPresent(lowered string, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	for _, kw := range keywords {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}

// allowed reports whether the match is covered by the allow list.
func (s *textScrubber) allowed(match string) bool {
	for _, re := range s.allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}

// redact rebuilds content with each span replaced by the marker.
// Overlapping and adjacent spans collapse into one marker so two rules
// matching the same token do not double-redact.
func (s *textScrubber) redact(content string, spans []span) string {
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	var b strings.Builder
	b.Grow(len(content))

	pos := 0
	end := -1
	for _, sp := range spans {
		if sp.start <= end {
			if sp.end > end {
				end = sp.end
			}
			continue
		}
		if end >= 0 {
			pos = end
		}
		b.WriteString(content[pos:sp.start])
		b.WriteString(s.marker)
		end = sp.end
	}
	b.WriteString(content[end:])
	return b.String()
}

var _ Scrubber = (*textScrubber)(nil)
