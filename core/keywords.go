package core

import (
	"strings"
	"time"
)

// KeywordScanner matches job keyword rules against output lines. Rules are
// tested in declaration order and the first matching rule wins per line; later
// rules never see a line a prior rule claimed.
type KeywordScanner struct {
	rules []compiledRule
}

type compiledRule struct {
	rule     KeywordRule
	patterns []string
}

// NewKeywordScanner compiles the job's rules. Case-insensitive rules fold
// their patterns once here instead of per line.
func NewKeywordScanner(rules []KeywordRule) *KeywordScanner {
	ks := &KeywordScanner{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		cr := compiledRule{rule: r, patterns: r.Patterns}
		if r.IgnoreCase {
			folded := make([]string, len(r.Patterns))
			for i, p := range r.Patterns {
				folded[i] = strings.ToLower(p)
			}
			cr.patterns = folded
		}
		ks.rules = append(ks.rules, cr)
	}
	return ks
}

// Scan tests a line against the rules. On a match it returns the hit and
// whether the run should be aborted immediately.
func (ks *KeywordScanner) Scan(runID int64, line string, at time.Time) (KeywordHit, bool, bool) {
	for _, cr := range ks.rules {
		haystack := line
		if cr.rule.IgnoreCase {
			haystack = strings.ToLower(line)
		}
		for _, p := range cr.patterns {
			if p == "" || !strings.Contains(haystack, p) {
				continue
			}
			msg := cr.rule.Message
			if msg == "" {
				msg = p
			}
			hit := KeywordHit{
				RunID:   runID,
				Kind:    cr.rule.Kind,
				Message: msg,
				Line:    line,
				At:      at,
			}
			abort := cr.rule.Kind == KeywordFailure && cr.rule.AbortOnHit
			return hit, abort, true
		}
	}
	return KeywordHit{}, false, false
}

// Empty reports whether the scanner has no rules.
func (ks *KeywordScanner) Empty() bool {
	return len(ks.rules) == 0
}
