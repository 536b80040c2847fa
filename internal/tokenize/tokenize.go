// Package tokenize normalizes free text and query terms into the exact-match
// token sets used by both the ingest side (posts, enrichment keywords) and the
// query side of search. Both sides must run through the same normalizer or
// set-overlap matching silently breaks.
package tokenize

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// folder strips combining marks after canonical decomposition, so that
// "ё"/"ё"-style variants and Latin diacritics collapse to their base letter.
var folder = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// stopwords are never indexed and never matched on. Minimal English and
// Russian sets; anything longer belongs to the enrichment provider.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "for": {}, "from": {}, "in": {}, "is": {}, "it": {}, "of": {},
	"on": {}, "or": {}, "the": {}, "to": {}, "was": {}, "with": {},
	"в": {}, "и": {}, "не": {}, "на": {}, "что": {}, "по": {}, "из": {},
	"за": {}, "это": {}, "как": {}, "он": {}, "она": {}, "они": {}, "мы": {},
	"для": {}, "был": {}, "но": {}, "его": {}, "так": {}, "же": {},
}

// Term normalizes a single token: Unicode lowercasing, diacritic folding,
// surrounding punctuation trimmed. Returns "" when nothing indexable is left.
func Term(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if folded, _, err := transform.String(folder, s); err == nil {
		s = folded
	}
	s = strings.TrimFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return s
}

// Text splits free text into its set of indexable terms: normalized,
// deduplicated, stopwords and single-rune tokens dropped. Order follows
// first appearance for determinism.
func Text(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := make(map[string]struct{}, len(fields))
	var out []string
	for _, f := range fields {
		t := Term(f)
		if t == "" {
			continue
		}
		if len([]rune(t)) < 2 {
			continue
		}
		if _, stop := stopwords[t]; stop {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// Terms normalizes a slice of already-split terms (query input or provider
// keywords) into a deduplicated set, preserving first-appearance order.
// Multi-word entries are kept as a single normalized phrase term.
func Terms(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, raw := range in {
		t := Term(raw)
		// Inner whitespace in multi-word keywords collapses to single spaces.
		t = strings.Join(strings.Fields(t), " ")
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
