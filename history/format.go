package history

import (
	"fmt"
	"html"
)

// DefaultShortenThreshold bounds the displayed length of a changed value.
const DefaultShortenThreshold = 100

// DisplayChange is one diff row ready for an admin surface: coerced to
// strings, HTML-escaped, and length-bounded.
type DisplayChange struct {
	Field string
	Old   string
	New   string
}

// FormatChanges turns a Delta into display-ready triples. Values longer
// than threshold characters are shortened around the first point of
// difference, with "...N chars..." placeholders standing in for elided
// runs, so the divergence stays visible on both sides. A threshold <= 0
// falls back to DefaultShortenThreshold.
func FormatChanges(d *Delta, threshold int) []DisplayChange {
	if threshold <= 0 {
		threshold = DefaultShortenThreshold
	}
	out := make([]DisplayChange, 0, len(d.Changes))
	for _, c := range d.Changes {
		oldS := stringifyValue(c.Old)
		newS := stringifyValue(c.New)
		oldS, newS = shortenPair(oldS, newS, threshold)
		out = append(out, DisplayChange{
			Field: c.Field,
			Old:   html.EscapeString(oldS),
			New:   html.EscapeString(newS),
		})
	}
	return out
}

func stringifyValue(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return fmt.Sprintf("%v", v)
}

// shortenPair shortens both sides with awareness of their longest common
// prefix, so the first differing character survives the truncation.
func shortenPair(oldS, newS string, max int) (string, string) {
	if len(oldS) <= max && len(newS) <= max {
		return oldS, newS
	}
	prefix := commonPrefixLen(oldS, newS)
	return conditionalShorten(oldS, prefix, max), conditionalShorten(newS, prefix, max)
}

func conditionalShorten(s string, prefixLen, max int) string {
	if len(s) <= max {
		return s
	}
	start := 0
	if prefixLen > max/2 {
		start = prefixLen - max/2
	}
	end := start + max
	if end > len(s) {
		end = len(s)
		if end-max > 0 {
			start = end - max
		} else {
			start = 0
		}
	}
	out := s[start:end]
	if start > 0 {
		out = fmt.Sprintf("...%d chars...", start) + out
	}
	if end < len(s) {
		out += fmt.Sprintf("...%d chars...", len(s)-end)
	}
	return out
}

func commonPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
