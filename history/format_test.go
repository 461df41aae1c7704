package history

import (
	"strings"
	"testing"
)

func TestFormatChangesShortValuesPassThrough(t *testing.T) {
	delta := &Delta{Changes: []Change{{Field: "Question", Old: "yes", New: "no"}}}
	out := FormatChanges(delta, 0)
	if len(out) != 1 {
		t.Fatalf("rows = %d", len(out))
	}
	if out[0].Field != "Question" || out[0].Old != "yes" || out[0].New != "no" {
		t.Fatalf("row = %+v", out[0])
	}
}

func TestFormatChangesEscapesHTML(t *testing.T) {
	delta := &Delta{Changes: []Change{{Field: "Body", Old: "<b>bold</b>", New: "a & b"}}}
	out := FormatChanges(delta, 0)
	if out[0].Old != "&lt;b&gt;bold&lt;/b&gt;" {
		t.Fatalf("old not escaped: %q", out[0].Old)
	}
	if out[0].New != "a &amp; b" {
		t.Fatalf("new not escaped: %q", out[0].New)
	}
}

func TestFormatChangesShortensAroundDivergence(t *testing.T) {
	prefix := strings.Repeat("a", 200)
	oldV := prefix + "OLD" + strings.Repeat("z", 50)
	newV := prefix + "NEW" + strings.Repeat("z", 50)

	delta := &Delta{Changes: []Change{{Field: "Body", Old: oldV, New: newV}}}
	out := FormatChanges(delta, 40)

	if len(out[0].Old) >= len(oldV) {
		t.Fatalf("old not shortened: %d chars", len(out[0].Old))
	}
	if !strings.Contains(out[0].Old, "OLD") {
		t.Fatalf("divergence truncated away from old side: %q", out[0].Old)
	}
	if !strings.Contains(out[0].New, "NEW") {
		t.Fatalf("divergence truncated away from new side: %q", out[0].New)
	}
	if !strings.Contains(out[0].Old, "chars...") {
		t.Fatalf("elision placeholder missing: %q", out[0].Old)
	}
}

func TestFormatChangesNonStringValues(t *testing.T) {
	delta := &Delta{Changes: []Change{{Field: "Count", Old: int64(1), New: nil}}}
	out := FormatChanges(delta, 0)
	if out[0].Old != "1" {
		t.Fatalf("old = %q", out[0].Old)
	}
	if out[0].New != "" {
		t.Fatalf("nil should render empty, got %q", out[0].New)
	}
}

func TestCommonPrefixLen(t *testing.T) {
	if got := commonPrefixLen("abcdef", "abcxyz"); got != 3 {
		t.Fatalf("common prefix = %d, want 3", got)
	}
	if got := commonPrefixLen("", "abc"); got != 0 {
		t.Fatalf("empty string prefix = %d", got)
	}
	if got := commonPrefixLen("same", "same"); got != 4 {
		t.Fatalf("identical prefix = %d", got)
	}
}
