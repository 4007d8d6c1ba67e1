package opencode

import (
	"regexp"
	"testing"
)

func TestAscending_Format(t *testing.T) {
	tests := []struct {
		kind   string
		prefix string
	}{
		{IDKindSession, "ses"},
		{IDKindMessage, "msg"},
		{IDKindPart, "prt"},
	}

	pattern := regexp.MustCompile(`^(ses|msg|prt)_[0-9a-f]{12}[0-9A-Za-z]{14}$`)

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			id := Ascending(tt.kind)
			if !pattern.MatchString(id) {
				t.Errorf("id %q does not match expected format", id)
			}
			if id[:3] != tt.prefix {
				t.Errorf("expected prefix %s, got %s", tt.prefix, id[:3])
			}
		})
	}
}

func TestAscending_Monotonic(t *testing.T) {
	// Identical to OpenCode's requirement: every new ID must sort after all
	// prior ones, including those generated within the same millisecond.
	prev := Ascending(IDKindMessage)
	for i := 0; i < 5000; i++ {
		next := Ascending(IDKindMessage)
		if next <= prev {
			t.Fatalf("id %q does not sort after %q (iteration %d)", next, prev, i)
		}
		prev = next
	}
}

func TestAscending_UnknownKindPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for unknown kind")
		}
	}()
	Ascending("bogus")
}
