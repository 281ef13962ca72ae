package idgen

import (
	"strings"
	"testing"
)

func TestUUIDv7_Unique(t *testing.T) {
	// WHAT: Consecutive IDs are distinct.
	// WHY: Job and capture IDs key every store; collisions corrupt records.
	gen := UUIDv7()
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := gen()
		if seen[id] {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}

func TestUUIDv7_Sortable(t *testing.T) {
	// WHAT: UUIDv7 IDs generated later sort lexicographically >= earlier ones.
	// WHY: Most-recent-first index lookups rely on time-sortable IDs.
	gen := UUIDv7()
	prev := gen()
	for i := 0; i < 100; i++ {
		next := gen()
		if next < prev {
			t.Fatalf("ID ordering violated: %s < %s", next, prev)
		}
		prev = next
	}
}

func TestPrefixed(t *testing.T) {
	// WHAT: Prefixed composes a fixed prefix onto the inner generator.
	gen := Prefixed("cap_", UUIDv7())
	id := gen()
	if !strings.HasPrefix(id, "cap_") {
		t.Errorf("got %q, want cap_ prefix", id)
	}
	if _, err := Parse(strings.TrimPrefix(id, "cap_")); err != nil {
		t.Errorf("suffix is not a valid UUID: %v", err)
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse("not-a-uuid"); err == nil {
		t.Error("expected error for invalid UUID")
	}
}
