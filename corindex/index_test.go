package corindex

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/hazyhaar/captrace/dbopen"
	_ "modernc.org/sqlite"
)

func newIndex(t *testing.T) *Index {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	return New(db, nil)
}

func TestAdd_Idempotent(t *testing.T) {
	// WHAT: Indexing the same capture twice yields the same lookup results
	// as indexing once.
	// WHY: Reprocessing a capture (reindex, retry) must not duplicate rows.
	ix := newIndex(t)
	ctx := context.Background()

	hashes := []Hash{
		{Facet: FacetBody, Value: "deadbeef", NodeRef: "r1"},
		{Facet: FacetFavicon, Value: "f00dcafe", NodeRef: "r9"},
	}
	if err := ix.Add(ctx, "cap_1", hashes, nil); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := ix.Add(ctx, "cap_1", hashes, nil); err != nil {
		t.Fatalf("second add: %v", err)
	}

	got, err := ix.Lookup(ctx, FacetBody, "deadbeef")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"cap_1"}) {
		t.Errorf("lookup = %v, want [cap_1]", got)
	}
}

func TestLookup_MostRecentFirst(t *testing.T) {
	// WHAT: Captures sharing a hash come back newest first.
	// WHY: Analysts want the latest sighting of a known kit on top.
	ix := newIndex(t)
	ctx := context.Background()

	for _, id := range []string{"cap_old", "cap_mid", "cap_new"} {
		if err := ix.Add(ctx, id, []Hash{{Facet: FacetFavicon, Value: "F"}}, nil); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
		time.Sleep(2 * time.Millisecond) // distinct indexed_at
	}

	got, err := ix.Lookup(ctx, FacetFavicon, "F")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	want := []string{"cap_new", "cap_mid", "cap_old"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("lookup order = %v, want %v", got, want)
	}
}

func TestUnknown_NotConflatedWithEmpty(t *testing.T) {
	// WHAT: A facet the capture never observed is "unknown", while a real
	// empty-content hash is a normal indexed value.
	ix := newIndex(t)
	ctx := context.Background()

	// cap_a timed out before the favicon fetch.
	if err := ix.Add(ctx, "cap_a",
		[]Hash{{Facet: FacetBody, Value: "B"}},
		[]Facet{FacetFavicon, FacetCertificate}); err != nil {
		t.Fatalf("add cap_a: %v", err)
	}
	// cap_b served a zero-byte favicon: that hash is a real observation.
	emptyHash := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if err := ix.Add(ctx, "cap_b", []Hash{{Facet: FacetFavicon, Value: emptyHash}}, nil); err != nil {
		t.Fatalf("add cap_b: %v", err)
	}

	if st, _ := ix.FacetStatus(ctx, "cap_a", FacetFavicon); st != StatusUnknown {
		t.Errorf("cap_a favicon status = %q, want unknown", st)
	}
	if st, _ := ix.FacetStatus(ctx, "cap_b", FacetFavicon); st != StatusIndexed {
		t.Errorf("cap_b favicon status = %q, want indexed", st)
	}

	got, err := ix.Lookup(ctx, FacetFavicon, emptyHash)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"cap_b"}) {
		t.Errorf("empty-hash lookup = %v, want only cap_b", got)
	}
}

func TestUnknown_NeverDowngradesIndexed(t *testing.T) {
	ix := newIndex(t)
	ctx := context.Background()

	if err := ix.Add(ctx, "cap_1", []Hash{{Facet: FacetBody, Value: "B"}}, nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := ix.Add(ctx, "cap_1", nil, []Facet{FacetBody}); err != nil {
		t.Fatalf("re-add unknown: %v", err)
	}
	if st, _ := ix.FacetStatus(ctx, "cap_1", FacetBody); st != StatusIndexed {
		t.Errorf("status = %q, want indexed preserved", st)
	}
}

func TestTopHashes(t *testing.T) {
	ix := newIndex(t)
	ctx := context.Background()

	for _, id := range []string{"c1", "c2", "c3"} {
		ix.Add(ctx, id, []Hash{{Facet: FacetBody, Value: "shared"}}, nil)
	}
	ix.Add(ctx, "c4", []Hash{{Facet: FacetBody, Value: "rare"}}, nil)

	top, err := ix.TopHashes(ctx, FacetBody, 10)
	if err != nil {
		t.Fatalf("top hashes: %v", err)
	}
	if len(top) != 2 || top[0].Hash != "shared" || top[0].Count != 3 {
		t.Errorf("top = %+v, want shared×3 first", top)
	}
}

func TestRemoveCapture(t *testing.T) {
	// WHAT: Removing a capture clears index and status rows.
	// WHY: Eviction removes index entries before the record; nothing may dangle.
	ix := newIndex(t)
	ctx := context.Background()

	ix.Add(ctx, "cap_1", []Hash{{Facet: FacetBody, Value: "B"}}, []Facet{FacetFavicon})
	ix.Add(ctx, "cap_2", []Hash{{Facet: FacetBody, Value: "B"}}, nil)

	if err := ix.RemoveCapture(ctx, "cap_1"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	got, _ := ix.Lookup(ctx, FacetBody, "B")
	if !reflect.DeepEqual(got, []string{"cap_2"}) {
		t.Errorf("lookup after remove = %v, want [cap_2]", got)
	}
	if st, _ := ix.FacetStatus(ctx, "cap_1", FacetFavicon); st != "" {
		t.Errorf("status after remove = %q, want empty", st)
	}
}
