package observability

import (
	"context"
	"testing"
	"time"

	"github.com/hazyhaar/captrace/dbopen"
	_ "modernc.org/sqlite"
)

func TestMetrics_RecordAndQuery(t *testing.T) {
	// WHAT: Recorded metrics are queryable after Close flushes the buffer.
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	mm := NewMetricsManager(db, 10, time.Hour)

	mm.RecordSimple(MetricQueueDepth, 3, "count")
	mm.RecordOutcome("succeeded")
	mm.Close()

	got, err := mm.Query(MetricQueueDepth, nil, nil, 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d metrics, want 1", len(got))
	}
	if got[0].Value != 3 {
		t.Errorf("value = %v, want 3", got[0].Value)
	}

	outcomes, err := mm.Query(MetricCaptureOutcome, nil, nil, 10)
	if err != nil {
		t.Fatalf("query outcomes: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Labels["outcome"] != "succeeded" {
		t.Errorf("outcome labels = %+v, want outcome=succeeded", outcomes)
	}
}

func TestMetrics_BufferFlushOnSize(t *testing.T) {
	// WHAT: Reaching the buffer size triggers a synchronous flush.
	// WHY: A long flush interval must not delay visibility indefinitely.
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	mm := NewMetricsManager(db, 2, time.Hour)
	defer mm.Close()

	mm.RecordSimple("a", 1, "count")
	mm.RecordSimple("a", 2, "count")

	got, err := mm.Query("a", nil, nil, 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("got %d metrics after size-triggered flush, want 2", len(got))
	}
}

func TestMetrics_Cleanup(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	mm := NewMetricsManager(db, 10, time.Hour)
	defer mm.Close()

	old := time.Now().AddDate(0, 0, -30)
	mm.Record(&Metric{Name: "old", Timestamp: old, Value: 1, Unit: "count"})
	mm.RecordSimple("fresh", 1, "count")
	mm.mu.Lock()
	mm.flushLocked()
	mm.mu.Unlock()

	removed, err := mm.Cleanup(context.Background(), 7)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
}
