// Package capstore persists capture records: the reconstructed tree,
// the normalized trace, and the binary artifacts (screenshot, raw
// HTML, response bodies) under a fixed per-capture key namespace.
//
// The store is the sole owner of persisted records. The correlation
// index references records by ID only; eviction therefore removes
// index entries first, then the record, so an index lookup can never
// resolve to an artifact that is already gone.
package capstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/captrace/captree"
	"github.com/hazyhaar/captrace/trace"
)

// Artifact sub-keys within a capture's namespace. Response bodies use
// BodyKind(requestID).
const (
	ArtifactTrace      = "trace"
	ArtifactScreenshot = "screenshot"
	ArtifactHTML       = "html"
	ArtifactFavicon    = "favicon"

	bodyPrefix = "body/"
)

// BodyKind returns the artifact sub-key for one response body.
func BodyKind(requestID string) string { return bodyPrefix + requestID }

// IsBlobKind reports whether an artifact kind belongs to the large
// binary tier that blob-only eviction may drop while keeping the
// structural metadata.
func IsBlobKind(kind string) bool {
	return kind == ArtifactScreenshot || kind == ArtifactHTML ||
		kind == ArtifactFavicon || strings.HasPrefix(kind, bodyPrefix)
}

// ErrNotFound is returned when a capture ID resolves to nothing.
var ErrNotFound = fmt.Errorf("capstore: capture not found")

// Record is one persisted capture.
type Record struct {
	ID           string        `json:"id"`
	RequestedURL string        `json:"requested_url"`
	FinalURL     string        `json:"final_url"`
	ContextTag   string        `json:"context_tag"`
	Tree         *captree.Tree `json:"tree"`
	CreatedAt    time.Time     `json:"created_at"`
	LastAccess   time.Time     `json:"last_access"`
	Pinned       bool          `json:"pinned"`
}

// Artifact is one blob in a capture's namespace.
type Artifact struct {
	Kind string
	Data []byte
}

// indexRemover is the slice of the correlation index the store needs
// for eviction ordering.
type indexRemover interface {
	RemoveCapture(ctx context.Context, captureID string) error
}

// EvictPolicy controls what Evict removes.
type EvictPolicy struct {
	// TTL removes unpinned records older than this. Zero disables
	// age-based eviction.
	TTL time.Duration
	// MaxRecords caps the total record count; the oldest unpinned
	// records beyond the cap are removed. Zero disables.
	MaxRecords int
	// BlobsOnly drops only the large binary artifacts of affected
	// records, keeping tree and trace metadata queryable.
	BlobsOnly bool
}

// EvictReport summarises one eviction pass.
type EvictReport struct {
	RecordsRemoved int
	BlobsRemoved   int
}

// Store owns persisted capture records.
type Store struct {
	db     *sql.DB
	index  indexRemover
	logger *slog.Logger
}

// New creates a Store. index may be nil when eviction is never used
// (tests); Put/Get work regardless.
func New(db *sql.DB, index indexRemover, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, index: index, logger: logger}
}

// Put persists a record and its artifacts atomically. The trace is
// stored under the ArtifactTrace sub-key as JSON.
func (s *Store) Put(ctx context.Context, rec *Record, entries []trace.TraceEntry, artifacts []Artifact) error {
	if rec.ID == "" {
		return fmt.Errorf("capstore: record without ID")
	}
	treeJSON, err := json.Marshal(rec.Tree)
	if err != nil {
		return fmt.Errorf("capstore: marshal tree: %w", err)
	}
	traceJSON, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("capstore: marshal trace: %w", err)
	}

	now := time.Now().UnixMilli()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.UnixMilli(now)
	}
	rec.LastAccess = time.UnixMilli(now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("capstore: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO captures (id, requested_url, final_url, context_tag, tree_json, created_at, last_access, pinned)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RequestedURL, rec.FinalURL, rec.ContextTag, string(treeJSON),
		rec.CreatedAt.UnixMilli(), rec.LastAccess.UnixMilli(), rec.Pinned); err != nil {
		return fmt.Errorf("capstore: insert record: %w", err)
	}

	all := append([]Artifact{{Kind: ArtifactTrace, Data: traceJSON}}, artifacts...)
	for _, a := range all {
		if len(a.Data) == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO artifacts (capture_id, kind, data, size, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			rec.ID, a.Kind, a.Data, len(a.Data), now); err != nil {
			return fmt.Errorf("capstore: insert artifact %s: %w", a.Kind, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("capstore: commit: %w", err)
	}
	return nil
}

// Get returns a record by ID and touches its last-access time.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, requested_url, final_url, context_tag, tree_json, created_at, last_access, pinned
		 FROM captures WHERE id = ?`, id)

	var rec Record
	var treeJSON string
	var created, access int64
	if err := row.Scan(&rec.ID, &rec.RequestedURL, &rec.FinalURL, &rec.ContextTag,
		&treeJSON, &created, &access, &rec.Pinned); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("capstore: get: %w", err)
	}
	rec.CreatedAt = time.UnixMilli(created)
	rec.LastAccess = time.UnixMilli(access)

	if err := json.Unmarshal([]byte(treeJSON), &rec.Tree); err != nil {
		return nil, fmt.Errorf("capstore: unmarshal tree: %w", err)
	}

	// Touch for LRU-aware eviction ordering. Best-effort.
	if _, err := s.db.ExecContext(ctx,
		`UPDATE captures SET last_access = ? WHERE id = ?`, time.Now().UnixMilli(), id); err != nil {
		s.logger.Warn("capstore: touch failed", "capture_id", id, "error", err)
	}
	return &rec, nil
}

// GetTrace returns the stored normalized trace of a capture.
func (s *Store) GetTrace(ctx context.Context, id string) ([]trace.TraceEntry, error) {
	data, err := s.GetArtifact(ctx, id, ArtifactTrace)
	if err != nil {
		return nil, err
	}
	var entries []trace.TraceEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("capstore: unmarshal trace: %w", err)
	}
	return entries, nil
}

// GetArtifact returns one artifact blob.
func (s *Store) GetArtifact(ctx context.Context, id, kind string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM artifacts WHERE capture_id = ? AND kind = ?`, id, kind).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("capstore: get artifact: %w", err)
	}
	return data, nil
}

// ListArtifacts returns the artifact kinds present for a capture.
func (s *Store) ListArtifacts(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind FROM artifacts WHERE capture_id = ? ORDER BY kind`, id)
	if err != nil {
		return nil, fmt.Errorf("capstore: list artifacts: %w", err)
	}
	defer rows.Close()

	var kinds []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, rows.Err()
}

// SetPinned marks or unmarks a record as reference material, exempt
// from TTL eviction.
func (s *Store) SetPinned(ctx context.Context, id string, pinned bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE captures SET pinned = ? WHERE id = ?`, pinned, id)
	if err != nil {
		return fmt.Errorf("capstore: pin: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM captures`).Scan(&n)
	return n, err
}
