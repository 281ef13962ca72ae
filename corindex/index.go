// Package corindex maintains the content-addressed correlation index:
// hash facets of capture artifacts mapped to the captures that
// produced them. One capture yields multiple hashes; one hash value
// may map to many captures — that overlap is the correlation signal
// analysts query to find recycled phishing kits and redirectors.
//
// The index holds only hash→ID associations. It never owns artifacts;
// capture IDs are weak references resolved against the capture store.
package corindex

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Facet is a hashable aspect of a capture used for correlation.
type Facet string

const (
	FacetBody        Facet = "body"        // rendered HTML / root response body
	FacetFavicon     Facet = "favicon"     // resolved favicon bytes
	FacetCertificate Facet = "certificate" // leaf TLS certificate fingerprint
	FacetHHHash      Facet = "hhhash"      // HTTP-header-name hash of the root response
	FacetCookieName  Facet = "cookie"      // cookie names set during the capture
)

// CoreFacets are the facets every successful capture is expected to
// resolve or explicitly mark unknown.
var CoreFacets = []Facet{FacetBody, FacetFavicon, FacetCertificate}

// Hash is one facet observation to index.
type Hash struct {
	Facet Facet
	Value string
	// NodeRef points at the tree node the hash came from (request ID).
	NodeRef string
}

// FacetCount is a frequency row returned by TopHashes.
type FacetCount struct {
	Hash  string `json:"hash"`
	Count int    `json:"count"`
}

// Status of a facet for one capture.
const (
	StatusIndexed = "indexed"
	StatusUnknown = "unknown"
)

// Index is the shared correlation index. Safe for concurrent writers:
// updates for distinct capture IDs are additive and keyed, and one
// capture's facets become visible all-or-nothing.
type Index struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates an Index on an already-opened database.
func New(db *sql.DB, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{db: db, logger: logger}
}

// Add indexes a capture's facet hashes. Facets in unknown are
// recorded as unobserved — they stay out of lookups but remain
// distinguishable from a facet that genuinely hashed empty content.
//
// Add is idempotent: indexing the same capture twice with the same
// facets is a no-op. All rows for one capture commit atomically.
func (ix *Index) Add(ctx context.Context, captureID string, hashes []Hash, unknown []Facet) error {
	if captureID == "" {
		return fmt.Errorf("corindex: empty capture ID")
	}
	now := time.Now().UnixMilli()

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("corindex: begin: %w", err)
	}
	defer tx.Rollback()

	for _, h := range hashes {
		if h.Value == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO facet_index (facet, hash, capture_id, node_ref, indexed_at)
			 VALUES (?, ?, ?, ?, ?)`,
			string(h.Facet), h.Value, captureID, h.NodeRef, now); err != nil {
			return fmt.Errorf("corindex: insert %s: %w", h.Facet, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO facet_status (capture_id, facet, status, updated_at)
			 VALUES (?, ?, ?, ?)`,
			captureID, string(h.Facet), StatusIndexed, now); err != nil {
			return fmt.Errorf("corindex: status %s: %w", h.Facet, err)
		}
	}

	for _, f := range unknown {
		// Never downgrade an indexed facet to unknown on re-index.
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO facet_status (capture_id, facet, status, updated_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(capture_id, facet) DO NOTHING`,
			captureID, string(f), StatusUnknown, now); err != nil {
			return fmt.Errorf("corindex: unknown %s: %w", f, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("corindex: commit: %w", err)
	}
	return nil
}

// Lookup returns the capture IDs that produced the given facet hash,
// most recent first — the latest occurrence of a known kit surfaces
// at the top.
func (ix *Index) Lookup(ctx context.Context, facet Facet, hash string) ([]string, error) {
	rows, err := ix.db.QueryContext(ctx,
		`SELECT capture_id FROM facet_index
		 WHERE facet = ? AND hash = ?
		 ORDER BY indexed_at DESC, capture_id DESC`,
		string(facet), hash)
	if err != nil {
		return nil, fmt.Errorf("corindex: lookup: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("corindex: scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FacetStatus returns the recorded status of a facet for a capture:
// StatusIndexed, StatusUnknown, or "" when never recorded.
func (ix *Index) FacetStatus(ctx context.Context, captureID string, facet Facet) (string, error) {
	var status string
	err := ix.db.QueryRowContext(ctx,
		`SELECT status FROM facet_status WHERE capture_id = ? AND facet = ?`,
		captureID, string(facet)).Scan(&status)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("corindex: facet status: %w", err)
	}
	return status, nil
}

// TopHashes returns the most widely shared hash values for a facet —
// the corpus-level view of kit reuse.
func (ix *Index) TopHashes(ctx context.Context, facet Facet, limit int) ([]FacetCount, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := ix.db.QueryContext(ctx,
		`SELECT hash, COUNT(DISTINCT capture_id) AS n
		 FROM facet_index WHERE facet = ?
		 GROUP BY hash ORDER BY n DESC, hash LIMIT ?`,
		string(facet), limit)
	if err != nil {
		return nil, fmt.Errorf("corindex: top hashes: %w", err)
	}
	defer rows.Close()

	var out []FacetCount
	for rows.Next() {
		var fc FacetCount
		if err := rows.Scan(&fc.Hash, &fc.Count); err != nil {
			return nil, fmt.Errorf("corindex: scan count: %w", err)
		}
		out = append(out, fc)
	}
	return out, rows.Err()
}

// RemoveCapture deletes every index row referencing a capture. The
// store calls this before deleting the record itself so a lookup can
// never resolve to an already-removed artifact.
func (ix *Index) RemoveCapture(ctx context.Context, captureID string) error {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("corindex: begin remove: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM facet_index WHERE capture_id = ?`, captureID); err != nil {
		return fmt.Errorf("corindex: remove index rows: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM facet_status WHERE capture_id = ?`, captureID); err != nil {
		return fmt.Errorf("corindex: remove status rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("corindex: commit remove: %w", err)
	}
	return nil
}
