package corindex

import "database/sql"

// Schema holds the inverted facet index and the per-capture facet
// status ledger. A facet can be "indexed" (hash rows exist) or
// "unknown" (the capture ended before the facet could be observed) —
// unknown is deliberately distinct from a real hash of empty content.
const Schema = `
CREATE TABLE IF NOT EXISTS facet_index (
    facet       TEXT NOT NULL,
    hash        TEXT NOT NULL,
    capture_id  TEXT NOT NULL,
    node_ref    TEXT NOT NULL DEFAULT '',
    indexed_at  INTEGER NOT NULL,
    PRIMARY KEY (facet, hash, capture_id)
);
CREATE INDEX IF NOT EXISTS idx_facet_lookup ON facet_index(facet, hash, indexed_at DESC);
CREATE INDEX IF NOT EXISTS idx_facet_capture ON facet_index(capture_id);

CREATE TABLE IF NOT EXISTS facet_status (
    capture_id  TEXT NOT NULL,
    facet       TEXT NOT NULL,
    status      TEXT NOT NULL,
    updated_at  INTEGER NOT NULL,
    PRIMARY KEY (capture_id, facet)
);
`

// ApplySchema creates the index tables on the given database.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
