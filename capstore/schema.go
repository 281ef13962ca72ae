package capstore

import "database/sql"

// Schema stores capture records and their artifacts. Artifacts live
// in their own table keyed by (capture_id, kind) so large binary
// blobs can be evicted independently of the small structural
// metadata, and cascade away with the record.
const Schema = `
CREATE TABLE IF NOT EXISTS captures (
    id            TEXT PRIMARY KEY,
    requested_url TEXT NOT NULL,
    final_url     TEXT NOT NULL DEFAULT '',
    context_tag   TEXT NOT NULL DEFAULT '',
    tree_json     TEXT NOT NULL,
    created_at    INTEGER NOT NULL,
    last_access   INTEGER NOT NULL,
    pinned        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_captures_created ON captures(created_at);
CREATE INDEX IF NOT EXISTS idx_captures_evict ON captures(pinned, created_at);

CREATE TABLE IF NOT EXISTS artifacts (
    capture_id  TEXT NOT NULL REFERENCES captures(id) ON DELETE CASCADE,
    kind        TEXT NOT NULL,
    data        BLOB NOT NULL,
    size        INTEGER NOT NULL,
    created_at  INTEGER NOT NULL,
    PRIMARY KEY (capture_id, kind)
);
`

// ApplySchema creates the store tables on the given database.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
