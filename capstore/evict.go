package capstore

import (
	"context"
	"fmt"
	"time"
)

// Evict applies the retention policy. Pinned records are exempt from
// both the TTL and the record cap. For each record removed, the
// correlation index entries are deleted before the record row, so a
// concurrent lookup sees at worst a still-complete record with fewer
// index hits, never an index hit pointing at nothing.
func (s *Store) Evict(ctx context.Context, policy EvictPolicy) (EvictReport, error) {
	var report EvictReport

	ids, err := s.evictionCandidates(ctx, policy)
	if err != nil {
		return report, err
	}

	for _, id := range ids {
		if policy.BlobsOnly {
			n, err := s.dropBlobs(ctx, id)
			if err != nil {
				return report, err
			}
			report.BlobsRemoved += n
			continue
		}
		if s.index != nil {
			if err := s.index.RemoveCapture(ctx, id); err != nil {
				return report, fmt.Errorf("capstore: evict %s: %w", id, err)
			}
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM captures WHERE id = ?`, id); err != nil {
			return report, fmt.Errorf("capstore: delete %s: %w", id, err)
		}
		report.RecordsRemoved++
		s.logger.Info("capstore: evicted", "capture_id", id)
	}
	return report, nil
}

// evictionCandidates returns unpinned capture IDs the policy selects,
// oldest first.
func (s *Store) evictionCandidates(ctx context.Context, policy EvictPolicy) ([]string, error) {
	seen := map[string]bool{}
	var ids []string

	collect := func(query string, args ...any) error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("capstore: candidates: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		return rows.Err()
	}

	if policy.TTL > 0 {
		cutoff := time.Now().Add(-policy.TTL).UnixMilli()
		if err := collect(
			`SELECT id FROM captures WHERE pinned = 0 AND created_at < ? ORDER BY created_at`,
			cutoff); err != nil {
			return nil, err
		}
	}

	if policy.MaxRecords > 0 {
		total, err := s.Count(ctx)
		if err != nil {
			return nil, err
		}
		if excess := total - policy.MaxRecords; excess > 0 {
			if err := collect(
				`SELECT id FROM captures WHERE pinned = 0 ORDER BY last_access, created_at LIMIT ?`,
				excess); err != nil {
				return nil, err
			}
		}
	}
	return ids, nil
}

// dropBlobs removes the large binary artifacts of one record, keeping
// the trace and the record row itself.
func (s *Store) dropBlobs(ctx context.Context, id string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM artifacts
		 WHERE capture_id = ? AND kind != ?`, id, ArtifactTrace)
	if err != nil {
		return 0, fmt.Errorf("capstore: drop blobs %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("capstore: blobs dropped", "capture_id", id, "count", n)
	}
	return int(n), nil
}
