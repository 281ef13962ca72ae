package capqueue

import (
	"database/sql"
	"log/slog"
	"sync"
	"time"
)

// JournalSchema mirrors job transitions to SQLite for post-mortem
// inspection. The in-memory queue is authoritative; the journal is
// write-only on the hot path and never read back.
const JournalSchema = `
CREATE TABLE IF NOT EXISTS capture_jobs (
    id             TEXT PRIMARY KEY,
    url            TEXT NOT NULL,
    normalized_url TEXT NOT NULL,
    context_tag    TEXT NOT NULL DEFAULT '',
    priority       INTEGER NOT NULL DEFAULT 0,
    state          TEXT NOT NULL,
    attempts       INTEGER NOT NULL DEFAULT 0,
    seen_before    INTEGER NOT NULL DEFAULT 0,
    capture_id     TEXT NOT NULL DEFAULT '',
    last_error     TEXT NOT NULL DEFAULT '',
    enqueued_at    INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_capture_jobs_state ON capture_jobs(state, updated_at);
`

type journalEntry struct {
	status   JobStatus
	normURL  string
	priority int
	at       int64
}

// Journal is a buffered async writer for job transitions. Entries are
// dropped with a warning when the buffer is full rather than blocking
// the queue lock.
type Journal struct {
	db        *sql.DB
	logger    *slog.Logger
	entries   chan journalEntry
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewJournal applies the schema and starts the writer goroutine.
func NewJournal(db *sql.DB, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.Exec(JournalSchema); err != nil {
		return nil, err
	}
	j := &Journal{
		db:      db,
		logger:  logger,
		entries: make(chan journalEntry, 256),
		done:    make(chan struct{}),
	}
	j.wg.Add(1)
	go j.writeLoop()
	return j, nil
}

// Record queues one transition snapshot. Non-blocking.
func (j *Journal) Record(status JobStatus, normalizedURL string, priority int) {
	e := journalEntry{
		status:   status,
		normURL:  normalizedURL,
		priority: priority,
		at:       time.Now().UnixMilli(),
	}
	select {
	case j.entries <- e:
	default:
		j.logger.Warn("capqueue: journal buffer full, entry dropped", "job_id", status.ID)
	}
}

// Close drains buffered entries and stops the writer.
func (j *Journal) Close() {
	j.closeOnce.Do(func() {
		close(j.done)
		j.wg.Wait()
	})
}

func (j *Journal) writeLoop() {
	defer j.wg.Done()
	for {
		select {
		case e := <-j.entries:
			j.write(e)
		case <-j.done:
			for {
				select {
				case e := <-j.entries:
					j.write(e)
				default:
					return
				}
			}
		}
	}
}

func (j *Journal) write(e journalEntry) {
	_, err := j.db.Exec(
		`INSERT INTO capture_jobs
		   (id, url, normalized_url, context_tag, priority, state, attempts,
		    seen_before, capture_id, last_error, enqueued_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   state = excluded.state,
		   attempts = excluded.attempts,
		   capture_id = excluded.capture_id,
		   last_error = excluded.last_error,
		   updated_at = excluded.updated_at`,
		e.status.ID, e.status.URL, e.normURL, e.status.ContextTag, e.priority,
		string(e.status.State), e.status.Attempts, e.status.SeenBefore,
		e.status.CaptureID, e.status.LastError,
		e.status.EnqueuedAt.UnixMilli(), e.at)
	if err != nil {
		j.logger.Warn("capqueue: journal write failed", "job_id", e.status.ID, "error", err)
	}
}
