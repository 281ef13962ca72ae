// Package capqueue admits, deduplicates, and schedules capture jobs.
//
// The in-memory state object is authoritative; an optional SQLite
// journal mirrors job transitions for post-mortem inspection but is
// never read back on the hot path. All state lives behind one mutex —
// admission, dequeue, and completion are short critical sections.
package capqueue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/hazyhaar/captrace/idgen"
)

var (
	// ErrInvalidURL rejects submissions whose target cannot be parsed
	// as an http(s) URL.
	ErrInvalidURL = errors.New("capqueue: invalid target URL")
	// ErrRejected is returned when an equivalent request is already
	// pending or running and Force was not set.
	ErrRejected = errors.New("capqueue: equivalent capture already in flight")
	// ErrUnknownJob is returned for job IDs the queue has never issued.
	ErrUnknownJob = errors.New("capqueue: unknown job")
	// ErrBadTransition is returned when an operation does not apply to
	// the job's current state.
	ErrBadTransition = errors.New("capqueue: invalid state transition")
	// ErrClosed is returned by Submit and Next after Close.
	ErrClosed = errors.New("capqueue: queue closed")
)

// JobState is the lifecycle state of a capture job.
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCanceled  JobState = "canceled"
	StateAbandoned JobState = "abandoned"
)

// SeedCookie is a cookie injected into the browser before navigation.
type SeedCookie struct {
	Name   string `json:"name" yaml:"name"`
	Value  string `json:"value" yaml:"value"`
	Domain string `json:"domain" yaml:"domain"`
	Path   string `json:"path,omitempty" yaml:"path,omitempty"`
}

// CaptureRequest is one submission.
type CaptureRequest struct {
	URL        string       `json:"url"`
	ContextTag string       `json:"context_tag,omitempty"`
	Priority   int          `json:"priority,omitempty"`
	Force      bool         `json:"force,omitempty"`
	Referer    string       `json:"referer,omitempty"`
	UserAgent  string       `json:"user_agent,omitempty"`
	Cookies    []SeedCookie `json:"cookies,omitempty"`
}

// Job is a queued capture. Fields other than the snapshot accessors
// must only be touched while holding the queue lock; consumers treat
// the pointer handed out by Next as read-only except through queue
// methods.
type Job struct {
	ID            string
	Request       CaptureRequest
	NormalizedURL string
	SeenBefore    bool
	Attempts      int
	EnqueuedAt    time.Time

	state          JobState
	seq            uint64
	notBefore      time.Time
	timeoutRetries int
	captureID      string
	lastError      string
	forced         bool
	cancelCh       chan struct{}
}

// Cancelled returns a channel closed when Cancel is called on a
// running job. Workers select on it to tear the session down early.
func (j *Job) Cancelled() <-chan struct{} { return j.cancelCh }

// OutcomeKind classifies how a capture attempt ended.
type OutcomeKind string

const (
	// OutcomeSuccess: capture persisted and indexed.
	OutcomeSuccess OutcomeKind = "success"
	// OutcomeRetryable: infrastructure failure (browser crash, session
	// acquisition); re-enqueued with backoff up to MaxAttempts.
	OutcomeRetryable OutcomeKind = "retryable"
	// OutcomePermanent: the job can never succeed (invalid target at
	// navigation time); no retry.
	OutcomePermanent OutcomeKind = "permanent"
	// OutcomeTimedOut: wall-clock deadline hit; retried exactly once.
	OutcomeTimedOut OutcomeKind = "timed_out"
	// OutcomeCanceled: operator cancellation; partial work discarded.
	OutcomeCanceled OutcomeKind = "canceled"
)

// Outcome reports the result of a capture attempt back to the queue.
type Outcome struct {
	Kind      OutcomeKind
	CaptureID string
	Err       error
}

// JobStatus is a point-in-time snapshot safe to hand to callers.
type JobStatus struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	ContextTag string    `json:"context_tag,omitempty"`
	State      JobState  `json:"state"`
	Attempts   int       `json:"attempts"`
	SeenBefore bool      `json:"seen_before"`
	CaptureID  string    `json:"capture_id,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// AbandonedJob is a job that exhausted its retries. Abandoned jobs are
// reported, never silently dropped.
type AbandonedJob struct {
	Status JobStatus `json:"status"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Config tunes queue behaviour. Zero values get defaults.
type Config struct {
	// MaxAttempts bounds retryable-failure attempts per job.
	MaxAttempts int `yaml:"max_attempts"`
	// BaseBackoff is the first retry delay; it doubles per attempt.
	BaseBackoff time.Duration `yaml:"base_backoff"`
	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration `yaml:"max_backoff"`
	// StripParams are query parameters removed during URL
	// normalization (tracking params). Empty by default: query params
	// are significant unless the operator says otherwise.
	StripParams []string `yaml:"strip_params"`
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Minute
	}
}

// Queue is the capture admission and scheduling manager.
type Queue struct {
	cfg     Config
	logger  *slog.Logger
	journal *Journal
	newID   idgen.Generator
	now     func() time.Time

	mu        sync.Mutex
	closed    bool
	seq       uint64
	ready     jobHeap
	delayed   []*Job
	jobs      map[string]*Job
	inflight  map[string]string // dedup key -> job ID holding the slot
	abandoned []AbandonedJob
	seen      *bloom.BloomFilter
	wake      chan struct{}
	done      chan struct{}
}

// New creates a Queue. journal may be nil to run without persistence.
func New(cfg Config, journal *Journal, logger *slog.Logger) *Queue {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		cfg:     cfg,
		logger:  logger,
		journal: journal,
		newID:   idgen.Prefixed("job_", idgen.UUIDv7()),
		now:     time.Now,
		jobs:    make(map[string]*Job),
		inflight: make(map[string]string),
		// Sized for a day of heavy submissions; false positives only
		// mislabel the seen-before hint, they never block admission.
		seen: bloom.NewWithEstimates(1_000_000, 0.001),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Submit admits a capture request. Equivalent in-flight requests (same
// normalized URL and context tag) are rejected unless Force is set; a
// forced job bypasses dedup entirely and never occupies the dedup slot.
func (q *Queue) Submit(ctx context.Context, req CaptureRequest) (string, error) {
	norm, err := NormalizeTargetURL(req.URL, q.cfg.StripParams)
	if err != nil {
		return "", err
	}
	key := dedupKey(norm, req.ContextTag)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrClosed
	}

	if !req.Force {
		if holder, ok := q.inflight[key]; ok {
			return "", fmt.Errorf("%w: job %s", ErrRejected, holder)
		}
	}

	q.seq++
	job := &Job{
		ID:            q.newID(),
		Request:       req,
		NormalizedURL: norm,
		SeenBefore:    q.seen.TestString(key),
		EnqueuedAt:    q.now(),
		state:         StatePending,
		seq:           q.seq,
		forced:        req.Force,
		cancelCh:      make(chan struct{}),
	}
	q.seen.AddString(key)
	q.jobs[job.ID] = job
	if !req.Force {
		q.inflight[key] = job.ID
	}
	heap.Push(&q.ready, job)
	q.signal()

	q.logger.Info("capqueue: admitted",
		"job_id", job.ID, "url", req.URL, "priority", req.Priority,
		"seen_before", job.SeenBefore, "forced", req.Force)
	q.journalLocked(job)
	return job.ID, nil
}

// Next blocks until a job is available or ctx is done. The returned
// job is in StateRunning; the caller must eventually call Complete or
// Requeue for it.
func (q *Queue) Next(ctx context.Context) (*Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		job, earliest := q.dequeueLocked()
		if job != nil {
			job.state = StateRunning
			job.Attempts++
			q.journalLocked(job)
			q.mu.Unlock()
			return job, nil
		}
		q.mu.Unlock()

		var timer *time.Timer
		var due <-chan time.Time
		if !earliest.IsZero() {
			timer = time.NewTimer(earliest.Sub(q.now()))
			due = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-q.done:
			if timer != nil {
				timer.Stop()
			}
			return nil, ErrClosed
		case <-q.wake:
		case <-due:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// dequeueLocked promotes due delayed jobs and pops the best ready job.
// When nothing is ready it returns the earliest delayed wake-up time.
func (q *Queue) dequeueLocked() (*Job, time.Time) {
	now := q.now()
	kept := q.delayed[:0]
	for _, j := range q.delayed {
		if j.state == StatePending && !j.notBefore.After(now) {
			heap.Push(&q.ready, j)
		} else if j.state == StatePending {
			kept = append(kept, j)
		}
	}
	q.delayed = kept

	for q.ready.Len() > 0 {
		job := heap.Pop(&q.ready).(*Job)
		if job.state != StatePending {
			continue // canceled while queued
		}
		return job, time.Time{}
	}

	var earliest time.Time
	for _, j := range q.delayed {
		if earliest.IsZero() || j.notBefore.Before(earliest) {
			earliest = j.notBefore
		}
	}
	return nil, earliest
}

// Complete reports the outcome of a running job and drives the state
// transition: success and permanent failures are terminal, retryable
// failures re-enqueue with exponential backoff until MaxAttempts,
// timeouts are retried exactly once.
func (q *Queue) Complete(jobID string, outcome Outcome) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return ErrUnknownJob
	}
	if job.state != StateRunning {
		return fmt.Errorf("%w: complete on %s job", ErrBadTransition, job.state)
	}
	if outcome.Err != nil {
		job.lastError = outcome.Err.Error()
	}
	// A timed-out attempt may still have persisted a partial capture.
	if outcome.CaptureID != "" {
		job.captureID = outcome.CaptureID
	}

	switch outcome.Kind {
	case OutcomeSuccess:
		job.state = StateCompleted
		q.releaseLocked(job)
		q.logger.Info("capqueue: completed", "job_id", jobID, "capture_id", outcome.CaptureID)

	case OutcomePermanent:
		job.state = StateFailed
		q.releaseLocked(job)
		q.logger.Warn("capqueue: failed", "job_id", jobID, "error", job.lastError)

	case OutcomeCanceled:
		job.state = StateCanceled
		q.releaseLocked(job)
		q.logger.Info("capqueue: canceled", "job_id", jobID)

	case OutcomeRetryable:
		if job.Attempts >= q.cfg.MaxAttempts {
			q.abandonLocked(job, fmt.Sprintf("retries exhausted after %d attempts", job.Attempts))
			break
		}
		q.requeueLocked(job, q.backoff(job.Attempts))
		q.logger.Warn("capqueue: retrying",
			"job_id", jobID, "attempt", job.Attempts, "error", job.lastError)

	case OutcomeTimedOut:
		if job.timeoutRetries >= 1 {
			q.abandonLocked(job, "timed out twice")
			break
		}
		job.timeoutRetries++
		q.requeueLocked(job, q.cfg.BaseBackoff)
		q.logger.Warn("capqueue: timed out, retrying once", "job_id", jobID)

	default:
		return fmt.Errorf("%w: outcome %q", ErrBadTransition, outcome.Kind)
	}

	q.journalLocked(job)
	return nil
}

// Requeue returns a dequeued-but-unprocessed job to pending without
// consuming an attempt. Workers call it for jobs in hand at shutdown.
func (q *Queue) Requeue(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return ErrUnknownJob
	}
	if job.state != StateRunning {
		return fmt.Errorf("%w: requeue on %s job", ErrBadTransition, job.state)
	}
	job.Attempts--
	q.requeueLocked(job, 0)
	q.journalLocked(job)
	return nil
}

// Cancel cancels a pending or running job. Pending jobs leave the
// queue immediately; running jobs get their cancellation channel
// closed and finish through Complete(OutcomeCanceled).
func (q *Queue) Cancel(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return ErrUnknownJob
	}
	switch job.state {
	case StatePending:
		job.state = StateCanceled
		q.releaseLocked(job)
		q.journalLocked(job)
		q.logger.Info("capqueue: canceled while pending", "job_id", jobID)
		return nil
	case StateRunning:
		select {
		case <-job.cancelCh:
		default:
			close(job.cancelCh)
		}
		return nil
	default:
		return fmt.Errorf("%w: cancel on %s job", ErrBadTransition, job.state)
	}
}

// Status returns a snapshot of a job.
func (q *Queue) Status(jobID string) (JobStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return JobStatus{}, ErrUnknownJob
	}
	return q.snapshotLocked(job), nil
}

// Abandoned returns the report of jobs that exhausted their retries.
func (q *Queue) Abandoned() []AbandonedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]AbandonedJob, len(q.abandoned))
	copy(out, q.abandoned)
	return out
}

// Depth returns the number of jobs waiting to run (ready + delayed).
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, j := range q.jobs {
		if j.state == StatePending {
			n++
		}
	}
	return n
}

// Close stops admission and dequeueing. Jobs already handed to
// workers finish through Complete or Requeue.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

func (q *Queue) backoff(attempt int) time.Duration {
	d := q.cfg.BaseBackoff << (attempt - 1)
	if d > q.cfg.MaxBackoff || d <= 0 {
		d = q.cfg.MaxBackoff
	}
	return d
}

func (q *Queue) requeueLocked(job *Job, delay time.Duration) {
	job.state = StatePending
	job.notBefore = q.now().Add(delay)
	if delay <= 0 {
		heap.Push(&q.ready, job)
	} else {
		q.delayed = append(q.delayed, job)
	}
	q.signal()
}

func (q *Queue) abandonLocked(job *Job, reason string) {
	job.state = StateAbandoned
	q.releaseLocked(job)
	q.abandoned = append(q.abandoned, AbandonedJob{
		Status: q.snapshotLocked(job),
		Reason: reason,
		At:     q.now(),
	})
	q.logger.Error("capqueue: abandoned",
		"job_id", job.ID, "url", job.Request.URL, "reason", reason)
}

// releaseLocked frees the dedup slot held by a non-forced job.
func (q *Queue) releaseLocked(job *Job) {
	if job.forced {
		return
	}
	key := dedupKey(job.NormalizedURL, job.Request.ContextTag)
	if q.inflight[key] == job.ID {
		delete(q.inflight, key)
	}
}

func (q *Queue) snapshotLocked(job *Job) JobStatus {
	return JobStatus{
		ID:         job.ID,
		URL:        job.Request.URL,
		ContextTag: job.Request.ContextTag,
		State:      job.state,
		Attempts:   job.Attempts,
		SeenBefore: job.SeenBefore,
		CaptureID:  job.captureID,
		LastError:  job.lastError,
		EnqueuedAt: job.EnqueuedAt,
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// journalLocked hands a snapshot to the async journal writer. Callers
// hold q.mu; the journal never blocks.
func (q *Queue) journalLocked(job *Job) {
	if q.journal == nil {
		return
	}
	q.journal.Record(q.snapshotLocked(job), job.NormalizedURL, job.Request.Priority)
}

// jobHeap orders pending jobs by priority (higher first), then FIFO by
// admission sequence.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].Request.Priority != h[j].Request.Priority {
		return h[i].Request.Priority > h[j].Request.Priority
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)   { *h = append(*h, x.(*Job)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return j
}
