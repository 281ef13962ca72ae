// Package capture orchestrates the pipeline: queued jobs drive a
// browser session, the raw event stream is normalized into a trace,
// the trace becomes a tree, the capture is persisted, and its facet
// hashes land in the correlation index.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/captrace/capqueue"
	"github.com/hazyhaar/captrace/capstore"
	"github.com/hazyhaar/captrace/captree"
	"github.com/hazyhaar/captrace/capture/internal/session"
	"github.com/hazyhaar/captrace/corindex"
	"github.com/hazyhaar/captrace/idgen"
	"github.com/hazyhaar/captrace/observability"
	"github.com/hazyhaar/captrace/trace"
)

// ErrNotFound is returned for unknown capture IDs.
var ErrNotFound = errors.New("capture: not found")

// errStorage marks persistence failures in the post-session pipeline.
// A capture that cannot be written will not be written on a retry
// either, so these settle as permanent.
var errStorage = errors.New("capture: storage failure")

// Driver runs one browser navigation. The production implementation
// is the session manager; tests substitute a fake.
type Driver interface {
	Capture(ctx context.Context, req session.Request) (*session.Result, error)
}

// Service wires the queue, the worker pool, the browser driver, the
// store, and the correlation index together.
type Service struct {
	cfg     *Config
	queue   *capqueue.Queue
	store   *capstore.Store
	index   *corindex.Index
	driver  Driver
	metrics *observability.MetricsManager
	logger  *slog.Logger
	newID   idgen.Generator

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService assembles a Service. metrics may be nil.
func NewService(cfg *Config, queue *capqueue.Queue, store *capstore.Store,
	index *corindex.Index, driver Driver, metrics *observability.MetricsManager,
	logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Service{
		cfg:     cfg,
		queue:   queue,
		store:   store,
		index:   index,
		driver:  driver,
		metrics: metrics,
		logger:  logger,
		newID:   idgen.Prefixed("cap_", idgen.UUIDv7()),
	}
}

// Start launches the worker pool and the retention sweeper. Workers
// run until ctx is cancelled or Close is called.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go func(n int) {
			defer s.wg.Done()
			s.worker(ctx, n)
		}(i)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sweepLoop(ctx)
	}()

	s.logger.Info("capture: started", "workers", s.cfg.Workers)
}

// Close stops the workers and waits for in-flight jobs to settle.
func (s *Service) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.queue.Close()
}

// Submit admits a capture request through the queue.
func (s *Service) Submit(ctx context.Context, req capqueue.CaptureRequest) (string, error) {
	jobID, err := s.queue.Submit(ctx, req)
	if err != nil {
		return "", err
	}
	if s.metrics != nil {
		s.metrics.RecordSimple(observability.MetricQueueDepth, float64(s.queue.Depth()), "jobs")
	}
	return jobID, nil
}

// Status returns a job snapshot.
func (s *Service) Status(jobID string) (capqueue.JobStatus, error) {
	return s.queue.Status(jobID)
}

// Cancel cancels a job; running captures tear down their session.
func (s *Service) Cancel(jobID string) error {
	return s.queue.Cancel(jobID)
}

// Abandoned returns the retry-exhaustion report.
func (s *Service) Abandoned() []capqueue.AbandonedJob {
	return s.queue.Abandoned()
}

// GetCapture returns a stored capture record.
func (s *Service) GetCapture(ctx context.Context, captureID string) (*capstore.Record, error) {
	rec, err := s.store.Get(ctx, captureID)
	if errors.Is(err, capstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, captureID)
	}
	return rec, err
}

// GetArtifact returns one artifact blob of a capture.
func (s *Service) GetArtifact(ctx context.Context, captureID, kind string) ([]byte, error) {
	data, err := s.store.GetArtifact(ctx, captureID, kind)
	if errors.Is(err, capstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, captureID, kind)
	}
	return data, err
}

// Related returns the capture IDs sharing a facet hash, newest first.
func (s *Service) Related(ctx context.Context, facet corindex.Facet, hash string) ([]string, error) {
	return s.index.Lookup(ctx, facet, hash)
}

// Pin exempts a capture from TTL eviction; unpin re-includes it.
func (s *Service) Pin(ctx context.Context, captureID string, pinned bool) error {
	err := s.store.SetPinned(ctx, captureID, pinned)
	if errors.Is(err, capstore.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, captureID)
	}
	return err
}

// process runs the post-session pipeline for one finished navigation:
// normalize, build the tree, persist, then index. The store commit
// strictly precedes indexing so an index lookup always resolves.
func (s *Service) process(ctx context.Context, job *capqueue.Job, res *session.Result) (string, error) {
	entries := trace.Normalize(res.Events)
	tree := captree.Build(entries, job.Request.URL)
	if tree.FinalURL == "" {
		tree.FinalURL = res.FinalURL
	}

	captureID := s.newID()
	rec := &capstore.Record{
		ID:           captureID,
		RequestedURL: job.Request.URL,
		FinalURL:     tree.FinalURL,
		ContextTag:   job.Request.ContextTag,
		Tree:         tree,
	}

	artifacts := []capstore.Artifact{
		{Kind: capstore.ArtifactScreenshot, Data: res.Screenshot},
		{Kind: capstore.ArtifactHTML, Data: res.HTML},
		{Kind: capstore.ArtifactFavicon, Data: res.Favicon},
	}
	for _, ev := range res.Events {
		if ev.Kind == trace.KindFinished && len(ev.Body) > 0 {
			artifacts = append(artifacts, capstore.Artifact{
				Kind: capstore.BodyKind(ev.RequestID), Data: ev.Body,
			})
		}
	}

	if err := s.store.Put(ctx, rec, entries, artifacts); err != nil {
		return "", fmt.Errorf("%w: store: %v", errStorage, err)
	}

	hashes, unknown := extractFacets(tree, res)
	if err := s.index.Add(ctx, captureID, hashes, unknown); err != nil {
		return "", fmt.Errorf("%w: index: %v", errStorage, err)
	}

	if s.metrics != nil {
		s.metrics.RecordSimple(observability.MetricTraceEntries, float64(len(entries)), "entries")
		s.metrics.RecordSimple(observability.MetricIndexedFacets, float64(len(hashes)), "hashes")
	}
	s.logger.Info("capture: persisted",
		"capture_id", captureID, "job_id", job.ID,
		"entries", len(entries), "nodes", tree.NodeCount(), "final_url", tree.FinalURL)
	return captureID, nil
}

// sweepLoop runs the retention policy periodically.
func (s *Service) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Retention.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.store.Evict(ctx, capstore.EvictPolicy{
				TTL:        s.cfg.Retention.TTL,
				MaxRecords: s.cfg.Retention.MaxRecords,
				BlobsOnly:  s.cfg.Retention.BlobsOnly,
			})
			if err != nil {
				s.logger.Error("capture: eviction sweep failed", "error", err)
				continue
			}
			if report.RecordsRemoved > 0 || report.BlobsRemoved > 0 {
				s.logger.Info("capture: eviction sweep",
					"records", report.RecordsRemoved, "blobs", report.BlobsRemoved)
				if s.metrics != nil {
					s.metrics.RecordSimple(observability.MetricEvictedRecords, float64(report.RecordsRemoved), "records")
				}
			}
		}
	}
}
