package capture

import (
	"context"
	"errors"
	"time"

	"github.com/hazyhaar/captrace/capqueue"
	"github.com/hazyhaar/captrace/capture/internal/session"
	"github.com/hazyhaar/captrace/observability"
)

// worker pulls jobs until ctx is cancelled. One worker drives one
// browser session at a time.
func (s *Service) worker(ctx context.Context, n int) {
	log := s.logger.With("worker", n)
	for {
		job, err := s.queue.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, capqueue.ErrClosed) {
				log.Error("capture: dequeue failed", "error", err)
			}
			return
		}
		s.runJob(ctx, job)
	}
}

// runJob executes one capture attempt under the job timeout and
// settles its outcome with the queue. Session teardown happens inside
// the driver on every exit path; runJob only decides what the attempt
// meant.
func (s *Service) runJob(ctx context.Context, job *capqueue.Job) {
	start := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	// Propagate operator cancellation into the session context.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-job.Cancelled():
			cancel()
		case <-watchDone:
		}
	}()

	res, err := s.driver.Capture(jobCtx, session.Request{
		URL:       job.Request.URL,
		Referer:   job.Request.Referer,
		UserAgent: job.Request.UserAgent,
		Cookies:   seedCookies(job.Request.Cookies),
	})

	// Service shutdown: hand the job back untouched.
	if ctx.Err() != nil && !cancelRequested(job) {
		if rqErr := s.queue.Requeue(job.ID); rqErr != nil {
			s.logger.Warn("capture: requeue at shutdown failed", "job_id", job.ID, "error", rqErr)
		}
		return
	}

	outcome := s.settle(ctx, job, res, err)
	if cErr := s.queue.Complete(job.ID, outcome); cErr != nil {
		s.logger.Error("capture: complete failed", "job_id", job.ID, "error", cErr)
	}

	if s.metrics != nil {
		s.metrics.RecordSimple(observability.MetricCaptureDurationMs,
			float64(time.Since(start).Milliseconds()), "ms")
		s.metrics.RecordOutcome(string(outcome.Kind))
	}
}

// settle maps a session result to a queue outcome.
//
//   - Cancellation discards partial events: the operator asked for the
//     work to stop, persisting half a capture helps nobody.
//   - Timeout forwards partial events: the normalizer marks what is
//     incomplete, and a half-loaded phishing page is still evidence.
//   - Network failures of the target never reach here as errors; the
//     session records them as trace content.
func (s *Service) settle(ctx context.Context, job *capqueue.Job, res *session.Result, err error) capqueue.Outcome {
	if cancelRequested(job) {
		return capqueue.Outcome{Kind: capqueue.OutcomeCanceled, Err: err}
	}

	// Persistence must outlive a service shutdown that lands between
	// the navigation finishing and the store commit: a capture that
	// completed gets written, not failed.
	persistCtx := context.WithoutCancel(ctx)

	switch {
	case err == nil:
		captureID, perr := s.process(persistCtx, job, res)
		if perr != nil {
			s.logger.Error("capture: pipeline failed", "job_id", job.ID, "error", perr)
			// Storage failures won't heal on a re-navigation.
			if errors.Is(perr, errStorage) {
				return capqueue.Outcome{Kind: capqueue.OutcomePermanent, Err: perr}
			}
			return capqueue.Outcome{Kind: capqueue.OutcomeRetryable, Err: perr}
		}
		return capqueue.Outcome{Kind: capqueue.OutcomeSuccess, CaptureID: captureID}

	case errors.Is(err, context.DeadlineExceeded):
		outcome := capqueue.Outcome{Kind: capqueue.OutcomeTimedOut, Err: err}
		if res != nil && len(res.Events) > 0 {
			captureID, perr := s.process(persistCtx, job, res)
			if perr != nil {
				s.logger.Error("capture: partial pipeline failed", "job_id", job.ID, "error", perr)
			} else {
				outcome.CaptureID = captureID
				s.logger.Warn("capture: timed out, partial capture kept",
					"job_id", job.ID, "capture_id", captureID, "events", len(res.Events))
			}
		}
		return outcome

	default:
		// Browser-level failure: crash, lost connection, page refused.
		return capqueue.Outcome{Kind: capqueue.OutcomeRetryable, Err: err}
	}
}

func cancelRequested(job *capqueue.Job) bool {
	select {
	case <-job.Cancelled():
		return true
	default:
		return false
	}
}

func seedCookies(in []capqueue.SeedCookie) []session.Cookie {
	if len(in) == 0 {
		return nil
	}
	out := make([]session.Cookie, len(in))
	for i, c := range in {
		out[i] = session.Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path}
	}
	return out
}
