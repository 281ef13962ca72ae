package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/captrace/capqueue"
	"github.com/hazyhaar/captrace/capstore"
	"github.com/hazyhaar/captrace/capture/internal/session"
	"github.com/hazyhaar/captrace/corindex"
	"github.com/hazyhaar/captrace/dbopen"
	"github.com/hazyhaar/captrace/trace"
)

// fakeDriver substitutes the browser: each call pops the next scripted
// behaviour, the last one repeats.
type fakeDriver struct {
	mu    sync.Mutex
	steps []func(ctx context.Context, req session.Request) (*session.Result, error)
	calls int
}

func (d *fakeDriver) Capture(ctx context.Context, req session.Request) (*session.Result, error) {
	d.mu.Lock()
	step := d.steps[len(d.steps)-1]
	if d.calls < len(d.steps) {
		step = d.steps[d.calls]
	}
	d.calls++
	d.mu.Unlock()
	return step(ctx, req)
}

func (d *fakeDriver) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type testEnv struct {
	svc   *Service
	store *capstore.Store
	index *corindex.Index
	queue *capqueue.Queue
}

func newTestEnv(t *testing.T, drv Driver, mutate func(*Config)) *testEnv {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(capstore.Schema+corindex.Schema))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	index := corindex.New(db, logger)
	store := capstore.New(db, index, logger)
	queue := capqueue.New(capqueue.Config{BaseBackoff: time.Millisecond}, nil, logger)

	cfg := &Config{Workers: 1, JobTimeout: 5 * time.Second}
	cfg.applyDefaults()
	if mutate != nil {
		mutate(cfg)
	}

	svc := NewService(cfg, queue, store, index, drv, nil, logger)
	svc.Start(context.Background())
	t.Cleanup(svc.Close)
	return &testEnv{svc: svc, store: store, index: index, queue: queue}
}

// waitTerminal polls a job until it leaves pending/running.
func waitTerminal(t *testing.T, svc *Service, jobID string) capqueue.JobStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := svc.Status(jobID)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		switch st.State {
		case capqueue.StatePending, capqueue.StateRunning:
			time.Sleep(5 * time.Millisecond)
		default:
			return st
		}
	}
	t.Fatalf("job %s never settled", jobID)
	return capqueue.JobStatus{}
}

// phishingResult scripts the redirect scenario: the requested page 302s
// to a second host which serves the landing page and a favicon.
func phishingResult(fromURL, toURL string, body, favicon []byte) *session.Result {
	return &session.Result{
		FinalURL: toURL,
		Events: []trace.RawEvent{
			{Kind: trace.KindRequest, Seq: 1, RequestID: "r1", Method: "GET", URL: fromURL,
				ResourceType: "Document", FrameID: "f1"},
			{Kind: trace.KindNavigation, Seq: 2, RequestID: "r1", URL: fromURL},
			{Kind: trace.KindRedirect, Seq: 3, RequestID: "r1", NewRequestID: "r1#1",
				URL: toURL, Status: 302,
				Headers: []trace.Header{{Name: "Location", Value: toURL}, {Name: "Server", Value: "nginx"}}},
			{Kind: trace.KindResponse, Seq: 4, RequestID: "r1#1", Status: 200, MimeType: "text/html",
				Headers: []trace.Header{{Name: "Content-Type", Value: "text/html"}, {Name: "Server", Value: "nginx"}}},
			{Kind: trace.KindFinished, Seq: 5, RequestID: "r1#1", Body: body},
		},
		HTML:       body,
		Screenshot: []byte{0x89, 0x50, 0x4e, 0x47},
		Favicon:    favicon,
		Cookies:    []session.Cookie{{Name: "PHPSESSID", Value: "abc", Domain: "b.example"}},
	}
}

func TestPipeline_EndToEnd(t *testing.T) {
	// WHAT: A capture of a.example redirecting to b.example/login flows
	// through normalize, tree build, store, and index; a later capture of
	// c.example reusing the same favicon becomes discoverable through the
	// correlation index, newest first.
	body := []byte("<html>fake login</html>")
	favicon := []byte{0x00, 0x01, 0x02}
	drv := &fakeDriver{steps: []func(ctx context.Context, req session.Request) (*session.Result, error){
		func(ctx context.Context, req session.Request) (*session.Result, error) {
			return phishingResult("https://a.example/", "https://b.example/login", body, favicon), nil
		},
	}}
	env := newTestEnv(t, drv, nil)
	ctx := context.Background()

	jobID, err := env.svc.Submit(ctx, capqueue.CaptureRequest{URL: "https://a.example/"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	st := waitTerminal(t, env.svc, jobID)
	if st.State != capqueue.StateCompleted || st.CaptureID == "" {
		t.Fatalf("job = %+v, want completed with capture ID", st)
	}
	capA := st.CaptureID

	rec, err := env.svc.GetCapture(ctx, capA)
	if err != nil {
		t.Fatalf("get capture: %v", err)
	}
	if rec.FinalURL != "https://b.example/login" {
		t.Errorf("final URL = %s", rec.FinalURL)
	}
	root := rec.Tree.Root
	if root == nil {
		t.Fatal("no tree root")
	}
	if len(root.Hops) != 2 {
		t.Errorf("root hops = %d, want 2 (chain collapsed into one node)", len(root.Hops))
	}
	if root.Entry.URL != "https://b.example/login" {
		t.Errorf("root entry URL = %s, want the landing page", root.Entry.URL)
	}

	bodyHash := trace.HashBody(body)
	if root.Entry.BodyHash != bodyHash {
		t.Errorf("root body hash = %s, want %s", root.Entry.BodyHash, bodyHash)
	}

	// The capture is reachable through every facet it produced.
	for _, tc := range []struct {
		facet corindex.Facet
		hash  string
	}{
		{corindex.FacetBody, bodyHash},
		{corindex.FacetFavicon, trace.HashBody(favicon)},
		{corindex.FacetCookieName, "PHPSESSID"},
	} {
		ids, err := env.svc.Related(ctx, tc.facet, tc.hash)
		if err != nil {
			t.Fatalf("related %s: %v", tc.facet, err)
		}
		if len(ids) != 1 || ids[0] != capA {
			t.Errorf("related(%s) = %v, want [%s]", tc.facet, ids, capA)
		}
	}

	// Artifacts live under their fixed sub-keys.
	if html, err := env.svc.GetArtifact(ctx, capA, capstore.ArtifactHTML); err != nil || !bytes.Equal(html, body) {
		t.Errorf("html artifact = %v (%v)", html, err)
	}
	if b, err := env.svc.GetArtifact(ctx, capA, capstore.BodyKind("r1#1")); err != nil || !bytes.Equal(b, body) {
		t.Errorf("body artifact = %v (%v)", b, err)
	}

	// Second sighting on a fresh host, same favicon.
	drv.mu.Lock()
	drv.steps = append(drv.steps, func(ctx context.Context, req session.Request) (*session.Result, error) {
		res := phishingResult("https://c.example/", "https://c.example/", []byte("<html>other</html>"), favicon)
		res.Events = res.Events[:2] // no redirect this time
		res.Events = append(res.Events, trace.RawEvent{
			Kind: trace.KindResponse, Seq: 3, RequestID: "r1", Status: 200, MimeType: "text/html",
		}, trace.RawEvent{
			Kind: trace.KindFinished, Seq: 4, RequestID: "r1", Body: []byte("<html>other</html>"),
		})
		return res, nil
	})
	drv.mu.Unlock()

	time.Sleep(2 * time.Millisecond) // distinct index timestamps
	jobID2, err := env.svc.Submit(ctx, capqueue.CaptureRequest{URL: "https://c.example/"})
	if err != nil {
		t.Fatalf("submit c.example: %v", err)
	}
	st2 := waitTerminal(t, env.svc, jobID2)
	if st2.State != capqueue.StateCompleted {
		t.Fatalf("second job = %+v", st2)
	}

	ids, err := env.svc.Related(ctx, corindex.FacetFavicon, trace.HashBody(favicon))
	if err != nil {
		t.Fatalf("related favicon: %v", err)
	}
	if len(ids) != 2 || ids[0] != st2.CaptureID || ids[1] != capA {
		t.Errorf("favicon correlation = %v, want [%s %s] newest first", ids, st2.CaptureID, capA)
	}
}

func TestPipeline_TargetDownIsACapture(t *testing.T) {
	// WHAT: A dead target (DNS failure) yields a completed capture whose
	// trace records the failure; unobserved facets are unknown, not empty.
	drv := &fakeDriver{steps: []func(ctx context.Context, req session.Request) (*session.Result, error){
		func(ctx context.Context, req session.Request) (*session.Result, error) {
			return &session.Result{
				FinalURL: req.URL,
				Events: []trace.RawEvent{
					{Kind: trace.KindRequest, Seq: 1, RequestID: "r1", Method: "GET", URL: req.URL, ResourceType: "Document"},
					{Kind: trace.KindNavigation, Seq: 2, RequestID: "r1", URL: req.URL},
					{Kind: trace.KindFailed, Seq: 3, RequestID: "r1", ErrorText: "net::ERR_NAME_NOT_RESOLVED"},
				},
			}, nil
		},
	}}
	env := newTestEnv(t, drv, nil)
	ctx := context.Background()

	jobID, _ := env.svc.Submit(ctx, capqueue.CaptureRequest{URL: "https://down.example/"})
	st := waitTerminal(t, env.svc, jobID)
	if st.State != capqueue.StateCompleted {
		t.Fatalf("job = %+v, want completed (target failure is content)", st)
	}

	rec, err := env.svc.GetCapture(ctx, st.CaptureID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Tree.Root == nil || rec.Tree.Root.Entry.State != trace.StateErrored {
		t.Errorf("root = %+v, want errored entry", rec.Tree.Root)
	}

	for _, f := range []corindex.Facet{corindex.FacetBody, corindex.FacetFavicon, corindex.FacetCertificate} {
		status, err := env.index.FacetStatus(ctx, st.CaptureID, f)
		if err != nil {
			t.Fatalf("facet status: %v", err)
		}
		if status != corindex.StatusUnknown {
			t.Errorf("facet %s status = %q, want unknown", f, status)
		}
	}
}

func TestPipeline_RetryableFailureRecovers(t *testing.T) {
	crash := errors.New("session: create page: browser gone")
	body := []byte("<html>ok</html>")
	drv := &fakeDriver{steps: []func(ctx context.Context, req session.Request) (*session.Result, error){
		func(ctx context.Context, req session.Request) (*session.Result, error) { return nil, crash },
		func(ctx context.Context, req session.Request) (*session.Result, error) {
			return phishingResult("https://a.example/", "https://b.example/", body, nil), nil
		},
	}}
	env := newTestEnv(t, drv, nil)

	jobID, _ := env.svc.Submit(context.Background(), capqueue.CaptureRequest{URL: "https://a.example/"})
	st := waitTerminal(t, env.svc, jobID)
	if st.State != capqueue.StateCompleted {
		t.Fatalf("job = %+v, want completed after retry", st)
	}
	if st.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", st.Attempts)
	}
	if drv.callCount() != 2 {
		t.Errorf("driver calls = %d, want 2", drv.callCount())
	}
}

func TestPipeline_TimeoutForwardsPartialEvents(t *testing.T) {
	// WHAT: A capture hitting the wall-clock limit still persists the
	// events gathered so far; the job is retried once, then abandoned.
	partial := []trace.RawEvent{
		{Kind: trace.KindRequest, Seq: 1, RequestID: "r1", Method: "GET",
			URL: "https://slow.example/", ResourceType: "Document"},
		{Kind: trace.KindNavigation, Seq: 2, RequestID: "r1", URL: "https://slow.example/"},
	}
	drv := &fakeDriver{steps: []func(ctx context.Context, req session.Request) (*session.Result, error){
		func(ctx context.Context, req session.Request) (*session.Result, error) {
			<-ctx.Done()
			return &session.Result{FinalURL: req.URL, Events: partial}, ctx.Err()
		},
	}}
	env := newTestEnv(t, drv, func(cfg *Config) { cfg.JobTimeout = 30 * time.Millisecond })
	ctx := context.Background()

	jobID, _ := env.svc.Submit(ctx, capqueue.CaptureRequest{URL: "https://slow.example/"})
	st := waitTerminal(t, env.svc, jobID)

	if st.State != capqueue.StateAbandoned {
		t.Fatalf("job = %+v, want abandoned after the single timeout retry", st)
	}
	if drv.callCount() != 2 {
		t.Errorf("driver calls = %d, want 2 (timed out, retried exactly once)", drv.callCount())
	}
	if st.CaptureID == "" {
		t.Fatal("partial capture not recorded")
	}
	rec, err := env.svc.GetCapture(ctx, st.CaptureID)
	if err != nil {
		t.Fatalf("get partial capture: %v", err)
	}
	if rec.Tree.Root == nil || rec.Tree.Root.Entry.State != trace.StateIncomplete {
		t.Errorf("partial root = %+v, want incomplete entry", rec.Tree.Root)
	}
}

func TestPipeline_CancelDiscardsPartialWork(t *testing.T) {
	started := make(chan struct{})
	drv := &fakeDriver{steps: []func(ctx context.Context, req session.Request) (*session.Result, error){
		func(ctx context.Context, req session.Request) (*session.Result, error) {
			close(started)
			<-ctx.Done()
			return &session.Result{FinalURL: req.URL, Events: []trace.RawEvent{
				{Kind: trace.KindRequest, Seq: 1, RequestID: "r1", URL: req.URL},
			}}, ctx.Err()
		},
	}}
	env := newTestEnv(t, drv, nil)
	ctx := context.Background()

	jobID, _ := env.svc.Submit(ctx, capqueue.CaptureRequest{URL: "https://a.example/"})
	<-started
	if err := env.svc.Cancel(jobID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	st := waitTerminal(t, env.svc, jobID)
	if st.State != capqueue.StateCanceled {
		t.Fatalf("job = %+v, want canceled", st)
	}
	if st.CaptureID != "" {
		t.Error("canceled job must not persist a capture")
	}
	if n, _ := env.store.Count(ctx); n != 0 {
		t.Errorf("store count = %d, want 0", n)
	}
}

func TestPipeline_ShutdownAfterNavigationStillPersists(t *testing.T) {
	// WHAT: when the service context is cancelled after the navigation
	// finished but before the store commit, the completed result is
	// still persisted and the job succeeds instead of failing on a
	// cancelled database write.
	db := dbopen.OpenMemory(t, dbopen.WithSchema(capstore.Schema+corindex.Schema))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	index := corindex.New(db, logger)
	store := capstore.New(db, index, logger)
	queue := capqueue.New(capqueue.Config{}, nil, logger)
	drv := &fakeDriver{steps: []func(ctx context.Context, req session.Request) (*session.Result, error){
		func(ctx context.Context, req session.Request) (*session.Result, error) {
			return &session.Result{}, nil
		},
	}}
	cfg := &Config{Workers: 1}
	cfg.applyDefaults()
	svc := NewService(cfg, queue, store, index, drv, nil, logger)
	// No Start: the attempt is driven by hand so the cancellation can
	// land at the exact point between navigation and persistence.

	if _, err := svc.Submit(context.Background(), capqueue.CaptureRequest{URL: "https://a.example/"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	job, err := queue.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := phishingResult("https://a.example/", "https://b.example/login", []byte("<html>x</html>"), nil)

	outcome := svc.settle(ctx, job, res, nil)
	if outcome.Kind != capqueue.OutcomeSuccess || outcome.CaptureID == "" {
		t.Fatalf("outcome = %+v, want success with capture ID", outcome)
	}
	if n, err := store.Count(context.Background()); err != nil || n != 1 {
		t.Fatalf("store count = %d (err %v), want 1", n, err)
	}
}

func TestAPI_SubmitStatusAndErrors(t *testing.T) {
	body := []byte("<html>x</html>")
	drv := &fakeDriver{steps: []func(ctx context.Context, req session.Request) (*session.Result, error){
		func(ctx context.Context, req session.Request) (*session.Result, error) {
			return phishingResult("https://a.example/", "https://b.example/", body, nil), nil
		},
	}}
	env := newTestEnv(t, drv, nil)
	srv := httptest.NewServer(env.svc.Router())
	defer srv.Close()

	// Submit.
	resp, err := http.Post(srv.URL+"/api/v1/submit", "application/json",
		bytes.NewReader([]byte(`{"url":"https://a.example/"}`)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d, want 202", resp.StatusCode)
	}
	var submitted struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()

	// Duplicate while in flight (or just completed counts as released;
	// check the invalid-URL path instead which is timing-independent).
	resp, _ = http.Post(srv.URL+"/api/v1/submit", "application/json",
		bytes.NewReader([]byte(`{"url":"ftp://nope"}`)))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid URL status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	waitTerminal(t, env.svc, submitted.JobID)

	resp, _ = http.Get(srv.URL + "/api/v1/status/" + submitted.JobID)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status code = %d, want 200", resp.StatusCode)
	}
	var st capqueue.JobStatus
	json.NewDecoder(resp.Body).Decode(&st)
	resp.Body.Close()
	if st.State != capqueue.StateCompleted {
		t.Errorf("state = %s, want completed", st.State)
	}

	resp, _ = http.Get(srv.URL + "/api/v1/status/job_unknown")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown job status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	resp, _ = http.Get(srv.URL + "/api/v1/capture/cap_unknown")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown capture status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}
