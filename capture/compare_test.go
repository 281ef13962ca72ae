package capture

import (
	"context"
	"testing"

	"github.com/hazyhaar/captrace/capqueue"
	"github.com/hazyhaar/captrace/capture/internal/session"
	"github.com/hazyhaar/captrace/trace"
	_ "modernc.org/sqlite"
)

func TestCompare_SameKitDifferentHost(t *testing.T) {
	// WHAT: Two captures of the same kit on different hosts compare as
	// same body, overlapping redirect infrastructure, different entry URL.
	body := []byte("<html>kit v3</html>")
	first := true
	drv := &fakeDriver{steps: []func(ctx context.Context, req session.Request) (*session.Result, error){
		func(ctx context.Context, req session.Request) (*session.Result, error) {
			from := "https://lure-one.example/"
			if !first {
				from = "https://lure-two.example/"
			}
			first = false
			return phishingResult(from, "https://landing.example/login", body, nil), nil
		},
	}}
	env := newTestEnv(t, drv, nil)
	ctx := context.Background()

	capture := func(url string) string {
		jobID, err := env.svc.Submit(ctx, capqueue.CaptureRequest{URL: url})
		if err != nil {
			t.Fatalf("submit %s: %v", url, err)
		}
		st := waitTerminal(t, env.svc, jobID)
		if st.State != capqueue.StateCompleted {
			t.Fatalf("job %s = %+v", url, st)
		}
		return st.CaptureID
	}
	capA := capture("https://lure-one.example/")
	capB := capture("https://lure-two.example/")

	cmp, err := env.svc.Compare(ctx, capA, capB)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}

	if cmp.RequestedURL.Equal {
		t.Error("requested URLs should differ")
	}
	if !cmp.FinalURL.Equal {
		t.Errorf("final URLs should match: %+v", cmp.FinalURL)
	}
	if !cmp.RootBodyHash.Equal || cmp.RootBodyHash.A != trace.HashBody(body) {
		t.Errorf("body hash diff = %+v, want equal", cmp.RootBodyHash)
	}
	// Both chains pass through the shared landing host.
	found := false
	for _, h := range cmp.RedirectHosts.Common {
		if h == "landing.example" {
			found = true
		}
	}
	if !found {
		t.Errorf("redirect hosts = %+v, want landing.example in common", cmp.RedirectHosts)
	}
	if cmp.NodeCountA != cmp.NodeCountB {
		t.Errorf("node counts %d vs %d, want equal", cmp.NodeCountA, cmp.NodeCountB)
	}
}

func TestCompare_UnknownCapture(t *testing.T) {
	drv := &fakeDriver{steps: []func(ctx context.Context, req session.Request) (*session.Result, error){
		func(ctx context.Context, req session.Request) (*session.Result, error) {
			return &session.Result{}, nil
		},
	}}
	env := newTestEnv(t, drv, nil)

	if _, err := env.svc.Compare(context.Background(), "cap_x", "cap_y"); err == nil {
		t.Fatal("compare of unknown captures should fail")
	}
}
