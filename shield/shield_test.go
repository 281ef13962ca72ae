package shield_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hazyhaar/captrace/dbopen"
	"github.com/hazyhaar/captrace/shield"
	_ "modernc.org/sqlite"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	// WHAT: the third request within the window gets a 429; other
	// endpoints without a rule pass through untouched.
	db := dbopen.OpenMemory(t, dbopen.WithSchema(shield.Schema))
	if _, err := db.Exec(`INSERT OR REPLACE INTO rate_limits VALUES ('POST /api/v1/submit', 2, 60, 1)`); err != nil {
		t.Fatal(err)
	}

	rl := shield.NewRateLimiter(db, nil)
	h := rl.Middleware(okHandler())

	post := func(path string) int {
		req := httptest.NewRequest("POST", path, strings.NewReader("{}"))
		req.RemoteAddr = "10.0.0.1:4242"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if c := post("/api/v1/submit"); c != http.StatusOK {
		t.Fatalf("first submit = %d", c)
	}
	if c := post("/api/v1/submit"); c != http.StatusOK {
		t.Fatalf("second submit = %d", c)
	}
	if c := post("/api/v1/submit"); c != http.StatusTooManyRequests {
		t.Fatalf("third submit = %d, want 429", c)
	}
	// Unruled endpoint is never throttled.
	if c := post("/api/v1/other"); c != http.StatusOK {
		t.Fatalf("unruled endpoint = %d", c)
	}
}

func TestRateLimiter_PerIPBuckets(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(shield.Schema))
	if _, err := db.Exec(`INSERT OR REPLACE INTO rate_limits VALUES ('POST /api/v1/submit', 1, 60, 1)`); err != nil {
		t.Fatal(err)
	}

	rl := shield.NewRateLimiter(db, nil)
	h := rl.Middleware(okHandler())

	post := func(ip string) int {
		req := httptest.NewRequest("POST", "/api/v1/submit", strings.NewReader("{}"))
		req.RemoteAddr = ip + ":1000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if c := post("10.0.0.1"); c != http.StatusOK {
		t.Fatalf("first ip = %d", c)
	}
	if c := post("10.0.0.1"); c != http.StatusTooManyRequests {
		t.Fatalf("first ip repeat = %d, want 429", c)
	}
	// A different client has its own bucket.
	if c := post("10.0.0.2"); c != http.StatusOK {
		t.Fatalf("second ip = %d", c)
	}
}

func TestRateLimiter_DisabledRulePasses(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(shield.Schema))
	if _, err := db.Exec(`INSERT OR REPLACE INTO rate_limits VALUES ('POST /api/v1/submit', 1, 60, 0)`); err != nil {
		t.Fatal(err)
	}

	rl := shield.NewRateLimiter(db, nil)
	h := rl.Middleware(okHandler())

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("POST", "/api/v1/submit", strings.NewReader("{}"))
		req.RemoteAddr = "10.0.0.1:1000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d = %d with disabled rule", i, rec.Code)
		}
	}
}

func TestSecurityHeaders(t *testing.T) {
	h := shield.SecurityHeaders()(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/capture/cap_1", nil))

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Content-Security-Policy": "default-src 'none'; sandbox",
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestMaxJSONBody(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	h := shield.MaxJSONBody(16)(inner)

	req := httptest.NewRequest("POST", "/api/v1/submit", strings.NewReader(strings.Repeat("x", 64)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversize body = %d, want 413", rec.Code)
	}

	req = httptest.NewRequest("POST", "/api/v1/submit", strings.NewReader("{}"))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("small body = %d, want 200", rec.Code)
	}
}

func TestWrap_Order(t *testing.T) {
	// WHAT: Wrap applies the first middleware outermost.
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := shield.Wrap(okHandler(), mw("a"), mw("b"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("order = %v, want [a b]", order)
	}
}
