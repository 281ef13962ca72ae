package capqueue

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestNormalizeTargetURL(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		strip []string
		want  string
	}{
		{
			name: "lowercases scheme and host only",
			raw:  "HTTPS://Example.COM/Path/Page",
			want: "https://example.com/Path/Page",
		},
		{
			name: "removes fragment",
			raw:  "https://example.com/page#section-2",
			want: "https://example.com/page",
		},
		{
			name: "sorts query params",
			raw:  "https://example.com/p?z=1&a=2&m=3",
			want: "https://example.com/p?a=2&m=3&z=1",
		},
		{
			name:  "strips configured tracking params",
			raw:   "https://example.com/p?utm_source=mail&id=42&utm_campaign=x",
			strip: []string{"utm_source", "utm_campaign"},
			want:  "https://example.com/p?id=42",
		},
		{
			name: "keeps unconfigured params significant",
			raw:  "https://example.com/p?utm_source=mail",
			want: "https://example.com/p?utm_source=mail",
		},
		{
			name: "strips trailing slash except root",
			raw:  "https://example.com/dir/",
			want: "https://example.com/dir",
		},
		{
			name: "root stays root",
			raw:  "https://example.com/",
			want: "https://example.com",
		},
		{
			name: "http not upgraded",
			raw:  "http://example.com/a",
			want: "http://example.com/a",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeTargetURL(tt.raw, tt.strip)
			if err != nil {
				t.Fatalf("normalize: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalizeTargetURL_Rejects(t *testing.T) {
	for _, raw := range []string{
		"",
		"ftp://example.com/file",
		"javascript:alert(1)",
		"https://",
		"not a url at all",
	} {
		if _, err := NormalizeTargetURL(raw, nil); !errors.Is(err, ErrInvalidURL) {
			t.Errorf("NormalizeTargetURL(%q) err = %v, want ErrInvalidURL", raw, err)
		}
	}
}

func TestNormalizeTargetURL_Idempotent(t *testing.T) {
	// WHAT: Normalizing an already-normalized URL is a fixed point.
	// WHY: The dedup key must be stable however many times a URL passes
	// through admission.
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	genURL := gopter.CombineGens(
		gen.OneConstOf("http", "https"),
		gen.OneConstOf("Example.com", "sub.example.co.uk", "a.example", "xn--bcher-kva.example"),
		gen.OneConstOf("", "/", "/path", "/Path/Deep/", "/p.html"),
		gen.OneConstOf("", "z=1&a=2", "a=2&a=1", "utm_source=x&id=7", "q=%20space"),
		gen.OneConstOf("", "frag", "a/b"),
	).Map(func(vs []interface{}) string {
		u := vs[0].(string) + "://" + vs[1].(string) + vs[2].(string)
		if q := vs[3].(string); q != "" {
			u += "?" + q
		}
		if f := vs[4].(string); f != "" {
			u += "#" + f
		}
		return u
	})

	strip := []string{"utm_source"}
	properties.Property("normalize is idempotent", prop.ForAll(
		func(raw string) bool {
			once, err := NormalizeTargetURL(raw, strip)
			if err != nil {
				return true // rejected inputs have no fixed point to check
			}
			twice, err := NormalizeTargetURL(once, strip)
			return err == nil && once == twice
		},
		genURL,
	))

	properties.TestingRun(t)
}
