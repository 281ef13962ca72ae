package capqueue

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// NormalizeTargetURL normalizes a capture target for dedup comparison.
// Lowercases scheme and host, removes the fragment, drops the query
// parameters named in stripParams, sorts the remaining params, and
// strips the trailing slash (except root). Only http and https targets
// are accepted. Does NOT upgrade http to https (different servers,
// different resources).
//
// The normalized form is used only as the equivalence key; the capture
// itself always navigates to the URL as submitted.
func NormalizeTargetURL(raw string, stripParams []string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("%w: empty URL", ErrInvalidURL)
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	parsed.Scheme = scheme
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""
	parsed.Path = strings.TrimRight(parsed.Path, "/")

	if parsed.RawQuery != "" {
		params := parsed.Query()
		for _, p := range stripParams {
			delete(params, p)
		}

		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var buf strings.Builder
		for i, k := range keys {
			vals := params[k]
			sort.Strings(vals)
			for j, v := range vals {
				if i > 0 || j > 0 {
					buf.WriteByte('&')
				}
				buf.WriteString(url.QueryEscape(k))
				buf.WriteByte('=')
				buf.WriteString(url.QueryEscape(v))
			}
		}
		parsed.RawQuery = buf.String()
	}

	return parsed.String(), nil
}

// dedupKey builds the in-flight equivalence key: normalized URL plus
// the submission context tag. The same URL submitted under two
// different contexts is two distinct captures.
func dedupKey(normalizedURL, contextTag string) string {
	return normalizedURL + "\x00" + contextTag
}
