package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// DefaultMaxRedirectHops caps redirect chain reconstruction. Chains
// longer than the cap are truncated and flagged rather than followed
// indefinitely: past ~20 hops a chain is a loop, not a journey.
const DefaultMaxRedirectHops = 20

// Normalize folds an unordered RawEvent sequence into the canonical,
// ordered TraceEntry sequence using the default redirect cap.
//
// Normalize is pure: no I/O, no clock, no dependence on event arrival
// order beyond the Seq numbers the producer assigned. Identical input
// always yields identical output.
func Normalize(events []RawEvent) []TraceEntry {
	return NormalizeWithCap(events, DefaultMaxRedirectHops)
}

// NormalizeWithCap is Normalize with an explicit redirect hop cap.
func NormalizeWithCap(events []RawEvent, maxHops int) []TraceEntry {
	if maxHops <= 0 {
		maxHops = DefaultMaxRedirectHops
	}

	buckets := make(map[string][]RawEvent)
	navigations := make(map[string]bool)

	for _, ev := range events {
		switch ev.Kind {
		case KindNavigation:
			if ev.RequestID != "" {
				navigations[ev.RequestID] = true
			}
		case KindConsole:
			// Page-level, no request to attach to.
		case KindRequest, KindRedirect, KindResponse, KindFinished, KindFailed, KindSecurity:
			if ev.RequestID != "" {
				buckets[ev.RequestID] = append(buckets[ev.RequestID], ev)
			}
		}
	}

	// Deterministic fold order: sorted request IDs, each bucket
	// sorted by producer sequence number.
	ids := make([]string, 0, len(buckets))
	for id := range buckets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	entries := make(map[string]*TraceEntry, len(buckets))
	for _, id := range ids {
		bucket := buckets[id]
		sort.Slice(bucket, func(i, j int) bool { return bucket[i].Seq < bucket[j].Seq })
		foldBucket(entries, id, bucket)
	}

	for id := range navigations {
		if e, ok := entries[id]; ok {
			e.IsNavigation = true
		}
	}

	out := finalize(entries, maxHops)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

func foldBucket(entries map[string]*TraceEntry, id string, bucket []RawEvent) {
	e := entries[id]
	if e == nil {
		e = &TraceEntry{RequestID: id}
		entries[id] = e
	}

	for _, ev := range bucket {
		switch ev.Kind {
		case KindRequest:
			if e.StartedAt.IsZero() {
				e.StartedAt = ev.Timestamp
				e.Seq = ev.Seq
			}
			if e.Method == "" {
				e.Method = ev.Method
			}
			if e.URL == "" {
				e.URL = ev.URL
			}
			if e.FrameID == "" {
				e.FrameID = ev.FrameID
			}
			if e.InitiatorID == "" {
				e.InitiatorID = ev.InitiatorID
			}
			if e.ResourceType == "" {
				e.ResourceType = ev.ResourceType
			}

		case KindRedirect:
			e.Status = ev.Status
			e.EndedAt = ev.Timestamp
			e.State = StateRedirected
			if len(ev.Headers) > 0 {
				e.Headers = ev.Headers
				e.HHHash = HashHeaders(ev.Headers)
			}
			if ev.NewRequestID != "" {
				e.RedirectedTo = ev.NewRequestID
				linkContinuation(entries, e, ev)
			}

		case KindResponse:
			e.Status = ev.Status
			e.Headers = ev.Headers
			e.MimeType = ev.MimeType
			e.HHHash = HashHeaders(ev.Headers)
			if ev.CertFingerprint != "" {
				e.CertFingerprint = ev.CertFingerprint
			}
			if ev.Timestamp.After(e.EndedAt) {
				e.EndedAt = ev.Timestamp
			}
			if len(ev.Body) > 0 {
				e.BodyHash = HashBody(ev.Body)
				e.BodySize = int64(len(ev.Body))
			}

		case KindFinished:
			if e.State == "" || e.State == StateIncomplete {
				e.State = StateCompleted
			}
			if ev.Timestamp.After(e.EndedAt) {
				e.EndedAt = ev.Timestamp
			}
			if ev.BodySize > 0 {
				e.BodySize = ev.BodySize
			}
			if len(ev.Body) > 0 {
				e.BodyHash = HashBody(ev.Body)
				e.BodySize = int64(len(ev.Body))
			}

		case KindFailed:
			e.State = StateErrored
			e.Error = ev.ErrorText
			if ev.Canceled && e.Error == "" {
				e.Error = "canceled"
			}
			if ev.Timestamp.After(e.EndedAt) {
				e.EndedAt = ev.Timestamp
			}

		case KindSecurity:
			if ev.CertFingerprint != "" && e.CertFingerprint == "" {
				e.CertFingerprint = ev.CertFingerprint
			}
		}
	}
}

// linkContinuation makes sure the redirect target entry exists and
// carries the chain pointer plus whatever the redirect event knows
// about it. The continuation's own request event, if captured, fills
// the rest during its bucket fold.
func linkContinuation(entries map[string]*TraceEntry, from *TraceEntry, ev RawEvent) {
	next := entries[ev.NewRequestID]
	if next == nil {
		next = &TraceEntry{RequestID: ev.NewRequestID}
		entries[ev.NewRequestID] = next
	}
	next.RedirectedFrom = from.RequestID
	if next.URL == "" {
		next.URL = ev.URL // redirect events carry the Location target
	}
	if next.Method == "" {
		next.Method = from.Method
	}
	if next.FrameID == "" {
		next.FrameID = from.FrameID
	}
	if next.StartedAt.IsZero() {
		next.StartedAt = ev.Timestamp
		next.Seq = ev.Seq
	}
	if next.ResourceType == "" {
		next.ResourceType = from.ResourceType
	}
}

// finalize marks non-terminal entries incomplete, enforces the
// redirect hop cap, and drops truncated hops.
func finalize(entries map[string]*TraceEntry, maxHops int) []TraceEntry {
	for _, e := range entries {
		if e.State == "" {
			e.State = StateIncomplete
		}
	}

	dropped := make(map[string]bool)

	// Chain heads: redirected entries that nothing redirected into.
	heads := make([]string, 0)
	for id, e := range entries {
		if e.RedirectedTo != "" && e.RedirectedFrom == "" {
			heads = append(heads, id)
		}
	}
	sort.Strings(heads)

	for _, head := range heads {
		hops := 0
		seen := make(map[string]bool)
		cur := entries[head]
		for cur != nil {
			hops++
			seen[cur.RequestID] = true
			if hops == maxHops && cur.RedirectedTo != "" {
				// Truncate here: everything downstream is dropped.
				cur.LoopSuspected = true
				next := cur.RedirectedTo
				cur.RedirectedTo = ""
				for next != "" && !seen[next] {
					e := entries[next]
					if e == nil {
						break
					}
					dropped[next] = true
					seen[next] = true
					next = e.RedirectedTo
				}
				break
			}
			next := entries[cur.RedirectedTo]
			if next == nil || seen[cur.RedirectedTo] {
				break
			}
			cur = next
		}
	}

	out := make([]TraceEntry, 0, len(entries))
	for id, e := range entries {
		if dropped[id] {
			continue
		}
		out = append(out, *e)
	}
	return out
}

// HashBody returns the hex SHA-256 of a response body.
func HashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// HashHeaders computes the HTTP-header-name hash: SHA-256 over the
// header names in wire order joined by ':', prefixed with the format
// version. Values are deliberately excluded — the facet fingerprints
// the server software layout, not the content.
func HashHeaders(headers []Header) string {
	if len(headers) == 0 {
		return ""
	}
	names := make([]string, len(headers))
	for i, h := range headers {
		names[i] = h.Name
	}
	sum := sha256.Sum256([]byte(strings.Join(names, ":")))
	return "hhh:1:" + hex.EncodeToString(sum[:])
}
