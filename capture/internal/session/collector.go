package session

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/captrace/trace"
)

// collector turns the CDP Network event stream into trace.RawEvents.
// CDP reuses one request ID across every hop of a redirect chain; the
// collector splits hops into distinct entry IDs (id, id#1, id#2, ...)
// so the normalizer can link them explicitly.
type collector struct {
	mu     sync.Mutex
	events []trace.RawEvent
	seq    uint64

	// alias maps a CDP request ID to the entry ID of its current hop.
	alias map[proto.NetworkRequestID]string
	hops  map[proto.NetworkRequestID]int

	// urlToEntry remembers the last entry that loaded each URL, used
	// to resolve script/parser initiators to a parent entry.
	urlToEntry map[string]string
	// frameDoc is the document entry of each frame, the fallback
	// parent for subresources without an initiator URL.
	frameDoc map[proto.PageFrameID]string

	// pendingNav is set while the top-level navigation request has not
	// been observed yet.
	pendingNav bool

	// docBodies lists document-type requests whose bodies should be
	// pulled after load.
	docBodies []bodyTarget
}

type bodyTarget struct {
	entryID string
	cdpID   proto.NetworkRequestID
}

func newCollector() *collector {
	return &collector{
		alias:      make(map[proto.NetworkRequestID]string),
		hops:       make(map[proto.NetworkRequestID]int),
		urlToEntry: make(map[string]string),
		frameDoc:   make(map[proto.PageFrameID]string),
		pendingNav: true,
	}
}

func (c *collector) emit(ev trace.RawEvent) {
	c.seq++
	ev.Seq = c.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	c.events = append(c.events, ev)
}

func (c *collector) entryID(id proto.NetworkRequestID) string {
	if a, ok := c.alias[id]; ok {
		return a
	}
	return string(id)
}

func (c *collector) onRequest(e *proto.NetworkRequestWillBeSent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.RedirectResponse != nil {
		// A new hop of an existing chain: close the previous hop with
		// a redirect event pointing at the continuation.
		cur := c.entryID(e.RequestID)
		c.hops[e.RequestID]++
		next := fmt.Sprintf("%s#%d", e.RequestID, c.hops[e.RequestID])
		c.alias[e.RequestID] = next

		c.emit(trace.RawEvent{
			Kind:         trace.KindRedirect,
			RequestID:    cur,
			NewRequestID: next,
			URL:          e.Request.URL, // the Location target
			Status:       e.RedirectResponse.Status,
			Headers:      convertHeaders(e.RedirectResponse.Headers),
		})
		c.urlToEntry[e.Request.URL] = next
		return
	}

	id := string(e.RequestID)
	ev := trace.RawEvent{
		Kind:         trace.KindRequest,
		RequestID:    id,
		Method:       e.Request.Method,
		URL:          e.Request.URL,
		ResourceType: string(e.Type),
		FrameID:      string(e.FrameID),
		InitiatorID:  c.resolveInitiator(e),
	}
	c.emit(ev)
	c.urlToEntry[e.Request.URL] = id

	if e.Type == proto.NetworkResourceTypeDocument {
		if c.pendingNav {
			c.pendingNav = false
			c.emit(trace.RawEvent{Kind: trace.KindNavigation, RequestID: id, URL: e.Request.URL})
		}
		c.frameDoc[e.FrameID] = id
		c.docBodies = append(c.docBodies, bodyTarget{entryID: id, cdpID: e.RequestID})
	}
}

// resolveInitiator maps a CDP initiator to the entry ID of the parent
// request: by initiator URL when present, else the frame's document.
// The top-level navigation resolves to nothing.
func (c *collector) resolveInitiator(e *proto.NetworkRequestWillBeSent) string {
	if e.Initiator == nil {
		return ""
	}
	if e.Initiator.URL != "" {
		if parent, ok := c.urlToEntry[e.Initiator.URL]; ok && parent != string(e.RequestID) {
			return parent
		}
	}
	if e.Initiator.Stack != nil {
		for _, f := range e.Initiator.Stack.CallFrames {
			if parent, ok := c.urlToEntry[f.URL]; ok && parent != string(e.RequestID) {
				return parent
			}
		}
	}
	if doc, ok := c.frameDoc[e.FrameID]; ok && doc != string(e.RequestID) {
		return doc
	}
	return ""
}

func (c *collector) onResponse(e *proto.NetworkResponseReceived) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ev := trace.RawEvent{
		Kind:      trace.KindResponse,
		RequestID: c.entryID(e.RequestID),
		Status:    e.Response.Status,
		Headers:   convertHeaders(e.Response.Headers),
		MimeType:  e.Response.MIMEType,
	}
	if e.Response.SecurityDetails != nil {
		ev.CertFingerprint = fingerprintSecurityDetails(e.Response.SecurityDetails)
	}
	c.emit(ev)
}

func (c *collector) onFinished(e *proto.NetworkLoadingFinished) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.emit(trace.RawEvent{
		Kind:      trace.KindFinished,
		RequestID: c.entryID(e.RequestID),
		BodySize:  int64(e.EncodedDataLength),
	})
}

func (c *collector) onFailed(e *proto.NetworkLoadingFailed) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.emit(trace.RawEvent{
		Kind:      trace.KindFailed,
		RequestID: c.entryID(e.RequestID),
		ErrorText: e.ErrorText,
		Canceled:  e.Canceled,
	})
}

func (c *collector) onConsole(e *proto.RuntimeConsoleAPICalled) {
	c.mu.Lock()
	defer c.mu.Unlock()

	parts := make([]string, 0, len(e.Args))
	for _, a := range e.Args {
		if a.Value.Nil() {
			continue
		}
		parts = append(parts, a.Value.String())
	}
	c.emit(trace.RawEvent{
		Kind:    trace.KindConsole,
		Message: string(e.Type) + ": " + strings.Join(parts, " "),
	})
}

// attachBody records a pulled response body as a finished-with-body
// event so the normalizer hashes it onto the entry.
func (c *collector) attachBody(entryID string, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.emit(trace.RawEvent{
		Kind:      trace.KindFinished,
		RequestID: entryID,
		Body:      body,
	})
}

// navFailed records a top-level navigation that never produced network
// events (DNS failure, refused connection). The failure is trace
// content, not a capture error.
func (c *collector) navFailed(url, errText string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := "nav_failed"
	c.emit(trace.RawEvent{Kind: trace.KindRequest, RequestID: id, Method: "GET", URL: url,
		ResourceType: string(proto.NetworkResourceTypeDocument)})
	c.emit(trace.RawEvent{Kind: trace.KindNavigation, RequestID: id, URL: url})
	c.emit(trace.RawEvent{Kind: trace.KindFailed, RequestID: id, ErrorText: errText})
	c.pendingNav = false
}

// snapshot returns the collected events and the body-fetch targets.
func (c *collector) snapshot() ([]trace.RawEvent, []bodyTarget) {
	c.mu.Lock()
	defer c.mu.Unlock()

	events := make([]trace.RawEvent, len(c.events))
	copy(events, c.events)
	targets := make([]bodyTarget, len(c.docBodies))
	copy(targets, c.docBodies)
	return events, targets
}

// convertHeaders flattens CDP headers. CDP delivers them as a map, so
// wire order is lost; names are ordered lexicographically to keep the
// header-name hash deterministic.
func convertHeaders(h proto.NetworkHeaders) []trace.Header {
	if len(h) == 0 {
		return nil
	}
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]trace.Header, 0, len(names))
	for _, name := range names {
		out = append(out, trace.Header{Name: name, Value: h[name].Str()})
	}
	return out
}

// fingerprintSecurityDetails derives a stable fingerprint for the leaf
// certificate from the TLS details CDP exposes. Chrome does not hand
// out the DER bytes on this event, so the fingerprint hashes the
// identifying fields instead.
func fingerprintSecurityDetails(d *proto.NetworkSecurityDetails) string {
	s := fmt.Sprintf("%s|%s|%s|%f|%f",
		d.SubjectName, d.Issuer, strings.Join(d.SanList, ","), d.ValidFrom, d.ValidTo)
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
