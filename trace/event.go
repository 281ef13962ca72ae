// Package trace defines the raw browser event model and the pure
// normalizer that folds an unordered event stream into a canonical,
// deterministic sequence of request/response entries.
//
// Events arrive from the browser session in no guaranteed causal
// order (CDP delivery is racy, captures may be truncated by the job
// timeout). The normalizer is therefore an order-independent reducer
// keyed by request identifier, not a streaming parser.
package trace

import "time"

// EventKind discriminates the RawEvent variants. Every kind is
// handled exhaustively by Normalize; unknown kinds are ignored.
type EventKind string

const (
	KindNavigation EventKind = "navigation" // top-level navigation started
	KindRequest    EventKind = "request"    // request sent
	KindRedirect   EventKind = "redirect"   // request answered with 3xx, continuation follows
	KindResponse   EventKind = "response"   // response headers received
	KindFinished   EventKind = "finished"   // response body fully loaded
	KindFailed     EventKind = "failed"     // network-level failure (DNS, TLS, refused)
	KindConsole    EventKind = "console"    // console message (page-level)
	KindSecurity   EventKind = "security"   // security state change
)

// Header is a single response header. A slice preserves wire order,
// which the header-name hash depends on.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// RawEvent is one browser-observed occurrence. The session layer
// emits these; recorded fixtures replay them in tests.
//
// Seq is assigned monotonically by the producer and breaks timestamp
// ties; RequestID is the browser-assigned identifier. A redirect
// event carries NewRequestID for the continuation hop so chains can
// be linked without relying on arrival order.
type RawEvent struct {
	Kind      EventKind `json:"kind"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`

	RequestID    string `json:"request_id,omitempty"`
	NewRequestID string `json:"new_request_id,omitempty"` // redirect continuation
	FrameID      string `json:"frame_id,omitempty"`
	InitiatorID  string `json:"initiator_id,omitempty"` // request ID of the initiator

	Method       string `json:"method,omitempty"`
	URL          string `json:"url,omitempty"`
	ResourceType string `json:"resource_type,omitempty"` // document, image, script, ...

	Status   int      `json:"status,omitempty"`
	Headers  []Header `json:"headers,omitempty"`
	MimeType string   `json:"mime_type,omitempty"`
	Body     []byte   `json:"body,omitempty"` // captured response body, nil if not collected
	BodySize int64    `json:"body_size,omitempty"`

	// CertFingerprint is the SHA-256 fingerprint of the leaf TLS
	// certificate, set on response or security events for TLS targets.
	CertFingerprint string `json:"cert_fingerprint,omitempty"`

	ErrorText string `json:"error_text,omitempty"` // failed events
	Canceled  bool   `json:"canceled,omitempty"`

	Message string `json:"message,omitempty"` // console/security events
}

// EntryState is the terminal state of a TraceEntry.
type EntryState string

const (
	StateCompleted  EntryState = "completed"
	StateErrored    EntryState = "errored"
	StateRedirected EntryState = "redirected"
	// StateIncomplete marks entries that never saw a terminal event
	// before the job ended (timeout, crash). The entry is kept: a
	// partial trace still has forensic value.
	StateIncomplete EntryState = "incomplete"
)

// TraceEntry is one canonicalized request/response pair. Unique per
// request ID. The normalizer orders entries by (StartedAt, Seq),
// which makes the output deterministic for identical input.
type TraceEntry struct {
	RequestID    string     `json:"request_id"`
	Method       string     `json:"method"`
	URL          string     `json:"url"`
	Status       int        `json:"status,omitempty"`
	State        EntryState `json:"state"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      time.Time  `json:"ended_at,omitempty"`
	Seq          uint64     `json:"seq"`
	FrameID      string     `json:"frame_id,omitempty"`
	InitiatorID  string     `json:"initiator_id,omitempty"`
	ResourceType string     `json:"resource_type,omitempty"`
	MimeType     string     `json:"mime_type,omitempty"`
	Headers      []Header   `json:"headers,omitempty"`

	// HHHash is the HTTP-header-name hash of the response, a
	// correlation facet: phishing kits tend to serve identical
	// header layouts across hosts.
	HHHash string `json:"hhhash,omitempty"`

	// BodyHash is the SHA-256 of the captured body, empty when the
	// body was not collected.
	BodyHash string `json:"body_hash,omitempty"`
	BodySize int64  `json:"body_size,omitempty"`

	CertFingerprint string `json:"cert_fingerprint,omitempty"`
	Error           string `json:"error,omitempty"`

	RedirectedFrom string `json:"redirected_from,omitempty"`
	RedirectedTo   string `json:"redirected_to,omitempty"`

	// LoopSuspected is set on the last kept hop of a redirect chain
	// that exceeded the hop cap.
	LoopSuspected bool `json:"loop_suspected,omitempty"`

	// IsNavigation marks document requests belonging to a top-level
	// navigation.
	IsNavigation bool `json:"is_navigation,omitempty"`
}

// IsNetworkError reports whether the entry recorded a network-level
// failure (DNS, TLS, connection refused). These are trace content,
// not job failures: the capture still succeeds with the error on
// record.
func (e *TraceEntry) IsNetworkError() bool {
	return e.State == StateErrored && e.Error != ""
}
