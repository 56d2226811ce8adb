package transport

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Handle identifies one in-flight transport call. Handles are minted by
// the transport at dispatch time and are valid until the completion
// callback has run or the call has been cancelled.
type Handle = uuid.UUID

// Request is a fully prepared, transport-ready request. Credentials, if
// any, are already baked into Headers; the transport performs no
// authentication of its own.
type Request struct {
	Method      string
	URL         *url.URL
	Headers     http.Header
	ContentType string
	Body        []byte

	// Timeout overrides the transport's default per-call deadline when
	// non-zero.
	Timeout time.Duration
}

// Completion is the terminal outcome of one dispatched call, delivered
// exactly once. Success means a syntactically valid HTTP response with a
// 2xx status was received; any server-reported failure still populates
// Status, Body and Headers so upper layers can classify it. Err is set
// only for transport-level failures (dial, TLS, timeout, cancellation),
// in which case no response fields are meaningful.
type Completion struct {
	Success bool
	Status  int
	Body    []byte
	Headers http.Header
	Err     error
}

// Transport submits prepared requests and reports their completion. One
// outstanding call exists per handle; implementations must deliver the
// completion callback exactly once per dispatch, including after Cancel
// (where Err reports the cancellation). Dispatch must not block on
// network I/O.
type Transport interface {
	Dispatch(req Request, onComplete func(Completion)) Handle
	Cancel(h Handle)
}

// Error describes a transport-level failure.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
