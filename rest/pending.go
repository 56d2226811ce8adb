package rest

import (
	"net/http"

	"github.com/centrumvms/restclient-go/jsonrpc"
	"github.com/centrumvms/restclient-go/transport"
)

// pendingRequest is the broker-owned record of one logical request, alive
// from dispatch until its single terminal delivery. Only the coordination
// goroutine touches it after dispatch.
type pendingRequest struct {
	handle   Handle
	endpoint string
	// req is the prepared request, per-call timeout override included;
	// resends rewrite only its credential header and, for batches, the
	// body.
	req  transport.Request
	exec Executor

	credentialAware bool

	// session is the reauthorization epoch snapshot taken when this
	// attempt was dispatched. An expiry that arrives after the snapshot
	// resolved consumes its outcome directly instead of prompting again.
	session *reauthSession

	// attempt counts credential resends; 0 is the original dispatch.
	attempt int

	// transportHandle is the live transport call for the original
	// dispatch. Resends are tracked through the substitution map instead.
	transportHandle transport.Handle

	delivered bool
	cancelled bool

	// awaitingReauth is set while the record sits in a reauthorization
	// session's waiter queue with no live transport call.
	awaitingReauth bool

	cb    Callback
	batch *batchState
}

// batchState is the extra bookkeeping for a batched JSON-RPC call.
type batchState struct {
	cb BatchCallback

	// requests is the full original batch, kept so a resend can carve
	// out just the expired sub-requests.
	requests []jsonrpc.Request

	// original is the snapshot of the first response array; resend
	// results are merged into it before delivery.
	original []jsonrpc.Response

	// expired holds the identity keys of items awaiting resend.
	expired map[any]struct{}
}

// response assembles the caller-visible result for a single-call record,
// always under the record's original handle.
func (rec *pendingRequest) response(comp transport.Completion) Response {
	return Response{
		Handle:  rec.handle,
		Success: comp.Success,
		Status:  comp.Status,
		Body:    comp.Body,
		Headers: comp.Headers,
		Err:     comp.Err,
	}
}

// failure builds a terminal local-failure result (cancellation, close).
func (rec *pendingRequest) failure(err error) Response {
	return Response{Handle: rec.handle, Err: err, Headers: http.Header{}}
}
