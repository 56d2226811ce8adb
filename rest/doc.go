// Package rest implements the session-aware request broker: an
// asynchronous client for the media server's REST and batched JSON-RPC
// APIs that transparently survives mid-flight session expiry.
//
// A Connection turns logical endpoints into dispatched transport calls
// and hands every caller an opaque Handle good for exactly one terminal
// callback and for cancellation. When the server reports that the session
// token has expired, the broker arbitrates a single reauthorization
// attempt across however many requests failed together, re-sends each
// affected request with the refreshed token, and delivers results under
// the callers' original handles. Batched JSON-RPC calls are reconciled
// per item: only the sub-requests that expired are re-sent, and their
// fresh results are merged back into the original response array.
//
// # Concurrency
//
// All broker state is owned by a single coordination goroutine;
// transport completions and cancellations are marshaled onto it, so the
// reauthorization state machine runs free of locks and races. The
// credential refresh (which may park on a user prompt for minutes) runs
// off-loop, keeping cancellation responsive while the prompt is up.
//
// # Layering
//
// The Connection depends on a transport.Transport for actual I/O and a
// credentials.Source for reauthorization; both are narrow ports with
// test fakes in transporttest and credtest. Payload bodies pass through
// opaque; only the api.Result envelope is ever inspected.
package rest
