package rest

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/centrumvms/restclient-go/api"
	"github.com/centrumvms/restclient-go/credentials"
	"github.com/centrumvms/restclient-go/internal/logctx"
	"github.com/centrumvms/restclient-go/jsonrpc"
	"github.com/centrumvms/restclient-go/transport"
)

// Handle identifies one logical request issued through a Connection. It
// stays stable across internal credential resends: the terminal callback
// always reports the handle Send returned, and Cancel addressed to it
// reaches whichever transport call is currently live for the request.
type Handle uuid.UUID

// String renders the handle for logs.
func (h Handle) String() string { return uuid.UUID(h).String() }

// IsZero reports whether the handle is the zero value, which Send returns
// together with an error.
func (h Handle) IsZero() bool { return h == Handle(uuid.Nil) }

// Executor runs a terminal callback on the issuer's chosen execution
// context. The default executor runs each callback on a fresh goroutine.
type Executor func(fn func())

// Response is the terminal outcome of a single (non-batched) request.
// Err is set for local failures (transport error, cancellation, close);
// otherwise Status, Body and Headers carry the server's reply verbatim,
// including server-reported errors.
type Response struct {
	Handle  Handle
	Success bool
	Status  int
	Body    []byte
	Headers http.Header
	Err     error
}

// Envelope parses the response body as the server's result envelope.
func (r *Response) Envelope() (*api.Result, error) {
	return api.ParseResult(r.Body)
}

// Callback receives the terminal outcome of a request. It fires exactly
// once per handle.
type Callback func(Response)

// BatchResponse is the terminal outcome of a batched JSON-RPC call. The
// call as a whole fails (Err set) only when no response was delivered at
// all; per-item errors live inside Responses.
type BatchResponse struct {
	Handle    Handle
	Success   bool
	Responses []jsonrpc.Response
	Err       error
}

// BatchCallback receives the terminal outcome of a batched call.
type BatchCallback func(BatchResponse)

// MaxResendAttempts caps how many times one logical request may be
// re-sent with refreshed credentials before its expiry error is handed
// to the issuer as-is. Without the cap, a server that immediately
// expires every fresh session would trap the client in a resend loop.
const MaxResendAttempts = 2

// JSONRPCPath is the server's batched JSON-RPC endpoint.
const JSONRPCPath = "/jsonrpc"

// Connection is the session-aware request broker for one server. All
// methods are safe for concurrent use; internal state is owned by a
// single coordination goroutine.
type Connection struct {
	base    *url.URL
	tp      transport.Transport
	source  credentials.Source
	log     *slog.Logger
	cfg     Config
	auditID uuid.UUID

	events chan func()
	done   chan struct{}
	closed atomic.Bool

	// Everything below is touched only by the coordination goroutine.
	token         credentials.Token
	pending       map[Handle]*pendingRequest
	substitutions map[Handle]transport.Handle
	session       *reauthSession
}

// Option configures a Connection.
type Option func(*Connection)

// WithLogger sets the logger. Its handler is wrapped so records pick up
// request-scoped attributes from the context.
func WithLogger(log *slog.Logger) Option {
	return func(c *Connection) { c.log = log }
}

// WithCredentialSource installs the reauthorization hook. Without one,
// every session expiry falls through to the issuer unrecovered.
func WithCredentialSource(src credentials.Source) Option {
	return func(c *Connection) { c.source = src }
}

// WithToken seeds the credential used for dispatches until the first
// successful reauthorization replaces it.
func WithToken(tok credentials.Token) Option {
	return func(c *Connection) { c.token = tok }
}

// WithConfig overrides the default Config.
func WithConfig(cfg Config) Option {
	return func(c *Connection) { c.cfg = cfg }
}

// New constructs a Connection for the server at baseURL and starts its
// coordination goroutine.
func New(baseURL string, tp transport.Transport, opts ...Option) (*Connection, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url must be absolute: %q", baseURL)
	}

	c := &Connection{
		base:          base,
		tp:            tp,
		log:           slog.Default(),
		cfg:           DefaultConfig(),
		auditID:       uuid.New(),
		events:        make(chan func(), 256),
		done:          make(chan struct{}),
		pending:       make(map[Handle]*pendingRequest),
		substitutions: make(map[Handle]transport.Handle),
		session:       newReauthSession(1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = slog.New(logctx.Handler{Handler: c.log.Handler()})

	go c.run()
	return c, nil
}

// Send dispatches a single request. The terminal outcome (success,
// server-reported failure, transport failure or cancellation) arrives
// through cb exactly once, under the returned handle. Requests that
// cannot be prepared fail synchronously with ErrUnpreparable and no
// callback fires.
func (c *Connection) Send(endpoint Endpoint, params url.Values, body []byte, cb Callback, opts ...SendOption) (Handle, error) {
	if c.closed.Load() {
		return Handle{}, ErrClosed
	}
	so := newSendOptions(opts)

	req, err := c.prepare(endpoint, params, body, so)
	if err != nil {
		return Handle{}, err
	}

	rec := &pendingRequest{
		handle:          Handle(uuid.New()),
		endpoint:        req.Method + " " + endpoint.Path,
		req:             req,
		exec:            so.exec,
		credentialAware: !so.anonymous,
		cb:              cb,
	}
	if !c.post(func() { c.dispatch(rec) }) {
		return Handle{}, ErrClosed
	}
	return rec.handle, nil
}

// SendBatch dispatches a batched JSON-RPC call. Per-item failures,
// including partially expired batches, never fail the call as a whole;
// cb receives the reconciled response array under the returned handle.
func (c *Connection) SendBatch(reqs []jsonrpc.Request, cb BatchCallback, opts ...SendOption) (Handle, error) {
	if c.closed.Load() {
		return Handle{}, ErrClosed
	}
	if len(reqs) == 0 {
		return Handle{}, fmt.Errorf("%w: empty batch", ErrUnpreparable)
	}
	so := newSendOptions(opts)

	batch := make([]jsonrpc.Request, len(reqs))
	copy(batch, reqs)
	for i := range batch {
		if batch[i].JSONRPCVersion == "" {
			batch[i].JSONRPCVersion = jsonrpc.ProtocolVersion
		}
	}

	body, err := jsonrpc.EncodeBatch(batch)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %v", ErrUnpreparable, err)
	}
	req, err := c.prepare(Endpoint{Method: http.MethodPost, Path: JSONRPCPath}, nil, body, so)
	if err != nil {
		return Handle{}, err
	}

	rec := &pendingRequest{
		handle:          Handle(uuid.New()),
		endpoint:        "POST " + JSONRPCPath,
		req:             req,
		exec:            so.exec,
		credentialAware: !so.anonymous,
		batch: &batchState{
			cb:       cb,
			requests: batch,
		},
	}
	if !c.post(func() { c.dispatch(rec) }) {
		return Handle{}, ErrClosed
	}
	return rec.handle, nil
}

// Cancel aborts the request identified by h, best-effort. If the request
// has been re-sent with refreshed credentials, the live resend call is
// cancelled; a completion that races in first wins and cancellation
// becomes a no-op. Cancelling an unknown or already-delivered handle
// does nothing.
func (c *Connection) Cancel(h Handle) {
	c.post(func() { c.cancel(h) })
}

// Close shuts the broker down. Every pending request receives ErrClosed
// as its terminal outcome; subsequent Sends fail with ErrClosed.
func (c *Connection) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	select {
	case c.events <- func() { c.shutdown() }:
	case <-c.done:
	}
}

// post marshals fn onto the coordination goroutine. It reports false when
// the broker is shut down.
func (c *Connection) post(fn func()) bool {
	select {
	case c.events <- fn:
		return true
	case <-c.done:
		return false
	}
}

func (c *Connection) run() {
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-c.done:
			return
		}
	}
}

// dispatch registers the record and hands the prepared request to the
// transport. Runs on the coordination goroutine.
func (c *Connection) dispatch(rec *pendingRequest) {
	if rec.credentialAware {
		rec.session = c.session
		if !c.token.Empty() {
			rec.req.Headers.Set("Authorization", "Bearer "+c.token.Value)
		}
	}
	c.pending[rec.handle] = rec

	rec.transportHandle = c.tp.Dispatch(rec.req, func(comp transport.Completion) {
		c.post(func() { c.onComplete(rec, comp) })
	})

	c.log.Debug("dispatched",
		"handle", rec.handle,
		"endpoint", rec.endpoint,
		"transport_handle", rec.transportHandle,
	)
}

// onComplete is the single entry point for transport completions. Runs on
// the coordination goroutine.
func (c *Connection) onComplete(rec *pendingRequest, comp transport.Completion) {
	if rec.delivered {
		return
	}
	if rec.attempt > 0 {
		// The resend is done, whatever its outcome; cancellations for
		// this handle now have nothing to re-route to.
		delete(c.substitutions, rec.handle)
		c.log.Debug("resend completed", "handle", rec.handle, "attempt", rec.attempt)
	}
	rec.awaitingReauth = false

	if rec.batch != nil {
		c.onBatchComplete(rec, comp)
		return
	}

	if !rec.credentialAware || rec.attempt >= MaxResendAttempts {
		c.deliver(rec, rec.response(comp))
		return
	}
	if c.classifySingle(comp) != verdictExpired {
		c.deliver(rec, rec.response(comp))
		return
	}
	c.arbitrate(rec, comp)
}

// cancel routes a cancellation to the live transport call. Runs on the
// coordination goroutine.
func (c *Connection) cancel(h Handle) {
	if th, ok := c.substitutions[h]; ok {
		c.log.Debug("cancelling request (re-sent)", "handle", h, "transport_handle", th)
		c.tp.Cancel(th)
		return
	}

	rec, ok := c.pending[h]
	if !ok || rec.delivered {
		return
	}
	rec.cancelled = true

	if rec.awaitingReauth {
		// No transport call is live: the original completed with an
		// expiry and the resend has not been dispatched yet. The
		// cancellation itself is the terminal outcome.
		c.deliverCancelled(rec)
		return
	}

	c.log.Debug("cancelling request", "handle", h, "transport_handle", rec.transportHandle)
	c.tp.Cancel(rec.transportHandle)
}

// finish retires the record. It reports false when a terminal outcome was
// already delivered, making every delivery path race-tolerant.
func (c *Connection) finish(rec *pendingRequest) bool {
	if rec.delivered {
		return false
	}
	rec.delivered = true
	delete(c.pending, rec.handle)
	delete(c.substitutions, rec.handle)
	return true
}

// deliver hands the terminal outcome of a single call to its issuer on
// the issuer's executor.
func (c *Connection) deliver(rec *pendingRequest, resp Response) {
	if !c.finish(rec) {
		return
	}
	c.log.Debug("delivering result",
		"handle", rec.handle,
		"success", resp.Success,
		"status", resp.Status,
		"attempt", rec.attempt,
	)
	if rec.cb == nil {
		return
	}
	cb := rec.cb
	rec.exec(func() { cb(resp) })
}

// deliverCancelled delivers the cancellation terminal outcome for either
// call shape.
func (c *Connection) deliverCancelled(rec *pendingRequest) {
	if rec.batch != nil {
		c.deliverBatch(rec, BatchResponse{Handle: rec.handle, Err: ErrCancelled})
		return
	}
	c.deliver(rec, rec.failure(ErrCancelled))
}

func (c *Connection) shutdown() {
	for _, rec := range c.pending {
		if rec.batch != nil {
			c.deliverBatch(rec, BatchResponse{Handle: rec.handle, Err: ErrClosed})
		} else {
			c.deliver(rec, rec.failure(ErrClosed))
		}
	}
	close(c.done)
}
