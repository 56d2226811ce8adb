package httpround

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/centrumvms/restclient-go/transport"
)

const (
	// DefaultTimeout bounds a call that carries no per-request override.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxBodySize caps how much of a response body is read into
	// memory.
	DefaultMaxBodySize = 16 << 20
)

// Transport is a minimal net/http-backed implementation of the transport
// port. Each dispatched call runs on its own goroutine; Cancel aborts the
// underlying round trip through context cancellation.
type Transport struct {
	client      *http.Client
	timeout     time.Duration
	maxBodySize int64

	mu       sync.Mutex
	inflight map[transport.Handle]context.CancelFunc
}

// Option configures a Transport.
type Option func(*Transport)

// WithHTTPClient sets a custom http.Client (TLS configuration, proxies
// and connection pooling live there).
func WithHTTPClient(client *http.Client) Option {
	return func(t *Transport) { t.client = client }
}

// WithDefaultTimeout sets the per-call deadline used when a request
// carries no override.
func WithDefaultTimeout(d time.Duration) Option {
	return func(t *Transport) { t.timeout = d }
}

// WithMaxBodySize caps response body reads.
func WithMaxBodySize(n int64) Option {
	return func(t *Transport) { t.maxBodySize = n }
}

// New constructs a Transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		client:      &http.Client{},
		timeout:     DefaultTimeout,
		maxBodySize: DefaultMaxBodySize,
		inflight:    make(map[transport.Handle]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Dispatch implements transport.Transport.
func (t *Transport) Dispatch(req transport.Request, onComplete func(transport.Completion)) transport.Handle {
	handle := uuid.New()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = t.timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	t.mu.Lock()
	t.inflight[handle] = cancel
	t.mu.Unlock()

	go func() {
		defer func() {
			t.mu.Lock()
			delete(t.inflight, handle)
			t.mu.Unlock()
			cancel()
		}()
		onComplete(t.roundTrip(ctx, req))
	}()

	return handle
}

// Cancel implements transport.Transport. Cancelling an unknown or
// already-completed handle is a no-op.
func (t *Transport) Cancel(h transport.Handle) {
	t.mu.Lock()
	cancel, ok := t.inflight[h]
	t.mu.Unlock()
	if ok {
		cancel()
	}
}

func (t *Transport) roundTrip(ctx context.Context, req transport.Request) transport.Completion {
	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), bodyReader)
	if err != nil {
		return transport.Completion{Err: &transport.Error{Op: "prepare", Err: err}}
	}
	for name, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return transport.Completion{Err: &transport.Error{Op: "roundtrip", Err: err}}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBodySize))
	if err != nil {
		return transport.Completion{Err: &transport.Error{Op: "read body", Err: err}}
	}

	return transport.Completion{
		Success: resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status:  resp.StatusCode,
		Body:    body,
		Headers: resp.Header,
	}
}
