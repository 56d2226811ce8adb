package rest

import (
	"fmt"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/centrumvms/restclient-go/transport"
)

// Endpoint is a logical addressing target: an HTTP method plus a path
// relative to the connection's base URL.
type Endpoint struct {
	Method string
	Path   string
}

// SendOption adjusts one Send or SendBatch call.
type SendOption func(*sendOptions)

type sendOptions struct {
	timeout      time.Duration
	exec         Executor
	anonymous    bool
	contentType  string
	targetServer uuid.UUID
}

// WithTimeout overrides the connection's default per-call deadline.
func WithTimeout(d time.Duration) SendOption {
	return func(so *sendOptions) { so.timeout = d }
}

// WithExecutor routes the terminal callback onto the issuer's own
// execution context instead of a fresh goroutine.
func WithExecutor(exec Executor) SendOption {
	return func(so *sendOptions) { so.exec = exec }
}

// Anonymous marks the call as credential-free: no token is attached and
// session-expiry recovery is bypassed entirely.
func Anonymous() SendOption {
	return func(so *sendOptions) { so.anonymous = true }
}

// WithContentType sets the request body's media type. The default for
// non-empty bodies is application/json.
func WithContentType(mediaType string) SendOption {
	return func(so *sendOptions) { so.contentType = mediaType }
}

// WithTargetServer routes the request through the connected server to
// another server of the same site.
func WithTargetServer(serverID uuid.UUID) SendOption {
	return func(so *sendOptions) { so.targetServer = serverID }
}

func newSendOptions(opts []SendOption) *sendOptions {
	so := &sendOptions{
		exec: func(fn func()) { go fn() },
	}
	for _, opt := range opts {
		opt(so)
	}
	return so
}

// prepare builds a transport-ready request from a logical endpoint. It is
// a pure function of its inputs; the credential header is stamped later,
// at dispatch time, so no request ever holds a token older than its own
// dispatch. Preparation failures are terminal and synchronous.
func (c *Connection) prepare(endpoint Endpoint, params url.Values, body []byte, so *sendOptions) (transport.Request, error) {
	if endpoint.Path == "" {
		return transport.Request{}, fmt.Errorf("%w: empty path", ErrUnpreparable)
	}
	method := endpoint.Method
	if method == "" {
		method = http.MethodGet
	}

	u := *c.base
	u.Path = path.Join(c.base.Path, endpoint.Path)
	if len(params) > 0 {
		u.RawQuery = params.Encode()
	}

	ct := so.contentType
	if ct == "" && len(body) > 0 {
		ct = "application/json"
	}
	if ct != "" {
		if mt := contenttype.NewMediaType(ct); mt.Type == "" {
			return transport.Request{}, fmt.Errorf("%w: invalid content type %q", ErrUnpreparable, ct)
		}
	}

	headers := http.Header{}
	headers.Set("User-Agent", c.cfg.UserAgent)
	headers.Set("X-Audit-ID", c.auditID.String())
	headers.Set("Accept", "application/json")
	if so.targetServer != uuid.Nil {
		headers.Set("X-Server-Guid", so.targetServer.String())
	}

	timeout := so.timeout
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}

	return transport.Request{
		Method:      method,
		URL:         &u,
		Headers:     headers,
		ContentType: ct,
		Body:        body,
		Timeout:     timeout,
	}, nil
}
