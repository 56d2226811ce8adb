// Package transporttest provides a scripted in-memory transport for
// exercising broker behavior deterministically. Dispatched calls are
// recorded and completed only when the test says so, which makes races
// between completion, cancellation and reauthorization reproducible.
package transporttest

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/centrumvms/restclient-go/transport"
)

// ErrCancelled is the transport error reported for auto-completed
// cancellations.
var ErrCancelled = errors.New("call cancelled")

// Call is one recorded dispatch. Tests complete it explicitly via
// Complete; the completion callback runs on the calling goroutine.
type Call struct {
	Handle  transport.Handle
	Request transport.Request

	mu        sync.Mutex
	done      bool
	cancelled bool
	onDone    func(transport.Completion)
}

// Complete delivers the terminal outcome for this call and reports
// whether delivery happened. A call that already completed (including via
// auto-cancel) stays inert, which lets tests race completions against
// cancellations safely.
func (c *Call) Complete(comp transport.Completion) bool {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return false
	}
	c.done = true
	onDone := c.onDone
	c.mu.Unlock()

	onDone(comp)
	return true
}

// Cancelled reports whether Cancel was invoked for this call.
func (c *Call) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// Completed reports whether the call has been delivered.
func (c *Call) Completed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Transport records dispatches for later, explicit completion.
//
// By default a cancelled call is completed automatically with a
// cancellation error, matching what a real transport does when it aborts
// a round trip. Set ManualCancel to suppress that and keep full control
// in the test.
type Transport struct {
	ManualCancel bool

	mu    sync.Mutex
	calls []*Call
}

var _ transport.Transport = (*Transport)(nil)

// Dispatch implements transport.Transport.
func (t *Transport) Dispatch(req transport.Request, onComplete func(transport.Completion)) transport.Handle {
	call := &Call{
		Handle:  uuid.New(),
		Request: req,
		onDone:  onComplete,
	}
	t.mu.Lock()
	t.calls = append(t.calls, call)
	t.mu.Unlock()
	return call.Handle
}

// Cancel implements transport.Transport.
func (t *Transport) Cancel(h transport.Handle) {
	t.mu.Lock()
	var target *Call
	for _, c := range t.calls {
		if c.Handle == h {
			target = c
			break
		}
	}
	t.mu.Unlock()
	if target == nil {
		return
	}

	target.mu.Lock()
	if target.done {
		target.mu.Unlock()
		return
	}
	target.cancelled = true
	auto := !t.ManualCancel
	target.mu.Unlock()

	if auto {
		target.Complete(transport.Completion{
			Err: &transport.Error{Op: "cancel", Err: ErrCancelled},
		})
	}
}

// Calls returns a snapshot of all recorded dispatches, oldest first.
func (t *Transport) Calls() []*Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Call, len(t.calls))
	copy(out, t.calls)
	return out
}

// Last returns the most recent dispatch, or nil when nothing was sent.
func (t *Transport) Last() *Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.calls) == 0 {
		return nil
	}
	return t.calls[len(t.calls)-1]
}

// Pending returns recorded dispatches that have not been completed yet.
func (t *Transport) Pending() []*Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Call
	for _, c := range t.calls {
		c.mu.Lock()
		done := c.done
		c.mu.Unlock()
		if !done {
			out = append(out, c)
		}
	}
	return out
}
