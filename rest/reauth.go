package rest

import (
	"context"

	"github.com/centrumvms/restclient-go/credentials"
	"github.com/centrumvms/restclient-go/internal/logctx"
	"github.com/centrumvms/restclient-go/transport"
)

// reauthSession is the arbitration object for one reauthorization epoch:
// a single-assignment future holding either a fresh token or "no token".
// Every credential-aware dispatch snapshots the session current at that
// moment; expiries discovered against an unresolved session queue behind
// its single refresh, expiries against a resolved one consume its
// outcome directly. A new session is installed the instant the previous
// one resolves, so a later, unrelated expiry can prompt again.
//
// Sessions are only ever touched on the coordination goroutine.
type reauthSession struct {
	epoch      uint64
	refreshing bool
	resolved   bool
	ok         bool
	token      credentials.Token
	waiters    []expiredCall
}

// expiredCall is one request parked on a session, together with the
// expiry completion it will fall back to if no token is obtained.
type expiredCall struct {
	rec  *pendingRequest
	comp transport.Completion
}

func newReauthSession(epoch uint64) *reauthSession {
	return &reauthSession{epoch: epoch}
}

// arbitrate handles an expired completion for rec. First expiry in the
// epoch wins the prompt; everyone else waits on its outcome. Runs on the
// coordination goroutine.
func (c *Connection) arbitrate(rec *pendingRequest, comp transport.Completion) {
	sess := rec.session

	if sess.resolved {
		// The epoch this request was sent under has already been
		// renegotiated; use its outcome without bothering the user.
		if sess.ok {
			c.resend(rec, sess.token)
		} else {
			c.fallback(rec, comp)
		}
		return
	}

	rec.awaitingReauth = true
	sess.waiters = append(sess.waiters, expiredCall{rec: rec, comp: comp})

	ctx := logctx.WithReauthData(context.Background(), &logctx.ReauthData{
		Epoch:   sess.epoch,
		Waiters: len(sess.waiters),
	})

	if sess.refreshing {
		c.log.DebugContext(ctx, "session expired; queued behind reauthorization in progress",
			"handle", rec.handle)
		return
	}
	sess.refreshing = true
	c.log.InfoContext(ctx, "session expired; requesting reauthorization",
		"handle", rec.handle)

	// The refresh may park on a user prompt for minutes. It runs off the
	// coordination goroutine so cancellations and unrelated completions
	// stay live; its outcome is marshaled back as an event.
	go func() {
		tok, err := c.refreshCredentials()
		c.post(func() { c.resolveReauth(sess, tok, err) })
	}()
}

func (c *Connection) refreshCredentials() (credentials.Token, error) {
	if c.source == nil {
		return credentials.Token{}, credentials.ErrDeclined
	}
	return c.source.Refresh(context.Background())
}

// resolveReauth assigns the session's single outcome, installs a fresh
// session for the next epoch, updates the dispatch credential, and
// drains waiters in enqueue order. Runs on the coordination goroutine.
func (c *Connection) resolveReauth(sess *reauthSession, tok credentials.Token, err error) {
	sess.resolved = true
	sess.ok = err == nil && !tok.Empty()
	sess.token = tok

	if sess.ok {
		c.token = tok
	}
	c.session = newReauthSession(sess.epoch + 1)

	ctx := logctx.WithReauthData(context.Background(), &logctx.ReauthData{
		Epoch:   sess.epoch,
		Waiters: len(sess.waiters),
	})
	if sess.ok {
		c.log.InfoContext(ctx, "reauthorization succeeded; re-sending affected requests")
	} else {
		c.log.InfoContext(ctx, "reauthorization declined; delivering original failures", "err", err)
	}

	waiters := sess.waiters
	sess.waiters = nil
	for _, w := range waiters {
		if w.rec.delivered {
			continue
		}
		w.rec.awaitingReauth = false
		if !sess.ok {
			c.fallback(w.rec, w.comp)
			continue
		}
		c.resend(w.rec, tok)
	}
}

// fallback delivers the request's original expiry failure, the terminal
// outcome when no fresh token was obtained.
func (c *Connection) fallback(rec *pendingRequest, comp transport.Completion) {
	if rec.batch != nil {
		c.deliverBatch(rec, BatchResponse{
			Handle:    rec.handle,
			Success:   true,
			Responses: rec.batch.original,
		})
		return
	}
	c.deliver(rec, rec.response(comp))
}
