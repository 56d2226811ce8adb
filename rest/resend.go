package rest

import (
	"github.com/centrumvms/restclient-go/credentials"
	"github.com/centrumvms/restclient-go/jsonrpc"
	"github.com/centrumvms/restclient-go/transport"
)

// resend re-issues rec's prepared request with a refreshed credential and
// records the substitution so cancellations addressed to the original
// handle reach the live call. The issuer never learns a resend happened:
// its terminal callback arrives under the original handle. Runs on the
// coordination goroutine.
func (c *Connection) resend(rec *pendingRequest, tok credentials.Token) {
	rec.attempt++
	// Snapshot the now-current session: if this resend expires again it
	// joins the next arbitration round instead of re-reading a stale
	// outcome, bounded by MaxResendAttempts.
	rec.session = c.session
	rec.req.Headers.Set("Authorization", "Bearer "+tok.Value)

	if rec.batch != nil {
		body, err := jsonrpc.EncodeBatch(reduceBatch(rec.batch))
		if err != nil {
			// The original batch encoded once already; a re-encode
			// cannot realistically fail, but a broken body must not go
			// on the wire.
			c.fallbackBatchEncode(rec, err)
			return
		}
		rec.req.Body = body
	}

	th := c.tp.Dispatch(rec.req, func(comp transport.Completion) {
		c.post(func() { c.onComplete(rec, comp) })
	})
	c.substitutions[rec.handle] = th

	c.log.Debug("re-sending with refreshed credentials",
		"handle", rec.handle,
		"transport_handle", th,
		"attempt", rec.attempt,
		"endpoint", rec.endpoint,
	)
}

// fallbackBatchEncode is the terminal path for an unencodable reduced
// batch: expired items are rewritten as application errors and the batch
// is still delivered as a success, per JSON-RPC semantics.
func (c *Connection) fallbackBatchEncode(rec *pendingRequest, err error) {
	synthesizeBatchErrors(rec.batch, err)
	c.deliverBatch(rec, BatchResponse{
		Handle:    rec.handle,
		Success:   true,
		Responses: rec.batch.original,
	})
}
