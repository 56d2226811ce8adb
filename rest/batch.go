package rest

import (
	"fmt"

	"github.com/centrumvms/restclient-go/api"
	"github.com/centrumvms/restclient-go/jsonrpc"
	"github.com/centrumvms/restclient-go/transport"
)

// onBatchComplete reconciles a batched call's completion: per-item expiry
// extraction on the first response, merge-by-identifier after a resend.
// A batched call fails as a whole only when the transport delivered no
// response at all; everything else is reported to the issuer as a
// delivered batch with per-item results. Runs on the coordination
// goroutine.
func (c *Connection) onBatchComplete(rec *pendingRequest, comp transport.Completion) {
	bs := rec.batch

	if comp.Err != nil {
		if rec.attempt == 0 {
			c.deliverBatch(rec, BatchResponse{Handle: rec.handle, Err: comp.Err})
			return
		}
		// The resend never produced a response. Per JSON-RPC semantics
		// the batch is still "delivered": the items we tried to resend
		// are rewritten as application-level errors carrying the
		// transport failure.
		synthesizeBatchErrors(bs, comp.Err)
		c.deliverBatch(rec, BatchResponse{Handle: rec.handle, Success: true, Responses: bs.original})
		return
	}

	canRetry := rec.credentialAware && rec.attempt < MaxResendAttempts

	if !comp.Success {
		// The server rejected the call before running any item. When the
		// rejection is a session expiry, every identified item is
		// eligible for resend.
		if canRetry && jsonBody(comp) {
			if result, err := api.ParseResult(comp.Body); err == nil && result.ErrorID.IsSessionExpiry() {
				if rec.attempt == 0 {
					bs.original = expiredSnapshot(bs.requests, result)
				}
				bs.expired = expiredIDSet(bs.original)
				c.arbitrate(rec, comp)
				return
			}
		}
		rejection := fmt.Errorf("server rejected batch: status %d", comp.Status)
		if rec.attempt == 0 {
			c.deliverBatch(rec, BatchResponse{Handle: rec.handle, Err: rejection})
			return
		}
		synthesizeBatchErrors(bs, rejection)
		c.deliverBatch(rec, BatchResponse{Handle: rec.handle, Success: true, Responses: bs.original})
		return
	}

	resps, err := jsonrpc.DecodeResponses(comp.Body)
	if err != nil {
		if rec.attempt == 0 {
			c.deliverBatch(rec, BatchResponse{Handle: rec.handle, Err: fmt.Errorf("invalid batch response: %w", err)})
			return
		}
		synthesizeBatchErrors(bs, err)
		c.deliverBatch(rec, BatchResponse{Handle: rec.handle, Success: true, Responses: bs.original})
		return
	}

	if rec.attempt == 0 {
		bs.original = resps
	} else {
		mergeBatch(bs, resps)
	}

	if !canRetry {
		c.deliverBatch(rec, BatchResponse{Handle: rec.handle, Success: true, Responses: bs.original})
		return
	}

	expired := expiredIDSet(bs.original)
	if len(expired) == 0 {
		c.deliverBatch(rec, BatchResponse{Handle: rec.handle, Success: true, Responses: bs.original})
		return
	}
	bs.expired = expired
	c.log.Debug("batch items expired",
		"handle", rec.handle,
		"expired", len(expired),
		"total", len(bs.original),
	)
	c.arbitrate(rec, comp)
}

// deliverBatch hands the reconciled batch outcome to its issuer on the
// issuer's executor.
func (c *Connection) deliverBatch(rec *pendingRequest, br BatchResponse) {
	if !c.finish(rec) {
		return
	}
	c.log.Debug("delivering batch result",
		"handle", rec.handle,
		"success", br.Success,
		"items", len(br.Responses),
		"attempt", rec.attempt,
	)
	cb := rec.batch.cb
	if cb == nil {
		return
	}
	rec.exec(func() { cb(br) })
}

// expiredIDSet collects the identity keys of response items that failed
// due to session expiry. Items without an identifier are never eligible
// for resend matching.
func expiredIDSet(resps []jsonrpc.Response) map[any]struct{} {
	ids := make(map[any]struct{})
	for i := range resps {
		if resps[i].ID.IsNil() {
			continue
		}
		if itemExpired(&resps[i]) {
			ids[resps[i].ID.Key()] = struct{}{}
		}
	}
	return ids
}

// reduceBatch carves the resend batch out of the original requests: only
// items whose identifier is flagged expired, in original order.
func reduceBatch(bs *batchState) []jsonrpc.Request {
	var out []jsonrpc.Request
	for _, req := range bs.requests {
		if req.ID.IsNil() {
			continue
		}
		if _, ok := bs.expired[req.ID.Key()]; ok {
			out = append(out, req)
		}
	}
	return out
}

// mergeBatch overwrites items of the original response array with resend
// results carrying the same identifier. Identifiers are matched by exact
// type and value; unmatched original items stay untouched.
func mergeBatch(bs *batchState, resps []jsonrpc.Response) {
	byID := make(map[any]*jsonrpc.Response, len(resps))
	for i := range resps {
		if resps[i].ID.IsNil() {
			continue
		}
		byID[resps[i].ID.Key()] = &resps[i]
	}
	for i := range bs.original {
		if bs.original[i].ID.IsNil() {
			continue
		}
		if repl, ok := byID[bs.original[i].ID.Key()]; ok {
			bs.original[i] = *repl
		}
	}
}

// synthesizeBatchErrors rewrites every still-expired item as an
// application-level error carrying the failure that kept its resend from
// producing a result.
func synthesizeBatchErrors(bs *batchState, cause error) {
	for i := range bs.original {
		if bs.original[i].ID.IsNil() {
			continue
		}
		if _, ok := bs.expired[bs.original[i].ID.Key()]; !ok {
			continue
		}
		bs.original[i] = *jsonrpc.NewErrorResponse(
			bs.original[i].ID,
			jsonrpc.ErrorCodeApplicationError,
			cause.Error(),
			api.Result{ErrorID: api.ErrorServiceUnavailable, ErrorString: cause.Error()},
		)
	}
}

// expiredSnapshot fabricates the original response array for a batch the
// server rejected wholesale with a session-expiry envelope: every
// identified item is marked expired so the resend covers the full batch.
func expiredSnapshot(reqs []jsonrpc.Request, result *api.Result) []jsonrpc.Response {
	out := make([]jsonrpc.Response, 0, len(reqs))
	for _, req := range reqs {
		if req.ID.IsNil() {
			continue
		}
		out = append(out, *jsonrpc.NewErrorResponse(
			req.ID,
			jsonrpc.ErrorCodeApplicationError,
			result.ErrorString,
			result,
		))
	}
	return out
}
