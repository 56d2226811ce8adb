package rest

import (
	"encoding/json"

	"github.com/elnormous/contenttype"

	"github.com/centrumvms/restclient-go/api"
	"github.com/centrumvms/restclient-go/jsonrpc"
	"github.com/centrumvms/restclient-go/transport"
)

// verdict is the expiry classifier's judgment of one response.
type verdict int

const (
	verdictOK verdict = iota
	verdictFailure
	verdictExpired
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// classifySingle inspects a single-call completion. Expiry demands a
// syntactically valid server response whose result envelope names one of
// the session-expiry error ids; the protocol status code is irrelevant.
// A transport-level failure is never an expiry.
func (c *Connection) classifySingle(comp transport.Completion) verdict {
	if comp.Err != nil {
		return verdictFailure
	}
	if comp.Success {
		return verdictOK
	}
	if !jsonBody(comp) {
		return verdictFailure
	}
	result, err := api.ParseResult(comp.Body)
	if err != nil {
		return verdictFailure
	}
	if result.ErrorID.IsSessionExpiry() {
		return verdictExpired
	}
	return verdictFailure
}

// jsonBody reports whether the completion's declared media type permits
// envelope parsing. A missing Content-Type header is tolerated; a
// non-JSON one is disqualifying.
func jsonBody(comp transport.Completion) bool {
	if comp.Headers == nil {
		return true
	}
	ct := comp.Headers.Get("Content-Type")
	if ct == "" {
		return true
	}
	return contenttype.NewMediaType(ct).Matches(jsonMediaType)
}

// itemExpired reports whether one JSON-RPC response item failed due to
// session expiry: its error carries a data payload that decodes as the
// server's result envelope with a session-expiry id. Items are judged
// independently; a batch is never globally expired unless every item is.
func itemExpired(resp *jsonrpc.Response) bool {
	if resp.Error == nil || len(resp.Error.Data) == 0 {
		return false
	}
	var result api.Result
	if err := json.Unmarshal(resp.Error.Data, &result); err != nil {
		return false
	}
	return result.ErrorID.IsSessionExpiry()
}
