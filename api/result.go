package api

import (
	"encoding/json"
	"fmt"
)

// ErrorID is a stable, machine-readable identifier of a server-reported
// error condition. It is independent of the HTTP status code: privileged
// endpoints report session problems with id granularity that status codes
// cannot express.
type ErrorID string

const (
	// ErrorOK indicates a successful result envelope.
	ErrorOK ErrorID = "ok"
	// ErrorMissingParameter indicates a required parameter was absent.
	ErrorMissingParameter ErrorID = "missingParameter"
	// ErrorInvalidParameter indicates a parameter failed validation.
	ErrorInvalidParameter ErrorID = "invalidParameter"
	// ErrorBadRequest indicates the request was malformed.
	ErrorBadRequest ErrorID = "badRequest"
	// ErrorForbidden indicates the authenticated principal lacks rights.
	ErrorForbidden ErrorID = "forbidden"
	// ErrorUnauthorized indicates missing or invalid credentials.
	ErrorUnauthorized ErrorID = "unauthorized"
	// ErrorSessionExpired indicates the session token has aged out and the
	// user must reauthorize before the request can be retried.
	ErrorSessionExpired ErrorID = "sessionExpired"
	// ErrorSessionRequired indicates the endpoint demands a fresh session
	// token even though the presented credentials are otherwise valid.
	ErrorSessionRequired ErrorID = "sessionRequired"
	// ErrorNotFound indicates the addressed entity does not exist.
	ErrorNotFound ErrorID = "notFound"
	// ErrorCantProcessRequest indicates a server-side processing failure.
	ErrorCantProcessRequest ErrorID = "cantProcessRequest"
	// ErrorServiceUnavailable indicates the server cannot serve the request
	// right now.
	ErrorServiceUnavailable ErrorID = "serviceUnavailable"
	// ErrorInternal indicates an unexpected server error.
	ErrorInternal ErrorID = "internalServerError"
)

// IsSessionExpiry reports whether the id names one of the two conditions
// that are recoverable by obtaining a fresh session token.
func (id ErrorID) IsSessionExpiry() bool {
	return id == ErrorSessionExpired || id == ErrorSessionRequired
}

// Result is the generic response envelope. Endpoints that succeed with a
// payload place it in Reply; endpoints that fail describe the failure with
// ErrorID and a human-readable ErrorString.
type Result struct {
	ErrorID     ErrorID         `json:"errorId,omitempty"`
	ErrorString string          `json:"errorString,omitempty"`
	Reply       json.RawMessage `json:"reply,omitempty"`
}

// OK reports whether the envelope describes a success.
func (r *Result) OK() bool {
	return r.ErrorID == "" || r.ErrorID == ErrorOK
}

// Error implements the error interface so a failed envelope can be passed
// around as a regular Go error by callers that want to.
func (r *Result) Error() string {
	if r.ErrorString != "" {
		return fmt.Sprintf("%s: %s", r.ErrorID, r.ErrorString)
	}
	return string(r.ErrorID)
}

// ParseResult decodes body as a Result envelope. A body that is not a JSON
// object, or that is an object without the envelope fields, yields an
// error; callers use that to distinguish structured server replies from
// arbitrary payloads.
func ParseResult(body []byte) (*Result, error) {
	var r Result
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("not a result envelope: %w", err)
	}
	return &r, nil
}
