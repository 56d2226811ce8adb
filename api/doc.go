// Package api defines the wire-level result envelope shared between the
// media server and its clients. Every non-streaming REST endpoint reports
// failures through a Result body carrying a stable ErrorID, regardless of
// the HTTP status code on the response line; JSON-RPC endpoints embed the
// same envelope in the error object's data field.
//
// The restclient broker only ever inspects this envelope to classify a
// response; payload deserialization belongs to the caller.
package api
