// Package jsonrpc holds the JSON-RPC 2.0 message types used by batched
// server calls. Request identifiers follow exact type+value identity: the
// numeric id 1 and the string id "1" are different requests.
package jsonrpc
