// Package transport defines the narrow port through which the rest broker
// submits prepared requests and receives their completions. The broker
// depends on nothing below this interface: connection pooling, TLS and
// certificate policy all live behind it.
//
// Two implementations ship with the module: httpround, a thin net/http
// adapter suitable for production use, and transporttest, a scripted fake
// for exercising broker behavior deterministically.
package transport
