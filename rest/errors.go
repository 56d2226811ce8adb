package rest

import "errors"

var (
	// ErrUnpreparable indicates a request could not be turned into a
	// transport-ready call (missing path, bad parameters). It is reported
	// synchronously from Send and never retried.
	ErrUnpreparable = errors.New("request cannot be prepared")

	// ErrClosed indicates the connection has been shut down. Pending
	// requests at close time receive it as their terminal outcome.
	ErrClosed = errors.New("connection closed")

	// ErrCancelled is the terminal outcome of a request cancelled through
	// Cancel before any response arrived.
	ErrCancelled = errors.New("request cancelled")
)
