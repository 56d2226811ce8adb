// Package logctx enriches slog records with request-scoped broker
// attributes carried in a context. The broker wraps its logger's handler
// once at construction; individual call sites then only need to thread
// the context.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if cd, ok := ctx.Value(callDataKey{}).(*CallData); ok {
		r.AddAttrs(slog.Group("call",
			slog.String("handle", cd.Handle),
			slog.String("endpoint", cd.Endpoint),
			slog.Int("attempt", cd.Attempt),
		))
	}

	if rd, ok := ctx.Value(reauthDataKey{}).(*ReauthData); ok {
		r.AddAttrs(slog.Group("reauth",
			slog.Uint64("epoch", rd.Epoch),
			slog.Int("waiters", rd.Waiters),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type callDataKey struct{}

// CallData identifies one logical request across dispatch, resend and
// terminal delivery.
type CallData struct {
	Handle   string
	Endpoint string
	Attempt  int
}

func WithCallData(ctx context.Context, data *CallData) context.Context {
	return context.WithValue(ctx, callDataKey{}, data)
}

type reauthDataKey struct{}

// ReauthData describes the reauthorization round in progress.
type ReauthData struct {
	Epoch   uint64
	Waiters int
}

func WithReauthData(ctx context.Context, data *ReauthData) context.Context {
	return context.WithValue(ctx, reauthDataKey{}, data)
}
