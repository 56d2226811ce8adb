package credentials

import (
	"context"
	"errors"

	"golang.org/x/sync/singleflight"
)

// ErrDeclined indicates the user (or policy) declined to produce a fresh
// token. It is the expected outcome of a dismissed reauthorization
// prompt, not a fault.
var ErrDeclined = errors.New("reauthorization declined")

// Source produces fresh credential tokens. Refresh is synchronous from
// the caller's point of view and may block for a human-timescale duration
// while a prompt is shown. Each call is an independent attempt; sources
// must remain usable for the whole application lifetime.
//
// A declined or failed attempt returns ErrDeclined (or another error);
// the broker then falls back to delivering the original expiry failure.
type Source interface {
	Refresh(ctx context.Context) (Token, error)
}

// SourceFunc adapts a plain function to the Source interface.
type SourceFunc func(ctx context.Context) (Token, error)

func (f SourceFunc) Refresh(ctx context.Context) (Token, error) { return f(ctx) }

// StaticSource always hands out the same token. Useful for tests and for
// deployments where a sidecar owns rotation.
type StaticSource struct {
	Token Token
}

func (s *StaticSource) Refresh(context.Context) (Token, error) {
	if s.Token.Empty() {
		return Token{}, ErrDeclined
	}
	return s.Token, nil
}

// SingleFlightSource deduplicates concurrent Refresh calls against the
// wrapped source. Each broker already single-flights its own reauth
// attempts; this wrapper extends the guarantee across several brokers
// sharing one source, so a multi-server client shows one prompt instead
// of one per server.
type SingleFlightSource struct {
	Inner Source

	group singleflight.Group
}

// Refresh implements Source. All concurrent callers observe the outcome
// of a single inner Refresh.
func (s *SingleFlightSource) Refresh(ctx context.Context) (Token, error) {
	v, err, _ := s.group.Do("refresh", func() (any, error) {
		return s.Inner.Refresh(ctx)
	})
	if err != nil {
		return Token{}, err
	}
	return v.(Token), nil
}
