package credentials

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token is an opaque bearer credential plus an optional expiry marker.
// Tokens are immutable: a refresh produces a new Token value, never
// mutates an existing one.
type Token struct {
	// Value is the raw bearer string sent in the Authorization header.
	Value string

	// ExpiresAt is the token's expiry instant, zero when unknown. The
	// broker never preflights expiry; the marker exists for callers that
	// schedule proactive refreshes.
	ExpiresAt time.Time
}

// Empty reports whether the token carries no credential at all.
func (t Token) Empty() bool { return t.Value == "" }

// ExpiredAt reports whether the token is known to be expired at the given
// instant. A token without an expiry marker is never considered expired
// locally; the server remains the authority.
func (t Token) ExpiredAt(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// New builds a Token from a raw bearer value, lifting the expiry marker
// out of the value when it parses as a JWT. The parse is unverified: the
// client has no business checking the server's signature, it only wants
// the exp claim for scheduling.
func New(value string) Token {
	return Token{Value: value, ExpiresAt: InferExpiry(value)}
}

// InferExpiry returns the exp claim of a JWT bearer value, or the zero
// time when the value is not a JWT or carries no exp.
func InferExpiry(value string) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(value, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
