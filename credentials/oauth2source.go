package credentials

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// OAuth2Source refreshes tokens through the OAuth 2.0 refresh-token
// grant. The issuer's token endpoint is located via OIDC discovery, so
// callers configure only the issuer URL and client identity.
//
// The refresh token itself may be rotated by the server; the source keeps
// the latest one across attempts.
type OAuth2Source struct {
	cfg *oauth2.Config

	mu      sync.Mutex
	refresh string
}

var _ Source = (*OAuth2Source)(nil)

// NewOAuth2Source discovers the issuer and prepares a refresh-grant
// source seeded with refreshToken.
func NewOAuth2Source(ctx context.Context, issuer, clientID, clientSecret, refreshToken string) (*OAuth2Source, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discover issuer: %w", err)
	}
	return &OAuth2Source{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     provider.Endpoint(),
		},
		refresh: refreshToken,
	}, nil
}

// Refresh implements Source by exchanging the stored refresh token for a
// fresh access token.
func (s *OAuth2Source) Refresh(ctx context.Context) (Token, error) {
	s.mu.Lock()
	seed := s.refresh
	s.mu.Unlock()
	if seed == "" {
		return Token{}, ErrDeclined
	}

	ts := s.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: seed})
	tok, err := ts.Token()
	if err != nil {
		return Token{}, fmt.Errorf("refresh grant: %w", err)
	}

	if tok.RefreshToken != "" && tok.RefreshToken != seed {
		s.mu.Lock()
		s.refresh = tok.RefreshToken
		s.mu.Unlock()
	}

	out := Token{Value: tok.AccessToken, ExpiresAt: tok.Expiry}
	if out.ExpiresAt.IsZero() {
		out.ExpiresAt = InferExpiry(tok.AccessToken)
	}
	return out, nil
}
