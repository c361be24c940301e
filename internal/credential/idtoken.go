package credential

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
	"google.golang.org/api/idtoken"
)

// IDTokenSource mints Google identity tokens for an audience from
// Application Default Credentials. This covers deployments where the gcloud
// CLI is absent, such as a service account on Cloud Run.
type IDTokenSource struct {
	Audience string

	mu        sync.Mutex
	ts        oauth2.TokenSource
	newSource func(ctx context.Context, audience string) (oauth2.TokenSource, error)
}

// NewIDTokenSource returns a source for audience. Credentials are looked up
// on first use.
func NewIDTokenSource(audience string) *IDTokenSource {
	return &IDTokenSource{
		Audience:  audience,
		newSource: func(ctx context.Context, audience string) (oauth2.TokenSource, error) {
			return idtoken.NewTokenSource(ctx, audience)
		},
	}
}

// NewIDTokenSourceFrom wraps an existing token source.
func NewIDTokenSourceFrom(audience string, ts oauth2.TokenSource) *IDTokenSource {
	return &IDTokenSource{Audience: audience, ts: oauth2.ReuseTokenSource(nil, ts)}
}

func (s *IDTokenSource) Name() string { return "adc-idtoken" }

// Token returns a cached or freshly minted identity token.
func (s *IDTokenSource) Token(ctx context.Context) (string, error) {
	ts, err := s.tokenSource(ctx)
	if err != nil {
		return "", err
	}
	tok, err := ts.Token()
	if err != nil {
		return "", fmt.Errorf("minting identity token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", ErrNoToken
	}
	return tok.AccessToken, nil
}

func (s *IDTokenSource) tokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ts != nil {
		return s.ts, nil
	}
	// The token source outlives this request, so it must not inherit its deadline.
	ts, err := s.newSource(context.WithoutCancel(ctx), s.Audience)
	if err != nil {
		return nil, fmt.Errorf("loading default credentials for %s: %w", s.Audience, err)
	}
	s.ts = ts
	return ts, nil
}
