// Package credential picks the bearer token sent to the agent service.
//
// Sources are tried in order and the first non-empty token wins. The chain
// never fails: if every source comes up empty the caller gets "" and the
// upstream rejection surfaces as an agent API error instead.
package credential

import (
	"context"
	"errors"
	"strings"

	"github.com/soyeahso/kristal-gateway/internal/config"
	"github.com/soyeahso/kristal-gateway/internal/logging"
)

// ErrNoToken is returned by a source that produced an empty token.
var ErrNoToken = errors.New("empty token")

// Source produces a bearer token.
type Source interface {
	Name() string
	Token(ctx context.Context) (string, error)
}

// Provider walks an ordered list of sources.
type Provider struct {
	sources []Source
	log     *logging.Logger
}

// NewProvider creates a provider over sources, tried in the given order.
func NewProvider(log *logging.Logger, sources ...Source) *Provider {
	return &Provider{sources: sources, log: log.Sub("credential")}
}

// FromConfig builds the standard chain: gcloud CLI (unless disabled), ADC
// identity token (when an audience is configured), then the static API key.
func FromConfig(cfg config.AgentConfig, log *logging.Logger) *Provider {
	var sources []Source
	if cfg.GcloudEnabled() {
		sources = append(sources, NewGcloudSource())
	}
	if cfg.IdentityAudience != "" {
		sources = append(sources, NewIDTokenSource(cfg.IdentityAudience))
	}
	sources = append(sources, StaticSource{Key: cfg.APIKey})
	return NewProvider(log, sources...)
}

// Names lists the configured sources in resolution order.
func (p *Provider) Names() []string {
	names := make([]string, len(p.sources))
	for i, s := range p.sources {
		names[i] = s.Name()
	}
	return names
}

// ResolveToken returns the first usable token, or "" when none is available.
func (p *Provider) ResolveToken(ctx context.Context) string {
	for _, s := range p.sources {
		tok, err := s.Token(ctx)
		if err == nil {
			tok = strings.TrimSpace(tok)
		}
		if err == nil && tok != "" {
			p.log.Debug().Str("source", s.Name()).Msg("credential resolved")
			return tok
		}
		if err == nil {
			err = ErrNoToken
		}
		p.log.Debug().Err(err).Str("source", s.Name()).Msg("credential source unavailable")
	}

	p.log.Warn().Strs("tried", p.Names()).Msg("no credential available, calling agent unauthenticated")
	return ""
}

// StaticSource returns a fixed API key.
type StaticSource struct {
	Key string
}

func (StaticSource) Name() string { return "api-key" }

func (s StaticSource) Token(context.Context) (string, error) {
	if s.Key == "" {
		return "", ErrNoToken
	}
	return s.Key, nil
}

// Func adapts a plain function into a Source.
type Func struct {
	Label string
	Fn    func(ctx context.Context) (string, error)
}

func (f Func) Name() string { return f.Label }

func (f Func) Token(ctx context.Context) (string, error) { return f.Fn(ctx) }
