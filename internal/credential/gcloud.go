package credential

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// GcloudTimeout bounds the gcloud CLI invocation.
const GcloudTimeout = 5 * time.Second

// CommandRunner runs an external command and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// GcloudSource mints an identity token with the locally installed gcloud CLI.
type GcloudSource struct {
	Command string
	Timeout time.Duration
	Run     CommandRunner
}

// NewGcloudSource returns a source that shells out to `gcloud`.
func NewGcloudSource() *GcloudSource {
	return &GcloudSource{
		Command: "gcloud",
		Timeout: GcloudTimeout,
		Run:     execRunner,
	}
}

func (g *GcloudSource) Name() string { return "gcloud" }

// Token runs `gcloud auth print-identity-token` and returns trimmed stdout.
func (g *GcloudSource) Token(ctx context.Context) (string, error) {
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = GcloudTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := g.Run(ctx, g.Command, "auth", "print-identity-token")
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%s timed out after %s: %w", g.Command, timeout, ctx.Err())
		}
		return "", err
	}

	tok := strings.TrimSpace(string(out))
	if tok == "" {
		return "", ErrNoToken
	}
	return tok, nil
}

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%s exited %d: %s", name, exitErr.ExitCode(), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}
