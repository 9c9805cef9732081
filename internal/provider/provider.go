// Package provider abstracts the container runtimes an instance can run
// on: the Docker API family (docker, docker-rootless, podman), LXD via
// the lxc CLI, and a bare proxy process for deployments without a
// container.
package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/hardshare/hardshare/internal/config"
)

// Provider launches and destroys the instance container of a single
// deployment. Implementations are bound to one deployment record and
// its fixed container name.
type Provider interface {
	// Name returns the provider selector (docker, podman, ...).
	Name() string

	// CheckImage verifies the deployment's image exists locally.
	CheckImage(ctx context.Context) error

	// Launch brings the container up, installs the tenant's public key,
	// and runs the deployment's init_inside hooks.
	Launch(ctx context.Context, instanceID, publicKey string) error

	// Destroy runs the terminate hooks and tears the container down.
	// Best effort: hook failures are logged, not returned.
	Destroy(ctx context.Context, instanceID string) error
}

// Error is a structured provider-exec failure. The caller decides on
// retries; this layer never does.
type Error struct {
	Provider string
	Step     string
	Stderr   string
	ExitCode int
	Err      error
}

func (e *Error) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "provider %s: %s failed", e.Provider, e.Step)
	if e.ExitCode != 0 {
		fmt.Fprintf(&sb, " (exit %d)", e.ExitCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	if e.Stderr != "" {
		fmt.Fprintf(&sb, ": %s", strings.TrimSpace(e.Stderr))
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

// validatePublicKey checks that the tenant key is a parseable
// authorized-keys entry before it is written into a container.
func validatePublicKey(pub string) error {
	if strings.TrimSpace(pub) == "" {
		return fmt.Errorf("provider: empty tenant public key")
	}
	if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(pub)); err != nil {
		return fmt.Errorf("provider: malformed tenant public key: %w", err)
	}
	return nil
}

// New creates the provider selected by the deployment's cprovider.
func New(d *config.Deployment, logger zerolog.Logger) (Provider, error) {
	switch d.CProvider {
	case "docker", "docker-rootless", "podman":
		return newDockerProvider(d, logger)
	case "lxd":
		return newLXDProvider(d, logger), nil
	case "proxy":
		return newProxyProvider(d, logger), nil
	default:
		return nil, fmt.Errorf("provider: unknown selector %q", d.CProvider)
	}
}
