package provider

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hardshare/hardshare/internal/config"
)

// proxyProvider runs no container at all: the deployment's cargs name a
// proxy command that is spawned on launch and killed on destroy. Used
// for hardware fronted by its own network service (e.g. a vendor HTTP
// API on the device).
type proxyProvider struct {
	deployment *config.Deployment
	logger     zerolog.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan error
}

func newProxyProvider(d *config.Deployment, logger zerolog.Logger) *proxyProvider {
	return &proxyProvider{
		deployment: d,
		logger:     logger.With().Str("provider", "proxy").Logger(),
	}
}

func (p *proxyProvider) Name() string { return "proxy" }

// CheckImage is a no-op: there is no image.
func (p *proxyProvider) CheckImage(ctx context.Context) error { return nil }

func (p *proxyProvider) Launch(ctx context.Context, instanceID, publicKey string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil {
		return &Error{Provider: "proxy", Step: "spawn",
			Err: errors.New("proxy command already running")}
	}

	cargs := p.deployment.CArgs
	if len(cargs) == 0 {
		return &Error{Provider: "proxy", Step: "spawn",
			Err: errors.New("no proxy command configured")}
	}

	cmd := exec.Command(cargs[0], cargs[1:]...)
	if err := cmd.Start(); err != nil {
		return &Error{Provider: "proxy", Step: "spawn", Err: err}
	}
	p.logger.Info().Str("command", cargs[0]).Int("pid", cmd.Process.Pid).
		Str("instance", instanceID).Msg("proxy command started")

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	p.cmd, p.done = cmd, done
	return nil
}

func (p *proxyProvider) Destroy(ctx context.Context, instanceID string) error {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	p.cmd, p.done = nil, nil
	p.mu.Unlock()

	if cmd == nil {
		return nil
	}

	select {
	case err := <-done:
		// Already exited on its own.
		p.logger.Info().AnErr("exit", err).Msg("proxy command had exited")
		return nil
	default:
	}

	if err := cmd.Process.Kill(); err != nil {
		return &Error{Provider: "proxy", Step: "kill", Err: err}
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.logger.Info().Str("instance", instanceID).Msg("proxy command stopped")
	return nil
}

// SmokeTest spawns the proxy command and kills it right away. The
// config check flow uses it to validate that the command is runnable.
func (p *proxyProvider) SmokeTest(ctx context.Context) error {
	if err := p.Launch(ctx, "smoke-test", ""); err != nil {
		return err
	}
	killCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.Destroy(killCtx, "smoke-test")
}
