package provider

import (
	"bytes"
	"context"
	"errors"
	"os/exec"

	"github.com/rs/zerolog"

	"github.com/hardshare/hardshare/internal/config"
)

// lxdProvider shells out to the lxc CLI. LXD has no stable Go API the
// rest of the stack shares, so the flow mirrors what an operator would
// type by hand.
type lxdProvider struct {
	deployment *config.Deployment
	logger     zerolog.Logger
}

func newLXDProvider(d *config.Deployment, logger zerolog.Logger) *lxdProvider {
	return &lxdProvider{
		deployment: d,
		logger:     logger.With().Str("provider", "lxd").Logger(),
	}
}

func (p *lxdProvider) Name() string { return "lxd" }

func (p *lxdProvider) CheckImage(ctx context.Context) error {
	if _, err := p.run(ctx, "image", "info", p.deployment.Image); err != nil {
		return err
	}
	return nil
}

func (p *lxdProvider) Launch(ctx context.Context, instanceID, publicKey string) error {
	if err := validatePublicKey(publicKey); err != nil {
		return &Error{Provider: "lxd", Step: "install key", Err: err}
	}
	if err := p.CheckImage(ctx); err != nil {
		return err
	}

	launchArgs := append([]string{"launch", p.deployment.Image, p.deployment.ContainerName},
		p.deployment.CArgs...)
	if _, err := p.run(ctx, launchArgs...); err != nil {
		return err
	}
	p.logger.Info().Str("container", p.deployment.ContainerName).
		Str("instance", instanceID).Msg("container launched")

	if _, err := p.run(ctx, "exec", p.deployment.ContainerName, "--",
		"sh", "-c", installKeyScript, "sh", publicKey); err != nil {
		return err
	}

	for _, cmd := range p.deployment.InitInside {
		out, err := p.run(ctx, "exec", p.deployment.ContainerName, "--", "sh", "-c", cmd)
		p.logger.Info().Str("command", cmd).Str("output", out).Msg("init_inside hook")
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *lxdProvider) Destroy(ctx context.Context, instanceID string) error {
	for _, cmd := range p.deployment.Terminate {
		out, err := p.run(ctx, "exec", p.deployment.ContainerName, "--", "sh", "-c", cmd)
		p.logger.Info().Str("command", cmd).Str("output", out).Msg("terminate hook")
		if err != nil {
			p.logger.Warn().Err(err).Str("command", cmd).Msg("terminate hook failed")
		}
	}

	if _, err := p.run(ctx, "delete", "--force", p.deployment.ContainerName); err != nil {
		return err
	}
	p.logger.Info().Str("container", p.deployment.ContainerName).
		Str("instance", instanceID).Msg("container deleted")
	return nil
}

// run invokes lxc and wraps any failure in a structured Error.
func (p *lxdProvider) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "lxc", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		perr := &Error{Provider: "lxd", Step: args[0], Stderr: stderr.String(), Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			perr.ExitCode = exitErr.ExitCode()
		}
		return stdout.String(), perr
	}
	return stdout.String(), nil
}
