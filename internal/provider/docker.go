package provider

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"

	"github.com/hardshare/hardshare/internal/config"
)

// installKeyScript appends the tenant's public key inside the container.
// The key arrives as $1 to avoid any shell quoting of its content.
const installKeyScript = `mkdir -p /root/.ssh && chmod 700 /root/.ssh && ` +
	`printf '%s\n' "$1" >> /root/.ssh/authorized_keys && chmod 600 /root/.ssh/authorized_keys`

// dockerProvider drives docker, docker-rootless, and podman through the
// Docker Engine API. Only the daemon socket differs between the three.
type dockerProvider struct {
	deployment *config.Deployment
	client     *client.Client
	logger     zerolog.Logger
}

// socketForSelector returns the daemon endpoint for a provider selector.
// An empty string means the SDK default (DOCKER_HOST or the system
// socket).
func socketForSelector(selector string) string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	switch selector {
	case "docker-rootless":
		return "unix://" + filepath.Join(runtimeDir, "docker.sock")
	case "podman":
		return "unix://" + filepath.Join(runtimeDir, "podman", "podman.sock")
	default:
		return ""
	}
}

func newDockerProvider(d *config.Deployment, logger zerolog.Logger) (*dockerProvider, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if host := socketForSelector(d.CProvider); host != "" {
		opts = append(opts, client.WithHost(host))
	} else {
		opts = append(opts, client.FromEnv)
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("provider: create %s client: %w", d.CProvider, err)
	}

	return &dockerProvider{
		deployment: d,
		client:     cli,
		logger:     logger.With().Str("provider", d.CProvider).Logger(),
	}, nil
}

func (p *dockerProvider) Name() string { return p.deployment.CProvider }

// CheckImage verifies the deployment image exists on the daemon.
func (p *dockerProvider) CheckImage(ctx context.Context) error {
	if _, err := p.client.ImageInspect(ctx, p.deployment.Image); err != nil {
		return &Error{Provider: p.Name(), Step: "image inspect", Err: err}
	}
	return nil
}

func (p *dockerProvider) Launch(ctx context.Context, instanceID, publicKey string) error {
	name := p.deployment.ContainerName

	if err := validatePublicKey(publicKey); err != nil {
		return &Error{Provider: p.Name(), Step: "install key", Err: err}
	}
	if err := p.CheckImage(ctx); err != nil {
		return err
	}

	// A leftover container under the fixed name means a previous
	// teardown did not finish; refuse rather than clobber it.
	if _, err := p.client.ContainerInspect(ctx, name); err == nil {
		return &Error{Provider: p.Name(), Step: "create",
			Err: fmt.Errorf("container name %q already in use", name)}
	} else if !client.IsErrNotFound(err) {
		return &Error{Provider: p.Name(), Step: "inspect", Err: err}
	}

	args, err := parseCArgs(p.deployment.CArgs)
	if err != nil {
		return &Error{Provider: p.Name(), Step: "cargs", Err: err}
	}

	containerConfig := &container.Config{
		Image: p.deployment.Image,
		Env:   args.env,
		Labels: map[string]string{
			"hardshare.deployment": p.deployment.ID.String(),
			"hardshare.instance":   instanceID,
		},
		ExposedPorts: args.exposedPorts,
	}

	resp, err := p.client.ContainerCreate(ctx, containerConfig, args.hostConfig(), nil, nil, name)
	if err != nil {
		return &Error{Provider: p.Name(), Step: "create", Err: err}
	}
	p.logger.Debug().Str("container_id", resp.ID).Msg("container created")

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return &Error{Provider: p.Name(), Step: "start", Err: err}
	}
	p.logger.Info().Str("container", name).Str("instance", instanceID).Msg("container started")

	if code, stderr, err := p.exec(ctx, name, installKeyScript, publicKey); err != nil || code != 0 {
		return &Error{Provider: p.Name(), Step: "install key", Stderr: stderr, ExitCode: code, Err: err}
	}

	for _, cmd := range p.deployment.InitInside {
		code, stderr, err := p.exec(ctx, name, cmd)
		p.logger.Info().Str("command", cmd).Int("exit", code).Msg("init_inside hook")
		if err != nil || code != 0 {
			return &Error{Provider: p.Name(), Step: "init_inside", Stderr: stderr, ExitCode: code, Err: err}
		}
	}
	return nil
}

func (p *dockerProvider) Destroy(ctx context.Context, instanceID string) error {
	name := p.deployment.ContainerName

	for _, cmd := range p.deployment.Terminate {
		code, stderr, err := p.exec(ctx, name, cmd)
		p.logger.Info().Str("command", cmd).Int("exit", code).Msg("terminate hook")
		if err != nil || code != 0 {
			p.logger.Warn().Err(err).Str("stderr", stderr).Str("command", cmd).
				Msg("terminate hook failed")
		}
	}

	err := p.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return &Error{Provider: p.Name(), Step: "remove", Err: err}
	}
	p.logger.Info().Str("container", name).Str("instance", instanceID).Msg("container removed")
	return nil
}

// exec runs `sh -c script [args...]` inside the container and returns
// the exit code plus captured stderr.
func (p *dockerProvider) exec(ctx context.Context, containerName, script string, args ...string) (int, string, error) {
	cmd := append([]string{"/bin/sh", "-c", script, "sh"}, args...)
	execResp, err := p.client.ContainerExecCreate(ctx, containerName, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return 0, "", fmt.Errorf("create exec: %w", err)
	}

	attachResp, err := p.client.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return 0, "", fmt.Errorf("attach exec: %w", err)
	}
	defer attachResp.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attachResp.Reader); err != nil {
		return 0, stderr.String(), fmt.Errorf("stream exec output: %w", err)
	}

	inspectResp, err := p.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return 0, stderr.String(), fmt.Errorf("inspect exec: %w", err)
	}
	return inspectResp.ExitCode, stderr.String(), nil
}
