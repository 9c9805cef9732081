package provider

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/hardshare/hardshare/internal/config"
)

func TestValidatePublicKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	authorized := string(ssh.MarshalAuthorizedKey(sshPub))

	require.NoError(t, validatePublicKey(authorized))
	require.Error(t, validatePublicKey(""))
	require.Error(t, validatePublicKey("ssh-ed25519 not-base64 tenant"))
}

func TestParseCArgs(t *testing.T) {
	args, err := parseCArgs([]string{
		"--device=/dev/ttyUSB0:/dev/ttyUSB0",
		"--device", "/dev/video0:/dev/video1:rw",
		"-v", "/srv/data:/data",
		"-e", "MODE=shared",
		"--env=DEBUG=1",
		"--network", "host",
		"--privileged",
		"-p", "2210:22",
	})
	require.NoError(t, err)

	require.Len(t, args.devices, 2)
	require.Equal(t, "/dev/ttyUSB0", args.devices[0].PathOnHost)
	require.Equal(t, "/dev/ttyUSB0", args.devices[0].PathInContainer)
	require.Equal(t, "rwm", args.devices[0].CgroupPermissions)
	require.Equal(t, "/dev/video1", args.devices[1].PathInContainer)
	require.Equal(t, "rw", args.devices[1].CgroupPermissions)

	require.Equal(t, []string{"/srv/data:/data"}, args.binds)
	require.Equal(t, []string{"MODE=shared", "DEBUG=1"}, args.env)
	require.True(t, args.privileged)

	hc := args.hostConfig()
	require.Equal(t, "host", string(hc.NetworkMode))
	require.Len(t, hc.PortBindings, 1)
}

func TestParseCArgsRejectsUnknownFlag(t *testing.T) {
	_, err := parseCArgs([]string{"--restart=always"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported cargs flag")
}

func TestParseCArgsRejectsDanglingValue(t *testing.T) {
	for _, cargs := range [][]string{
		{"--device"},
		{"-v"},
		{"-e"},
		{"-p"},
	} {
		if _, err := parseCArgs(cargs); err == nil {
			t.Fatalf("expected error for %v", cargs)
		}
	}
}

func TestParseCArgsEmpty(t *testing.T) {
	args, err := parseCArgs(nil)
	require.NoError(t, err)
	require.Empty(t, args.devices)
	require.Empty(t, args.env)
}

func TestErrorFormatting(t *testing.T) {
	err := &Error{
		Provider: "docker",
		Step:     "init_inside",
		Stderr:   "no such unit\n",
		ExitCode: 5,
		Err:      errors.New("command exited"),
	}
	msg := err.Error()
	for _, want := range []string{"docker", "init_inside", "exit 5", "no such unit"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q missing %q", msg, want)
		}
	}

	inner := errors.New("boom")
	if !errors.Is(&Error{Err: inner}, inner) {
		t.Fatal("unwrap broken")
	}
}

func TestNewRejectsUnknownSelector(t *testing.T) {
	d := &config.Deployment{ID: uuid.New(), CProvider: "rkt", ContainerName: "ws0"}
	if _, err := New(d, zerolog.New(io.Discard)); err == nil {
		t.Fatal("expected error for unknown selector")
	}
}

func newProxyDeployment(cargs ...string) *config.Deployment {
	return &config.Deployment{
		ID:            uuid.New(),
		CProvider:     "proxy",
		ContainerName: "ws0",
		CArgs:         cargs,
	}
}

func TestProxyLaunchAndDestroy(t *testing.T) {
	p := newProxyProvider(newProxyDeployment("sleep", "60"), zerolog.New(io.Discard))

	ctx := context.Background()
	require.NoError(t, p.Launch(ctx, "inst1", ""))

	// A second launch while running is refused.
	err := p.Launch(ctx, "inst2", "")
	require.Error(t, err)

	destroyCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, p.Destroy(destroyCtx, "inst1"))

	// Destroy with nothing running is a no-op.
	require.NoError(t, p.Destroy(ctx, "inst1"))
}

func TestProxyLaunchFailsForMissingCommand(t *testing.T) {
	p := newProxyProvider(newProxyDeployment("/no/such/binary-xyz"), zerolog.New(io.Discard))

	err := p.Launch(context.Background(), "inst1", "")
	var perr *Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "spawn", perr.Step)
}

func TestProxySmokeTest(t *testing.T) {
	p := newProxyProvider(newProxyDeployment("sleep", "60"), zerolog.New(io.Discard))
	require.NoError(t, p.SmokeTest(context.Background()))

	bad := newProxyProvider(newProxyDeployment(), zerolog.New(io.Discard))
	require.Error(t, bad.SmokeTest(context.Background()))
}

func TestProxyDestroyAfterSelfExit(t *testing.T) {
	p := newProxyProvider(newProxyDeployment("true"), zerolog.New(io.Discard))

	require.NoError(t, p.Launch(context.Background(), "inst1", ""))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, p.Destroy(context.Background(), "inst1"))
}
