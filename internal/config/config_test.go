package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := s.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	return s
}

func TestInitCreatesLayout(t *testing.T) {
	s := newTestStore(t)

	for _, path := range []string{s.MainPath(), s.TokensDir(), filepath.Dir(s.KeyPath())} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("missing %s: %v", path, err)
		}
	}

	cfg, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Version != 1 || len(cfg.Deployments) != 0 {
		t.Fatalf("unexpected fresh config: %+v", cfg)
	}

	// Re-init must not clobber existing content.
	cfg.Deployments = append(cfg.Deployments, Deployment{
		ID:            uuid.New(),
		CProvider:     "docker",
		ContainerName: "ws0",
	})
	if err := s.Save(cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Init(); err != nil {
		t.Fatalf("re-init: %v", err)
	}
	cfg2, err := s.Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(cfg2.Deployments) != 1 {
		t.Fatal("re-init dropped deployments")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	s := newTestStore(t)
	id := uuid.New()

	cfg := &Config{
		Version: 1,
		Deployments: []Deployment{{
			ID:            id,
			Owner:         "scott",
			CProvider:     "podman",
			Image:         "hardshare/generic:latest",
			ContainerName: "ws0",
			CArgs:         []string{"--device=/dev/ttyUSB0:/dev/ttyUSB0"},
			InitInside:    []string{"systemctl start dev-bridge"},
			Monitor:       "test -e /dev/ttyUSB0",
			AddOns:        []AddOn{{Name: "mistyproxy", Options: map[string]string{"port": "8000"}}},
		}},
	}
	if err := s.Save(cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	d := got.Deployments[0]
	if d.ID != id || d.CProvider != "podman" || d.Monitor != "test -e /dev/ttyUSB0" {
		t.Fatalf("round trip mismatch: %+v", d)
	}
	if len(d.AddOns) != 1 || d.AddOns[0].Options["port"] != "8000" {
		t.Fatalf("addons lost: %+v", d.AddOns)
	}
}

func TestLoadRejectsCorruptJSON(t *testing.T) {
	s := newTestStore(t)
	if err := os.WriteFile(s.MainPath(), []byte("{nope"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := s.Load(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	s := newTestStore(t)
	raw := `{"version":1,"deployments":[{"id":"` + uuid.New().String() +
		`","cprovider":"rkt","container_name":"ws0"}]}`
	if err := os.WriteFile(s.MainPath(), []byte(raw), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := s.Load()
	if err == nil || !strings.Contains(err.Error(), "unknown container provider") {
		t.Fatalf("expected provider error, got %v", err)
	}
}

func TestFindDeploymentPrefix(t *testing.T) {
	a := uuid.MustParse("e5fcf300-0000-4000-8000-000000000001")
	b := uuid.MustParse("e5fcf311-0000-4000-8000-000000000002")
	c := uuid.MustParse("0f257600-0000-4000-8000-000000000003")
	cfg := &Config{Deployments: []Deployment{
		{ID: a, CProvider: "docker", ContainerName: "a"},
		{ID: b, CProvider: "docker", ContainerName: "b"},
		{ID: c, CProvider: "docker", ContainerName: "c"},
	}}

	got, err := cfg.FindDeployment("0f")
	if err != nil || got.ID != c {
		t.Fatalf("unique prefix: got %v, %v", got, err)
	}

	if _, err := cfg.FindDeployment("e5fcf3"); !errors.Is(err, ErrAmbiguous) {
		t.Fatalf("expected ErrAmbiguous, got %v", err)
	}
	if _, err := cfg.FindDeployment("ffff"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := cfg.FindDeployment(""); !errors.Is(err, ErrAmbiguous) {
		t.Fatalf("empty prefix with several deployments: got %v", err)
	}

	single := &Config{Deployments: cfg.Deployments[:1]}
	if got, err := single.FindDeployment(""); err != nil || got.ID != a {
		t.Fatalf("empty prefix with one deployment: got %v, %v", got, err)
	}
}

func TestAddTokenCollisionSuffix(t *testing.T) {
	s := newTestStore(t)
	srcDir := t.TempDir()

	write := func(name, content string) string {
		path := filepath.Join(srcDir, name)
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		return path
	}

	dst1, err := s.AddToken(write("jwt.txt", "tok1"))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	dst2, err := s.AddToken(write("jwt.txt", "tok2"))
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	if dst1 == dst2 {
		t.Fatal("expected distinct destinations on collision")
	}
	if filepath.Base(dst2) != "jwt.txt.1" {
		t.Fatalf("expected numeric suffix, got %s", filepath.Base(dst2))
	}

	data, err := os.ReadFile(dst2)
	if err != nil || string(data) != "tok2" {
		t.Fatalf("token content lost: %q, %v", data, err)
	}
	if _, err := os.Stat(filepath.Join(srcDir, "jwt.txt")); !os.IsNotExist(err) {
		t.Fatal("source token must be removed")
	}
}

func TestAddDevice(t *testing.T) {
	d := Deployment{CProvider: "docker", ContainerName: "ws0"}
	d.AddDevice("/dev/video0")
	if len(d.CArgs) != 1 || d.CArgs[0] != "--device=/dev/video0:/dev/video0" {
		t.Fatalf("cargs = %v", d.CArgs)
	}
}
