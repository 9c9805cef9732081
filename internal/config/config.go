// Package config implements the on-disk configuration store for the
// hardshare agent: a base directory holding the main JSON config, the
// bearer-token directory, the tunnel SSH keypair, and the broker's
// pinned public key. All rewrites of the main file are atomic.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// DefaultBaseDir is the store location under the operator's home.
const DefaultBaseDir = ".hardshare"

// Providers accepted by the cprovider selector.
var knownProviders = map[string]bool{
	"docker":          true,
	"docker-rootless": true,
	"podman":          true,
	"lxd":             true,
	"proxy":           true,
}

var (
	// ErrNotFound indicates no deployment matched an id prefix.
	ErrNotFound = errors.New("config: no matching deployment")

	// ErrAmbiguous indicates an id prefix matching several deployments.
	ErrAmbiguous = errors.New("config: ambiguous deployment id prefix")
)

// AddOn is an optional feature bound to a deployment.
type AddOn struct {
	Name    string            `json:"name"`
	Options map[string]string `json:"options,omitempty"`
}

// Deployment is one registered workspace deployment. Immutable for the
// duration of an agent session.
type Deployment struct {
	ID            uuid.UUID `json:"id"`
	Owner         string    `json:"owner"`
	CProvider     string    `json:"cprovider"`
	Image         string    `json:"image,omitempty"`
	ContainerName string    `json:"container_name"`
	CArgs         []string  `json:"cargs,omitempty"`
	InitInside    []string  `json:"init_inside,omitempty"`
	Terminate     []string  `json:"terminate,omitempty"`
	Monitor       string    `json:"monitor,omitempty"`
	AddOns        []AddOn   `json:"addons,omitempty"`
}

// Validate checks the deployment record.
func (d *Deployment) Validate() error {
	var errs []error
	if d.ID == uuid.Nil {
		errs = append(errs, errors.New("deployment id is required"))
	}
	if !knownProviders[d.CProvider] {
		errs = append(errs, fmt.Errorf("unknown container provider %q", d.CProvider))
	}
	if d.ContainerName == "" {
		errs = append(errs, errors.New("container name is required"))
	}
	if d.CProvider == "proxy" && len(d.CArgs) == 0 {
		errs = append(errs, errors.New("proxy provider requires a command in cargs"))
	}
	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// AddDevice appends a --device passthrough for path to cargs.
func (d *Deployment) AddDevice(path string) {
	d.CArgs = append(d.CArgs, fmt.Sprintf("--device=%s:%s", path, path))
}

// Config is the content of the main file.
type Config struct {
	Version     int          `json:"version"`
	Deployments []Deployment `json:"deployments"`
}

// FindDeployment resolves an id prefix against the deployment list. An
// empty prefix selects the sole deployment if exactly one exists.
func (c *Config) FindDeployment(prefix string) (*Deployment, error) {
	if prefix == "" {
		if len(c.Deployments) == 1 {
			return &c.Deployments[0], nil
		}
		return nil, fmt.Errorf("%w: %d deployments configured, id required", ErrAmbiguous, len(c.Deployments))
	}

	var found *Deployment
	for i := range c.Deployments {
		if strings.HasPrefix(c.Deployments[i].ID.String(), strings.ToLower(prefix)) {
			if found != nil {
				return nil, fmt.Errorf("%w: %q", ErrAmbiguous, prefix)
			}
			found = &c.Deployments[i]
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, prefix)
	}
	return found, nil
}

// Validate checks every deployment record.
func (c *Config) Validate() error {
	for i := range c.Deployments {
		if err := c.Deployments[i].Validate(); err != nil {
			return fmt.Errorf("deployment %s: %w", c.Deployments[i].ID, err)
		}
	}
	return nil
}

// ValidationError aggregates field-level problems.
type ValidationError struct {
	Errors []error
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e.Errors))
	for i, err := range e.Errors {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying errors for errors.Is/As compatibility.
func (e *ValidationError) Unwrap() []error {
	return e.Errors
}

// Store is a configuration directory.
type Store struct {
	base string
}

// NewStore opens the store rooted at base. If base is empty the default
// directory under the operator's home is used.
func NewStore(base string) (*Store, error) {
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("config: resolve home directory: %w", err)
		}
		base = filepath.Join(home, DefaultBaseDir)
	}
	return &Store{base: base}, nil
}

// Base returns the store's base directory.
func (s *Store) Base() string { return s.base }

// MainPath returns the path of the main JSON config file.
func (s *Store) MainPath() string { return filepath.Join(s.base, "main") }

// TokensDir returns the bearer-token directory.
func (s *Store) TokensDir() string { return filepath.Join(s.base, "tokens") }

// KeyPath returns the tunnel SSH private key path.
func (s *Store) KeyPath() string { return filepath.Join(s.base, "ssh", "tun") }

// PinnedKeyPath returns the broker's pinned RSA public key path.
func (s *Store) PinnedKeyPath() string { return filepath.Join(s.base, "pubkey.pem") }

// Exists reports whether the store has been initialized.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.MainPath())
	return err == nil
}

// Init creates the directory layout and an empty main file. It is safe
// to call on an existing store.
func (s *Store) Init() error {
	for _, dir := range []string{s.base, s.TokensDir(), filepath.Dir(s.KeyPath())} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	if s.Exists() {
		return nil
	}
	return s.Save(&Config{Version: 1})
}

// EnsureSSHKey generates the tunnel keypair via ssh-keygen on first use.
func (s *Store) EnsureSSHKey() error {
	if _, err := os.Stat(s.KeyPath()); err == nil {
		return nil
	}
	cmd := exec.Command("ssh-keygen", "-t", "ed25519", "-N", "", "-q", "-f", s.KeyPath())
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("config: ssh-keygen: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Load reads and validates the main file.
func (s *Store) Load() (*Config, error) {
	data, err := os.ReadFile(s.MainPath())
	if err != nil {
		return nil, fmt.Errorf("config: read main file: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse main file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the main file atomically (temp file + rename), so a
// concurrent CLI run never observes a partial write.
func (s *Store) Save(cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: encode main file: %w", err)
	}

	tmp, err := os.CreateTemp(s.base, "main.*")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: close temp file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("config: chmod temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.MainPath()); err != nil {
		return fmt.Errorf("config: replace main file: %w", err)
	}
	return nil
}

// AddToken moves src into the tokens directory. On a name collision a
// numeric suffix is appended. If rename crosses filesystems the token is
// copied and the source deleted. Returns the destination path.
func (s *Store) AddToken(src string) (string, error) {
	name := filepath.Base(src)
	dst := filepath.Join(s.TokensDir(), name)
	for i := 1; ; i++ {
		if _, err := os.Stat(dst); os.IsNotExist(err) {
			break
		}
		dst = filepath.Join(s.TokensDir(), fmt.Sprintf("%s.%d", name, i))
	}

	if err := os.Rename(src, dst); err == nil {
		return dst, nil
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return "", fmt.Errorf("config: read token %s: %w", src, err)
	}
	if err := os.WriteFile(dst, data, 0o600); err != nil {
		return "", fmt.Errorf("config: write token %s: %w", dst, err)
	}
	if err := os.Remove(src); err != nil {
		return "", fmt.Errorf("config: remove source token: %w", err)
	}
	return dst, nil
}
