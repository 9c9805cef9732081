// Package gateway implements the HTTP command gateway: an HTTP/1.1
// front-end that maps verb+path pairs to local commands and wraps their
// stdout as the HTTP response. Exactly one request is served per
// connection.
package gateway

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/hardshare/hardshare/internal/httpmsg"
)

// Rule maps one verb+URI to a command argv. For POST requests the raw
// request body is appended as the final argument.
type Rule struct {
	Verb    string   `yaml:"verb"`
	URI     string   `yaml:"uri"`
	Command []string `yaml:"command"`
}

// Config is the ordered rule list; the first match wins.
type Config struct {
	Rules []Rule `yaml:"rules"`
}

// LoadConfig reads a YAML rule file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read gateway config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse gateway config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks each rule.
func (c *Config) Validate() error {
	for i, r := range c.Rules {
		if r.Verb != "GET" && r.Verb != "POST" {
			return fmt.Errorf("gateway config: rule %d: verb must be GET or POST, got %q", i, r.Verb)
		}
		if r.URI == "" {
			return fmt.Errorf("gateway config: rule %d: uri is required", i)
		}
		if len(r.Command) == 0 {
			return fmt.Errorf("gateway config: rule %d: command is required", i)
		}
	}
	return nil
}

// Find returns the first rule matching verb and path (the request URI
// with the query string stripped), or nil.
func (c *Config) Find(verb, path string) *Rule {
	for i := range c.Rules {
		if c.Rules[i].Verb == verb && c.Rules[i].URI == path {
			return &c.Rules[i]
		}
	}
	return nil
}

// Gateway serves mapped commands over TCP.
type Gateway struct {
	cfg    *Config
	logger zerolog.Logger

	// execTimeout bounds a single command run.
	execTimeout time.Duration
}

// NewGateway creates a gateway over cfg.
func NewGateway(cfg *Config, logger zerolog.Logger) *Gateway {
	return &Gateway{
		cfg:         cfg,
		logger:      logger.With().Str("component", "gateway").Logger(),
		execTimeout: 60 * time.Second,
	}
}

// Serve accepts connections on ln until ctx is cancelled.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go g.handleConn(ctx, conn)
	}
}

// handleConn serves exactly one request and closes the connection.
func (g *Gateway) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	logger := g.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()

	req, err := httpmsg.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		if err != io.EOF {
			logger.Warn().Err(err).Msg("rejecting unparseable request")
			io.WriteString(conn, httpmsg.ResponseForbidden)
		}
		return
	}

	rule := g.cfg.Find(req.Verb, req.Path())
	if rule == nil {
		logger.Info().Str("verb", req.Verb).Str("path", req.Path()).Msg("no matching rule")
		io.WriteString(conn, httpmsg.ResponseForbidden)
		return
	}

	stdout, err := g.run(ctx, rule, req)
	if err != nil {
		logger.Error().Err(err).Str("path", req.Path()).Msg("command failed to run")
		io.WriteString(conn, httpmsg.ResponseForbidden)
		return
	}

	logger.Debug().Str("verb", req.Verb).Str("path", req.Path()).
		Int("stdout_bytes", len(stdout)).Msg("command completed")
	if err := httpmsg.WriteOK(conn, stdout); err != nil {
		logger.Debug().Err(err).Msg("response write failed")
	}
}

// run executes the rule's argv, appending the raw body as the final
// argument for POST requests, and returns captured stdout.
func (g *Gateway) run(ctx context.Context, rule *Rule, req *httpmsg.Request) ([]byte, error) {
	runCtx, cancel := context.WithTimeout(ctx, g.execTimeout)
	defer cancel()

	args := rule.Command[1:]
	if req.Verb == "POST" {
		args = append(append([]string{}, args...), string(req.Body))
	}

	cmd := exec.CommandContext(runCtx, rule.Command[0], args...)
	stdout, err := cmd.Output()
	if err != nil {
		// A non-zero exit still produced stdout worth returning; only a
		// failure to spawn or a timeout is a gateway error.
		if _, exited := err.(*exec.ExitError); exited && runCtx.Err() == nil {
			return stdout, nil
		}
		return nil, fmt.Errorf("run %s: %w", rule.Command[0], err)
	}
	return stdout, nil
}
