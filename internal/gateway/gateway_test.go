package gateway

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func startGateway(t *testing.T, cfg *Config) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	g := NewGateway(cfg, zerolog.New(io.Discard))
	go g.Serve(ctx, ln)
	return ln.Addr()
}

func roundTrip(t *testing.T, addr net.Addr, request string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(request)); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	data, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(data)
}

func TestFindFirstMatch(t *testing.T) {
	cfg := &Config{Rules: []Rule{
		{Verb: "GET", URI: "/a", Command: []string{"first"}},
		{Verb: "GET", URI: "/a", Command: []string{"second"}},
		{Verb: "POST", URI: "/a", Command: []string{"third"}},
	}}

	if r := cfg.Find("GET", "/a"); r == nil || r.Command[0] != "first" {
		t.Fatalf("expected first rule, got %+v", r)
	}
	if r := cfg.Find("POST", "/a"); r == nil || r.Command[0] != "third" {
		t.Fatalf("expected verb-specific rule, got %+v", r)
	}
	if r := cfg.Find("GET", "/missing"); r != nil {
		t.Fatalf("expected no match, got %+v", r)
	}
}

func TestGatewayDateMapping(t *testing.T) {
	cfg := &Config{Rules: []Rule{{Verb: "GET", URI: "/date", Command: []string{"date"}}}}
	addr := startGateway(t, cfg)

	resp := roundTrip(t, addr, "GET /date?tz=UTC HTTP/1.1\r\n\r\n")
	if !strings.HasPrefix(resp, "HTTP/1.1 200 OK") {
		t.Fatalf("expected 200, got %q", resp)
	}
	if !strings.Contains(resp, "20") {
		t.Fatalf("expected year prefix in body, got %q", resp)
	}

	resp = roundTrip(t, addr, "POST /date HTTP/1.1\r\nContent-Length: 2\r\n\r\n{}")
	if resp != "HTTP/1.1 403 Forbidden\r\n\r\n" {
		t.Fatalf("POST /date must be forbidden, got %q", resp)
	}
}

func TestGatewayAppendsBodyOnPost(t *testing.T) {
	cfg := &Config{Rules: []Rule{{Verb: "POST", URI: "/echo", Command: []string{"echo", "-n"}}}}
	addr := startGateway(t, cfg)

	resp := roundTrip(t, addr, "POST /echo HTTP/1.1\r\nContent-Length: 11\r\n\r\n{\"cmd\":\"x\"}")
	if !strings.HasSuffix(resp, "\r\n\r\n{\"cmd\":\"x\"}") {
		t.Fatalf("expected body appended as final argument, got %q", resp)
	}
	if !strings.Contains(resp, "Content-Length: 11") {
		t.Fatalf("expected content length header, got %q", resp)
	}
}

func TestGatewayEmptyStdout(t *testing.T) {
	cfg := &Config{Rules: []Rule{{Verb: "GET", URI: "/true", Command: []string{"true"}}}}
	addr := startGateway(t, cfg)

	resp := roundTrip(t, addr, "GET /true HTTP/1.1\r\n\r\n")
	if resp != "HTTP/1.1 200 OK\r\n\r\n" {
		t.Fatalf("empty stdout must yield the bare status line, got %q", resp)
	}
}

func TestGatewaySpawnFailure(t *testing.T) {
	cfg := &Config{Rules: []Rule{{Verb: "GET", URI: "/x", Command: []string{"/nonexistent/binary"}}}}
	addr := startGateway(t, cfg)

	resp := roundTrip(t, addr, "GET /x HTTP/1.1\r\n\r\n")
	if resp != "HTTP/1.1 403 Forbidden\r\n\r\n" {
		t.Fatalf("spawn failure must yield 403, got %q", resp)
	}
}

func TestGatewayMalformedRequest(t *testing.T) {
	cfg := &Config{Rules: []Rule{{Verb: "GET", URI: "/x", Command: []string{"true"}}}}
	addr := startGateway(t, cfg)

	resp := roundTrip(t, addr, "DELETE /x HTTP/1.1\r\n\r\n")
	if resp != "HTTP/1.1 403 Forbidden\r\n\r\n" {
		t.Fatalf("malformed request must yield 403, got %q", resp)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	content := "rules:\n  - verb: GET\n    uri: /date\n    command: [date]\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Rules) != 1 || cfg.Rules[0].Command[0] != "date" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestValidateRejectsBadRules(t *testing.T) {
	cases := []Config{
		{Rules: []Rule{{Verb: "HEAD", URI: "/x", Command: []string{"true"}}}},
		{Rules: []Rule{{Verb: "GET", Command: []string{"true"}}}},
		{Rules: []Rule{{Verb: "GET", URI: "/x"}}},
	}
	for i, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}
