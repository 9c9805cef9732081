package filter

import (
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// echoUpstream accepts connections and answers every received request
// head with a fixed response, recording what it saw.
func echoUpstream(t *testing.T, response string) (addr string, received chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	received = make(chan string, 16)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						received <- string(buf[:n])
						if _, err := c.Write([]byte(response)); err != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String(), received
}

func startProxy(t *testing.T, cfg *Config, upstream string) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	p := NewProxy(upstream, cfg, zerolog.New(io.Discard))
	go p.Serve(ctx, ln)
	return ln.Addr()
}

func TestProxyForwardsAllowedRequest(t *testing.T) {
	upstreamResp := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nhi"
	upstream, received := echoUpstream(t, upstreamResp)
	addr := startProxy(t, &Config{Default: ModeAllow}, upstream)

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := "GET /x HTTP/1.1\r\n\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-received:
		if got != req {
			t.Fatalf("upstream saw %q, want %q", got, req)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("upstream never saw the request")
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, len(upstreamResp))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if string(buf) != upstreamResp {
		t.Fatalf("response = %q, want verbatim upstream bytes", buf)
	}
}

func TestProxyRejectsByPolicy(t *testing.T) {
	upstream, received := echoUpstream(t, "unused")
	cfg := &Config{Default: ModeBlock, Rules: []Rule{{Verb: "GET", URI: "/ok"}}}
	addr := startProxy(t, cfg, upstream)

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("POST /ok HTTP/1.1\r\nContent-Length: 2\r\n\r\n{}")); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	data, _ := io.ReadAll(conn)
	if !strings.HasPrefix(string(data), "HTTP/1.1 403 Forbidden\r\n\r\n") {
		t.Fatalf("expected 403, got %q", data)
	}

	select {
	case got := <-received:
		t.Fatalf("upstream must not see rejected request, saw %q", got)
	default:
	}
}

func TestProxyAllowedUnderDefaultBlock(t *testing.T) {
	upstreamResp := "HTTP/1.1 200 OK\r\n\r\n"
	upstream, received := echoUpstream(t, upstreamResp)
	cfg := &Config{Default: ModeBlock, Rules: []Rule{{Verb: "GET", URI: "/ok"}}}
	addr := startProxy(t, cfg, upstream)

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("GET /ok HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream never saw the allowed request")
	}
}

func TestProxyDropsMalformedKeepsConnection(t *testing.T) {
	upstream, received := echoUpstream(t, "HTTP/1.1 200 OK\r\n\r\n")
	addr := startProxy(t, &Config{Default: ModeAllow}, upstream)

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Malformed verb: dropped, connection stays open for the next request.
	if _, err := conn.Write([]byte("PUT /x HTTP/1.1\r\n\r\nGET /y HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-received:
		if !strings.HasPrefix(got, "GET /y") {
			t.Fatalf("upstream saw %q, want the well-formed follow-up only", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("follow-up request never forwarded")
	}
}

func TestProxyDropsNonJSONBody(t *testing.T) {
	upstream, received := echoUpstream(t, "HTTP/1.1 200 OK\r\n\r\n")
	addr := startProxy(t, &Config{Default: ModeAllow}, upstream)

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	wire := "POST /x HTTP/1.1\r\nContent-Length: 9\r\n\r\nnot json!GET /y HTTP/1.1\r\n\r\n"
	if _, err := conn.Write([]byte(wire)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-received:
		if !strings.HasPrefix(got, "GET /y") {
			t.Fatalf("upstream saw %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("follow-up request never forwarded")
	}
}
