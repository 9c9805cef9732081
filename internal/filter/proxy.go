package filter

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hardshare/hardshare/internal/httpmsg"
)

// writeQueueSize bounds the channel feeding the ingress-socket writer so
// both directions can write without interleaving at byte granularity.
const writeQueueSize = 100

// Proxy accepts tenant connections and relays them to an upstream
// host:port, enforcing the policy on the request direction.
type Proxy struct {
	upstream string
	cfg      *Config
	logger   zerolog.Logger
}

// NewProxy creates a proxy forwarding to upstream (host:port).
func NewProxy(upstream string, cfg *Config, logger zerolog.Logger) *Proxy {
	return &Proxy{
		upstream: upstream,
		cfg:      cfg,
		logger:   logger.With().Str("component", "filter").Logger(),
	}
}

// Serve accepts connections on ln until ctx is cancelled.
func (p *Proxy) Serve(ctx context.Context, ln net.Listener) error {
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
		go p.handleConn(ctx, conn)
	}
}

// handleConn relays one tenant connection. Three cooperative tasks: the
// request direction (parse + policy), the response direction (opaque
// pass-through), and a serialized writer on the ingress socket.
func (p *Proxy) handleConn(ctx context.Context, ingress net.Conn) {
	defer ingress.Close()
	logger := p.logger.With().Str("remote", ingress.RemoteAddr().String()).Logger()

	if tc, ok := ingress.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	egress, err := net.Dial("tcp", p.upstream)
	if err != nil {
		logger.Error().Err(err).Str("upstream", p.upstream).Msg("failed to dial upstream")
		return
	}
	defer egress.Close()
	if tc, ok := egress.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	writes := make(chan []byte, writeQueueSize)

	var wg sync.WaitGroup
	wg.Add(2)

	// Serialized writer on the ingress socket. On shutdown it drains
	// anything already queued (a 403 may be in flight) before returning.
	go func() {
		defer wg.Done()
		for {
			select {
			case data := <-writes:
				if _, err := ingress.Write(data); err != nil {
					cancel()
					return
				}
			case <-connCtx.Done():
				for {
					select {
					case data := <-writes:
						if _, err := ingress.Write(data); err != nil {
							return
						}
					default:
						return
					}
				}
			}
		}
	}()

	// Upstream-to-client direction: opaque pass-through.
	go func() {
		defer wg.Done()
		defer cancel()
		buf := make([]byte, 32*1024)
		for {
			n, err := egress.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				select {
				case writes <- data:
				case <-connCtx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	p.requestLoop(connCtx, cancel, ingress, egress, writes, logger)

	cancel()
	egress.Close()
	wg.Wait()
}

// requestLoop parses requests off the ingress socket and either forwards
// them verbatim or rejects them. Malformed requests are dropped with the
// connection kept open; rejected requests close the connection after the
// 403 is written.
func (p *Proxy) requestLoop(ctx context.Context, cancel context.CancelFunc, ingress net.Conn, egress net.Conn, writes chan<- []byte, logger zerolog.Logger) {
	br := bufio.NewReader(ingress)

	for {
		if ctx.Err() != nil {
			return
		}

		req, err := httpmsg.ReadRequest(br)
		if err != nil {
			if errors.Is(err, httpmsg.ErrMalformed) {
				logger.Warn().Err(err).Msg("dropping malformed request")
				continue
			}
			if err != io.EOF {
				logger.Debug().Err(err).Msg("ingress read ended")
			}
			return
		}

		if len(req.Body) > 0 && !json.Valid(req.Body) {
			logger.Warn().Str("verb", req.Verb).Str("uri", req.URI).
				Msg("dropping request with non-JSON body")
			continue
		}

		if !p.cfg.Allows(req.Verb, req.URI) {
			logger.Info().Str("verb", req.Verb).Str("uri", req.URI).Msg("request rejected by policy")
			select {
			case writes <- []byte(httpmsg.ResponseForbidden):
			case <-ctx.Done():
			}
			cancel()
			return
		}

		logger.Debug().Str("verb", req.Verb).Str("uri", req.URI).Msg("forwarding request")
		if _, err := egress.Write(req.Raw); err != nil {
			logger.Debug().Err(err).Msg("upstream write failed")
			return
		}
	}
}
