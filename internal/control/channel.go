package control

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hardshare/hardshare/pkg/metrics"
)

const (
	// writeWait is the time allowed to write a message to the broker.
	writeWait = 10 * time.Second

	// pingPeriod is the interval between WS pings to the broker.
	pingPeriod = 15 * time.Second

	// readIdleTimeout closes the connection when no frame of any kind
	// has arrived for this long. Must exceed pingPeriod.
	readIdleTimeout = 45 * time.Second

	// backoffInitial and backoffMax bound the reconnect delay. The delay
	// doubles per failed attempt and resets after a successful read.
	backoffInitial = time.Second
	backoffMax     = 30 * time.Second
)

// Channel maintains the single outbound WebSocket to the broker's
// advertise endpoint and shuttles frames between the wire and the
// worker. It reconnects forever until its context is done.
type Channel struct {
	url      string
	token    string
	dispatch func(Message)
	out      <-chan Message
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	dialer   *websocket.Dialer
}

// NewChannel creates a channel for deploymentID against origin.
// Decoded broker commands are handed to dispatch; frames read from out
// are written to the wire.
func NewChannel(origin, deploymentID, token string, dispatch func(Message), out <-chan Message, logger zerolog.Logger, m *metrics.Metrics) *Channel {
	wsOrigin := origin
	switch {
	case strings.HasPrefix(wsOrigin, "https://"):
		wsOrigin = "wss://" + strings.TrimPrefix(wsOrigin, "https://")
	case strings.HasPrefix(wsOrigin, "http://"):
		wsOrigin = "ws://" + strings.TrimPrefix(wsOrigin, "http://")
	case !strings.HasPrefix(wsOrigin, "ws://") && !strings.HasPrefix(wsOrigin, "wss://"):
		wsOrigin = "wss://" + wsOrigin
	}

	return &Channel{
		url:      strings.TrimSuffix(wsOrigin, "/") + "/ad/" + deploymentID,
		token:    token,
		dispatch: dispatch,
		out:      out,
		logger:   logger.With().Str("component", "channel").Logger(),
		metrics:  m,
		dialer:   websocket.DefaultDialer,
	}
}

// Run dials and serves the connection, reconnecting with exponential
// back-off. Returns when ctx is done.
func (c *Channel) Run(ctx context.Context) {
	backoff := backoffInitial
	for {
		if ctx.Err() != nil {
			return
		}

		conn, resp, err := c.dialer.DialContext(ctx, c.url, http.Header{
			"Authorization": []string{"Bearer " + c.token},
		})
		if err != nil {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			c.logger.Warn().Err(err).Int("status", status).Dur("backoff", backoff).Msg("broker dial failed")
			c.metrics.ReconnectsTotal.Inc()
			if !sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		c.logger.Info().Str("url", c.url).Msg("control channel connected")
		c.metrics.ConnectionState.Set(1)

		gotFrame := c.serve(ctx, conn)

		c.metrics.ConnectionState.Set(0)
		if ctx.Err() != nil {
			return
		}

		if gotFrame {
			backoff = backoffInitial
		} else {
			backoff = nextBackoff(backoff)
		}
		c.logger.Warn().Dur("backoff", backoff).Msg("control channel lost, reconnecting")
		c.metrics.ReconnectsTotal.Inc()
		if !sleep(ctx, backoff) {
			return
		}
	}
}

// serve runs one connection until it breaks or ctx is done. Reports
// whether at least one frame was read, which resets the back-off.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) bool {
	var gotFrame atomic.Bool

	resetDeadline := func() {
		_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
	}
	resetDeadline()
	conn.SetPongHandler(func(string) error {
		gotFrame.Store(true)
		resetDeadline()
		return nil
	})
	pingHandler := conn.PingHandler()
	conn.SetPingHandler(func(appData string) error {
		gotFrame.Store(true)
		resetDeadline()
		return pingHandler(appData)
	})

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			gotFrame.Store(true)
			resetDeadline()
			if msgType != websocket.TextMessage {
				continue
			}
			c.handleFrame(data)
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: normal closure, then drop the socket.
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			conn.Close()
			<-readDone
			return gotFrame.Load()
		case <-readDone:
			conn.Close()
			return gotFrame.Load()
		case <-ticker.C:
			c.metrics.HeartbeatsTotal.Inc()
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Warn().Err(err).Msg("ping write failed")
				conn.Close()
				<-readDone
				return gotFrame.Load()
			}
		case msg := <-c.out:
			data, err := Encode(msg)
			if err != nil {
				c.logger.Error().Err(err).Msg("dropping unencodable outbound frame")
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn().Err(err).Msg("frame write failed")
				conn.Close()
				<-readDone
				return gotFrame.Load()
			}
		}
	}
}

// handleFrame decodes one text frame and dispatches known commands.
// Malformed or unexpected frames are logged and dropped.
func (c *Channel) handleFrame(data []byte) {
	msg, err := Decode(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("dropping malformed frame")
		c.metrics.FramesDropped.Inc()
		return
	}
	if !inboundCommands[msg.Command] {
		c.logger.Warn().Str("cmd", string(msg.Command)).Msg("dropping unexpected command")
		c.metrics.FramesDropped.Inc()
		return
	}
	c.dispatch(msg)
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > backoffMax {
		return backoffMax
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
