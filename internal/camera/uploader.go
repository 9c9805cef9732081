package camera

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hardshare/hardshare/pkg/metrics"
)

const (
	// framePrefix precedes every uploaded frame.
	framePrefix = "data:image/jpeg;base64,"

	// framePace separates consecutive captures so a slow uplink never
	// builds an unbounded backlog.
	framePace = 200 * time.Millisecond

	// frameQueueSize bounds frames waiting for the wire. Overflow is
	// dropped, not queued.
	frameQueueSize = 4

	writeWait       = 10 * time.Second
	pingPeriod      = 15 * time.Second
	readIdleTimeout = 45 * time.Second

	backoffInitial = time.Second
	backoffMax     = 30 * time.Second
)

// Uploader streams frames from a FrameSource to the broker's camera
// upload endpoint and obeys START/STOP/QUIT text commands.
type Uploader struct {
	url     string
	token   string
	source  FrameSource
	logger  zerolog.Logger
	metrics *metrics.Metrics
	dialer  *websocket.Dialer
}

// NewUploader creates an uploader for cameraID against origin.
func NewUploader(origin, cameraID, token string, source FrameSource, logger zerolog.Logger, m *metrics.Metrics) *Uploader {
	wsOrigin := origin
	switch {
	case strings.HasPrefix(wsOrigin, "https://"):
		wsOrigin = "wss://" + strings.TrimPrefix(wsOrigin, "https://")
	case strings.HasPrefix(wsOrigin, "http://"):
		wsOrigin = "ws://" + strings.TrimPrefix(wsOrigin, "http://")
	case !strings.HasPrefix(wsOrigin, "ws://") && !strings.HasPrefix(wsOrigin, "wss://"):
		wsOrigin = "wss://" + wsOrigin
	}

	return &Uploader{
		url:     strings.TrimSuffix(wsOrigin, "/") + "/hardshare/cam/" + cameraID + "/upload",
		token:   token,
		source:  source,
		logger:  logger.With().Str("component", "camera").Logger(),
		metrics: m,
		dialer:  websocket.DefaultDialer,
	}
}

// Run dials and serves the upload channel, reconnecting with back-off,
// until ctx is done or the broker sends QUIT.
func (u *Uploader) Run(ctx context.Context) {
	defer u.source.Close()

	backoff := backoffInitial
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := u.dialer.DialContext(ctx, u.url, http.Header{
			"Authorization": []string{"Bearer " + u.token},
		})
		if err != nil {
			u.logger.Warn().Err(err).Dur("backoff", backoff).Msg("camera dial failed")
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		u.logger.Info().Str("url", u.url).Msg("camera channel connected")

		quit, gotFrame := u.serve(ctx, conn)
		if quit || ctx.Err() != nil {
			return
		}
		if gotFrame {
			backoff = backoffInitial
		} else {
			backoff = nextBackoff(backoff)
		}
		u.logger.Warn().Dur("backoff", backoff).Msg("camera channel lost, reconnecting")
		if !sleepCtx(ctx, backoff) {
			return
		}
	}
}

// serve runs one connection. Returns whether QUIT ended it, and whether
// any frame was read (resets the back-off).
func (u *Uploader) serve(ctx context.Context, conn *websocket.Conn) (quit, gotFrame bool) {
	var sawFrame atomic.Bool
	resetDeadline := func() {
		_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
	}
	resetDeadline()
	conn.SetPongHandler(func(string) error {
		sawFrame.Store(true)
		resetDeadline()
		return nil
	})
	pingHandler := conn.PingHandler()
	conn.SetPingHandler(func(appData string) error {
		sawFrame.Store(true)
		resetDeadline()
		return pingHandler(appData)
	})

	commands := make(chan string, 8)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			sawFrame.Store(true)
			resetDeadline()
			if msgType == websocket.TextMessage {
				commands <- strings.TrimSpace(string(data))
			}
		}
	}()

	frames := make(chan []byte, frameQueueSize)
	captureCtx, stopCapture := context.WithCancel(ctx)
	defer func() { stopCapture() }()
	capturing := false

	startCapture := func() {
		if capturing {
			return
		}
		capturing = true
		captureCtx, stopCapture = context.WithCancel(ctx)
		go u.capture(captureCtx, frames)
		u.logger.Info().Msg("capture started")
	}
	stop := func() {
		if !capturing {
			return
		}
		capturing = false
		stopCapture()
		u.logger.Info().Msg("capture stopped")
	}
	defer stop()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	closeNormally := func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		conn.Close()
		<-readDone
	}

	for {
		select {
		case <-ctx.Done():
			closeNormally()
			return false, sawFrame.Load()
		case <-readDone:
			conn.Close()
			return false, sawFrame.Load()
		case cmd := <-commands:
			switch cmd {
			case "START":
				startCapture()
			case "STOP":
				stop()
			case "QUIT":
				closeNormally()
				return true, sawFrame.Load()
			default:
				u.logger.Warn().Str("cmd", cmd).Msg("unknown camera command")
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				conn.Close()
				<-readDone
				return false, sawFrame.Load()
			}
		case frame := <-frames:
			payload := framePrefix + base64.StdEncoding.EncodeToString(frame)
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
				u.logger.Warn().Err(err).Msg("frame write failed")
				conn.Close()
				<-readDone
				return false, sawFrame.Load()
			}
			u.metrics.CameraFramesSent.Inc()
		}
	}
}

// capture pulls frames from the source with a fixed pace and queues
// them for the sender. Frames are dropped when the queue is full.
func (u *Uploader) capture(ctx context.Context, frames chan<- []byte) {
	for {
		frame, err := u.source.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() == nil {
				u.logger.Warn().Err(err).Msg("frame capture failed")
			}
			return
		}

		select {
		case frames <- frame:
		default:
			u.metrics.CameraFramesDropped.Inc()
			u.logger.Debug().Msg("frame dropped, send queue full")
		}

		if !sleepCtx(ctx, framePace) {
			return
		}
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > backoffMax {
		return backoffMax
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
