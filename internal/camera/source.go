// Package camera captures JPEG frames from a local device and uploads
// them to the broker over a dedicated WebSocket.
package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"sync"

	"github.com/rs/zerolog"
)

// ErrUnavailable indicates that no capture backend exists on this OS.
var ErrUnavailable = errors.New("camera: capture not available on this platform")

// ErrSourceClosed is returned by ReadFrame after Close.
var ErrSourceClosed = errors.New("camera: source closed")

// FrameSource produces JPEG frames one at a time.
type FrameSource interface {
	// ReadFrame blocks until the next complete JPEG frame.
	ReadFrame(ctx context.Context) ([]byte, error)
	Close() error
}

// NewDeviceSource opens the platform capture backend for a device path.
// Only Linux (v4l2) is supported.
func NewDeviceSource(device string, logger zerolog.Logger) (FrameSource, error) {
	if runtime.GOOS != "linux" {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, runtime.GOOS)
	}
	return newV4L2Source(device, logger)
}

// v4l2Source reads an MJPEG stream produced by an external capture
// pipeline on the video device. The subprocess owns the device; this
// side only splits the byte stream into frames.
type v4l2Source struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	frames *mjpegScanner
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
}

func newV4L2Source(device string, logger zerolog.Logger) (*v4l2Source, error) {
	cmd := exec.Command("ffmpeg",
		"-loglevel", "error",
		"-f", "v4l2",
		"-i", device,
		"-c:v", "mjpeg",
		"-q:v", "5",
		"-f", "mjpeg",
		"-")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("camera: capture pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("camera: start capture pipeline: %w", err)
	}

	logger.Info().Str("device", device).Int("pid", cmd.Process.Pid).
		Msg("capture pipeline started")
	return &v4l2Source{
		cmd:    cmd,
		stdout: stdout,
		frames: newMJPEGScanner(stdout),
		logger: logger,
	}, nil
}

func (s *v4l2Source) ReadFrame(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSourceClosed
	}
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	frame, err := s.frames.Next()
	if err != nil {
		return nil, fmt.Errorf("camera: read frame: %w", err)
	}
	return frame, nil
}

func (s *v4l2Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.stdout.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
	return nil
}

// mjpegScanner splits a raw MJPEG byte stream into single JPEG images
// using the SOI (ffd8) and EOI (ffd9) markers.
type mjpegScanner struct {
	r *bufio.Reader
}

func newMJPEGScanner(r io.Reader) *mjpegScanner {
	return &mjpegScanner{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next complete frame including both markers.
func (m *mjpegScanner) Next() ([]byte, error) {
	// Seek the start-of-image marker, discarding any partial tail.
	for {
		b, err := m.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != 0xff {
			continue
		}
		b, err = m.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == 0xd8 {
			break
		}
	}

	var frame bytes.Buffer
	frame.Write([]byte{0xff, 0xd8})
	prev := byte(0)
	for {
		b, err := m.r.ReadByte()
		if err != nil {
			return nil, err
		}
		frame.WriteByte(b)
		if prev == 0xff && b == 0xd9 {
			return frame.Bytes(), nil
		}
		prev = b
	}
}
