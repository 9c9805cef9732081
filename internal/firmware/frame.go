// Package firmware implements the one-shot firmware transfer used by the
// firmware-proxy side tool: a single TCP connection carrying a fixed
// 9-byte header followed by an INI section and a firmware blob.
package firmware

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// FrameVersion is the only wire version understood by this codec.
const FrameVersion = 0

// headerLen is version byte + two u32le length fields.
const headerLen = 9

// Frame is one firmware transfer payload.
type Frame struct {
	Ini  []byte
	Blob []byte
}

// ErrVersion indicates an unsupported frame version byte.
var ErrVersion = errors.New("firmware: unsupported frame version")

// Encode serializes the frame: [version:u8][iniLen:u32le][blobLen:u32le]
// followed by the INI bytes and the blob bytes.
func Encode(f Frame) []byte {
	buf := make([]byte, headerLen+len(f.Ini)+len(f.Blob))
	buf[0] = FrameVersion
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(f.Ini)))
	binary.LittleEndian.PutUint32(buf[5:9], uint32(len(f.Blob)))
	copy(buf[headerLen:], f.Ini)
	copy(buf[headerLen+len(f.Ini):], f.Blob)
	return buf
}

// Decode reads one frame from r.
func Decode(r io.Reader) (Frame, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, fmt.Errorf("read header: %w", err)
	}
	if hdr[0] != FrameVersion {
		return Frame{}, fmt.Errorf("%w: %d", ErrVersion, hdr[0])
	}

	iniLen := binary.LittleEndian.Uint32(hdr[1:5])
	blobLen := binary.LittleEndian.Uint32(hdr[5:9])

	f := Frame{
		Ini:  make([]byte, iniLen),
		Blob: make([]byte, blobLen),
	}
	if _, err := io.ReadFull(r, f.Ini); err != nil {
		return Frame{}, fmt.Errorf("read ini section: %w", err)
	}
	if _, err := io.ReadFull(r, f.Blob); err != nil {
		return Frame{}, fmt.Errorf("read blob: %w", err)
	}
	return f, nil
}

// Send writes the frame to addr over a single TCP connection and closes
// it. The receiver sends no response.
func Send(addr string, f Frame, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	if _, err := conn.Write(Encode(f)); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
