package firmware

import (
	"bytes"
	"net"
	"strings"
	"testing"
	"time"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []Frame{
		{},
		{Ini: []byte("baud=115200\n")},
		{Blob: []byte{0xde, 0xad, 0xbe, 0xef}},
		{Ini: []byte("x"), Blob: bytes.Repeat([]byte{0x55}, 70000)},
	}

	for _, want := range cases {
		got, err := Decode(bytes.NewReader(Encode(want)))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !bytes.Equal(got.Ini, want.Ini) || !bytes.Equal(got.Blob, want.Blob) {
			t.Fatalf("round trip mismatch: got ini=%d blob=%d, want ini=%d blob=%d",
				len(got.Ini), len(got.Blob), len(want.Ini), len(want.Blob))
		}
	}
}

func TestFrameHeaderLayout(t *testing.T) {
	f := Frame{
		Ini:  bytes.Repeat([]byte("a"), 10),
		Blob: bytes.Repeat([]byte("b"), 300),
	}

	enc := Encode(f)
	wantHeader := []byte{0x00, 0x0a, 0x00, 0x00, 0x00, 0x2c, 0x01, 0x00, 0x00}
	if !bytes.Equal(enc[:9], wantHeader) {
		t.Fatalf("header = % x, want % x", enc[:9], wantHeader)
	}
	if len(enc) != 9+10+300 {
		t.Fatalf("encoded length = %d, want %d", len(enc), 9+10+300)
	}
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	enc := Encode(Frame{Ini: []byte("a")})
	enc[0] = 7

	_, err := Decode(bytes.NewReader(enc))
	if err == nil || !strings.Contains(err.Error(), "unsupported frame version") {
		t.Fatalf("expected version error, got %v", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	enc := Encode(Frame{Ini: []byte("abc"), Blob: []byte("defgh")})

	if _, err := Decode(bytes.NewReader(enc[:len(enc)-2])); err == nil {
		t.Fatal("expected error for truncated blob")
	}
	if _, err := Decode(bytes.NewReader(enc[:5])); err == nil {
		t.Fatal("expected error for truncated header")
	}
}

func TestSend(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	recv := make(chan Frame, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		f, err := Decode(conn)
		if err != nil {
			return
		}
		recv <- f
	}()

	want := Frame{Ini: []byte("port=ttyACM0"), Blob: []byte{1, 2, 3}}
	if err := Send(ln.Addr().String(), want, 5*time.Second); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case got := <-recv:
		if !bytes.Equal(got.Ini, want.Ini) || !bytes.Equal(got.Blob, want.Blob) {
			t.Fatalf("received frame mismatch")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}
