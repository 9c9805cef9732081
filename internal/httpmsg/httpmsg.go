// Package httpmsg implements the strict HTTP/1.1 subset shared by the
// inline filter and the command gateway. Only GET and POST request lines
// of the exact form "VERB URI HTTP/1.1" are accepted, the head is
// buffered to the first CRLF-CRLF, and the body is read to exactly
// Content-Length bytes before anything is parsed.
package httpmsg

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Responses emitted verbatim by the filter and the gateway.
const (
	ResponseForbidden = "HTTP/1.1 403 Forbidden\r\n\r\n"
	ResponseOKEmpty   = "HTTP/1.1 200 OK\r\n\r\n"
)

const (
	headSeparator = "\r\n\r\n"

	// maxHeadBytes bounds the request head so a peer cannot grow the
	// buffer without ever sending CRLF-CRLF.
	maxHeadBytes = 64 * 1024

	// maxBodyBytes bounds Content-Length.
	maxBodyBytes = 4 * 1024 * 1024
)

// ErrMalformed indicates a request that does not conform to the subset.
// The request head has been consumed from the reader when it is returned,
// so the caller may attempt to read the next request.
var ErrMalformed = errors.New("httpmsg: malformed request")

// Request is one parsed request.
type Request struct {
	Verb string
	URI  string
	Body []byte

	// Raw holds the request exactly as received, for verbatim forwarding.
	Raw []byte
}

// Path returns the URI with any query string stripped.
func (r *Request) Path() string {
	if i := strings.IndexByte(r.URI, '?'); i >= 0 {
		return r.URI[:i]
	}
	return r.URI
}

// ReadRequest reads one request from br. io.EOF is returned unwrapped
// when the connection closes cleanly before any bytes arrive.
func ReadRequest(br *bufio.Reader) (*Request, error) {
	head, err := readHead(br)
	if err != nil {
		return nil, err
	}

	lines := strings.Split(strings.TrimSuffix(string(head), headSeparator), "\r\n")
	verb, uri, err := parseRequestLine(lines[0])
	if err != nil {
		return nil, err
	}

	contentLength := 0
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: header line %q", ErrMalformed, line)
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 || n > maxBodyBytes {
				return nil, fmt.Errorf("%w: content-length %q", ErrMalformed, value)
			}
			contentLength = n
		}
	}

	req := &Request{Verb: verb, URI: uri}
	if contentLength > 0 {
		req.Body = make([]byte, contentLength)
		if _, err := io.ReadFull(br, req.Body); err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
	}

	req.Raw = make([]byte, 0, len(head)+len(req.Body))
	req.Raw = append(req.Raw, head...)
	req.Raw = append(req.Raw, req.Body...)
	return req, nil
}

// readHead accumulates bytes until the first CRLF-CRLF.
func readHead(br *bufio.Reader) ([]byte, error) {
	var head bytes.Buffer
	for {
		b, err := br.ReadByte()
		if err != nil {
			if err == io.EOF && head.Len() == 0 {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read head: %w", err)
		}
		head.WriteByte(b)
		if head.Len() >= len(headSeparator) &&
			bytes.HasSuffix(head.Bytes(), []byte(headSeparator)) {
			return head.Bytes(), nil
		}
		if head.Len() > maxHeadBytes {
			return nil, fmt.Errorf("%w: head exceeds %d bytes", ErrMalformed, maxHeadBytes)
		}
	}
}

func parseRequestLine(line string) (verb, uri string, err error) {
	parts := strings.Split(line, " ")
	if len(parts) != 3 || parts[2] != "HTTP/1.1" {
		return "", "", fmt.Errorf("%w: request line %q", ErrMalformed, line)
	}
	if parts[0] != "GET" && parts[0] != "POST" {
		return "", "", fmt.Errorf("%w: verb %q", ErrMalformed, parts[0])
	}
	if parts[1] == "" {
		return "", "", fmt.Errorf("%w: empty uri", ErrMalformed)
	}
	return parts[0], parts[1], nil
}

// WriteOK writes a 200 response wrapping body as text/plain. An empty
// body yields the bare status line form.
func WriteOK(w io.Writer, body []byte) error {
	if len(body) == 0 {
		_, err := io.WriteString(w, ResponseOKEmpty)
		return err
	}
	_, err := fmt.Fprintf(w, "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: %d\r\n\r\n%s",
		len(body), body)
	return err
}
