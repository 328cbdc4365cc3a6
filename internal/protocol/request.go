package protocol

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/bytedance/sonic"
)

// RequestDelimiter terminates every inbound request message.
const RequestDelimiter byte = 0x01

// ErrPeerClosed reports that the peer closed the stream; it is a normal shutdown path.
var ErrPeerClosed = errors.New("protocol: peer closed connection")

// ConfigStd copies decoded strings, so the reader may reuse its buffer between requests.
var jsonAPI = sonic.ConfigStd

// Request is one synthesis request deframed from the connection.
type Request struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

// MalformedRequestError describes a delimited message that could not be turned into a Request.
type MalformedRequestError struct {
	Reason string
	Size   int
	Err    error
}

func (e *MalformedRequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: malformed request (%d bytes): %s: %v", e.Size, e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol: malformed request (%d bytes): %s", e.Size, e.Reason)
}

func (e *MalformedRequestError) Unwrap() error { return e.Err }

// IsMalformed reports whether err carries a MalformedRequestError.
func IsMalformed(err error) bool {
	var m *MalformedRequestError
	return errors.As(err, &m)
}

// RequestReader deframes delimiter-terminated requests, one byte per read so
// that nothing past the delimiter is consumed from the underlying stream.
type RequestReader struct {
	r        io.Reader
	maxBytes int
	buf      []byte
	one      [1]byte
}

// NewRequestReader returns a reader that rejects messages longer than maxBytes.
// A non-positive maxBytes disables the limit.
func NewRequestReader(r io.Reader, maxBytes int) *RequestReader {
	return &RequestReader{r: r, maxBytes: maxBytes}
}

// ReadRequest blocks until a full message is available. It returns ErrPeerClosed
// when the stream ends, including in the middle of a message, and a
// *MalformedRequestError when the message was consumed but could not be decoded.
func (rr *RequestReader) ReadRequest() (Request, error) {
	rr.buf = rr.buf[:0]
	size := 0
	for {
		n, err := rr.r.Read(rr.one[:])
		if n == 1 {
			b := rr.one[0]
			if b == RequestDelimiter {
				break
			}
			size++
			if rr.maxBytes > 0 && len(rr.buf) >= rr.maxBytes {
				// keep draining until the delimiter so the stream stays aligned
				continue
			}
			rr.buf = append(rr.buf, b)
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Request{}, ErrPeerClosed
			}
			return Request{}, fmt.Errorf("protocol: read request: %w", err)
		}
	}

	if rr.maxBytes > 0 && size > rr.maxBytes {
		return Request{}, &MalformedRequestError{Reason: fmt.Sprintf("exceeds %d bytes", rr.maxBytes), Size: size}
	}
	return DecodeRequest(rr.buf)
}

// DecodeRequest parses one message body (delimiter excluded).
func DecodeRequest(data []byte) (Request, error) {
	if !utf8.Valid(data) {
		return Request{}, &MalformedRequestError{Reason: "invalid utf-8", Size: len(data)}
	}
	// decoded as a map so field names match exactly; struct tags fold case
	var fields map[string]any
	if err := jsonAPI.Unmarshal(data, &fields); err != nil {
		return Request{}, &MalformedRequestError{Reason: "invalid json", Size: len(data), Err: err}
	}
	text, err := stringField(fields, "text")
	if err != nil {
		return Request{}, &MalformedRequestError{Reason: err.Error(), Size: len(data)}
	}
	language, err := stringField(fields, "language")
	if err != nil {
		return Request{}, &MalformedRequestError{Reason: err.Error(), Size: len(data)}
	}
	if strings.TrimSpace(language) == "" {
		return Request{}, &MalformedRequestError{Reason: "empty field language", Size: len(data)}
	}
	return Request{Text: text, Language: language}, nil
}

func stringField(fields map[string]any, name string) (string, error) {
	v, ok := fields[name]
	if !ok {
		return "", fmt.Errorf("missing field %s", name)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %s is not a string", name)
	}
	return s, nil
}

// EncodeRequest renders req as JSON followed by the delimiter. JSON escapes
// control characters, so the delimiter never appears inside the body.
func EncodeRequest(req Request) ([]byte, error) {
	body, err := jsonAPI.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal request: %w", err)
	}
	return append(body, RequestDelimiter), nil
}
