package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// FrameHeaderSize is the size of the big-endian length prefix of every frame.
const FrameHeaderSize = 4

var (
	// ErrEmptyFrame is returned for zero-length payloads; a zero length is reserved for the terminator.
	ErrEmptyFrame = errors.New("protocol: empty frame payload")
	// ErrFrameTooLarge is returned when a payload does not fit the 32-bit length prefix
	// or exceeds the reader's limit.
	ErrFrameTooLarge = errors.New("protocol: frame too large")
)

var terminator = [FrameHeaderSize]byte{0, 0, 0, 0}

// FrameWriter emits length-prefixed audio frames and end-of-response terminators.
// It is not safe for concurrent use.
type FrameWriter struct {
	w   io.Writer
	hdr [FrameHeaderSize]byte
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame writes the length prefix and then the payload.
func (fw *FrameWriter) WriteFrame(payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyFrame
	}
	if uint64(len(payload)) > math.MaxUint32 {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	binary.BigEndian.PutUint32(fw.hdr[:], uint32(len(payload)))
	if _, err := fw.w.Write(fw.hdr[:]); err != nil {
		return fmt.Errorf("protocol: write frame header: %w", err)
	}
	if _, err := fw.w.Write(payload); err != nil {
		return fmt.Errorf("protocol: write frame payload: %w", err)
	}
	return nil
}

// WriteTerminator marks the end of one response.
func (fw *FrameWriter) WriteTerminator() error {
	if _, err := fw.w.Write(terminator[:]); err != nil {
		return fmt.Errorf("protocol: write terminator: %w", err)
	}
	return nil
}

// FrameReader is the peer-side inverse of FrameWriter.
type FrameReader struct {
	r        io.Reader
	maxBytes uint32
	hdr      [FrameHeaderSize]byte
}

// NewFrameReader returns a reader refusing payloads above maxBytes (0 means no limit).
func NewFrameReader(r io.Reader, maxBytes uint32) *FrameReader {
	return &FrameReader{r: r, maxBytes: maxBytes}
}

// ReadFrame returns the next payload, or end=true when the terminator was read.
// A stream that stops inside a frame yields io.ErrUnexpectedEOF.
func (fr *FrameReader) ReadFrame() (payload []byte, end bool, err error) {
	if _, err := io.ReadFull(fr.r, fr.hdr[:]); err != nil {
		return nil, false, err
	}
	size := binary.BigEndian.Uint32(fr.hdr[:])
	if size == 0 {
		return nil, true, nil
	}
	if fr.maxBytes > 0 && size > fr.maxBytes {
		return nil, false, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	payload = make([]byte, size)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, false, err
	}
	return payload, false, nil
}

// ReadResponse collects frames until the terminator.
func (fr *FrameReader) ReadResponse() ([][]byte, error) {
	var chunks [][]byte
	for {
		payload, end, err := fr.ReadFrame()
		if err != nil {
			return chunks, err
		}
		if end {
			return chunks, nil
		}
		chunks = append(chunks, payload)
	}
}
