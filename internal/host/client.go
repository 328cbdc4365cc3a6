package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/loqalabs/loqa-ttsbridge/internal/protocol"
)

const DefaultLanguage = "en"

// ErrBroken is returned once a request was abandoned mid-response; the
// stream can no longer be trusted to start on a frame boundary.
var ErrBroken = errors.New("host: bridge connection out of sync")

type deadliner interface {
	SetDeadline(t time.Time) error
}

// Client drives a bridge over its connection. Requests are serialized.
type Client struct {
	conn   io.ReadWriteCloser
	frames *protocol.FrameReader
	log    *slog.Logger

	mu     sync.Mutex
	broken error
}

// NewClient wraps an accepted bridge connection. maxFrame bounds a single
// chunk; zero disables the bound.
func NewClient(conn io.ReadWriteCloser, maxFrame uint32, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		conn:   conn,
		frames: protocol.NewFrameReader(conn, maxFrame),
		log:    log.With(slog.String("component", "bridge-client")),
	}
}

// Synthesize sends one request and hands every audio chunk to consumer, in
// order, until the response terminator. If consumer fails the remaining
// chunks are discarded and its error is returned. Cancelling ctx aborts the
// exchange and leaves the client broken.
func (c *Client) Synthesize(ctx context.Context, text, language string, consumer func([]byte) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken != nil {
		return fmt.Errorf("%w: %w", ErrBroken, c.broken)
	}
	if language == "" {
		language = DefaultLanguage
	}
	payload, err := protocol.EncodeRequest(protocol.Request{Text: StripSymbols(text), Language: language})
	if err != nil {
		return err
	}

	if d, ok := c.conn.(deadliner); ok {
		stop := context.AfterFunc(ctx, func() { _ = d.SetDeadline(time.Unix(1, 0)) })
		defer func() {
			if stop() {
				_ = d.SetDeadline(time.Time{})
			}
		}()
	}

	if _, err := c.conn.Write(payload); err != nil {
		return c.fail(ctx, fmt.Errorf("write request: %w", err))
	}

	var consumerErr error
	for {
		chunk, end, err := c.frames.ReadFrame()
		if err != nil {
			return c.fail(ctx, fmt.Errorf("read frame: %w", err))
		}
		if end {
			return consumerErr
		}
		if consumerErr != nil {
			continue
		}
		if err := consumer(chunk); err != nil {
			consumerErr = err
			c.log.Warn("consumer failed, discarding rest of response", slog.String("error", err.Error()))
		}
	}
}

func (c *Client) fail(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		err = fmt.Errorf("%w (%w)", cerr, err)
	}
	c.broken = err
	return err
}

// Broken reports whether a previous request left the stream unusable.
func (c *Client) Broken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broken != nil
}

// Close ends the session. The bridge treats the close as a normal shutdown.
func (c *Client) Close() error {
	return c.conn.Close()
}

// StripSymbols removes pictographic symbols (emoji) and unassigned code points,
// which speech models tend to vocalize as noise.
func StripSymbols(text string) string {
	return strings.Map(func(r rune) rune {
		if unicode.Is(unicode.So, r) || !assigned(r) {
			return -1
		}
		return r
	}, text)
}

func assigned(r rune) bool {
	for _, table := range []*unicode.RangeTable{unicode.L, unicode.M, unicode.N, unicode.P, unicode.S, unicode.Z, unicode.C} {
		if unicode.Is(table, r) {
			return true
		}
	}
	return false
}
