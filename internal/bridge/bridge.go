package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-ttsbridge/internal/config"
	"github.com/loqalabs/loqa-ttsbridge/internal/protocol"
	"github.com/loqalabs/loqa-ttsbridge/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrEngineFailure marks errors raised by the synthesis engine. They are never recovered.
	ErrEngineFailure = errors.New("bridge: engine failure")
	// ErrMalformedRequest is returned by Serve when a bad message arrives under the terminate policy.
	ErrMalformedRequest = errors.New("bridge: malformed request")
	// ErrAlreadyServed is returned by a second call to Serve on the same Bridge.
	ErrAlreadyServed = errors.New("bridge: connection already served")
)

// Conn is the caller connection. Implementations that also provide
// CloseWrite (such as *net.TCPConn) get a half-close before the full close.
type Conn interface {
	io.Reader
	io.Writer
	Close() error
}

type closeWriter interface {
	CloseWrite() error
}

// Recorder receives a summary of every finished request.
type Recorder interface {
	RecordRequest(ctx context.Context, sum protocol.RequestSummary) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, sum protocol.RequestSummary) error

func (f RecorderFunc) RecordRequest(ctx context.Context, sum protocol.RequestSummary) error {
	return f(ctx, sum)
}

type Options struct {
	ConnectionID    string
	MaxRequestBytes int
	MalformedPolicy string // terminate, skip
	Recorders       []Recorder
	// OnStateChange is invoked on every transition, possibly from the shutdown goroutine.
	OnStateChange func(State)
	Logger        *slog.Logger
}

// Bridge serves synthesis requests on a single connection.
type Bridge struct {
	conn    Conn
	engine  tts.Engine
	cond    tts.Conditioning
	opts    Options
	log     *slog.Logger
	reader  *protocol.RequestReader
	frames  *protocol.FrameWriter
	tracer  trace.Tracer
	metrics *bridgeMetrics

	state     atomic.Int32
	served    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func New(conn Conn, engine tts.Engine, cond tts.Conditioning, opts Options) *Bridge {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.ConnectionID == "" {
		opts.ConnectionID = uuid.NewString()
	}
	if opts.MalformedPolicy == "" {
		opts.MalformedPolicy = config.MalformedTerminate
	}
	log = log.With(slog.String("component", "bridge"), slog.String("connection_id", opts.ConnectionID))
	return &Bridge{
		conn:    conn,
		engine:  engine,
		cond:    cond,
		opts:    opts,
		log:     log,
		reader:  protocol.NewRequestReader(conn, opts.MaxRequestBytes),
		frames:  protocol.NewFrameWriter(conn),
		tracer:  otel.Tracer(instrumentationName),
		metrics: newBridgeMetrics(log),
	}
}

func (b *Bridge) State() State {
	return State(b.state.Load())
}

func (b *Bridge) ConnectionID() string {
	return b.opts.ConnectionID
}

func (b *Bridge) advance(next State) {
	for {
		cur := b.state.Load()
		if State(cur) >= next {
			return
		}
		if b.state.CompareAndSwap(cur, int32(next)) {
			b.log.Info("bridge state changed", slog.String("state", next.String()))
			if b.opts.OnStateChange != nil {
				b.opts.OnStateChange(next)
			}
			return
		}
	}
}

// Serve runs the request loop until the peer closes the connection, ctx is
// cancelled, or an unrecoverable error occurs. Peer close and cancellation
// return nil. Cancellation force-closes the connection, so a frame in flight
// may be cut short.
func (b *Bridge) Serve(ctx context.Context) error {
	if !b.served.CompareAndSwap(false, true) {
		return ErrAlreadyServed
	}
	stop := context.AfterFunc(ctx, func() {
		b.log.Info("shutdown requested, closing connection")
		b.advance(StateShuttingDown)
		_ = b.closeConn()
	})
	defer stop()
	defer b.advance(StateShuttingDown)

	b.advance(StateReady)
	for {
		req, err := b.reader.ReadRequest()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, protocol.ErrPeerClosed) {
				b.log.Info("peer closed connection")
				return nil
			}
			var malformed *protocol.MalformedRequestError
			if errors.As(err, &malformed) {
				if serr := b.handleMalformed(ctx, malformed); serr != nil {
					if ctx.Err() != nil {
						return nil
					}
					return serr
				}
				continue
			}
			return err
		}

		if err := b.handle(ctx, req); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (b *Bridge) handleMalformed(ctx context.Context, merr *protocol.MalformedRequestError) error {
	now := time.Now()
	b.record(ctx, protocol.RequestSummary{
		ConnectionID: b.opts.ConnectionID,
		RequestID:    uuid.NewString(),
		Outcome:      protocol.OutcomeMalformed,
		Error:        merr.Error(),
		StartedAt:    now,
		FinishedAt:   now,
	})
	b.log.Warn("malformed request",
		slog.String("reason", merr.Reason),
		slog.Int("size", merr.Size),
		slog.String("policy", b.opts.MalformedPolicy),
	)
	if b.opts.MalformedPolicy != config.MalformedSkip {
		return fmt.Errorf("%w: %w", ErrMalformedRequest, merr)
	}
	if err := b.frames.WriteTerminator(); err != nil {
		return fmt.Errorf("write terminator: %w", err)
	}
	return nil
}

func (b *Bridge) handle(ctx context.Context, req protocol.Request) error {
	sum := protocol.RequestSummary{
		ConnectionID: b.opts.ConnectionID,
		RequestID:    uuid.NewString(),
		Language:     req.Language,
		TextChars:    utf8.RuneCountInString(req.Text),
		StartedAt:    time.Now(),
	}
	ctx, span := b.tracer.Start(ctx, "bridge.synthesize", trace.WithAttributes(
		attribute.String("request.id", sum.RequestID),
		attribute.String("request.language", req.Language),
		attribute.Int("request.text_chars", sum.TextChars),
	))
	defer span.End()

	err := b.stream(ctx, req, &sum)
	sum.FinishedAt = time.Now()
	switch {
	case err == nil:
		sum.Outcome = protocol.OutcomeCompleted
	case ctx.Err() != nil:
		sum.Outcome = protocol.OutcomeInterrupted
	default:
		sum.Outcome = protocol.OutcomeFailed
		sum.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		attribute.Int("response.chunks", sum.Chunks),
		attribute.Int64("response.audio_bytes", sum.AudioBytes),
	)
	b.record(ctx, sum)

	if err == nil {
		b.log.Debug("request completed",
			slog.String("request_id", sum.RequestID),
			slog.Int("chunks", sum.Chunks),
			slog.Int64("audio_bytes", sum.AudioBytes),
			slog.Duration("duration", sum.Duration()),
		)
	}
	return err
}

// stream forwards the engine's chunks as frames followed by the terminator.
// The terminator is only written once every chunk was written in full.
func (b *Bridge) stream(ctx context.Context, req protocol.Request, sum *protocol.RequestSummary) error {
	s, err := b.engine.Synthesize(ctx, b.cond, tts.Request{Text: req.Text, Language: req.Language})
	if err != nil {
		return fmt.Errorf("%w: synthesize: %w", ErrEngineFailure, err)
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			b.log.Warn("close engine stream", slog.String("error", cerr.Error()))
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, ok, err := s.Next(ctx)
		if err != nil {
			return fmt.Errorf("%w: next chunk: %w", ErrEngineFailure, err)
		}
		if !ok {
			break
		}
		if len(chunk) == 0 {
			continue
		}
		if err := b.frames.WriteFrame(chunk); err != nil {
			if errors.Is(err, protocol.ErrFrameTooLarge) {
				return fmt.Errorf("%w: %w", ErrEngineFailure, err)
			}
			return fmt.Errorf("write frame: %w", err)
		}
		sum.Chunks++
		sum.AudioBytes += int64(len(chunk))
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.frames.WriteTerminator(); err != nil {
		return fmt.Errorf("write terminator: %w", err)
	}
	return nil
}

func (b *Bridge) record(ctx context.Context, sum protocol.RequestSummary) {
	ctx = context.WithoutCancel(ctx)
	b.metrics.record(ctx, sum)
	for _, r := range b.opts.Recorders {
		if err := r.RecordRequest(ctx, sum); err != nil {
			b.log.Warn("record request failed",
				slog.String("request_id", sum.RequestID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (b *Bridge) closeConn() error {
	b.closeOnce.Do(func() {
		if cw, ok := b.conn.(closeWriter); ok {
			_ = cw.CloseWrite()
		}
		b.closeErr = b.conn.Close()
	})
	return b.closeErr
}

// Close tears down the connection and marks the bridge terminated. It is safe
// to call more than once and concurrently with a shutdown-triggered close.
func (b *Bridge) Close() error {
	b.advance(StateShuttingDown)
	err := b.closeConn()
	b.advance(StateTerminated)
	return err
}
