package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-ttsbridge/internal/bridge"
	"github.com/loqalabs/loqa-ttsbridge/internal/bus"
	"github.com/loqalabs/loqa-ttsbridge/internal/config"
	"github.com/loqalabs/loqa-ttsbridge/internal/eventstore"
	"github.com/loqalabs/loqa-ttsbridge/internal/protocol"
	"github.com/loqalabs/loqa-ttsbridge/internal/tts"
)

const shutdownTimeout = 10 * time.Second

// Args are the positional startup parameters supplied by the caller.
type Args struct {
	Port      int
	VoicePath string
	ModelDir  string
}

func (a Args) validate() error {
	if a.Port < 1 || a.Port > 65535 {
		return fmt.Errorf("port %d out of range", a.Port)
	}
	if a.VoicePath == "" {
		return errors.New("voice sample path is required")
	}
	if a.ModelDir == "" {
		return errors.New("model directory is required")
	}
	return nil
}

type Runtime struct {
	cfg          config.Config
	logger       *slog.Logger
	connectionID string
	httpServer   *http.Server
	journal      *eventstore.Store
	busClient    *bus.Client
	publisher    *bus.Publisher
	format       tts.AudioFormat
	failure      atomic.Pointer[error]
	ready        atomic.Bool
	wg           sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:          cfg,
		logger:       logger,
		connectionID: uuid.NewString(),
	}
}

// ConnectionID identifies this process's caller connection in the journal and on the bus.
func (r *Runtime) ConnectionID() string {
	return r.connectionID
}

// Run dials the caller, loads the engine and serves until the peer closes,
// ctx is cancelled, or a fatal error occurs. A nil return means a clean exit.
func (r *Runtime) Run(ctx context.Context, args Args) error {
	if err := args.validate(); err != nil {
		return err
	}

	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.cfg.Bus.NodeID, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		r.stopHTTP(shutdownCtx)
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
		r.logger.Info("runtime stopped", slog.String("state", bridge.StateTerminated.String()))
	}()

	if r.cfg.HTTP.Enabled {
		r.startHTTP(metricsHandler)
	}

	r.openJournal(ctx)
	defer r.closeJournal()
	r.connectBus(ctx)
	defer r.busClient.Close()

	r.publishState(bridge.StateStarting)

	conn, err := r.dial(ctx, args.Port)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		r.fail(err)
		r.publishState(bridge.StateTerminated)
		return err
	}

	engine, cond, err := r.loadEngine(ctx, args)
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		r.fail(err)
		r.publishState(bridge.StateTerminated)
		return err
	}
	defer func() {
		if cerr := engine.Close(); cerr != nil {
			r.logger.Warn("engine close error", slog.String("error", cerr.Error()))
		}
	}()
	r.format = engine.Info().Format

	if r.journal != nil {
		rec := eventstore.Connection{ID: r.connectionID, PeerAddr: conn.RemoteAddr().String(), VoicePath: args.VoicePath, ModelDir: args.ModelDir}
		if jerr := r.journal.RecordConnection(ctx, rec); jerr != nil {
			r.logger.Warn("journal connection failed", slog.String("error", jerr.Error()))
		}
	}

	b := bridge.New(conn, engine, cond, bridge.Options{
		ConnectionID:    r.connectionID,
		MaxRequestBytes: r.cfg.Bridge.MaxRequestBytes,
		MalformedPolicy: r.cfg.Bridge.MalformedPolicy,
		Recorders:       r.recorders(),
		OnStateChange:   r.publishState,
		Logger:          r.logger,
	})

	serveErr := b.Serve(ctx)
	if serveErr != nil {
		r.fail(serveErr)
		r.logger.Error("bridge failed", slog.String("error", serveErr.Error()))
	}
	if cerr := b.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		r.logger.Warn("connection close error", slog.String("error", cerr.Error()))
	}
	return serveErr
}

func (r *Runtime) dial(ctx context.Context, port int) (net.Conn, error) {
	addr := net.JoinHostPort(r.cfg.Bridge.Host, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: time.Duration(r.cfg.Bridge.ConnectTimeoutMS) * time.Millisecond}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to caller %s: %w", addr, err)
	}
	r.logger.Info("connected to caller", slog.String("addr", addr), slog.String("connection_id", r.connectionID))
	return conn, nil
}

func (r *Runtime) loadEngine(ctx context.Context, args Args) (tts.Engine, tts.Conditioning, error) {
	started := time.Now()
	engine, err := tts.New(ctx, r.cfg.Engine, args.ModelDir, r.logger.With(slog.String("component", "engine")))
	if err != nil {
		return nil, tts.Conditioning{}, fmt.Errorf("load engine: %w", err)
	}
	cond, err := engine.DeriveConditioning(ctx, args.VoicePath)
	if err != nil {
		_ = engine.Close()
		return nil, tts.Conditioning{}, fmt.Errorf("derive conditioning: %w", err)
	}
	info := engine.Info()
	r.logger.Info("engine ready",
		slog.String("engine", info.Name),
		slog.Int("sample_rate", info.Format.SampleRate),
		slog.Int("channels", info.Format.Channels),
		slog.String("sample_format", info.Format.SampleFormat),
		slog.Duration("voice_duration", cond.Duration),
		slog.Duration("load_time", time.Since(started)),
	)
	return engine, cond, nil
}

func (r *Runtime) openJournal(ctx context.Context) {
	journal, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "journal")))
	if err != nil {
		r.logger.Warn("journal unavailable", slog.String("error", err.Error()))
		return
	}
	r.journal = journal
}

func (r *Runtime) closeJournal() {
	if r.journal == nil {
		return
	}
	if err := r.journal.Close(); err != nil {
		r.logger.Warn("journal close error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) connectBus(ctx context.Context) {
	if !r.cfg.Bus.Enabled {
		return
	}
	client, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		r.logger.Warn("bus unavailable", slog.String("error", err.Error()))
		return
	}
	r.busClient = client
	r.publisher = bus.NewPublisher(client, r.cfg.Bus.NodeID, r.logger)
}

func (r *Runtime) recorders() []bridge.Recorder {
	var out []bridge.Recorder
	if r.journal != nil {
		out = append(out, r.journal)
	}
	if r.publisher != nil {
		out = append(out, bridge.RecorderFunc(func(_ context.Context, sum protocol.RequestSummary) error {
			return r.publisher.PublishRequest(sum)
		}))
	}
	return out
}

func (r *Runtime) fail(err error) {
	r.failure.CompareAndSwap(nil, &err)
}

// publishState tracks readiness and broadcasts the transition. It may run on
// the shutdown goroutine.
func (r *Runtime) publishState(state bridge.State) {
	r.ready.Store(state == bridge.StateReady)
	status := protocol.BridgeStatus{
		ConnectionID: r.connectionID,
		State:        state.String(),
		SampleRate:   r.format.SampleRate,
		Channels:     r.format.Channels,
		SampleFormat: r.format.SampleFormat,
	}
	if cause := r.failure.Load(); cause != nil {
		status.Error = (*cause).Error()
	}
	if err := r.publisher.PublishStatus(status); err != nil {
		r.logger.Warn("publish status failed", slog.String("error", err.Error()))
	}
}

func (r *Runtime) startHTTP(metrics http.Handler) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("ops http server started", slog.String("addr", addr))
}

func (r *Runtime) stopHTTP(ctx context.Context) {
	if r.httpServer == nil {
		return
	}
	if err := r.httpServer.Shutdown(ctx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !r.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	if r.cfg.Bus.Enabled && !r.busClient.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("bus disconnected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
