package tts

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/loqalabs/loqa-ttsbridge/internal/config"
	"github.com/mattn/go-shellwords"
)

const (
	maxWorkerLine     = 64 << 20
	workerStopTimeout = 5 * time.Second
)

var jsonAPI = sonic.ConfigStd

type modelConfig struct {
	Languages []string `json:"languages"`
	Audio     struct {
		OutputSampleRate int `json:"output_sample_rate"`
	} `json:"audio"`
}

type execRequest struct {
	Text                string `json:"text"`
	Language            string `json:"language"`
	VoicePath           string `json:"voice_path"`
	StreamChunkSize     int    `json:"stream_chunk_size"`
	EnableTextSplitting bool   `json:"enable_text_splitting"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
	Error     string `json:"error"`
}

// execEngine drives one long-lived worker process speaking JSON lines over
// stdin/stdout. Only one stream may be open at a time.
type execEngine struct {
	cfg    config.EngineConfig
	info   Info
	logger *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  *bufio.Scanner
	stream sync.Mutex

	closed atomic.Bool
	broken atomic.Pointer[error]
	stop   sync.Once
}

// NewExecEngine validates modelDir and starts the worker. The worker is bound
// to ctx and is killed when ctx is cancelled.
func NewExecEngine(ctx context.Context, cfg config.EngineConfig, modelDir string, logger *slog.Logger) (Engine, error) {
	mc, err := loadModelConfig(modelDir)
	if err != nil {
		return nil, err
	}

	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command empty")
	}
	args = append(args, "--model-dir", modelDir)

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start engine worker: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxWorkerLine)

	format := formatFromConfig(cfg)
	if mc.Audio.OutputSampleRate > 0 {
		format.SampleRate = mc.Audio.OutputSampleRate
	}

	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("engine worker started",
		slog.Int("pid", cmd.Process.Pid),
		slog.String("model_dir", modelDir),
		slog.Int("sample_rate", format.SampleRate),
	)

	return &execEngine{
		cfg:    cfg,
		info:   Info{Name: config.EngineModeExec, Format: format, Languages: mc.Languages},
		logger: logger,
		cmd:    cmd,
		stdin:  stdin,
		lines:  scanner,
	}, nil
}

func loadModelConfig(modelDir string) (modelConfig, error) {
	var mc modelConfig
	info, err := os.Stat(modelDir)
	if err != nil {
		return mc, fmt.Errorf("stat model dir: %w", err)
	}
	if !info.IsDir() {
		return mc, fmt.Errorf("model dir %s is not a directory", modelDir)
	}
	data, err := os.ReadFile(filepath.Join(modelDir, "config.json"))
	if err != nil {
		return mc, fmt.Errorf("read model config: %w", err)
	}
	if err := jsonAPI.Unmarshal(data, &mc); err != nil {
		return mc, fmt.Errorf("decode model config: %w", err)
	}
	return mc, nil
}

func (e *execEngine) Info() Info {
	return e.info
}

func (e *execEngine) DeriveConditioning(_ context.Context, voicePath string) (Conditioning, error) {
	if e.closed.Load() {
		return Conditioning{}, ErrEngineClosed
	}
	return inspectVoiceSample(voicePath)
}

func (e *execEngine) Synthesize(ctx context.Context, cond Conditioning, req Request) (Stream, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	if err := e.brokenErr(); err != nil {
		return nil, err
	}
	if !e.info.SupportsLanguage(req.Language) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, req.Language)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !e.stream.TryLock() {
		return nil, ErrStreamBusy
	}

	line, err := jsonAPI.Marshal(execRequest{
		Text:                req.Text,
		Language:            req.Language,
		VoicePath:           cond.VoicePath,
		StreamChunkSize:     e.cfg.StreamChunkSize,
		EnableTextSplitting: e.cfg.EnableTextSplitting,
	})
	if err != nil {
		e.stream.Unlock()
		return nil, fmt.Errorf("encode engine request: %w", err)
	}
	if _, err := e.stdin.Write(append(line, '\n')); err != nil {
		e.stream.Unlock()
		return nil, e.fail(fmt.Errorf("write engine request: %w", err))
	}
	return &execStream{engine: e}, nil
}

func (e *execEngine) brokenErr() error {
	if p := e.broken.Load(); p != nil {
		return *p
	}
	return nil
}

func (e *execEngine) fail(err error) error {
	e.broken.CompareAndSwap(nil, &err)
	return err
}

// readLine returns the next worker response, skipping blank lines.
func (e *execEngine) readLine() (execResponse, error) {
	for e.lines.Scan() {
		raw := e.lines.Bytes()
		if len(raw) == 0 {
			continue
		}
		var resp execResponse
		if err := jsonAPI.Unmarshal(raw, &resp); err != nil {
			return resp, e.fail(fmt.Errorf("decode engine response: %w", err))
		}
		return resp, nil
	}
	if err := e.lines.Err(); err != nil {
		return execResponse{}, e.fail(fmt.Errorf("read engine response: %w", err))
	}
	return execResponse{}, e.fail(errors.New("engine worker exited"))
}

func (e *execEngine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	var err error
	e.stop.Do(func() {
		e.stdin.Close()
		done := make(chan error, 1)
		go func() { done <- e.cmd.Wait() }()
		select {
		case werr := <-done:
			var exitErr *exec.ExitError
			if werr != nil && !errors.As(werr, &exitErr) {
				err = fmt.Errorf("wait engine worker: %w", werr)
			}
		case <-time.After(workerStopTimeout):
			e.logger.Warn("engine worker did not exit, killing")
			if kerr := e.cmd.Process.Kill(); kerr != nil {
				err = fmt.Errorf("kill engine worker: %w", kerr)
			}
			<-done
		}
	})
	return err
}

type execStream struct {
	engine  *execEngine
	done    bool
	release sync.Once
}

func (s *execStream) Next(ctx context.Context) ([]byte, bool, error) {
	if s.done {
		return nil, false, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	for {
		resp, err := s.engine.readLine()
		if err != nil {
			s.done = true
			return nil, false, err
		}
		if resp.Error != "" {
			s.done = true
			return nil, false, fmt.Errorf("engine worker: %s", resp.Error)
		}
		pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			s.done = true
			return nil, false, s.engine.fail(fmt.Errorf("decode engine pcm: %w", err))
		}
		if resp.Final {
			s.done = true
		}
		if len(pcm) > 0 {
			return pcm, true, nil
		}
		if s.done {
			return nil, false, nil
		}
	}
}

// Close drains the remainder of an abandoned request so the next one starts
// on a clean line boundary.
func (s *execStream) Close() error {
	var err error
	s.release.Do(func() {
		defer s.engine.stream.Unlock()
		for !s.done && s.engine.brokenErr() == nil && !s.engine.closed.Load() {
			resp, rerr := s.engine.readLine()
			if rerr != nil {
				err = rerr
				break
			}
			s.done = resp.Final || resp.Error != ""
		}
	})
	return err
}
