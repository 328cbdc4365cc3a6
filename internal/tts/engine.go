package tts

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-ttsbridge/internal/config"
)

// New loads the engine selected by cfg.Mode from modelDir.
func New(ctx context.Context, cfg config.EngineConfig, modelDir string, logger *slog.Logger) (Engine, error) {
	switch cfg.Mode {
	case config.EngineModeMock:
		return NewMockEngine(cfg), nil
	case config.EngineModeExec:
		return NewExecEngine(ctx, cfg, modelDir, logger)
	default:
		return nil, fmt.Errorf("tts: unknown engine mode %q", cfg.Mode)
	}
}

// ProbeFormat reports the format New would produce for modelDir without
// starting an engine.
func ProbeFormat(cfg config.EngineConfig, modelDir string) (AudioFormat, error) {
	format := formatFromConfig(cfg)
	if cfg.Mode != config.EngineModeExec {
		return format, nil
	}
	mc, err := loadModelConfig(modelDir)
	if err != nil {
		return format, err
	}
	if mc.Audio.OutputSampleRate > 0 {
		format.SampleRate = mc.Audio.OutputSampleRate
	}
	return format, nil
}

func formatFromConfig(cfg config.EngineConfig) AudioFormat {
	return AudioFormat{SampleRate: cfg.SampleRate, Channels: cfg.Channels, SampleFormat: cfg.SampleFormat}
}

// inspectVoiceSample reads the header of a WAV reference sample.
func inspectVoiceSample(path string) (Conditioning, error) {
	f, err := os.Open(path)
	if err != nil {
		return Conditioning{}, fmt.Errorf("open voice sample: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		return Conditioning{}, fmt.Errorf("voice sample %s is not a valid wav file: %w", path, err)
	}
	if dec.NumChans == 0 || dec.SampleRate == 0 {
		return Conditioning{}, fmt.Errorf("voice sample %s is not a valid wav file", path)
	}
	dur, err := dec.Duration()
	if err != nil {
		return Conditioning{}, fmt.Errorf("read voice sample duration: %w", err)
	}
	if dur <= 0 {
		return Conditioning{}, fmt.Errorf("voice sample %s contains no audio", path)
	}
	return Conditioning{
		VoicePath:  path,
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		Duration:   dur.Round(time.Millisecond),
	}, nil
}
