package tts

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sync/atomic"
	"unicode/utf8"

	"github.com/loqalabs/loqa-ttsbridge/internal/config"
)

const mockToneHz = 440.0

type mockEngine struct {
	format          AudioFormat
	charsPerChunk   int
	samplesPerChunk int
	closed          atomic.Bool
}

// NewMockEngine returns an engine producing a sine tone, one chunk per
// charsPerChunk runes of input. Empty text produces no chunks.
func NewMockEngine(cfg config.EngineConfig) Engine {
	format := formatFromConfig(cfg)
	return &mockEngine{
		format:          format,
		charsPerChunk:   cfg.MockCharsPerChunk,
		samplesPerChunk: format.SampleRate * cfg.MockChunkMS / 1000,
	}
}

func (m *mockEngine) Info() Info {
	return Info{Name: config.EngineModeMock, Format: m.format}
}

func (m *mockEngine) DeriveConditioning(_ context.Context, voicePath string) (Conditioning, error) {
	if m.closed.Load() {
		return Conditioning{}, ErrEngineClosed
	}
	if cond, err := inspectVoiceSample(voicePath); err == nil {
		return cond, nil
	}
	// any readable file is good enough for a dry run
	if _, err := os.Stat(voicePath); err != nil {
		return Conditioning{}, fmt.Errorf("stat voice sample: %w", err)
	}
	return Conditioning{VoicePath: voicePath}, nil
}

func (m *mockEngine) Synthesize(ctx context.Context, _ Conditioning, req Request) (Stream, error) {
	if m.closed.Load() {
		return nil, ErrEngineClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	runes := utf8.RuneCountInString(req.Text)
	count := (runes + m.charsPerChunk - 1) / m.charsPerChunk
	return &mockStream{engine: m, remaining: count}, nil
}

func (m *mockEngine) Close() error {
	m.closed.Store(true)
	return nil
}

type mockStream struct {
	engine    *mockEngine
	remaining int
	offset    int
	closed    bool
}

func (s *mockStream) Next(ctx context.Context) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if s.closed || s.remaining == 0 {
		return nil, false, nil
	}
	s.remaining--
	chunk := s.engine.tone(s.offset)
	s.offset += s.engine.samplesPerChunk
	return chunk, true, nil
}

func (s *mockStream) Close() error {
	s.closed = true
	return nil
}

func (m *mockEngine) tone(offset int) []byte {
	f := m.format
	width := f.BytesPerSample()
	buf := make([]byte, m.samplesPerChunk*f.Channels*width)
	pos := 0
	for i := 0; i < m.samplesPerChunk; i++ {
		v := 0.2 * math.Sin(2*math.Pi*mockToneHz*float64(offset+i)/float64(f.SampleRate))
		for c := 0; c < f.Channels; c++ {
			if width == 2 {
				binary.LittleEndian.PutUint16(buf[pos:], uint16(int16(v*math.MaxInt16)))
			} else {
				binary.LittleEndian.PutUint32(buf[pos:], math.Float32bits(float32(v)))
			}
			pos += width
		}
	}
	return buf
}
