package tts

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnsupportedLanguage is returned by Synthesize for languages the model does not list.
	ErrUnsupportedLanguage = errors.New("tts: unsupported language")
	// ErrEngineClosed is returned once Close has been called.
	ErrEngineClosed = errors.New("tts: engine closed")
	// ErrStreamBusy is returned when a new stream is requested before the previous one was closed.
	ErrStreamBusy = errors.New("tts: previous stream still open")
)

// AudioFormat describes the raw sample layout of produced chunks.
type AudioFormat struct {
	SampleRate   int
	Channels     int
	SampleFormat string // f32le, s16le
}

// BytesPerSample returns the size of one sample of one channel.
func (f AudioFormat) BytesPerSample() int {
	if f.SampleFormat == "s16le" {
		return 2
	}
	return 4
}

// Info describes a loaded engine.
type Info struct {
	Name      string
	Format    AudioFormat
	Languages []string // empty means the engine does not restrict languages
}

// SupportsLanguage reports whether lang may be passed to Synthesize.
func (i Info) SupportsLanguage(lang string) bool {
	if len(i.Languages) == 0 {
		return true
	}
	for _, l := range i.Languages {
		if l == lang {
			return true
		}
	}
	return false
}

// Conditioning is the voice state derived once from a reference sample.
type Conditioning struct {
	VoicePath  string
	SampleRate int
	Channels   int
	Duration   time.Duration
}

// Request contains parameters to synthesize speech.
type Request struct {
	Text     string
	Language string
}

// Stream is a lazy, finite sequence of audio chunks. It cannot be restarted;
// Next returns ok=false once the sequence is exhausted. Close must always be called.
type Stream interface {
	Next(ctx context.Context) (chunk []byte, ok bool, err error)
	Close() error
}

// Engine is the contract for the external synthesis model.
type Engine interface {
	Info() Info
	DeriveConditioning(ctx context.Context, voicePath string) (Conditioning, error)
	Synthesize(ctx context.Context, cond Conditioning, req Request) (Stream, error)
	Close() error
}
