package host

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-ttsbridge/internal/tts"
)

// WriteWAV encodes raw bridge PCM as a 16-bit PCM WAV file.
func WriteWAV(w io.WriteSeeker, pcm []byte, format tts.AudioFormat) error {
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return fmt.Errorf("invalid audio format %+v", format)
	}
	width := format.BytesPerSample()
	if len(pcm)%(width*format.Channels) != 0 {
		return fmt.Errorf("pcm length %d is not a multiple of the %d-byte frame", len(pcm), width*format.Channels)
	}

	samples := make([]int, len(pcm)/width)
	for i := range samples {
		raw := pcm[i*width:]
		if width == 2 {
			samples[i] = int(int16(binary.LittleEndian.Uint16(raw)))
			continue
		}
		v := float64(math.Float32frombits(binary.LittleEndian.Uint32(raw)))
		if math.IsNaN(v) {
			v = 0
		}
		v = math.Max(-1, math.Min(1, v))
		samples[i] = int(math.Round(v * math.MaxInt16))
	}

	buf := &audio.IntBuffer{
		Format:         &audio.Format{SampleRate: format.SampleRate, NumChannels: format.Channels},
		Data:           samples,
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(w, format.SampleRate, 16, format.Channels, 1)
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write wav samples: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalize wav: %w", err)
	}
	return nil
}
