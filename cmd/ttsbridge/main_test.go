package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-ttsbridge/internal/host"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runMainEnv makes the test binary behave as the bridge itself, so host.Launch
// can spawn it as a child process.
const runMainEnv = "TTSBRIDGE_TEST_RUN_MAIN"

func TestMain(m *testing.M) {
	if os.Getenv(runMainEnv) == "1" {
		main()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setBridgeEnv(t *testing.T) {
	t.Helper()
	t.Setenv(runMainEnv, "1")
	t.Setenv("LOQA_TTSBRIDGE_BRIDGE_HOST", "127.0.0.1")
	t.Setenv("LOQA_TTSBRIDGE_TELEMETRY_LOG_LEVEL", "error")
	t.Setenv("LOQA_TTSBRIDGE_HTTP_ENABLED", "false")
	t.Setenv("LOQA_TTSBRIDGE_BUS_ENABLED", "false")
	t.Setenv("LOQA_TTSBRIDGE_EVENT_STORE_RETENTION_MODE", "ephemeral")
}

func launch(t *testing.T, voice, modelDir string) *host.Process {
	t.Helper()
	p, err := host.Launch(context.Background(), host.LaunchOptions{
		Command:       fmt.Sprintf("%q", os.Args[0]),
		VoicePath:     voice,
		ModelDir:      modelDir,
		AcceptTimeout: 10 * time.Second,
		Logger:        newLogger(),
	})
	require.NoError(t, err)
	return p
}

func writeVoiceSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voice.wav")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	enc := wav.NewEncoder(f, 16000, 16, 1, 1)
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{SampleRate: 16000, NumChannels: 1},
		Data:           make([]int, 1600),
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
	return path
}

func TestBridgeExitsZeroWhenPeerCloses(t *testing.T) {
	setBridgeEnv(t)
	t.Setenv("LOQA_TTSBRIDGE_ENGINE_MODE", "mock")
	t.Setenv("LOQA_TTSBRIDGE_ENGINE_MOCK_CHARS_PER_CHUNK", "3")
	t.Setenv("LOQA_TTSBRIDGE_ENGINE_MOCK_CHUNK_MS", "5")

	p := launch(t, writeVoiceSample(t), t.TempDir())

	chunks := 0
	err := p.Client().Synthesize(context.Background(), "hello", "en", func([]byte) error {
		chunks++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, chunks)

	assert.NoError(t, p.Close(10*time.Second), "peer close is a clean exit")
}

func TestBridgeExitsOneOnEngineFailure(t *testing.T) {
	setBridgeEnv(t)
	dir := t.TempDir()
	worker := filepath.Join(dir, "worker.sh")
	script := "read -r line\necho '{\"error\":\"out of memory\",\"final\":true}'\ncat >/dev/null\n"
	require.NoError(t, os.WriteFile(worker, []byte(script), 0o755))
	modelDir := filepath.Join(dir, "model")
	require.NoError(t, os.Mkdir(modelDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(modelDir, "config.json"), []byte(`{}`), 0o644))

	t.Setenv("LOQA_TTSBRIDGE_ENGINE_MODE", "exec")
	t.Setenv("LOQA_TTSBRIDGE_ENGINE_COMMAND", fmt.Sprintf("sh %q", worker))

	p := launch(t, writeVoiceSample(t), modelDir)

	err := p.Client().Synthesize(context.Background(), "hello", "en", func([]byte) error { return nil })
	require.Error(t, err, "the bridge drops the connection without a terminator")

	var exitErr *exec.ExitError
	require.ErrorAs(t, p.Close(10*time.Second), &exitErr)
	assert.Equal(t, 1, exitErr.ExitCode())
}
