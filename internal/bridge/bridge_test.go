package bridge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-ttsbridge/internal/config"
	"github.com/loqalabs/loqa-ttsbridge/internal/protocol"
	"github.com/loqalabs/loqa-ttsbridge/internal/tts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeConn struct {
	in          *bytes.Reader
	out         bytes.Buffer
	closed      bool
	writeClosed bool
}

func newFakeConn(t *testing.T, reqs ...any) *fakeConn {
	t.Helper()
	var in bytes.Buffer
	for _, r := range reqs {
		switch v := r.(type) {
		case protocol.Request:
			data, err := protocol.EncodeRequest(v)
			require.NoError(t, err)
			in.Write(data)
		case string:
			in.WriteString(v)
			in.WriteByte(protocol.RequestDelimiter)
		}
	}
	return &fakeConn{in: bytes.NewReader(in.Bytes())}
}

func (c *fakeConn) Read(p []byte) (int, error)  { return c.in.Read(p) }
func (c *fakeConn) Write(p []byte) (int, error) { return c.out.Write(p) }
func (c *fakeConn) CloseWrite() error           { c.writeClosed = true; return nil }
func (c *fakeConn) Close() error                { c.closed = true; return nil }

// scriptedEngine returns the chunks registered for a text, or fails on it.
type scriptedEngine struct {
	chunks map[string][][]byte
	failOn map[string]error
	seen   []tts.Request
}

func (e *scriptedEngine) Info() tts.Info { return tts.Info{Name: "scripted"} }

func (e *scriptedEngine) DeriveConditioning(context.Context, string) (tts.Conditioning, error) {
	return tts.Conditioning{}, nil
}

func (e *scriptedEngine) Synthesize(_ context.Context, _ tts.Conditioning, req tts.Request) (tts.Stream, error) {
	e.seen = append(e.seen, req)
	if err := e.failOn[req.Text]; err != nil {
		return &sliceStream{chunks: e.chunks[req.Text], failAtEnd: err}, nil
	}
	return &sliceStream{chunks: e.chunks[req.Text]}, nil
}

func (e *scriptedEngine) Close() error { return nil }

type sliceStream struct {
	chunks    [][]byte
	failAtEnd error
	closed    bool
}

func (s *sliceStream) Next(context.Context) ([]byte, bool, error) {
	if len(s.chunks) == 0 {
		if s.failAtEnd != nil {
			return nil, false, s.failAtEnd
		}
		return nil, false, nil
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, true, nil
}

func (s *sliceStream) Close() error { s.closed = true; return nil }

type memRecorder struct {
	mu   sync.Mutex
	sums []protocol.RequestSummary
}

func (r *memRecorder) RecordRequest(_ context.Context, sum protocol.RequestSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sums = append(r.sums, sum)
	return nil
}

func (r *memRecorder) outcomes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, s := range r.sums {
		out = append(out, s.Outcome)
	}
	return out
}

func frame(payload []byte) []byte {
	l := len(payload)
	return append([]byte{byte(l >> 24), byte(l >> 16), byte(l >> 8), byte(l)}, payload...)
}

var terminator = []byte{0, 0, 0, 0}

func TestServeScenarioLayout(t *testing.T) {
	c1 := bytes.Repeat([]byte{0x11}, 100)
	c2 := bytes.Repeat([]byte{0x22}, 50)
	engine := &scriptedEngine{chunks: map[string][][]byte{"hi": {c1, c2}}}
	conn := newFakeConn(t, `{"text":"hi","language":"en"}`)

	var states []State
	b := New(conn, engine, tts.Conditioning{}, Options{
		Logger:        newLogger(),
		OnStateChange: func(s State) { states = append(states, s) },
	})
	require.NoError(t, b.Serve(context.Background()))

	var want []byte
	want = append(want, 0x00, 0x00, 0x00, 0x64)
	want = append(want, c1...)
	want = append(want, 0x00, 0x00, 0x00, 0x32)
	want = append(want, c2...)
	want = append(want, terminator...)
	assert.Equal(t, want, conn.out.Bytes())
	assert.Equal(t, []tts.Request{{Text: "hi", Language: "en"}}, engine.seen)

	require.NoError(t, b.Close())
	assert.True(t, conn.closed)
	assert.True(t, conn.writeClosed)
	assert.Equal(t, []State{StateReady, StateShuttingDown, StateTerminated}, states)
	assert.Equal(t, StateTerminated, b.State())
}

func TestServeSequentialRequests(t *testing.T) {
	engine := &scriptedEngine{chunks: map[string][][]byte{
		"one": {{1}, {1, 1}},
		"two": {{2, 2, 2}},
	}}
	conn := newFakeConn(t,
		protocol.Request{Text: "one", Language: "en"},
		protocol.Request{Text: "", Language: "en"},
		protocol.Request{Text: "two", Language: "de"},
	)
	rec := &memRecorder{}
	b := New(conn, engine, tts.Conditioning{}, Options{Logger: newLogger(), Recorders: []Recorder{rec}})
	require.NoError(t, b.Serve(context.Background()))

	fr := protocol.NewFrameReader(bytes.NewReader(conn.out.Bytes()), 0)
	first, err := fr.ReadResponse()
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{1}, {1, 1}}, first)
	empty, err := fr.ReadResponse()
	require.NoError(t, err)
	assert.Empty(t, empty, "empty text still gets a terminator")
	second, err := fr.ReadResponse()
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{2, 2, 2}}, second)

	assert.Equal(t, []string{protocol.OutcomeCompleted, protocol.OutcomeCompleted, protocol.OutcomeCompleted}, rec.outcomes())
	assert.Equal(t, 2, rec.sums[0].Chunks)
	assert.Equal(t, int64(3), rec.sums[0].AudioBytes)
	assert.NotEqual(t, rec.sums[0].RequestID, rec.sums[1].RequestID)
}

func TestServeDropsEmptyChunks(t *testing.T) {
	engine := &scriptedEngine{chunks: map[string][][]byte{"x": {{}, {9}, nil}}}
	conn := newFakeConn(t, protocol.Request{Text: "x", Language: "en"})
	b := New(conn, engine, tts.Conditioning{}, Options{Logger: newLogger()})
	require.NoError(t, b.Serve(context.Background()))

	assert.Equal(t, append(frame([]byte{9}), terminator...), conn.out.Bytes())
}

func TestServePeerClosedImmediately(t *testing.T) {
	conn := newFakeConn(t)
	b := New(conn, &scriptedEngine{}, tts.Conditioning{}, Options{Logger: newLogger()})
	require.NoError(t, b.Serve(context.Background()))
	assert.Zero(t, conn.out.Len())
	assert.Equal(t, StateShuttingDown, b.State())
}

func TestServeEngineFailureIsFatal(t *testing.T) {
	boom := errors.New("cuda out of memory")
	engine := &scriptedEngine{
		chunks: map[string][][]byte{"bad": {{7, 7}}},
		failOn: map[string]error{"bad": boom},
	}
	conn := newFakeConn(t,
		protocol.Request{Text: "bad", Language: "en"},
		protocol.Request{Text: "never", Language: "en"},
	)
	rec := &memRecorder{}
	b := New(conn, engine, tts.Conditioning{}, Options{Logger: newLogger(), Recorders: []Recorder{rec}})

	err := b.Serve(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEngineFailure)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, frame([]byte{7, 7}), conn.out.Bytes(), "no terminator after a failed request")
	assert.Len(t, engine.seen, 1)
	assert.Equal(t, []string{protocol.OutcomeFailed}, rec.outcomes())
}

func TestServeMalformedTerminate(t *testing.T) {
	conn := newFakeConn(t, `{"text":`, protocol.Request{Text: "after", Language: "en"})
	engine := &scriptedEngine{}
	rec := &memRecorder{}
	b := New(conn, engine, tts.Conditioning{}, Options{Logger: newLogger(), Recorders: []Recorder{rec}})

	err := b.Serve(context.Background())
	assert.ErrorIs(t, err, ErrMalformedRequest)
	assert.True(t, protocol.IsMalformed(err))
	assert.Zero(t, conn.out.Len())
	assert.Empty(t, engine.seen)
	assert.Equal(t, []string{protocol.OutcomeMalformed}, rec.outcomes())
}

func TestServeMalformedSkip(t *testing.T) {
	engine := &scriptedEngine{chunks: map[string][][]byte{"after": {{5}}}}
	conn := newFakeConn(t, `{"language":"en"}`, protocol.Request{Text: "after", Language: "en"})
	rec := &memRecorder{}
	b := New(conn, engine, tts.Conditioning{}, Options{
		Logger:          newLogger(),
		MalformedPolicy: config.MalformedSkip,
		Recorders:       []Recorder{rec},
	})

	require.NoError(t, b.Serve(context.Background()))
	want := append(append([]byte{}, terminator...), frame([]byte{5})...)
	want = append(want, terminator...)
	assert.Equal(t, want, conn.out.Bytes())
	assert.Equal(t, []string{protocol.OutcomeMalformed, protocol.OutcomeCompleted}, rec.outcomes())
}

func TestServeOnlyOnce(t *testing.T) {
	conn := newFakeConn(t)
	b := New(conn, &scriptedEngine{}, tts.Conditioning{}, Options{Logger: newLogger()})
	require.NoError(t, b.Serve(context.Background()))
	assert.ErrorIs(t, b.Serve(context.Background()), ErrAlreadyServed)
}

func TestServeCancelClosesConnection(t *testing.T) {
	server, client := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })

	b := New(server, &scriptedEngine{}, tts.Conditioning{}, Options{Logger: newLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Serve(ctx) }()

	require.Eventually(t, func() bool { return b.State() == StateReady }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err, "interrupt is a clean shutdown")
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
	assert.Equal(t, StateShuttingDown, b.State())

	_, err := client.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, b.Close())
}

// endlessEngine streams a one-byte chunk every tick until its context ends.
type endlessEngine struct{ tick time.Duration }

func (e endlessEngine) Info() tts.Info { return tts.Info{Name: "endless"} }

func (e endlessEngine) DeriveConditioning(context.Context, string) (tts.Conditioning, error) {
	return tts.Conditioning{}, nil
}

func (e endlessEngine) Synthesize(context.Context, tts.Conditioning, tts.Request) (tts.Stream, error) {
	return &tickStream{tick: e.tick}, nil
}

func (e endlessEngine) Close() error { return nil }

type tickStream struct{ tick time.Duration }

func (s *tickStream) Next(ctx context.Context) ([]byte, bool, error) {
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case <-time.After(s.tick):
		return []byte{0x42}, true, nil
	}
}

func (s *tickStream) Close() error { return nil }

func TestServeCancelMidRequest(t *testing.T) {
	server, client := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })

	rec := &memRecorder{}
	b := New(server, endlessEngine{tick: 5 * time.Millisecond}, tts.Conditioning{}, Options{
		Logger:    newLogger(),
		Recorders: []Recorder{rec},
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Serve(ctx) }()

	data, err := protocol.EncodeRequest(protocol.Request{Text: "long story", Language: "en"})
	require.NoError(t, err)
	_, err = client.Write(data)
	require.NoError(t, err)

	fr := protocol.NewFrameReader(client, 0)
	for i := 0; i < 2; i++ {
		payload, end, err := fr.ReadFrame()
		require.NoError(t, err)
		require.False(t, end)
		assert.Equal(t, []byte{0x42}, payload)
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err, "interrupt is a clean shutdown")
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after cancel")
	}

	_, end, err := fr.ReadFrame()
	assert.False(t, end, "an interrupted response has no terminator")
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{protocol.OutcomeInterrupted}, rec.outcomes())
	require.NoError(t, b.Close())
}

func TestRecorderFunc(t *testing.T) {
	var got string
	r := RecorderFunc(func(_ context.Context, sum protocol.RequestSummary) error {
		got = sum.Outcome
		return errors.New("journal down")
	})
	conn := newFakeConn(t, protocol.Request{Text: "", Language: "en"})
	b := New(conn, &scriptedEngine{}, tts.Conditioning{}, Options{Logger: newLogger(), Recorders: []Recorder{r}})
	require.NoError(t, b.Serve(context.Background()), "recorder failures are not fatal")
	assert.Equal(t, protocol.OutcomeCompleted, got)
	assert.Equal(t, terminator, conn.out.Bytes())
}
