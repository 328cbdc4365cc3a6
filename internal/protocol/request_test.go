package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadRequestConsumesExactlyOneMessage(t *testing.T) {
	msg := []byte(`{"text": "hi", "language": "en"}`)
	trailing := []byte("next")
	stream := bytes.NewReader(append(append(append([]byte{}, msg...), RequestDelimiter), trailing...))

	rr := NewRequestReader(stream, 0)
	req, err := rr.ReadRequest()
	require.NoError(t, err)
	assert.Equal(t, Request{Text: "hi", Language: "en"}, req)
	assert.Equal(t, len(trailing), stream.Len(), "reader must stop right after the delimiter")
}

func TestReadRequestSequential(t *testing.T) {
	var stream bytes.Buffer
	for _, req := range []Request{{Text: "eins", Language: "de"}, {Text: "", Language: "en"}, {Text: "こんにちは", Language: "ja"}} {
		data, err := EncodeRequest(req)
		require.NoError(t, err)
		stream.Write(data)
	}

	rr := NewRequestReader(&stream, 1024)
	first, err := rr.ReadRequest()
	require.NoError(t, err)
	assert.Equal(t, "eins", first.Text)

	second, err := rr.ReadRequest()
	require.NoError(t, err)
	assert.Equal(t, "", second.Text)
	assert.Equal(t, "en", second.Language)

	third, err := rr.ReadRequest()
	require.NoError(t, err)
	assert.Equal(t, "こんにちは", third.Text)
	assert.Equal(t, "eins", first.Text, "earlier requests must not alias the reader buffer")

	_, err = rr.ReadRequest()
	assert.ErrorIs(t, err, ErrPeerClosed)
}

func TestReadRequestPeerClosed(t *testing.T) {
	rr := NewRequestReader(bytes.NewReader(nil), 0)
	_, err := rr.ReadRequest()
	assert.ErrorIs(t, err, ErrPeerClosed)

	rr = NewRequestReader(bytes.NewReader([]byte(`{"text":"cut`)), 0)
	_, err = rr.ReadRequest()
	assert.ErrorIs(t, err, ErrPeerClosed, "eof inside a message is still a peer close")
}

func TestReadRequestTransportError(t *testing.T) {
	boom := errors.New("reset")
	rr := NewRequestReader(io.MultiReader(bytes.NewReader([]byte("{")), errReader{boom}), 0)
	_, err := rr.ReadRequest()
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsMalformed(err))
}

func TestReadRequestMalformed(t *testing.T) {
	cases := map[string][]byte{
		"invalid utf-8":    {0xff, 0xfe, '{', '}'},
		"invalid json":     []byte(`{"text": "hi"`),
		"missing text":     []byte(`{"language": "en"}`),
		"missing language": []byte(`{"text": "hi"}`),
		"empty language":   []byte(`{"text": "hi", "language": " "}`),
		"wrong type":       []byte(`{"text": 5, "language": "en"}`),
		"not an object":    []byte(`["hi", "en"]`),
		"null":             []byte(`null`),
		"folded key case":  []byte(`{"TEXT": "hi", "Language": "en"}`),
		"null text":        []byte(`{"text": null, "language": "en"}`),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			follow, err := EncodeRequest(Request{Text: "ok", Language: "en"})
			require.NoError(t, err)
			stream := bytes.NewReader(append(append(append([]byte{}, body...), RequestDelimiter), follow...))

			rr := NewRequestReader(stream, 0)
			_, err = rr.ReadRequest()
			require.Error(t, err)
			assert.True(t, IsMalformed(err), "expected malformed error, got %v", err)

			next, err := rr.ReadRequest()
			require.NoError(t, err, "stream must stay aligned after a malformed message")
			assert.Equal(t, "ok", next.Text)
		})
	}
}

func TestReadRequestTooLarge(t *testing.T) {
	big, err := EncodeRequest(Request{Text: string(bytes.Repeat([]byte("a"), 64)), Language: "en"})
	require.NoError(t, err)
	small, err := EncodeRequest(Request{Text: "b", Language: "en"})
	require.NoError(t, err)

	rr := NewRequestReader(bytes.NewReader(append(big, small...)), 32)
	_, err = rr.ReadRequest()
	var malformed *MalformedRequestError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, len(big)-1, malformed.Size)

	req, err := rr.ReadRequest()
	require.NoError(t, err)
	assert.Equal(t, "b", req.Text)
}

func TestEncodeRequestEscapesDelimiter(t *testing.T) {
	data, err := EncodeRequest(Request{Text: "a\x01b", Language: "en"})
	require.NoError(t, err)
	assert.Equal(t, 1, bytes.Count(data, []byte{RequestDelimiter}))
	assert.Equal(t, RequestDelimiter, data[len(data)-1])

	req, err := NewRequestReader(bytes.NewReader(data), 0).ReadRequest()
	require.NoError(t, err)
	assert.Equal(t, "a\x01b", req.Text)
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }
