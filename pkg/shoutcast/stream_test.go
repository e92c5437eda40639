package shoutcast

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// icyBody builds a raw ICY stream: metaint bytes of audio, a length byte,
// a metadata block, more audio.
func icyBody(metaint int, audio1 string, title string, audio2 string) []byte {
	var b bytes.Buffer
	b.WriteString(audio1)

	meta := []byte("StreamTitle='" + title + "';")
	// pad to a multiple of 16
	for len(meta)%16 != 0 {
		meta = append(meta, 0)
	}
	b.WriteByte(byte(len(meta) / 16))
	b.Write(meta)

	b.WriteString(audio2)
	b.WriteByte(0) // empty metadata block after the second audio run
	return b.Bytes()
}

func TestNewStreamStripsMetadata(t *testing.T) {
	body := icyBody(4, "abcd", "Test Title", "efgh")
	s := NewStream(io.NopCloser(bytes.NewReader(body)), "test", 4)

	var title string
	s.MetadataCallbackFunc = func(m *Metadata) { title = m.StreamTitle }

	out, err := io.ReadAll(s)
	if err != nil && err != io.EOF {
		require.NoError(t, err)
	}

	assert.Equal(t, "abcdefgh", string(out), "metadata bytes stripped from the audio")
	assert.Equal(t, "Test Title", title)
}

func TestOpenParsesICYHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		h := w.Header()
		h.Set("icy-metaint", "4")
		h.Set("icy-name", "Test Radio")
		h.Set("icy-genre", "ambient")
		h.Set("icy-br", "128")
		// four audio bytes and an empty metadata marker
		_, _ = w.Write([]byte("abcd\x00"))
	}))
	defer srv.Close()

	s, err := Open(srv.URL)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "Test Radio", s.Name)
	assert.Equal(t, "ambient", s.Genre)
	assert.Equal(t, 128, s.Bitrate)

	out, err := io.ReadAll(s)
	if err != nil && err != io.EOF {
		require.NoError(t, err)
	}
	assert.Equal(t, "abcd", string(out))
}

func TestNewStreamPassthroughWithoutMetaint(t *testing.T) {
	body := []byte("raw audio bytes")
	s := NewStream(io.NopCloser(bytes.NewReader(body)), "test", 0)

	out, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, body, out)
}
