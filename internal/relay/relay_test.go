package relay

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"llm-relay-go/internal/model"
)

// chunkReader yields one predefined chunk per Read call, then the final
// error (io.EOF or a mid-stream failure). It counts Close calls.
type chunkReader struct {
	chunks   [][]byte
	finalErr error
	closes   int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, r.finalErr
	}
	chunk := r.chunks[0]
	r.chunks = r.chunks[1:]
	return copy(p, chunk), nil
}

func (r *chunkReader) Close() error {
	r.closes++
	return nil
}

func testRelay() *Relay {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
}

func TestStream_PreservesChunks(t *testing.T) {
	chunks := [][]byte{
		[]byte("data: {\"delta\":\"hel\"}\n\n"),
		[]byte("data: {\"delta\":\"lo\"}\n\n"),
		[]byte("data: [DONE]\n\n"),
	}
	upstream := &chunkReader{chunks: chunks, finalErr: io.EOF}
	rec := httptest.NewRecorder()

	session := testRelay().Stream(rec, upstream, model.DialectOpenAI)

	want := bytes.Join(chunks, nil)
	if !bytes.Equal(rec.Body.Bytes(), want) {
		t.Errorf("relayed bytes = %q, want %q", rec.Body.Bytes(), want)
	}
	if session.Chunks != 3 {
		t.Errorf("session.Chunks = %d, want 3", session.Chunks)
	}
	if session.Bytes != int64(len(want)) {
		t.Errorf("session.Bytes = %d, want %d", session.Bytes, len(want))
	}
	if !rec.Flushed {
		t.Error("response was never flushed")
	}
}

func TestStream_ClosesUpstreamExactlyOnce(t *testing.T) {
	tests := []struct {
		name     string
		finalErr error
	}{
		{"normal completion", io.EOF},
		{"mid-stream failure", errors.New("connection reset")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := &chunkReader{
				chunks:   [][]byte{[]byte("data: x\n\n")},
				finalErr: tt.finalErr,
			}
			rec := httptest.NewRecorder()

			testRelay().Stream(rec, upstream, model.DialectOpenAI)

			if upstream.closes != 1 {
				t.Errorf("upstream closed %d times, want exactly 1", upstream.closes)
			}
		})
	}
}

func TestStream_MidStreamErrorAppendsErrorChunk(t *testing.T) {
	upstream := &chunkReader{
		chunks:   [][]byte{[]byte("data: partial\n\n")},
		finalErr: errors.New("upstream connection reset"),
	}
	rec := httptest.NewRecorder()

	testRelay().Stream(rec, upstream, model.DialectAnthropic)

	got := rec.Body.String()
	if !strings.HasPrefix(got, "data: partial\n\n") {
		t.Errorf("delivered chunks lost: %q", got)
	}
	if !strings.HasSuffix(got, "upstream connection reset") {
		t.Errorf("error chunk not appended: %q", got)
	}
}

// failWriter rejects writes after the first, simulating a caller that
// disconnected mid-stream.
type failWriter struct {
	writes int
}

func (w *failWriter) Write(p []byte) (int, error) {
	w.writes++
	if w.writes > 1 {
		return 0, errors.New("client gone")
	}
	return len(p), nil
}

func TestStream_CallerDisconnectStillCloses(t *testing.T) {
	upstream := &chunkReader{
		chunks: [][]byte{
			[]byte("data: one\n\n"),
			[]byte("data: two\n\n"),
			[]byte("data: three\n\n"),
		},
		finalErr: io.EOF,
	}
	w := &failWriter{}

	session := testRelay().Stream(w, upstream, model.DialectOpenAI)

	if upstream.closes != 1 {
		t.Errorf("upstream closed %d times, want exactly 1", upstream.closes)
	}
	// The copy must stop at the failed write instead of draining upstream.
	if session.Chunks != 2 {
		t.Errorf("session.Chunks = %d, want 2 (stop on write failure)", session.Chunks)
	}
}

func TestStream_EmptyUpstream(t *testing.T) {
	upstream := &chunkReader{finalErr: io.EOF}
	rec := httptest.NewRecorder()

	session := testRelay().Stream(rec, upstream, model.DialectOpenAI)

	if session.Chunks != 0 || session.Bytes != 0 {
		t.Errorf("session = %+v, want zero chunks and bytes", session)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", rec.Body.String())
	}
	if upstream.closes != 1 {
		t.Errorf("upstream closed %d times, want exactly 1", upstream.closes)
	}
}
