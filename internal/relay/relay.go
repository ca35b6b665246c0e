// Package relay copies an upstream byte stream to the caller while
// guaranteeing the upstream connection is released exactly once.
package relay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"llm-relay-go/internal/metrics"
	"llm-relay-go/internal/model"
)

// Session records what a single relay transferred, for logs and metrics only.
type Session struct {
	Chunks   int
	Bytes    int64
	Duration time.Duration
}

// Relay streams upstream response bodies to callers.
type Relay struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Relay. The metrics parameter is optional; pass nil to
// disable relay metrics recording.
func New(logger *slog.Logger, m *metrics.Metrics) *Relay {
	return &Relay{
		logger:  logger.With("component", "relay"),
		metrics: m,
	}
}

// Stream copies upstream to w chunk-by-chunk: one upstream Read becomes one
// downstream Write followed by a flush, so event-stream chunk boundaries
// survive the hop. Ownership of upstream transfers here; it is closed
// exactly once when Stream returns, whichever way the transfer ends.
//
// If the upstream read fails mid-stream, one final chunk carrying the error
// text is written so the caller sees a terminated stream instead of a hang.
// The HTTP status is committed before the first chunk, so mid-stream
// failures cannot change it. A failed downstream write means the caller is
// gone; the copy stops and the deferred close releases the connection.
func (r *Relay) Stream(w io.Writer, upstream io.ReadCloser, dialect model.Dialect) Session {
	defer func() { _ = upstream.Close() }()

	flusher, _ := w.(http.Flusher)
	start := time.Now()
	session := Session{}

	buf := make([]byte, 32*1024)
	for {
		n, readErr := upstream.Read(buf)
		if n > 0 {
			session.Chunks++
			session.Bytes += int64(n)
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				r.logger.Warn("caller went away mid-stream",
					"err", writeErr,
					"chunks", session.Chunks,
					"bytes", session.Bytes,
				)
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				// Terminate the truncated stream with the error text.
				r.logger.Error("stream interrupted",
					"err", readErr,
					"err_type", errTypeName(readErr),
					"chunks", session.Chunks,
					"bytes", session.Bytes,
				)
				if _, err := w.Write([]byte(readErr.Error())); err == nil && flusher != nil {
					flusher.Flush()
				}
			}
			break
		}
	}

	session.Duration = time.Since(start)

	if r.metrics != nil {
		r.metrics.RelayChunks.WithLabelValues(dialect.String()).Add(float64(session.Chunks))
		r.metrics.RelayBytes.WithLabelValues(dialect.String()).Add(float64(session.Bytes))
	}

	r.logger.Info("stream complete",
		"dialect", dialect.String(),
		"chunks", session.Chunks,
		"bytes", session.Bytes,
		"duration_ms", session.Duration.Milliseconds(),
	)

	return session
}

// errTypeName reports the concrete type of a stream error. Failure kind
// matters as much as message text when diagnosing broken upstreams.
func errTypeName(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%T", err)
}
