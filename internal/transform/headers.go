// Package transform implements header sanitization and dialect-specific
// request body rewriting.
package transform

import (
	"net/http"

	"llm-relay-go/internal/model"
)

// droppedRequestHeaders are never forwarded upstream: they are tied to the
// inbound connection or become invalid once the body is rewritten.
var droppedRequestHeaders = map[string]bool{
	"Host":            true,
	"Content-Length":  true,
	"Connection":      true,
	"Accept-Encoding": true,
}

// SanitizeHeaders builds the outbound header set for an upstream request.
// Connection-specific headers are dropped; everything else passes through
// with multi-value headers preserved. When apiKey is non-empty it overrides
// the caller's credential: Authorization for every dialect, plus X-Api-Key
// for the Anthropic messages dialect.
//
// Pure function of its inputs; the source header map is not modified.
func SanitizeHeaders(src http.Header, apiKey string, dialect model.Dialect) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		if droppedRequestHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		cp := make([]string, len(vals))
		copy(cp, vals)
		dst[http.CanonicalHeaderKey(key)] = cp
	}

	if apiKey != "" {
		dst.Set("Authorization", "Bearer "+apiKey)
		if dialect == model.DialectAnthropic {
			dst.Set("X-Api-Key", apiKey)
		}
	}

	return dst
}
