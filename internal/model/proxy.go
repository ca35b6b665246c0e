// Package model defines shared types for the relay.
package model

import (
	"io"
	"net/http"
)

// Dialect identifies which upstream request shape a pipeline speaks.
type Dialect int

const (
	// DialectOpenAI is the Chat Completions request shape.
	DialectOpenAI Dialect = iota
	// DialectAnthropic is the Messages request shape.
	DialectAnthropic
	// DialectNone marks pass-through requests with no body rewriting.
	DialectNone
)

// String returns the dialect name for logging.
func (d Dialect) String() string {
	switch d {
	case DialectOpenAI:
		return "openai"
	case DialectAnthropic:
		return "anthropic"
	default:
		return "passthrough"
	}
}

// ProxyRequest represents a client request to be forwarded upstream.
// RawQuery holds the inbound query string verbatim; re-encoding it would
// reorder parameters and normalize escapes the upstream may care about.
type ProxyRequest struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     io.ReadCloser
}

// StreamResponse represents an upstream exchange whose body is still open.
// Ownership of Body transfers to the receiver, which must close it exactly
// once when the relay terminates.
type StreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// BufferedResponse represents a fully-read upstream exchange. The upstream
// connection has already been released by the time one of these exists.
type BufferedResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}
