// Package handler exposes the relay pipelines over HTTP.
package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"llm-relay-go/internal/model"
	"llm-relay-go/internal/relay"
	"llm-relay-go/internal/service"
	"llm-relay-go/internal/transform"
)

// ProxyHandler dispatches inbound requests to the dialect pipelines and
// relays upstream responses back to callers.
type ProxyHandler struct {
	service *service.ProxyService
	relay   *relay.Relay
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, rl *relay.Relay, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		relay:   rl,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// ChatCompletions handles the OpenAI-dialect routes. The upstream exchange
// is always streamed back as text/event-stream.
func (h *ProxyHandler) ChatCompletions(c echo.Context) error {
	req := c.Request()
	body := readBody(req)

	resp, err := h.service.ChatCompletions(req.Context(), req.Header, body)
	if err != nil {
		return h.connectionError(c, err)
	}

	return h.streamResponse(c, resp, model.DialectOpenAI)
}

// Messages handles the Anthropic-dialect routes. Streaming follows the
// inbound body's stream field; an unmapped model is rejected locally with a
// 400 and no upstream call.
func (h *ProxyHandler) Messages(c echo.Context) error {
	req := c.Request()
	body := readBody(req)

	stream, buffered, err := h.service.Messages(req.Context(), req.Header, body)
	if err != nil {
		var notMapped *transform.ModelNotMappedError
		if errors.As(err, &notMapped) {
			h.logger.Warn("rejected unmapped model", "model", notMapped.Model)
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": notMapped.Error(),
			})
		}
		return h.connectionError(c, err)
	}

	if stream != nil {
		return h.streamResponse(c, stream, model.DialectAnthropic)
	}
	return writeBuffered(c, buffered)
}

// Passthrough forwards any unmatched route to the upstream base URL with
// headers sanitized and everything else unchanged, always buffered.
func (h *ProxyHandler) Passthrough(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Method:   req.Method,
		Path:     req.URL.Path,
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
		Body:     req.Body,
	}

	resp, err := h.service.Forward(req.Context(), pr)
	if err != nil {
		h.logger.Error("pass-through failed",
			"err", err,
			"err_type", fmt.Sprintf("%T", rootCause(err)),
			"path", req.URL.Path,
		)
		return c.String(http.StatusBadGateway, fmt.Sprintf("Proxy Error: %v", err))
	}

	return writeBuffered(c, resp)
}

// streamResponse commits the upstream status as text/event-stream and hands
// the open body to the relay, which closes it when the transfer ends.
func (h *ProxyHandler) streamResponse(c echo.Context, resp *model.StreamResponse, dialect model.Dialect) error {
	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().WriteHeader(resp.StatusCode)

	h.relay.Stream(c.Response(), resp.Body, dialect)
	return nil
}

// connectionError maps an upstream dial/send failure to a plain-text 502.
// The dispatcher has already released any half-open connection.
func (h *ProxyHandler) connectionError(c echo.Context, err error) error {
	h.logger.Error("upstream connection failed",
		"err", err,
		"err_type", fmt.Sprintf("%T", rootCause(err)),
		"path", c.Request().URL.Path,
	)
	return c.String(http.StatusBadGateway, fmt.Sprintf("Connection Error: %v", err))
}

// rootCause unwraps to the innermost error so err_type names the concrete
// failure (e.g. *net.OpError) instead of a wrapper type.
func rootCause(err error) error {
	for {
		inner := errors.Unwrap(err)
		if inner == nil {
			return err
		}
		err = inner
	}
}

// writeBuffered copies a fully-read upstream response to the caller.
func writeBuffered(c echo.Context, resp *model.BufferedResponse) error {
	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)
	_, err := c.Response().Write(resp.Body)
	return err
}

// readBody drains the inbound request body. A read failure degrades to an
// empty body; the transformer treats that as an empty document.
func readBody(req *http.Request) []byte {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil
	}
	return body
}
