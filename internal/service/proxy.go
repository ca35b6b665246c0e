// Package service implements the per-dialect forwarding pipelines.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"llm-relay-go/internal/client"
	"llm-relay-go/internal/config"
	"llm-relay-go/internal/metrics"
	"llm-relay-go/internal/model"
	"llm-relay-go/internal/transform"
)

// ProxyService wires the sanitizer, transformer and upstream client into the
// three pipelines: chat completions, messages, and pass-through.
type ProxyService struct {
	client      *client.UpstreamClient
	transformer *transform.Transformer
	cfg         *config.Config
	logger      *slog.Logger
	metrics     *metrics.Metrics

	openaiBase    string // no trailing slash
	anthropicBase string // no trailing slash
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(c *client.UpstreamClient, tr *transform.Transformer, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*ProxyService, error) {
	openaiBase, err := normalizeBase(cfg.Upstream.OpenAIBaseURL)
	if err != nil {
		return nil, fmt.Errorf("openai base: %w", err)
	}
	anthropicBase, err := normalizeBase(cfg.Upstream.AnthropicBaseURL)
	if err != nil {
		return nil, fmt.Errorf("anthropic base: %w", err)
	}

	return &ProxyService{
		client:        c,
		transformer:   tr,
		cfg:           cfg,
		logger:        logger.With("component", "proxy_service"),
		metrics:       m,
		openaiBase:    openaiBase,
		anthropicBase: anthropicBase,
	}, nil
}

func normalizeBase(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// ChatCompletions runs the OpenAI-dialect pipeline: sanitize headers,
// rewrite the body, dispatch in streaming mode. The returned response owns
// an open upstream body; the caller must relay and close it.
func (s *ProxyService) ChatCompletions(ctx context.Context, header http.Header, body []byte) (*model.StreamResponse, error) {
	out := s.transformer.ChatCompletions(body)
	hdr := transform.SanitizeHeaders(header, s.cfg.Upstream.APIKey, model.DialectOpenAI)

	s.logger.Info("chat completions request",
		"model", modelField(out),
		"stream", transform.WantsStream(out),
	)

	resp, err := s.client.DoStream(ctx, http.MethodPost, s.openaiBase+"/chat/completions", hdr, bytes.NewReader(out), model.DialectOpenAI)
	if err != nil {
		return nil, fmt.Errorf("dispatch chat completions: %w", err)
	}
	return resp, nil
}

// Messages runs the Anthropic-dialect pipeline. Exactly one of the two
// responses is non-nil on success: a StreamResponse (open body, caller
// closes) when the inbound body asked for streaming, a BufferedResponse
// otherwise. A ModelNotMappedError means nothing was sent upstream.
func (s *ProxyService) Messages(ctx context.Context, header http.Header, body []byte) (*model.StreamResponse, *model.BufferedResponse, error) {
	out, err := s.transformer.Messages(body)
	if err != nil {
		var notMapped *transform.ModelNotMappedError
		if errors.As(err, &notMapped) && s.metrics != nil {
			s.metrics.ModelRejections.Inc()
		}
		return nil, nil, err
	}

	hdr := transform.SanitizeHeaders(header, s.cfg.Upstream.APIKey, model.DialectAnthropic)
	target := s.anthropicBase + "/messages"
	streaming := transform.WantsStream(out)

	s.logger.Info("messages request",
		"model", modelField(out),
		"stream", streaming,
	)

	if streaming {
		resp, err := s.client.DoStream(ctx, http.MethodPost, target, hdr, bytes.NewReader(out), model.DialectAnthropic)
		if err != nil {
			return nil, nil, fmt.Errorf("dispatch messages: %w", err)
		}
		return resp, nil, nil
	}

	resp, err := s.client.DoBuffered(ctx, http.MethodPost, target, hdr, bytes.NewReader(out), model.DialectAnthropic)
	if err != nil {
		return nil, nil, fmt.Errorf("dispatch messages: %w", err)
	}
	return nil, resp, nil
}

// Forward runs the pass-through pipeline: sanitized headers, unchanged
// method/query/body, buffered exchange against the generic base URL.
//
// The v1/ prefix is stripped only when the base URL itself ends in /v1,
// mirroring how dialect paths accept both /v1-prefixed and bare forms. The
// rule is deliberately literal; no broader multi-segment prefix handling.
func (s *ProxyService) Forward(ctx context.Context, pr *model.ProxyRequest) (*model.BufferedResponse, error) {
	path := strings.TrimPrefix(pr.Path, "/")
	if strings.HasSuffix(s.openaiBase, "/v1") {
		path = strings.TrimPrefix(path, "v1/")
	}

	target := s.openaiBase + "/" + path
	if pr.RawQuery != "" {
		target += "?" + pr.RawQuery
	}

	hdr := transform.SanitizeHeaders(pr.Header, s.cfg.Upstream.APIKey, model.DialectNone)

	s.logger.Info("pass-through request",
		"method", pr.Method,
		"path", path,
	)

	resp, err := s.client.DoBuffered(ctx, pr.Method, target, hdr, pr.Body, model.DialectNone)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}
	return resp, nil
}

// modelField extracts the model identifier from a rewritten body for logs.
func modelField(body []byte) string {
	if m := transform.ModelField(body); m != "" {
		return m
	}
	return "unknown"
}
