// Package client provides the upstream HTTP client for the model gateway.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	xproxy "golang.org/x/net/proxy"

	"llm-relay-go/internal/config"
	"llm-relay-go/internal/metrics"
	"llm-relay-go/internal/model"
)

// UpstreamClient sends requests to the upstream model gateway, optionally
// tunneled through a forward proxy.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling.
// The overall exchange timeout comes from upstream.timeout_seconds; zero
// means unbounded, which is deliberate for long-running generations.
// The metrics parameter is optional; pass nil to disable upstream metrics
// recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*UpstreamClient, error) {
	transport, err := newTransport(cfg)
	if err != nil {
		return nil, err
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}, nil
}

// newTransport builds the pooled transport, routed through the configured
// forward proxy when one is set. http/https proxies use the transport's own
// proxy support; socks5 uses a golang.org/x/net dialer.
func newTransport(cfg *config.Config) (*http.Transport, error) {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	if cfg.Upstream.ProxyURL == "" {
		return transport, nil
	}

	proxyURL, err := url.Parse(cfg.Upstream.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy_url: %w", err)
	}

	switch proxyURL.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(proxyURL)
	case "socks5":
		var auth *xproxy.Auth
		if user := proxyURL.User; user != nil {
			password, _ := user.Password()
			auth = &xproxy.Auth{User: user.Username(), Password: password}
		}
		dialer, err := xproxy.SOCKS5("tcp", proxyURL.Host, auth, xproxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("create socks5 dialer: %w", err)
		}
		transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", proxyURL.Scheme)
	}

	return transport, nil
}

// droppedResponseHeaders become invalid once the body has been buffered and
// possibly re-framed, so buffered responses never carry them back.
var droppedResponseHeaders = map[string]bool{
	"Content-Encoding":  true,
	"Content-Length":    true,
	"Transfer-Encoding": true,
	"Connection":        true,
}

// DoStream sends a request and returns as soon as response headers arrive,
// handing the still-open body to the caller. The caller owns the body and
// must close it exactly once. The provided context controls the lifetime of
// the exchange: when it is canceled (e.g. the caller disconnects), the
// upstream read unblocks and the connection is torn down.
func (c *UpstreamClient) DoStream(ctx context.Context, method, url string, header http.Header, body io.Reader, dialect model.Dialect) (*model.StreamResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header

	c.logger.Debug("upstream request",
		"method", method,
		"url", req.URL.Redacted(),
		"dialect", dialect.String(),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via StreamResponse
	duration := time.Since(start).Seconds()

	if err != nil {
		// http.Client.Do closes any partially-established connection
		// itself on error; nothing is left open here.
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(dialect.String()).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(dialect.String()).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(dialect.String(), status).Inc()
	}

	return &model.StreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// DoBuffered sends a request, reads the full response and releases the
// connection before returning. Headers tied to the original framing are
// dropped from the result.
func (c *UpstreamClient) DoBuffered(ctx context.Context, method, url string, header http.Header, body io.Reader, dialect model.Dialect) (*model.BufferedResponse, error) {
	resp, err := c.DoStream(ctx, method, url, header, body, dialect)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}

	filtered := make(http.Header, len(resp.Header))
	for key, vals := range resp.Header {
		if droppedResponseHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		filtered[key] = vals
	}

	return &model.BufferedResponse{
		StatusCode: resp.StatusCode,
		Header:     filtered,
		Body:       data,
	}, nil
}
