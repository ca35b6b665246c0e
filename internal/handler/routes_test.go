package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRegisterRoutes_DialectRoutesMatched(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	cfg := testConfig(upstream.URL)
	proxy := testHandler(t, cfg)
	health := NewHealthHandler(cfg, Version("test"))

	e := echo.New()
	RegisterRoutes(e, proxy, health)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{"v1 chat completions", http.MethodPost, "/v1/chat/completions", `{"model":"gpt-4o"}`},
		{"bare chat completions", http.MethodPost, "/chat/completions", `{"model":"gpt-4o"}`},
		{"v1 messages", http.MethodPost, "/v1/messages", `{"model":"claude-opus-4-1-20250805"}`},
		{"bare messages", http.MethodPost, "/messages", `{"model":"claude-opus-4-1-20250805"}`},
		{"pass-through GET", http.MethodGet, "/models", ""},
		{"pass-through DELETE", http.MethodDelete, "/files/abc", ""},
		{"healthz", http.MethodGet, "/healthz", ""},
		{"status", http.MethodGet, "/proxy/status", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body *strings.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			} else {
				body = strings.NewReader("")
			}
			req := httptest.NewRequest(tt.method, tt.path, body)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code == http.StatusNotFound || rec.Code == http.StatusMethodNotAllowed {
				t.Errorf("%s %s: status = %d, route not matched", tt.method, tt.path, rec.Code)
			}
		})
	}
}
