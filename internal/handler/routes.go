package handler

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires all route handlers onto the Echo instance. The two
// dialect route families are matched explicitly; everything else falls
// through to the pass-through forwarder.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	e.POST("/v1/chat/completions", proxy.ChatCompletions)
	e.POST("/chat/completions", proxy.ChatCompletions)

	e.POST("/v1/messages", proxy.Messages)
	e.POST("/messages", proxy.Messages)

	e.Any("/*", proxy.Passthrough)
}
