package transform

import (
	"fmt"
	"log/slog"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"llm-relay-go/internal/config"
)

// modelMapName is the caller-facing name of the model mapping table, used in
// rejection messages so clients can tell which table to fix.
const modelMapName = "ANTHROPIC_MODEL_MAP"

// ModelNotMappedError reports a messages-dialect request whose model has no
// entry in the mapping table. No upstream request is made for these.
type ModelNotMappedError struct {
	Model string
}

func (e *ModelNotMappedError) Error() string {
	return fmt.Sprintf("Model '%s' not found in %s", e.Model, modelMapName)
}

// Transformer rewrites request bodies for the two upstream dialects. Bodies
// are handled as raw JSON via gjson/sjson so fields the relay does not model
// pass through byte-for-byte.
type Transformer struct {
	models        map[string]string
	webSearch     bool
	webSearchTool string // raw JSON object appended to the tools list
	toolType      string
	logger        *slog.Logger
}

// NewTransformer creates a Transformer from the immutable configuration.
func NewTransformer(cfg *config.Config, logger *slog.Logger) *Transformer {
	tool, _ := sjson.Set("", "type", cfg.WebSearch.ToolType)
	tool, _ = sjson.Set(tool, "name", cfg.WebSearch.ToolName)
	if cfg.WebSearch.MaxUses > 0 {
		tool, _ = sjson.Set(tool, "max_uses", cfg.WebSearch.MaxUses)
	}

	return &Transformer{
		models:        cfg.Models,
		webSearch:     cfg.WebSearch.Enabled,
		webSearchTool: tool,
		toolType:      cfg.WebSearch.ToolType,
		logger:        logger.With("component", "transformer"),
	}
}

// ChatCompletions rewrites an OpenAI-dialect body. A body that is not valid
// JSON is replaced by an empty document. When the caller asked for streaming
// and did not set stream_options, usage reporting is switched on so the
// final stream event carries token counts. Never fails.
func (t *Transformer) ChatCompletions(body []byte) []byte {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		body = []byte("{}")
	}

	if gjson.GetBytes(body, "stream").Bool() && !gjson.GetBytes(body, "stream_options").Exists() {
		body, _ = sjson.SetBytes(body, "stream_options.include_usage", true)
		t.logger.Debug("injected stream_options usage flag")
	}

	return body
}

// Messages rewrites an Anthropic-dialect body: the caller-visible model is
// replaced with its upstream identifier, and the web-search tool is appended
// when enabled and not already present. Returns ModelNotMappedError when the
// model is absent from the table; the caller must not send anything upstream
// in that case.
func (t *Transformer) Messages(body []byte) ([]byte, error) {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		body = []byte("{}")
	}

	caller := gjson.GetBytes(body, "model").String()
	upstream, ok := t.models[caller]
	if !ok {
		return nil, &ModelNotMappedError{Model: caller}
	}

	body, err := sjson.SetBytes(body, "model", upstream)
	if err != nil {
		return nil, fmt.Errorf("rewrite model field: %w", err)
	}

	if t.webSearch {
		body = t.injectWebSearchTool(body)
	}

	t.logger.Debug("mapped model", "caller", caller, "upstream", upstream)
	return body, nil
}

// injectWebSearchTool appends the configured tool object to the body's tools
// list unless an entry of the same type already exists. A missing or
// non-array tools value is treated as empty, so injection is idempotent per
// tool type.
func (t *Transformer) injectWebSearchTool(body []byte) []byte {
	tools := gjson.GetBytes(body, "tools")
	if tools.IsArray() {
		for _, entry := range tools.Array() {
			if entry.Get("type").String() == t.toolType {
				return body
			}
		}
	} else if tools.Exists() {
		// Non-array tools value: replace it so the append below lands in a list.
		body, _ = sjson.SetRawBytes(body, "tools", []byte("[]"))
	}

	out, err := sjson.SetRawBytes(body, "tools.-1", []byte(t.webSearchTool))
	if err != nil {
		t.logger.Warn("web-search tool injection failed", "err", err)
		return body
	}
	t.logger.Debug("injected web-search tool", "type", t.toolType)
	return out
}

// WantsStream reports whether a body asked for a streamed response.
// Unparsable bodies stream nothing.
func WantsStream(body []byte) bool {
	return gjson.GetBytes(body, "stream").Bool()
}

// ModelField extracts the model identifier from a body, or empty string.
func ModelField(body []byte) string {
	return gjson.GetBytes(body, "model").String()
}
