package transform

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/tidwall/gjson"

	"llm-relay-go/internal/config"
)

func testTransformer(t *testing.T, webSearch bool) *Transformer {
	t.Helper()
	cfg := &config.Config{
		Models: map[string]string{
			"claude-opus-4-1-20250805": "anthropic/claude-opus-4.1",
		},
		WebSearch: config.WebSearchConfig{
			Enabled:  webSearch,
			ToolType: "web_search_20250305",
			ToolName: "web_search",
			MaxUses:  5,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewTransformer(cfg, logger)
}

func TestChatCompletions_InjectsUsageFlag(t *testing.T) {
	tr := testTransformer(t, false)

	out := tr.ChatCompletions([]byte(`{"model":"gpt-4o","stream":true}`))

	if !gjson.GetBytes(out, "stream_options.include_usage").Bool() {
		t.Errorf("stream_options.include_usage not injected: %s", out)
	}
	if got := gjson.GetBytes(out, "model").String(); got != "gpt-4o" {
		t.Errorf("model = %q, want %q", got, "gpt-4o")
	}
}

func TestChatCompletions_PreservesExistingStreamOptions(t *testing.T) {
	tr := testTransformer(t, false)
	in := `{"model":"gpt-4o","stream":true,"stream_options":{"include_usage":false}}`

	out := tr.ChatCompletions([]byte(in))

	if gjson.GetBytes(out, "stream_options.include_usage").Bool() {
		t.Errorf("existing stream_options overwritten: %s", out)
	}
}

func TestChatCompletions_NonStreaming(t *testing.T) {
	tr := testTransformer(t, false)

	out := tr.ChatCompletions([]byte(`{"model":"gpt-4o","stream":false}`))

	if gjson.GetBytes(out, "stream_options").Exists() {
		t.Errorf("stream_options injected for non-streaming request: %s", out)
	}
}

func TestChatCompletions_InvalidBody(t *testing.T) {
	tr := testTransformer(t, false)

	tests := []struct {
		name string
		in   []byte
	}{
		{"empty", nil},
		{"garbage", []byte("not json at all")},
		{"truncated", []byte(`{"model":`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := tr.ChatCompletions(tt.in)
			if string(out) != "{}" {
				t.Errorf("ChatCompletions(%q) = %s, want {}", tt.in, out)
			}
		})
	}
}

func TestMessages_MapsModel(t *testing.T) {
	tr := testTransformer(t, false)
	in := `{"model":"claude-opus-4-1-20250805","stream":false,"max_tokens":1024,"custom_field":{"keep":"me"}}`

	out, err := tr.Messages([]byte(in))
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}

	if got := gjson.GetBytes(out, "model").String(); got != "anthropic/claude-opus-4.1" {
		t.Errorf("model = %q, want %q", got, "anthropic/claude-opus-4.1")
	}
	// Fields the transform does not rewrite pass through untouched.
	if got := gjson.GetBytes(out, "max_tokens").Int(); got != 1024 {
		t.Errorf("max_tokens = %d, want 1024", got)
	}
	if got := gjson.GetBytes(out, "custom_field.keep").String(); got != "me" {
		t.Errorf("custom_field.keep = %q, want %q", got, "me")
	}
	if gjson.GetBytes(out, "tools").Exists() {
		t.Errorf("tools injected with web search disabled: %s", out)
	}
}

func TestMessages_UnmappedModel(t *testing.T) {
	tr := testTransformer(t, false)

	tests := []struct {
		name    string
		in      string
		wantMsg string
	}{
		{
			"unknown model",
			`{"model":"unknown-model"}`,
			"Model 'unknown-model' not found in ANTHROPIC_MODEL_MAP",
		},
		{
			"missing model",
			`{"max_tokens":10}`,
			"Model '' not found in ANTHROPIC_MODEL_MAP",
		},
		{
			"invalid body",
			`}{`,
			"Model '' not found in ANTHROPIC_MODEL_MAP",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tr.Messages([]byte(tt.in))
			var notMapped *ModelNotMappedError
			if !errors.As(err, &notMapped) {
				t.Fatalf("Messages() error = %v, want *ModelNotMappedError", err)
			}
			if err.Error() != tt.wantMsg {
				t.Errorf("error = %q, want %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestMessages_InjectsWebSearchTool(t *testing.T) {
	tr := testTransformer(t, true)

	out, err := tr.Messages([]byte(`{"model":"claude-opus-4-1-20250805","stream":false}`))
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}

	tools := gjson.GetBytes(out, "tools").Array()
	if len(tools) != 1 {
		t.Fatalf("len(tools) = %d, want 1: %s", len(tools), out)
	}
	if got := tools[0].Get("type").String(); got != "web_search_20250305" {
		t.Errorf("tools[0].type = %q, want %q", got, "web_search_20250305")
	}
	if got := tools[0].Get("name").String(); got != "web_search" {
		t.Errorf("tools[0].name = %q, want %q", got, "web_search")
	}
	if got := tools[0].Get("max_uses").Int(); got != 5 {
		t.Errorf("tools[0].max_uses = %d, want 5", got)
	}
}

func TestMessages_ToolInjectionIdempotent(t *testing.T) {
	tr := testTransformer(t, true)
	in := `{"model":"claude-opus-4-1-20250805","tools":[{"type":"web_search_20250305","name":"web_search"}]}`

	out, err := tr.Messages([]byte(in))
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}

	count := 0
	for _, entry := range gjson.GetBytes(out, "tools").Array() {
		if entry.Get("type").String() == "web_search_20250305" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("tools entries of configured type = %d, want 1: %s", count, out)
	}
}

func TestMessages_AppendsToExistingTools(t *testing.T) {
	tr := testTransformer(t, true)
	in := `{"model":"claude-opus-4-1-20250805","tools":[{"type":"custom","name":"calculator"}]}`

	out, err := tr.Messages([]byte(in))
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}

	tools := gjson.GetBytes(out, "tools").Array()
	if len(tools) != 2 {
		t.Fatalf("len(tools) = %d, want 2: %s", len(tools), out)
	}
	if got := tools[0].Get("name").String(); got != "calculator" {
		t.Errorf("existing tool displaced: %s", out)
	}
	if got := tools[1].Get("type").String(); got != "web_search_20250305" {
		t.Errorf("tools[1].type = %q, want %q", got, "web_search_20250305")
	}
}

func TestMessages_NonArrayToolsReplaced(t *testing.T) {
	tr := testTransformer(t, true)
	in := `{"model":"claude-opus-4-1-20250805","tools":"bogus"}`

	out, err := tr.Messages([]byte(in))
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}

	tools := gjson.GetBytes(out, "tools")
	if !tools.IsArray() {
		t.Fatalf("tools is not an array: %s", out)
	}
	if len(tools.Array()) != 1 {
		t.Errorf("len(tools) = %d, want 1: %s", len(tools.Array()), out)
	}
}

func TestWantsStream(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"stream true", `{"stream":true}`, true},
		{"stream false", `{"stream":false}`, false},
		{"missing", `{}`, false},
		{"non-bool", `{"stream":"yes"}`, false},
		{"invalid body", `not json`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := WantsStream([]byte(tt.in)); got != tt.want {
				t.Errorf("WantsStream(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
