package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"

	"github.com/kestrelhq/kestrel/internal/config"
)

// OllamaProvider serves models from a local Ollama runtime. Calls are
// free, so it remains usable after the paid budget is exhausted.
type OllamaProvider struct {
	client *api.Client
	name   string
	model  string
}

// NewOllamaProvider creates an Ollama provider. An empty base URL
// defaults to the local runtime.
func NewOllamaProvider(cfg config.ProviderConfig) *OllamaProvider {
	base := cfg.BaseURL
	if base == "" {
		base = "http://localhost:11434"
	}
	parsed, err := url.Parse(base)
	if err != nil {
		parsed, _ = url.Parse("http://localhost:11434")
	}

	return &OllamaProvider{
		client: api.NewClient(parsed, http.DefaultClient),
		name:   cfg.Name,
		model:  cfg.Model,
	}
}

// Name returns the configured provider name.
func (p *OllamaProvider) Name() string {
	return p.name
}

// Model returns the model this provider serves.
func (p *OllamaProvider) Model() string {
	return p.model
}

// Paid reports that local calls are free.
func (p *OllamaProvider) Paid() bool {
	return false
}

// Call makes a chat call against the local runtime.
func (p *OllamaProvider) Call(ctx context.Context, request Request) (*Response, error) {
	messages := []api.Message{}

	if request.SystemPrompt != "" {
		messages = append(messages, api.Message{Role: "system", Content: request.SystemPrompt})
	}

	for _, msg := range request.Messages {
		if msg.Role == RoleSystem {
			continue
		}

		m := api.Message{
			Role:    msg.Role,
			Content: msg.Content,
		}
		if msg.Role == RoleTool {
			m.ToolCallID = msg.ToolCallID
		}
		for _, tc := range msg.ToolCalls {
			args := api.NewToolCallFunctionArguments()
			for k, v := range tc.Parameters {
				args.Set(k, v)
			}
			m.ToolCalls = append(m.ToolCalls, api.ToolCall{
				ID: tc.ID,
				Function: api.ToolCallFunction{
					Name:      tc.Name,
					Arguments: args,
				},
			})
		}
		messages = append(messages, m)
	}

	stream := false
	req := &api.ChatRequest{
		Model:    p.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": request.Temperature,
			"num_predict": request.MaxTokens,
		},
	}

	if len(request.Tools) > 0 {
		req.Tools = convertToolsToOllama(request.Tools)
	}

	var response api.ChatResponse
	err := p.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama chat failed: %w", err)
	}

	toolCalls := []ToolCall{}
	for i, call := range response.Message.ToolCalls {
		id := call.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		params := map[string]any{}
		for k, v := range call.Function.Arguments.All() {
			params[k] = v
		}
		toolCalls = append(toolCalls, ToolCall{
			ID:         id,
			Name:       call.Function.Name,
			Parameters: params,
		})
	}

	return &Response{
		Content:   response.Message.Content,
		ToolCalls: toolCalls,
		Usage: &TokenUsage{
			PromptTokens:     response.PromptEvalCount,
			CompletionTokens: response.EvalCount,
		},
	}, nil
}

// convertToolsToOllama maps the wire-level tool contract onto Ollama's
// function schema.
func convertToolsToOllama(defs []ToolDef) api.Tools {
	tools := make(api.Tools, 0, len(defs))

	for _, def := range defs {
		properties := api.NewToolPropertiesMap()
		if props, ok := def.InputSchema["properties"].(map[string]any); ok {
			for name, raw := range props {
				prop, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				typ, _ := prop["type"].(string)
				desc, _ := prop["description"].(string)
				properties.Set(name, api.ToolProperty{
					Type:        api.PropertyType{typ},
					Description: desc,
				})
			}
		}

		var required []string
		switch req := def.InputSchema["required"].(type) {
		case []string:
			required = req
		case []any:
			for _, v := range req {
				if s, ok := v.(string); ok {
					required = append(required, s)
				}
			}
		}

		tools = append(tools, api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        def.Name,
				Description: def.Description,
				Parameters: api.ToolFunctionParameters{
					Type:       "object",
					Properties: properties,
					Required:   required,
				},
			},
		})
	}

	return tools
}
