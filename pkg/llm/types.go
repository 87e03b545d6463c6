package llm

// Message roles on the wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of accumulated conversation context.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // set on role "tool"
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // set on assistant turns that requested tools
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
}

// ToolDef is the wire-level tool contract sent to providers.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// TokenUsage is the provider-reported unit counts for one call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CachedTokens     int `json:"cached_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Request contains the parameters for one model call.
type Request struct {
	Messages     []Message
	Tools        []ToolDef
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
}

// Response is the model's reply, annotated by the client with which
// provider actually served it and what it cost.
type Response struct {
	Content   string      `json:"content"`
	ToolCalls []ToolCall  `json:"tool_calls,omitempty"`
	Usage     *TokenUsage `json:"usage,omitempty"`
	Provider  string      `json:"provider"`
	Model     string      `json:"model"`
	CostUSD   float64     `json:"cost_usd"`
}

// Empty reports whether the response carries neither text nor tool
// requests. An empty response advances the fallback chain.
func (r *Response) Empty() bool {
	return r == nil || (r.Content == "" && len(r.ToolCalls) == 0)
}
