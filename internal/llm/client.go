package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haricheung/storyagent/internal/types"
)

const defaultAzureAPIVersion = "2024-02-01"

// Client is an OpenAI-compatible chat-completions client. In Azure mode it
// addresses a deployment instead of a model and authenticates with an api-key
// header.
type Client struct {
	baseURL        string
	apiKey         string
	model          string // deployment name in Azure mode
	apiVersion     string // Azure only
	azure          bool
	label          string // tier name used in debug log lines (e.g. "LLM", "AZURE")
	enableThinking bool   // sends "enable_thinking":true in the request body
	temperature    float64
	httpClient     *http.Client
}

// Option customises a Client.
type Option func(*Client)

// WithTemperature sets the sampling temperature sent with every request.
func WithTemperature(t float64) Option {
	return func(c *Client) { c.temperature = t }
}

// WithHTTPClient replaces the default 120s-timeout HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURL overrides the base URL read from the environment.
func WithBaseURL(raw string) Option {
	return func(c *Client) { c.baseURL = normalizeBaseURL(raw) }
}

// normalizeBaseURL strips trailing slashes and the "/chat/completions" suffix
// from a raw OPENAI_BASE_URL value so the path is never doubled when the
// client appends "/chat/completions" itself.
//
// Expectations:
//   - Strips a trailing "/chat/completions" suffix
//   - Strips a trailing slash without "/chat/completions"
//   - Strips trailing slash AND "/chat/completions" when both are present
//   - Returns the URL unchanged when neither suffix is present
//   - Returns "" for empty input
func normalizeBaseURL(raw string) string {
	s := strings.TrimRight(raw, "/")
	return strings.TrimSuffix(s, "/chat/completions")
}

// New creates a Client from the shared environment variables:
//
//	OPENAI_API_KEY, OPENAI_BASE_URL, OPENAI_MODEL
func New(opts ...Option) *Client {
	return NewTier("", opts...)
}

// NewTier creates a Client for a named tier (e.g. "STORY").
// For each config key it first tries {prefix}_{KEY}; if unset it falls back
// to the shared OPENAI_{KEY}. An empty prefix reads only the shared vars,
// making it equivalent to New().
//
// Example — prefix "STORY" resolves credentials as:
//
//	STORY_API_KEY        → OPENAI_API_KEY
//	STORY_BASE_URL       → OPENAI_BASE_URL
//	STORY_MODEL          → OPENAI_MODEL
//	STORY_ENABLE_THINKING (no fallback; defaults false)
//
// Expectations:
//   - Uses {prefix}_API_KEY / _BASE_URL / _MODEL when set and non-empty
//   - Falls back to OPENAI_* vars for any unset tier-specific var
//   - Sets enableThinking when {prefix}_ENABLE_THINKING == "true"
//   - Empty prefix reads only OPENAI_* (identical to New())
//   - Defaults the base URL to https://api.openai.com/v1 when nothing is set
func NewTier(prefix string, opts ...Option) *Client {
	get := func(suffix, fallback string) string {
		if prefix != "" {
			if v := os.Getenv(prefix + "_" + suffix); v != "" {
				return v
			}
		}
		return os.Getenv(fallback)
	}
	enableThinking := prefix != "" && os.Getenv(prefix+"_ENABLE_THINKING") == "true"
	label := prefix
	if label == "" {
		label = "LLM"
	}
	baseURL := normalizeBaseURL(get("BASE_URL", "OPENAI_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	c := &Client{
		baseURL:        baseURL,
		apiKey:         get("API_KEY", "OPENAI_API_KEY"),
		model:          get("MODEL", "OPENAI_MODEL"),
		label:          label,
		enableThinking: enableThinking,
		httpClient:     &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewAzure creates a Client for an Azure OpenAI deployment from:
//
//	AZURE_OPENAI_API_KEY, AZURE_OPENAI_ENDPOINT,
//	AZURE_OPENAI_CHAT_DEPLOYMENT_NAME, AZURE_OPENAI_API_VERSION
//
// Expectations:
//   - Reads endpoint, key and deployment from the AZURE_OPENAI_* vars
//   - Defaults the API version to 2024-02-01 when AZURE_OPENAI_API_VERSION is unset
//   - Strips a trailing slash from the endpoint
func NewAzure(opts ...Option) *Client {
	version := os.Getenv("AZURE_OPENAI_API_VERSION")
	if version == "" {
		version = defaultAzureAPIVersion
	}
	c := &Client{
		baseURL:    strings.TrimRight(os.Getenv("AZURE_OPENAI_ENDPOINT"), "/"),
		apiKey:     os.Getenv("AZURE_OPENAI_API_KEY"),
		model:      os.Getenv("AZURE_OPENAI_CHAT_DEPLOYMENT_NAME"),
		apiVersion: version,
		azure:      true,
		label:      "AZURE",
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Validate reports which required settings are missing.
//
// Expectations:
//   - Returns nil when all three fields (baseURL, apiKey, model) are non-empty
//   - Returns error listing "base URL" when baseURL is empty
//   - Returns error listing "API key" when apiKey is empty
//   - Returns error listing "model" when model is empty
//   - Returns error listing all missing fields comma-separated when multiple are empty
//   - Error message includes the tier label
func (c *Client) Validate() error {
	var missing []string
	if c.baseURL == "" {
		missing = append(missing, "base URL")
	}
	if c.apiKey == "" {
		missing = append(missing, "API key")
	}
	if c.model == "" {
		missing = append(missing, "model")
	}
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("llm: %s client is missing %s", c.label, strings.Join(missing, ", "))
}

// chatURL returns the chat-completions endpoint for the configured mode.
func (c *Client) chatURL() string {
	if c.azure {
		return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s", c.baseURL, c.model, c.apiVersion)
	}
	return c.baseURL + "/chat/completions"
}

type chatRequest struct {
	Model          string     `json:"model,omitempty"`
	Messages       []chatMsg  `json:"messages"`
	Tools          []chatTool `json:"tools,omitempty"`
	Temperature    float64    `json:"temperature"`
	EnableThinking bool       `json:"enable_thinking,omitempty"`
}

type chatMsg struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type chatToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// Usage reports token consumption for one LLM call.
type Usage struct {
	PromptTokens     int   `json:"prompt_tokens"`
	CompletionTokens int   `json:"completion_tokens"`
	TotalTokens      int   `json:"total_tokens"`
	ElapsedMs        int64 `json:"-"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMsg `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Invoke sends the conversation with the given tools bound and returns the
// assistant's reply. A tool call naming one of tools becomes the reply's
// Completion; only the first such call is kept.
func (c *Client) Invoke(ctx context.Context, messages []types.Message, tools []Tool) (types.Message, Usage, error) {
	for _, m := range messages {
		log.Printf("[%s] ── %s ──────────────────────────────\n%s", c.label, strings.ToUpper(string(m.Role)), m.Content)
	}

	payload := chatRequest{
		Messages:       encodeMessages(messages),
		Tools:          encodeTools(tools),
		Temperature:    c.temperature,
		EnableThinking: c.enableThinking,
	}
	if !c.azure {
		payload.Model = c.model
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return types.Message{}, Usage{}, fmt.Errorf("llm: marshal request: %w", err)
	}

	url := c.chatURL()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return types.Message{}, Usage{}, fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.azure {
		req.Header.Set("api-key", c.apiKey)
	} else {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return types.Message{}, Usage{}, fmt.Errorf("llm: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return types.Message{}, Usage{}, fmt.Errorf("llm: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return types.Message{}, Usage{}, &HTTPStatusError{StatusCode: resp.StatusCode, URL: url, Body: string(respBody)}
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return types.Message{}, Usage{}, fmt.Errorf("llm: unmarshal response: %w", err)
	}

	if chatResp.Error != nil {
		return types.Message{}, Usage{}, fmt.Errorf("llm: API error: %s", chatResp.Error.Message)
	}

	if len(chatResp.Choices) == 0 {
		return types.Message{}, Usage{}, fmt.Errorf("llm: no choices in response")
	}

	usage := chatResp.Usage
	usage.ElapsedMs = time.Since(start).Milliseconds()

	wire := chatResp.Choices[0].Message
	reply := types.Message{
		ID:         uuid.New().String(),
		Timestamp:  time.Now().UTC(),
		Role:       types.RoleAssistant,
		Content:    StripThinkBlocks(wire.Content),
		Completion: pickCompletion(c.label, wire.ToolCalls, tools),
	}
	log.Printf("[%s] ── RESPONSE (tokens: prompt=%d completion=%d) ──\n%s\n── END RESPONSE ────────────────────────────────",
		c.label, usage.PromptTokens, usage.CompletionTokens, reply.Content)
	return reply, usage, nil
}

func encodeMessages(messages []types.Message) []chatMsg {
	out := make([]chatMsg, 0, len(messages))
	for _, m := range messages {
		cm := chatMsg{Role: string(m.Role), Content: m.Content, ToolCallID: m.ToolCallID}
		if m.Kind() == types.KindStructuredCompletion {
			tc := chatToolCall{ID: m.Completion.CallID, Type: "function"}
			tc.Function.Name = m.Completion.Tool
			tc.Function.Arguments = string(m.Completion.Arguments)
			cm.ToolCalls = []chatToolCall{tc}
		}
		out = append(out, cm)
	}
	return out
}

func encodeTools(tools []Tool) []chatTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]chatTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, chatTool{
			Type:     "function",
			Function: chatFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}
	return out
}

// pickCompletion converts the first wire tool call that names a bound tool
// into a Completion. Later calls are dropped.
//
// Expectations:
//   - Returns nil when there are no tool calls
//   - Ignores calls naming a tool that was not bound
//   - Keeps only the first matching call when several are present
//   - Assigns a "call_<uuid>" id when the provider omitted one
//   - Wraps non-JSON arguments as a JSON string so the Completion stays encodable
func pickCompletion(label string, calls []chatToolCall, tools []Tool) *types.Completion {
	var picked *types.Completion
	for _, tc := range calls {
		if !hasTool(tools, tc.Function.Name) {
			log.Printf("[%s] WARNING: ignoring call to unbound tool %q", label, tc.Function.Name)
			continue
		}
		if picked != nil {
			log.Printf("[%s] WARNING: dropping extra %s call id=%s", label, tc.Function.Name, tc.ID)
			continue
		}
		id := tc.ID
		if id == "" {
			id = "call_" + uuid.New().String()
		}
		picked = &types.Completion{
			CallID:    id,
			Tool:      tc.Function.Name,
			Arguments: rawArguments(tc.Function.Arguments),
		}
	}
	return picked
}

func rawArguments(s string) json.RawMessage {
	s = strings.TrimSpace(s)
	if s == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	b, _ := json.Marshal(s)
	return b
}

// StripThinkBlocks removes all <think>...</think> blocks from s.
// Reasoning models (e.g. deepseek-r1) emit these before their answer; they
// are not part of the reply shown to the user.
//
// Expectations:
//   - Removes a single <think>...</think> block
//   - Removes multiple <think>...</think> blocks
//   - Strips an unclosed <think> block from its start to end of string
//   - Returns s unchanged when no <think> tag is present
func StripThinkBlocks(s string) string {
	for {
		start := strings.Index(s, "<think>")
		if start == -1 {
			break
		}
		end := strings.Index(s[start:], "</think>")
		if end == -1 {
			// Unclosed block — strip from opening tag to end of string.
			s = s[:start]
			break
		}
		s = s[:start] + s[start+end+len("</think>"):]
	}
	return strings.TrimSpace(s)
}
