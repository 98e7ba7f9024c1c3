package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"github.com/haricheung/storyagent/internal/types"
)

const (
	defaultAnthropicModel     = anthropic.ModelClaude3_7SonnetLatest
	defaultAnthropicMaxTokens = 1024
)

// AnthropicClient serves the same Invoke contract as Client on top of the
// Anthropic Messages API.
type AnthropicClient struct {
	client      anthropic.Client
	apiKey      string
	model       string
	maxTokens   int64
	temperature float64
}

// AnthropicOption customises an AnthropicClient.
type AnthropicOption func(*AnthropicClient, *[]option.RequestOption)

// WithAnthropicTemperature sets the sampling temperature.
func WithAnthropicTemperature(t float64) AnthropicOption {
	return func(c *AnthropicClient, _ *[]option.RequestOption) { c.temperature = t }
}

// WithAnthropicBaseURL points the SDK at another endpoint (tests, proxies).
func WithAnthropicBaseURL(url string) AnthropicOption {
	return func(_ *AnthropicClient, ro *[]option.RequestOption) {
		*ro = append(*ro, option.WithBaseURL(url))
	}
}

// NewAnthropic creates a client from ANTHROPIC_API_KEY and ANTHROPIC_MODEL.
func NewAnthropic(opts ...AnthropicOption) *AnthropicClient {
	c := &AnthropicClient{
		apiKey:    os.Getenv("ANTHROPIC_API_KEY"),
		model:     os.Getenv("ANTHROPIC_MODEL"),
		maxTokens: defaultAnthropicMaxTokens,
	}
	if c.model == "" {
		c.model = string(defaultAnthropicModel)
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(c.apiKey),
		option.WithRequestTimeout(120 * time.Second),
	}
	for _, opt := range opts {
		opt(c, &reqOpts)
	}
	c.client = anthropic.NewClient(reqOpts...)
	return c
}

// Validate reports a missing API key.
func (c *AnthropicClient) Validate() error {
	if c.apiKey == "" {
		return fmt.Errorf("llm: ANTHROPIC client is missing API key")
	}
	return nil
}

// Invoke sends the conversation to the Messages API. System messages are
// lifted into the system prompt; tool messages become tool_result blocks.
func (c *AnthropicClient) Invoke(ctx context.Context, messages []types.Message, tools []Tool) (types.Message, Usage, error) {
	system, conv := toAnthropicMessages(messages)
	log.Printf("[ANTHROPIC] ── SYSTEM ──────────────────────────────\n%s\n── %d messages", system, len(conv))

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   c.maxTokens,
		Messages:    conv,
		Temperature: anthropic.Float(c.temperature),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	for _, t := range tools {
		schema, err := toInputSchema(t.Parameters)
		if err != nil {
			return types.Message{}, Usage{}, fmt.Errorf("llm: anthropic: tool %s: %w", t.Name, err)
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: schema,
		}})
	}

	start := time.Now()
	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return types.Message{}, Usage{}, fmt.Errorf("llm: anthropic: %w", err)
	}

	reply := types.Message{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Role:      types.RoleAssistant,
	}
	var text []string
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			text = append(text, v.Text)
		case anthropic.ToolUseBlock:
			if !hasTool(tools, v.Name) {
				log.Printf("[ANTHROPIC] WARNING: ignoring call to unbound tool %q", v.Name)
				continue
			}
			if reply.Completion != nil {
				log.Printf("[ANTHROPIC] WARNING: dropping extra %s call id=%s", v.Name, v.ID)
				continue
			}
			reply.Completion = &types.Completion{
				CallID:    v.ID,
				Tool:      v.Name,
				Arguments: rawArguments(v.JSON.Input.Raw()),
			}
		}
	}
	reply.Content = StripThinkBlocks(strings.Join(text, "\n"))

	usage := Usage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
		ElapsedMs:        time.Since(start).Milliseconds(),
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	log.Printf("[ANTHROPIC] ── RESPONSE (tokens: prompt=%d completion=%d) ──\n%s", usage.PromptTokens, usage.CompletionTokens, reply.Content)
	return reply, usage, nil
}

// toAnthropicMessages converts a conversation into a system prompt and a
// user/assistant-alternating message list.
//
// Expectations:
//   - Joins all system messages into the returned system prompt
//   - Encodes tool messages as user tool_result blocks
//   - Encodes an assistant Completion as a tool_use block after any text
//   - Merges consecutive messages of the same role into one message
//   - Keeps an empty user message as a placeholder text block so the turn survives
//   - Skips empty assistant text blocks and messages that end up with no blocks
//   - Moves the system prompt into a user message when no other message remains
func toAnthropicMessages(messages []types.Message) (string, []anthropic.MessageParam) {
	var system []string
	var out []anthropic.MessageParam

	add := func(role anthropic.MessageParamRole, blocks ...anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}

	for _, m := range messages {
		switch m.Role {
		case types.RoleSystem:
			system = append(system, m.Content)
		case types.RoleUser:
			add(anthropic.MessageParamRoleUser, userBlocks(m.Content)...)
		case types.RoleTool:
			add(anthropic.MessageParamRoleUser, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false))
		case types.RoleAssistant:
			blocks := textBlocks(m.Content)
			if m.Completion != nil {
				blocks = append(blocks, anthropic.ContentBlockParamUnion{OfToolUse: &anthropic.ToolUseBlockParam{
					ID:    m.Completion.CallID,
					Name:  m.Completion.Tool,
					Input: m.Completion.Arguments,
				}})
			}
			add(anthropic.MessageParamRoleAssistant, blocks...)
		}
	}

	sys := strings.Join(system, "\n\n")
	if len(out) == 0 && sys != "" {
		return "", []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(sys))}
	}
	return sys, out
}

// emptyUserText stands in for a blank user line; the API rejects empty and
// whitespace-only text blocks.
const emptyUserText = "(no input)"

func userBlocks(s string) []anthropic.ContentBlockParamUnion {
	if strings.TrimSpace(s) == "" {
		s = emptyUserText
	}
	return []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(s)}
}

func textBlocks(s string) []anthropic.ContentBlockParamUnion {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(s)}
}

// toInputSchema converts a reflected JSON Schema into the tool input schema,
// keeping its properties, required list and additionalProperties flag.
//
// Expectations:
//   - Copies properties and required from the reflected schema
//   - Carries additionalProperties through as an extra field when present
//   - Returns an error when params is not a JSON object
//   - Returns an empty schema for empty params
func toInputSchema(params json.RawMessage) (anthropic.ToolInputSchemaParam, error) {
	if len(params) == 0 {
		return anthropic.ToolInputSchemaParam{}, nil
	}
	var s struct {
		Properties           map[string]any `json:"properties"`
		Required             []string       `json:"required"`
		AdditionalProperties *bool          `json:"additionalProperties"`
	}
	if err := json.Unmarshal(params, &s); err != nil {
		return anthropic.ToolInputSchemaParam{}, fmt.Errorf("decode input schema: %w", err)
	}
	out := anthropic.ToolInputSchemaParam{Properties: s.Properties, Required: s.Required}
	if s.AdditionalProperties != nil {
		out.ExtraFields = map[string]any{"additionalProperties": *s.AdditionalProperties}
	}
	return out, nil
}
