package dialogue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haricheung/storyagent/internal/llm"
	"github.com/haricheung/storyagent/internal/types"
)

// finalizeAck is the fixed content of the tool result that closes the interview.
const finalizeAck = "Prompt generated!"

// ErrNoCompletion is returned when a node needs a completion signal and the
// conversation has none.
var ErrNoCompletion = errors.New("dialogue: no completion signal in conversation")

// Model is the language-model boundary. Implementations decode a structured
// tool call into the reply's Completion.
type Model interface {
	Invoke(ctx context.Context, messages []types.Message, tools []llm.Tool) (types.Message, llm.Usage, error)
}

// Interview asks the model for the next question or the completion signal.
// Provider errors are returned unchanged.
func Interview(ctx context.Context, m Model, conv types.Conversation) (types.Message, llm.Usage, error) {
	reply, usage, err := m.Invoke(ctx, BuildInterviewPrompt(conv), []llm.Tool{CriteriaTool()})
	if err != nil {
		return types.Message{}, usage, err
	}
	reply = normalizeReply(reply)
	if reply.Completion != nil && reply.Completion.Tool != CriteriaToolName {
		slog.Warn("[INTERVIEW] ignoring completion for unknown tool", "tool", reply.Completion.Tool)
		reply.Completion = nil
	}
	slog.Info("[INTERVIEW] reply", "kind", reply.Kind(), "chars", len(reply.Content))
	return reply, usage, nil
}

// Finalize acknowledges the completion signal on the last message.
//
// Expectations:
//   - Returns a tool message whose ToolCallID is the completion's CallID
//   - Content is the fixed acknowledgment "Prompt generated!"
//   - Returns ErrNoCompletion when the last message carries no completion
//   - Makes no external call
func Finalize(conv types.Conversation) (types.Message, error) {
	last, ok := conv.Last()
	if !ok || last.Kind() != types.KindStructuredCompletion {
		return types.Message{}, ErrNoCompletion
	}
	return types.Message{
		ID:         uuid.New().String(),
		Timestamp:  time.Now().UTC(),
		Role:       types.RoleTool,
		Content:    finalizeAck,
		ToolCallID: last.Completion.CallID,
	}, nil
}

// GenerateStory writes the user story from the most recent completion signal.
// No tools are bound for this call.
func GenerateStory(ctx context.Context, m Model, conv types.Conversation) (types.Message, llm.Usage, error) {
	in, err := ExtractStoryInputs(conv)
	if err != nil {
		return types.Message{}, llm.Usage{}, err
	}
	if !in.Criteria.Complete() {
		slog.Warn("[STORY] generating from partial criteria", "criteria", in.Criteria)
	}
	reply, usage, err := m.Invoke(ctx, BuildStoryPrompt(in), nil)
	if err != nil {
		return types.Message{}, usage, err
	}
	reply = normalizeReply(reply)
	// No tools were bound; a stray tool call is not a completion signal here.
	reply.Completion = nil
	slog.Info("[STORY] generated", "chars", len(reply.Content))
	return reply, usage, nil
}

// normalizeReply fills the envelope fields a Model may leave unset.
func normalizeReply(m types.Message) types.Message {
	m.Role = types.RoleAssistant
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	return m
}
