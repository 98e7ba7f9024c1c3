package dialogue

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/haricheung/storyagent/internal/llm"
	"github.com/haricheung/storyagent/internal/types"
)

// call is one recorded Invoke.
type call struct {
	messages []types.Message
	tools    []llm.Tool
}

// scriptedModel replays replies in order and records every request.
type scriptedModel struct {
	replies []types.Message
	errs    []error
	calls   []call
}

func (m *scriptedModel) Invoke(_ context.Context, messages []types.Message, tools []llm.Tool) (types.Message, llm.Usage, error) {
	i := len(m.calls)
	m.calls = append(m.calls, call{messages: append([]types.Message(nil), messages...), tools: tools})
	if i < len(m.errs) && m.errs[i] != nil {
		return types.Message{}, llm.Usage{}, m.errs[i]
	}
	if i >= len(m.replies) {
		return types.Message{}, llm.Usage{}, errors.New("scriptedModel: no more replies")
	}
	return m.replies[i], llm.Usage{PromptTokens: 10, CompletionTokens: 5}, nil
}

func text(s string) types.Message {
	return types.Message{Role: types.RoleAssistant, Content: s}
}

func completion(id string, ec types.ExtractedCriteria) types.Message {
	args, _ := json.Marshal(ec)
	return types.Message{
		Role:       types.RoleAssistant,
		Completion: &types.Completion{CallID: id, Tool: CriteriaToolName, Arguments: args},
	}
}

func user(s string) types.Message {
	return types.Message{Role: types.RoleUser, Content: s}
}

var fullCriteria = types.ExtractedCriteria{
	Objective:       "Let customers export invoices as PDF",
	SuccessCriteria: "Export completes in under 5 seconds for 95% of invoices",
	PlanOfExecution: "Add export endpoint, render with template, QA on staging",
}
