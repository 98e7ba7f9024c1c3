package dialogue

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/haricheung/storyagent/internal/types"
)

// --- BuildInterviewPrompt ---

func TestBuildInterviewPrompt_PrependsSystem(t *testing.T) {
	conv := types.Conversation{user("a"), text("b")}
	got := BuildInterviewPrompt(conv)
	require.Len(t, got, 3)
	require.Equal(t, types.RoleSystem, got[0].Role)
	require.Contains(t, got[0].Content, "Objective")
	require.Contains(t, got[0].Content, "call the relevant tool")
	require.Equal(t, conv[0], got[1])
	require.Equal(t, conv[1], got[2])
	require.Len(t, conv, 2, "input slice is not modified")
}

// --- ExtractStoryInputs ---

func TestExtractStoryInputs_NoCompletion(t *testing.T) {
	_, err := ExtractStoryInputs(types.Conversation{user("hi"), text("What is the objective?")})
	require.ErrorIs(t, err, ErrNoCompletion)
}

func TestExtractStoryInputs_MostRecentWins(t *testing.T) {
	older := types.ExtractedCriteria{Objective: "old", SuccessCriteria: "old", PlanOfExecution: "old"}
	conv := types.Conversation{
		user("first pass"),
		completion("c1", older),
		{Role: types.RoleTool, ToolCallID: "c1", Content: finalizeAck},
		text("story one"),
		user("actually change the objective"),
		completion("c2", fullCriteria),
		{Role: types.RoleTool, ToolCallID: "c2", Content: finalizeAck},
		user("keep it short"),
	}
	in, err := ExtractStoryInputs(conv)
	require.NoError(t, err)
	require.Equal(t, "c2", in.Completion.CallID)
	require.Equal(t, fullCriteria, in.Criteria)
	require.Len(t, in.Context, 1, "context restarts at the most recent signal and skips tool results")
	require.Equal(t, "keep it short", in.Context[0].Content)
}

func TestExtractStoryInputs_PartialCriteria(t *testing.T) {
	conv := types.Conversation{
		{Role: types.RoleAssistant, Completion: &types.Completion{CallID: "c1", Tool: CriteriaToolName, Arguments: json.RawMessage(`{"objective":"only this"}`)}},
	}
	in, err := ExtractStoryInputs(conv)
	require.NoError(t, err)
	require.Equal(t, "only this", in.Criteria.Objective)
	require.Empty(t, in.Criteria.PlanOfExecution)
	require.False(t, in.Criteria.Complete())
}

func TestExtractStoryInputs_UndecodablePayload(t *testing.T) {
	conv := types.Conversation{
		{Role: types.RoleAssistant, Completion: &types.Completion{CallID: "c1", Tool: CriteriaToolName, Arguments: json.RawMessage(`"objective: x"`)}},
	}
	in, err := ExtractStoryInputs(conv)
	require.NoError(t, err)
	require.Equal(t, types.ExtractedCriteria{}, in.Criteria)
}

// --- BuildStoryPrompt ---

func TestBuildStoryPrompt_Deterministic(t *testing.T) {
	conv := types.Conversation{user("go"), completion("c1", fullCriteria), {Role: types.RoleTool, ToolCallID: "c1", Content: finalizeAck}}
	in1, err := ExtractStoryInputs(conv)
	require.NoError(t, err)
	in2, err := ExtractStoryInputs(conv)
	require.NoError(t, err)

	p1 := BuildStoryPrompt(in1)
	p2 := BuildStoryPrompt(in2)
	require.Equal(t, p1, p2)
	require.Len(t, p1, 1)
	require.Contains(t, p1[0].Content, "write a good user story")
	require.Contains(t, p1[0].Content, `"success_criteria": "`+fullCriteria.SuccessCriteria+`"`)
}

// --- Finalize ---

func TestFinalize_AcknowledgesCompletion(t *testing.T) {
	msg, err := Finalize(types.Conversation{user("x"), completion("call_7", fullCriteria)})
	require.NoError(t, err)
	require.Equal(t, types.RoleTool, msg.Role)
	require.Equal(t, "call_7", msg.ToolCallID)
	require.Equal(t, "Prompt generated!", msg.Content)
}

func TestFinalize_NoCompletion(t *testing.T) {
	_, err := Finalize(types.Conversation{user("x"), text("question?")})
	require.ErrorIs(t, err, ErrNoCompletion)
	_, err = Finalize(nil)
	require.ErrorIs(t, err, ErrNoCompletion)
}

// --- Interview / GenerateStory ---

func TestInterview_FillsEnvelope(t *testing.T) {
	m := &scriptedModel{replies: []types.Message{{Content: "What is the objective?"}}}
	msg, _, err := Interview(context.Background(), m, types.Conversation{user("hi")})
	require.NoError(t, err)
	require.Equal(t, types.RoleAssistant, msg.Role)
	require.NotEmpty(t, msg.ID)
	require.False(t, msg.Timestamp.IsZero())
}

func TestInterview_UnknownToolIsNotCompletion(t *testing.T) {
	reply := types.Message{Role: types.RoleAssistant, Completion: &types.Completion{CallID: "x", Tool: "search"}}
	m := &scriptedModel{replies: []types.Message{reply}}
	msg, _, err := Interview(context.Background(), m, types.Conversation{user("hi")})
	require.NoError(t, err)
	require.Equal(t, types.KindFreeText, msg.Kind())
}

func TestGenerateStory_NoCompletionIsExplicitError(t *testing.T) {
	m := &scriptedModel{}
	_, _, err := GenerateStory(context.Background(), m, types.Conversation{user("hi")})
	require.ErrorIs(t, err, ErrNoCompletion)
	require.Empty(t, m.calls, "no model call without a completion signal")
}

func TestGenerateStory_DropsStrayCompletion(t *testing.T) {
	m := &scriptedModel{replies: []types.Message{completion("stray", fullCriteria)}}
	conv := types.Conversation{user("go"), completion("c1", fullCriteria), {Role: types.RoleTool, ToolCallID: "c1", Content: finalizeAck}}
	msg, _, err := GenerateStory(context.Background(), m, conv)
	require.NoError(t, err)
	require.Nil(t, msg.Completion)
}

// --- CriteriaTool ---

func TestCriteriaTool_Schema(t *testing.T) {
	tool := CriteriaTool()
	require.Equal(t, "UserStoryCriteria", tool.Name)
	var schema struct {
		Required []string `json:"required"`
	}
	require.NoError(t, json.Unmarshal(tool.Parameters, &schema))
	require.ElementsMatch(t, []string{"objective", "success_criteria", "plan_of_execution"}, schema.Required)
}
