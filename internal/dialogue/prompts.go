package dialogue

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/haricheung/storyagent/internal/types"
)

const interviewSystemPrompt = `Your job is to gather information from the user about the User Story they need to create.

You should obtain the following information from them:

- Objective: the goal of the user story. should be concrete enough to be developed in 2 weeks.
- Success criteria: the success criteria of the user story
- Plan_of_execution: the plan of execution of the initiative

If you are not able to discern this info, ask them to clarify! Do not attempt to wildly guess.
Whenever the user responds to one of the criteria, evaluate if it is detailed enough to be a criterion of a User Story. If not, ask questions to help the user better detail the criterion.
Do not overwhelm the user with too many questions at once; ask for the information you need in a way that they do not have to write much in each response.
Always remind them that if they do not know how to answer something, you can help them.

After you are able to discern all the information, call the relevant tool.`

const storyPromptTemplate = `Based on the following requirements, write a good user story:

%s`

// BuildInterviewPrompt prepends the interview instruction to the conversation.
//
// Expectations:
//   - The first message is the system instruction
//   - The conversation follows unchanged and in order
//   - The input slice is not modified
func BuildInterviewPrompt(conv types.Conversation) []types.Message {
	out := make([]types.Message, 0, len(conv)+1)
	out = append(out, types.Message{Role: types.RoleSystem, Content: interviewSystemPrompt})
	return append(out, conv...)
}

// StoryInputs is what the story node reads out of a conversation.
type StoryInputs struct {
	Completion types.Completion
	Criteria   types.ExtractedCriteria
	// Context holds the messages after the completion signal, tool results excluded.
	Context []types.Message
}

// ExtractStoryInputs finds the most recent completion signal and the messages
// that follow it.
//
// Expectations:
//   - Returns ErrNoCompletion when no assistant message carries a completion
//   - Uses the most recent completion when several messages carry one
//   - Collects only messages after that completion, skipping tool results
//   - Keeps partial criteria when the payload is missing fields
//   - Returns zero criteria (not an error) when the payload cannot be decoded
func ExtractStoryInputs(conv types.Conversation) (StoryInputs, error) {
	var in StoryInputs
	found := false
	for _, m := range conv {
		switch {
		case m.Kind() == types.KindStructuredCompletion:
			found = true
			in.Completion = *m.Completion
			in.Context = nil
		case m.Role == types.RoleTool:
			continue
		case found:
			in.Context = append(in.Context, m)
		}
	}
	if !found {
		return StoryInputs{}, ErrNoCompletion
	}
	ec, err := in.Completion.Criteria()
	if err != nil {
		slog.Warn("[STORY] completion payload not decodable; using empty criteria", "call_id", in.Completion.CallID, "error", err)
	}
	in.Criteria = ec
	return in, nil
}

// BuildStoryPrompt embeds the extracted criteria in the story instruction and
// appends the post-completion context. The result depends only on in.
func BuildStoryPrompt(in StoryInputs) []types.Message {
	reqs, err := json.MarshalIndent(in.Criteria, "", "  ")
	if err != nil {
		// A struct of three strings always marshals.
		reqs = []byte(fmt.Sprintf("%+v", in.Criteria))
	}
	out := make([]types.Message, 0, len(in.Context)+1)
	out = append(out, types.Message{Role: types.RoleSystem, Content: fmt.Sprintf(storyPromptTemplate, reqs)})
	return append(out, in.Context...)
}
