package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role tags the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Kind distinguishes a plain reply from a structured completion signal.
type Kind string

const (
	KindFreeText             Kind = "free_text"
	KindStructuredCompletion Kind = "structured_completion"
)

// Message is one entry of a Conversation.
type Message struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`

	// Completion is set on assistant messages when the model signalled that it
	// has gathered every required field.
	Completion *Completion `json:"completion,omitempty"`

	// ToolCallID links a tool message back to the Completion it acknowledges.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// Kind reports whether m carries a completion signal.
//
// Expectations:
//   - Returns KindStructuredCompletion for assistant messages with a non-nil Completion
//   - Returns KindFreeText for every other message, including tool messages
func (m Message) Kind() Kind {
	if m.Role == RoleAssistant && m.Completion != nil {
		return KindStructuredCompletion
	}
	return KindFreeText
}

// Completion is the structured completion signal exactly as it came off the wire.
type Completion struct {
	CallID    string          `json:"call_id"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

// Criteria decodes the completion arguments. Missing fields stay empty.
//
// Expectations:
//   - Decodes objective, success_criteria and plan_of_execution by JSON name
//   - Leaves absent fields as empty strings without error
//   - Returns zero criteria and an error when the arguments are not a JSON object
//   - Returns zero criteria and no error for empty arguments
//   - Never mutates the receiver
func (c Completion) Criteria() (ExtractedCriteria, error) {
	if len(c.Arguments) == 0 {
		return ExtractedCriteria{}, nil
	}
	var ec ExtractedCriteria
	if err := json.Unmarshal(c.Arguments, &ec); err != nil {
		return ExtractedCriteria{}, fmt.Errorf("decode %s arguments: %w", c.Tool, err)
	}
	return ec, nil
}

// ExtractedCriteria are the three user story fields gathered by the interview.
type ExtractedCriteria struct {
	Objective       string `json:"objective" jsonschema_description:"The goal of the user story, concrete enough to be developed in 2 weeks."`
	SuccessCriteria string `json:"success_criteria" jsonschema_description:"The success criteria of the user story."`
	PlanOfExecution string `json:"plan_of_execution" jsonschema_description:"The plan of execution of the initiative."`
}

// Complete reports whether all three fields are non-empty.
func (ec ExtractedCriteria) Complete() bool {
	return ec.Objective != "" && ec.SuccessCriteria != "" && ec.PlanOfExecution != ""
}

// Conversation is the append-only message history of one session.
type Conversation []Message

// Last returns the most recent message, or false when the conversation is empty.
func (c Conversation) Last() (Message, bool) {
	if len(c) == 0 {
		return Message{}, false
	}
	return c[len(c)-1], true
}

// SessionState is everything a session carries between turns.
type SessionState struct {
	Messages     Conversation `json:"messages"`
	StoryCreated bool         `json:"story_created"`
}

// Clone returns a copy whose message slice does not alias s.
func (s SessionState) Clone() SessionState {
	out := SessionState{StoryCreated: s.StoryCreated}
	if s.Messages != nil {
		out.Messages = make(Conversation, len(s.Messages))
		copy(out.Messages, s.Messages)
	}
	return out
}
