// Package dialogue runs the interview → finalize → story state machine for
// one chat session.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haricheung/storyagent/internal/checkpoint"
	"github.com/haricheung/storyagent/internal/llm"
	"github.com/haricheung/storyagent/internal/turnlog"
	"github.com/haricheung/storyagent/internal/types"
)

// State is a dialogue controller state.
type State int

const (
	StateInterviewing State = iota
	StateFinalizing
	StateGeneratingStory
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInterviewing:
		return "Interviewing"
	case StateFinalizing:
		return "Finalizing"
	case StateGeneratingStory:
		return "GeneratingStory"
	case StateDone:
		return "Done"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Checkpoint node names.
const (
	nodeInput     = "input"
	nodeInterview = "interview"
	nodeFinalize  = "finalize"
	nodeStory     = "generate_story"
	nodeRollback  = "rollback"
)

// Next returns the state that follows s given the conversation so far.
//
// Expectations:
//   - Interviewing → Finalizing when the last message is an assistant completion
//   - Interviewing → Done otherwise, including for an empty conversation
//   - Finalizing → GeneratingStory unconditionally
//   - GeneratingStory → Done unconditionally
//   - Done stays Done
func Next(s State, conv types.Conversation) State {
	switch s {
	case StateInterviewing:
		if last, ok := conv.Last(); ok && last.Kind() == types.KindStructuredCompletion {
			return StateFinalizing
		}
		return StateDone
	case StateFinalizing:
		return StateGeneratingStory
	default:
		return StateDone
	}
}

// Session is the explicit per-session context threaded through every turn.
type Session struct {
	ID    string
	State types.SessionState
	Trace *turnlog.SessionLog // nil disables tracing
}

// NewSession starts an empty session with a fresh id.
func NewSession(trace *turnlog.Registry) *Session {
	id := uuid.New().String()
	return &Session{ID: id, Trace: trace.Open(id)}
}

// TurnResult describes what one turn produced.
type TurnResult struct {
	Messages     []types.Message // appended by nodes, in order; excludes the user message
	States       []State         // visited states, starting with Interviewing and ending with Done
	StoryCreated bool
}

// Controller drives sessions through the dialogue states.
type Controller struct {
	model Model
	store *checkpoint.Store
}

// New creates a Controller.
func New(model Model, store *checkpoint.Store) *Controller {
	return &Controller{model: model, store: store}
}

// Turn appends the user's input and runs the state machine until Done.
// On error the session is restored to its state before the turn, so no
// partial messages survive a failed turn.
func (c *Controller) Turn(ctx context.Context, s *Session, input string) (TurnResult, error) {
	s.Trace.TurnBegin(input)
	before := s.State.Clone()
	startStep := c.latestStep(ctx, s.ID)

	res, err := c.run(ctx, s, input)
	if err != nil {
		c.restore(ctx, s, startStep, before)
		s.Trace.TurnEnd(false, err)
		return res, err
	}
	s.Trace.TurnEnd(res.StoryCreated, nil)
	return res, nil
}

func (c *Controller) run(ctx context.Context, s *Session, input string) (TurnResult, error) {
	s.State.Messages = append(s.State.Messages, types.Message{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Role:      types.RoleUser,
		Content:   input,
	})
	if err := c.checkpoint(ctx, s, nodeInput); err != nil {
		return TurnResult{}, err
	}

	state := StateInterviewing
	res := TurnResult{States: []State{state}}
	for state != StateDone {
		var (
			node  string
			msg   types.Message
			usage llm.Usage
			err   error
		)
		switch state {
		case StateInterviewing:
			node = nodeInterview
			msg, usage, err = Interview(ctx, c.model, s.State.Messages)
		case StateFinalizing:
			node = nodeFinalize
			msg, err = Finalize(s.State.Messages)
		case StateGeneratingStory:
			node = nodeStory
			msg, usage, err = GenerateStory(ctx, c.model, s.State.Messages)
		}
		if err != nil {
			return res, fmt.Errorf("dialogue: %s: %w", node, err)
		}
		if node != nodeFinalize {
			s.Trace.LLMCall(node, len(s.State.Messages)+1, msg.Content, msg.Completion != nil,
				usage.PromptTokens, usage.CompletionTokens, usage.ElapsedMs)
		}

		s.State.Messages = append(s.State.Messages, msg)
		res.Messages = append(res.Messages, msg)
		if state == StateGeneratingStory {
			s.State.StoryCreated = true
			res.StoryCreated = true
		}
		if err := c.checkpoint(ctx, s, node); err != nil {
			return res, err
		}

		next := Next(state, s.State.Messages)
		slog.Info("[CTRL] transition", "session", s.ID, "from", state, "to", next)
		s.Trace.Transition(state.String(), next.String())
		state = next
		res.States = append(res.States, state)
	}
	return res, nil
}

func (c *Controller) checkpoint(ctx context.Context, s *Session, node string) error {
	cp, err := c.store.Put(ctx, s.ID, node, s.State)
	if err != nil {
		return fmt.Errorf("dialogue: checkpoint after %s: %w", node, err)
	}
	s.Trace.Checkpoint(node, cp.Step)
	return nil
}

func (c *Controller) latestStep(ctx context.Context, sessionID string) int {
	cp, err := c.store.Latest(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, checkpoint.ErrNotFound) {
			slog.Warn("[CTRL] could not read latest checkpoint", "session", sessionID, "error", err)
		}
		return 0
	}
	return cp.Step
}

// restore rewinds s to its state before the failed turn and records the
// rewind as a new checkpoint so Latest reflects it. The in-memory snapshot is
// authoritative; the pre-turn checkpoint, when one was found, is only
// compared against it.
func (c *Controller) restore(ctx context.Context, s *Session, step int, before types.SessionState) {
	// The turn may have failed because ctx was cancelled; the rewind must still land.
	ctx = context.WithoutCancel(ctx)

	if step > 0 {
		cp, err := c.store.Get(ctx, s.ID, step)
		switch {
		case err != nil:
			slog.Warn("[CTRL] pre-turn checkpoint unreadable", "session", s.ID, "step", step, "error", err)
		case len(cp.State.Messages) != len(before.Messages) || cp.State.StoryCreated != before.StoryCreated:
			slog.Warn("[CTRL] pre-turn checkpoint disagrees with snapshot", "session", s.ID, "step", step,
				"checkpoint_messages", len(cp.State.Messages), "snapshot_messages", len(before.Messages))
		}
	}
	s.State = before
	if err := c.checkpoint(ctx, s, nodeRollback); err != nil {
		slog.Warn("[CTRL] rollback checkpoint failed", "session", s.ID, "error", err)
	}
	slog.Info("[CTRL] turn rolled back", "session", s.ID, "to_step", step, "messages", len(s.State.Messages))
}
