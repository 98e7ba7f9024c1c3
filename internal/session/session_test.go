package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/chzyer/readline"
	"github.com/stretchr/testify/require"

	"github.com/haricheung/storyagent/internal/checkpoint"
	"github.com/haricheung/storyagent/internal/dialogue"
	"github.com/haricheung/storyagent/internal/llm"
	"github.com/haricheung/storyagent/internal/types"
	"github.com/haricheung/storyagent/internal/ui"
)

// lines feeds a fixed script and then reports end, which defaults to io.EOF.
type lines struct {
	script []string
	end    error
}

func (l *lines) Readline() (string, error) {
	if len(l.script) == 0 {
		if l.end != nil {
			return "", l.end
		}
		return "", io.EOF
	}
	s := l.script[0]
	l.script = l.script[1:]
	return s, nil
}

type reply struct {
	msg types.Message
	err error
}

type fakeModel struct {
	replies []reply
	calls   int
}

func (m *fakeModel) Invoke(context.Context, []types.Message, []llm.Tool) (types.Message, llm.Usage, error) {
	if m.calls >= len(m.replies) {
		return types.Message{}, llm.Usage{}, errors.New("fakeModel: out of replies")
	}
	r := m.replies[m.calls]
	m.calls++
	return r.msg, llm.Usage{}, r.err
}

func say(s string) reply {
	return reply{msg: types.Message{Role: types.RoleAssistant, Content: s}}
}

func done(t *testing.T) reply {
	t.Helper()
	args, err := json.Marshal(types.ExtractedCriteria{
		Objective:       "Export invoices as PDF",
		SuccessCriteria: "95% of exports finish in 5s",
		PlanOfExecution: "Endpoint, renderer, QA",
	})
	require.NoError(t, err)
	return reply{msg: types.Message{
		Role:       types.RoleAssistant,
		Completion: &types.Completion{CallID: "call_1", Tool: dialogue.CriteriaToolName, Arguments: args},
	}}
}

func newLoop(t *testing.T, in LineReader, m dialogue.Model) (*Loop, *bytes.Buffer) {
	t.Helper()
	store, err := checkpoint.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	var out bytes.Buffer
	return New(in, ui.New(&out, false), dialogue.New(m, store), nil), &out
}

func TestRun_QuitImmediately(t *testing.T) {
	for _, q := range []string{"q", "Q"} {
		m := &fakeModel{}
		l, out := newLoop(t, &lines{script: []string{q}}, m)

		require.NoError(t, l.Run(context.Background()))
		require.Equal(t, "AI: Byebye\n", out.String())
		require.Zero(t, m.calls)
	}
}

func TestRun_QuitIsExactMatch(t *testing.T) {
	m := &fakeModel{replies: []reply{say("What is the objective?")}}
	l, out := newLoop(t, &lines{script: []string{"quit"}}, m)

	require.NoError(t, l.Run(context.Background()))
	require.Equal(t, 1, m.calls)
	require.Contains(t, out.String(), "What is the objective?")
}

func TestRun_EOFAndInterruptActLikeQuit(t *testing.T) {
	for _, end := range []error{io.EOF, readline.ErrInterrupt} {
		l, out := newLoop(t, &lines{end: end}, &fakeModel{})
		require.NoError(t, l.Run(context.Background()))
		require.Equal(t, "AI: Byebye\n", out.String())
	}
}

func TestRun_ReadErrorIsReturned(t *testing.T) {
	l, _ := newLoop(t, &lines{end: errors.New("tty gone")}, &fakeModel{})
	err := l.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "tty gone")
}

func TestRun_FullStory(t *testing.T) {
	m := &fakeModel{replies: []reply{
		say("What is the objective?"),
		done(t),
		say("As a customer, I want to export invoices as PDF."),
	}}
	l, out := newLoop(t, &lines{script: []string{"invoices", "PDF export, fast, endpoint+QA", "q"}}, m)

	require.NoError(t, l.Run(context.Background()))
	got := out.String()
	require.Equal(t, 1, strings.Count(got, "User story created!"))
	require.Contains(t, got, "UserStoryCriteria (call_1)")
	require.Contains(t, got, "Tool Message")
	require.Contains(t, got, "Prompt generated!")

	// messages print in order, then the confirmation, then the farewell
	q := strings.Index(got, "What is the objective?")
	story := strings.Index(got, "As a customer")
	created := strings.Index(got, "User story created!")
	bye := strings.Index(got, "AI: Byebye")
	require.True(t, q < story && story < created && created < bye)
}

func TestRun_FailedTurnContinues(t *testing.T) {
	m := &fakeModel{replies: []reply{
		{err: &llm.HTTPStatusError{StatusCode: 503, URL: "http://x", Body: "busy"}},
		say("What is the objective?"),
	}}
	l, out := newLoop(t, &lines{script: []string{"hello", "hello again", "q"}}, m)

	require.NoError(t, l.Run(context.Background()))
	got := out.String()
	require.Contains(t, got, "AI: Something went wrong, please retry. (provider returned 503)")
	require.Contains(t, got, "What is the objective?")
	require.NotContains(t, got, "User story created!")
	require.Equal(t, 2, m.calls)
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l, out := newLoop(t, &lines{script: []string{"hello"}}, &fakeModel{})
	require.ErrorIs(t, l.Run(ctx), context.Canceled)
	require.Empty(t, out.String())
}

func TestFailureDetail(t *testing.T) {
	require.Equal(t, "provider returned 429", failureDetail(&llm.HTTPStatusError{StatusCode: 429}))
	require.Equal(t, "", failureDetail(&llm.HTTPStatusError{StatusCode: 401}))
	require.Equal(t, "provider timed out", failureDetail(context.DeadlineExceeded))
	require.Equal(t, "", failureDetail(errors.New("boom")))
}
