// Package session runs the interactive read-turn-print loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/chzyer/readline"

	"github.com/haricheung/storyagent/internal/dialogue"
	"github.com/haricheung/storyagent/internal/llm"
	"github.com/haricheung/storyagent/internal/turnlog"
	"github.com/haricheung/storyagent/internal/ui"
)

// Prompt is shown before every line of user input.
const Prompt = "User (q/Q to quit): "

// LineReader supplies one line of user input per call. *readline.Instance
// satisfies it.
type LineReader interface {
	Readline() (string, error)
}

// Loop owns one interactive session.
type Loop struct {
	in      LineReader
	display *ui.Display
	ctrl    *dialogue.Controller
	trace   *turnlog.Registry
	sess    *dialogue.Session
}

// New creates a Loop with a fresh dialogue session. trace may be nil.
func New(in LineReader, display *ui.Display, ctrl *dialogue.Controller, trace *turnlog.Registry) *Loop {
	return &Loop{
		in:      in,
		display: display,
		ctrl:    ctrl,
		trace:   trace,
		sess:    dialogue.NewSession(trace),
	}
}

// SessionID returns the id the loop threads through the controller.
func (l *Loop) SessionID() string { return l.sess.ID }

// Run reads lines until the user quits, input ends, or ctx is cancelled.
//
// Expectations:
//   - "q" or "Q" prints the farewell and returns nil without a model call
//   - EOF or Ctrl-C at the prompt behaves like quit
//   - Every other line, empty included, is sent to the controller as one turn
//   - Prints the new messages of a turn in order, then "User story created!" when a story was written
//   - A failed turn prints the retry line and the loop continues
//   - Returns ctx.Err() when the context is cancelled
//   - Closes the session trace on return
func (l *Loop) Run(ctx context.Context) error {
	defer l.trace.Close(l.sess.ID)
	slog.Info("[SESSION] started", "session", l.sess.ID)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := l.in.Readline()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, readline.ErrInterrupt) {
				l.display.Farewell()
				return nil
			}
			return fmt.Errorf("session: read input: %w", err)
		}
		if isQuit(line) {
			l.display.Farewell()
			return nil
		}

		res, err := l.ctrl.Turn(ctx, l.sess, line)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("[SESSION] turn failed", "session", l.sess.ID, "error", err)
			l.display.TurnFailed(failureDetail(err))
			continue
		}
		for _, m := range res.Messages {
			l.display.Message(m)
		}
		if res.StoryCreated {
			l.display.StoryCreated()
		}
	}
}

func isQuit(line string) bool {
	return line == "q" || line == "Q"
}

// failureDetail names the provider condition when it is worth telling the
// user; other failures get the bare retry line.
func failureDetail(err error) string {
	var se *llm.HTTPStatusError
	if errors.As(err, &se) && se.Temporary() {
		return fmt.Sprintf("provider returned %d", se.StatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "provider timed out"
	}
	return ""
}
