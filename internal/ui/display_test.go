package ui

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mattn/go-runewidth"

	"github.com/haricheung/storyagent/internal/types"
)

// --- Banner ---

func TestBanner_ExactWidth(t *testing.T) {
	// Result is exactly width cells wide when the title fits
	got := Banner("Ai Message", 80)
	if w := runewidth.StringWidth(got); w != 80 {
		t.Errorf("width: got %d, want 80 (%q)", w, got)
	}
	if !strings.Contains(got, " Ai Message ") {
		t.Errorf("expected title in banner, got %q", got)
	}
}

func TestBanner_WideRunesCountTwice(t *testing.T) {
	got := Banner("用户故事", 20)
	if w := runewidth.StringWidth(got); w != 20 {
		t.Errorf("width: got %d, want 20 (%q)", w, got)
	}
}

func TestBanner_OddPaddingGoesRight(t *testing.T) {
	// Extra padding goes to the right side when it cannot split evenly
	got := Banner("ab", 7) // label " ab " is 4 wide, pad 3
	if got != "= ab ==" {
		t.Errorf("got %q, want %q", got, "= ab ==")
	}
}

func TestBanner_TitleTooWide(t *testing.T) {
	// Returns " title " unpadded when the title is wider than width
	if got := Banner("a long title", 5); got != " a long title " {
		t.Errorf("got %q", got)
	}
}

// --- Display ---

func TestMessage_FreeText(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, false).Message(types.Message{Role: types.RoleAssistant, Content: "What is the objective?"})
	out := buf.String()
	if !strings.Contains(out, " Ai Message ") || !strings.Contains(out, "What is the objective?") {
		t.Errorf("unexpected output %q", out)
	}
	if strings.Contains(out, "\033[") {
		t.Error("expected no ANSI codes when color is off")
	}
}

func TestMessage_CompletionShowsArgs(t *testing.T) {
	var buf bytes.Buffer
	args, _ := json.Marshal(types.ExtractedCriteria{Objective: "o1", SuccessCriteria: "s1", PlanOfExecution: "p1"})
	New(&buf, false).Message(types.Message{
		Role:       types.RoleAssistant,
		Completion: &types.Completion{CallID: "call_1", Tool: "UserStoryCriteria", Arguments: args},
	})
	out := buf.String()
	for _, want := range []string{"Tool Calls:", "UserStoryCriteria (call_1)", "objective: o1", "plan_of_execution: p1"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output %q", want, out)
		}
	}
}

func TestMessage_ToolTitle(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, true).Message(types.Message{Role: types.RoleTool, Content: "Prompt generated!"})
	out := buf.String()
	if !strings.Contains(out, " Tool Message ") || !strings.Contains(out, ansiYellow) {
		t.Errorf("unexpected output %q", out)
	}
}

func TestNotices(t *testing.T) {
	var buf bytes.Buffer
	d := New(&buf, false)
	d.StoryCreated()
	d.Farewell()
	d.TurnFailed("")
	want := "User story created!\nAI: Byebye\nAI: Something went wrong, please retry.\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

func TestClip(t *testing.T) {
	if got := clip("abcdef", 4); runewidth.StringWidth(got) > 4 || !strings.HasSuffix(got, "…") {
		t.Errorf("got %q", got)
	}
	if got := clip("abc", 4); got != "abc" {
		t.Errorf("got %q", got)
	}
}
