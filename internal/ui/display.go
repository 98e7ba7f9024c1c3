package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/haricheung/storyagent/internal/types"
)

// ANSI codes
const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiDim    = "\033[2m"
	ansiCyan   = "\033[36m"
	ansiYellow = "\033[33m"
	ansiGreen  = "\033[32m"
	ansiRed    = "\033[31m"
)

const bannerWidth = 80

var roleTitle = map[types.Role]string{
	types.RoleUser:      "Human Message",
	types.RoleAssistant: "Ai Message",
	types.RoleSystem:    "System Message",
	types.RoleTool:      "Tool Message",
}

var roleColor = map[types.Role]string{
	types.RoleUser:      ansiCyan,
	types.RoleAssistant: ansiGreen,
	types.RoleSystem:    ansiDim,
	types.RoleTool:      ansiYellow,
}

// Display renders conversation messages and session notices to a terminal.
type Display struct {
	out   io.Writer
	color bool
}

// New creates a Display writing to out. color enables ANSI styling.
func New(out io.Writer, color bool) *Display {
	return &Display{out: out, color: color}
}

// Message prints m as a titled block followed by its content and, for a
// completion signal, the structured arguments.
func (d *Display) Message(m types.Message) {
	title, ok := roleTitle[m.Role]
	if !ok {
		title = string(m.Role) + " Message"
	}
	fmt.Fprintln(d.out, d.paint(roleColor[m.Role]+ansiBold, Banner(title, bannerWidth)))
	fmt.Fprintln(d.out)
	if m.Content != "" {
		fmt.Fprintln(d.out, m.Content)
	}
	if m.Kind() == types.KindStructuredCompletion {
		fmt.Fprint(d.out, toolCallBlock(*m.Completion))
	}
}

// StoryCreated prints the one-line confirmation after a story turn.
func (d *Display) StoryCreated() {
	fmt.Fprintln(d.out, d.paint(ansiGreen+ansiBold, "User story created!"))
}

// Farewell prints the goodbye line.
func (d *Display) Farewell() {
	fmt.Fprintln(d.out, "AI: Byebye")
}

// TurnFailed prints the user-facing line for a failed turn.
func (d *Display) TurnFailed(detail string) {
	line := "AI: Something went wrong, please retry."
	if detail != "" {
		line += " (" + detail + ")"
	}
	fmt.Fprintln(d.out, d.paint(ansiRed, line))
}

func (d *Display) paint(code, s string) string {
	if !d.color || code == "" {
		return s
	}
	return code + s + ansiReset
}

// Banner centres " title " in a line of '=' that is width cells wide.
// Width is measured in terminal cells, so wide (CJK) runes count twice.
//
// Expectations:
//   - Result is exactly width cells wide when the title fits
//   - Extra padding goes to the right side when it cannot split evenly
//   - Returns " title " unpadded when the title is wider than width
func Banner(title string, width int) string {
	label := " " + title + " "
	pad := width - runewidth.StringWidth(label)
	if pad <= 0 {
		return label
	}
	left := pad / 2
	return strings.Repeat("=", left) + label + strings.Repeat("=", pad-left)
}

// toolCallBlock renders a completion signal the way the tool call arrived.
func toolCallBlock(c types.Completion) string {
	var sb strings.Builder
	sb.WriteString("Tool Calls:\n")
	fmt.Fprintf(&sb, "  %s (%s)\n", c.Tool, c.CallID)
	fmt.Fprintf(&sb, " Call ID: %s\n", c.CallID)
	sb.WriteString("  Args:\n")
	ec, err := c.Criteria()
	if err != nil {
		fmt.Fprintf(&sb, "    %s\n", clip(string(c.Arguments), 200))
		return sb.String()
	}
	fmt.Fprintf(&sb, "    objective: %s\n", ec.Objective)
	fmt.Fprintf(&sb, "    success_criteria: %s\n", ec.SuccessCriteria)
	fmt.Fprintf(&sb, "    plan_of_execution: %s\n", ec.PlanOfExecution)
	return sb.String()
}

// clip truncates s to at most n cells, appending "…" if trimmed.
func clip(s string, n int) string {
	if runewidth.StringWidth(s) <= n {
		return s
	}
	return runewidth.Truncate(s, n, "…")
}
