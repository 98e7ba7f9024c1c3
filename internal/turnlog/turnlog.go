// Package turnlog writes an opt-in structured trace of one chat session.
//
// Each session gets one JSONL file in a configurable directory. Events capture
// every turn, every model call (node, token counts, elapsed time), every state
// transition of the dialogue controller and every checkpoint.
//
// Design constraints:
//   - All SessionLog methods are nil-safe (no-op on nil receiver) so callers
//     never check whether tracing is enabled.
//   - Registry is the sole owner of JSONL persistence; the controller never opens files.
package turnlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventKind labels a single structured event in the session trace.
type EventKind string

const (
	KindSessionBegin EventKind = "session_begin"
	KindSessionEnd   EventKind = "session_end"
	KindTurnBegin    EventKind = "turn_begin"
	KindTurnEnd      EventKind = "turn_end"
	KindLLMCall      EventKind = "llm_call"
	KindTransition   EventKind = "transition"
	KindCheckpoint   EventKind = "checkpoint"
)

// Event is one JSONL line in the session trace.
// Fields are omitempty so each event only serialises relevant data.
type Event struct {
	Kind      EventKind `json:"kind"`
	Timestamp string    `json:"ts"`

	SessionID string `json:"session_id,omitempty"`
	Turn      int    `json:"turn,omitempty"`

	// turn_begin / turn_end
	Input        string     `json:"input,omitempty"`
	Status       string     `json:"status,omitempty"` // "ok" | "error"
	Error        string     `json:"error,omitempty"`
	StoryCreated bool       `json:"story_created,omitempty"`
	ElapsedMs    int64      `json:"elapsed_ms,omitempty"`
	TotalTokens  int        `json:"total_tokens,omitempty"`
	NodeStats    []NodeStat `json:"node_stats,omitempty"` // session_end only

	// llm_call
	Node             string `json:"node,omitempty"`
	Messages         int    `json:"messages,omitempty"`
	Response         string `json:"response,omitempty"`
	Completion       bool   `json:"completion,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`

	// transition
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	// checkpoint
	Step int `json:"step,omitempty"`
}

// NodeStat summarises model usage for one node across the session.
type NodeStat struct {
	Node             string `json:"node"`
	Calls            int    `json:"calls"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	ElapsedMs        int64  `json:"elapsed_ms"`
}

type nodeStat struct {
	calls            int
	promptTokens     int
	completionTokens int
	elapsedMs        int64
}

// canonicalNodeOrder defines the display order for NodeStats().
var canonicalNodeOrder = []string{"interview", "generate_story"}

// SessionLog is a handle for writing structured events for one session.
//
// Expectations:
//   - All methods are nil-safe (no-op when called on nil *SessionLog)
//   - Concurrent writes are safe (mutex-protected)
//   - TotalTokens returns the running sum of prompt+completion tokens across all LLMCall events
type SessionLog struct {
	sessionID        string
	started          time.Time
	mu               sync.Mutex
	f                *os.File
	turn             int
	turnStarted      time.Time
	promptTokens     int
	completionTokens int
	nodeStats        map[string]*nodeStat
}

// Registry maps session IDs to open SessionLogs.
//
// Expectations:
//   - A nil or dir-less Registry opens nil logs (tracing disabled)
//   - Open creates the log directory if absent
//   - Open writes a session_begin event as the first JSONL line
//   - Open returns the existing log when called twice for the same session
//   - Close writes session_end with elapsed_ms, total_tokens and node stats
//   - Close no-ops gracefully when the session is not registered
type Registry struct {
	dir  string
	mu   sync.Mutex
	logs map[string]*SessionLog
}

// NewRegistry creates a Registry that writes one JSONL file per session under
// dir. An empty dir disables tracing.
func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir, logs: make(map[string]*SessionLog)}
}

// Open creates a SessionLog for sessionID and writes session_begin.
func (r *Registry) Open(sessionID string) *SessionLog {
	if r == nil || r.dir == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if sl, ok := r.logs[sessionID]; ok {
		return sl
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		slog.Error("[TURNLOG] could not create dir", "dir", r.dir, "error", err)
		return nil
	}
	path := filepath.Join(r.dir, sessionID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("[TURNLOG] could not open log file", "path", path, "error", err)
		return nil
	}

	sl := &SessionLog{sessionID: sessionID, started: time.Now(), f: f, nodeStats: make(map[string]*nodeStat)}
	r.logs[sessionID] = sl
	sl.write(Event{Kind: KindSessionBegin, SessionID: sessionID})
	return sl
}

// Close writes session_end, closes the file and forgets the session.
func (r *Registry) Close(sessionID string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	sl, ok := r.logs[sessionID]
	delete(r.logs, sessionID)
	r.mu.Unlock()
	if !ok {
		return
	}

	sl.mu.Lock()
	elapsed := time.Since(sl.started).Milliseconds()
	total := sl.promptTokens + sl.completionTokens
	turns := sl.turn
	sl.mu.Unlock()

	sl.write(Event{
		Kind:        KindSessionEnd,
		SessionID:   sessionID,
		Turn:        turns,
		ElapsedMs:   elapsed,
		TotalTokens: total,
		NodeStats:   sl.NodeStats(),
	})

	sl.mu.Lock()
	if sl.f != nil {
		_ = sl.f.Close()
		sl.f = nil
	}
	sl.mu.Unlock()
}

// TurnBegin starts a new turn and returns its 1-based number.
func (sl *SessionLog) TurnBegin(input string) int {
	if sl == nil {
		return 0
	}
	sl.mu.Lock()
	sl.turn++
	n := sl.turn
	sl.turnStarted = time.Now()
	sl.mu.Unlock()
	sl.write(Event{Kind: KindTurnBegin, Turn: n, Input: input})
	return n
}

// TurnEnd closes the current turn. err is nil on success.
func (sl *SessionLog) TurnEnd(storyCreated bool, err error) {
	if sl == nil {
		return
	}
	sl.mu.Lock()
	n := sl.turn
	elapsed := time.Since(sl.turnStarted).Milliseconds()
	sl.mu.Unlock()
	e := Event{Kind: KindTurnEnd, Turn: n, Status: "ok", StoryCreated: storyCreated, ElapsedMs: elapsed}
	if err != nil {
		e.Status = "error"
		e.Error = err.Error()
	}
	sl.write(e)
}

// LLMCall records one model invocation made by node.
//
// Expectations:
//   - TotalTokens grows by promptToks+completionToks
//   - NodeStats counts the call under node
//   - No-op on nil receiver
func (sl *SessionLog) LLMCall(node string, messages int, response string, completion bool, promptToks, completionToks int, elapsedMs int64) {
	if sl == nil {
		return
	}
	sl.mu.Lock()
	sl.promptTokens += promptToks
	sl.completionTokens += completionToks
	ns := sl.nodeStats[node]
	if ns == nil {
		ns = &nodeStat{}
		sl.nodeStats[node] = ns
	}
	ns.calls++
	ns.promptTokens += promptToks
	ns.completionTokens += completionToks
	ns.elapsedMs += elapsedMs
	n := sl.turn
	sl.mu.Unlock()
	sl.write(Event{
		Kind:             KindLLMCall,
		Turn:             n,
		Node:             node,
		Messages:         messages,
		Response:         response,
		Completion:       completion,
		PromptTokens:     promptToks,
		CompletionTokens: completionToks,
		ElapsedMs:        elapsedMs,
	})
}

// Transition records a controller state change.
func (sl *SessionLog) Transition(from, to string) {
	if sl == nil {
		return
	}
	sl.write(Event{Kind: KindTransition, Turn: sl.currentTurn(), From: from, To: to})
}

// Checkpoint records that a checkpoint was written after node.
func (sl *SessionLog) Checkpoint(node string, step int) {
	if sl == nil {
		return
	}
	sl.write(Event{Kind: KindCheckpoint, Turn: sl.currentTurn(), Node: node, Step: step})
}

// NodeStats returns per-node usage in canonical order; nodes never called are omitted.
func (sl *SessionLog) NodeStats() []NodeStat {
	if sl == nil {
		return nil
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	var out []NodeStat
	for _, node := range canonicalNodeOrder {
		ns, ok := sl.nodeStats[node]
		if !ok {
			continue
		}
		out = append(out, NodeStat{
			Node:             node,
			Calls:            ns.calls,
			PromptTokens:     ns.promptTokens,
			CompletionTokens: ns.completionTokens,
			ElapsedMs:        ns.elapsedMs,
		})
	}
	return out
}

// TotalTokens returns the total token count accumulated so far.
//
// Expectations:
//   - Returns 0 on nil receiver
func (sl *SessionLog) TotalTokens() int {
	if sl == nil {
		return 0
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.promptTokens + sl.completionTokens
}

func (sl *SessionLog) currentTurn() int {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.turn
}

// write appends one JSON line to the session file. Adds timestamp, mutex-protected.
func (sl *SessionLog) write(e Event) {
	e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("[TURNLOG] marshal event", "error", err)
		return
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.f == nil {
		return
	}
	if _, err = fmt.Fprintf(sl.f, "%s\n", data); err != nil {
		slog.Error("[TURNLOG] write event", "error", err)
	}
}
