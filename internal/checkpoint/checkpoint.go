// Package checkpoint keeps a per-session history of SessionState snapshots in
// LevelDB. The dialogue controller writes one checkpoint after every node and
// restores from the latest one when a turn fails.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/haricheung/storyagent/internal/types"
)

// Key scheme — "|" separates parts so ids containing ":" stay unambiguous.
//
//	c|<session>|<step>   → Checkpoint JSON (step zero-padded so keys sort numerically)
const (
	prefixCheckpoint = "c|"
	stepWidth        = 10
)

// ErrNotFound is returned when a session has no checkpoint (or no checkpoint at
// the requested step).
var ErrNotFound = errors.New("checkpoint: not found")

// Checkpoint is one snapshot of a session, taken after the named node ran.
type Checkpoint struct {
	SessionID string             `json:"session_id"`
	Step      int                `json:"step"`
	Node      string             `json:"node"`
	State     types.SessionState `json:"state"`
	CreatedAt time.Time          `json:"created_at"`
}

// Store is the LevelDB-backed checkpoint history.
type Store struct {
	mu sync.Mutex // serialises step allocation in Put
	db *leveldb.DB
}

// NewMemory opens a Store on LevelDB's in-memory storage; nothing touches disk
// and the history is gone when the process exits.
func NewMemory() (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open memory db: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put appends a snapshot of st for sessionID and returns it with its step.
//
// Expectations:
//   - Steps start at 1 and increase by 1 per session
//   - Step numbering is independent per session
//   - Stores a copy: later mutation of st does not change the checkpoint
//   - Returns an error for an empty sessionID
func (s *Store) Put(ctx context.Context, sessionID, node string, st types.SessionState) (Checkpoint, error) {
	if sessionID == "" {
		return Checkpoint{}, errors.New("checkpoint: empty session id")
	}
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	step := 1
	last, err := s.latest(sessionID)
	switch {
	case err == nil:
		step = last.Step + 1
	case !errors.Is(err, ErrNotFound):
		return Checkpoint{}, err
	}

	cp := Checkpoint{
		SessionID: sessionID,
		Step:      step,
		Node:      node,
		State:     st.Clone(),
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: marshal: %w", err)
	}
	if err := s.db.Put([]byte(checkpointKey(sessionID, step)), data, nil); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: put: %w", err)
	}
	slog.Debug("[CKPT] saved", "session", sessionID, "step", step, "node", node, "messages", len(st.Messages))
	return cp, nil
}

// Latest returns the newest checkpoint for sessionID.
//
// Expectations:
//   - Returns ErrNotFound when the session has no checkpoints
//   - Returns the checkpoint with the highest step
//   - Never returns a checkpoint belonging to another session
func (s *Store) Latest(ctx context.Context, sessionID string) (Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, err
	}
	return s.latest(sessionID)
}

// Get returns the checkpoint at step for sessionID, or ErrNotFound.
func (s *Store) Get(ctx context.Context, sessionID string, step int) (Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, err
	}
	data, err := s.db.Get([]byte(checkpointKey(sessionID, step)), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: get: %w", err)
	}
	return decode(data)
}

// List returns every checkpoint for sessionID in step order.
//
// Expectations:
//   - Returns an empty slice (not error) for an unknown session
//   - Orders checkpoints by ascending step, including past step 9
func (s *Store) List(ctx context.Context, sessionID string) ([]Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	iter := s.db.NewIterator(util.BytesPrefix([]byte(sessionPrefix(sessionID))), nil)
	defer iter.Release()

	var out []Checkpoint
	for iter.Next() {
		cp, err := decode(iter.Value())
		if err != nil {
			slog.Warn("[CKPT] skipping undecodable checkpoint", "key", string(iter.Key()), "error", err)
			continue
		}
		out = append(out, cp)
	}
	return out, iter.Error()
}

func (s *Store) latest(sessionID string) (Checkpoint, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(sessionPrefix(sessionID))), nil)
	defer iter.Release()

	if !iter.Last() {
		if err := iter.Error(); err != nil {
			return Checkpoint{}, fmt.Errorf("checkpoint: scan: %w", err)
		}
		return Checkpoint{}, ErrNotFound
	}
	return decode(iter.Value())
}

func decode(data []byte) (Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: decode: %w", err)
	}
	return cp, nil
}

// ---------------------------------------------------------------------------
// Key helpers
// ---------------------------------------------------------------------------

func sessionPrefix(sessionID string) string {
	return prefixCheckpoint + safeKeyPart(sessionID) + "|"
}

func checkpointKey(sessionID string, step int) string {
	n := strconv.Itoa(step)
	if len(n) < stepWidth {
		n = strings.Repeat("0", stepWidth-len(n)) + n
	}
	return sessionPrefix(sessionID) + n
}

// safeKeyPart replaces "|" with "_" so LevelDB keys parse unambiguously.
func safeKeyPart(s string) string {
	return strings.ReplaceAll(s, "|", "_")
}
