// Package checkpoint persists step-numbered conversation snapshots per
// session. Snapshots are only ever inserted or deleted; repair deletes a
// tail of steps and writes a fresh snapshot instead of editing one.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/myelo/internal/conversation"
)

// ErrNoCheckpoint is returned by Latest when a session has no surviving
// checkpoint.
var ErrNoCheckpoint = errors.New("checkpoint: no checkpoint")

// Sources recorded with each snapshot.
const (
	SourceInit   = "init"
	SourceLoop   = "loop"
	SourceTools  = "tools"
	SourceRepair = "repair"
)

// Snapshot is the full conversation state of a session at one step.
type Snapshot struct {
	SessionID string
	Step      int64
	Source    string
	Messages  []conversation.Message
	CreatedAt time.Time
}

// SessionInfo summarizes a session's stored checkpoints.
type SessionInfo struct {
	SessionID  string
	LatestStep int64
	Steps      int
	UpdatedAt  time.Time
}

// Store is the durable checkpoint store shared by the session controller and
// admin tooling. Implementations must be safe for concurrent use across
// distinct sessions.
type Store interface {
	// Latest returns the highest-step snapshot, or ErrNoCheckpoint.
	Latest(ctx context.Context, session string) (*Snapshot, error)
	// Append writes latest+delta at the next step and returns that step.
	// The delta messages are stamped with the new step.
	Append(ctx context.Context, session, source string, delta []conversation.Message) (int64, error)
	// Rewrite writes msgs verbatim as the full state at the next step.
	Rewrite(ctx context.Context, session, source string, msgs []conversation.Message) (int64, error)
	// DeleteFrom removes every step >= step and returns how many were removed.
	DeleteFrom(ctx context.Context, session string, step int64) (int64, error)
	// DeleteAll removes every step of the session.
	DeleteAll(ctx context.Context, session string) (int64, error)
	// Steps lists the surviving steps in ascending order.
	Steps(ctx context.Context, session string) ([]int64, error)
	// Sessions lists every session with at least one checkpoint.
	Sessions(ctx context.Context) ([]SessionInfo, error)
	Close() error
}

// nextState computes the snapshot that Append writes on top of prev (nil when
// the session has none).
func nextState(prev []conversation.Message, prevStep int64, hasPrev bool, delta []conversation.Message) (int64, []conversation.Message) {
	step := int64(0)
	if hasPrev {
		step = prevStep + 1
	}
	out := make([]conversation.Message, 0, len(prev)+len(delta))
	out = append(out, prev...)
	for _, m := range conversation.Clone(delta) {
		m.Step = step
		out = append(out, m)
	}
	return step, out
}

func encode(msgs []conversation.Message) (string, error) {
	if msgs == nil {
		msgs = []conversation.Message{}
	}
	b, err := json.Marshal(msgs)
	if err != nil {
		return "", fmt.Errorf("checkpoint: encode messages: %w", err)
	}
	return string(b), nil
}

func decode(data []byte) ([]conversation.Message, error) {
	var msgs []conversation.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("checkpoint: decode messages: %w", err)
	}
	return msgs, nil
}
