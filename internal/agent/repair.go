package agent

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/zulandar/myelo/internal/checkpoint"
	"github.com/zulandar/myelo/internal/conversation"
)

// Outcome is the result code of a repair.
type Outcome int

const (
	// OutcomeEmptyHistory: the session has no conversation to repair.
	OutcomeEmptyHistory Outcome = iota
	// OutcomeNoChanges: the history is already well-formed.
	OutcomeNoChanges
	// OutcomeRepaired: a dangling tail was deleted and the prefix rewritten.
	OutcomeRepaired
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoChanges:
		return "no_changes"
	case OutcomeRepaired:
		return "repaired"
	default:
		return "empty_history"
	}
}

// RepairReport describes what a repair did.
type RepairReport struct {
	Outcome  Outcome
	CutIndex int   // first removed message; -1 unless repaired
	FromStep int64 // steps >= FromStep were deleted
	Deleted  int64 // checkpoints deleted
	NewStep  int64 // step of the rewritten checkpoint
	Dropped  int   // messages removed from the history
	Dangling int   // offending assistant messages found
}

// Repair runs the checkpoint repair protocol for session. It waits for any
// turn in flight on the session.
func (c *Controller) Repair(ctx context.Context, id string) (RepairReport, error) {
	s := c.acquire(id)
	defer c.release(s)
	s.turn.Lock()
	defer s.turn.Unlock()
	return c.repair(ctx, id)
}

// repair removes the dangling tail of a session's history. Every assistant
// message whose tool calls lack results is found in one backward scan; the
// history is cut at the earliest of them, every checkpoint from that
// message's step on is deleted, and the surviving prefix is written back as
// the newest checkpoint. Running it again on the result reports no changes.
func (c *Controller) repair(ctx context.Context, id string) (RepairReport, error) {
	return RepairStore(ctx, c.store, id, c.log)
}

// RepairStore runs the repair protocol directly against store. No turn may
// run on the session meanwhile; a live server repairs through
// Controller.Repair instead.
func RepairStore(ctx context.Context, store checkpoint.Store, id string, log *zap.Logger) (RepairReport, error) {
	rep := RepairReport{CutIndex: -1}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("session", id))

	snap, err := store.Latest(ctx, id)
	if errors.Is(err, checkpoint.ErrNoCheckpoint) {
		log.Info("repair: empty history")
		return rep, nil
	}
	if err != nil {
		return rep, fmt.Errorf("agent: repair %s: load: %w", id, err)
	}
	if len(snap.Messages) == 0 {
		log.Info("repair: empty history", zap.Int64("step", snap.Step))
		return rep, nil
	}

	cut, n := conversation.SweepCut(snap.Messages)
	if n == 0 {
		rep.Outcome = OutcomeNoChanges
		log.Info("repair: no changes", zap.Int64("step", snap.Step))
		return rep, nil
	}

	rep.CutIndex = cut
	rep.Dangling = n
	rep.FromStep = snap.Messages[cut].Step
	rep.Dropped = len(snap.Messages) - cut
	kept := conversation.Clone(snap.Messages[:cut])

	// The delete and the write-back must both land once started.
	wctx := context.WithoutCancel(ctx)
	rep.Deleted, err = store.DeleteFrom(wctx, id, rep.FromStep)
	if err != nil {
		return rep, fmt.Errorf("agent: repair %s: delete from step %d: %w", id, rep.FromStep, err)
	}
	rep.NewStep, err = store.Rewrite(wctx, id, checkpoint.SourceRepair, kept)
	if err != nil {
		return rep, fmt.Errorf("agent: repair %s: write back: %w", id, err)
	}
	rep.Outcome = OutcomeRepaired

	log.Warn("repair: truncated dangling history",
		zap.Int("cut_index", cut),
		zap.Int("dangling", n),
		zap.Int64("from_step", rep.FromStep),
		zap.Int64("deleted", rep.Deleted),
		zap.Int64("new_step", rep.NewStep),
		zap.Int("dropped", rep.Dropped))
	return rep, nil
}
