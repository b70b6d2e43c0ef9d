package agent

import (
	"context"
	"sync"
)

// GateState is the initialization state of one session.
type GateState int

const (
	GateNotStarted GateState = iota
	GateInProgress
	GateDone
)

func (s GateState) String() string {
	switch s {
	case GateInProgress:
		return "in_progress"
	case GateDone:
		return "done"
	default:
		return "not_started"
	}
}

// InitResult is the resolved value of a session's initialization.
type InitResult struct {
	Text      string
	Recovered bool // history was repaired; the real answer comes with the next question
	Failed    bool
}

// gate lets exactly one initialization run per login while every caller
// waits for, and observes, the same result.
type gate struct {
	mu    sync.Mutex
	state GateState
	cur   *attempt
}

// attempt is one login's initialization. result is written before done is
// closed.
type attempt struct {
	done   chan struct{}
	result InitResult
}

func newGate() *gate {
	return &gate{cur: &attempt{done: make(chan struct{})}}
}

// claim moves the gate to in-progress. Only the caller that gets true may
// run the initialization, and it must call resolve.
func (g *gate) claim() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != GateNotStarted {
		return false
	}
	g.state = GateInProgress
	return true
}

func (g *gate) resolve(r InitResult) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == GateDone {
		return
	}
	g.cur.result = r
	g.state = GateDone
	close(g.cur.done)
}

// wait blocks until the gate is done or ctx ends.
func (g *gate) wait(ctx context.Context) (InitResult, error) {
	g.mu.Lock()
	a := g.cur
	g.mu.Unlock()

	select {
	case <-a.done:
		return a.result, nil
	case <-ctx.Done():
		return InitResult{}, ctx.Err()
	}
}

// reset re-arms a done gate. An in-progress gate is left alone, and a gate
// that never started keeps its attempt so current waiters stay attached.
func (g *gate) reset() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.state {
	case GateInProgress:
		return false
	case GateDone:
		g.state = GateNotStarted
		g.cur = &attempt{done: make(chan struct{})}
	}
	return true
}

func (g *gate) State() GateState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}
