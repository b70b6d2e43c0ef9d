// Package agent is the session controller: it runs the tool-calling
// conversation loop for each session, checkpoints every step, gates each
// login behind a single initialization and repairs histories left dangling
// by a crash.
package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zulandar/myelo/internal/checkpoint"
	"github.com/zulandar/myelo/internal/conversation"
	"github.com/zulandar/myelo/internal/gateway"
	"github.com/zulandar/myelo/internal/prompt"
	"github.com/zulandar/myelo/internal/tools"
)

// Default gateway round-trip budgets.
const (
	DefaultTurnBudget = 25
	DefaultInitBudget = 3
)

// DefaultInitTimeout bounds one initialization, store and gateway included.
const DefaultInitTimeout = 2 * time.Minute

var (
	// ErrBudgetExhausted ends a turn that kept calling tools past its budget.
	ErrBudgetExhausted = errors.New("agent: gateway round-trip budget exhausted")
	// ErrEmptyQuestion rejects a blank question.
	ErrEmptyQuestion = errors.New("agent: question is empty")
)

// Messages resolving the gate when initialization could not produce an answer.
const (
	recoveredText  = "The previous session was interrupted and its history has been repaired. Please ask your question again."
	initFailedText = "Initialization failed: %v. You can still ask a question, or erase the session to start over."
)

// Preambler supplies the current system preamble.
type Preambler interface {
	Preamble() string
}

// Opts holds the controller's collaborators.
type Opts struct {
	Store      checkpoint.Store
	Gateway    gateway.Gateway
	Tools      *tools.Registry
	Prompt     Preambler
	Greeting   string // initialization user message
	TurnBudget int
	InitBudget int

	// InitTimeout bounds each initialization; on expiry the gate resolves
	// as failed.
	InitTimeout time.Duration
	Logger      *zap.Logger
}

// Controller owns every session's conversation loop.
type Controller struct {
	store       checkpoint.Store
	gateway     gateway.Gateway
	tools       *tools.Registry
	prompt      Preambler
	greeting    string
	turnBudget  int
	initBudget  int
	initTimeout time.Duration
	log         *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
	inits    sync.WaitGroup
}

// session is the per-session state held in memory.
type session struct {
	gate *gate
	// turn serializes initialization, turns, repair and erase.
	turn sync.Mutex
	refs int // guarded by Controller.mu
}

// New validates opts and returns a Controller.
func New(opts Opts) (*Controller, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("agent: store is required")
	}
	if opts.Gateway == nil {
		return nil, fmt.Errorf("agent: gateway is required")
	}
	if opts.Tools == nil {
		return nil, fmt.Errorf("agent: tools are required")
	}
	if opts.Prompt == nil {
		return nil, fmt.Errorf("agent: prompt is required")
	}
	if opts.Greeting == "" {
		opts.Greeting = prompt.DefaultGreeting
	}
	if opts.TurnBudget <= 0 {
		opts.TurnBudget = DefaultTurnBudget
	}
	if opts.InitBudget <= 0 {
		opts.InitBudget = DefaultInitBudget
	}
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = DefaultInitTimeout
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		store:       opts.Store,
		gateway:     opts.Gateway,
		tools:       opts.Tools,
		prompt:      opts.Prompt,
		greeting:    opts.Greeting,
		turnBudget:  opts.TurnBudget,
		initBudget:  opts.InitBudget,
		initTimeout: opts.InitTimeout,
		log:         log.Named("agent"),
		sessions:    make(map[string]*session),
	}, nil
}

// acquire returns the session's state, creating it on first use. The entry
// stays in the map until the matching release, so every caller of one id
// shares one turn lock.
func (c *Controller) acquire(id string) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		s = &session{gate: newGate()}
		c.sessions[id] = s
	}
	s.refs++
	return s
}

func (c *Controller) release(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s.refs--
}

// peek returns the session's state without creating it.
func (c *Controller) peek(id string) (*session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	return s, ok
}

// State reports a session's initialization state.
func (c *Controller) State(id string) GateState {
	s, ok := c.peek(id)
	if !ok {
		return GateNotStarted
	}
	return s.gate.State()
}

// StartInitialize launches the session's initialization in the background
// unless it already started. It reports whether this call launched it.
func (c *Controller) StartInitialize(id string) bool {
	s := c.acquire(id)
	defer c.release(s)
	return c.start(id, s)
}

// start claims s's gate and runs the initialization in the background. The
// background run holds its own reference to s until it unlocks the turn.
func (c *Controller) start(id string, s *session) bool {
	if !s.gate.claim() {
		return false
	}
	c.mu.Lock()
	s.refs++
	c.mu.Unlock()
	c.inits.Go(func() { c.initialize(id, s) })
	return true
}

// Initialize starts the session's initialization if needed and waits for
// it. The only error is ctx ending while waiting; a failed initialization
// resolves with Failed set.
func (c *Controller) Initialize(ctx context.Context, id string) (InitResult, error) {
	res, _, err := c.InitializeClaim(ctx, id)
	return res, err
}

// InitializeClaim is Initialize that also reports whether this caller
// launched the initialization. Every other caller observes the same result.
func (c *Controller) InitializeClaim(ctx context.Context, id string) (InitResult, bool, error) {
	s := c.acquire(id)
	defer c.release(s)
	started := c.start(id, s)
	res, err := s.gate.wait(ctx)
	return res, started, err
}

// Reset re-arms the session's gate for a new login. It returns false while
// an initialization is running.
func (c *Controller) Reset(id string) bool {
	s, ok := c.peek(id)
	if !ok {
		return true
	}
	return s.gate.reset()
}

// Wait blocks until background initializations have finished.
func (c *Controller) Wait() {
	c.inits.Wait()
}

// initialize runs the preamble and greeting through the loop with the init
// budget. The gate is resolved on every path, panics included.
func (c *Controller) initialize(id string, s *session) {
	log := c.log.With(zap.String("session", id))
	s.turn.Lock()
	defer s.turn.Unlock()
	defer c.release(s)

	var res InitResult
	defer func() {
		if r := recover(); r != nil {
			log.Error("initialization panicked", zap.Any("panic", r))
			res = InitResult{Text: fmt.Sprintf(initFailedText, r), Failed: true}
		}
		s.gate.resolve(res)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), c.initTimeout)
	defer cancel()
	preamble := c.prompt.Preamble()
	text, err := c.run(ctx, id, turnInput{
		preamble: preamble,
		messages: []conversation.Message{conversation.User(c.greeting)},
		budget:   c.initBudget,
		source:   checkpoint.SourceInit,
	}, discard())
	if err == nil {
		log.Info("session initialized")
		res = InitResult{Text: text}
		return
	}

	if gateway.KindOf(err) == gateway.KindDanglingHistory {
		rep, rerr := c.repair(ctx, id)
		switch {
		case rerr != nil:
			err = rerr
		case rep.Outcome == OutcomeRepaired:
			if werr := c.restorePreamble(ctx, id, preamble); werr != nil {
				err = werr
				break
			}
			log.Info("session initialized after repair", zap.Int64("new_step", rep.NewStep))
			res = InitResult{Text: recoveredText, Recovered: true}
			return
		}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = &gateway.Error{Kind: gateway.KindCanceled, Err: fmt.Errorf("timed out after %s: %w", c.initTimeout, err)}
	}
	log.Warn("initialization failed", zap.Error(err))
	res = InitResult{Text: fmt.Sprintf(initFailedText, err), Failed: true}
}

// restorePreamble checkpoints the preamble after a repair unless the
// surviving history already ends with it as its latest system message.
func (c *Controller) restorePreamble(ctx context.Context, id, preamble string) error {
	hist, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	msgs := withPreamble(hist, preamble, nil)
	if len(msgs) == 0 {
		return nil
	}
	if _, err := c.store.Append(ctx, id, checkpoint.SourceRepair, msgs); err != nil {
		return fmt.Errorf("agent: restore preamble: %w", err)
	}
	return nil
}

// Ask runs one turn for question and streams its chunks. It first waits for
// the session's initialization. The sequence always yields at least one
// chunk: an answer, or an error chunk.
func (c *Controller) Ask(ctx context.Context, id, question string) iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		out := &emitter{yield: yield}
		question = strings.TrimSpace(question)
		if question == "" {
			out.send(errorChunk(ErrEmptyQuestion))
			return
		}
		s := c.acquire(id)
		defer c.release(s)
		c.start(id, s)
		if _, err := s.gate.wait(ctx); err != nil {
			out.send(errorChunk(&gateway.Error{Kind: gateway.KindCanceled, Err: err}))
			return
		}

		s.turn.Lock()
		defer s.turn.Unlock()
		c.turn(ctx, id, question, out)
	}
}

func (c *Controller) turn(ctx context.Context, id, question string, out *emitter) {
	in := turnInput{
		messages: []conversation.Message{conversation.User(question)},
		budget:   c.turnBudget,
		source:   checkpoint.SourceLoop,
	}
	_, err := c.run(ctx, id, in, out)
	if err == nil || errors.Is(err, errDetached) {
		return
	}

	if gateway.KindOf(err) == gateway.KindDanglingHistory {
		rep, rerr := c.repair(ctx, id)
		if rerr != nil {
			out.send(errorChunk(rerr))
			return
		}
		if rep.Outcome == OutcomeRepaired {
			out.send(Chunk{
				Kind: ChunkRecovered,
				Text: fmt.Sprintf("Recovered from an interrupted session: removed %d message(s) with unanswered tool calls.", rep.Dropped),
				Step: rep.NewStep,
			})
			if out.stopped {
				return
			}
			// The cut may have removed the preamble.
			in.preamble = c.prompt.Preamble()
			_, err = c.run(ctx, id, in, out)
			if err == nil || errors.Is(err, errDetached) {
				return
			}
		}
	}
	out.send(errorChunk(err))
}

// Erase waits for any turn in flight, deletes every checkpoint of the
// session and forgets its in-memory state, so the next contact starts a
// fresh initialization.
func (c *Controller) Erase(ctx context.Context, id string) error {
	s := c.acquire(id)
	defer c.release(s)
	s.turn.Lock()
	defer s.turn.Unlock()

	n, err := c.store.DeleteAll(ctx, id)
	if err != nil {
		return fmt.Errorf("agent: erase %s: %w", id, err)
	}
	if s.gate.reset() {
		c.forget(id, s)
	}
	c.log.Info("session erased", zap.String("session", id), zap.Int64("deleted", n))
	return nil
}

// forget drops the session's entry when the caller holds the only
// reference and no initialization claimed the gate.
func (c *Controller) forget(id string, s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[id] == s && s.refs == 1 && s.gate.State() == GateNotStarted {
		delete(c.sessions, id)
	}
}

// tracked reports how many sessions hold in-memory state.
func (c *Controller) tracked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// History returns the session's persisted conversation.
func (c *Controller) History(ctx context.Context, id string) ([]conversation.Message, error) {
	return c.load(ctx, id)
}
