package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zulandar/myelo/internal/checkpoint"
	"github.com/zulandar/myelo/internal/conversation"
	"github.com/zulandar/myelo/internal/db"
	"github.com/zulandar/myelo/internal/gateway"
	"github.com/zulandar/myelo/internal/prompt"
	"github.com/zulandar/myelo/internal/tools"
)

const preamble = "You are a myeloma research assistant."

// scripted is one canned gateway response.
type scripted struct {
	reply *gateway.Reply
	err   error
	panic any
}

func text(s string) scripted { return scripted{reply: &gateway.Reply{Text: s}} }

func calls(tcs ...conversation.ToolCall) scripted {
	return scripted{reply: &gateway.Reply{ToolCalls: tcs}}
}

func fail(kind gateway.Kind, msg string) scripted {
	return scripted{err: &gateway.Error{Kind: kind, Err: errors.New(msg)}}
}

func lookup(id, query string) conversation.ToolCall {
	args, _ := json.Marshal(map[string]string{"query": query})
	return conversation.ToolCall{ID: id, Name: "lookup", Args: args}
}

// fakeGateway replays a script and records every request. Like the real
// gateway it rejects dangling histories before answering. Once the script
// runs out it answers "done".
type fakeGateway struct {
	mu       sync.Mutex
	script   []scripted
	requests [][]conversation.Message
	stream   bool
	block    chan struct{} // when set, Send waits for it to close
}

func (g *fakeGateway) Send(ctx context.Context, req gateway.Request) (*gateway.Reply, error) {
	if g.block != nil {
		select {
		case <-g.block:
		case <-ctx.Done():
			return nil, &gateway.Error{Kind: gateway.KindCanceled, Err: ctx.Err()}
		}
	}

	g.mu.Lock()
	g.requests = append(g.requests, conversation.Clone(req.Messages))
	if err := gateway.Validate(req.Messages); err != nil {
		g.mu.Unlock()
		return nil, err
	}
	next := text("done")
	if len(g.script) > 0 {
		next, g.script = g.script[0], g.script[1:]
	}
	stream := g.stream
	g.mu.Unlock()

	if next.panic != nil {
		panic(next.panic)
	}
	if next.err != nil {
		return nil, next.err
	}
	if stream && next.reply.Text != "" && req.OnDelta != nil {
		req.OnDelta(next.reply.Text)
	}
	return next.reply, nil
}

func (g *fakeGateway) push(s ...scripted) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.script = append(g.script, s...)
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

func (g *fakeGateway) request(i int) []conversation.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[i]
}

// refs reports how many callers pin the session's in-memory state.
func refs(c *Controller, id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[id]; ok {
		return s.refs
	}
	return 0
}

// mutablePrompt is a preamble that can change between logins.
type mutablePrompt struct {
	mu   sync.Mutex
	text string
}

func (p *mutablePrompt) Preamble() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.text
}

func (p *mutablePrompt) set(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.text = text
}

// lookupTool answers queries and panics on "bad".
func lookupTool() tools.Tool {
	return tools.New("lookup", "looks things up", nil, func(_ context.Context, input string) (string, error) {
		var args struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal([]byte(input), &args); err != nil {
			return "", err
		}
		if args.Query == "bad" {
			panic("internal failure")
		}
		return "found " + args.Query, nil
	})
}

func newStore(t *testing.T) checkpoint.Store {
	t.Helper()
	gdb, err := db.ConnectSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(gdb))
	store, err := checkpoint.NewSQLStore(checkpoint.SQLStoreOpts{DB: gdb})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newController(t *testing.T, store checkpoint.Store, gw gateway.Gateway, mutate ...func(*Opts)) *Controller {
	t.Helper()
	reg, err := tools.NewRegistry(nil, lookupTool())
	require.NoError(t, err)
	opts := Opts{
		Store:    store,
		Gateway:  gw,
		Tools:    reg,
		Prompt:   prompt.Static(preamble),
		Greeting: "hi",
	}
	for _, m := range mutate {
		m(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(c.Wait)
	return c
}

func collect(seq iter.Seq[Chunk]) []Chunk {
	var out []Chunk
	for ch := range seq {
		out = append(out, ch)
	}
	return out
}

func kinds(chunks []Chunk) []ChunkKind {
	out := make([]ChunkKind, len(chunks))
	for i, ch := range chunks {
		out[i] = ch.Kind
	}
	return out
}

func latest(t *testing.T, store checkpoint.Store, id string) []conversation.Message {
	t.Helper()
	snap, err := store.Latest(context.Background(), id)
	require.NoError(t, err)
	return snap.Messages
}

func steps(t *testing.T, store checkpoint.Store, id string) []int64 {
	t.Helper()
	s, err := store.Steps(context.Background(), id)
	require.NoError(t, err)
	return s
}

// seedDangling writes a history whose last checkpoint, at step 7, is an
// assistant message calling lookup with id 42 and no result.
func seedDangling(t *testing.T, store checkpoint.Store, id string) []conversation.Message {
	t.Helper()
	ctx := context.Background()
	_, err := store.Append(ctx, id, checkpoint.SourceInit, []conversation.Message{
		conversation.System(preamble), conversation.User("hi"), conversation.Assistant("hello"),
	})
	require.NoError(t, err)
	for i := 1; i <= 6; i += 2 {
		callID := fmt.Sprintf("c%d", i)
		_, err = store.Append(ctx, id, checkpoint.SourceLoop, []conversation.Message{
			conversation.User("q"), conversation.Assistant("", lookup(callID, "x")),
		})
		require.NoError(t, err)
		_, err = store.Append(ctx, id, checkpoint.SourceTools, []conversation.Message{
			conversation.ToolResult(callID, "lookup", "found x", false),
		})
		require.NoError(t, err)
	}
	step, err := store.Append(ctx, id, checkpoint.SourceLoop, []conversation.Message{
		conversation.Assistant("", lookup("42", "x")),
	})
	require.NoError(t, err)
	require.Equal(t, int64(7), step)
	return latest(t, store, id)
}

// failingStore fails the operations named in failOn.
type failingStore struct {
	checkpoint.Store
	failDeleteFrom bool
	failAppend     bool
}

var errStoreDown = errors.New("store unreachable")

func (s *failingStore) DeleteFrom(ctx context.Context, id string, step int64) (int64, error) {
	if s.failDeleteFrom {
		return 0, errStoreDown
	}
	return s.Store.DeleteFrom(ctx, id, step)
}

func (s *failingStore) Append(ctx context.Context, id, source string, delta []conversation.Message) (int64, error) {
	if s.failAppend {
		return 0, errStoreDown
	}
	return s.Store.Append(ctx, id, source, delta)
}
