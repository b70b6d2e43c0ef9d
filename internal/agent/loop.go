package agent

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/zulandar/myelo/internal/checkpoint"
	"github.com/zulandar/myelo/internal/conversation"
	"github.com/zulandar/myelo/internal/gateway"
)

var (
	// errDetached ends a turn whose consumer stopped reading.
	errDetached = errors.New("agent: consumer stopped")
	// errEmptyReply is never checkpointed as an answer.
	errEmptyReply = errors.New("agent: model returned an empty reply")
)

// load returns the session's persisted history, nil when it has none.
func (c *Controller) load(ctx context.Context, id string) ([]conversation.Message, error) {
	snap, err := c.store.Latest(ctx, id)
	if errors.Is(err, checkpoint.ErrNoCheckpoint) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("agent: load %s: %w", id, err)
	}
	return snap.Messages, nil
}

func stamped(msgs []conversation.Message, step int64) []conversation.Message {
	out := conversation.Clone(msgs)
	for i := range out {
		out[i].Step = step
	}
	return out
}

// withPreamble prefixes input with preamble unless it is already the latest
// system message in history.
func withPreamble(history []conversation.Message, preamble string, input []conversation.Message) []conversation.Message {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == conversation.RoleSystem {
			if history[i].Content == preamble {
				return input
			}
			break
		}
	}
	return append([]conversation.Message{conversation.System(preamble)}, input...)
}

// turnInput is what one run adds to the history.
type turnInput struct {
	// preamble, when set, is prepended unless the history already carries it.
	preamble string
	messages []conversation.Message
	budget   int
	source   string
}

// run drives the conversation loop for one turn. The input is sent after
// the persisted history and is checkpointed together with the model's first
// reply. Each tool round writes two checkpoints: the assistant message with
// its calls, then the tool results. A final text reply is one checkpoint.
func (c *Controller) run(ctx context.Context, id string, in turnInput, out *emitter) (string, error) {
	log := c.log.With(zap.String("session", id))
	budget, source := in.budget, in.source

	history, err := c.load(ctx, id)
	if err != nil {
		return "", err
	}
	pending := conversation.Clone(in.messages)
	if in.preamble != "" {
		pending = withPreamble(history, in.preamble, pending)
	}
	specs := c.tools.Specs()

	for round := range budget {
		msgs := make([]conversation.Message, 0, len(history)+len(pending))
		msgs = append(append(msgs, history...), pending...)

		reply, err := c.gateway.Send(ctx, gateway.Request{
			Messages: msgs,
			Tools:    specs,
			OnDelta: func(text string) {
				out.send(Chunk{Kind: ChunkDelta, Text: text})
			},
		})
		if err != nil {
			log.Warn("gateway call failed", zap.Int("round", round), zap.Stringer("kind", gateway.KindOf(err)), zap.Error(err))
			return "", err
		}

		if len(reply.ToolCalls) == 0 && reply.Text == "" {
			log.Warn("gateway returned an empty reply", zap.Int("round", round))
			return "", &gateway.Error{Kind: gateway.KindRejected, Err: errEmptyReply}
		}
		if len(reply.ToolCalls) == 0 {
			answer := conversation.Assistant(reply.Text)
			step, err := c.store.Append(ctx, id, source, append(pending, answer))
			if err != nil {
				return "", fmt.Errorf("agent: checkpoint answer: %w", err)
			}
			log.Debug("turn answered", zap.Int("round", round), zap.Int64("step", step))
			out.send(Chunk{Kind: ChunkAnswer, Text: reply.Text, Step: step})
			return reply.Text, nil
		}

		call := conversation.Assistant(reply.Text, reply.ToolCalls...)
		step, err := c.store.Append(ctx, id, source, append(pending, call))
		if err != nil {
			return "", fmt.Errorf("agent: checkpoint tool calls: %w", err)
		}
		history = append(history, stamped(append(pending, call), step)...)
		pending = nil

		// From here the results must be written even if the caller goes away.
		tctx := context.WithoutCancel(ctx)
		results := make([]conversation.Message, 0, len(reply.ToolCalls))
		for _, tc := range reply.ToolCalls {
			out.send(Chunk{Kind: ChunkToolCall, Tool: tc.Name, CallID: tc.ID, Args: tc.Args, Step: step})
			res, err := c.tools.Invoke(tctx, tc.Name, tc.Args)
			msg := conversation.ToolResult(tc.ID, tc.Name, res, false)
			if err != nil {
				log.Info("tool failed", zap.String("tool", tc.Name), zap.String("call_id", tc.ID), zap.Error(err))
				msg = conversation.ToolResult(tc.ID, tc.Name, err.Error(), true)
			}
			results = append(results, msg)
			out.send(Chunk{Kind: ChunkToolResult, Tool: tc.Name, CallID: tc.ID, Text: msg.Content, IsError: msg.IsError, Step: step})
		}
		rstep, err := c.store.Append(tctx, id, checkpoint.SourceTools, results)
		if err != nil {
			return "", fmt.Errorf("agent: checkpoint tool results: %w", err)
		}
		history = append(history, stamped(results, rstep)...)

		if out.stopped {
			return "", errDetached
		}
	}
	log.Warn("turn budget exhausted", zap.Int("budget", budget))
	return "", ErrBudgetExhausted
}
