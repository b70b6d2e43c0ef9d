package agent

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zulandar/myelo/internal/gateway"
)

// ChunkKind identifies what a streamed Chunk carries.
type ChunkKind string

const (
	ChunkDelta      ChunkKind = "delta"       // partial model text
	ChunkToolCall   ChunkKind = "tool_call"   // a tool is about to run
	ChunkToolResult ChunkKind = "tool_result" // a tool finished
	ChunkAnswer     ChunkKind = "answer"      // the turn's final text
	ChunkRecovered  ChunkKind = "recovered"   // history was repaired mid-turn
	ChunkError      ChunkKind = "error"       // the turn ended without an answer
)

// Chunk is one incremental piece of a turn's output.
type Chunk struct {
	Kind    ChunkKind       `json:"kind"`
	Text    string          `json:"text,omitempty"`
	Tool    string          `json:"tool,omitempty"`
	CallID  string          `json:"call_id,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
	Step    int64           `json:"step,omitempty"`
	ErrKind string          `json:"err_kind,omitempty"`
}

// Error kinds reported on error chunks besides the gateway kinds.
const (
	errKindBudget   = "budget"
	errKindQuestion = "empty_question"
	errKindInternal = "internal"
)

func errorChunk(err error) Chunk {
	switch {
	case errors.Is(err, ErrBudgetExhausted):
		return Chunk{Kind: ChunkError, ErrKind: errKindBudget,
			Text: "Stopped before reaching an answer: too many tool calls for one question. Try a narrower question."}
	case errors.Is(err, ErrEmptyQuestion):
		return Chunk{Kind: ChunkError, ErrKind: errKindQuestion, Text: "Please enter a question."}
	}
	var gerr *gateway.Error
	if !errors.As(err, &gerr) {
		return Chunk{Kind: ChunkError, ErrKind: errKindInternal, Text: fmt.Sprintf("Error: %v", err)}
	}
	ch := Chunk{Kind: ChunkError, ErrKind: gerr.Kind.String()}
	switch gerr.Kind {
	case gateway.KindCapacity:
		ch.Text = "The conversation is too large for the model. Erase the session or ask a narrower question."
	case gateway.KindDanglingHistory:
		ch.Text = "The conversation history is inconsistent and could not be repaired. Erase the session and try again."
	case gateway.KindUnavailable:
		ch.Text = "The model service is unavailable. Please try again shortly."
	case gateway.KindCanceled:
		ch.Text = "The request was canceled."
	default:
		ch.Text = fmt.Sprintf("Error: %v", gerr.Err)
	}
	return ch
}

// emitter delivers chunks to an iterator consumer and remembers when the
// consumer stopped listening.
type emitter struct {
	yield   func(Chunk) bool
	stopped bool
}

func (e *emitter) send(ch Chunk) {
	if e.stopped || e.yield == nil {
		return
	}
	if !e.yield(ch) {
		e.stopped = true
	}
}

// discard is the emitter used where nobody is listening.
func discard() *emitter { return &emitter{} }
