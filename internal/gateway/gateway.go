// Package gateway is the boundary to the language model: it sends an ordered
// conversation plus tool descriptors and returns either final text or tool
// calls.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/myelo/internal/conversation"
	"github.com/zulandar/myelo/internal/tools"
)

// Request is one model round-trip.
type Request struct {
	Messages []conversation.Message
	Tools    []tools.Spec
	// OnDelta, when set, receives partial text as it streams in.
	OnDelta func(string)
}

// Reply is the model's answer to a Request. ToolCalls is non-empty when the
// model wants tools run; Text may accompany them.
type Reply struct {
	Text      string
	ToolCalls []conversation.ToolCall
}

// Gateway sends conversations to a model.
type Gateway interface {
	Send(ctx context.Context, req Request) (*Reply, error)
}

// Kind discriminates gateway failures so callers never match on messages.
type Kind int

const (
	KindUnknown Kind = iota
	// KindDanglingHistory: the conversation has tool calls without results.
	KindDanglingHistory
	// KindCapacity: the request is too large or quota is exhausted.
	KindCapacity
	// KindUnavailable: the model service is temporarily failing.
	KindUnavailable
	// KindRejected: the request was refused for any other reason.
	KindRejected
	// KindCanceled: the caller's context ended.
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindDanglingHistory:
		return "dangling_history"
	case KindCapacity:
		return "capacity"
	case KindUnavailable:
		return "unavailable"
	case KindRejected:
		return "rejected"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Error is the structured failure returned by every Gateway.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or KindUnknown when err is not a gateway
// error.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindUnknown
}

// Validate rejects a conversation whose assistant tool calls are not
// answered by matching tool results.
func Validate(msgs []conversation.Message) error {
	if i, ok := conversation.LastDangling(msgs); ok {
		return &Error{
			Kind: KindDanglingHistory,
			Err:  fmt.Errorf("message %d has %d tool call(s) without results", i, len(msgs[i].ToolCalls)),
		}
	}
	return nil
}
