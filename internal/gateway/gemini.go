package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/zulandar/myelo/internal/conversation"
	"github.com/zulandar/myelo/internal/tools"
)

// localIDPrefix marks call ids minted here because the model sent none.
// They are never sent back to the API.
const localIDPrefix = "call_"

const (
	roleUser  = string(genai.RoleUser)
	roleModel = string(genai.RoleModel)
)

// streamer is the part of genai.Models the gateway uses.
type streamer interface {
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

// GeminiOpts holds parameters for NewGemini.
type GeminiOpts struct {
	APIKey      string
	Model       string
	Temperature float32

	// RequestTimeout bounds each HTTP request to the API. Zero means no
	// client-side limit.
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// Gemini is a Gateway backed by the Gemini API with function calling.
type Gemini struct {
	models      streamer
	model       string
	temperature float32
	log         *zap.Logger
}

// NewGemini creates a Gemini gateway.
func NewGemini(ctx context.Context, opts GeminiOpts) (*Gemini, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("gateway: api key is required")
	}
	if opts.Model == "" {
		return nil, fmt.Errorf("gateway: model is required")
	}
	client, err := genai.NewClient(ctx, clientConfig(opts))
	if err != nil {
		return nil, fmt.Errorf("gateway: create genai client: %w", err)
	}
	return newGemini(client.Models, opts), nil
}

func clientConfig(opts GeminiOpts) *genai.ClientConfig {
	cc := &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if opts.RequestTimeout > 0 {
		cc.HTTPOptions.Timeout = genai.Ptr(opts.RequestTimeout)
	}
	return cc
}

func newGemini(models streamer, opts GeminiOpts) *Gemini {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Gemini{
		models:      models,
		model:       opts.Model,
		temperature: opts.Temperature,
		log:         log.Named("gateway"),
	}
}

// Send implements Gateway.
func (g *Gemini) Send(ctx context.Context, req Request) (*Reply, error) {
	if err := Validate(req.Messages); err != nil {
		return nil, err
	}
	system, contents, err := toContents(req.Messages)
	if err != nil {
		return nil, &Error{Kind: KindRejected, Err: err}
	}
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: system,
		Temperature:       genai.Ptr(g.temperature),
	}
	if len(req.Tools) > 0 {
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: declarations(req.Tools)}}
	}

	reply := &Reply{}
	var text strings.Builder
	var finish genai.FinishReason
	var blocked genai.BlockedReason
	for resp, err := range g.models.GenerateContentStream(ctx, g.model, contents, cfg) {
		if err != nil {
			ge := classify(ctx, err)
			g.log.Warn("generate failed", zap.Stringer("kind", ge.Kind), zap.Error(err))
			return nil, ge
		}
		if resp != nil && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			blocked = resp.PromptFeedback.BlockReason
		}
		if resp == nil || len(resp.Candidates) == 0 {
			continue
		}
		if r := resp.Candidates[0].FinishReason; r != "" {
			finish = r
		}
		if resp.Candidates[0].Content == nil {
			continue
		}
		for _, part := range resp.Candidates[0].Content.Parts {
			switch {
			case part == nil || part.Thought:
			case part.FunctionCall != nil:
				reply.ToolCalls = append(reply.ToolCalls, fromFunctionCall(part.FunctionCall))
			case part.Text != "":
				text.WriteString(part.Text)
				if req.OnDelta != nil {
					req.OnDelta(part.Text)
				}
			}
		}
	}
	reply.Text = text.String()
	if reply.Text == "" && len(reply.ToolCalls) == 0 {
		err := emptyReply(finish, blocked)
		g.log.Warn("empty reply", zap.String("finish_reason", string(finish)), zap.String("block_reason", string(blocked)))
		return nil, &Error{Kind: KindRejected, Err: err}
	}
	return reply, nil
}

// emptyReply describes why the model produced neither text nor calls.
func emptyReply(finish genai.FinishReason, blocked genai.BlockedReason) error {
	switch {
	case blocked != "":
		return fmt.Errorf("prompt blocked (%s)", blocked)
	case finish == "":
		return errors.New("model returned an empty reply")
	default:
		return fmt.Errorf("model returned an empty reply (finish reason %s)", finish)
	}
}

func fromFunctionCall(fc *genai.FunctionCall) conversation.ToolCall {
	id := fc.ID
	if id == "" {
		id = localIDPrefix + uuid.NewString()
	}
	args, err := json.Marshal(fc.Args)
	if err != nil || fc.Args == nil {
		args = []byte("{}")
	}
	return conversation.ToolCall{ID: id, Name: fc.Name, Args: args}
}

// remoteID returns the id to send to the API for a call id, or "".
func remoteID(id string) string {
	if strings.HasPrefix(id, localIDPrefix) {
		return ""
	}
	return id
}

// toContents maps a conversation onto Gemini contents. The latest system
// message becomes the system instruction; earlier ones are superseded.
// Consecutive tool results share one user content.
func toContents(msgs []conversation.Message) (*genai.Content, []*genai.Content, error) {
	var sys *string
	var out []*genai.Content
	push := func(role string, parts ...*genai.Part) {
		if n := len(out); n > 0 && role == roleUser && out[n-1].Role == roleUser &&
			isResponse(out[n-1].Parts) && isResponse(parts) {
			out[n-1].Parts = append(out[n-1].Parts, parts...)
			return
		}
		out = append(out, &genai.Content{Role: role, Parts: parts})
	}

	for i, m := range msgs {
		switch m.Role {
		case conversation.RoleSystem:
			sys = &m.Content
		case conversation.RoleUser:
			push(roleUser, genai.NewPartFromText(m.Content))
		case conversation.RoleAssistant:
			var parts []*genai.Part
			if m.Content != "" {
				parts = append(parts, genai.NewPartFromText(m.Content))
			}
			for _, c := range m.ToolCalls {
				args := map[string]any{}
				if len(c.Args) > 0 {
					if err := json.Unmarshal(c.Args, &args); err != nil {
						return nil, nil, fmt.Errorf("message %d: call %s args: %w", i, c.ID, err)
					}
				}
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   remoteID(c.ID),
					Name: c.Name,
					Args: args,
				}})
			}
			if len(parts) == 0 {
				continue
			}
			push(roleModel, parts...)
		case conversation.RoleTool:
			key := "output"
			if m.IsError {
				key = "error"
			}
			push(roleUser, &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       remoteID(m.CallID),
				Name:     m.ToolName,
				Response: map[string]any{key: m.Content},
			}})
		default:
			return nil, nil, fmt.Errorf("message %d: unknown role %q", i, m.Role)
		}
	}

	var system *genai.Content
	if sys != nil {
		system = genai.NewContentFromText(*sys, genai.RoleUser)
	}
	return system, out, nil
}

func isResponse(parts []*genai.Part) bool {
	for _, p := range parts {
		if p.FunctionResponse == nil {
			return false
		}
	}
	return len(parts) > 0
}

func declarations(specs []tools.Spec) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, s := range specs {
		out = append(out, &genai.FunctionDeclaration{
			Name:                 s.Name,
			Description:          s.Description,
			ParametersJsonSchema: s.Parameters,
		})
	}
	return out
}

// classify maps a genai failure onto a gateway Kind.
func classify(ctx context.Context, err error) *Error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindCanceled, Err: err}
	}

	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
	case errors.As(err, &apiErrPtr) && apiErrPtr != nil:
		apiErr = *apiErrPtr
	default:
		return &Error{Kind: KindUnavailable, Err: err}
	}

	switch {
	case apiErr.Code == http.StatusRequestEntityTooLarge,
		apiErr.Code == http.StatusTooManyRequests,
		apiErr.Status == "RESOURCE_EXHAUSTED",
		strings.Contains(apiErr.Message, "exceeds the maximum number of tokens"):
		return &Error{Kind: KindCapacity, Err: err}
	case apiErr.Code == http.StatusBadRequest && strings.Contains(strings.ToLower(apiErr.Message), "function response"):
		return &Error{Kind: KindDanglingHistory, Err: err}
	case apiErr.Code >= 500:
		return &Error{Kind: KindUnavailable, Err: err}
	default:
		return &Error{Kind: KindRejected, Err: err}
	}
}

var _ Gateway = (*Gemini)(nil)
