// Package tools holds the Tool Registry, the single dispatch point through
// which the session controller runs model-requested tools, and the myeloma
// research tools registered in it.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	lctools "github.com/tmc/langchaingo/tools"
	"go.uber.org/zap"
)

// ErrUnknownTool is returned by Invoke for names not in the registry.
var ErrUnknownTool = errors.New("tools: unknown tool")

// Tool is a langchaingo tool that also declares a JSON schema for its
// arguments. Call receives the raw JSON argument object.
type Tool interface {
	lctools.Tool
	Schema() map[string]any
}

// Spec is the model-facing descriptor of a tool.
type Spec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Registry maps tool names to tools. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	log   *zap.Logger
}

// NewRegistry returns a registry holding ts.
func NewRegistry(log *zap.Logger, ts ...Tool) (*Registry, error) {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{tools: make(map[string]Tool), log: log.Named("tools")}
	for _, t := range ts {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds t. Names must be unique.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tools: tool name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; ok {
		return fmt.Errorf("tools: duplicate tool %q", name)
	}
	r.tools[name] = t
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Specs returns the descriptors of every tool, sorted by name.
func (r *Registry) Specs() []Spec {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]Spec, 0, len(names))
	for _, n := range names {
		t := r.tools[n]
		specs = append(specs, Spec{Name: n, Description: t.Description(), Parameters: t.Schema()})
	}
	return specs
}

// Invoke runs the named tool with args. A panicking tool is reported as an
// error naming the arguments it was called with.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (out string, err error) {
	t, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownTool, name)
	}
	input := string(args)
	if input == "" {
		input = "{}"
	}

	defer func() {
		if p := recover(); p != nil {
			r.log.Error("tool panicked",
				zap.String("tool", name),
				zap.String("args", input),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()))
			out = ""
			err = fmt.Errorf("tools: %s panicked with args %s: %v", name, input, p)
		}
	}()

	out, err = t.Call(ctx, input)
	if err != nil {
		r.log.Info("tool failed", zap.String("tool", name), zap.Error(err))
		return "", fmt.Errorf("tools: %s: %w", name, err)
	}
	return out, nil
}

// decodeArgs unmarshals a tool's JSON input into v.
func decodeArgs(input string, v any) error {
	if input == "" {
		input = "{}"
	}
	if err := json.Unmarshal([]byte(input), v); err != nil {
		return fmt.Errorf("invalid arguments %s: %w", input, err)
	}
	return nil
}

// object builds a JSON schema for an object with the given string-typed
// properties, all required unless listed in optional.
func object(props map[string]map[string]any, optional ...string) map[string]any {
	opt := make(map[string]bool, len(optional))
	for _, o := range optional {
		opt[o] = true
	}
	properties := make(map[string]any, len(props))
	required := []string{}
	for name, p := range props {
		properties[name] = p
		if !opt[name] {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

// funcTool adapts a function into a Tool.
type funcTool struct {
	name        string
	description string
	schema      map[string]any
	call        func(ctx context.Context, input string) (string, error)
}

func (f *funcTool) Name() string           { return f.name }
func (f *funcTool) Description() string    { return f.description }
func (f *funcTool) Schema() map[string]any { return f.schema }
func (f *funcTool) Call(ctx context.Context, input string) (string, error) {
	return f.call(ctx, input)
}

// New returns a Tool backed by fn.
func New(name, description string, schema map[string]any, fn func(ctx context.Context, input string) (string, error)) Tool {
	if schema == nil {
		schema = object(nil)
	}
	return &funcTool{name: name, description: description, schema: schema, call: fn}
}

var _ lctools.Tool = (*funcTool)(nil)
