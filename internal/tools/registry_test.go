package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool(name string) Tool {
	return New(name, "echoes its input", nil, func(_ context.Context, input string) (string, error) {
		return input, nil
	})
}

func TestRegistry_DuplicateName(t *testing.T) {
	_, err := NewRegistry(nil, echoTool("lookup"), echoTool("lookup"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate tool")
}

func TestRegistry_SpecsSorted(t *testing.T) {
	r, err := NewRegistry(nil, echoTool("zeta"), echoTool("alpha"))
	require.NoError(t, err)

	specs := r.Specs()
	require.Len(t, specs, 2)
	assert.Equal(t, "alpha", specs[0].Name)
	assert.Equal(t, "zeta", specs[1].Name)
	assert.Equal(t, "object", specs[0].Parameters["type"])
}

func TestRegistry_InvokeUnknown(t *testing.T) {
	r, err := NewRegistry(nil)
	require.NoError(t, err)

	_, err = r.Invoke(context.Background(), "missing", nil)
	assert.True(t, errors.Is(err, ErrUnknownTool))
}

func TestRegistry_InvokePassesArgs(t *testing.T) {
	r, err := NewRegistry(nil, echoTool("lookup"))
	require.NoError(t, err)

	out, err := r.Invoke(context.Background(), "lookup", json.RawMessage(`{"query":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"query":"x"}`, out)

	out, err = r.Invoke(context.Background(), "lookup", nil)
	require.NoError(t, err)
	assert.Equal(t, `{}`, out)
}

func TestRegistry_InvokeRecoversPanic(t *testing.T) {
	boom := New("lookup", "panics", nil, func(_ context.Context, input string) (string, error) {
		var args struct {
			Query string `json:"query"`
		}
		_ = decodeArgs(input, &args)
		if args.Query == "bad" {
			panic("internal failure")
		}
		return "ok", nil
	})
	r, err := NewRegistry(nil, boom)
	require.NoError(t, err)

	_, err = r.Invoke(context.Background(), "lookup", json.RawMessage(`{"query": "bad"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
	assert.Contains(t, err.Error(), "internal failure")

	out, err := r.Invoke(context.Background(), "lookup", json.RawMessage(`{"query": "good"}`))
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestRegistry_InvokeWrapsError(t *testing.T) {
	fail := New("lookup", "fails", nil, func(context.Context, string) (string, error) {
		return "", errors.New("no such table")
	})
	r, err := NewRegistry(nil, fail)
	require.NoError(t, err)

	_, err = r.Invoke(context.Background(), "lookup", nil)
	require.Error(t, err)
	assert.Equal(t, "tools: lookup: no such table", err.Error())
}

func TestObjectSchema_Required(t *testing.T) {
	s := object(map[string]map[string]any{
		"b": prop("string", ""),
		"a": prop("string", ""),
		"c": prop("integer", ""),
	}, "c")
	assert.Equal(t, []string{"a", "b"}, s["required"])
}
