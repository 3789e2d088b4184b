package tool

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(_ context.Context, args json.RawMessage) (string, error) {
	var payload struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &payload); err != nil {
		return "", err
	}
	return payload.Text, nil
}

func TestRegister_RejectsMutatingAndParallelSafe(t *testing.T) {
	r := NewRegistry()
	err := r.Register(Descriptor{
		Name:           "write_file",
		Handler:        echoHandler,
		IsCodeMutating: true,
		ParallelSafe:   true,
	})
	require.Error(t, err)
}

func TestRegister_RequiresHandler(t *testing.T) {
	r := NewRegistry()
	err := r.Register(Descriptor{Name: "no_handler"})
	require.Error(t, err)
}

func TestExecute_UnknownTool(t *testing.T) {
	r := NewRegistry()
	res, err := r.Execute(context.Background(), "missing", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, res.IsError)

	var toolErr *Error
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, ErrorTypeUnknownTool, toolErr.Type)
	assert.Contains(t, res.Content, "⚠️ UNKNOWN_TOOL: missing. Available:")
}

func TestExecute_SchemaValidation(t *testing.T) {
	r := NewRegistry()
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"text": {"type": "string"}},
		"required": ["text"]
	}`)
	require.NoError(t, r.Register(Descriptor{
		Name:       "echo",
		JSONSchema: schema,
		Handler:    echoHandler,
	}))

	badRes, err := r.Execute(context.Background(), "echo", json.RawMessage(`{}`))
	require.Error(t, err)

	var toolErr *Error
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, ErrorTypeBadArguments, toolErr.Type)
	assert.Contains(t, badRes.Content, "⚠️ TOOL_ARG_ERROR:")

	res, err := r.Execute(context.Background(), "echo", json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Content)
	assert.False(t, res.IsError)
}

func TestExecute_Timeout(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{
		Name:       "slow",
		TimeoutSec: 1,
		Handler: func(ctx context.Context, _ json.RawMessage) (string, error) {
			select {
			case <-time.After(2 * time.Second):
				return "done", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	}))

	res, err := r.Execute(context.Background(), "slow", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, res.IsError)

	var toolErr *Error
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, ErrorTypeTimeout, toolErr.Type)
}

func TestExecute_HandlerPanicRecovered(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{
		Name: "boom",
		Handler: func(_ context.Context, _ json.RawMessage) (string, error) {
			panic("kaboom")
		},
	}))

	res, err := r.Execute(context.Background(), "boom", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, res.IsError)

	var toolErr *Error
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, ErrorTypeHandlerPanic, toolErr.Type)
	assert.Contains(t, res.Content, "⚠️ TOOL_ERROR (boom):")
}

func TestExecute_TruncatesLongResult(t *testing.T) {
	r := NewRegistry()
	long := make([]byte, MaxResultChars+500)
	for i := range long {
		long[i] = 'a'
	}
	require.NoError(t, r.Register(Descriptor{
		Name: "bigoutput",
		Handler: func(_ context.Context, _ json.RawMessage) (string, error) {
			return string(long), nil
		},
	}))

	res, err := r.Execute(context.Background(), "bigoutput", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Less(t, len(res.Content), len(long))
	assert.Contains(t, res.Content, "truncated")
}

func TestIsParallelSafeAndIsCodeMutating(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{Name: "reader", Handler: echoHandler, ParallelSafe: true}))
	require.NoError(t, r.Register(Descriptor{Name: "writer", Handler: echoHandler, IsCodeMutating: true}))

	assert.True(t, r.IsParallelSafe("reader"))
	assert.False(t, r.IsCodeMutating("reader"))
	assert.True(t, r.IsCodeMutating("writer"))
	assert.False(t, r.IsParallelSafe("writer"))
}
