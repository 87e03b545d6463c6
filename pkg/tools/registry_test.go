package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool() Definition {
	return Definition{
		Name:        "echo",
		Description: "Returns its input",
		Parameters: []Parameter{
			{Name: "text", Type: "string", Description: "Text to echo", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			return params["text"], nil
		},
	}
}

func TestRegisterAndExecute(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool()))

	result := r.Execute(context.Background(), "echo", map[string]any{"text": "hello"}, time.Second)
	assert.True(t, result.Success)
	assert.Equal(t, "hello", result.Output)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool()))
	err := r.Register(echoTool())
	assert.ErrorContains(t, err, "already registered")
}

func TestRegisterRejectsInvalidDefinitions(t *testing.T) {
	r := NewRegistry()

	err := r.Register(Definition{Description: "no name", Handler: func(ctx context.Context, p map[string]any) (any, error) { return nil, nil }})
	assert.Error(t, err)

	err = r.Register(Definition{Name: "nohandler", Description: "x"})
	assert.Error(t, err)

	err = r.Register(Definition{
		Name:        "badtype",
		Description: "x",
		Parameters:  []Parameter{{Name: "p", Type: "tuple", Description: "x"}},
		Handler:     func(ctx context.Context, p map[string]any) (any, error) { return nil, nil },
	})
	assert.Error(t, err)
}

func TestExecuteValidatesArguments(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool()))

	// Missing required argument
	result := r.Execute(context.Background(), "echo", map[string]any{}, time.Second)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "validation")

	// Unknown argument rejected by additionalProperties
	result = r.Execute(context.Background(), "echo", map[string]any{"text": "x", "bogus": 1}, time.Second)
	assert.False(t, result.Success)

	// Wrong type
	result = r.Execute(context.Background(), "echo", map[string]any{"text": 42}, time.Second)
	assert.False(t, result.Success)
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	result := r.Execute(context.Background(), "missing", nil, time.Second)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "tool not found")
}

func TestExecuteHandlerErrorIsData(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Definition{
		Name:        "boom",
		Description: "Always fails",
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			return nil, errors.New("disk on fire")
		},
	}))

	result := r.Execute(context.Background(), "boom", nil, time.Second)
	assert.False(t, result.Success)
	assert.Equal(t, "disk on fire", result.Error)
}

func TestExecutePanicIsData(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Definition{
		Name:        "kaboom",
		Description: "Always panics",
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			panic("index out of range")
		},
	}))

	result := r.Execute(context.Background(), "kaboom", nil, time.Second)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "tool panicked")
	assert.Contains(t, result.Error, "index out of range")
}

func TestExecuteTimeout(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Definition{
		Name:        "slow",
		Description: "Sleeps past the deadline",
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			select {
			case <-time.After(5 * time.Second):
				return "done", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}))

	start := time.Now()
	result := r.Execute(context.Background(), "slow", nil, 50*time.Millisecond)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "timeout")
	assert.Less(t, time.Since(start), time.Second)
}

func TestExecuteTruncatesLargeOutput(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Definition{
		Name:        "big",
		Description: "Returns a large blob",
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			return strings.Repeat("x", 20*1024), nil
		},
	}))

	result := r.Execute(context.Background(), "big", nil, time.Second)
	assert.True(t, result.Success)
	assert.True(t, result.Truncated)
	assert.Contains(t, result.Output.(string), "[output truncated]")
}

func TestOrderedFlag(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Definition{
		Name:        "write_file",
		Description: "Mutates a file",
		Ordered:     true,
		Handler:     func(ctx context.Context, params map[string]any) (any, error) { return nil, nil },
	}))
	require.NoError(t, r.Register(echoTool()))

	assert.True(t, r.Ordered("write_file"))
	assert.False(t, r.Ordered("echo"))
	// Unknown tools are conservatively ordered.
	assert.True(t, r.Ordered("nope"))
}

func TestInputSchemas(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool()))

	schemas := r.InputSchemas()
	require.Contains(t, schemas, "echo")
	props := schemas["echo"]["properties"].(map[string]any)
	assert.Contains(t, props, "text")
	assert.Equal(t, []string{"text"}, schemas["echo"]["required"])
}
