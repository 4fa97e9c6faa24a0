// ABOUTME: Tests for the Anthropic engine's option resolution
// ABOUTME: Asserts the init message without calling the API

package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startAndReadInit launches a run, captures its init message, then stops
// the run before the first API call can matter.
func startAndReadInit(t *testing.T, eng *AnthropicEngine, cfg RunConfig) *InitInfo {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	p, err := eng.Start(ctx, cfg)
	require.NoError(t, err)

	msg, ok := <-p.Messages()
	require.True(t, ok, "run produced no messages")
	require.Equal(t, KindSystem, msg.Kind)
	require.NotNil(t, msg.Init)

	cancel()
	for range p.Messages() {
	}
	return msg.Init
}

func TestAnthropicEngineModelResolution(t *testing.T) {
	t.Run("engine default", func(t *testing.T) {
		eng := NewAnthropicEngine(AnthropicOptions{APIKey: "test-key", Model: "claude-haiku-4-5"})
		init := startAndReadInit(t, eng, RunConfig{Prompt: "hi"})
		assert.Equal(t, "claude-haiku-4-5", init.Model)
	})

	t.Run("run override wins", func(t *testing.T) {
		eng := NewAnthropicEngine(AnthropicOptions{APIKey: "test-key", Model: "claude-haiku-4-5"})
		init := startAndReadInit(t, eng, RunConfig{Prompt: "hi", Model: "claude-opus-4-1"})
		assert.Equal(t, "claude-opus-4-1", init.Model)
	})

	t.Run("built-in fallback", func(t *testing.T) {
		eng := NewAnthropicEngine(AnthropicOptions{APIKey: "test-key"})
		init := startAndReadInit(t, eng, RunConfig{Prompt: "hi"})
		assert.Equal(t, defaultModel, init.Model)
	})
}
