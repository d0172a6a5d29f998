package llm

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	aferrors "github.com/randalmurphal/agentflow/pkg/agentflow/errors"
)

func TestClaudeCLI_BuildArgs(t *testing.T) {
	tests := []struct {
		name     string
		client   *ClaudeCLI
		req      StreamRequest
		contains []string
		excludes []string
	}{
		{
			name:     "basic request",
			client:   NewClaudeCLI(),
			req:      StreamRequest{Messages: []Message{{Role: RoleUser, Content: "Hello"}}},
			contains: []string{"--print", "-p", "Hello"},
			excludes: []string{"--model", "--system-prompt"},
		},
		{
			name:     "with system prompt",
			client:   NewClaudeCLI(),
			req:      StreamRequest{System: "You are helpful", Messages: []Message{{Role: RoleUser, Content: "Hi"}}},
			contains: []string{"--system-prompt", "You are helpful"},
		},
		{
			name:     "with model",
			client:   NewClaudeCLI(WithModel("claude-sonnet")),
			req:      StreamRequest{Messages: []Message{{Role: RoleUser, Content: "Test"}}},
			contains: []string{"--model", "claude-sonnet"},
		},
		{
			name:     "with max tokens",
			client:   NewClaudeCLI(),
			req:      StreamRequest{MaxTokens: 1000, Messages: []Message{{Role: RoleUser, Content: "Test"}}},
			contains: []string{"--max-tokens", "1000"},
		},
		{
			name:     "with allowed tools",
			client:   NewClaudeCLI(WithAllowedTools([]string{"read", "write"})),
			req:      StreamRequest{Messages: []Message{{Role: RoleUser, Content: "Test"}}},
			contains: []string{"--allowedTools", "read", "write"},
		},
		{
			name:     "empty request has no prompt",
			client:   NewClaudeCLI(),
			req:      StreamRequest{},
			excludes: []string{"-p"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := tt.client.buildArgs(tt.req)
			for _, want := range tt.contains {
				assert.Contains(t, args, want)
			}
			for _, unwanted := range tt.excludes {
				assert.NotContains(t, args, unwanted)
			}
		})
	}
}

func TestClaudeCLI_BuildArgs_FlattensTranscript(t *testing.T) {
	args := NewClaudeCLI().buildArgs(StreamRequest{Messages: []Message{
		{Role: RoleUser, Content: "First"},
		{Role: RoleAssistant, Content: "Response"},
		{Role: RoleTool, Content: "42"},
		{Role: RoleUser, Content: "Second"},
	}})

	prompt := args[len(args)-1]
	assert.Contains(t, prompt, "First")
	assert.Contains(t, prompt, "Assistant: Response")
	assert.Contains(t, prompt, "Tool result: 42")
	assert.True(t, strings.HasSuffix(prompt, "Second"))
}

func TestClaudeCLI_ReadEvents(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hello "}}`,
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":"world"}}`,
		`{"type":"message_stop","usage":{"input_tokens":7,"output_tokens":3}}`,
	}, "\n")

	ch := make(chan StreamEvent, 16)
	finished := NewClaudeCLI(WithModel("m")).readEvents(context.Background(), strings.NewReader(input), ch)
	close(ch)

	require.True(t, finished)
	var events []StreamEvent
	for evt := range ch {
		events = append(events, evt)
	}
	require.Len(t, events, 4)
	assert.Equal(t, "Hello ", events[0].Content)
	assert.Equal(t, "Hello world", events[1].Snapshot)
	assert.Equal(t, EventTextEnd, events[2].Type)
	assert.Equal(t, "Hello world", events[2].Content)
	assert.Equal(t, EventFinish, events[3].Type)
	assert.Equal(t, 7, events[3].InputTokens)
	assert.Equal(t, "m", events[3].Model)
}

func TestClaudeCLI_ReadEvents_RawText(t *testing.T) {
	ch := make(chan StreamEvent, 4)
	finished := NewClaudeCLI().readEvents(context.Background(), strings.NewReader("plain output"), ch)
	close(ch)

	assert.False(t, finished)
	evt := <-ch
	assert.Equal(t, EventTextDelta, evt.Type)
	assert.Equal(t, "plain output\n", evt.Content)
}

func TestClaudeCLI_Stream_NonExistentBinary(t *testing.T) {
	c := NewClaudeCLI(WithClaudePath("/nonexistent/claude-binary"))
	_, err := c.Stream(context.Background(), StreamRequest{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	require.Error(t, err)

	var llmErr *Error
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, "stream", llmErr.Op)
}

func TestClaudeCLI_Stream_FakeBinary(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script binary not supported on windows")
	}

	script := "#!/bin/sh\n" +
		`echo '{"type":"content_block_delta","delta":{"type":"text_delta","text":"done"}}'` + "\n" +
		`echo '{"type":"result","usage":{"input_tokens":1,"output_tokens":2}}'` + "\n"
	path := filepath.Join(t.TempDir(), "claude")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))

	ch, err := NewClaudeCLI(WithClaudePath(path)).Stream(context.Background(), StreamRequest{
		Messages: []Message{{Role: RoleUser, Content: "go"}},
	})
	require.NoError(t, err)

	var types []EventType
	for evt := range ch {
		types = append(types, evt.Type)
	}
	assert.Equal(t, []EventType{EventTextDelta, EventTextEnd, EventFinish}, types)
}

func TestClaudeCLI_Stream_FailingBinary(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script binary not supported on windows")
	}

	path := filepath.Join(t.TempDir(), "claude")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\necho 'rate limit hit' >&2\nexit 3\n"), 0o755))

	ch, err := NewClaudeCLI(WithClaudePath(path)).Stream(context.Background(), StreamRequest{})
	require.NoError(t, err)

	var last StreamEvent
	for evt := range ch {
		last = evt
	}
	require.Equal(t, EventError, last.Type)
	assert.False(t, last.Recoverable)

	var llmErr *Error
	require.ErrorAs(t, last.Err, &llmErr)
	assert.True(t, llmErr.Retryable)
}

func TestClaudeCLI_Stream_TurnTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script binary not supported on windows")
	}

	path := filepath.Join(t.TempDir(), "claude")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexec sleep 5\n"), 0o755))

	cli := NewClaudeCLI(WithClaudePath(path), WithTimeout(50*time.Millisecond))
	ch, err := cli.Stream(context.Background(), StreamRequest{})
	require.NoError(t, err)

	var last StreamEvent
	for evt := range ch {
		last = evt
	}
	require.Equal(t, EventError, last.Type)

	var timeoutErr *aferrors.TimeoutError
	require.ErrorAs(t, last.Err, &timeoutErr)
	assert.Equal(t, 50*time.Millisecond, timeoutErr.Duration)
	assert.True(t, aferrors.IsRetryable(last.Err))
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, isRetryableError("Rate limit exceeded"))
	assert.True(t, isRetryableError("upstream 529 overloaded"))
	assert.False(t, isRetryableError("invalid api key"))
}
