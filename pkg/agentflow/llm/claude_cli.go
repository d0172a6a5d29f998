package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	aferrors "github.com/randalmurphal/agentflow/pkg/agentflow/errors"
)

// ClaudeCLI implements Provider using the Claude CLI binary.
//
// The CLI runs its own tool loop, so tools offered in a StreamRequest are
// not forwarded; nodes backed by this provider should declare no output
// keys or use a judge that reads the assistant text.
type ClaudeCLI struct {
	path         string
	model        string
	workdir      string
	timeout      time.Duration
	allowedTools []string
}

// ClaudeOption configures ClaudeCLI.
type ClaudeOption func(*ClaudeCLI)

// NewClaudeCLI creates a new Claude CLI provider.
// Assumes "claude" is available in PATH unless overridden with WithClaudePath.
func NewClaudeCLI(opts ...ClaudeOption) *ClaudeCLI {
	c := &ClaudeCLI{
		path:    "claude",
		timeout: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithClaudePath sets the path to the claude binary.
func WithClaudePath(path string) ClaudeOption {
	return func(c *ClaudeCLI) { c.path = path }
}

// WithModel sets the model.
func WithModel(model string) ClaudeOption {
	return func(c *ClaudeCLI) { c.model = model }
}

// WithWorkdir sets the working directory for claude commands.
func WithWorkdir(dir string) ClaudeOption {
	return func(c *ClaudeCLI) { c.workdir = dir }
}

// WithTimeout bounds a single turn. Zero disables the bound.
func WithTimeout(d time.Duration) ClaudeOption {
	return func(c *ClaudeCLI) { c.timeout = d }
}

// WithAllowedTools sets the CLI's own allowed tools.
func WithAllowedTools(tools []string) ClaudeOption {
	return func(c *ClaudeCLI) { c.allowedTools = tools }
}

// Stream implements Provider.
func (c *ClaudeCLI) Stream(ctx context.Context, req StreamRequest) (<-chan StreamEvent, error) {
	parent := ctx
	var cancel context.CancelFunc = func() {}
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	}

	args := append(c.buildArgs(req), "--output-format", "stream-json", "--verbose")
	cmd := exec.CommandContext(ctx, c.path, args...)
	if c.workdir != "" {
		cmd.Dir = c.workdir
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, NewError("stream", fmt.Errorf("create stdout pipe: %w", err), false)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, NewError("stream", fmt.Errorf("start command: %w", err), false)
	}

	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		defer cancel()

		sawFinish := c.readEvents(ctx, stdout, ch)

		if err := cmd.Wait(); err != nil && !sawFinish {
			if ctx.Err() != nil {
				// Only the turn bound expired; the caller is still waiting.
				if parent.Err() == nil {
					send(parent, ch, StreamFailure(NewError("stream",
						&aferrors.TimeoutError{Operation: "claude turn", Duration: c.timeout}, true), false))
				}
				return
			}
			errMsg := strings.TrimSpace(stderr.String())
			send(ctx, ch, StreamFailure(
				NewError("stream", fmt.Errorf("%w: %s", err, errMsg), isRetryableError(errMsg)),
				false,
			))
			return
		}
		if !sawFinish {
			send(ctx, ch, Finish("stop", 0, 0, c.model))
		}
	}()

	return ch, nil
}

// readEvents translates CLI stream-json lines into stream events. It
// reports whether a Finish event was emitted.
func (c *ClaudeCLI) readEvents(ctx context.Context, r io.Reader, ch chan<- StreamEvent) bool {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var text strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		var evt cliEvent
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			// Not JSON, treat as raw text
			text.WriteString(line)
			text.WriteString("\n")
			if !send(ctx, ch, TextDelta(line+"\n", text.String())) {
				return false
			}
			continue
		}

		switch evt.Type {
		case "content_block_delta":
			if evt.Delta != nil && evt.Delta.Text != "" {
				text.WriteString(evt.Delta.Text)
				if !send(ctx, ch, TextDelta(evt.Delta.Text, text.String())) {
					return false
				}
			}
		case "message_stop", "result":
			if text.Len() == 0 && evt.Result != "" {
				text.WriteString(evt.Result)
				if !send(ctx, ch, TextDelta(evt.Result, evt.Result)) {
					return false
				}
			}
			if text.Len() > 0 && !send(ctx, ch, TextEnd(text.String())) {
				return false
			}
			return send(ctx, ch, Finish("stop", evt.Usage.InputTokens, evt.Usage.OutputTokens, c.model))
		}
	}

	if err := scanner.Err(); err != nil {
		send(ctx, ch, StreamFailure(NewError("stream", fmt.Errorf("read output: %w", err), false), false))
	}
	return false
}

func send(ctx context.Context, ch chan<- StreamEvent, evt StreamEvent) bool {
	select {
	case ch <- evt:
		return true
	case <-ctx.Done():
		return false
	}
}

// buildArgs constructs CLI arguments from a request.
func (c *ClaudeCLI) buildArgs(req StreamRequest) []string {
	args := []string{"--print"}

	if req.System != "" {
		args = append(args, "--system-prompt", req.System)
	}
	if c.model != "" {
		args = append(args, "--model", c.model)
	}
	if req.MaxTokens > 0 {
		args = append(args, "--max-tokens", fmt.Sprintf("%d", req.MaxTokens))
	}
	for _, tool := range c.allowedTools {
		args = append(args, "--allowedTools", tool)
	}

	// The CLI takes a single prompt, so the transcript is flattened.
	var prompt strings.Builder
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleUser:
			prompt.WriteString(msg.Content)
			prompt.WriteString("\n")
		case RoleAssistant:
			if prompt.Len() > 0 && msg.Content != "" {
				prompt.WriteString("\nAssistant: ")
				prompt.WriteString(msg.Content)
				prompt.WriteString("\n\nUser: ")
			}
		case RoleTool:
			prompt.WriteString("Tool result: ")
			prompt.WriteString(msg.Content)
			prompt.WriteString("\n")
		}
	}

	if p := strings.TrimSpace(prompt.String()); p != "" {
		args = append(args, "-p", p)
	}
	return args
}

// isRetryableError checks if an error message indicates a transient error.
func isRetryableError(errMsg string) bool {
	errLower := strings.ToLower(errMsg)
	return strings.Contains(errLower, "rate limit") ||
		strings.Contains(errLower, "timeout") ||
		strings.Contains(errLower, "overloaded") ||
		strings.Contains(errLower, "503") ||
		strings.Contains(errLower, "529")
}

// cliEvent is one line of claude's stream-json output.
type cliEvent struct {
	Type   string    `json:"type"`
	Delta  *cliDelta `json:"delta,omitempty"`
	Result string    `json:"result,omitempty"`
	Usage  struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
}

type cliDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}
