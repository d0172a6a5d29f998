// Package openai implements llm.Provider over any OpenAI-compatible chat
// completions endpoint.
//
// Opening a turn is retried for transient HTTP failures and paced by an
// optional rate limiter. Once the stream is open, failures are reported as
// non-recoverable stream errors and left to the caller.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	goopenai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	aferrors "github.com/randalmurphal/agentflow/pkg/agentflow/errors"
	"github.com/randalmurphal/agentflow/pkg/agentflow/llm"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o-mini"

// chatStream is the subset of *goopenai.ChatCompletionStream the provider reads.
type chatStream interface {
	Recv() (goopenai.ChatCompletionStreamResponse, error)
	Close() error
}

// streamOpener opens a streaming chat completion.
type streamOpener func(ctx context.Context, req goopenai.ChatCompletionRequest) (chatStream, error)

// Provider streams turns from an OpenAI-compatible API.
type Provider struct {
	open    streamOpener
	model   string
	retry   aferrors.RetryConfig
	limiter *rate.Limiter
	logger  *slog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithRetry sets the retry policy for opening a stream.
func WithRetry(cfg aferrors.RetryConfig) Option {
	return func(p *Provider) { p.retry = cfg }
}

// WithRequestsPerSecond paces stream opens. Zero or less disables pacing.
func WithRequestsPerSecond(rps float64) Option {
	return func(p *Provider) {
		if rps > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) { p.logger = logger }
}

// New creates a provider for the given API key. An empty baseURL targets
// the public OpenAI endpoint.
func New(apiKey, baseURL string, opts ...Option) *Provider {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	client := goopenai.NewClientWithConfig(cfg)

	return newProvider(func(ctx context.Context, req goopenai.ChatCompletionRequest) (chatStream, error) {
		return client.CreateChatCompletionStream(ctx, req)
	}, opts...)
}

func newProvider(open streamOpener, opts ...Option) *Provider {
	p := &Provider{
		open:  open,
		model: DefaultModel,
		retry: aferrors.DefaultRetry,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stream implements llm.Provider.
func (p *Provider) Stream(ctx context.Context, req llm.StreamRequest) (<-chan llm.StreamEvent, error) {
	chatReq := p.buildRequest(req)

	retry := p.retry
	retry.OnRetry = func(attempt int, err error, wait time.Duration) {
		if p.logger != nil {
			p.logger.Warn("stream open failed, retrying",
				slog.String("model", p.model),
				slog.Int("attempt", attempt),
				slog.Duration("wait", wait),
				slog.String("error", err.Error()),
			)
		}
	}

	res := aferrors.WithRetryContext(ctx, retry, func(ctx context.Context) (chatStream, error) {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		stream, err := p.open(ctx, chatReq)
		if err != nil {
			return nil, classify(err)
		}
		return stream, nil
	})
	if res.Err != nil {
		return nil, llm.NewError("stream", res.Err, aferrors.IsRetryable(res.Err))
	}

	ch := make(chan llm.StreamEvent)
	go p.pump(ctx, res.Value, ch)
	return ch, nil
}

// pump forwards chunks until EOF. Tool call fragments are passed through
// untouched; the consumer assembles them by index.
func (p *Provider) pump(ctx context.Context, stream chatStream, ch chan<- llm.StreamEvent) {
	defer close(ch)
	defer func() { _ = stream.Close() }()

	var (
		text         []byte
		stopReason   string
		inputTokens  int
		outputTokens int
	)

	emit := func(evt llm.StreamEvent) bool {
		select {
		case ch <- evt:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() == nil {
				emit(llm.StreamFailure(llm.NewError("recv", classify(err), false), false))
			}
			return
		}

		if resp.Usage != nil {
			inputTokens = resp.Usage.PromptTokens
			outputTokens = resp.Usage.CompletionTokens
		}

		for _, choice := range resp.Choices {
			if choice.Delta.Content != "" {
				text = append(text, choice.Delta.Content...)
				if !emit(llm.TextDelta(choice.Delta.Content, string(text))) {
					return
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				if !emit(llm.ToolCallFragment(idx, tc.ID, tc.Function.Name, tc.Function.Arguments)) {
					return
				}
			}
			if choice.FinishReason != "" {
				stopReason = string(choice.FinishReason)
			}
		}
	}

	if len(text) > 0 && !emit(llm.TextEnd(string(text))) {
		return
	}
	if stopReason == "" {
		stopReason = "stop"
	}
	emit(llm.Finish(stopReason, inputTokens, outputTokens, p.model))
}

func (p *Provider) buildRequest(req llm.StreamRequest) goopenai.ChatCompletionRequest {
	messages := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, toChatMessage(m))
	}

	chatReq := goopenai.ChatCompletionRequest{
		Model:         p.model,
		Messages:      messages,
		Stream:        true,
		StreamOptions: &goopenai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	for _, t := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  parameters(t.Parameters),
			},
		})
	}
	return chatReq
}

func toChatMessage(m llm.Message) goopenai.ChatCompletionMessage {
	out := goopenai.ChatCompletionMessage{
		Role:       string(m.Role),
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, goopenai.ToolCall{
			ID:   tc.ID,
			Type: goopenai.ToolTypeFunction,
			Function: goopenai.FunctionCall{
				Name:      tc.Name,
				Arguments: string(tc.Arguments),
			},
		})
	}
	return out
}

var emptySchema = json.RawMessage(`{"type":"object","properties":{}}`)

func parameters(schema json.RawMessage) json.RawMessage {
	if len(schema) == 0 {
		return emptySchema
	}
	return schema
}

// classify maps SDK errors onto the shared categories so retry can decide.
func classify(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return &aferrors.HTTPError{StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		msg := http.StatusText(reqErr.HTTPStatusCode)
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &aferrors.HTTPError{StatusCode: reqErr.HTTPStatusCode, Message: msg}
	}
	return err
}
