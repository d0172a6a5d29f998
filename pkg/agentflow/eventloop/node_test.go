package eventloop

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/agentflow/pkg/agentflow/conversation"
	"github.com/randalmurphal/agentflow/pkg/agentflow/event"
	"github.com/randalmurphal/agentflow/pkg/agentflow/llm"
)

func setOutputTurn(id, key string, value any) llm.Scenario {
	return llm.ToolCallScenario(id, SetOutputTool, map[string]any{"key": key, "value": value})
}

func execute(t *testing.T, n *Node, input map[string]any) Result {
	t.Helper()
	res, err := n.Execute(context.Background(), NodeContext{RunID: "run-1", Input: input, Visit: 1})
	require.NoError(t, err)
	return res
}

func lastMessage(req llm.StreamRequest) llm.Message {
	return req.Messages[len(req.Messages)-1]
}

func toolMessages(msgs []llm.Message) []llm.Message {
	var out []llm.Message
	for _, m := range msgs {
		if m.Role == llm.RoleTool {
			out = append(out, m)
		}
	}
	return out
}

func alwaysRetry() Judge {
	return JudgeFunc(func(context.Context, JudgeContext) (Verdict, error) {
		return Verdict{Action: Retry}, nil
	})
}

// stuckProvider opens streams that never produce an event.
type stuckProvider struct {
	opened chan struct{}
}

func newStuckProvider() *stuckProvider {
	return &stuckProvider{opened: make(chan struct{}, 1)}
}

func (p *stuckProvider) Stream(context.Context, llm.StreamRequest) (<-chan llm.StreamEvent, error) {
	select {
	case p.opened <- struct{}{}:
	default:
	}
	return make(chan llm.StreamEvent), nil
}

// failingStore rejects every part append.
type failingStore struct {
	conversation.Store
	err error
}

func (s *failingStore) AppendPart(context.Context, conversation.Part) error { return s.err }

func TestExecute_TextOnlyTurnAccepts(t *testing.T) {
	p := llm.NewMockProvider(llm.TextScenario("all done"))
	n := New(Spec{ID: "draft"}, WithProvider(p))

	res := execute(t, n, nil)

	assert.True(t, res.Success)
	assert.Empty(t, res.Error)
	assert.Empty(t, res.Output)
	assert.Equal(t, 15, res.TokensUsed)
	assert.Equal(t, []string{"draft"}, res.Path)
	assert.Equal(t, 1, p.CallCount())
	assert.Equal(t, "Begin.", p.Calls()[0].Messages[0].Content)
}

func TestExecute_RequestShape(t *testing.T) {
	p := llm.NewMockProvider(llm.TextScenario("ok"))
	n := New(
		Spec{ID: "draft", InputKeys: []string{"topic", "tone"}, SystemPrompt: "Write about ${topic}. Budget $5."},
		WithProvider(p),
		WithTools(llm.Tool{Name: "search"}),
		WithLoopConfig(LoopConfig{MaxTokens: 256}),
	)

	execute(t, n, map[string]any{"topic": "go", "tone": "dry", "extra": 1})

	req := p.Calls()[0]
	assert.Equal(t, "Write about go. Budget $5.", req.System)
	assert.Equal(t, 256, req.MaxTokens)

	var names []string
	for _, tool := range req.Tools {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"search", SetOutputTool}, names)

	require.Len(t, req.Messages, 1)
	assert.Equal(t, llm.RoleUser, req.Messages[0].Role)
	assert.Equal(t, "topic: go\ntone: dry\nextra: 1", req.Messages[0].Content)
}

func TestExecute_SystemPromptSettings(t *testing.T) {
	spec := Spec{ID: "draft", InputKeys: []string{"topic"}, SystemPrompt: "Write about ${topic} for ${audience}."}

	t.Run("empty drops unresolved names and values are capped", func(t *testing.T) {
		p := llm.NewMockProvider(llm.TextScenario("ok"))
		n := New(spec, WithProvider(p), WithLoopConfig(LoopConfig{PromptMissing: "empty", PromptValueLimit: 4}))

		execute(t, n, map[string]any{"topic": "goroutines"})

		assert.Equal(t, "Write about goro...[truncated] for .", p.Calls()[0].System)
	})

	t.Run("error fails before the first turn", func(t *testing.T) {
		p := llm.NewMockProvider(llm.TextScenario("unused"))
		n := New(spec, WithProvider(p), WithLoopConfig(LoopConfig{PromptMissing: "error"}))

		res := execute(t, n, map[string]any{"topic": "go"})

		assert.False(t, res.Success)
		assert.Equal(t, "Prompt error: undefined variable: audience", res.Error)
		assert.Zero(t, p.CallCount())
	})
}

func TestLoopOverrides_PromptSettings(t *testing.T) {
	limit, missing := 100, "error"
	got := (&LoopOverrides{PromptValueLimit: &limit, PromptMissing: &missing}).Apply(DefaultLoopConfig())
	assert.Equal(t, 100, got.PromptValueLimit)
	assert.Equal(t, "error", got.PromptMissing)
}

func TestExecute_SetOutputThenAccept(t *testing.T) {
	p := llm.NewMockProvider(
		setOutputTurn("c1", "result", "done"),
		llm.TextScenario("finished"),
	)
	n := New(Spec{ID: "draft", OutputKeys: []string{"result"}}, WithProvider(p))

	res := execute(t, n, nil)

	require.True(t, res.Success, res.Error)
	assert.Equal(t, map[string]any{"result": "done"}, res.Output)
	assert.Equal(t, 30, res.TokensUsed)
	require.Equal(t, 2, p.CallCount())

	second := p.Calls()[1]
	require.Len(t, second.Messages, 3)
	assert.Equal(t, llm.RoleAssistant, second.Messages[1].Role)
	require.Len(t, second.Messages[1].ToolCalls, 1)
	tool := second.Messages[2]
	assert.Equal(t, llm.RoleTool, tool.Role)
	assert.Equal(t, "c1", tool.ToolCallID)
	assert.False(t, tool.IsError)
	assert.Equal(t, `Output "result" recorded.`, tool.Content)
}

func TestExecute_InvalidOutputKeyIsReportedToModel(t *testing.T) {
	p := llm.NewMockProvider(
		setOutputTurn("c1", "bogus", 1),
		setOutputTurn("c2", "result", 2),
		llm.TextScenario("done"),
	)
	n := New(Spec{ID: "draft", OutputKeys: []string{"result"}}, WithProvider(p))

	res := execute(t, n, nil)

	require.True(t, res.Success, res.Error)
	assert.Equal(t, map[string]any{"result": float64(2)}, res.Output)

	second := p.Calls()[1].Messages
	tools := toolMessages(second)
	require.Len(t, tools, 1)
	assert.True(t, tools[0].IsError)
	assert.Equal(t, `Invalid output key "bogus". Valid keys: [result]`, tools[0].Content)
	assert.Equal(t, "Missing required output keys: [result]", lastMessage(p.Calls()[1]).Content)
}

func TestExecute_MalformedSetOutputArguments(t *testing.T) {
	p := llm.NewMockProvider(
		llm.Scenario{
			llm.ToolCallFragment(0, "c1", SetOutputTool, `{"key": `),
			llm.Finish("tool_calls", 1, 1, "mock"),
		},
		llm.TextScenario("done"),
	)
	n := New(Spec{ID: "draft"}, WithProvider(p))

	res := execute(t, n, nil)

	require.True(t, res.Success, res.Error)
	tool := lastMessage(p.Calls()[1])
	assert.True(t, tool.IsError)
	assert.Contains(t, tool.Content, "Invalid set_output arguments")
}

func TestExecute_MissingKeysFeedback(t *testing.T) {
	p := llm.NewMockProvider(llm.TextScenario("thinking"))
	n := New(
		Spec{ID: "draft", OutputKeys: []string{"result", "notes"}},
		WithProvider(p),
		WithLoopConfig(LoopConfig{MaxIterations: 2}),
	)

	res := execute(t, n, nil)

	assert.False(t, res.Success)
	assert.Equal(t, "Max iterations (2) reached without acceptance", res.Error)
	require.Equal(t, 2, p.CallCount())

	feedback := lastMessage(p.Calls()[1])
	assert.Equal(t, llm.RoleUser, feedback.Role)
	assert.Equal(t, "Missing required output keys: [result, notes]", feedback.Content)
}

func TestExecute_NullableKeysNotRequired(t *testing.T) {
	p := llm.NewMockProvider(
		setOutputTurn("c1", "summary", "s"),
		llm.TextScenario("done"),
	)
	n := New(
		Spec{ID: "draft", OutputKeys: []string{"summary", "caveats"}, NullableOutputKeys: []string{"caveats"}},
		WithProvider(p),
	)

	res := execute(t, n, nil)

	require.True(t, res.Success, res.Error)
	assert.Equal(t, map[string]any{"summary": "s"}, res.Output)
}

func TestExecute_StallDetection(t *testing.T) {
	tests := []struct {
		name      string
		scenarios []llm.Scenario
		threshold int
		wantErr   string
		wantCalls int
	}{
		{
			name:      "identical responses stall at threshold",
			scenarios: []llm.Scenario{llm.TextScenario("same")},
			threshold: 3,
			wantErr:   "Node stalled: 3 identical responses",
			wantCalls: 3,
		},
		{
			name:      "alternating responses never stall",
			scenarios: []llm.Scenario{llm.TextScenario("a"), llm.TextScenario("b")},
			threshold: 2,
			wantErr:   "Max iterations (4) reached without acceptance",
			wantCalls: 4,
		},
		{
			name:      "empty responses never stall",
			scenarios: []llm.Scenario{llm.TextScenario("")},
			threshold: 2,
			wantErr:   "Max iterations (4) reached without acceptance",
			wantCalls: 4,
		},
		{
			name:      "zero threshold disables detection",
			scenarios: []llm.Scenario{llm.TextScenario("same")},
			threshold: 0,
			wantErr:   "Max iterations (4) reached without acceptance",
			wantCalls: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := llm.NewMockProvider(tt.scenarios...)
			n := New(
				Spec{ID: "draft"},
				WithProvider(p),
				WithJudge(alwaysRetry()),
				WithLoopConfig(LoopConfig{MaxIterations: 4, StallDetectionThreshold: tt.threshold}),
			)

			res := execute(t, n, nil)

			assert.False(t, res.Success)
			assert.Equal(t, tt.wantErr, res.Error)
			assert.Equal(t, tt.wantCalls, p.CallCount())
		})
	}
}

func TestExecute_JudgeVerdicts(t *testing.T) {
	t.Run("escalate fails with feedback", func(t *testing.T) {
		p := llm.NewMockProvider(llm.TextScenario("draft"))
		n := New(Spec{ID: "draft"}, WithProvider(p), WithJudge(JudgeFunc(func(context.Context, JudgeContext) (Verdict, error) {
			return Verdict{Action: Escalate, Feedback: "needs a human"}, nil
		})))

		res := execute(t, n, nil)

		assert.False(t, res.Success)
		assert.Equal(t, "Judge escalated: needs a human", res.Error)
		assert.Equal(t, 1, p.CallCount())
	})

	t.Run("judge error fails", func(t *testing.T) {
		p := llm.NewMockProvider(llm.TextScenario("draft"))
		n := New(Spec{ID: "draft"}, WithProvider(p), WithJudge(JudgeFunc(func(context.Context, JudgeContext) (Verdict, error) {
			return Verdict{}, errors.New("boom")
		})))

		res := execute(t, n, nil)

		assert.Equal(t, "Judge error: boom", res.Error)
	})

	t.Run("unknown action fails", func(t *testing.T) {
		p := llm.NewMockProvider(llm.TextScenario("draft"))
		n := New(Spec{ID: "draft"}, WithProvider(p), WithJudge(JudgeFunc(func(context.Context, JudgeContext) (Verdict, error) {
			return Verdict{Action: "MAYBE"}, nil
		})))

		res := execute(t, n, nil)

		assert.Equal(t, `Judge error: unknown verdict action "MAYBE"`, res.Error)
	})

	t.Run("replan feeds back like retry", func(t *testing.T) {
		p := llm.NewMockProvider(llm.TextScenario("plan a"), llm.TextScenario("plan b"))
		n := New(Spec{ID: "draft"}, WithProvider(p), WithJudge(JudgeFunc(func(_ context.Context, jc JudgeContext) (Verdict, error) {
			if jc.Iteration == 1 {
				return Verdict{Action: Replan, Feedback: "try another approach"}, nil
			}
			return Verdict{Action: "accept"}, nil
		})))

		res := execute(t, n, nil)

		require.True(t, res.Success, res.Error)
		require.Equal(t, 2, p.CallCount())
		assert.Equal(t, "try another approach", lastMessage(p.Calls()[1]).Content)
	})

	t.Run("accept with missing keys is downgraded", func(t *testing.T) {
		var seen []JudgeContext
		p := llm.NewMockProvider(
			llm.TextScenario("draft"),
			setOutputTurn("c1", "result", "x"),
		)
		n := New(Spec{ID: "draft", OutputKeys: []string{"result"}}, WithProvider(p), WithJudge(JudgeFunc(func(_ context.Context, jc JudgeContext) (Verdict, error) {
			seen = append(seen, jc)
			return Verdict{Action: Accept}, nil
		})))

		res := execute(t, n, nil)

		require.True(t, res.Success, res.Error)
		require.Equal(t, 2, p.CallCount())
		assert.Equal(t, "Missing required output keys: [result]", lastMessage(p.Calls()[1]).Content)

		require.Len(t, seen, 2)
		assert.Equal(t, []string{"result"}, seen[0].Missing)
		assert.Equal(t, "draft", seen[0].Text)
		assert.Empty(t, seen[1].Missing)
		assert.Equal(t, map[string]any{"result": "x"}, seen[1].Outputs)
	})
}

func TestExecute_EntryShortcuts(t *testing.T) {
	t.Run("pause requested skips the model", func(t *testing.T) {
		p := llm.NewMockProvider(llm.TextScenario("unused"))
		n := New(Spec{ID: "draft"}, WithProvider(p))

		res := execute(t, n, map[string]any{PauseKey: true})

		assert.True(t, res.Success)
		assert.Empty(t, res.Output)
		assert.Zero(t, p.CallCount())
	})

	t.Run("string pause flag", func(t *testing.T) {
		p := llm.NewMockProvider(llm.TextScenario("unused"))
		n := New(Spec{ID: "draft"}, WithProvider(p))

		res := execute(t, n, map[string]any{PauseKey: "true"})

		assert.True(t, res.Success)
		assert.Zero(t, p.CallCount())
	})

	t.Run("missing provider fails", func(t *testing.T) {
		res := execute(t, New(Spec{ID: "draft"}), nil)

		assert.False(t, res.Success)
		assert.Equal(t, "LLM provider not configured", res.Error)
		assert.Equal(t, []string{"draft"}, res.Path)
	})
}

func TestExecute_StreamErrors(t *testing.T) {
	t.Run("fatal stream error", func(t *testing.T) {
		p := llm.NewMockProvider(llm.Scenario{
			llm.TextDelta("par", "par"),
			llm.StreamFailure(errors.New("socket closed"), false),
		})
		res := execute(t, New(Spec{ID: "draft"}, WithProvider(p)), nil)

		assert.False(t, res.Success)
		assert.Equal(t, "Stream error: socket closed", res.Error)
	})

	t.Run("recoverable error continues", func(t *testing.T) {
		p := llm.NewMockProvider(llm.Scenario{
			llm.StreamFailure(errors.New("blip"), true),
			llm.TextDelta("ok", "ok"),
			llm.Finish("stop", 1, 1, "mock"),
		})
		res := execute(t, New(Spec{ID: "draft"}, WithProvider(p)), nil)

		assert.True(t, res.Success, res.Error)
	})

	t.Run("open failure", func(t *testing.T) {
		p := llm.NewMockProvider().WithOpenError(errors.New("connection refused"))
		res := execute(t, New(Spec{ID: "draft"}, WithProvider(p)), nil)

		assert.Equal(t, "Stream error: connection refused", res.Error)
	})
}

func TestExecute_InjectedEvents(t *testing.T) {
	t.Run("queued before execute", func(t *testing.T) {
		p := llm.NewMockProvider(llm.TextScenario("ok"))
		n := New(Spec{ID: "draft"}, WithProvider(p))
		n.InjectEvent("deploy finished")

		execute(t, n, nil)

		msgs := p.Calls()[0].Messages
		require.Len(t, msgs, 2)
		assert.Equal(t, "[External event]: deploy finished", msgs[1].Content)
	})

	t.Run("injected mid-turn reaches the next turn", func(t *testing.T) {
		p := llm.NewMockProvider(
			llm.ToolCallScenario("c1", "lookup", map[string]any{}),
			llm.TextScenario("done"),
		)
		var n *Node
		n = New(Spec{ID: "draft"}, WithProvider(p), WithToolExecutor(ToolExecutorFunc(func(context.Context, llm.ToolCall) (ToolResult, error) {
			n.InjectEvent("ping")
			return ToolResult{Content: "found"}, nil
		})))

		res := execute(t, n, nil)

		require.True(t, res.Success, res.Error)
		first := p.Calls()[0].Messages
		for _, m := range first {
			assert.NotContains(t, m.Content, "ping")
		}
		assert.Equal(t, "[External event]: ping", lastMessage(p.Calls()[1]).Content)
	})
}

func TestExecute_ToolCalls(t *testing.T) {
	t.Run("calls over the limit are dropped", func(t *testing.T) {
		var count atomic.Int32
		p := llm.NewMockProvider(
			llm.Scenario{
				llm.CompleteToolCall(0, "c0", "lookup", map[string]any{}),
				llm.CompleteToolCall(1, "c1", "lookup", map[string]any{}),
				llm.CompleteToolCall(2, "c2", "lookup", map[string]any{}),
				llm.Finish("tool_calls", 1, 1, "mock"),
			},
			llm.TextScenario("done"),
		)
		n := New(Spec{ID: "draft"},
			WithProvider(p),
			WithLoopConfig(LoopConfig{MaxToolCallsPerTurn: 2}),
			WithToolExecutor(ToolExecutorFunc(func(context.Context, llm.ToolCall) (ToolResult, error) {
				count.Add(1)
				return ToolResult{Content: "ok"}, nil
			})),
		)

		res := execute(t, n, nil)

		require.True(t, res.Success, res.Error)
		assert.EqualValues(t, 2, count.Load())
		second := p.Calls()[1].Messages
		assert.Len(t, second[1].ToolCalls, 2)
		assert.Len(t, toolMessages(second), 2)
	})

	t.Run("results keep call order", func(t *testing.T) {
		delays := map[string]time.Duration{"c0": 30 * time.Millisecond, "c1": 10 * time.Millisecond, "c2": 0}
		p := llm.NewMockProvider(
			llm.Scenario{
				llm.CompleteToolCall(0, "c0", "lookup", map[string]any{}),
				llm.CompleteToolCall(1, "c1", "lookup", map[string]any{}),
				llm.CompleteToolCall(2, "c2", "lookup", map[string]any{}),
				llm.Finish("tool_calls", 1, 1, "mock"),
			},
			llm.TextScenario("done"),
		)
		n := New(Spec{ID: "draft"}, WithProvider(p), WithToolExecutor(ToolExecutorFunc(func(_ context.Context, call llm.ToolCall) (ToolResult, error) {
			time.Sleep(delays[call.ID])
			return ToolResult{Content: "result-" + call.ID}, nil
		})))

		res := execute(t, n, nil)

		require.True(t, res.Success, res.Error)
		tools := toolMessages(p.Calls()[1].Messages)
		require.Len(t, tools, 3)
		for i, id := range []string{"c0", "c1", "c2"} {
			assert.Equal(t, id, tools[i].ToolCallID)
			assert.Equal(t, "result-"+id, tools[i].Content)
		}
	})

	failures := []struct {
		name     string
		executor ToolExecutor
		want     string
	}{
		{name: "no executor", executor: nil, want: "No tool executor configured for lookup"},
		{
			name: "executor error",
			executor: ToolExecutorFunc(func(context.Context, llm.ToolCall) (ToolResult, error) {
				return ToolResult{}, errors.New("rate limited")
			}),
			want: "Tool error: rate limited",
		},
		{
			name: "executor panic",
			executor: ToolExecutorFunc(func(context.Context, llm.ToolCall) (ToolResult, error) {
				panic("kaboom")
			}),
			want: "Tool lookup panicked: kaboom",
		},
	}
	for _, tt := range failures {
		t.Run(tt.name, func(t *testing.T) {
			p := llm.NewMockProvider(
				llm.ToolCallScenario("c1", "lookup", map[string]any{}),
				llm.TextScenario("done"),
			)
			opts := []Option{WithProvider(p)}
			if tt.executor != nil {
				opts = append(opts, WithToolExecutor(tt.executor))
			}

			res := execute(t, New(Spec{ID: "draft"}, opts...), nil)

			require.True(t, res.Success, res.Error)
			tool := lastMessage(p.Calls()[1])
			assert.True(t, tool.IsError)
			assert.Equal(t, tt.want, tool.Content)
		})
	}
}

func TestExecute_ClientFacing(t *testing.T) {
	t.Run("shutdown while waiting succeeds", func(t *testing.T) {
		bus := event.NewCollector()
		p := llm.NewMockProvider(llm.TextScenario("What should I write?"))
		n := New(Spec{ID: "chat", ClientFacing: true}, WithProvider(p), WithBus(bus))

		done := make(chan Result, 1)
		go func() {
			res, _ := n.Execute(context.Background(), NodeContext{RunID: "run-1"})
			done <- res
		}()

		require.Eventually(t, func() bool { return bus.Has(event.ClientInputRequested) }, time.Second, 5*time.Millisecond)

		_, err := n.Execute(context.Background(), NodeContext{RunID: "run-1"})
		assert.ErrorIs(t, err, ErrNodeBusy)

		n.SignalShutdown()
		select {
		case res := <-done:
			assert.True(t, res.Success, res.Error)
		case <-time.After(2 * time.Second):
			t.Fatal("node did not stop after shutdown")
		}

		assert.True(t, bus.Has(event.ClientOutputDelta))
		assert.False(t, bus.Has(event.InternalTextDelta))
		assert.True(t, bus.Has(event.LoopCompleted))
	})

	t.Run("injected reply resumes the loop", func(t *testing.T) {
		bus := event.NewCollector()
		p := llm.NewMockProvider(
			llm.TextScenario("What topic?"),
			setOutputTurn("c1", "reply", "poem"),
			llm.TextScenario("Anything else?"),
		)
		n := New(Spec{ID: "chat", ClientFacing: true, OutputKeys: []string{"reply"}}, WithProvider(p), WithBus(bus))

		done := make(chan Result, 1)
		go func() {
			res, _ := n.Execute(context.Background(), NodeContext{RunID: "run-1"})
			done <- res
		}()

		require.Eventually(t, func() bool { return len(bus.OfType(event.ClientInputRequested)) == 1 }, time.Second, 5*time.Millisecond)
		n.InjectEvent("a poem")
		require.Eventually(t, func() bool { return len(bus.OfType(event.ClientInputRequested)) == 2 }, time.Second, 5*time.Millisecond)
		n.SignalShutdown()

		var res Result
		select {
		case res = <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("node did not stop after shutdown")
		}
		require.True(t, res.Success, res.Error)
		assert.Equal(t, map[string]any{"reply": "poem"}, res.Output)

		second := p.Calls()[1].Messages
		assert.Equal(t, "Missing required output keys: [reply]", second[len(second)-2].Content)
		assert.Equal(t, "[External event]: a poem", second[len(second)-1].Content)
	})
}

func TestExecute_Interruption(t *testing.T) {
	t.Run("shutdown before execute", func(t *testing.T) {
		p := llm.NewMockProvider(llm.TextScenario("unused"))
		n := New(Spec{ID: "draft"}, WithProvider(p))
		n.SignalShutdown()
		n.SignalShutdown()

		res := execute(t, n, nil)

		assert.True(t, res.Success)
		assert.Zero(t, p.CallCount())
	})

	t.Run("shutdown mid-stream succeeds", func(t *testing.T) {
		p := newStuckProvider()
		n := New(Spec{ID: "draft"}, WithProvider(p))
		go func() {
			<-p.opened
			n.SignalShutdown()
		}()

		res := execute(t, n, nil)

		assert.True(t, res.Success, res.Error)
	})

	t.Run("caller cancel mid-stream fails", func(t *testing.T) {
		p := newStuckProvider()
		n := New(Spec{ID: "draft"}, WithProvider(p))
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			<-p.opened
			cancel()
		}()

		res, err := n.Execute(ctx, NodeContext{})
		require.NoError(t, err)

		assert.False(t, res.Success)
		assert.Equal(t, "Execution cancelled: context canceled", res.Error)
	})
}

func TestExecute_Persistence(t *testing.T) {
	t.Run("cursor and parts written", func(t *testing.T) {
		store := conversation.NewMemoryStore()
		p := llm.NewMockProvider(
			setOutputTurn("c1", "result", "done"),
			llm.TextScenario("finished"),
		)
		n := New(Spec{ID: "draft", OutputKeys: []string{"result"}}, WithProvider(p), WithStore(store))

		res := execute(t, n, nil)
		require.True(t, res.Success, res.Error)

		ctx := context.Background()
		cur, err := store.ReadCursor(ctx)
		require.NoError(t, err)
		require.NotNil(t, cur)
		assert.Equal(t, 2, cur.Iteration)
		assert.Equal(t, map[string]any{"result": "done"}, cur.Outputs)

		parts, err := store.ReadParts(ctx)
		require.NoError(t, err)
		assert.Len(t, parts, 4)
		assert.Equal(t, cur.NextSeq, parts[len(parts)-1].Seq+1)
	})

	t.Run("restores outputs and history from a file store", func(t *testing.T) {
		ctx := context.Background()
		store, err := conversation.NewFileStore(t.TempDir())
		require.NoError(t, err)

		tr := conversation.NewTranscript(store)
		_, err = tr.Append(ctx, llm.Message{Role: llm.RoleUser, Content: "topic: go"})
		require.NoError(t, err)
		_, err = tr.Append(ctx, llm.Message{Role: llm.RoleAssistant, Content: "working on it"})
		require.NoError(t, err)
		require.NoError(t, store.WriteCursor(ctx, conversation.Cursor{
			Iteration: 2,
			NextSeq:   tr.NextSeq(),
			Outputs:   map[string]any{"result": "partial_value", "stray": 1},
		}))

		p := llm.NewMockProvider(llm.TextScenario("done"))
		n := New(Spec{ID: "draft", OutputKeys: []string{"result"}},
			WithProvider(p),
			WithStore(store),
			WithLoopConfig(LoopConfig{MaxIterations: 3}),
		)

		res := execute(t, n, map[string]any{"topic": "go"})

		require.True(t, res.Success, res.Error)
		assert.Equal(t, map[string]any{"result": "partial_value"}, res.Output)
		require.Equal(t, 1, p.CallCount())

		msgs := p.Calls()[0].Messages
		require.Len(t, msgs, 2)
		assert.Equal(t, "topic: go", msgs[0].Content)
		assert.Equal(t, "working on it", msgs[1].Content)

		cur, err := store.ReadCursor(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, cur.Iteration)
	})

	t.Run("tool calls interrupted before their results are answered", func(t *testing.T) {
		ctx := context.Background()
		store := conversation.NewMemoryStore()
		tr := conversation.NewTranscript(store)
		_, err := tr.Append(ctx, llm.Message{Role: llm.RoleUser, Content: "topic: go"})
		require.NoError(t, err)
		_, err = tr.Append(ctx, llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: "search", Arguments: []byte(`{"q":"go"}`)},
		}})
		require.NoError(t, err)
		require.NoError(t, store.WriteCursor(ctx, conversation.Cursor{Iteration: 1, NextSeq: tr.NextSeq()}))

		var ran atomic.Int32
		p := llm.NewMockProvider(llm.TextScenario("done"))
		n := New(Spec{ID: "draft"},
			WithProvider(p),
			WithStore(store),
			WithTools(llm.Tool{Name: "search"}),
			WithToolExecutor(ToolExecutorFunc(func(context.Context, llm.ToolCall) (ToolResult, error) {
				ran.Add(1)
				return ToolResult{Content: "unused"}, nil
			})),
		)

		res := execute(t, n, map[string]any{"topic": "go"})
		require.True(t, res.Success, res.Error)
		assert.Zero(t, ran.Load(), "interrupted tools are not run again")

		require.Equal(t, 1, p.CallCount())
		msgs := p.Calls()[0].Messages
		require.Len(t, msgs, 3)
		last := lastMessage(p.Calls()[0])
		assert.Equal(t, llm.RoleTool, last.Role)
		assert.Equal(t, "c1", last.ToolCallID)
		assert.True(t, last.IsError)
		assert.Equal(t, InterruptedToolCallResult, last.Content)

		parts, err := store.ReadParts(ctx)
		require.NoError(t, err)
		assert.Equal(t, "c1", parts[2].ToolCallID, "the error result is persisted")
	})

	t.Run("restored iterations count against the budget", func(t *testing.T) {
		ctx := context.Background()
		store := conversation.NewMemoryStore()
		require.NoError(t, store.WriteCursor(ctx, conversation.Cursor{Iteration: 3}))

		p := llm.NewMockProvider(llm.TextScenario("unused"))
		n := New(Spec{ID: "draft"}, WithProvider(p), WithStore(store), WithLoopConfig(LoopConfig{MaxIterations: 3}))

		res := execute(t, n, nil)

		assert.Equal(t, "Max iterations (3) reached without acceptance", res.Error)
		assert.Zero(t, p.CallCount())
	})

	t.Run("store failure ends the loop", func(t *testing.T) {
		store := &failingStore{Store: conversation.NewMemoryStore(), err: errors.New("disk full")}
		p := llm.NewMockProvider(llm.TextScenario("unused"))

		res := execute(t, New(Spec{ID: "draft"}, WithProvider(p), WithStore(store)), nil)

		assert.False(t, res.Success)
		assert.Equal(t, "Store error: disk full", res.Error)
	})
}

func TestExecute_Events(t *testing.T) {
	bus := event.NewCollector()
	p := llm.NewMockProvider(llm.TextScenario("hello"))
	n := New(Spec{ID: "draft"}, WithProvider(p), WithBus(bus), WithLoopConfig(LoopConfig{MaxIterations: 7}))

	execute(t, n, nil)

	assert.Equal(t, []string{
		event.LoopStarted,
		event.LoopIteration,
		event.InternalTextDelta,
		event.LoopCompleted,
	}, bus.Types())

	events := bus.Events()
	for _, evt := range events {
		assert.Equal(t, "draft", evt.Source())
		assert.Equal(t, "run-1", evt.CorrelationID())
	}

	started := events[0].(*event.BaseEvent[event.LoopPayload]).Payload
	assert.Equal(t, 7, started.MaxIterations)

	delta := events[2].(*event.BaseEvent[event.LoopPayload]).Payload
	assert.Equal(t, "hello", delta.Content)
	assert.Equal(t, "hello", delta.Snapshot)
	assert.Equal(t, 1, delta.Iteration)

	completed := events[3].(*event.BaseEvent[event.LoopPayload]).Payload
	assert.True(t, completed.Success)
	assert.Equal(t, 1, completed.Iteration)
}
