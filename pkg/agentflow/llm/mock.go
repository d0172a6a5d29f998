package llm

import (
	"context"
	"sync"
)

// Scenario is the scripted event sequence of one streaming turn.
type Scenario []StreamEvent

// TextScenario is a turn that emits text and finishes with "stop".
func TextScenario(text string) Scenario {
	return Scenario{
		TextDelta(text, text),
		Finish("stop", 10, 5, "mock"),
	}
}

// ToolCallScenario is a turn that issues one complete tool call.
func ToolCallScenario(id, name string, input any) Scenario {
	return Scenario{
		CompleteToolCall(0, id, name, input),
		Finish("tool_calls", 10, 5, "mock"),
	}
}

// MockProvider replays scripted scenarios, one per Stream call, cycling
// back to the first once the list is exhausted. It records every request.
type MockProvider struct {
	mu        sync.Mutex
	scenarios []Scenario
	calls     []StreamRequest
	next      int
	openErr   error
}

// NewMockProvider creates a provider that replays scenarios in order.
func NewMockProvider(scenarios ...Scenario) *MockProvider {
	return &MockProvider{scenarios: scenarios}
}

// WithOpenError makes every Stream call fail before any event is produced.
func (m *MockProvider) WithOpenError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErr = err
	return m
}

// Stream implements Provider.
func (m *MockProvider) Stream(ctx context.Context, req StreamRequest) (<-chan StreamEvent, error) {
	m.mu.Lock()
	m.calls = append(m.calls, cloneRequest(req))
	if m.openErr != nil {
		err := m.openErr
		m.mu.Unlock()
		return nil, err
	}
	var events Scenario
	if len(m.scenarios) > 0 {
		events = m.scenarios[m.next%len(m.scenarios)]
		m.next++
	}
	m.mu.Unlock()

	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		for _, evt := range events {
			select {
			case ch <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Calls returns a copy of every request received so far.
func (m *MockProvider) Calls() []StreamRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StreamRequest, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many turns were opened.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func cloneRequest(req StreamRequest) StreamRequest {
	out := req
	out.Messages = append([]Message(nil), req.Messages...)
	out.Tools = append([]Tool(nil), req.Tools...)
	return out
}
