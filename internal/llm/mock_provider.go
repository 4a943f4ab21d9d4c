package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MockTurn scripts one Stream call of a MockProvider.
type MockTurn struct {
	Text      string
	ToolCalls []ToolCall
	Err       error
	Delay     time.Duration
}

// MockProvider is a scriptable Provider for tests. Each call to Stream
// consumes the next configured turn and records the request it received.
type MockProvider struct {
	name string
	caps Capabilities

	mu       sync.Mutex
	turns    []MockTurn
	turnIdx  int
	Requests []Request
}

func NewMockProvider(name string) *MockProvider {
	return &MockProvider{
		name: name,
		caps: Capabilities{ToolCalls: true},
	}
}

func (p *MockProvider) WithCapabilities(caps Capabilities) *MockProvider {
	p.caps = caps
	return p
}

func (p *MockProvider) Name() string               { return p.name }
func (p *MockProvider) Capabilities() Capabilities { return p.caps }

// AddTurn appends a scripted turn.
func (p *MockProvider) AddTurn(turn MockTurn) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.turns = append(p.turns, turn)
	return p
}

// AddTextResponse appends a turn that streams the given text.
func (p *MockProvider) AddTextResponse(text string) *MockProvider {
	return p.AddTurn(MockTurn{Text: text})
}

// AddToolCall appends a turn that emits a single tool call with the
// given arguments (marshaled to JSON).
func (p *MockProvider) AddToolCall(id, name string, args any) *MockProvider {
	raw, err := json.Marshal(args)
	if err != nil {
		panic(fmt.Sprintf("mock provider: marshal tool args: %v", err))
	}
	return p.AddTurn(MockTurn{ToolCalls: []ToolCall{{ID: id, Name: name, Arguments: raw}}})
}

// AddError appends a turn that fails with err.
func (p *MockProvider) AddError(err error) *MockProvider {
	return p.AddTurn(MockTurn{Err: err})
}

// Reset clears recorded requests and rewinds the turn index.
func (p *MockProvider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = nil
	p.turnIdx = 0
}

// CurrentTurn reports how many turns have been consumed.
func (p *MockProvider) CurrentTurn() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.turnIdx
}

func (p *MockProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	p.mu.Lock()
	if p.turnIdx >= len(p.turns) {
		p.mu.Unlock()
		return nil, fmt.Errorf("mock provider %q: no turn configured for request %d", p.name, p.turnIdx+1)
	}
	turn := p.turns[p.turnIdx]
	p.turnIdx++
	p.Requests = append(p.Requests, req)
	p.mu.Unlock()

	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		if turn.Delay > 0 {
			select {
			case <-time.After(turn.Delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if turn.Err != nil {
			return turn.Err
		}
		for _, chunk := range chunkText(turn.Text, 8) {
			select {
			case events <- Event{Type: EventTextDelta, Text: chunk}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		for i := range turn.ToolCalls {
			call := turn.ToolCalls[i]
			select {
			case events <- Event{Type: EventToolCall, Tool: &call}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		use := &Usage{InputTokens: 10, OutputTokens: len(turn.Text) / 4}
		select {
		case events <- Event{Type: EventUsage, Use: use}:
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case events <- Event{Type: EventDone}:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}), nil
}

// chunkText splits text into pieces of at most chunkSize bytes.
func chunkText(text string, chunkSize int) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	for len(text) > chunkSize {
		chunks = append(chunks, text[:chunkSize])
		text = text[chunkSize:]
	}
	return append(chunks, text)
}
