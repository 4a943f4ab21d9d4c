package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
)

const (
	defaultMaxRounds = 8

	// Appended to the final text when the round ceiling cuts off pending
	// tool calls.
	truncationNotice = "\n\n[output truncated: tool call round limit reached]"
)

// Invoker executes a fully-qualified tool call and returns its text output.
// The dispatch router implements this.
type Invoker interface {
	Invoke(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// Engine drives the multi-round conversation loop: stream a model turn,
// execute any proposed tool calls, fold the results back into the
// conversation, and repeat until the model answers in plain text or the
// round ceiling is hit.
type Engine struct {
	provider    Provider
	invoker     Invoker
	maxRounds   int
	maxInFlight int
	debugLogger *DebugLogger
}

// NewEngine creates an engine. maxRounds <= 0 uses the default ceiling;
// maxInFlight <= 0 means unlimited concurrent tool calls per request.
func NewEngine(provider Provider, invoker Invoker, maxRounds, maxInFlight int) *Engine {
	if maxRounds <= 0 {
		maxRounds = defaultMaxRounds
	}
	return &Engine{
		provider:    provider,
		invoker:     invoker,
		maxRounds:   maxRounds,
		maxInFlight: maxInFlight,
	}
}

// SetDebugLogger sets the debug logger for this engine.
func (e *Engine) SetDebugLogger(logger *DebugLogger) {
	e.debugLogger = logger
}

func (e *Engine) Provider() Provider {
	return e.provider
}

// Stream runs the request, applying the tool loop when the request carries
// tools and the provider can call them.
func (e *Engine) Stream(ctx context.Context, req Request) (Stream, error) {
	useLoop := len(req.Tools) > 0 && e.provider.Capabilities().ToolCalls && e.invoker != nil

	if useLoop {
		return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
			return e.runLoop(ctx, req, events)
		}), nil
	}

	if e.debugLogger != nil {
		e.debugLogger.LogRequest(e.provider.Name(), req.Model, req)
	}
	stream, err := e.provider.Stream(ctx, req)
	if err != nil || e.debugLogger == nil {
		return stream, err
	}
	return &loggedStream{inner: stream, logger: e.debugLogger}, nil
}

// loggedStream mirrors every event of the passthrough path into the debug
// log.
type loggedStream struct {
	inner  Stream
	logger *DebugLogger
}

func (s *loggedStream) Recv() (Event, error) {
	ev, err := s.inner.Recv()
	if err == nil {
		s.logger.LogEvent(ev)
	}
	return ev, err
}

func (s *loggedStream) Close() error {
	return s.inner.Close()
}

// send forwards one event to the consumer, mirroring it into the debug log.
// It returns the context error when the consumer is gone, so a stalled loop
// never wedges the producer goroutine.
func (e *Engine) send(ctx context.Context, events chan<- Event, ev Event) error {
	if e.debugLogger != nil {
		e.debugLogger.LogEvent(ev)
	}
	select {
	case events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) runLoop(ctx context.Context, req Request, events chan<- Event) error {
	maxRounds := e.maxRounds
	if req.MaxRounds > 0 {
		maxRounds = req.MaxRounds
	}

	for round := 0; round < maxRounds; round++ {
		if round > 0 {
			// Follow-up rounds always run in auto mode so a forced tool
			// choice cannot loop forever.
			req.ToolChoice = ToolChoice{Mode: ToolChoiceAuto}
		}

		if e.debugLogger != nil {
			e.debugLogger.LogTurnRequest(round, e.provider.Name(), req.Model, req)
		}

		stream, err := e.provider.Stream(ctx, req)
		if err != nil {
			return err
		}

		var toolCalls []ToolCall
		var textBuilder strings.Builder
		for {
			event, err := stream.Recv()
			if err == io.EOF {
				break
			}
			if err != nil {
				stream.Close()
				return err
			}
			if event.Type == EventError && event.Err != nil {
				stream.Close()
				return event.Err
			}
			if event.Type == EventTextDelta && event.Text != "" {
				textBuilder.WriteString(event.Text)
			}
			if event.Type == EventToolCall && event.Tool != nil {
				toolCalls = append(toolCalls, *event.Tool)
				continue
			}
			if event.Type == EventDone {
				continue
			}
			if err := e.send(ctx, events, event); err != nil {
				stream.Close()
				return err
			}
		}
		stream.Close()

		// Plain text answer ends the loop.
		if len(toolCalls) == 0 {
			return e.send(ctx, events, Event{Type: EventDone, Rounds: round + 1})
		}

		toolCalls = ensureToolCallIDs(toolCalls)
		toolCalls = dedupeToolCalls(toolCalls)

		// Last round with pending calls: the calls are dropped and the
		// client gets what text we have plus a truncation note.
		if round == maxRounds-1 {
			if err := e.send(ctx, events, Event{Type: EventTextDelta, Text: truncationNotice}); err != nil {
				return err
			}
			return e.send(ctx, events, Event{Type: EventDone, Rounds: maxRounds})
		}

		for i := range toolCalls {
			call := toolCalls[i]
			if err := e.send(ctx, events, Event{Type: EventToolExecStart, ToolCallID: call.ID, ToolName: call.Name}); err != nil {
				return err
			}
		}

		toolResults, err := e.executeToolCalls(ctx, toolCalls, events)
		if err != nil {
			return err
		}

		req.Messages = append(req.Messages, buildAssistantMessage(textBuilder.String(), toolCalls))
		req.Messages = append(req.Messages, toolResults...)
	}

	return fmt.Errorf("tool loop ended unexpectedly")
}

// buildAssistantMessage creates the assistant turn carrying streamed text
// plus the tool calls the model proposed.
func buildAssistantMessage(text string, toolCalls []ToolCall) Message {
	var parts []Part
	if text != "" {
		parts = append(parts, Part{Type: PartText, Text: text})
	}
	for i := range toolCalls {
		call := toolCalls[i]
		parts = append(parts, Part{Type: PartToolCall, ToolCall: &call})
	}
	return Message{Role: RoleAssistant, Parts: parts}
}

// executeToolCalls runs the round's tool calls, in parallel when there are
// several, and returns result messages in call-issue order. Execution
// failures are folded into tool error messages rather than aborting the
// request; the model decides what to do with them.
func (e *Engine) executeToolCalls(ctx context.Context, calls []ToolCall, events chan<- Event) ([]Message, error) {
	if len(calls) == 1 {
		return []Message{e.executeSingleToolCall(ctx, calls[0], events)}, nil
	}

	// Parallel execution, bounded by the per-request in-flight cap.
	// EventToolExecEnd events may arrive in any order; consumers correlate
	// by ToolCallID.
	type toolResult struct {
		index   int
		message Message
	}

	var sem chan struct{}
	if e.maxInFlight > 0 {
		sem = make(chan struct{}, e.maxInFlight)
	}

	var wg sync.WaitGroup
	resultChan := make(chan toolResult, len(calls))

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, c ToolCall) {
			defer wg.Done()
			if sem != nil {
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					resultChan <- toolResult{index: idx, message: ToolErrorMessage(c.ID, c.Name, "Error: "+ctx.Err().Error())}
					return
				}
			}
			resultChan <- toolResult{index: idx, message: e.executeSingleToolCall(ctx, c, events)}
		}(i, call)
	}

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	results := make([]Message, len(calls))
	for r := range resultChan {
		results[r.index] = r.message
	}
	return results, nil
}

func (e *Engine) executeSingleToolCall(ctx context.Context, call ToolCall, events chan<- Event) Message {
	output, err := e.invoker.Invoke(ctx, call.Name, call.Arguments)
	if err != nil {
		errMsg := fmt.Sprintf("Error: %v", err)
		if events != nil {
			_ = e.send(ctx, events, Event{Type: EventToolExecEnd, ToolCallID: call.ID, ToolName: call.Name, ToolSuccess: false})
		}
		return ToolErrorMessage(call.ID, call.Name, errMsg)
	}

	if events != nil {
		_ = e.send(ctx, events, Event{Type: EventToolExecEnd, ToolCallID: call.ID, ToolName: call.Name, ToolSuccess: true})
	}
	return ToolResultMessage(call.ID, call.Name, output)
}

func ensureToolCallIDs(calls []ToolCall) []ToolCall {
	for i := range calls {
		if strings.TrimSpace(calls[i].ID) == "" {
			calls[i].ID = fmt.Sprintf("toolcall-%d", i+1)
		}
	}
	return calls
}

func dedupeToolCalls(calls []ToolCall) []ToolCall {
	if len(calls) < 2 {
		return calls
	}
	seen := make(map[string]struct{}, len(calls))
	out := make([]ToolCall, 0, len(calls))
	for _, call := range calls {
		id := strings.TrimSpace(call.ID)
		if id == "" {
			out = append(out, call)
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, call)
	}
	return out
}
