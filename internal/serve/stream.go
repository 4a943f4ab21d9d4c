package serve

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klumzie/MasterStack/internal/llm"
)

// chatStreamWriter serializes engine events into OpenAI chat.completion.chunk
// SSE frames. Events are written strictly in arrival order; the engine emits
// no text deltas while tool calls run, so token output and tool progress
// never interleave on the wire.
type chatStreamWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	respID  string
	model   string
	created int64

	first     bool
	toolCalls int
	usage     llm.Usage
}

func newChatStreamWriter(w http.ResponseWriter, flusher http.Flusher, respID, model string) *chatStreamWriter {
	return &chatStreamWriter{
		w:       w,
		flusher: flusher,
		respID:  respID,
		model:   model,
		created: time.Now().Unix(),
		first:   true,
	}
}

// HandleEvent writes the SSE frames for one engine event.
func (s *chatStreamWriter) HandleEvent(ev llm.Event) error {
	switch ev.Type {
	case llm.EventTextDelta:
		delta := map[string]any{"content": ev.Text}
		if s.first {
			delta["role"] = "assistant"
			s.first = false
		}
		if err := s.writeChunk(map[string]any{"delta": delta}); err != nil {
			return err
		}
	case llm.EventToolExecStart:
		s.toolCalls++
		// Comment frames keep the connection warm while tools run; clients
		// ignore them.
		if _, err := fmt.Fprintf(s.w, ": tool %s started\n\n", ev.ToolName); err != nil {
			return err
		}
	case llm.EventToolExecEnd:
		if _, err := fmt.Fprintf(s.w, ": tool %s finished\n\n", ev.ToolName); err != nil {
			return err
		}
	case llm.EventUsage:
		if ev.Use != nil {
			s.usage.InputTokens += ev.Use.InputTokens
			s.usage.OutputTokens += ev.Use.OutputTokens
		}
	case llm.EventRetry:
		if _, err := fmt.Fprintf(s.w, ": retrying (%d/%d) in %.0fs\n\n", ev.RetryAttempt, ev.RetryMaxAttempts, ev.RetryWaitSecs); err != nil {
			return err
		}
	default:
		return nil
	}
	s.flusher.Flush()
	return nil
}

// FinishOK writes the closing frames for a successful stream.
func (s *chatStreamWriter) FinishOK(includeUsage bool) {
	_ = s.writeChunk(map[string]any{"delta": map[string]any{}, "finish_reason": "stop"})
	if includeUsage {
		_ = writeChatStreamChunk(s.w, map[string]any{
			"id":      s.respID,
			"object":  "chat.completion.chunk",
			"created": s.created,
			"model":   s.model,
			"choices": []map[string]any{},
			"usage": map[string]any{
				"prompt_tokens":     s.usage.InputTokens,
				"completion_tokens": s.usage.OutputTokens,
				"total_tokens":      s.usage.InputTokens + s.usage.OutputTokens,
			},
		})
	}
	_, _ = io.WriteString(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
}

// FinishError writes an error terminator. Text already streamed stays with
// the client; the error chunk tells them the response is incomplete.
func (s *chatStreamWriter) FinishError(err error) {
	_ = writeChatStreamChunk(s.w, map[string]any{
		"id":      s.respID,
		"object":  "chat.completion.chunk",
		"created": s.created,
		"model":   s.model,
		"choices": []map[string]any{{"index": 0, "finish_reason": "error", "delta": map[string]any{}}},
		"error":   map[string]any{"message": err.Error(), "type": "server_error"},
	})
	_, _ = io.WriteString(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
}

func (s *chatStreamWriter) Usage() llm.Usage {
	return s.usage
}

func (s *chatStreamWriter) ToolCalls() int {
	return s.toolCalls
}

func (s *chatStreamWriter) writeChunk(choice map[string]any) error {
	choice["index"] = 0
	return writeChatStreamChunk(s.w, map[string]any{
		"id":      s.respID,
		"object":  "chat.completion.chunk",
		"created": s.created,
		"model":   s.model,
		"choices": []map[string]any{choice},
	})
}

func writeChatStreamChunk(w io.Writer, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}
