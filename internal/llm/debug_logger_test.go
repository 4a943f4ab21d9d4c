package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func readLogLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("bad log line %q: %v", scanner.Text(), err)
		}
		lines = append(lines, entry)
	}
	return lines
}

func TestDebugLoggerWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewDebugLogger(dir, "test-run")
	if err != nil {
		t.Fatalf("NewDebugLogger error: %v", err)
	}

	req := Request{
		Model:    "test-model",
		Messages: []Message{SystemText("be helpful"), UserText("hi")},
		Tools:    lightsTools(),
	}
	logger.LogRequest("fake", "test-model", req)
	logger.LogTurnRequest(1, "fake", "test-model", req)
	logger.LogEvent(Event{Type: EventTextDelta, Text: "hello"})
	logger.LogEvent(Event{Type: EventDone})
	if err := logger.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	lines := readLogLines(t, filepath.Join(dir, "test-run.jsonl"))
	if len(lines) != 4 {
		t.Fatalf("lines = %d, want 4", len(lines))
	}
	if lines[0]["type"] != "request" || lines[1]["type"] != "turn_request" {
		t.Errorf("types = %v, %v", lines[0]["type"], lines[1]["type"])
	}
	if lines[2]["type"] != "event" || lines[3]["type"] != "event" {
		t.Errorf("event types = %v, %v", lines[2]["type"], lines[3]["type"])
	}
	for i, line := range lines {
		if line["run_id"] != "test-run" {
			t.Errorf("line %d run_id = %v", i, line["run_id"])
		}
	}
}

func TestDebugLoggerCloseIdempotent(t *testing.T) {
	logger, err := NewDebugLogger(t.TempDir(), "run")
	if err != nil {
		t.Fatalf("NewDebugLogger error: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("first Close error: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close error: %v", err)
	}
	// Logging after close must not panic.
	logger.LogEvent(Event{Type: EventTextDelta, Text: "late"})
}

func TestEngineLogsLoopEvents(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewDebugLogger(dir, "loop-run")
	if err != nil {
		t.Fatalf("NewDebugLogger error: %v", err)
	}

	provider := &fakeProvider{
		script: func(call int, req Request) []Event {
			if call == 0 {
				return []Event{
					{Type: EventToolCall, Tool: &ToolCall{ID: "call-1", Name: "lights.turn_on", Arguments: json.RawMessage(`{}`)}},
					{Type: EventDone},
				}
			}
			return []Event{
				{Type: EventTextDelta, Text: "done"},
				{Type: EventDone},
			}
		},
	}
	engine := NewEngine(provider, &fakeInvoker{}, 0, 0)
	engine.SetDebugLogger(logger)

	stream, err := engine.Stream(context.Background(), Request{
		Messages: []Message{UserText("turn on the light")},
		Tools:    lightsTools(),
	})
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	drainStream(t, stream)
	stream.Close()
	if err := logger.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	lines := readLogLines(t, filepath.Join(dir, "loop-run.jsonl"))
	eventTypes := map[string]int{}
	var turnRequests int
	for _, line := range lines {
		switch line["type"] {
		case "turn_request":
			turnRequests++
		case "event":
			if et, ok := line["event_type"].(string); ok {
				eventTypes[et]++
			}
		}
	}
	if turnRequests != 2 {
		t.Errorf("turn_request entries = %d, want 2", turnRequests)
	}
	for _, want := range []string{"tool_exec_start", "tool_exec_end", "text_delta", "done"} {
		if eventTypes[want] == 0 {
			t.Errorf("no %q event entries logged (got %v)", want, eventTypes)
		}
	}
}

func TestEngineLogsPassthroughEvents(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewDebugLogger(dir, "plain-run")
	if err != nil {
		t.Fatalf("NewDebugLogger error: %v", err)
	}

	provider := &fakeProvider{
		script: func(call int, req Request) []Event {
			return []Event{
				{Type: EventTextDelta, Text: "plain answer"},
				{Type: EventDone},
			}
		},
	}
	engine := NewEngine(provider, nil, 0, 0)
	engine.SetDebugLogger(logger)

	stream, err := engine.Stream(context.Background(), Request{
		Messages: []Message{UserText("hi")},
	})
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	drainStream(t, stream)
	stream.Close()
	if err := logger.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	var events int
	for _, line := range readLogLines(t, filepath.Join(dir, "plain-run.jsonl")) {
		if line["type"] == "event" {
			events++
		}
	}
	if events != 2 {
		t.Errorf("event entries = %d, want 2", events)
	}
}

func TestCleanupOldLogs(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "old.jsonl")
	newPath := filepath.Join(dir, "new.jsonl")
	if err := os.WriteFile(oldPath, []byte("{}\n"), 0o600); err != nil {
		t.Fatalf("write old: %v", err)
	}
	if err := os.WriteFile(newPath, []byte("{}\n"), 0o600); err != nil {
		t.Fatalf("write new: %v", err)
	}
	stale := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldPath, stale, stale); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	if err := CleanupOldLogs(dir, 24*time.Hour); err != nil {
		t.Fatalf("CleanupOldLogs error: %v", err)
	}
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Error("old log should be removed")
	}
	if _, err := os.Stat(newPath); err != nil {
		t.Error("recent log should survive")
	}
}

func TestConvertPartsSingleTextCollapses(t *testing.T) {
	content := convertParts([]Part{{Type: PartText, Text: "just text"}})
	if s, ok := content.(string); !ok || s != "just text" {
		t.Errorf("content = %#v, want plain string", content)
	}

	content = convertParts([]Part{
		{Type: PartText, Text: "text"},
		{Type: PartToolCall, ToolCall: &ToolCall{ID: "c1", Name: "t", Arguments: json.RawMessage(`{}`)}},
	})
	if _, ok := content.([]debugPart); !ok {
		t.Errorf("mixed content = %#v, want []debugPart", content)
	}
}
