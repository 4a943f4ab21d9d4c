package llm

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DebugLogger logs model requests and stream events to JSONL files.
// Each server run gets its own file based on the run ID.
type DebugLogger struct {
	baseDir   string
	runID     string
	mu        sync.Mutex
	file      *os.File
	writer    *bufio.Writer
	closeOnce sync.Once
	closed    bool
}

// debugLogEntry is the common structure for all log entries
type debugLogEntry struct {
	Timestamp string `json:"timestamp"`
	RunID     string `json:"run_id"`
	Type      string `json:"type"` // "request", "turn_request", or "event"
}

type debugRequestEntry struct {
	debugLogEntry
	Provider string           `json:"provider"`
	Model    string           `json:"model"`
	Request  debugRequestData `json:"request"`
}

type debugTurnRequestEntry struct {
	debugLogEntry
	Turn     int              `json:"turn"`
	Provider string           `json:"provider"`
	Model    string           `json:"model"`
	Request  debugRequestData `json:"request"`
}

type debugRequestData struct {
	Messages          []debugMessage   `json:"messages"`
	Tools             []debugTool      `json:"tools,omitempty"`
	ToolChoice        *debugToolChoice `json:"tool_choice,omitempty"`
	ParallelToolCalls bool             `json:"parallel_tool_calls,omitempty"`
	MaxOutputTokens   int              `json:"max_output_tokens,omitempty"`
	Temperature       float32          `json:"temperature,omitempty"`
	TopP              float32          `json:"top_p,omitempty"`
	MaxRounds         int              `json:"max_rounds,omitempty"`
}

type debugToolChoice struct {
	Mode string `json:"mode"`
	Name string `json:"name,omitempty"`
}

type debugMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []debugPart
}

type debugPart struct {
	Type       string           `json:"type"`
	Text       string           `json:"text,omitempty"`
	ToolCall   *debugToolCall   `json:"tool_call,omitempty"`
	ToolResult *debugToolResult `json:"tool_result,omitempty"`
}

type debugToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type debugToolResult struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

type debugTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type debugEventEntry struct {
	debugLogEntry
	EventType string `json:"event_type"`
	Data      any    `json:"data,omitempty"`
}

// NewDebugLogger creates a new DebugLogger.
// Old log files (>7 days) are automatically cleaned up.
func NewDebugLogger(baseDir, runID string) (*DebugLogger, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, err
	}

	_ = CleanupOldLogs(baseDir, 7*24*time.Hour)

	filename := filepath.Join(baseDir, runID+".jsonl")
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}

	return &DebugLogger{
		baseDir: baseDir,
		runID:   runID,
		file:    file,
		writer:  bufio.NewWriter(file),
	}, nil
}

// LogRequest logs a model request.
func (l *DebugLogger) LogRequest(provider, model string, req Request) {
	if l == nil {
		return
	}

	logModel := req.Model
	if logModel == "" {
		logModel = model
	}

	entry := debugRequestEntry{
		debugLogEntry: debugLogEntry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			RunID:     l.runID,
			Type:      "request",
		},
		Provider: provider,
		Model:    logModel,
		Request:  convertRequest(req),
	}

	l.writeEntry(entry)
	// Flush requests immediately since they're infrequent and important
	l.Flush()
}

// LogTurnRequest logs the request state for one round of the tool loop,
// after tool results from the previous round have been appended.
func (l *DebugLogger) LogTurnRequest(turn int, provider, model string, req Request) {
	if l == nil {
		return
	}

	logModel := req.Model
	if logModel == "" {
		logModel = model
	}

	entry := debugTurnRequestEntry{
		debugLogEntry: debugLogEntry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			RunID:     l.runID,
			Type:      "turn_request",
		},
		Turn:     turn,
		Provider: provider,
		Model:    logModel,
		Request:  convertRequest(req),
	}

	l.writeEntry(entry)
	l.Flush()
}

// LogEvent logs a stream event.
func (l *DebugLogger) LogEvent(event Event) {
	if l == nil {
		return
	}

	entry := debugEventEntry{
		debugLogEntry: debugLogEntry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			RunID:     l.runID,
			Type:      "event",
		},
		EventType: string(event.Type),
	}

	switch event.Type {
	case EventTextDelta:
		entry.Data = map[string]string{"text": event.Text}
	case EventToolCall:
		if event.Tool != nil {
			entry.Data = map[string]any{
				"id":        event.Tool.ID,
				"name":      event.Tool.Name,
				"arguments": event.Tool.Arguments,
			}
		}
	case EventToolExecStart, EventToolExecEnd:
		data := map[string]any{
			"tool_call_id": event.ToolCallID,
			"tool_name":    event.ToolName,
		}
		if event.Type == EventToolExecEnd {
			data["success"] = event.ToolSuccess
		}
		entry.Data = data
	case EventUsage:
		if event.Use != nil {
			entry.Data = map[string]int{
				"input_tokens":  event.Use.InputTokens,
				"output_tokens": event.Use.OutputTokens,
			}
		}
	case EventError:
		if event.Err != nil {
			entry.Data = map[string]string{"error": event.Err.Error()}
		}
	case EventRetry:
		entry.Data = map[string]any{
			"attempt":      event.RetryAttempt,
			"max_attempts": event.RetryMaxAttempts,
			"wait_secs":    event.RetryWaitSecs,
		}
	}

	l.writeEntry(entry)

	// Flush on EventDone so a full response is persisted without flushing
	// on every text delta.
	if event.Type == EventDone {
		l.Flush()
	}
}

// Close closes the debug logger and flushes any buffered data.
// Close is idempotent and safe to call multiple times.
func (l *DebugLogger) Close() error {
	if l == nil {
		return nil
	}

	var closeErr error
	l.closeOnce.Do(func() {
		l.mu.Lock()
		defer l.mu.Unlock()

		if l.file == nil {
			return
		}

		if err := l.writer.Flush(); err != nil {
			closeErr = err
		}
		if err := l.file.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
		l.closed = true
	})
	return closeErr
}

func (l *DebugLogger) writeEntry(entry any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	l.writer.Write(data)
	l.writer.WriteString("\n")
}

// Flush flushes the buffered writer to disk.
func (l *DebugLogger) Flush() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.writer == nil {
		return
	}
	l.writer.Flush()
}

func convertRequest(req Request) debugRequestData {
	return debugRequestData{
		Messages:          convertMessages(req.Messages),
		Tools:             convertTools(req.Tools),
		ToolChoice:        convertToolChoice(req.ToolChoice),
		ParallelToolCalls: req.ParallelToolCalls,
		MaxOutputTokens:   req.MaxOutputTokens,
		Temperature:       req.Temperature,
		TopP:              req.TopP,
		MaxRounds:         req.MaxRounds,
	}
}

func convertToolChoice(tc ToolChoice) *debugToolChoice {
	if tc.Mode == "" {
		return nil
	}
	return &debugToolChoice{
		Mode: string(tc.Mode),
		Name: tc.Name,
	}
}

func convertMessages(messages []Message) []debugMessage {
	result := make([]debugMessage, len(messages))
	for i, msg := range messages {
		result[i] = debugMessage{
			Role:    string(msg.Role),
			Content: convertParts(msg.Parts),
		}
	}
	return result
}

func convertParts(parts []Part) any {
	// A single text part logs as a plain string.
	if len(parts) == 1 && parts[0].Type == PartText {
		return parts[0].Text
	}

	result := make([]debugPart, len(parts))
	for i, part := range parts {
		dp := debugPart{Type: string(part.Type)}
		switch part.Type {
		case PartText:
			dp.Text = part.Text
		case PartToolCall:
			if part.ToolCall != nil {
				dp.ToolCall = &debugToolCall{
					ID:        part.ToolCall.ID,
					Name:      part.ToolCall.Name,
					Arguments: part.ToolCall.Arguments,
				}
			}
		case PartToolResult:
			if part.ToolResult != nil {
				dp.ToolResult = &debugToolResult{
					ID:      part.ToolResult.ID,
					Name:    part.ToolResult.Name,
					Content: part.ToolResult.Content,
					IsError: part.ToolResult.IsError,
				}
			}
		}
		result[i] = dp
	}
	return result
}

func convertTools(tools []ToolSpec) []debugTool {
	if len(tools) == 0 {
		return nil
	}
	result := make([]debugTool, len(tools))
	for i, tool := range tools {
		result[i] = debugTool{
			Name:        tool.Name,
			Description: tool.Description,
		}
	}
	return result
}

// CleanupOldLogs removes JSONL log files older than maxAge from the specified directory.
func CleanupOldLogs(baseDir string, maxAge time.Duration) error {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if filepath.Ext(entry.Name()) != ".jsonl" {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(baseDir, entry.Name()))
		}
	}

	return nil
}
