package serve

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/klumzie/MasterStack/internal/backend"
	"github.com/klumzie/MasterStack/internal/catalog"
	"github.com/klumzie/MasterStack/internal/llm"
	"github.com/klumzie/MasterStack/internal/usage"
)

// Options configure the HTTP server.
type Options struct {
	Host           string
	Port           int
	Token          string // bearer token; empty disables auth
	RequestTimeout time.Duration
	DefaultModel   string
	Provider       string // provider name, recorded in usage entries
}

// Server exposes the bridge over an OpenAI-compatible HTTP API.
type Server struct {
	opts       Options
	engine     *llm.Engine
	catalog    *catalog.Aggregator
	supervisor *backend.Supervisor
	usageStore *usage.Store // nil when usage tracking is disabled
	server     *http.Server
}

func NewServer(opts Options, engine *llm.Engine, cat *catalog.Aggregator, sup *backend.Supervisor, store *usage.Store) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Minute
	}
	return &Server{
		opts:       opts,
		engine:     engine,
		catalog:    cat,
		supervisor: sup,
		usageStore: store,
	}
}

// Start begins listening. It returns once the listener is up or has failed.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port),
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		err := s.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("start server: %w", err)
		}
		return nil
	case <-time.After(50 * time.Millisecond):
		return nil
	}
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler builds the route mux. Exposed for httptest use.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/models", s.auth(s.handleModels))
	mux.HandleFunc("/v1/chat/completions", s.auth(s.handleChatCompletions))
	return mux
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	if s.opts.Token == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, prefix) {
			writeOpenAIError(w, http.StatusUnauthorized, "invalid_api_key", "invalid authentication credentials")
			return
		}
		gotToken := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
		if subtle.ConstantTimeCompare([]byte(gotToken), []byte(s.opts.Token)) != 1 {
			writeOpenAIError(w, http.StatusUnauthorized, "invalid_api_key", "invalid authentication credentials")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeOpenAIError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}

	health := s.supervisor.AggregateHealth()
	backends := map[string]any{}
	for _, desc := range s.supervisor.List() {
		item := map[string]any{
			"state":    string(desc.State),
			"restarts": desc.Restarts,
		}
		if desc.Err != nil {
			item["error"] = desc.Err.Error()
		}
		backends[desc.Name] = item
	}

	status := http.StatusOK
	if health == backend.Unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"status":   string(health),
		"backends": backends,
		"tools":    s.catalog.Len(),
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeOpenAIError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	models := make([]llm.ModelInfo, 0)
	if lister, ok := s.engine.Provider().(llm.ModelLister); ok {
		if listed, err := lister.ListModels(ctx); err == nil {
			models = listed
		}
	}
	if len(models) == 0 && s.opts.DefaultModel != "" {
		models = append(models, llm.ModelInfo{ID: s.opts.DefaultModel})
	}

	seen := map[string]bool{}
	items := make([]map[string]any, 0, len(models))
	for _, m := range models {
		if m.ID == "" || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		ownedBy := m.OwnedBy
		if ownedBy == "" {
			ownedBy = "masterstack"
		}
		items = append(items, map[string]any{
			"id":       m.ID,
			"object":   "model",
			"created":  m.Created,
			"owned_by": ownedBy,
		})
	}
	sort.Slice(items, func(i, j int) bool {
		idi, _ := items[i]["id"].(string)
		idj, _ := items[j]["id"].(string)
		return idi < idj
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   items,
	})
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeOpenAIError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}
	if err := requireJSONContentType(r); err != nil {
		writeOpenAIError(w, http.StatusUnsupportedMediaType, "invalid_request_error", err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	defer cancel()

	var req chatCompletionsRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", "messages is required")
		return
	}

	messages, err := parseChatMessages(req.Messages)
	if err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	parallel := true
	if req.ParallelToolCalls != nil {
		parallel = *req.ParallelToolCalls
	}

	llmReq := llm.Request{
		Model:             strings.TrimSpace(req.Model),
		Messages:          messages,
		Tools:             s.selectTools(parseChatRequestedToolNames(req.Tools)),
		ToolChoice:        parseToolChoice(req.ToolChoice),
		ParallelToolCalls: parallel,
	}
	if req.MaxTokens > 0 {
		llmReq.MaxOutputTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		llmReq.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		llmReq.TopP = *req.TopP
	}

	model := llmReq.Model
	if model == "" {
		model = s.opts.DefaultModel
	}

	if req.Stream {
		s.streamChatCompletions(ctx, w, model, llmReq, req.StreamOptions)
		return
	}

	started := time.Now()
	result, err := s.run(ctx, llmReq, nil)
	s.recordUsage(model, result, started, err)
	if err != nil {
		writeOpenAIError(w, http.StatusBadGateway, "server_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":      "chatcmpl_" + randomSuffix(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index": 0,
			"message": map[string]any{
				"role":    "assistant",
				"content": result.text.String(),
			},
			"finish_reason": "stop",
		}},
		"usage": map[string]any{
			"prompt_tokens":     result.usage.InputTokens,
			"completion_tokens": result.usage.OutputTokens,
			"total_tokens":      result.usage.InputTokens + result.usage.OutputTokens,
		},
	})
}

func (s *Server) streamChatCompletions(ctx context.Context, w http.ResponseWriter, model string, llmReq llm.Request, streamOpts *chatStreamOptions) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeOpenAIError(w, http.StatusInternalServerError, "server_error", "streaming not supported")
		return
	}

	setSSEHeaders(w)
	writer := newChatStreamWriter(w, flusher, "chatcmpl_"+randomSuffix(), model)

	started := time.Now()
	result, err := s.run(ctx, llmReq, writer.HandleEvent)
	result.toolCalls = writer.ToolCalls()
	result.usage = writer.Usage()
	s.recordUsage(model, result, started, err)
	if err != nil {
		writer.FinishError(err)
		return
	}
	writer.FinishOK(streamOpts != nil && streamOpts.IncludeUsage)
}

type runResult struct {
	text      strings.Builder
	usage     llm.Usage
	toolCalls int
	rounds    int
}

// run drives the engine stream to completion, forwarding events when onEvent
// is set. A write failure from onEvent (client gone) cancels the request and
// stops all output.
func (s *Server) run(ctx context.Context, req llm.Request, onEvent func(llm.Event) error) (runResult, error) {
	result := runResult{}

	stream, err := s.engine.Stream(ctx, req)
	if err != nil {
		return result, err
	}
	defer stream.Close()

	for {
		ev, recvErr := stream.Recv()
		if recvErr == io.EOF {
			break
		}
		if recvErr != nil {
			return result, recvErr
		}

		if onEvent != nil {
			if err := onEvent(ev); err != nil {
				return result, err
			}
		}

		switch ev.Type {
		case llm.EventTextDelta:
			result.text.WriteString(ev.Text)
		case llm.EventToolExecStart:
			result.toolCalls++
		case llm.EventUsage:
			if ev.Use != nil {
				result.usage.InputTokens += ev.Use.InputTokens
				result.usage.OutputTokens += ev.Use.OutputTokens
			}
		case llm.EventDone:
			// Passthrough streams report no round count; that is one turn.
			result.rounds = ev.Rounds
			if result.rounds == 0 {
				result.rounds = 1
			}
		case llm.EventError:
			if ev.Err != nil {
				return result, ev.Err
			}
		}
	}

	return result, nil
}

// selectTools offers the full catalog unless the request narrows it.
func (s *Server) selectTools(requested map[string]bool) []llm.ToolSpec {
	all := s.catalog.Snapshot()
	out := make([]llm.ToolSpec, 0, len(all))
	for _, tool := range all {
		if len(requested) > 0 && !requested[tool.FQName] {
			continue
		}
		out = append(out, llm.ToolSpec{
			Name:        tool.FQName,
			Description: tool.Description,
			Schema:      tool.Schema,
		})
	}
	return out
}

func (s *Server) recordUsage(model string, result runResult, started time.Time, runErr error) {
	if s.usageStore == nil {
		return
	}
	status := "ok"
	if runErr != nil {
		status = "error"
		if errors.Is(runErr, context.Canceled) {
			status = "canceled"
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.usageStore.Record(ctx, usage.Entry{
		Provider:     s.opts.Provider,
		Model:        model,
		InputTokens:  result.usage.InputTokens,
		OutputTokens: result.usage.OutputTokens,
		ToolCalls:    result.toolCalls,
		Rounds:       result.rounds,
		DurationMs:   time.Since(started).Milliseconds(),
		Status:       status,
	})
}

func writeOpenAIError(w http.ResponseWriter, status int, errorType, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errorType,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSONBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 10<<20))
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("request body must contain a single JSON object")
	}
	return nil
}

func requireJSONContentType(r *http.Request) error {
	contentType := r.Header.Get("Content-Type")
	if strings.TrimSpace(contentType) == "" {
		return fmt.Errorf("Content-Type must be application/json")
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return fmt.Errorf("invalid Content-Type header")
	}
	if mediaType != "application/json" {
		return fmt.Errorf("Content-Type must be application/json")
	}
	return nil
}

func randomSuffix() string {
	buf := make([]byte, 9)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
