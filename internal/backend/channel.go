package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Sentinel errors for channel operations.
var (
	ErrNotRunning  = errors.New("backend is not running")
	ErrToolTimeout = errors.New("tool call timed out")
)

// ToolSpec describes a tool announced by a backend.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Channel is the duplex conduit to one backend process. It multiplexes
// concurrent calls over a single stdio MCP session; request correlation is
// handled by the session, while the channel enforces per-call timeouts and
// discards late results instead of misattributing them.
type Channel struct {
	name string
	spec LaunchSpec

	mu      sync.RWMutex
	client  *mcp.Client
	session *mcp.ClientSession
	running bool

	onToolsChanged func()

	// callSeq numbers calls monotonically so a timed-out call can never be
	// confused with a later one; inFlight tracks outstanding calls.
	callSeq  atomic.Uint64
	inFlight atomic.Int64
}

// NewChannel creates a channel for the named backend. The handler, if
// non-nil, is invoked when the backend announces a changed tool list.
func NewChannel(name string, spec LaunchSpec, onToolsChanged func()) *Channel {
	return &Channel{
		name:           name,
		spec:           spec,
		onToolsChanged: onToolsChanged,
	}
}

// Name returns the backend name.
func (c *Channel) Name() string {
	return c.name
}

// Start launches the backend process and initializes the MCP session.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	opts := &mcp.ClientOptions{}
	if c.onToolsChanged != nil {
		handler := c.onToolsChanged
		opts.ToolListChangedHandler = func(context.Context, *mcp.ToolListChangedRequest) {
			handler()
		}
	}
	c.client = mcp.NewClient(&mcp.Implementation{
		Name:    "masterstack-bridge",
		Version: "1.0.0",
	}, opts)

	cmd := exec.CommandContext(ctx, c.spec.Command, c.spec.Args...)
	for k, v := range c.spec.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	transport := &mcp.CommandTransport{Command: cmd}
	session, err := c.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("connect to backend %s: %w", c.name, err)
	}
	c.session = session
	c.running = true
	return nil
}

// Stop closes the backend session, terminating the child process.
func (c *Channel) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}
	var err error
	if c.session != nil {
		err = c.session.Close()
		c.session = nil
	}
	c.running = false
	return err
}

// IsRunning reports whether the session is up.
func (c *Channel) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// InFlight returns the number of outstanding calls on this channel.
func (c *Channel) InFlight() int {
	return int(c.inFlight.Load())
}

func (c *Channel) currentSession() (*mcp.ClientSession, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.running || c.session == nil {
		return nil, fmt.Errorf("backend %s: %w", c.name, ErrNotRunning)
	}
	return c.session, nil
}

// Ping probes the backend for liveness.
func (c *Channel) Ping(ctx context.Context) error {
	session, err := c.currentSession()
	if err != nil {
		return err
	}
	return session.Ping(ctx, nil)
}

// ListTools queries the backend for its announced tools.
func (c *Channel) ListTools(ctx context.Context) ([]ToolSpec, error) {
	session, err := c.currentSession()
	if err != nil {
		return nil, err
	}

	result, err := session.ListTools(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("list tools from %s: %w", c.name, err)
	}

	tools := make([]ToolSpec, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema := make(map[string]any)
		if t.InputSchema != nil {
			if m, ok := t.InputSchema.(map[string]any); ok {
				schema = m
			}
		}
		tools = append(tools, ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Schema:      schema,
		})
	}
	return tools, nil
}

type callResult struct {
	seq     uint64
	content string
	err     error
}

// CallTool invokes a tool with a per-call timeout. The call runs detached
// from the request context: on timeout the caller gets ErrToolTimeout and a
// late backend result is dropped on the floor rather than attributed to any
// later call.
func (c *Channel) CallTool(ctx context.Context, name string, args json.RawMessage, timeout time.Duration) (string, error) {
	session, err := c.currentSession()
	if err != nil {
		return "", err
	}

	var arguments map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return "", fmt.Errorf("invalid tool arguments: %w", err)
		}
	}

	seq := c.callSeq.Add(1)
	c.inFlight.Add(1)

	// Buffered so the worker can always complete and exit after a timeout.
	resultCh := make(chan callResult, 1)
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)

	go func() {
		defer cancel()
		defer c.inFlight.Add(-1)
		content, callErr := c.callToolOnce(callCtx, session, name, arguments)
		resultCh <- callResult{seq: seq, content: content, err: callErr}
	}()

	select {
	case res := <-resultCh:
		return res.content, res.err
	case <-callCtx.Done():
		// The worker cancels callCtx on completion; prefer its result when
		// both are ready.
		select {
		case res := <-resultCh:
			return res.content, res.err
		default:
		}
		return "", fmt.Errorf("backend %s tool %s after %s: %w", c.name, name, timeout, ErrToolTimeout)
	case <-ctx.Done():
		// Caller gave up; the backend may still finish, unobserved.
		return "", ctx.Err()
	}
}

func (c *Channel) callToolOnce(ctx context.Context, session *mcp.ClientSession, name string, arguments map[string]any) (string, error) {
	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: arguments,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", ErrToolTimeout
		}
		return "", fmt.Errorf("call tool %s: %w", name, err)
	}
	if result.IsError {
		return "", fmt.Errorf("tool %s returned error: %s", name, formatContent(result.Content))
	}
	return formatContent(result.Content), nil
}

// formatContent flattens MCP content blocks to a string.
func formatContent(content []mcp.Content) string {
	var result string
	for _, c := range content {
		switch v := c.(type) {
		case *mcp.TextContent:
			result += v.Text
		default:
			if data, err := json.Marshal(c); err == nil {
				result += string(data)
			}
		}
	}
	return result
}
