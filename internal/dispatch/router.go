// Package dispatch resolves fully-qualified tool names to their owning
// backend and performs the call with a per-call timeout.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/klumzie/MasterStack/internal/backend"
	"github.com/klumzie/MasterStack/internal/catalog"
)

// Sentinel errors in the bridge's tool taxonomy. All of them are recoverable
// at the conversation level: the orchestrator folds them into the transcript
// as error tool results instead of failing the request.
var (
	ErrToolNotFound       = errors.New("tool not found")
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// ErrToolTimeout aliases the channel's timeout sentinel so callers have one
// import for the whole taxonomy.
var ErrToolTimeout = backend.ErrToolTimeout

// Router executes tool calls against their owning backends. Calls are
// independent of one another; a global in-flight ceiling keeps a chatty
// model from overwhelming the backends.
type Router struct {
	catalog     *catalog.Aggregator
	supervisor  *backend.Supervisor
	toolTimeout time.Duration
	slots       chan struct{}
}

// NewRouter creates a router with the given per-call timeout and global
// in-flight ceiling.
func NewRouter(cat *catalog.Aggregator, sup *backend.Supervisor, toolTimeout time.Duration, globalInFlight int) *Router {
	if globalInFlight <= 0 {
		globalInFlight = 32
	}
	return &Router{
		catalog:     cat,
		supervisor:  sup,
		toolTimeout: toolTimeout,
		slots:       make(chan struct{}, globalInFlight),
	}
}

// Invoke resolves fqname through the catalog and calls the owning backend.
// A vanished tool (backend crashed between the model's plan and execution)
// yields ErrToolNotFound; that is expected under backend churn, not a bug.
func (r *Router) Invoke(ctx context.Context, fqname string, args json.RawMessage) (string, error) {
	tool, ok := r.catalog.Lookup(fqname)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, fqname)
	}

	channel, ok := r.supervisor.Channel(tool.Backend)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrBackendUnavailable, tool.Backend)
	}

	select {
	case r.slots <- struct{}{}:
		defer func() { <-r.slots }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	return channel.CallTool(ctx, tool.Name, args, r.toolTimeout)
}
