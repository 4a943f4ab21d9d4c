// Package catalog merges tool announcements from many backends into one
// process-wide namespace. Fully-qualified names are "<backend>.<tool>", which
// makes cross-backend collisions structurally impossible.
package catalog

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/klumzie/MasterStack/internal/backend"
)

// Tool is one entry in the aggregated catalog.
type Tool struct {
	FQName      string
	Backend     string
	Name        string
	Description string
	Schema      map[string]any
}

// FQName builds the fully-qualified name for a backend's tool.
func FQName(backendName, toolName string) string {
	return backendName + "." + toolName
}

// SplitFQName separates a fully-qualified name into backend and tool. The
// backend segment never contains a dot, so the first dot is the boundary.
func SplitFQName(fqname string) (backendName, toolName string, ok bool) {
	i := strings.IndexByte(fqname, '.')
	if i <= 0 || i == len(fqname)-1 {
		return "", "", false
	}
	return fqname[:i], fqname[i+1:], true
}

// Aggregator maintains the live tool catalog. Inserts and removals are
// atomic per backend with respect to readers; reads never block on writes.
type Aggregator struct {
	mu        sync.RWMutex
	byFQName  map[string]Tool
	byBackend map[string][]string // backend -> fqnames it owns
}

// NewAggregator creates an empty catalog.
func NewAggregator() *Aggregator {
	return &Aggregator{
		byFQName:  make(map[string]Tool),
		byBackend: make(map[string][]string),
	}
}

// BackendReady replaces the backend's entries with its announced tools. A
// re-announce (tool list changed, restart) swaps the old set out in the same
// critical section, so readers never see a half-updated backend.
func (a *Aggregator) BackendReady(name string, tools []backend.ToolSpec) {
	entries := make([]Tool, 0, len(tools))
	fqnames := make([]string, 0, len(tools))
	for _, t := range tools {
		fq := FQName(name, t.Name)
		entries = append(entries, Tool{
			FQName:      fq,
			Backend:     name,
			Name:        t.Name,
			Description: fmt.Sprintf("[%s] %s", name, t.Description),
			Schema:      t.Schema,
		})
		fqnames = append(fqnames, fq)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, fq := range a.byBackend[name] {
		delete(a.byFQName, fq)
	}
	for _, e := range entries {
		a.byFQName[e.FQName] = e
	}
	a.byBackend[name] = fqnames
}

// BackendLost purges every entry owned by the backend.
func (a *Aggregator) BackendLost(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, fq := range a.byBackend[name] {
		delete(a.byFQName, fq)
	}
	delete(a.byBackend, name)
}

// Lookup resolves a fully-qualified tool name.
func (a *Aggregator) Lookup(fqname string) (Tool, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t, ok := a.byFQName[fqname]
	return t, ok
}

// Snapshot returns a consistent point-in-time copy of the catalog, sorted by
// fully-qualified name.
func (a *Aggregator) Snapshot() []Tool {
	a.mu.RLock()
	out := make([]Tool, 0, len(a.byFQName))
	for _, t := range a.byFQName {
		out = append(out, t)
	}
	a.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].FQName < out[j].FQName })
	return out
}

// Len returns the number of catalog entries.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.byFQName)
}
