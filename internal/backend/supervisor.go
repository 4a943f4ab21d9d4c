package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klumzie/MasterStack/internal/config"
)

// State is the lifecycle state of a supervised backend.
type State string

const (
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateDegraded State = "degraded"
	StateCrashed  State = "crashed"
	StateStopped  State = "stopped"
)

// ErrDuplicateBackend is returned when registering a name twice.
var ErrDuplicateBackend = errors.New("backend already registered")

// ErrUnknownBackend is returned for operations on unregistered names.
var ErrUnknownBackend = errors.New("unknown backend")

// Descriptor is the supervisor-owned record for one backend.
type Descriptor struct {
	Name     string
	Spec     LaunchSpec
	State    State
	Restarts int
	Err      error
}

// StatusUpdate is emitted on every state transition.
type StatusUpdate struct {
	Name  string
	State State
	Err   error
}

// CatalogSink receives tool announcements as backends come and go. The
// supervisor invokes BackendLost synchronously before publishing the
// corresponding state transition, so no observer of a transition can still
// see the dead backend's tools.
type CatalogSink interface {
	BackendReady(name string, tools []ToolSpec)
	BackendLost(name string)
}

const defaultProbeInterval = 15 * time.Second
const defaultProbeTimeout = 5 * time.Second

// ToolChannel is the supervisor's view of a backend conduit. *Channel
// implements it; the restart machinery never depends on a real child
// process beyond this surface.
type ToolChannel interface {
	Start(ctx context.Context) error
	Stop() error
	Ping(ctx context.Context) error
	ListTools(ctx context.Context) ([]ToolSpec, error)
	CallTool(ctx context.Context, name string, args json.RawMessage, timeout time.Duration) (string, error)
}

type managedBackend struct {
	desc     Descriptor
	channel  ToolChannel
	failures int // consecutive failed starts since last stable ready
	epoch    uint64
	wantUp   bool
}

// Supervisor owns the lifecycle of all backend channels: launch, health
// probing, restart with exponential backoff, and graceful shutdown.
type Supervisor struct {
	restart config.RestartConfig
	sink    CatalogSink

	newChannel   func(name string, spec LaunchSpec, onToolsChanged func()) ToolChannel
	probeEvery   time.Duration
	probeTimeout time.Duration

	mu       sync.RWMutex
	backends map[string]*managedBackend

	statusChan chan StatusUpdate

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor creates a supervisor with the given restart policy. The sink
// may be nil (tests).
func NewSupervisor(restart config.RestartConfig, sink CatalogSink) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		restart: restart,
		sink:    sink,
		newChannel: func(name string, spec LaunchSpec, onToolsChanged func()) ToolChannel {
			return NewChannel(name, spec, onToolsChanged)
		},
		probeEvery:   defaultProbeInterval,
		probeTimeout: defaultProbeTimeout,
		backends:     make(map[string]*managedBackend),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// SetStatusChannel sets a channel to receive state transitions.
func (s *Supervisor) SetStatusChannel(ch chan StatusUpdate) {
	s.mu.Lock()
	s.statusChan = ch
	s.mu.Unlock()
}

func (s *Supervisor) sendStatus(name string, state State, err error) {
	s.mu.RLock()
	ch := s.statusChan
	s.mu.RUnlock()
	if ch != nil {
		select {
		case ch <- StatusUpdate{Name: name, State: state, Err: err}:
		default:
			// Don't block if the channel is full
		}
	}
}

// Register adds a backend descriptor. Duplicate names are rejected rather
// than overwritten.
func (s *Supervisor) Register(name string, spec LaunchSpec) error {
	if name == "" {
		return fmt.Errorf("backend name is required")
	}
	// Names namespace tool identifiers as "<backend>.<tool>".
	if strings.Contains(name, ".") {
		return fmt.Errorf("backend name %q must not contain '.'", name)
	}
	if err := spec.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.backends[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateBackend, name)
	}
	s.backends[name] = &managedBackend{
		desc: Descriptor{Name: name, Spec: spec, State: StateStopped},
	}
	return nil
}

// Start launches a backend in the background (non-blocking).
func (s *Supervisor) Start(name string) error {
	s.mu.Lock()
	mb, ok := s.backends[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
	if mb.desc.State == StateStarting || mb.desc.State == StateReady {
		s.mu.Unlock()
		return nil
	}
	mb.wantUp = true
	mb.epoch++
	epoch := mb.epoch
	mb.desc.State = StateStarting
	mb.desc.Err = nil
	mb.channel = s.newChannel(name, mb.desc.Spec, func() { s.refreshTools(name, epoch) })
	channel := mb.channel
	s.mu.Unlock()

	s.sendStatus(name, StateStarting, nil)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.bringUp(name, channel, epoch)
	}()
	return nil
}

// bringUp connects the channel, announces tools and begins health probing.
func (s *Supervisor) bringUp(name string, channel ToolChannel, epoch uint64) {
	err := channel.Start(s.ctx)
	var tools []ToolSpec
	if err == nil {
		tools, err = channel.ListTools(s.ctx)
	}

	s.mu.Lock()
	mb, ok := s.backends[name]
	if !ok || mb.epoch != epoch {
		s.mu.Unlock()
		channel.Stop()
		return
	}
	if err != nil {
		s.failLocked(mb, err)
		return
	}
	mb.desc.State = StateReady
	mb.desc.Err = nil
	s.mu.Unlock()

	if s.sink != nil {
		s.sink.BackendReady(name, tools)
	}
	s.sendStatus(name, StateReady, nil)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitor(name, channel, epoch)
	}()
}

// monitor probes the backend until it fails or is superseded. A sustained
// ready period resets the consecutive-failure counter.
func (s *Supervisor) monitor(name string, channel ToolChannel, epoch uint64) {
	readySince := time.Now()
	ticker := time.NewTicker(s.probeEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.RLock()
		mb, ok := s.backends[name]
		stale := !ok || mb.epoch != epoch
		s.mu.RUnlock()
		if stale {
			return
		}

		probeCtx, cancel := context.WithTimeout(s.ctx, s.probeTimeout)
		err := channel.Ping(probeCtx)
		cancel()
		if err != nil {
			s.onCrash(name, channel, epoch, err)
			return
		}

		if time.Since(readySince) >= s.restart.StabilityWindow {
			s.mu.Lock()
			if mb, ok := s.backends[name]; ok && mb.epoch == epoch {
				mb.failures = 0
			}
			s.mu.Unlock()
		}
	}
}

// onCrash handles an unexpected backend death: purge tools, publish the
// transition, schedule a restart.
func (s *Supervisor) onCrash(name string, channel ToolChannel, epoch uint64, cause error) {
	channel.Stop()

	s.mu.Lock()
	mb, ok := s.backends[name]
	if !ok || mb.epoch != epoch || !mb.wantUp {
		s.mu.Unlock()
		return
	}
	mb.desc.State = StateCrashed
	mb.desc.Err = cause
	s.mu.Unlock()

	if s.sink != nil {
		s.sink.BackendLost(name)
	}
	s.sendStatus(name, StateCrashed, cause)
	s.scheduleRestart(name, epoch)
}

// failLocked records a failed start attempt. Called with s.mu held; releases it.
func (s *Supervisor) failLocked(mb *managedBackend, cause error) {
	name := mb.desc.Name
	epoch := mb.epoch
	mb.desc.State = StateCrashed
	mb.desc.Err = cause
	s.mu.Unlock()

	if s.sink != nil {
		s.sink.BackendLost(name)
	}
	s.sendStatus(name, StateCrashed, cause)
	s.scheduleRestart(name, epoch)
}

// scheduleRestart applies exponential backoff, giving up permanently after
// too many consecutive failures. A permanently stopped backend degrades the
// bridge instead of killing it.
func (s *Supervisor) scheduleRestart(name string, epoch uint64) {
	s.mu.Lock()
	mb, ok := s.backends[name]
	if !ok || mb.epoch != epoch || !mb.wantUp {
		s.mu.Unlock()
		return
	}
	mb.failures++
	mb.desc.Restarts++
	if mb.failures > s.restart.MaxFailures {
		mb.wantUp = false
		mb.desc.State = StateStopped
		err := fmt.Errorf("giving up after %d consecutive failures: %w", mb.failures-1, mb.desc.Err)
		mb.desc.Err = err
		s.mu.Unlock()
		s.sendStatus(name, StateStopped, err)
		return
	}
	delay := backoffDelay(s.restart.BackoffBase, s.restart.BackoffMax, mb.failures)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(delay):
		}
		s.mu.RLock()
		mb, ok := s.backends[name]
		retry := ok && mb.epoch == epoch && mb.wantUp
		s.mu.RUnlock()
		if retry {
			s.Start(name)
		}
	}()
}

func backoffDelay(base, cap time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	if delay > cap {
		return cap
	}
	return delay
}

// refreshTools re-announces a ready backend's tools after it signals a
// catalog change. The epoch pins the refresh to the session that requested
// it: a crash or restart during the slow ListTools bumps the epoch, and the
// stale tool list is discarded instead of resurrecting a dead backend's
// entries in the catalog.
func (s *Supervisor) refreshTools(name string, epoch uint64) {
	s.mu.RLock()
	mb, ok := s.backends[name]
	if !ok || mb.epoch != epoch || mb.desc.State != StateReady || mb.channel == nil {
		s.mu.RUnlock()
		return
	}
	channel := mb.channel
	s.mu.RUnlock()

	tools, err := channel.ListTools(s.ctx)
	if err != nil {
		return
	}

	s.mu.RLock()
	mb, ok = s.backends[name]
	current := ok && mb.epoch == epoch && mb.desc.State == StateReady
	s.mu.RUnlock()
	if !current {
		return
	}
	if s.sink != nil {
		s.sink.BackendReady(name, tools)
	}
}

// Stop shuts a backend down deliberately; no restart is scheduled.
func (s *Supervisor) Stop(name string) error {
	s.mu.Lock()
	mb, ok := s.backends[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
	mb.wantUp = false
	mb.epoch++
	channel := mb.channel
	mb.channel = nil
	mb.desc.State = StateStopped
	mb.desc.Err = nil
	s.mu.Unlock()

	if s.sink != nil {
		s.sink.BackendLost(name)
	}
	s.sendStatus(name, StateStopped, nil)

	if channel != nil {
		return channel.Stop()
	}
	return nil
}

// Restart stops and relaunches a backend, clearing its failure history.
func (s *Supervisor) Restart(name string) error {
	if err := s.Stop(name); err != nil {
		return err
	}
	s.mu.Lock()
	if mb, ok := s.backends[name]; ok {
		mb.failures = 0
		mb.desc.Restarts = 0
	}
	s.mu.Unlock()
	return s.Start(name)
}

// StopAll shuts down every backend and the supervisor's own goroutines.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	channels := make([]ToolChannel, 0, len(s.backends))
	for _, mb := range s.backends {
		mb.wantUp = false
		mb.epoch++
		if mb.channel != nil {
			channels = append(channels, mb.channel)
			mb.channel = nil
		}
		mb.desc.State = StateStopped
	}
	s.mu.Unlock()

	s.cancel()
	for _, c := range channels {
		c.Stop()
	}
	s.wg.Wait()
}

// Status returns the lifecycle state of a backend.
func (s *Supervisor) Status(name string) (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mb, ok := s.backends[name]
	if !ok {
		return StateStopped, fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
	return mb.desc.State, nil
}

// List returns a snapshot of all descriptors, sorted by name.
func (s *Supervisor) List() []Descriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Descriptor, 0, len(s.backends))
	for _, mb := range s.backends {
		out = append(out, mb.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Channel returns the live channel for a ready backend.
func (s *Supervisor) Channel(name string) (ToolChannel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mb, ok := s.backends[name]
	if !ok || mb.desc.State != StateReady || mb.channel == nil {
		return nil, false
	}
	return mb.channel, true
}

// Health summarizes aggregate backend health.
type Health string

const (
	Healthy   Health = "healthy"
	Degraded  Health = "degraded"
	Unhealthy Health = "unhealthy"
)

// AggregateHealth reports healthy when every configured backend is ready,
// degraded when only some are, unhealthy when none are.
func (s *Supervisor) AggregateHealth() Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total, ready := 0, 0
	for _, mb := range s.backends {
		total++
		if mb.desc.State == StateReady {
			ready++
		}
	}
	switch {
	case total == 0 || ready == 0:
		return Unhealthy
	case ready < total:
		return Degraded
	default:
		return Healthy
	}
}
