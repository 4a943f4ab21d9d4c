package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/klumzie/MasterStack/internal/backend"
	"github.com/klumzie/MasterStack/internal/catalog"
	"github.com/klumzie/MasterStack/internal/config"
)

func testSupervisor(t *testing.T, cat *catalog.Aggregator) *backend.Supervisor {
	t.Helper()
	sup := backend.NewSupervisor(config.RestartConfig{
		BackoffBase:     10 * time.Millisecond,
		BackoffMax:      100 * time.Millisecond,
		StabilityWindow: time.Second,
		MaxFailures:     1,
	}, cat)
	t.Cleanup(sup.StopAll)
	return sup
}

func TestRouterUnknownTool(t *testing.T) {
	cat := catalog.NewAggregator()
	sup := testSupervisor(t, cat)
	router := NewRouter(cat, sup, time.Second, 4)

	_, err := router.Invoke(context.Background(), "lights.turn_on", json.RawMessage(`{}`))
	if !errors.Is(err, ErrToolNotFound) {
		t.Errorf("error = %v, want ErrToolNotFound", err)
	}
}

func TestRouterBackendUnavailable(t *testing.T) {
	cat := catalog.NewAggregator()
	sup := testSupervisor(t, cat)

	// The catalog still lists the tool, but the backend was never started,
	// so the supervisor has no ready channel for it.
	if err := sup.Register("lights", backend.LaunchSpec{Command: "python3"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	cat.BackendReady("lights", []backend.ToolSpec{{Name: "turn_on"}})

	router := NewRouter(cat, sup, time.Second, 4)
	_, err := router.Invoke(context.Background(), "lights.turn_on", json.RawMessage(`{}`))
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("error = %v, want ErrBackendUnavailable", err)
	}
}

func TestRouterToolVanishesAfterBackendLost(t *testing.T) {
	cat := catalog.NewAggregator()
	sup := testSupervisor(t, cat)
	router := NewRouter(cat, sup, time.Second, 4)

	cat.BackendReady("lights", []backend.ToolSpec{{Name: "turn_on"}})
	cat.BackendLost("lights")

	_, err := router.Invoke(context.Background(), "lights.turn_on", json.RawMessage(`{}`))
	if !errors.Is(err, ErrToolNotFound) {
		t.Errorf("error = %v, want ErrToolNotFound", err)
	}
}
