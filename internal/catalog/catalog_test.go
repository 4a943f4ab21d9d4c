package catalog

import (
	"testing"

	"github.com/klumzie/MasterStack/internal/backend"
)

func TestSplitFQName(t *testing.T) {
	tests := []struct {
		fqname      string
		wantBackend string
		wantTool    string
		wantOK      bool
	}{
		{"lights.turn_on", "lights", "turn_on", true},
		{"fs.read.file", "fs", "read.file", true},
		{"noseparator", "", "", false},
		{".leading", "", "", false},
		{"trailing.", "", "", false},
		{"", "", "", false},
	}

	for _, tt := range tests {
		b, tool, ok := SplitFQName(tt.fqname)
		if b != tt.wantBackend || tool != tt.wantTool || ok != tt.wantOK {
			t.Errorf("SplitFQName(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.fqname, b, tool, ok, tt.wantBackend, tt.wantTool, tt.wantOK)
		}
	}
}

func TestAggregatorBackendReady(t *testing.T) {
	agg := NewAggregator()
	agg.BackendReady("lights", []backend.ToolSpec{
		{Name: "turn_on", Description: "Turn a light on"},
		{Name: "turn_off", Description: "Turn a light off"},
	})

	if agg.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", agg.Len())
	}

	tool, ok := agg.Lookup("lights.turn_on")
	if !ok {
		t.Fatal("expected lights.turn_on in catalog")
	}
	if tool.Backend != "lights" || tool.Name != "turn_on" {
		t.Errorf("tool = %+v", tool)
	}
	// Descriptions are prefixed with the owning backend.
	if tool.Description != "[lights] Turn a light on" {
		t.Errorf("description = %q", tool.Description)
	}

	if _, ok := agg.Lookup("lights.dim"); ok {
		t.Error("unexpected lights.dim in catalog")
	}
}

func TestAggregatorReannounceReplacesSet(t *testing.T) {
	agg := NewAggregator()
	agg.BackendReady("fs", []backend.ToolSpec{
		{Name: "read"},
		{Name: "write"},
	})
	agg.BackendReady("fs", []backend.ToolSpec{
		{Name: "read"},
		{Name: "stat"},
	})

	if agg.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", agg.Len())
	}
	if _, ok := agg.Lookup("fs.write"); ok {
		t.Error("fs.write should have been replaced by the re-announce")
	}
	if _, ok := agg.Lookup("fs.stat"); !ok {
		t.Error("fs.stat missing after re-announce")
	}
}

func TestAggregatorBackendLostPurgesOnlyOwner(t *testing.T) {
	agg := NewAggregator()
	agg.BackendReady("lights", []backend.ToolSpec{{Name: "turn_on"}})
	agg.BackendReady("downloads", []backend.ToolSpec{{Name: "list"}})

	agg.BackendLost("lights")

	if _, ok := agg.Lookup("lights.turn_on"); ok {
		t.Error("lights.turn_on should be purged")
	}
	if _, ok := agg.Lookup("downloads.list"); !ok {
		t.Error("downloads.list should survive another backend's loss")
	}
	if agg.Len() != 1 {
		t.Errorf("Len() = %d, want 1", agg.Len())
	}
}

func TestAggregatorSnapshotSorted(t *testing.T) {
	agg := NewAggregator()
	agg.BackendReady("zeta", []backend.ToolSpec{{Name: "z"}})
	agg.BackendReady("alpha", []backend.ToolSpec{{Name: "b"}, {Name: "a"}})

	snap := agg.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot = %d entries, want 3", len(snap))
	}
	want := []string{"alpha.a", "alpha.b", "zeta.z"}
	for i, fq := range want {
		if snap[i].FQName != fq {
			t.Errorf("snapshot[%d] = %q, want %q", i, snap[i].FQName, fq)
		}
	}
}
