package backend

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadBackendsYAML(t *testing.T) {
	path := writeTempFile(t, "backends.yaml", `
backends:
  lights:
    command: python3
    args: [servers/lights.py]
    env:
      HUE_BRIDGE: 192.168.1.10
  downloads:
    command: node
    args: [servers/downloads.js]
    disabled: true
`)

	file, err := LoadBackends(path)
	if err != nil {
		t.Fatalf("LoadBackends error: %v", err)
	}
	if len(file.Backends) != 2 {
		t.Fatalf("backends = %d, want 2", len(file.Backends))
	}

	lights := file.Backends["lights"]
	if lights.Command != "python3" || len(lights.Args) != 1 {
		t.Errorf("lights spec = %+v", lights)
	}
	if lights.Env["HUE_BRIDGE"] != "192.168.1.10" {
		t.Errorf("lights env = %v", lights.Env)
	}
	if !file.Backends["downloads"].Disabled {
		t.Error("downloads should be disabled")
	}

	names := file.Names()
	if len(names) != 2 || names[0] != "downloads" || names[1] != "lights" {
		t.Errorf("Names() = %v", names)
	}
}

func TestLoadBackendsJSON(t *testing.T) {
	path := writeTempFile(t, "backends.json", `{
  "backends": {
    "fs": {"command": "python3", "args": ["servers/fs.py"]}
  }
}`)

	file, err := LoadBackends(path)
	if err != nil {
		t.Fatalf("LoadBackends error: %v", err)
	}
	if file.Backends["fs"].Command != "python3" {
		t.Errorf("fs spec = %+v", file.Backends["fs"])
	}
}

func TestLoadBackendsMissingFileFallsBackToBundled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.yaml")
	file, err := LoadBackends(path)
	if err != nil {
		t.Fatalf("LoadBackends error: %v", err)
	}
	if len(file.Backends) == 0 {
		t.Error("expected bundled backends for a missing file")
	}
	for name, spec := range file.Backends {
		if err := spec.Validate(); err != nil {
			t.Errorf("bundled backend %q invalid: %v", name, err)
		}
	}
}

func TestLoadBackendsRejectsInvalidSpec(t *testing.T) {
	path := writeTempFile(t, "backends.yaml", `
backends:
  broken:
    args: [no-command.py]
`)
	if _, err := LoadBackends(path); err == nil {
		t.Error("expected error for backend without command")
	}
}

func TestLoadBackendsMalformedYAML(t *testing.T) {
	path := writeTempFile(t, "backends.yaml", "backends: [not a map")
	if _, err := LoadBackends(path); err == nil {
		t.Error("expected parse error")
	}
}
