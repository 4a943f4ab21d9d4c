package backend

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/klumzie/MasterStack/internal/config"
)

// LaunchSpec describes how to start one backend process.
type LaunchSpec struct {
	Command  string            `json:"command" yaml:"command"`
	Args     []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env      map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Disabled bool              `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// Validate checks that the launch spec can be started.
func (s *LaunchSpec) Validate() error {
	if s.Command == "" {
		return fmt.Errorf("backend requires command")
	}
	return nil
}

// BackendsFile is the on-disk set of backend launch specs.
type BackendsFile struct {
	Backends map[string]LaunchSpec `json:"backends" yaml:"backends"`
}

// Names returns the configured backend names, sorted.
func (f *BackendsFile) Names() []string {
	names := make([]string, 0, len(f.Backends))
	for name := range f.Backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultBackendsPath returns the default path for the backends file.
// backends.yaml is preferred when both exist.
func DefaultBackendsPath() (string, error) {
	dir, err := config.ConfigDir()
	if err != nil {
		return "", err
	}
	yamlPath := filepath.Join(dir, "backends.yaml")
	if _, err := os.Stat(yamlPath); err == nil {
		return yamlPath, nil
	}
	return filepath.Join(dir, "backends.json"), nil
}

// LoadBackends loads launch specs from path, or the default path when path
// is empty. A missing file yields the bundled homelab set.
func LoadBackends(path string) (*BackendsFile, error) {
	if path == "" {
		p, err := DefaultBackendsPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &BackendsFile{Backends: BundledBackends()}, nil
		}
		return nil, err
	}

	var file BackendsFile
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else {
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if file.Backends == nil {
		file.Backends = make(map[string]LaunchSpec)
	}

	for name, spec := range file.Backends {
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("backend %q: %w", name, err)
		}
	}
	return &file, nil
}

// serversRoot is where the deployment bundle installs the per-service
// adapter processes.
const serversRoot = "/opt/masterstack/mcp-servers"

// BundledBackends returns launch specs for the adapters shipped with the
// deployment bundle. Credentials come from the process environment; only
// non-secret connection defaults are baked in.
func BundledBackends() map[string]LaunchSpec {
	adapter := func(name string, env map[string]string) LaunchSpec {
		return LaunchSpec{
			Command: "python3",
			Args:    []string{filepath.Join(serversRoot, name, "server.py")},
			Env:     env,
		}
	}
	return map[string]LaunchSpec{
		"network":          adapter("network", nil),
		"virtualization":   adapter("virtualization", nil),
		"containers":       adapter("containers", nil),
		"downloads":        adapter("downloads", map[string]string{"QBITTORRENT_HOST": "http://qbittorrent.local:8080"}),
		"media-server":     adapter("media-server", nil),
		"media-management": adapter("media-management", nil),
		"workflows":        adapter("workflows", nil),
		"gaming":           adapter("gaming", nil),
		"homeautomation":   adapter("homeautomation", nil),
	}
}
