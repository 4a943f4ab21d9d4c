package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestInferProviderType(t *testing.T) {
	tests := []struct {
		name     string
		explicit string
		want     string
	}{
		{"openai", "", ProviderTypeOpenAI},
		{"anthropic", "", ProviderTypeAnthropic},
		{"claude", "", ProviderTypeAnthropic},
		{"ollama", "", ProviderTypeOpenAICompat},
		{"lmstudio", "", ProviderTypeOpenAICompat},
		{"openai", "openai-compat", ProviderTypeOpenAICompat},
		{"whatever", "anthropic", ProviderTypeAnthropic},
	}

	for _, tt := range tests {
		if got := InferProviderType(tt.name, tt.explicit); got != tt.want {
			t.Errorf("InferProviderType(%q, %q) = %q, want %q", tt.name, tt.explicit, got, tt.want)
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	// Point the config dir at an empty temp dir so no real file is picked up.
	t.Setenv("MASTERSTACK_CONFIG_DIR", t.TempDir())
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.DefaultProvider != "ollama" {
		t.Errorf("default provider = %q", cfg.DefaultProvider)
	}
	ollama, ok := cfg.Providers["ollama"]
	if !ok || ollama.BaseURL == "" {
		t.Errorf("ollama provider = %+v", ollama)
	}
	if cfg.Serve.Host != "127.0.0.1" || cfg.Serve.Port != 8900 {
		t.Errorf("serve defaults = %+v", cfg.Serve)
	}
	if cfg.Limits.MaxRounds != 8 || cfg.Limits.ToolTimeout != 30*time.Second {
		t.Errorf("limits defaults = %+v", cfg.Limits)
	}
	if cfg.Restart.MaxFailures != 5 || cfg.Restart.BackoffBase != time.Second {
		t.Errorf("restart defaults = %+v", cfg.Restart)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MASTERSTACK_CONFIG_DIR", dir)
	t.Setenv("ANTHROPIC_API_KEY", "")

	content := `
provider: anthropic
providers:
  anthropic:
    api_key: sk-test
    model: test-model
serve:
  port: 9100
limits:
  max_rounds: 4
`
	if err := os.WriteFile(filepath.Join(dir, "bridge.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.DefaultProvider != "anthropic" {
		t.Errorf("provider = %q", cfg.DefaultProvider)
	}
	if cfg.Serve.Port != 9100 {
		t.Errorf("port = %d", cfg.Serve.Port)
	}
	if cfg.Limits.MaxRounds != 4 {
		t.Errorf("max rounds = %d", cfg.Limits.MaxRounds)
	}

	active := cfg.GetActiveProviderConfig()
	if active == nil || active.APIKey != "sk-test" || active.Model != "test-model" {
		t.Errorf("active provider = %+v", active)
	}
}

func TestEnvAPIKeyOverride(t *testing.T) {
	t.Setenv("MASTERSTACK_CONFIG_DIR", t.TempDir())
	t.Setenv("ANTHROPIC_API_KEY", "sk-from-env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Providers["anthropic"].APIKey != "sk-from-env" {
		t.Errorf("anthropic api key = %q", cfg.Providers["anthropic"].APIKey)
	}
}

func TestConfigDirEnvOverride(t *testing.T) {
	t.Setenv("MASTERSTACK_CONFIG_DIR", "/tmp/bridge-test-config")
	dir, err := ConfigDir()
	if err != nil {
		t.Fatalf("ConfigDir error: %v", err)
	}
	if dir != "/tmp/bridge-test-config" {
		t.Errorf("dir = %q", dir)
	}

	t.Setenv("MASTERSTACK_DATA_DIR", "/tmp/bridge-test-data")
	dataDir, err := DataDir()
	if err != nil {
		t.Fatalf("DataDir error: %v", err)
	}
	if dataDir != "/tmp/bridge-test-data" {
		t.Errorf("data dir = %q", dataDir)
	}
}
