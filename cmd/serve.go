package cmd

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klumzie/MasterStack/internal/backend"
	"github.com/klumzie/MasterStack/internal/catalog"
	"github.com/klumzie/MasterStack/internal/config"
	"github.com/klumzie/MasterStack/internal/dispatch"
	"github.com/klumzie/MasterStack/internal/llm"
	"github.com/klumzie/MasterStack/internal/serve"
	"github.com/klumzie/MasterStack/internal/signal"
	"github.com/klumzie/MasterStack/internal/usage"
	"github.com/spf13/cobra"
)

var (
	serveHost        string
	servePort        int
	serveToken       string
	serveAllowNoAuth bool
	serveProvider    string
	serveBackends    string
	serveDebugLog    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge server",
	Long: `Run the MCP aggregation bridge.

Endpoints:
  POST /v1/chat/completions
  GET  /v1/models
  GET  /healthz

Backends are launched as child processes and restarted with exponential
backoff when they crash. The merged tool catalog is offered to the model
on every request.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Bind host (default from config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Bind port (default from config)")
	serveCmd.Flags().StringVar(&serveToken, "token", "", "Bearer token for API auth (auto-generated if omitted)")
	serveCmd.Flags().BoolVar(&serveAllowNoAuth, "allow-no-auth", false, "Disable auth (only allowed on loopback host)")
	serveCmd.Flags().StringVar(&serveProvider, "provider", "", "Override the configured provider")
	serveCmd.Flags().StringVar(&serveBackends, "backends", "", "Path to backends file (default from config)")
	serveCmd.Flags().BoolVar(&serveDebugLog, "debug-log", false, "Write JSONL debug logs of model traffic")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext()
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if serveProvider != "" {
		if _, ok := cfg.Providers[serveProvider]; !ok {
			return fmt.Errorf("provider %q not configured", serveProvider)
		}
		cfg.DefaultProvider = serveProvider
	}

	host := cfg.Serve.Host
	if serveHost != "" {
		host = serveHost
	}
	port := cfg.Serve.Port
	if servePort != 0 {
		port = servePort
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port %d (must be 1-65535)", port)
	}

	token := strings.TrimSpace(serveToken)
	if serveAllowNoAuth {
		if !isLoopbackHost(host) {
			return fmt.Errorf("--allow-no-auth is only allowed on loopback hosts (got %q)", host)
		}
		token = ""
	} else if token == "" {
		token, err = generateServeToken()
		if err != nil {
			return fmt.Errorf("generate auth token: %w", err)
		}
	}

	// Backend fleet.
	backendsPath := serveBackends
	if backendsPath == "" {
		backendsPath = cfg.BackendsFile
	}
	if backendsPath == "" {
		backendsPath, err = backend.DefaultBackendsPath()
		if err != nil {
			return err
		}
	}
	backends, err := backend.LoadBackends(backendsPath)
	if err != nil {
		return fmt.Errorf("load backends: %w", err)
	}

	cat := catalog.NewAggregator()
	sup := backend.NewSupervisor(cfg.Restart, cat)
	defer sup.StopAll()

	statusCh := make(chan backend.StatusUpdate, 64)
	sup.SetStatusChannel(statusCh)
	go logStatusUpdates(ctx, statusCh)

	for _, name := range backends.Names() {
		spec := backends.Backends[name]
		if spec.Disabled {
			continue
		}
		if err := sup.Register(name, spec); err != nil {
			return fmt.Errorf("register backend %q: %w", name, err)
		}
		if err := sup.Start(name); err != nil {
			return fmt.Errorf("start backend %q: %w", name, err)
		}
	}

	router := dispatch.NewRouter(cat, sup, cfg.Limits.ToolTimeout, cfg.Limits.GlobalInFlight)

	// Model provider and engine.
	provider, err := llm.NewProvider(cfg)
	if err != nil {
		return err
	}
	engine := llm.NewEngine(provider, router, cfg.Limits.MaxRounds, cfg.Limits.RequestInFlight)

	if serveDebugLog {
		dataDir, err := config.DataDir()
		if err != nil {
			return err
		}
		runID := time.Now().UTC().Format("20060102-150405")
		logger, err := llm.NewDebugLogger(filepath.Join(dataDir, "debug"), runID)
		if err != nil {
			return fmt.Errorf("open debug log: %w", err)
		}
		defer logger.Close()
		engine.SetDebugLogger(logger)
	}

	// Usage tracking.
	var store *usage.Store
	if cfg.Usage.Enabled {
		dbPath := cfg.Usage.DBPath
		if dbPath == "" {
			dataDir, err := config.DataDir()
			if err != nil {
				return err
			}
			dbPath = filepath.Join(dataDir, "usage.db")
		}
		store, err = usage.NewStore(dbPath)
		if err != nil {
			return fmt.Errorf("open usage store: %w", err)
		}
		defer store.Close()
	}

	defaultModel := ""
	if providerCfg := cfg.GetActiveProviderConfig(); providerCfg != nil {
		defaultModel = providerCfg.Model
	}

	server := serve.NewServer(serve.Options{
		Host:           host,
		Port:           port,
		Token:          token,
		RequestTimeout: cfg.Serve.RequestTimeout,
		DefaultModel:   defaultModel,
		Provider:       cfg.DefaultProvider,
	}, engine, cat, sup, store)

	if err := server.Start(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "masterstack listening on http://%s:%d\n", host, port)
	fmt.Fprintf(cmd.ErrOrStderr(), "provider: %s\n", provider.Name())
	fmt.Fprintf(cmd.ErrOrStderr(), "backends: %d configured\n", len(backends.Backends))
	if token != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "token: %s\n", token)
	} else {
		fmt.Fprintln(cmd.ErrOrStderr(), "auth: disabled")
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Stop(shutdownCtx)
}

// logStatusUpdates writes backend lifecycle transitions to stderr.
func logStatusUpdates(ctx context.Context, updates <-chan backend.StatusUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-updates:
			if u.Err != nil {
				fmt.Fprintf(os.Stderr, "backend %s: %s (%v)\n", u.Name, u.State, u.Err)
			} else {
				fmt.Fprintf(os.Stderr, "backend %s: %s\n", u.Name, u.State)
			}
		}
	}
}

func isLoopbackHost(host string) bool {
	h := strings.TrimSpace(strings.ToLower(host))
	return h == "127.0.0.1" || h == "localhost" || h == "::1"
}

func generateServeToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
