package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/kalambet/aide/internal/api"
	"github.com/kalambet/aide/internal/config"
	"github.com/kalambet/aide/internal/executor"
	"github.com/kalambet/aide/internal/intent"
	"github.com/kalambet/aide/internal/ledger"
	"github.com/kalambet/aide/internal/ollama"
	"github.com/kalambet/aide/internal/pipeline"
	"github.com/kalambet/aide/internal/settings"
	"github.com/kalambet/aide/internal/storage"
	"github.com/kalambet/aide/internal/usage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the aide server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcp, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcp)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running aide server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show aide system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	startCmd.Flags().Bool("mcp", true, "serve MCP over stdin/stdout alongside HTTP")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "aide.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadPolicy reads the approval policy file and applies the configured
// confirmation style on top of it.
func loadPolicy(cfg config.Config) (*settings.Static, error) {
	policy, err := settings.Load(cfg.Pipeline.PolicyFile)
	if err != nil {
		return nil, err
	}
	if cfg.Pipeline.ConfirmationStyle != "" {
		if err := policy.SetConfirmationStyle(settings.Style(cfg.Pipeline.ConfirmationStyle)); err != nil {
			return nil, fmt.Errorf("pipeline.confirmation_style: %w", err)
		}
	}
	return policy, nil
}

func runServer(serveMCP bool) error {
	fmt.Fprintf(os.Stderr, "aide version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)})))

	idle, err := cfg.IdleTimeout()
	if err != nil {
		return err
	}
	policy, err := loadPolicy(cfg)
	if err != nil {
		return err
	}

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Refuse to start twice: a healthy server on our port means another instance.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("aide is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("aide is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The model is optional. Without it every input goes through the rules.
	var classifier pipeline.IntentClassifier
	if cfg.Ollama.Enabled {
		printStep("Checking Ollama at %s", cfg.Ollama.BaseURL)
		client := ollama.New(cfg.Ollama.BaseURL)
		if err := ollama.EnsureReady(ctx, client, cfg.Ollama.Model, os.Stderr); err != nil {
			return fmt.Errorf("%w (set ollama.enabled=false to run without a model)", err)
		}
		timeout := time.Duration(cfg.Ollama.TimeoutSeconds * float64(time.Second))
		classifier = intent.NewClassifier(client, cfg.Ollama.Model, timeout)
	} else {
		slog.Info("ollama disabled, classifying with rules only")
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	led := ledger.New(cfg.Ledger.Capacity, ledger.WithSink(store))
	saved, err := store.LoadDecisions(led.Capacity())
	if err != nil {
		return fmt.Errorf("loading decisions: %w", err)
	}
	led.Restore(saved)
	slog.Info("decision ledger restored", "entries", led.Len(), "capacity", led.Capacity())

	svc := pipeline.New(pipeline.Deps{
		Classifier: classifier,
		Executor:   executor.NewDefault(store, cfg.Executor.WebhookURL, &http.Client{Timeout: 15 * time.Second}),
		Settings:   policy,
		Ledger:     led,
		Usage:      usage.NewManager(store),
		Engagement: store,
		Logger:     slog.Default(),
	})

	reaper, err := pipeline.NewReaper(svc, idle, pipeline.DefaultReapSchedule, slog.Default())
	if err != nil {
		return err
	}
	reaper.Start()

	appHandler := api.NewAppHandler(api.AppDeps{
		Pipeline: svc,
		Entities: store,
		Token:    apiToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConns)
	}
	srv := &http.Server{
		Handler:           appHandler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	if serveMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Pipeline: svc})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "aide listening on %s\n", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reaper.Stop(shutdownCtx)
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("aide is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop aide (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to aide (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if cfg.Ollama.Enabled {
		ollamaResp, err := client.Get(cfg.Ollama.BaseURL + "/api/version")
		if err != nil {
			printStatus("Ollama", "not running")
		} else {
			ollamaResp.Body.Close()
			printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
		}
		printStatus("Model", "%s", cfg.Ollama.Model)
	} else {
		printStatus("Ollama", "disabled (rules only)")
	}

	style := cfg.Pipeline.ConfirmationStyle
	if style == "" {
		style = "from policy file"
	}
	printStatus("Confirmation", "%s", style)

	apiToken, tokenErr := config.GetAPIToken(config.NewKeychain())
	if tokenErr == nil && running {
		decResp, err := apiGet(client, serverURL+"/v1/decisions?limit=100", apiToken)
		if err == nil {
			var decisions []json.RawMessage
			if json.NewDecoder(decResp.Body).Decode(&decisions) == nil {
				printStatus("Decisions", "%s", countLabel(len(decisions), 100))
			}
			decResp.Body.Close()
		}
		entResp, err := apiGet(client, serverURL+"/v1/entities?limit=100", apiToken)
		if err == nil {
			var entities []json.RawMessage
			if json.NewDecoder(entResp.Body).Decode(&entities) == nil {
				printStatus("Entities", "%s", countLabel(len(entities), 100))
			}
			entResp.Body.Close()
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}
