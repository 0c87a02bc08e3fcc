package config

import (
	"strings"
)

type Config struct {
	Server   ServerConfig
	Ollama   OllamaConfig
	Storage  StorageConfig
	Log      LogConfig
	Ledger   LedgerConfig
	Pipeline PipelineConfig
	Executor ExecutorConfig
	API      APIConfig
}

type ServerConfig struct {
	Port int
	// MaxConns caps concurrent HTTP connections; 0 means unlimited.
	MaxConns int
}

type OllamaConfig struct {
	// Enabled false skips the model entirely and classifies with rules.
	Enabled bool
	BaseURL string
	Model   string
	// TimeoutSeconds bounds one classification call.
	TimeoutSeconds float64
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type LedgerConfig struct {
	Capacity int
}

type PipelineConfig struct {
	// ConfirmationStyle overrides the policy file when set.
	ConfirmationStyle  string
	PolicyFile         string
	SessionIdleTimeout string
}

type ExecutorConfig struct {
	WebhookURL string
}

type APIConfig struct {
	Token string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port:     4100,
			MaxConns: 64,
		},
		Ollama: OllamaConfig{
			Enabled:        true,
			BaseURL:        "http://localhost:11434",
			Model:          "phi3.5",
			TimeoutSeconds: 5,
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Log: LogConfig{
			Level: "info",
		},
		Ledger: LedgerConfig{
			Capacity: 1000,
		},
		Pipeline: PipelineConfig{
			SessionIdleTimeout: "30m",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.aide.app) and secrets
// come from the macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/aide/config.json
// and secrets live in $XDG_DATA_HOME/aide/secrets.json.
//
// Environment variables (AIDE_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// The API token is optional at load time; GetAPIToken creates one on
	// first start.
	if cfg.API.Token == "" {
		if tok, err := kc.Get(keychainService, apiTokenAccount); err == nil && tok != "" {
			cfg.API.Token = tok
		}
	}

	return cfg, nil
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
