package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "AIDE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_conns", typ: kInt, env: "AIDE_SERVER_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConns },
	},
	{
		key: "ollama.enabled", typ: kBool, env: "AIDE_OLLAMA_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Ollama.Enabled },
	},
	{
		key: "ollama.base_url", typ: kString, env: "AIDE_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.model", typ: kString, env: "AIDE_OLLAMA_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.Model },
	},
	{
		key: "ollama.timeout_seconds", typ: kFloat, env: "AIDE_OLLAMA_TIMEOUT_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Ollama.TimeoutSeconds = v.(float64) },
		extract: func(cfg Config) any { return cfg.Ollama.TimeoutSeconds },
	},
	{
		key: "storage.data_dir", typ: kString, env: "AIDE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "AIDE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "ledger.capacity", typ: kInt, env: "AIDE_LEDGER_CAPACITY",
		apply:   func(cfg *Config, v any) { cfg.Ledger.Capacity = v.(int) },
		extract: func(cfg Config) any { return cfg.Ledger.Capacity },
	},
	{
		key: "pipeline.confirmation_style", typ: kString, env: "AIDE_PIPELINE_CONFIRMATION_STYLE",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.ConfirmationStyle = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.ConfirmationStyle },
	},
	{
		key: "pipeline.policy_file", typ: kString, env: "AIDE_PIPELINE_POLICY_FILE",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.PolicyFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.PolicyFile },
	},
	{
		key: "pipeline.session_idle_timeout", typ: kString, env: "AIDE_PIPELINE_SESSION_IDLE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.SessionIdleTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.SessionIdleTimeout },
	},
	{
		key: "executor.webhook_url", typ: kString, env: "AIDE_EXECUTOR_WEBHOOK_URL",
		apply:   func(cfg *Config, v any) { cfg.Executor.WebhookURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Executor.WebhookURL },
	},
	{
		key: "api.token", typ: kString, env: "AIDE_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.API.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Token },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		var (
			v   any
			ok  bool
			err error
		)
		switch s.typ {
		case kString:
			v, ok, err = b.GetString(s.key)
		case kInt:
			v, ok, err = b.GetInt(s.key)
		case kBool:
			v, ok, err = b.GetBool(s.key)
		case kFloat:
			v, ok, err = b.GetFloat(s.key)
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if ok {
			s.apply(cfg, v)
		}
	}
	return nil
}

// applyEnvOverrides lets AIDE_* variables win over the backend. A value that
// does not parse is reported and ignored.
func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			slog.Warn("ignoring invalid environment override", "env", s.env, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}

func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	default:
		return raw, nil
	}
}
