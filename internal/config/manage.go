package config

import (
	"fmt"
	"strconv"
	"time"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all config key/value pairs from the current config.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		if s.secret {
			continue
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  fmt.Sprintf("%v", s.extract(cfg)),
		})
	}
	return result
}

// SetKey writes a config key to the platform backend. Secrets go to the
// platform keychain instead.
func SetKey(key, value string) error {
	return setKeyWith(newPlatformBackend(), NewKeychain(), key, value)
}

func setKeyWith(b ConfigBackend, kc Keychain, key, value string) error {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if err := validateValue(key, value); err != nil {
			return err
		}
		if s.secret {
			return kc.Set(keychainService, apiTokenAccount, value)
		}
		switch s.typ {
		case kString:
			return b.SetString(key, value)
		case kInt:
			i, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("invalid integer value for %s: %w", key, err)
			}
			return b.SetInt(key, i)
		case kBool:
			v, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("invalid boolean value for %s: %w", key, err)
			}
			return b.SetBool(key, v)
		case kFloat:
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return fmt.Errorf("invalid number value for %s: %w", key, err)
			}
			return b.SetFloat(key, f)
		}
	}

	return fmt.Errorf("unknown config key: %q", key)
}

// validateValue checks keys whose values have a closed form.
func validateValue(key, value string) error {
	switch key {
	case "pipeline.confirmation_style":
		if value != "" && value != "ask_before_doing" && value != "just_do_it" {
			return fmt.Errorf("invalid value for %s: want ask_before_doing or just_do_it, got %q", key, value)
		}
	case "pipeline.session_idle_timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %w", key, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, d)
		}
	case "log.level":
		switch value {
		case "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("invalid value for %s: want debug, info, warn or error, got %q", key, value)
		}
	case "api.token":
		if value == "" {
			return fmt.Errorf("%s must not be empty", key)
		}
	}
	return nil
}

// IdleTimeout parses Pipeline.SessionIdleTimeout.
func (c Config) IdleTimeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.Pipeline.SessionIdleTimeout)
	if err != nil {
		return 0, fmt.Errorf("pipeline.session_idle_timeout: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("pipeline.session_idle_timeout must be positive, got %s", d)
	}
	return d, nil
}

// ValidKeys returns the list of valid non-secret config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
