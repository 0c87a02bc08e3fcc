//go:build !darwin

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestJSONFileBackend_TypedRoundTrip(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	b := newPlatformBackend()
	if err := b.SetInt("server.port", 4242); err != nil {
		t.Fatalf("SetInt: %v", err)
	}
	if err := b.SetBool("ollama.enabled", false); err != nil {
		t.Fatalf("SetBool: %v", err)
	}
	if err := b.SetFloat("ollama.timeout_seconds", 2.5); err != nil {
		t.Fatalf("SetFloat: %v", err)
	}
	if err := b.SetString("ollama.model", "qwen2.5"); err != nil {
		t.Fatalf("SetString: %v", err)
	}

	// A fresh backend reads what the first one wrote.
	b = newPlatformBackend()
	if v, ok, err := b.GetInt("server.port"); err != nil || !ok || v != 4242 {
		t.Errorf("GetInt = %d, %v, %v", v, ok, err)
	}
	if v, ok, err := b.GetBool("ollama.enabled"); err != nil || !ok || v {
		t.Errorf("GetBool = %v, %v, %v", v, ok, err)
	}
	if v, ok, err := b.GetFloat("ollama.timeout_seconds"); err != nil || !ok || v != 2.5 {
		t.Errorf("GetFloat = %v, %v, %v", v, ok, err)
	}
	if v, ok, err := b.GetString("ollama.model"); err != nil || !ok || v != "qwen2.5" {
		t.Errorf("GetString = %q, %v, %v", v, ok, err)
	}
	if _, ok, _ := b.GetString("log.level"); ok {
		t.Error("unset key reported as present")
	}

	if err := b.Delete("server.port"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := newPlatformBackend().GetInt("server.port"); ok {
		t.Error("deleted key still present")
	}
}

func TestJSONFileBackend_BadFileFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	clearEnv(t)

	path := filepath.Join(dir, "aide", "config.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadWith(newPlatformBackend(), &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want default", cfg.Server.Port)
	}
}

func TestSecretsFile(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	t.Setenv("AIDE_API_TOKEN", "")

	if _, err := keychainExec("aide", "api_token"); err == nil {
		t.Fatal("expected error before any secret is stored")
	}

	tok, err := GetAPIToken(NewKeychain())
	if err != nil {
		t.Fatalf("GetAPIToken: %v", err)
	}
	got, err := keychainExec("aide", "api_token")
	if err != nil {
		t.Fatalf("keychainExec: %v", err)
	}
	if string(got) != tok {
		t.Errorf("stored token = %q, want %q", got, tok)
	}

	info, err := os.Stat(secretsFilePath())
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("secrets file mode = %o, want 600", perm)
	}
}
