package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Addr != DefaultHTTPAddr {
		t.Fatalf("unexpected addr: %q", cfg.Server.Addr)
	}
	if cfg.Dedup.TTL() != 7*time.Hour+6*time.Minute {
		t.Fatalf("unexpected dedup ttl: %v", cfg.Dedup.TTL())
	}
	if cfg.Retry.MaxAttempts != 2 {
		t.Fatalf("unexpected retry attempts: %d", cfg.Retry.MaxAttempts)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[server]
addr = ":9090"

[router]
image_create_prefixes = ["画", "图片"]

[[webhook_channels]]
name = "ops"
secret = "s3cret"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("unexpected addr: %q", cfg.Server.Addr)
	}
	if len(cfg.Router.ImageCreatePrefixes) != 2 {
		t.Fatalf("unexpected prefixes: %v", cfg.Router.ImageCreatePrefixes)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].Name != "ops" {
		t.Fatalf("unexpected webhook channels: %+v", cfg.Webhooks)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("defaults should survive partial file, got level %q", cfg.Log.Level)
	}
}

func TestLoadEnvOverridesSecrets(t *testing.T) {
	t.Setenv("CHATGATE_FEISHU_APP_SECRET", "from-env")
	t.Setenv("CHATGATE_SERVER_ADDR", ":7070")

	cfg, err := Load(writeConfig(t, "[feishu]\napp_secret = \"from-file\"\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Feishu.AppSecret != "from-env" {
		t.Fatalf("env should win, got %q", cfg.Feishu.AppSecret)
	}
	if cfg.Server.Addr != ":7070" {
		t.Fatalf("unexpected addr: %q", cfg.Server.Addr)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"retry above two":  "[retry]\nmax_attempts = 3\n",
		"bad log format":   "[log]\nformat = \"xml\"\n",
		"feishu no secret": "[feishu]\nenabled = true\napp_id = \"a\"\n",
		"webhook no token": "[feishu]\nenabled = true\napp_id = \"a\"\napp_secret = \"b\"\n",
		"channel no name":  "[[webhook_channels]]\nsecret = \"x\"\n",
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestStoreReloadSwapsSnapshot(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "[server]\naddr = \":1111\"\n")
	initial, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	store := NewStore(nil, path, initial)
	before := store.Current()

	var mu sync.Mutex
	var seen []string
	store.OnReload(func(c Config) {
		mu.Lock()
		seen = append(seen, c.Server.Addr)
		mu.Unlock()
	})

	if err := os.WriteFile(path, []byte("[server]\naddr = \":2222\"\n"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	next, err := store.Reload()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if next.Server.Addr != ":2222" || store.Current().Server.Addr != ":2222" {
		t.Fatalf("reload did not swap: %q", store.Current().Server.Addr)
	}
	if before.Server.Addr != ":1111" {
		t.Fatalf("old snapshot mutated: %q", before.Server.Addr)
	}
	if len(seen) != 1 || seen[0] != ":2222" {
		t.Fatalf("unexpected listener calls: %v", seen)
	}
}

func TestStoreReloadKeepsOldOnError(t *testing.T) {
	t.Parallel()

	store := NewStore(nil, "unused.toml", Defaults())
	store.loader = func(string) (Config, error) { return Config{}, errors.New("boom") }

	cfg, err := store.Reload()
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected loader error, got %v", err)
	}
	if cfg.Server.Addr != DefaultHTTPAddr {
		t.Fatalf("expected previous snapshot, got %q", cfg.Server.Addr)
	}
}
