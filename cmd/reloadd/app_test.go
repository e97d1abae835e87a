package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"pkt.systems/pslog"
)

func TestVersionCommandPrintsModuleAndVersion(t *testing.T) {
	stdout, stderr, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	if !strings.HasPrefix(stdout, "pkt.systems/reloadd ") {
		t.Fatalf("unexpected stdout: %q", stdout)
	}
}

func TestRootCommandRejectsUnknownLogLevel(t *testing.T) {
	t.Setenv("RELOADD_LOG_LEVEL", "shouty")
	defer viper.Reset()

	cmd := newRootCommand(pslog.NoopLogger())
	cmd.SetArgs(nil)
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "unknown log level") {
		t.Fatalf("expected log level error, got %v", err)
	}
}

func TestLoadConfigMergesFileAndEnv(t *testing.T) {
	defer viper.Reset()
	base := t.TempDir()
	configPath := filepath.Join(base, "config.yaml")
	doc := `
cert_root: ` + filepath.Join(base, "certs") + `
backup_dir: ` + filepath.Join(base, "backups") + `
debounce_window: 2s
targets:
  - kind: cert-bundle
    strategy: graceful-process
    chain_dst: /etc/nginx/ssl/{scope}/fullchain.pem
    key_dst: /etc/nginx/ssl/{scope}/privkey.pem
    probe:
      type: tls
      addr: "{scope}:443"
`
	if err := os.WriteFile(configPath, []byte(doc), 0o640); err != nil {
		t.Fatal(err)
	}

	t.Setenv("RELOADD_CONFIG", configPath)
	t.Setenv("RELOADD_POLL_INTERVAL", "9s")
	newRootCommand(pslog.NoopLogger()) // registers flag bindings

	cfg, loadedFrom, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if loadedFrom != configPath {
		t.Fatalf("loaded from %q, want %q", loadedFrom, configPath)
	}
	if cfg.DebounceWindow != 2*time.Second {
		t.Errorf("DebounceWindow = %s, want file value", cfg.DebounceWindow)
	}
	if cfg.PollInterval != 9*time.Second {
		t.Errorf("PollInterval = %s, want env override", cfg.PollInterval)
	}
	if len(cfg.Targets) != 1 || cfg.Targets[0].Strategy != "graceful-process" {
		t.Fatalf("targets not loaded from file: %+v", cfg.Targets)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("merged config invalid: %v", err)
	}
}

func TestLoadConfigRejectsMissingFile(t *testing.T) {
	defer viper.Reset()
	t.Setenv("RELOADD_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	newRootCommand(pslog.NoopLogger())

	if _, _, err := loadConfig(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}
	got, err := expandPath("~/certs")
	if err != nil {
		t.Fatalf("expandPath: %v", err)
	}
	if got != filepath.Join(home, "certs") {
		t.Fatalf("expandPath(~/certs) = %q", got)
	}

	abs, err := expandPath("relative/path")
	if err != nil {
		t.Fatalf("expandPath: %v", err)
	}
	if !filepath.IsAbs(abs) {
		t.Fatalf("expected absolute path, got %q", abs)
	}
}
