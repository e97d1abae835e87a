package reloadd

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/reloadd/internal/artifact"
)

const (
	// DefaultDebounceWindow coalesces bursts of writes to one artifact into
	// a single reload attempt.
	DefaultDebounceWindow = 300 * time.Millisecond
	// DefaultPollInterval drives the watcher's polling fallback.
	DefaultPollInterval = 5 * time.Second
	// DefaultBackupAttempts bounds snapshot retries when the live artifact
	// is mid-write.
	DefaultBackupAttempts = 3
	// DefaultBackupRetryDelay spaces snapshot retries.
	DefaultBackupRetryDelay = 500 * time.Millisecond
	// DefaultBackupRetain bounds kept backup generations per artifact key.
	DefaultBackupRetain = 1
	// MaxBackupRetain caps the retention ring to avoid unbounded disk growth.
	MaxBackupRetain = 8
	// DefaultApplyTimeout is the hard ceiling on a strategy invocation.
	DefaultApplyTimeout = 30 * time.Second
	// DefaultCheckTimeout bounds a single health probe.
	DefaultCheckTimeout = 10 * time.Second
	// DefaultShutdownGrace lets in-flight attempts reach a terminal state
	// on shutdown.
	DefaultShutdownGrace = 15 * time.Second
	// DefaultExpiryWarnWindow turns an approaching certificate notAfter
	// into a validation warning.
	DefaultExpiryWarnWindow = 30 * 24 * time.Hour
	// DefaultStatusListen is the status endpoint (empty disables).
	DefaultStatusListen = ""
	// DefaultMetricsListen is the Prometheus scrape endpoint (empty disables).
	DefaultMetricsListen = ""
)

// ProbeConfig selects and parameterises a health checker for a target.
type ProbeConfig struct {
	// Type is "tls" or "mail-pair".
	Type string `yaml:"type"`
	// Addr is the TLS probe address; may contain {scope}.
	Addr string `yaml:"addr,omitempty"`
	// ServerName overrides SNI for the TLS probe.
	ServerName string `yaml:"server_name,omitempty"`
	// SMTPAddr and IMAPAddr are the mail-pair probe addresses.
	SMTPAddr string `yaml:"smtp_addr,omitempty"`
	IMAPAddr string `yaml:"imap_addr,omitempty"`
}

// TargetConfig maps an artifact kind (and optional scope) to a reload
// strategy and health probe. Static configuration, never mutated at runtime.
type TargetConfig struct {
	Kind  string `yaml:"kind"`
	Scope string `yaml:"scope,omitempty"`
	// Strategy is "graceful-process" or "dual-daemon".
	Strategy string `yaml:"strategy"`

	// Graceful-process settings.
	ChainDst string   `yaml:"chain_dst,omitempty"`
	KeyDst   string   `yaml:"key_dst,omitempty"`
	SelfTest []string `yaml:"self_test,omitempty"`
	Reload   []string `yaml:"reload,omitempty"`

	// Dual-daemon settings.
	MTAMapDir      string   `yaml:"mta_map_dir,omitempty"`
	IMAPPasswdPath string   `yaml:"imap_passwd,omitempty"`
	UserDataRoot   string   `yaml:"user_data_root,omitempty"`
	IndexCmd       []string `yaml:"index_cmd,omitempty"`
	MTAReload      []string `yaml:"mta_reload,omitempty"`
	IMAPReload     []string `yaml:"imap_reload,omitempty"`

	ApplyTimeout time.Duration `yaml:"apply_timeout,omitempty"`
	CheckTimeout time.Duration `yaml:"check_timeout,omitempty"`

	Probe ProbeConfig `yaml:"probe"`
}

// Config captures the engine's tunables. The zero value plus the watched
// roots and targets is a working configuration.
type Config struct {
	// CertRoot is the watched root for certificate bundles, one scope
	// directory per domain. Empty disables certificate watching.
	CertRoot string `yaml:"cert_root"`
	// CredentialRoot is the watched root for credential map files. Empty
	// disables credential watching.
	CredentialRoot string `yaml:"credential_root"`
	// BackupDir holds snapshot generations; must live outside the watched
	// roots.
	BackupDir string `yaml:"backup_dir"`
	// AuditLogPath is the JSON-lines audit sink (empty logs only).
	AuditLogPath string `yaml:"audit_log"`

	StatusListen  string `yaml:"status_listen"`
	MetricsListen string `yaml:"metrics_listen"`

	DebounceWindow   time.Duration `yaml:"debounce_window"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	ForcePoll        bool          `yaml:"force_poll"`
	BackupAttempts   int           `yaml:"backup_attempts"`
	BackupRetryDelay time.Duration `yaml:"backup_retry_delay"`
	BackupRetain     int           `yaml:"backup_retain"`
	ApplyTimeout     time.Duration `yaml:"apply_timeout"`
	CheckTimeout     time.Duration `yaml:"check_timeout"`
	ShutdownGrace    time.Duration `yaml:"shutdown_grace"`
	ExpiryWarnWindow time.Duration `yaml:"expiry_warn_window"`
	// MaxParallel bounds concurrently progressing artifact keys. Zero
	// means one worker per configured target.
	MaxParallel int `yaml:"max_parallel"`

	Targets []TargetConfig `yaml:"targets"`
}

// Validate normalises cfg and fills defaults. It is called by NewServer;
// callers building a Config by hand may call it early for better errors.
func (cfg *Config) Validate() error {
	if cfg.CertRoot == "" && cfg.CredentialRoot == "" {
		return fmt.Errorf("config: at least one of cert_root or credential_root required")
	}
	if cfg.BackupDir == "" {
		return fmt.Errorf("config: backup_dir required")
	}
	for _, root := range []string{cfg.CertRoot, cfg.CredentialRoot} {
		if root != "" && within(cfg.BackupDir, root) {
			return fmt.Errorf("config: backup_dir %q must not live under watched root %q", cfg.BackupDir, root)
		}
	}
	if len(cfg.Targets) == 0 {
		return fmt.Errorf("config: at least one target required")
	}
	for i := range cfg.Targets {
		if err := cfg.Targets[i].validate(); err != nil {
			return fmt.Errorf("config: target %d: %w", i, err)
		}
	}
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = DefaultDebounceWindow
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BackupAttempts <= 0 {
		cfg.BackupAttempts = DefaultBackupAttempts
	}
	if cfg.BackupRetryDelay <= 0 {
		cfg.BackupRetryDelay = DefaultBackupRetryDelay
	}
	if cfg.BackupRetain <= 0 {
		cfg.BackupRetain = DefaultBackupRetain
	}
	if cfg.BackupRetain > MaxBackupRetain {
		cfg.BackupRetain = MaxBackupRetain
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = DefaultApplyTimeout
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = DefaultCheckTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.ExpiryWarnWindow <= 0 {
		cfg.ExpiryWarnWindow = DefaultExpiryWarnWindow
	}
	return nil
}

// within reports whether child is path or lives under it.
func within(child, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(path), filepath.Clean(child))
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

func (t *TargetConfig) validate() error {
	kind := artifact.Kind(t.Kind)
	if !kind.Valid() {
		return fmt.Errorf("unknown artifact kind %q", t.Kind)
	}
	switch t.Strategy {
	case "graceful-process":
		if kind != artifact.KindCertificateBundle {
			return fmt.Errorf("graceful-process serves cert-bundle artifacts, got %q", t.Kind)
		}
		if t.ChainDst == "" || t.KeyDst == "" {
			return fmt.Errorf("graceful-process requires chain_dst and key_dst")
		}
	case "dual-daemon":
		if kind != artifact.KindCredentialMap {
			return fmt.Errorf("dual-daemon serves credential-map artifacts, got %q", t.Kind)
		}
		if t.MTAMapDir == "" || t.IMAPPasswdPath == "" {
			return fmt.Errorf("dual-daemon requires mta_map_dir and imap_passwd")
		}
	default:
		return fmt.Errorf("unknown strategy %q", t.Strategy)
	}
	switch t.Probe.Type {
	case "tls":
		if t.Probe.Addr == "" {
			return fmt.Errorf("tls probe requires addr")
		}
	case "mail-pair":
		if t.Probe.SMTPAddr == "" || t.Probe.IMAPAddr == "" {
			return fmt.Errorf("mail-pair probe requires smtp_addr and imap_addr")
		}
	case "":
		return fmt.Errorf("probe type required")
	default:
		return fmt.Errorf("unknown probe type %q", t.Probe.Type)
	}
	return nil
}
