package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"
	"pkt.systems/reloadd"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("RELOADD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "reloadd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "reloadd",
		Short:         "reloadd watches certificate and credential artifacts and hot-reloads the services that consume them",
		SilenceErrors: true,
		Example: `
  # Watch certs and credentials with an explicit config file
  reloadd --config /etc/reloadd/config.yaml

  # Force the polling watcher (e.g. on NFS-backed artifact roots)
  RELOADD_FORCE_POLL=1 reloadd -c /etc/reloadd/config.yaml

  # Debug logging via environment
  RELOADD_LOG_LEVEL=debug reloadd -c /etc/reloadd/config.yaml
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			logger := baseLogger
			ctx := cmd.Context()

			cfg, configFile, err := loadConfig()
			if err != nil {
				return err
			}

			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel != "" {
				level, ok := pslog.ParseLevel(logLevel)
				if !ok {
					return fmt.Errorf("unknown log level %q", logLevel)
				}
				logger = logger.LogLevel(level)
			}

			logger.Info("welcome to reloadd", "pid", os.Getpid(), "uid", os.Getuid())
			if configFile != "" {
				logger.Info("loaded config file", "path", configFile)
			}

			server, err := reloadd.NewServer(cfg, reloadd.WithLogger(logger))
			if err != nil {
				return err
			}
			return server.Run(ctx)
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file")

	flags := cmd.Flags()
	flags.String("cert-root", "", "watched root for certificate bundles (one scope directory per domain)")
	flags.String("credential-root", "", "watched root for credential map files")
	flags.String("backup-dir", "", "backup storage directory (must be outside the watched roots)")
	flags.String("audit-log", "", "JSON-lines audit log path (empty logs only)")
	flags.String("status-listen", reloadd.DefaultStatusListen, "status endpoint listen address (empty disables)")
	flags.String("metrics-listen", reloadd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.Duration("debounce-window", reloadd.DefaultDebounceWindow, "quiet period before a burst of writes becomes one reload attempt")
	flags.Duration("poll-interval", reloadd.DefaultPollInterval, "scan interval for the polling watcher fallback")
	flags.Bool("force-poll", false, "skip change-notification probing and always poll")
	flags.Int("backup-retain", reloadd.DefaultBackupRetain, "backup generations kept per artifact")
	flags.Duration("apply-timeout", reloadd.DefaultApplyTimeout, "hard ceiling on a single reload strategy invocation")
	flags.Duration("check-timeout", reloadd.DefaultCheckTimeout, "hard ceiling on a single health probe")
	flags.Duration("shutdown-grace", reloadd.DefaultShutdownGrace, "drain window for in-flight attempts on shutdown")
	flags.Duration("expiry-warn-window", reloadd.DefaultExpiryWarnWindow, "warn when a certificate expires within this window")
	flags.Int("max-parallel", 0, "maximum concurrently progressing artifact keys (0 = one per target)")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")

	bindFlag := func(name string) {
		flag := lookupFlag(name, flags, persistentFlags)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("RELOADD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for _, name := range []string{
		"config",
		"cert-root", "credential-root", "backup-dir", "audit-log",
		"status-listen", "metrics-listen",
		"debounce-window", "poll-interval", "force-poll",
		"backup-retain", "apply-timeout", "check-timeout",
		"shutdown-grace", "expiry-warn-window", "max-parallel",
		"log-level",
	} {
		bindFlag(name)
	}

	cmd.AddCommand(newCheckCommand(baseLogger))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func lookupFlag(name string, sets ...*pflag.FlagSet) *pflag.Flag {
	for _, set := range sets {
		if flag := set.Lookup(name); flag != nil {
			return flag
		}
	}
	return nil
}

// loadConfig merges the optional YAML config file with flag/env overrides.
// Targets only come from the file; scalar settings follow viper precedence
// (flag beats env beats file).
func loadConfig() (reloadd.Config, string, error) {
	var cfg reloadd.Config
	configFile, err := readConfigFile(&cfg)
	if err != nil {
		return cfg, "", err
	}
	bindScalar(&cfg)
	return cfg, configFile, nil
}

func readConfigFile(cfg *reloadd.Config) (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return "", fmt.Errorf("parse config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func bindScalar(cfg *reloadd.Config) {
	setString := func(dst *string, key string) {
		if viper.IsSet(key) {
			*dst = viper.GetString(key)
		} else if *dst == "" {
			if v := viper.GetString(key); v != "" {
				*dst = v
			}
		}
	}
	setDuration := func(dst *time.Duration, key string) {
		if viper.IsSet(key) {
			*dst = viper.GetDuration(key)
		}
	}
	setString(&cfg.CertRoot, "cert-root")
	setString(&cfg.CredentialRoot, "credential-root")
	setString(&cfg.BackupDir, "backup-dir")
	setString(&cfg.AuditLogPath, "audit-log")
	setString(&cfg.StatusListen, "status-listen")
	setString(&cfg.MetricsListen, "metrics-listen")
	setDuration(&cfg.DebounceWindow, "debounce-window")
	setDuration(&cfg.PollInterval, "poll-interval")
	if viper.IsSet("force-poll") {
		cfg.ForcePoll = viper.GetBool("force-poll")
	}
	if viper.IsSet("backup-retain") {
		cfg.BackupRetain = viper.GetInt("backup-retain")
	}
	setDuration(&cfg.ApplyTimeout, "apply-timeout")
	setDuration(&cfg.CheckTimeout, "check-timeout")
	setDuration(&cfg.ShutdownGrace, "shutdown-grace")
	setDuration(&cfg.ExpiryWarnWindow, "expiry-warn-window")
	if viper.IsSet("max-parallel") {
		cfg.MaxParallel = viper.GetInt("max-parallel")
	}
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return abs, nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
