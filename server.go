package reloadd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"pkt.systems/pslog"

	"pkt.systems/reloadd/internal/artifact"
	"pkt.systems/reloadd/internal/audit"
	"pkt.systems/reloadd/internal/backup"
	"pkt.systems/reloadd/internal/clock"
	"pkt.systems/reloadd/internal/coordinator"
	"pkt.systems/reloadd/internal/health"
	"pkt.systems/reloadd/internal/strategy"
	"pkt.systems/reloadd/internal/validate"
	"pkt.systems/reloadd/internal/watch"
)

// Server wires the watcher, coordinator, audit log, and the optional status
// and metrics listeners into one runnable engine.
type Server struct {
	cfg     Config
	logger  pslog.Logger
	clock   clock.Clock
	runner  strategy.Runner
	watcher watch.Watcher
	coord   *coordinator.Coordinator
	audit   *audit.Log

	statusSrv  *http.Server
	metricsSrv *http.Server
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger pslog.Logger
	Clock  clock.Clock
	Runner strategy.Runner
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.Logger = l }
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.Clock = c }
}

// WithRunner injects a custom control-command runner (useful for tests).
func WithRunner(r strategy.Runner) Option {
	return func(o *options) { o.Runner = r }
}

// NewServer constructs a reload engine according to cfg.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := o.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	runner := o.Runner
	if runner == nil {
		runner = strategy.ExecRunner{Logger: logger}
	}

	auditLog, err := audit.Open(cfg.AuditLogPath, logger)
	if err != nil {
		return nil, err
	}
	backups, err := backup.New(backup.Config{
		Root:       cfg.BackupDir,
		Retain:     cfg.BackupRetain,
		Attempts:   cfg.BackupAttempts,
		RetryDelay: cfg.BackupRetryDelay,
		Clock:      clk,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	validators := validate.Registry{
		artifact.KindCertificateBundle: validate.CertificateBundle{
			Clock:            clk,
			ExpiryWarnWindow: cfg.ExpiryWarnWindow,
			ReadAttempts:     cfg.BackupAttempts,
			ReadRetryDelay:   cfg.BackupRetryDelay,
		},
		artifact.KindCredentialMap: validate.CredentialMap{
			Clock:          clk,
			ReadAttempts:   cfg.BackupAttempts,
			ReadRetryDelay: cfg.BackupRetryDelay,
		},
	}

	targets, err := buildTargets(cfg, runner, clk, logger)
	if err != nil {
		return nil, err
	}

	srv := &Server{
		cfg:    cfg,
		logger: logger.With("app", "reloadd"),
		clock:  clk,
		runner: runner,
		audit:  auditLog,
	}

	var metrics *coordinator.Metrics
	if cfg.MetricsListen != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = coordinator.NewMetrics(registry)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv.metricsSrv = &http.Server{Addr: cfg.MetricsListen, Handler: mux}
	}

	srv.coord = coordinator.New(coordinator.Config{
		Targets:       targets,
		Validators:    validators,
		Backups:       backups,
		Audit:         auditLog,
		Logger:        logger,
		Clock:         clk,
		Metrics:       metrics,
		MaxParallel:   cfg.MaxParallel,
		ShutdownGrace: cfg.ShutdownGrace,
	})

	var roots []artifact.Root
	if cfg.CertRoot != "" {
		roots = append(roots, artifact.Root{Path: cfg.CertRoot, Kind: artifact.KindCertificateBundle})
	}
	if cfg.CredentialRoot != "" {
		roots = append(roots, artifact.Root{Path: cfg.CredentialRoot, Kind: artifact.KindCredentialMap})
	}
	watcher, err := watch.New(watch.Config{
		Roots:        roots,
		Debounce:     cfg.DebounceWindow,
		PollInterval: cfg.PollInterval,
		ForcePoll:    cfg.ForcePoll,
		Logger:       logger,
		Clock:        clk,
	})
	if err != nil {
		return nil, err
	}
	srv.watcher = watcher

	if cfg.StatusListen != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/statusz", srv.handleStatus)
		mux.HandleFunc("/healthz", srv.handleHealthz)
		srv.statusSrv = &http.Server{Addr: cfg.StatusListen, Handler: mux}
	}
	return srv, nil
}

// buildTargets materialises the static target configuration into wired
// strategies and health checkers.
func buildTargets(cfg Config, runner strategy.Runner, clk clock.Clock, logger pslog.Logger) ([]coordinator.Target, error) {
	targets := make([]coordinator.Target, 0, len(cfg.Targets))
	for i, tc := range cfg.Targets {
		target := coordinator.Target{
			Kind:         artifact.Kind(tc.Kind),
			Scope:        tc.Scope,
			ApplyTimeout: firstDuration(tc.ApplyTimeout, cfg.ApplyTimeout),
			CheckTimeout: firstDuration(tc.CheckTimeout, cfg.CheckTimeout),
		}
		switch tc.Strategy {
		case "graceful-process":
			target.Strategy = &strategy.GracefulProcess{
				ChainDst:       tc.ChainDst,
				KeyDst:         tc.KeyDst,
				SelfTest:       tc.SelfTest,
				Reload:         tc.Reload,
				Runner:         runner,
				Clock:          clk,
				ReadAttempts:   cfg.BackupAttempts,
				ReadRetryDelay: cfg.BackupRetryDelay,
				Logger:         logger,
			}
		case "dual-daemon":
			target.Strategy = &strategy.DualDaemon{
				MTAMapDir:      tc.MTAMapDir,
				IMAPPasswdPath: tc.IMAPPasswdPath,
				UserDataRoot:   tc.UserDataRoot,
				IndexCmd:       tc.IndexCmd,
				MTAReload:      tc.MTAReload,
				IMAPReload:     tc.IMAPReload,
				Runner:         runner,
				Clock:          clk,
				ReadAttempts:   cfg.BackupAttempts,
				ReadRetryDelay: cfg.BackupRetryDelay,
				Logger:         logger,
			}
		default:
			return nil, fmt.Errorf("config: target %d: unknown strategy %q", i, tc.Strategy)
		}
		switch tc.Probe.Type {
		case "tls":
			target.Checker = health.TLSFingerprint{Addr: tc.Probe.Addr, ServerName: tc.Probe.ServerName}
		case "mail-pair":
			target.Checker = health.MailPair{SMTPAddr: tc.Probe.SMTPAddr, IMAPAddr: tc.Probe.IMAPAddr}
		default:
			return nil, fmt.Errorf("config: target %d: unknown probe type %q", i, tc.Probe.Type)
		}
		targets = append(targets, target)
	}
	return targets, nil
}

func firstDuration(values ...time.Duration) time.Duration {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

// Run starts the engine and blocks until ctx is cancelled, then drains
// in-flight attempts within the shutdown grace period.
func (s *Server) Run(ctx context.Context) error {
	events, err := s.watcher.Start(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("server.started",
		"watch_mode", s.watcher.Mode(),
		"cert_root", s.cfg.CertRoot,
		"credential_root", s.cfg.CredentialRoot)

	s.serveHTTP(s.statusSrv, "status")
	s.serveHTTP(s.metricsSrv, "metrics")

	s.coord.Run(ctx, events)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()
	for _, httpSrv := range []*http.Server{s.statusSrv, s.metricsSrv} {
		if httpSrv == nil {
			continue
		}
		if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("server.http_shutdown_failed", "addr", httpSrv.Addr, "error", err)
		}
	}
	if err := s.audit.Close(); err != nil {
		s.logger.Warn("server.audit_close_failed", "error", err)
	}
	s.logger.Info("server.stopped")
	return nil
}

func (s *Server) serveHTTP(httpSrv *http.Server, name string) {
	if httpSrv == nil {
		return
	}
	ln, err := net.Listen("tcp", httpSrv.Addr)
	if err != nil {
		s.logger.Warn("server.listen_failed", "listener", name, "addr", httpSrv.Addr, "error", err)
		return
	}
	s.logger.Info("server.listening", "listener", name, "addr", ln.Addr().String())
	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server.http_serve_failed", "listener", name, "error", err)
		}
	}()
}

// Status exposes the coordinator's per-key view for embedding callers.
func (s *Server) Status() []coordinator.KeyStatus {
	return s.coord.Status()
}

// DegradedKeys lists keys requiring operator intervention.
func (s *Server) DegradedKeys() []string {
	return s.coord.DegradedKeys()
}

type statusResponse struct {
	WatchMode    string                  `json:"watch_mode"`
	DegradedKeys []string                `json:"degraded_keys,omitempty"`
	Keys         []coordinator.KeyStatus `json:"keys"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		WatchMode:    s.watcher.Mode(),
		DegradedKeys: s.coord.DegradedKeys(),
		Keys:         s.coord.Status(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("server.status_encode_failed", "error", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if len(s.coord.DegradedKeys()) > 0 {
		http.Error(w, "degraded", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}
