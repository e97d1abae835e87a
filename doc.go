// Package reloadd exposes the Go APIs behind the artifact hot-reload engine:
// a daemon that watches certificate bundles and credential maps on disk,
// validates every change before it touches a live service, and commits it via
// a service-specific reload strategy with backup, health verification, and
// automatic rollback on failure.
//
// # Running the engine
//
// The engine is configured statically: watched roots, a backup directory,
// and one target per artifact kind binding it to a reload strategy and a
// health probe.
//
//	cfg := reloadd.Config{
//	    CertRoot:       "/var/lib/artifacts/certs",
//	    CredentialRoot: "/var/lib/artifacts/credentials",
//	    BackupDir:      "/var/lib/reloadd/backups",
//	    AuditLogPath:   "/var/log/reloadd/audit.jsonl",
//	    Targets: []reloadd.TargetConfig{{
//	        Kind:     "cert-bundle",
//	        Strategy: "graceful-process",
//	        ChainDst: "/etc/nginx/tls/{scope}/fullchain.pem",
//	        KeyDst:   "/etc/nginx/tls/{scope}/privkey.pem",
//	        SelfTest: []string{"nginx", "-t"},
//	        Reload:   []string{"systemctl", "reload", "nginx"},
//	        Probe:    reloadd.ProbeConfig{Type: "tls", Addr: "{scope}:443"},
//	    }},
//	}
//	srv, err := reloadd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := srv.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Run blocks until ctx is cancelled, then drains in-flight reload attempts
// within the configured grace period. Changes to distinct artifacts progress
// in parallel; changes to the same artifact are strictly serialized, and a
// burst of changes collapses to the most recent one.
package reloadd
