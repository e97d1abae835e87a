package validate

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/reloadd/internal/artifact"
	"pkt.systems/reloadd/internal/clock"
)

type bundleSpec struct {
	scope       string
	notAfter    time.Time
	mismatchKey bool
}

// writeBundle generates a self-signed ed25519 bundle under dir and returns
// the scope directory.
func writeBundle(t *testing.T, dir string, spec bundleSpec) artifact.Ref {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: spec.scope},
		DNSNames:     []string{spec.scope},
		NotBefore:    spec.notAfter.Add(-365 * 24 * time.Hour),
		NotAfter:     spec.notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyOut := priv
	if spec.mismatchKey {
		_, other, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatalf("generate mismatched key: %v", err)
		}
		keyOut = other
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(keyOut)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	scopeDir := filepath.Join(dir, spec.scope)
	if err := os.MkdirAll(scopeDir, 0o755); err != nil {
		t.Fatal(err)
	}
	chainPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(filepath.Join(scopeDir, artifact.FullChainFile), chainPEM, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(scopeDir, artifact.PrivateKeyFile), keyPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	return artifact.Ref{
		Key:  artifact.Key{Kind: artifact.KindCertificateBundle, Scope: spec.scope},
		Path: scopeDir,
	}
}

func TestCertificateBundleValid(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewManual(now)
	ref := writeBundle(t, t.TempDir(), bundleSpec{scope: "example.com", notAfter: now.Add(90 * 24 * time.Hour)})

	v := CertificateBundle{Clock: clk, ExpiryWarnWindow: 30 * 24 * time.Hour}
	result := v.Validate(context.Background(), ref, ref.Path)
	if !result.OK {
		t.Fatalf("expected valid bundle, got: %s", result.Reason)
	}
	if len(result.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", result.Warnings)
	}
}

func TestCertificateBundleExpired(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewManual(now)
	ref := writeBundle(t, t.TempDir(), bundleSpec{scope: "example.com", notAfter: now.Add(-time.Hour)})

	v := CertificateBundle{Clock: clk}
	result := v.Validate(context.Background(), ref, ref.Path)
	if result.OK {
		t.Fatal("expired certificate passed validation")
	}
	if !strings.Contains(result.Reason, "expired") {
		t.Fatalf("reason %q does not mention expiry", result.Reason)
	}
}

func TestCertificateBundleExpiryWarning(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewManual(now)
	ref := writeBundle(t, t.TempDir(), bundleSpec{scope: "example.com", notAfter: now.Add(10 * 24 * time.Hour)})

	v := CertificateBundle{Clock: clk, ExpiryWarnWindow: 30 * 24 * time.Hour}
	result := v.Validate(context.Background(), ref, ref.Path)
	if !result.OK {
		t.Fatalf("near-expiry bundle should still validate, got: %s", result.Reason)
	}
	if len(result.Warnings) != 1 || !strings.Contains(result.Warnings[0], "warning window") {
		t.Fatalf("expected expiry warning, got %v", result.Warnings)
	}
}

func TestCertificateBundleKeyMismatch(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewManual(now)
	ref := writeBundle(t, t.TempDir(), bundleSpec{scope: "example.com", notAfter: now.Add(90 * 24 * time.Hour), mismatchKey: true})

	v := CertificateBundle{Clock: clk}
	result := v.Validate(context.Background(), ref, ref.Path)
	if result.OK {
		t.Fatal("mismatched key passed validation")
	}
	if !strings.Contains(result.Reason, "does not match") {
		t.Fatalf("reason %q does not mention the mismatch", result.Reason)
	}
}

func TestCertificateBundleScopeWarning(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewManual(now)
	dir := t.TempDir()
	ref := writeBundle(t, dir, bundleSpec{scope: "example.com", notAfter: now.Add(90 * 24 * time.Hour)})
	// The watcher keys by directory name; the certificate inside covers a
	// different name.
	ref.Scope = "other.org"

	v := CertificateBundle{Clock: clk}
	result := v.Validate(context.Background(), ref, ref.Path)
	if !result.OK {
		t.Fatalf("name mismatch should warn, not fail: %s", result.Reason)
	}
	if len(result.Warnings) != 1 || !strings.Contains(result.Warnings[0], "does not cover scope") {
		t.Fatalf("expected scope warning, got %v", result.Warnings)
	}
}

func TestCertificateBundleMissingKeyFile(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewManual(now)
	ref := writeBundle(t, t.TempDir(), bundleSpec{scope: "example.com", notAfter: now.Add(90 * 24 * time.Hour)})
	if err := os.Remove(ref.KeyPath()); err != nil {
		t.Fatal(err)
	}

	v := CertificateBundle{Clock: clk}
	result := v.Validate(context.Background(), ref, ref.Path)
	if result.OK {
		t.Fatal("bundle without a private key passed validation")
	}
}

func TestCertificateBundleGarbage(t *testing.T) {
	dir := t.TempDir()
	scopeDir := filepath.Join(dir, "example.com")
	os.MkdirAll(scopeDir, 0o755)
	os.WriteFile(filepath.Join(scopeDir, artifact.FullChainFile), []byte("not pem"), 0o644)
	os.WriteFile(filepath.Join(scopeDir, artifact.PrivateKeyFile), []byte("not pem"), 0o600)
	ref := artifact.Ref{
		Key:  artifact.Key{Kind: artifact.KindCertificateBundle, Scope: "example.com"},
		Path: scopeDir,
	}
	v := CertificateBundle{Clock: clock.NewManual(time.Now())}
	if result := v.Validate(context.Background(), ref, ref.Path); result.OK {
		t.Fatal("garbage bundle passed validation")
	}
}
