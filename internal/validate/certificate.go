package validate

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"path/filepath"
	"time"

	"pkt.systems/reloadd/internal/artifact"
	"pkt.systems/reloadd/internal/clock"
	"pkt.systems/reloadd/internal/store"
)

// CertificateBundle validates a per-scope certificate directory: the chain
// parses, the leaf pairs with the private key, the leaf has not expired, and
// (best effort) the chain covers the declared scope.
type CertificateBundle struct {
	// Clock supplies the notion of "now" for expiry checks.
	Clock clock.Clock
	// ExpiryWarnWindow turns an approaching notAfter into a warning instead
	// of a failure. Zero disables the warning.
	ExpiryWarnWindow time.Duration
	// ReadAttempts and ReadRetryDelay bound torn-write retries on reads.
	ReadAttempts   int
	ReadRetryDelay time.Duration
}

func (v CertificateBundle) clk() clock.Clock {
	if v.Clock == nil {
		return clock.Real{}
	}
	return v.Clock
}

// Validate implements Validator for certificate bundle artifacts.
func (v CertificateBundle) Validate(ctx context.Context, ref artifact.Ref, candidatePath string) Result {
	if err := ctx.Err(); err != nil {
		return fail(fmt.Sprintf("validation cancelled: %v", err))
	}
	chainPath := filepath.Join(candidatePath, artifact.FullChainFile)
	keyPath := filepath.Join(candidatePath, artifact.PrivateKeyFile)

	chainPEM, err := store.ReadStable(v.clk(), chainPath, v.ReadAttempts, v.ReadRetryDelay)
	if err != nil {
		return fail(fmt.Sprintf("read chain: %v", err))
	}
	keyPEM, err := store.ReadStable(v.clk(), keyPath, v.ReadAttempts, v.ReadRetryDelay)
	if err != nil {
		return fail(fmt.Sprintf("read private key: %v", err))
	}

	chain, err := parseChain(chainPEM)
	if err != nil {
		return fail(fmt.Sprintf("parse chain: %v", err))
	}
	signer, err := parsePrivateKeyPEM(keyPEM)
	if err != nil {
		return fail(fmt.Sprintf("parse private key: %v", err))
	}
	leaf := chain[0]
	if !publicKeysEqual(leaf.PublicKey, signer.Public()) {
		return fail("leaf certificate public key does not match private key")
	}

	now := v.clk().Now()
	if !leaf.NotAfter.After(now) {
		return fail(fmt.Sprintf("leaf certificate expired %s", leaf.NotAfter.Format(time.RFC3339)))
	}
	result := Result{OK: true}
	if v.ExpiryWarnWindow > 0 && leaf.NotAfter.Before(now.Add(v.ExpiryWarnWindow)) {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("leaf certificate expires %s, within the %s warning window",
				leaf.NotAfter.Format(time.RFC3339), v.ExpiryWarnWindow))
	}
	if ref.Scope != "" {
		if err := leaf.VerifyHostname(ref.Scope); err != nil {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("leaf certificate does not cover scope %q: %v", ref.Scope, err))
		}
	}
	return result
}

func parseChain(pemData []byte) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate
	rest := pemData
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("no certificates found")
	}
	return chain, nil
}

func parsePrivateKeyPEM(pemData []byte) (crypto.Signer, error) {
	rest := pemData
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, fmt.Errorf("no private key found")
		}
		switch block.Type {
		case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
			return parsePrivateKeyBlock(block)
		}
	}
}

func parsePrivateKeyBlock(block *pem.Block) (crypto.Signer, error) {
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
			return k, nil
		}
		if k, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
			return k, nil
		}
		return nil, err
	}
	switch k := key.(type) {
	case ed25519.PrivateKey:
		return k, nil
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	if eq, ok := a.(equaler); ok {
		return eq.Equal(b)
	}
	return false
}
