package health

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"

	"pkt.systems/reloadd/internal/artifact"
)

// TLSFingerprint completes a TLS handshake against Addr and confirms the
// served leaf certificate matches the artifact's current chain file. The
// address template may contain {scope}.
type TLSFingerprint struct {
	Addr string
	// ServerName overrides the SNI name; empty uses the scope.
	ServerName string
}

// Check implements Checker.
func (c TLSFingerprint) Check(ctx context.Context, ref artifact.Ref) Result {
	expected, err := leafFingerprint(ref.ChainPath())
	if err != nil {
		return Result{Detail: fmt.Sprintf("load expected chain: %v", err)}
	}
	addr := artifact.ExpandScope(c.Addr, ref.Scope)
	serverName := c.ServerName
	if serverName == "" {
		serverName = ref.Scope
	}
	dialer := &tls.Dialer{
		Config: &tls.Config{
			ServerName: serverName,
			// Trust is established by fingerprint comparison below, not by
			// chain verification against the system pool.
			InsecureSkipVerify: true,
		},
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Result{Detail: fmt.Sprintf("tls dial %s: %v", addr, err)}
	}
	defer conn.Close()
	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return Result{Detail: fmt.Sprintf("tls dial %s: no peer certificates", addr)}
	}
	served := sha256.Sum256(state.PeerCertificates[0].Raw)
	servedHex := hex.EncodeToString(served[:])
	if servedHex != expected {
		return Result{Detail: fmt.Sprintf("served fingerprint sha256:%s does not match applied sha256:%s", servedHex, expected)}
	}
	return Result{OK: true, Detail: "fingerprint sha256:" + servedHex}
}

func leafFingerprint(chainPath string) (string, error) {
	pemData, err := os.ReadFile(chainPath)
	if err != nil {
		return "", err
	}
	block, _ := pem.Decode(pemData)
	if block == nil || block.Type != "CERTIFICATE" {
		return "", fmt.Errorf("no certificate in %s", chainPath)
	}
	if _, err := x509.ParseCertificate(block.Bytes); err != nil {
		return "", fmt.Errorf("parse leaf: %w", err)
	}
	sum := sha256.Sum256(block.Bytes)
	return hex.EncodeToString(sum[:]), nil
}
