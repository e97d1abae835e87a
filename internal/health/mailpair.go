package health

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"pkt.systems/reloadd/internal/artifact"
)

// MailPair probes the mail transfer and delivery daemons after a credential
// map reload: each protocol port must accept a connection and complete a
// greeting plus NOOP round-trip before the deadline.
type MailPair struct {
	SMTPAddr string
	IMAPAddr string
}

// Check implements Checker.
func (c MailPair) Check(ctx context.Context, ref artifact.Ref) Result {
	if _, err := smtpRoundTrip(ctx, artifact.ExpandScope(c.SMTPAddr, ref.Scope)); err != nil {
		return Result{Detail: fmt.Sprintf("smtp probe: %v", err)}
	}
	if _, err := imapRoundTrip(ctx, artifact.ExpandScope(c.IMAPAddr, ref.Scope)); err != nil {
		return Result{Detail: fmt.Sprintf("imap probe: %v", err)}
	}
	return Result{OK: true, Detail: "smtp and imap round-trips completed"}
}

func dialWithDeadline(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return nil, err
		}
	} else {
		_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	}
	return conn, nil
}

func smtpRoundTrip(ctx context.Context, addr string) (string, error) {
	conn, err := dialWithDeadline(ctx, addr)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	reader := bufio.NewReader(conn)
	greeting, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read greeting: %w", err)
	}
	if !strings.HasPrefix(greeting, "220") {
		return "", fmt.Errorf("unexpected greeting %q", strings.TrimSpace(greeting))
	}
	if _, err := fmt.Fprintf(conn, "NOOP\r\n"); err != nil {
		return "", fmt.Errorf("send noop: %w", err)
	}
	reply, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read noop reply: %w", err)
	}
	if !strings.HasPrefix(reply, "250") {
		return "", fmt.Errorf("unexpected noop reply %q", strings.TrimSpace(reply))
	}
	fmt.Fprintf(conn, "QUIT\r\n")
	return strings.TrimSpace(greeting), nil
}

func imapRoundTrip(ctx context.Context, addr string) (string, error) {
	conn, err := dialWithDeadline(ctx, addr)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	reader := bufio.NewReader(conn)
	greeting, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read greeting: %w", err)
	}
	if !strings.HasPrefix(greeting, "* OK") {
		return "", fmt.Errorf("unexpected greeting %q", strings.TrimSpace(greeting))
	}
	if _, err := fmt.Fprintf(conn, "a1 NOOP\r\n"); err != nil {
		return "", fmt.Errorf("send noop: %w", err)
	}
	reply, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read noop reply: %w", err)
	}
	if !strings.HasPrefix(reply, "a1 OK") {
		return "", fmt.Errorf("unexpected noop reply %q", strings.TrimSpace(reply))
	}
	fmt.Fprintf(conn, "a2 LOGOUT\r\n")
	return strings.TrimSpace(greeting), nil
}
