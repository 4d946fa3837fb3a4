// OpenStream - Invite and Provisioning for Private Media Servers
// Copyright 2026 OpenStream Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/openstream/openstream

// Package mailer delivers invite and test emails over SMTP.
package mailer

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/openstream/openstream/internal/state"
)

// Sender delivers outbound mail. The signup service depends on this
// interface so tests can substitute a recorder.
type Sender interface {
	SendInvite(ctx context.Context, cfg state.SMTP, to, inviteURL string) error
	SendTest(ctx context.Context, cfg state.SMTP, to string) error
}

// Mailer sends mail through the admin-configured SMTP relay.
type Mailer struct {
	dialTimeout time.Duration
}

var _ Sender = (*Mailer)(nil)

// New creates a mailer with the default 30s connection timeout.
func New() *Mailer {
	return &Mailer{dialTimeout: 30 * time.Second}
}

// SendInvite sends the set-password invitation.
func (m *Mailer) SendInvite(ctx context.Context, cfg state.SMTP, to, inviteURL string) error {
	if err := validateConfig(cfg); err != nil {
		return err
	}

	body := fmt.Sprintf(
		"Hi,\r\n\r\n"+
			"You've been invited to a private media server.\r\n\r\n"+
			"Open this link to choose your password and finish creating your account:\r\n\r\n"+
			"%s\r\n\r\n"+
			"The link works once and expires in 24 hours.\r\n",
		inviteURL,
	)
	msg := buildMessage(cfg.EffectiveFrom(), to, "OpenStream: finish creating your account", body)
	return m.send(ctx, cfg, to, msg)
}

// SendTest verifies SMTP settings in two steps: a preflight connection that
// stops after STARTTLS and authentication, so configuration errors come back
// as "auth failed" or "TLS failed" rather than a mid-delivery error, then a
// short test message on a fresh connection.
func (m *Mailer) SendTest(ctx context.Context, cfg state.SMTP, to string) error {
	if err := validateConfig(cfg); err != nil {
		return err
	}
	if err := m.preflight(ctx, cfg); err != nil {
		return fmt.Errorf("smtp preflight failed: %w", err)
	}

	body := fmt.Sprintf(
		"This is a test message from OpenStream.\r\n\r\n"+
			"If you are reading it, the SMTP settings for %s work.\r\n",
		cfg.Host,
	)
	msg := buildMessage(cfg.EffectiveFrom(), to, "OpenStream SMTP test", body)
	return m.send(ctx, cfg, to, msg)
}

func validateConfig(cfg state.SMTP) error {
	if strings.TrimSpace(cfg.Host) == "" {
		return fmt.Errorf("smtp host is not configured")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("smtp port %d is invalid", cfg.Port)
	}
	if cfg.EffectiveFrom() == "" {
		return fmt.Errorf("smtp sender address is not configured")
	}
	return nil
}

// buildMessage assembles an RFC 5322 plain-text message with CRLF line
// endings as required by SMTP DATA.
func buildMessage(from, to, subject, body string) string {
	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: OpenStream <%s>\r\n", from))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", to))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString(fmt.Sprintf("Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z)))
	msg.WriteString("\r\n")
	msg.WriteString(body)
	if !strings.HasSuffix(body, "\r\n") {
		msg.WriteString("\r\n")
	}
	return msg.String()
}

// connect dials the relay and brings the session to the ready state:
// greeting, optional StartTLS, optional PLAIN auth. Closing the returned
// client closes the connection.
func (m *Mailer) connect(ctx context.Context, cfg state.SMTP) (*smtp.Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	dialer := &net.Dialer{Timeout: m.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SMTP server: %w", err)
	}

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create SMTP client: %w", err)
	}

	if cfg.Secure {
		tlsConfig := &tls.Config{
			ServerName: cfg.Host,
			MinVersion: tls.VersionTLS12,
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to start TLS: %w", err)
		}
	}

	if cfg.User != "" && cfg.Pass != "" {
		auth := smtp.PlainAuth("", cfg.User, cfg.Pass, cfg.Host)
		if err := client.Auth(auth); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	return client, nil
}

// preflight runs the session up to the authenticated ready state and stops
// before any message phase.
func (m *Mailer) preflight(ctx context.Context, cfg state.SMTP) error {
	client, err := m.connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	if err := client.Noop(); err != nil {
		return fmt.Errorf("server rejected session: %w", err)
	}
	_ = client.Quit()
	return nil
}

// send performs the full SMTP conversation: connect, then MAIL/RCPT/DATA.
func (m *Mailer) send(ctx context.Context, cfg state.SMTP, to, msg string) error {
	client, err := m.connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	if err := client.Mail(cfg.EffectiveFrom()); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("failed to set recipient: %w", err)
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to start message: %w", err)
	}
	if _, err := writer.Write([]byte(msg)); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close message: %w", err)
	}

	// Quit failures after a completed DATA phase do not unsend the message.
	_ = client.Quit()
	return nil
}
