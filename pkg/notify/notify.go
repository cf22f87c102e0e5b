// Package notify dispatches the confirmation emails for the token
// carrying account flows. Delivery failure on those flows is fatal for
// the request since the user can never complete it without the link.
package notify

import (
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/ucphhpc/accountd/pkg/config"
	"github.com/ucphhpc/accountd/pkg/errors"
	"github.com/ucphhpc/accountd/pkg/logger"
	"github.com/ucphhpc/accountd/pkg/telemetry"
)

// Sender delivers site mail through the configured SMTP relay.
type Sender interface {
	Send(to, subject, body string) error
}

// SMTPSender is the production Sender. The dial and the whole SMTP
// conversation share one deadline so a hung relay fails loudly instead
// of pinning the request worker.
type SMTPSender struct {
	cfg *config.Config
}

// NewSMTPSender returns a Sender using cfg.SMTP.
func NewSMTPSender(cfg *config.Config) *SMTPSender {
	return &SMTPSender{cfg: cfg}
}

func (s *SMTPSender) Send(to, subject, body string) error {
	timeout := s.cfg.SMTP.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	conn, err := net.DialTimeout("tcp", s.cfg.SMTP.Server, timeout)
	if err != nil {
		return errors.NewEmailSendFailedError("smtp connect failed", err)
	}
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return errors.NewEmailSendFailedError("smtp deadline failed", err)
	}

	host := s.cfg.SMTP.Server
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		host = host[:idx]
	}
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return errors.NewEmailSendFailedError("smtp handshake failed", err)
	}
	defer client.Close()

	sender := s.cfg.SMTP.Sender
	if err := client.Mail(sender); err != nil {
		return errors.NewEmailSendFailedError("smtp sender refused", err)
	}
	if err := client.Rcpt(to); err != nil {
		return errors.NewEmailSendFailedError("smtp recipient refused", err)
	}
	writer, err := client.Data()
	if err != nil {
		return errors.NewEmailSendFailedError("smtp data refused", err)
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		sender, to, subject, body)
	if _, err := writer.Write([]byte(msg)); err != nil {
		return errors.NewEmailSendFailedError("smtp send failed", err)
	}
	if err := writer.Close(); err != nil {
		return errors.NewEmailSendFailedError("smtp send failed", err)
	}
	return client.Quit()
}

// authTypeName maps the short auth tags to the wording used in mail.
func authTypeName(authType string) string {
	switch authType {
	case "migcert", "extcert":
		return "certificate"
	case "migoid", "extoid":
		return "OpenID 2.0"
	case "migoidc", "extoidc":
		return "OpenID Connect"
	}
	return authType
}

// SendResetRequest mails the one-shot password reset URL to the
// registered address.
func SendResetRequest(cfg *config.Config, sender Sender, to, userID, authType, confirmURL string, ttl time.Duration) error {
	subject := fmt.Sprintf("%s %s password reset request for %s",
		cfg.ShortTitle, authTypeName(authType), userID)
	body := fmt.Sprintf(`Someone, hopefully you, requested a %s password reset for the account
registered to this address.

Open the link below within %d seconds to set a new password:

%s

If you did not request this reset you can safely ignore this message;
the account remains unchanged.
`, authTypeName(authType), int(ttl.Seconds()), confirmURL)
	return send(sender, "password_reset", to, subject, body)
}

// SendRemovalRequest mails the one-shot account removal URL.
func SendRemovalRequest(cfg *config.Config, sender Sender, to, userID, confirmURL string, ttl time.Duration) error {
	subject := fmt.Sprintf("%s account removal request for %s", cfg.ShortTitle, userID)
	body := fmt.Sprintf(`Someone, hopefully you, requested removal of the %s account
registered to this address.

Open the link below within %d seconds to confirm the removal:

%s

If you did not request this removal you can safely ignore this message;
the account remains unchanged.
`, cfg.ShortTitle, int(ttl.Seconds()), confirmURL)
	return send(sender, "account_removal", to, subject, body)
}

func send(sender Sender, kind, to, subject, body string) error {
	if err := sender.Send(to, subject, body); err != nil {
		telemetry.EmailsSent.WithLabelValues(kind, "error").Inc()
		logger.Errorf("failed to send %s mail to %s: %v", kind, to, err)
		return err
	}
	telemetry.EmailsSent.WithLabelValues(kind, "ok").Inc()
	logger.Debugf("sent %s mail to %s", kind, to)
	return nil
}
