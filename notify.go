package consent

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// LogMailer is the fallback delivery channel: it prints the link so it can
// be shared out-of-band when no transactional email provider is configured.
type LogMailer struct {
	Logger Logger
}

func (m LogMailer) Send(_ context.Context, msg MailMessage) error {
	logger := m.Logger
	if logger == nil {
		logger = defLogger{}
	}
	logger.Info("notification for %s: %s (%s)", msg.To, msg.Subject, msg.Link)
	return nil
}

// ConsentLink builds the deep-link resolution URL a guardian follows. The
// page must be usable without a session, so the token travels as a query
// parameter rather than relying on any cookie.
func ConsentLink(baseURL, resolvePath, token string) string {
	return fmt.Sprintf(
		"%s%s?token=%s",
		strings.TrimRight(baseURL, "/"),
		resolvePath,
		url.QueryEscape(token),
	)
}

// ResetLink builds the password-reset URL.
func ResetLink(baseURL, resetPath, token string) string {
	return fmt.Sprintf(
		"%s%s/%s",
		strings.TrimRight(baseURL, "/"),
		resetPath,
		url.PathEscape(token),
	)
}

// deliver sends best-effort: a nil mailer logs the link, a failing mailer is
// logged and reported through the returned flag, never as an error.
func deliver(ctx context.Context, mailer Mailer, logger Logger, msg MailMessage) bool {
	if logger == nil {
		logger = defLogger{}
	}

	if mailer == nil {
		logger.Info("no mailer configured, link for %s: %s", msg.To, msg.Link)
		return false
	}

	if err := mailer.Send(ctx, msg); err != nil {
		logger.Error("notification delivery failed for %s: %v", msg.To, err)
		return false
	}

	return true
}
