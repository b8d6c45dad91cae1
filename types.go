package consent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Session holds attributes that are part of an auth session. The identity
// provider itself is external; we only decode what it issued.
type Session interface {
	GetUserID() string
	GetUserUUID() (uuid.UUID, error)
	GetAudience() []string
	GetIssuer() string
	GetIssuedAt() *time.Time
	GetData() map[string]any
}

// Config holds consent gating options
type Config interface {
	GetSigningKey() string
	GetContextKey() string
	GetTokenLookup() string
	GetAuthScheme() string
	GetBaseURL() string
	GetConsentTTL() time.Duration
	GetResetTokenTTL() time.Duration
	GetPollInterval() time.Duration
}

// Mailer delivers transactional notifications. Delivery is best-effort:
// callers report failures but never fail the operation that triggered them.
type Mailer interface {
	Send(ctx context.Context, msg MailMessage) error
}

// MailMessage is the minimal shape the issuance flows need to deliver.
type MailMessage struct {
	To      string
	Subject string
	Body    string
	Link    string
}

// MailerFunc adapts a function to the Mailer interface.
type MailerFunc func(ctx context.Context, msg MailMessage) error

func (f MailerFunc) Send(ctx context.Context, msg MailMessage) error {
	if f == nil {
		return nil
	}
	return f(ctx, msg)
}

type defLogger struct{}

func (d defLogger) Error(format string, args ...any) {
	fmt.Printf("[ERR] CONSENT "+newline(format), args...)
}

func (d defLogger) Warn(format string, args ...any) {
	fmt.Printf("[WRN] CONSENT "+newline(format), args...)
}

func (d defLogger) Info(format string, args ...any) {
	fmt.Printf("[INF] CONSENT "+newline(format), args...)
}

func (d defLogger) Debug(format string, args ...any) {
	fmt.Printf("[DBG] CONSENT "+newline(format), args...)
}

func newline(s string) string {
	if len(s) > 0 && s[len(s)-1] != '\n' {
		s += "\n"
	}
	return s
}
