package consent

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// DefaultResetTokenTTL is the validity window for a reset link.
const DefaultResetTokenTTL = 24 * time.Hour

type InitializePasswordResetMessage struct {
	Email      string `json:"email" example:"pepe.rone@example.com" doc:"Account email."`
	OnResponse func(resp *InitializePasswordResetResponse)
}

func (m InitializePasswordResetMessage) Type() string { return "reset.request" }

type InitializePasswordResetResponse struct {
	Reset   *PasswordResetToken
	Success bool
}

// InitializePasswordResetHandler starts the credential-recovery flow. The
// response is identical for known and unknown addresses: revealing account
// existence through this endpoint is the attack this shape prevents.
type InitializePasswordResetHandler struct {
	repo     RepositoryManager
	mailer   Mailer
	activity ActivitySink
	logger   Logger
	baseURL  string
	path     string
	ttl      time.Duration
	now      func() time.Time
}

// NewInitializePasswordResetHandler creates a handler with sane defaults.
func NewInitializePasswordResetHandler(repo RepositoryManager) *InitializePasswordResetHandler {
	return &InitializePasswordResetHandler{
		repo:     repo,
		activity: noopActivitySink{},
		logger:   defLogger{},
		path:     "/password-reset",
		ttl:      DefaultResetTokenTTL,
		now:      time.Now,
	}
}

// WithMailer sets the delivery channel. Absent a mailer the link is logged.
func (h *InitializePasswordResetHandler) WithMailer(mailer Mailer) *InitializePasswordResetHandler {
	h.mailer = mailer
	return h
}

// WithActivitySink sets the sink used to emit reset events.
func (h *InitializePasswordResetHandler) WithActivitySink(sink ActivitySink) *InitializePasswordResetHandler {
	h.activity = normalizeActivitySink(sink)
	return h
}

// WithLogger overrides the logger used by the handler.
func (h *InitializePasswordResetHandler) WithLogger(logger Logger) *InitializePasswordResetHandler {
	if logger != nil {
		h.logger = logger
	}
	return h
}

// WithBaseURL sets the public origin used to build reset links.
func (h *InitializePasswordResetHandler) WithBaseURL(baseURL string) *InitializePasswordResetHandler {
	h.baseURL = baseURL
	return h
}

// WithTTL overrides the token validity window.
func (h *InitializePasswordResetHandler) WithTTL(ttl time.Duration) *InitializePasswordResetHandler {
	if ttl > 0 {
		h.ttl = ttl
	}
	return h
}

// WithClock injects a custom clock (useful for tests).
func (h *InitializePasswordResetHandler) WithClock(clock func() time.Time) *InitializePasswordResetHandler {
	if clock != nil {
		h.now = clock
	}
	return h
}

func (h *InitializePasswordResetHandler) Execute(ctx context.Context, event InitializePasswordResetMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during password reset initialization",
		)
	default:
		return h.execute(ctx, event)
	}
}

func (h *InitializePasswordResetHandler) execute(ctx context.Context, event InitializePasswordResetMessage) error {
	resp := &InitializePasswordResetResponse{}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	now := h.now()

	// Token entropy is spent before the lookup, so known and unknown
	// addresses do the same work and stay timing-indistinguishable.
	token, err := NewOpaqueToken()
	if err != nil {
		return err
	}

	err = h.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		profile, err := h.repo.Profiles().GetByIdentifierTx(ctx, tx, event.Email)
		if err != nil {
			if repository.IsRecordNotFound(err) {
				return nil
			}
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to retrieve profile for password reset")
		}

		if active, err := h.repo.PasswordResetTokens().ActiveForUserTx(ctx, tx, profile.ID, now); err == nil {
			resp.Reset = active
			return nil
		} else if !repository.IsRecordNotFound(err) {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to look up active reset token")
		}

		expiresAt := now.Add(h.ttl)
		record := &PasswordResetToken{
			UserID:    &profile.ID,
			Token:     token,
			CreatedAt: &now,
			ExpiresAt: &expiresAt,
		}

		created, err := h.repo.PasswordResetTokens().CreateTx(ctx, tx, record)
		if err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to create password reset token")
		}

		resp.Reset = created
		return nil
	})

	if err != nil {
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) {
			return richErr
		}
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to initialize password reset")
	}

	// Delivery happens off the request path. Only the known-email branch
	// sends mail, so response latency must not depend on reaching the
	// mailer; the link is the out-of-band fallback either way.
	if resp.Reset != nil {
		reset := resp.Reset
		msg := MailMessage{
			To:      event.Email,
			Subject: "Reset your password",
			Body:    "Follow the link to choose a new password.",
			Link:    ResetLink(h.baseURL, h.path, reset.Token),
		}

		go func() {
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second*10)
			defer cancel()

			deliver(sendCtx, h.mailer, h.logger, msg)
			h.recordActivity(sendCtx, reset)
		}()
	}

	resp.Success = true
	if event.OnResponse != nil {
		event.OnResponse(resp)
	}

	return nil
}

func (h *InitializePasswordResetHandler) recordActivity(ctx context.Context, reset *PasswordResetToken) {
	if reset == nil || reset.UserID == nil {
		return
	}

	event := ActivityEvent{
		EventType: ActivityEventResetRequested,
		Actor: ActorRef{
			ID:   reset.UserID.String(),
			Type: "user",
		},
		UserID: reset.UserID.String(),
		Metadata: map[string]any{
			"password_reset_id": reset.ID.String(),
		},
		OccurredAt: h.now(),
	}

	if err := normalizeActivitySink(h.activity).Record(ctx, event); err != nil {
		h.logger.Warn("activity sink error during password reset request: %v", err)
	}
}
