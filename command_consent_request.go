package consent

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/uptrace/bun"
)

// DefaultConsentTTL is the validity window for a consent link.
const DefaultConsentTTL = 72 * time.Hour

type RequestConsentMessage struct {
	SubjectEmail   string `json:"subject_email" example:"kid@example.com" doc:"Email of the account that needs authorization."`
	RecipientEmail string `json:"recipient_email" example:"parent@example.com" doc:"Guardian email the link is sent to."`
	DisplayName    string `json:"display_name" example:"Sam" doc:"Name shown on the resolution page."`
	UseHashid      bool
	OnResponse     func(resp *RequestConsentResponse)
}

func (m RequestConsentMessage) Type() string { return "consent.request" }

type RequestConsentResponse struct {
	Record     *ConsentRecord
	ConsentURL string
	EmailSent  bool
	Reused     bool
	Success    bool
}

// RequestConsentHandler issues (or re-issues) a consent token for a subject.
// While a pending, unexpired record exists its token is reused, so resending
// never invalidates a link the guardian already received.
type RequestConsentHandler struct {
	repo     RepositoryManager
	mailer   Mailer
	activity ActivitySink
	logger   Logger
	baseURL  string
	path     string
	ttl      time.Duration
	now      func() time.Time
}

// NewRequestConsentHandler creates a handler with sane defaults.
func NewRequestConsentHandler(repo RepositoryManager) *RequestConsentHandler {
	return &RequestConsentHandler{
		repo:     repo,
		activity: noopActivitySink{},
		logger:   defLogger{},
		path:     "/consent/resolve",
		ttl:      DefaultConsentTTL,
		now:      time.Now,
	}
}

// WithMailer sets the delivery channel. Absent a mailer the link is logged.
func (h *RequestConsentHandler) WithMailer(mailer Mailer) *RequestConsentHandler {
	h.mailer = mailer
	return h
}

// WithActivitySink sets the sink used to emit consent events.
func (h *RequestConsentHandler) WithActivitySink(sink ActivitySink) *RequestConsentHandler {
	h.activity = normalizeActivitySink(sink)
	return h
}

// WithLogger overrides the logger used by the handler.
func (h *RequestConsentHandler) WithLogger(logger Logger) *RequestConsentHandler {
	if logger != nil {
		h.logger = logger
	}
	return h
}

// WithBaseURL sets the public origin used to build consent links.
func (h *RequestConsentHandler) WithBaseURL(baseURL string) *RequestConsentHandler {
	h.baseURL = baseURL
	return h
}

// WithTTL overrides the token validity window.
func (h *RequestConsentHandler) WithTTL(ttl time.Duration) *RequestConsentHandler {
	if ttl > 0 {
		h.ttl = ttl
	}
	return h
}

// WithClock injects a custom clock (useful for tests).
func (h *RequestConsentHandler) WithClock(clock func() time.Time) *RequestConsentHandler {
	if clock != nil {
		h.now = clock
	}
	return h
}

func (h *RequestConsentHandler) Execute(ctx context.Context, event RequestConsentMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during consent request",
		)
	default:
		return h.execute(ctx, event)
	}
}

func (h *RequestConsentHandler) execute(ctx context.Context, event RequestConsentMessage) error {
	resp := &RequestConsentResponse{}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	now := h.now()

	err := h.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		profile := &Profile{
			Email:           event.SubjectEmail,
			DisplayName:     event.DisplayName,
			RequiresConsent: true,
		}
		if event.UseHashid {
			if id, err := hashid.NewUUID(event.SubjectEmail); err == nil {
				profile.ID = id
			}
		}

		profile, err := h.repo.Profiles().GetOrCreateTx(ctx, tx, profile)
		if err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to resolve subject profile")
		}

		pending, err := h.repo.ConsentRecords().PendingForUserTx(ctx, tx, profile.ID, now)
		if err == nil {
			resp.Record = pending
			resp.Reused = true
			return nil
		}

		if !repository.IsRecordNotFound(err) {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to look up pending consent record")
		}

		record, err := h.createRecord(ctx, tx, profile, event.RecipientEmail, now)
		if err != nil {
			return err
		}

		resp.Record = record
		return nil
	})

	if err != nil {
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) {
			return richErr
		}
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to issue consent request")
	}

	resp.ConsentURL = ConsentLink(h.baseURL, h.path, resp.Record.Token)
	resp.EmailSent = deliver(ctx, h.mailer, h.logger, MailMessage{
		To:      resp.Record.RecipientEmail,
		Subject: "Authorization needed for " + event.DisplayName,
		Body:    "A reading account is waiting for your approval.",
		Link:    resp.ConsentURL,
	})

	h.recordActivity(ctx, resp)

	resp.Success = true
	if event.OnResponse != nil {
		event.OnResponse(resp)
	}

	return nil
}

func (h *RequestConsentHandler) createRecord(ctx context.Context, tx bun.Tx, profile *Profile, recipient string, now time.Time) (*ConsentRecord, error) {
	expiresAt := now.Add(h.ttl)

	// The unique index on token is the arbiter for collisions; retry once
	// with fresh entropy.
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		token, err := NewOpaqueToken()
		if err != nil {
			return nil, err
		}

		record := &ConsentRecord{
			UserID:         &profile.ID,
			RecipientEmail: recipient,
			Token:          token,
			Status:         ConsentPending,
			CreatedAt:      &now,
			ExpiresAt:      &expiresAt,
		}

		created, err := h.repo.ConsentRecords().CreateTx(ctx, tx, record)
		if err == nil {
			return created, nil
		}
		lastErr = err
	}

	return nil, goerrors.Wrap(lastErr, goerrors.CategoryInternal, "failed to create consent record")
}

func (h *RequestConsentHandler) recordActivity(ctx context.Context, resp *RequestConsentResponse) {
	if resp.Record == nil || resp.Record.UserID == nil {
		return
	}

	eventType := ActivityEventConsentRequested
	if resp.Reused {
		eventType = ActivityEventConsentResend
	}

	event := ActivityEvent{
		EventType: eventType,
		Actor: ActorRef{
			ID:   resp.Record.UserID.String(),
			Type: "user",
		},
		UserID: resp.Record.UserID.String(),
		Metadata: map[string]any{
			"consent_record_id": resp.Record.ID.String(),
			"email_sent":        resp.EmailSent,
		},
		OccurredAt: h.now(),
	}

	if err := normalizeActivitySink(h.activity).Record(ctx, event); err != nil {
		h.logger.Warn("activity sink error during consent request: %v", err)
	}
}
