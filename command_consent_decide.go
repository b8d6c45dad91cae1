package consent

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

type DecideConsentMessage struct {
	Token      string `json:"token" example:"4fzk9q" doc:"Opaque consent token from the deep link."`
	Approved   bool   `json:"approved" doc:"Guardian decision."`
	OnResponse func(resp *DecideConsentResponse)
}

func (m DecideConsentMessage) Type() string { return "consent.decide" }

type DecideConsentResponse struct {
	Record         *ConsentRecord
	Status         ConsentStatus
	ProfileUpdated bool
	Success        bool
}

// DecideConsentHandler validates and consumes a consent token exactly once.
// The store-side conditional update is the only arbiter under concurrency:
// one caller observes success, every other observes already_<status>.
type DecideConsentHandler struct {
	repo     RepositoryManager
	activity ActivitySink
	logger   Logger
	now      func() time.Time
}

// NewDecideConsentHandler creates a handler with sane defaults.
func NewDecideConsentHandler(repo RepositoryManager) *DecideConsentHandler {
	return &DecideConsentHandler{
		repo:     repo,
		activity: noopActivitySink{},
		logger:   defLogger{},
		now:      time.Now,
	}
}

// WithActivitySink sets the sink used to emit decision events.
func (h *DecideConsentHandler) WithActivitySink(sink ActivitySink) *DecideConsentHandler {
	h.activity = normalizeActivitySink(sink)
	return h
}

// WithLogger overrides the logger used by the handler.
func (h *DecideConsentHandler) WithLogger(logger Logger) *DecideConsentHandler {
	if logger != nil {
		h.logger = logger
	}
	return h
}

// WithClock injects a custom clock (useful for tests).
func (h *DecideConsentHandler) WithClock(clock func() time.Time) *DecideConsentHandler {
	if clock != nil {
		h.now = clock
	}
	return h
}

func (h *DecideConsentHandler) Execute(ctx context.Context, event DecideConsentMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during consent decision",
		)
	default:
		return h.execute(ctx, event)
	}
}

func (h *DecideConsentHandler) execute(ctx context.Context, event DecideConsentMessage) error {
	resp := &DecideConsentResponse{}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	var record *ConsentRecord

	err := h.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		found, err := h.repo.ConsentRecords().GetByTokenTx(ctx, tx, event.Token)
		if err != nil {
			if repository.IsRecordNotFound(err) || goerrors.IsNotFound(err) {
				return ErrTokenNotFound
			}
			return goerrors.Wrap(err, goerrors.CategoryInternal, "could not retrieve consent record")
		}

		if found.Resolved() {
			return AlreadyResolvedError(found.Status)
		}

		if found.Expired(h.now()) {
			return ErrTokenExpired
		}

		target := ConsentStatusForDecision(event.Approved)

		resolved, err := h.repo.ConsentRecords().ResolveTx(ctx, tx, event.Token, target, h.now())
		if err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to resolve consent record")
		}

		if resolved == nil {
			// Lost the compare-and-set: someone else consumed the token
			// between our read and our write. Report their outcome.
			fresh, err := h.repo.ConsentRecords().GetByTokenTx(ctx, tx, event.Token)
			if err != nil {
				return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to re-read resolved consent record")
			}
			return AlreadyResolvedError(fresh.Status)
		}

		record = resolved
		return nil
	})

	if err != nil {
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) {
			return richErr
		}
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to decide consent request")
	}

	resp.Record = record
	resp.Status = record.Status

	// The profile flag is a cache of the record's outcome, written outside
	// the decision transaction: the record is already terminal and must not
	// roll back if this projection write fails. The gate reads both signals,
	// so the inconsistency lasts at most until the next reconciliation read.
	if event.Approved && record.UserID != nil {
		if _, err := h.repo.Profiles().MarkConsentObtained(ctx, *record.UserID); err != nil {
			h.logger.Error("consent approved but profile flag update failed for %s: %v", record.UserID, err)
			h.recordActivity(ctx, record)
			return goerrors.Wrap(err, goerrors.CategoryInternal, "consent approved but profile update failed").
				WithTextCode(TextCodeInternal).
				WithMetadata(map[string]any{
					"status":  record.Status,
					"user_id": record.UserID.String(),
				})
		}
		resp.ProfileUpdated = true
	}

	h.recordActivity(ctx, record)

	resp.Success = true
	if event.OnResponse != nil {
		event.OnResponse(resp)
	}

	return nil
}

func (h *DecideConsentHandler) recordActivity(ctx context.Context, record *ConsentRecord) {
	if record == nil || record.UserID == nil {
		return
	}

	eventType := ActivityEventConsentDenied
	if record.Status == ConsentApproved {
		eventType = ActivityEventConsentApproved
	}

	event := ActivityEvent{
		EventType: eventType,
		Actor: ActorRef{
			ID:   record.RecipientEmail,
			Type: "guardian",
		},
		UserID: record.UserID.String(),
		Status: record.Status,
		Metadata: map[string]any{
			"consent_record_id": record.ID.String(),
		},
		OccurredAt: h.now(),
	}

	if err := normalizeActivitySink(h.activity).Record(ctx, event); err != nil {
		h.logger.Warn("activity sink error during consent decision: %v", err)
	}
}
