package consent

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// SubscriptionStatus mirrors the billing webhook projection. Billing itself
// is out of scope; the gate only ever reads these fields.
type SubscriptionStatus = string

const (
	SubscriptionNone      SubscriptionStatus = "none"
	SubscriptionTrial     SubscriptionStatus = "trial"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

// Profile is the per-user projection the gate reads. It is never deleted
// while the account exists; consent_obtained is a best-effort cache of the
// latest consent record's outcome.
type Profile struct {
	bun.BaseModel      `bun:"table:profiles,alias:prf"`
	ID                 uuid.UUID          `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	Email              string             `bun:"email,notnull,unique" json:"email,omitempty"`
	Phone              string             `bun:"phone_number" json:"phone_number,omitempty"`
	Username           string             `bun:"username" json:"username,omitempty"`
	DisplayName        string             `bun:"display_name" json:"display_name,omitempty"`
	PasswordHash       string             `bun:"password_hash" json:"password_hash,omitempty"`
	RequiresConsent    bool               `bun:"requires_consent" json:"requires_consent,omitempty"`
	ConsentObtained    bool               `bun:"consent_obtained" json:"consent_obtained,omitempty"`
	SubscriptionStatus SubscriptionStatus `bun:"subscription_status" json:"subscription_status,omitempty"`
	SubscriptionEndsAt *time.Time         `bun:"subscription_ends_at,nullzero" json:"subscription_ends_at,omitempty"`
	CreatedAt          *time.Time         `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt          *time.Time         `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
	DeletedAt          *time.Time         `bun:"deleted_at,soft_delete,nullzero" json:"deleted_at,omitempty"`
}

// NeedsConsent reports the profile-flag view only. Gate code must combine
// this with the latest consent record; see Gate.
func (p *Profile) NeedsConsent() bool {
	return p.RequiresConsent && !p.ConsentObtained
}

// SubscriptionIsActive reports whether the subscription grants access at the
// given instant. trial and active count; an ends-at in the past does not.
func (p *Profile) SubscriptionIsActive(now time.Time) bool {
	switch p.SubscriptionStatus {
	case SubscriptionTrial, SubscriptionActive:
	default:
		return false
	}
	if p.SubscriptionEndsAt != nil && now.After(*p.SubscriptionEndsAt) {
		return false
	}
	return true
}

// ConsentStatus enumerates the consent record lifecycle
type ConsentStatus = string

const (
	// ConsentPending is the open state; the only state a decision can consume
	ConsentPending ConsentStatus = "pending"
	// ConsentApproved terminal state, guardian approved
	ConsentApproved ConsentStatus = "approved"
	// ConsentDenied terminal state, guardian denied
	ConsentDenied ConsentStatus = "denied"
)

// ConsentRecord tracks one authorization request and its terminal outcome.
// Records are append-only; the most recent by created_at is authoritative.
type ConsentRecord struct {
	bun.BaseModel  `bun:"table:consent_records,alias:cns"`
	ID             uuid.UUID     `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	UserID         *uuid.UUID    `bun:"user_id,notnull" json:"user_id,omitempty"`
	Profile        *Profile      `bun:"rel:has-one,join:user_id=id" json:"profile,omitempty"`
	RecipientEmail string        `bun:"recipient_email,notnull" json:"recipient_email,omitempty"`
	Token          string        `bun:"token,notnull,unique" json:"token,omitempty"`
	Status         ConsentStatus `bun:"status,notnull" json:"status,omitempty"`
	CreatedAt      *time.Time    `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	ExpiresAt      *time.Time    `bun:"expires_at,notnull" json:"expires_at,omitempty"`
	ResolvedAt     *time.Time    `bun:"resolved_at,nullzero" json:"resolved_at,omitempty"`
}

// Open reports whether the record can still be consumed.
func (r *ConsentRecord) Open() bool {
	return r.Status == ConsentPending
}

// Resolved reports whether the record reached a terminal status.
func (r *ConsentRecord) Resolved() bool {
	return r.Status == ConsentApproved || r.Status == ConsentDenied
}

// Expired reports whether the validity window has closed at the given
// instant. Terminal records are never considered expired.
func (r *ConsentRecord) Expired(now time.Time) bool {
	if r.Resolved() {
		return false
	}
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// ConsentStatusForDecision maps the decision payload to a terminal status.
func ConsentStatusForDecision(approved bool) ConsentStatus {
	if approved {
		return ConsentApproved
	}
	return ConsentDenied
}

// PasswordResetToken is a single-use credential-recovery token. used_at is
// set at most once; a used or expired token is permanently unusable.
type PasswordResetToken struct {
	bun.BaseModel `bun:"table:password_reset_tokens,alias:pwt"`
	ID            uuid.UUID  `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	UserID        *uuid.UUID `bun:"user_id,notnull" json:"user_id,omitempty"`
	Profile       *Profile   `bun:"rel:has-one,join:user_id=id" json:"profile,omitempty"`
	Token         string     `bun:"token,notnull,unique" json:"token,omitempty"`
	ExpiresAt     *time.Time `bun:"expires_at,notnull" json:"expires_at,omitempty"`
	UsedAt        *time.Time `bun:"used_at,nullzero" json:"used_at,omitempty"`
	CreatedAt     *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
}

// Used reports whether the token was already consumed.
func (t *PasswordResetToken) Used() bool {
	return t.UsedAt != nil
}

// Expired reports whether the validity window has closed.
func (t *PasswordResetToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// Usable reports whether the token can still gate a credential update.
func (t *PasswordResetToken) Usable(now time.Time) bool {
	return !t.Used() && !t.Expired(now)
}
