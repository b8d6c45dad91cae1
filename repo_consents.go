package consent

import (
	"context"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// ResolveConsentSQL is the compare-and-set that guarantees at-most-once
// consumption: the status predicate means only one concurrent caller can
// move the record out of pending; everyone else matches zero rows.
var ResolveConsentSQL = `UPDATE "consent_records" AS "cns"
SET
	"status" = ?,
	"resolved_at" = ?
WHERE
	"cns"."status" = 'pending'
AND (
	"cns"."token" = ?
) RETURNING *;`

type ConsentRecords interface {
	repository.Repository[*ConsentRecord]

	GetByToken(ctx context.Context, token string) (*ConsentRecord, error)
	GetByTokenTx(ctx context.Context, tx bun.IDB, token string) (*ConsentRecord, error)

	LatestForUser(ctx context.Context, userID uuid.UUID) (*ConsentRecord, error)
	LatestForUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) (*ConsentRecord, error)

	PendingForUser(ctx context.Context, userID uuid.UUID, now time.Time) (*ConsentRecord, error)
	PendingForUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, now time.Time) (*ConsentRecord, error)

	Resolve(ctx context.Context, token string, status ConsentStatus, resolvedAt time.Time) (*ConsentRecord, error)
	ResolveTx(ctx context.Context, tx bun.IDB, token string, status ConsentStatus, resolvedAt time.Time) (*ConsentRecord, error)
}

type consentRecords struct {
	repository.Repository[*ConsentRecord]
	db *bun.DB
}

var (
	_ ConsentRecords                        = (*consentRecords)(nil)
	_ repository.Repository[*ConsentRecord] = (*consentRecords)(nil)
)

func NewConsentRecordsRepository(db *bun.DB) ConsentRecords {
	repo := repository.NewRepository[*ConsentRecord](db, repository.ModelHandlers[*ConsentRecord]{
		NewRecord: func() *ConsentRecord { return &ConsentRecord{} },
		GetID: func(r *ConsentRecord) uuid.UUID {
			if r == nil {
				return uuid.Nil
			}
			return r.ID
		},
		SetID: func(r *ConsentRecord, id uuid.UUID) {
			if r != nil {
				r.ID = id
			}
		},
		GetIdentifier: func() string {
			return "token"
		},
	})

	return &consentRecords{
		Repository: repo,
		db:         db,
	}
}

func (a *consentRecords) GetByToken(ctx context.Context, token string) (*ConsentRecord, error) {
	return a.GetByTokenTx(ctx, a.db, token)
}

func (a *consentRecords) GetByTokenTx(ctx context.Context, tx bun.IDB, token string) (*ConsentRecord, error) {
	record := &ConsentRecord{}
	err := tx.NewSelect().Model(record).
		Where("?TableAlias.token = ?", token).
		Limit(1).
		Scan(ctx)

	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, repository.NewRecordNotFound().
				WithMetadata(map[string]any{
					"token": token,
				})
		}
		return nil, err
	}

	return record, nil
}

// LatestForUser returns the most recent record by created_at, which is the
// authoritative one; older rows are history.
func (a *consentRecords) LatestForUser(ctx context.Context, userID uuid.UUID) (*ConsentRecord, error) {
	return a.LatestForUserTx(ctx, a.db, userID)
}

func (a *consentRecords) LatestForUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) (*ConsentRecord, error) {
	record := &ConsentRecord{}
	err := tx.NewSelect().Model(record).
		Where("?TableAlias.user_id = ?", userID).
		OrderExpr("?TableAlias.created_at DESC").
		Limit(1).
		Scan(ctx)

	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, repository.NewRecordNotFound().
				WithMetadata(map[string]any{
					"user_id": userID.String(),
				})
		}
		return nil, err
	}

	return record, nil
}

// PendingForUser returns the open, unexpired record for the idempotent
// resend path, or record-not-found when a fresh token must be minted.
func (a *consentRecords) PendingForUser(ctx context.Context, userID uuid.UUID, now time.Time) (*ConsentRecord, error) {
	return a.PendingForUserTx(ctx, a.db, userID, now)
}

func (a *consentRecords) PendingForUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, now time.Time) (*ConsentRecord, error) {
	record := &ConsentRecord{}
	err := tx.NewSelect().Model(record).
		Where("?TableAlias.user_id = ?", userID).
		Where("?TableAlias.status = ?", ConsentPending).
		Where("?TableAlias.expires_at > ?", now).
		OrderExpr("?TableAlias.created_at DESC").
		Limit(1).
		Scan(ctx)

	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, repository.NewRecordNotFound().
				WithMetadata(map[string]any{
					"user_id": userID.String(),
				})
		}
		return nil, err
	}

	return record, nil
}

// Resolve applies the conditional transition. A nil record with a nil error
// means the caller lost the race: the row was no longer pending when the
// write happened.
func (a *consentRecords) Resolve(ctx context.Context, token string, status ConsentStatus, resolvedAt time.Time) (*ConsentRecord, error) {
	return a.ResolveTx(ctx, a.db, token, status, resolvedAt)
}

func (a *consentRecords) ResolveTx(ctx context.Context, tx bun.IDB, token string, status ConsentStatus, resolvedAt time.Time) (*ConsentRecord, error) {
	res, err := a.Repository.RawTx(ctx, tx, ResolveConsentSQL, status, resolvedAt, token)
	if err != nil {
		return nil, err
	}

	if len(res) == 0 {
		return nil, nil
	}

	return res[0], nil
}
