package consent

import (
	"context"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// ConsumeResetTokenSQL marks a reset token used under the used_at IS NULL
// predicate, so exactly one caller can ever win.
var ConsumeResetTokenSQL = `UPDATE "password_reset_tokens" AS "pwt"
SET
	"used_at" = ?
WHERE
	"pwt"."used_at" IS NULL
AND (
	"pwt"."token" = ?
) RETURNING *;`

type PasswordResetTokens interface {
	repository.Repository[*PasswordResetToken]

	GetByToken(ctx context.Context, token string) (*PasswordResetToken, error)
	GetByTokenTx(ctx context.Context, tx bun.IDB, token string) (*PasswordResetToken, error)

	ActiveForUser(ctx context.Context, userID uuid.UUID, now time.Time) (*PasswordResetToken, error)
	ActiveForUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, now time.Time) (*PasswordResetToken, error)

	Consume(ctx context.Context, token string, usedAt time.Time) (*PasswordResetToken, error)
	ConsumeTx(ctx context.Context, tx bun.IDB, token string, usedAt time.Time) (*PasswordResetToken, error)
}

type passwordResetTokens struct {
	repository.Repository[*PasswordResetToken]
	db *bun.DB
}

var (
	_ PasswordResetTokens                        = (*passwordResetTokens)(nil)
	_ repository.Repository[*PasswordResetToken] = (*passwordResetTokens)(nil)
)

func NewPasswordResetTokensRepository(db *bun.DB) PasswordResetTokens {
	repo := repository.NewRepository[*PasswordResetToken](db, repository.ModelHandlers[*PasswordResetToken]{
		NewRecord: func() *PasswordResetToken { return &PasswordResetToken{} },
		GetID: func(t *PasswordResetToken) uuid.UUID {
			if t == nil {
				return uuid.Nil
			}
			return t.ID
		},
		SetID: func(t *PasswordResetToken, id uuid.UUID) {
			if t != nil {
				t.ID = id
			}
		},
		GetIdentifier: func() string {
			return "token"
		},
	})

	return &passwordResetTokens{
		Repository: repo,
		db:         db,
	}
}

func (a *passwordResetTokens) GetByToken(ctx context.Context, token string) (*PasswordResetToken, error) {
	return a.GetByTokenTx(ctx, a.db, token)
}

func (a *passwordResetTokens) GetByTokenTx(ctx context.Context, tx bun.IDB, token string) (*PasswordResetToken, error) {
	record := &PasswordResetToken{}
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

// ActiveForUser returns the newest unused, unexpired token so a repeated
// reset request resends the same link.
func (a *passwordResetTokens) ActiveForUser(ctx context.Context, userID uuid.UUID, now time.Time) (*PasswordResetToken, error) {
	return a.ActiveForUserTx(ctx, a.db, userID, now)
}

func (a *passwordResetTokens) ActiveForUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, now time.Time) (*PasswordResetToken, error) {
	record := &PasswordResetToken{}
	err := tx.NewSelect().Model(record).
		Where("?TableAlias.user_id = ?", userID).
		Where("?TableAlias.used_at IS NULL").
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

// Consume returns nil, nil when the token was already used: the compare-and
// -set matched zero rows.
func (a *passwordResetTokens) Consume(ctx context.Context, token string, usedAt time.Time) (*PasswordResetToken, error) {
	return a.ConsumeTx(ctx, a.db, token, usedAt)
}

func (a *passwordResetTokens) ConsumeTx(ctx context.Context, tx bun.IDB, token string, usedAt time.Time) (*PasswordResetToken, error) {
	res, err := a.Repository.RawTx(ctx, tx, ConsumeResetTokenSQL, usedAt, token)
	if err != nil {
		return nil, err
	}

	if len(res) == 0 {
		return nil, nil
	}

	return res[0], nil
}
