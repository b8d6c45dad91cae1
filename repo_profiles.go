package consent

import (
	"fmt"
	"net/mail"
	"strings"

	"context"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/nyaruka/phonenumbers"
	"github.com/uptrace/bun"
)

// MarkConsentObtainedSQL flips the cached consent flag on the profile
// projection. The consent record stays authoritative; this write is allowed
// to fail without rollback (see DecideConsentHandler).
var MarkConsentObtainedSQL = `UPDATE "profiles" AS "prf"
SET
	"consent_obtained" = TRUE,
	"updated_at" = CURRENT_TIMESTAMP
WHERE
	"prf"."deleted_at" IS NULL
AND (
	"prf"."id" = ?
) RETURNING *;`

var SetProfilePasswordSQL = `UPDATE "profiles" AS "prf"
SET
	"password_hash" = ?,
	"updated_at" = CURRENT_TIMESTAMP
WHERE
	"prf"."deleted_at" IS NULL
AND (
	"prf"."id" = ?
) RETURNING *;`

type Profiles interface {
	repository.Repository[*Profile]

	GetOrCreate(ctx context.Context, record *Profile) (*Profile, error)
	GetOrCreateTx(ctx context.Context, tx bun.IDB, record *Profile) (*Profile, error)

	MarkConsentObtained(ctx context.Context, id uuid.UUID) (*Profile, error)
	MarkConsentObtainedTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*Profile, error)

	SetPassword(ctx context.Context, id uuid.UUID, passwordHash string) error
	SetPasswordTx(ctx context.Context, tx bun.IDB, id uuid.UUID, passwordHash string) error
}

type profiles struct {
	repository.Repository[*Profile]
	db *bun.DB
}

var (
	_ Profiles                        = (*profiles)(nil)
	_ repository.Repository[*Profile] = (*profiles)(nil)
)

func NewProfilesRepository(db *bun.DB) Profiles {
	repo := repository.NewRepository[*Profile](db, repository.ModelHandlers[*Profile]{
		NewRecord: func() *Profile { return &Profile{} },
		GetID: func(p *Profile) uuid.UUID {
			if p == nil {
				return uuid.Nil
			}
			return p.ID
		},
		SetID: func(p *Profile, id uuid.UUID) {
			if p != nil {
				p.ID = id
			}
		},
		GetIdentifier: func() string {
			return "email"
		},
	})

	return &profiles{
		Repository: repo,
		db:         db,
	}
}

// GetByIdentifier resolves a profile by UUID, email, phone, or username,
// trying the most specific interpretation first.
func (a *profiles) GetByIdentifier(ctx context.Context, identifier string, criteria ...repository.SelectCriteria) (*Profile, error) {
	return a.GetByIdentifierTx(ctx, a.db, identifier, criteria...)
}

func (a *profiles) GetByIdentifierTx(ctx context.Context, tx bun.IDB, identifier string, criteria ...repository.SelectCriteria) (*Profile, error) {
	options := resolveProfileIdentifier(identifier)
	if len(options) == 0 {
		options = []identifierOption{
			{
				column: "id",
				value:  strings.TrimSpace(identifier),
			},
		}
	}

	for _, opt := range options {
		record := &Profile{}
		q := tx.NewSelect().Model(record)

		for _, c := range criteria {
			q.Apply(c)
		}

		err := q.
			Where(fmt.Sprintf("?TableAlias.%s = ?", opt.column), opt.value).
			Limit(1).
			Scan(ctx)

		if err != nil {
			if repository.IsRecordNotFound(err) {
				continue
			}
			return nil, err
		}

		return record, nil
	}

	return nil, repository.NewRecordNotFound().
		WithMetadata(map[string]any{
			"identifier": identifier,
		})
}

func (a *profiles) GetOrCreate(ctx context.Context, record *Profile) (*Profile, error) {
	return a.GetOrCreateTx(ctx, a.db, record)
}

func (a *profiles) GetOrCreateTx(ctx context.Context, tx bun.IDB, record *Profile) (*Profile, error) {
	identifier := record.Email
	if record.ID != uuid.Nil {
		identifier = record.ID.String()
	}

	profile, err := a.GetByIdentifierTx(ctx, tx, identifier)
	if err == nil {
		return profile, nil
	}

	if !repository.IsRecordNotFound(err) {
		return nil, err
	}

	return a.Repository.CreateTx(ctx, tx, record)
}

func (a *profiles) MarkConsentObtained(ctx context.Context, id uuid.UUID) (*Profile, error) {
	return a.MarkConsentObtainedTx(ctx, a.db, id)
}

func (a *profiles) MarkConsentObtainedTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*Profile, error) {
	res, err := a.Repository.RawTx(ctx, tx, MarkConsentObtainedSQL, id.String())
	if err != nil {
		return nil, err
	}

	if len(res) == 0 {
		return nil, repository.NewRecordNotFound().
			WithMetadata(map[string]any{
				"id": id.String(),
			})
	}

	return res[0], nil
}

func (a *profiles) SetPassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	return a.SetPasswordTx(ctx, a.db, id, passwordHash)
}

func (a *profiles) SetPasswordTx(ctx context.Context, tx bun.IDB, id uuid.UUID, passwordHash string) error {
	res, err := a.Repository.RawTx(ctx, tx, SetProfilePasswordSQL, passwordHash, id.String())
	if err != nil {
		return err
	}

	if len(res) == 0 {
		return repository.NewRecordNotFound().
			WithMetadata(map[string]any{
				"id": id.String(),
			})
	}

	return nil
}

type identifierOption struct {
	column string
	value  string
}

func resolveProfileIdentifier(identifier string) []identifierOption {
	trimmed := strings.TrimSpace(identifier)
	if trimmed == "" {
		return nil
	}

	options := make([]identifierOption, 0, 4)

	if isUUID(trimmed) {
		options = append(options, identifierOption{
			column: "id",
			value:  trimmed,
		})
	}

	if isEmail(trimmed) {
		options = append(options, identifierOption{
			column: "email",
			value:  trimmed,
		})
	}

	if num, err := phonenumbers.Parse(trimmed, "US"); err == nil && phonenumbers.IsValidNumber(num) {
		options = append(options, identifierOption{
			column: "phone_number",
			value:  phonenumbers.Format(num, phonenumbers.E164),
		})
	}

	options = append(options, identifierOption{
		column: "username",
		value:  trimmed,
	})

	return options
}

func isEmail(email string) bool {
	_, err := mail.ParseAddress(email)
	return err == nil
}

func isUUID(identifier string) bool {
	_, err := uuid.Parse(identifier)
	return err == nil
}
