package consent

import (
	"context"
	"database/sql"
	"errors"
	"log"

	"github.com/uptrace/bun"

	"github.com/goliatone/go-repository-bun"
)

// RepositoryManager exposes all repositories
type RepositoryManager interface {
	repository.Validator
	repository.TransactionManager
	Profiles() Profiles
	ConsentRecords() ConsentRecords
	PasswordResetTokens() PasswordResetTokens
}

type mngr struct {
	db             *bun.DB
	profiles       Profiles
	consentRecords ConsentRecords
	resetTokens    PasswordResetTokens
}

func NewRepositoryManager(db *bun.DB) RepositoryManager {
	return &mngr{
		db:             db,
		profiles:       NewProfilesRepository(db),
		consentRecords: NewConsentRecordsRepository(db),
		resetTokens:    NewPasswordResetTokensRepository(db),
	}
}

func (m mngr) Validate() error {
	if m.profiles == nil {
		return errors.New("repository profiles should be initialized")
	}

	if m.consentRecords == nil {
		return errors.New("repository consentRecords should be initialized")
	}

	if m.resetTokens == nil {
		return errors.New("repository passwordResetTokens should be initialized")
	}

	return nil
}

func (m mngr) MustValidate() {
	if err := m.Validate(); err != nil {
		log.Panic(err)
	}
}

func (m mngr) RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return m.db.RunInTx(ctx, opts, f)
	}
}

func (m mngr) Profiles() Profiles {
	return m.profiles
}

func (m mngr) ConsentRecords() ConsentRecords {
	return m.consentRecords
}

func (m mngr) PasswordResetTokens() PasswordResetTokens {
	return m.resetTokens
}
