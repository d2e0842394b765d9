package detector

import (
	"context"
	"database/sql"
	"fmt"

	"restosync/internal/changelog"
	"restosync/internal/directory"
	pkgerrors "restosync/pkg/errors"
)

// UnitOfWork runs fn so that the entity write and the ledger append commit
// together or not at all.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(entities directory.Writer, ledger changelog.Writer) error) error
}

type SQLUnitOfWork struct {
	db *sql.DB
}

func NewSQLUnitOfWork(db *sql.DB) *SQLUnitOfWork {
	return &SQLUnitOfWork{db: db}
}

func (u *SQLUnitOfWork) Do(ctx context.Context, fn func(entities directory.Writer, ledger changelog.Writer) error) (err error) {
	tx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return pkgerrors.ErrPersistenceFailure.WithCause(err).WithDetail("operation", "begin")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(directory.NewPostgresStore(tx), changelog.NewPostgresLedger(tx)); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return pkgerrors.ErrPersistenceFailure.WithCause(fmt.Errorf("commit: %w", err))
	}
	return nil
}
