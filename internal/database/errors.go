package database

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConcurrentUpdate is returned when a compare-and-set write loses
	// the race: the row's updated_at no longer matches the expected value.
	ErrConcurrentUpdate = errors.New("concurrent update")

	// ErrDuplicateName is returned when a unique constraint on a
	// (kind, name) or (set_id, name) pair is violated.
	ErrDuplicateName = errors.New("duplicate name")
)

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateName
	}
	return err
}
