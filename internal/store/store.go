package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateCheckout is returned when a checkout's idempotency key
	// already exists.
	ErrDuplicateCheckout = errors.New("duplicate idempotency key")
	// ErrNotRefundable is returned when a refund targets a transaction that
	// is not in the completed state.
	ErrNotRefundable = errors.New("transaction not refundable")
)

// Store is the pgx-backed persistence layer for the reconciliation core.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store on top of an established connection pool
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
