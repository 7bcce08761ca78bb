package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateMessage is returned when a message identity already has a ledger entry
	ErrDuplicateMessage = errors.New("message already processed")
	// ErrAlreadyInFlight is returned when a unique task of the same kind is already recorded for the run
	ErrAlreadyInFlight = errors.New("unique task already in flight")
)

//go:embed schema.sql
var schemaSQL string

// uniqueViolation is the Postgres SQLSTATE for unique_violation
const uniqueViolation = "23505"

// DB wraps the Postgres connection pool shared by all repositories
type DB struct {
	*sql.DB
}

// NewDB opens and verifies a Postgres connection
func NewDB(ctx context.Context, databaseURL string) (*DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping database")
	}

	return &DB{DB: db}, nil
}

// Migrate applies the schema. Every statement is idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	_, err := db.ExecContext(ctx, schemaSQL)
	return errors.Wrap(err, "apply schema")
}

// isUniqueViolation reports whether err is a unique_violation, optionally on a specific constraint
func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	if pqErr.Code != uniqueViolation {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
