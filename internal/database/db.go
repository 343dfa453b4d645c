// Package database adapts stem/pkg/database (the sibling module orchid
// imports for its sqlx-backed repositories) into this single-module repo:
// a thin DB/Tx interface pair around *sqlx.DB, context-scoped transactions,
// and the go-sqlbuilder wrapper types in sqlbuilder.go. Re-pointed at the
// sink writer's batched insert/upsert/DDL statements instead of tenant-
// scoped CRUD repositories.
package database

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
)

// DB is the subset of *sqlx.DB the sink writer and auto-create DDL runner
// need, kept narrow (unlike stem's full passthrough interface) since this
// repo has exactly one caller of each method.
type DB interface {
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
	PingContext(ctx context.Context) error
	Close() error
}

// Open connects to a PostgreSQL database using lib/pq through sqlx, the
// same driver/pool combination orchid's repositories run against.
func Open(dsn string, maxOpenConns, maxIdleConns int) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	return db, nil
}
