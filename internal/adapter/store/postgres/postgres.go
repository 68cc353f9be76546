// Package postgres implements the backing-store claim protocol over
// PostgreSQL.
//
// The dispatcher service creates the per-day queue rows before a runner
// starts; this adapter only claims, reads and finalizes them. Claim
// atomicity rides on FOR UPDATE SKIP LOCKED, terminal idempotency on a
// first-write-wins conditional update.
package postgres

import (
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fairyhunter13/formfleet/internal/domain"
)

// PgxPool is the minimal pool surface the store needs; satisfied by
// *pgxpool.Pool and by lighter test doubles.
type PgxPool interface {
	Exec(ctx domain.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx domain.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx domain.Context, sql string, args ...any) pgx.Row
}
