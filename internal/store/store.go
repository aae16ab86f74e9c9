package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxPool represents the subset of pgxpool.Pool used by the store.
//
// This allows tests to supply a lightweight mock implementation without
// changing the public interface of the store package.
type PgxPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// Store aggregates repositories backed by PostgreSQL.
type Store struct {
	pool PgxPool

	Users     UserRepository
	Tokens    TokenRepository
	Calendars CalendarEntryRepository
	Clients   ClientRepository
	Dossiers  DossierRepository
	Documents DocumentRepository
	Events    EventRepository
	SyncLogs  SyncLogRepository
}

// New wires concrete repository implementations with shared connection pool.
func New(pool *pgxpool.Pool) *Store {
	return newStore(pool)
}

func newStore(pool PgxPool) *Store {
	return &Store{
		pool:      pool,
		Users:     &userRepo{pool: pool},
		Tokens:    &tokenRepo{pool: pool},
		Calendars: &calendarEntryRepo{pool: pool},
		Clients:   &clientRepo{pool: pool},
		Dossiers:  &dossierRepo{pool: pool},
		Documents: &documentRepo{pool: pool},
		Events:    &eventRepo{pool: pool},
		SyncLogs:  &syncLogRepo{pool: pool},
	}
}

// HealthCheck verifies that the underlying database is reachable. Stores
// assembled without a pool (in-memory fakes) are always healthy.
func (s *Store) HealthCheck(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	defer observeDB(ctx, "db.healthcheck")()
	return s.pool.Ping(ctx)
}
