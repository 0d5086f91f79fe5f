package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/common/database"
)

// PostgresStore implements Store over a pgx pool. A transaction-bound copy
// shares the pool but routes every statement through the pgx.Tx.
type PostgresStore struct {
	db          *database.DB
	q           database.Querier
	inTx        bool
	lockTimeout time.Duration
}

// NewPostgresStore creates a Store. lockTimeout bounds workflow row lock waits.
func NewPostgresStore(db *database.DB, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{db: db, q: db, lockTimeout: lockTimeout}
}

func (s *PostgresStore) Matrices() MatrixRepository { return NewMatrixPgRepository(s.q) }

func (s *PostgresStore) Delegations() DelegationRepository { return NewDelegationPgRepository(s.q) }

func (s *PostgresStore) Workflows() WorkflowRepository {
	return NewApprovalWorkflowRepository(s.q, s.lockTimeout)
}

func (s *PostgresStore) Steps() StepRepository { return NewApprovalStepsRepository(s.q) }

func (s *PostgresStore) Audit() AuditRepository { return NewApprovalAuditRepository(s.q) }

// InTransaction runs fn in a database transaction. Lock contention keeps its
// *pgconn.PgError in the chain so IsTransient recognises it.
func (s *PostgresStore) InTransaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if s.inTx {
		return fn(ctx, s)
	}
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		return fn(ctx, &PostgresStore{db: s.db, q: tx, inTx: true, lockTimeout: s.lockTimeout})
	})
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.db.Close()
}
