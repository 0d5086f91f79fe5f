// Package memory is an in-process repository.Store used for local runs and
// tests. Transactions hold per-workflow locks and roll back through an undo log.
//
// Isolation is read-uncommitted: a write is visible to every other reader as
// soon as it is made and disappears again if its transaction rolls back. The
// pending-workflow uniqueness check in Create therefore also sees workflows
// another transaction has not committed yet and refuses a duplicate early,
// where PostgreSQL would block on the unique index until that transaction
// ends. Serialization of actions on one workflow relies on GetForUpdate.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// Option configures a Store.
type Option func(*state)

// WithLockTimeout bounds how long GetForUpdate waits for a workflow lock. Zero
// waits until the context is done.
func WithLockTimeout(d time.Duration) Option {
	return func(s *state) { s.lockTimeout = d }
}

// WithClock replaces time.Now for created_at and updated_at stamps.
func WithClock(now func() time.Time) Option {
	return func(s *state) { s.now = now }
}

type state struct {
	mu          sync.Mutex
	matrices    map[string]*repository.ApprovalMatrix
	delegations map[string]*repository.Delegation
	workflows   map[string]*repository.EntityApprovalWorkflow
	steps       map[string]*repository.ApprovalWorkflowStep
	audit       []*repository.ApprovalAuditEntry
	order       map[string]int64 // insertion sequence per row id
	seq         int64

	locksMu     sync.Mutex
	locks       map[string]chan struct{}
	lockTimeout time.Duration
	now         func() time.Time
}

type txn struct {
	held map[string]chan struct{}
	undo []func()
}

// Store implements repository.Store in memory.
type Store struct {
	data *state
	tx   *txn
}

var _ repository.Store = (*Store)(nil)

// New creates an empty Store.
func New(opts ...Option) *Store {
	st := &state{
		matrices:    make(map[string]*repository.ApprovalMatrix),
		delegations: make(map[string]*repository.Delegation),
		workflows:   make(map[string]*repository.EntityApprovalWorkflow),
		steps:       make(map[string]*repository.ApprovalWorkflowStep),
		order:       make(map[string]int64),
		locks:       make(map[string]chan struct{}),
		lockTimeout: 5 * time.Second,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(st)
	}
	return &Store{data: st}
}

func (s *Store) Matrices() repository.MatrixRepository { return &matrixRepo{s} }
func (s *Store) Delegations() repository.DelegationRepository { return &delegationRepo{s} }
func (s *Store) Workflows() repository.WorkflowRepository { return &workflowRepo{s} }
func (s *Store) Steps() repository.StepRepository { return &stepRepo{s} }
func (s *Store) Audit() repository.AuditRepository { return &auditRepo{s} }

// InTransaction runs fn with a transaction-bound Store. On error or panic the
// writes made through that Store are undone before its locks are released.
func (s *Store) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repository.Store) error) (err error) {
	if s.tx != nil {
		return fn(ctx, s)
	}

	tx := &txn{held: make(map[string]chan struct{})}
	child := &Store{data: s.data, tx: tx}

	defer func() {
		if p := recover(); p != nil {
			s.data.rollback(tx)
			s.data.release(tx)
			panic(p)
		}
		if err != nil {
			s.data.rollback(tx)
		}
		s.data.release(tx)
	}()

	return fn(ctx, child)
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() {}

// record registers an undo step for the current transaction. Callers hold
// data.mu.
func (s *Store) record(undo func()) {
	if s.tx != nil {
		s.tx.undo = append(s.tx.undo, undo)
	}
}

// lock acquires the workflow lock for the current transaction. Outside a
// transaction it is a no-op, matching a single auto-committed statement.
func (s *Store) lock(ctx context.Context, workflowID string) error {
	if s.tx == nil {
		return nil
	}
	if _, held := s.tx.held[workflowID]; held {
		return nil
	}

	st := s.data
	st.locksMu.Lock()
	ch, ok := st.locks[workflowID]
	if !ok {
		ch = make(chan struct{}, 1)
		st.locks[workflowID] = ch
	}
	st.locksMu.Unlock()

	var timeout <-chan time.Time
	if st.lockTimeout > 0 {
		timer := time.NewTimer(st.lockTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case ch <- struct{}{}:
		s.tx.held[workflowID] = ch
		return nil
	case <-timeout:
		return fmt.Errorf("lock workflow %s: %w", workflowID, repository.ErrTransient)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (st *state) rollback(tx *txn) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (st *state) release(tx *txn) {
	for id, ch := range tx.held {
		<-ch
		delete(tx.held, id)
	}
}

// stamp assigns an insertion sequence to a new row. Callers hold mu.
func (st *state) stamp(id string) {
	st.seq++
	st.order[id] = st.seq
}
