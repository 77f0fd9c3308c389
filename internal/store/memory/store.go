// Package memory is an in-process implementation of every repository, used in development
// when no DATABASE_URL is configured and by component tests.
//
// Transactions are serialized by a single mutex and roll back through an undo log; writes
// outside a transaction apply immediately. Reads are not isolated from an open transaction.
package memory

import (
	"context"
	"errors"
	"sync"

	auditdomain "docgate/internal/audit/domain"
	auditrepo "docgate/internal/audit/repository"
	blockdomain "docgate/internal/blocking/domain"
	blockrepo "docgate/internal/blocking/repository"
	"docgate/internal/db"
	sessiondomain "docgate/internal/session/domain"
	sessionrepo "docgate/internal/session/repository"
	tokendomain "docgate/internal/token/domain"
	tokenrepo "docgate/internal/token/repository"
)

// ErrDuplicate is returned when inserting a row whose key already exists.
var ErrDuplicate = errors.New("memory: duplicate key")

// Store holds all tables in maps guarded by mu.
type Store struct {
	txMu sync.Mutex
	mu   sync.Mutex

	audit     map[string]*auditdomain.Record
	grants    map[string]*tokendomain.Grant
	failures  map[string]*blockdomain.FailureRecord
	blocks    map[string]*blockdomain.IPBlock
	incidents map[string]*blockdomain.Incident
	sessions  map[string]*sessiondomain.Session
	locks     map[string]*sessiondomain.SubjectLock
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		audit:     make(map[string]*auditdomain.Record),
		grants:    make(map[string]*tokendomain.Grant),
		failures:  make(map[string]*blockdomain.FailureRecord),
		blocks:    make(map[string]*blockdomain.IPBlock),
		incidents: make(map[string]*blockdomain.Incident),
		sessions:  make(map[string]*sessiondomain.Session),
		locks:     make(map[string]*sessiondomain.SubjectLock),
	}
}

type txKey struct{}

// memTx is the undo log of one open transaction.
type memTx struct {
	undo []func()
}

// RunInTx runs fn as one transaction. Transactions run one at a time; nested calls join the
// outer transaction. If fn fails, its writes are undone in reverse order.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*memTx); ok {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		s.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// onRollback registers undo for the transaction in ctx, if any. Callers hold s.mu.
func onRollback(ctx context.Context, undo func()) {
	if tx, ok := ctx.Value(txKey{}).(*memTx); ok {
		tx.undo = append(tx.undo, undo)
	}
}

// restore returns an undo func that puts prev (or nothing, when prev is nil) back at key.
func restore[V any](m map[string]*V, key string, prev *V) func() {
	return func() {
		if prev == nil {
			delete(m, key)
			return
		}
		m[key] = prev
	}
}

// put stores v at key and registers the undo. Callers hold s.mu.
func put[V any](ctx context.Context, m map[string]*V, key string, v *V) {
	onRollback(ctx, restore(m, key, m[key]))
	m[key] = v
}

// remove deletes key and registers the undo. Callers hold s.mu.
func remove[V any](ctx context.Context, m map[string]*V, key string) bool {
	prev, ok := m[key]
	if !ok {
		return false
	}
	onRollback(ctx, restore(m, key, prev))
	delete(m, key)
	return true
}

// Audit returns the audit record repository view.
func (s *Store) Audit() *AuditRepo { return &AuditRepo{s: s} }

// Grants returns the token grant repository view.
func (s *Store) Grants() *GrantRepo { return &GrantRepo{s: s} }

// Blocking returns the failure, block and incident repository view.
func (s *Store) Blocking() *BlockRepo { return &BlockRepo{s: s} }

// Sessions returns the session and subject lock repository view.
func (s *Store) Sessions() *SessionRepo { return &SessionRepo{s: s} }

var (
	_ db.TxRunner            = (*Store)(nil)
	_ auditrepo.Repository   = (*AuditRepo)(nil)
	_ tokenrepo.Repository   = (*GrantRepo)(nil)
	_ blockrepo.Repository   = (*BlockRepo)(nil)
	_ sessionrepo.Repository = (*SessionRepo)(nil)
)
