// Package store provides in-memory implementations of the engine's stores.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jfemon8/Meal-Management-sub002/generic"
)

// =============================================================================
// MEMORY LEDGER STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements generic.LedgerStore.
type Memory struct {
	mu    sync.RWMutex
	state ledgerState
}

type ledgerState struct {
	accounts     map[generic.UserID]time.Time
	balances     map[generic.BalanceKey]generic.Balance
	transactions map[generic.TransactionID]generic.Transaction
	chains       map[generic.BalanceKey][]generic.TransactionID
	idempotency  map[string]generic.TransactionID
	audit        []generic.AuditEntry
	seq          int64
}

func NewMemory() *Memory {
	return &Memory{state: ledgerState{
		accounts:     make(map[generic.UserID]time.Time),
		balances:     make(map[generic.BalanceKey]generic.Balance),
		transactions: make(map[generic.TransactionID]generic.Transaction),
		chains:       make(map[generic.BalanceKey][]generic.TransactionID),
		idempotency:  make(map[string]generic.TransactionID),
	}}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(generic.LedgerWriter) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&memoryView{s: &m.state}); err != nil {
		m.state = snapshot
		return err
	}
	// A deadline that passed while fn ran aborts the commit.
	if err := ctx.Err(); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (s ledgerState) clone() ledgerState {
	out := ledgerState{
		accounts:     make(map[generic.UserID]time.Time, len(s.accounts)),
		balances:     make(map[generic.BalanceKey]generic.Balance, len(s.balances)),
		transactions: make(map[generic.TransactionID]generic.Transaction, len(s.transactions)),
		chains:       make(map[generic.BalanceKey][]generic.TransactionID, len(s.chains)),
		idempotency:  make(map[string]generic.TransactionID, len(s.idempotency)),
		audit:        append([]generic.AuditEntry(nil), s.audit...),
		seq:          s.seq,
	}
	for k, v := range s.accounts {
		out.accounts[k] = v
	}
	for k, v := range s.balances {
		out.balances[k] = v
	}
	for k, v := range s.transactions {
		out.transactions[k] = v
	}
	for k, v := range s.chains {
		out.chains[k] = append([]generic.TransactionID(nil), v...)
	}
	for k, v := range s.idempotency {
		out.idempotency[k] = v
	}
	return out
}

// Read side, shared by Memory (under RLock) and the transactional view.

func (s *ledgerState) getBalance(key generic.BalanceKey) (generic.Balance, error) {
	b, ok := s.balances[key]
	if !ok {
		return generic.Balance{}, fmt.Errorf("%s: %w", key.UserID, generic.ErrAccountNotFound)
	}
	return b, nil
}

func (s *ledgerState) getTransaction(id generic.TransactionID) (generic.Transaction, error) {
	tx, ok := s.transactions[id]
	if !ok {
		return generic.Transaction{}, fmt.Errorf("%s: %w", id, generic.ErrTransactionNotFound)
	}
	return tx, nil
}

func (s *ledgerState) chain(key generic.BalanceKey) []generic.Transaction {
	ids := s.chains[key]
	out := make([]generic.Transaction, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.transactions[id])
	}
	return out
}

func (s *ledgerState) last(key generic.BalanceKey) *generic.Transaction {
	ids := s.chains[key]
	if len(ids) == 0 {
		return nil
	}
	tx := s.transactions[ids[len(ids)-1]]
	return &tx
}

func (s *ledgerState) listAccounts() []generic.UserID {
	out := make([]generic.UserID, 0, len(s.accounts))
	for u := range s.accounts {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Memory) GetBalance(_ context.Context, key generic.BalanceKey) (generic.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getBalance(key)
}

func (m *Memory) GetTransaction(_ context.Context, id generic.TransactionID) (generic.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getTransaction(id)
}

func (m *Memory) Chain(_ context.Context, key generic.BalanceKey) ([]generic.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.chain(key), nil
}

func (m *Memory) LastTransaction(_ context.Context, key generic.BalanceKey) (*generic.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.last(key), nil
}

func (m *Memory) ListAccounts(_ context.Context) ([]generic.UserID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listAccounts(), nil
}

func (m *Memory) AuditTrail(_ context.Context, filter generic.AuditFilter) ([]generic.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []generic.AuditEntry
	for _, e := range m.state.audit {
		if !filter.Matches(e) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// =============================================================================
// TRANSACTIONAL VIEW - Handed to WithTx callbacks, caller holds the lock
// =============================================================================

type memoryView struct {
	s *ledgerState
}

func (v *memoryView) GetBalance(_ context.Context, key generic.BalanceKey) (generic.Balance, error) {
	return v.s.getBalance(key)
}

func (v *memoryView) GetTransaction(_ context.Context, id generic.TransactionID) (generic.Transaction, error) {
	return v.s.getTransaction(id)
}

func (v *memoryView) Chain(_ context.Context, key generic.BalanceKey) ([]generic.Transaction, error) {
	return v.s.chain(key), nil
}

func (v *memoryView) LastTransaction(_ context.Context, key generic.BalanceKey) (*generic.Transaction, error) {
	return v.s.last(key), nil
}

func (v *memoryView) ListAccounts(_ context.Context) ([]generic.UserID, error) {
	return v.s.listAccounts(), nil
}

func (v *memoryView) CreateAccount(_ context.Context, user generic.UserID, at time.Time) error {
	if _, ok := v.s.accounts[user]; ok {
		return fmt.Errorf("%w: account %s already exists", generic.ErrConflict, user)
	}
	v.s.accounts[user] = at
	for _, b := range generic.NewBalances(user, at) {
		v.s.balances[b.Key()] = b
	}
	return nil
}

func (v *memoryView) InsertTransaction(_ context.Context, tx *generic.Transaction) error {
	if tx.IdempotencyKey != "" {
		if _, ok := v.s.idempotency[tx.IdempotencyKey]; ok {
			return fmt.Errorf("%s: %w", tx.IdempotencyKey, generic.ErrDuplicateIdempotencyKey)
		}
	}
	if _, ok := v.s.transactions[tx.ID]; ok {
		return fmt.Errorf("%w: transaction %s already exists", generic.ErrConflict, tx.ID)
	}
	v.s.seq++
	tx.Seq = v.s.seq
	v.s.transactions[tx.ID] = *tx
	key := tx.Key()
	v.s.chains[key] = append(v.s.chains[key], tx.ID)
	if tx.IdempotencyKey != "" {
		v.s.idempotency[tx.IdempotencyKey] = tx.ID
	}
	return nil
}

func (v *memoryView) UpdateTransaction(_ context.Context, tx generic.Transaction) error {
	cur, ok := v.s.transactions[tx.ID]
	if !ok {
		return fmt.Errorf("%s: %w", tx.ID, generic.ErrTransactionNotFound)
	}
	// Identity and position never change.
	tx.Seq = cur.Seq
	tx.UserID = cur.UserID
	tx.BalanceType = cur.BalanceType
	tx.CreatedAt = cur.CreatedAt
	v.s.transactions[tx.ID] = tx
	return nil
}

func (v *memoryView) SaveBalance(_ context.Context, b generic.Balance, expectedVersion int64) error {
	cur, ok := v.s.balances[b.Key()]
	if !ok {
		return fmt.Errorf("%s: %w", b.UserID, generic.ErrAccountNotFound)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("%s: %w", b.Key(), generic.ErrConcurrentModification)
	}
	b.Version = expectedVersion + 1
	v.s.balances[b.Key()] = b
	return nil
}

func (v *memoryView) AppendAudit(_ context.Context, e generic.AuditEntry) error {
	v.s.audit = append(v.s.audit, e)
	return nil
}
