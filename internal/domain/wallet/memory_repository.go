package wallet

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for tests and single-node tooling.
type MemoryStore struct {
	mu           sync.RWMutex
	wallets      map[uuid.UUID]Wallet
	byOwner      map[Owner]uuid.UUID
	transactions map[uuid.UUID][]Transaction
	txByID       map[uuid.UUID]Transaction
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:      make(map[uuid.UUID]Wallet),
		byOwner:      make(map[Owner]uuid.UUID),
		transactions: make(map[uuid.UUID][]Transaction),
		txByID:       make(map[uuid.UUID]Transaction),
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneWallet(w Wallet) *Wallet {
	w.LastTopupAt = copyTime(w.LastTopupAt)
	w.LastDeductionAt = copyTime(w.LastDeductionAt)
	return &w
}

func (s *MemoryStore) GetWallet(_ context.Context, id uuid.UUID) (*Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[id]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return cloneWallet(w), nil
}

func (s *MemoryStore) GetWalletByOwner(_ context.Context, owner Owner) (*Wallet, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byOwner[owner]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return cloneWallet(s.wallets[id]), nil
}

func (s *MemoryStore) CreateWallet(_ context.Context, w *Wallet) (*Wallet, error) {
	owner := w.Owner()
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byOwner[owner]; ok {
		return cloneWallet(s.wallets[id]), nil
	}
	s.wallets[w.ID] = *cloneWallet(*w)
	s.byOwner[owner] = w.ID
	return cloneWallet(*w), nil
}

func (s *MemoryStore) UpdateWallet(_ context.Context, current *Wallet, upd WalletUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[current.ID]
	if !ok {
		return ErrWalletNotFound
	}
	if w.Version != current.Version || w.Status != current.Status {
		return ErrVersionConflict
	}
	w.Balance = upd.Balance
	w.LockedBalance = upd.LockedBalance
	w.LastTopupAt = copyTime(upd.LastTopupAt)
	w.LastDeductionAt = copyTime(upd.LastDeductionAt)
	w.UpdatedAt = upd.UpdatedAt
	w.Version++
	s.wallets[w.ID] = w
	return nil
}

func (s *MemoryStore) SetStatus(_ context.Context, id uuid.UUID, from, to Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[id]
	if !ok {
		return ErrWalletNotFound
	}
	if w.Status != from || (to == StatusClosed && w.LockedBalance != 0) {
		return ErrVersionConflict
	}
	w.Status = to
	w.UpdatedAt = at
	s.wallets[id] = w
	return nil
}

func (s *MemoryStore) InsertTransaction(_ context.Context, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.transactions[tx.WalletID] {
		if existing.IdempotencyKey == tx.IdempotencyKey {
			return ErrDuplicateIdempotencyKey
		}
	}
	s.transactions[tx.WalletID] = append(s.transactions[tx.WalletID], *tx)
	s.txByID[tx.ID] = *tx
	return nil
}

func (s *MemoryStore) GetTransaction(_ context.Context, id uuid.UUID) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.txByID[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return &tx, nil
}

func (s *MemoryStore) FindTransactionByIdempotencyKey(_ context.Context, walletID uuid.UUID, key string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tx := range s.transactions[walletID] {
		if tx.IdempotencyKey == key {
			found := tx
			return &found, nil
		}
	}
	return nil, ErrTransactionNotFound
}

func matchesFilter(tx Transaction, filter TransactionFilter) bool {
	if filter.Type != nil && tx.Type != *filter.Type {
		return false
	}
	if filter.Direction != nil && tx.Direction != *filter.Direction {
		return false
	}
	if filter.Since != nil && !tx.CreatedAt.After(*filter.Since) {
		return false
	}
	return true
}

func (s *MemoryStore) filtered(walletID uuid.UUID, filter TransactionFilter) []Transaction {
	out := make([]Transaction, 0)
	for _, tx := range s.transactions[walletID] {
		if matchesFilter(tx, filter) {
			out = append(out, tx)
		}
	}
	return out
}

func (s *MemoryStore) ListTransactions(_ context.Context, walletID uuid.UUID, filter TransactionFilter) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.filtered(walletID, filter)
	// Rows are stored in commit order: reverse, then a stable sort keeps later
	// inserts first among equal timestamps.
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].CreatedAt.After(rows[j].CreatedAt)
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if filter.Offset >= len(rows) {
		return []Transaction{}, nil
	}
	end := filter.Offset + limit
	if end > len(rows) {
		end = len(rows)
	}
	return append([]Transaction(nil), rows[filter.Offset:end]...), nil
}

func (s *MemoryStore) CountTransactions(_ context.Context, walletID uuid.UUID, filter TransactionFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.filtered(walletID, filter)), nil
}

func (s *MemoryStore) CountDebitsSince(ctx context.Context, walletID uuid.UUID, since time.Time) (int, error) {
	debit := DirectionDebit
	return s.CountTransactions(ctx, walletID, TransactionFilter{Direction: &debit, Since: &since})
}

func (s *MemoryStore) SumTopupsSince(_ context.Context, walletID uuid.UUID, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum int64
	for _, tx := range s.transactions[walletID] {
		if tx.Type == TransactionTypeTopUp && !tx.CreatedAt.Before(since) {
			sum += tx.Amount
		}
	}
	return sum, nil
}

func (s *MemoryStore) ListLedgerChecks(_ context.Context, afterID uuid.UUID, limit int) ([]LedgerCheck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 500
	}

	ids := make([]uuid.UUID, 0, len(s.wallets))
	for id := range s.wallets {
		if compareUUID(id, afterID) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return compareUUID(ids[i], ids[j]) < 0 })
	if len(ids) > limit {
		ids = ids[:limit]
	}

	checks := make([]LedgerCheck, 0, len(ids))
	for _, id := range ids {
		checks = append(checks, LedgerCheck{
			WalletID: id,
			Version:  s.wallets[id].Version,
			Rows:     int64(len(s.transactions[id])),
		})
	}
	return checks, nil
}

func compareUUID(a, b uuid.UUID) int {
	return bytes.Compare(a[:], b[:])
}
