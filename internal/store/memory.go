package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/punchamoorthee/refdrop/internal/domain"
)

var _ Store = (*MemoryStore)(nil)

type memEntry struct {
	txID      string
	amount    int64
	lastValid uint64
	status    string
	createdAt time.Time
	settledAt time.Time
}

type memState struct {
	accounts map[string]*domain.Account
	levels   map[string]map[string]int // ancestor -> descendant -> level
	order    map[string]int            // account id -> insertion sequence
	seq      int
}

func (s *memState) clone() *memState {
	c := &memState{
		accounts: make(map[string]*domain.Account, len(s.accounts)),
		levels:   make(map[string]map[string]int, len(s.levels)),
		order:    make(map[string]int, len(s.order)),
		seq:      s.seq,
	}
	for id, acc := range s.accounts {
		c.accounts[id] = copyAccount(acc)
	}
	for anc, m := range s.levels {
		cm := make(map[string]int, len(m))
		for d, l := range m {
			cm[d] = l
		}
		c.levels[anc] = cm
	}
	for id, n := range s.order {
		c.order[id] = n
	}
	return c
}

// MemoryStore is an in-process Store. Transactions are serialized and
// applied copy-on-write, so a failed transaction leaves no trace.
type MemoryStore struct {
	mu        sync.Mutex
	state     *memState
	records   map[string][]*memEntry
	campaigns map[string]*domain.Campaign
	claims    map[string][]*domain.Claim // campaign id -> claims
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			accounts: make(map[string]*domain.Account),
			levels:   make(map[string]map[string]int),
			order:    make(map[string]int),
		},
		records:   make(map[string][]*memEntry),
		campaigns: make(map[string]*domain.Campaign),
		claims:    make(map[string][]*domain.Claim),
	}
}

func (m *MemoryStore) Close() {}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := m.state.clone()
	if err := fn(&memTx{state: staged}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.state = staged
	return nil
}

func (m *MemoryStore) GetAccount(_ context.Context, id string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.state.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return copyAccount(acc), nil
}

func (m *MemoryStore) GetAccountByWallet(_ context.Context, wallet string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acc := range m.state.accounts {
		if acc.Wallet() == wallet {
			return copyAccount(acc), nil
		}
	}
	return nil, ErrAccountNotFound
}

func (m *MemoryStore) EnsureRoot(ctx context.Context) error {
	return m.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.GetAccount(ctx, domain.RootAccountID); err == nil {
			return nil
		}
		return tx.InsertAccount(ctx, &domain.Account{
			ID:           domain.RootAccountID,
			ReferralCode: domain.RootReferralCode,
			CreatedAt:    time.Now().UTC(),
		})
	})
}

func (m *MemoryStore) SetVerified(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.state.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	acc.Verified = true
	return nil
}

func (m *MemoryStore) TeamCounts(_ context.Context, id string, depth int) (map[int]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[int]int)
	for _, level := range m.state.levels[id] {
		if level >= 1 && level <= depth {
			counts[level]++
		}
	}
	return counts, nil
}

func (m *MemoryStore) ListEligible(_ context.Context, f domain.EligibilityFilter) ([]domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Account
	for _, acc := range m.state.accounts {
		if acc.IsRoot() || !acc.Verified || acc.CreditBalance <= 0 || acc.Wallet() == "" {
			continue
		}
		if acc.LastPaid != nil && acc.LastPaid.After(f.PaidBefore) {
			continue
		}
		if m.hasPending(acc.ID) {
			continue
		}
		out = append(out, *copyAccount(acc))
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return m.state.order[out[i].ID] < m.state.order[out[j].ID]
	})

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) hasPending(accountID string) bool {
	for _, e := range m.records[accountID] {
		if e.status == domain.PayoutPending {
			return true
		}
	}
	return false
}

func (m *MemoryStore) BeginPayout(_ context.Context, p domain.PendingPayout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.accounts[p.AccountID]; !ok {
		return ErrAccountNotFound
	}
	if e := m.findEntry(p.AccountID, p.TransactionID); e != nil {
		if e.status == domain.PayoutPending {
			return nil
		}
		return ErrTxReused
	}
	if m.hasPending(p.AccountID) {
		return ErrPayoutInFlight
	}
	m.records[p.AccountID] = append(m.records[p.AccountID], &memEntry{
		txID:      p.TransactionID,
		amount:    p.Amount,
		lastValid: p.LastValid,
		status:    domain.PayoutPending,
		createdAt: p.CreatedAt,
	})
	return nil
}

func (m *MemoryStore) CompletePayout(_ context.Context, accountID, txID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.findEntry(accountID, txID)
	if entry == nil || entry.status != domain.PayoutPending {
		return false, nil
	}
	acc, ok := m.state.accounts[accountID]
	if !ok {
		return false, ErrAccountNotFound
	}

	entry.status = domain.PayoutConfirmed
	entry.settledAt = at
	acc.CreditBalance -= entry.amount
	if acc.CreditBalance < 0 {
		acc.CreditBalance = 0
	}
	paid := at
	acc.LastPaid = &paid
	return true, nil
}

func (m *MemoryStore) AbortPayout(_ context.Context, accountID, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.findEntry(accountID, txID)
	if entry == nil || entry.status != domain.PayoutPending {
		return ErrPayoutNotFound
	}
	entry.status = domain.PayoutFailed
	return nil
}

func (m *MemoryStore) findEntry(accountID, txID string) *memEntry {
	for _, e := range m.records[accountID] {
		if e.txID == txID {
			return e
		}
	}
	return nil
}

func (m *MemoryStore) ListPendingPayouts(_ context.Context) ([]domain.PendingPayout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PendingPayout
	for id, entries := range m.records {
		for _, e := range entries {
			if e.status == domain.PayoutPending {
				out = append(out, domain.PendingPayout{
					AccountID:     id,
					TransactionID: e.txID,
					Amount:        e.amount,
					LastValid:     e.lastValid,
					CreatedAt:     e.createdAt,
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) GetPayoutRecord(_ context.Context, accountID string) (*domain.PayoutRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, ok := m.records[accountID]
	if !ok {
		return nil, ErrPayoutNotFound
	}
	record := &domain.PayoutRecord{AccountID: accountID, Payouts: []domain.PayoutEntry{}}
	for _, e := range entries {
		if e.status == domain.PayoutConfirmed {
			record.Payouts = append(record.Payouts, domain.PayoutEntry{Amount: e.amount, TransactionID: e.txID, Timestamp: e.settledAt})
		}
	}
	return record, nil
}

type memTx struct {
	state *memState
}

func (t *memTx) GetAccount(_ context.Context, id string) (*domain.Account, error) {
	acc, ok := t.state.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return copyAccount(acc), nil
}

func (t *memTx) GetAccountByReferralCode(_ context.Context, code string) (*domain.Account, error) {
	for _, acc := range t.state.accounts {
		if acc.ReferralCode == code {
			return copyAccount(acc), nil
		}
	}
	return nil, ErrAccountNotFound
}

func (t *memTx) InsertAccount(_ context.Context, acc *domain.Account) error {
	for _, existing := range t.state.accounts {
		if acc.Wallet() != "" && existing.Wallet() == acc.Wallet() {
			return ErrWalletInUse
		}
		if existing.ReferralCode == acc.ReferralCode {
			return ErrCodeInUse
		}
	}
	if acc.ReferredBy != "" {
		if _, ok := t.state.accounts[acc.ReferredBy]; !ok {
			return ErrAccountNotFound
		}
	}
	stored := copyAccount(acc)
	if stored.Referrals == nil {
		stored.Referrals = []string{}
	}
	t.state.accounts[acc.ID] = stored
	t.state.seq++
	t.state.order[acc.ID] = t.state.seq
	return nil
}

func (t *memTx) Credit(_ context.Context, accountID, descendantID string, level int, amount int64) error {
	acc, ok := t.state.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	acc.CreditBalance += amount

	levels := t.state.levels[accountID]
	if levels == nil {
		levels = make(map[string]int)
		t.state.levels[accountID] = levels
	}
	if _, seen := levels[descendantID]; !seen {
		levels[descendantID] = level
		acc.Referrals = append(acc.Referrals, descendantID)
	}
	return nil
}

func copyAccount(a *domain.Account) *domain.Account {
	c := *a
	if a.WalletAddress != nil {
		w := *a.WalletAddress
		c.WalletAddress = &w
	}
	if a.LastPaid != nil {
		p := *a.LastPaid
		c.LastPaid = &p
	}
	c.Referrals = append([]string(nil), a.Referrals...)
	return &c
}
