package service

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/refdrop/internal/domain"
	"github.com/punchamoorthee/refdrop/internal/ledger"
	"github.com/punchamoorthee/refdrop/internal/lock"
	"github.com/punchamoorthee/refdrop/internal/models"
	"github.com/punchamoorthee/refdrop/internal/store"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

// fakeLedger records submitted transfers and confirms them unless told otherwise.
type fakeLedger struct {
	mu sync.Mutex

	round       uint64
	frozen      bool // SuggestedParams stops advancing the round
	holders     []string
	notOptedIn  map[string]bool
	failSendTo  map[string]bool
	timeoutFor  map[string]bool
	rejectFor   map[string]bool
	pending     map[string]ledger.PendingInfo
	payments    map[string]ledger.Payment
	sent        map[string]ledger.AssetTransfer
	lookupCalls int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		round:      1000,
		notOptedIn: make(map[string]bool),
		failSendTo: make(map[string]bool),
		timeoutFor: make(map[string]bool),
		rejectFor:  make(map[string]bool),
		pending:    make(map[string]ledger.PendingInfo),
		payments:   make(map[string]ledger.Payment),
		sent:       make(map[string]ledger.AssetTransfer),
	}
}

func (f *fakeLedger) AssetHolding(_ context.Context, address string, assetID uint64) (ledger.Holding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notOptedIn[address] {
		return ledger.Holding{AssetID: assetID}, nil
	}
	return ledger.Holding{AssetID: assetID, OptedIn: true}, nil
}

func (f *fakeLedger) SuggestedParams(context.Context) (ledger.Params, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.frozen {
		f.round++
	}
	return ledger.Params{MinFee: 1000, FirstValid: f.round, LastValid: f.round + ledger.DefaultValidityWindow, GenesisID: "testnet-v1.0"}, nil
}

func (f *fakeLedger) SendRawTransaction(_ context.Context, signed []byte) (string, error) {
	var env struct {
		Txn json.RawMessage `json:"txn"`
	}
	if err := json.Unmarshal(signed, &env); err != nil {
		return "", err
	}
	var txn ledger.AssetTransfer
	if err := json.Unmarshal(env.Txn, &txn); err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSendTo[txn.Receiver] {
		return "", errors.New("node unavailable")
	}
	id := ledger.TxID(env.Txn)
	f.sent[id] = txn
	return id, nil
}

func (f *fakeLedger) WaitForConfirmation(_ context.Context, txID string, _ uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	txn := f.sent[txID]
	if f.timeoutFor[txn.Receiver] {
		return 0, ledger.ErrConfirmationTimeout
	}
	if f.rejectFor[txn.Receiver] {
		return 0, ledger.ErrRejected
	}
	return f.round, nil
}

func (f *fakeLedger) PendingTransaction(_ context.Context, txID string) (ledger.PendingInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.pending[txID]
	if !ok {
		return ledger.PendingInfo{}, ledger.ErrNotFound
	}
	return info, nil
}

func (f *fakeLedger) LookupPayment(_ context.Context, txID string) (ledger.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookupCalls++
	p, ok := f.payments[txID]
	if !ok {
		return ledger.Payment{}, ledger.ErrNotFound
	}
	return p, nil
}

func (f *fakeLedger) LastRound(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.round, nil
}

func (f *fakeLedger) AssetHolders(context.Context, uint64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.holders...), nil
}

// sentTo returns the transfers submitted to receiver.
func (f *fakeLedger) sentTo(receiver string) []ledger.AssetTransfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ledger.AssetTransfer
	for _, txn := range f.sent {
		if txn.Receiver == receiver {
			out = append(out, txn)
		}
	}
	return out
}

func (f *fakeLedger) set(fn func(f *fakeLedger)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeLedger) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// clock is a manually advanced time source; each read moves it forward a
// millisecond so creation order is strict.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store     *store.MemoryStore
	chain     *fakeLedger
	clock     *clock
	locker    *lock.Memory
	hook      *logtest.Hook
	referrals *ReferralService
	engine    *SettlementEngine
	verifier  *VerificationService
	campaigns *CampaignService
}

const feeReceiver = "TREASURY"

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, store.NewMemoryStore())
}

func newFixtureWithStore(t *testing.T, ms *store.MemoryStore, wrap ...func(store.Store) store.Store) *fixture {
	t.Helper()
	require.NoError(t, ms.EnsureRoot(context.Background()))

	var s store.Store = ms
	for _, w := range wrap {
		s = w(s)
	}

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	f := &fixture{
		store:  ms,
		chain:  newFakeLedger(),
		clock:  &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		locker: lock.NewMemory(),
		hook:   hook,
	}

	f.referrals = NewReferralService(s, ReferralConfig{Bonus: 5, SignupBonus: 5, Depth: 5}, logger)
	f.referrals.now = f.clock.Now

	f.engine = NewSettlementEngine(s, f.chain, testSigner(t), f.locker, SettlementConfig{
		AssetID:       42,
		AssetDecimals: 10,
		BatchSize:     10,
	}, logger)
	f.engine.now = f.clock.Now

	f.verifier = NewVerificationService(s, f.chain, VerificationConfig{
		AssetID:     42,
		FeeReceiver: feeReceiver,
		FeeAmount:   10_000_000,
	}, logger)

	f.campaigns = NewCampaignService(ms, f.chain, testSigner(t), 0, logger)
	f.campaigns.now = f.clock.Now
	return f
}

func testSigner(t *testing.T) *ledger.Signer {
	t.Helper()
	seed := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", ed25519.SeedSize)))
	s, err := ledger.NewSigner(seed)
	require.NoError(t, err)
	return s
}

func newWallet(t *testing.T) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return ledger.EncodeAddress(pub)
}

// signup creates an account with a fresh wallet under the given code.
func (f *fixture) signup(t *testing.T, code string) *domain.Account {
	t.Helper()
	acc, err := f.referrals.Signup(context.Background(), models.SignupRequest{
		Email:         "user@example.com",
		WalletAddress: newWallet(t),
		ReferralCode:  code,
	})
	require.NoError(t, err)
	return acc
}

// payable creates a verified account that is due for payout.
func (f *fixture) payable(t *testing.T, code string) *domain.Account {
	t.Helper()
	acc := f.signup(t, code)
	require.NoError(t, f.store.SetVerified(context.Background(), acc.ID))
	return acc
}

func (f *fixture) account(t *testing.T, id string) *domain.Account {
	t.Helper()
	acc, err := f.store.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return acc
}

// failingStore fails BeginPayout for one account.
type failingStore struct {
	store.Store
	failBegin string
}

func (s *failingStore) BeginPayout(ctx context.Context, p domain.PendingPayout) error {
	if p.AccountID == s.failBegin {
		return errors.New("connection reset")
	}
	return s.Store.BeginPayout(ctx, p)
}

// contendedStore plays a second run that selected the same account: just
// before the engine records its transfer for victim, a foreign pending entry
// for that account lands.
type contendedStore struct {
	store.Store
	victim string
	once   sync.Once
}

func (s *contendedStore) BeginPayout(ctx context.Context, p domain.PendingPayout) error {
	if p.AccountID == s.victim {
		s.once.Do(func() {
			other := p
			other.TransactionID = "OTHER-RUN"
			_ = s.Store.BeginPayout(ctx, other)
		})
	}
	return s.Store.BeginPayout(ctx, p)
}

// lostLock loses ownership as soon as the holder tries to extend it.
type lostLock struct {
	lock.Locker
}

func (lostLock) Extend(context.Context, string, string, time.Duration) error {
	return lock.ErrNotHeld
}
