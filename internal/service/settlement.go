package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/refdrop/internal/domain"
	"github.com/punchamoorthee/refdrop/internal/ledger"
	"github.com/punchamoorthee/refdrop/internal/lock"
	"github.com/punchamoorthee/refdrop/internal/models"
	"github.com/punchamoorthee/refdrop/internal/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	DefaultPayoutLimit   = 1250
	DefaultBatchSize     = 10
	DefaultAssetDecimals = 10
	DefaultConfirmRounds = 4
	DefaultRunLockTTL    = 30 * time.Minute

	runLockKey = "payout-run"

	// reconcileGraceRounds covers indexer lag before a dropped transfer
	// past its validity window is declared failed.
	reconcileGraceRounds = 10
)

var (
	payoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refdrop_payouts_total",
		Help: "Per-account settlement outcomes",
	}, []string{"outcome"})

	payoutCreditsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "refdrop_payout_credits_total",
		Help: "Credit units paid out and confirmed",
	})

	payoutRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "refdrop_payout_run_duration_seconds",
		Help:    "Wall time of settlement runs",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})
)

// LedgerClient is the part of the ledger the services depend on.
type LedgerClient interface {
	AssetHolding(ctx context.Context, address string, assetID uint64) (ledger.Holding, error)
	SuggestedParams(ctx context.Context) (ledger.Params, error)
	SendRawTransaction(ctx context.Context, signed []byte) (string, error)
	WaitForConfirmation(ctx context.Context, txID string, rounds uint64) (uint64, error)
	PendingTransaction(ctx context.Context, txID string) (ledger.PendingInfo, error)
	LookupPayment(ctx context.Context, txID string) (ledger.Payment, error)
	LastRound(ctx context.Context) (uint64, error)
	AssetHolders(ctx context.Context, assetID uint64) ([]string, error)
}

type SettlementConfig struct {
	AssetID uint64
	// AssetDecimals is used as given; zero is a valid value for indivisible
	// assets. Only a negative value falls back to DefaultAssetDecimals.
	AssetDecimals int32
	BatchSize     int
	// BatchInterval is the minimum spacing between batches. Zero disables throttling.
	BatchInterval time.Duration
	DefaultLimit  int
	ConfirmRounds uint64
	LockTTL       time.Duration
}

type RunOptions struct {
	Limit int
}

// RunReport summarizes one settlement run. Payouts lists only accounts whose
// transfer confirmed and whose balance was settled.
type RunReport struct {
	Payouts []models.PaidAccount
	Skipped int
	Failed  int
}

type outcome int

const (
	outcomePaid outcome = iota
	outcomeSkipped
	outcomeFailed
)

func (o outcome) String() string {
	switch o {
	case outcomePaid:
		return "paid"
	case outcomeSkipped:
		return "skipped"
	default:
		return "failed"
	}
}

type settlement struct {
	outcome outcome
	paid    models.PaidAccount
}

type SettlementEngine struct {
	store   store.Store
	chain   LedgerClient
	signer  *ledger.Signer
	locker  lock.Locker
	limiter *rate.Limiter
	cfg     SettlementConfig
	log     logrus.FieldLogger
	now     func() time.Time
}

// NewSettlementEngine wires the engine. A nil signer is accepted so the API
// can start without payout credentials; Run then fails with
// ErrSignerNotConfigured. A nil locker falls back to an in-process lock.
func NewSettlementEngine(s store.Store, chain LedgerClient, signer *ledger.Signer, locker lock.Locker, cfg SettlementConfig, log logrus.FieldLogger) *SettlementEngine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = DefaultPayoutLimit
	}
	if cfg.AssetDecimals < 0 {
		cfg.AssetDecimals = DefaultAssetDecimals
	}
	if cfg.ConfirmRounds == 0 {
		cfg.ConfirmRounds = DefaultConfirmRounds
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultRunLockTTL
	}
	if locker == nil {
		locker = lock.NewMemory()
	}

	e := &SettlementEngine{
		store:  s,
		chain:  chain,
		signer: signer,
		locker: locker,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
	}
	if cfg.BatchInterval > 0 {
		e.limiter = rate.NewLimiter(rate.Every(cfg.BatchInterval), 1)
	}
	return e
}

// Run settles every eligible account, up to opts.Limit of them. Batches run
// one after another; accounts inside a batch run concurrently. A failure on
// one account never aborts the run.
func (e *SettlementEngine) Run(ctx context.Context, opts RunOptions) (*RunReport, error) {
	if e.signer == nil {
		return nil, ErrSignerNotConfigured
	}
	if _, err := e.store.GetAccount(ctx, domain.RootAccountID); err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, ErrRootMissing
		}
		return nil, fmt.Errorf("root lookup failed: %w", err)
	}

	token, err := e.locker.Acquire(ctx, runLockKey, e.cfg.LockTTL)
	if errors.Is(err, lock.ErrHeld) {
		return nil, ErrRunInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("run lock failed: %w", err)
	}
	defer func() {
		if err := e.locker.Release(context.Background(), runLockKey, token); err != nil {
			e.log.WithError(err).Error("failed to release payout run lock")
		}
	}()

	timer := prometheus.NewTimer(payoutRunDuration)
	defer timer.ObserveDuration()

	e.reconcile(ctx)

	limit := opts.Limit
	if limit <= 0 {
		limit = e.cfg.DefaultLimit
	}
	accounts, err := e.store.ListEligible(ctx, domain.EligibilityFilter{
		PaidBefore: e.now().AddDate(0, -1, 0),
		Limit:      limit,
	})
	if err != nil {
		return nil, fmt.Errorf("eligibility query failed: %w", err)
	}

	e.log.WithFields(logrus.Fields{
		"eligible":   len(accounts),
		"batch_size": e.cfg.BatchSize,
	}).Info("payout run started")

	results := make([]settlement, len(accounts))
	processed := e.forEachBatch(ctx, runLockKey, token, len(accounts), func(i int) {
		results[i] = e.settle(ctx, accounts[i])
	})

	report := &RunReport{Payouts: []models.PaidAccount{}}
	for _, r := range results[:processed] {
		payoutsTotal.WithLabelValues(r.outcome.String()).Inc()
		switch r.outcome {
		case outcomePaid:
			report.Payouts = append(report.Payouts, r.paid)
			payoutCreditsTotal.Add(float64(r.paid.Amount))
		case outcomeSkipped:
			report.Skipped++
		default:
			report.Failed++
		}
	}

	e.log.WithFields(logrus.Fields{
		"paid":    len(report.Payouts),
		"skipped": report.Skipped,
		"failed":  report.Failed,
	}).Info("payout run finished")
	return report, nil
}

// forEachBatch calls fn for indexes [0, n) in batches of BatchSize. Batches
// run one after another and the calls inside a batch run concurrently. The
// run lock is extended after every batch; if it was lost, or the throttle
// fails, no further batch starts. It returns how many indexes were handled.
func (e *SettlementEngine) forEachBatch(ctx context.Context, lockKey, token string, n int, fn func(i int)) int {
	processed := 0
	for start := 0; start < n; start += e.cfg.BatchSize {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				e.log.WithError(err).Warn("run interrupted between batches")
				break
			}
		}
		end := min(start+e.cfg.BatchSize, n)

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				fn(i)
			}()
		}
		wg.Wait()
		processed = end

		if end < n {
			if err := e.locker.Extend(ctx, lockKey, token, e.cfg.LockTTL); err != nil {
				e.log.WithError(err).WithField("processed", processed).Error("run lock lost, stopping before next batch")
				break
			}
		}
	}
	return processed
}

// settle pays one account its stored balance. The transfer is recorded as
// pending before it is submitted so a crash between submission and
// finalization is recovered by reconcile instead of paying twice.
func (e *SettlementEngine) settle(ctx context.Context, acc domain.Account) settlement {
	wallet := acc.Wallet()
	log := e.log.WithFields(logrus.Fields{
		"account_id": acc.ID,
		"wallet":     wallet,
		"amount":     acc.CreditBalance,
	})
	failed := settlement{outcome: outcomeFailed}

	holding, err := e.chain.AssetHolding(ctx, wallet, e.cfg.AssetID)
	if err != nil {
		log.WithError(err).Error("opt-in check failed")
		return failed
	}
	if !holding.OptedIn {
		log.Info("wallet not opted in to reward asset, skipping")
		return settlement{outcome: outcomeSkipped}
	}

	units, err := toBaseUnits(acc.CreditBalance, e.cfg.AssetDecimals)
	if err != nil {
		log.WithError(err).Error("amount conversion failed")
		return failed
	}

	params, err := e.chain.SuggestedParams(ctx)
	if err != nil {
		log.WithError(err).Error("could not fetch network params")
		return failed
	}
	txn := e.signer.NewTransfer(params, wallet, e.cfg.AssetID, units, "refdrop payout "+acc.ID)
	signed, err := e.signer.Sign(txn)
	if err != nil {
		log.WithError(err).Error("signing failed")
		return failed
	}
	log = log.WithField("tx_id", signed.ID)

	err = e.store.BeginPayout(ctx, domain.PendingPayout{
		AccountID:     acc.ID,
		TransactionID: signed.ID,
		Amount:        acc.CreditBalance,
		LastValid:     txn.LastValid,
		CreatedAt:     e.now().UTC(),
	})
	switch {
	case errors.Is(err, store.ErrPayoutInFlight):
		log.Warn("account already has a transfer in flight, skipping")
		return failed
	case errors.Is(err, store.ErrTxReused):
		log.Warn("transaction id already used by a settled or failed payout, retrying next run")
		return failed
	case err != nil:
		log.WithError(err).Error("could not record pending payout")
		return failed
	}

	if _, err := e.chain.SendRawTransaction(ctx, signed.Bytes); err != nil {
		log.WithError(err).Error("submission failed")
		e.abort(ctx, log, acc.ID, signed.ID)
		return failed
	}

	if _, err := e.chain.WaitForConfirmation(ctx, signed.ID, e.cfg.ConfirmRounds); err != nil {
		if errors.Is(err, ledger.ErrRejected) {
			log.WithError(err).Error("transfer rejected")
			e.abort(ctx, log, acc.ID, signed.ID)
			return failed
		}
		log.WithError(err).Warn("transfer not confirmed, left pending for reconciliation")
		return failed
	}

	settled, err := e.store.CompletePayout(ctx, acc.ID, signed.ID, e.now().UTC())
	if err != nil {
		log.WithError(err).Error("transfer confirmed but settlement not recorded, left pending for reconciliation")
		return failed
	}
	if !settled {
		log.Warn("payout already settled")
		return failed
	}

	log.Info("payout settled")
	return settlement{
		outcome: outcomePaid,
		paid: models.PaidAccount{
			AccountID:     acc.ID,
			Amount:        acc.CreditBalance,
			TransactionID: signed.ID,
		},
	}
}

func (e *SettlementEngine) abort(ctx context.Context, log logrus.FieldLogger, accountID, txID string) {
	if err := e.store.AbortPayout(ctx, accountID, txID); err != nil {
		log.WithError(err).Error("could not mark payout failed")
	}
}

// reconcile resolves entries left pending by an earlier run. Confirmed
// transfers are finalized, rejected or expired ones are marked failed and
// those still in flight are left alone.
func (e *SettlementEngine) reconcile(ctx context.Context) {
	pending, err := e.store.ListPendingPayouts(ctx)
	if err != nil {
		e.log.WithError(err).Error("could not list pending payouts")
		return
	}

	for _, p := range pending {
		log := e.log.WithFields(logrus.Fields{
			"account_id": p.AccountID,
			"tx_id":      p.TransactionID,
		})

		info, err := e.chain.PendingTransaction(ctx, p.TransactionID)
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			e.resolveDropped(ctx, log, p)
		case err != nil:
			log.WithError(err).Error("could not query pending payout")
		case info.Confirmed():
			e.finalize(ctx, log, p)
		case info.PoolError != "":
			log.WithField("pool_error", info.PoolError).Warn("pending payout rejected, marking failed")
			e.abort(ctx, log, p.AccountID, p.TransactionID)
		default:
			log.Info("payout still in pool")
		}
	}
}

// resolveDropped settles an entry the node no longer reports. The node
// forgets confirmed transactions after a while, so the indexer is asked
// first; the entry is failed only once the network has moved past the
// transfer's validity window.
func (e *SettlementEngine) resolveDropped(ctx context.Context, log logrus.FieldLogger, p domain.PendingPayout) {
	payment, err := e.chain.LookupPayment(ctx, p.TransactionID)
	switch {
	case err == nil && payment.ConfirmedRound > 0:
		e.finalize(ctx, log, p)
		return
	case err != nil && !errors.Is(err, ledger.ErrNotFound):
		log.WithError(err).Error("could not look up pending payout")
		return
	}

	round, err := e.chain.LastRound(ctx)
	if err != nil {
		log.WithError(err).Error("could not read network round")
		return
	}
	if round <= p.LastValid+reconcileGraceRounds {
		log.WithFields(logrus.Fields{
			"round":      round,
			"last_valid": p.LastValid,
		}).Info("pending payout not found yet, still within its validity window")
		return
	}
	log.WithField("last_valid", p.LastValid).Warn("pending payout expired unconfirmed, marking failed")
	e.abort(ctx, log, p.AccountID, p.TransactionID)
}

func (e *SettlementEngine) finalize(ctx context.Context, log logrus.FieldLogger, p domain.PendingPayout) {
	settled, err := e.store.CompletePayout(ctx, p.AccountID, p.TransactionID, e.now().UTC())
	if err != nil {
		log.WithError(err).Error("could not finalize reconciled payout")
		return
	}
	if settled {
		payoutCreditsTotal.Add(float64(p.Amount))
		log.Info("reconciled confirmed payout")
	}
}

// History returns the confirmed payouts of an account and their total.
func (e *SettlementEngine) History(ctx context.Context, accountID string) (*models.PayoutHistoryResponse, error) {
	if _, err := e.store.GetAccount(ctx, accountID); err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("account lookup failed: %w", err)
	}

	resp := &models.PayoutHistoryResponse{AccountID: accountID, Payouts: []domain.PayoutEntry{}}
	record, err := e.store.GetPayoutRecord(ctx, accountID)
	if errors.Is(err, store.ErrPayoutNotFound) {
		return resp, nil
	}
	if err != nil {
		return nil, fmt.Errorf("payout record lookup failed: %w", err)
	}
	resp.Payouts = record.Payouts
	resp.TotalPaid = record.Total()
	return resp, nil
}

// toBaseUnits converts whole credit units to the asset's smallest unit.
func toBaseUnits(credits int64, decimals int32) (uint64, error) {
	if credits <= 0 {
		return 0, fmt.Errorf("non-positive amount %d", credits)
	}
	units := decimal.NewFromInt(credits).Shift(decimals).BigInt()
	if !units.IsUint64() {
		return 0, fmt.Errorf("amount %d overflows base units at %d decimals", credits, decimals)
	}
	return units.Uint64(), nil
}
