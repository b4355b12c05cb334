package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/punchamoorthee/refdrop/internal/domain"
	"github.com/punchamoorthee/refdrop/internal/ledger"
	"github.com/punchamoorthee/refdrop/internal/models"
	"github.com/punchamoorthee/refdrop/internal/store"
	"github.com/sirupsen/logrus"
)

type VerificationConfig struct {
	AssetID     uint64
	FeeReceiver string
	FeeAmount   uint64
}

// VerificationService checks on-chain facts about an account's wallet.
type VerificationService struct {
	store store.Store
	chain LedgerClient
	cfg   VerificationConfig
	log   logrus.FieldLogger
}

func NewVerificationService(s store.Store, chain LedgerClient, cfg VerificationConfig, log logrus.FieldLogger) *VerificationService {
	return &VerificationService{store: s, chain: chain, cfg: cfg, log: log}
}

// Verify marks the account verified once it has paid the registration fee:
// a confirmed payment of at least FeeAmount from the account's wallet to
// FeeReceiver. Verifying an already verified account is a no-op.
func (v *VerificationService) Verify(ctx context.Context, accountID string, req models.VerifyRequest) (*domain.Account, error) {
	acc, err := v.account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acc.Verified {
		return acc, nil
	}

	wallet := acc.Wallet()
	if wallet == "" {
		return nil, fmt.Errorf("%w: account has no wallet address", ErrValidation)
	}
	if w := strings.TrimSpace(req.WalletAddress); w != "" && w != wallet {
		return nil, fmt.Errorf("%w: wallet address does not match account", ErrValidation)
	}
	txID := strings.TrimSpace(req.TransactionID)
	if txID == "" {
		return nil, fmt.Errorf("%w: tx_id is required", ErrValidation)
	}
	if v.cfg.FeeReceiver == "" {
		return nil, errors.New("fee receiver not configured")
	}

	log := v.log.WithFields(logrus.Fields{"account_id": acc.ID, "tx_id": txID})

	payment, err := v.chain.LookupPayment(ctx, txID)
	if errors.Is(err, ledger.ErrNotFound) {
		log.Info("fee payment not found")
		return nil, ErrVerificationFailed
	}
	if err != nil {
		return nil, fmt.Errorf("fee payment lookup failed: %w", err)
	}

	switch {
	case payment.ConfirmedRound == 0:
		log.Info("fee payment not confirmed")
		return nil, ErrVerificationFailed
	case payment.AssetID != 0:
		log.WithField("asset_id", payment.AssetID).Info("fee paid in an asset instead of the native currency")
		return nil, ErrVerificationFailed
	case payment.Sender != wallet:
		log.WithField("sender", payment.Sender).Info("fee payment sent from another wallet")
		return nil, ErrVerificationFailed
	case payment.Receiver != v.cfg.FeeReceiver:
		log.WithField("receiver", payment.Receiver).Info("fee payment sent to wrong receiver")
		return nil, ErrVerificationFailed
	case payment.Amount < v.cfg.FeeAmount:
		log.WithField("paid", payment.Amount).Info("fee payment too small")
		return nil, ErrVerificationFailed
	}

	if err := v.store.SetVerified(ctx, acc.ID); err != nil {
		return nil, fmt.Errorf("set verified failed: %w", err)
	}
	acc.Verified = true
	log.Info("account verified")
	return acc, nil
}

// OptInStatus reports whether the account's wallet can receive the reward asset.
func (v *VerificationService) OptInStatus(ctx context.Context, accountID string) (bool, error) {
	acc, err := v.account(ctx, accountID)
	if err != nil {
		return false, err
	}
	if acc.Wallet() == "" {
		return false, nil
	}
	holding, err := v.chain.AssetHolding(ctx, acc.Wallet(), v.cfg.AssetID)
	if err != nil {
		return false, fmt.Errorf("asset holding lookup failed: %w", err)
	}
	return holding.OptedIn, nil
}

func (v *VerificationService) account(ctx context.Context, id string) (*domain.Account, error) {
	acc, err := v.store.GetAccount(ctx, id)
	if errors.Is(err, store.ErrAccountNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("account lookup failed: %w", err)
	}
	return acc, nil
}
