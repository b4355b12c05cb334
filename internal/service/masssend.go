package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/refdrop/internal/lock"
	"github.com/punchamoorthee/refdrop/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	massSendLockKey = "mass-send"

	massSendSuccess = "success"
	massSendFailed  = "failed"
)

var massSendTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "refdrop_mass_send_transfers_total",
	Help: "Per-wallet mass send outcomes",
}, []string{"outcome"})

// MassSend transfers the same amount of an asset to every wallet opted in to
// it, batched like a payout run. Nothing is persisted; the response is the
// only record of which wallets were paid.
func (e *SettlementEngine) MassSend(ctx context.Context, req models.MassSendRequest) (*models.MassSendResponse, error) {
	switch {
	case req.AssetID == 0:
		return nil, fmt.Errorf("%w: asset_id is required", ErrValidation)
	case req.Amount <= 0:
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	case req.Decimals < 0 || req.Decimals > maxDecimals:
		return nil, fmt.Errorf("%w: decimals must be between 0 and %d", ErrValidation, maxDecimals)
	}
	units, err := toBaseUnits(req.Amount, req.Decimals)
	if err != nil {
		return nil, fmt.Errorf("%w: amount is too large", ErrValidation)
	}
	if e.signer == nil {
		return nil, ErrSignerNotConfigured
	}

	token, err := e.locker.Acquire(ctx, massSendLockKey, e.cfg.LockTTL)
	if errors.Is(err, lock.ErrHeld) {
		return nil, ErrRunInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("mass send lock failed: %w", err)
	}
	defer func() {
		if err := e.locker.Release(context.Background(), massSendLockKey, token); err != nil {
			e.log.WithError(err).Error("failed to release mass send lock")
		}
	}()

	holders, err := e.chain.AssetHolders(ctx, req.AssetID)
	if err != nil {
		return nil, fmt.Errorf("holder lookup failed: %w", err)
	}
	// The sending account holds the asset as well.
	recipients := make([]string, 0, len(holders))
	for _, addr := range holders {
		if addr != e.signer.Address() {
			recipients = append(recipients, addr)
		}
	}

	e.log.WithFields(logrus.Fields{
		"asset_id": req.AssetID,
		"wallets":  len(recipients),
		"units":    units,
	}).Info("mass send started")

	results := make([]models.MassSendResult, len(recipients))
	processed := e.forEachBatch(ctx, massSendLockKey, token, len(recipients), func(i int) {
		results[i] = e.sendTo(ctx, recipients[i], req.AssetID, units)
	})

	failed := 0
	for _, r := range results[:processed] {
		massSendTotal.WithLabelValues(r.Status).Inc()
		if r.Status != massSendSuccess {
			failed++
		}
	}
	e.log.WithFields(logrus.Fields{
		"sent":   processed - failed,
		"failed": failed,
	}).Info("mass send finished")

	return &models.MassSendResponse{
		Message:      "Mass send to opted-in wallets completed.",
		TotalWallets: len(recipients),
		Results:      results[:processed],
	}, nil
}

func (e *SettlementEngine) sendTo(ctx context.Context, address string, assetID, units uint64) models.MassSendResult {
	res := models.MassSendResult{Address: address, Status: massSendFailed}
	log := e.log.WithField("wallet", address)
	fail := func(err error, msg string) models.MassSendResult {
		log.WithError(err).Error(msg)
		res.Error = msg
		return res
	}

	params, err := e.chain.SuggestedParams(ctx)
	if err != nil {
		return fail(err, "could not fetch network params")
	}
	signed, err := e.signer.Sign(e.signer.NewTransfer(params, address, assetID, units, "refdrop mass send"))
	if err != nil {
		return fail(err, "signing failed")
	}
	res.TransactionID = signed.ID
	log = log.WithField("tx_id", signed.ID)

	if _, err := e.chain.SendRawTransaction(ctx, signed.Bytes); err != nil {
		return fail(err, "submission failed")
	}
	if _, err := e.chain.WaitForConfirmation(ctx, signed.ID, e.cfg.ConfirmRounds); err != nil {
		return fail(err, "transfer not confirmed")
	}
	res.Status = massSendSuccess
	return res
}
