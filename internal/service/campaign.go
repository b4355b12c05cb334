package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/refdrop/internal/domain"
	"github.com/punchamoorthee/refdrop/internal/ledger"
	"github.com/punchamoorthee/refdrop/internal/models"
	"github.com/punchamoorthee/refdrop/internal/store"
	"github.com/sirupsen/logrus"
)

// maxDecimals keeps 10^decimals inside uint64.
const maxDecimals = 19

var campaignClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "refdrop_campaign_claims_total",
	Help: "Campaign claim outcomes",
}, []string{"outcome"})

// CampaignService runs token airdrops: a fixed budget handed out in equal
// shares, one share per address.
type CampaignService struct {
	store         store.CampaignStore
	chain         LedgerClient
	signer        *ledger.Signer
	confirmRounds uint64
	log           logrus.FieldLogger
	now           func() time.Time
}

func NewCampaignService(s store.CampaignStore, chain LedgerClient, signer *ledger.Signer, confirmRounds uint64, log logrus.FieldLogger) *CampaignService {
	if confirmRounds == 0 {
		confirmRounds = DefaultConfirmRounds
	}
	return &CampaignService{store: s, chain: chain, signer: signer, confirmRounds: confirmRounds, log: log, now: time.Now}
}

func (c *CampaignService) Create(ctx context.Context, req models.CreateCampaignRequest) (*domain.Campaign, error) {
	name := strings.TrimSpace(req.TokenName)
	switch {
	case name == "":
		return nil, fmt.Errorf("%w: token_name is required", ErrValidation)
	case req.AssetID == 0:
		return nil, fmt.Errorf("%w: asset_id is required", ErrValidation)
	case req.AmountPerClaim <= 0:
		return nil, fmt.Errorf("%w: amount_per_claim must be positive", ErrValidation)
	case req.TotalAmount < req.AmountPerClaim:
		return nil, fmt.Errorf("%w: total_amount must cover at least one claim", ErrValidation)
	case req.Decimals < 0 || req.Decimals > maxDecimals:
		return nil, fmt.Errorf("%w: decimals must be between 0 and %d", ErrValidation, maxDecimals)
	}
	if _, err := toBaseUnits(req.AmountPerClaim, req.Decimals); err != nil {
		return nil, fmt.Errorf("%w: amount_per_claim is too large", ErrValidation)
	}

	campaign := &domain.Campaign{
		ID:             uuid.NewString(),
		TokenName:      name,
		AssetID:        req.AssetID,
		Decimals:       req.Decimals,
		AmountPerClaim: req.AmountPerClaim,
		TotalAmount:    req.TotalAmount,
		CreatedBy:      strings.TrimSpace(req.CreatedBy),
		CreatedAt:      c.now().UTC(),
	}
	if err := c.store.CreateCampaign(ctx, campaign); err != nil {
		if errors.Is(err, store.ErrCampaignActive) {
			return nil, ErrCampaignActive
		}
		return nil, fmt.Errorf("campaign create failed: %w", err)
	}

	c.log.WithFields(logrus.Fields{
		"campaign_id": campaign.ID,
		"token":       campaign.TokenName,
		"total":       campaign.TotalAmount,
	}).Info("campaign created")
	return campaign, nil
}

func (c *CampaignService) Active(ctx context.Context, tokenName string) (*domain.Campaign, error) {
	campaign, err := c.store.ActiveCampaign(ctx, tokenName)
	if errors.Is(err, store.ErrCampaignNotFound) {
		return nil, ErrCampaignNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("campaign lookup failed: %w", err)
	}
	return campaign, nil
}

// Claim sends one share of the token's active campaign to an address. The
// share is reserved against the budget before the transfer is submitted and
// handed back if the network refuses it. A transfer still unconfirmed after
// the wait keeps its reservation and is reported as pending.
func (c *CampaignService) Claim(ctx context.Context, tokenName string, req models.ClaimRequest) (*models.ClaimResponse, error) {
	address := strings.TrimSpace(req.Address)
	if !ledger.ValidAddress(address) {
		return nil, fmt.Errorf("%w: address is not a valid wallet address", ErrValidation)
	}
	if c.signer == nil {
		return nil, ErrSignerNotConfigured
	}

	campaign, err := c.Active(ctx, tokenName)
	if err != nil {
		return nil, err
	}
	log := c.log.WithFields(logrus.Fields{
		"campaign_id": campaign.ID,
		"address":     address,
	})

	holding, err := c.chain.AssetHolding(ctx, address, campaign.AssetID)
	if err != nil {
		return nil, fmt.Errorf("opt-in check failed: %w", err)
	}
	if !holding.OptedIn {
		return nil, ErrNotOptedIn
	}

	units, err := toBaseUnits(campaign.AmountPerClaim, campaign.Decimals)
	if err != nil {
		return nil, fmt.Errorf("amount conversion failed: %w", err)
	}
	params, err := c.chain.SuggestedParams(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not fetch network params: %w", err)
	}
	signed, err := c.signer.Sign(c.signer.NewTransfer(params, address, campaign.AssetID, units, "refdrop airdrop "+campaign.ID))
	if err != nil {
		return nil, fmt.Errorf("signing failed: %w", err)
	}
	log = log.WithField("tx_id", signed.ID)

	err = c.store.ReserveClaim(ctx, campaign.ID, domain.Claim{
		Address:       address,
		Amount:        campaign.AmountPerClaim,
		TransactionID: signed.ID,
		CreatedAt:     c.now().UTC(),
	})
	switch {
	case errors.Is(err, store.ErrAlreadyClaimed):
		return nil, ErrAlreadyClaimed
	case errors.Is(err, store.ErrCampaignExhausted):
		log.Info("campaign budget spent, campaign completed")
		return nil, ErrCampaignExhausted
	case errors.Is(err, store.ErrCampaignNotFound):
		return nil, ErrCampaignNotFound
	case err != nil:
		return nil, fmt.Errorf("claim reserve failed: %w", err)
	}

	resp := &models.ClaimResponse{
		CampaignID:    campaign.ID,
		Address:       address,
		Amount:        campaign.AmountPerClaim,
		TransactionID: signed.ID,
		Status:        domain.PayoutPending,
	}

	if _, err := c.chain.SendRawTransaction(ctx, signed.Bytes); err != nil {
		log.WithError(err).Error("claim submission failed")
		c.release(ctx, log, campaign.ID, address, signed.ID)
		campaignClaimsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	if _, err := c.chain.WaitForConfirmation(ctx, signed.ID, c.confirmRounds); err != nil {
		if errors.Is(err, ledger.ErrRejected) {
			log.WithError(err).Error("claim transfer rejected")
			c.release(ctx, log, campaign.ID, address, signed.ID)
			campaignClaimsTotal.WithLabelValues("failed").Inc()
			return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
		log.WithError(err).Warn("claim transfer not confirmed yet")
		campaignClaimsTotal.WithLabelValues("pending").Inc()
		return resp, nil
	}

	if err := c.store.CompleteClaim(ctx, campaign.ID, address, signed.ID); err != nil {
		log.WithError(err).Error("claim confirmed on chain but not recorded")
		campaignClaimsTotal.WithLabelValues("pending").Inc()
		return resp, nil
	}

	campaignClaimsTotal.WithLabelValues("confirmed").Inc()
	log.Info("claim paid")
	resp.Status = domain.PayoutConfirmed
	return resp, nil
}

func (c *CampaignService) release(ctx context.Context, log logrus.FieldLogger, campaignID, address, txID string) {
	if err := c.store.ReleaseClaim(ctx, campaignID, address, txID); err != nil {
		log.WithError(err).Error("could not release claim")
	}
}
