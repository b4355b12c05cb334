package service

import "errors"

var (
	ErrValidation          = errors.New("validation failed")
	ErrInvalidReferralCode = errors.New("invalid referral code")
	ErrConflict            = errors.New("wallet address already registered")
	ErrAccountNotFound     = errors.New("account not found")
	ErrRootMissing         = errors.New("root account not provisioned")
	ErrSignerNotConfigured = errors.New("payout signer not configured")
	ErrRunInProgress       = errors.New("payout run already in progress")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrVerificationFailed  = errors.New("fee payment could not be verified")

	ErrCampaignNotFound  = errors.New("no active campaign for this token")
	ErrCampaignActive    = errors.New("an active campaign already exists for this token")
	ErrCampaignExhausted = errors.New("campaign is fully claimed")
	ErrAlreadyClaimed    = errors.New("address already claimed")
	ErrNotOptedIn        = errors.New("address has not opted in to the asset")
	ErrTransferFailed    = errors.New("transfer failed")
)
