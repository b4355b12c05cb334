package models

import "github.com/punchamoorthee/refdrop/internal/domain"

// SignupRequest is the payload for account creation.
type SignupRequest struct {
	Email         string `json:"email"`
	WalletAddress string `json:"wallet_address"`
	ReferralCode  string `json:"referral_code"`
}

// SignupResponse is returned after a successful signup.
type SignupResponse struct {
	AccountID     string `json:"account_id"`
	ReferralCode  string `json:"referral_code"`
	CreditBalance int64  `json:"credit_balance"`
	WalletAddress string `json:"wallet_address,omitempty"`
	Verified      bool   `json:"verified"`
}

// VerifyRequest carries the fee payment transaction to check.
type VerifyRequest struct {
	WalletAddress string `json:"wallet_address"`
	TransactionID string `json:"tx_id"`
}

// PayoutRunRequest triggers a settlement run.
type PayoutRunRequest struct {
	Password string `json:"password"`
	Limit    int    `json:"limit"`
}

// PaidAccount is one successfully settled account in a run.
type PaidAccount struct {
	AccountID     string `json:"account_id"`
	Amount        int64  `json:"amount"`
	TransactionID string `json:"transaction_id"`
}

// PayoutRunResponse is the canonical response of a settlement run.
type PayoutRunResponse struct {
	Message string        `json:"message"`
	Payouts []PaidAccount `json:"payouts"`
	Skipped int           `json:"skipped"`
	Failed  int           `json:"failed"`
}

// PayoutHistoryResponse reports what an account has been paid so far.
type PayoutHistoryResponse struct {
	AccountID string               `json:"account_id"`
	TotalPaid int64                `json:"total_paid"`
	Payouts   []domain.PayoutEntry `json:"payouts"`
}

// TeamLevel is the number of referrals at one depth below an account.
type TeamLevel struct {
	Level int `json:"level"`
	Count int `json:"count"`
}

// OptInResponse reports whether an account's wallet can receive the reward asset.
type OptInResponse struct {
	OptedIn bool `json:"opted_in"`
}

// CreateCampaignRequest opens an airdrop campaign for a token.
type CreateCampaignRequest struct {
	Password       string `json:"password"`
	CreatedBy      string `json:"created_by"`
	TokenName      string `json:"token_name"`
	AssetID        uint64 `json:"asset_id"`
	Decimals       int32  `json:"decimals"`
	AmountPerClaim int64  `json:"amount_per_claim"`
	TotalAmount    int64  `json:"total_amount"`
}

// ClaimRequest names the address that receives a campaign share.
type ClaimRequest struct {
	Address string `json:"address"`
}

// ClaimResponse reports a claim transfer. Status is "confirmed", or
// "pending" when the transfer was submitted but not yet seen in a block.
type ClaimResponse struct {
	CampaignID    string `json:"campaign_id"`
	Address       string `json:"address"`
	Amount        int64  `json:"amount"`
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
}

// MassSendRequest sends a fixed amount of an asset to every opted-in holder.
type MassSendRequest struct {
	Password string `json:"password"`
	AssetID  uint64 `json:"asset_id"`
	Amount   int64  `json:"amount"`
	Decimals int32  `json:"decimals"`
}

// MassSendResult is the outcome for one recipient.
type MassSendResult struct {
	Address       string `json:"address"`
	TransactionID string `json:"transaction_id,omitempty"`
	Status        string `json:"status"`
	Error         string `json:"error,omitempty"`
}

// MassSendResponse summarizes a mass send.
type MassSendResponse struct {
	Message      string           `json:"message"`
	TotalWallets int              `json:"total_wallets"`
	Results      []MassSendResult `json:"results"`
}
