package domain

import (
	"time"
)

// RootAccountID is the reserved identifier of the root sentinel account.
// The root is credited on every signup and terminates every ancestor walk.
const RootAccountID = "GENESIS"

// RootReferralCode is the referral code carried by the root account.
const RootReferralCode = "GENESIS"

// Payout entry states.
const (
	PayoutPending   = "pending"
	PayoutConfirmed = "confirmed"
	PayoutFailed    = "failed"
)

// Account is a participant in the referral tree.
type Account struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	WalletAddress *string    `json:"wallet_address,omitempty"`
	ReferralCode  string     `json:"referral_code"`
	ReferredBy    string     `json:"referred_by,omitempty"`
	CreditBalance int64      `json:"credit_balance"`
	Referrals     []string   `json:"referrals"`
	Verified      bool       `json:"verified"`
	LastPaid      *time.Time `json:"last_paid,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// IsRoot reports whether the account is the root sentinel.
func (a *Account) IsRoot() bool {
	return a.ID == RootAccountID
}

// Wallet returns the wallet address or "" when none is set.
func (a *Account) Wallet() string {
	if a.WalletAddress == nil {
		return ""
	}
	return *a.WalletAddress
}

// PayoutEntry is one on-chain transfer made to an account.
type PayoutEntry struct {
	Amount        int64     `json:"amount"`
	TransactionID string    `json:"transaction_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// PayoutRecord is the append-only payout history of one account.
// It is created on first payout and never deleted.
type PayoutRecord struct {
	AccountID string        `json:"account_id"`
	Payouts   []PayoutEntry `json:"payouts"`
}

// Total sums the amounts of all entries.
func (r *PayoutRecord) Total() int64 {
	var total int64
	for _, p := range r.Payouts {
		total += p.Amount
	}
	return total
}

// PendingPayout is an entry whose transfer was signed and recorded but whose
// settlement has not been finalized yet. LastValid is the last round in
// which the network may still accept the transfer.
type PendingPayout struct {
	AccountID     string    `json:"account_id"`
	TransactionID string    `json:"transaction_id"`
	Amount        int64     `json:"amount"`
	LastValid     uint64    `json:"last_valid"`
	CreatedAt     time.Time `json:"created_at"`
}

// EligibilityFilter selects accounts for a settlement run.
type EligibilityFilter struct {
	// PaidBefore excludes accounts paid after this instant.
	PaidBefore time.Time
	Limit      int
}

// Campaign is a token airdrop open to claims until its budget is spent.
// At most one campaign per token name is active at a time.
type Campaign struct {
	ID             string    `json:"id"`
	TokenName      string    `json:"token_name"`
	AssetID        uint64    `json:"asset_id"`
	Decimals       int32     `json:"decimals"`
	AmountPerClaim int64     `json:"amount_per_claim"`
	TotalAmount    int64     `json:"total_amount"`
	ClaimedAmount  int64     `json:"claimed_amount"`
	Completed      bool      `json:"completed"`
	CreatedBy      string    `json:"created_by,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Remaining is the part of the budget not yet reserved by claims.
func (c *Campaign) Remaining() int64 {
	return c.TotalAmount - c.ClaimedAmount
}

// Claim is one address's share of a campaign. It uses the payout entry states.
type Claim struct {
	CampaignID    string    `json:"campaign_id"`
	Address       string    `json:"address"`
	Amount        int64     `json:"amount"`
	TransactionID string    `json:"transaction_id"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}
