package store

import (
	"context"
	"errors"
	"time"

	"github.com/punchamoorthee/refdrop/internal/domain"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrWalletInUse     = errors.New("wallet address already in use")
	ErrCodeInUse       = errors.New("referral code already in use")
	ErrPayoutNotFound  = errors.New("payout not found")
	ErrPayoutInFlight  = errors.New("account already has a pending payout")
	ErrTxReused        = errors.New("transaction id already recorded")

	ErrCampaignNotFound  = errors.New("campaign not found")
	ErrCampaignActive    = errors.New("an active campaign already exists for this token")
	ErrCampaignExhausted = errors.New("campaign is fully claimed")
	ErrAlreadyClaimed    = errors.New("address already claimed")
)

// Tx is the set of operations available inside a store transaction.
// Everything done through a Tx commits or rolls back together.
type Tx interface {
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	GetAccountByReferralCode(ctx context.Context, code string) (*domain.Account, error)
	InsertAccount(ctx context.Context, acc *domain.Account) error

	// Credit atomically adds amount to the account balance and unions
	// descendantID into its referrals at the given level.
	Credit(ctx context.Context, accountID, descendantID string, level int, amount int64) error
}

// Store is the account and payout-history store.
type Store interface {
	// WithTx runs fn in a single transaction. A non-nil error from fn rolls
	// back every write made through the Tx.
	WithTx(ctx context.Context, fn func(Tx) error) error

	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	GetAccountByWallet(ctx context.Context, wallet string) (*domain.Account, error)
	EnsureRoot(ctx context.Context) error
	SetVerified(ctx context.Context, id string) error
	TeamCounts(ctx context.Context, id string, depth int) (map[int]int, error)

	// ListEligible returns accounts due for payout ordered by creation time.
	ListEligible(ctx context.Context, f domain.EligibilityFilter) ([]domain.Account, error)

	// BeginPayout records a pending entry for a signed transfer. Recording the
	// same pending entry twice is a no-op. It fails with ErrPayoutInFlight if
	// the account has another pending entry and with ErrTxReused if the
	// transaction ID belongs to an entry that already settled or failed.
	BeginPayout(ctx context.Context, p domain.PendingPayout) error
	// CompletePayout confirms the entry, decrements the balance by its amount
	// and stamps last_paid. It returns false if the entry was already settled.
	CompletePayout(ctx context.Context, accountID, txID string, at time.Time) (bool, error)
	// AbortPayout marks a pending entry failed; the balance is untouched.
	AbortPayout(ctx context.Context, accountID, txID string) error
	ListPendingPayouts(ctx context.Context) ([]domain.PendingPayout, error)
	GetPayoutRecord(ctx context.Context, accountID string) (*domain.PayoutRecord, error)

	Close()
}

// CampaignStore holds airdrop campaigns and their claims.
type CampaignStore interface {
	// CreateCampaign fails with ErrCampaignActive if the token already has
	// an uncompleted campaign.
	CreateCampaign(ctx context.Context, c *domain.Campaign) error
	ActiveCampaign(ctx context.Context, tokenName string) (*domain.Campaign, error)

	// ReserveClaim records a pending claim and reserves its amount against
	// the campaign budget. A campaign that cannot cover another claim is
	// marked completed and ErrCampaignExhausted is returned.
	ReserveClaim(ctx context.Context, campaignID string, claim domain.Claim) error
	// CompleteClaim marks a pending claim confirmed.
	CompleteClaim(ctx context.Context, campaignID, address, txID string) error
	// ReleaseClaim marks a pending claim failed and returns its amount to
	// the campaign budget.
	ReleaseClaim(ctx context.Context, campaignID, address, txID string) error
}
