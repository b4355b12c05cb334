// Package ledger talks to the blockchain network that carries payouts: an
// algod-style node for submission and confirmation, and an indexer for
// historical lookups.
package ledger

import "errors"

var (
	ErrNotFound            = errors.New("ledger: not found")
	ErrConfirmationTimeout = errors.New("ledger: transaction not confirmed in time")
	ErrRejected            = errors.New("ledger: transaction rejected by pool")
)

// Holding is an account's position in one asset.
type Holding struct {
	AssetID uint64
	Amount  uint64
	OptedIn bool
}

// Params are the network parameters needed to build a transaction.
type Params struct {
	Fee         uint64
	MinFee      uint64
	FirstValid  uint64
	LastValid   uint64
	GenesisID   string
	GenesisHash string
}

// PendingInfo is the pool view of a submitted transaction.
type PendingInfo struct {
	ConfirmedRound uint64
	PoolError      string
}

// Confirmed reports whether the transaction made it into a block.
func (p PendingInfo) Confirmed() bool { return p.ConfirmedRound > 0 }

// Payment is a confirmed transfer as seen by the indexer. AssetID is zero
// for native payments.
type Payment struct {
	ID             string
	Sender         string
	Receiver       string
	AssetID        uint64
	Amount         uint64
	ConfirmedRound uint64
}
