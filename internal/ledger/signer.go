package ledger

import (
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/base32"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// txDomain separates transaction signatures from any other signed payload.
var txDomain = []byte("TX")

// AssetTransfer moves Amount base units of AssetID from Sender to Receiver.
type AssetTransfer struct {
	Type        string `json:"type"`
	Sender      string `json:"snd"`
	Receiver    string `json:"arcv"`
	AssetID     uint64 `json:"xaid"`
	Amount      uint64 `json:"aamt"`
	Fee         uint64 `json:"fee"`
	FirstValid  uint64 `json:"fv"`
	LastValid   uint64 `json:"lv"`
	GenesisID   string `json:"gen"`
	GenesisHash string `json:"gh"`
	Note        []byte `json:"note,omitempty"`
}

// SignedTxn is a transaction ready for submission.
type SignedTxn struct {
	ID    string
	Bytes []byte
}

type signedEnvelope struct {
	Sig string          `json:"sig"`
	Txn json.RawMessage `json:"txn"`
}

// Signer holds the payout account key.
type Signer struct {
	key     ed25519.PrivateKey
	address string
}

// NewSigner builds a signer from a base64-encoded 32-byte ed25519 seed.
func NewSigner(seedB64 string) (*Signer, error) {
	seed, err := base64.StdEncoding.DecodeString(seedB64)
	if err != nil {
		return nil, errors.Wrap(err, "decode seed")
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	key := ed25519.NewKeyFromSeed(seed)
	return &Signer{key: key, address: EncodeAddress(key.Public().(ed25519.PublicKey))}, nil
}

// Address is the sender address of every transaction this signer produces.
func (s *Signer) Address() string { return s.address }

// NewTransfer builds an asset transfer from s to receiver using params.
func (s *Signer) NewTransfer(params Params, receiver string, assetID, amount uint64, note string) AssetTransfer {
	fee := params.Fee
	if fee < params.MinFee {
		fee = params.MinFee
	}
	return AssetTransfer{
		Type:        "axfer",
		Sender:      s.address,
		Receiver:    receiver,
		AssetID:     assetID,
		Amount:      amount,
		Fee:         fee,
		FirstValid:  params.FirstValid,
		LastValid:   params.LastValid,
		GenesisID:   params.GenesisID,
		GenesisHash: params.GenesisHash,
		Note:        []byte(note),
	}
}

// Sign signs txn. The ID is derived from the transaction body only, so it
// is known before submission.
func (s *Signer) Sign(txn AssetTransfer) (SignedTxn, error) {
	if txn.Sender != s.address {
		return SignedTxn{}, fmt.Errorf("sender %s does not match signer %s", txn.Sender, s.address)
	}
	body, err := json.Marshal(txn)
	if err != nil {
		return SignedTxn{}, errors.Wrap(err, "encode transaction")
	}

	msg := append(append([]byte{}, txDomain...), body...)
	sig := ed25519.Sign(s.key, msg)

	raw, err := json.Marshal(signedEnvelope{Sig: base64.StdEncoding.EncodeToString(sig), Txn: body})
	if err != nil {
		return SignedTxn{}, errors.Wrap(err, "encode envelope")
	}
	return SignedTxn{ID: TxID(body), Bytes: raw}, nil
}

// TxID returns the identifier of an encoded transaction body.
func TxID(body []byte) string {
	sum := sha512.Sum512_256(append(append([]byte{}, txDomain...), body...))
	return b32.EncodeToString(sum[:])
}

// EncodeAddress renders a public key as a checksummed base32 address.
func EncodeAddress(pub ed25519.PublicKey) string {
	sum := sha512.Sum512_256(pub)
	buf := make([]byte, 0, len(pub)+4)
	buf = append(buf, pub...)
	buf = append(buf, sum[len(sum)-4:]...)
	return b32.EncodeToString(buf)
}

// ValidAddress reports whether addr is a well-formed checksummed address.
func ValidAddress(addr string) bool {
	raw, err := b32.DecodeString(addr)
	if err != nil || len(raw) != ed25519.PublicKeySize+4 {
		return false
	}
	return EncodeAddress(raw[:ed25519.PublicKeySize]) == addr
}
