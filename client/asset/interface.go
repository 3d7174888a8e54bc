// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package asset defines the wallet the escrow core drives. The wallet's
// cryptography is opaque to the core. Only the contract below is relied on.
package asset

import (
	"context"
	"crypto/sha256"

	"github.com/tuskeNetwork/tuskex-sub001/dex/encode"
)

// Wallet is the wallet facade. All methods may fail with a transient error
// (see IsTransient), which callers retry, or a permanent error, which they
// surface.
type Wallet interface {
	// Connected is true if the wallet backend is reachable.
	Connected() bool
	// Synced is true once the wallet has caught up with the chain.
	Synced(ctx context.Context) (bool, error)
	// MultisigInfo is this wallet's participant key for 2-of-3 deposits.
	MultisigInfo(ctx context.Context) ([]byte, error)
	// CreateReserveTx builds, but does not broadcast, a transaction
	// reserving the offer or trade funds, and freezes its inputs. On error, a
	// partially built transaction may be returned whose inputs are frozen and
	// must be thawed by the caller.
	CreateReserveTx(ctx context.Context, params *ReserveTxParams) (*ReserveTx, error)
	// ThawOutputs unfreezes the outputs with the given key images.
	ThawOutputs(ctx context.Context, keyImages []string) error
	// Outputs lists wallet outputs matching the query.
	Outputs(ctx context.Context, query *OutputQuery) ([]*Output, error)
	// Balance is the total wallet balance, including locked funds.
	Balance(ctx context.Context) (uint64, error)
	// AvailableBalance is the unlocked balance. Frozen outputs are still
	// counted. Freezing only keeps them out of coin selection.
	AvailableBalance(ctx context.Context) (uint64, error)
	// GetOrCreateAddressEntry returns the owner's address entry for the
	// context, creating one from an AVAILABLE subaddress or a new one.
	GetOrCreateAddressEntry(ownerID string, context AddressContext) (*AddressEntry, error)
	// AddressEntry looks up an existing entry.
	AddressEntry(ownerID string, context AddressContext) (*AddressEntry, bool)
	// ResetAddressEntries swaps all of the owner's entries back to the
	// AVAILABLE context. Entries are never deleted.
	ResetAddressEntries(ownerID string) error
	// PublishDeposit spends the reserved inputs into the trade's 2-of-3
	// escrow, returning change to the wallet.
	PublishDeposit(ctx context.Context, params *DepositParams) (*DepositTx, error)
	// TxConfirmations is the number of confirmations of a tx. ErrNotFound is
	// returned for unknown txs.
	TxConfirmations(ctx context.Context, txHash string) (uint32, error)
	// SignPayout signs the payout of the trade's escrow.
	SignPayout(ctx context.Context, params *PayoutParams) ([]byte, error)
	// PublishPayout publishes the payout with two participant signatures.
	// Publishing a payout that is already on chain returns its hash.
	PublishPayout(ctx context.Context, params *PayoutParams, sigs [][]byte) (string, error)
	// Send sends from the subaddress to an external address. The tx fee is
	// deducted from the amount.
	Send(ctx context.Context, fromSubaddress uint32, toAddress string, amount uint64, memo string) (string, error)
	// BalanceChanges signals after any change to the wallet's outputs.
	BalanceChanges() <-chan struct{}
}

// ReserveTxParams are the terms of a reservation.
type ReserveTxParams struct {
	OwnerID         string
	PenaltyFee      uint64
	TradeFee        uint64
	SendAmount      uint64
	SecurityDeposit uint64
	ReturnAddress   string
	// Exact requests inputs that sum to the exact reserve amount.
	Exact bool
	// PreferredSubaddress, if set, is tried first for coin selection.
	PreferredSubaddress *uint32
}

// TxInput is a spent output, identified by key image.
type TxInput struct {
	KeyImage string `json:"keyImage"`
	Amount   uint64 `json:"amount"`
}

// ReserveTx is an unbroadcast reserve transaction.
type ReserveTx struct {
	Hash   string     `json:"hash"`
	Hex    string     `json:"hex"`
	Key    string     `json:"key"`
	Inputs []*TxInput `json:"inputs"`
	// ReservedAmount is the send amount plus security deposit.
	ReservedAmount uint64 `json:"reservedAmount"`
	// Fee is the network fee estimated for the deposit tx.
	Fee uint64 `json:"fee"`
}

// KeyImages lists the key images of the reserved inputs.
func (tx *ReserveTx) KeyImages() []string {
	kis := make([]string, 0, len(tx.Inputs))
	for _, in := range tx.Inputs {
		kis = append(kis, in.KeyImage)
	}
	return kis
}

// FrozenAmount is the sum of the reserved inputs.
func (tx *ReserveTx) FrozenAmount() uint64 {
	var sum uint64
	for _, in := range tx.Inputs {
		sum += in.Amount
	}
	return sum
}

// Output is a wallet output.
type Output struct {
	KeyImage        string `json:"keyImage"`
	TxHash          string `json:"txHash"`
	Amount          uint64 `json:"amount"`
	SubaddressIndex uint32 `json:"subaddressIndex"`
	Frozen          bool   `json:"frozen"`
	Spent           bool   `json:"spent"`
	Confirmations   uint32 `json:"confirmations"`
}

// OutputQuery filters Outputs.
type OutputQuery struct {
	FrozenOnly   bool
	IncludeSpent bool
	Subaddress   *uint32
}

// Matches checks the output against the query.
func (q *OutputQuery) Matches(o *Output) bool {
	if q == nil {
		return !o.Spent
	}
	if q.FrozenOnly && !o.Frozen {
		return false
	}
	if !q.IncludeSpent && o.Spent {
		return false
	}
	if q.Subaddress != nil && *q.Subaddress != o.SubaddressIndex {
		return false
	}
	return true
}

// DepositParams describe a trader's deposit into escrow.
type DepositParams struct {
	TradeID string
	// KeyImages are the reserved inputs to spend.
	KeyImages     []string
	DepositAmount uint64
	TradeFee      uint64
	// Participants are the MultisigInfo of maker, taker and agent.
	Participants [][]byte
}

// DepositTx is a published deposit.
type DepositTx struct {
	Hash   string `json:"hash"`
	Fee    uint64 `json:"fee"`
	Amount uint64 `json:"amount"`
}

// PayoutParams describe the payout of a trade's escrow.
type PayoutParams struct {
	TradeID       string `json:"tradeId"`
	BuyerAddress  string `json:"buyerAddress"`
	SellerAddress string `json:"sellerAddress"`
	BuyerAmount   uint64 `json:"buyerAmount"`
	SellerAmount  uint64 `json:"sellerAmount"`
}

// SigHash is the hash signed by payout participants.
func (p *PayoutParams) SigHash() []byte {
	b := encode.BuildyBytes{0}.
		AddData([]byte(p.TradeID)).
		AddData([]byte(p.BuyerAddress)).
		AddData([]byte(p.SellerAddress)).
		AddData(encode.Uint64Bytes(p.BuyerAmount)).
		AddData(encode.Uint64Bytes(p.SellerAmount))
	h := sha256.Sum256(b)
	return h[:]
}
