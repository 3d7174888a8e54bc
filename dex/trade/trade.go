// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package trade defines trades, their contracts, and disputes.
package trade

import (
	"crypto/sha256"
	"encoding/json"
	"time"

	"github.com/tuskeNetwork/tuskex-sub001/dex"
	"github.com/tuskeNetwork/tuskex-sub001/dex/offer"
)

// TradePeer is what a trader knows about one party of the trade.
type TradePeer struct {
	NodeAddress dex.NodeAddress `json:"nodeAddress"`
	PubKeyRing  dex.PubKeyRing  `json:"pubKeyRing"`
	// MultisigInfo is the party's wallet participant key for the 2-of-3
	// deposit.
	MultisigInfo       dex.Bytes `json:"multisigInfo,omitempty"`
	ReserveTxHash      string    `json:"reserveTxHash,omitempty"`
	ReserveTxKeyImages []string  `json:"reserveTxKeyImages,omitempty"`
	DepositTxHash      string    `json:"depositTxHash,omitempty"`
	DepositTxFee       uint64    `json:"depositTxFee"`
	PayoutAddress      string    `json:"payoutAddress,omitempty"`
	// PayoutSubaddress is the wallet subaddress of PayoutAddress. Only set
	// for Self.
	PayoutSubaddress  uint32    `json:"payoutSubaddress"`
	PayoutSig         dex.Bytes `json:"payoutSig,omitempty"`
	MediatedPayoutSig dex.Bytes `json:"mediatedPayoutSig,omitempty"`
	ContractSig       dex.Bytes `json:"contractSig,omitempty"`
	SecurityDeposit   uint64    `json:"securityDeposit"`
	PaymentAccount    string    `json:"paymentAccount,omitempty"`
}

// ProcessModel is the protocol state shared by all roles.
type ProcessModel struct {
	Self  TradePeer `json:"self"`
	Peer  TradePeer `json:"peer"`
	Agent TradePeer `json:"agent"`
	// MediationAccepted is set once this trader has sent its signature for
	// the mediated payout.
	MediationAccepted bool `json:"mediationAccepted"`
}

// Contract is the agreed trade, signed by both traders.
type Contract struct {
	TradeID               string          `json:"tradeId"`
	Offer                 *offer.Offer    `json:"offer"`
	Amount                uint64          `json:"amount"`
	Price                 uint64          `json:"price"`
	MakerIsBuyer          bool            `json:"makerIsBuyer"`
	MakerNode             dex.NodeAddress `json:"makerNode"`
	TakerNode             dex.NodeAddress `json:"takerNode"`
	MakerPubKeyRing       dex.PubKeyRing  `json:"makerPubKeyRing"`
	TakerPubKeyRing       dex.PubKeyRing  `json:"takerPubKeyRing"`
	AgentNode             dex.NodeAddress `json:"agentNode"`
	AgentPubKeyRing       dex.PubKeyRing  `json:"agentPubKeyRing"`
	MakerReserveTxHash    string          `json:"makerReserveTxHash"`
	TakerReserveTxHash    string          `json:"takerReserveTxHash"`
	MakerMultisigInfo     dex.Bytes       `json:"makerMultisigInfo"`
	TakerMultisigInfo     dex.Bytes       `json:"takerMultisigInfo"`
	AgentMultisigInfo     dex.Bytes       `json:"agentMultisigInfo"`
	BuyerPayoutAddress    string          `json:"buyerPayoutAddress"`
	SellerPayoutAddress   string          `json:"sellerPayoutAddress"`
	BuyerSecurityDeposit  uint64          `json:"buyerSecurityDeposit"`
	SellerSecurityDeposit uint64          `json:"sellerSecurityDeposit"`
	MakerPaymentAccount   string          `json:"makerPaymentAccount"`
	TakerPaymentAccount   string          `json:"takerPaymentAccount"`
	Date                  int64           `json:"date"`
}

// Hash is the SHA-256 hash of the contract's JSON encoding. Both traders sign
// it.
func (c *Contract) Hash() []byte {
	b, err := json.Marshal(c)
	if err != nil {
		// Every field is a plain value.
		panic("contract encoding failed: " + err.Error())
	}
	h := sha256.Sum256(b)
	return h[:]
}

// BuyerNode is the node address of the buyer.
func (c *Contract) BuyerNode() dex.NodeAddress {
	if c.MakerIsBuyer {
		return c.MakerNode
	}
	return c.TakerNode
}

// SellerNode is the node address of the seller.
func (c *Contract) SellerNode() dex.NodeAddress {
	if c.MakerIsBuyer {
		return c.TakerNode
	}
	return c.MakerNode
}

// BuyerPubKeyRing is the key ring of the buyer.
func (c *Contract) BuyerPubKeyRing() dex.PubKeyRing {
	if c.MakerIsBuyer {
		return c.MakerPubKeyRing
	}
	return c.TakerPubKeyRing
}

// SellerPubKeyRing is the key ring of the seller.
func (c *Contract) SellerPubKeyRing() dex.PubKeyRing {
	if c.MakerIsBuyer {
		return c.TakerPubKeyRing
	}
	return c.MakerPubKeyRing
}

// Trade is a single trade as seen by one of its parties, or by the dispute
// agent when Role is Arbitrator.
type Trade struct {
	ID           string       `json:"id"`
	Role         Role         `json:"role"`
	Offer        *offer.Offer `json:"offer"`
	Amount       uint64       `json:"amount"`
	Price        uint64       `json:"price"`
	Phase        Phase        `json:"phase"`
	State        State        `json:"state"`
	DisputeState DisputeState `json:"disputeState"`
	ProcessModel ProcessModel `json:"processModel"`
	// FrozenAmount is the value of this trade's frozen, unspent wallet
	// outputs. It drops to zero once the own deposit is published.
	FrozenAmount       uint64         `json:"frozenAmount"`
	ReservedAmount     uint64         `json:"reservedAmount"`
	MakerFee           uint64         `json:"makerFee"`
	TakerFee           uint64         `json:"takerFee"`
	BuyerPayoutAmount  uint64         `json:"buyerPayoutAmount"`
	SellerPayoutAmount uint64         `json:"sellerPayoutAmount"`
	PayoutTxHash       string         `json:"payoutTxHash,omitempty"`
	WithdrawTxHash     string         `json:"withdrawTxHash,omitempty"`
	ErrorMessage       string         `json:"errorMessage,omitempty"`
	Stalled            bool           `json:"stalled"`
	ChatMessages       []*ChatMessage `json:"chatMessages,omitempty"`
	Contract           *Contract      `json:"contract,omitempty"`
	ContractHash       dex.Bytes      `json:"contractHash,omitempty"`
	StartTime          time.Time      `json:"startTime"`
}

// SetState advances the trade to the state, updating the Phase. A state from
// an earlier phase is refused and false is returned.
func (t *Trade) SetState(s State) bool {
	if s.Phase() < t.Phase {
		return false
	}
	t.State = s
	t.Phase = s.Phase()
	return true
}

// TradeFee is the fee paid by this trader.
func (t *Trade) TradeFee() uint64 {
	if t.Role.IsMaker() {
		return t.MakerFee
	}
	return t.TakerFee
}

// SecurityDeposit is this trader's security deposit.
func (t *Trade) SecurityDeposit() uint64 {
	return t.Offer.SecurityDeposit(t.Amount, t.Role.IsBuyer())
}

// SendAmount is the trade amount sent into escrow by this trader. Only the
// seller sends the traded amount.
func (t *Trade) SendAmount() uint64 {
	if t.Role.IsSeller() {
		return t.Amount
	}
	return 0
}

// FundsLockedIn is true while the trade has frozen wallet outputs that are
// not yet spent by its deposit.
func (t *Trade) FundsLockedIn() bool {
	return t.FrozenAmount != 0
}

// IsDepositsPublished is true once both deposits are known.
func (t *Trade) IsDepositsPublished() bool {
	return t.ProcessModel.Self.DepositTxHash != "" && t.ProcessModel.Peer.DepositTxHash != ""
}

// IsPayoutPublished is true once a payout tx is known.
func (t *Trade) IsPayoutPublished() bool {
	return t.PayoutTxHash != ""
}

// IsCompleted is true for completed trades.
func (t *Trade) IsCompleted() bool {
	return t.Phase == PhaseCompleted
}

// BuyerPeer is the buyer's TradePeer.
func (t *Trade) BuyerPeer() *TradePeer {
	if t.Role.IsBuyer() {
		return &t.ProcessModel.Self
	}
	return &t.ProcessModel.Peer
}

// SellerPeer is the seller's TradePeer.
func (t *Trade) SellerPeer() *TradePeer {
	if t.Role.IsSeller() {
		return &t.ProcessModel.Self
	}
	return &t.ProcessModel.Peer
}

// HasChatMessage checks for a chat message by uid.
func (t *Trade) HasChatMessage(uid string) bool {
	for _, m := range t.ChatMessages {
		if m.UID == uid {
			return true
		}
	}
	return false
}

// ChatMessage finds a chat message by uid.
func (t *Trade) ChatMessage(uid string) *ChatMessage {
	for _, m := range t.ChatMessages {
		if m.UID == uid {
			return m
		}
	}
	return nil
}

// Copy makes a copy of the trade that shares no mutable state with t. The
// Contract is immutable once set and is shared.
func (t *Trade) Copy() *Trade {
	c := *t
	if t.Offer != nil {
		c.Offer = t.Offer.Copy()
	}
	c.ChatMessages = make([]*ChatMessage, 0, len(t.ChatMessages))
	for _, m := range t.ChatMessages {
		mc := *m
		c.ChatMessages = append(c.ChatMessages, &mc)
	}
	c.ProcessModel.Self.ReserveTxKeyImages = append([]string(nil), t.ProcessModel.Self.ReserveTxKeyImages...)
	c.ProcessModel.Peer.ReserveTxKeyImages = append([]string(nil), t.ProcessModel.Peer.ReserveTxKeyImages...)
	return &c
}
