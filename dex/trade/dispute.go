// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package trade

import (
	"fmt"
	"time"

	"github.com/tuskeNetwork/tuskex-sub001/dex"
)

// DisputeKind is the type of escalation.
type DisputeKind uint8

const (
	Mediation DisputeKind = iota
	Arbitration
	Refund
)

var disputeKindNames = map[DisputeKind]string{
	Mediation:   "mediation",
	Arbitration: "arbitration",
	Refund:      "refund",
}

// DisputeKinds lists all dispute kinds.
var DisputeKinds = []DisputeKind{Mediation, Arbitration, Refund}

// String implements Stringer.
func (k DisputeKind) String() string {
	if name, ok := disputeKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("DisputeKind(%d)", uint8(k))
}

// MarshalText marshals the DisputeKind as its name.
func (k DisputeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses a DisputeKind name.
func (k *DisputeKind) UnmarshalText(b []byte) error {
	kind, err := DisputeKindFromString(string(b))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// DisputeKindFromString parses a DisputeKind name.
func DisputeKindFromString(s string) (DisputeKind, error) {
	for k, name := range disputeKindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown dispute kind %q", s)
}

// Winner is the party favored by a dispute result.
type Winner uint8

const (
	WinnerBuyer Winner = iota
	WinnerSeller
)

// String implements Stringer.
func (w Winner) String() string {
	if w == WinnerBuyer {
		return "buyer"
	}
	return "seller"
}

// MarshalText marshals the Winner as its name.
func (w Winner) MarshalText() ([]byte, error) {
	return []byte(w.String()), nil
}

// UnmarshalText parses a Winner name.
func (w *Winner) UnmarshalText(b []byte) error {
	switch string(b) {
	case "buyer":
		*w = WinnerBuyer
	case "seller":
		*w = WinnerSeller
	default:
		return fmt.Errorf("unknown winner %q", string(b))
	}
	return nil
}

// ChatMessage is a trade or dispute chat line. Delivery fields are only
// meaningful on the sender's copy.
type ChatMessage struct {
	UID            string    `json:"uid"`
	TradeID        string    `json:"tradeId"`
	SenderIsTrader bool      `json:"senderIsTrader"`
	Text           string    `json:"text"`
	Date           time.Time `json:"date"`
	SystemMessage  bool      `json:"systemMessage"`
	// Dispute chat goes to the agent rather than the trade peer.
	Dispute         bool   `json:"dispute"`
	Arrived         bool   `json:"arrived"`
	StoredInMailbox bool   `json:"storedInMailbox"`
	Acknowledged    bool   `json:"acknowledged"`
	AckError        string `json:"ackError,omitempty"`
}

// DisputeResult is the agent's signed decision.
type DisputeResult struct {
	TradeID                      string      `json:"tradeId"`
	Kind                         DisputeKind `json:"kind"`
	Winner                       Winner      `json:"winner"`
	Reason                       string      `json:"reason"`
	BuyerPayoutAmountBeforeCost  uint64      `json:"buyerPayoutAmountBeforeCost"`
	SellerPayoutAmountBeforeCost uint64      `json:"sellerPayoutAmountBeforeCost"`
	SummaryNotes                 string      `json:"summaryNotes"`
	// SummaryText embeds the agent's signature block.
	SummaryText    string    `json:"summaryText"`
	AgentPubKey    dex.Bytes `json:"agentPubKey"`
	AgentSignature dex.Bytes `json:"agentSignature"`
	CloseDate      time.Time `json:"closeDate"`
	// AgentPayoutSig is the agent's payout signature for arbitration and
	// refund results. A trader completes the 2-of-3 payout with it.
	AgentPayoutSig dex.Bytes `json:"agentPayoutSig,omitempty"`
	PayoutTxHash   string    `json:"payoutTxHash,omitempty"`
}

// Dispute is an escalation of a trade to an agent.
type Dispute struct {
	TradeID       string      `json:"tradeId"`
	Kind          DisputeKind `json:"kind"`
	OpenerIsBuyer bool        `json:"openerIsBuyer"`
	OpenerIsMaker bool        `json:"openerIsMaker"`
	// IsOpener is true on the copy of the trader that opened the dispute.
	IsOpener     bool           `json:"isOpener"`
	AgentPubKey  dex.Bytes      `json:"agentPubKey"`
	ContractHash dex.Bytes      `json:"contractHash"`
	Contract     *Contract      `json:"contract"`
	ChatMessages []*ChatMessage `json:"chatMessages"`
	IsClosed     bool           `json:"isClosed"`
	Result       *DisputeResult `json:"result,omitempty"`
	OpeningDate  time.Time      `json:"openingDate"`
}

// DisputeKey is the storage key of a trade's dispute of a kind.
func DisputeKey(tradeID string, kind DisputeKind) string {
	return tradeID + ":" + kind.String()
}

// Key is the storage key of the dispute.
func (d *Dispute) Key() string {
	return DisputeKey(d.TradeID, d.Kind)
}

// HasChatMessage checks for a chat message by uid.
func (d *Dispute) HasChatMessage(uid string) bool {
	for _, m := range d.ChatMessages {
		if m.UID == uid {
			return true
		}
	}
	return false
}

// Copy makes a copy of the dispute that shares no mutable state with d.
func (d *Dispute) Copy() *Dispute {
	c := *d
	c.ChatMessages = make([]*ChatMessage, 0, len(d.ChatMessages))
	for _, m := range d.ChatMessages {
		mc := *m
		c.ChatMessages = append(c.ChatMessages, &mc)
	}
	if d.Result != nil {
		r := *d.Result
		c.Result = &r
	}
	return &c
}
