// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package msgjson defines the peer-to-peer trade protocol messages.
package msgjson

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/tuskeNetwork/tuskex-sub001/dex"
	"github.com/tuskeNetwork/tuskex-sub001/dex/offer"
	"github.com/tuskeNetwork/tuskex-sub001/dex/trade"
)

// Protocol routes, listed in protocol order.
const (
	// OfferAvailabilityRequestRoute is a taker's check that an offer can be
	// taken. Sent direct.
	OfferAvailabilityRequestRoute = "offer_availability_request"
	// OfferAvailabilityResponseRoute is the maker's answer.
	OfferAvailabilityResponseRoute = "offer_availability_response"
	// InitTradeRequestRoute starts a trade with the taker's reservation.
	InitTradeRequestRoute = "init_trade_request"
	// SignContractRequestRoute carries the maker-signed contract.
	SignContractRequestRoute = "sign_contract_request"
	// SignContractResponseRoute carries the taker's contract signature.
	SignContractResponseRoute = "sign_contract_response"
	// DepositPublishedRoute reports a trader's deposit tx.
	DepositPublishedRoute = "deposit_published"
	// PaymentSentRoute is the buyer's payment notice with its payout
	// signature.
	PaymentSentRoute = "payment_sent"
	// PaymentReceivedRoute is the seller's receipt with the payout tx hash.
	PaymentReceivedRoute = "payment_received"
	// DisputeOpenedRoute opens a dispute with the agent.
	DisputeOpenedRoute = "dispute_opened"
	// PeerOpenedDisputeRoute is the agent's notice to the other trader.
	PeerOpenedDisputeRoute = "peer_opened_dispute"
	// ChatMessageRoute is a trade or dispute chat line.
	ChatMessageRoute = "chat_message"
	// DisputeClosedRoute carries the agent's signed result.
	DisputeClosedRoute = "dispute_closed"
	// MediatedPayoutSignatureRoute is the first trader's signature on the
	// mediated payout.
	MediatedPayoutSignatureRoute = "mediated_payout_signature"
	// MediatedPayoutPublishedRoute reports the mediated payout tx.
	MediatedPayoutPublishedRoute = "mediated_payout_published"
	// AckRoute acknowledges any other message.
	AckRoute = "ack"
)

var routeRanks = map[string]int{
	OfferAvailabilityRequestRoute:  0,
	OfferAvailabilityResponseRoute: 1,
	InitTradeRequestRoute:          2,
	SignContractRequestRoute:       3,
	SignContractResponseRoute:      4,
	DepositPublishedRoute:          5,
	PaymentSentRoute:               6,
	PaymentReceivedRoute:           7,
	DisputeOpenedRoute:             8,
	PeerOpenedDisputeRoute:         9,
	ChatMessageRoute:               10,
	DisputeClosedRoute:             11,
	MediatedPayoutSignatureRoute:   12,
	MediatedPayoutPublishedRoute:   13,
	AckRoute:                       14,
}

// RouteRank is the position of the route in the protocol. Unknown routes
// sort last.
func RouteRank(route string) int {
	if r, ok := routeRanks[route]; ok {
		return r
	}
	return len(routeRanks)
}

// Message is the decrypted content of an envelope. Every message carries a
// unique UID and the ID of the trade it belongs to.
type Message struct {
	Route   string          `json:"route"`
	UID     string          `json:"uid"`
	TradeID string          `json:"tradeId"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage encodes the payload into a Message with a new UID.
func NewMessage(route, tradeID string, payload any) (*Message, error) {
	if route == "" {
		return nil, fmt.Errorf("empty route")
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Route:   route,
		UID:     uuid.NewString(),
		TradeID: tradeID,
		Payload: b,
	}, nil
}

// DecodeMessage decodes a *Message from JSON-formatted bytes.
func DecodeMessage(b []byte) (*Message, error) {
	msg := new(Message)
	if err := json.Unmarshal(b, msg); err != nil {
		return nil, err
	}
	if msg.Route == "" || msg.UID == "" {
		return nil, fmt.Errorf("message missing route or uid")
	}
	return msg, nil
}

// Unmarshal unmarshals the Payload field into the provided pointer.
func (msg *Message) Unmarshal(payload any) error {
	return json.Unmarshal(msg.Payload, payload)
}

// String prints the message as a JSON-encoded string.
func (msg *Message) String() string {
	b, err := json.Marshal(msg)
	if err != nil {
		return "[Message encode error]"
	}
	return string(b)
}

// Error is an error with a code, used by the RPC server.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error returns the error message. Satisfies the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("error code %d: %s", e.Code, e.Message)
}

// NewError is a constructor for an Error.
func NewError(code int, format string, a ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, a...),
	}
}

// Ack acknowledges a message by UID.
type Ack struct {
	SourceRoute  string `json:"sourceRoute"`
	SourceUID    string `json:"sourceUid"`
	SourceID     string `json:"sourceId"`
	Success      bool   `json:"success"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// OfferAvailabilityRequest asks the maker whether an offer can be taken.
type OfferAvailabilityRequest struct {
	OfferID string `json:"offerId"`
	Amount  uint64 `json:"amount"`
}

// OfferAvailabilityResponse answers an OfferAvailabilityRequest. The maker
// names the agent that will handle disputes for the trade.
type OfferAvailabilityResponse struct {
	RequestUID    string          `json:"requestUid"`
	OfferID       string          `json:"offerId"`
	State         offer.State     `json:"state"`
	Reason        string          `json:"reason,omitempty"`
	AgentNode     dex.NodeAddress `json:"agentNode,omitempty"`
	AgentRing     dex.PubKeyRing  `json:"agentRing"`
	AgentMultisig dex.Bytes       `json:"agentMultisig,omitempty"`
}

// InitTradeRequest is the taker's request to start the trade.
type InitTradeRequest struct {
	Offer              *offer.Offer    `json:"offer"`
	Amount             uint64          `json:"amount"`
	Price              uint64          `json:"price"`
	TakerFee           uint64          `json:"takerFee"`
	ReserveTxHash      string          `json:"reserveTxHash"`
	ReserveTxKeyImages []string        `json:"reserveTxKeyImages"`
	MultisigInfo       dex.Bytes       `json:"multisigInfo"`
	PayoutAddress      string          `json:"payoutAddress"`
	PaymentAccount     string          `json:"paymentAccount"`
	AgentNode          dex.NodeAddress `json:"agentNode"`
	AgentRing          dex.PubKeyRing  `json:"agentRing"`
	AgentMultisig      dex.Bytes       `json:"agentMultisig"`
}

// SignContractRequest carries the contract signed by the maker.
type SignContractRequest struct {
	Contract    *trade.Contract `json:"contract"`
	ContractSig dex.Bytes       `json:"contractSig"`
}

// SignContractResponse carries the taker's contract signature.
type SignContractResponse struct {
	ContractSig dex.Bytes `json:"contractSig"`
}

// DepositPublished reports a deposit tx.
type DepositPublished struct {
	DepositTxHash string `json:"depositTxHash"`
	DepositTxFee  uint64 `json:"depositTxFee"`
}

// PaymentSent is the buyer's notice that the counter currency was sent.
type PaymentSent struct {
	PayoutSig dex.Bytes `json:"payoutSig"`
}

// PaymentReceived is the seller's receipt, sent after the payout is
// published.
type PaymentReceived struct {
	PayoutTxHash string    `json:"payoutTxHash"`
	PayoutSig    dex.Bytes `json:"payoutSig"`
}

// DisputeOpened opens a dispute with the agent.
type DisputeOpened struct {
	Dispute     *trade.Dispute  `json:"dispute"`
	OpenerNode  dex.NodeAddress `json:"openerNode"`
	OpenerRing  dex.PubKeyRing  `json:"openerRing"`
	ContractSig dex.Bytes       `json:"contractSig"`
}

// PeerOpenedDispute notifies the other trader of a dispute.
type PeerOpenedDispute struct {
	Dispute *trade.Dispute `json:"dispute"`
}

// DisputeClosed carries the agent's result and closing chat message.
type DisputeClosed struct {
	Result      *trade.DisputeResult `json:"result"`
	ChatMessage *trade.ChatMessage   `json:"chatMessage"`
}

// MediatedPayoutSignature carries a trader's signature on the payout that
// follows a mediation result.
type MediatedPayoutSignature struct {
	PayoutSig          dex.Bytes `json:"payoutSig"`
	BuyerPayoutAmount  uint64    `json:"buyerPayoutAmount"`
	SellerPayoutAmount uint64    `json:"sellerPayoutAmount"`
}

// MediatedPayoutPublished reports the mediated payout tx.
type MediatedPayoutPublished struct {
	PayoutTxHash string `json:"payoutTxHash"`
}
