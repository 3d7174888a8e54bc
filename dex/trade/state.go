// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package trade

import "fmt"

// Phase is the trade's position on the happy path. Phases are totally
// ordered and a trade's Phase never decreases.
type Phase uint8

const (
	PhaseInit Phase = iota
	PhaseDepositsPublished
	PhaseDepositsUnlocked
	PhasePaymentSent
	PhasePaymentReceived
	PhasePayoutPublished
	PhaseCompleted
)

var phaseNames = map[Phase]string{
	PhaseInit:              "INIT",
	PhaseDepositsPublished: "DEPOSITS_PUBLISHED",
	PhaseDepositsUnlocked:  "DEPOSITS_UNLOCKED",
	PhasePaymentSent:       "PAYMENT_SENT",
	PhasePaymentReceived:   "PAYMENT_RECEIVED",
	PhasePayoutPublished:   "PAYOUT_PUBLISHED",
	PhaseCompleted:         "COMPLETED",
}

// String implements Stringer.
func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Phase(%d)", uint8(p))
}

// MarshalText marshals the Phase as its name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses a Phase name.
func (p *Phase) UnmarshalText(b []byte) error {
	for ph, name := range phaseNames {
		if name == string(b) {
			*p = ph
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", string(b))
}

// Phases lists all phases in order.
var Phases = []Phase{PhaseInit, PhaseDepositsPublished, PhaseDepositsUnlocked,
	PhasePaymentSent, PhasePaymentReceived, PhasePayoutPublished, PhaseCompleted}

// State refines the Phase with the protocol step, including the delivery
// status of the messages this node sent.
type State uint8

const (
	StatePreparation State = iota
	StateInitTradeRequestSent
	StateContractSignatureRequested
	StateContractSigned
	StateSelfDepositPublished
	StateDepositsPublished
	StateDepositsUnlocked
	StateBuyerConfirmedPaymentSent
	StateBuyerSentPaymentSentMsg
	StateBuyerSawArrivedPaymentSentMsg
	StateBuyerStoredInMailboxPaymentSentMsg
	StateBuyerSendFailedPaymentSentMsg
	StateSellerReceivedPaymentSentMsg
	StateSellerConfirmedPaymentReceipt
	StatePayoutPublished
	StateSellerSentPaymentReceivedMsg
	StateSellerSawArrivedPaymentReceivedMsg
	StateSellerStoredInMailboxPaymentReceivedMsg
	StateSellerSendFailedPaymentReceivedMsg
	StateBuyerReceivedPaymentReceivedMsg
	StateCompleted
)

type stateInfo struct {
	name  string
	phase Phase
}

var stateInfos = map[State]stateInfo{
	StatePreparation:                             {"PREPARATION", PhaseInit},
	StateInitTradeRequestSent:                    {"INIT_TRADE_REQUEST_SENT", PhaseInit},
	StateContractSignatureRequested:              {"CONTRACT_SIGNATURE_REQUESTED", PhaseInit},
	StateContractSigned:                          {"CONTRACT_SIGNED", PhaseInit},
	StateSelfDepositPublished:                    {"SELF_DEPOSIT_PUBLISHED", PhaseInit},
	StateDepositsPublished:                       {"DEPOSIT_TXS_SEEN_IN_NETWORK", PhaseDepositsPublished},
	StateDepositsUnlocked:                        {"DEPOSIT_TXS_UNLOCKED", PhaseDepositsUnlocked},
	StateBuyerConfirmedPaymentSent:               {"BUYER_CONFIRMED_PAYMENT_SENT", PhasePaymentSent},
	StateBuyerSentPaymentSentMsg:                 {"BUYER_SENT_PAYMENT_SENT_MSG", PhasePaymentSent},
	StateBuyerSawArrivedPaymentSentMsg:           {"BUYER_SAW_ARRIVED_PAYMENT_SENT_MSG", PhasePaymentSent},
	StateBuyerStoredInMailboxPaymentSentMsg:      {"BUYER_STORED_IN_MAILBOX_PAYMENT_SENT_MSG", PhasePaymentSent},
	StateBuyerSendFailedPaymentSentMsg:           {"BUYER_SEND_FAILED_PAYMENT_SENT_MSG", PhasePaymentSent},
	StateSellerReceivedPaymentSentMsg:            {"SELLER_RECEIVED_PAYMENT_SENT_MSG", PhasePaymentSent},
	StateSellerConfirmedPaymentReceipt:           {"SELLER_CONFIRMED_PAYMENT_RECEIPT", PhasePaymentReceived},
	StatePayoutPublished:                         {"PAYOUT_PUBLISHED", PhasePayoutPublished},
	StateSellerSentPaymentReceivedMsg:            {"SELLER_SENT_PAYMENT_RECEIVED_MSG", PhasePayoutPublished},
	StateSellerSawArrivedPaymentReceivedMsg:      {"SELLER_SAW_ARRIVED_PAYMENT_RECEIVED_MSG", PhasePayoutPublished},
	StateSellerStoredInMailboxPaymentReceivedMsg: {"SELLER_STORED_IN_MAILBOX_PAYMENT_RECEIVED_MSG", PhasePayoutPublished},
	StateSellerSendFailedPaymentReceivedMsg:      {"SELLER_SEND_FAILED_PAYMENT_RECEIVED_MSG", PhasePayoutPublished},
	StateBuyerReceivedPaymentReceivedMsg:         {"BUYER_RECEIVED_PAYMENT_RECEIVED_MSG", PhasePayoutPublished},
	StateCompleted:                               {"COMPLETED", PhaseCompleted},
}

// Phase is the phase the State belongs to.
func (s State) Phase() Phase {
	return stateInfos[s].phase
}

// String implements Stringer.
func (s State) String() string {
	if info, ok := stateInfos[s]; ok {
		return info.name
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// MarshalText marshals the State as its name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a State name.
func (s *State) UnmarshalText(b []byte) error {
	for st, info := range stateInfos {
		if info.name == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown trade state %q", string(b))
}

// DisputeState tracks escalation independently of the Phase.
type DisputeState uint8

const (
	NoDispute DisputeState = iota
	MediationRequested
	MediationStartedByPeer
	MediationClosed
	DisputeOpened
	DisputeClosed
	RefundRequestClosed
)

var disputeStateNames = map[DisputeState]string{
	NoDispute:              "NO_DISPUTE",
	MediationRequested:     "MEDIATION_REQUESTED",
	MediationStartedByPeer: "MEDIATION_STARTED_BY_PEER",
	MediationClosed:        "MEDIATION_CLOSED",
	DisputeOpened:          "DISPUTE_OPENED",
	DisputeClosed:          "DISPUTE_CLOSED",
	RefundRequestClosed:    "REFUND_REQUEST_CLOSED",
}

// String implements Stringer.
func (d DisputeState) String() string {
	if name, ok := disputeStateNames[d]; ok {
		return name
	}
	return fmt.Sprintf("DisputeState(%d)", uint8(d))
}

// MarshalText marshals the DisputeState as its name.
func (d DisputeState) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText parses a DisputeState name.
func (d *DisputeState) UnmarshalText(b []byte) error {
	for ds, name := range disputeStateNames {
		if name == string(b) {
			*d = ds
			return nil
		}
	}
	return fmt.Errorf("unknown dispute state %q", string(b))
}

// IsOpen is true while a mediation or dispute is in progress.
func (d DisputeState) IsOpen() bool {
	return d == MediationRequested || d == MediationStartedByPeer || d == DisputeOpened
}

// IsClosed is true once an agent has closed a dispute.
func (d DisputeState) IsClosed() bool {
	return d == MediationClosed || d == DisputeClosed || d == RefundRequestClosed
}

// IsTerminal is true for closed arbitration and refund disputes. A closed
// mediation can still be escalated.
func (d DisputeState) IsTerminal() bool {
	return d == DisputeClosed || d == RefundRequestClosed
}
