// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package offer

import "fmt"

// OpenState is the lifecycle state of a maker's open offer.
type OpenState uint8

const (
	OpenAvailable OpenState = iota
	OpenReserved
	OpenDeactivated
	OpenClosed
	OpenCanceled
)

var openStateNames = map[OpenState]string{
	OpenAvailable:   "AVAILABLE",
	OpenReserved:    "RESERVED",
	OpenDeactivated: "DEACTIVATED",
	OpenClosed:      "CLOSED",
	OpenCanceled:    "CANCELED",
}

// String implements Stringer.
func (s OpenState) String() string {
	if name, ok := openStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("OpenState(%d)", uint8(s))
}

// MarshalText marshals the OpenState as its name.
func (s OpenState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses an OpenState name.
func (s *OpenState) UnmarshalText(b []byte) error {
	for st, name := range openStateNames {
		if name == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown open offer state %q", string(b))
}

// IsTerminal is true for closed and canceled offers.
func (s OpenState) IsTerminal() bool {
	return s == OpenClosed || s == OpenCanceled
}

// OpenOffer is an offer placed by this node along with the artifacts of its
// funds reservation.
type OpenOffer struct {
	Offer *Offer    `json:"offer"`
	State OpenState `json:"state"`
	// Reservation artifacts. ReserveTxHash is empty until reserved.
	ReserveTxHash      string `json:"reserveTxHash,omitempty"`
	ReserveTxHex       string `json:"reserveTxHex,omitempty"`
	ReserveTxKey       string `json:"reserveTxKey,omitempty"`
	ReserveExactAmount bool   `json:"reserveExactAmount"`
	// FrozenAmount is the sum of the reserve tx inputs, ReservedAmount the
	// part set aside for the trade and ReserveTxFee the estimated deposit
	// tx fee.
	FrozenAmount   uint64 `json:"frozenAmount"`
	ReservedAmount uint64 `json:"reservedAmount"`
	ReserveTxFee   uint64 `json:"reserveTxFee"`
	// Scheduled is false once the user cancels the offer.
	Scheduled    bool   `json:"scheduled"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	// PaymentAccount is the maker's payment account payload, given to the
	// taker in the contract.
	PaymentAccount string `json:"paymentAccount,omitempty"`
}

// ID is the offer ID.
func (oo *OpenOffer) ID() string {
	return oo.Offer.ID
}

// IsReserved is true once a reserve tx is recorded.
func (oo *OpenOffer) IsReserved() bool {
	return oo.ReserveTxHash != ""
}

// ClearReservation drops the reserve tx artifacts.
func (oo *OpenOffer) ClearReservation() {
	oo.ReserveTxHash, oo.ReserveTxHex, oo.ReserveTxKey = "", "", ""
	oo.FrozenAmount, oo.ReservedAmount, oo.ReserveTxFee = 0, 0, 0
	oo.Offer.ReserveTxHash = ""
	oo.Offer.ReserveTxKeyImages = nil
}

// Copy makes a deep copy of the OpenOffer.
func (oo *OpenOffer) Copy() *OpenOffer {
	c := *oo
	c.Offer = oo.Offer.Copy()
	return &c
}
