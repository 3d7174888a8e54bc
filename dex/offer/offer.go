// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package offer defines offers and the maker's reserved open offers.
package offer

import (
	"errors"
	"fmt"
	"time"

	"github.com/tuskeNetwork/tuskex-sub001/dex"
)

// Direction is the side of the base asset the maker is on.
type Direction uint8

const (
	// Buy offers are made by a buyer of the base asset.
	Buy Direction = iota
	// Sell offers are made by a seller of the base asset.
	Sell
)

// String returns "BUY" or "SELL".
func (d Direction) String() string {
	if d == Buy {
		return "BUY"
	}
	return "SELL"
}

// MarshalText marshals the Direction as its name.
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText parses a Direction name.
func (d *Direction) UnmarshalText(b []byte) error {
	switch string(b) {
	case "BUY", "buy":
		*d = Buy
	case "SELL", "sell":
		*d = Sell
	default:
		return fmt.Errorf("unknown direction %q", string(b))
	}
	return nil
}

// Mirror is the direction of the counterparty.
func (d Direction) Mirror() Direction {
	if d == Buy {
		return Sell
	}
	return Buy
}

// State is the availability of an offer as seen by the node holding a copy.
type State uint8

const (
	StateUnknown State = iota
	StateAvailable
	StateNotAvailable
	StateMakerOffline
	StateOfferFeeReserved
	StateRemoved
)

var stateNames = map[State]string{
	StateUnknown:          "UNKNOWN",
	StateAvailable:        "AVAILABLE",
	StateNotAvailable:     "NOT_AVAILABLE",
	StateMakerOffline:     "MAKER_OFFLINE",
	StateOfferFeeReserved: "OFFER_FEE_RESERVED",
	StateRemoved:          "REMOVED",
}

// String implements Stringer.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// MarshalText marshals the State as its name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a State name.
func (s *State) UnmarshalText(b []byte) error {
	for st, name := range stateNames {
		if name == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown offer state %q", string(b))
}

// Offer is a maker's published terms. The terms are immutable once the offer
// is placed. Only State and the reservation payload fields change.
type Offer struct {
	ID              string          `json:"id"`
	Date            time.Time       `json:"date"`
	MakerNode       dex.NodeAddress `json:"makerNode"`
	MakerPubKeyRing dex.PubKeyRing  `json:"makerPubKeyRing"`
	Direction       Direction       `json:"direction"`
	// Amount and MinAmount bound the base asset amount of a trade, in atoms.
	Amount    uint64 `json:"amount"`
	MinAmount uint64 `json:"minAmount"`
	// Price is the fixed number of quote atoms per whole base coin. When
	// UseMarketPrice is set, MarketPriceMargin is applied to the market price
	// at take time instead.
	Price             uint64  `json:"price"`
	UseMarketPrice    bool    `json:"useMarketPrice"`
	MarketPriceMargin float64 `json:"marketPriceMargin"`
	CurrencyCode      string  `json:"currencyCode"`
	PaymentMethodID   string  `json:"paymentMethodId"`
	// Fee and deposit percentages are fractions of the trade amount.
	MakerFeePct              float64 `json:"makerFeePct"`
	TakerFeePct              float64 `json:"takerFeePct"`
	PenaltyFeePct            float64 `json:"penaltyFeePct"`
	BuyerSecurityDepositPct  float64 `json:"buyerSecurityDepositPct"`
	SellerSecurityDepositPct float64 `json:"sellerSecurityDepositPct"`
	// ReserveTxHash and ReserveTxKeyImages are set by the maker once the
	// offer funds are reserved, so takers can check the inputs are unspent.
	ReserveTxHash      string   `json:"reserveTxHash,omitempty"`
	ReserveTxKeyImages []string `json:"reserveTxKeyImages,omitempty"`
	State              State    `json:"state"`
}

// Validate checks the offer terms.
func (o *Offer) Validate() error {
	switch {
	case o.ID == "":
		return errors.New("no offer ID")
	case o.Amount == 0:
		return errors.New("zero amount")
	case o.MinAmount > o.Amount:
		return fmt.Errorf("min amount %d exceeds amount %d", o.MinAmount, o.Amount)
	case !o.UseMarketPrice && o.Price == 0:
		return errors.New("zero price")
	case o.CurrencyCode == "":
		return errors.New("no currency code")
	case o.PaymentMethodID == "":
		return errors.New("no payment method")
	}
	for name, pct := range map[string]float64{
		"maker fee":               o.MakerFeePct,
		"taker fee":               o.TakerFeePct,
		"penalty fee":             o.PenaltyFeePct,
		"buyer security deposit":  o.BuyerSecurityDepositPct,
		"seller security deposit": o.SellerSecurityDepositPct,
	} {
		if pct < 0 || pct >= 1 {
			return fmt.Errorf("%s percentage %f out of range", name, pct)
		}
	}
	return nil
}

// IsMakerBuyer is true if the maker buys the base asset.
func (o *Offer) IsMakerBuyer() bool {
	return o.Direction == Buy
}

// MakerFee is the maker's trade fee for the amount.
func (o *Offer) MakerFee(amount uint64) uint64 {
	return dex.PercentOf(amount, o.MakerFeePct)
}

// TakerFee is the taker's trade fee for the amount.
func (o *Offer) TakerFee(amount uint64) uint64 {
	return dex.PercentOf(amount, o.TakerFeePct)
}

// PenaltyFee is the fee taken from a reserve if a party abandons the trade.
func (o *Offer) PenaltyFee(amount uint64) uint64 {
	return dex.PercentOf(amount, o.PenaltyFeePct)
}

// BuyerSecurityDeposit is the buyer's security deposit for the amount.
func (o *Offer) BuyerSecurityDeposit(amount uint64) uint64 {
	return dex.PercentOf(amount, o.BuyerSecurityDepositPct)
}

// SellerSecurityDeposit is the seller's security deposit for the amount.
func (o *Offer) SellerSecurityDeposit(amount uint64) uint64 {
	return dex.PercentOf(amount, o.SellerSecurityDepositPct)
}

// SecurityDeposit is the deposit of the buyer or seller side.
func (o *Offer) SecurityDeposit(amount uint64, buyer bool) uint64 {
	if buyer {
		return o.BuyerSecurityDeposit(amount)
	}
	return o.SellerSecurityDeposit(amount)
}

// Copy makes a deep copy of the offer.
func (o *Offer) Copy() *Offer {
	c := *o
	c.MakerPubKeyRing = dex.PubKeyRing{
		SigPubKey: append(dex.Bytes(nil), o.MakerPubKeyRing.SigPubKey...),
		EncPubKey: append(dex.Bytes(nil), o.MakerPubKeyRing.EncPubKey...),
	}
	if o.ReserveTxKeyImages != nil {
		c.ReserveTxKeyImages = append([]string(nil), o.ReserveTxKeyImages...)
	}
	return &c
}
