package offer

import (
	"encoding/json"
	"testing"

	"github.com/tuskeNetwork/tuskex-sub001/dex"
)

func tOffer() *Offer {
	return &Offer{
		ID:                       "offer-1",
		MakerNode:                "maker",
		Direction:                Sell,
		Amount:                   100 * dex.AtomsPerCoin,
		MinAmount:                10 * dex.AtomsPerCoin,
		Price:                    150_000_000,
		CurrencyCode:             "USD",
		PaymentMethodID:          "SEPA",
		MakerFeePct:              0.0015,
		TakerFeePct:              0.0075,
		PenaltyFeePct:            0.02,
		BuyerSecurityDepositPct:  0.15,
		SellerSecurityDepositPct: 0.15,
		State:                    StateAvailable,
	}
}

func TestOfferAmounts(t *testing.T) {
	o := tOffer()
	if err := o.Validate(); err != nil {
		t.Fatalf("valid offer rejected: %v", err)
	}
	amt := o.Amount
	if fee := o.MakerFee(amt); fee != 150_000_000_000 {
		t.Fatalf("wrong maker fee %d", fee)
	}
	if dep := o.SecurityDeposit(amt, true); dep != 15*dex.AtomsPerCoin {
		t.Fatalf("wrong buyer deposit %d", dep)
	}
	if o.IsMakerBuyer() {
		t.Fatalf("sell offer maker is not the buyer")
	}
	if o.Direction.Mirror() != Buy {
		t.Fatalf("wrong mirror direction")
	}
}

func TestOfferValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Offer)
	}{
		{"no id", func(o *Offer) { o.ID = "" }},
		{"zero amount", func(o *Offer) { o.Amount = 0 }},
		{"min above amount", func(o *Offer) { o.MinAmount = o.Amount + 1 }},
		{"zero price", func(o *Offer) { o.Price = 0 }},
		{"bad deposit", func(o *Offer) { o.SellerSecurityDepositPct = 1.5 }},
		{"no payment method", func(o *Offer) { o.PaymentMethodID = "" }},
	}
	for _, tt := range tests {
		o := tOffer()
		tt.modify(o)
		if err := o.Validate(); err == nil {
			t.Fatalf("%s: no error", tt.name)
		}
	}
	o := tOffer()
	o.Price = 0
	o.UseMarketPrice = true
	if err := o.Validate(); err != nil {
		t.Fatalf("market price offer rejected: %v", err)
	}
}

func TestOpenOfferJSON(t *testing.T) {
	oo := &OpenOffer{
		Offer:         tOffer(),
		State:         OpenReserved,
		ReserveTxHash: "abcd",
		FrozenAmount:  5,
		Scheduled:     true,
	}
	b, err := json.Marshal(oo)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	var reOO OpenOffer
	if err := json.Unmarshal(b, &reOO); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if reOO.State != OpenReserved || reOO.Offer.Direction != Sell || reOO.Offer.State != StateAvailable {
		t.Fatalf("states not preserved: %+v", reOO)
	}
	if !reOO.IsReserved() || !reOO.Scheduled {
		t.Fatalf("reservation not preserved")
	}
	reOO.ClearReservation()
	if reOO.IsReserved() || reOO.FrozenAmount != 0 {
		t.Fatalf("reservation not cleared")
	}
	if oo.ReserveTxHash != "abcd" {
		t.Fatalf("copy shared state with original")
	}
}
