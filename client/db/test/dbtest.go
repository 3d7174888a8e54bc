// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package dbtest provides random records and comparisons for DB tests.
package dbtest

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/tuskeNetwork/tuskex-sub001/client/asset"
	"github.com/tuskeNetwork/tuskex-sub001/dex"
	"github.com/tuskeNetwork/tuskex-sub001/dex/encode"
	"github.com/tuskeNetwork/tuskex-sub001/dex/offer"
	"github.com/tuskeNetwork/tuskex-sub001/dex/trade"
)

// Tester is satisfied by *testing.T.
type Tester interface {
	Helper()
	Fatalf(string, ...any)
}

func randHex(n int) string {
	return hex.EncodeToString(encode.RandomBytes(n))
}

func randTime() time.Time {
	return time.UnixMilli(rand.Int63n(1 << 41)).UTC()
}

// RandomNodeAddress creates a random onion-style node address.
func RandomNodeAddress() dex.NodeAddress {
	return dex.NodeAddress(fmt.Sprintf("%s.onion:%d", randHex(16), 1024+rand.Intn(60000)))
}

// RandomPubKeyRing creates a key ring with random bytes. The keys are not
// valid curve points.
func RandomPubKeyRing() dex.PubKeyRing {
	return dex.PubKeyRing{
		SigPubKey: encode.RandomBytes(33),
		EncPubKey: encode.RandomBytes(33),
	}
}

// RandomOffer creates an Offer with random values.
func RandomOffer() *offer.Offer {
	amt := uint64(rand.Int63n(1e12)) + 1
	return &offer.Offer{
		ID:                       randHex(16),
		Date:                     randTime(),
		MakerNode:                RandomNodeAddress(),
		MakerPubKeyRing:          RandomPubKeyRing(),
		Direction:                offer.Direction(rand.Intn(2)),
		Amount:                   amt,
		MinAmount:                amt / 2,
		Price:                    uint64(rand.Int63n(1e10)) + 1,
		CurrencyCode:             "USD",
		PaymentMethodID:          "SEPA",
		MakerFeePct:              0.0015,
		TakerFeePct:              0.0075,
		PenaltyFeePct:            0.02,
		BuyerSecurityDepositPct:  0.15,
		SellerSecurityDepositPct: 0.15,
		ReserveTxHash:            randHex(32),
		ReserveTxKeyImages:       []string{randHex(32), randHex(32)},
		State:                    offer.StateAvailable,
	}
}

// RandomOpenOffer creates a reserved OpenOffer with random values.
func RandomOpenOffer() *offer.OpenOffer {
	o := RandomOffer()
	return &offer.OpenOffer{
		Offer:          o,
		State:          offer.OpenAvailable,
		ReserveTxHash:  o.ReserveTxHash,
		ReserveTxHex:   randHex(100),
		ReserveTxKey:   randHex(32),
		FrozenAmount:   o.Amount * 2,
		ReservedAmount: o.Amount + o.SellerSecurityDeposit(o.Amount),
		ReserveTxFee:   20_000,
		Scheduled:      true,
	}
}

// RandomTradePeer creates a TradePeer with random values.
func RandomTradePeer() trade.TradePeer {
	return trade.TradePeer{
		NodeAddress:        RandomNodeAddress(),
		PubKeyRing:         RandomPubKeyRing(),
		MultisigInfo:       encode.RandomBytes(33),
		ReserveTxHash:      randHex(32),
		ReserveTxKeyImages: []string{randHex(32)},
		DepositTxHash:      randHex(32),
		DepositTxFee:       20_000,
		PayoutAddress:      randHex(20),
		PayoutSig:          encode.RandomBytes(71),
		ContractSig:        encode.RandomBytes(71),
		SecurityDeposit:    uint64(rand.Int63n(1e9)),
		PaymentAccount:     randHex(10),
	}
}

// RandomTrade creates a Trade with random values.
func RandomTrade() *trade.Trade {
	o := RandomOffer()
	role := trade.Role(rand.Intn(4))
	t := &trade.Trade{
		ID:     o.ID,
		Role:   role,
		Offer:  o,
		Amount: o.Amount,
		Price:  o.Price,
		ProcessModel: trade.ProcessModel{
			Self:  RandomTradePeer(),
			Peer:  RandomTradePeer(),
			Agent: RandomTradePeer(),
		},
		FrozenAmount:   uint64(rand.Int63n(1e12)),
		ReservedAmount: uint64(rand.Int63n(1e12)),
		MakerFee:       o.MakerFee(o.Amount),
		TakerFee:       o.TakerFee(o.Amount),
		ErrorMessage:   "",
		ChatMessages:   []*trade.ChatMessage{RandomChatMessage(o.ID)},
		ContractHash:   encode.RandomBytes(32),
		StartTime:      randTime(),
	}
	t.SetState(trade.StateDepositsPublished)
	t.Contract = &trade.Contract{
		TradeID:         t.ID,
		Offer:           o.Copy(),
		Amount:          t.Amount,
		Price:           t.Price,
		MakerIsBuyer:    o.IsMakerBuyer(),
		MakerNode:       o.MakerNode,
		TakerNode:       RandomNodeAddress(),
		MakerPubKeyRing: o.MakerPubKeyRing,
		TakerPubKeyRing: RandomPubKeyRing(),
		Date:            randTime().UnixMilli(),
	}
	return t
}

// RandomChatMessage creates a ChatMessage with random text.
func RandomChatMessage(tradeID string) *trade.ChatMessage {
	return &trade.ChatMessage{
		UID:            randHex(16),
		TradeID:        tradeID,
		SenderIsTrader: true,
		Text:           randHex(40),
		Date:           randTime(),
		Arrived:        rand.Intn(2) == 0,
	}
}

// RandomDispute creates an open Dispute for the trade.
func RandomDispute(t *trade.Trade) *trade.Dispute {
	return &trade.Dispute{
		TradeID:       t.ID,
		Kind:          trade.DisputeKinds[rand.Intn(len(trade.DisputeKinds))],
		OpenerIsBuyer: t.Role.IsBuyer(),
		OpenerIsMaker: t.Role.IsMaker(),
		IsOpener:      true,
		AgentPubKey:   encode.RandomBytes(33),
		ContractHash:  t.ContractHash,
		Contract:      t.Contract,
		ChatMessages:  []*trade.ChatMessage{RandomChatMessage(t.ID)},
		OpeningDate:   randTime(),
	}
}

// RandomAddressEntry creates an AddressEntry at the subaddress index.
func RandomAddressEntry(idx uint32) *asset.AddressEntry {
	return &asset.AddressEntry{
		SubaddressIndex: idx,
		Address:         randHex(32),
		Context:         asset.AddressContext(rand.Intn(5)),
		OfferID:         randHex(16),
	}
}

// MustCompareEncoded fails the test if the two records encode differently.
func MustCompareEncoded(t Tester, what string, a, b any) {
	t.Helper()
	aB, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("error encoding %s: %v", what, err)
	}
	bB, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("error encoding %s: %v", what, err)
	}
	if !bytes.Equal(aB, bB) {
		t.Fatalf("%s mismatch:\n%s\n%s", what, spew.Sdump(a), spew.Sdump(b))
	}
}

// MustCompareTrades compares the trades.
func MustCompareTrades(t Tester, a, b *trade.Trade) {
	t.Helper()
	MustCompareEncoded(t, "trade "+a.ID, a, b)
}

// MustCompareOpenOffers compares the open offers.
func MustCompareOpenOffers(t Tester, a, b *offer.OpenOffer) {
	t.Helper()
	MustCompareEncoded(t, "open offer "+a.ID(), a, b)
}
