package asset

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/tuskeNetwork/tuskex-sub001/dex"
)

var tLogger dex.Logger

func TestMain(m *testing.M) {
	tLogger = slog.NewBackend(os.Stdout).Logger("TEST")
	tLogger.SetLevel(slog.LevelTrace)
	os.Exit(m.Run())
}

type tAddressStore struct {
	stored map[uint32]*AddressEntry
}

func (s *tAddressStore) StoreAddressEntry(e *AddressEntry) error {
	c := *e
	s.stored[e.SubaddressIndex] = &c
	return nil
}

func (s *tAddressStore) AddressEntries() ([]*AddressEntry, error) {
	entries := make([]*AddressEntry, 0, len(s.stored))
	for _, e := range s.stored {
		c := *e
		entries = append(entries, &c)
	}
	return entries, nil
}

func newTAddressBook(t *testing.T, store AddressStore) *AddressBook {
	t.Helper()
	var next uint32 = 1
	ab, err := NewAddressBook(store, func() (uint32, string, error) {
		idx := next
		next++
		return idx, fmt.Sprintf("addr%d", idx), nil
	}, tLogger)
	if err != nil {
		t.Fatalf("NewAddressBook error: %v", err)
	}
	return ab
}

func TestAddressEntryUniqueness(t *testing.T) {
	store := &tAddressStore{stored: make(map[uint32]*AddressEntry)}
	ab := newTAddressBook(t, store)

	payout, err := ab.GetOrCreate("offer1", TradePayout)
	if err != nil {
		t.Fatalf("GetOrCreate error: %v", err)
	}
	again, err := ab.GetOrCreate("offer1", TradePayout)
	if err != nil {
		t.Fatalf("second GetOrCreate error: %v", err)
	}
	if again.SubaddressIndex != payout.SubaddressIndex {
		t.Fatalf("GetOrCreate made a second entry for the same pair")
	}

	err = ab.Add(&AddressEntry{SubaddressIndex: 99, Address: "addr99", Context: TradePayout, OfferID: "offer1"})
	if !errors.Is(err, ErrAddressEntryExists) {
		t.Fatalf("duplicate entry not rejected: %v", err)
	}
	if e, _ := ab.Entry("offer1", TradePayout); e.SubaddressIndex != payout.SubaddressIndex {
		t.Fatalf("existing entry overwritten")
	}

	funding, err := ab.GetOrCreate("offer1", OfferFunding)
	if err != nil {
		t.Fatalf("GetOrCreate error: %v", err)
	}
	if funding.SubaddressIndex == payout.SubaddressIndex {
		t.Fatalf("two contexts share a subaddress")
	}

	if err := ab.Reset("offer1"); err != nil {
		t.Fatalf("Reset error: %v", err)
	}
	if _, found := ab.Entry("offer1", TradePayout); found {
		t.Fatalf("entry still assigned after reset")
	}
	entries := ab.Entries()
	if len(entries) != 2 {
		t.Fatalf("reset deleted entries: %d left", len(entries))
	}
	for _, e := range entries {
		if e.Context != Available || e.OfferID != "" {
			t.Fatalf("entry %d not swapped to available", e.SubaddressIndex)
		}
	}

	// Available subaddresses are reused, lowest first.
	reused, err := ab.GetOrCreate("offer2", TradePayout)
	if err != nil {
		t.Fatalf("GetOrCreate error: %v", err)
	}
	if reused.SubaddressIndex != 1 {
		t.Fatalf("expected reuse of subaddress 1, got %d", reused.SubaddressIndex)
	}

	// Entries survive reload from the store.
	ab2 := newTAddressBook(t, store)
	if e, found := ab2.Entry("offer2", TradePayout); !found || e.SubaddressIndex != 1 {
		t.Fatalf("entry not reloaded")
	}
	if e, found := ab2.ByAddress("addr2"); !found || e.Context != Available {
		t.Fatalf("ByAddress failed")
	}
}

type tPanicWallet struct {
	Wallet
}

func TestWalletLockRelease(t *testing.T) {
	h := NewWalletHandle(&tPanicWallet{})

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatalf("no panic")
			}
		}()
		h.WithFundsLock(func(Wallet) error {
			panic("wallet exploded")
		})
	}()

	if err := h.WithFundsLock(func(Wallet) error {
		return ErrWalletRPC
	}); !errors.Is(err, ErrWalletRPC) {
		t.Fatalf("wrong error %v", err)
	}

	done := make(chan struct{})
	go func() {
		h.WithFundsLock(func(Wallet) error { return nil })
		h.WithWalletLock(func(Wallet) error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("locks not released after panic or error")
	}
}

func TestIsTransient(t *testing.T) {
	for _, err := range []error{ErrWalletOffline, dex.NewError(ErrWalletTimeout, "x"),
		fmt.Errorf("wrapped: %w", ErrWalletRPC), context.DeadlineExceeded} {
		if !IsTransient(err) {
			t.Fatalf("%v not transient", err)
		}
	}
	for _, err := range []error{ErrInsufficientFunds, ErrInvalidAddress, errors.New("other")} {
		if IsTransient(err) {
			t.Fatalf("%v is transient", err)
		}
	}
}

func TestPayoutSigHash(t *testing.T) {
	p := &PayoutParams{TradeID: "t", BuyerAddress: "b", SellerAddress: "s", BuyerAmount: 1, SellerAmount: 2}
	h := p.SigHash()
	p2 := *p
	p2.BuyerAmount = 2
	p2.SellerAmount = 1
	if string(h) == string(p2.SigHash()) {
		t.Fatalf("sig hash ignores the split")
	}
	tx := &ReserveTx{Inputs: []*TxInput{{KeyImage: "a", Amount: 3}, {KeyImage: "b", Amount: 4}}}
	if tx.FrozenAmount() != 7 || len(tx.KeyImages()) != 2 {
		t.Fatalf("wrong reserve tx sums")
	}
}
