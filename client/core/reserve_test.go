package core

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tuskeNetwork/tuskex-sub001/client/asset"
	"github.com/tuskeNetwork/tuskex-sub001/dex/offer"
)

func TestReserveFundsIdempotent(t *testing.T) {
	h := newTestHarness(t)
	maker := h.maker
	oo := h.placeOffer(offer.Sell)
	if calls := maker.wallet.ReserveCalls(); calls != 1 {
		t.Fatalf("expected 1 reserve call, got %d", calls)
	}
	if oo.ReservedAmount != tAmount+oo.Offer.SecurityDeposit(tAmount, false) {
		t.Fatalf("wrong reserved amount %d", oo.ReservedAmount)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := maker.ReserveFunds(h.ctx, oo.ID())
			if err == nil && res.ReserveTxHash != oo.ReserveTxHash {
				err = errors.New("reservation replaced")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("ReserveFunds error: %v", err)
		}
	}
	if calls := maker.wallet.ReserveCalls(); calls != 1 {
		t.Fatalf("reservation repeated, %d reserve calls", calls)
	}

	frozen := frozenOutputs(t, maker.wallet)
	if len(frozen) != 1 || frozen[0].Amount != oo.FrozenAmount {
		t.Fatalf("wrong frozen outputs %v", frozen)
	}
	waitFor(t, "offer reservation in balances", func() bool {
		return maker.Balances().ReservedOffer == oo.FrozenAmount
	})
	checkBalanceIdentities(t, maker.Balances())

	// Funding and payout entries belong to the offer until it is canceled.
	if _, found := maker.wallet.AddressEntry(oo.ID(), asset.TradePayout); !found {
		t.Fatalf("no payout address entry for the offer")
	}
	if err := maker.CancelOffer(h.ctx, oo.ID()); err != nil {
		t.Fatalf("CancelOffer error: %v", err)
	}
	if len(frozenOutputs(t, maker.wallet)) != 0 {
		t.Fatalf("canceled offer left frozen outputs")
	}
	if _, found := maker.wallet.AddressEntry(oo.ID(), asset.TradePayout); found {
		t.Fatalf("payout address entry not reset")
	}
	if _, err := maker.ReserveFunds(h.ctx, oo.ID()); ErrorCode(err) != unknownOfferErr {
		t.Fatalf("expected unknown offer error, got %v", err)
	}
	waitFor(t, "released reservation in balances", func() bool {
		bal := maker.Balances()
		return bal.Reserved == 0 && bal.Available == tFunding
	})
}

func TestReserveFundsRollback(t *testing.T) {
	h := newTestHarness(t)
	maker := h.maker

	// Every attempt freezes inputs and fails.
	maker.wallet.FailPartial(3, asset.ErrWalletRPC)
	_, err := maker.PlaceOffer(h.ctx, &OfferForm{
		Direction:       offer.Buy,
		Amount:          tAmount,
		Price:           tPrice,
		CurrencyCode:    "usd",
		PaymentMethodID: "ZELLE",
	})
	if ErrorCode(err) != walletTransientErr {
		t.Fatalf("expected transient wallet error, got %v", err)
	}
	if calls := maker.wallet.ReserveCalls(); calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if len(frozenOutputs(t, maker.wallet)) != 0 {
		t.Fatalf("failed reservation left frozen outputs")
	}
	oos := maker.OpenOffers()
	if len(oos) != 1 {
		t.Fatalf("expected the unreserved offer to be kept, got %d offers", len(oos))
	}
	oo := oos[0]
	if oo.IsReserved() || oo.ErrorMessage == "" {
		t.Fatalf("offer should be unreserved with an error message")
	}
	if _, found := maker.wallet.AddressEntry(oo.ID(), asset.TradePayout); found {
		t.Fatalf("payout address entry not reset")
	}

	// A permanent error is not retried.
	maker.wallet.FailReserve(1, asset.ErrInsufficientFunds)
	if _, err := maker.ReserveFunds(h.ctx, oo.ID()); ErrorCode(err) != insufficientFundsErr {
		t.Fatalf("expected insufficient funds error, got %v", err)
	}
	if calls := maker.wallet.ReserveCalls(); calls != 4 {
		t.Fatalf("permanent error retried, %d calls", calls)
	}

	// A transient failure followed by success.
	maker.wallet.FailPartial(1, asset.ErrWalletTimeout)
	res, err := maker.ReserveFunds(h.ctx, oo.ID())
	if err != nil {
		t.Fatalf("ReserveFunds error: %v", err)
	}
	if !res.IsReserved() || res.ErrorMessage != "" {
		t.Fatalf("offer not reserved after recovery")
	}
	frozen := frozenOutputs(t, maker.wallet)
	if len(frozen) != 1 || frozen[0].Amount != res.FrozenAmount {
		t.Fatalf("wrong frozen outputs after recovery %v", frozen)
	}
}

func TestCancelDuringReservation(t *testing.T) {
	h := newTestHarness(t)
	maker := h.maker
	maker.cfg.MaxAttempts = 50
	maker.cfg.ReprocessDelay = 20 * time.Millisecond
	maker.stop()
	maker.start()

	maker.wallet.FailPartial(50, asset.ErrWalletOffline)
	errC := make(chan error, 1)
	go func() {
		_, err := maker.PlaceOffer(h.ctx, &OfferForm{
			Direction:       offer.Sell,
			Amount:          tAmount,
			Price:           tPrice,
			CurrencyCode:    "usd",
			PaymentMethodID: "ZELLE",
		})
		errC <- err
	}()
	waitFor(t, "reservation attempts", func() bool { return maker.wallet.ReserveCalls() >= 2 })
	oos := maker.OpenOffers()
	if len(oos) != 1 {
		t.Fatalf("expected 1 offer, got %d", len(oos))
	}
	if err := maker.CancelOffer(h.ctx, oos[0].ID()); err != nil {
		t.Fatalf("CancelOffer error: %v", err)
	}
	select {
	case err := <-errC:
		if !errors.Is(err, ErrOfferCanceled) {
			t.Fatalf("expected ErrOfferCanceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("reservation did not stop")
	}
	if len(frozenOutputs(t, maker.wallet)) != 0 {
		t.Fatalf("canceled reservation left frozen outputs")
	}
	if len(maker.OpenOffers()) != 0 {
		t.Fatalf("canceled offer still listed")
	}
}
