// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tuskeNetwork/tuskex-sub001/client/asset"
	"github.com/tuskeNetwork/tuskex-sub001/client/db"
	"github.com/tuskeNetwork/tuskex-sub001/dex"
	"github.com/tuskeNetwork/tuskex-sub001/dex/offer"
)

// reserveRequest is a reservation of funds for an offer or a taker's trade.
type reserveRequest struct {
	ownerID    string
	penaltyFee uint64
	tradeFee   uint64
	sendAmount uint64
	deposit    uint64
	exact      bool
	// scheduled is checked after every failed attempt. The reservation is
	// abandoned once it returns false.
	scheduled func() bool
	// touch, if set, is called before and after wallet calls that may
	// block.
	touch func()
}

func (req *reserveRequest) touchIf() {
	if req.touch != nil {
		req.touch()
	}
}

// reservation is a committed reserve tx with the payout address that goes
// with it.
type reservation struct {
	tx               *asset.ReserveTx
	payoutAddress    string
	payoutSubaddress uint32
}

// reserve builds the reserve tx. The funds lock must be held, and w is the
// wallet it yielded. On failure, the owner's address entries are reset and
// any partially built tx is thawed.
func (c *Core) reserve(ctx context.Context, w asset.Wallet, req *reserveRequest) (_ *reservation, err error) {
	if !w.Connected() {
		return nil, walletError(asset.ErrWalletOffline, "reserve funds for %s", req.ownerID)
	}
	closer := dex.NewErrorCloser()
	defer closer.Done(c.log)
	closer.Add(func() error {
		return w.ResetAddressEntries(req.ownerID)
	})

	payout, err := w.GetOrCreateAddressEntry(req.ownerID, asset.TradePayout)
	if err != nil {
		return nil, walletError(err, "payout address for %s", req.ownerID)
	}
	var preferred *uint32
	if e, found := w.AddressEntry(req.ownerID, asset.OfferFunding); found {
		preferred = &e.SubaddressIndex
	} else if req.exact {
		e, err := w.GetOrCreateAddressEntry(req.ownerID, asset.OfferFunding)
		if err != nil {
			return nil, walletError(err, "funding address for %s", req.ownerID)
		}
		preferred = &e.SubaddressIndex
	}

	params := &asset.ReserveTxParams{
		OwnerID:             req.ownerID,
		PenaltyFee:          req.penaltyFee,
		TradeFee:            req.tradeFee,
		SendAmount:          req.sendAmount,
		SecurityDeposit:     req.deposit,
		ReturnAddress:       payout.Address,
		Exact:               req.exact,
		PreferredSubaddress: preferred,
	}

	var tx *asset.ReserveTx
	for attempt := 1; ; attempt++ {
		req.touchIf()
		tx, err = w.CreateReserveTx(ctx, params)
		req.touchIf()
		if err == nil {
			c.metrics.reserveTries.WithLabelValues("success").Inc()
			break
		}
		c.metrics.reserveTries.WithLabelValues("failure").Inc()
		if tx != nil {
			if thawErr := w.ThawOutputs(ctx, tx.KeyImages()); thawErr != nil {
				c.log.Errorf("Error thawing partial reserve tx %s of %s: %v", tx.Hash, req.ownerID, thawErr)
			}
			tx = nil
		}
		if !asset.IsTransient(err) {
			return nil, walletError(err, "reserve funds for %s", req.ownerID)
		}
		if attempt >= c.cfg.MaxAttempts {
			return nil, walletError(err, "reserve funds for %s failed after %d attempts", req.ownerID, attempt)
		}
		if !req.scheduled() {
			return nil, codedError(offerCanceledErr, fmt.Errorf("%w: %s", ErrOfferCanceled, req.ownerID))
		}
		c.log.Warnf("Reserve attempt %d of %d for %s failed: %v", attempt, c.cfg.MaxAttempts, req.ownerID, err)
		select {
		case <-time.After(c.cfg.ReprocessDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	closer.Success()
	return &reservation{
		tx:               tx,
		payoutAddress:    payout.Address,
		payoutSubaddress: payout.SubaddressIndex,
	}, nil
}

// OfferForm is the information needed to place an offer.
type OfferForm struct {
	Direction         offer.Direction `json:"direction"`
	Amount            uint64          `json:"amount"`
	MinAmount         uint64          `json:"minAmount"`
	Price             uint64          `json:"price"`
	UseMarketPrice    bool            `json:"useMarketPrice"`
	MarketPriceMargin float64         `json:"marketPriceMargin"`
	CurrencyCode      string          `json:"currencyCode"`
	PaymentMethodID   string          `json:"paymentMethodId"`
	PaymentAccount    string          `json:"paymentAccount"`
	// SecurityDepositPct overrides the default deposit percentage of both
	// sides if non-zero.
	SecurityDepositPct float64 `json:"securityDepositPct"`
	ReserveExact       bool    `json:"reserveExact"`
}

// PlaceOffer creates an open offer and reserves its funds. If the
// reservation fails, the offer is kept unreserved with the error message and
// the error is returned.
func (c *Core) PlaceOffer(ctx context.Context, form *OfferForm) (*offer.OpenOffer, error) {
	if c.cfg.AgentMode {
		return nil, newError(paramsErr, "dispute agents do not place offers")
	}
	buyerPct, sellerPct := c.cfg.BuyerSecurityDepositPct, c.cfg.SellerSecurityDepositPct
	if form.SecurityDepositPct != 0 {
		buyerPct, sellerPct = form.SecurityDepositPct, form.SecurityDepositPct
	}
	minAmt := form.MinAmount
	if minAmt == 0 {
		minAmt = form.Amount
	}
	o := &offer.Offer{
		ID:                       uuid.NewString(),
		Date:                     time.Now(),
		MakerNode:                c.cfg.Addr,
		MakerPubKeyRing:          c.PubKeyRing(),
		Direction:                form.Direction,
		Amount:                   form.Amount,
		MinAmount:                minAmt,
		Price:                    form.Price,
		UseMarketPrice:           form.UseMarketPrice,
		MarketPriceMargin:        form.MarketPriceMargin,
		CurrencyCode:             strings.ToUpper(form.CurrencyCode),
		PaymentMethodID:          form.PaymentMethodID,
		MakerFeePct:              c.cfg.MakerFeePct,
		TakerFeePct:              c.cfg.TakerFeePct,
		PenaltyFeePct:            c.cfg.PenaltyFeePct,
		BuyerSecurityDepositPct:  buyerPct,
		SellerSecurityDepositPct: sellerPct,
		State:                    offer.StateAvailable,
	}
	if err := o.Validate(); err != nil {
		return nil, newError(paramsErr, "invalid offer: %w", err)
	}
	// Market price offers still carry a reference price. Trades settle at
	// it.
	if o.Price == 0 {
		return nil, newError(paramsErr, "offer needs a price")
	}
	oo := &offer.OpenOffer{
		Offer:              o,
		State:              offer.OpenAvailable,
		ReserveExactAmount: form.ReserveExact,
		Scheduled:          true,
		PaymentAccount:     form.PaymentAccount,
	}
	c.mtx.Lock()
	if err := c.db.UpdateOpenOffer(oo); err != nil {
		c.mtx.Unlock()
		return nil, codedError(dbErr, err)
	}
	c.offers[o.ID] = oo
	c.mtx.Unlock()
	c.log.Infof("Placed %s offer %s for %s %s", o.Direction, o.ID, dex.FormatAtoms(o.Amount), o.CurrencyCode)

	return c.ReserveFunds(ctx, o.ID)
}

// ReserveFunds reserves the funds of an open offer. Calls for an offer that
// is already reserved return it unchanged. Concurrent calls share one
// reservation.
func (c *Core) ReserveFunds(ctx context.Context, offerID string) (*offer.OpenOffer, error) {
	v, err, _ := c.reserveGroup.Do(offerID, func() (any, error) {
		return c.reserveFunds(ctx, offerID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*offer.OpenOffer), nil
}

func (c *Core) reserveFunds(ctx context.Context, offerID string) (*offer.OpenOffer, error) {
	oo, err := c.openOffer(offerID)
	if err != nil {
		return nil, err
	}
	if oo.IsReserved() {
		return oo, nil
	}
	if oo.State.IsTerminal() || !oo.Scheduled {
		return nil, codedError(offerCanceledErr, fmt.Errorf("%w: %s", ErrOfferCanceled, offerID))
	}

	o := oo.Offer
	makerIsBuyer := o.IsMakerBuyer()
	var sendAmt uint64
	if !makerIsBuyer {
		sendAmt = o.Amount
	}
	req := &reserveRequest{
		ownerID:    offerID,
		penaltyFee: o.PenaltyFee(o.Amount),
		tradeFee:   o.MakerFee(o.Amount),
		sendAmount: sendAmt,
		deposit:    o.SecurityDeposit(o.Amount, makerIsBuyer),
		exact:      oo.ReserveExactAmount,
		scheduled: func() bool {
			c.mtx.RLock()
			defer c.mtx.RUnlock()
			oo := c.offers[offerID]
			return oo != nil && oo.Scheduled
		},
	}

	var committed *offer.OpenOffer
	err = c.wallet.WithFundsLock(func(w asset.Wallet) error {
		// Another reservation may have finished while we waited for the
		// lock.
		cur, err := c.openOffer(offerID)
		if err != nil {
			return err
		}
		if cur.IsReserved() {
			committed = cur
			return nil
		}
		res, err := c.reserve(ctx, w, req)
		if err != nil {
			return err
		}
		tx := res.tx
		c.mtx.Lock()
		oo := c.offers[offerID]
		if oo == nil || !oo.Scheduled || oo.State.IsTerminal() {
			c.mtx.Unlock()
			c.log.Infof("Offer %s was canceled during reservation. Discarding reserve tx %s", offerID, tx.Hash)
			if err := w.ThawOutputs(ctx, tx.KeyImages()); err != nil {
				c.log.Errorf("Error thawing discarded reserve tx %s: %v", tx.Hash, err)
			}
			if err := w.ResetAddressEntries(offerID); err != nil {
				c.log.Errorf("Error resetting address entries of %s: %v", offerID, err)
			}
			return codedError(offerCanceledErr, fmt.Errorf("%w: %s", ErrOfferCanceled, offerID))
		}
		oo.ReserveTxHash, oo.ReserveTxHex, oo.ReserveTxKey = tx.Hash, tx.Hex, tx.Key
		oo.FrozenAmount = tx.FrozenAmount()
		oo.ReservedAmount = tx.ReservedAmount
		oo.ReserveTxFee = tx.Fee
		oo.ErrorMessage = ""
		oo.Offer.ReserveTxHash = tx.Hash
		oo.Offer.ReserveTxKeyImages = tx.KeyImages()
		if err := c.db.UpdateOpenOffer(oo); err != nil {
			c.log.Errorf("Error storing reservation of offer %s: %v", offerID, err)
		}
		committed = oo.Copy()
		c.mtx.Unlock()
		return nil
	})
	if err != nil {
		c.setOfferError(offerID, err)
		return nil, err
	}
	c.signalBalance()
	c.log.Infof("Reserved %s for offer %s in reserve tx %s", dex.FormatAtoms(committed.FrozenAmount),
		offerID, committed.ReserveTxHash)
	c.notify(newOfferNote("Offer funds reserved", fmt.Sprintf("Reserved %s for offer %s",
		dex.FormatAtoms(committed.FrozenAmount), offerID), db.Success, committed))
	return committed, nil
}

func (c *Core) setOfferError(offerID string, err error) {
	if errors.Is(err, ErrOfferCanceled) {
		return
	}
	c.mtx.Lock()
	oo := c.offers[offerID]
	if oo == nil {
		c.mtx.Unlock()
		return
	}
	oo.ErrorMessage = err.Error()
	if dbErr := c.db.UpdateOpenOffer(oo); dbErr != nil {
		c.log.Errorf("Error storing open offer %s: %v", offerID, dbErr)
	}
	ooc := oo.Copy()
	c.mtx.Unlock()
	c.notify(newOfferNote("Offer funding failed", err.Error(), db.ErrorLevel, ooc))
}

// openOffer is a copy of the open offer.
func (c *Core) openOffer(id string) (*offer.OpenOffer, error) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	oo := c.offers[id]
	if oo == nil {
		return nil, newError(unknownOfferErr, "unknown offer %s", id)
	}
	return oo.Copy(), nil
}

// OpenOffers lists copies of the open offers, oldest first.
func (c *Core) OpenOffers() []*offer.OpenOffer {
	c.mtx.RLock()
	oos := make([]*offer.OpenOffer, 0, len(c.offers))
	for _, oo := range c.offers {
		oos = append(oos, oo.Copy())
	}
	c.mtx.RUnlock()
	sort.Slice(oos, func(i, j int) bool {
		if oos[i].Offer.Date.Equal(oos[j].Offer.Date) {
			return oos[i].ID() < oos[j].ID()
		}
		return oos[i].Offer.Date.Before(oos[j].Offer.Date)
	})
	return oos
}

// CancelOffer cancels an open offer that is not taken, releasing its
// reservation. A reservation in progress is abandoned.
func (c *Core) CancelOffer(ctx context.Context, offerID string) error {
	c.mtx.Lock()
	oo := c.offers[offerID]
	if oo == nil {
		c.mtx.Unlock()
		return newError(unknownOfferErr, "unknown offer %s", offerID)
	}
	if oo.State == offer.OpenReserved {
		c.mtx.Unlock()
		return newError(tradeStateErr, "offer %s is being taken", offerID)
	}
	oo.Scheduled = false
	oo.State = offer.OpenCanceled
	if err := c.db.UpdateOpenOffer(oo); err != nil {
		c.log.Errorf("Error storing canceled offer %s: %v", offerID, err)
	}
	c.mtx.Unlock()

	// The funds lock orders this after any reservation in progress, which
	// sees the canceled offer and discards its tx.
	err := c.wallet.WithFundsLock(func(w asset.Wallet) error {
		c.mtx.RLock()
		kis := append([]string(nil), oo.Offer.ReserveTxKeyImages...)
		c.mtx.RUnlock()
		if len(kis) > 0 {
			if err := c.withRetry(ctx, "thaw", func() error { return w.ThawOutputs(ctx, kis) }); err != nil {
				return walletError(err, "thaw outputs of offer %s", offerID)
			}
		}
		return w.ResetAddressEntries(offerID)
	})
	if err != nil {
		return err
	}

	c.mtx.Lock()
	oo.ClearReservation()
	if err := c.db.UpdateOpenOffer(oo); err != nil {
		c.log.Errorf("Error storing canceled offer %s: %v", offerID, err)
	}
	delete(c.offers, offerID)
	ooc := oo.Copy()
	c.mtx.Unlock()

	c.signalBalance()
	c.log.Infof("Canceled offer %s", offerID)
	c.notify(newOfferNote("Offer canceled", fmt.Sprintf("Offer %s was canceled", offerID), db.Success, ooc))
	return nil
}

// closeOffer marks the maker's offer closed once its trade's deposit is
// published, and removes it from the open offers.
func (c *Core) closeOffer(offerID string) {
	c.mtx.Lock()
	oo := c.offers[offerID]
	if oo == nil {
		c.mtx.Unlock()
		return
	}
	oo.State = offer.OpenClosed
	oo.Scheduled = false
	if err := c.db.UpdateOpenOffer(oo); err != nil {
		c.log.Errorf("Error storing closed offer %s: %v", offerID, err)
	}
	delete(c.offers, offerID)
	ooc := oo.Copy()
	c.mtx.Unlock()
	c.notify(newOfferNote("Offer closed", fmt.Sprintf("Offer %s was taken", offerID), db.Data, ooc))
}
