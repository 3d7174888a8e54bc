// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tuskeNetwork/tuskex-sub001/client/asset"
	"github.com/tuskeNetwork/tuskex-sub001/client/comms"
	"github.com/tuskeNetwork/tuskex-sub001/client/db"
	"github.com/tuskeNetwork/tuskex-sub001/dex"
	"github.com/tuskeNetwork/tuskex-sub001/dex/msgjson"
	"github.com/tuskeNetwork/tuskex-sub001/dex/offer"
	"github.com/tuskeNetwork/tuskex-sub001/dex/trade"
)

type availabilityResult struct {
	resp *msgjson.OfferAvailabilityResponse
	err  error
}

// PeerOfferState is the last known state of a peer's offer that this node
// tried to take.
func (c *Core) PeerOfferState(offerID string) offer.State {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	if o := c.peerOffers[offerID]; o != nil {
		return o.State
	}
	return offer.StateUnknown
}

func (c *Core) setPeerOfferState(o *offer.Offer, s offer.State) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	po := c.peerOffers[o.ID]
	if po == nil {
		po = o.Copy()
		c.peerOffers[o.ID] = po
	}
	po.State = s
}

// TakeOffer takes a peer's offer for the amount. The offer is checked against
// the filter and its availability is confirmed with the maker before any
// funds are reserved. The new trade is returned once the trade request is
// sent.
func (c *Core) TakeOffer(ctx context.Context, o *offer.Offer, amount uint64, paymentAccount string) (*trade.Trade, error) {
	if c.cfg.AgentMode {
		return nil, newError(paramsErr, "dispute agents do not take offers")
	}
	if err := o.Validate(); err != nil {
		return nil, newError(paramsErr, "invalid offer: %w", err)
	}
	if amount == 0 {
		amount = o.Amount
	}
	if amount < o.MinAmount || amount > o.Amount {
		return nil, newError(paramsErr, "amount %s out of range [%s, %s]", dex.FormatAtoms(amount),
			dex.FormatAtoms(o.MinAmount), dex.FormatAtoms(o.Amount))
	}
	if o.MakerNode == c.cfg.Addr {
		return nil, newError(paramsErr, "cannot take own offer %s", o.ID)
	}
	if err := c.cfg.Filter.CheckOffer(o); err != nil {
		return nil, codedError(filterErr, err)
	}
	if c.offerUsed(o.ID) {
		return nil, codedError(filterErr, dex.NewErrorf(ErrFiltered, "offer %s was already taken", o.ID))
	}

	resp, err := c.requestAvailability(ctx, o, amount)
	if err != nil {
		return nil, err
	}
	if !c.agentKeys.Allowed(trade.Mediation, resp.AgentRing.SigPubKey) {
		c.setPeerOfferState(o, offer.StateNotAvailable)
		return nil, codedError(filterErr, dex.NewErrorf(ErrFiltered, "agent %s of offer %s is not allow-listed",
			resp.AgentNode, o.ID))
	}

	takerIsBuyer := !o.IsMakerBuyer()
	t := &trade.Trade{
		ID:        o.ID,
		Role:      trade.NewRole(takerIsBuyer, false),
		Offer:     o.Copy(),
		Amount:    amount,
		Price:     o.Price,
		Phase:     trade.PhaseInit,
		State:     trade.StatePreparation,
		MakerFee:  o.MakerFee(amount),
		TakerFee:  o.TakerFee(amount),
		StartTime: time.Now(),
	}
	pm := &t.ProcessModel
	pm.Self = trade.TradePeer{
		NodeAddress:     c.cfg.Addr,
		PubKeyRing:      c.PubKeyRing(),
		SecurityDeposit: o.SecurityDeposit(amount, takerIsBuyer),
		PaymentAccount:  paymentAccount,
	}
	pm.Peer = trade.TradePeer{
		NodeAddress:        o.MakerNode,
		PubKeyRing:         o.MakerPubKeyRing,
		ReserveTxHash:      o.ReserveTxHash,
		ReserveTxKeyImages: append([]string(nil), o.ReserveTxKeyImages...),
		SecurityDeposit:    o.SecurityDeposit(amount, !takerIsBuyer),
	}
	pm.Agent = trade.TradePeer{
		NodeAddress:  resp.AgentNode,
		PubKeyRing:   resp.AgentRing,
		MultisigInfo: resp.AgentMultisig,
	}

	tt, err := c.addTrade(t)
	if err != nil {
		return nil, err
	}
	err = c.runJob(ctx, tt, func() error {
		if err := c.takerReserve(ctx, tt); err != nil {
			if failErr := c.failTrade(ctx, tt, err); failErr != nil {
				c.log.Errorf("Error failing trade %s: %v", t.ID, failErr)
			}
			return err
		}
		return c.sendInitTradeRequest(tt)
	})
	if err != nil {
		return nil, err
	}
	return c.tradeSnapshot(tt), nil
}

// offerUsed is true if this node already traded the offer.
func (c *Core) offerUsed(offerID string) bool {
	if c.trackedTrade(offerID) != nil {
		return true
	}
	_, err := c.db.Trade(offerID)
	return err == nil
}

// requestAvailability asks the maker whether the offer can be taken.
func (c *Core) requestAvailability(ctx context.Context, o *offer.Offer, amount uint64) (*msgjson.OfferAvailabilityResponse, error) {
	msg, err := msgjson.NewMessage(msgjson.OfferAvailabilityRequestRoute, o.ID,
		&msgjson.OfferAvailabilityRequest{OfferID: o.ID, Amount: amount})
	if err != nil {
		return nil, err
	}
	ch := make(chan *availabilityResult, 1)
	c.availMtx.Lock()
	c.availWaiters[msg.UID] = ch
	c.availMtx.Unlock()
	defer func() {
		c.availMtx.Lock()
		delete(c.availWaiters, msg.UID)
		c.availMtx.Unlock()
	}()

	err = c.send(o.MakerNode, o.MakerPubKeyRing, msg, false, &comms.SendListener{
		OnFault: func(err error) {
			select {
			case ch <- &availabilityResult{err: err}:
			default:
			}
		},
	})
	if err != nil {
		return nil, newError(protocolErr, "error requesting availability of offer %s: %w", o.ID, err)
	}

	timer := time.NewTimer(2 * c.cfg.SendTimeout)
	defer timer.Stop()
	var res *availabilityResult
	select {
	case res = <-ch:
	case <-timer.C:
		res = &availabilityResult{err: fmt.Errorf("no availability response from %s", o.MakerNode)}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.err != nil {
		c.setPeerOfferState(o, offer.StateMakerOffline)
		return nil, newError(protocolErr, "maker of offer %s is offline: %w", o.ID, res.err)
	}
	if res.resp.State != offer.StateAvailable {
		c.setPeerOfferState(o, offer.StateNotAvailable)
		return nil, newError(protocolErr, "%w: %s: %s", ErrOfferNotAvail, o.ID, res.resp.Reason)
	}
	c.setPeerOfferState(o, offer.StateAvailable)
	return res.resp, nil
}

// handleOfferAvailabilityResponse passes the maker's answer to the waiting
// TakeOffer.
func (c *Core) handleOfferAvailabilityResponse(in *comms.Inbound) error {
	resp := new(msgjson.OfferAvailabilityResponse)
	if err := in.Msg.Unmarshal(resp); err != nil {
		return err
	}
	c.availMtx.Lock()
	ch := c.availWaiters[resp.RequestUID]
	c.availMtx.Unlock()
	if ch == nil {
		c.log.Debugf("Availability response %s for offer %s has no waiter", resp.RequestUID, resp.OfferID)
		return nil
	}
	select {
	case ch <- &availabilityResult{resp: resp}:
	default:
	}
	return nil
}

// handleOfferAvailabilityRequest answers a taker. The offer must be reserved
// and available, and a dispute agent must be configured.
func (c *Core) handleOfferAvailabilityRequest(in *comms.Inbound) error {
	req := new(msgjson.OfferAvailabilityRequest)
	if err := in.Msg.Unmarshal(req); err != nil {
		return err
	}
	resp := &msgjson.OfferAvailabilityResponse{
		RequestUID: in.Msg.UID,
		OfferID:    req.OfferID,
		State:      offer.StateNotAvailable,
	}
	oo, err := c.openOffer(req.OfferID)
	switch {
	case err != nil:
		resp.Reason = "unknown offer"
	case oo.State != offer.OpenAvailable:
		resp.Reason = "offer is " + oo.State.String()
	case !oo.IsReserved():
		resp.Reason = "offer funds are not reserved"
	case req.Amount < oo.Offer.MinAmount || req.Amount > oo.Offer.Amount:
		resp.Reason = "amount out of range"
	case c.cfg.Agent == nil:
		resp.Reason = "no dispute agent"
	case c.cfg.Filter.CheckNode(in.Env.Sender) != nil:
		resp.Reason = "taker is filtered"
	default:
		resp.State = offer.StateAvailable
		resp.AgentNode = c.cfg.Agent.Node
		resp.AgentRing = c.cfg.Agent.PubKeyRing
		resp.AgentMultisig = c.cfg.Agent.MultisigInfo
	}
	msg, err := msgjson.NewMessage(msgjson.OfferAvailabilityResponseRoute, req.OfferID, resp)
	if err != nil {
		return err
	}
	return c.send(in.Env.Sender, *in.Env.SenderRing, msg, false, nil)
}

// takerReserve reserves the taker's trade funds.
func (c *Core) takerReserve(ctx context.Context, tt *trackedTrade) error {
	t := c.tradeSnapshot(tt)
	ms, err := c.wallet.MultisigInfo(ctx)
	if err != nil {
		return walletError(err, "multisig info")
	}
	req := &reserveRequest{
		ownerID:    t.ID,
		penaltyFee: t.Offer.PenaltyFee(t.Amount),
		tradeFee:   t.TakerFee,
		sendAmount: t.SendAmount(),
		deposit:    t.SecurityDeposit(),
		scheduled:  func() bool { return c.trackedTrade(t.ID) != nil },
		touch:      func() { c.rearmTimer(tt) },
	}
	return c.wallet.WithFundsLock(func(w asset.Wallet) error {
		res, err := c.reserve(ctx, w, req)
		if err != nil {
			return err
		}
		_, err = c.applyTrade(tt, func(t *trade.Trade) error {
			t.FrozenAmount = res.tx.FrozenAmount()
			t.ReservedAmount = res.tx.ReservedAmount
			self := &t.ProcessModel.Self
			self.ReserveTxHash = res.tx.Hash
			self.ReserveTxKeyImages = res.tx.KeyImages()
			self.DepositTxFee = res.tx.Fee
			self.PayoutAddress = res.payoutAddress
			self.PayoutSubaddress = res.payoutSubaddress
			self.MultisigInfo = ms
			return nil
		})
		if err != nil {
			if thawErr := w.ThawOutputs(ctx, res.tx.KeyImages()); thawErr != nil {
				c.log.Errorf("Error thawing reserve tx %s: %v", res.tx.Hash, thawErr)
			}
		}
		return err
	})
}

// sendInitTradeRequest sends the taker's trade request to the maker.
func (c *Core) sendInitTradeRequest(tt *trackedTrade) error {
	t, err := c.advanceTrade(tt, trade.StateInitTradeRequestSent)
	if err != nil {
		return err
	}
	self, agent := &t.ProcessModel.Self, &t.ProcessModel.Agent
	req := &msgjson.InitTradeRequest{
		Offer:              t.Offer,
		Amount:             t.Amount,
		Price:              t.Price,
		TakerFee:           t.TakerFee,
		ReserveTxHash:      self.ReserveTxHash,
		ReserveTxKeyImages: self.ReserveTxKeyImages,
		MultisigInfo:       self.MultisigInfo,
		PayoutAddress:      self.PayoutAddress,
		PaymentAccount:     self.PaymentAccount,
		AgentNode:          agent.NodeAddress,
		AgentRing:          agent.PubKeyRing,
		AgentMultisig:      agent.MultisigInfo,
	}
	o := t.Offer
	return c.sendMailbox(o.MakerNode, o.MakerPubKeyRing, msgjson.InitTradeRequestRoute, t.ID, req, &comms.SendListener{
		OnFault: func(err error) {
			c.setPeerOfferState(o, offer.StateMakerOffline)
			c.enqueue(tt, "init request fault", func() error {
				_, err := c.applyTrade(tt, func(t *trade.Trade) error {
					t.ErrorMessage = fmt.Sprintf("maker unreachable: %v", err)
					return nil
				})
				return err
			})
		},
	})
}

// handleInitTradeRequest is the maker's handler for a taker's trade request.
// The maker's trade inherits the offer's reservation.
func (c *Core) handleInitTradeRequest(in *comms.Inbound) error {
	req := new(msgjson.InitTradeRequest)
	if err := in.Msg.Unmarshal(req); err != nil {
		return err
	}
	if req.Offer == nil || req.Offer.ID != in.Msg.TradeID {
		return newError(protocolErr, "trade request without matching offer")
	}
	if err := c.cfg.Filter.CheckNode(in.Env.Sender); err != nil {
		return codedError(filterErr, err)
	}
	id := req.Offer.ID
	ms, err := c.wallet.MultisigInfo(c.ctx)
	if err != nil {
		return walletError(err, "multisig info")
	}
	payout, found := c.wallet.AddressEntry(id, asset.TradePayout)
	if !found {
		return newError(addressErr, "no payout address for offer %s", id)
	}

	c.mtx.Lock()
	oo := c.offers[id]
	if err := c.checkInitTradeRequest(oo, req); err != nil {
		c.mtx.Unlock()
		return err
	}
	oo.State = offer.OpenReserved
	if err := c.db.UpdateOpenOffer(oo); err != nil {
		c.mtx.Unlock()
		return codedError(dbErr, err)
	}
	oo = oo.Copy()
	c.mtx.Unlock()

	t, err := c.makerTrade(oo, req, in, ms, payout)
	if err == nil {
		_, err = c.addTrade(t)
	}
	if err != nil {
		c.reopenOffer(id)
		return err
	}
	c.notify(newOfferNote("Offer taken", fmt.Sprintf("Offer %s is being taken by %s", id, in.Env.Sender),
		db.Poke, oo))
	sr := &msgjson.SignContractRequest{
		Contract:    t.Contract,
		ContractSig: t.ProcessModel.Self.ContractSig,
	}
	return c.sendMailbox(in.Env.Sender, *in.Env.SenderRing, msgjson.SignContractRequestRoute, id, sr, nil)
}

// checkInitTradeRequest validates the request against the open offer.
// Core.mtx must be held.
func (c *Core) checkInitTradeRequest(oo *offer.OpenOffer, req *msgjson.InitTradeRequest) error {
	if oo == nil {
		return newError(unknownOfferErr, "unknown offer %s", req.Offer.ID)
	}
	o := oo.Offer
	switch {
	case c.trades[o.ID] != nil:
		return newError(tradeStateErr, "offer %s is already traded", o.ID)
	case oo.State != offer.OpenAvailable:
		return newError(protocolErr, "%w: offer %s is %s", ErrOfferNotAvail, o.ID, oo.State)
	case !oo.IsReserved():
		return newError(protocolErr, "%w: offer %s is not reserved", ErrOfferNotAvail, o.ID)
	case req.Amount < o.MinAmount || req.Amount > o.Amount:
		return newError(protocolErr, "amount %d out of range", req.Amount)
	case req.Price != o.Price:
		return newError(protocolErr, "price %d does not match offer price %d", req.Price, o.Price)
	case req.TakerFee != o.TakerFee(req.Amount):
		return newError(protocolErr, "taker fee %d, expected %d", req.TakerFee, o.TakerFee(req.Amount))
	case c.cfg.Agent == nil || req.AgentNode != c.cfg.Agent.Node || !req.AgentRing.Equal(&c.cfg.Agent.PubKeyRing):
		return newError(protocolErr, "unexpected agent %s", req.AgentNode)
	case req.PayoutAddress == "" || len(req.MultisigInfo) == 0 || req.ReserveTxHash == "":
		return newError(protocolErr, "incomplete trade request")
	}
	return nil
}

// makerTrade builds the maker's trade and signs the contract.
func (c *Core) makerTrade(oo *offer.OpenOffer, req *msgjson.InitTradeRequest, in *comms.Inbound,
	ms []byte, payout *asset.AddressEntry) (*trade.Trade, error) {

	o := oo.Offer
	amt := req.Amount
	makerIsBuyer := o.IsMakerBuyer()
	t := &trade.Trade{
		ID:           o.ID,
		Role:         trade.NewRole(makerIsBuyer, true),
		Offer:        o.Copy(),
		Amount:       amt,
		Price:        o.Price,
		Phase:        trade.PhaseInit,
		State:        trade.StatePreparation,
		MakerFee:     o.MakerFee(amt),
		TakerFee:     req.TakerFee,
		FrozenAmount: oo.FrozenAmount,
		StartTime:    time.Now(),
	}
	// The trade inherits the offer's reserve tx, which reserved for the full
	// offer amount.
	t.ReservedAmount = oo.ReservedAmount
	if t.ReservedAmount == 0 {
		t.ReservedAmount = t.SendAmount() + t.SecurityDeposit()
	}
	agent := c.cfg.Agent
	pm := &t.ProcessModel
	pm.Self = trade.TradePeer{
		NodeAddress:        c.cfg.Addr,
		PubKeyRing:         c.PubKeyRing(),
		MultisigInfo:       ms,
		ReserveTxHash:      oo.ReserveTxHash,
		ReserveTxKeyImages: append([]string(nil), o.ReserveTxKeyImages...),
		DepositTxFee:       oo.ReserveTxFee,
		PayoutAddress:      payout.Address,
		PayoutSubaddress:   payout.SubaddressIndex,
		SecurityDeposit:    t.SecurityDeposit(),
		PaymentAccount:     oo.PaymentAccount,
	}
	pm.Peer = trade.TradePeer{
		NodeAddress:        in.Env.Sender,
		PubKeyRing:         *in.Env.SenderRing,
		MultisigInfo:       req.MultisigInfo,
		ReserveTxHash:      req.ReserveTxHash,
		ReserveTxKeyImages: req.ReserveTxKeyImages,
		PayoutAddress:      req.PayoutAddress,
		SecurityDeposit:    o.SecurityDeposit(amt, !makerIsBuyer),
		PaymentAccount:     req.PaymentAccount,
	}
	pm.Agent = trade.TradePeer{
		NodeAddress:  agent.Node,
		PubKeyRing:   agent.PubKeyRing,
		MultisigInfo: agent.MultisigInfo,
	}

	ct := &trade.Contract{
		TradeID:               t.ID,
		Offer:                 o.Copy(),
		Amount:                amt,
		Price:                 t.Price,
		MakerIsBuyer:          makerIsBuyer,
		MakerNode:             c.cfg.Addr,
		TakerNode:             in.Env.Sender,
		MakerPubKeyRing:       pm.Self.PubKeyRing,
		TakerPubKeyRing:       pm.Peer.PubKeyRing,
		AgentNode:             agent.Node,
		AgentPubKeyRing:       agent.PubKeyRing,
		MakerReserveTxHash:    oo.ReserveTxHash,
		TakerReserveTxHash:    req.ReserveTxHash,
		MakerMultisigInfo:     ms,
		TakerMultisigInfo:     req.MultisigInfo,
		AgentMultisigInfo:     agent.MultisigInfo,
		BuyerSecurityDeposit:  o.BuyerSecurityDeposit(amt),
		SellerSecurityDeposit: o.SellerSecurityDeposit(amt),
		MakerPaymentAccount:   oo.PaymentAccount,
		TakerPaymentAccount:   req.PaymentAccount,
		Date:                  time.Now().UnixMilli(),
	}
	if makerIsBuyer {
		ct.BuyerPayoutAddress, ct.SellerPayoutAddress = payout.Address, req.PayoutAddress
	} else {
		ct.BuyerPayoutAddress, ct.SellerPayoutAddress = req.PayoutAddress, payout.Address
	}
	t.Contract = ct
	t.ContractHash = ct.Hash()
	pm.Self.ContractSig = msgjson.SignHash(c.id.SigKey, t.ContractHash)
	setDefaultPayout(t)
	t.SetState(trade.StateContractSignatureRequested)
	return t, nil
}

// setDefaultPayout sets the payout split of a trade without dispute. The
// buyer gets the traded amount and its deposit back. The seller gets its
// deposit back.
func setDefaultPayout(t *trade.Trade) {
	t.BuyerPayoutAmount = t.Amount + t.Contract.BuyerSecurityDeposit
	t.SellerPayoutAmount = t.Contract.SellerSecurityDeposit
}

// verifyContract checks the maker's contract against the taker's trade.
func (c *Core) verifyContract(t *trade.Trade, ct *trade.Contract) error {
	self, peer, agent := &t.ProcessModel.Self, &t.ProcessModel.Peer, &t.ProcessModel.Agent
	o := t.Offer
	takerPayout := ct.SellerPayoutAddress
	if t.Role.IsBuyer() {
		takerPayout = ct.BuyerPayoutAddress
	}
	var bad string
	switch {
	case ct.TradeID != t.ID || ct.Offer == nil || ct.Offer.ID != t.ID:
		bad = "trade id"
	case ct.Amount != t.Amount || ct.Price != t.Price:
		bad = "amount or price"
	case ct.MakerIsBuyer != o.IsMakerBuyer():
		bad = "direction"
	case ct.MakerNode != peer.NodeAddress || !ct.MakerPubKeyRing.Equal(&peer.PubKeyRing):
		bad = "maker"
	case ct.TakerNode != self.NodeAddress || !ct.TakerPubKeyRing.Equal(&self.PubKeyRing):
		bad = "taker"
	case ct.AgentNode != agent.NodeAddress || !ct.AgentPubKeyRing.Equal(&agent.PubKeyRing) ||
		!bytes.Equal(ct.AgentMultisigInfo, agent.MultisigInfo):
		bad = "agent"
	case ct.TakerReserveTxHash != self.ReserveTxHash || !bytes.Equal(ct.TakerMultisigInfo, self.MultisigInfo):
		bad = "taker reserve"
	case takerPayout != self.PayoutAddress:
		bad = "taker payout address"
	case ct.BuyerSecurityDeposit != o.BuyerSecurityDeposit(t.Amount) ||
		ct.SellerSecurityDeposit != o.SellerSecurityDeposit(t.Amount):
		bad = "security deposits"
	case ct.TakerPaymentAccount != self.PaymentAccount:
		bad = "payment account"
	case len(ct.MakerMultisigInfo) == 0 || ct.MakerReserveTxHash == "":
		bad = "maker reserve"
	}
	if bad != "" {
		return newError(protocolErr, "contract of trade %s has wrong %s", t.ID, bad)
	}
	return nil
}

// handleSignContractRequest is the taker's handler for the maker's signed
// contract.
func (c *Core) handleSignContractRequest(tt *trackedTrade, in *comms.Inbound) error {
	req := new(msgjson.SignContractRequest)
	if err := in.Msg.Unmarshal(req); err != nil {
		return err
	}
	t := c.tradeSnapshot(tt)
	if err := checkPeer(t, in); err != nil {
		return err
	}
	if req.Contract == nil {
		return newError(protocolErr, "no contract")
	}
	hash := req.Contract.Hash()
	if t.Contract != nil {
		if bytes.Equal(t.ContractHash, hash) {
			return nil
		}
		return newError(tradeStateErr, "trade %s already has a different contract", t.ID)
	}
	if t.State != trade.StateInitTradeRequestSent {
		return newError(tradeStateErr, "unexpected contract for trade %s in state %s", t.ID, t.State)
	}
	if err := c.verifyContract(t, req.Contract); err != nil {
		return err
	}
	if err := msgjson.CheckSig(hash, req.ContractSig, t.ProcessModel.Peer.PubKeyRing.SigPubKey); err != nil {
		return newError(protocolErr, "maker contract signature: %w", err)
	}
	sig := msgjson.SignHash(c.id.SigKey, hash)
	ct := req.Contract
	if _, err := c.applyTrade(tt, func(t *trade.Trade) error {
		t.Contract = ct
		t.ContractHash = hash
		t.ProcessModel.Self.ContractSig = sig
		peer := &t.ProcessModel.Peer
		peer.ContractSig = req.ContractSig
		peer.MultisigInfo = ct.MakerMultisigInfo
		peer.ReserveTxHash = ct.MakerReserveTxHash
		peer.PaymentAccount = ct.MakerPaymentAccount
		if t.Role.IsBuyer() {
			peer.PayoutAddress = ct.SellerPayoutAddress
		} else {
			peer.PayoutAddress = ct.BuyerPayoutAddress
		}
		setDefaultPayout(t)
		t.ErrorMessage = ""
		t.SetState(trade.StateContractSigned)
		return nil
	}); err != nil {
		return err
	}
	err := c.sendMailbox(t.ProcessModel.Peer.NodeAddress, t.ProcessModel.Peer.PubKeyRing,
		msgjson.SignContractResponseRoute, t.ID, &msgjson.SignContractResponse{ContractSig: sig}, nil)
	if err != nil {
		return err
	}
	c.enqueue(tt, "deposit", func() error { return c.publishDeposit(c.ctx, tt) })
	return nil
}

// handleSignContractResponse is the maker's handler for the taker's
// countersignature.
func (c *Core) handleSignContractResponse(tt *trackedTrade, in *comms.Inbound) error {
	resp := new(msgjson.SignContractResponse)
	if err := in.Msg.Unmarshal(resp); err != nil {
		return err
	}
	t := c.tradeSnapshot(tt)
	if err := checkPeer(t, in); err != nil {
		return err
	}
	if t.State >= trade.StateContractSigned {
		return nil
	}
	if t.State != trade.StateContractSignatureRequested {
		return newError(tradeStateErr, "unexpected contract signature for trade %s in state %s", t.ID, t.State)
	}
	if err := msgjson.CheckSig(t.ContractHash, resp.ContractSig, t.ProcessModel.Peer.PubKeyRing.SigPubKey); err != nil {
		return newError(protocolErr, "taker contract signature: %w", err)
	}
	if _, err := c.applyTrade(tt, func(t *trade.Trade) error {
		t.ProcessModel.Peer.ContractSig = resp.ContractSig
		t.SetState(trade.StateContractSigned)
		return nil
	}); err != nil {
		return err
	}
	c.enqueue(tt, "deposit", func() error { return c.publishDeposit(c.ctx, tt) })
	return nil
}

// publishDeposit spends the trade's reserved funds into the escrow and tells
// the peer. Transient wallet errors are retried. Other errors are recorded on
// the trade, which stays open.
func (c *Core) publishDeposit(ctx context.Context, tt *trackedTrade) error {
	t := c.tradeSnapshot(tt)
	if t.ProcessModel.Self.DepositTxHash != "" || t.State < trade.StateContractSigned {
		return nil
	}
	ct := t.Contract
	params := &asset.DepositParams{
		TradeID:       t.ID,
		KeyImages:     t.ProcessModel.Self.ReserveTxKeyImages,
		DepositAmount: t.SendAmount() + t.SecurityDeposit(),
		TradeFee:      t.TradeFee(),
		Participants:  [][]byte{ct.MakerMultisigInfo, ct.TakerMultisigInfo, ct.AgentMultisigInfo},
	}
	var published bool
	err := c.wallet.WithFundsLock(func(w asset.Wallet) error {
		var dep *asset.DepositTx
		err := c.withRetry(ctx, "deposit", func() (err error) {
			dep, err = w.PublishDeposit(ctx, params)
			return err
		})
		if err != nil {
			return walletError(err, "publish deposit of trade %s", t.ID)
		}
		t, err = c.applyTrade(tt, func(t *trade.Trade) error {
			self := &t.ProcessModel.Self
			self.DepositTxHash = dep.Hash
			self.DepositTxFee = dep.Fee
			t.FrozenAmount = 0
			t.ErrorMessage = ""
			if t.ProcessModel.Peer.DepositTxHash != "" {
				t.SetState(trade.StateDepositsPublished)
			} else {
				t.SetState(trade.StateSelfDepositPublished)
			}
			return nil
		})
		if err != nil {
			return err
		}
		published = true
		return nil
	})
	if err != nil {
		if !published {
			if _, applyErr := c.applyTrade(tt, func(t *trade.Trade) error {
				t.ErrorMessage = err.Error()
				return nil
			}); applyErr != nil {
				c.log.Errorf("Error recording deposit failure of trade %s: %v", t.ID, applyErr)
			}
		}
		return err
	}
	c.log.Infof("Published deposit %s of trade %s", t.ProcessModel.Self.DepositTxHash, t.ID)
	if t.Role.IsMaker() {
		c.closeOffer(t.ID)
	}
	if t.Phase == trade.PhaseDepositsPublished {
		c.watchDeposits(tt)
	}
	dp := &msgjson.DepositPublished{
		DepositTxHash: t.ProcessModel.Self.DepositTxHash,
		DepositTxFee:  t.ProcessModel.Self.DepositTxFee,
	}
	peer := &t.ProcessModel.Peer
	return c.sendMailbox(peer.NodeAddress, peer.PubKeyRing, msgjson.DepositPublishedRoute, t.ID, dp, nil)
}

// handleDepositPublished records the peer's deposit once the wallet sees it.
func (c *Core) handleDepositPublished(tt *trackedTrade, in *comms.Inbound) error {
	dp := new(msgjson.DepositPublished)
	if err := in.Msg.Unmarshal(dp); err != nil {
		return err
	}
	t := c.tradeSnapshot(tt)
	if err := checkPeer(t, in); err != nil {
		return err
	}
	if t.ProcessModel.Peer.DepositTxHash != "" {
		if t.ProcessModel.Peer.DepositTxHash == dp.DepositTxHash {
			return nil
		}
		return newError(protocolErr, "peer announced a second deposit %s for trade %s", dp.DepositTxHash, t.ID)
	}
	if t.Contract == nil {
		return newError(tradeStateErr, "deposit announced before the contract of trade %s", t.ID)
	}
	err := c.withRetry(c.ctx, "deposit lookup", func() error {
		_, err := c.wallet.TxConfirmations(c.ctx, dp.DepositTxHash)
		return err
	})
	if err != nil {
		if errors.Is(err, asset.ErrNotFound) {
			return newError(protocolErr, "peer deposit %s of trade %s not found", dp.DepositTxHash, t.ID)
		}
		return walletError(err, "peer deposit lookup")
	}
	var unlockedWatch bool
	t, err = c.applyTrade(tt, func(t *trade.Trade) error {
		t.ProcessModel.Peer.DepositTxHash = dp.DepositTxHash
		t.ProcessModel.Peer.DepositTxFee = dp.DepositTxFee
		if t.ProcessModel.Self.DepositTxHash != "" && t.SetState(trade.StateDepositsPublished) {
			unlockedWatch = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	if unlockedWatch && t.Phase == trade.PhaseDepositsPublished {
		c.watchDeposits(tt)
	}
	return nil
}
