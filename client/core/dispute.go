// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tuskeNetwork/tuskex-sub001/client/asset"
	"github.com/tuskeNetwork/tuskex-sub001/client/comms"
	"github.com/tuskeNetwork/tuskex-sub001/client/db"
	"github.com/tuskeNetwork/tuskex-sub001/dex"
	"github.com/tuskeNetwork/tuskex-sub001/dex/msgjson"
	"github.com/tuskeNetwork/tuskex-sub001/dex/trade"
)

type disputeKindInfo struct {
	opened     trade.DisputeState
	peerOpened trade.DisputeState
	closed     trade.DisputeState
	intro      string
}

var disputeKindInfos = map[trade.DisputeKind]*disputeKindInfo{
	trade.Mediation: {
		opened:     trade.MediationRequested,
		peerOpened: trade.MediationStartedByPeer,
		closed:     trade.MediationClosed,
		intro: "Mediation was requested for trade %s. The mediator will suggest a payout. " +
			"Both traders must accept it before it is paid out.",
	},
	trade.Arbitration: {
		opened:     trade.DisputeOpened,
		peerOpened: trade.DisputeOpened,
		closed:     trade.DisputeClosed,
		intro: "Arbitration was opened for trade %s. The arbitrator's decision is final " +
			"and is paid out with the arbitrator's signature.",
	},
	trade.Refund: {
		opened:     trade.DisputeOpened,
		peerOpened: trade.DisputeOpened,
		closed:     trade.RefundRequestClosed,
		intro:      "A refund was requested for trade %s.",
	},
}

// DisputeResolution is an agent's decision on a dispute.
type DisputeResolution struct {
	Winner             trade.Winner `json:"winner"`
	Reason             string       `json:"reason"`
	BuyerPayoutAmount  uint64       `json:"buyerPayoutAmount"`
	SellerPayoutAmount uint64       `json:"sellerPayoutAmount"`
	SummaryNotes       string       `json:"summaryNotes"`
}

func systemChatMessage(tradeID, text string) *trade.ChatMessage {
	return &trade.ChatMessage{
		UID:           uuid.NewString(),
		TradeID:       tradeID,
		Text:          text,
		Date:          time.Now(),
		SystemMessage: true,
		Dispute:       true,
	}
}

// dispute is a copy of the stored dispute, or nil.
func (c *Core) dispute(tradeID string, kind trade.DisputeKind) *trade.Dispute {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	if d := c.disputes[trade.DisputeKey(tradeID, kind)]; d != nil {
		return d.Copy()
	}
	return nil
}

// openDisputeOf is the dispute of the trade that is not yet closed.
func (c *Core) openDisputeOf(tradeID string) *trade.Dispute {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	for i := len(trade.DisputeKinds) - 1; i >= 0; i-- {
		if d := c.disputes[trade.DisputeKey(tradeID, trade.DisputeKinds[i])]; d != nil && !d.IsClosed {
			return d.Copy()
		}
	}
	return nil
}

// storeDispute persists the dispute and swaps it in.
func (c *Core) storeDispute(d *trade.Dispute) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if err := c.db.UpdateDispute(d); err != nil {
		return codedError(dbErr, fmt.Errorf("error storing dispute %s: %w", d.Key(), err))
	}
	c.disputes[d.Key()] = d
	return nil
}

// OpenDispute escalates the trade to its agent. Mediation and arbitration
// need published deposits. A refund may also be requested for a trade that
// stalled before that.
func (c *Core) OpenDispute(ctx context.Context, tradeID string, kind trade.DisputeKind) (*trade.Dispute, error) {
	info := disputeKindInfos[kind]
	if info == nil {
		return nil, newError(paramsErr, "unknown dispute kind %d", kind)
	}
	tt, err := c.activeTrade(tradeID)
	if err != nil {
		return nil, err
	}
	var d *trade.Dispute
	err = c.runJob(ctx, tt, func() error {
		t := c.tradeSnapshot(tt)
		switch {
		case t.Role.IsArbitrator():
			return newError(tradeStateErr, "agents do not open disputes")
		case t.IsPayoutPublished():
			return newError(tradeStateErr, "trade %s is already paid out", t.ID)
		case t.Contract == nil:
			return newError(tradeStateErr, "trade %s has no contract", t.ID)
		case t.Phase < trade.PhaseDepositsPublished && !(kind == trade.Refund && t.Stalled):
			return newError(tradeStateErr, "cannot open %s for trade %s in phase %s", kind, t.ID, t.Phase)
		case t.DisputeState.IsOpen() || t.DisputeState.IsTerminal():
			return newError(tradeStateErr, "trade %s is already in dispute (%s)", t.ID, t.DisputeState)
		case t.DisputeState == trade.MediationClosed && kind == trade.Mediation:
			return newError(tradeStateErr, "mediation of trade %s is closed", t.ID)
		case c.dispute(t.ID, kind) != nil:
			return newError(tradeStateErr, "%s for trade %s was already opened", kind, t.ID)
		}
		agent := &t.ProcessModel.Agent
		if !c.agentKeys.Allowed(kind, agent.PubKeyRing.SigPubKey) {
			return codedError(filterErr, dex.NewErrorf(ErrFiltered, "agent %s of trade %s is not allow-listed for %s",
				agent.NodeAddress, t.ID, kind))
		}

		d = &trade.Dispute{
			TradeID:       t.ID,
			Kind:          kind,
			OpenerIsBuyer: t.Role.IsBuyer(),
			OpenerIsMaker: t.Role.IsMaker(),
			IsOpener:      true,
			AgentPubKey:   agent.PubKeyRing.SigPubKey,
			ContractHash:  t.ContractHash,
			Contract:      t.Contract,
			ChatMessages:  []*trade.ChatMessage{systemChatMessage(t.ID, fmt.Sprintf(info.intro, t.ID))},
			OpeningDate:   time.Now(),
		}
		if err := c.storeDispute(d); err != nil {
			return err
		}
		if _, err := c.applyTrade(tt, func(t *trade.Trade) error {
			t.DisputeState = info.opened
			return nil
		}); err != nil {
			return err
		}
		c.metrics.disputes.WithLabelValues(kind.String(), "opened").Inc()
		c.log.Infof("Opened %s for trade %s with agent %s", kind, t.ID, agent.NodeAddress)
		c.notify(newDisputeNote("Dispute opened", fmt.Sprintf("%s opened for trade %s", kind, t.ID), db.Success, d.Copy()))

		return c.sendMailbox(agent.NodeAddress, agent.PubKeyRing, msgjson.DisputeOpenedRoute, t.ID,
			&msgjson.DisputeOpened{
				Dispute:     d.Copy(),
				OpenerNode:  c.cfg.Addr,
				OpenerRing:  c.PubKeyRing(),
				ContractSig: t.ProcessModel.Self.ContractSig,
			}, nil)
	})
	if err != nil {
		return nil, err
	}
	return d.Copy(), nil
}

// handleDisputeOpened is the agent's handler for a trader's dispute.
func (c *Core) handleDisputeOpened(in *comms.Inbound) error {
	if !c.cfg.AgentMode {
		return newError(protocolErr, "not a dispute agent")
	}
	do := new(msgjson.DisputeOpened)
	if err := in.Msg.Unmarshal(do); err != nil {
		return err
	}
	d := do.Dispute
	if d == nil || d.Contract == nil || d.TradeID != in.Msg.TradeID || disputeKindInfos[d.Kind] == nil {
		return newError(protocolErr, "malformed dispute for trade %s", in.Msg.TradeID)
	}
	ct := d.Contract
	if !bytes.Equal(ct.Hash(), d.ContractHash) {
		return newError(protocolErr, "contract hash mismatch in dispute of trade %s", d.TradeID)
	}
	ring := c.PubKeyRing()
	if ct.AgentNode != c.cfg.Addr || !ct.AgentPubKeyRing.Equal(&ring) {
		return newError(protocolErr, "not the agent of trade %s", d.TradeID)
	}
	var otherNode dex.NodeAddress
	var otherRing dex.PubKeyRing
	switch {
	case in.Env.Sender == ct.MakerNode && ct.MakerPubKeyRing.Equal(in.Env.SenderRing):
		otherNode, otherRing = ct.TakerNode, ct.TakerPubKeyRing
	case in.Env.Sender == ct.TakerNode && ct.TakerPubKeyRing.Equal(in.Env.SenderRing):
		otherNode, otherRing = ct.MakerNode, ct.MakerPubKeyRing
	default:
		return dex.NewErrorf(ErrUnexpectedPeer, "%s is not a trader of trade %s", in.Env.Sender, d.TradeID)
	}
	if err := msgjson.CheckSig(d.ContractHash, do.ContractSig, in.Env.SenderRing.SigPubKey); err != nil {
		return newError(protocolErr, "contract signature of dispute opener: %w", err)
	}

	if existing := c.dispute(d.TradeID, d.Kind); existing != nil {
		if existing.IsClosed {
			return newError(tradeStateErr, "%s of trade %s is closed", d.Kind, d.TradeID)
		}
		return nil
	}

	info := disputeKindInfos[d.Kind]
	tt := c.trackedTrade(d.TradeID)
	if tt == nil {
		t := &trade.Trade{
			ID:           d.TradeID,
			Role:         trade.Arbitrator,
			Offer:        ct.Offer.Copy(),
			Amount:       ct.Amount,
			Price:        ct.Price,
			Phase:        trade.PhaseInit,
			State:        trade.StatePreparation,
			DisputeState: info.opened,
			MakerFee:     ct.Offer.MakerFee(ct.Amount),
			TakerFee:     ct.Offer.TakerFee(ct.Amount),
			Contract:     ct,
			ContractHash: d.ContractHash,
			StartTime:    time.Now(),
		}
		t.ProcessModel.Self = trade.TradePeer{
			NodeAddress:  c.cfg.Addr,
			PubKeyRing:   ring,
			MultisigInfo: ct.AgentMultisigInfo,
		}
		setDefaultPayout(t)
		var err error
		if tt, err = c.addTrade(t); err != nil {
			return err
		}
	} else if _, err := c.applyTrade(tt, func(t *trade.Trade) error {
		t.DisputeState = info.opened
		return nil
	}); err != nil {
		return err
	}

	ad := d.Copy()
	ad.IsOpener = false
	ad.OpeningDate = time.Now()
	for _, m := range ad.ChatMessages {
		m.Arrived, m.StoredInMailbox, m.Acknowledged, m.AckError = false, false, false, ""
	}
	if err := c.storeDispute(ad); err != nil {
		return err
	}
	c.metrics.disputes.WithLabelValues(d.Kind.String(), "received").Inc()
	c.log.Infof("Received %s for trade %s from %s", d.Kind, d.TradeID, in.Env.Sender)
	c.notify(newDisputeNote("New dispute", fmt.Sprintf("%s requested for trade %s by %s", d.Kind, d.TradeID, in.Env.Sender),
		db.Success, ad.Copy()))

	pd := d.Copy()
	pd.IsOpener = false
	return c.sendMailbox(otherNode, otherRing, msgjson.PeerOpenedDisputeRoute, d.TradeID,
		&msgjson.PeerOpenedDispute{Dispute: pd}, nil)
}

// handlePeerOpenedDispute is a trader's handler for the agent's notice that
// the peer opened a dispute.
func (c *Core) handlePeerOpenedDispute(tt *trackedTrade, in *comms.Inbound) error {
	pod := new(msgjson.PeerOpenedDispute)
	if err := in.Msg.Unmarshal(pod); err != nil {
		return err
	}
	t := c.tradeSnapshot(tt)
	if err := checkAgent(t, in); err != nil {
		return err
	}
	d := pod.Dispute
	if d == nil || d.TradeID != t.ID || disputeKindInfos[d.Kind] == nil {
		return newError(protocolErr, "malformed dispute notice for trade %s", t.ID)
	}
	if !bytes.Equal(d.ContractHash, t.ContractHash) {
		return newError(protocolErr, "dispute notice for trade %s has the wrong contract", t.ID)
	}
	if c.dispute(t.ID, d.Kind) != nil {
		return nil
	}
	info := disputeKindInfos[d.Kind]
	d = d.Copy()
	d.IsOpener = false
	d.AgentPubKey = t.ProcessModel.Agent.PubKeyRing.SigPubKey
	for _, m := range d.ChatMessages {
		m.Arrived, m.StoredInMailbox, m.Acknowledged, m.AckError = false, false, false, ""
	}
	if err := c.storeDispute(d); err != nil {
		return err
	}
	if _, err := c.applyTrade(tt, func(t *trade.Trade) error {
		if t.DisputeState.IsTerminal() {
			return errNoChange
		}
		t.DisputeState = info.peerOpened
		return nil
	}); err != nil {
		return err
	}
	c.metrics.disputes.WithLabelValues(d.Kind.String(), "peer_opened").Inc()
	c.log.Infof("Peer opened %s for trade %s", d.Kind, t.ID)
	c.notify(newDisputeNote("Dispute opened by peer", fmt.Sprintf("Your trading peer opened %s for trade %s", d.Kind, t.ID),
		db.WarningLevel, d.Copy()))
	return nil
}

// CloseDispute is the agent's decision on the open dispute of a trade. The
// signed summary goes to both traders. For arbitration and refunds the agent
// signs the payout, so either trader can publish it.
func (c *Core) CloseDispute(ctx context.Context, tradeID string, kind trade.DisputeKind, res *DisputeResolution) (*trade.DisputeResult, error) {
	if !c.cfg.AgentMode {
		return nil, newError(paramsErr, "not a dispute agent")
	}
	info := disputeKindInfos[kind]
	if info == nil || res == nil {
		return nil, newError(paramsErr, "missing dispute kind or resolution")
	}
	tt, err := c.activeTrade(tradeID)
	if err != nil {
		return nil, err
	}
	var result *trade.DisputeResult
	err = c.runJob(ctx, tt, func() error {
		t := c.tradeSnapshot(tt)
		d := c.dispute(tradeID, kind)
		switch {
		case !t.Role.IsArbitrator():
			return newError(tradeStateErr, "trade %s is not an agent trade", tradeID)
		case d == nil:
			return newError(tradeStateErr, "no %s for trade %s", kind, tradeID)
		case d.IsClosed:
			return newError(tradeStateErr, "%s for trade %s is already closed", kind, tradeID)
		}
		escrow := t.Amount + t.Contract.BuyerSecurityDeposit + t.Contract.SellerSecurityDeposit
		if res.BuyerPayoutAmount+res.SellerPayoutAmount > escrow {
			return newError(paramsErr, "payouts %s exceed the escrow of %s", dex.FormatAtoms(res.BuyerPayoutAmount+res.SellerPayoutAmount),
				dex.FormatAtoms(escrow))
		}

		result = &trade.DisputeResult{
			TradeID:                      tradeID,
			Kind:                         kind,
			Winner:                       res.Winner,
			Reason:                       res.Reason,
			BuyerPayoutAmountBeforeCost:  res.BuyerPayoutAmount,
			SellerPayoutAmountBeforeCost: res.SellerPayoutAmount,
			SummaryNotes:                 res.SummaryNotes,
			CloseDate:                    time.Now().Truncate(time.Second),
		}
		text := summaryText(result)
		result.SummaryText = signSummary(c.id.SigKey, text)
		_, pubKey, sig, _ := ParseSignedSummary(result.SummaryText)
		result.AgentPubKey, result.AgentSignature = pubKey, sig

		if kind != trade.Mediation && res.BuyerPayoutAmount+res.SellerPayoutAmount > 0 {
			pt := t.Copy()
			pt.BuyerPayoutAmount, pt.SellerPayoutAmount = res.BuyerPayoutAmount, res.SellerPayoutAmount
			sig, err := c.signPayout(ctx, pt)
			if err != nil {
				return err
			}
			result.AgentPayoutSig = sig
		}

		msg := systemChatMessage(tradeID, text)
		d.IsClosed = true
		d.Result = result
		d.ChatMessages = append(d.ChatMessages, msg)
		if err := c.storeDispute(d); err != nil {
			return err
		}
		if _, err := c.applyTrade(tt, func(t *trade.Trade) error {
			t.DisputeState = info.closed
			t.BuyerPayoutAmount, t.SellerPayoutAmount = res.BuyerPayoutAmount, res.SellerPayoutAmount
			return nil
		}); err != nil {
			return err
		}
		c.metrics.disputes.WithLabelValues(kind.String(), "closed").Inc()
		c.log.Infof("Closed %s for trade %s: winner %s, buyer %s, seller %s", kind, tradeID, res.Winner,
			dex.FormatAtoms(res.BuyerPayoutAmount), dex.FormatAtoms(res.SellerPayoutAmount))
		c.notify(newDisputeNote("Dispute closed", fmt.Sprintf("%s for trade %s closed", kind, tradeID), db.Success, d.Copy()))

		ct := t.Contract
		dc := &msgjson.DisputeClosed{Result: result, ChatMessage: msg}
		for _, p := range []struct {
			node dex.NodeAddress
			ring dex.PubKeyRing
		}{{ct.MakerNode, ct.MakerPubKeyRing}, {ct.TakerNode, ct.TakerPubKeyRing}} {
			if err := c.sendMailbox(p.node, p.ring, msgjson.DisputeClosedRoute, tradeID, dc, nil); err != nil {
				c.log.Errorf("Error sending %s result of trade %s to %s: %v", kind, tradeID, p.node, err)
			}
		}
		if kind != trade.Mediation {
			return c.archiveTrade(tt, db.TradeClosed)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// handleDisputeClosed is a trader's handler for the agent's result. A result
// for a dispute that is not known yet is retried once after a short delay,
// since it can arrive before the agent's notice of the peer's dispute.
func (c *Core) handleDisputeClosed(in *comms.Inbound) error {
	dc := new(msgjson.DisputeClosed)
	if err := in.Msg.Unmarshal(dc); err != nil {
		return err
	}
	res := dc.Result
	if res == nil || res.TradeID != in.Msg.TradeID || disputeKindInfos[res.Kind] == nil {
		return newError(protocolErr, "malformed dispute result for trade %s", in.Msg.TradeID)
	}
	d := c.dispute(res.TradeID, res.Kind)
	if d == nil {
		// The requeued mark is kept for the life of the uid, so a result is
		// requeued at most once.
		c.mtx.Lock()
		requeued := c.requeued[in.Msg.UID]
		c.requeued[in.Msg.UID] = true
		c.mtx.Unlock()
		if requeued {
			c.log.Warnf("Dropping %s result %s for unknown dispute of trade %s", res.Kind, in.Msg.UID, res.TradeID)
			return codedError(staleMessageErr, dex.NewErrorf(ErrStaleMessage, "no %s for trade %s", res.Kind, res.TradeID))
		}
		c.log.Debugf("Requeueing %s result %s for trade %s", res.Kind, in.Msg.UID, res.TradeID)
		return comms.ErrRequeue
	}

	if !bytes.Equal(in.Env.SenderRing.SigPubKey, d.AgentPubKey) || !bytes.Equal(res.AgentPubKey, d.AgentPubKey) {
		return dex.NewErrorf(ErrUnexpectedPeer, "%s is not the agent of %s for trade %s", in.Env.Sender, res.Kind, res.TradeID)
	}
	text, err := c.agentKeys.VerifySummary(res.Kind, res.SummaryText, d.AgentPubKey)
	if err == nil && text != summaryText(res) {
		err = dex.NewErrorf(ErrDisputeSig, "%s result fields for trade %s differ from the signed summary", res.Kind, res.TradeID)
	}
	if err != nil {
		c.log.Errorf("Rejected %s result for trade %s: %v", res.Kind, res.TradeID, err)
		return codedError(disputeSigErr, err)
	}
	// A closed dispute only accepts redeliveries of its own result.
	if d.IsClosed && d.Result != nil && d.Result.SummaryText != res.SummaryText {
		c.log.Errorf("Rejected second %s result for trade %s", res.Kind, res.TradeID)
		return codedError(tradeStateErr, dex.NewErrorf(ErrResultConflict, "%s for trade %s is already closed", res.Kind, res.TradeID))
	}

	if !d.IsClosed || (dc.ChatMessage != nil && !d.HasChatMessage(dc.ChatMessage.UID)) {
		if dc.ChatMessage != nil && !d.HasChatMessage(dc.ChatMessage.UID) {
			m := *dc.ChatMessage
			m.Arrived, m.StoredInMailbox, m.Acknowledged, m.AckError = false, false, false, ""
			d.ChatMessages = append(d.ChatMessages, &m)
		}
		firstClose := !d.IsClosed
		d.IsClosed = true
		d.Result = res
		if err := c.storeDispute(d); err != nil {
			return err
		}
		if firstClose {
			c.metrics.disputes.WithLabelValues(res.Kind.String(), "closed").Inc()
			c.log.Infof("Agent closed %s for trade %s: winner %s", res.Kind, res.TradeID, res.Winner)
			c.notify(newDisputeNote("Dispute closed", fmt.Sprintf("%s for trade %s was closed. Winner: %s",
				res.Kind, res.TradeID, res.Winner), db.Success, d.Copy()))
		}
	}

	tt := c.trackedTrade(res.TradeID)
	if tt == nil {
		if res.Kind == trade.Mediation {
			c.closeOffer(res.TradeID)
		}
		return nil
	}
	return c.runJob(c.ctx, tt, func() error { return c.applyDisputeResult(c.ctx, tt, res) })
}

// applyDisputeResult applies a verified result to the trader's trade.
// Mediated amounts wait for both traders to accept. Arbitration and refund
// results are paid out at once, or fail the trade if nothing was deposited.
func (c *Core) applyDisputeResult(ctx context.Context, tt *trackedTrade, res *trade.DisputeResult) error {
	info := disputeKindInfos[res.Kind]
	t, err := c.applyTrade(tt, func(t *trade.Trade) error {
		if t.IsPayoutPublished() {
			return errNoChange
		}
		if res.Kind == trade.Mediation && (t.DisputeState.IsTerminal() || t.ProcessModel.MediationAccepted) {
			return errNoChange
		}
		if t.DisputeState == info.closed && t.BuyerPayoutAmount == res.BuyerPayoutAmountBeforeCost &&
			t.SellerPayoutAmount == res.SellerPayoutAmountBeforeCost {
			return errNoChange
		}
		t.DisputeState = info.closed
		t.BuyerPayoutAmount = res.BuyerPayoutAmountBeforeCost
		t.SellerPayoutAmount = res.SellerPayoutAmountBeforeCost
		return nil
	})
	if err != nil {
		return err
	}
	if res.Kind == trade.Mediation || t.IsPayoutPublished() || !t.DisputeState.IsTerminal() {
		return nil
	}

	if t.ProcessModel.Self.DepositTxHash == "" {
		return c.failTrade(ctx, tt, fmt.Errorf("%s closed before the deposit was published", res.Kind))
	}
	if len(res.AgentPayoutSig) == 0 {
		return newError(protocolErr, "%s result for trade %s has no payout signature", res.Kind, t.ID)
	}
	sig, err := c.signPayout(ctx, t)
	if err != nil {
		return err
	}
	txHash, err := c.publishPayout(ctx, t, [][]byte{res.AgentPayoutSig, sig})
	if err != nil {
		if _, applyErr := c.applyTrade(tt, func(t *trade.Trade) error {
			t.ErrorMessage = err.Error()
			return nil
		}); applyErr != nil {
			c.log.Errorf("Error recording payout failure of trade %s: %v", t.ID, applyErr)
		}
		return err
	}
	if _, err := c.applyTrade(tt, func(t *trade.Trade) error {
		t.PayoutTxHash = txHash
		t.ProcessModel.Self.PayoutSig = sig
		t.ErrorMessage = ""
		t.SetState(trade.StatePayoutPublished)
		return nil
	}); err != nil {
		return err
	}
	c.watchPayout(tt)
	return nil
}

// AcceptMediationResult signs the payout suggested by the mediator. The
// first trader to accept sends its signature to the peer. The second
// publishes the payout.
func (c *Core) AcceptMediationResult(ctx context.Context, tradeID string) error {
	tt, err := c.activeTrade(tradeID)
	if err != nil {
		return err
	}
	return c.runJob(ctx, tt, func() error {
		t := c.tradeSnapshot(tt)
		switch {
		case t.DisputeState != trade.MediationClosed:
			return newError(tradeStateErr, "trade %s has no mediation result (%s)", t.ID, t.DisputeState)
		case t.IsPayoutPublished():
			return newError(tradeStateErr, "trade %s is already paid out", t.ID)
		case t.ProcessModel.MediationAccepted:
			return newError(tradeStateErr, "mediation result of trade %s was already accepted", t.ID)
		}
		sig, err := c.signPayout(ctx, t)
		if err != nil {
			return err
		}
		if t, err = c.applyTrade(tt, func(t *trade.Trade) error {
			t.ProcessModel.Self.MediatedPayoutSig = sig
			t.ProcessModel.MediationAccepted = true
			return nil
		}); err != nil {
			return err
		}
		c.log.Infof("Accepted mediation result of trade %s", t.ID)
		if len(t.ProcessModel.Peer.MediatedPayoutSig) > 0 {
			return c.publishMediatedPayout(ctx, tt)
		}
		peer := &t.ProcessModel.Peer
		return c.sendMailbox(peer.NodeAddress, peer.PubKeyRing, msgjson.MediatedPayoutSignatureRoute, t.ID,
			&msgjson.MediatedPayoutSignature{
				PayoutSig:          sig,
				BuyerPayoutAmount:  t.BuyerPayoutAmount,
				SellerPayoutAmount: t.SellerPayoutAmount,
			}, nil)
	})
}

// RejectMediationResult escalates a closed mediation to arbitration.
func (c *Core) RejectMediationResult(ctx context.Context, tradeID string) (*trade.Dispute, error) {
	t, err := c.Trade(tradeID)
	if err != nil {
		return nil, err
	}
	if t.DisputeState != trade.MediationClosed {
		return nil, newError(tradeStateErr, "trade %s has no mediation result (%s)", t.ID, t.DisputeState)
	}
	if t.ProcessModel.MediationAccepted {
		return nil, newError(tradeStateErr, "mediation result of trade %s was already accepted", t.ID)
	}
	return c.OpenDispute(ctx, tradeID, trade.Arbitration)
}

// publishMediatedPayout publishes the mediated payout with both traders'
// signatures and tells the peer.
func (c *Core) publishMediatedPayout(ctx context.Context, tt *trackedTrade) error {
	t := c.tradeSnapshot(tt)
	txHash, err := c.publishPayout(ctx, t, [][]byte{t.ProcessModel.Peer.MediatedPayoutSig, t.ProcessModel.Self.MediatedPayoutSig})
	if err != nil {
		return err
	}
	if t, err = c.applyTrade(tt, func(t *trade.Trade) error {
		t.PayoutTxHash = txHash
		t.ErrorMessage = ""
		t.SetState(trade.StatePayoutPublished)
		return nil
	}); err != nil {
		return err
	}
	c.watchPayout(tt)
	peer := &t.ProcessModel.Peer
	return c.sendMailbox(peer.NodeAddress, peer.PubKeyRing, msgjson.MediatedPayoutPublishedRoute, t.ID,
		&msgjson.MediatedPayoutPublished{PayoutTxHash: txHash}, nil)
}

// handleMediatedPayoutSignature is a trader's handler for the peer's
// acceptance of the mediation result.
func (c *Core) handleMediatedPayoutSignature(tt *trackedTrade, in *comms.Inbound) error {
	mps := new(msgjson.MediatedPayoutSignature)
	if err := in.Msg.Unmarshal(mps); err != nil {
		return err
	}
	t := c.tradeSnapshot(tt)
	if err := checkPeer(t, in); err != nil {
		return err
	}
	switch {
	case t.IsPayoutPublished():
		return nil
	case t.DisputeState != trade.MediationClosed:
		return newError(tradeStateErr, "no mediation result for trade %s yet", t.ID)
	case mps.BuyerPayoutAmount != t.BuyerPayoutAmount || mps.SellerPayoutAmount != t.SellerPayoutAmount:
		return newError(protocolErr, "peer accepted a different mediated payout for trade %s", t.ID)
	}
	if err := msgjson.CheckSig(payoutParams(t).SigHash(), mps.PayoutSig, t.ProcessModel.Peer.MultisigInfo); err != nil {
		return newError(protocolErr, "peer mediated payout signature of trade %s: %w", t.ID, err)
	}
	t, err := c.applyTrade(tt, func(t *trade.Trade) error {
		t.ProcessModel.Peer.MediatedPayoutSig = mps.PayoutSig
		return nil
	})
	if err != nil {
		return err
	}
	if t.ProcessModel.MediationAccepted {
		return c.publishMediatedPayout(c.ctx, tt)
	}
	c.notify(newTradeNote("Mediation accepted by peer",
		fmt.Sprintf("Your peer accepted the mediation result of trade %s", t.ID), db.Success, t))
	return nil
}

// handleMediatedPayoutPublished is a trader's handler for the peer's
// published mediated payout.
func (c *Core) handleMediatedPayoutPublished(tt *trackedTrade, in *comms.Inbound) error {
	mpp := new(msgjson.MediatedPayoutPublished)
	if err := in.Msg.Unmarshal(mpp); err != nil {
		return err
	}
	t := c.tradeSnapshot(tt)
	if err := checkPeer(t, in); err != nil {
		return err
	}
	if t.IsPayoutPublished() {
		return nil
	}
	err := c.withRetry(c.ctx, "payout lookup", func() error {
		_, err := c.wallet.TxConfirmations(c.ctx, mpp.PayoutTxHash)
		return err
	})
	if err != nil {
		if errors.Is(err, asset.ErrNotFound) {
			return newError(protocolErr, "mediated payout %s of trade %s not found", mpp.PayoutTxHash, t.ID)
		}
		return walletError(err, "payout lookup")
	}
	if _, err := c.applyTrade(tt, func(t *trade.Trade) error {
		t.PayoutTxHash = mpp.PayoutTxHash
		t.SetState(trade.StatePayoutPublished)
		return nil
	}); err != nil {
		return err
	}
	c.watchPayout(tt)
	return nil
}

// SendChatMessage sends a chat line for the trade. While a dispute is open,
// traders chat with the agent. Otherwise they chat with each other. An agent
// writes to both traders of the open dispute.
func (c *Core) SendChatMessage(ctx context.Context, tradeID, text string) (*trade.ChatMessage, error) {
	if text == "" {
		return nil, newError(paramsErr, "empty chat message")
	}
	tt, err := c.activeTrade(tradeID)
	if err != nil {
		return nil, err
	}
	t := c.tradeSnapshot(tt)
	m := &trade.ChatMessage{
		UID:            uuid.NewString(),
		TradeID:        tradeID,
		SenderIsTrader: !t.Role.IsArbitrator(),
		Text:           text,
		Date:           time.Now(),
	}

	type recipient struct {
		node dex.NodeAddress
		ring dex.PubKeyRing
	}
	var to []recipient
	switch d := c.openDisputeOf(tradeID); {
	case t.Role.IsArbitrator():
		if d == nil {
			return nil, newError(tradeStateErr, "no open dispute for trade %s", tradeID)
		}
		m.Dispute = true
		ct := t.Contract
		to = []recipient{{ct.MakerNode, ct.MakerPubKeyRing}, {ct.TakerNode, ct.TakerPubKeyRing}}
		d.ChatMessages = append(d.ChatMessages, m)
		if err := c.storeDispute(d); err != nil {
			return nil, err
		}
	case d != nil:
		m.Dispute = true
		a := &t.ProcessModel.Agent
		to = []recipient{{a.NodeAddress, a.PubKeyRing}}
		d.ChatMessages = append(d.ChatMessages, m)
		if err := c.storeDispute(d); err != nil {
			return nil, err
		}
	default:
		p := &t.ProcessModel.Peer
		to = []recipient{{p.NodeAddress, p.PubKeyRing}}
		if _, err := c.applyTrade(tt, func(t *trade.Trade) error {
			mc := *m
			t.ChatMessages = append(t.ChatMessages, &mc)
			return nil
		}); err != nil {
			return nil, err
		}
	}

	for _, r := range to {
		l := &comms.SendListener{
			OnArrived: func() {
				c.updateChat(tradeID, m.UID, func(m *trade.ChatMessage) { m.Arrived = true })
			},
			OnStoredInMailbox: func() {
				c.updateChat(tradeID, m.UID, func(m *trade.ChatMessage) { m.StoredInMailbox = true })
			},
			OnFault: func(err error) {
				c.updateChat(tradeID, m.UID, func(m *trade.ChatMessage) { m.AckError = err.Error() })
			},
		}
		if err := c.sendChat(r.node, r.ring, m, l); err != nil {
			return nil, err
		}
	}
	mc := *m
	return &mc, nil
}

// sendChat sends the chat line under its own uid, so the receiver's ack
// identifies the line.
func (c *Core) sendChat(to dex.NodeAddress, ring dex.PubKeyRing, m *trade.ChatMessage, l *comms.SendListener) error {
	msg, err := msgjson.NewMessage(msgjson.ChatMessageRoute, m.TradeID, m)
	if err != nil {
		return err
	}
	msg.UID = m.UID
	return c.send(to, ring, msg, true, l)
}

// handleChatMessage stores a chat line from the peer or the agent. An agent
// relays a trader's line to the other trader.
func (c *Core) handleChatMessage(tt *trackedTrade, in *comms.Inbound) error {
	m := new(trade.ChatMessage)
	if err := in.Msg.Unmarshal(m); err != nil {
		return err
	}
	if m.UID == "" || m.TradeID != in.Msg.TradeID {
		return newError(protocolErr, "malformed chat message for trade %s", in.Msg.TradeID)
	}
	m.Arrived, m.StoredInMailbox, m.Acknowledged, m.AckError = false, false, false, ""
	t := c.tradeSnapshot(tt)

	if t.Role.IsArbitrator() {
		ct := t.Contract
		var relayNode dex.NodeAddress
		var relayRing dex.PubKeyRing
		switch {
		case in.Env.Sender == ct.MakerNode && ct.MakerPubKeyRing.Equal(in.Env.SenderRing):
			relayNode, relayRing = ct.TakerNode, ct.TakerPubKeyRing
		case in.Env.Sender == ct.TakerNode && ct.TakerPubKeyRing.Equal(in.Env.SenderRing):
			relayNode, relayRing = ct.MakerNode, ct.MakerPubKeyRing
		default:
			return dex.NewErrorf(ErrUnexpectedPeer, "%s is not a trader of trade %s", in.Env.Sender, t.ID)
		}
		d := c.openDisputeOf(t.ID)
		if d == nil {
			return newError(tradeStateErr, "no open dispute for trade %s", t.ID)
		}
		if d.HasChatMessage(m.UID) {
			return nil
		}
		m.Dispute = true
		d.ChatMessages = append(d.ChatMessages, m)
		if err := c.storeDispute(d); err != nil {
			return err
		}
		c.notify(newChatNote(m))
		return c.sendChat(relayNode, relayRing, m, nil)
	}

	if checkAgent(t, in) == nil {
		d := c.openDisputeOf(t.ID)
		if d == nil {
			// A line relayed after the dispute closed goes to the latest
			// dispute.
			for _, kind := range trade.DisputeKinds {
				if dd := c.dispute(t.ID, kind); dd != nil {
					d = dd
				}
			}
		}
		if d == nil {
			return newError(tradeStateErr, "no dispute for trade %s", t.ID)
		}
		if d.HasChatMessage(m.UID) {
			return nil
		}
		d.ChatMessages = append(d.ChatMessages, m)
		if err := c.storeDispute(d); err != nil {
			return err
		}
		c.notify(newChatNote(m))
		return nil
	}

	if err := checkPeer(t, in); err != nil {
		return err
	}
	if t.HasChatMessage(m.UID) {
		return nil
	}
	if _, err := c.applyTrade(tt, func(t *trade.Trade) error {
		if t.HasChatMessage(m.UID) {
			return errNoChange
		}
		mc := *m
		t.ChatMessages = append(t.ChatMessages, &mc)
		return nil
	}); err != nil {
		return err
	}
	c.notify(newChatNote(m))
	return nil
}

// updateChat updates the delivery fields of a chat line this node sent.
func (c *Core) updateChat(tradeID, uid string, f func(m *trade.ChatMessage)) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if tt := c.trades[tradeID]; tt != nil && !tt.closed && tt.t.HasChatMessage(uid) {
		t := tt.t.Copy()
		f(t.ChatMessage(uid))
		if err := c.db.UpdateTrade(t); err != nil {
			c.log.Errorf("Error storing chat update of trade %s: %v", tradeID, err)
			return
		}
		tt.t = t
		return
	}
	for _, kind := range trade.DisputeKinds {
		d := c.disputes[trade.DisputeKey(tradeID, kind)]
		if d == nil || !d.HasChatMessage(uid) {
			continue
		}
		d = d.Copy()
		for _, m := range d.ChatMessages {
			if m.UID == uid {
				f(m)
			}
		}
		if err := c.db.UpdateDispute(d); err != nil {
			c.log.Errorf("Error storing chat update of dispute %s: %v", d.Key(), err)
			return
		}
		c.disputes[d.Key()] = d
		return
	}
}
