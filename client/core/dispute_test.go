package core

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/tuskeNetwork/tuskex-sub001/client/comms"
	"github.com/tuskeNetwork/tuskex-sub001/dex/msgjson"
	"github.com/tuskeNetwork/tuskex-sub001/dex/trade"
)

func (n *tNode) disputeWhere(id string, kind trade.DisputeKind, f func(d *trade.Dispute) bool) bool {
	d := n.dispute(id, kind)
	return d != nil && f(d)
}

// fromNode is an inbound message as sent by the node.
func fromNode(n *tNode, msg *msgjson.Message) *comms.Inbound {
	ring := n.PubKeyRing()
	return &comms.Inbound{
		Env: &comms.Envelope{Sender: n.Addr(), SenderRing: &ring, Mailbox: true},
		Msg: msg,
	}
}

func disputeClosedMsg(t *testing.T, res *trade.DisputeResult, m *trade.ChatMessage) *msgjson.Message {
	t.Helper()
	msg, err := msgjson.NewMessage(msgjson.DisputeClosedRoute, res.TradeID, &msgjson.DisputeClosed{Result: res, ChatMessage: m})
	if err != nil {
		t.Fatalf("NewMessage error: %v", err)
	}
	return msg
}

func TestArbitration(t *testing.T) {
	h := newTestHarness(t)
	maker, taker, agent := h.maker, h.taker, h.agent
	id := h.tradeToUnlocked()
	tr, _ := taker.Trade(id)
	ct := tr.Contract

	if _, err := agent.OpenDispute(h.ctx, id, trade.Arbitration); ErrorCode(err) != unknownTradeErr {
		t.Fatalf("agent opened a dispute for an unknown trade: %v", err)
	}
	d, err := taker.OpenDispute(h.ctx, id, trade.Arbitration)
	if err != nil {
		t.Fatalf("OpenDispute error: %v", err)
	}
	if !d.IsOpener || !d.OpenerIsBuyer || d.OpenerIsMaker || len(d.ChatMessages) != 1 {
		t.Fatalf("wrong dispute: %s", spew.Sdump(d))
	}
	if _, err := taker.OpenDispute(h.ctx, id, trade.Refund); ErrorCode(err) != tradeStateErr {
		t.Fatalf("second dispute opened: %v", err)
	}
	waitFor(t, "agent dispute", func() bool {
		return agent.disputeWhere(id, trade.Arbitration, func(d *trade.Dispute) bool { return !d.IsOpener })
	})
	waitFor(t, "peer notified", func() bool {
		return maker.tradeWhere(id, func(t *trade.Trade) bool { return t.DisputeState == trade.DisputeOpened })
	})
	if at, _ := agent.Trade(id); !at.Role.IsArbitrator() {
		t.Fatalf("agent trade has role %s", at.Role)
	}

	// Dispute chat goes through the agent to the other trader.
	m, err := taker.SendChatMessage(h.ctx, id, "I sent the payment on Monday")
	if err != nil {
		t.Fatalf("SendChatMessage error: %v", err)
	}
	if !m.Dispute {
		t.Fatalf("chat line not marked as dispute chat")
	}
	waitFor(t, "relayed chat", func() bool {
		return maker.disputeWhere(id, trade.Arbitration, func(d *trade.Dispute) bool { return d.HasChatMessage(m.UID) })
	})
	if tr, _ := taker.Trade(id); tr.HasChatMessage(m.UID) {
		t.Fatalf("dispute chat stored as trade chat")
	}

	res := &DisputeResolution{
		Winner:             trade.WinnerBuyer,
		Reason:             "Seller did not confirm a verified payment",
		BuyerPayoutAmount:  tAmount + ct.BuyerSecurityDeposit + ct.SellerSecurityDeposit/2,
		SellerPayoutAmount: ct.SellerSecurityDeposit / 2,
	}
	if _, err := maker.CloseDispute(h.ctx, id, trade.Arbitration, res); ErrorCode(err) != paramsErr {
		t.Fatalf("trader closed a dispute: %v", err)
	}
	tooMuch := *res
	tooMuch.SellerPayoutAmount++
	if _, err := agent.CloseDispute(h.ctx, id, trade.Arbitration, &tooMuch); ErrorCode(err) != paramsErr {
		t.Fatalf("payout over the escrow accepted: %v", err)
	}
	result, err := agent.CloseDispute(h.ctx, id, trade.Arbitration, res)
	if err != nil {
		t.Fatalf("CloseDispute error: %v", err)
	}
	if len(result.AgentPayoutSig) == 0 || !strings.Contains(result.SummaryText, sigBlockBegin) {
		t.Fatalf("result not signed: %s", spew.Sdump(result))
	}
	if len(agent.Trades()) != 0 {
		t.Fatalf("agent trade not archived")
	}

	waitFor(t, "buyer payout", func() bool { return taker.tradeWhere(id, (*trade.Trade).IsPayoutPublished) })
	waitFor(t, "seller payout", func() bool { return maker.tradeWhere(id, (*trade.Trade).IsPayoutPublished) })
	h.chain.Mine(1)
	maker.waitPhase(id, trade.PhaseCompleted)
	taker.waitPhase(id, trade.PhaseCompleted)

	tr, _ = taker.Trade(id)
	if tr.DisputeState != trade.DisputeClosed || tr.BuyerPayoutAmount != res.BuyerPayoutAmount {
		t.Fatalf("result not applied: %s / %d", tr.DisputeState, tr.BuyerPayoutAmount)
	}
	fee := h.chain.TxFee
	if bal := walletBalance(t, taker.wallet); bal != tFunding-tr.TakerFee-fee+tAmount+ct.SellerSecurityDeposit/2 {
		t.Fatalf("wrong buyer balance %d", bal)
	}
	if bal := walletBalance(t, maker.wallet); bal != tFunding-tr.MakerFee-fee-tAmount-ct.SellerSecurityDeposit/2 {
		t.Fatalf("wrong seller balance %d", bal)
	}

	// A re-delivered result changes nothing.
	td := taker.dispute(id, trade.Arbitration)
	if !td.IsClosed || td.Result == nil {
		t.Fatalf("dispute not closed: %s", spew.Sdump(td))
	}
	last := td.ChatMessages[len(td.ChatMessages)-1]
	if !last.SystemMessage {
		t.Fatalf("result summary not added to the dispute chat")
	}
	for i := 0; i < 2; i++ {
		if err := taker.handleDisputeClosed(fromNode(agent, disputeClosedMsg(t, td.Result, last))); err != nil {
			t.Fatalf("handleDisputeClosed error for a repeated result: %v", err)
		}
	}
	if n := len(taker.dispute(id, trade.Arbitration).ChatMessages); n != len(td.ChatMessages) {
		t.Fatalf("repeated result changed the chat, %d != %d", n, len(td.ChatMessages))
	}

	// Altered summaries and results from anyone but the agent are rejected.
	altered := *td.Result
	altered.SummaryText = strings.Replace(altered.SummaryText, "Winner: buyer", "Winner: seller", 1)
	if err := taker.handleDisputeClosed(fromNode(agent, disputeClosedMsg(t, &altered, nil))); !errors.Is(err, ErrDisputeSig) {
		t.Fatalf("expected ErrDisputeSig, got %v", err)
	}
	if err := taker.handleDisputeClosed(fromNode(maker, disputeClosedMsg(t, td.Result, nil))); !errors.Is(err, ErrUnexpectedPeer) {
		t.Fatalf("expected ErrUnexpectedPeer, got %v", err)
	}
}

func TestMediation(t *testing.T) {
	h := newTestHarness(t)
	maker, taker, agent := h.maker, h.taker, h.agent
	id := h.tradeToUnlocked()
	tr, _ := maker.Trade(id)
	ct := tr.Contract

	if _, err := maker.OpenDispute(h.ctx, id, trade.Mediation); err != nil {
		t.Fatalf("OpenDispute error: %v", err)
	}
	waitFor(t, "peer notified", func() bool {
		return taker.tradeWhere(id, func(t *trade.Trade) bool { return t.DisputeState == trade.MediationStartedByPeer })
	})
	if err := taker.AcceptMediationResult(h.ctx, id); err == nil {
		t.Fatalf("accepted a mediation without result")
	}

	res := &DisputeResolution{
		Winner:             trade.WinnerSeller,
		Reason:             "Payment arrived late",
		BuyerPayoutAmount:  tAmount/2 + ct.BuyerSecurityDeposit,
		SellerPayoutAmount: tAmount/2 + ct.SellerSecurityDeposit,
		SummaryNotes:       "Split the amount.",
	}
	waitFor(t, "agent dispute", func() bool {
		return agent.disputeWhere(id, trade.Mediation, func(*trade.Dispute) bool { return true })
	})
	result, err := agent.CloseDispute(h.ctx, id, trade.Mediation, res)
	if err != nil {
		t.Fatalf("CloseDispute error: %v", err)
	}
	if len(result.AgentPayoutSig) != 0 {
		t.Fatalf("mediation result carries a payout signature")
	}
	for _, n := range []*tNode{maker, taker} {
		waitFor(t, n.name+" mediation result", func() bool {
			return n.tradeWhere(id, func(t *trade.Trade) bool {
				return t.DisputeState == trade.MediationClosed && t.BuyerPayoutAmount == res.BuyerPayoutAmount
			})
		})
	}
	if _, err := maker.OpenDispute(h.ctx, id, trade.Mediation); ErrorCode(err) != tradeStateErr {
		t.Fatalf("mediation reopened: %v", err)
	}

	if err := maker.AcceptMediationResult(h.ctx, id); err != nil {
		t.Fatalf("AcceptMediationResult error: %v", err)
	}
	if err := maker.AcceptMediationResult(h.ctx, id); ErrorCode(err) != tradeStateErr {
		t.Fatalf("accepted twice: %v", err)
	}
	waitFor(t, "peer mediated signature", func() bool {
		return taker.tradeWhere(id, func(t *trade.Trade) bool { return len(t.ProcessModel.Peer.MediatedPayoutSig) > 0 })
	})
	if err := taker.AcceptMediationResult(h.ctx, id); err != nil {
		t.Fatalf("AcceptMediationResult error: %v", err)
	}
	waitFor(t, "seller sees payout", func() bool { return maker.tradeWhere(id, (*trade.Trade).IsPayoutPublished) })
	h.chain.Mine(1)
	maker.waitPhase(id, trade.PhaseCompleted)
	taker.waitPhase(id, trade.PhaseCompleted)

	fee := h.chain.TxFee
	if bal := walletBalance(t, taker.wallet); bal != tFunding-tr.TakerFee-fee+tAmount/2 {
		t.Fatalf("wrong buyer balance %d", bal)
	}
	if bal := walletBalance(t, maker.wallet); bal != tFunding-tr.MakerFee-fee-tAmount/2 {
		t.Fatalf("wrong seller balance %d", bal)
	}
}

func TestDisputeClosedRequeue(t *testing.T) {
	h := newTestHarness(t)
	taker, agent := h.taker, h.agent
	id := h.tradeToUnlocked()
	tr, _ := taker.Trade(id)
	agentPub := agent.PubKeyRing().SigPubKey

	res := &trade.DisputeResult{
		TradeID:                      id,
		Kind:                         trade.Mediation,
		Winner:                       trade.WinnerBuyer,
		Reason:                       "Buyer proved the payment",
		BuyerPayoutAmountBeforeCost:  tr.Amount + tr.Contract.BuyerSecurityDeposit,
		SellerPayoutAmountBeforeCost: tr.Contract.SellerSecurityDeposit,
		CloseDate:                    time.Now().Truncate(time.Second),
	}
	res.SummaryText = signSummary(agent.id.SigKey, summaryText(res))
	_, res.AgentPubKey, res.AgentSignature, _ = ParseSignedSummary(res.SummaryText)

	// A result for a dispute that was never opened is requeued once, then
	// dropped on every later attempt.
	stray := *res
	stray.Kind = trade.Refund
	in := fromNode(agent, disputeClosedMsg(t, &stray, nil))
	if err := taker.handleInbound(in); !errors.Is(err, comms.ErrRequeue) {
		t.Fatalf("expected ErrRequeue, got %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := taker.handleDisputeClosed(in); !errors.Is(err, ErrStaleMessage) {
			t.Fatalf("attempt %d: expected ErrStaleMessage, got %v", i+2, err)
		}
	}

	// A result that overtakes the dispute notice is applied on the retry.
	err := agent.sendMailbox(taker.Addr(), taker.PubKeyRing(), msgjson.DisputeClosedRoute, id,
		&msgjson.DisputeClosed{Result: res}, nil)
	if err != nil {
		t.Fatalf("sendMailbox error: %v", err)
	}
	waitFor(t, "first attempt", func() bool {
		taker.mtx.RLock()
		defer taker.mtx.RUnlock()
		return len(taker.requeued) == 2
	})
	if d := taker.dispute(id, trade.Mediation); d != nil {
		t.Fatalf("dispute created by a result")
	}
	err = taker.storeDispute(&trade.Dispute{
		TradeID:      id,
		Kind:         trade.Mediation,
		AgentPubKey:  agentPub,
		ContractHash: tr.ContractHash,
		Contract:     tr.Contract,
		OpeningDate:  time.Now(),
	})
	if err != nil {
		t.Fatalf("storeDispute error: %v", err)
	}
	waitFor(t, "requeued result", func() bool {
		return taker.tradeWhere(id, func(t *trade.Trade) bool { return t.DisputeState == trade.MediationClosed })
	})
	if !taker.dispute(id, trade.Mediation).IsClosed {
		t.Fatalf("dispute not closed")
	}
}

func TestDisputeResultBinding(t *testing.T) {
	h := newTestHarness(t)
	maker, taker, agent := h.maker, h.taker, h.agent
	id := h.tradeToUnlocked()
	tr, _ := taker.Trade(id)
	ct := tr.Contract

	if _, err := maker.OpenDispute(h.ctx, id, trade.Mediation); err != nil {
		t.Fatalf("OpenDispute error: %v", err)
	}
	waitFor(t, "agent dispute", func() bool {
		return agent.disputeWhere(id, trade.Mediation, func(*trade.Dispute) bool { return true })
	})
	result, err := agent.CloseDispute(h.ctx, id, trade.Mediation, &DisputeResolution{
		Winner:             trade.WinnerBuyer,
		Reason:             "Buyer proved the payment",
		BuyerPayoutAmount:  tAmount + ct.BuyerSecurityDeposit,
		SellerPayoutAmount: ct.SellerSecurityDeposit,
	})
	if err != nil {
		t.Fatalf("CloseDispute error: %v", err)
	}
	waitFor(t, "mediation result", func() bool {
		return taker.tradeWhere(id, func(t *trade.Trade) bool { return t.DisputeState == trade.MediationClosed })
	})
	checkAmounts := func(when string) {
		t.Helper()
		tr, _ := taker.Trade(id)
		if tr.BuyerPayoutAmount != result.BuyerPayoutAmountBeforeCost || tr.SellerPayoutAmount != result.SellerPayoutAmountBeforeCost {
			t.Fatalf("%s: payout changed to buyer %d, seller %d", when, tr.BuyerPayoutAmount, tr.SellerPayoutAmount)
		}
	}

	// Amounts that differ from the signed summary.
	forged := *result
	forged.BuyerPayoutAmountBeforeCost, forged.SellerPayoutAmountBeforeCost = 1, result.BuyerPayoutAmountBeforeCost+result.SellerPayoutAmountBeforeCost-1
	if err := taker.handleDisputeClosed(fromNode(agent, disputeClosedMsg(t, &forged, nil))); !errors.Is(err, ErrDisputeSig) {
		t.Fatalf("expected ErrDisputeSig, got %v", err)
	}
	checkAmounts("forged amounts")

	// A second signed result with another split.
	second := forged
	second.CloseDate = result.CloseDate.Add(time.Minute)
	second.SummaryText = signSummary(agent.id.SigKey, summaryText(&second))
	if err := taker.handleDisputeClosed(fromNode(agent, disputeClosedMsg(t, &second, nil))); !errors.Is(err, ErrResultConflict) {
		t.Fatalf("expected ErrResultConflict, got %v", err)
	}
	checkAmounts("second result")
	if d := taker.dispute(id, trade.Mediation); d.Result.SummaryText != result.SummaryText {
		t.Fatalf("stored result replaced")
	}

	// Sender or result key other than the dispute's agent.
	wrongKey := *result
	wrongKey.AgentPubKey = maker.PubKeyRing().SigPubKey
	if err := taker.handleDisputeClosed(fromNode(agent, disputeClosedMsg(t, &wrongKey, nil))); !errors.Is(err, ErrUnexpectedPeer) {
		t.Fatalf("expected ErrUnexpectedPeer for result key, got %v", err)
	}
	if err := taker.handleDisputeClosed(fromNode(maker, disputeClosedMsg(t, result, nil))); !errors.Is(err, ErrUnexpectedPeer) {
		t.Fatalf("expected ErrUnexpectedPeer for sender, got %v", err)
	}

	// The same result again is a no-op.
	if err := taker.handleDisputeClosed(fromNode(agent, disputeClosedMsg(t, result, nil))); err != nil {
		t.Fatalf("redelivered result rejected: %v", err)
	}
	checkAmounts("redelivery")

	// Once accepted, the mediated amounts are fixed.
	if err := taker.AcceptMediationResult(h.ctx, id); err != nil {
		t.Fatalf("AcceptMediationResult error: %v", err)
	}
	if err := taker.applyDisputeResult(h.ctx, taker.trackedTrade(id), &second); err != nil {
		t.Fatalf("applyDisputeResult error: %v", err)
	}
	checkAmounts("accepted mediation")
}
