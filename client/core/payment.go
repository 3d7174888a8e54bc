// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/tuskeNetwork/tuskex-sub001/client/asset"
	"github.com/tuskeNetwork/tuskex-sub001/client/comms"
	"github.com/tuskeNetwork/tuskex-sub001/client/db"
	"github.com/tuskeNetwork/tuskex-sub001/dex"
	"github.com/tuskeNetwork/tuskex-sub001/dex/msgjson"
	"github.com/tuskeNetwork/tuskex-sub001/dex/trade"
)

// payoutParams are the payout terms of the trade's current split.
func payoutParams(t *trade.Trade) *asset.PayoutParams {
	return &asset.PayoutParams{
		TradeID:       t.ID,
		BuyerAddress:  t.Contract.BuyerPayoutAddress,
		SellerAddress: t.Contract.SellerPayoutAddress,
		BuyerAmount:   t.BuyerPayoutAmount,
		SellerAmount:  t.SellerPayoutAmount,
	}
}

// activeTrade is the active trade with the ID.
func (c *Core) activeTrade(id string) (*trackedTrade, error) {
	tt := c.trackedTrade(id)
	if tt == nil {
		return nil, newError(unknownTradeErr, "unknown trade %s", id)
	}
	return tt, nil
}

// signPayout signs the payout with retries for transient errors.
func (c *Core) signPayout(ctx context.Context, t *trade.Trade) ([]byte, error) {
	var sig []byte
	err := c.withRetry(ctx, "sign payout", func() (err error) {
		sig, err = c.wallet.SignPayout(ctx, payoutParams(t))
		return err
	})
	if err != nil {
		return nil, walletError(err, "sign payout of trade %s", t.ID)
	}
	return sig, nil
}

// ConfirmPaymentSent is the buyer's confirmation that the traded amount was
// paid outside of the escrow. The buyer's payout signature goes to the
// seller. A send that failed may be repeated.
func (c *Core) ConfirmPaymentSent(ctx context.Context, tradeID string) error {
	tt, err := c.activeTrade(tradeID)
	if err != nil {
		return err
	}
	return c.runJob(ctx, tt, func() error {
		t := c.tradeSnapshot(tt)
		switch {
		case !t.Role.IsBuyer():
			return newError(tradeStateErr, "only the buyer confirms the payment of trade %s", t.ID)
		case t.DisputeState.IsTerminal():
			return newError(tradeStateErr, "trade %s was settled by dispute", t.ID)
		case t.Phase == trade.PhaseDepositsUnlocked:
		case t.State == trade.StateBuyerSendFailedPaymentSentMsg:
		default:
			return newError(tradeStateErr, "cannot confirm payment of trade %s in state %s", t.ID, t.State)
		}
		sig, err := c.signPayout(ctx, t)
		if err != nil {
			return err
		}
		if _, err = c.applyTrade(tt, func(t *trade.Trade) error {
			t.ProcessModel.Self.PayoutSig = sig
			t.SetState(trade.StateBuyerConfirmedPaymentSent)
			return nil
		}); err != nil {
			return err
		}
		if t, err = c.applyTrade(tt, func(t *trade.Trade) error {
			t.SetState(trade.StateBuyerSentPaymentSentMsg)
			t.ErrorMessage = ""
			return nil
		}); err != nil {
			return err
		}
		l := c.sendStateListener(tt, trade.StateBuyerSentPaymentSentMsg, trade.StateBuyerSawArrivedPaymentSentMsg,
			trade.StateBuyerStoredInMailboxPaymentSentMsg, trade.StateBuyerSendFailedPaymentSentMsg)
		peer := &t.ProcessModel.Peer
		return c.sendMailbox(peer.NodeAddress, peer.PubKeyRing, msgjson.PaymentSentRoute, t.ID,
			&msgjson.PaymentSent{PayoutSig: sig}, l)
	})
}

// handlePaymentSent is the seller's handler for the buyer's payment
// confirmation.
func (c *Core) handlePaymentSent(tt *trackedTrade, in *comms.Inbound) error {
	ps := new(msgjson.PaymentSent)
	if err := in.Msg.Unmarshal(ps); err != nil {
		return err
	}
	t := c.tradeSnapshot(tt)
	if err := checkPeer(t, in); err != nil {
		return err
	}
	switch {
	case !t.Role.IsSeller():
		return newError(protocolErr, "payment confirmation sent to the buyer of trade %s", t.ID)
	case t.State >= trade.StateSellerReceivedPaymentSentMsg:
		return nil
	case t.Phase < trade.PhaseDepositsPublished:
		return newError(tradeStateErr, "payment confirmed before deposits of trade %s", t.ID)
	}
	if err := msgjson.CheckSig(payoutParams(t).SigHash(), ps.PayoutSig, t.ProcessModel.Peer.MultisigInfo); err != nil {
		return newError(protocolErr, "buyer payout signature of trade %s: %w", t.ID, err)
	}
	_, err := c.applyTrade(tt, func(t *trade.Trade) error {
		t.ProcessModel.Peer.PayoutSig = ps.PayoutSig
		t.SetState(trade.StateSellerReceivedPaymentSentMsg)
		return nil
	})
	return err
}

// ConfirmPaymentReceived is the seller's confirmation that the payment
// arrived. The seller signs and publishes the payout and tells the buyer.
func (c *Core) ConfirmPaymentReceived(ctx context.Context, tradeID string) error {
	tt, err := c.activeTrade(tradeID)
	if err != nil {
		return err
	}
	return c.runJob(ctx, tt, func() error {
		t := c.tradeSnapshot(tt)
		switch {
		case !t.Role.IsSeller():
			return newError(tradeStateErr, "only the seller confirms receipt for trade %s", t.ID)
		case t.DisputeState.IsTerminal():
			return newError(tradeStateErr, "trade %s was settled by dispute", t.ID)
		case t.State == trade.StateSellerReceivedPaymentSentMsg:
		case t.State == trade.StateSellerConfirmedPaymentReceipt && !t.IsPayoutPublished():
		default:
			return newError(tradeStateErr, "cannot confirm receipt for trade %s in state %s", t.ID, t.State)
		}
		sig, err := c.signPayout(ctx, t)
		if err != nil {
			return err
		}
		if t, err = c.applyTrade(tt, func(t *trade.Trade) error {
			t.ProcessModel.Self.PayoutSig = sig
			t.SetState(trade.StateSellerConfirmedPaymentReceipt)
			return nil
		}); err != nil {
			return err
		}
		txHash, err := c.publishPayout(ctx, t, [][]byte{t.ProcessModel.Peer.PayoutSig, sig})
		if err != nil {
			if _, applyErr := c.applyTrade(tt, func(t *trade.Trade) error {
				t.ErrorMessage = err.Error()
				return nil
			}); applyErr != nil {
				c.log.Errorf("Error recording payout failure of trade %s: %v", t.ID, applyErr)
			}
			return err
		}
		if _, err = c.applyTrade(tt, func(t *trade.Trade) error {
			t.PayoutTxHash = txHash
			t.ErrorMessage = ""
			t.SetState(trade.StatePayoutPublished)
			return nil
		}); err != nil {
			return err
		}
		c.watchPayout(tt)
		if t, err = c.advanceTrade(tt, trade.StateSellerSentPaymentReceivedMsg); err != nil {
			return err
		}
		l := c.sendStateListener(tt, trade.StateSellerSentPaymentReceivedMsg, trade.StateSellerSawArrivedPaymentReceivedMsg,
			trade.StateSellerStoredInMailboxPaymentReceivedMsg, trade.StateSellerSendFailedPaymentReceivedMsg)
		peer := &t.ProcessModel.Peer
		return c.sendMailbox(peer.NodeAddress, peer.PubKeyRing, msgjson.PaymentReceivedRoute, t.ID,
			&msgjson.PaymentReceived{PayoutTxHash: txHash, PayoutSig: sig}, l)
	})
}

// publishPayout publishes the trade's payout with two signatures.
func (c *Core) publishPayout(ctx context.Context, t *trade.Trade, sigs [][]byte) (string, error) {
	var txHash string
	err := c.wallet.WithFundsLock(func(w asset.Wallet) error {
		return c.withRetry(ctx, "publish payout", func() (err error) {
			txHash, err = w.PublishPayout(ctx, payoutParams(t), sigs)
			return err
		})
	})
	if err != nil {
		return "", walletError(err, "publish payout of trade %s", t.ID)
	}
	c.log.Infof("Published payout %s of trade %s: buyer %s, seller %s", txHash, t.ID,
		dex.FormatAtoms(t.BuyerPayoutAmount), dex.FormatAtoms(t.SellerPayoutAmount))
	return txHash, nil
}

// handlePaymentReceived is the buyer's handler for the seller's published
// payout.
func (c *Core) handlePaymentReceived(tt *trackedTrade, in *comms.Inbound) error {
	pr := new(msgjson.PaymentReceived)
	if err := in.Msg.Unmarshal(pr); err != nil {
		return err
	}
	t := c.tradeSnapshot(tt)
	if err := checkPeer(t, in); err != nil {
		return err
	}
	switch {
	case !t.Role.IsBuyer():
		return newError(protocolErr, "payout notice sent to the seller of trade %s", t.ID)
	case t.IsPayoutPublished():
		return nil
	case t.Phase < trade.PhaseDepositsUnlocked:
		return newError(tradeStateErr, "payout of trade %s announced before deposits unlocked", t.ID)
	}
	err := c.withRetry(c.ctx, "payout lookup", func() error {
		_, err := c.wallet.TxConfirmations(c.ctx, pr.PayoutTxHash)
		return err
	})
	if err != nil {
		if errors.Is(err, asset.ErrNotFound) {
			return newError(protocolErr, "payout %s of trade %s not found", pr.PayoutTxHash, t.ID)
		}
		return walletError(err, "payout lookup")
	}
	if _, err := c.applyTrade(tt, func(t *trade.Trade) error {
		t.PayoutTxHash = pr.PayoutTxHash
		t.ProcessModel.Peer.PayoutSig = pr.PayoutSig
		t.SetState(trade.StateBuyerReceivedPaymentReceivedMsg)
		return nil
	}); err != nil {
		return err
	}
	c.watchPayout(tt)
	return nil
}

// WithdrawFunds sends this trader's payout to an external address and
// completes the trade. The network fee is deducted from the amount.
func (c *Core) WithdrawFunds(ctx context.Context, tradeID, address, memo string) (string, error) {
	if address == "" {
		return "", newError(addressErr, "no withdraw address")
	}
	if tt := c.trackedTrade(tradeID); tt != nil {
		var txHash string
		err := c.runJob(ctx, tt, func() (err error) {
			t := c.tradeSnapshot(tt)
			if txHash, err = c.withdraw(ctx, t, address, memo); err != nil {
				return err
			}
			if _, err = c.applyTrade(tt, func(t *trade.Trade) error {
				t.WithdrawTxHash = txHash
				return nil
			}); err != nil {
				return err
			}
			return c.completeTrade(tt)
		})
		if err != nil {
			return "", err
		}
		return txHash, nil
	}

	mt, err := c.db.Trade(tradeID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return "", newError(unknownTradeErr, "unknown trade %s", tradeID)
		}
		return "", codedError(dbErr, err)
	}
	t := mt.Trade
	txHash, err := c.withdraw(ctx, t, address, memo)
	if err != nil {
		return "", err
	}
	t.WithdrawTxHash = txHash
	if err := c.db.ArchiveTrade(t, mt.Status); err != nil {
		c.log.Errorf("Error storing withdraw tx %s of trade %s: %v", txHash, tradeID, err)
	}
	return txHash, nil
}

func (c *Core) withdraw(ctx context.Context, t *trade.Trade, address, memo string) (string, error) {
	var amt uint64
	switch {
	case t.Role.IsArbitrator():
		return "", newError(tradeStateErr, "agents do not withdraw trade funds")
	case !t.IsPayoutPublished():
		return "", newError(tradeStateErr, "trade %s has no payout", t.ID)
	case t.WithdrawTxHash != "":
		return "", newError(tradeStateErr, "trade %s payout was already withdrawn in %s", t.ID, t.WithdrawTxHash)
	case t.Role.IsBuyer():
		amt = t.BuyerPayoutAmount
	default:
		amt = t.SellerPayoutAmount
	}
	if amt == 0 {
		return "", newError(tradeStateErr, "nothing to withdraw from trade %s", t.ID)
	}
	var txHash string
	err := c.wallet.WithFundsLock(func(w asset.Wallet) (err error) {
		txHash, err = w.Send(ctx, t.ProcessModel.Self.PayoutSubaddress, address, amt, memo)
		return err
	})
	if err != nil {
		err = walletError(err, "withdraw from trade %s", t.ID)
		c.notify(newWithdrawNote(t.ID, "Withdraw failed", err.Error(), db.ErrorLevel))
		return "", err
	}
	c.signalBalance()
	c.log.Infof("Withdrew %s of trade %s to %s in %s", dex.FormatAtoms(amt), t.ID, address, txHash)
	c.notify(newWithdrawNote(t.ID, "Funds withdrawn",
		fmt.Sprintf("Sent %s from trade %s to %s", dex.FormatAtoms(amt), t.ID, address), db.Success))
	return txHash, nil
}
