// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tuskeNetwork/tuskex-sub001/client/asset"
	"github.com/tuskeNetwork/tuskex-sub001/client/comms"
	"github.com/tuskeNetwork/tuskex-sub001/client/db"
	"github.com/tuskeNetwork/tuskex-sub001/dex"
	"github.com/tuskeNetwork/tuskex-sub001/dex/offer"
	"github.com/tuskeNetwork/tuskex-sub001/dex/trade"
	"github.com/tuskeNetwork/tuskex-sub001/dex/wait"
)

const (
	// errNoChange is returned by an apply function that leaves the trade
	// as it is.
	errNoChange = dex.ErrorKind("no change")
	// errTradeClosed is returned for jobs of an archived trade.
	errTradeClosed = dex.ErrorKind("trade is archived")
)

// trackedTrade is an active trade and its worker. All protocol steps of a
// trade run as jobs on the worker, so they are strictly ordered. The trade
// itself is replaced, never mutated, and is guarded by Core.mtx.
type trackedTrade struct {
	id     string
	t      *trade.Trade
	closed bool

	jobs     chan func()
	quit     chan struct{}
	done     chan struct{}
	quitOnce sync.Once

	timerMtx sync.Mutex
	timer    *time.Timer
}

func newTrackedTrade(t *trade.Trade) *trackedTrade {
	return &trackedTrade{
		id:   t.ID,
		t:    t,
		jobs: make(chan func(), jobQueueSize),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// stop stops the worker and the protocol timer.
func (tt *trackedTrade) stop() {
	tt.quitOnce.Do(func() { close(tt.quit) })
	tt.timerMtx.Lock()
	if tt.timer != nil {
		tt.timer.Stop()
		tt.timer = nil
	}
	tt.timerMtx.Unlock()
}

// startTrade starts the trade's worker and arms its protocol timer.
func (c *Core) startTrade(tt *trackedTrade) {
	go func() {
		defer close(tt.done)
		for {
			select {
			case job := <-tt.jobs:
				job()
			case <-tt.quit:
				// Run what was queued before the trade closed.
				for {
					select {
					case job := <-tt.jobs:
						job()
					default:
						return
					}
				}
			case <-c.ctx.Done():
				return
			}
		}
	}()
	c.rearmTimer(tt)
}

// runJob runs f on the trade's worker and waits for the result.
func (c *Core) runJob(ctx context.Context, tt *trackedTrade, f func() error) error {
	errC := make(chan error, 1)
	job := func() { errC <- f() }
	select {
	case tt.jobs <- job:
	case <-tt.done:
		return errTradeClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errC:
		return err
	case <-tt.done:
		// The worker runs every job it accepts to completion before it
		// exits, unless the Core is shutting down.
		select {
		case err := <-errC:
			return err
		default:
			return errTradeClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue runs f on the trade's worker without waiting for it.
func (c *Core) enqueue(tt *trackedTrade, what string, f func() error) {
	go func() {
		err := c.runJob(c.ctx, tt, f)
		switch {
		case err == nil:
		case errors.Is(err, errTradeClosed), errors.Is(err, context.Canceled):
			c.log.Debugf("Skipped %s for trade %s: %v", what, tt.id, err)
		default:
			c.log.Errorf("Error during %s for trade %s: %v", what, tt.id, err)
		}
	}()
}

// trackedTrade is the active trade with the ID, or nil.
func (c *Core) trackedTrade(id string) *trackedTrade {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.trades[id]
}

// tradeSnapshot is a copy of the trade's current state.
func (c *Core) tradeSnapshot(tt *trackedTrade) *trade.Trade {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return tt.t.Copy()
}

// addTrade registers and persists a new trade and starts its worker.
func (c *Core) addTrade(t *trade.Trade) (*trackedTrade, error) {
	tt := newTrackedTrade(t)
	c.mtx.Lock()
	if c.trades[t.ID] != nil {
		c.mtx.Unlock()
		return nil, newError(tradeStateErr, "trade %s already exists", t.ID)
	}
	if err := c.db.UpdateTrade(t); err != nil {
		c.mtx.Unlock()
		return nil, codedError(dbErr, err)
	}
	c.trades[t.ID] = tt
	c.updateTradeMetrics()
	c.mtx.Unlock()
	c.startTrade(tt)
	c.notify(newTradeNote("Trade created", fmt.Sprintf("Trade %s created as %s", t.ID, t.Role),
		db.Success, t.Copy()))
	return tt, nil
}

// applyTrade applies f to a copy of the trade under the apply lock, persists
// the result and swaps it in. If f fails, the trade is unchanged. The new
// state is returned.
func (c *Core) applyTrade(tt *trackedTrade, f func(t *trade.Trade) error) (*trade.Trade, error) {
	c.mtx.Lock()
	if tt.closed {
		c.mtx.Unlock()
		return nil, errTradeClosed
	}
	prev := tt.t
	t := prev.Copy()
	if err := f(t); err != nil {
		c.mtx.Unlock()
		if errors.Is(err, errNoChange) {
			return prev.Copy(), nil
		}
		return nil, err
	}
	if t.State != prev.State {
		t.Stalled = false
	}
	if err := c.db.UpdateTrade(t); err != nil {
		c.mtx.Unlock()
		return nil, codedError(dbErr, fmt.Errorf("error storing trade %s: %w", t.ID, err))
	}
	tt.t = t
	c.updateTradeMetrics()
	snap := t.Copy()
	c.mtx.Unlock()

	switch {
	case snap.Phase != prev.Phase:
		c.log.Infof("Trade %s: %s -> %s", snap.ID, prev.State, snap.State)
		c.notify(newTradeNote("Trade "+snap.Phase.String(), fmt.Sprintf("Trade %s is now %s", snap.ID, snap.State),
			db.Success, snap.Copy()))
	case snap.State != prev.State || snap.DisputeState != prev.DisputeState:
		c.log.Debugf("Trade %s: %s/%s -> %s/%s", snap.ID, prev.State, prev.DisputeState, snap.State, snap.DisputeState)
		c.notify(newTradeNote("Trade update", fmt.Sprintf("Trade %s is now %s", snap.ID, snap.State),
			db.Data, snap.Copy()))
	default:
		c.notify(newTradeNote("Trade update", "", db.Data, snap.Copy()))
	}
	if snap.State != prev.State || snap.DisputeState != prev.DisputeState {
		c.rearmTimer(tt)
	}
	c.signalBalance()
	return snap, nil
}

// advanceTrade moves the trade to the state unless it is already there or
// past it.
func (c *Core) advanceTrade(tt *trackedTrade, s trade.State) (*trade.Trade, error) {
	return c.applyTrade(tt, func(t *trade.Trade) error {
		if t.State >= s {
			return errNoChange
		}
		t.SetState(s)
		return nil
	})
}

// updateTradeMetrics sets the phase gauges. Core.mtx must be held.
func (c *Core) updateTradeMetrics() {
	counts := make(map[trade.Phase]int, len(trade.Phases))
	for _, tt := range c.trades {
		counts[tt.t.Phase]++
	}
	c.metrics.setTradePhases(counts)
}

// awaitingPeer is true if progress of the trade depends on the peer.
func awaitingPeer(t *trade.Trade) bool {
	if t.Role.IsArbitrator() || t.DisputeState.IsOpen() || t.DisputeState.IsTerminal() {
		return false
	}
	switch t.Phase {
	case trade.PhaseInit, trade.PhaseDepositsPublished:
		return true
	case trade.PhaseDepositsUnlocked:
		return t.Role.IsSeller()
	case trade.PhasePaymentSent:
		return t.Role.IsBuyer()
	}
	return false
}

// rearmTimer restarts the protocol timer for the trade's current state.
func (c *Core) rearmTimer(tt *trackedTrade) {
	t := c.tradeSnapshot(tt)
	tt.timerMtx.Lock()
	defer tt.timerMtx.Unlock()
	if tt.timer != nil {
		tt.timer.Stop()
		tt.timer = nil
	}
	if !awaitingPeer(t) {
		return
	}
	state := t.State
	tt.timer = time.AfterFunc(c.cfg.ProtocolTimeout, func() {
		c.enqueue(tt, "stall check", func() error {
			t, err := c.applyTrade(tt, func(t *trade.Trade) error {
				if t.State != state || t.Stalled || !awaitingPeer(t) {
					return errNoChange
				}
				t.Stalled = true
				return nil
			})
			if err != nil {
				return err
			}
			if t.Stalled && t.State == state {
				c.log.Warnf("Trade %s stalled at %s", t.ID, t.State)
				c.notify(newTradeStalledNote(t))
			}
			return nil
		})
	})
}

// archiveTrade removes the trade from the active list and stores it with the
// status.
func (c *Core) archiveTrade(tt *trackedTrade, status db.TradeStatus) error {
	c.mtx.Lock()
	if tt.closed {
		c.mtx.Unlock()
		return nil
	}
	t := tt.t
	if err := c.db.ArchiveTrade(t, status); err != nil {
		c.mtx.Unlock()
		return codedError(dbErr, fmt.Errorf("error archiving trade %s: %w", t.ID, err))
	}
	tt.closed = true
	delete(c.trades, t.ID)
	for k, tradeID := range c.acked {
		if tradeID == t.ID {
			delete(c.acked, k)
		}
	}
	c.updateTradeMetrics()
	c.mtx.Unlock()

	tt.stop()
	if err := c.wallet.ResetAddressEntries(t.ID); err != nil {
		c.log.Errorf("Error resetting address entries of trade %s: %v", t.ID, err)
	}
	c.signalBalance()
	c.log.Infof("Trade %s archived as %s", t.ID, status)
	sev := db.Success
	if status == db.TradeFailed {
		sev = db.ErrorLevel
	}
	c.notify(newTradeNote("Trade "+status.String(), fmt.Sprintf("Trade %s is %s", t.ID, status), sev, t.Copy()))
	return nil
}

// failTrade abandons a trade whose deposits are not published. A taker's
// reserved funds are released. A maker's offer becomes available again and
// keeps its reservation.
func (c *Core) failTrade(ctx context.Context, tt *trackedTrade, cause error) error {
	t := c.tradeSnapshot(tt)
	if t.ProcessModel.Self.DepositTxHash != "" {
		return newError(tradeStateErr, "trade %s has a published deposit and cannot fail", t.ID)
	}
	c.log.Errorf("Trade %s failed: %v", t.ID, cause)
	if t.Role.IsTaker() && t.FundsLockedIn() {
		err := c.wallet.WithFundsLock(func(w asset.Wallet) error {
			return c.withRetry(ctx, "thaw", func() error {
				return w.ThawOutputs(ctx, t.ProcessModel.Self.ReserveTxKeyImages)
			})
		})
		if err != nil {
			c.log.Errorf("Error thawing outputs of failed trade %s: %v", t.ID, err)
		}
	}
	if _, err := c.applyTrade(tt, func(t *trade.Trade) error {
		t.ErrorMessage = cause.Error()
		if t.Role.IsTaker() {
			t.FrozenAmount = 0
		}
		return nil
	}); err != nil && !errors.Is(err, errTradeClosed) {
		return err
	}
	if t.Role.IsMaker() {
		c.reopenOffer(t.ID)
	}
	return c.archiveTrade(tt, db.TradeFailed)
}

// withRetry retries f on transient wallet errors.
func (c *Core) withRetry(ctx context.Context, what string, f func() error) error {
	for attempt := 1; ; attempt++ {
		err := f()
		if err == nil || !asset.IsTransient(err) || attempt >= c.cfg.MaxAttempts {
			return err
		}
		c.log.Warnf("%s failed (attempt %d of %d): %v", what, attempt, c.cfg.MaxAttempts, err)
		select {
		case <-time.After(c.cfg.ReprocessDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// checkPeer verifies that the message came from the trade's peer.
func checkPeer(t *trade.Trade, in *comms.Inbound) error {
	p := &t.ProcessModel.Peer
	if in.Env.Sender == p.NodeAddress && p.PubKeyRing.Equal(in.Env.SenderRing) {
		return nil
	}
	return dex.NewErrorf(ErrUnexpectedPeer, "%s is not the peer of trade %s", in.Env.Sender, t.ID)
}

// checkAgent verifies that the message came from the trade's agent.
func checkAgent(t *trade.Trade, in *comms.Inbound) error {
	a := &t.ProcessModel.Agent
	if in.Env.Sender == a.NodeAddress && a.PubKeyRing.Equal(in.Env.SenderRing) {
		return nil
	}
	return dex.NewErrorf(ErrUnexpectedPeer, "%s is not the agent of trade %s", in.Env.Sender, t.ID)
}

// sendStateListener moves the trade out of the sent state according to the
// delivery outcome.
func (c *Core) sendStateListener(tt *trackedTrade, sent, arrived, stored, failed trade.State) *comms.SendListener {
	set := func(s trade.State, errMsg string) {
		c.enqueue(tt, "send result", func() error {
			_, err := c.applyTrade(tt, func(t *trade.Trade) error {
				if t.State != sent {
					return errNoChange
				}
				t.SetState(s)
				if errMsg != "" {
					t.ErrorMessage = errMsg
				}
				return nil
			})
			return err
		})
	}
	return &comms.SendListener{
		OnArrived:         func() { set(arrived, "") },
		OnStoredInMailbox: func() { set(stored, "") },
		OnFault:           func(err error) { set(failed, err.Error()) },
	}
}

// watchTx waits for the txs to reach the required confirmations, then runs
// f as a job of the trade. The watch ends early once keep returns false.
func (c *Core) watchTx(tt *trackedTrade, what string, txHashes func(t *trade.Trade) []string,
	keep func(t *trade.Trade) bool, f func() error) {

	c.confQ.Wait(&wait.Waiter{
		Expiration: time.Now().Add(confWatchExpiration),
		TryFunc: func() wait.TryDirective {
			c.mtx.RLock()
			closed := tt.closed
			t := tt.t
			c.mtx.RUnlock()
			if closed || !keep(t) {
				return wait.DontTryAgain
			}
			for _, txHash := range txHashes(t) {
				confs, err := c.wallet.TxConfirmations(c.ctx, txHash)
				if err != nil {
					if !errors.Is(err, asset.ErrNotFound) {
						c.log.Warnf("Error checking confirmations of %s tx %s of trade %s: %v", what, txHash, t.ID, err)
					}
					return wait.TryAgain
				}
				if confs < c.cfg.Confirmations {
					return wait.TryAgain
				}
			}
			c.enqueue(tt, what, f)
			return wait.DontTryAgain
		},
		ExpireFunc: func() {
			c.log.Warnf("Stopped watching %s of trade %s", what, tt.id)
		},
	})
}

// watchDeposits unlocks the trade once both deposits are confirmed.
func (c *Core) watchDeposits(tt *trackedTrade) {
	c.watchTx(tt, "deposit confirmation",
		func(t *trade.Trade) []string {
			return []string{t.ProcessModel.Self.DepositTxHash, t.ProcessModel.Peer.DepositTxHash}
		},
		func(t *trade.Trade) bool { return t.Phase == trade.PhaseDepositsPublished },
		func() error {
			_, err := c.advanceTrade(tt, trade.StateDepositsUnlocked)
			return err
		})
}

// watchPayout completes and archives the trade once its payout is
// confirmed.
func (c *Core) watchPayout(tt *trackedTrade) {
	c.watchTx(tt, "payout confirmation",
		func(t *trade.Trade) []string { return []string{t.PayoutTxHash} },
		func(t *trade.Trade) bool { return t.IsPayoutPublished() && !t.IsCompleted() },
		func() error { return c.completeTrade(tt) })
}

// completeTrade moves the trade to completed and archives it.
func (c *Core) completeTrade(tt *trackedTrade) error {
	if _, err := c.advanceTrade(tt, trade.StateCompleted); err != nil {
		return err
	}
	return c.archiveTrade(tt, db.TradeClosed)
}

// reopenOffer makes the maker's offer available again after its trade
// failed.
func (c *Core) reopenOffer(offerID string) {
	c.mtx.Lock()
	oo := c.offers[offerID]
	if oo == nil || oo.State != offer.OpenReserved {
		c.mtx.Unlock()
		return
	}
	oo.State = offer.OpenAvailable
	if err := c.db.UpdateOpenOffer(oo); err != nil {
		c.log.Errorf("Error storing reopened offer %s: %v", offerID, err)
	}
	ooc := oo.Copy()
	c.mtx.Unlock()
	c.notify(newOfferNote("Offer available", fmt.Sprintf("Offer %s is available again", offerID), db.Poke, ooc))
}
