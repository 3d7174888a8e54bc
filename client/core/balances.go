// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"context"
	"time"

	"github.com/tuskeNetwork/tuskex-sub001/client/asset"
	"github.com/tuskeNetwork/tuskex-sub001/dex/trade"
	"github.com/tuskeNetwork/tuskex-sub001/dex/utils"
)

// BalanceSnapshot is the wallet balance broken down by what the funds are
// committed to. It is derived data, recomputed from the wallet and the trade
// list. Balance = Available + Pending and Reserved = ReservedOffer +
// ReservedTrade always hold.
type BalanceSnapshot struct {
	Balance       uint64    `json:"balance"`
	Available     uint64    `json:"available"`
	Pending       uint64    `json:"pending"`
	ReservedOffer uint64    `json:"reservedOffer"`
	ReservedTrade uint64    `json:"reservedTrade"`
	Reserved      uint64    `json:"reserved"`
	Version       uint64    `json:"version"`
	Stamp         time.Time `json:"stamp"`
}

// BalanceInputs are everything a BalanceSnapshot is computed from.
type BalanceInputs struct {
	WalletBalance   uint64
	WalletAvailable uint64
	// FrozenOutputs are the wallet's frozen, unspent outputs.
	FrozenOutputs []*asset.Output
	Trades        []*trade.Trade
}

// ComputeBalances computes a snapshot. Version and Stamp are left for the
// caller.
//
// Funds of a trade that are frozen but neither reserved for the escrow nor
// paid as fees come back as change once the deposit is published, so they are
// pending rather than available. Frozen outputs that back a trade are not
// counted again as offer reservations.
func ComputeBalances(in *BalanceInputs) *BalanceSnapshot {
	var lockedChange int64
	var tradeFrozen, reservedTrade uint64
	for _, t := range in.Trades {
		if !t.FundsLockedIn() {
			continue
		}
		lockedChange += int64(t.FrozenAmount) - int64(t.ReservedAmount) -
			int64(t.TradeFee()) - int64(t.ProcessModel.Self.DepositTxFee)
		tradeFrozen += t.FrozenAmount
		reservedTrade += t.ReservedAmount
	}

	bal := int64(in.WalletBalance)
	pending := int64(utils.SafeSub(in.WalletBalance, in.WalletAvailable)) + lockedChange
	available := int64(in.WalletAvailable) - lockedChange
	switch {
	case available < 0:
		available, pending = 0, bal
	case pending < 0:
		available, pending = bal, 0
	}

	frozen := utils.Sum(in.FrozenOutputs, func(o *asset.Output) uint64 { return o.Amount })
	reservedOffer := utils.SafeSub(frozen, tradeFrozen)

	return &BalanceSnapshot{
		Balance:       in.WalletBalance,
		Available:     uint64(available),
		Pending:       uint64(pending),
		ReservedOffer: reservedOffer,
		ReservedTrade: reservedTrade,
		Reserved:      reservedOffer + reservedTrade,
	}
}

// Balances is the latest balance snapshot.
func (c *Core) Balances() *BalanceSnapshot {
	if bal := c.balances.Load(); bal != nil {
		b := *bal
		return &b
	}
	return new(BalanceSnapshot)
}

// signalBalance schedules a balance recompute.
func (c *Core) signalBalance() {
	select {
	case c.balanceSignal <- struct{}{}:
	default:
	}
}

// balanceInputs gathers the trade list and the wallet state. The trades are
// copied under the apply lock and the wallet is queried after it is released.
// A change applied in between signals another recompute.
func (c *Core) balanceInputs(ctx context.Context) (*BalanceInputs, error) {
	c.mtx.RLock()
	in := &BalanceInputs{Trades: make([]*trade.Trade, 0, len(c.trades))}
	for _, tt := range c.trades {
		in.Trades = append(in.Trades, tt.t.Copy())
	}
	c.mtx.RUnlock()

	var err error
	if in.WalletBalance, err = c.wallet.Balance(ctx); err != nil {
		return nil, err
	}
	if in.WalletAvailable, err = c.wallet.AvailableBalance(ctx); err != nil {
		return nil, err
	}
	if in.FrozenOutputs, err = c.wallet.Outputs(ctx, &asset.OutputQuery{FrozenOnly: true}); err != nil {
		return nil, err
	}
	return in, nil
}

// updateBalances recomputes and publishes the balance snapshot.
func (c *Core) updateBalances(ctx context.Context) (*BalanceSnapshot, error) {
	c.balMtx.Lock()
	defer c.balMtx.Unlock()
	in, err := c.balanceInputs(ctx)
	if err != nil {
		return nil, err
	}
	bal := ComputeBalances(in)
	c.balVersion++
	bal.Version = c.balVersion
	bal.Stamp = time.Now()
	c.balances.Store(bal)
	c.metrics.setBalances(bal)
	c.notify(newBalanceNote(bal))
	return bal, nil
}

func (c *Core) balanceLoop(ctx context.Context) {
	for {
		select {
		case <-c.wallet.BalanceChanges():
		case <-c.balanceSignal:
		case <-ctx.Done():
			return
		}
		if _, err := c.updateBalances(ctx); err != nil {
			c.log.Errorf("Error updating balances: %v", err)
		}
	}
}
