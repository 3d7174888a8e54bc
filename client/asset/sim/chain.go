// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package sim is an in-process wallet backend. Wallets share a Chain that
// records deposits into 2-of-3 escrows, verifies payouts and credits outputs
// to wallets by address. It backs the local network and the tests.
package sim

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/decred/dcrd/crypto/blake256"
	"github.com/tuskeNetwork/tuskex-sub001/client/asset"
	"github.com/tuskeNetwork/tuskex-sub001/dex"
	"github.com/tuskeNetwork/tuskex-sub001/dex/encode"
	"github.com/tuskeNetwork/tuskex-sub001/dex/msgjson"
)

// DefaultTxFee is the fee charged for every transaction.
const DefaultTxFee = 20_000

type escrow struct {
	participants  [][]byte
	deposits      map[string]uint64
	payoutHash    string
	payoutSigHash []byte
}

func (e *escrow) total() (sum uint64) {
	for _, v := range e.deposits {
		sum += v
	}
	return
}

func (e *escrow) isParticipant(pub []byte) bool {
	for _, p := range e.participants {
		if bytes.Equal(p, pub) {
			return true
		}
	}
	return false
}

type credit struct {
	w      *Wallet
	addr   string
	amt    uint64
	txHash string
	height uint32
}

// Chain is a shared ledger of transactions and block heights.
type Chain struct {
	// TxFee is charged for deposits and sends.
	TxFee uint64

	mtx         sync.RWMutex
	height      uint32
	unlockConfs uint32
	txs         map[string]uint32 // hash -> block height
	escrows     map[string]*escrow
	addrs       map[string]*Wallet
	wallets     map[*Wallet]struct{}
	nonce       uint64
}

// NewChain creates a Chain where received outputs become spendable after
// unlockConfs confirmations.
func NewChain(unlockConfs uint32) *Chain {
	return &Chain{
		TxFee:       DefaultTxFee,
		height:      1,
		unlockConfs: unlockConfs,
		txs:         make(map[string]uint32),
		escrows:     make(map[string]*escrow),
		addrs:       make(map[string]*Wallet),
		wallets:     make(map[*Wallet]struct{}),
	}
}

// Height is the current block height.
func (c *Chain) Height() uint32 {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.height
}

// Mine adds n blocks, confirming all pending transactions.
func (c *Chain) Mine(n uint32) {
	c.mtx.Lock()
	c.height += n
	wallets := make([]*Wallet, 0, len(c.wallets))
	for w := range c.wallets {
		wallets = append(wallets, w)
	}
	c.mtx.Unlock()
	for _, w := range wallets {
		w.signalBalance()
	}
}

// confs is the number of confirmations of a tx mined at height h.
func confs(h, tip uint32) uint32 {
	if h > tip {
		return 0
	}
	return tip - h + 1
}

// Confirmations is the number of confirmations of the tx.
func (c *Chain) Confirmations(txHash string) (uint32, bool) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	h, found := c.txs[txHash]
	if !found {
		return 0, false
	}
	return confs(h, c.height), true
}

// newTxHash records a new pending tx. The chain mutex must be held.
func (c *Chain) newTxHash(parts ...[]byte) (string, uint32) {
	c.nonce++
	b := encode.BuildyBytes{0}.AddData(encode.Uint64Bytes(c.nonce))
	for _, p := range parts {
		b = b.AddData(p)
	}
	h := blake256.Sum256(b)
	txHash := hex.EncodeToString(h[:])
	c.txs[txHash] = c.height + 1
	return txHash, c.height + 1
}

func (c *Chain) register(w *Wallet, addr string) {
	c.mtx.Lock()
	c.addrs[addr] = w
	c.wallets[w] = struct{}{}
	c.mtx.Unlock()
}

// Fund credits amt to the wallet's base address in an already mined tx.
func (c *Chain) Fund(w *Wallet, amt uint64) string {
	c.mtx.Lock()
	txHash, _ := c.newTxHash([]byte("coinbase"), encode.Uint64Bytes(amt))
	h := c.height
	c.txs[txHash] = h
	c.mtx.Unlock()
	w.receive(0, amt, txHash, h)
	return txHash
}

// deposit adds amt to the trade's escrow. Every deposit must name the same
// participants.
func (c *Chain) deposit(tradeID string, participants [][]byte, amt uint64) (string, uint32, error) {
	if len(participants) != 3 {
		return "", 0, fmt.Errorf("escrow requires 3 participants, got %d", len(participants))
	}
	c.mtx.Lock()
	defer c.mtx.Unlock()
	e, found := c.escrows[tradeID]
	if !found {
		e = &escrow{
			participants: participants,
			deposits:     make(map[string]uint64, 2),
		}
		c.escrows[tradeID] = e
	} else {
		for _, p := range participants {
			if !e.isParticipant(p) {
				return "", 0, fmt.Errorf("escrow participant mismatch for trade %s", tradeID)
			}
		}
		if e.payoutHash != "" {
			return "", 0, fmt.Errorf("escrow for trade %s already paid out", tradeID)
		}
	}
	txHash, h := c.newTxHash([]byte(tradeID), encode.Uint64Bytes(amt))
	e.deposits[txHash] = amt
	return txHash, h, nil
}

// payout verifies two distinct participant signatures and pays the escrow to
// the buyer and seller addresses. A payout matching an existing one returns
// the existing hash.
func (c *Chain) payout(params *asset.PayoutParams, sigs [][]byte) (string, error) {
	sigHash := params.SigHash()
	c.mtx.Lock()
	e, found := c.escrows[params.TradeID]
	if !found {
		c.mtx.Unlock()
		return "", dex.NewErrorf(asset.ErrNotFound, "no escrow for trade %s", params.TradeID)
	}
	if e.payoutHash != "" {
		defer c.mtx.Unlock()
		if bytes.Equal(e.payoutSigHash, sigHash) {
			return e.payoutHash, nil
		}
		return "", fmt.Errorf("escrow for trade %s already paid out in %s", params.TradeID, e.payoutHash)
	}
	signers := make(map[int]bool, 2)
	for _, sig := range sigs {
		for i, p := range e.participants {
			if signers[i] {
				continue
			}
			if msgjson.CheckSig(sigHash, sig, p) == nil {
				signers[i] = true
				break
			}
		}
	}
	if len(signers) < 2 {
		c.mtx.Unlock()
		return "", dex.NewErrorf(asset.ErrInvalidSignature, "%d valid signatures for trade %s payout", len(signers), params.TradeID)
	}
	// Payout fees are not modeled. The outputs may not exceed the escrow.
	if params.BuyerAmount+params.SellerAmount > e.total() {
		c.mtx.Unlock()
		return "", dex.NewErrorf(asset.ErrInsufficientFunds, "payout %d + %d exceeds escrow %d",
			params.BuyerAmount, params.SellerAmount, e.total())
	}
	txHash, h := c.newTxHash([]byte(params.TradeID), sigHash)
	e.payoutHash = txHash
	e.payoutSigHash = sigHash
	var credits []*credit
	for _, out := range []struct {
		addr string
		amt  uint64
	}{{params.BuyerAddress, params.BuyerAmount}, {params.SellerAddress, params.SellerAmount}} {
		if out.amt == 0 {
			continue
		}
		if w := c.addrs[out.addr]; w != nil {
			credits = append(credits, &credit{w: w, addr: out.addr, amt: out.amt, txHash: txHash, height: h})
		}
	}
	c.mtx.Unlock()
	c.pay(credits)
	return txHash, nil
}

// send records a transfer to addr, crediting a known wallet.
func (c *Chain) send(from string, addr string, amt uint64) (string, uint32) {
	c.mtx.Lock()
	txHash, h := c.newTxHash([]byte(from), []byte(addr), encode.Uint64Bytes(amt))
	var credits []*credit
	if w := c.addrs[addr]; w != nil {
		credits = append(credits, &credit{w: w, addr: addr, amt: amt, txHash: txHash, height: h})
	}
	c.mtx.Unlock()
	c.pay(credits)
	return txHash, h
}

// pay delivers credits. The chain mutex must not be held.
func (c *Chain) pay(credits []*credit) {
	for _, cr := range credits {
		cr.w.receiveAt(cr.addr, cr.amt, cr.txHash, cr.height)
	}
}

// EscrowBalance is the total deposited for a trade, or zero if the escrow was
// paid out.
func (c *Chain) EscrowBalance(tradeID string) uint64 {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	e, found := c.escrows[tradeID]
	if !found || e.payoutHash != "" {
		return 0
	}
	return e.total()
}
