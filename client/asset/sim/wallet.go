// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package sim

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/decred/base58"
	"github.com/decred/dcrd/crypto/blake256"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/tuskeNetwork/tuskex-sub001/client/asset"
	"github.com/tuskeNetwork/tuskex-sub001/dex"
	"github.com/tuskeNetwork/tuskex-sub001/dex/encode"
	"github.com/tuskeNetwork/tuskex-sub001/dex/msgjson"
)

// addrNetID prefixes every sim address.
const addrNetID = 0x2e

type output struct {
	keyImage string
	txHash   string
	amount   uint64
	sub      uint32
	height   uint32
	frozen   bool
	spent    bool
}

func (o *output) toAsset(tip uint32) *asset.Output {
	return &asset.Output{
		KeyImage:        o.keyImage,
		TxHash:          o.txHash,
		Amount:          o.amount,
		SubaddressIndex: o.sub,
		Frozen:          o.frozen,
		Spent:           o.spent,
		Confirmations:   confs(o.height, tip),
	}
}

// Config is the configuration for a sim Wallet.
type Config struct {
	Chain *Chain
	// Seed determines the wallet's addresses and multisig key. A random seed
	// is generated if none is provided.
	Seed []byte
	// AddressStore persists address entries. May be nil.
	AddressStore asset.AddressStore
}

// Wallet is an asset.Wallet backed by a Chain.
type Wallet struct {
	chain *Chain
	seed  []byte
	key   *secp256k1.PrivateKey
	log   dex.Logger
	book  *asset.AddressBook
	balCh chan struct{}

	connected atomic.Bool

	mtx          sync.Mutex
	outputs      map[string]*output
	subAddrs     map[uint32]string
	subIndex     map[string]uint32
	nextSub      uint32
	kiNonce      uint64
	failReserve  []error
	failPartial  []error
	reserveCalls int
}

var _ asset.Wallet = (*Wallet)(nil)

// NewWallet creates a connected Wallet on the chain.
func NewWallet(cfg *Config, log dex.Logger) (*Wallet, error) {
	if cfg.Chain == nil {
		return nil, fmt.Errorf("no chain")
	}
	seed := cfg.Seed
	if len(seed) == 0 {
		seed = encode.RandomBytes(32)
	}
	keyB := blake256.Sum256(append([]byte("multisig"), seed...))
	w := &Wallet{
		chain:    cfg.Chain,
		seed:     encode.CopySlice(seed),
		key:      secp256k1.PrivKeyFromBytes(keyB[:]),
		log:      log,
		balCh:    make(chan struct{}, 1),
		outputs:  make(map[string]*output),
		subAddrs: make(map[uint32]string),
		subIndex: make(map[string]uint32),
		nextSub:  1,
	}
	w.connected.Store(true)
	book, err := asset.NewAddressBook(cfg.AddressStore, w.newSubaddress, log)
	if err != nil {
		return nil, err
	}
	w.book = book
	w.addSubaddress(0)
	for _, e := range book.Entries() {
		w.addSubaddress(e.SubaddressIndex)
		if e.SubaddressIndex >= w.nextSub {
			w.nextSub = e.SubaddressIndex + 1
		}
	}
	if _, found := book.ByAddress(w.subAddrs[0]); !found {
		if err := book.Add(&asset.AddressEntry{
			SubaddressIndex: 0,
			Address:         w.subAddrs[0],
			Context:         asset.BaseAddress,
		}); err != nil {
			return nil, err
		}
	}
	return w, nil
}

func (w *Wallet) deriveAddress(idx uint32) string {
	h := blake256.Sum256(append(encode.CopySlice(w.seed), encode.Uint32Bytes(idx)...))
	return base58.Encode(append([]byte{addrNetID}, h[:]...))
}

func (w *Wallet) addSubaddress(idx uint32) string {
	addr := w.deriveAddress(idx)
	w.mtx.Lock()
	w.subAddrs[idx] = addr
	w.subIndex[addr] = idx
	w.mtx.Unlock()
	w.chain.register(w, addr)
	return addr
}

func (w *Wallet) newSubaddress() (uint32, string, error) {
	w.mtx.Lock()
	idx := w.nextSub
	w.nextSub++
	w.mtx.Unlock()
	return idx, w.addSubaddress(idx), nil
}

// ValidAddress checks the encoding of a sim address.
func ValidAddress(addr string) bool {
	b := base58.Decode(addr)
	return len(b) == 1+blake256.Size && b[0] == addrNetID
}

// Address is the address of the subaddress index, if it has been derived.
func (w *Wallet) Address(idx uint32) string {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.subAddrs[idx]
}

// BaseAddress is the primary address.
func (w *Wallet) BaseAddress() string {
	return w.Address(0)
}

// Chain is the wallet's chain.
func (w *Wallet) Chain() *Chain {
	return w.chain
}

// Fund credits the base address with a mined output.
func (w *Wallet) Fund(amt uint64) string {
	return w.chain.Fund(w, amt)
}

// FailReserve makes the next n CreateReserveTx calls fail with err without
// building anything.
func (w *Wallet) FailReserve(n int, err error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	for i := 0; i < n; i++ {
		w.failReserve = append(w.failReserve, err)
	}
}

// FailPartial makes the next n CreateReserveTx calls freeze inputs and then
// fail with err, returning the partially built tx.
func (w *Wallet) FailPartial(n int, err error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	for i := 0; i < n; i++ {
		w.failPartial = append(w.failPartial, err)
	}
}

// ReserveCalls counts CreateReserveTx calls made while connected.
func (w *Wallet) ReserveCalls() int {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.reserveCalls
}

// Disconnect takes the wallet offline. Every call fails with
// asset.ErrWalletOffline until Reconnect.
func (w *Wallet) Disconnect() {
	w.connected.Store(false)
}

// Reconnect brings the wallet back online.
func (w *Wallet) Reconnect() {
	w.connected.Store(true)
}

func (w *Wallet) check() error {
	if !w.connected.Load() {
		return asset.ErrWalletOffline
	}
	return nil
}

func (w *Wallet) signalBalance() {
	select {
	case w.balCh <- struct{}{}:
	default:
	}
}

// receive adds an output to the subaddress. The wallet mutex must not be
// held.
func (w *Wallet) receive(sub uint32, amt uint64, txHash string, height uint32) {
	w.mtx.Lock()
	w.addOutput(sub, amt, txHash, height)
	w.mtx.Unlock()
	w.signalBalance()
}

func (w *Wallet) receiveAt(addr string, amt uint64, txHash string, height uint32) {
	w.mtx.Lock()
	sub, found := w.subIndex[addr]
	if !found {
		w.mtx.Unlock()
		w.log.Warnf("Received %d to unknown address %s", amt, addr)
		return
	}
	w.addOutput(sub, amt, txHash, height)
	w.mtx.Unlock()
	w.log.Debugf("Received %d to subaddress %d in %s", amt, sub, txHash)
	w.signalBalance()
}

// addOutput adds a new output. The wallet mutex must be held.
func (w *Wallet) addOutput(sub uint32, amt uint64, txHash string, height uint32) {
	w.kiNonce++
	b := encode.BuildyBytes{0}.
		AddData([]byte(txHash)).
		AddData(encode.Uint32Bytes(sub)).
		AddData(encode.Uint64Bytes(w.kiNonce)).
		AddData(w.seed)
	ki := blake256.Sum256(b)
	o := &output{
		keyImage: hex.EncodeToString(ki[:]),
		txHash:   txHash,
		amount:   amt,
		sub:      sub,
		height:   height,
	}
	w.outputs[o.keyImage] = o
}

// Connected is true unless Disconnect was called.
func (w *Wallet) Connected() bool {
	return w.connected.Load()
}

// Synced is always true for a connected wallet.
func (w *Wallet) Synced(context.Context) (bool, error) {
	if err := w.check(); err != nil {
		return false, err
	}
	return true, nil
}

// MultisigInfo is the compressed public key of the wallet's multisig key.
func (w *Wallet) MultisigInfo(context.Context) ([]byte, error) {
	if err := w.check(); err != nil {
		return nil, err
	}
	return w.key.PubKey().SerializeCompressed(), nil
}

func (w *Wallet) spendable(o *output, tip uint32) bool {
	return !o.spent && !o.frozen && confs(o.height, tip) >= w.chain.unlockConfs
}

// CreateReserveTx selects unfrozen, unlocked outputs covering the trade fee,
// send amount, security deposit and the deposit tx fee, and freezes them.
func (w *Wallet) CreateReserveTx(_ context.Context, p *asset.ReserveTxParams) (*asset.ReserveTx, error) {
	if err := w.check(); err != nil {
		return nil, err
	}
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.reserveCalls++
	if len(w.failReserve) > 0 {
		err := w.failReserve[0]
		w.failReserve = w.failReserve[1:]
		return nil, err
	}

	fee := w.chain.TxFee
	need := p.TradeFee + p.SendAmount + p.SecurityDeposit + fee
	tip := w.chain.Height()
	candidates := make([]*output, 0, len(w.outputs))
	for _, o := range w.outputs {
		if w.spendable(o, tip) {
			candidates = append(candidates, o)
		}
	}
	preferred := func(o *output) bool {
		return p.PreferredSubaddress != nil && o.sub == *p.PreferredSubaddress
	}
	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		if pi, pj := preferred(ci), preferred(cj); pi != pj {
			return pi
		}
		if ci.amount != cj.amount {
			return ci.amount > cj.amount
		}
		return ci.keyImage < cj.keyImage
	})

	var selected []*output
	if p.Exact {
		for _, o := range candidates {
			if o.amount == need {
				selected = []*output{o}
				break
			}
		}
	}
	var sum uint64
	if selected == nil {
		for _, o := range candidates {
			if sum >= need {
				break
			}
			selected = append(selected, o)
			sum += o.amount
		}
	} else {
		sum = need
	}
	if sum < need {
		return nil, dex.NewErrorf(asset.ErrInsufficientFunds, "need %d, have %d unlocked and unfrozen", need, sum)
	}

	tx := &asset.ReserveTx{
		Key:            hex.EncodeToString(encode.RandomBytes(32)),
		ReservedAmount: p.SendAmount + p.SecurityDeposit,
		Fee:            fee,
	}
	b := encode.BuildyBytes{0}.AddData([]byte(p.OwnerID)).AddData([]byte(p.ReturnAddress))
	for _, o := range selected {
		o.frozen = true
		tx.Inputs = append(tx.Inputs, &asset.TxInput{KeyImage: o.keyImage, Amount: o.amount})
		b = b.AddData([]byte(o.keyImage))
	}
	h := blake256.Sum256(b)
	tx.Hash = hex.EncodeToString(h[:])
	tx.Hex = hex.EncodeToString(b)
	w.log.Debugf("Froze %d outputs (%d) for reserve tx %s of %s", len(selected), sum, tx.Hash, p.OwnerID)

	if len(w.failPartial) > 0 {
		err := w.failPartial[0]
		w.failPartial = w.failPartial[1:]
		return tx, err
	}
	return tx, nil
}

// ThawOutputs unfreezes outputs. Unknown key images are reported after the
// known ones are thawed.
func (w *Wallet) ThawOutputs(_ context.Context, keyImages []string) error {
	if err := w.check(); err != nil {
		return err
	}
	w.mtx.Lock()
	var missing []string
	for _, ki := range keyImages {
		o, found := w.outputs[ki]
		if !found {
			missing = append(missing, ki)
			continue
		}
		o.frozen = false
	}
	w.mtx.Unlock()
	w.signalBalance()
	if len(missing) > 0 {
		return dex.NewErrorf(asset.ErrNotFound, "unknown key images %v", missing)
	}
	return nil
}

// Outputs lists the wallet's outputs ordered by key image.
func (w *Wallet) Outputs(_ context.Context, q *asset.OutputQuery) ([]*asset.Output, error) {
	if err := w.check(); err != nil {
		return nil, err
	}
	tip := w.chain.Height()
	w.mtx.Lock()
	defer w.mtx.Unlock()
	outs := make([]*asset.Output, 0, len(w.outputs))
	for _, o := range w.outputs {
		if ao := o.toAsset(tip); q.Matches(ao) {
			outs = append(outs, ao)
		}
	}
	sort.Slice(outs, func(i, j int) bool { return outs[i].KeyImage < outs[j].KeyImage })
	return outs, nil
}

// Balance is the sum of unspent outputs.
func (w *Wallet) Balance(context.Context) (uint64, error) {
	if err := w.check(); err != nil {
		return 0, err
	}
	w.mtx.Lock()
	defer w.mtx.Unlock()
	var bal uint64
	for _, o := range w.outputs {
		if !o.spent {
			bal += o.amount
		}
	}
	return bal, nil
}

// AvailableBalance is the sum of unspent, unlocked outputs, frozen or not.
func (w *Wallet) AvailableBalance(context.Context) (uint64, error) {
	if err := w.check(); err != nil {
		return 0, err
	}
	tip := w.chain.Height()
	w.mtx.Lock()
	defer w.mtx.Unlock()
	var bal uint64
	for _, o := range w.outputs {
		if !o.spent && confs(o.height, tip) >= w.chain.unlockConfs {
			bal += o.amount
		}
	}
	return bal, nil
}

// GetOrCreateAddressEntry returns the owner's entry for the context.
func (w *Wallet) GetOrCreateAddressEntry(ownerID string, ctx asset.AddressContext) (*asset.AddressEntry, error) {
	return w.book.GetOrCreate(ownerID, ctx)
}

// AddressEntry looks up the owner's entry for the context.
func (w *Wallet) AddressEntry(ownerID string, ctx asset.AddressContext) (*asset.AddressEntry, bool) {
	return w.book.Entry(ownerID, ctx)
}

// ResetAddressEntries swaps the owner's entries back to AVAILABLE.
func (w *Wallet) ResetAddressEntries(ownerID string) error {
	return w.book.Reset(ownerID)
}

// PublishDeposit spends the frozen reserve inputs into the trade's escrow.
// Change goes back to the base address.
func (w *Wallet) PublishDeposit(_ context.Context, p *asset.DepositParams) (*asset.DepositTx, error) {
	if err := w.check(); err != nil {
		return nil, err
	}
	w.mtx.Lock()
	defer w.mtx.Unlock()
	ins := make([]*output, 0, len(p.KeyImages))
	var sum uint64
	for _, ki := range p.KeyImages {
		o, found := w.outputs[ki]
		if !found || o.spent {
			return nil, dex.NewErrorf(asset.ErrNotFound, "reserved input %s not found or spent", ki)
		}
		ins = append(ins, o)
		sum += o.amount
	}
	fee := w.chain.TxFee
	need := p.DepositAmount + p.TradeFee + fee
	if sum < need {
		return nil, dex.NewErrorf(asset.ErrInsufficientFunds, "deposit needs %d, reserved inputs sum to %d", need, sum)
	}
	txHash, h, err := w.chain.deposit(p.TradeID, p.Participants, p.DepositAmount)
	if err != nil {
		return nil, err
	}
	for _, o := range ins {
		o.spent = true
		o.frozen = false
	}
	if change := sum - need; change > 0 {
		w.addOutput(0, change, txHash, h)
	}
	w.log.Infof("Deposited %d into escrow for trade %s in %s", p.DepositAmount, p.TradeID, txHash)
	w.signalBalance()
	return &asset.DepositTx{Hash: txHash, Fee: fee, Amount: p.DepositAmount}, nil
}

// TxConfirmations reports confirmations of any tx on the chain.
func (w *Wallet) TxConfirmations(_ context.Context, txHash string) (uint32, error) {
	if err := w.check(); err != nil {
		return 0, err
	}
	n, found := w.chain.Confirmations(txHash)
	if !found {
		return 0, dex.NewErrorf(asset.ErrNotFound, "tx %s", txHash)
	}
	return n, nil
}

// SignPayout signs the payout with the multisig key.
func (w *Wallet) SignPayout(_ context.Context, p *asset.PayoutParams) ([]byte, error) {
	if err := w.check(); err != nil {
		return nil, err
	}
	return msgjson.SignHash(w.key, p.SigHash()), nil
}

// PublishPayout publishes the escrow payout.
func (w *Wallet) PublishPayout(_ context.Context, p *asset.PayoutParams, sigs [][]byte) (string, error) {
	if err := w.check(); err != nil {
		return "", err
	}
	return w.chain.payout(p, sigs)
}

// Send sends amount less the tx fee from the subaddress to the address.
// Change returns to the subaddress.
func (w *Wallet) Send(_ context.Context, fromSub uint32, toAddr string, amount uint64, memo string) (string, error) {
	if err := w.check(); err != nil {
		return "", err
	}
	if !ValidAddress(toAddr) {
		return "", dex.NewErrorf(asset.ErrInvalidAddress, "%q", toAddr)
	}
	fee := w.chain.TxFee
	if amount <= fee {
		return "", dex.NewErrorf(asset.ErrInsufficientFunds, "amount %d does not cover fee %d", amount, fee)
	}
	tip := w.chain.Height()
	w.mtx.Lock()
	fromAddr, found := w.subAddrs[fromSub]
	if !found {
		w.mtx.Unlock()
		return "", dex.NewErrorf(asset.ErrNotFound, "subaddress %d", fromSub)
	}
	var selected []*output
	var sum uint64
	for _, o := range w.outputs {
		if sum >= amount {
			break
		}
		if o.sub == fromSub && w.spendable(o, tip) {
			selected = append(selected, o)
			sum += o.amount
		}
	}
	if sum < amount {
		w.mtx.Unlock()
		return "", dex.NewErrorf(asset.ErrInsufficientFunds, "subaddress %d has %d spendable, need %d", fromSub, sum, amount)
	}
	for _, o := range selected {
		o.spent = true
	}
	w.mtx.Unlock()

	txHash, h := w.chain.send(fromAddr, toAddr, amount-fee)
	if change := sum - amount; change > 0 {
		w.receive(fromSub, change, txHash, h)
	} else {
		w.signalBalance()
	}
	w.log.Infof("Sent %d (fee %d) from subaddress %d to %s in %s. memo: %q", amount-fee, fee, fromSub, toAddr, txHash, memo)
	return txHash, nil
}

// BalanceChanges signals after any change to the wallet's outputs or the
// chain tip.
func (w *Wallet) BalanceChanges() <-chan struct{} {
	return w.balCh
}
