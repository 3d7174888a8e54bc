// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package asset

import "sync"

// WalletHandle guards the wallet with two nested locks. The wallet lock is
// held for any wallet operation that must not interleave with fund
// movement. The function lock nests inside it and serializes every
// fund-moving operation across all offers and trades.
type WalletHandle struct {
	Wallet
	walletMtx sync.Mutex
	funcMtx   sync.Mutex
}

// NewWalletHandle wraps the wallet.
func NewWalletHandle(w Wallet) *WalletHandle {
	return &WalletHandle{Wallet: w}
}

// WithFundsLock runs f holding the wallet lock and then the function lock.
// Both are released when f returns or panics.
func (h *WalletHandle) WithFundsLock(f func(w Wallet) error) error {
	h.walletMtx.Lock()
	defer h.walletMtx.Unlock()
	h.funcMtx.Lock()
	defer h.funcMtx.Unlock()
	return f(h.Wallet)
}

// WithWalletLock runs f holding only the wallet lock.
func (h *WalletHandle) WithWalletLock(f func(w Wallet) error) error {
	h.walletMtx.Lock()
	defer h.walletMtx.Unlock()
	return f(h.Wallet)
}
