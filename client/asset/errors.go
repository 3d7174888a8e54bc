// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package asset

import (
	"context"
	"errors"

	"github.com/tuskeNetwork/tuskex-sub001/dex"
)

// Transient wallet errors. Operations failing with these are retried.
const (
	ErrWalletOffline = dex.ErrorKind("wallet offline")
	ErrWalletTimeout = dex.ErrorKind("wallet request timed out")
	ErrWalletRPC     = dex.ErrorKind("wallet rpc error")
)

// Permanent wallet errors. These are surfaced without retry.
const (
	ErrInsufficientFunds  = dex.ErrorKind("insufficient funds")
	ErrInvalidAddress     = dex.ErrorKind("invalid address")
	ErrNotFound           = dex.ErrorKind("not found")
	ErrInvalidSignature   = dex.ErrorKind("invalid payout signature")
	ErrAddressEntryExists = dex.ErrorKind("address entry exists")
)

// IsTransient is true for errors worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrWalletOffline) ||
		errors.Is(err, ErrWalletTimeout) ||
		errors.Is(err, ErrWalletRPC) ||
		errors.Is(err, context.DeadlineExceeded)
}
