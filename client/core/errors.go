// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"errors"
	"fmt"

	"github.com/tuskeNetwork/tuskex-sub001/client/asset"
	"github.com/tuskeNetwork/tuskex-sub001/dex"
)

// Error codes returned to RPC clients. Keep the order stable.
const (
	walletErr = iota
	walletTransientErr
	insufficientFundsErr
	protocolErr
	unknownTradeErr
	unknownOfferErr
	tradeStateErr
	disputeSigErr
	staleMessageErr
	dbErr
	offerCanceledErr
	filterErr
	addressErr
	paramsErr
)

// Sentinel errors for conditions that are not wallet errors.
const (
	ErrOfferCanceled   = dex.ErrorKind("offer canceled")
	ErrDisputeSig      = dex.ErrorKind("dispute summary signature invalid")
	ErrResultConflict  = dex.ErrorKind("conflicting dispute result")
	ErrStaleMessage    = dex.ErrorKind("message references unknown trade")
	ErrFiltered        = dex.ErrorKind("filtered")
	ErrOfferNotAvail   = dex.ErrorKind("offer not available")
	ErrUnexpectedPeer  = dex.ErrorKind("message from unexpected peer")
	ErrProtocolTimeout = dex.ErrorKind("protocol timeout")
)

// Error is an error code and a wrapped error.
type Error struct {
	code int
	err  error
}

// Error returns the error string. Satisfies the error interface.
func (e *Error) Error() string {
	return e.err.Error()
}

// Code returns the error code.
func (e *Error) Code() int {
	return e.code
}

// Unwrap returns the underlying wrapped error.
func (e *Error) Unwrap() error {
	return e.err
}

// newError is a constructor for a new Error.
func newError(code int, s string, a ...any) error {
	return &Error{
		code: code,
		err:  fmt.Errorf(s, a...), // s may contain a %w verb to wrap an error
	}
}

// codedError converts the error to an Error with the specified code.
func codedError(code int, err error) error {
	return &Error{
		code: code,
		err:  err,
	}
}

// errorHasCode checks whether the error is an Error and has the specified code.
func errorHasCode(err error, code int) bool {
	var e *Error
	return errors.As(err, &e) && e.code == code
}

// walletError codes a wallet error by its class.
func walletError(err error, format string, a ...any) error {
	err = fmt.Errorf("%s: %w", fmt.Sprintf(format, a...), err)
	switch {
	case asset.IsTransient(err):
		return codedError(walletTransientErr, err)
	case errors.Is(err, asset.ErrInsufficientFunds):
		return codedError(insufficientFundsErr, err)
	case errors.Is(err, asset.ErrInvalidAddress):
		return codedError(addressErr, err)
	}
	return codedError(walletErr, err)
}

// ErrorCode extracts the code of an error returned by Core. -1 is returned
// for uncoded errors.
func ErrorCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return -1
}

// IsNotFound is true for errors about an unknown trade or offer.
func IsNotFound(err error) bool {
	code := ErrorCode(err)
	return code == unknownTradeErr || code == unknownOfferErr
}

// IsRequestError is true if the request itself was refused, as opposed to a
// failure of the wallet, the database or a peer.
func IsRequestError(err error) bool {
	switch ErrorCode(err) {
	case tradeStateErr, paramsErr, addressErr, filterErr, insufficientFundsErr, offerCanceledErr:
		return true
	}
	return false
}

// IsTransient is true for wallet errors that may clear on a retry.
func IsTransient(err error) bool {
	return ErrorCode(err) == walletTransientErr
}
