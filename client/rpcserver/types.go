// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package rpcserver

import (
	"errors"
	"fmt"

	"github.com/tuskeNetwork/tuskex-sub001/client/core"
	"github.com/tuskeNetwork/tuskex-sub001/dex"
	"github.com/tuskeNetwork/tuskex-sub001/dex/offer"
	"github.com/tuskeNetwork/tuskex-sub001/dex/trade"
)

// errArgs is wrapped when a request body cannot be used.
var errArgs = errors.New("invalid arguments")

// errorResponse is the body of every failed request. Code is the core error
// code, or -1 for errors that did not come from core.
type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// nodeResponse identifies the node.
type nodeResponse struct {
	Addr dex.NodeAddress `json:"addr"`
}

// takeOfferRequest is the body of POST /api/trades.
type takeOfferRequest struct {
	Offer          *offer.Offer `json:"offer"`
	Amount         uint64       `json:"amount"`
	PaymentAccount string       `json:"paymentAccount"`
}

func (req *takeOfferRequest) validate() error {
	if req.Offer == nil {
		return fmt.Errorf("%w: no offer", errArgs)
	}
	if req.Amount == 0 {
		req.Amount = req.Offer.Amount
	}
	return nil
}

// withdrawRequest is the body of POST /api/trades/{id}/withdraw.
type withdrawRequest struct {
	Address string `json:"address"`
	Memo    string `json:"memo"`
}

// withdrawResponse carries the withdrawal tx hash.
type withdrawResponse struct {
	TxHash string `json:"txHash"`
}

// disputeRequest is the body of POST /api/trades/{id}/dispute.
type disputeRequest struct {
	Kind trade.DisputeKind `json:"kind"`
}

// closeDisputeRequest is the body of POST /api/trades/{id}/closedispute.
type closeDisputeRequest struct {
	Kind       trade.DisputeKind       `json:"kind"`
	Resolution *core.DisputeResolution `json:"resolution"`
}

// chatRequest is the body of POST /api/trades/{id}/chat.
type chatRequest struct {
	Text string `json:"text"`
}

func (req *chatRequest) validate() error {
	if req.Text == "" {
		return fmt.Errorf("%w: empty message", errArgs)
	}
	return nil
}

// okResponse is returned by commands with no other result.
type okResponse struct {
	OK bool `json:"ok"`
}
