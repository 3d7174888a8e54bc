// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"strings"

	"github.com/tuskeNetwork/tuskex-sub001/dex"
	"github.com/tuskeNetwork/tuskex-sub001/dex/offer"
)

// Filter lists the peers, payment methods and currencies this node refuses
// to trade with. Names are compared case-insensitively.
type Filter struct {
	BannedNodes          []string `json:"bannedNodes"`
	BannedPaymentMethods []string `json:"bannedPaymentMethods"`
	BannedCurrencies     []string `json:"bannedCurrencies"`
}

func listed(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// CheckNode rejects a banned node.
func (f *Filter) CheckNode(addr dex.NodeAddress) error {
	if listed(f.BannedNodes, string(addr)) {
		return dex.NewErrorf(ErrFiltered, "node %s is banned", addr)
	}
	return nil
}

// CheckOffer rejects an offer of a banned node, currency or payment method.
func (f *Filter) CheckOffer(o *offer.Offer) error {
	if err := f.CheckNode(o.MakerNode); err != nil {
		return err
	}
	if listed(f.BannedCurrencies, o.CurrencyCode) {
		return dex.NewErrorf(ErrFiltered, "currency %s is banned", o.CurrencyCode)
	}
	if listed(f.BannedPaymentMethods, o.PaymentMethodID) {
		return dex.NewErrorf(ErrFiltered, "payment method %s is banned", o.PaymentMethodID)
	}
	return nil
}
