// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/tuskeNetwork/tuskex-sub001/dex"
	"github.com/tuskeNetwork/tuskex-sub001/dex/msgjson"
	"github.com/tuskeNetwork/tuskex-sub001/dex/trade"
)

const (
	sigBlockBegin = "-----BEGIN AGENT SIGNATURE-----"
	sigBlockEnd   = "-----END AGENT SIGNATURE-----"
)

// summaryText is the human readable dispute summary the agent signs.
func summaryText(res *trade.DisputeResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Trade ID: %s\n", res.TradeID)
	fmt.Fprintf(&sb, "Dispute: %s\n", res.Kind)
	fmt.Fprintf(&sb, "Winner: %s\n", res.Winner)
	fmt.Fprintf(&sb, "Reason: %s\n", res.Reason)
	fmt.Fprintf(&sb, "Buyer payout: %s\n", dex.FormatAtoms(res.BuyerPayoutAmountBeforeCost))
	fmt.Fprintf(&sb, "Seller payout: %s\n", dex.FormatAtoms(res.SellerPayoutAmountBeforeCost))
	fmt.Fprintf(&sb, "Closed: %s\n", res.CloseDate.UTC().Format(time.RFC3339))
	if res.SummaryNotes != "" {
		fmt.Fprintf(&sb, "\nNotes:\n%s\n", strings.TrimSpace(res.SummaryNotes))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// signSummary appends the signature block to the text.
func signSummary(priv *secp256k1.PrivateKey, text string) string {
	sig := msgjson.SignBytes(priv, []byte(text))
	pub := priv.PubKey().SerializeCompressed()
	return text + "\n\n" + sigBlockBegin + "\n" + hex.EncodeToString(pub) + "\n" +
		hex.EncodeToString(sig) + "\n" + sigBlockEnd
}

// ParseSignedSummary splits a signed dispute summary into the text, the
// agent's public key and the signature.
func ParseSignedSummary(signed string) (text string, pubKey, sig []byte, err error) {
	i := strings.LastIndex(signed, "\n\n"+sigBlockBegin+"\n")
	if i < 0 {
		return "", nil, nil, errors.New("no signature block")
	}
	text = signed[:i]
	block := strings.TrimSpace(signed[i+2:])
	lines := strings.Split(block, "\n")
	if len(lines) != 4 || lines[0] != sigBlockBegin || lines[3] != sigBlockEnd {
		return "", nil, nil, errors.New("malformed signature block")
	}
	if pubKey, err = hex.DecodeString(lines[1]); err != nil {
		return "", nil, nil, fmt.Errorf("bad public key encoding: %w", err)
	}
	if sig, err = hex.DecodeString(lines[2]); err != nil {
		return "", nil, nil, fmt.Errorf("bad signature encoding: %w", err)
	}
	return text, pubKey, sig, nil
}
