// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tuskeNetwork/tuskex-sub001/dex"
	"github.com/tuskeNetwork/tuskex-sub001/dex/config"
	"github.com/tuskeNetwork/tuskex-sub001/dex/msgjson"
	"github.com/tuskeNetwork/tuskex-sub001/dex/trade"
)

// builtinAgentKeys are the compressed public keys of the dispute agents of
// each network, by dispute kind.
var builtinAgentKeys = map[dex.Network]map[trade.DisputeKind][]string{
	dex.Mainnet: {},
	dex.Stagenet: {
		trade.Mediation: {
			"02C6047F9441ED7D6D3045406E95C07CD85C778E4B8CEF3CA7ABAC09B95C709EE5",
			"02F9308A019258C31049344F85F89D5229B531C845836F99B08601F113BCE036F9",
		},
		trade.Arbitration: {
			"02C6047F9441ED7D6D3045406E95C07CD85C778E4B8CEF3CA7ABAC09B95C709EE5",
		},
		trade.Refund: {
			"02C6047F9441ED7D6D3045406E95C07CD85C778E4B8CEF3CA7ABAC09B95C709EE5",
		},
	},
	dex.Local: {
		trade.Mediation:   {"0279BE667EF9DCBBAC55A06295CE870B07029BFCDB2DCE28D959F2815B16F81798"},
		trade.Arbitration: {"0279BE667EF9DCBBAC55A06295CE870B07029BFCDB2DCE28D959F2815B16F81798"},
		trade.Refund:      {"0279BE667EF9DCBBAC55A06295CE870B07029BFCDB2DCE28D959F2815B16F81798"},
	},
}

// AgentKeyTable is the allow-list of dispute agent keys of a network.
type AgentKeyTable struct {
	net  dex.Network
	mtx  sync.RWMutex
	keys map[trade.DisputeKind]map[string]bool
}

// NewAgentKeyTable is a table with the built-in keys of the network.
func NewAgentKeyTable(net dex.Network) *AgentKeyTable {
	tbl := &AgentKeyTable{
		net:  net,
		keys: make(map[trade.DisputeKind]map[string]bool, len(trade.DisputeKinds)),
	}
	for kind, keys := range builtinAgentKeys[net] {
		for _, k := range keys {
			// Built-in keys are valid hex.
			tbl.Add(kind, dex.BytesFromHex(k))
		}
	}
	return tbl
}

// LoadAgentKeyTable merges the keys of an INI file or data over the built-in
// table. Sections are named [<network>.<kind>] and list hex keys under
// "keys". Sections of other networks are ignored.
func LoadAgentKeyTable(net dex.Network, iniPathOrData any) (*AgentKeyTable, error) {
	tbl := NewAgentKeyTable(net)
	sections, err := config.Sections(iniPathOrData)
	if err != nil {
		return nil, fmt.Errorf("error reading agent keys: %w", err)
	}
	for name, opts := range sections {
		netName, kindName, found := strings.Cut(name, ".")
		if !found {
			return nil, fmt.Errorf("agent key section %q is not <network>.<kind>", name)
		}
		sectionNet, err := dex.NetFromString(netName)
		if err != nil {
			return nil, fmt.Errorf("agent key section %q: %w", name, err)
		}
		if sectionNet != net {
			continue
		}
		kind, err := trade.DisputeKindFromString(kindName)
		if err != nil {
			return nil, fmt.Errorf("agent key section %q: %w", name, err)
		}
		for _, k := range config.ListValue(opts["keys"]) {
			b, err := hex.DecodeString(k)
			if err != nil || len(b) != 33 {
				return nil, fmt.Errorf("invalid agent key %q in section %q", k, name)
			}
			tbl.Add(kind, b)
		}
	}
	return tbl, nil
}

// Add allows the key for the dispute kind.
func (tbl *AgentKeyTable) Add(kind trade.DisputeKind, pubKey []byte) {
	tbl.mtx.Lock()
	defer tbl.mtx.Unlock()
	m := tbl.keys[kind]
	if m == nil {
		m = make(map[string]bool)
		tbl.keys[kind] = m
	}
	m[hex.EncodeToString(pubKey)] = true
}

// Allowed checks the key against the allow-list of the dispute kind.
func (tbl *AgentKeyTable) Allowed(kind trade.DisputeKind, pubKey []byte) bool {
	tbl.mtx.RLock()
	defer tbl.mtx.RUnlock()
	return tbl.keys[kind][hex.EncodeToString(pubKey)]
}

// Keys lists the allowed keys of the kind in hex.
func (tbl *AgentKeyTable) Keys(kind trade.DisputeKind) []string {
	tbl.mtx.RLock()
	defer tbl.mtx.RUnlock()
	keys := make([]string, 0, len(tbl.keys[kind]))
	for k := range tbl.keys[kind] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// VerifySummary checks a signed dispute summary. The signing key must be
// allowed for the kind, and must be expectKey if that is set. The summary
// text is returned.
func (tbl *AgentKeyTable) VerifySummary(kind trade.DisputeKind, signed string, expectKey []byte) (string, error) {
	text, pubKey, sig, err := ParseSignedSummary(signed)
	if err != nil {
		return "", dex.NewError(ErrDisputeSig, err.Error())
	}
	if !tbl.Allowed(kind, pubKey) {
		return "", dex.NewErrorf(ErrDisputeSig, "key %x is not an allowed %s agent on %s", pubKey, kind, tbl.net)
	}
	if len(expectKey) > 0 && !bytes.Equal(expectKey, pubKey) {
		return "", dex.NewErrorf(ErrDisputeSig, "summary signed by %x, expected %x", pubKey, expectKey)
	}
	if err := msgjson.CheckBytesSig([]byte(text), sig, pubKey); err != nil {
		return "", dex.NewError(ErrDisputeSig, err.Error())
	}
	return text, nil
}
