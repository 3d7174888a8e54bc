// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package dex

import (
	"fmt"
	"strings"
)

// Network identifies the network a node operates on. Networks select the
// agent key table, default confirmation requirements and data directories.
type Network uint8

const (
	Mainnet Network = iota
	Stagenet
	Local
)

// String returns the string representation of a Network.
func (n Network) String() string {
	switch n {
	case Mainnet:
		return "mainnet"
	case Stagenet:
		return "stagenet"
	case Local:
		return "local"
	}
	return ""
}

// NetFromString returns the Network for the given network name.
func NetFromString(net string) (Network, error) {
	switch strings.ToLower(net) {
	case "mainnet":
		return Mainnet, nil
	case "stagenet", "testnet":
		return Stagenet, nil
	case "local", "regtest", "simnet":
		return Local, nil
	}
	return 255, fmt.Errorf("unknown network %s", net)
}

// Networks lists all known networks.
var Networks = []Network{Mainnet, Stagenet, Local}
