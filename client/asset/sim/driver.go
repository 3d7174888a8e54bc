// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package sim

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/tuskeNetwork/tuskex-sub001/client/asset"
	"github.com/tuskeNetwork/tuskex-sub001/dex"
	"github.com/tuskeNetwork/tuskex-sub001/dex/encode"
)

// WalletType is the registered driver name.
const WalletType = "sim"

const seedFile = "sim.seed"

var (
	chainsMtx sync.Mutex
	chains    = make(map[string]*Chain)
)

// SharedChain returns the process-wide chain with the name, creating it if
// needed. Wallets opened through the driver with the same "chain" setting
// trade with each other.
func SharedChain(name string, unlockConfs uint32) *Chain {
	chainsMtx.Lock()
	defer chainsMtx.Unlock()
	c, found := chains[name]
	if !found {
		c = NewChain(unlockConfs)
		chains[name] = c
	}
	return c
}

func init() {
	asset.Register(WalletType, &Driver{})
}

// Driver opens sim wallets.
type Driver struct{}

// Description describes the wallet type.
func (*Driver) Description() string {
	return "In-process simulated wallet for the local network"
}

// Open opens a sim wallet. Recognized settings are chain (shared chain name),
// unlockconfs and fund (atomic units credited when the wallet is empty). The
// wallet seed is kept in the data directory so that subaddresses and the
// multisig key survive restarts.
func (*Driver) Open(cfg *asset.WalletConfig, logger dex.Logger, net dex.Network) (asset.Wallet, error) {
	if net != dex.Local {
		return nil, fmt.Errorf("sim wallets are only available on %s, not %s", dex.Local, net)
	}
	var unlockConfs uint64
	if s := cfg.Settings["unlockconfs"]; s != "" {
		var err error
		if unlockConfs, err = strconv.ParseUint(s, 10, 32); err != nil {
			return nil, fmt.Errorf("invalid unlockconfs %q: %w", s, err)
		}
	}
	chainName := cfg.Settings["chain"]
	if chainName == "" {
		chainName = "default"
	}
	seed, err := loadSeed(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	w, err := NewWallet(&Config{
		Chain:        SharedChain(chainName, uint32(unlockConfs)),
		Seed:         seed,
		AddressStore: cfg.AddressStore,
	}, logger)
	if err != nil {
		return nil, err
	}
	if s := cfg.Settings["fund"]; s != "" {
		amt, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid fund amount %q: %w", s, err)
		}
		if bal, _ := w.Balance(context.Background()); bal == 0 {
			w.Fund(amt)
		}
	}
	return w, nil
}

func loadSeed(dataDir string) ([]byte, error) {
	if dataDir == "" {
		return encode.RandomBytes(32), nil
	}
	path := filepath.Join(dataDir, seedFile)
	b, err := os.ReadFile(path)
	if err == nil {
		return hex.DecodeString(string(b))
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	seed := encode.RandomBytes(32)
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, err
	}
	return seed, os.WriteFile(path, []byte(hex.EncodeToString(seed)), 0600)
}
