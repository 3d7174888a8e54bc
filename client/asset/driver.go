// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package asset

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tuskeNetwork/tuskex-sub001/dex"
)

var (
	driversMtx sync.RWMutex
	drivers    = make(map[string]Driver)
)

// WalletConfig is the configuration passed to a Driver's Open.
type WalletConfig struct {
	// Type is the registered driver name.
	Type string
	// Settings are driver specific key-value pairs, usually parsed from the
	// wallet section of the config file.
	Settings map[string]string
	// DataDir is where the wallet may keep files.
	DataDir string
	// AddressStore persists the wallet's address entries. May be nil.
	AddressStore AddressStore
}

// Driver opens wallets of a type.
type Driver interface {
	Open(cfg *WalletConfig, logger dex.Logger, net dex.Network) (Wallet, error)
	Description() string
}

// Register should be called by the init function of a wallet package.
func Register(walletType string, driver Driver) {
	driversMtx.Lock()
	defer driversMtx.Unlock()

	if driver == nil {
		panic("asset: Register driver is nil")
	}
	if _, dup := drivers[walletType]; dup {
		panic(fmt.Sprint("asset: Register called twice for wallet type ", walletType))
	}
	drivers[walletType] = driver
}

// OpenWallet opens a wallet with the driver registered for cfg.Type.
func OpenWallet(cfg *WalletConfig, logger dex.Logger, net dex.Network) (Wallet, error) {
	driversMtx.RLock()
	drv, ok := drivers[cfg.Type]
	driversMtx.RUnlock()
	if !ok {
		return nil, fmt.Errorf("asset: unknown wallet type %q", cfg.Type)
	}
	return drv.Open(cfg, logger, net)
}

// WalletTypes lists the registered wallet types.
func WalletTypes() []string {
	driversMtx.RLock()
	defer driversMtx.RUnlock()
	types := make([]string, 0, len(drivers))
	for t := range drivers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
