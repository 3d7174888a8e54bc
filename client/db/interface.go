// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package db

import (
	"github.com/tuskeNetwork/tuskex-sub001/client/asset"
	"github.com/tuskeNetwork/tuskex-sub001/dex"
	"github.com/tuskeNetwork/tuskex-sub001/dex/offer"
	"github.com/tuskeNetwork/tuskex-sub001/dex/trade"
)

// DB is an interface that must be satisfied by the client's persistent
// storage manager.
type DB interface {
	dex.Runner
	// Identity is the node's stored signing and encryption key. ErrNoIdentity
	// is returned before one is set.
	Identity() (sigKey, encKey []byte, err error)
	// SetIdentity stores the node's keys. An existing identity is never
	// replaced.
	SetIdentity(sigKey, encKey []byte) error
	// UpdateOpenOffer saves the open offer. Any existing entry is
	// overwritten.
	UpdateOpenOffer(oo *offer.OpenOffer) error
	// OpenOffers lists all stored open offers that are not closed or
	// canceled.
	OpenOffers() ([]*offer.OpenOffer, error)
	// OpenOffer fetches an open offer by offer ID, in any state.
	OpenOffer(id string) (*offer.OpenOffer, error)
	// UpdateTrade saves an active trade. Any existing entry is
	// overwritten.
	UpdateTrade(t *trade.Trade) error
	// ArchiveTrade saves the trade with the closed or failed status.
	// Archived trades are not returned by ActiveTrades.
	ArchiveTrade(t *trade.Trade, status TradeStatus) error
	// ActiveTrades lists the trades to resume on startup.
	ActiveTrades() ([]*trade.Trade, error)
	// Trade fetches a trade by ID with its status.
	Trade(id string) (*MetaTrade, error)
	// ArchivedTrades lists the n most recently archived trades. n = 0
	// applies no limit.
	ArchivedTrades(n int) ([]*MetaTrade, error)
	// UpdateDispute saves the dispute, keyed by trade ID and kind.
	UpdateDispute(d *trade.Dispute) error
	// Disputes lists all stored disputes.
	Disputes() ([]*trade.Dispute, error)
	// AddressStore persists wallet address entries.
	asset.AddressStore
	// IsProcessed and SetProcessed record applied mailbox messages.
	IsProcessed(uid string) (bool, error)
	SetProcessed(uid string) error
	// PruneProcessed deletes processed uid records older than the cutoff,
	// in unix milliseconds.
	PruneProcessed(before uint64) (int, error)
	// SaveNotification saves the notification.
	SaveNotification(*Notification) error
	// NotificationsN reads out the N most recent notifications.
	NotificationsN(int) ([]*Notification, error)
	// AckNotification sets the acknowledgement for a notification.
	AckNotification(id []byte) error
	// Backup makes a copy of the database.
	Backup() error
}

// ErrNoIdentity is returned by Identity before the node's keys are stored.
const ErrNoIdentity = dex.ErrorKind("no identity stored")

// ErrNotFound is returned for unknown offers and trades.
const ErrNotFound = dex.ErrorKind("not found")
