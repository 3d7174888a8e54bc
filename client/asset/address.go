// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package asset

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tuskeNetwork/tuskex-sub001/dex"
)

// AddressContext is the purpose a subaddress is currently assigned to.
type AddressContext uint8

const (
	BaseAddress AddressContext = iota
	Available
	OfferFunding
	TradePayout
	ArbitratorAddress
)

var addressContextNames = map[AddressContext]string{
	BaseAddress:       "BASE_ADDRESS",
	Available:         "AVAILABLE",
	OfferFunding:      "OFFER_FUNDING",
	TradePayout:       "TRADE_PAYOUT",
	ArbitratorAddress: "ARBITRATOR",
}

// String implements Stringer.
func (c AddressContext) String() string {
	if name, ok := addressContextNames[c]; ok {
		return name
	}
	return fmt.Sprintf("AddressContext(%d)", uint8(c))
}

// AddressEntry assigns a subaddress to an offer or trade.
type AddressEntry struct {
	SubaddressIndex uint32         `json:"subaddressIndex"`
	Address         string         `json:"address"`
	Context         AddressContext `json:"context"`
	OfferID         string         `json:"offerId"`
}

// AddressStore persists address entries.
type AddressStore interface {
	StoreAddressEntry(*AddressEntry) error
	AddressEntries() ([]*AddressEntry, error)
}

// SubaddressCreator derives a new subaddress.
type SubaddressCreator func() (index uint32, address string, err error)

// AddressBook keeps at most one entry per (offer ID, context). Entries are
// swapped back to AVAILABLE when released and handed out again, never
// deleted.
type AddressBook struct {
	mtx           sync.Mutex
	store         AddressStore
	newSubaddress SubaddressCreator
	entries       map[uint32]*AddressEntry
	log           dex.Logger
}

// NewAddressBook loads any stored entries. store may be nil.
func NewAddressBook(store AddressStore, newSubaddress SubaddressCreator, log dex.Logger) (*AddressBook, error) {
	ab := &AddressBook{
		store:         store,
		newSubaddress: newSubaddress,
		entries:       make(map[uint32]*AddressEntry),
		log:           log,
	}
	if store != nil {
		entries, err := store.AddressEntries()
		if err != nil {
			return nil, fmt.Errorf("error loading address entries: %w", err)
		}
		for _, e := range entries {
			ab.entries[e.SubaddressIndex] = e
		}
	}
	return ab, nil
}

func (ab *AddressBook) save(e *AddressEntry) error {
	ab.entries[e.SubaddressIndex] = e
	if ab.store == nil {
		return nil
	}
	return ab.store.StoreAddressEntry(e)
}

func (ab *AddressBook) find(ownerID string, ctx AddressContext) *AddressEntry {
	for _, e := range ab.entries {
		if e.OfferID == ownerID && e.Context == ctx {
			return e
		}
	}
	return nil
}

// Add inserts a new entry. A second entry for the same owner and context is
// rejected with ErrAddressEntryExists.
func (ab *AddressBook) Add(e *AddressEntry) error {
	ab.mtx.Lock()
	defer ab.mtx.Unlock()
	return ab.add(e)
}

func (ab *AddressBook) add(e *AddressEntry) error {
	if e.Context != Available && e.Context != BaseAddress {
		if existing := ab.find(e.OfferID, e.Context); existing != nil {
			return dex.NewErrorf(ErrAddressEntryExists, "%s entry for %s at subaddress %d",
				e.Context, e.OfferID, existing.SubaddressIndex)
		}
	}
	if existing, found := ab.entries[e.SubaddressIndex]; found && existing.Context != Available {
		return dex.NewErrorf(ErrAddressEntryExists, "subaddress %d in use for %s", e.SubaddressIndex, existing.Context)
	}
	c := *e
	return ab.save(&c)
}

// Entry looks up the owner's entry for the context.
func (ab *AddressBook) Entry(ownerID string, ctx AddressContext) (*AddressEntry, bool) {
	ab.mtx.Lock()
	defer ab.mtx.Unlock()
	e := ab.find(ownerID, ctx)
	if e == nil {
		return nil, false
	}
	c := *e
	return &c, true
}

// GetOrCreate returns the owner's entry for the context. A new entry reuses
// the lowest AVAILABLE subaddress before deriving a new one.
func (ab *AddressBook) GetOrCreate(ownerID string, ctx AddressContext) (*AddressEntry, error) {
	ab.mtx.Lock()
	defer ab.mtx.Unlock()
	if e := ab.find(ownerID, ctx); e != nil {
		c := *e
		return &c, nil
	}
	var reuse *AddressEntry
	for _, e := range ab.entries {
		if e.Context == Available && (reuse == nil || e.SubaddressIndex < reuse.SubaddressIndex) {
			reuse = e
		}
	}
	var e *AddressEntry
	if reuse != nil {
		e = &AddressEntry{
			SubaddressIndex: reuse.SubaddressIndex,
			Address:         reuse.Address,
			Context:         ctx,
			OfferID:         ownerID,
		}
	} else {
		idx, addr, err := ab.newSubaddress()
		if err != nil {
			return nil, err
		}
		e = &AddressEntry{SubaddressIndex: idx, Address: addr, Context: ctx, OfferID: ownerID}
	}
	if err := ab.add(e); err != nil {
		return nil, err
	}
	c := *e
	return &c, nil
}

// Reset swaps all of the owner's entries back to AVAILABLE.
func (ab *AddressBook) Reset(ownerID string) error {
	ab.mtx.Lock()
	defer ab.mtx.Unlock()
	for _, e := range ab.entries {
		if e.OfferID != ownerID || e.Context == Available || e.Context == BaseAddress {
			continue
		}
		ab.log.Debugf("Swapping subaddress %d from %s/%s to %s", e.SubaddressIndex, ownerID, e.Context, Available)
		if err := ab.save(&AddressEntry{
			SubaddressIndex: e.SubaddressIndex,
			Address:         e.Address,
			Context:         Available,
		}); err != nil {
			return err
		}
	}
	return nil
}

// ByAddress finds the entry for an address.
func (ab *AddressBook) ByAddress(addr string) (*AddressEntry, bool) {
	ab.mtx.Lock()
	defer ab.mtx.Unlock()
	for _, e := range ab.entries {
		if e.Address == addr {
			c := *e
			return &c, true
		}
	}
	return nil, false
}

// Entries lists all entries ordered by subaddress index.
func (ab *AddressBook) Entries() []*AddressEntry {
	ab.mtx.Lock()
	defer ab.mtx.Unlock()
	entries := make([]*AddressEntry, 0, len(ab.entries))
	for _, e := range ab.entries {
		c := *e
		entries = append(entries, &c)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].SubaddressIndex < entries[j].SubaddressIndex
	})
	return entries
}
