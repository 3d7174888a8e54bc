// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/tuskeNetwork/tuskex-sub001/client/asset"
	dexdb "github.com/tuskeNetwork/tuskex-sub001/client/db"
	"github.com/tuskeNetwork/tuskex-sub001/dex/encode"
	"github.com/tuskeNetwork/tuskex-sub001/dex/offer"
	"github.com/tuskeNetwork/tuskex-sub001/dex/trade"
	"go.etcd.io/bbolt"
)

// Short names for some commonly used imported functions.
var (
	bEqual      = bytes.Equal
	uint32Bytes = encode.Uint32Bytes
	uint64Bytes = encode.Uint64Bytes
	bCopy       = encode.CopySlice
)

// Bolt works on []byte keys and values. These are some commonly used key and
// value encodings.
var (
	appBucket       = []byte("appBucket")
	offersBucket    = []byte("offers")
	tradesBucket    = []byte("trades")
	disputesBucket  = []byte("disputes")
	addressBucket   = []byte("addresses")
	processedBucket = []byte("processed")
	notesBucket     = []byte("notes")
	versionKey      = []byte("version")
	sigKeyKey       = []byte("sigkey")
	encKeyKey       = []byte("enckey")
	statusKey       = []byte("status")
	tradeKey        = []byte("trade")
	updateTimeKey   = []byte("utime")
	noteKey         = []byte("note")
	stampKey        = []byte("stamp")
	severityKey     = []byte("severity")
	ackKey          = []byte("ack")
	byteTrue        = encode.ByteTrue
	backupDir       = "backup"
)

// BoltDB is a bbolt-based database backend for the client. BoltDB satisfies
// the db.DB interface defined at client/db.
type BoltDB struct {
	*bbolt.DB
}

// Check that BoltDB satisfies the db.DB interface.
var _ dexdb.DB = (*BoltDB)(nil)

// NewDB is a constructor for a *BoltDB.
func NewDB(dbPath string) (*BoltDB, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	bdb := &BoltDB{
		DB: db,
	}

	err = bdb.makeTopLevelBuckets([][]byte{appBucket, offersBucket, tradesBucket,
		disputesBucket, addressBucket, processedBucket, notesBucket})
	if err != nil {
		db.Close()
		return nil, err
	}
	if err = upgradeDB(db); err != nil {
		db.Close()
		return nil, err
	}
	return bdb, nil
}

// Run waits for context cancellation and closes the database.
func (db *BoltDB) Run(ctx context.Context) {
	<-ctx.Done()
	err := db.Backup()
	if err != nil {
		log.Errorf("unable to backup database: %v", err)
	}
	db.Close()
}

// Identity is the node's stored signing and encryption key.
func (db *BoltDB) Identity() (sigKey, encKey []byte, err error) {
	return sigKey, encKey, db.withBucket(appBucket, db.View, func(app *bbolt.Bucket) error {
		sigKey, encKey = app.Get(sigKeyKey), app.Get(encKeyKey)
		if sigKey == nil || encKey == nil {
			return dexdb.ErrNoIdentity
		}
		sigKey, encKey = bCopy(sigKey), bCopy(encKey)
		return nil
	})
}

// SetIdentity stores the node's keys. An existing identity is never
// replaced.
func (db *BoltDB) SetIdentity(sigKey, encKey []byte) error {
	return db.withBucket(appBucket, db.Update, func(app *bbolt.Bucket) error {
		if app.Get(sigKeyKey) != nil {
			return fmt.Errorf("identity already stored")
		}
		return newBucketPutter(app).
			put(sigKeyKey, sigKey).
			put(encKeyKey, encKey).
			err()
	})
}

// UpdateOpenOffer saves the open offer. Any existing entry for the offer ID
// is overwritten.
func (db *BoltDB) UpdateOpenOffer(oo *offer.OpenOffer) error {
	if oo.Offer == nil || oo.ID() == "" {
		return fmt.Errorf("cannot store an open offer without an ID")
	}
	b, err := json.Marshal(oo)
	if err != nil {
		return err
	}
	return db.withBucket(offersBucket, db.Update, func(offers *bbolt.Bucket) error {
		return offers.Put([]byte(oo.ID()), b)
	})
}

// OpenOffers lists the open offers that are not closed or canceled.
func (db *BoltDB) OpenOffers() ([]*offer.OpenOffer, error) {
	var oos []*offer.OpenOffer
	return oos, db.withBucket(offersBucket, db.View, func(offers *bbolt.Bucket) error {
		return offers.ForEach(func(k, v []byte) error {
			oo := new(offer.OpenOffer)
			if err := json.Unmarshal(v, oo); err != nil {
				return fmt.Errorf("error decoding open offer %s: %w", string(k), err)
			}
			if !oo.State.IsTerminal() {
				oos = append(oos, oo)
			}
			return nil
		})
	})
}

// OpenOffer fetches an open offer in any state.
func (db *BoltDB) OpenOffer(id string) (*offer.OpenOffer, error) {
	var oo *offer.OpenOffer
	return oo, db.withBucket(offersBucket, db.View, func(offers *bbolt.Bucket) error {
		v := offers.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("open offer %s: %w", id, dexdb.ErrNotFound)
		}
		oo = new(offer.OpenOffer)
		return json.Unmarshal(v, oo)
	})
}

// UpdateTrade saves an active trade.
func (db *BoltDB) UpdateTrade(t *trade.Trade) error {
	return db.putTrade(t, dexdb.TradeActive)
}

// ArchiveTrade saves the trade with an archived status.
func (db *BoltDB) ArchiveTrade(t *trade.Trade, status dexdb.TradeStatus) error {
	if status == dexdb.TradeActive {
		return fmt.Errorf("cannot archive trade %s as active", t.ID)
	}
	return db.putTrade(t, status)
}

func (db *BoltDB) putTrade(t *trade.Trade, status dexdb.TradeStatus) error {
	if t.ID == "" {
		return fmt.Errorf("cannot store a trade without an ID")
	}
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return db.tradesUpdate(func(master *bbolt.Bucket) error {
		tBkt, err := master.CreateBucketIfNotExists([]byte(t.ID))
		if err != nil {
			return fmt.Errorf("trade bucket error: %w", err)
		}
		// An archived trade is never reactivated.
		if prev := tBkt.Get(statusKey); len(prev) == 1 &&
			dexdb.TradeStatus(prev[0]) != dexdb.TradeActive && status == dexdb.TradeActive {
			return fmt.Errorf("trade %s is already archived", t.ID)
		}
		return newBucketPutter(tBkt).
			put(statusKey, []byte{byte(status)}).
			put(updateTimeKey, uint64Bytes(timeNow())).
			put(tradeKey, b).
			err()
	})
}

// ActiveTrades lists the trades to resume on startup.
func (db *BoltDB) ActiveTrades() ([]*trade.Trade, error) {
	var trades []*trade.Trade
	return trades, db.tradesView(func(master *bbolt.Bucket) error {
		return master.ForEach(func(k, _ []byte) error {
			tBkt := master.Bucket(k)
			if tBkt == nil {
				return fmt.Errorf("trade %s value not a nested bucket", string(k))
			}
			if !bEqual(tBkt.Get(statusKey), []byte{byte(dexdb.TradeActive)}) {
				return nil
			}
			mt, err := decodeMetaTrade(tBkt)
			if err != nil {
				return err
			}
			trades = append(trades, mt.Trade)
			return nil
		})
	})
}

// Trade fetches a trade by ID.
func (db *BoltDB) Trade(id string) (*dexdb.MetaTrade, error) {
	var mt *dexdb.MetaTrade
	return mt, db.tradesView(func(master *bbolt.Bucket) error {
		tBkt := master.Bucket([]byte(id))
		if tBkt == nil {
			return fmt.Errorf("trade %s: %w", id, dexdb.ErrNotFound)
		}
		var err error
		mt, err = decodeMetaTrade(tBkt)
		return err
	})
}

// ArchivedTrades lists the n most recently archived trades.
func (db *BoltDB) ArchivedTrades(n int) ([]*dexdb.MetaTrade, error) {
	var mts []*dexdb.MetaTrade
	return mts, db.tradesView(func(master *bbolt.Bucket) error {
		pairs := newestBuckets(master, n, updateTimeKey, func(tBkt *bbolt.Bucket) bool {
			return !bEqual(tBkt.Get(statusKey), []byte{byte(dexdb.TradeActive)})
		})
		for _, pair := range pairs {
			mt, err := decodeMetaTrade(master.Bucket(pair.k))
			if err != nil {
				return err
			}
			mts = append(mts, mt)
		}
		return nil
	})
}

func decodeMetaTrade(tBkt *bbolt.Bucket) (*dexdb.MetaTrade, error) {
	statusB := tBkt.Get(statusKey)
	if len(statusB) != 1 {
		return nil, fmt.Errorf("trade status is size %d, expected 1", len(statusB))
	}
	tradeB := tBkt.Get(tradeKey)
	if tradeB == nil {
		return nil, fmt.Errorf("no trade found in bucket")
	}
	t := new(trade.Trade)
	if err := json.Unmarshal(tradeB, t); err != nil {
		return nil, fmt.Errorf("error decoding trade: %w", err)
	}
	return &dexdb.MetaTrade{
		Trade:  t,
		Status: dexdb.TradeStatus(statusB[0]),
		Stamp:  encode.BytesToUint64(tBkt.Get(updateTimeKey)),
	}, nil
}

// tradesView is a convenience function for reading from the trades bucket.
func (db *BoltDB) tradesView(f bucketFunc) error {
	return db.withBucket(tradesBucket, db.View, f)
}

// tradesUpdate is a convenience function for updating the trades bucket.
func (db *BoltDB) tradesUpdate(f bucketFunc) error {
	return db.withBucket(tradesBucket, db.Update, f)
}

// UpdateDispute saves the dispute.
func (db *BoltDB) UpdateDispute(d *trade.Dispute) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return db.withBucket(disputesBucket, db.Update, func(disputes *bbolt.Bucket) error {
		return disputes.Put([]byte(d.Key()), b)
	})
}

// Disputes lists all stored disputes.
func (db *BoltDB) Disputes() ([]*trade.Dispute, error) {
	var ds []*trade.Dispute
	return ds, db.withBucket(disputesBucket, db.View, func(disputes *bbolt.Bucket) error {
		return disputes.ForEach(func(k, v []byte) error {
			d := new(trade.Dispute)
			if err := json.Unmarshal(v, d); err != nil {
				return fmt.Errorf("error decoding dispute %s: %w", string(k), err)
			}
			ds = append(ds, d)
			return nil
		})
	})
}

// StoreAddressEntry saves the address entry, keyed by subaddress index.
func (db *BoltDB) StoreAddressEntry(e *asset.AddressEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return db.withBucket(addressBucket, db.Update, func(addrs *bbolt.Bucket) error {
		return addrs.Put(uint32Bytes(e.SubaddressIndex), b)
	})
}

// AddressEntries lists the stored address entries by subaddress index.
func (db *BoltDB) AddressEntries() ([]*asset.AddressEntry, error) {
	var entries []*asset.AddressEntry
	return entries, db.withBucket(addressBucket, db.View, func(addrs *bbolt.Bucket) error {
		return addrs.ForEach(func(k, v []byte) error {
			e := new(asset.AddressEntry)
			if err := json.Unmarshal(v, e); err != nil {
				return fmt.Errorf("error decoding address entry %x: %w", k, err)
			}
			entries = append(entries, e)
			return nil
		})
	})
}

// IsProcessed checks whether the mailbox message was applied.
func (db *BoltDB) IsProcessed(uid string) (bool, error) {
	var found bool
	return found, db.withBucket(processedBucket, db.View, func(processed *bbolt.Bucket) error {
		found = processed.Get([]byte(uid)) != nil
		return nil
	})
}

// SetProcessed records an applied mailbox message.
func (db *BoltDB) SetProcessed(uid string) error {
	return db.withBucket(processedBucket, db.Update, func(processed *bbolt.Bucket) error {
		return processed.Put([]byte(uid), uint64Bytes(timeNow()))
	})
}

// PruneProcessed deletes processed uid records older than the cutoff.
func (db *BoltDB) PruneProcessed(before uint64) (int, error) {
	var n int
	return n, db.withBucket(processedBucket, db.Update, func(processed *bbolt.Bucket) error {
		var stale [][]byte
		if err := processed.ForEach(func(k, v []byte) error {
			if len(v) == 8 && encode.BytesToUint64(v) < before {
				stale = append(stale, bCopy(k))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := processed.Delete(k); err != nil {
				return err
			}
		}
		n = len(stale)
		return nil
	})
}

// SaveNotification saves the notification.
func (db *BoltDB) SaveNotification(note *dexdb.Notification) error {
	if note.Severeness < dexdb.Success {
		return fmt.Errorf("storage of notification with severity %s is forbidden", note.Severeness)
	}
	return db.notesUpdate(func(master *bbolt.Bucket) error {
		noteB := note.Encode()
		k := note.ID()
		noteBkt, err := master.CreateBucketIfNotExists(k)
		if err != nil {
			return err
		}
		return newBucketPutter(noteBkt).
			put(stampKey, uint64Bytes(note.TimeStamp)).
			put(severityKey, []byte{byte(note.Severeness)}).
			put(noteKey, noteB).
			err()
	})
}

// AckNotification sets the acknowledgement for a notification.
func (db *BoltDB) AckNotification(id []byte) error {
	return db.notesUpdate(func(master *bbolt.Bucket) error {
		noteBkt := master.Bucket(id)
		if noteBkt == nil {
			return fmt.Errorf("notification not found")
		}
		return noteBkt.Put(ackKey, byteTrue)
	})
}

// NotificationsN reads out the N most recent notifications.
func (db *BoltDB) NotificationsN(n int) ([]*dexdb.Notification, error) {
	notes := make([]*dexdb.Notification, 0, n)
	return notes, db.notesView(func(master *bbolt.Bucket) error {
		pairs := newestBuckets(master, n, stampKey, nil)
		for _, pair := range pairs {
			noteBkt := master.Bucket(pair.k)
			note, err := dexdb.DecodeNotification(noteBkt.Get(noteKey))
			if err != nil {
				return err
			}
			note.Ack = bEqual(noteBkt.Get(ackKey), byteTrue)
			note.Id = note.ID()
			notes = append(notes, note)
		}
		return nil
	})
}

// notesView is a convenience function to read from the notifications bucket.
func (db *BoltDB) notesView(f bucketFunc) error {
	return db.withBucket(notesBucket, db.View, f)
}

// notesUpdate is a convenience function for updating the notifications bucket.
func (db *BoltDB) notesUpdate(f bucketFunc) error {
	return db.withBucket(notesBucket, db.Update, f)
}

// newestBuckets gets the nested buckets with the highest timestamp from the
// specified master bucket. The nested bucket should have an encoded uint64 at
// the timeKey. An optional filter function can be used to reject buckets.
func newestBuckets(master *bbolt.Bucket, n int, timeKey []byte, filter func(*bbolt.Bucket) bool) []*keyTimePair {
	idx := newTimeIndexNewest(n)
	master.ForEach(func(k, _ []byte) error {
		bkt := master.Bucket(k)
		if bkt == nil {
			return nil
		}
		if filter == nil || filter(bkt) {
			idx.add(encode.BytesToUint64(bkt.Get(timeKey)), k)
		}
		return nil
	})
	return idx.pairs
}

// makeTopLevelBuckets creates a top-level bucket for each of the provided keys,
// if the bucket doesn't already exist.
func (db *BoltDB) makeTopLevelBuckets(buckets [][]byte) error {
	return db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range buckets {
			_, err := tx.CreateBucketIfNotExists(bucket)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// withBucket creates a view into a (probably nested) bucket. The viewer can
// be read-only (db.View), or read-write (db.Update). The provided bucketFunc
// will be called with the requested bucket as its only argument.
func (db *BoltDB) withBucket(bkt []byte, viewer txFunc, f bucketFunc) error {
	return viewer(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bkt)
		if bucket == nil {
			return fmt.Errorf("failed to open %s bucket", string(bkt))
		}
		return f(bucket)
	})
}

// Backup makes a copy of the database.
func (db *BoltDB) Backup() error {
	dir := filepath.Join(filepath.Dir(db.Path()), backupDir)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		err := os.Mkdir(dir, 0700)
		if err != nil {
			return fmt.Errorf("unable to create backup directory: %v", err)
		}
	}

	path := filepath.Join(dir, filepath.Base(db.Path()))
	return db.View(func(tx *bbolt.Tx) error {
		return tx.CopyFile(path, 0600)
	})
}

// bucketPutter enables chained calls to (*bbolt.Bucket).Put with error
// deferment.
type bucketPutter struct {
	bucket *bbolt.Bucket
	putErr error
}

// newBucketPutter is a constructor for a bucketPutter.
func newBucketPutter(bkt *bbolt.Bucket) *bucketPutter {
	return &bucketPutter{bucket: bkt}
}

// put calls Put on the underlying bucket. If an error has been encountered in a
// previous call to put, nothing is done.
func (bp *bucketPutter) put(k, v []byte) *bucketPutter {
	if bp.putErr != nil {
		return bp
	}
	bp.putErr = bp.bucket.Put(k, v)
	return bp
}

// Return any put error encountered.
func (bp *bucketPutter) err() error {
	return bp.putErr
}

// keyTimePair is used to build an on-the-fly time-sorted index.
type keyTimePair struct {
	k []byte
	t uint64
}

// timeIndexNewest is a struct used to build an index of sorted keyTimePairs.
// The index can have a maximum capacity. If the capacity is set to zero, the
// index size is unlimited.
type timeIndexNewest struct {
	pairs []*keyTimePair
	cap   int
}

// Create a new *timeIndexNewest, with the specified capacity.
func newTimeIndexNewest(n int) *timeIndexNewest {
	return &timeIndexNewest{
		pairs: make([]*keyTimePair, 0, n),
		cap:   n,
	}
}

// Conditionally add a time-key pair to the index. The pair will only be added
// if the timeIndexNewest is under capacity and the time t is larger than the
// oldest pair's time.
func (idx *timeIndexNewest) add(t uint64, k []byte) {
	count := len(idx.pairs)
	if idx.cap == 0 || count < idx.cap {
		idx.pairs = append(idx.pairs, &keyTimePair{
			k: append([]byte(nil), k...),
			t: t,
		})
	} else {
		if t <= idx.pairs[count-1].t {
			return
		}
		idx.pairs[count-1] = &keyTimePair{
			k: append([]byte(nil), k...),
			t: t,
		}
	}
	sort.Slice(idx.pairs, func(i, j int) bool {
		return idx.pairs[i].t > idx.pairs[j].t
	})
}

// timeNow is the current unix timestamp in milliseconds.
func timeNow() uint64 {
	return uint64(time.Now().UnixMilli())
}

// A couple of common bbolt functions.
type bucketFunc func(*bbolt.Bucket) error
type txFunc func(func(*bbolt.Tx) error) error
