package bolt

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tuskeNetwork/tuskex-sub001/client/asset"
	dexdb "github.com/tuskeNetwork/tuskex-sub001/client/db"
	dbtest "github.com/tuskeNetwork/tuskex-sub001/client/db/test"
	"github.com/tuskeNetwork/tuskex-sub001/dex"
	"github.com/tuskeNetwork/tuskex-sub001/dex/offer"
	"github.com/tuskeNetwork/tuskex-sub001/dex/trade"
	"go.etcd.io/bbolt"
)

var (
	tDir     string
	tCounter int
)

func newTestDB(t *testing.T) (*BoltDB, string) {
	t.Helper()
	tCounter++
	dbPath := filepath.Join(tDir, fmt.Sprintf("db%d.db", tCounter))
	db, err := NewDB(dbPath)
	if err != nil {
		t.Fatalf("error creating dB: %v", err)
	}
	return db, dbPath
}

func TestMain(m *testing.M) {
	UseLogger(dex.StdOutLogger("TEST", dex.LevelTrace))
	doIt := func() int {
		var err error
		tDir, err = os.MkdirTemp("", "dbtest")
		if err != nil {
			fmt.Println("error creating temporary directory:", err)
			return -1
		}
		defer os.RemoveAll(tDir)
		return m.Run()
	}
	os.Exit(doIt())
}

func TestIdentity(t *testing.T) {
	db, _ := newTestDB(t)
	defer db.Close()
	if _, _, err := db.Identity(); !errors.Is(err, dexdb.ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}
	sig, enc := []byte{1, 2, 3}, []byte{4, 5, 6}
	if err := db.SetIdentity(sig, enc); err != nil {
		t.Fatalf("SetIdentity error: %v", err)
	}
	if err := db.SetIdentity(enc, sig); err == nil {
		t.Fatalf("identity replaced")
	}
	reSig, reEnc, err := db.Identity()
	if err != nil {
		t.Fatalf("Identity error: %v", err)
	}
	if string(reSig) != string(sig) || string(reEnc) != string(enc) {
		t.Fatalf("wrong identity %x, %x", reSig, reEnc)
	}
}

func TestOpenOffers(t *testing.T) {
	db, _ := newTestDB(t)
	defer db.Close()

	oos := make([]*offer.OpenOffer, 0, 5)
	for i := 0; i < 5; i++ {
		oo := dbtest.RandomOpenOffer()
		if err := db.UpdateOpenOffer(oo); err != nil {
			t.Fatalf("UpdateOpenOffer error: %v", err)
		}
		oos = append(oos, oo)
	}
	oos[0].State = offer.OpenCanceled
	oos[1].State = offer.OpenClosed
	oos[2].State = offer.OpenReserved
	for _, oo := range oos[:3] {
		if err := db.UpdateOpenOffer(oo); err != nil {
			t.Fatalf("UpdateOpenOffer error: %v", err)
		}
	}

	stored, err := db.OpenOffers()
	if err != nil {
		t.Fatalf("OpenOffers error: %v", err)
	}
	if len(stored) != 3 {
		t.Fatalf("expected 3 non-terminal offers, got %d", len(stored))
	}
	reOO, err := db.OpenOffer(oos[2].ID())
	if err != nil {
		t.Fatalf("OpenOffer error: %v", err)
	}
	dbtest.MustCompareOpenOffers(t, oos[2], reOO)
	if _, err := db.OpenOffer(oos[0].ID()); err != nil {
		t.Fatalf("canceled offer not retrievable by ID: %v", err)
	}
	if _, err := db.OpenOffer("nope"); !errors.Is(err, dexdb.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := db.UpdateOpenOffer(&offer.OpenOffer{Offer: &offer.Offer{}}); err == nil {
		t.Fatalf("no error storing an offer without an ID")
	}
}

func TestTrades(t *testing.T) {
	db, _ := newTestDB(t)
	defer db.Close()

	trades := make([]*trade.Trade, 0, 4)
	for i := 0; i < 4; i++ {
		tr := dbtest.RandomTrade()
		if err := db.UpdateTrade(tr); err != nil {
			t.Fatalf("UpdateTrade error: %v", err)
		}
		trades = append(trades, tr)
	}
	if err := db.ArchiveTrade(trades[0], dexdb.TradeClosed); err != nil {
		t.Fatalf("ArchiveTrade error: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := db.ArchiveTrade(trades[1], dexdb.TradeFailed); err != nil {
		t.Fatalf("ArchiveTrade error: %v", err)
	}
	if err := db.ArchiveTrade(trades[2], dexdb.TradeActive); err == nil {
		t.Fatalf("no error archiving as active")
	}
	if err := db.UpdateTrade(trades[0]); err == nil {
		t.Fatalf("archived trade reactivated")
	}

	active, err := db.ActiveTrades()
	if err != nil {
		t.Fatalf("ActiveTrades error: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active trades, got %d", len(active))
	}

	archived, err := db.ArchivedTrades(0)
	if err != nil {
		t.Fatalf("ArchivedTrades error: %v", err)
	}
	if len(archived) != 2 {
		t.Fatalf("expected 2 archived trades, got %d", len(archived))
	}
	if archived[0].Trade.ID != trades[1].ID || archived[0].Status != dexdb.TradeFailed {
		t.Fatalf("wrong newest archived trade %s (%s)", archived[0].Trade.ID, archived[0].Status)
	}
	if newest, _ := db.ArchivedTrades(1); len(newest) != 1 {
		t.Fatalf("limit not applied")
	}

	mt, err := db.Trade(trades[3].ID)
	if err != nil {
		t.Fatalf("Trade error: %v", err)
	}
	if mt.Status != dexdb.TradeActive {
		t.Fatalf("wrong status %s", mt.Status)
	}
	dbtest.MustCompareTrades(t, trades[3], mt.Trade)
	if mt.Trade.Phase != trade.PhaseDepositsPublished {
		t.Fatalf("wrong phase %s", mt.Trade.Phase)
	}
}

func TestProcessed(t *testing.T) {
	db, _ := newTestDB(t)
	defer db.Close()
	if ok, _ := db.IsProcessed("abc"); ok {
		t.Fatalf("unknown uid reported processed")
	}
	if err := db.SetProcessed("abc"); err != nil {
		t.Fatalf("SetProcessed error: %v", err)
	}
	if ok, _ := db.IsProcessed("abc"); !ok {
		t.Fatalf("uid not processed")
	}
	n, err := db.PruneProcessed(timeNow() + 1)
	if err != nil || n != 1 {
		t.Fatalf("PruneProcessed returned %d, %v", n, err)
	}
	if ok, _ := db.IsProcessed("abc"); ok {
		t.Fatalf("pruned uid reported processed")
	}
}

func TestNotifications(t *testing.T) {
	db, _ := newTestDB(t)
	defer db.Close()

	poke := dexdb.NewNotification("poke", "", "subject", "details", dexdb.Poke)
	if err := db.SaveNotification(&poke); err == nil {
		t.Fatalf("poke notification stored")
	}
	numToDo := 8
	notes := make([]*dexdb.Notification, 0, numToDo)
	for i := 0; i < numToDo; i++ {
		note := dexdb.NewNotification("tradeStalled", fmt.Sprintf("trade%d", i), "Trade stalled", "details", dexdb.WarningLevel)
		note.TimeStamp = uint64(i + 1)
		note.Id = note.ID()
		if err := db.SaveNotification(&note); err != nil {
			t.Fatalf("SaveNotification error: %v", err)
		}
		notes = append(notes, &note)
	}
	if err := db.AckNotification(notes[numToDo-1].ID()); err != nil {
		t.Fatalf("AckNotification error: %v", err)
	}
	stored, err := db.NotificationsN(3)
	if err != nil {
		t.Fatalf("NotificationsN error: %v", err)
	}
	if len(stored) != 3 {
		t.Fatalf("expected 3 notifications, got %d", len(stored))
	}
	if stored[0].TradeID != notes[numToDo-1].TradeID || !stored[0].Ack {
		t.Fatalf("wrong newest notification %s, acked = %t", stored[0], stored[0].Ack)
	}
	if stored[2].TimeStamp != uint64(numToDo-2) {
		t.Fatalf("wrong ordering, oldest returned stamp %d", stored[2].TimeStamp)
	}
}

// Offers, trades, disputes and address entries survive a reopen.
func TestPersistenceRoundTrip(t *testing.T) {
	db, dbPath := newTestDB(t)

	oo := dbtest.RandomOpenOffer()
	tr := dbtest.RandomTrade()
	dispute := dbtest.RandomDispute(tr)
	entries := []*asset.AddressEntry{dbtest.RandomAddressEntry(1), dbtest.RandomAddressEntry(2)}
	if err := db.UpdateOpenOffer(oo); err != nil {
		t.Fatalf("UpdateOpenOffer error: %v", err)
	}
	if err := db.UpdateTrade(tr); err != nil {
		t.Fatalf("UpdateTrade error: %v", err)
	}
	if err := db.UpdateDispute(dispute); err != nil {
		t.Fatalf("UpdateDispute error: %v", err)
	}
	for _, e := range entries {
		if err := db.StoreAddressEntry(e); err != nil {
			t.Fatalf("StoreAddressEntry error: %v", err)
		}
	}
	// Storing an entry again at the same index replaces it.
	entries[1].Context = asset.Available
	if err := db.StoreAddressEntry(entries[1]); err != nil {
		t.Fatalf("StoreAddressEntry error: %v", err)
	}
	if err := db.Backup(); err != nil {
		t.Fatalf("Backup error: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(dbPath), backupDir, filepath.Base(dbPath))); err != nil {
		t.Fatalf("backup file not found: %v", err)
	}

	db, err := NewDB(dbPath)
	if err != nil {
		t.Fatalf("error reopening DB: %v", err)
	}
	defer db.Close()

	oos, err := db.OpenOffers()
	if err != nil || len(oos) != 1 {
		t.Fatalf("OpenOffers returned %d offers, %v", len(oos), err)
	}
	dbtest.MustCompareOpenOffers(t, oo, oos[0])

	trades, err := db.ActiveTrades()
	if err != nil || len(trades) != 1 {
		t.Fatalf("ActiveTrades returned %d trades, %v", len(trades), err)
	}
	dbtest.MustCompareTrades(t, tr, trades[0])

	disputes, err := db.Disputes()
	if err != nil || len(disputes) != 1 {
		t.Fatalf("Disputes returned %d disputes, %v", len(disputes), err)
	}
	dbtest.MustCompareEncoded(t, "dispute", dispute, disputes[0])

	reEntries, err := db.AddressEntries()
	if err != nil || len(reEntries) != 2 {
		t.Fatalf("AddressEntries returned %d entries, %v", len(reEntries), err)
	}
	for i := range entries {
		dbtest.MustCompareEncoded(t, "address entry", entries[i], reEntries[i])
	}
}

func TestVersion(t *testing.T) {
	db, _ := newTestDB(t)
	defer db.Close()
	var version uint32
	if err := db.View(func(tx *bbolt.Tx) (err error) {
		version, err = dbVersion(tx)
		return err
	}); err != nil {
		t.Fatalf("error reading version: %v", err)
	}
	if version != DBVersion {
		t.Fatalf("wrong version %d", version)
	}
}
