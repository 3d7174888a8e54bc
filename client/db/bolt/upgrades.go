// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package bolt

import (
	"fmt"

	"github.com/tuskeNetwork/tuskex-sub001/dex/encode"
	"go.etcd.io/bbolt"
)

const (
	// versionedDBVersion persists the database version.
	versionedDBVersion = 1

	// DBVersion is the latest version of the database that is understood by
	// the program. Databases with recorded versions higher than this will
	// fail to open.
	DBVersion = versionedDBVersion
)

// upgrades are keyed by the version they upgrade from.
var upgrades = [...]func(tx *bbolt.Tx) error{
	versionedDBVersion - 1: versionedDBUpgrade,
}

func dbVersion(tx *bbolt.Tx) (uint32, error) {
	bucket := tx.Bucket(appBucket)
	if bucket == nil {
		return 0, fmt.Errorf("app bucket not found")
	}
	versionB := bucket.Get(versionKey)
	if versionB == nil {
		return 0, nil
	}
	return encode.BytesToUint32(versionB), nil
}

func setDBVersion(tx *bbolt.Tx, newVersion uint32) error {
	bucket := tx.Bucket(appBucket)
	if bucket == nil {
		return fmt.Errorf("app bucket not found")
	}
	return bucket.Put(versionKey, encode.Uint32Bytes(newVersion))
}

// upgradeDB performs any upgrades needed before the database is used.
func upgradeDB(db *bbolt.DB) error {
	var version uint32
	err := db.View(func(tx *bbolt.Tx) (err error) {
		version, err = dbVersion(tx)
		return err
	})
	if err != nil {
		return err
	}

	if version > DBVersion {
		return fmt.Errorf("unknown database version %d, client recognizes up to %d", version, DBVersion)
	}
	if version == DBVersion {
		return nil
	}

	log.Infof("Upgrading database from version %d to %d", version, DBVersion)
	return db.Update(func(tx *bbolt.Tx) error {
		for _, upgrade := range upgrades[version:] {
			if err := upgrade(tx); err != nil {
				return err
			}
		}
		return nil
	})
}

func versionedDBUpgrade(tx *bbolt.Tx) error {
	return setDBVersion(tx, versionedDBVersion)
}
