// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package comms

import (
	"sync"
	"time"

	"github.com/tuskeNetwork/tuskex-sub001/dex"
)

// DefaultMailboxTTL is how long an undelivered mailbox message is kept.
const DefaultMailboxTTL = 15 * 24 * time.Hour

// maxMailboxEntries caps the stored messages per recipient.
const maxMailboxEntries = 1000

// MailboxStore holds envelopes for offline recipients. Entries are keyed by
// recipient and uid, so storing the same envelope twice keeps one copy.
type MailboxStore struct {
	db  KeyValueDB
	ttl time.Duration

	// mtx serializes the count check with the insert.
	mtx sync.Mutex
}

// NewMailboxStore wraps the KeyValueDB.
func NewMailboxStore(db KeyValueDB, ttl time.Duration) *MailboxStore {
	if ttl == 0 {
		ttl = DefaultMailboxTTL
	}
	return &MailboxStore{db: db, ttl: ttl}
}

func mailboxPrefix(to dex.NodeAddress) []byte {
	return append([]byte(to), 0)
}

func mailboxKey(to dex.NodeAddress, uid string) []byte {
	return append(mailboxPrefix(to), []byte(uid)...)
}

// Store adds the envelope to the recipient's mailbox.
func (s *MailboxStore) Store(to dex.NodeAddress, env *Envelope) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var n int
	if err := s.db.ForEach(func(k, v []byte) error {
		n++
		return nil
	}, mailboxPrefix(to)); err != nil {
		return err
	}
	if n >= maxMailboxEntries {
		return dex.NewErrorf(ErrNoMailbox, "mailbox for %s is full", to)
	}
	return s.db.Store(mailboxKey(to, env.UID), env)
}

// Fetch lists the recipient's stored envelopes. Expired entries are deleted
// instead of returned.
func (s *MailboxStore) Fetch(to dex.NodeAddress) ([]*Envelope, error) {
	var envs []*Envelope
	var expired [][]byte
	cutoff := time.Now().Add(-s.ttl).UnixMilli()
	err := s.db.ForEach(func(k, v []byte) error {
		env := new(Envelope)
		if err := env.UnmarshalBinary(v); err != nil {
			log.Errorf("Deleting undecodable mailbox entry %x: %v", k, err)
			expired = append(expired, k)
			return nil
		}
		if env.Date < cutoff {
			expired = append(expired, k)
			return nil
		}
		envs = append(envs, env)
		return nil
	}, mailboxPrefix(to))
	if err != nil {
		return nil, err
	}
	for _, k := range expired {
		if err := s.db.Delete(k); err != nil {
			log.Errorf("Error deleting mailbox entry: %v", err)
		}
	}
	if len(expired) > 0 {
		log.Debugf("Removed %d expired mailbox entries for %s", len(expired), to)
	}
	return envs, nil
}

// Remove deletes a delivered envelope.
func (s *MailboxStore) Remove(to dex.NodeAddress, uid string) error {
	return s.db.Delete(mailboxKey(to, uid))
}
