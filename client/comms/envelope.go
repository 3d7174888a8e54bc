// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package comms

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tuskeNetwork/tuskex-sub001/dex"
	"github.com/tuskeNetwork/tuskex-sub001/dex/encode"
	"github.com/tuskeNetwork/tuskex-sub001/dex/msgjson"
)

// Messaging errors.
const (
	ErrPeerOffline   = dex.ErrorKind("peer offline")
	ErrBadEnvelope   = dex.ErrorKind("bad envelope")
	ErrRingMismatch  = dex.ErrorKind("sender key ring mismatch")
	ErrNoMailbox     = dex.ErrorKind("no mailbox service")
	ErrSendTimeout   = dex.ErrorKind("send timed out")
	ErrMessengerDown = dex.ErrorKind("messenger not running")
	// ErrRequeue is returned by a MessageHandler to have the message handed
	// to it again after the requeue delay. The message is not marked
	// processed and stays in the mailbox until an attempt settles it.
	ErrRequeue = dex.ErrorKind("message requeued")
)

// Envelope is a sealed message between two nodes. Only the recipient can
// read the payload. The envelope is signed by the sender's signing key.
type Envelope struct {
	UID        string          `json:"uid"`
	Sender     dex.NodeAddress `json:"sender"`
	SenderRing *dex.PubKeyRing `json:"senderRing"`
	Recipient  dex.NodeAddress `json:"recipient"`
	Mailbox    bool            `json:"mailbox"`
	// Date is the send time in unix milliseconds.
	Date       int64     `json:"date"`
	Ciphertext dex.Bytes `json:"ciphertext"`
	Sig        dex.Bytes `json:"sig"`
}

// aad binds the ciphertext to the routing fields.
func (e *Envelope) aad() []byte {
	return encode.BuildyBytes{0}.
		AddData([]byte(e.UID)).
		AddData([]byte(e.Sender)).
		AddData([]byte(e.Recipient))
}

func (e *Envelope) sigMsg() []byte {
	mailbox := encode.ByteFalse
	if e.Mailbox {
		mailbox = encode.ByteTrue
	}
	var sigKey, encKey []byte
	if e.SenderRing != nil {
		sigKey, encKey = e.SenderRing.SigPubKey, e.SenderRing.EncPubKey
	}
	return encode.BuildyBytes{0}.
		AddData([]byte(e.UID)).
		AddData([]byte(e.Sender)).
		AddData(sigKey).
		AddData(encKey).
		AddData([]byte(e.Recipient)).
		AddData(mailbox).
		AddData(encode.Uint64Bytes(uint64(e.Date))).
		AddData(e.Ciphertext)
}

// MarshalBinary encodes the Envelope for the mailbox store.
func (e *Envelope) MarshalBinary() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalBinary decodes an Envelope from the mailbox store.
func (e *Envelope) UnmarshalBinary(b []byte) error {
	return json.Unmarshal(b, e)
}

// Time is the send time.
func (e *Envelope) Time() time.Time {
	return time.UnixMilli(e.Date)
}

// SealEnvelope encrypts and signs the message for the recipient.
func SealEnvelope(id *Identity, from, to dex.NodeAddress, toRing *dex.PubKeyRing, msg *msgjson.Message, mailbox bool) (*Envelope, error) {
	if toRing.IsZero() {
		return nil, dex.NewErrorf(ErrBadEnvelope, "no key ring for %s", to)
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	env := &Envelope{
		UID:        msg.UID,
		Sender:     from,
		SenderRing: id.PubKeyRing(),
		Recipient:  to,
		Mailbox:    mailbox,
		Date:       time.Now().UnixMilli(),
	}
	if env.Ciphertext, err = seal(id.EncKey, toRing.EncPubKey, b, env.aad()); err != nil {
		return nil, fmt.Errorf("error encrypting %s: %w", msg.Route, err)
	}
	env.Sig = msgjson.SignBytes(id.SigKey, env.sigMsg())
	return env, nil
}

// Open checks the sender's signature and decrypts the message.
func (e *Envelope) Open(id *Identity) (*msgjson.Message, error) {
	if e.SenderRing.IsZero() {
		return nil, dex.NewErrorf(ErrBadEnvelope, "no sender key ring on %s", e.UID)
	}
	if err := msgjson.CheckBytesSig(e.sigMsg(), e.Sig, e.SenderRing.SigPubKey); err != nil {
		return nil, dex.NewErrorf(ErrBadEnvelope, "signature check failed for %s from %s: %v", e.UID, e.Sender, err)
	}
	b, err := unseal(id.EncKey, e.SenderRing.EncPubKey, e.Ciphertext, e.aad())
	if err != nil {
		return nil, dex.NewErrorf(ErrBadEnvelope, "decryption failed for %s from %s: %v", e.UID, e.Sender, err)
	}
	msg, err := msgjson.DecodeMessage(b)
	if err != nil {
		return nil, dex.NewErrorf(ErrBadEnvelope, "%v", err)
	}
	if msg.UID != e.UID {
		return nil, dex.NewErrorf(ErrBadEnvelope, "message uid %s does not match envelope %s", msg.UID, e.UID)
	}
	return msg, nil
}
