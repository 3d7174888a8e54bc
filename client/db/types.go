// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package db

import (
	"fmt"
	"time"

	"github.com/decred/dcrd/crypto/blake256"
	"github.com/tuskeNetwork/tuskex-sub001/dex"
	"github.com/tuskeNetwork/tuskex-sub001/dex/encode"
	"github.com/tuskeNetwork/tuskex-sub001/dex/trade"
)

// TradeStatus is the storage status of a trade.
type TradeStatus uint8

const (
	// TradeActive trades are loaded and resumed on startup.
	TradeActive TradeStatus = iota
	// TradeClosed trades completed normally or through a dispute payout.
	TradeClosed
	// TradeFailed trades were abandoned before the deposits were published.
	TradeFailed
)

// String implements Stringer.
func (s TradeStatus) String() string {
	switch s {
	case TradeActive:
		return "active"
	case TradeClosed:
		return "closed"
	case TradeFailed:
		return "failed"
	}
	return fmt.Sprintf("TradeStatus(%d)", uint8(s))
}

// MetaTrade is a stored trade with its storage status.
type MetaTrade struct {
	Trade  *trade.Trade
	Status TradeStatus
	// Stamp is the time of the last update, in unix milliseconds.
	Stamp uint64
}

// Severity indicates the level of required action for a notification. The DB
// only stores notifications with Severity >= Success.
type Severity uint8

const (
	Ignorable Severity = iota
	// Data notifications are not meant for display to the user. These
	// notifications are used only for communication of information necessary
	// for UI updates or other high-level state changes.
	Data
	// Poke notifications are not persistent across sessions. These should be
	// displayed if the user has a live notification feed. They are not stored
	// in the database.
	Poke
	// Success and higher are stored and can be recalled using
	// DB.NotificationsN.
	Success
	WarningLevel
	ErrorLevel
)

// String satisfies fmt.Stringer for Severity.
func (s Severity) String() string {
	switch s {
	case Ignorable:
		return "ignore"
	case Data:
		return "data"
	case Poke:
		return "poke"
	case WarningLevel:
		return "warning"
	case ErrorLevel:
		return "error"
	case Success:
		return "success"
	}
	return "unknown severity"
}

// Notification is information for the user that an event occurred.
type Notification struct {
	NoteType    string    `json:"type"`
	TradeID     string    `json:"tradeId,omitempty"`
	SubjectText string    `json:"subject"`
	DetailText  string    `json:"details"`
	Severeness  Severity  `json:"severity"`
	TimeStamp   uint64    `json:"stamp"`
	Ack         bool      `json:"acked"`
	Id          dex.Bytes `json:"id"`
}

// NewNotification is a constructor for a Notification.
func NewNotification(noteType, tradeID, subject, details string, severity Severity) Notification {
	note := Notification{
		NoteType:    noteType,
		TradeID:     tradeID,
		SubjectText: subject,
		DetailText:  details,
		Severeness:  severity,
		TimeStamp:   uint64(time.Now().UnixMilli()),
	}
	note.Id = note.ID()
	return note
}

// ID is a unique ID based on a hash of the notification data.
func (n *Notification) ID() dex.Bytes {
	h := blake256.Sum256(n.Encode())
	return h[:]
}

// Type is the notification type.
func (n *Notification) Type() string {
	return n.NoteType
}

// Subject is a short description of the notification contents.
func (n *Notification) Subject() string {
	return n.SubjectText
}

// Details should contain more detailed information.
func (n *Notification) Details() string {
	return n.DetailText
}

// Severity is the notification severity.
func (n *Notification) Severity() Severity {
	return n.Severeness
}

// Time is the notification timestamp. The timestamp is set in
// NewNotification.
func (n *Notification) Time() uint64 {
	return n.TimeStamp
}

// Acked is true if the user has seen the notification. Acknowledgement is
// recorded with DB.AckNotification.
func (n *Notification) Acked() bool {
	return n.Ack
}

// DBNote is a function to return the *Notification itself. It should really be
// defined on the concrete types in core, but is ubiquitous so defined here for
// convenience.
func (n *Notification) DBNote() *Notification {
	return n
}

// String generates a compact human-readable representation of the
// Notification that is suitable for logging.
func (n *Notification) String() string {
	if n.TradeID == "" {
		return fmt.Sprintf("%s: %s", n.SubjectText, n.DetailText)
	}
	return fmt.Sprintf("[%s] %s: %s", n.TradeID, n.SubjectText, n.DetailText)
}

// Encode serializes the Notification.
func (n *Notification) Encode() []byte {
	return encode.BuildyBytes{0}.
		AddData([]byte(n.NoteType)).
		AddData([]byte(n.TradeID)).
		AddData([]byte(n.SubjectText)).
		AddData([]byte(n.DetailText)).
		AddData([]byte{byte(n.Severeness)}).
		AddData(encode.Uint64Bytes(n.TimeStamp))
}

// DecodeNotification decodes the notification from the bytes.
func DecodeNotification(b []byte) (*Notification, error) {
	ver, pushes, err := encode.DecodeBlob(b)
	if err != nil {
		return nil, err
	}
	if ver != 0 {
		return nil, fmt.Errorf("unknown Notification version %d", ver)
	}
	if len(pushes) != 6 {
		return nil, fmt.Errorf("decodeNotification_v0: expected 6 pushes, got %d", len(pushes))
	}
	if len(pushes[4]) != 1 {
		return nil, fmt.Errorf("decodeNotification_v0: severity push is size %d, expected 1", len(pushes[4]))
	}
	if len(pushes[5]) != 8 {
		return nil, fmt.Errorf("decodeNotification_v0: stamp push is size %d, expected 8", len(pushes[5]))
	}
	return &Notification{
		NoteType:    string(pushes[0]),
		TradeID:     string(pushes[1]),
		SubjectText: string(pushes[2]),
		DetailText:  string(pushes[3]),
		Severeness:  Severity(pushes[4][0]),
		TimeStamp:   encode.BytesToUint64(pushes[5]),
	}, nil
}
