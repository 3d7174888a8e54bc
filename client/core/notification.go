// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"fmt"

	"github.com/tuskeNetwork/tuskex-sub001/client/db"
	"github.com/tuskeNetwork/tuskex-sub001/dex"
	"github.com/tuskeNetwork/tuskex-sub001/dex/offer"
	"github.com/tuskeNetwork/tuskex-sub001/dex/trade"
)

// Notification types.
const (
	NoteTypeTrade        = "trade"
	NoteTypeTradeStalled = "tradeStalled"
	NoteTypeOffer        = "offer"
	NoteTypeBalance      = "balance"
	NoteTypeDispute      = "dispute"
	NoteTypeChat         = "chat"
	NoteTypeWithdraw     = "withdraw"
)

// notify sends a notification to all subscribers. If the notification is of
// sufficient severity, it is stored in the database.
func (c *Core) notify(n Notification) {
	if n.Severity() >= db.Success {
		if err := c.db.SaveNotification(n.DBNote()); err != nil {
			c.log.Errorf("Error saving %s notification: %v", n.Type(), err)
		}
	}
	c.noteMtx.RLock()
	for _, ch := range c.noteChans {
		select {
		case ch <- n:
		default:
			c.log.Errorf("blocking notification channel")
		}
	}
	c.noteMtx.RUnlock()
}

// NotificationFeed returns a new receiving channel for notifications. The
// channel has capacity 128, and should be monitored for the lifetime of the
// Core. Blocking channels are silently ignored.
func (c *Core) NotificationFeed() <-chan Notification {
	ch := make(chan Notification, 128)
	c.noteMtx.Lock()
	c.noteChans = append(c.noteChans, ch)
	c.noteMtx.Unlock()
	return ch
}

// AckNotes sets the acknowledgement field for the notifications.
func (c *Core) AckNotes(ids []dex.Bytes) {
	for _, id := range ids {
		if err := c.db.AckNotification(id); err != nil {
			c.log.Errorf("error saving notification acknowledgement for %s: %v", id, err)
		}
	}
}

// Notifications loads the n most recent stored notifications.
func (c *Core) Notifications(n int) ([]*db.Notification, error) {
	return c.db.NotificationsN(n)
}

// Notification is an interface for a user notification. Notification is
// satisfied by db.Notification, so concrete types can embed the db type.
type Notification interface {
	// Type is a string ID unique to the concrete type.
	Type() string
	// Subject is a short description of the notification contents.
	Subject() string
	// Details should contain more detailed information.
	Details() string
	// Severity is the notification severity.
	Severity() db.Severity
	// Time is the notification timestamp in unix milliseconds.
	Time() uint64
	// Acked is true if the user has seen the notification.
	Acked() bool
	// ID is a hash of the notification data.
	ID() dex.Bytes
	// DBNote returns the underlying *db.Notification.
	DBNote() *db.Notification
}

// TradeNote reports a change to a trade. Trade is a copy.
type TradeNote struct {
	db.Notification
	Trade *trade.Trade `json:"trade"`
}

func newTradeNote(subject, details string, severity db.Severity, t *trade.Trade) *TradeNote {
	return &TradeNote{
		Notification: db.NewNotification(NoteTypeTrade, t.ID, subject, details, severity),
		Trade:        t,
	}
}

// TradeStalledNote is sent when a trade's protocol timer expires. The user
// may open a dispute.
type TradeStalledNote struct {
	db.Notification
	Phase trade.Phase `json:"phase"`
	State trade.State `json:"state"`
}

func newTradeStalledNote(t *trade.Trade) *TradeStalledNote {
	return &TradeStalledNote{
		Notification: db.NewNotification(NoteTypeTradeStalled, t.ID, "Trade stalled",
			fmt.Sprintf("Trade %s has not progressed from %s. The peer may be offline. "+
				"Mediation can be requested if this persists.", t.ID, t.State), db.WarningLevel),
		Phase: t.Phase,
		State: t.State,
	}
}

// OfferNote reports a change to an open offer.
type OfferNote struct {
	db.Notification
	OpenOffer *offer.OpenOffer `json:"openOffer"`
}

func newOfferNote(subject, details string, severity db.Severity, oo *offer.OpenOffer) *OfferNote {
	return &OfferNote{
		Notification: db.NewNotification(NoteTypeOffer, oo.ID(), subject, details, severity),
		OpenOffer:    oo,
	}
}

// BalanceNote carries a new balance snapshot. Not stored.
type BalanceNote struct {
	db.Notification
	Balances *BalanceSnapshot `json:"balances"`
}

func newBalanceNote(bal *BalanceSnapshot) *BalanceNote {
	return &BalanceNote{
		Notification: db.NewNotification(NoteTypeBalance, "", "balance updated", "", db.Data),
		Balances:     bal,
	}
}

// DisputeNote reports a dispute opening or closing.
type DisputeNote struct {
	db.Notification
	Dispute *trade.Dispute `json:"dispute"`
}

func newDisputeNote(subject, details string, severity db.Severity, d *trade.Dispute) *DisputeNote {
	return &DisputeNote{
		Notification: db.NewNotification(NoteTypeDispute, d.TradeID, subject, details, severity),
		Dispute:      d,
	}
}

// ChatNote carries a received chat message.
type ChatNote struct {
	db.Notification
	Message *trade.ChatMessage `json:"message"`
}

func newChatNote(m *trade.ChatMessage) *ChatNote {
	return &ChatNote{
		Notification: db.NewNotification(NoteTypeChat, m.TradeID, "New chat message", m.Text, db.Poke),
		Message:      m,
	}
}

// WithdrawNote is a notification regarding a requested withdraw.
type WithdrawNote struct {
	db.Notification
}

func newWithdrawNote(tradeID, subject, details string, severity db.Severity) *WithdrawNote {
	return &WithdrawNote{
		Notification: db.NewNotification(NoteTypeWithdraw, tradeID, subject, details, severity),
	}
}
