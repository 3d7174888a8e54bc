// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package comms

import (
	"strings"
	"sync"

	"github.com/huandu/skiplist"
	"github.com/tuskeNetwork/tuskex-sub001/dex/msgjson"
)

// Inbound is a decrypted message with the envelope it arrived in.
type Inbound struct {
	Env *Envelope
	Msg *msgjson.Message
}

// IsMailbox is true if the message was sent as a mailbox message.
func (in *Inbound) IsMailbox() bool {
	return in.Env.Mailbox
}

type bufferKey struct {
	mailbox bool
	rank    int
	date    int64
	uid     string
}

func newBufferKey(in *Inbound) *bufferKey {
	return &bufferKey{
		mailbox: in.Env.Mailbox,
		rank:    msgjson.RouteRank(in.Msg.Route),
		date:    in.Env.Date,
		uid:     in.Msg.UID,
	}
}

// bufferOrder sorts mailbox messages before direct messages, then by
// protocol route order, send date and uid.
type bufferOrder struct{}

var _ skiplist.Comparable = bufferOrder{}

func (bufferOrder) Compare(lhs, rhs interface{}) int {
	l, r := lhs.(*bufferKey), rhs.(*bufferKey)
	switch {
	case l.mailbox != r.mailbox:
		if l.mailbox {
			return -1
		}
		return 1
	case l.rank != r.rank:
		if l.rank < r.rank {
			return -1
		}
		return 1
	case l.date != r.date:
		if l.date < r.date {
			return -1
		}
		return 1
	}
	return strings.Compare(l.uid, r.uid)
}

// CalcScore must agree with Compare on the leading fields.
func (bufferOrder) CalcScore(key interface{}) float64 {
	k := key.(*bufferKey)
	score := float64(k.rank)
	if !k.mailbox {
		score += 1000
	}
	return score
}

// inboundBuffer holds messages received before the node is ready. When full,
// new messages are dropped.
type inboundBuffer struct {
	mtx  sync.Mutex
	list *skiplist.SkipList
	uids map[string]bool
	max  int
}

func newInboundBuffer(max int) *inboundBuffer {
	return &inboundBuffer{
		list: skiplist.New(bufferOrder{}),
		uids: make(map[string]bool),
		max:  max,
	}
}

// push adds the message. False is returned if the buffer is full. A message
// already buffered is ignored.
func (b *inboundBuffer) push(in *Inbound) bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.uids[in.Msg.UID] {
		return true
	}
	if b.list.Len() >= b.max {
		return false
	}
	b.uids[in.Msg.UID] = true
	b.list.Set(newBufferKey(in), in)
	return true
}

// drain empties the buffer, returning the messages in order.
func (b *inboundBuffer) drain() []*Inbound {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	ins := make([]*Inbound, 0, b.list.Len())
	for e := b.list.RemoveFront(); e != nil; e = b.list.RemoveFront() {
		ins = append(ins, e.Value.(*Inbound))
	}
	b.uids = make(map[string]bool)
	return ins
}

func (b *inboundBuffer) len() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.list.Len()
}

// SortInbound orders messages the way the buffer drains them.
func SortInbound(ins []*Inbound) []*Inbound {
	list := skiplist.New(bufferOrder{})
	for _, in := range ins {
		list.Set(newBufferKey(in), in)
	}
	sorted := make([]*Inbound, 0, list.Len())
	for e := list.Front(); e != nil; e = e.Next() {
		sorted = append(sorted, e.Value.(*Inbound))
	}
	return sorted
}
