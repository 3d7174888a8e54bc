// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package comms

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/tuskeNetwork/tuskex-sub001/dex"
)

const memInboundBuffer = 256

// MemNet is an in-process network. Every node gets a MemTransport, and any
// node can be taken offline. The network hosts one shared mailbox.
type MemNet struct {
	mailbox *MailboxStore

	mtx   sync.RWMutex
	nodes map[dex.NodeAddress]*MemTransport
}

// NewMemNet creates an empty MemNet with a memory-backed mailbox.
func NewMemNet() *MemNet {
	return &MemNet{
		mailbox: NewMailboxStore(NewMemoryDB(), 0),
		nodes:   make(map[dex.NodeAddress]*MemTransport),
	}
}

// Transport creates the node's transport. The node starts online.
func (n *MemNet) Transport(addr dex.NodeAddress) *MemTransport {
	t := &MemTransport{
		net:     n,
		addr:    addr,
		inbound: make(chan *Envelope, memInboundBuffer),
	}
	t.online.Store(true)
	n.mtx.Lock()
	n.nodes[addr] = t
	n.mtx.Unlock()
	return t
}

// SetOnline takes the node on or offline. An offline node neither sends nor
// receives direct messages and cannot reach the mailbox.
func (n *MemNet) SetOnline(addr dex.NodeAddress, online bool) {
	n.mtx.RLock()
	t := n.nodes[addr]
	n.mtx.RUnlock()
	if t != nil {
		t.online.Store(online)
	}
}

// Mailbox is the network's mailbox store.
func (n *MemNet) Mailbox() *MailboxStore {
	return n.mailbox
}

func (n *MemNet) node(addr dex.NodeAddress) *MemTransport {
	n.mtx.RLock()
	defer n.mtx.RUnlock()
	return n.nodes[addr]
}

// MemTransport is a node's Transport on a MemNet.
type MemTransport struct {
	net     *MemNet
	addr    dex.NodeAddress
	online  atomic.Bool
	inbound chan *Envelope

	handlerMtx sync.RWMutex
	handler    InboundHandler
}

var _ Transport = (*MemTransport)(nil)

// Addr is the node's address.
func (t *MemTransport) Addr() dex.NodeAddress {
	return t.addr
}

// Deliver queues the envelope at the peer.
func (t *MemTransport) Deliver(ctx context.Context, to dex.NodeAddress, env *Envelope) error {
	if !t.online.Load() {
		return dex.NewErrorf(ErrPeerOffline, "%s is offline", t.addr)
	}
	peer := t.net.node(to)
	if peer == nil || !peer.online.Load() {
		return dex.NewErrorf(ErrPeerOffline, "%s", to)
	}
	select {
	case peer.inbound <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StoreInMailbox stores the envelope in the network mailbox.
func (t *MemTransport) StoreInMailbox(_ context.Context, to dex.NodeAddress, env *Envelope) error {
	if !t.online.Load() {
		return dex.NewErrorf(ErrNoMailbox, "%s is offline", t.addr)
	}
	return t.net.mailbox.Store(to, env)
}

// FetchMailbox lists the node's mailbox.
func (t *MemTransport) FetchMailbox(context.Context) ([]*Envelope, error) {
	if !t.online.Load() {
		return nil, dex.NewErrorf(ErrNoMailbox, "%s is offline", t.addr)
	}
	return t.net.mailbox.Fetch(t.addr)
}

// RemoveFromMailbox deletes a processed envelope.
func (t *MemTransport) RemoveFromMailbox(_ context.Context, uid string) error {
	return t.net.mailbox.Remove(t.addr, uid)
}

// Listen sets the inbound handler.
func (t *MemTransport) Listen(h InboundHandler) {
	t.handlerMtx.Lock()
	t.handler = h
	t.handlerMtx.Unlock()
}

// Run passes inbound envelopes to the handler in arrival order.
func (t *MemTransport) Run(ctx context.Context) {
	for {
		select {
		case env := <-t.inbound:
			t.handlerMtx.RLock()
			h := t.handler
			t.handlerMtx.RUnlock()
			if h == nil {
				log.Warnf("%s: no handler for envelope %s from %s", t.addr, env.UID, env.Sender)
				continue
			}
			h(env)
		case <-ctx.Done():
			return
		}
	}
}
