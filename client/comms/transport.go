// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package comms

import (
	"context"

	"github.com/tuskeNetwork/tuskex-sub001/dex"
)

// InboundHandler receives envelopes from a Transport, one at a time and in
// arrival order.
type InboundHandler func(*Envelope)

// Transport moves sealed envelopes between nodes. A nil error from Deliver
// is a delivery receipt: the envelope reached the peer.
type Transport interface {
	// Deliver sends the envelope directly to the peer. ErrPeerOffline is
	// returned if the peer cannot be reached.
	Deliver(ctx context.Context, to dex.NodeAddress, env *Envelope) error
	// StoreInMailbox leaves the envelope for the peer to fetch later.
	StoreInMailbox(ctx context.Context, to dex.NodeAddress, env *Envelope) error
	// FetchMailbox lists envelopes waiting for this node.
	FetchMailbox(ctx context.Context) ([]*Envelope, error)
	// RemoveFromMailbox deletes a processed envelope.
	RemoveFromMailbox(ctx context.Context, uid string) error
	// Listen sets the handler for direct deliveries. Must be called before
	// Run.
	Listen(InboundHandler)
	// Run runs the transport until the context is canceled.
	Run(ctx context.Context)
}
