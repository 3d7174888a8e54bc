// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package comms

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/tuskeNetwork/tuskex-sub001/dex"
)

const (
	// PeerPath is the websocket endpoint served by every node.
	PeerPath = "/p2p"

	writeWait        = 5 * time.Second
	dialTimeout      = 10 * time.Second
	idleReadTimeout  = 2 * time.Minute
	wsInboundBuffer  = 256
	shutdownDeadline = 5 * time.Second
)

const (
	opDeliver = "deliver"
	opStore   = "store"
	opFetch   = "fetch"
	opRemove  = "remove"
)

// wsFrame is a request or a reply on a peer link. A reply carries the
// request's ID.
type wsFrame struct {
	ID    uint64          `json:"id"`
	Op    string          `json:"op,omitempty"`
	From  dex.NodeAddress `json:"from,omitempty"`
	To    dex.NodeAddress `json:"to,omitempty"`
	UID   string          `json:"uid,omitempty"`
	Env   *Envelope       `json:"env,omitempty"`
	Envs  []*Envelope     `json:"envs,omitempty"`
	Error string          `json:"error,omitempty"`
}

// WSConfig is the configuration for a WSTransport.
type WSConfig struct {
	// Addr is the node's public host:port.
	Addr dex.NodeAddress
	// Listen is the local listen address. Defaults to Addr.
	Listen string
	// MailboxNode is the node that holds mailboxes. If it is this node,
	// Mailbox must be set.
	MailboxNode dex.NodeAddress
	// Mailbox is set on nodes that host mailboxes for others.
	Mailbox *MailboxStore
}

// wsPeer is a cached outbound link. Requests on a link are serialized.
type wsPeer struct {
	mtx  sync.Mutex
	conn *websocket.Conn
}

// WSTransport is a Transport over websocket links. Each node serves
// PeerPath and dials peers on demand, keeping the connections for reuse.
type WSTransport struct {
	cfg     *WSConfig
	router  *chi.Mux
	inbound chan *Envelope
	reqID   atomic.Uint64

	upgrader websocket.Upgrader
	dialer   *websocket.Dialer

	handlerMtx sync.RWMutex
	handler    InboundHandler

	peerMtx sync.Mutex
	peers   map[dex.NodeAddress]*wsPeer
}

var _ Transport = (*WSTransport)(nil)

// NewWSTransport is the constructor for a WSTransport.
func NewWSTransport(cfg *WSConfig) (*WSTransport, error) {
	if cfg.Addr == "" {
		return nil, errors.New("no node address")
	}
	if cfg.MailboxNode == cfg.Addr && cfg.Mailbox == nil {
		return nil, errors.New("mailbox node has no mailbox store")
	}
	t := &WSTransport{
		cfg:     cfg,
		router:  chi.NewRouter(),
		inbound: make(chan *Envelope, wsInboundBuffer),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: dialTimeout,
		},
		peers: make(map[dex.NodeAddress]*wsPeer),
	}
	t.router.Get(PeerPath, t.handleWS)
	return t, nil
}

// Router is the transport's HTTP handler.
func (t *WSTransport) Router() http.Handler {
	return t.router
}

// Listen sets the inbound handler.
func (t *WSTransport) Listen(h InboundHandler) {
	t.handlerMtx.Lock()
	t.handler = h
	t.handlerMtx.Unlock()
}

// Run serves the peer endpoint and passes inbound envelopes to the handler
// until the context is canceled.
func (t *WSTransport) Run(ctx context.Context) {
	listen := t.cfg.Listen
	if listen == "" {
		listen = string(t.cfg.Addr)
	}
	srv := &http.Server{
		Addr:              listen,
		Handler:           t.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Infof("Peer endpoint listening on ws://%s%s", listen, PeerPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Peer endpoint error: %v", err)
		}
	}()

	for {
		select {
		case env := <-t.inbound:
			t.handlerMtx.RLock()
			h := t.handler
			t.handlerMtx.RUnlock()
			if h != nil {
				h(env)
			}
		case <-ctx.Done():
			shutCtx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
			if err := srv.Shutdown(shutCtx); err != nil {
				log.Errorf("Error shutting down peer endpoint: %v", err)
			}
			cancel()
			t.closePeers()
			wg.Wait()
			return
		}
	}
}

func (t *WSTransport) closePeers() {
	t.peerMtx.Lock()
	defer t.peerMtx.Unlock()
	for addr, p := range t.peers {
		p.mtx.Lock()
		if p.conn != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			p.conn.Close()
			p.conn = nil
		}
		p.mtx.Unlock()
		delete(t.peers, addr)
	}
}

// handleWS serves one inbound link, answering each request frame in turn.
func (t *WSTransport) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("Websocket upgrade error from %s: %v", r.RemoteAddr, err)
		return
	}
	defer conn.Close()
	for {
		if err := conn.SetReadDeadline(time.Now().Add(idleReadTimeout)); err != nil {
			return
		}
		req := new(wsFrame)
		if err := conn.ReadJSON(req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived) && !isTimeout(err) {
				log.Debugf("Peer link read error from %s: %v", r.RemoteAddr, err)
			}
			return
		}
		reply := t.handleFrame(r.Context(), req)
		reply.ID = req.ID
		if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return
		}
		if err := conn.WriteJSON(reply); err != nil {
			log.Debugf("Peer link write error to %s: %v", r.RemoteAddr, err)
			return
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (t *WSTransport) handleFrame(ctx context.Context, req *wsFrame) *wsFrame {
	errFrame := func(err error) *wsFrame {
		return &wsFrame{Error: err.Error()}
	}
	switch req.Op {
	case opDeliver:
		if req.Env == nil || req.Env.Recipient != t.cfg.Addr {
			return errFrame(fmt.Errorf("envelope not addressed to %s", t.cfg.Addr))
		}
		select {
		case t.inbound <- req.Env:
			return &wsFrame{}
		case <-ctx.Done():
			return errFrame(ctx.Err())
		}
	case opStore, opFetch, opRemove:
		if t.cfg.Mailbox == nil {
			return errFrame(ErrNoMailbox)
		}
		switch req.Op {
		case opStore:
			if req.Env == nil {
				return errFrame(errors.New("no envelope"))
			}
			if err := t.cfg.Mailbox.Store(req.To, req.Env); err != nil {
				return errFrame(err)
			}
			return &wsFrame{}
		case opFetch:
			envs, err := t.cfg.Mailbox.Fetch(req.From)
			if err != nil {
				return errFrame(err)
			}
			return &wsFrame{Envs: envs}
		default:
			if err := t.cfg.Mailbox.Remove(req.From, req.UID); err != nil {
				return errFrame(err)
			}
			return &wsFrame{}
		}
	}
	return errFrame(fmt.Errorf("unknown op %q", req.Op))
}

func (t *WSTransport) peer(addr dex.NodeAddress) *wsPeer {
	t.peerMtx.Lock()
	defer t.peerMtx.Unlock()
	p, found := t.peers[addr]
	if !found {
		p = new(wsPeer)
		t.peers[addr] = p
	}
	return p
}

// request sends the frame to the node and waits for the reply. A broken
// cached link is redialed once.
func (t *WSTransport) request(ctx context.Context, addr dex.NodeAddress, req *wsFrame) (*wsFrame, error) {
	p := t.peer(addr)
	p.mtx.Lock()
	defer p.mtx.Unlock()

	req.ID = t.reqID.Add(1)
	req.From = t.cfg.Addr
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if p.conn == nil {
			u := url.URL{Scheme: "ws", Host: string(addr), Path: PeerPath}
			conn, _, err := t.dialer.DialContext(ctx, u.String(), nil)
			if err != nil {
				return nil, dex.NewErrorf(ErrPeerOffline, "%s: %v", addr, err)
			}
			p.conn = conn
		}
		reply, err := roundTrip(ctx, p.conn, req)
		if err == nil {
			if reply.Error != "" {
				return nil, fmt.Errorf("%s: %s", addr, reply.Error)
			}
			return reply, nil
		}
		lastErr = err
		p.conn.Close()
		p.conn = nil
	}
	return nil, dex.NewErrorf(ErrPeerOffline, "%s: %v", addr, lastErr)
}

func roundTrip(ctx context.Context, conn *websocket.Conn, req *wsFrame) (*wsFrame, error) {
	deadline := time.Now().Add(writeWait)
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return nil, err
	}
	if err := conn.WriteJSON(req); err != nil {
		return nil, err
	}
	readDeadline := time.Now().Add(dialTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(readDeadline) {
		readDeadline = d
	}
	if err := conn.SetReadDeadline(readDeadline); err != nil {
		return nil, err
	}
	for {
		reply := new(wsFrame)
		if err := conn.ReadJSON(reply); err != nil {
			return nil, err
		}
		if reply.ID == req.ID {
			return reply, nil
		}
		log.Debugf("Discarding stale reply %d on link (want %d)", reply.ID, req.ID)
	}
}

// Deliver sends the envelope to the peer's endpoint.
func (t *WSTransport) Deliver(ctx context.Context, to dex.NodeAddress, env *Envelope) error {
	_, err := t.request(ctx, to, &wsFrame{Op: opDeliver, Env: env})
	return err
}

func (t *WSTransport) mailboxIsLocal() bool {
	return t.cfg.Mailbox != nil && (t.cfg.MailboxNode == "" || t.cfg.MailboxNode == t.cfg.Addr)
}

// StoreInMailbox stores the envelope at the mailbox node.
func (t *WSTransport) StoreInMailbox(ctx context.Context, to dex.NodeAddress, env *Envelope) error {
	if t.mailboxIsLocal() {
		return t.cfg.Mailbox.Store(to, env)
	}
	if t.cfg.MailboxNode == "" {
		return ErrNoMailbox
	}
	_, err := t.request(ctx, t.cfg.MailboxNode, &wsFrame{Op: opStore, To: to, Env: env})
	return err
}

// FetchMailbox lists this node's envelopes at the mailbox node.
func (t *WSTransport) FetchMailbox(ctx context.Context) ([]*Envelope, error) {
	if t.mailboxIsLocal() {
		return t.cfg.Mailbox.Fetch(t.cfg.Addr)
	}
	if t.cfg.MailboxNode == "" {
		return nil, ErrNoMailbox
	}
	reply, err := t.request(ctx, t.cfg.MailboxNode, &wsFrame{Op: opFetch})
	if err != nil {
		return nil, err
	}
	return reply.Envs, nil
}

// RemoveFromMailbox deletes a processed envelope at the mailbox node.
func (t *WSTransport) RemoveFromMailbox(ctx context.Context, uid string) error {
	if t.mailboxIsLocal() {
		return t.cfg.Mailbox.Remove(t.cfg.Addr, uid)
	}
	if t.cfg.MailboxNode == "" {
		return ErrNoMailbox
	}
	_, err := t.request(ctx, t.cfg.MailboxNode, &wsFrame{Op: opRemove, UID: uid})
	return err
}
