// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package comms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tuskeNetwork/tuskex-sub001/dex"
	"github.com/tuskeNetwork/tuskex-sub001/dex/msgjson"
	"github.com/tuskeNetwork/tuskex-sub001/dex/wait"
	"golang.org/x/time/rate"
)

const (
	defaultSendTimeout   = 30 * time.Second
	defaultMailboxPoll   = 10 * time.Second
	defaultBufferSize    = 1000
	defaultPeerRate      = rate.Limit(20)
	defaultPeerBurst     = 50
	readyCheckInterval   = time.Second
	expiryCheckInterval  = 50 * time.Millisecond
	seenPruneInterval    = 10 * time.Minute
	seenRetention        = time.Hour
	mailboxFetchDeadline = 30 * time.Second
	defaultRequeueDelay  = 2 * time.Second
)

// ProcessedStore persists the uids of applied mailbox messages so that they
// are not applied again after a restart.
type ProcessedStore interface {
	IsProcessed(uid string) (bool, error)
	SetProcessed(uid string) error
}

// SendListener receives the outcome of a send. Exactly one of the callbacks
// is called for every send. Nil callbacks are skipped.
type SendListener struct {
	// OnArrived is called when the peer received the message directly.
	OnArrived func()
	// OnStoredInMailbox is called when the peer was unreachable and the
	// message was left in its mailbox.
	OnStoredInMailbox func()
	// OnFault is called when the message could not be delivered or stored
	// before the send timeout.
	OnFault func(error)
}

// MessageHandler processes a decrypted inbound message. A message is settled
// unless the handler returns ErrRequeue.
type MessageHandler func(*Inbound) error

// Config is the Messenger configuration.
type Config struct {
	Addr      dex.NodeAddress
	Identity  *Identity
	Transport Transport
	// Ready gates delivery of inbound messages to the handlers. Messages
	// received while Ready returns false are buffered and delivered in a
	// deterministic order once it returns true. Nil means always ready.
	Ready func() bool
	// Processed may be nil.
	Processed   ProcessedStore
	SendTimeout time.Duration
	MailboxPoll time.Duration
	BufferSize  int
	PeerRate    rate.Limit
	PeerBurst   int
	// RequeueDelay is the wait before a requeued message is handled again.
	RequeueDelay time.Duration
	Logger       dex.Logger
}

const (
	sendPending uint32 = iota
	sendArrived
	sendStored
	sendFaulted
)

// Messenger is the reliable messaging layer. It seals messages for peers,
// delivers them directly or through the mailbox, and reports the outcome
// through a SendListener. Inbound messages are authenticated, decrypted,
// rate limited and deduplicated before reaching the handlers.
type Messenger struct {
	cfg     *Config
	addr    dex.NodeAddress
	id      *Identity
	tr      Transport
	log     dex.Logger
	buf     *inboundBuffer
	expiry  *wait.TickerQueue
	readyCh chan struct{}

	ctxMtx sync.RWMutex
	ctx    context.Context

	handlerMtx     sync.RWMutex
	directHandler  MessageHandler
	mailboxHandler MessageHandler

	limiterMtx sync.Mutex
	limiters   map[dex.NodeAddress]*rate.Limiter

	seenMtx sync.Mutex
	seen    map[string]time.Time

	ringMtx sync.RWMutex
	rings   map[dex.NodeAddress]*dex.PubKeyRing

	// drainMtx keeps buffered and fresh messages from being handled
	// concurrently.
	drainMtx sync.Mutex
}

// NewMessenger is the constructor for a Messenger.
func NewMessenger(cfg *Config) (*Messenger, error) {
	if cfg.Identity == nil || cfg.Transport == nil || cfg.Addr == "" {
		return nil, errors.New("messenger needs an address, identity and transport")
	}
	c := *cfg
	if c.SendTimeout == 0 {
		c.SendTimeout = defaultSendTimeout
	}
	if c.MailboxPoll == 0 {
		c.MailboxPoll = defaultMailboxPoll
	}
	if c.BufferSize == 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.PeerRate == 0 {
		c.PeerRate = defaultPeerRate
	}
	if c.PeerBurst == 0 {
		c.PeerBurst = defaultPeerBurst
	}
	if c.RequeueDelay == 0 {
		c.RequeueDelay = defaultRequeueDelay
	}
	if c.Logger == nil {
		c.Logger = log
	}
	m := &Messenger{
		cfg:      &c,
		addr:     c.Addr,
		id:       c.Identity,
		tr:       c.Transport,
		log:      c.Logger,
		buf:      newInboundBuffer(c.BufferSize),
		expiry:   wait.NewTickerQueue(expiryCheckInterval),
		readyCh:  make(chan struct{}, 1),
		limiters: make(map[dex.NodeAddress]*rate.Limiter),
		seen:     make(map[string]time.Time),
		rings:    make(map[dex.NodeAddress]*dex.PubKeyRing),
	}
	c.Transport.Listen(m.handleEnvelope)
	return m, nil
}

// Addr is this node's address.
func (m *Messenger) Addr() dex.NodeAddress {
	return m.addr
}

// PubKeyRing is this node's public key ring.
func (m *Messenger) PubKeyRing() *dex.PubKeyRing {
	return m.id.PubKeyRing()
}

// Subscribe sets the handlers for direct and mailbox messages.
func (m *Messenger) Subscribe(direct, mailbox MessageHandler) {
	m.handlerMtx.Lock()
	m.directHandler = direct
	m.mailboxHandler = mailbox
	m.handlerMtx.Unlock()
}

// Connect starts the transport and the messenger's background loops.
func (m *Messenger) Connect(ctx context.Context) (*sync.WaitGroup, error) {
	m.ctxMtx.Lock()
	if m.ctx != nil {
		m.ctxMtx.Unlock()
		return nil, errors.New("messenger already connected")
	}
	m.ctx = ctx
	m.ctxMtx.Unlock()

	var wg sync.WaitGroup
	dex.StartRunner(ctx, &wg, m.tr)
	dex.StartRunner(ctx, &wg, m.expiry)

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.readyLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.mailboxLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(seenPruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.pruneSeen()
			case <-ctx.Done():
				return
			}
		}
	}()

	return &wg, nil
}

func (m *Messenger) runCtx() (context.Context, error) {
	m.ctxMtx.RLock()
	defer m.ctxMtx.RUnlock()
	if m.ctx == nil || m.ctx.Err() != nil {
		return nil, ErrMessengerDown
	}
	return m.ctx, nil
}

func (m *Messenger) ready() bool {
	return m.cfg.Ready == nil || m.cfg.Ready()
}

// CheckReady prompts the messenger to drain its buffer if the node has become
// ready.
func (m *Messenger) CheckReady() {
	select {
	case m.readyCh <- struct{}{}:
	default:
	}
}

func (m *Messenger) readyLoop(ctx context.Context) {
	ticker := time.NewTicker(readyCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-m.readyCh:
		case <-ctx.Done():
			return
		}
		if m.buf.len() > 0 && m.ready() {
			m.drainBuffer()
		}
	}
}

func (m *Messenger) drainBuffer() {
	m.drainMtx.Lock()
	defer m.drainMtx.Unlock()
	ins := m.buf.drain()
	if len(ins) == 0 {
		return
	}
	m.log.Debugf("Delivering %d buffered messages", len(ins))
	for _, in := range ins {
		m.dispatch(in)
	}
}

func (m *Messenger) mailboxLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.MailboxPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := m.FetchMailbox(ctx); err != nil {
				m.log.Debugf("Mailbox fetch error: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// FetchMailbox retrieves, authenticates and applies waiting mailbox messages
// in deterministic order.
func (m *Messenger) FetchMailbox(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, mailboxFetchDeadline)
	defer cancel()
	envs, err := m.tr.FetchMailbox(ctx)
	if err != nil {
		return err
	}
	ins := make([]*Inbound, 0, len(envs))
	for _, env := range envs {
		in, err := m.open(env)
		if err != nil {
			m.log.Warnf("Discarding mailbox envelope %s from %s: %v", env.UID, env.Sender, err)
			if err := m.tr.RemoveFromMailbox(ctx, env.UID); err != nil {
				m.log.Errorf("Error removing bad mailbox envelope %s: %v", env.UID, err)
			}
			continue
		}
		if m.alreadyProcessed(in) {
			m.removeFromMailbox(in)
			continue
		}
		ins = append(ins, in)
	}
	for _, in := range SortInbound(ins) {
		m.accept(in)
	}
	return nil
}

func (m *Messenger) removeFromMailbox(in *Inbound) {
	ctx, err := m.runCtx()
	if err != nil {
		return
	}
	if err := m.tr.RemoveFromMailbox(ctx, in.Msg.UID); err != nil {
		m.log.Errorf("Error removing mailbox message %s: %v", in.Msg.UID, err)
	}
}

func (m *Messenger) limiter(peer dex.NodeAddress) *rate.Limiter {
	m.limiterMtx.Lock()
	defer m.limiterMtx.Unlock()
	l, found := m.limiters[peer]
	if !found {
		l = rate.NewLimiter(m.cfg.PeerRate, m.cfg.PeerBurst)
		m.limiters[peer] = l
	}
	return l
}

// KnownRing is the key ring first seen for the peer.
func (m *Messenger) KnownRing(peer dex.NodeAddress) (*dex.PubKeyRing, bool) {
	m.ringMtx.RLock()
	defer m.ringMtx.RUnlock()
	r, found := m.rings[peer]
	return r, found
}

// open authenticates and decrypts the envelope and checks the sender's key
// ring against the one on record.
func (m *Messenger) open(env *Envelope) (*Inbound, error) {
	if env.Recipient != m.addr {
		return nil, dex.NewErrorf(ErrBadEnvelope, "envelope for %s delivered to %s", env.Recipient, m.addr)
	}
	msg, err := env.Open(m.id)
	if err != nil {
		return nil, err
	}
	m.ringMtx.Lock()
	defer m.ringMtx.Unlock()
	if known, found := m.rings[env.Sender]; found {
		if !known.Equal(env.SenderRing) {
			return nil, dex.NewErrorf(ErrRingMismatch, "%s", env.Sender)
		}
	} else {
		m.rings[env.Sender] = env.SenderRing
	}
	return &Inbound{Env: env, Msg: msg}, nil
}

// handleEnvelope is the transport's inbound handler.
func (m *Messenger) handleEnvelope(env *Envelope) {
	if !m.limiter(env.Sender).Allow() {
		m.log.Warnf("Rate limit exceeded by %s. Dropping envelope %s", env.Sender, env.UID)
		return
	}
	in, err := m.open(env)
	if err != nil {
		m.log.Warnf("Dropping envelope %s from %s: %v", env.UID, env.Sender, err)
		return
	}
	m.accept(in)
}

func (m *Messenger) alreadyProcessed(in *Inbound) bool {
	m.seenMtx.Lock()
	_, seen := m.seen[in.Msg.UID]
	m.seenMtx.Unlock()
	if seen {
		return true
	}
	if in.IsMailbox() && m.cfg.Processed != nil {
		processed, err := m.cfg.Processed.IsProcessed(in.Msg.UID)
		if err != nil {
			m.log.Errorf("Error checking processed status of %s: %v", in.Msg.UID, err)
		}
		return processed
	}
	return false
}

// accept passes the message to the handlers, or buffers it if the node is
// not ready.
func (m *Messenger) accept(in *Inbound) {
	if m.alreadyProcessed(in) {
		m.log.Debugf("Ignoring duplicate %s message %s from %s", in.Msg.Route, in.Msg.UID, in.Env.Sender)
		return
	}
	if !m.ready() || m.buf.len() > 0 {
		if !m.buf.push(in) {
			m.log.Warnf("Inbound buffer full. Dropping %s message %s from %s", in.Msg.Route, in.Msg.UID, in.Env.Sender)
			return
		}
		m.CheckReady()
		return
	}
	m.drainMtx.Lock()
	defer m.drainMtx.Unlock()
	m.dispatch(in)
}

// dispatch runs the handler for the message. drainMtx must be held.
func (m *Messenger) dispatch(in *Inbound) {
	m.seenMtx.Lock()
	if _, seen := m.seen[in.Msg.UID]; seen {
		m.seenMtx.Unlock()
		return
	}
	m.seen[in.Msg.UID] = time.Now()
	m.seenMtx.Unlock()
	m.handle(in)
}

// handle runs the handler and settles the message, or schedules another
// attempt if the handler asks for one. The seen mark stays while the message
// waits, so mailbox fetches don't hand it over twice. drainMtx must be held.
func (m *Messenger) handle(in *Inbound) {
	m.handlerMtx.RLock()
	h := m.directHandler
	if in.IsMailbox() {
		h = m.mailboxHandler
	}
	m.handlerMtx.RUnlock()
	if h == nil {
		m.log.Warnf("No handler for %s message %s", in.Msg.Route, in.Msg.UID)
		return
	}
	if err := h(in); errors.Is(err, ErrRequeue) {
		m.log.Debugf("Requeueing %s message %s from %s", in.Msg.Route, in.Msg.UID, in.Env.Sender)
		time.AfterFunc(m.cfg.RequeueDelay, func() {
			if _, err := m.runCtx(); err != nil {
				return
			}
			m.drainMtx.Lock()
			defer m.drainMtx.Unlock()
			m.handle(in)
		})
		return
	}

	if in.IsMailbox() {
		if m.cfg.Processed != nil {
			if err := m.cfg.Processed.SetProcessed(in.Msg.UID); err != nil {
				m.log.Errorf("Error recording processed message %s: %v", in.Msg.UID, err)
			}
		}
		m.removeFromMailbox(in)
	}
}

func (m *Messenger) pruneSeen() {
	cutoff := time.Now().Add(-seenRetention)
	m.seenMtx.Lock()
	defer m.seenMtx.Unlock()
	for uid, stamp := range m.seen {
		if stamp.Before(cutoff) {
			delete(m.seen, uid)
		}
	}
}

// SendDirect sends the message to the peer. The listener's OnArrived or
// OnFault is called once.
func (m *Messenger) SendDirect(to dex.NodeAddress, ring *dex.PubKeyRing, msg *msgjson.Message, l *SendListener) error {
	return m.send(to, ring, msg, false, l)
}

// SendMailbox sends the message directly if the peer is reachable, else
// stores it in the peer's mailbox. The listener's OnArrived,
// OnStoredInMailbox or OnFault is called once.
func (m *Messenger) SendMailbox(to dex.NodeAddress, ring *dex.PubKeyRing, msg *msgjson.Message, l *SendListener) error {
	return m.send(to, ring, msg, true, l)
}

func (m *Messenger) send(to dex.NodeAddress, ring *dex.PubKeyRing, msg *msgjson.Message, mailbox bool, l *SendListener) error {
	ctx, err := m.runCtx()
	if err != nil {
		return err
	}
	env, err := SealEnvelope(m.id, m.addr, to, ring, msg, mailbox)
	if err != nil {
		return err
	}
	if l == nil {
		l = new(SendListener)
	}

	var state atomic.Uint32
	settle := func(final uint32) bool {
		return state.CompareAndSwap(sendPending, final)
	}
	fault := func(err error) {
		if settle(sendFaulted) {
			m.log.Debugf("Send of %s %s to %s failed: %v", msg.Route, msg.UID, to, err)
			if l.OnFault != nil {
				l.OnFault(err)
			}
		}
	}

	m.expiry.Wait(&wait.Waiter{
		Expiration: time.Now().Add(m.cfg.SendTimeout),
		TryFunc: func() wait.TryDirective {
			if state.Load() != sendPending {
				return wait.DontTryAgain
			}
			return wait.TryAgain
		},
		ExpireFunc: func() {
			fault(dex.NewErrorf(ErrSendTimeout, "%s %s to %s", msg.Route, msg.UID, to))
		},
	})

	go func() {
		err := m.tr.Deliver(ctx, to, env)
		if err == nil {
			if settle(sendArrived) {
				if l.OnArrived != nil {
					l.OnArrived()
				}
			} else {
				m.log.Debugf("Ignoring late delivery receipt for %s %s", msg.Route, msg.UID)
			}
			return
		}
		if !mailbox {
			fault(err)
			return
		}
		m.log.Debugf("Direct delivery of %s %s to %s failed (%v). Storing in mailbox.", msg.Route, msg.UID, to, err)
		if storeErr := m.tr.StoreInMailbox(ctx, to, env); storeErr != nil {
			fault(fmt.Errorf("delivery failed: %v, mailbox store failed: %w", err, storeErr))
			return
		}
		if settle(sendStored) {
			if l.OnStoredInMailbox != nil {
				l.OnStoredInMailbox()
			}
		}
	}()
	return nil
}
