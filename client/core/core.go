// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package core is the escrow core of a tuskex node. Core reserves offer
// funds, negotiates trades with peers over the messenger, drives deposits
// and payouts through the wallet, escalates disputes to an agent and keeps
// the balance breakdown current.
package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tuskeNetwork/tuskex-sub001/client/asset"
	"github.com/tuskeNetwork/tuskex-sub001/client/comms"
	"github.com/tuskeNetwork/tuskex-sub001/client/db"
	"github.com/tuskeNetwork/tuskex-sub001/dex"
	"github.com/tuskeNetwork/tuskex-sub001/dex/msgjson"
	"github.com/tuskeNetwork/tuskex-sub001/dex/offer"
	"github.com/tuskeNetwork/tuskex-sub001/dex/trade"
	"github.com/tuskeNetwork/tuskex-sub001/dex/wait"
	"golang.org/x/sync/singleflight"
)

const (
	defaultMaxAttempts     = 5
	defaultReprocessDelay  = 5 * time.Second
	defaultProtocolTimeout = 180 * time.Second
	defaultConfPollFast    = 5 * time.Second
	defaultConfPollSlow    = time.Minute
	defaultSendTimeout     = 30 * time.Second

	DefaultMakerFeePct              = 0.0015
	DefaultTakerFeePct              = 0.0075
	DefaultPenaltyFeePct            = 0.02
	DefaultBuyerSecurityDepositPct  = 0.15
	DefaultSellerSecurityDepositPct = 0.15

	disputeRequeueDelay = 2 * time.Second
	confWatchExpiration = 14 * 24 * time.Hour
	processedRetention  = 30 * 24 * time.Hour
	pruneInterval       = time.Hour
	jobQueueSize        = 32
)

// DefaultConfirmations is the number of deposit and payout confirmations
// required on the network.
func DefaultConfirmations(net dex.Network) uint32 {
	if net == dex.Local {
		return 1
	}
	return 10
}

// AgentInfo identifies the dispute agent a maker assigns to its trades.
type AgentInfo struct {
	Node         dex.NodeAddress `json:"node"`
	PubKeyRing   dex.PubKeyRing  `json:"pubKeyRing"`
	MultisigInfo dex.Bytes       `json:"multisigInfo"`
}

// Config is the configuration for the Core.
type Config struct {
	// DB is the client database. Core runs it.
	DB db.DB
	// Wallet is the wallet backend.
	Wallet asset.Wallet
	// Transport carries envelopes to peers.
	Transport comms.Transport
	// Addr is this node's address on the transport.
	Addr dex.NodeAddress
	// Net is the current network.
	Net dex.Network
	// Logger is the Core's logger. The package logger is used if nil.
	Logger dex.Logger
	// Agent is the dispute agent assigned to trades of our offers. A maker
	// without an agent answers availability requests with NOT_AVAILABLE.
	Agent *AgentInfo
	// AgentMode makes this node a dispute agent.
	AgentMode bool
	// AgentKeys is the allow-list of agent keys. A table with only the
	// built-in keys of Net is used if nil.
	AgentKeys *AgentKeyTable
	// Filter rejects offers and peers before any funds move.
	Filter Filter

	// MaxAttempts bounds the wallet retries of a reservation or trade step.
	MaxAttempts int
	// ReprocessDelay is the pause between retries.
	ReprocessDelay time.Duration
	// ProtocolTimeout is how long a trade may wait for its peer before it is
	// reported stalled.
	ProtocolTimeout time.Duration
	// Confirmations required for deposits and payouts.
	Confirmations uint32
	// ConfPollFast and ConfPollSlow bound the confirmation polling interval.
	ConfPollFast time.Duration
	ConfPollSlow time.Duration
	// SendTimeout is the messenger's delivery deadline.
	SendTimeout time.Duration
	// MailboxPoll is the mailbox fetch interval.
	MailboxPoll time.Duration

	// Fee and deposit percentages of placed offers.
	MakerFeePct              float64
	TakerFeePct              float64
	PenaltyFeePct            float64
	BuyerSecurityDepositPct  float64
	SellerSecurityDepositPct float64
}

type inboundHandler func(*comms.Inbound) error

// Core is the escrow core of a node.
type Core struct {
	ctx       context.Context
	cfg       *Config
	net       dex.Network
	log       dex.Logger
	db        db.DB
	wallet    *asset.WalletHandle
	id        *comms.Identity
	messenger *comms.Messenger
	agentKeys *AgentKeyTable
	metrics   *metrics
	confQ     *wait.TaperingTickerQueue
	handlers  map[string]inboundHandler
	ready     atomic.Bool

	reserveGroup singleflight.Group

	// mtx is the apply lock. Every change to the offer, trade and dispute
	// lists and to the trades themselves is made and persisted while holding
	// it. No wallet calls are made while it is held for writing.
	mtx        sync.RWMutex
	offers     map[string]*offer.OpenOffer
	trades     map[string]*trackedTrade
	disputes   map[string]*trade.Dispute
	peerOffers map[string]*offer.Offer
	// acked maps each ack seen to the trade it is for.
	acked    map[ackKey]string
	requeued map[string]bool

	availMtx     sync.Mutex
	availWaiters map[string]chan *availabilityResult

	balMtx        sync.Mutex
	balVersion    uint64
	balances      atomic.Pointer[BalanceSnapshot]
	balanceSignal chan struct{}

	noteMtx   sync.RWMutex
	noteChans []chan Notification
}

// New is the constructor for a new Core.
func New(cfg *Config) (*Core, error) {
	if cfg.DB == nil || cfg.Wallet == nil || cfg.Transport == nil {
		return nil, errors.New("core needs a database, a wallet and a transport")
	}
	if cfg.Addr == "" {
		return nil, errors.New("no node address")
	}
	c := *cfg
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.ReprocessDelay == 0 {
		c.ReprocessDelay = defaultReprocessDelay
	}
	if c.ProtocolTimeout == 0 {
		c.ProtocolTimeout = defaultProtocolTimeout
	}
	if c.Confirmations == 0 {
		c.Confirmations = DefaultConfirmations(c.Net)
	}
	if c.ConfPollFast == 0 {
		c.ConfPollFast = defaultConfPollFast
	}
	if c.ConfPollSlow < c.ConfPollFast {
		c.ConfPollSlow = utilsMaxDuration(defaultConfPollSlow, c.ConfPollFast)
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = defaultSendTimeout
	}
	if c.MakerFeePct == 0 && c.TakerFeePct == 0 {
		c.MakerFeePct, c.TakerFeePct = DefaultMakerFeePct, DefaultTakerFeePct
	}
	if c.PenaltyFeePct == 0 {
		c.PenaltyFeePct = DefaultPenaltyFeePct
	}
	if c.BuyerSecurityDepositPct == 0 {
		c.BuyerSecurityDepositPct = DefaultBuyerSecurityDepositPct
	}
	if c.SellerSecurityDepositPct == 0 {
		c.SellerSecurityDepositPct = DefaultSellerSecurityDepositPct
	}
	if c.AgentKeys == nil {
		c.AgentKeys = NewAgentKeyTable(c.Net)
	}
	logger := c.Logger
	if logger == nil {
		logger = log
	}

	id, err := loadIdentity(c.DB)
	if err != nil {
		return nil, fmt.Errorf("identity error: %w", err)
	}

	core := &Core{
		cfg:           &c,
		net:           c.Net,
		log:           logger,
		db:            c.DB,
		wallet:        asset.NewWalletHandle(c.Wallet),
		id:            id,
		agentKeys:     c.AgentKeys,
		metrics:       newMetrics(),
		confQ:         wait.NewTaperingTickerQueue(c.ConfPollFast, c.ConfPollSlow),
		offers:        make(map[string]*offer.OpenOffer),
		trades:        make(map[string]*trackedTrade),
		disputes:      make(map[string]*trade.Dispute),
		peerOffers:    make(map[string]*offer.Offer),
		acked:         make(map[ackKey]string),
		requeued:      make(map[string]bool),
		availWaiters:  make(map[string]chan *availabilityResult),
		balanceSignal: make(chan struct{}, 1),
	}

	core.messenger, err = comms.NewMessenger(&comms.Config{
		Addr:        c.Addr,
		Identity:    id,
		Transport:   c.Transport,
		Ready:       core.isReady,
		Processed:   c.DB,
		SendTimeout:  c.SendTimeout,
		MailboxPoll:  c.MailboxPoll,
		RequeueDelay: disputeRequeueDelay,
	})
	if err != nil {
		return nil, fmt.Errorf("messenger error: %w", err)
	}

	core.handlers = map[string]inboundHandler{
		msgjson.OfferAvailabilityRequestRoute:  core.handleOfferAvailabilityRequest,
		msgjson.OfferAvailabilityResponseRoute: core.handleOfferAvailabilityResponse,
		msgjson.InitTradeRequestRoute:          core.handleInitTradeRequest,
		msgjson.SignContractRequestRoute:       core.tradeHandler(core.handleSignContractRequest),
		msgjson.SignContractResponseRoute:      core.tradeHandler(core.handleSignContractResponse),
		msgjson.DepositPublishedRoute:          core.tradeHandler(core.handleDepositPublished),
		msgjson.PaymentSentRoute:               core.tradeHandler(core.handlePaymentSent),
		msgjson.PaymentReceivedRoute:           core.tradeHandler(core.handlePaymentReceived),
		msgjson.DisputeOpenedRoute:             core.handleDisputeOpened,
		msgjson.PeerOpenedDisputeRoute:         core.tradeHandler(core.handlePeerOpenedDispute),
		msgjson.ChatMessageRoute:               core.tradeHandler(core.handleChatMessage),
		msgjson.DisputeClosedRoute:             core.handleDisputeClosed,
		msgjson.MediatedPayoutSignatureRoute:   core.tradeHandler(core.handleMediatedPayoutSignature),
		msgjson.MediatedPayoutPublishedRoute:   core.tradeHandler(core.handleMediatedPayoutPublished),
	}
	core.messenger.Subscribe(core.handleInbound, core.handleInbound)

	logger.Tracef("new client core created")
	return core, nil
}

func utilsMaxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// loadIdentity loads the node's keys, generating and storing them on first
// start.
func loadIdentity(d db.DB) (*comms.Identity, error) {
	sigKey, encKey, err := d.Identity()
	if errors.Is(err, db.ErrNoIdentity) {
		id, err := comms.NewIdentity()
		if err != nil {
			return nil, err
		}
		if err := d.SetIdentity(id.Serialize()); err != nil {
			return nil, err
		}
		return id, nil
	}
	if err != nil {
		return nil, err
	}
	return comms.IdentityFromBytes(sigKey, encKey)
}

// Connect loads the stored offers, trades and disputes, resumes them and
// starts the messenger and the background loops. Satisfies dex.Connector.
func (c *Core) Connect(ctx context.Context) (*sync.WaitGroup, error) {
	c.ctx = ctx
	var wg sync.WaitGroup
	dex.StartRunner(ctx, &wg, c.db)
	dex.StartRunner(ctx, &wg, c.confQ)

	msgrWG, err := c.messenger.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("messenger connect error: %w", err)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		msgrWG.Wait()
	}()

	if err := c.resume(ctx); err != nil {
		return nil, err
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.balanceLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.pruneLoop(ctx)
	}()

	c.ready.Store(true)
	c.messenger.CheckReady()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := c.messenger.FetchMailbox(ctx); err != nil {
			c.log.Warnf("Initial mailbox fetch failed: %v", err)
		}
		c.reserveScheduled(ctx)
	}()

	c.signalBalance()
	c.log.Infof("Core started on %s as %s", c.net, c.cfg.Addr)
	return &wg, nil
}

func (c *Core) isReady() bool {
	return c.ready.Load() && c.wallet.Connected()
}

// Addr is this node's address.
func (c *Core) Addr() dex.NodeAddress {
	return c.cfg.Addr
}

// PubKeyRing is this node's public key ring.
func (c *Core) PubKeyRing() dex.PubKeyRing {
	return *c.id.PubKeyRing()
}

// AgentInfo describes this node as a dispute agent for makers to configure.
func (c *Core) AgentInfo(ctx context.Context) (*AgentInfo, error) {
	ms, err := c.wallet.MultisigInfo(ctx)
	if err != nil {
		return nil, walletError(err, "multisig info")
	}
	return &AgentInfo{
		Node:         c.cfg.Addr,
		PubKeyRing:   c.PubKeyRing(),
		MultisigInfo: ms,
	}, nil
}

// resume loads the stored state and restarts the trades.
func (c *Core) resume(ctx context.Context) error {
	oos, err := c.db.OpenOffers()
	if err != nil {
		return codedError(dbErr, fmt.Errorf("error loading open offers: %w", err))
	}
	trades, err := c.db.ActiveTrades()
	if err != nil {
		return codedError(dbErr, fmt.Errorf("error loading active trades: %w", err))
	}
	disputes, err := c.db.Disputes()
	if err != nil {
		return codedError(dbErr, fmt.Errorf("error loading disputes: %w", err))
	}

	c.mtx.Lock()
	for _, d := range disputes {
		c.disputes[d.Key()] = d
	}
	tts := make([]*trackedTrade, 0, len(trades))
	for _, t := range trades {
		tt := newTrackedTrade(t)
		c.trades[t.ID] = tt
		tts = append(tts, tt)
	}
	for _, oo := range oos {
		if oo.State == offer.OpenReserved && c.trades[oo.ID()] == nil {
			// The trade failed before it was stored.
			oo.State = offer.OpenAvailable
			if err := c.db.UpdateOpenOffer(oo); err != nil {
				c.log.Errorf("Error reverting open offer %s: %v", oo.ID(), err)
			}
		}
		c.offers[oo.ID()] = oo
	}
	c.updateTradeMetrics()
	c.mtx.Unlock()

	for _, tt := range tts {
		c.startTrade(tt)
		t := c.tradeSnapshot(tt)
		c.log.Infof("Resuming trade %s (%s) at %s", t.ID, t.Role, t.State)
		switch {
		case t.Role.IsArbitrator():
		case t.State == trade.StateContractSigned:
			go func() {
				if err := c.runJob(ctx, tt, func() error { return c.publishDeposit(ctx, tt) }); err != nil {
					c.log.Errorf("Error publishing deposit of resumed trade %s: %v", t.ID, err)
				}
			}()
		case t.Phase == trade.PhaseDepositsPublished:
			c.watchDeposits(tt)
		case t.IsPayoutPublished() && t.Phase < trade.PhaseCompleted:
			c.watchPayout(tt)
		}
	}
	c.log.Infof("Loaded %d open offers, %d active trades and %d disputes", len(oos), len(trades), len(disputes))
	return nil
}

// reserveScheduled re-reserves offers that lost or never got their
// reservation.
func (c *Core) reserveScheduled(ctx context.Context) {
	c.mtx.RLock()
	var ids []string
	for id, oo := range c.offers {
		if oo.Scheduled && !oo.IsReserved() && oo.State == offer.OpenAvailable {
			ids = append(ids, id)
		}
	}
	c.mtx.RUnlock()
	sort.Strings(ids)
	for _, id := range ids {
		if _, err := c.ReserveFunds(ctx, id); err != nil {
			c.log.Errorf("Error reserving funds for offer %s: %v", id, err)
		}
	}
}

func (c *Core) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-processedRetention).UnixMilli()
			n, err := c.db.PruneProcessed(uint64(cutoff))
			if err != nil {
				c.log.Errorf("Error pruning processed message records: %v", err)
				continue
			}
			if n > 0 {
				c.log.Debugf("Pruned %d processed message records", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// handleInbound is the messenger's handler for direct and mailbox messages.
// Every message except an ack is answered with an ack once it is applied. A
// requeued message is returned to the messenger unacknowledged.
func (c *Core) handleInbound(in *comms.Inbound) error {
	msg := in.Msg
	if msg.Route == msgjson.AckRoute {
		if err := c.handleAck(in); err != nil {
			c.log.Errorf("Error handling ack %s from %s: %v", msg.UID, in.Env.Sender, err)
		}
		return nil
	}
	handler, found := c.handlers[msg.Route]
	if !found {
		c.log.Warnf("Unknown route %q in message %s from %s", msg.Route, msg.UID, in.Env.Sender)
		c.sendAck(in, fmt.Errorf("unknown route %q", msg.Route))
		return nil
	}
	err := handler(in)
	if errors.Is(err, comms.ErrRequeue) {
		return err
	}
	if err != nil {
		c.log.Errorf("Error handling %s message %s for trade %s from %s: %v",
			msg.Route, msg.UID, msg.TradeID, in.Env.Sender, err)
	}
	c.sendAck(in, err)
	return nil
}

// tradeHandler runs the handler as a job of the message's trade.
func (c *Core) tradeHandler(f func(tt *trackedTrade, in *comms.Inbound) error) inboundHandler {
	return func(in *comms.Inbound) error {
		tt := c.trackedTrade(in.Msg.TradeID)
		if tt == nil {
			return newError(unknownTradeErr, "unknown trade %s", in.Msg.TradeID)
		}
		return c.runJob(c.ctx, tt, func() error { return f(tt, in) })
	}
}

// sendAck acknowledges the message the same way it was sent.
func (c *Core) sendAck(in *comms.Inbound, handleErr error) {
	ack := &msgjson.Ack{
		SourceRoute: in.Msg.Route,
		SourceUID:   in.Msg.UID,
		SourceID:    in.Msg.TradeID,
		Success:     handleErr == nil,
	}
	if handleErr != nil {
		ack.ErrorMessage = handleErr.Error()
	}
	msg, err := msgjson.NewMessage(msgjson.AckRoute, in.Msg.TradeID, ack)
	if err != nil {
		c.log.Errorf("Error encoding ack: %v", err)
		return
	}
	if err := c.send(in.Env.Sender, *in.Env.SenderRing, msg, in.IsMailbox(), nil); err != nil {
		c.log.Errorf("Error sending ack for %s %s to %s: %v", in.Msg.Route, in.Msg.UID, in.Env.Sender, err)
	}
}

// send sends the message directly, or through the mailbox if mailbox is
// set.
func (c *Core) send(to dex.NodeAddress, ring dex.PubKeyRing, msg *msgjson.Message, mailbox bool, l *comms.SendListener) error {
	var sl comms.SendListener
	if l != nil {
		sl = *l
	}
	onFault := sl.OnFault
	sl.OnFault = func(err error) {
		c.metrics.sendFaults.Inc()
		c.log.Warnf("Could not deliver %s %s to %s: %v", msg.Route, msg.UID, to, err)
		if onFault != nil {
			onFault(err)
		}
	}
	if mailbox {
		return c.messenger.SendMailbox(to, &ring, msg, &sl)
	}
	return c.messenger.SendDirect(to, &ring, msg, &sl)
}

// sendMailbox encodes and sends a mailbox message.
func (c *Core) sendMailbox(to dex.NodeAddress, ring dex.PubKeyRing, route, tradeID string, payload any, l *comms.SendListener) error {
	msg, err := msgjson.NewMessage(route, tradeID, payload)
	if err != nil {
		return err
	}
	return c.send(to, ring, msg, true, l)
}

type ackKey struct {
	sender dex.NodeAddress
	uid    string
}

// handleAck applies an ack. Acks are applied once per sender and source uid.
func (c *Core) handleAck(in *comms.Inbound) error {
	var ack msgjson.Ack
	if err := in.Msg.Unmarshal(&ack); err != nil {
		return err
	}
	// One message can be acked by several peers, e.g. a dispute chat line
	// the agent relays to both traders.
	k := ackKey{sender: in.Env.Sender, uid: ack.SourceUID}
	c.mtx.Lock()
	if _, found := c.acked[k]; found {
		c.mtx.Unlock()
		c.metrics.acks.WithLabelValues("duplicate").Inc()
		return nil
	}
	c.acked[k] = ack.SourceID
	c.mtx.Unlock()

	if ack.Success {
		c.metrics.acks.WithLabelValues("success").Inc()
	} else {
		c.metrics.acks.WithLabelValues("failure").Inc()
		c.log.Warnf("%s %s for trade %s was rejected by %s: %s", ack.SourceRoute, ack.SourceUID,
			ack.SourceID, in.Env.Sender, ack.ErrorMessage)
	}

	if ack.SourceRoute == msgjson.ChatMessageRoute {
		c.updateChat(ack.SourceID, ack.SourceUID, func(m *trade.ChatMessage) {
			m.Acknowledged = ack.Success
			m.AckError = ack.ErrorMessage
		})
		return nil
	}
	if ack.SourceRoute == msgjson.InitTradeRequestRoute && !ack.Success {
		tt := c.trackedTrade(ack.SourceID)
		if tt == nil {
			return nil
		}
		go func() {
			err := c.runJob(c.ctx, tt, func() error {
				t := c.tradeSnapshot(tt)
				if t.Phase != trade.PhaseInit || t.State > trade.StateInitTradeRequestSent {
					return nil
				}
				return c.failTrade(c.ctx, tt, fmt.Errorf("maker rejected the trade: %s", ack.ErrorMessage))
			})
			if err != nil {
				c.log.Errorf("Error failing trade %s: %v", ack.SourceID, err)
			}
		}()
	}
	return nil
}

// Trade is the trade with the ID, active or archived.
func (c *Core) Trade(id string) (*trade.Trade, error) {
	if tt := c.trackedTrade(id); tt != nil {
		return c.tradeSnapshot(tt), nil
	}
	mt, err := c.db.Trade(id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, newError(unknownTradeErr, "unknown trade %s", id)
		}
		return nil, codedError(dbErr, err)
	}
	return mt.Trade, nil
}

// Trades lists the active trades, oldest first.
func (c *Core) Trades() []*trade.Trade {
	c.mtx.RLock()
	ts := make([]*trade.Trade, 0, len(c.trades))
	for _, tt := range c.trades {
		ts = append(ts, tt.t.Copy())
	}
	c.mtx.RUnlock()
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].StartTime.Equal(ts[j].StartTime) {
			return ts[i].ID < ts[j].ID
		}
		return ts[i].StartTime.Before(ts[j].StartTime)
	})
	return ts
}

// ArchivedTrades lists the n most recently archived trades.
func (c *Core) ArchivedTrades(n int) ([]*db.MetaTrade, error) {
	mts, err := c.db.ArchivedTrades(n)
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	return mts, nil
}

// Disputes lists the disputes of a trade.
func (c *Core) Disputes(tradeID string) []*trade.Dispute {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	var ds []*trade.Dispute
	for _, kind := range trade.DisputeKinds {
		if d := c.disputes[trade.DisputeKey(tradeID, kind)]; d != nil {
			ds = append(ds, d.Copy())
		}
	}
	return ds
}
