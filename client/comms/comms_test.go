package comms

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tuskeNetwork/tuskex-sub001/dex"
	"github.com/tuskeNetwork/tuskex-sub001/dex/msgjson"
)

var tLogger = dex.StdOutLogger("TEST", dex.LevelTrace)

func TestMain(m *testing.M) {
	UseLogger(tLogger)
	os.Exit(m.Run())
}

func newTestIdentity(t *testing.T) *Identity {
	t.Helper()
	id, err := NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity error: %v", err)
	}
	return id
}

func newTestMessage(t *testing.T, route string) *msgjson.Message {
	t.Helper()
	msg, err := msgjson.NewMessage(route, "trade1", &msgjson.PaymentSent{PayoutSig: dex.Bytes{1, 2, 3}})
	if err != nil {
		t.Fatalf("NewMessage error: %v", err)
	}
	return msg
}

func TestEnvelopeSealOpen(t *testing.T) {
	alice, bob, eve := newTestIdentity(t), newTestIdentity(t), newTestIdentity(t)
	msg := newTestMessage(t, msgjson.PaymentSentRoute)

	env, err := SealEnvelope(alice, "alice", "bob", bob.PubKeyRing(), msg, true)
	if err != nil {
		t.Fatalf("SealEnvelope error: %v", err)
	}
	if env.UID != msg.UID || !env.Mailbox {
		t.Fatalf("wrong envelope fields %+v", env)
	}
	got, err := env.Open(bob)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if got.Route != msg.Route || got.TradeID != "trade1" {
		t.Fatalf("wrong message %s", got)
	}

	// Only the recipient can open it.
	if _, err := env.Open(eve); !errors.Is(err, ErrBadEnvelope) {
		t.Fatalf("expected ErrBadEnvelope for the wrong recipient, got %v", err)
	}

	// Any change to a signed field breaks the signature.
	b, _ := env.MarshalBinary()
	tampered := new(Envelope)
	if err := tampered.UnmarshalBinary(b); err != nil {
		t.Fatalf("UnmarshalBinary error: %v", err)
	}
	tampered.Recipient = "carol"
	if _, err := tampered.Open(bob); !errors.Is(err, ErrBadEnvelope) {
		t.Fatalf("expected ErrBadEnvelope for a tampered envelope, got %v", err)
	}

	// Re-signing with another key is caught by the sig key in the ring.
	forged := *env
	forged.Sig = msgjson.SignBytes(eve.SigKey, env.sigMsg())
	if _, err := forged.Open(bob); !errors.Is(err, ErrBadEnvelope) {
		t.Fatalf("expected ErrBadEnvelope for a forged signature, got %v", err)
	}

	if _, err := SealEnvelope(alice, "alice", "bob", &dex.PubKeyRing{}, msg, false); !errors.Is(err, ErrBadEnvelope) {
		t.Fatalf("expected ErrBadEnvelope sealing for an empty ring, got %v", err)
	}
}

func TestIdentityRoundTrip(t *testing.T) {
	id := newTestIdentity(t)
	sig, enc := id.Serialize()
	id2, err := IdentityFromBytes(sig, enc)
	if err != nil {
		t.Fatalf("IdentityFromBytes error: %v", err)
	}
	if !id.PubKeyRing().Equal(id2.PubKeyRing()) {
		t.Fatalf("restored identity has a different key ring")
	}
	if _, err := IdentityFromBytes(sig[:10], enc); err == nil {
		t.Fatalf("no error for a short key")
	}
}

func TestMemoryDBPrefix(t *testing.T) {
	db := NewMemoryDB()
	mb := NewMailboxStore(db, 0)
	alice := newTestIdentity(t)
	bob := newTestIdentity(t)
	for i := 0; i < 3; i++ {
		env, _ := SealEnvelope(alice, "alice", "bob", bob.PubKeyRing(), newTestMessage(t, msgjson.ChatMessageRoute), true)
		if err := mb.Store("bob", env); err != nil {
			t.Fatalf("Store error: %v", err)
		}
	}
	env, _ := SealEnvelope(bob, "bob", "bobby", alice.PubKeyRing(), newTestMessage(t, msgjson.ChatMessageRoute), true)
	if err := mb.Store("bobby", env); err != nil {
		t.Fatalf("Store error: %v", err)
	}

	envs, err := mb.Fetch("bob")
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	// The recipient terminator keeps bob from seeing bobby's mail.
	if len(envs) != 3 {
		t.Fatalf("expected 3 envelopes for bob, got %d", len(envs))
	}
	if err := mb.Remove("bob", envs[0].UID); err != nil {
		t.Fatalf("Remove error: %v", err)
	}
	if envs, _ = mb.Fetch("bob"); len(envs) != 2 {
		t.Fatalf("expected 2 envelopes after remove, got %d", len(envs))
	}
}

func TestMailboxExpiry(t *testing.T) {
	mb := NewMailboxStore(NewMemoryDB(), time.Hour)
	alice, bob := newTestIdentity(t), newTestIdentity(t)
	env, _ := SealEnvelope(alice, "alice", "bob", bob.PubKeyRing(), newTestMessage(t, msgjson.ChatMessageRoute), true)
	env.Date = time.Now().Add(-2 * time.Hour).UnixMilli()
	if err := mb.Store("bob", env); err != nil {
		t.Fatalf("Store error: %v", err)
	}
	if envs, _ := mb.Fetch("bob"); len(envs) != 0 {
		t.Fatalf("expired envelope returned")
	}
}

// makeInbound builds a buffered message without encryption. Only the fields
// used for ordering are set.
func makeInbound(route, uid string, date int64, mailbox bool) *Inbound {
	return &Inbound{
		Env: &Envelope{UID: uid, Date: date, Mailbox: mailbox},
		Msg: &msgjson.Message{Route: route, UID: uid},
	}
}

func TestBufferOrder(t *testing.T) {
	ins := []*Inbound{
		makeInbound(msgjson.AckRoute, "a", 1, false),
		makeInbound(msgjson.PaymentSentRoute, "b", 5, true),
		makeInbound(msgjson.DepositPublishedRoute, "c", 9, true),
		makeInbound(msgjson.DepositPublishedRoute, "d", 3, true),
		makeInbound(msgjson.OfferAvailabilityRequestRoute, "e", 2, false),
		makeInbound(msgjson.DepositPublishedRoute, "f", 3, true),
		makeInbound("unknown_route", "g", 0, true),
	}
	want := []string{"d", "f", "c", "b", "g", "e", "a"}

	check := func(sorted []*Inbound) {
		t.Helper()
		if len(sorted) != len(want) {
			t.Fatalf("wrong count %d", len(sorted))
		}
		for i, in := range sorted {
			if in.Msg.UID != want[i] {
				t.Fatalf("position %d: want %s, got %s", i, want[i], in.Msg.UID)
			}
		}
	}

	// Every rotation of the arrival order drains the same way.
	for shift := 0; shift < len(ins); shift++ {
		buf := newInboundBuffer(100)
		for i := range ins {
			if !buf.push(ins[(i+shift)%len(ins)]) {
				t.Fatalf("push failed")
			}
		}
		check(buf.drain())
		if buf.len() != 0 {
			t.Fatalf("buffer not empty after drain")
		}
	}

	reversed := make([]*Inbound, len(ins))
	for i, in := range ins {
		reversed[len(ins)-1-i] = in
	}
	check(SortInbound(reversed))
}

func TestBufferOverflow(t *testing.T) {
	buf := newInboundBuffer(2)
	if !buf.push(makeInbound(msgjson.ChatMessageRoute, "a", 1, false)) ||
		!buf.push(makeInbound(msgjson.ChatMessageRoute, "b", 2, false)) {
		t.Fatalf("push failed under capacity")
	}
	// Duplicates don't count against the limit.
	if !buf.push(makeInbound(msgjson.ChatMessageRoute, "a", 1, false)) {
		t.Fatalf("duplicate push reported full")
	}
	if buf.push(makeInbound(msgjson.ChatMessageRoute, "c", 3, false)) {
		t.Fatalf("push succeeded over capacity")
	}
	if buf.len() != 2 {
		t.Fatalf("wrong buffer length %d", buf.len())
	}
}

type tNode struct {
	addr dex.NodeAddress
	id   *Identity
	tr   Transport
	m    *Messenger

	mtx      sync.Mutex
	received []*Inbound
	// requeue is the number of attempts the handler sends back.
	requeue int
}

func (n *tNode) handle(in *Inbound) error {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.received = append(n.received, in)
	if n.requeue > 0 {
		n.requeue--
		return ErrRequeue
	}
	return nil
}

func (n *tNode) receivedUIDs() []string {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	uids := make([]string, 0, len(n.received))
	for _, in := range n.received {
		uids = append(uids, in.Msg.UID)
	}
	return uids
}

type tProcessed struct {
	mtx  sync.Mutex
	uids map[string]bool
}

func (p *tProcessed) IsProcessed(uid string) (bool, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.uids[uid], nil
}

func (p *tProcessed) SetProcessed(uid string) error {
	p.mtx.Lock()
	p.uids[uid] = true
	p.mtx.Unlock()
	return nil
}

func newTestNode(t *testing.T, ctx context.Context, addr dex.NodeAddress, tr Transport, ready func() bool, processed ProcessedStore) *tNode {
	t.Helper()
	n := &tNode{addr: addr, id: newTestIdentity(t), tr: tr}
	m, err := NewMessenger(&Config{
		Addr:        addr,
		Identity:    n.id,
		Transport:   tr,
		Ready:       ready,
		Processed:   processed,
		SendTimeout: 300 * time.Millisecond,
		MailboxPoll: time.Hour,
		// A short requeue delay keeps the tests fast.
		RequeueDelay: 200 * time.Millisecond,
		Logger:       dex.StdOutLogger(string(addr), dex.LevelTrace),
	})
	if err != nil {
		t.Fatalf("NewMessenger error: %v", err)
	}
	m.Subscribe(n.handle, n.handle)
	if _, err := m.Connect(ctx); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	n.m = m
	return n
}

func waitFor(t *testing.T, what string, f func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if f() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type tOutcome struct {
	arrived, stored, faulted atomic.Int32
	err                      atomic.Value
}

func (o *tOutcome) listener() *SendListener {
	return &SendListener{
		OnArrived:         func() { o.arrived.Add(1) },
		OnStoredInMailbox: func() { o.stored.Add(1) },
		OnFault: func(err error) {
			o.err.Store(err)
			o.faulted.Add(1)
		},
	}
}

func (o *tOutcome) total() int32 {
	return o.arrived.Load() + o.stored.Load() + o.faulted.Load()
}

func TestDirectDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	net := NewMemNet()
	alice := newTestNode(t, ctx, "alice", net.Transport("alice"), nil, nil)
	bob := newTestNode(t, ctx, "bob", net.Transport("bob"), nil, nil)

	msg := newTestMessage(t, msgjson.OfferAvailabilityRequestRoute)
	var out tOutcome
	if err := alice.m.SendDirect("bob", bob.m.PubKeyRing(), msg, out.listener()); err != nil {
		t.Fatalf("SendDirect error: %v", err)
	}
	waitFor(t, "delivery", func() bool { return len(bob.receivedUIDs()) == 1 })
	waitFor(t, "receipt", func() bool { return out.arrived.Load() == 1 })
	if ring, found := bob.m.KnownRing("alice"); !found || !ring.Equal(alice.m.PubKeyRing()) {
		t.Fatalf("sender ring not recorded")
	}

	// A redelivered envelope is dropped.
	env, _ := SealEnvelope(alice.id, "alice", "bob", bob.m.PubKeyRing(), msg, false)
	bob.m.handleEnvelope(env)
	if n := len(bob.receivedUIDs()); n != 1 {
		t.Fatalf("duplicate delivered, %d messages", n)
	}

	// Direct sends to an offline peer fault.
	net.SetOnline("bob", false)
	var out2 tOutcome
	if err := alice.m.SendDirect("bob", bob.m.PubKeyRing(), newTestMessage(t, msgjson.ChatMessageRoute), out2.listener()); err != nil {
		t.Fatalf("SendDirect error: %v", err)
	}
	waitFor(t, "fault", func() bool { return out2.faulted.Load() == 1 })
	if err, _ := out2.err.Load().(error); !errors.Is(err, ErrPeerOffline) {
		t.Fatalf("expected ErrPeerOffline, got %v", err)
	}
	if out2.total() != 1 {
		t.Fatalf("more than one outcome reported")
	}
}

func TestRingMismatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	net := NewMemNet()
	bob := newTestNode(t, ctx, "bob", net.Transport("bob"), nil, nil)
	alice := newTestIdentity(t)
	impostor := newTestIdentity(t)

	env, _ := SealEnvelope(alice, "alice", "bob", bob.m.PubKeyRing(), newTestMessage(t, msgjson.ChatMessageRoute), false)
	bob.m.handleEnvelope(env)
	env, _ = SealEnvelope(impostor, "alice", "bob", bob.m.PubKeyRing(), newTestMessage(t, msgjson.ChatMessageRoute), false)
	if _, err := bob.m.open(env); !errors.Is(err, ErrRingMismatch) {
		t.Fatalf("expected ErrRingMismatch, got %v", err)
	}
	bob.m.handleEnvelope(env)
	if n := len(bob.receivedUIDs()); n != 1 {
		t.Fatalf("expected 1 message, got %d", n)
	}
}

func TestMailboxFallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	net := NewMemNet()
	processed := &tProcessed{uids: make(map[string]bool)}
	alice := newTestNode(t, ctx, "alice", net.Transport("alice"), nil, nil)
	bob := newTestNode(t, ctx, "bob", net.Transport("bob"), nil, processed)
	net.SetOnline("bob", false)

	var out tOutcome
	msg := newTestMessage(t, msgjson.DepositPublishedRoute)
	if err := alice.m.SendMailbox("bob", bob.m.PubKeyRing(), msg, out.listener()); err != nil {
		t.Fatalf("SendMailbox error: %v", err)
	}
	waitFor(t, "mailbox store", func() bool { return out.stored.Load() == 1 })
	if out.total() != 1 {
		t.Fatalf("more than one outcome reported")
	}

	net.SetOnline("bob", true)
	if err := bob.m.FetchMailbox(ctx); err != nil {
		t.Fatalf("FetchMailbox error: %v", err)
	}
	if uids := bob.receivedUIDs(); len(uids) != 1 || uids[0] != msg.UID {
		t.Fatalf("mailbox message not delivered: %v", uids)
	}
	if ok, _ := processed.IsProcessed(msg.UID); !ok {
		t.Fatalf("mailbox message not marked processed")
	}
	if envs, _ := net.Mailbox().Fetch("bob"); len(envs) != 0 {
		t.Fatalf("processed message left in mailbox")
	}

	// A copy stored again, as after a crash before removal, is not applied
	// twice.
	env, _ := SealEnvelope(alice.id, "alice", "bob", bob.m.PubKeyRing(), msg, true)
	if err := net.Mailbox().Store("bob", env); err != nil {
		t.Fatalf("Store error: %v", err)
	}
	if err := bob.m.FetchMailbox(ctx); err != nil {
		t.Fatalf("FetchMailbox error: %v", err)
	}
	if n := len(bob.receivedUIDs()); n != 1 {
		t.Fatalf("processed message applied again, %d messages", n)
	}
	if envs, _ := net.Mailbox().Fetch("bob"); len(envs) != 0 {
		t.Fatalf("processed duplicate left in mailbox")
	}
}

func TestMailboxDrainOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	net := NewMemNet()
	alice := newTestNode(t, ctx, "alice", net.Transport("alice"), nil, nil)

	routes := []string{
		msgjson.PaymentSentRoute,
		msgjson.ChatMessageRoute,
		msgjson.DepositPublishedRoute,
		msgjson.SignContractRequestRoute,
		msgjson.InitTradeRequestRoute,
	}

	// Two receivers get the same messages in different storage orders and
	// must apply them identically.
	var orders [][]string
	for i, perm := range [][]int{{0, 1, 2, 3, 4}, {4, 2, 0, 3, 1}} {
		addr := dex.NodeAddress(fmt.Sprintf("bob%d", i))
		var ready atomic.Bool
		bob := newTestNode(t, ctx, addr, net.Transport(addr), ready.Load, nil)
		for _, j := range perm {
			msg := newTestMessage(t, routes[j])
			msg.UID = fmt.Sprintf("uid%d", j)
			env, err := SealEnvelope(alice.id, "alice", addr, bob.m.PubKeyRing(), msg, true)
			if err != nil {
				t.Fatalf("SealEnvelope error: %v", err)
			}
			if err := net.Mailbox().Store(addr, env); err != nil {
				t.Fatalf("Store error: %v", err)
			}
		}
		if err := bob.m.FetchMailbox(ctx); err != nil {
			t.Fatalf("FetchMailbox error: %v", err)
		}
		if n := len(bob.receivedUIDs()); n != 0 {
			t.Fatalf("%d messages handled before ready", n)
		}
		ready.Store(true)
		bob.m.CheckReady()
		waitFor(t, "buffer drain", func() bool { return len(bob.receivedUIDs()) == len(routes) })
		orders = append(orders, bob.receivedUIDs())
	}
	want := []string{"uid4", "uid3", "uid2", "uid0", "uid1"}
	for _, got := range orders {
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("wrong drain order %v, want %v", got, want)
			}
		}
	}
}

// tBlockingTransport holds every Deliver until released.
type tBlockingTransport struct {
	release chan struct{}
	calls   atomic.Int32
}

func (tr *tBlockingTransport) Deliver(ctx context.Context, _ dex.NodeAddress, _ *Envelope) error {
	tr.calls.Add(1)
	select {
	case <-tr.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (tr *tBlockingTransport) StoreInMailbox(context.Context, dex.NodeAddress, *Envelope) error {
	return nil
}

func (tr *tBlockingTransport) FetchMailbox(context.Context) ([]*Envelope, error) {
	return nil, nil
}

func (tr *tBlockingTransport) RemoveFromMailbox(context.Context, string) error { return nil }

func (tr *tBlockingTransport) Listen(InboundHandler) {}

func (tr *tBlockingTransport) Run(ctx context.Context) { <-ctx.Done() }

func TestSendExpiry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := &tBlockingTransport{release: make(chan struct{})}
	alice := newTestNode(t, ctx, "alice", tr, nil, nil)
	bob := newTestIdentity(t)

	var out tOutcome
	if err := alice.m.SendMailbox("bob", bob.PubKeyRing(), newTestMessage(t, msgjson.PaymentSentRoute), out.listener()); err != nil {
		t.Fatalf("SendMailbox error: %v", err)
	}
	waitFor(t, "expiry", func() bool { return out.faulted.Load() == 1 })
	if err, _ := out.err.Load().(error); !errors.Is(err, ErrSendTimeout) {
		t.Fatalf("expected ErrSendTimeout, got %v", err)
	}

	// The late receipt is ignored.
	close(tr.release)
	time.Sleep(100 * time.Millisecond)
	if out.arrived.Load() != 0 || out.total() != 1 {
		t.Fatalf("late receipt reported: arrived %d, total %d", out.arrived.Load(), out.total())
	}
}

func TestSendBeforeConnect(t *testing.T) {
	net := NewMemNet()
	m, err := NewMessenger(&Config{Addr: "alice", Identity: newTestIdentity(t), Transport: net.Transport("alice")})
	if err != nil {
		t.Fatalf("NewMessenger error: %v", err)
	}
	bob := newTestIdentity(t)
	if err := m.SendDirect("bob", bob.PubKeyRing(), newTestMessage(t, msgjson.ChatMessageRoute), nil); !errors.Is(err, ErrMessengerDown) {
		t.Fatalf("expected ErrMessengerDown, got %v", err)
	}
}

func TestMailboxRequeue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	net := NewMemNet()
	processed := &tProcessed{uids: make(map[string]bool)}
	alice := newTestNode(t, ctx, "alice", net.Transport("alice"), nil, nil)
	bob := newTestNode(t, ctx, "bob", net.Transport("bob"), nil, processed)
	bob.mtx.Lock()
	bob.requeue = 1
	bob.mtx.Unlock()

	msg := newTestMessage(t, msgjson.DisputeClosedRoute)
	env, err := SealEnvelope(alice.id, "alice", "bob", bob.m.PubKeyRing(), msg, true)
	if err != nil {
		t.Fatalf("SealEnvelope error: %v", err)
	}
	if err := net.Mailbox().Store("bob", env); err != nil {
		t.Fatalf("Store error: %v", err)
	}
	if err := bob.m.FetchMailbox(ctx); err != nil {
		t.Fatalf("FetchMailbox error: %v", err)
	}
	if n := len(bob.receivedUIDs()); n != 1 {
		t.Fatalf("expected 1 attempt, got %d", n)
	}
	// While the message waits, it is neither processed nor removed, so a
	// restart finds it again. A second fetch does not hand it over twice.
	if ok, _ := processed.IsProcessed(msg.UID); ok {
		t.Fatalf("requeued message marked processed")
	}
	if envs, _ := net.Mailbox().Fetch("bob"); len(envs) != 1 {
		t.Fatalf("requeued message removed from the mailbox")
	}
	if err := bob.m.FetchMailbox(ctx); err != nil {
		t.Fatalf("FetchMailbox error: %v", err)
	}
	if n := len(bob.receivedUIDs()); n != 1 {
		t.Fatalf("waiting message handled again by a fetch, %d attempts", n)
	}

	waitFor(t, "second attempt", func() bool { return len(bob.receivedUIDs()) == 2 })
	waitFor(t, "settled message", func() bool {
		ok, _ := processed.IsProcessed(msg.UID)
		return ok
	})
	if envs, _ := net.Mailbox().Fetch("bob"); len(envs) != 0 {
		t.Fatalf("settled message left in the mailbox")
	}
	time.Sleep(300 * time.Millisecond)
	if n := len(bob.receivedUIDs()); n != 2 {
		t.Fatalf("settled message handled again, %d attempts", n)
	}
}
