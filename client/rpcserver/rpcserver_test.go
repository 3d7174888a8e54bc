package rpcserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tuskeNetwork/tuskex-sub001/client/core"
	"github.com/tuskeNetwork/tuskex-sub001/client/db"
	"github.com/tuskeNetwork/tuskex-sub001/dex"
	"github.com/tuskeNetwork/tuskex-sub001/dex/offer"
	"github.com/tuskeNetwork/tuskex-sub001/dex/trade"
)

func init() {
	log = dex.StdOutLogger("TEST", dex.LevelTrace)
}

type TCore struct {
	trades      map[string]*trade.Trade
	tradeErr    error
	offers      []*offer.OpenOffer
	placed      *core.OfferForm
	canceled    string
	taken       *offer.Offer
	takenAmt    uint64
	cmdErr      error
	paymentSent string
	withdrawTo  string
	dispute     trade.DisputeKind
	closeRes    *core.DisputeResolution
	chat        string
	archivedN   int
	notesN      int
}

func newTCore() *TCore {
	return &TCore{trades: map[string]*trade.Trade{"t1": {ID: "t1", Amount: 5e8}}}
}

func (c *TCore) Addr() dex.NodeAddress { return "node.onion:9999" }
func (c *TCore) AgentInfo(context.Context) (*core.AgentInfo, error) {
	return &core.AgentInfo{Node: c.Addr(), MultisigInfo: dex.Bytes{1, 2}}, nil
}
func (c *TCore) Balances() *core.BalanceSnapshot {
	return &core.BalanceSnapshot{Balance: 100, Available: 70, Pending: 30}
}
func (c *TCore) Trade(id string) (*trade.Trade, error) {
	if c.tradeErr != nil {
		return nil, c.tradeErr
	}
	t, found := c.trades[id]
	if !found {
		return nil, errors.New("unknown trade")
	}
	return t, nil
}
func (c *TCore) Trades() []*trade.Trade {
	ts := make([]*trade.Trade, 0, len(c.trades))
	for _, t := range c.trades {
		ts = append(ts, t)
	}
	return ts
}
func (c *TCore) ArchivedTrades(n int) ([]*db.MetaTrade, error) {
	c.archivedN = n
	return []*db.MetaTrade{{Trade: &trade.Trade{ID: "old"}, Status: db.TradeClosed}}, nil
}
func (c *TCore) Disputes(tradeID string) []*trade.Dispute {
	return []*trade.Dispute{{TradeID: tradeID, Kind: trade.Mediation}}
}
func (c *TCore) OpenOffers() []*offer.OpenOffer { return c.offers }
func (c *TCore) PlaceOffer(_ context.Context, form *core.OfferForm) (*offer.OpenOffer, error) {
	c.placed = form
	return &offer.OpenOffer{Offer: &offer.Offer{ID: "o1", Amount: form.Amount}}, c.cmdErr
}
func (c *TCore) CancelOffer(_ context.Context, id string) error {
	c.canceled = id
	return c.cmdErr
}
func (c *TCore) TakeOffer(_ context.Context, o *offer.Offer, amt uint64, _ string) (*trade.Trade, error) {
	c.taken, c.takenAmt = o, amt
	return &trade.Trade{ID: o.ID, Amount: amt}, c.cmdErr
}
func (c *TCore) ConfirmPaymentSent(_ context.Context, id string) error {
	c.paymentSent = id
	return c.cmdErr
}
func (c *TCore) ConfirmPaymentReceived(context.Context, string) error { return c.cmdErr }
func (c *TCore) WithdrawFunds(_ context.Context, _, addr, _ string) (string, error) {
	c.withdrawTo = addr
	return "abcd", c.cmdErr
}
func (c *TCore) OpenDispute(_ context.Context, id string, kind trade.DisputeKind) (*trade.Dispute, error) {
	c.dispute = kind
	return &trade.Dispute{TradeID: id, Kind: kind}, c.cmdErr
}
func (c *TCore) CloseDispute(_ context.Context, id string, kind trade.DisputeKind, res *core.DisputeResolution) (*trade.DisputeResult, error) {
	c.closeRes = res
	return &trade.DisputeResult{TradeID: id, Kind: kind, Winner: res.Winner}, c.cmdErr
}
func (c *TCore) AcceptMediationResult(context.Context, string) error { return c.cmdErr }
func (c *TCore) RejectMediationResult(_ context.Context, id string) (*trade.Dispute, error) {
	return &trade.Dispute{TradeID: id, Kind: trade.Arbitration}, c.cmdErr
}
func (c *TCore) SendChatMessage(_ context.Context, id, text string) (*trade.ChatMessage, error) {
	c.chat = text
	return &trade.ChatMessage{TradeID: id, Text: text}, c.cmdErr
}
func (c *TCore) Notifications(n int) ([]*db.Notification, error) {
	c.notesN = n
	return nil, nil
}

func newTServer(t *testing.T, cfg *Config) (*Server, *TCore) {
	t.Helper()
	tCore := newTCore()
	if cfg == nil {
		cfg = new(Config)
	}
	cfg.Core = tCore
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return s, tCore
}

func request(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, "http://localhost"+path, nil)
	} else {
		r = httptest.NewRequest(method, "http://localhost"+path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, thing any) {
	t.Helper()
	if err := json.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(thing); err != nil {
		t.Fatalf("error decoding %q: %v", w.Body.String(), err)
	}
}

func TestQueries(t *testing.T) {
	s, tCore := newTServer(t, nil)

	w := request(t, s, http.MethodGet, "/api/trades/t1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("trade returned code %d: %s", w.Code, w.Body)
	}
	tr := new(trade.Trade)
	decode(t, w, tr)
	if tr.ID != "t1" || tr.Amount != 5e8 {
		t.Fatalf("wrong trade %s", spew.Sdump(tr))
	}

	w = request(t, s, http.MethodGet, "/api/balances", "")
	bal := new(core.BalanceSnapshot)
	decode(t, w, bal)
	if bal.Available != 70 || bal.Pending != 30 {
		t.Fatalf("wrong balances %+v", bal)
	}

	w = request(t, s, http.MethodGet, "/api/trades?archived=3", "")
	var archived []*db.MetaTrade
	decode(t, w, &archived)
	if len(archived) != 1 || tCore.archivedN != 3 {
		t.Fatalf("wrong archived trades, n = %d", tCore.archivedN)
	}

	w = request(t, s, http.MethodGet, "/api/notifications", "")
	if w.Code != http.StatusOK || tCore.notesN != 50 {
		t.Fatalf("notifications returned code %d, n = %d", w.Code, tCore.notesN)
	}
	if w = request(t, s, http.MethodGet, "/api/notifications?n=x", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad count returned code %d", w.Code)
	}

	w = request(t, s, http.MethodGet, "/api/trades/t1/disputes", "")
	var ds []*trade.Dispute
	decode(t, w, &ds)
	if len(ds) != 1 || ds[0].Kind != trade.Mediation {
		t.Fatalf("wrong disputes %s", spew.Sdump(ds))
	}

	w = request(t, s, http.MethodGet, "/api/agentinfo", "")
	info := new(core.AgentInfo)
	decode(t, w, info)
	if len(info.MultisigInfo) != 2 {
		t.Fatalf("wrong agent info %s", spew.Sdump(info))
	}

	w = request(t, s, http.MethodGet, "/api/node", "")
	node := new(nodeResponse)
	decode(t, w, node)
	if node.Addr != "node.onion:9999" {
		t.Fatalf("wrong node address %s", node.Addr)
	}
}

func TestCommands(t *testing.T) {
	s, tCore := newTServer(t, nil)

	w := request(t, s, http.MethodPost, "/api/offers",
		`{"direction":"sell","amount":100000000,"price":6500000000,"currencyCode":"usd","paymentMethodId":"ZELLE"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("place offer returned code %d: %s", w.Code, w.Body)
	}
	if tCore.placed == nil || tCore.placed.Direction != offer.Sell || tCore.placed.Amount != 1e8 {
		t.Fatalf("wrong offer form %s", spew.Sdump(tCore.placed))
	}

	if w = request(t, s, http.MethodDelete, "/api/offers/o1", ""); w.Code != http.StatusOK || tCore.canceled != "o1" {
		t.Fatalf("cancel returned code %d, canceled %q", w.Code, tCore.canceled)
	}

	w = request(t, s, http.MethodPost, "/api/trades", `{"offer":{"id":"o2","amount":300},"paymentAccount":"acct"}`)
	if w.Code != http.StatusOK || tCore.taken == nil || tCore.takenAmt != 300 {
		t.Fatalf("take offer returned code %d: %s", w.Code, w.Body)
	}

	if w = request(t, s, http.MethodPost, "/api/trades/t1/paymentsent", ""); w.Code != http.StatusOK || tCore.paymentSent != "t1" {
		t.Fatalf("payment sent returned code %d", w.Code)
	}

	w = request(t, s, http.MethodPost, "/api/trades/t1/withdraw", `{"address":"addr1","memo":"x"}`)
	wr := new(withdrawResponse)
	decode(t, w, wr)
	if wr.TxHash != "abcd" || tCore.withdrawTo != "addr1" {
		t.Fatalf("wrong withdraw %+v", wr)
	}

	if w = request(t, s, http.MethodPost, "/api/trades/t1/dispute", `{"kind":"arbitration"}`); w.Code != http.StatusOK ||
		tCore.dispute != trade.Arbitration {
		t.Fatalf("dispute returned code %d, kind %s", w.Code, tCore.dispute)
	}

	w = request(t, s, http.MethodPost, "/api/trades/t1/closedispute",
		`{"kind":"mediation","resolution":{"winner":"seller","buyerPayoutAmount":1,"sellerPayoutAmount":2}}`)
	if w.Code != http.StatusOK || tCore.closeRes == nil || tCore.closeRes.SellerPayoutAmount != 2 {
		t.Fatalf("close dispute returned code %d: %s", w.Code, w.Body)
	}

	if w = request(t, s, http.MethodPost, "/api/trades/t1/chat", `{"text":"hello"}`); w.Code != http.StatusOK || tCore.chat != "hello" {
		t.Fatalf("chat returned code %d", w.Code)
	}
}

func TestErrors(t *testing.T) {
	s, tCore := newTServer(t, nil)

	tests := []struct {
		name, method, path, body string
		code                     int
	}{
		{"unknown field", http.MethodPost, "/api/trades/t1/withdraw", `{"adress":"a"}`, http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/api/offers", `{"amount":`, http.StatusBadRequest},
		{"empty chat", http.MethodPost, "/api/trades/t1/chat", `{"text":""}`, http.StatusBadRequest},
		{"no offer", http.MethodPost, "/api/trades", `{"amount":1}`, http.StatusBadRequest},
		{"no resolution", http.MethodPost, "/api/trades/t1/closedispute", `{"kind":"refund"}`, http.StatusBadRequest},
		{"bad dispute kind", http.MethodPost, "/api/trades/t1/dispute", `{"kind":"jury"}`, http.StatusBadRequest},
		{"wrong content type", http.MethodPost, "/api/trades/t1/chat", "text=hi", http.StatusUnsupportedMediaType},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(tt.method, "http://localhost"+tt.path, strings.NewReader(tt.body))
		r.Header.Set("Content-Type", "application/json")
		if tt.name == "wrong content type" {
			r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		s.Router().ServeHTTP(w, r)
		if w.Code != tt.code {
			t.Fatalf("%s: expected code %d, got %d: %s", tt.name, tt.code, w.Code, w.Body)
		}
	}

	tCore.cmdErr = errors.New("wallet exploded")
	w := request(t, s, http.MethodPost, "/api/trades/t1/paymentreceived", "")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected code 500, got %d", w.Code)
	}
	resp := new(errorResponse)
	decode(t, w, resp)
	if resp.Code != -1 || resp.Message != "wallet exploded" {
		t.Fatalf("wrong error response %+v", resp)
	}
}

func TestAuthMiddleware(t *testing.T) {
	s, _ := newTServer(t, &Config{User: "user", Pass: "pass"})

	for _, tt := range []struct {
		user, pass string
		set        bool
		code       int
	}{
		{"", "", false, http.StatusUnauthorized},
		{"user", "wrong", true, http.StatusUnauthorized},
		{"other", "pass", true, http.StatusUnauthorized},
		{"user", "pass", true, http.StatusOK},
	} {
		r := httptest.NewRequest(http.MethodGet, "http://localhost/api/balances", nil)
		if tt.set {
			r.SetBasicAuth(tt.user, tt.pass)
		}
		w := httptest.NewRecorder()
		s.Router().ServeHTTP(w, r)
		if w.Code != tt.code {
			t.Fatalf("%s:%s: expected code %d, got %d", tt.user, tt.pass, tt.code, w.Code)
		}
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "tuskex_test_total", Help: "test counter"})
	reg.MustRegister(c)
	c.Inc()
	s, _ := newTServer(t, &Config{Metrics: reg})
	w := request(t, s, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "tuskex_test_total 1") {
		t.Fatalf("metrics returned code %d: %s", w.Code, w.Body)
	}

	s, _ = newTServer(t, nil)
	if w = request(t, s, http.MethodGet, "/metrics", ""); w.Code != http.StatusNotFound {
		t.Fatalf("metrics served without a registry: %d", w.Code)
	}
}
