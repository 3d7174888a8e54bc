package sim

import (
	"context"
	"errors"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/tuskeNetwork/tuskex-sub001/client/asset"
	"github.com/tuskeNetwork/tuskex-sub001/dex"
	"github.com/tuskeNetwork/tuskex-sub001/dex/msgjson"
)

var (
	tCtx    = context.Background()
	tLogger = dex.StdOutLogger("TEST", dex.LevelTrace)
)

const (
	tFunding  = 1_000_000_000
	tAmount   = 100_000_000
	tDeposit  = 15_000_000
	tTradeFee = 1_000
)

func newTestWallet(t *testing.T, c *Chain, fund uint64) *Wallet {
	t.Helper()
	w, err := NewWallet(&Config{Chain: c}, tLogger)
	if err != nil {
		t.Fatalf("NewWallet error: %v", err)
	}
	if fund > 0 {
		w.Fund(fund)
	}
	return w
}

func sellerReserve() *asset.ReserveTxParams {
	return &asset.ReserveTxParams{
		OwnerID:         "offer1",
		TradeFee:        tTradeFee,
		SendAmount:      tAmount,
		SecurityDeposit: tDeposit,
	}
}

func TestReserveFreezeThaw(t *testing.T) {
	w := newTestWallet(t, NewChain(0), tFunding)

	tx, err := w.CreateReserveTx(tCtx, sellerReserve())
	if err != nil {
		t.Fatalf("CreateReserveTx error: %v", err)
	}
	if tx.ReservedAmount != tAmount+tDeposit {
		t.Fatalf("wrong reserved amount %d", tx.ReservedAmount)
	}
	if tx.FrozenAmount() != tFunding {
		t.Fatalf("wrong frozen amount %d", tx.FrozenAmount())
	}
	frozen, _ := w.Outputs(tCtx, &asset.OutputQuery{FrozenOnly: true})
	if len(frozen) != 1 {
		t.Fatalf("expected 1 frozen output, got %d", len(frozen))
	}
	// Frozen outputs still count as available.
	if avail, _ := w.AvailableBalance(tCtx); avail != tFunding {
		t.Fatalf("frozen output not counted in available balance: %d", avail)
	}

	if _, err := w.CreateReserveTx(tCtx, sellerReserve()); !errors.Is(err, asset.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds with all outputs frozen, got %v", err)
	}

	if err := w.ThawOutputs(tCtx, tx.KeyImages()); err != nil {
		t.Fatalf("ThawOutputs error: %v", err)
	}
	if frozen, _ = w.Outputs(tCtx, &asset.OutputQuery{FrozenOnly: true}); len(frozen) != 0 {
		t.Fatalf("outputs still frozen after thaw")
	}
	if err := w.ThawOutputs(tCtx, []string{"abc"}); !errors.Is(err, asset.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown key image, got %v", err)
	}
	if _, err := w.CreateReserveTx(tCtx, sellerReserve()); err != nil {
		t.Fatalf("CreateReserveTx after thaw error: %v", err)
	}
}

func TestUnlockConfirmations(t *testing.T) {
	c := NewChain(2)
	w := newTestWallet(t, c, 0)
	// Funded outputs are mined at the current height with 1 confirmation.
	w.Fund(tFunding)
	if avail, _ := w.AvailableBalance(tCtx); avail != 0 {
		t.Fatalf("locked output counted as available")
	}
	if bal, _ := w.Balance(tCtx); bal != tFunding {
		t.Fatalf("wrong balance %d", bal)
	}
	c.Mine(1)
	if avail, _ := w.AvailableBalance(tCtx); avail != tFunding {
		t.Fatalf("unlocked output not available: %d", avail)
	}
}

func TestDepositAndPayout(t *testing.T) {
	c := NewChain(0)
	seller := newTestWallet(t, c, tFunding)
	buyer := newTestWallet(t, c, tFunding)
	agentKey, _ := secp256k1.GeneratePrivateKey()

	sellerPub, _ := seller.MultisigInfo(tCtx)
	buyerPub, _ := buyer.MultisigInfo(tCtx)
	participants := [][]byte{sellerPub, buyerPub, agentKey.PubKey().SerializeCompressed()}

	sellerTx, err := seller.CreateReserveTx(tCtx, sellerReserve())
	if err != nil {
		t.Fatalf("seller reserve error: %v", err)
	}
	buyerTx, err := buyer.CreateReserveTx(tCtx, &asset.ReserveTxParams{OwnerID: "offer1", TradeFee: tTradeFee, SecurityDeposit: tDeposit})
	if err != nil {
		t.Fatalf("buyer reserve error: %v", err)
	}

	sellerDep, err := seller.PublishDeposit(tCtx, &asset.DepositParams{
		TradeID:       "trade1",
		KeyImages:     sellerTx.KeyImages(),
		DepositAmount: tAmount + tDeposit,
		TradeFee:      tTradeFee,
		Participants:  participants,
	})
	if err != nil {
		t.Fatalf("seller deposit error: %v", err)
	}
	if _, err := buyer.PublishDeposit(tCtx, &asset.DepositParams{
		TradeID:       "trade1",
		KeyImages:     buyerTx.KeyImages(),
		DepositAmount: tDeposit,
		TradeFee:      tTradeFee,
		Participants:  participants,
	}); err != nil {
		t.Fatalf("buyer deposit error: %v", err)
	}
	if bal, _ := seller.Balance(tCtx); bal != tFunding-tAmount-tDeposit-tTradeFee-c.TxFee {
		t.Fatalf("wrong seller balance after deposit: %d", bal)
	}
	if n, _ := seller.TxConfirmations(tCtx, sellerDep.Hash); n != 0 {
		t.Fatalf("deposit confirmed before mining")
	}
	c.Mine(1)
	if n, _ := seller.TxConfirmations(tCtx, sellerDep.Hash); n != 1 {
		t.Fatalf("expected 1 confirmation, got %d", n)
	}
	if c.EscrowBalance("trade1") != tAmount+2*tDeposit {
		t.Fatalf("wrong escrow balance %d", c.EscrowBalance("trade1"))
	}

	buyerEntry, _ := buyer.GetOrCreateAddressEntry("offer1", asset.TradePayout)
	sellerEntry, _ := seller.GetOrCreateAddressEntry("offer1", asset.TradePayout)
	payout := &asset.PayoutParams{
		TradeID:       "trade1",
		BuyerAddress:  buyerEntry.Address,
		SellerAddress: sellerEntry.Address,
		BuyerAmount:   tAmount + tDeposit,
		SellerAmount:  tDeposit,
	}
	sellerSig, _ := seller.SignPayout(tCtx, payout)
	if _, err := buyer.PublishPayout(tCtx, payout, [][]byte{sellerSig, sellerSig}); !errors.Is(err, asset.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for a repeated signature, got %v", err)
	}
	agentSig := msgjson.SignHash(agentKey, payout.SigHash())
	payoutHash, err := buyer.PublishPayout(tCtx, payout, [][]byte{agentSig, sellerSig})
	if err != nil {
		t.Fatalf("PublishPayout error: %v", err)
	}
	again, err := seller.PublishPayout(tCtx, payout, [][]byte{sellerSig, agentSig})
	if err != nil || again != payoutHash {
		t.Fatalf("republishing payout returned %q, %v", again, err)
	}
	if c.EscrowBalance("trade1") != 0 {
		t.Fatalf("escrow not emptied")
	}
	outs, _ := buyer.Outputs(tCtx, &asset.OutputQuery{Subaddress: &buyerEntry.SubaddressIndex})
	if len(outs) != 1 || outs[0].Amount != tAmount+tDeposit {
		t.Fatalf("buyer payout not credited: %+v", outs)
	}

	// Withdraw the payout. The fee comes out of the amount.
	ext := newTestWallet(t, c, 0)
	if _, err := buyer.Send(tCtx, buyerEntry.SubaddressIndex, "notanaddress", tDeposit, ""); !errors.Is(err, asset.ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
	if _, err := buyer.Send(tCtx, buyerEntry.SubaddressIndex, ext.BaseAddress(), tAmount+tDeposit, "withdrawal"); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if bal, _ := ext.Balance(tCtx); bal != tAmount+tDeposit-c.TxFee {
		t.Fatalf("wrong received amount %d", bal)
	}
}

func TestFaultInjection(t *testing.T) {
	w := newTestWallet(t, NewChain(0), tFunding)

	w.FailReserve(1, asset.ErrWalletTimeout)
	if _, err := w.CreateReserveTx(tCtx, sellerReserve()); !errors.Is(err, asset.ErrWalletTimeout) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if frozen, _ := w.Outputs(tCtx, &asset.OutputQuery{FrozenOnly: true}); len(frozen) != 0 {
		t.Fatalf("failed reserve froze outputs")
	}

	w.FailPartial(1, asset.ErrWalletRPC)
	tx, err := w.CreateReserveTx(tCtx, sellerReserve())
	if !errors.Is(err, asset.ErrWalletRPC) || tx == nil {
		t.Fatalf("expected partial tx with error, got %v, %v", tx, err)
	}
	if frozen, _ := w.Outputs(tCtx, &asset.OutputQuery{FrozenOnly: true}); len(frozen) != 1 {
		t.Fatalf("partial tx did not freeze its inputs")
	}
	if w.ReserveCalls() != 2 {
		t.Fatalf("expected 2 reserve calls, got %d", w.ReserveCalls())
	}

	w.Disconnect()
	if w.Connected() {
		t.Fatalf("disconnected wallet reports connected")
	}
	if _, err := w.Balance(tCtx); !errors.Is(err, asset.ErrWalletOffline) || !asset.IsTransient(err) {
		t.Fatalf("expected transient offline error, got %v", err)
	}
	w.Reconnect()
	if _, err := w.Balance(tCtx); err != nil {
		t.Fatalf("Balance error after reconnect: %v", err)
	}
}

func TestAddressEntries(t *testing.T) {
	w := newTestWallet(t, NewChain(0), 0)
	e, err := w.GetOrCreateAddressEntry("offer1", asset.OfferFunding)
	if err != nil {
		t.Fatalf("GetOrCreateAddressEntry error: %v", err)
	}
	if e.SubaddressIndex == 0 || !ValidAddress(e.Address) {
		t.Fatalf("bad entry %+v", e)
	}
	if e.Address != w.Address(e.SubaddressIndex) {
		t.Fatalf("entry address does not match derived subaddress")
	}
	if err := w.ResetAddressEntries("offer1"); err != nil {
		t.Fatalf("ResetAddressEntries error: %v", err)
	}
	if _, found := w.AddressEntry("offer1", asset.OfferFunding); found {
		t.Fatalf("entry still assigned after reset")
	}
	e2, _ := w.GetOrCreateAddressEntry("offer2", asset.TradePayout)
	if e2.SubaddressIndex != e.SubaddressIndex {
		t.Fatalf("available subaddress not reused")
	}
}
