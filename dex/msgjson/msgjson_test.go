package msgjson

import (
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage(PaymentSentRoute, "trade1", &PaymentSent{PayoutSig: []byte{1, 2, 3}})
	if err != nil {
		t.Fatalf("NewMessage error: %v", err)
	}
	if msg.UID == "" {
		t.Fatalf("no uid")
	}
	msg2, _ := NewMessage(PaymentSentRoute, "trade1", nil)
	if msg.UID == msg2.UID {
		t.Fatalf("uids not unique")
	}
	reMsg, err := DecodeMessage([]byte(msg.String()))
	if err != nil {
		t.Fatalf("DecodeMessage error: %v", err)
	}
	var ps PaymentSent
	if err := reMsg.Unmarshal(&ps); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if len(ps.PayoutSig) != 3 || reMsg.TradeID != "trade1" {
		t.Fatalf("payload not preserved")
	}
	if _, err := DecodeMessage([]byte(`{"route":"ack"}`)); err == nil {
		t.Fatalf("no error for message without uid")
	}
	if _, err := NewMessage("", "trade1", nil); err == nil {
		t.Fatalf("no error for empty route")
	}
}

func TestRouteRank(t *testing.T) {
	ordered := []string{InitTradeRequestRoute, SignContractRequestRoute, SignContractResponseRoute,
		DepositPublishedRoute, PaymentSentRoute, PaymentReceivedRoute, DisputeClosedRoute}
	for i := 1; i < len(ordered); i++ {
		if RouteRank(ordered[i-1]) >= RouteRank(ordered[i]) {
			t.Fatalf("%s does not sort before %s", ordered[i-1], ordered[i])
		}
	}
	if RouteRank("unknown") <= RouteRank(AckRoute) {
		t.Fatalf("unknown route does not sort last")
	}
}

func TestSignatures(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("key error: %v", err)
	}
	pub := priv.PubKey().SerializeCompressed()
	data := []byte("contract")
	sig := SignBytes(priv, data)
	if err := CheckBytesSig(data, sig, pub); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := CheckBytesSig([]byte("contracT"), sig, pub); err == nil {
		t.Fatalf("signature over other data accepted")
	}
	other, _ := secp256k1.GeneratePrivateKey()
	if err := CheckBytesSig(data, sig, other.PubKey().SerializeCompressed()); err == nil {
		t.Fatalf("signature accepted for the wrong key")
	}
	if err := CheckBytesSig(data, []byte{1, 2}, pub); err == nil {
		t.Fatalf("garbage signature accepted")
	}
}
