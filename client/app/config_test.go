package app

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/tuskeNetwork/tuskex-sub001/dex"
	"github.com/tuskeNetwork/tuskex-sub001/dex/trade"
)

func TestResolveConfig(t *testing.T) {
	dir := t.TempDir()

	cfg := DefaultConfig
	cfg.Local = true
	if err := ResolveConfig(dir, &cfg); err != nil {
		t.Fatalf("ResolveConfig error: %v", err)
	}
	if cfg.Net != dex.Local {
		t.Fatalf("wrong network %s", cfg.Net)
	}
	if cfg.RPCAddr != "127.0.0.3:6767" || cfg.NodeAddr != "127.0.0.3:6768" {
		t.Fatalf("wrong default addresses %s, %s", cfg.RPCAddr, cfg.NodeAddr)
	}
	if !cfg.HostsMailboxes() {
		t.Fatalf("node without a mailbox node should hold its own mailboxes")
	}
	if want := filepath.Join(dir, "local", "tuskex.db"); cfg.DBPath != want {
		t.Fatalf("wanted db path %s, got %s", want, cfg.DBPath)
	}
	if fi, err := os.Stat(filepath.Join(dir, "local", "logs")); err != nil || !fi.IsDir() {
		t.Fatalf("log directory not created: %v", err)
	}
	if wcfg := cfg.Wallet(nil); wcfg.Type != "sim" || wcfg.DataDir != filepath.Join(dir, "local", "wallet") {
		t.Fatalf("wrong wallet config %+v", wcfg)
	}

	cfg = DefaultConfig
	cfg.Local, cfg.Stagenet = true, true
	if err := ResolveConfig(dir, &cfg); err == nil {
		t.Fatalf("no error for two networks")
	}

	cfg = DefaultConfig
	cfg.WalletType = ""
	cfg.MailboxNode = "10.0.0.1:6768"
	if err := ResolveConfig(dir, &cfg); err == nil {
		t.Fatalf("no error for missing wallet type")
	}
	if cfg.HostsMailboxes() {
		t.Fatalf("node with a remote mailbox node reported holding mailboxes")
	}
}

func TestCoreConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig
	cfg.Local = true
	if err := ResolveConfig(dir, &cfg); err != nil {
		t.Fatalf("ResolveConfig error: %v", err)
	}

	agentKey, _ := hex.DecodeString("02" + "11223344556677889900aabbccddeeff11223344556677889900aabbccddeeff")
	keysINI := "[local.arbitration]\nkeys = " + hex.EncodeToString(agentKey) + "\n" +
		"[mainnet.mediation]\nkeys = zz\n"
	if err := os.WriteFile(cfg.AgentKeysFile, []byte(keysINI), 0600); err != nil {
		t.Fatalf("error writing agent keys: %v", err)
	}
	cfg.AgentInfoFile = filepath.Join(dir, "agent.json")
	agentJSON := `{"node":"agent:6768","pubKeyRing":{"sigPubKey":"` + hex.EncodeToString(agentKey) +
		`","encPubKey":"` + hex.EncodeToString(agentKey) + `"},"multisigInfo":"0102"}`
	if err := os.WriteFile(cfg.AgentInfoFile, []byte(agentJSON), 0600); err != nil {
		t.Fatalf("error writing agent info: %v", err)
	}

	c, err := cfg.Core(dex.Disabled)
	if err != nil {
		t.Fatalf("Core config error: %v", err)
	}
	if c.Agent == nil || c.Agent.Node != "agent:6768" || !bytes.Equal(c.Agent.PubKeyRing.SigPubKey, agentKey) {
		t.Fatalf("agent info not loaded: %+v", c.Agent)
	}
	if c.AgentKeys == nil || !c.AgentKeys.Allowed(trade.Arbitration, agentKey) {
		t.Fatalf("agent key from file not allowed")
	}
	if c.AgentKeys.Allowed(trade.Mediation, agentKey) {
		t.Fatalf("arbitration key allowed for mediation")
	}
	if c.Addr != dex.NodeAddress(cfg.NodeAddr) || c.Net != dex.Local {
		t.Fatalf("wrong identity settings %s %s", c.Addr, c.Net)
	}

	cfg.AgentInfoFile = filepath.Join(dir, "missing.json")
	if _, err := cfg.Core(dex.Disabled); err == nil {
		t.Fatalf("no error for missing agent info file")
	}
}
