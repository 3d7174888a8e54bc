package config

import (
	"testing"
)

const tAgentINI = `
; comment
debug=1

[mainnet.mediation]
keys = 02aa, 02bb

[Local.Arbitration]
keys = 03cc
`

func TestSections(t *testing.T) {
	sections, err := Sections([]byte(tAgentINI))
	if err != nil {
		t.Fatalf("Sections error: %v", err)
	}
	if len(sections) != 2 {
		t.Fatalf("expected 2 sections, got %d", len(sections))
	}
	med := sections["mainnet.mediation"]
	if med == nil {
		t.Fatalf("mainnet.mediation section missing")
	}
	keys := ListValue(med["keys"])
	if len(keys) != 2 || keys[0] != "02aa" || keys[1] != "02bb" {
		t.Fatalf("wrong keys %v", keys)
	}
	if arb := sections["local.arbitration"]; arb == nil || arb["keys"] != "03cc" {
		t.Fatalf("section names not lower-cased: %v", sections)
	}
}

func TestParse(t *testing.T) {
	var cfg struct {
		Debug bool   `ini:"debug"`
		Keys  string `ini:"keys"`
	}
	if err := Parse([]byte("debug=true\n[x]\nkeys=abc\n"), &cfg); err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if !cfg.Debug || cfg.Keys != "abc" {
		t.Fatalf("wrong parse result %+v", cfg)
	}
}

func TestOptionsMapToINIData(t *testing.T) {
	b := OptionsMapToINIData(map[string]string{"b": "2", "a": "1"})
	if string(b) != "a=1\nb=2\n" {
		t.Fatalf("wrong INI data %q", string(b))
	}
}
