package main

import (
	"bufio"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
)

func TestReadParams(t *testing.T) {
	stdin := bufio.NewReader(strings.NewReader("{\"amount\":5}\nsecond\r\n"))
	params, err := readParams([]string{"a", "-", "b", "-"}, stdin)
	if err != nil {
		t.Fatalf("readParams error: %v", err)
	}
	want := []string{"a", `{"amount":5}`, "b", "second"}
	if strings.Join(params, "|") != strings.Join(want, "|") {
		t.Fatalf("wanted %v, got %v", want, params)
	}

	if _, err = readParams([]string{"-"}, bufio.NewReader(strings.NewReader(""))); err == nil {
		t.Fatalf("no error for empty stdin")
	}
}

func TestCommandRequests(t *testing.T) {
	tests := []struct {
		cmd     string
		args    []string
		method  string
		path    string
		body    string
		wantErr bool
	}{
		{cmd: "balances", method: http.MethodGet, path: "/api/balances"},
		{cmd: "trades", args: []string{"archived", "3"}, method: http.MethodGet, path: "/api/trades/?archived=3"},
		{cmd: "trade", args: []string{"abc/1"}, method: http.MethodGet, path: "/api/trades/abc%2F1"},
		{cmd: "canceloffer", args: []string{"o1"}, method: http.MethodDelete, path: "/api/offers/o1"},
		{cmd: "placeoffer", args: []string{"{not json"}, wantErr: true},
		{cmd: "takeoffer", args: []string{`{"id":"o1"}`, "7", "acct"}, method: http.MethodPost, path: "/api/trades/",
			body: `{"offer":{"id":"o1"},"amount":7,"paymentAccount":"acct"}`},
		{cmd: "takeoffer", args: []string{`{"id":"o1"}`, "seven"}, wantErr: true},
		{cmd: "withdraw", args: []string{"t1", "addr"}, method: http.MethodPost, path: "/api/trades/t1/withdraw",
			body: `{"address":"addr"}`},
		{cmd: "dispute", args: []string{"t1", "mediation"}, method: http.MethodPost, path: "/api/trades/t1/dispute",
			body: `{"kind":"mediation"}`},
		{cmd: "dispute", args: []string{"t1", "lawsuit"}, wantErr: true},
		{cmd: "chat", args: []string{"t1", "hello", "there"}, method: http.MethodPost, path: "/api/trades/t1/chat",
			body: `{"text":"hello there"}`},
		{cmd: "acceptmediation", args: []string{"t1"}, method: http.MethodPost, path: "/api/trades/t1/acceptmediation"},
	}
	for _, tt := range tests {
		cmd, found := commands[tt.cmd]
		if !found {
			t.Fatalf("command %s not found", tt.cmd)
		}
		req, err := cmd.request(tt.args)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("%s %v: no error", tt.cmd, tt.args)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s %v: %v", tt.cmd, tt.args, err)
		}
		if req.method != tt.method || req.path != tt.path {
			t.Fatalf("%s: wanted %s %s, got %s %s", tt.cmd, tt.method, tt.path, req.method, req.path)
		}
		if tt.body == "" {
			if req.body != nil {
				t.Fatalf("%s: unexpected body %v", tt.cmd, req.body)
			}
			continue
		}
		b, err := json.Marshal(req.body)
		if err != nil {
			t.Fatalf("%s: marshal error: %v", tt.cmd, err)
		}
		if string(b) != tt.body {
			t.Fatalf("%s: wanted body %s, got %s", tt.cmd, tt.body, b)
		}
	}
}

func TestListCommands(t *testing.T) {
	list := listCommands()
	if n := strings.Count(list, "\n") + 1; n != len(commands) {
		t.Fatalf("wanted %d lines, got %d", len(commands), n)
	}
	if !strings.HasPrefix(list, "  acceptmediation") {
		t.Fatalf("commands not sorted: %s", list)
	}
}
