// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/tuskeNetwork/tuskex-sub001/dex"
	"github.com/tuskeNetwork/tuskex-sub001/dex/trade"
)

const (
	showHelpMessage = "Specify -h to show available options"
	listCmdMessage  = "Specify -l to list available commands"
	requestTimeout  = 3 * time.Minute
)

var version = "0.1.0"

// request is an HTTP call to the daemon.
type request struct {
	method string
	path   string
	body   any
}

// command builds the request for a command's arguments.
type command struct {
	usage   string
	nArgs   int
	request func(args []string) (*request, error)
	// print formats a successful response. The indented JSON is printed if
	// print is nil.
	print func(b []byte) error
}

func get(path string) *request { return &request{method: http.MethodGet, path: path} }

func post(path string, body any) *request {
	return &request{method: http.MethodPost, path: path, body: body}
}

// tradePath joins the escaped trade ID into a /api/trades path.
func tradePath(id string, sub ...string) string {
	return "/api/trades/" + strings.Join(append([]string{url.PathEscape(id)}, sub...), "/")
}

// rawJSON checks a JSON argument and passes it through.
func rawJSON(arg string) (json.RawMessage, error) {
	if !json.Valid([]byte(arg)) {
		return nil, fmt.Errorf("invalid JSON argument %q", arg)
	}
	return json.RawMessage(arg), nil
}

var commands = map[string]*command{
	"node": {
		usage:   "node: this node's peer address",
		request: func([]string) (*request, error) { return get("/api/node"), nil },
	},
	"agentinfo": {
		usage:   "agentinfo: the agent description for makers' --agentinfo file",
		request: func([]string) (*request, error) { return get("/api/agentinfo"), nil },
	},
	"balances": {
		usage:   "balances: wallet balance split by reservation",
		request: func([]string) (*request, error) { return get("/api/balances"), nil },
		print:   printBalances,
	},
	"notifications": {
		usage: "notifications [n]: the n most recent stored notifications",
		request: func(args []string) (*request, error) {
			if len(args) > 0 {
				return get("/api/notifications?n=" + url.QueryEscape(args[0])), nil
			}
			return get("/api/notifications"), nil
		},
	},
	"offers": {
		usage:   "offers: open offers of this node",
		request: func([]string) (*request, error) { return get("/api/offers/"), nil },
	},
	"placeoffer": {
		usage: "placeoffer <offer form JSON>: create an offer and reserve its funds",
		nArgs: 1,
		request: func(args []string) (*request, error) {
			form, err := rawJSON(args[0])
			if err != nil {
				return nil, err
			}
			return post("/api/offers/", form), nil
		},
	},
	"canceloffer": {
		usage: "canceloffer <offer ID>: cancel an offer and release its funds",
		nArgs: 1,
		request: func(args []string) (*request, error) {
			return &request{method: http.MethodDelete, path: "/api/offers/" + url.PathEscape(args[0])}, nil
		},
	},
	"takeoffer": {
		usage: "takeoffer <offer JSON> [amount] [payment account]: take a peer's offer",
		nArgs: 1,
		request: func(args []string) (*request, error) {
			o, err := rawJSON(args[0])
			if err != nil {
				return nil, err
			}
			req := struct {
				Offer          json.RawMessage `json:"offer"`
				Amount         uint64          `json:"amount,omitempty"`
				PaymentAccount string          `json:"paymentAccount,omitempty"`
			}{Offer: o}
			if len(args) > 1 {
				if _, err := fmt.Sscanf(args[1], "%d", &req.Amount); err != nil {
					return nil, fmt.Errorf("invalid amount %q", args[1])
				}
			}
			if len(args) > 2 {
				req.PaymentAccount = args[2]
			}
			return post("/api/trades/", &req), nil
		},
		print: printTrade,
	},
	"trades": {
		usage: "trades [archived n]: active trades, or the n most recent archived trades",
		request: func(args []string) (*request, error) {
			if len(args) > 1 && args[0] == "archived" {
				return get("/api/trades/?archived=" + url.QueryEscape(args[1])), nil
			}
			return get("/api/trades/"), nil
		},
	},
	"trade": {
		usage:   "trade <trade ID>: a trade by ID",
		nArgs:   1,
		request: func(args []string) (*request, error) { return get(tradePath(args[0])), nil },
		print:   printTrade,
	},
	"paymentsent": {
		usage:   "paymentsent <trade ID>: confirm the payment was started (buyer)",
		nArgs:   1,
		request: func(args []string) (*request, error) { return post(tradePath(args[0], "paymentsent"), nil), nil },
		print:   printTrade,
	},
	"paymentreceived": {
		usage:   "paymentreceived <trade ID>: confirm the payment arrived (seller)",
		nArgs:   1,
		request: func(args []string) (*request, error) { return post(tradePath(args[0], "paymentreceived"), nil), nil },
		print:   printTrade,
	},
	"withdraw": {
		usage: "withdraw <trade ID> <address> [memo]: send the payout of a completed trade",
		nArgs: 2,
		request: func(args []string) (*request, error) {
			body := map[string]string{"address": args[1]}
			if len(args) > 2 {
				body["memo"] = args[2]
			}
			return post(tradePath(args[0], "withdraw"), body), nil
		},
	},
	"disputes": {
		usage:   "disputes <trade ID>: disputes of a trade",
		nArgs:   1,
		request: func(args []string) (*request, error) { return get(tradePath(args[0], "disputes")), nil },
	},
	"dispute": {
		usage: "dispute <trade ID> <mediation|arbitration|refund>: open a dispute",
		nArgs: 2,
		request: func(args []string) (*request, error) {
			kind, err := trade.DisputeKindFromString(args[1])
			if err != nil {
				return nil, err
			}
			return post(tradePath(args[0], "dispute"), map[string]trade.DisputeKind{"kind": kind}), nil
		},
	},
	"closedispute": {
		usage: "closedispute <trade ID> <kind> <resolution JSON>: close a dispute (agents)",
		nArgs: 3,
		request: func(args []string) (*request, error) {
			kind, err := trade.DisputeKindFromString(args[1])
			if err != nil {
				return nil, err
			}
			res, err := rawJSON(args[2])
			if err != nil {
				return nil, err
			}
			return post(tradePath(args[0], "closedispute"), map[string]any{"kind": kind, "resolution": res}), nil
		},
	},
	"chat": {
		usage: "chat <trade ID> <text>: send a trade or dispute chat message",
		nArgs: 2,
		request: func(args []string) (*request, error) {
			return post(tradePath(args[0], "chat"), map[string]string{"text": strings.Join(args[1:], " ")}), nil
		},
	},
	"acceptmediation": {
		usage:   "acceptmediation <trade ID>: accept the mediator's suggested payout",
		nArgs:   1,
		request: func(args []string) (*request, error) { return post(tradePath(args[0], "acceptmediation"), nil), nil },
		print:   printTrade,
	},
	"rejectmediation": {
		usage:   "rejectmediation <trade ID>: reject the mediation result and open arbitration",
		nArgs:   1,
		request: func(args []string) (*request, error) { return post(tradePath(args[0], "rejectmediation"), nil), nil },
	},
}

func listCommands() string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	var sb strings.Builder
	for _, name := range names {
		sb.WriteString("  " + commands[name].usage + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, args, stop, err := configure()
	if err != nil {
		return fmt.Errorf("unable to configure: %v\n%s", err, showHelpMessage)
	}
	if stop {
		return nil
	}
	color.NoColor = color.NoColor || cfg.NoColor

	if len(args) < 1 {
		return fmt.Errorf("no command specified\n%s", listCmdMessage)
	}
	cmd, found := commands[args[0]]
	if !found {
		return fmt.Errorf("unrecognized command %q\n%s", args[0], listCmdMessage)
	}

	// Support using '-' as an argument to allow the argument to be read
	// from a stdin pipe.
	params, err := readParams(args[1:], bufio.NewReader(os.Stdin))
	if err != nil {
		return err
	}
	if len(params) < cmd.nArgs {
		return fmt.Errorf("usage: %s", cmd.usage)
	}

	req, err := cmd.request(params)
	if err != nil {
		return err
	}
	b, err := send(cfg, req)
	if err != nil {
		return err
	}
	if cfg.PrintJSON || cmd.print == nil {
		return printJSON(b)
	}
	return cmd.print(b)
}

func readParams(args []string, bio *bufio.Reader) ([]string, error) {
	params := make([]string, 0, len(args))
	for _, arg := range args {
		if arg != "-" {
			params = append(params, arg)
			continue
		}
		param, err := bio.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("failed to read data from stdin: %v", err)
		}
		if err == io.EOF && len(param) == 0 {
			return nil, errors.New("not enough lines provided on stdin")
		}
		params = append(params, strings.TrimRight(param, "\r\n"))
	}
	return params, nil
}

// httpClient creates a client that trusts the daemon's certificate, if it
// has one.
func httpClient(cfg *config) (*http.Client, string, error) {
	client := &http.Client{Timeout: requestTimeout}
	if !fileExists(cfg.RPCCert) {
		return client, "http://" + cfg.RPCAddr, nil
	}
	pem, err := os.ReadFile(cfg.RPCCert)
	if err != nil {
		return nil, "", err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, "", fmt.Errorf("invalid certificate file: %v", cfg.RPCCert)
	}
	client.Transport = &http.Transport{
		TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
	}
	return client, "https://" + cfg.RPCAddr, nil
}

func send(cfg *config, req *request) ([]byte, error) {
	client, base, err := httpClient(cfg)
	if err != nil {
		return nil, err
	}
	var body io.Reader
	if req.body != nil {
		b, err := json.Marshal(req.body)
		if err != nil {
			return nil, fmt.Errorf("unable to marshal request: %v", err)
		}
		body = bytes.NewReader(b)
	}
	httpReq, err := http.NewRequest(req.method, base+req.path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if cfg.RPCUser != "" || cfg.RPCPass != "" {
		httpReq.SetBasicAuth(cfg.RPCUser, cfg.RPCPass)
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %v", err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(b, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("%s (code %d): %s", color.RedString(resp.Status), apiErr.Code, apiErr.Message)
		}
		return nil, fmt.Errorf("%s: %s", color.RedString(resp.Status), strings.TrimSpace(string(b)))
	}
	return b, nil
}

func printJSON(b []byte) error {
	var dst bytes.Buffer
	if err := json.Indent(&dst, b, "", "  "); err != nil {
		return fmt.Errorf("failed to format result: %v", err)
	}
	fmt.Println(strings.TrimSpace(dst.String()))
	return nil
}

// phaseColor picks a color for the trade phase.
func phaseColor(t *trade.Trade) *color.Color {
	switch {
	case t.DisputeState != trade.NoDispute:
		return color.New(color.FgMagenta, color.Bold)
	case t.Phase == trade.PhaseCompleted:
		return color.New(color.FgGreen, color.Bold)
	case t.Stalled || t.ErrorMessage != "":
		return color.New(color.FgRed)
	case t.Phase >= trade.PhasePaymentSent:
		return color.New(color.FgCyan)
	}
	return color.New(color.FgYellow)
}

func printTrade(b []byte) error {
	t := new(trade.Trade)
	if err := json.Unmarshal(b, t); err != nil {
		return printJSON(b)
	}
	c := phaseColor(t)
	fmt.Printf("%s %s\n", color.New(color.Bold).Sprint("trade"), t.ID)
	fmt.Printf("  role:     %s\n", t.Role)
	fmt.Printf("  amount:   %s\n", dex.FormatAtoms(t.Amount))
	fmt.Printf("  phase:    %s\n", c.Sprint(t.Phase))
	fmt.Printf("  state:    %s\n", t.State)
	if t.DisputeState != trade.NoDispute {
		fmt.Printf("  dispute:  %s\n", c.Sprint(t.DisputeState))
	}
	if t.PayoutTxHash != "" {
		fmt.Printf("  payout:   %s\n", t.PayoutTxHash)
	}
	if t.Stalled {
		fmt.Printf("  %s\n", color.RedString("stalled: the peer has not answered in time"))
	}
	if t.ErrorMessage != "" {
		fmt.Printf("  error:    %s\n", color.RedString(t.ErrorMessage))
	}
	return nil
}

func printBalances(b []byte) error {
	var bal struct {
		Balance       uint64 `json:"balance"`
		Available     uint64 `json:"available"`
		Pending       uint64 `json:"pending"`
		ReservedOffer uint64 `json:"reservedOffer"`
		ReservedTrade uint64 `json:"reservedTrade"`
		Reserved      uint64 `json:"reserved"`
	}
	if err := json.Unmarshal(b, &bal); err != nil {
		return printJSON(b)
	}
	fmt.Printf("balance:         %s\n", dex.FormatAtoms(bal.Balance))
	fmt.Printf("available:       %s\n", color.GreenString(dex.FormatAtoms(bal.Available)))
	fmt.Printf("pending:         %s\n", color.YellowString(dex.FormatAtoms(bal.Pending)))
	fmt.Printf("reserved offers: %s\n", dex.FormatAtoms(bal.ReservedOffer))
	fmt.Printf("reserved trades: %s\n", dex.FormatAtoms(bal.ReservedTrade))
	return nil
}
