// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package app

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/tuskeNetwork/tuskex-sub001/client/asset"
	"github.com/tuskeNetwork/tuskex-sub001/client/comms"
	"github.com/tuskeNetwork/tuskex-sub001/client/core"
	"github.com/tuskeNetwork/tuskex-sub001/client/rpcserver"
	"github.com/tuskeNetwork/tuskex-sub001/dex"
)

const (
	defaultRPCCertFile = "rpc.cert"
	defaultRPCKeyFile  = "rpc.key"
	defaultMainnetHost = "127.0.0.1"
	defaultStageHost   = "127.0.0.2"
	defaultLocalHost   = "127.0.0.3"
	defaultRPCPort     = "6767"
	defaultPeerPort    = "6768"
	defaultLogLevel    = "debug"
	defaultMailboxTTL  = 14 * 24 * time.Hour
	configFilename     = "tuskexd.conf"
	agentKeysFilename  = "agents.conf"
)

var (
	defaultApplicationDirectory = dex.AppDataDir("tuskexd")
	defaultConfigPath           = filepath.Join(defaultApplicationDirectory, configFilename)
)

// RPCConfig encapsulates the configuration needed for the RPC server.
type RPCConfig struct {
	RPCAddr string `long:"rpcaddr" description:"RPC server listen address"`
	RPCUser string `long:"rpcuser" description:"RPC server user name"`
	RPCPass string `long:"rpcpass" description:"RPC server password"`
	RPCCert string `long:"rpccert" description:"RPC server certificate file location. TLS is used if the certificate and key exist."`
	RPCKey  string `long:"rpckey" description:"RPC server key file location"`
}

// RPC creates a rpc server configuration.
func (cfg *RPCConfig) RPC(c *core.Core, log dex.Logger) *rpcserver.Config {
	rpcserver.SetLogger(log)
	return &rpcserver.Config{
		Core:    c,
		Addr:    cfg.RPCAddr,
		User:    cfg.RPCUser,
		Pass:    cfg.RPCPass,
		Cert:    cfg.RPCCert,
		Key:     cfg.RPCKey,
		Metrics: c.MetricsRegistry(),
	}
}

// PeerConfig encapsulates the settings of the peer transport.
type PeerConfig struct {
	NodeAddr    string        `long:"nodeaddr" description:"Public host:port of this node's peer endpoint."`
	PeerListen  string        `long:"peerlisten" description:"Local listen address of the peer endpoint. Defaults to nodeaddr."`
	MailboxNode string        `long:"mailboxnode" description:"Node that holds mailboxes for offline peers. Defaults to this node."`
	MailboxDir  string        `long:"mailboxdir" description:"Directory of the mailbox database, if this node holds mailboxes."`
	MailboxTTL  time.Duration `long:"mailboxttl" description:"How long undelivered mailbox messages are kept."`
	SendTimeout time.Duration `long:"sendtimeout" description:"Deadline of a direct delivery before the message is left in the mailbox."`
	MailboxPoll time.Duration `long:"mailboxpoll" description:"Mailbox fetch interval."`
}

// WalletConfig selects the wallet backend.
type WalletConfig struct {
	WalletType     string            `long:"wallettype" description:"Registered wallet type."`
	WalletSettings map[string]string `long:"walletopt" description:"Wallet setting as key:value. May be repeated."`
}

// CoreConfig encapsulates the settings specific to core.Core.
type CoreConfig struct {
	DBPath string `long:"db" description:"Database filepath. Database will be created if it does not exist."`
	// Net is a derivative field set by ResolveConfig.
	Net dex.Network

	AgentMode     bool   `long:"agent" description:"Run as a dispute agent."`
	AgentInfoFile string `long:"agentinfo" description:"JSON file describing the dispute agent assigned to this node's offers, as served by the agent's /api/agentinfo."`
	AgentKeysFile string `long:"agentkeys" description:"INI file of additional allowed agent keys."`

	MaxAttempts     int           `long:"maxattempts" description:"Wallet attempts of a reservation or trade step."`
	ReprocessDelay  time.Duration `long:"reprocessdelay" description:"Pause between wallet attempts."`
	ProtocolTimeout time.Duration `long:"protocoltimeout" description:"Time a trade may wait on its peer before it is reported stalled."`
	Confirmations   uint32        `long:"confirmations" description:"Deposit and payout confirmations. Network default if zero."`

	BannedNodes          []string `long:"bannode" description:"Node address whose offers are ignored. May be repeated."`
	BannedPaymentMethods []string `long:"banpaymentmethod" description:"Payment method whose offers are ignored. May be repeated."`
	BannedCurrencies     []string `long:"bancurrency" description:"Currency whose offers are ignored. May be repeated."`
}

// LogConfig encapsulates the logging-related settings.
type LogConfig struct {
	LogPath    string `long:"logpath" description:"A file to save app logs"`
	DebugLevel string `long:"log" description:"Logging level {trace, debug, info, warn, error, critical}, optionally followed by SUBSYS=level pairs."`
	LocalLogs  bool   `long:"loglocal" description:"Use local time zone time stamps in log entries."`
	LogStdout  bool   `long:"logstdout" description:"Also write logs to stdout."`
}

// Config is the application configuration of the daemon.
type Config struct {
	CoreConfig
	RPCConfig
	PeerConfig
	WalletConfig
	LogConfig
	// AppData and ConfigPath should be parsed from the command-line,
	// as it makes no sense to set these in the config file itself. If no values
	// are assigned, defaults will be used.
	AppData    string `long:"appdata" description:"Path to application directory."`
	ConfigPath string `long:"config" description:"Path to an INI configuration file."`
	// Stagenet and Local are used to set the derivative CoreConfig.Net
	// dex.Network field.
	Stagenet bool `long:"stagenet" description:"use stagenet"`
	Local    bool `long:"local" description:"use the local network"`
	ShowVer  bool `short:"V" long:"version" description:"Display version information and exit"`
}

// Core creates a core.Core configuration. The database, wallet and
// transport are opened by the caller.
func (cfg *Config) Core(log dex.Logger) (*core.Config, error) {
	c := &core.Config{
		Addr:            dex.NodeAddress(cfg.NodeAddr),
		Net:             cfg.Net,
		Logger:          log,
		AgentMode:       cfg.AgentMode,
		MaxAttempts:     cfg.MaxAttempts,
		ReprocessDelay:  cfg.ReprocessDelay,
		ProtocolTimeout: cfg.ProtocolTimeout,
		Confirmations:   cfg.Confirmations,
		SendTimeout:     cfg.SendTimeout,
		MailboxPoll:     cfg.MailboxPoll,
		Filter: core.Filter{
			BannedNodes:          cfg.BannedNodes,
			BannedPaymentMethods: cfg.BannedPaymentMethods,
			BannedCurrencies:     cfg.BannedCurrencies,
		},
	}
	if cfg.AgentInfoFile != "" {
		b, err := os.ReadFile(cfg.AgentInfoFile)
		if err != nil {
			return nil, fmt.Errorf("error reading agent info: %w", err)
		}
		c.Agent = new(core.AgentInfo)
		if err := json.Unmarshal(b, c.Agent); err != nil {
			return nil, fmt.Errorf("error parsing agent info %s: %w", cfg.AgentInfoFile, err)
		}
	}
	if fileExists(cfg.AgentKeysFile) {
		tbl, err := core.LoadAgentKeyTable(cfg.Net, cfg.AgentKeysFile)
		if err != nil {
			return nil, err
		}
		c.AgentKeys = tbl
	}
	return c, nil
}

// Wallet creates the wallet configuration.
func (cfg *Config) Wallet(store asset.AddressStore) *asset.WalletConfig {
	return &asset.WalletConfig{
		Type:         cfg.WalletType,
		Settings:     cfg.WalletSettings,
		DataDir:      filepath.Join(filepath.Dir(cfg.DBPath), "wallet"),
		AddressStore: store,
	}
}

// Transport creates the websocket transport configuration. If this node
// holds mailboxes, mailbox must be non-nil.
func (cfg *Config) Transport(mailbox *comms.MailboxStore) *comms.WSConfig {
	return &comms.WSConfig{
		Addr:        dex.NodeAddress(cfg.NodeAddr),
		Listen:      cfg.PeerListen,
		MailboxNode: dex.NodeAddress(cfg.MailboxNode),
		Mailbox:     mailbox,
	}
}

// HostsMailboxes is true if this node holds the mailboxes.
func (cfg *Config) HostsMailboxes() bool {
	return cfg.MailboxNode == cfg.NodeAddr
}

var DefaultConfig = Config{
	AppData:      defaultApplicationDirectory,
	ConfigPath:   defaultConfigPath,
	LogConfig:    LogConfig{DebugLevel: defaultLogLevel},
	WalletConfig: WalletConfig{WalletType: "sim"},
	PeerConfig:   PeerConfig{MailboxTTL: defaultMailboxTTL},
}

func fileExists(name string) bool {
	if name == "" {
		return false
	}
	_, err := os.Stat(name)
	return err == nil
}

// ParseCLIConfig parses the command-line arguments into the provided struct
// with go-flags tags. If the --help flag has been passed, the struct is
// described back to the terminal and the program exits using os.Exit.
func ParseCLIConfig(cfg any) error {
	preParser := flags.NewParser(cfg, flags.HelpFlag|flags.PassDoubleDash)
	_, flagerr := preParser.Parse()

	if flagerr != nil {
		e, ok := flagerr.(*flags.Error)
		if !ok || e.Type != flags.ErrHelp {
			preParser.WriteHelp(os.Stderr)
		}
		if ok && e.Type == flags.ErrHelp {
			preParser.WriteHelp(os.Stdout)
			os.Exit(0)
		}
		return flagerr
	}
	return nil
}

// ResolveCLIConfigPaths resolves the app data directory path and the
// configuration file path from the CLI config, (presumably parsed with
// ParseCLIConfig).
func ResolveCLIConfigPaths(cfg *Config) (appData, configPath string) {
	// If the app directory has been changed, replace shortcut chars such
	// as "~" with the full path.
	if cfg.AppData != defaultApplicationDirectory {
		cfg.AppData = dex.CleanAndExpandPath(cfg.AppData)
		// If the app directory has been changed, but the config file path hasn't,
		// reform the config file path with the new directory.
		if cfg.ConfigPath == defaultConfigPath {
			cfg.ConfigPath = filepath.Join(cfg.AppData, configFilename)
		}
	}
	cfg.ConfigPath = dex.CleanAndExpandPath(cfg.ConfigPath)
	return cfg.AppData, cfg.ConfigPath
}

// ParseFileConfig parses the INI file into the provided struct with go-flags
// tags. The CLI args are then parsed, and take precedence over the file values.
func ParseFileConfig(path string, cfg any) error {
	parser := flags.NewParser(cfg, flags.Default)
	err := flags.NewIniParser(parser).ParseFile(path)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return err
		}
		// Missing file is not an error.
	}

	// Parse command line options again to ensure they take precedence.
	_, err = parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return err
	}
	return nil
}

// ResolveConfig sets derivative fields of the Config struct using the specified
// app data directory (presumably returned from ResolveCLIConfigPaths). Some
// unset values are given defaults.
func ResolveConfig(appData string, cfg *Config) error {
	if cfg.Local && cfg.Stagenet {
		return fmt.Errorf("local and stagenet cannot both be specified")
	}

	cfg.AppData = appData

	switch {
	case cfg.Stagenet:
		cfg.Net = dex.Stagenet
	case cfg.Local:
		cfg.Net = dex.Local
	default:
		cfg.Net = dex.Mainnet
	}
	paths, err := netPaths(appData, cfg.Net)
	if err != nil {
		return err
	}
	defaultHost := DefaultHostByNetwork(cfg.Net)

	if cfg.RPCAddr == "" {
		cfg.RPCAddr = net.JoinHostPort(defaultHost, defaultRPCPort)
	}
	if cfg.NodeAddr == "" {
		cfg.NodeAddr = net.JoinHostPort(defaultHost, defaultPeerPort)
	}
	if cfg.MailboxNode == "" {
		cfg.MailboxNode = cfg.NodeAddr
	}
	if cfg.RPCCert == "" {
		cfg.RPCCert = filepath.Join(appData, defaultRPCCertFile)
	}
	if cfg.RPCKey == "" {
		cfg.RPCKey = filepath.Join(appData, defaultRPCKeyFile)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = paths.db
	}
	if cfg.MailboxDir == "" {
		cfg.MailboxDir = paths.mailbox
	}
	if cfg.LogPath == "" {
		cfg.LogPath = paths.log
	}
	if cfg.AgentKeysFile == "" {
		cfg.AgentKeysFile = filepath.Join(appData, agentKeysFilename)
	}
	if cfg.WalletType == "" {
		return fmt.Errorf("no wallet type. registered types: %v", asset.WalletTypes())
	}
	return nil
}

type networkPaths struct {
	db, mailbox, log string
}

// netPaths creates the network directory and returns the default paths of
// the database, mailbox database and log file within it.
func netPaths(applicationDirectory string, net dex.Network) (*networkPaths, error) {
	netDirectory := filepath.Join(applicationDirectory, net.String())
	logDirectory := filepath.Join(netDirectory, "logs")
	if err := os.MkdirAll(logDirectory, 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &networkPaths{
		db:      filepath.Join(netDirectory, "tuskex.db"),
		mailbox: filepath.Join(netDirectory, "mailbox"),
		log:     filepath.Join(logDirectory, "tuskexd.log"),
	}, nil
}

// DefaultHostByNetwork accepts configured network and returns the network
// specific default host
func DefaultHostByNetwork(network dex.Network) string {
	switch network {
	case dex.Stagenet:
		return defaultStageHost
	case dex.Local:
		return defaultLocalHost
	default:
		return defaultMainnetHost
	}
}
