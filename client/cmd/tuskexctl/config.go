// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	flags "github.com/jessevdk/go-flags"
	"github.com/tuskeNetwork/tuskex-sub001/dex"
)

const (
	defaultRPCAddr        = "127.0.0.1:6767"
	defaultConfigFilename = "tuskexctl.conf"
	defaultRPCCertFile    = "rpc.cert"
)

var (
	appDir            = dex.AppDataDir("tuskexctl")
	daemonAppDir      = dex.AppDataDir("tuskexd")
	defaultConfigPath = filepath.Join(appDir, defaultConfigFilename)
)

// config defines the configuration options for tuskexctl.
type config struct {
	ShowVersion  bool   `short:"V" long:"version" description:"Display version information and exit"`
	ListCommands bool   `short:"l" long:"listcommands" description:"List all of the supported commands and exit"`
	Config       string `short:"C" long:"config" description:"Path to configuration file"`
	RPCUser      string `short:"u" long:"rpcuser" description:"RPC username"`
	RPCPass      string `short:"P" long:"rpcpass" default-mask:"-" description:"RPC password"`
	RPCAddr      string `short:"a" long:"rpcaddr" description:"RPC server to connect to"`
	RPCCert      string `short:"c" long:"rpccert" description:"RPC server certificate. HTTPS is used if the file exists."`
	PrintJSON    bool   `short:"j" long:"json" description:"Print the raw JSON response"`
	NoColor      bool   `long:"nocolor" description:"Disable colored output"`
}

func fileExists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

// configure parses command line options and a config file if present. Returns
// an instantiated *config, leftover command line arguments, and a bool that
// is true if there is nothing further to do (i.e. version was printed and we
// can exit), or a parsing error, in that order.
func configure() (*config, []string, bool, error) {
	stop := true
	cfg := &config{
		Config: defaultConfigPath,
	}
	preParser := flags.NewParser(cfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			// This line is printed below the help message.
			fmt.Printf("%v\nThe special parameter `-` indicates that a parameter should be read from the\nnext unread line from standard input.\n", err)
			return nil, nil, stop, nil
		}
		return nil, nil, false, err
	}

	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	if cfg.ShowVersion {
		fmt.Printf("%s version %s (Go version %s %s/%s)\n", appName,
			version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		return nil, nil, stop, nil
	}

	if cfg.ListCommands {
		fmt.Println(listCommands())
		return nil, nil, stop, nil
	}

	parser := flags.NewParser(cfg, flags.Default)

	if fileExists(cfg.Config) {
		err = flags.NewIniParser(parser).ParseFile(cfg.Config)
		if err != nil {
			return nil, nil, false, err
		}
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		return nil, nil, false, err
	}

	if cfg.RPCCert == "" {
		// Check in ~/.tuskexctl first.
		cfg.RPCCert = filepath.Join(appDir, defaultRPCCertFile)
		if !fileExists(cfg.RPCCert) {
			cfg.RPCCert = filepath.Join(daemonAppDir, defaultRPCCertFile)
		}
	} else {
		cfg.RPCCert = dex.CleanAndExpandPath(cfg.RPCCert)
	}

	if cfg.RPCAddr == "" {
		cfg.RPCAddr = defaultRPCAddr
	}

	return cfg, remainingArgs, false, nil
}
