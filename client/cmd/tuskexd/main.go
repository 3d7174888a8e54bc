// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/tuskeNetwork/tuskex-sub001/client/app"
	"github.com/tuskeNetwork/tuskex-sub001/client/asset"
	"github.com/tuskeNetwork/tuskex-sub001/client/asset/sim"
	"github.com/tuskeNetwork/tuskex-sub001/client/comms"
	"github.com/tuskeNetwork/tuskex-sub001/client/core"
	"github.com/tuskeNetwork/tuskex-sub001/client/db/bolt"
	"github.com/tuskeNetwork/tuskex-sub001/client/rpcserver"
	"github.com/tuskeNetwork/tuskex-sub001/dex"
	"golang.org/x/sync/errgroup"
)

const appName = "tuskexd"

// simBlockTime is the block interval of the in-process chain of sim wallets.
const simBlockTime = 10 * time.Second

var log dex.Logger

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func configure() (*app.Config, error) {
	cfg := app.DefaultConfig
	if err := app.ParseCLIConfig(&cfg); err != nil {
		return nil, err
	}
	if cfg.ShowVer {
		return &cfg, nil
	}
	appData, configPath := app.ResolveCLIConfigPaths(&cfg)
	if err := app.ParseFileConfig(configPath, &cfg); err != nil {
		return nil, err
	}
	if err := app.ResolveConfig(appData, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func run() error {
	cfg, err := configure()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if cfg.ShowVer {
		fmt.Printf("%s version %s (Go version %s %s/%s)\n", appName, app.Version, runtime.Version(),
			runtime.GOOS, runtime.GOARCH)
		return nil
	}

	utc := !cfg.LocalLogs
	logMaker, closeLogger, err := app.InitLogging(cfg.LogPath, cfg.DebugLevel, cfg.LogStdout, utc)
	if err != nil {
		return err
	}
	defer closeLogger()
	core.UseLoggerMaker(logMaker)
	log = logMaker.Logger("TUSK")
	log.Infof("%s version %v (Go version %s)", appName, app.Version, runtime.Version())
	if utc {
		log.Infof("Logging with UTC time stamps. Current local time is %v",
			time.Now().Local().Format("15:04:05 MST"))
	}
	log.Infof("%s starting for network: %s", appName, cfg.Net)

	defer func() {
		if pv := recover(); pv != nil {
			log.Criticalf("Uh-oh! \n\nPanic:\n\n%v\n\nStack:\n\n%v\n\n",
				pv, string(debug.Stack()))
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	boltDB, err := bolt.NewDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("error opening database %s: %w", cfg.DBPath, err)
	}

	wallet, err := asset.OpenWallet(cfg.Wallet(boltDB), logMaker.Logger("WLLT"), cfg.Net)
	if err != nil {
		boltDB.Close()
		return fmt.Errorf("error opening %s wallet: %w", cfg.WalletType, err)
	}

	g, gctx := errgroup.WithContext(ctx)

	var mailbox *comms.MailboxStore
	if cfg.HostsMailboxes() {
		kv, err := comms.NewFileDB(cfg.MailboxDir, app.BadgerLogger(logMaker))
		if err != nil {
			boltDB.Close()
			return fmt.Errorf("error opening mailbox database: %w", err)
		}
		g.Go(func() error {
			kv.Run(gctx)
			return nil
		})
		mailbox = comms.NewMailboxStore(kv, cfg.MailboxTTL)
		log.Infof("Holding mailboxes in %s", cfg.MailboxDir)
	}

	transport, err := comms.NewWSTransport(cfg.Transport(mailbox))
	if err != nil {
		cancel()
		g.Wait()
		boltDB.Close()
		return fmt.Errorf("transport error: %w", err)
	}

	coreCfg, err := cfg.Core(logMaker.Logger("CORE"))
	if err != nil {
		cancel()
		g.Wait()
		boltDB.Close()
		return err
	}
	coreCfg.DB = boltDB
	coreCfg.Wallet = wallet
	coreCfg.Transport = transport
	clientCore, err := core.New(coreCfg)
	if err != nil {
		cancel()
		g.Wait()
		boltDB.Close()
		return fmt.Errorf("error creating client core: %w", err)
	}

	// Core owns the database from here on and closes it on shutdown.
	coreWG, err := clientCore.Connect(gctx)
	if err != nil {
		cancel()
		g.Wait()
		return fmt.Errorf("error starting core: %w", err)
	}
	g.Go(func() error {
		coreWG.Wait()
		return nil
	})

	if w, is := wallet.(*sim.Wallet); is {
		g.Go(func() error {
			mineSimChain(gctx, w.Chain())
			return nil
		})
	}

	rpcSrv, err := rpcserver.New(cfg.RPC(clientCore, logMaker.Logger("RPC")))
	if err != nil {
		cancel()
		g.Wait()
		return fmt.Errorf("failed to create rpc server: %w", err)
	}
	g.Go(func() error {
		rpcSrv.Run(gctx)
		if gctx.Err() == nil {
			return errors.New("rpc server stopped")
		}
		return nil
	})

	err = g.Wait()
	log.Infof("Exiting %s.", appName)
	return err
}

// mineSimChain advances the in-process chain so sim wallet deposits and
// payouts confirm.
func mineSimChain(ctx context.Context, chain *sim.Chain) {
	ticker := time.NewTicker(simBlockTime)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			chain.Mine(1)
		case <-ctx.Done():
			return
		}
	}
}
