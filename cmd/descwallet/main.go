// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Command descwallet runs a descriptor wallet against a chain backend. With
// no descriptor configured it opens the watch-only 2-of-3 escrow wallet of
// three fixed participant keys.
//
// Every run prints the next unused receive address, brings the wallet up to
// date and prints its balance. A new wallet is restored with a stop-gap full
// scan, an existing one with a quick sync of its revealed scripts. When the
// spendable balance covers the send amount, a PSBT paying that amount to the
// wallet's own address is created and signed with the available keys. A
// fully signed PSBT is finalized and broadcast, any other is printed in
// base64 for the remaining signers.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/chain"
	"github.com/btcsuite/descwallet/internal/secrets"
	"github.com/btcsuite/descwallet/keychain"
	"github.com/btcsuite/descwallet/ledger"
	"github.com/btcsuite/descwallet/signer"
	"github.com/btcsuite/descwallet/store/kvstore"
	"github.com/btcsuite/descwallet/store/sqlstore"
	"github.com/btcsuite/descwallet/txbuilder"
	"github.com/btcsuite/descwallet/wallet"
	flags "github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/ticker"
)

// walletStore is a change-set persister owning a database handle.
type walletStore interface {
	ledger.Persister

	Close() error
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		// The flags parser already printed its own errors.
		var flagsErr *flags.Error
		isFlagsErr := errors.As(err, &flagsErr)
		switch {
		case isFlagsErr && flagsErr.Type == flags.ErrHelp:
			return

		case !isFlagsErr:
			fmt.Fprintln(os.Stderr, err)
		}

		os.Exit(1)
	}
}

// run is the real main function. It is separate so deferred cleanup runs
// before the process exits.
func run(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		return nil
	}

	logFile := filepath.Join(
		cfg.LogDir, cfg.params.Name, defaultLogFilename,
	)
	err = initLogRotator(logFile, cfg.MaxLogFileSize, cfg.MaxLogFiles)
	if err != nil {
		return err
	}
	defer logRotator.Close()

	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer cancel()

	descs, err := cfg.descriptors(readSecrets)
	if err != nil {
		return fmt.Errorf("unable to read descriptors: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("unable to open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Errorf("Unable to close store: %v", err)
		}
	}()

	src, stopSource, err := newSource(cfg)
	if err != nil {
		return fmt.Errorf("unable to create chain source: %w", err)
	}
	defer stopSource()

	walletCfg := wallet.Config{
		Net:        cfg.params,
		External:   descs[keychain.External],
		Internal:   descs[keychain.Internal],
		Persister:  store,
		Source:     src,
		StopGap:    cfg.StopGap,
		BatchSize:  cfg.BatchSize,
		Lookahead:  cfg.Lookahead,
		SyncTicker: ticker.New(cfg.SyncInterval),
	}

	w, created, err := openWallet(ctx, walletCfg)
	if err != nil {
		return err
	}

	addr, err := w.NextUnusedAddress(ctx, keychain.External)
	if err != nil {
		return fmt.Errorf("unable to get address: %w", err)
	}
	fmt.Printf("Next unused address: %v (index %d)\n", addr.Address,
		addr.Index)

	if created {
		log.Infof("Restoring wallet with stop gap %d and batch size %d",
			cfg.StopGap, cfg.BatchSize)
		err = w.FullScan(ctx)
	} else {
		log.Infof("Syncing wallet from height %d", w.Tip().Height)
		err = w.Sync(ctx)
	}
	if err != nil {
		return fmt.Errorf("unable to sync wallet: %w", err)
	}

	balance := w.Balance()
	printBalance(balance)

	if !cfg.NoSend {
		err := sendToSelf(ctx, cfg, w, &addr, balance.Spendable())
		if err != nil {
			return err
		}
	}

	if cfg.Watch {
		return watch(ctx, w)
	}

	return nil
}

// readSecrets opens a sealed secrets file with a passphrase read from the
// terminal.
func readSecrets(path string) ([]byte, error) {
	pass, err := secrets.ReadPassphrase("Secrets passphrase: ")
	if err != nil {
		return nil, err
	}
	if len(pass) == 0 {
		return nil, errNoPassphrase
	}

	return secrets.ReadFile(path, pass)
}

// openStore opens the configured store, creating the network's data
// directory when needed.
func openStore(cfg *config) (walletStore, error) {
	netDir := filepath.Join(cfg.DataDir, cfg.params.Name)

	switch cfg.Store {
	case storePostgres:
		return sqlstore.Open(sqlstore.DialectPostgres, cfg.PostgresDSN)

	case storeSQLite:
		if err := os.MkdirAll(netDir, 0700); err != nil {
			return nil, err
		}

		dsn := sqlstore.SQLiteDSN(filepath.Join(netDir, sqliteDBName))

		return sqlstore.Open(sqlstore.DialectSQLite, dsn)

	default:
		if err := os.MkdirAll(netDir, 0700); err != nil {
			return nil, err
		}

		return kvstore.Open(filepath.Join(netDir, boltDBName), 0)
	}
}

// newSource creates the configured chain backend. The returned function
// releases it.
func newSource(cfg *config) (chain.Source, func(), error) {
	switch cfg.Backend {
	case backendBitcoind:
		b, err := chain.NewBitcoind(chain.BitcoindConfig{
			Host:         cfg.BitcoindHost,
			User:         cfg.BitcoindUser,
			Pass:         cfg.BitcoindPass,
			ZMQBlockHost: cfg.BitcoindZMQ,
		})
		if err != nil {
			return nil, nil, err
		}

		if err := b.Start(); err != nil {
			b.Stop()
			return nil, nil, err
		}

		return b, b.Stop, nil

	default:
		e, err := chain.NewEsplora(chain.EsploraConfig{
			URL:   cfg.EsploraURL,
			Proxy: cfg.EsploraProxy,
		})
		if err != nil {
			return nil, nil, err
		}

		return e, func() {}, nil
	}
}

// openWallet loads the wallet of the store, creating it on first use. It
// reports whether the wallet was created.
func openWallet(ctx context.Context, cfg wallet.Config) (*wallet.Wallet,
	bool, error) {

	w, err := wallet.Load(ctx, cfg)
	switch {
	case err == nil:
		log.Infof("Opened wallet with tip %v", w.Tip())
		return w, false, nil

	case !errors.Is(err, wallet.ErrWalletNotFound):
		return nil, false, fmt.Errorf("unable to load wallet: %w", err)
	}

	w, err = wallet.Create(ctx, cfg)
	if err != nil {
		return nil, false, fmt.Errorf("unable to create wallet: %w",
			err)
	}
	log.Infof("Created wallet on %v", cfg.Net.Name)

	return w, true, nil
}

// printBalance writes the balance categories to stdout.
func printBalance(b ledger.Balance) {
	fmt.Printf("Wallet balance: %v\n", b.Total())
	fmt.Printf("  confirmed:         %v\n", b.Confirmed)
	fmt.Printf("  trusted pending:   %v\n", b.TrustedPending)
	fmt.Printf("  untrusted pending: %v\n", b.UntrustedPending)
	fmt.Printf("  immature:          %v\n", b.Immature)
}

// sendToSelf pays the configured amount to the wallet's own address when
// the spendable balance covers it. The PSBT is signed with the wallet's
// keys, and broadcast once every input is complete.
func sendToSelf(ctx context.Context, cfg *config, w *wallet.Wallet,
	dest *wallet.AddressInfo, spendable btcutil.Amount) error {

	amount := btcutil.Amount(cfg.SendAmount)
	if spendable < amount {
		fmt.Printf("Please send at least %v to the receiving address\n",
			amount)
		return nil
	}

	out := wire.NewTxOut(cfg.SendAmount, dest.PkScript)
	packet, err := w.CreatePsbt(ctx, &wallet.TxIntent{
		Outputs:    []*wire.TxOut{out},
		FeeRate:    cfg.feeRate(),
		ConfTarget: cfg.ConfTarget,
	})
	switch {
	case errors.Is(err, txbuilder.ErrInsufficientFunds):
		fmt.Printf("Insufficient funds to send %v plus fees\n", amount)
		return nil

	case err != nil:
		return fmt.Errorf("unable to create psbt: %w", err)
	}

	complete, err := w.SignPsbt(packet, nil)
	switch {
	case errors.Is(err, signer.ErrNoPrivateKeys):
		log.Infof("Watch-only wallet, leaving the psbt unsigned")

	case err != nil:
		return fmt.Errorf("unable to sign psbt: %w", err)
	}

	if !complete {
		encoded, err := packet.B64Encode()
		if err != nil {
			return err
		}
		fmt.Printf("Partially signed transaction:\n%s\n", encoded)

		return nil
	}

	tx, err := w.FinalizePsbt(packet)
	if err != nil {
		return fmt.Errorf("unable to finalize psbt: %w", err)
	}

	if err := w.Broadcast(ctx, tx); err != nil {
		return fmt.Errorf("unable to broadcast: %w", err)
	}
	fmt.Printf("Broadcast transaction %v\n", tx.TxHash())

	return nil
}

// watch keeps the wallet syncing in the background until the process is
// interrupted.
func watch(ctx context.Context, w *wallet.Wallet) error {
	if err := w.Start(ctx); err != nil {
		return err
	}

	log.Infof("Watching the chain, press ctrl-c to exit")
	<-ctx.Done()

	return w.Stop(context.Background())
}
