// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wallet ties descriptors, the keychain, the ledger and a chain
// source together into a descriptor wallet.
//
// A wallet is created once with Create, which records the network and the
// public descriptors, and reopened with Load, which refuses descriptors or a
// network that differ from the recorded ones. Chain data enters through
// FullScan, Sync or the auto-sync loop run between Start and Stop.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/chain"
	"github.com/btcsuite/descwallet/descriptor"
	"github.com/btcsuite/descwallet/keychain"
	"github.com/btcsuite/descwallet/ledger"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultLookahead is the number of scripts derived past the last
	// revealed index of each keychain.
	DefaultLookahead = 25

	// DefaultSyncInterval is the period of the auto-sync loop.
	DefaultSyncInterval = 5 * time.Minute
)

var (
	// ErrDescriptorMismatch is returned by Load when a provided descriptor
	// differs from the one the wallet was created with.
	ErrDescriptorMismatch = errors.New("descriptor does not match stored " +
		"wallet")

	// ErrNetworkMismatch is returned by Load when the configured network
	// differs from the one the wallet was created on.
	ErrNetworkMismatch = errors.New("network does not match stored wallet")

	// ErrWalletExists is returned by Create for a store that already
	// holds a wallet.
	ErrWalletExists = errors.New("wallet already exists")

	// ErrWalletNotFound is returned by Load for an empty store.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrMissingDescriptor is returned when no external descriptor is
	// provided or stored.
	ErrMissingDescriptor = errors.New("missing external descriptor")

	// ErrNoSource is returned by operations that need a chain source when
	// none is configured.
	ErrNoSource = errors.New("no chain source configured")

	// ErrInvalidConfig is returned for a config missing a required
	// field.
	ErrInvalidConfig = errors.New("invalid wallet config")
)

// Config holds the descriptors and collaborators of a wallet.
type Config struct {
	// Net is the network the wallet runs on.
	Net *chaincfg.Params

	// External is the descriptor of the receive keychain. It may carry
	// private keys, which are never persisted. Load accepts an empty
	// value and then uses the stored public descriptor.
	External string

	// Internal is the optional descriptor of the change keychain. Without
	// one, change is paid to the external keychain.
	Internal string

	// Persister records the wallet's change-sets.
	Persister ledger.Persister

	// Source is the chain backend. A wallet without one can derive
	// addresses and sign but not sync.
	Source chain.Source

	// StopGap is the number of unused consecutive indices that ends a
	// full scan of a keychain.
	StopGap uint32

	// BatchSize is the number of scripts a full scan queries in parallel.
	BatchSize int

	// Lookahead is the number of scripts derived past the last revealed
	// index.
	Lookahead uint32

	// ScanStartHeight is the first block a block-scanning source looks
	// at during a full scan.
	ScanStartHeight uint32

	// MaxReorgDepth is the deepest rollback a sync may cause.
	MaxReorgDepth uint32

	// SyncTicker drives the auto-sync loop. A ticker firing every
	// DefaultSyncInterval is used when nil.
	SyncTicker ticker.Ticker

	// Clock times output leases. The system clock is used when nil.
	Clock clock.Clock
}

// validate checks the config and fills in defaults.
func (c *Config) validate() error {
	switch {
	case c.Net == nil:
		return fmt.Errorf("%w: missing network", ErrInvalidConfig)

	case c.Persister == nil:
		return fmt.Errorf("%w: missing persister", ErrInvalidConfig)
	}

	if c.StopGap == 0 {
		c.StopGap = keychain.DefaultStopGap
	}
	if c.BatchSize <= 0 {
		c.BatchSize = chain.DefaultBatchSize
	}
	if c.Lookahead == 0 {
		c.Lookahead = DefaultLookahead
	}
	if c.SyncTicker == nil {
		c.SyncTicker = ticker.New(DefaultSyncInterval)
	}
	if c.Clock == nil {
		c.Clock = clock.NewDefaultClock()
	}

	return nil
}

// Wallet is a descriptor wallet. It is safe for concurrent use.
type Wallet struct {
	cfg Config

	// descs holds the parsed descriptor of each keychain the wallet has.
	descs map[keychain.Kind]*descriptor.Descriptor

	keys   *keychain.Keychain
	ledger *ledger.Ledger

	state walletState

	// syncMu serializes scans and syncs.
	syncMu sync.Mutex

	// createMu serializes coin selection so concurrent callers never
	// fund from the same output.
	createMu sync.Mutex

	leases *leaseSet

	// lifetimeCtx governs the auto-sync loop. It is canceled by Stop.
	lifetimeCtx context.Context
	cancel      context.CancelFunc

	wg sync.WaitGroup
}

// Create creates a new wallet in an empty store. The network, the public
// descriptors and the genesis checkpoint are persisted.
func Create(ctx context.Context, cfg Config) (*Wallet, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	descs, err := parseDescriptors(&cfg)
	if err != nil {
		return nil, err
	}
	if len(descs) == 0 {
		return nil, ErrMissingDescriptor
	}

	stored, err := cfg.Persister.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load store: %w", err)
	}
	if stored.Network.IsSome() || len(stored.Descriptors) > 0 {
		return nil, ErrWalletExists
	}

	cs := ledger.NewChangeSet()
	cs.Network = fn.Some(cfg.Net.Net)
	for kind, desc := range descs {
		cs.Descriptors[kind] = desc.String()
	}

	genesis := ledger.GenesisBlockID(cfg.Net)
	cs.Blocks[genesis.Height] = fn.Some(genesis.Hash)

	if err := cfg.Persister.Append(ctx, cs); err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrPersistence, err)
	}
	if err := cfg.Persister.Flush(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrPersistence, err)
	}

	log.Infof("Created wallet on %v with %d keychains", cfg.Net.Name,
		len(descs))

	return newWallet(cfg, descs, cs)
}

// Load opens the wallet held by the store. Provided descriptors must match
// the stored ones; missing ones are taken from the store in public form.
func Load(ctx context.Context, cfg Config) (*Wallet, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cs, err := cfg.Persister.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load store: %w", err)
	}

	net, err := cs.Network.UnwrapOrErr(ErrWalletNotFound)
	if err != nil {
		return nil, err
	}
	if net != cfg.Net.Net {
		return nil, fmt.Errorf("%w: stored %v, configured %v",
			ErrNetworkMismatch, net, cfg.Net.Net)
	}

	descs, err := parseDescriptors(&cfg)
	if err != nil {
		return nil, err
	}

	if err := checkDescriptors(descs, cs.Descriptors); err != nil {
		return nil, err
	}

	// Keychains configured without a descriptor are restored from the
	// stored public form.
	for kind, text := range cs.Descriptors {
		if _, ok := descs[kind]; ok {
			continue
		}

		desc, err := descriptor.Parse(text, cfg.Net)
		if err != nil {
			return nil, fmt.Errorf("stored %v descriptor: %w", kind,
				err)
		}
		descs[kind] = desc
	}

	if _, ok := descs[keychain.External]; !ok {
		return nil, ErrMissingDescriptor
	}

	return newWallet(cfg, descs, cs)
}

// parseDescriptors parses the configured descriptors for the wallet's
// network.
func parseDescriptors(
	cfg *Config) (map[keychain.Kind]*descriptor.Descriptor, error) {

	descs := make(map[keychain.Kind]*descriptor.Descriptor)
	for kind, text := range map[keychain.Kind]string{
		keychain.External: cfg.External,
		keychain.Internal: cfg.Internal,
	} {
		if text == "" {
			continue
		}

		desc, err := descriptor.Parse(text, cfg.Net)
		if err != nil {
			return nil, fmt.Errorf("%v descriptor: %w", kind, err)
		}

		if err := desc.CheckNetwork(cfg.Net); err != nil {
			return nil, fmt.Errorf("%v descriptor: %w", kind, err)
		}

		descs[kind] = desc
	}

	if _, ok := descs[keychain.Internal]; ok {
		if _, ok := descs[keychain.External]; !ok {
			return nil, fmt.Errorf("%w: internal descriptor "+
				"without external one", ErrInvalidConfig)
		}
	}

	return descs, nil
}

// checkDescriptors compares provided descriptors against the stored public
// text.
func checkDescriptors(descs map[keychain.Kind]*descriptor.Descriptor,
	stored map[keychain.Kind]string) error {

	for kind, desc := range descs {
		text, ok := stored[kind]
		if !ok {
			return fmt.Errorf("%w: no %v keychain stored",
				ErrDescriptorMismatch, kind)
		}

		if desc.String() != text {
			return fmt.Errorf("%w: %v keychain is %s",
				ErrDescriptorMismatch, kind, text)
		}
	}

	return nil
}

// newWallet builds the keychain and ledger of a wallet from its merged
// change-sets.
func newWallet(cfg Config, descs map[keychain.Kind]*descriptor.Descriptor,
	cs *ledger.ChangeSet) (*Wallet, error) {

	var internal keychain.Deriver
	if desc, ok := descs[keychain.Internal]; ok {
		internal = desc
	}

	keys, err := keychain.New(
		descs[keychain.External], internal, cfg.Lookahead,
	)
	if err != nil {
		return nil, err
	}

	var fetcher ledger.TxFetcher
	if cfg.Source != nil {
		fetcher = cfg.Source
	}

	l, err := ledger.New(ledger.Config{
		Net:           cfg.Net,
		Index:         keys,
		Persister:     cfg.Persister,
		Fetcher:       fetcher,
		MaxReorgDepth: cfg.MaxReorgDepth,
	}, cs)
	if err != nil {
		return nil, err
	}

	return &Wallet{
		cfg:    cfg,
		descs:  descs,
		keys:   keys,
		ledger: l,
		state:  newWalletState(),
		leases: newLeaseSet(cfg.Clock),
	}, nil
}

// Net returns the wallet's network.
func (w *Wallet) Net() *chaincfg.Params {
	return w.cfg.Net
}

// Descriptor returns the descriptor serving kind. Internal falls back to
// the external descriptor for single-descriptor wallets.
func (w *Wallet) Descriptor(kind keychain.Kind) *descriptor.Descriptor {
	if desc, ok := w.descs[kind]; ok {
		return desc
	}

	return w.descs[keychain.External]
}

// Tip returns the wallet's best known block.
func (w *Wallet) Tip() ledger.BlockID {
	return w.ledger.Tip().BlockID()
}

// Trusted reports whether the in-memory state matches the store.
func (w *Wallet) Trusted() bool {
	return w.ledger.Trusted()
}

// Reload rebuilds the wallet state from the store after a persistence
// failure.
func (w *Wallet) Reload(ctx context.Context) error {
	return w.ledger.Reload(ctx)
}

// source returns the chain source or ErrNoSource.
func (w *Wallet) source() (chain.Source, error) {
	if w.cfg.Source == nil {
		return nil, ErrNoSource
	}

	return w.cfg.Source, nil
}

// txFromLedger returns the body of a tracked transaction.
func (w *Wallet) txFromLedger(op wire.OutPoint) *wire.MsgTx {
	tx, ok := w.ledger.Tx(op.Hash)
	if !ok {
		return nil
	}

	return tx.Tx
}
