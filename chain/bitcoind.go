// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/keychain"
	"github.com/btcsuite/descwallet/ledger"
	"github.com/btcsuite/descwallet/pkg/btcunit"
	"github.com/lightninglabs/gozmq"
	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// rawBlockZMQCommand is the command used to receive raw block
	// notifications from bitcoind through ZMQ.
	rawBlockZMQCommand = "rawblock"

	// maxRawBlockSize is the maximum size in bytes for a raw block
	// received from bitcoind through ZMQ.
	maxRawBlockSize = 4e6

	// seqNumLen is the length of the sequence number of a message sent from
	// bitcoind through ZMQ.
	seqNumLen = 4

	// defaultZMQReadDeadline is the read deadline of the ZMQ socket.
	defaultZMQReadDeadline = 5 * time.Second
)

// rpcClient is the subset of the bitcoind RPC interface the source uses. It
// is satisfied by rpcclient.Client.
type rpcClient interface {
	GetBlockCount() (int64, error)
	GetBlockHash(blockHeight int64) (*chainhash.Hash, error)
	GetBlock(blockHash *chainhash.Hash) (*wire.MsgBlock, error)
	GetRawMempool() ([]*chainhash.Hash, error)
	GetRawTransaction(txHash *chainhash.Hash) (*btcutil.Tx, error)
	SendRawTransaction(tx *wire.MsgTx,
		allowHighFees bool) (*chainhash.Hash, error)
	EstimateSmartFee(confTarget int64,
		mode *btcjson.EstimateSmartFeeMode) (
		*btcjson.EstimateSmartFeeResult, error)
	Shutdown()
}

// BitcoindConfig holds the settings of a bitcoind client.
type BitcoindConfig struct {
	// Host is the RPC address of the node.
	Host string

	// User is the RPC user.
	User string

	// Pass is the RPC password.
	Pass string

	// ZMQBlockHost is the optional ZMQ rawblock endpoint. When set, new
	// blocks are announced on Notify.
	ZMQBlockHost string

	// ZMQReadDeadline is the read deadline of the ZMQ socket.
	ZMQReadDeadline time.Duration

	// TxCacheSize is the number of raw transactions kept in memory.
	TxCacheSize uint64
}

// Bitcoind is a Source backed by a bitcoind node. It finds the wallet's
// transactions by scanning full blocks and the mempool, so it needs neither
// an address index nor the node's own wallet.
type Bitcoind struct {
	cfg    BitcoindConfig
	client rpcClient

	txCache *lru.Cache[chainhash.Hash, *cachedTx]

	// blockConn is the ZMQ connection used to read raw block events.
	blockConn *gozmq.Conn

	// notify receives a value whenever a new block is announced.
	notify chan struct{}

	started sync.Once
	stopped sync.Once
	wg      sync.WaitGroup
	quit    chan struct{}
}

// A compile-time check to ensure Bitcoind satisfies the Source interface.
var _ Source = (*Bitcoind)(nil)

// NewBitcoind connects to a bitcoind node over HTTP POST RPC.
func NewBitcoind(cfg BitcoindConfig) (*Bitcoind, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:                cfg.Host,
		User:                cfg.User,
		Pass:                cfg.Pass,
		DisableConnectOnNew: true,
		DisableTLS:          true,
		HTTPPostMode:        true,
	}, nil)
	if err != nil {
		return nil, err
	}

	return newBitcoind(cfg, client), nil
}

func newBitcoind(cfg BitcoindConfig, client rpcClient) *Bitcoind {
	if cfg.TxCacheSize == 0 {
		cfg.TxCacheSize = defaultTxCacheSize
	}
	if cfg.ZMQReadDeadline == 0 {
		cfg.ZMQReadDeadline = defaultZMQReadDeadline
	}

	return &Bitcoind{
		cfg:    cfg,
		client: client,
		txCache: lru.NewCache[chainhash.Hash, *cachedTx](
			cfg.TxCacheSize,
		),
		notify: make(chan struct{}, 1),
		quit:   make(chan struct{}),
	}
}

// Start subscribes to block announcements when a ZMQ endpoint is configured.
func (b *Bitcoind) Start() error {
	var err error
	b.started.Do(func() {
		if b.cfg.ZMQBlockHost == "" {
			return
		}

		b.blockConn, err = gozmq.Subscribe(
			b.cfg.ZMQBlockHost, []string{rawBlockZMQCommand},
			b.cfg.ZMQReadDeadline,
		)
		if err != nil {
			err = fmt.Errorf("unable to subscribe for zmq block "+
				"events: %w", err)

			return
		}

		b.wg.Add(1)
		go b.blockEventHandler()
	})

	return err
}

// Stop closes the ZMQ subscription and the RPC client.
func (b *Bitcoind) Stop() {
	b.stopped.Do(func() {
		close(b.quit)

		if b.blockConn != nil {
			if err := b.blockConn.Close(); err != nil {
				log.Errorf("Could not close zmq block conn: %v",
					err)
			}
		}

		b.wg.Wait()
		b.client.Shutdown()
	})
}

// Notify returns a channel that receives a value whenever the node announces
// a new block. Announcements coalesce while nobody reads.
func (b *Bitcoind) Notify() <-chan struct{} {
	return b.notify
}

// blockEventHandler reads raw block events from the ZMQ socket and wakes up
// the reader of Notify.
//
// NOTE: This must be run as a goroutine.
func (b *Bitcoind) blockEventHandler() {
	defer b.wg.Done()

	log.Infof("Listening for bitcoind block notifications via ZMQ on %v",
		b.blockConn.RemoteAddr())

	var (
		command [len(rawBlockZMQCommand)]byte
		seqNum  [seqNumLen]byte
		data    = make([]byte, maxRawBlockSize)
	)

	for {
		select {
		case <-b.quit:
			return
		default:
		}

		bufs := [][]byte{command[:], data, seqNum[:]}
		bufs, err := b.blockConn.Receive(bufs)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			log.Errorf("Unable to receive ZMQ %v message: %v",
				rawBlockZMQCommand, err)

			continue
		}

		if string(bufs[0]) != rawBlockZMQCommand {
			continue
		}

		header := &wire.BlockHeader{}
		err = header.Deserialize(bytes.NewReader(bufs[1]))
		if err != nil {
			log.Errorf("Unable to deserialize block header: %v",
				err)

			continue
		}
		log.Debugf("Block %v announced", header.BlockHash())

		select {
		case b.notify <- struct{}{}:
		default:
		}
	}
}

// blockHash returns the hash of the block at height.
func (b *Bitcoind) blockHash(_ context.Context,
	height uint32) (chainhash.Hash, error) {

	hash, err := b.client.GetBlockHash(int64(height))
	if err != nil {
		return chainhash.Hash{}, err
	}

	return *hash, nil
}

// tip builds the node's checkpoint chain as seen from local.
func (b *Bitcoind) tip(ctx context.Context,
	local *ledger.Checkpoint) (*ledger.Checkpoint, error) {

	count, err := b.client.GetBlockCount()
	if err != nil {
		return nil, err
	}

	return buildTip(ctx, local, uint32(count), b.blockHash)
}

// FetchTx returns the transaction with the given id. Confirmed transactions
// that are not in the mempool need a node running with txindex.
func (b *Bitcoind) FetchTx(_ context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	if c, err := b.txCache.Get(txid); err == nil {
		return c.tx, nil
	} else if !errors.Is(err, cache.ErrElementNotFound) {
		return nil, err
	}

	tx, err := b.client.GetRawTransaction(&txid)
	if err != nil {
		var rpcErr *btcjson.RPCError
		if errors.As(err, &rpcErr) &&
			rpcErr.Code == btcjson.ErrRPCNoTxInfo {

			return nil, fmt.Errorf("%w: tx %v", ErrNotFound, txid)
		}

		return nil, err
	}

	_, _ = b.txCache.Put(txid, &cachedTx{tx: tx.MsgTx()})

	return tx.MsgTx(), nil
}

// Broadcast submits a transaction to the node's mempool.
func (b *Bitcoind) Broadcast(_ context.Context, tx *wire.MsgTx) error {
	txid, err := b.client.SendRawTransaction(tx, false)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBroadcast, err)
	}

	_, _ = b.txCache.Put(*txid, &cachedTx{tx: tx})
	log.Infof("Broadcast transaction %v", txid)

	return nil
}

// EstimateFeeRate returns the node's smart fee estimate for target blocks.
func (b *Bitcoind) EstimateFeeRate(_ context.Context,
	target uint32) (btcunit.SatPerKWeight, error) {

	res, err := b.client.EstimateSmartFee(
		int64(target), &btcjson.EstimateModeConservative,
	)
	if err != nil {
		return 0, err
	}

	if res.FeeRate == nil {
		return 0, fmt.Errorf("%w: %s", ErrNoFeeEstimate,
			strings.Join(res.Errors, "; "))
	}

	// The node reports BTC/kvB.
	perKVB, err := btcutil.NewAmount(*res.FeeRate)
	if err != nil {
		return 0, err
	}

	return btcunit.SatPerKVByte(perKVB).FeePerKWeight(), nil
}

// watchEntry locates a watched script.
type watchEntry struct {
	kind  keychain.Kind
	index uint32
}

// watchSet holds the scripts and outpoints a block scan looks for.
type watchSet struct {
	scripts   map[string]watchEntry
	outPoints map[wire.OutPoint]struct{}

	// derived is the number of indices derived per branch.
	derived map[keychain.Kind]uint32
}

func newWatchSet() *watchSet {
	return &watchSet{
		scripts:   make(map[string]watchEntry),
		outPoints: make(map[wire.OutPoint]struct{}),
		derived:   make(map[keychain.Kind]uint32),
	}
}

// extend derives the scripts of every branch up to its current horizon.
func (w *watchSet) extend(branches map[keychain.Kind]ScanBranch) error {
	for kind, branch := range branches {
		horizon := branch.horizon()
		for idx := w.derived[kind]; idx < horizon; idx++ {
			script, err := branch.Deriver.ScriptFor(idx)
			if err != nil {
				return fmt.Errorf("derive %v/%d: %w", kind, idx,
					err)
			}

			w.scripts[string(script)] = watchEntry{
				kind:  kind,
				index: idx,
			}
		}
		w.derived[kind] = max(w.derived[kind], horizon)
	}

	return nil
}

// match reports whether tx pays a watched script or spends a watched
// outpoint. Matching outputs are watched from then on, and the entries of
// the scripts paid are returned.
func (w *watchSet) match(tx *wire.MsgTx) ([]watchEntry, bool) {
	relevant := false
	for _, in := range tx.TxIn {
		if _, ok := w.outPoints[in.PreviousOutPoint]; ok {
			relevant = true
			break
		}
	}

	var (
		entries []watchEntry
		txid    = tx.TxHash()
	)
	for i, out := range tx.TxOut {
		entry, ok := w.scripts[string(out.PkScript)]
		if !ok {
			continue
		}

		relevant = true
		entries = append(entries, entry)
		w.outPoints[wire.OutPoint{Hash: txid, Index: uint32(i)}] =
			struct{}{}
	}

	return entries, relevant
}

// scanBlocks looks for watched transactions in the blocks of tip above
// from. Branches, when given, have their findings reported so the watch set
// grows past each find.
func (b *Bitcoind) scanBlocks(ctx context.Context, tip *ledger.Checkpoint,
	from uint32, watch *watchSet, branches map[keychain.Kind]ScanBranch,
	found *txSet) error {

	for height := from; height <= tip.Height(); height++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		var hash chainhash.Hash
		if cp := tip.Get(height); cp != nil {
			hash = cp.Hash()
		} else {
			h, err := b.blockHash(ctx, height)
			if err != nil {
				return fmt.Errorf("block hash at %d: %w", height,
					err)
			}
			hash = h
		}

		block, err := b.client.GetBlock(&hash)
		if err != nil {
			return fmt.Errorf("block %v: %w", hash, err)
		}

		anchor := fn.Some(ledger.Anchor{
			Block: ledger.BlockID{Height: height, Hash: hash},
			Time:  block.Header.Timestamp,
		})

		grew := false
		for _, tx := range block.Transactions {
			entries, ok := watch.match(tx)
			if !ok {
				continue
			}

			found.add(ledger.RelevantTx{
				TxID:   tx.TxHash(),
				Tx:     tx,
				Anchor: anchor,
			})

			for _, e := range entries {
				branch, ok := branches[e.kind]
				if !ok {
					continue
				}
				branch.State.ReportFound(e.index)
				grew = true
			}
		}

		if grew {
			if err := watch.extend(branches); err != nil {
				return err
			}
		}

		if height%1000 == 0 {
			log.Debugf("Scanned block %d of %d", height,
				tip.Height())
		}
	}

	return nil
}

// scanMempool looks for watched transactions in the node's mempool.
func (b *Bitcoind) scanMempool(ctx context.Context, watch *watchSet,
	branches map[keychain.Kind]ScanBranch, found *txSet) error {

	txids, err := b.client.GetRawMempool()
	if err != nil {
		return fmt.Errorf("mempool: %w", err)
	}

	for _, txid := range txids {
		tx, err := b.FetchTx(ctx, *txid)
		if errors.Is(err, ErrNotFound) {
			// Evicted or confirmed since the listing.
			continue
		}
		if err != nil {
			return err
		}

		entries, ok := watch.match(tx)
		if !ok {
			continue
		}

		found.add(ledger.RelevantTx{TxID: *txid, Tx: tx})
		for _, e := range entries {
			if branch, ok := branches[e.kind]; ok {
				branch.State.ReportFound(e.index)
			}
		}
	}

	return nil
}

// Scan walks the chain from StartHeight looking for the wallet's scripts.
// The watched scripts grow with every find so that a branch is covered up to
// StopGap indices past its last active one.
func (b *Bitcoind) Scan(ctx context.Context,
	req *ScanRequest) (*ledger.SyncResult, error) {

	tip, err := b.tip(ctx, req.Tip)
	if err != nil {
		return nil, err
	}

	watch := newWatchSet()
	if err := watch.extend(req.Branches); err != nil {
		return nil, err
	}

	log.Infof("Scanning blocks %d to %d for %d scripts", req.StartHeight,
		tip.Height(), len(watch.scripts))

	found := newTxSet()
	err = b.scanBlocks(
		ctx, tip, req.StartHeight, watch, req.Branches, found,
	)
	if err != nil {
		return nil, err
	}

	err = b.scanMempool(ctx, watch, req.Branches, found)
	if err != nil {
		return nil, err
	}

	return &ledger.SyncResult{
		Tip:        tip,
		Txs:        found.list(),
		LastActive: lastActive(req.Branches),
	}, nil
}

// Sync scans the blocks the wallet has not seen yet and the mempool. Blocks
// are scanned from the highest one both chains share.
func (b *Bitcoind) Sync(ctx context.Context,
	req *SyncRequest) (*ledger.SyncResult, error) {

	tip, err := b.tip(ctx, req.Tip)
	if err != nil {
		return nil, err
	}

	watch := newWatchSet()
	for _, script := range req.Scripts {
		watch.scripts[string(script)] = watchEntry{}
	}
	for _, op := range req.OutPoints {
		watch.outPoints[op] = struct{}{}
	}

	from := forkHeight(req.Tip, tip) + 1

	found := newTxSet()
	if err := b.scanBlocks(ctx, tip, from, watch, nil, found); err != nil {
		return nil, err
	}
	if err := b.scanMempool(ctx, watch, nil, found); err != nil {
		return nil, err
	}

	// An unconfirmed transaction neither mined in the new blocks nor in
	// the mempool is left out. The ledger keeps its last known state.
	for _, txid := range req.Unconfirmed {
		if _, ok := found.txs[txid]; !ok {
			log.Debugf("Unconfirmed tx %v not seen by node", txid)
		}
	}

	return &ledger.SyncResult{Tip: tip, Txs: found.list()}, nil
}

// forkHeight returns the height of the highest block local and remote agree
// on, or zero when they share none.
func forkHeight(local, remote *ledger.Checkpoint) uint32 {
	for cp := range remote.Iter() {
		l := local.Get(cp.Height())
		if l != nil && l.Hash() == cp.Hash() {
			return cp.Height()
		}
	}

	return 0
}
