// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chain provides the chain data sources a wallet syncs against: an
// Esplora indexer client and a bitcoind RPC client. Both report what they
// find as a ledger.SyncResult.
package chain

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/keychain"
	"github.com/btcsuite/descwallet/ledger"
	"github.com/btcsuite/descwallet/pkg/btcunit"
)

const (
	// DefaultBatchSize is the number of scripts queried in parallel
	// during a scan.
	DefaultBatchSize = 5

	// recentBlocks is the number of blocks below the tip a source reports
	// so that later reorgs find an agreement point close to the tip.
	recentBlocks = 10
)

var (
	// ErrNotFound is returned when the backend does not know the
	// requested object.
	ErrNotFound = errors.New("not found")

	// ErrBroadcast is returned when the backend rejects a transaction.
	ErrBroadcast = errors.New("broadcast rejected")

	// ErrNoFeeEstimate is returned when the backend has no fee estimate
	// for the requested target.
	ErrNoFeeEstimate = errors.New("no fee estimate")
)

// Source is a chain data backend.
type Source interface {
	// Scan discovers the history of every keychain branch, probing
	// indices until the stop gap is reached.
	Scan(ctx context.Context, req *ScanRequest) (*ledger.SyncResult, error)

	// Sync refreshes the history of already revealed scripts and the
	// status of unconfirmed transactions.
	Sync(ctx context.Context, req *SyncRequest) (*ledger.SyncResult, error)

	// FetchTx returns the transaction with the given id.
	FetchTx(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error)

	// Broadcast submits a transaction to the network.
	Broadcast(ctx context.Context, tx *wire.MsgTx) error

	// EstimateFeeRate returns the backend's fee rate estimate for
	// confirmation within target blocks.
	EstimateFeeRate(ctx context.Context,
		target uint32) (btcunit.SatPerKWeight, error)
}

// ScanBranch is a keychain branch to scan.
type ScanBranch struct {
	// Deriver produces the scripts of the branch.
	Deriver keychain.Deriver

	// State tracks the stop gap horizon of the branch.
	State *keychain.ScanState
}

// ScanRequest asks a source for the full history of a wallet.
type ScanRequest struct {
	// Tip is the wallet's current checkpoint chain.
	Tip *ledger.Checkpoint

	// Branches are the keychain branches to scan.
	Branches map[keychain.Kind]ScanBranch

	// BatchSize is the number of scripts queried in parallel.
	BatchSize int

	// StartHeight is the first block a block-scanning source looks at.
	StartHeight uint32
}

// SyncRequest asks a source for the current state of known scripts.
type SyncRequest struct {
	// Tip is the wallet's current checkpoint chain.
	Tip *ledger.Checkpoint

	// Scripts are the revealed output scripts.
	Scripts [][]byte

	// OutPoints are the wallet's outputs, so spends of them are found.
	OutPoints []wire.OutPoint

	// Unconfirmed are the ids of tracked transactions without an anchor.
	Unconfirmed []chainhash.Hash
}

// hashFunc returns the hash of the block at height in the source's chain.
type hashFunc func(ctx context.Context, height uint32) (chainhash.Hash,
	error)

// buildTip returns the source's chain as seen from local: the local
// checkpoints up to the highest one the source agrees with, followed by the
// most recent blocks up to tipHeight. Without any agreement the recent blocks
// are returned alone and the ledger refuses them.
func buildTip(ctx context.Context, local *ledger.Checkpoint,
	tipHeight uint32, hashAt hashFunc) (*ledger.Checkpoint, error) {

	var (
		agreed []ledger.BlockID
		agree  *ledger.Checkpoint
	)
	for cp := range local.Iter() {
		if cp.Height() > tipHeight {
			continue
		}

		hash, err := hashAt(ctx, cp.Height())
		if err != nil {
			return nil, fmt.Errorf("block hash at %d: %w",
				cp.Height(), err)
		}

		if hash == cp.Hash() {
			agree = cp
			break
		}

		log.Debugf("Local block %v replaced by %v", cp.BlockID(), hash)
	}

	from := uint32(0)
	if agree != nil {
		for cp := range agree.Iter() {
			agreed = append(agreed, cp.BlockID())
		}
		slices.Reverse(agreed)
		from = agree.Height() + 1
	}

	if tipHeight >= recentBlocks && tipHeight-recentBlocks+1 > from {
		from = tipHeight - recentBlocks + 1
	}

	blocks := agreed
	for height := from; height <= tipHeight; height++ {
		hash, err := hashAt(ctx, height)
		if err != nil {
			return nil, fmt.Errorf("block hash at %d: %w", height,
				err)
		}

		blocks = append(blocks, ledger.BlockID{
			Height: height,
			Hash:   hash,
		})
	}

	return ledger.FromBlockIDs(blocks)
}

// txSet collects relevant transactions, keeping the deepest view of each.
type txSet struct {
	txs   map[chainhash.Hash]*ledger.RelevantTx
	order []chainhash.Hash
}

func newTxSet() *txSet {
	return &txSet{txs: make(map[chainhash.Hash]*ledger.RelevantTx)}
}

// add records tx. A confirmed view replaces an unconfirmed one and a known
// body is kept.
func (s *txSet) add(tx ledger.RelevantTx) {
	held, ok := s.txs[tx.TxID]
	if !ok {
		s.txs[tx.TxID] = &tx
		s.order = append(s.order, tx.TxID)

		return
	}

	if tx.Anchor.IsSome() {
		held.Anchor = tx.Anchor
	}
	if held.Tx == nil {
		held.Tx = tx.Tx
	}
}

// list returns the transactions in the order they were first seen.
func (s *txSet) list() []ledger.RelevantTx {
	out := make([]ledger.RelevantTx, 0, len(s.order))
	for _, txid := range s.order {
		out = append(out, *s.txs[txid])
	}

	return out
}

// lastActive returns the highest index found per branch.
func lastActive(
	branches map[keychain.Kind]ScanBranch) map[keychain.Kind]uint32 {

	active := make(map[keychain.Kind]uint32)
	for kind, b := range branches {
		b.State.LastFound().WhenSome(func(idx uint32) {
			active[kind] = idx
		})
	}

	return active
}

// horizon returns the exclusive bound of the indices to scan. A non-range
// branch has only index zero.
func (b ScanBranch) horizon() uint32 {
	if !b.Deriver.IsRange() {
		return 1
	}

	return b.State.Horizon()
}
