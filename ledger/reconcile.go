// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/keychain"
	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/sync/errgroup"
)

// fetchMissing fetches the bodies of relevant transactions that neither the
// sync result nor the ledger has. All fetches share one timeout; any failure
// aborts the apply.
func (l *Ledger) fetchMissing(ctx context.Context, cur *snapshot,
	res *SyncResult) (map[chainhash.Hash]*wire.MsgTx, error) {

	var missing []chainhash.Hash
	seen := make(map[chainhash.Hash]struct{})
	for _, rtx := range res.Txs {
		if rtx.Tx != nil {
			continue
		}

		if tx, ok := cur.txs[rtx.TxID]; ok && tx.Tx != nil {
			continue
		}

		if _, ok := seen[rtx.TxID]; ok {
			continue
		}
		seen[rtx.TxID] = struct{}{}

		missing = append(missing, rtx.TxID)
	}

	bodies := make(map[chainhash.Hash]*wire.MsgTx, len(missing))
	if len(missing) == 0 {
		return bodies, nil
	}

	if l.cfg.Fetcher == nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingTxBody, missing[0])
	}

	ctx, cancel := context.WithTimeout(ctx, l.cfg.FetchTimeout)
	defer cancel()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.FetchConcurrency)

	for _, txid := range missing {
		g.Go(func() error {
			tx, err := l.cfg.Fetcher.FetchTx(gctx, txid)
			if err != nil {
				return fmt.Errorf("fetch tx %v: %w", txid, err)
			}

			if got := tx.TxHash(); got != txid {
				return fmt.Errorf("%w: fetched %v for %v",
					ErrTxIDMismatch, got, txid)
			}

			mu.Lock()
			bodies[txid] = tx
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	log.Debugf("Fetched %d missing transaction bodies", len(bodies))

	return bodies, nil
}

// reconcile computes the snapshot and change-set that result from applying
// res to cur. It has no side effects.
func reconcile(cur *snapshot, res *SyncResult,
	bodies map[chainhash.Hash]*wire.MsgTx,
	cfg *Config) (*snapshot, *ChangeSet, error) {

	cs := NewChangeSet()

	// Steps 1 and 2: find the agreement point and drop the local blocks
	// above it when the source's chain diverges.
	blocks, discarded, err := mergeChains(
		cur.tip, cur.blocks, res.Tip, cfg.MaxReorgDepth,
	)
	if err != nil {
		return nil, nil, err
	}

	txs := maps.Clone(cur.txs)

	// Transactions confirmed in a discarded block revert to unconfirmed.
	for txid, tx := range txs {
		height, ok := tx.confirmedHeight()
		if !ok {
			continue
		}

		hash, gone := discarded[height]
		if !gone || tx.Anchor.UnwrapOr(Anchor{}).Block.Hash != hash {
			continue
		}

		log.Infof("Transaction %v reverted to unconfirmed by reorg "+
			"at height %d", txid, height)

		updated := *tx
		updated.Anchor = fn.None[Anchor]()
		txs[txid] = &updated
		cs.Anchors[txid] = updated.Anchor
	}

	tipHeight := maxHeight(blocks)

	// Step 3: merge the relevant transactions.
	for _, rtx := range res.Txs {
		prev, known := txs[rtx.TxID]

		updated := TrackedTx{
			TxID:   rtx.TxID,
			Anchor: fn.None[Anchor](),
		}
		if known {
			updated = *prev
		}

		if updated.Tx == nil {
			body := rtx.Tx
			if body == nil {
				body = bodies[rtx.TxID]
			}
			if body == nil {
				return nil, nil, fmt.Errorf("%w: %v",
					ErrMissingTxBody, rtx.TxID)
			}

			updated.Tx = body
			cs.Txs[rtx.TxID] = body
		}

		anchor := validAnchor(rtx.Anchor, blocks, tipHeight)
		anchor.WhenSome(func(a Anchor) {
			if _, ok := blocks[a.Block.Height]; ok {
				return
			}

			// Anchor blocks join the chain as sparse checkpoints.
			blocks[a.Block.Height] = a.Block.Hash
			cs.Blocks[a.Block.Height] = fn.Some(a.Block.Hash)
		})

		if !anchorsEqual(updated.Anchor, anchor) {
			updated.Anchor = anchor
			cs.Anchors[rtx.TxID] = anchor
		}

		if !known || tipHeight > updated.LastSeen {
			updated.LastSeen = max(updated.LastSeen, tipHeight)
			cs.LastSeen[rtx.TxID] = updated.LastSeen
		}

		txs[rtx.TxID] = &updated
	}

	// Step 4: adopt the merged chain.
	for height, hash := range blocks {
		if old, ok := cur.blocks[height]; !ok || old != hash {
			cs.Blocks[height] = fn.Some(hash)
		}
	}
	for height := range discarded {
		if _, ok := blocks[height]; !ok {
			cs.Blocks[height] = fn.None[chainhash.Hash]()
		}
	}

	tip, err := chainFromBlocks(blocks)
	if err != nil {
		return nil, nil, err
	}

	// Step 5: recompute everything derived from the transactions.
	next := buildSnapshot(tip, txs, cfg.Index, cfg.Net)
	next.revealed = revealedAfter(
		cur.revealed, res.LastActive, next, cfg.Index, cs,
	)
	next.issued = cur.issued

	return next, cs, nil
}

// mergeChains merges the source's chain into the local one. It returns the
// merged blocks and the local blocks that were discarded.
func mergeChains(local *Checkpoint, localBlocks map[uint32]chainhash.Hash,
	remote *Checkpoint, maxDepth uint32) (map[uint32]chainhash.Hash,
	map[uint32]chainhash.Hash, error) {

	blocks := maps.Clone(localBlocks)
	discarded := make(map[uint32]chainhash.Hash)

	if remote == nil {
		return blocks, discarded, nil
	}

	var agree *Checkpoint
	for cp := range remote.Iter() {
		hash, ok := localBlocks[cp.Height()]
		if ok && hash == cp.Hash() {
			agree = cp
			break
		}
	}

	if agree == nil {
		return nil, nil, fmt.Errorf("%w: no common checkpoint with "+
			"source tip %v", ErrReorgTooDeep, remote)
	}

	// The source knows nothing past the agreement point.
	if remote.Height() == agree.Height() {
		return blocks, discarded, nil
	}

	for height, hash := range localBlocks {
		if height > agree.Height() {
			discarded[height] = hash
		}
	}

	if len(discarded) > 0 {
		depth := local.Height() - agree.Height()
		if depth > maxDepth {
			return nil, nil, fmt.Errorf("%w: rollback of %d blocks "+
				"to %v exceeds %d", ErrReorgTooDeep, depth,
				agree, maxDepth)
		}

		log.Infof("Reorg detected: rolling back %d checkpoints above "+
			"%v", len(discarded), agree)

		for height := range discarded {
			delete(blocks, height)
		}
	}

	for cp := range remote.Iter() {
		if _, ok := blocks[cp.Height()]; ok {
			continue
		}

		blocks[cp.Height()] = cp.Hash()
	}

	return blocks, discarded, nil
}

// validAnchor returns the anchor if it fits the merged chain: at or below the
// tip and not contradicting a known block.
func validAnchor(anchor fn.Option[Anchor], blocks map[uint32]chainhash.Hash,
	tipHeight uint32) fn.Option[Anchor] {

	valid := fn.None[Anchor]()
	anchor.WhenSome(func(a Anchor) {
		if a.Block.Height > tipHeight {
			log.Warnf("Ignoring anchor %v above tip %d", a.Block,
				tipHeight)

			return
		}

		if hash, ok := blocks[a.Block.Height]; ok && hash != a.Block.Hash {
			log.Warnf("Ignoring anchor %v conflicting with "+
				"checkpoint %v", a.Block, hash)

			return
		}

		valid = fn.Some(a)
	})

	return valid
}

// revealedAfter returns the persisted last revealed indices after an apply,
// recording raises in cs.
func revealedAfter(prev, active map[keychain.Kind]uint32, next *snapshot,
	index ScriptIndex, cs *ChangeSet) map[keychain.Kind]uint32 {

	revealed := maps.Clone(prev)
	if revealed == nil {
		revealed = make(map[keychain.Kind]uint32)
	}

	raise := func(kind keychain.Kind, idx uint32) {
		if cur, ok := revealed[kind]; ok && cur >= idx {
			return
		}

		revealed[kind] = idx
		cs.LastRevealed[kind] = idx
	}

	for kind, idx := range active {
		raise(kind, idx)
	}

	for _, o := range next.outputs {
		raise(o.Kind, o.Index)
	}

	for _, kind := range keychain.Kinds {
		index.LastRevealed(kind).WhenSome(func(idx uint32) {
			raise(kind, idx)
		})
	}

	return revealed
}

// chainFromBlocks builds a checkpoint chain from a height to hash map.
func chainFromBlocks(blocks map[uint32]chainhash.Hash) (*Checkpoint, error) {
	ids := make([]BlockID, 0, len(blocks))
	for height, hash := range blocks {
		ids = append(ids, BlockID{Height: height, Hash: hash})
	}
	sortBlockIDs(ids)

	return FromBlockIDs(ids)
}

// maxHeight returns the highest height of blocks.
func maxHeight(blocks map[uint32]chainhash.Hash) uint32 {
	var tip uint32
	for height := range blocks {
		tip = max(tip, height)
	}

	return tip
}

// anchorsEqual compares two optional anchors.
func anchorsEqual(a, b fn.Option[Anchor]) bool {
	if a.IsSome() != b.IsSome() {
		return false
	}

	x, y := a.UnwrapOr(Anchor{}), b.UnwrapOr(Anchor{})

	return x.Block == y.Block && x.Time.Equal(y.Time)
}

// sortDetails orders confirmed transactions by height, then unconfirmed ones
// by last-seen height, breaking ties by txid.
func sortDetails(details []TxDetails) {
	slices.SortFunc(details, func(a, b TxDetails) int {
		aHeight, aConf := a.confirmedHeight()
		bHeight, bConf := b.confirmedHeight()

		switch {
		case aConf != bConf:
			if aConf {
				return -1
			}

			return 1

		case aConf && aHeight != bHeight:
			if aHeight < bHeight {
				return -1
			}

			return 1

		case !aConf && a.LastSeen != b.LastSeen:
			if a.LastSeen < b.LastSeen {
				return -1
			}

			return 1
		}

		return bytes.Compare(a.TxID[:], b.TxID[:])
	})
}
