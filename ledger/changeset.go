// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/keychain"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// IssuedIndex is a keychain index handed out as an unused address.
type IssuedIndex struct {
	Kind  keychain.Kind
	Index uint32
}

// ChangeSet is a unit of wallet state to persist. Change-sets are merged in
// the order they were produced to rebuild the full state. Merge is
// associative and idempotent.
type ChangeSet struct {
	// Network is the wallet's network, set once at creation.
	Network fn.Option[wire.BitcoinNet]

	// Descriptors holds the public descriptor text per keychain, set once
	// at creation.
	Descriptors map[keychain.Kind]string

	// Blocks adds (Some) or removes (None) a checkpoint per height.
	Blocks map[uint32]fn.Option[chainhash.Hash]

	// Txs holds transaction bodies.
	Txs map[chainhash.Hash]*wire.MsgTx

	// Anchors sets (Some) or clears (None) a transaction's confirmation.
	Anchors map[chainhash.Hash]fn.Option[Anchor]

	// LastSeen raises a transaction's last-seen height.
	LastSeen map[chainhash.Hash]uint32

	// LastRevealed raises a keychain's last revealed index.
	LastRevealed map[keychain.Kind]uint32

	// Issued adds indices handed out as unused addresses.
	Issued map[IssuedIndex]struct{}
}

// NewChangeSet returns an empty change-set.
func NewChangeSet() *ChangeSet {
	return &ChangeSet{
		Network:      fn.None[wire.BitcoinNet](),
		Descriptors:  make(map[keychain.Kind]string),
		Blocks:       make(map[uint32]fn.Option[chainhash.Hash]),
		Txs:          make(map[chainhash.Hash]*wire.MsgTx),
		Anchors:      make(map[chainhash.Hash]fn.Option[Anchor]),
		LastSeen:     make(map[chainhash.Hash]uint32),
		LastRevealed: make(map[keychain.Kind]uint32),
		Issued:       make(map[IssuedIndex]struct{}),
	}
}

// IsEmpty reports whether the change-set carries no changes.
func (c *ChangeSet) IsEmpty() bool {
	return c.Network.IsNone() && len(c.Descriptors) == 0 &&
		len(c.Blocks) == 0 && len(c.Txs) == 0 && len(c.Anchors) == 0 &&
		len(c.LastSeen) == 0 && len(c.LastRevealed) == 0 &&
		len(c.Issued) == 0
}

// Merge folds other into c. Values in other replace those in c, except
// heights and indices which only ever increase and issued indices which
// accumulate.
func (c *ChangeSet) Merge(other *ChangeSet) {
	if other == nil {
		return
	}

	if other.Network.IsSome() {
		c.Network = other.Network
	}

	for kind, desc := range other.Descriptors {
		c.Descriptors[kind] = desc
	}

	for height, hash := range other.Blocks {
		c.Blocks[height] = hash
	}

	for txid, tx := range other.Txs {
		c.Txs[txid] = tx
	}

	for txid, anchor := range other.Anchors {
		c.Anchors[txid] = anchor
	}

	for txid, seen := range other.LastSeen {
		if cur, ok := c.LastSeen[txid]; !ok || seen > cur {
			c.LastSeen[txid] = seen
		}
	}

	for kind, idx := range other.LastRevealed {
		if cur, ok := c.LastRevealed[kind]; !ok || idx > cur {
			c.LastRevealed[kind] = idx
		}
	}

	for issued := range other.Issued {
		c.Issued[issued] = struct{}{}
	}
}

// chain returns the checkpoint chain the change-set describes.
func (c *ChangeSet) chain() (*Checkpoint, error) {
	ids := make([]BlockID, 0, len(c.Blocks))
	for height, hash := range c.Blocks {
		hash.WhenSome(func(h chainhash.Hash) {
			ids = append(ids, BlockID{Height: height, Hash: h})
		})
	}

	sortBlockIDs(ids)

	return FromBlockIDs(ids)
}

// trackedTxs returns the tracked transactions the change-set describes.
// Transactions without a body are skipped.
func (c *ChangeSet) trackedTxs() map[chainhash.Hash]*TrackedTx {
	txs := make(map[chainhash.Hash]*TrackedTx, len(c.Txs))
	for txid, tx := range c.Txs {
		anchor, ok := c.Anchors[txid]
		if !ok {
			anchor = fn.None[Anchor]()
		}

		txs[txid] = &TrackedTx{
			TxID:     txid,
			Tx:       tx,
			Anchor:   anchor,
			LastSeen: c.LastSeen[txid],
		}
	}

	return txs
}
