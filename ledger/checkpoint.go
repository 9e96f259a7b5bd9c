// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"cmp"
	"errors"
	"fmt"
	"iter"
	"slices"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var (
	// ErrCheckpointOrder is returned when a checkpoint is pushed at a
	// height that is not above the current tip.
	ErrCheckpointOrder = errors.New("checkpoint height must increase")

	// ErrEmptyChain is returned when a checkpoint chain is built from no
	// blocks.
	ErrEmptyChain = errors.New("empty checkpoint chain")
)

// BlockID identifies a block by height and hash.
type BlockID struct {
	Height uint32
	Hash   chainhash.Hash
}

// String returns the block as height:hash.
func (b BlockID) String() string {
	return fmt.Sprintf("%d:%v", b.Height, b.Hash)
}

// GenesisBlockID returns the genesis block of net.
func GenesisBlockID(net *chaincfg.Params) BlockID {
	return BlockID{Height: 0, Hash: *net.GenesisHash}
}

// Checkpoint is a node of an immutable, singly-linked chain of blocks the
// wallet has accepted. Heights strictly increase from the first checkpoint
// to the tip. The chain may be sparse.
type Checkpoint struct {
	id   BlockID
	prev *Checkpoint
}

// NewCheckpoint starts a chain at id.
func NewCheckpoint(id BlockID) *Checkpoint {
	return &Checkpoint{id: id}
}

// FromBlockIDs builds a chain from blocks in ascending height order and
// returns its tip.
func FromBlockIDs(ids []BlockID) (*Checkpoint, error) {
	if len(ids) == 0 {
		return nil, ErrEmptyChain
	}

	tip := NewCheckpoint(ids[0])

	return tip.Extend(ids[1:]...)
}

// BlockID returns the block of the checkpoint.
func (c *Checkpoint) BlockID() BlockID {
	return c.id
}

// Height returns the height of the checkpoint.
func (c *Checkpoint) Height() uint32 {
	return c.id.Height
}

// Hash returns the block hash of the checkpoint.
func (c *Checkpoint) Hash() chainhash.Hash {
	return c.id.Hash
}

// Prev returns the previous checkpoint, or nil at the start of the chain.
func (c *Checkpoint) Prev() *Checkpoint {
	return c.prev
}

// Push returns a new tip on top of c.
func (c *Checkpoint) Push(id BlockID) (*Checkpoint, error) {
	if id.Height <= c.id.Height {
		return nil, fmt.Errorf("%w: %d after %d", ErrCheckpointOrder,
			id.Height, c.id.Height)
	}

	return &Checkpoint{id: id, prev: c}, nil
}

// Extend pushes every block in order and returns the new tip.
func (c *Checkpoint) Extend(ids ...BlockID) (*Checkpoint, error) {
	tip := c
	for _, id := range ids {
		next, err := tip.Push(id)
		if err != nil {
			return nil, err
		}

		tip = next
	}

	return tip, nil
}

// Iter yields the checkpoints from c down to the start of the chain.
func (c *Checkpoint) Iter() iter.Seq[*Checkpoint] {
	return func(yield func(*Checkpoint) bool) {
		for cp := c; cp != nil; cp = cp.prev {
			if !yield(cp) {
				return
			}
		}
	}
}

// Get returns the checkpoint at height, or nil when the chain has none.
func (c *Checkpoint) Get(height uint32) *Checkpoint {
	for cp := range c.Iter() {
		switch {
		case cp.id.Height == height:
			return cp

		case cp.id.Height < height:
			return nil
		}
	}

	return nil
}

// Floor returns the highest checkpoint at or below height, or nil.
func (c *Checkpoint) Floor(height uint32) *Checkpoint {
	for cp := range c.Iter() {
		if cp.id.Height <= height {
			return cp
		}
	}

	return nil
}

// BlockIDs returns the blocks of the chain in ascending height order.
func (c *Checkpoint) BlockIDs() []BlockID {
	var ids []BlockID
	for cp := range c.Iter() {
		ids = append(ids, cp.id)
	}

	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}

	return ids
}

// Len returns the number of checkpoints in the chain.
func (c *Checkpoint) Len() int {
	n := 0
	for range c.Iter() {
		n++
	}

	return n
}

// String returns the tip of the chain.
func (c *Checkpoint) String() string {
	return c.id.String()
}

// sortBlockIDs orders blocks by ascending height.
func sortBlockIDs(ids []BlockID) {
	slices.SortFunc(ids, func(a, b BlockID) int {
		return cmp.Compare(a.Height, b.Height)
	})
}
