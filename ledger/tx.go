// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"bytes"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/keychain"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Anchor ties a transaction to the block that confirmed it.
type Anchor struct {
	// Block is the confirming block.
	Block BlockID

	// Time is the block timestamp.
	Time time.Time
}

// TrackedTx is a transaction the ledger tracks. Values stored in a ledger
// snapshot are never modified.
type TrackedTx struct {
	// TxID is the transaction id.
	TxID chainhash.Hash

	// Tx is the transaction body.
	Tx *wire.MsgTx

	// Anchor is the confirmation of the transaction, if any.
	Anchor fn.Option[Anchor]

	// LastSeen is the chain tip height of the last sync that reported the
	// transaction. It orders unconfirmed conflicts.
	LastSeen uint32
}

// IsConfirmed reports whether the transaction has an anchor.
func (t *TrackedTx) IsConfirmed() bool {
	return t.Anchor.IsSome()
}

// confirmedHeight returns the anchor height and whether there is one.
func (t *TrackedTx) confirmedHeight() (uint32, bool) {
	var (
		height uint32
		ok     bool
	)
	t.Anchor.WhenSome(func(a Anchor) {
		height, ok = a.Block.Height, true
	})

	return height, ok
}

// RelevantTx is a transaction a chain source found for the wallet's scripts.
type RelevantTx struct {
	// TxID is the transaction id.
	TxID chainhash.Hash

	// Tx is the body when the source already has it. Missing bodies are
	// fetched during reconciliation.
	Tx *wire.MsgTx

	// Anchor is the confirming block in the source's view, None while the
	// transaction sits in the mempool.
	Anchor fn.Option[Anchor]
}

// SyncResult is what a chain source reports back from a scan.
type SyncResult struct {
	// Tip is the source's checkpoint chain. It must share a block with
	// the ledger's chain. A nil Tip leaves the chain untouched.
	Tip *Checkpoint

	// Txs are the relevant transactions.
	Txs []RelevantTx

	// LastActive is the highest index with history per keychain found
	// by a full scan. The ledger reveals keychains up to these indices
	// so that outputs paying them are recognized.
	LastActive map[keychain.Kind]uint32
}

// TxDetails describes a tracked transaction from the wallet's point of view.
type TxDetails struct {
	TrackedTx

	// Replaced is set when a conflicting transaction won.
	Replaced bool

	// Received is the value of the outputs paying the wallet.
	Received btcutil.Amount

	// Sent is the value of the wallet outputs the transaction spends.
	Sent btcutil.Amount

	// Fee is the fee, known only when every input's previous output is
	// tracked.
	Fee fn.Option[btcutil.Amount]
}

// Net returns Received minus Sent.
func (d *TxDetails) Net() btcutil.Amount {
	return d.Received - d.Sent
}

// compareOutPoints orders outpoints by hash bytes, then index.
func compareOutPoints(a, b wire.OutPoint) int {
	if c := bytes.Compare(a.Hash[:], b.Hash[:]); c != 0 {
		return c
	}

	switch {
	case a.Index < b.Index:
		return -1

	case a.Index > b.Index:
		return 1

	default:
		return 0
	}
}
