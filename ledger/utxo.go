// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"bytes"
	"slices"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/keychain"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Utxo is an unspent output paying one of the wallet's scripts.
type Utxo struct {
	// OutPoint is the output's outpoint.
	OutPoint wire.OutPoint

	// Output is the value and script of the output.
	Output wire.TxOut

	// Kind and Index identify the keychain entry owning the script.
	Kind  keychain.Kind
	Index uint32

	// Anchor is the confirmation of the creating transaction.
	Anchor fn.Option[Anchor]

	// IsCoinbase is set for outputs of a coinbase transaction.
	IsCoinbase bool

	// Trusted is set for unconfirmed outputs of transactions that only
	// spend the wallet's own outputs, such as change.
	Trusted bool
}

// Amount returns the output value.
func (u *Utxo) Amount() btcutil.Amount {
	return btcutil.Amount(u.Output.Value)
}

// IsConfirmed reports whether the creating transaction is confirmed.
func (u *Utxo) IsConfirmed() bool {
	return u.Anchor.IsSome()
}

// Confirmations returns the number of confirmations at tipHeight.
func (u *Utxo) Confirmations(tipHeight uint32) uint32 {
	var confs uint32
	u.Anchor.WhenSome(func(a Anchor) {
		if tipHeight >= a.Block.Height {
			confs = tipHeight - a.Block.Height + 1
		}
	})

	return confs
}

// IsMature reports whether the output can be spent at tipHeight. Only
// coinbase outputs mature.
func (u *Utxo) IsMature(tipHeight uint32, net *chaincfg.Params) bool {
	if !u.IsCoinbase {
		return true
	}

	return u.Confirmations(tipHeight) >= uint32(net.CoinbaseMaturity)
}

// OwnedOutput is an output paying the wallet, spent or not.
type OwnedOutput struct {
	Utxo

	// SpentBy is the transaction spending the output, if any.
	SpentBy fn.Option[chainhash.Hash]
}

// Balance sums the wallet's unspent outputs by confirmation status.
type Balance struct {
	// Confirmed is the value of confirmed, mature outputs.
	Confirmed btcutil.Amount

	// Unconfirmed is TrustedPending plus UntrustedPending.
	Unconfirmed btcutil.Amount

	// Immature is the value of coinbase outputs that have not matured.
	Immature btcutil.Amount

	// TrustedPending is the unconfirmed value the wallet created itself.
	TrustedPending btcutil.Amount

	// UntrustedPending is the unconfirmed value received from others.
	UntrustedPending btcutil.Amount
}

// Total returns the sum of all categories.
func (b Balance) Total() btcutil.Amount {
	return b.Confirmed + b.Unconfirmed + b.Immature
}

// Spendable returns the value that can be spent without trusting others.
func (b Balance) Spendable() btcutil.Amount {
	return b.Confirmed + b.TrustedPending
}

// ScriptIndex resolves scripts to the keychain entries owning them. A
// keychain.Keychain satisfies this interface.
type ScriptIndex interface {
	// Lookup returns the entry owning script.
	Lookup(script []byte) (keychain.Entry, bool)

	// MarkUsed records that an index appears in a tracked output.
	MarkUsed(kind keychain.Kind, index uint32) bool

	// RevealTo reveals every index up to and including index.
	RevealTo(kind keychain.Kind, index uint32) error

	// DeriveTo makes the scripts up to index known to Lookup without
	// revealing them.
	DeriveTo(kind keychain.Kind, index uint32) error

	// MarkIssued records that an index was handed out.
	MarkIssued(kind keychain.Kind, index uint32) error

	// LastRevealed returns the highest revealed index.
	LastRevealed(kind keychain.Kind) fn.Option[uint32]
}

// snapshot is an immutable view of the ledger. Readers load it atomically
// and never see a partially applied sync.
type snapshot struct {
	tip      *Checkpoint
	blocks   map[uint32]chainhash.Hash
	txs      map[chainhash.Hash]*TrackedTx
	replaced map[chainhash.Hash]struct{}

	// outputs lists every owned output of a canonical transaction,
	// sorted by outpoint.
	outputs []OwnedOutput

	// utxos lists the unspent subset of outputs.
	utxos []Utxo

	balance Balance

	// revealed is the last revealed index per keychain as persisted.
	revealed map[keychain.Kind]uint32

	// issued holds the persisted indices handed out as unused addresses.
	issued map[IssuedIndex]struct{}
}

// buildSnapshot recomputes every derived view from the chain and the tracked
// transactions.
func buildSnapshot(tip *Checkpoint, txs map[chainhash.Hash]*TrackedTx,
	index ScriptIndex, net *chaincfg.Params) *snapshot {

	s := &snapshot{
		tip:    tip,
		blocks: make(map[uint32]chainhash.Hash),
		txs:    txs,
	}
	for cp := range tip.Iter() {
		s.blocks[cp.Height()] = cp.Hash()
	}

	s.replaced = resolveConflicts(txs)

	spentBy := make(map[wire.OutPoint]chainhash.Hash)
	for txid, tx := range txs {
		if !s.isCanonical(txid) || tx.Tx == nil {
			continue
		}

		if blockchain.IsCoinBaseTx(tx.Tx) {
			continue
		}

		for _, in := range tx.Tx.TxIn {
			spentBy[in.PreviousOutPoint] = txid
		}
	}

	owned := make(map[wire.OutPoint]struct{})
	for txid, tx := range txs {
		if !s.isCanonical(txid) || tx.Tx == nil {
			continue
		}

		isCoinbase := blockchain.IsCoinBaseTx(tx.Tx)
		for i, out := range tx.Tx.TxOut {
			entry, ok := index.Lookup(out.PkScript)
			if !ok {
				continue
			}

			op := wire.OutPoint{Hash: txid, Index: uint32(i)}
			owned[op] = struct{}{}

			spender := fn.None[chainhash.Hash]()
			if by, ok := spentBy[op]; ok {
				spender = fn.Some(by)
			}

			s.outputs = append(s.outputs, OwnedOutput{
				Utxo: Utxo{
					OutPoint:   op,
					Output:     *out,
					Kind:       entry.Kind,
					Index:      entry.Index,
					Anchor:     tx.Anchor,
					IsCoinbase: isCoinbase,
				},
				SpentBy: spender,
			})
		}
	}

	slices.SortFunc(s.outputs, func(a, b OwnedOutput) int {
		return compareOutPoints(a.OutPoint, b.OutPoint)
	})

	for i := range s.outputs {
		out := &s.outputs[i]
		if !out.IsConfirmed() && !out.IsCoinbase {
			out.Trusted = spendsOnlyOwned(txs[out.OutPoint.Hash], owned)
		}

		if out.SpentBy.IsSome() {
			continue
		}

		s.utxos = append(s.utxos, out.Utxo)
	}

	s.balance = computeBalance(s.utxos, tip.Height(), net)

	return s
}

// isCanonical reports whether txid is tracked and not replaced.
func (s *snapshot) isCanonical(txid chainhash.Hash) bool {
	if _, ok := s.txs[txid]; !ok {
		return false
	}

	_, replaced := s.replaced[txid]

	return !replaced
}

// spendsOnlyOwned reports whether every input of tx spends a wallet output.
func spendsOnlyOwned(tx *TrackedTx, owned map[wire.OutPoint]struct{}) bool {
	if tx == nil || tx.Tx == nil || len(tx.Tx.TxIn) == 0 {
		return false
	}

	for _, in := range tx.Tx.TxIn {
		if _, ok := owned[in.PreviousOutPoint]; !ok {
			return false
		}
	}

	return true
}

// computeBalance sums utxos by status at tipHeight.
func computeBalance(utxos []Utxo, tipHeight uint32,
	net *chaincfg.Params) Balance {

	var b Balance
	for i := range utxos {
		u := &utxos[i]
		amt := u.Amount()

		switch {
		case u.IsCoinbase && !u.IsMature(tipHeight, net):
			b.Immature += amt

		case u.IsConfirmed():
			b.Confirmed += amt

		case u.Trusted:
			b.TrustedPending += amt

		default:
			b.UntrustedPending += amt
		}
	}
	b.Unconfirmed = b.TrustedPending + b.UntrustedPending

	return b
}

// resolveConflicts returns the transactions that lost a conflict over a
// spent outpoint, together with their descendants. A confirmed transaction
// beats an unconfirmed one, a lower confirmation height beats a higher one,
// a higher last-seen height beats a lower one, and the lower txid wins ties.
func resolveConflicts(
	txs map[chainhash.Hash]*TrackedTx) map[chainhash.Hash]struct{} {

	ordered := make([]*TrackedTx, 0, len(txs))
	for _, tx := range txs {
		if tx.Tx != nil {
			ordered = append(ordered, tx)
		}
	}
	slices.SortFunc(ordered, compareRank)

	replaced := make(map[chainhash.Hash]struct{})
	claimed := make(map[wire.OutPoint]chainhash.Hash)
	for _, tx := range ordered {
		if blockchain.IsCoinBaseTx(tx.Tx) {
			continue
		}

		conflict := false
		for _, in := range tx.Tx.TxIn {
			if _, ok := claimed[in.PreviousOutPoint]; ok {
				conflict = true
				break
			}
		}

		if conflict {
			log.Debugf("Transaction %v replaced by a conflicting "+
				"spend", tx.TxID)

			replaced[tx.TxID] = struct{}{}

			continue
		}

		for _, in := range tx.Tx.TxIn {
			claimed[in.PreviousOutPoint] = tx.TxID
		}
	}

	// Spending a replaced transaction's output replaces the spender too.
	for changed := true; changed; {
		changed = false
		for _, tx := range ordered {
			if _, ok := replaced[tx.TxID]; ok {
				continue
			}

			for _, in := range tx.Tx.TxIn {
				_, ok := replaced[in.PreviousOutPoint.Hash]
				if !ok {
					continue
				}

				replaced[tx.TxID] = struct{}{}
				changed = true

				break
			}
		}
	}

	return replaced
}

// compareRank orders transactions by conflict priority, winners first.
func compareRank(a, b *TrackedTx) int {
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
		if a.LastSeen > b.LastSeen {
			return -1
		}

		return 1
	}

	return bytes.Compare(a.TxID[:], b.TxID[:])
}
