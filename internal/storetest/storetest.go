// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package storetest holds the behavior every ledger.Persister must show,
// run by the tests of each store.
package storetest

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/keychain"
	"github.com/btcsuite/descwallet/ledger"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

// Store is a persister under test.
type Store interface {
	ledger.Persister

	// Compact replaces the stored change-sets with their merge.
	Compact(ctx context.Context) error

	// Close releases the store.
	Close() error
}

// Opener opens the store named name. Opening the same name again must see
// what was written before.
type Opener func(t *testing.T, name string) Store

func hashOf(seed uint32) chainhash.Hash {
	return chainhash.DoubleHashH(binary.BigEndian.AppendUint32(nil, seed))
}

func payment(seed uint32, value int64) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: hashOf(seed)}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(value, []byte{0x00, 0x14}))

	return tx
}

// SampleChangeSets returns change-sets as a wallet produces them: creation,
// a sync that confirms a payment, and a reorg that removes it again.
func SampleChangeSets() []*ledger.ChangeSet {
	tx := payment(1, 50_000)
	txid := tx.TxHash()

	created := ledger.NewChangeSet()
	created.Network = fn.Some(wire.TestNet3)
	created.Descriptors[keychain.External] = "wpkh(tpub/0/*)"
	created.Descriptors[keychain.Internal] = "wpkh(tpub/1/*)"
	created.Blocks[0] = fn.Some(hashOf(100))

	synced := ledger.NewChangeSet()
	synced.Blocks[10] = fn.Some(hashOf(110))
	synced.Txs[txid] = tx
	synced.Anchors[txid] = fn.Some(ledger.Anchor{
		Block: ledger.BlockID{Height: 10, Hash: hashOf(110)},
		Time:  time.Unix(1_700_000_000, 0),
	})
	synced.LastSeen[txid] = 10
	synced.LastRevealed[keychain.External] = 4

	reorged := ledger.NewChangeSet()
	reorged.Blocks[10] = fn.None[chainhash.Hash]()
	reorged.Blocks[11] = fn.Some(hashOf(211))
	reorged.Anchors[txid] = fn.None[ledger.Anchor]()
	reorged.LastSeen[txid] = 11
	reorged.LastRevealed[keychain.Internal] = 0

	return []*ledger.ChangeSet{created, synced, reorged}
}

// requireSameState checks that two change-sets encode identically.
func requireSameState(t *testing.T, want, got *ledger.ChangeSet) {
	t.Helper()

	wantBytes, err := want.EncodeBytes()
	require.NoError(t, err)

	gotBytes, err := got.EncodeBytes()
	require.NoError(t, err)

	require.Equal(t, wantBytes, gotBytes)
}

// Run checks the persister contract against the stores open returns.
func Run(t *testing.T, open Opener) {
	t.Run("empty", func(t *testing.T) {
		store := open(t, "empty")
		defer store.Close()

		cs, err := store.Load(t.Context())
		require.NoError(t, err)
		require.True(t, cs.IsEmpty())
	})

	t.Run("append and load", func(t *testing.T) {
		store := open(t, "append")

		want := ledger.NewChangeSet()
		for _, cs := range SampleChangeSets() {
			require.NoError(t, store.Append(t.Context(), cs))
			want.Merge(cs)
		}
		require.NoError(t, store.Flush(t.Context()))

		// An empty change-set is accepted and changes nothing.
		err := store.Append(t.Context(), ledger.NewChangeSet())
		require.NoError(t, err)

		got, err := store.Load(t.Context())
		require.NoError(t, err)
		requireSameState(t, want, got)

		// The state survives reopening.
		require.NoError(t, store.Close())

		store = open(t, "append")
		defer store.Close()

		got, err = store.Load(t.Context())
		require.NoError(t, err)
		requireSameState(t, want, got)
	})

	t.Run("compact", func(t *testing.T) {
		store := open(t, "compact")
		defer store.Close()

		want := ledger.NewChangeSet()
		for _, cs := range SampleChangeSets() {
			require.NoError(t, store.Append(t.Context(), cs))
			want.Merge(cs)
		}

		require.NoError(t, store.Compact(t.Context()))

		got, err := store.Load(t.Context())
		require.NoError(t, err)
		requireSameState(t, want, got)

		// Appends after compaction still merge on top.
		extra := ledger.NewChangeSet()
		extra.LastRevealed[keychain.External] = 9
		require.NoError(t, store.Append(t.Context(), extra))
		want.Merge(extra)

		got, err = store.Load(t.Context())
		require.NoError(t, err)
		requireSameState(t, want, got)
	})

	t.Run("canceled", func(t *testing.T) {
		store := open(t, "canceled")
		defer store.Close()

		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		err := store.Append(ctx, SampleChangeSets()[0])
		require.ErrorIs(t, err, context.Canceled)
	})
}
