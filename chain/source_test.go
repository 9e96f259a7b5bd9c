package chain

import (
	"context"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/descwallet/ledger"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

// remoteChain returns a hashFunc serving a chain that forks at fork.
func remoteChain(fork uint32) hashFunc {
	return func(_ context.Context, height uint32) (chainhash.Hash, error) {
		return blockHashAt(height, fork), nil
	}
}

func heightsOf(cp *ledger.Checkpoint) []uint32 {
	var heights []uint32
	for _, id := range cp.BlockIDs() {
		heights = append(heights, id.Height)
	}

	return heights
}

// TestBuildTip checks the chain a source reports relative to the local one.
func TestBuildTip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		local      []uint32
		remoteFork uint32
		tipHeight  uint32
		want       []uint32
	}{
		{
			name:      "extends local tip",
			local:     []uint32{0, 95, 100},
			tipHeight: 105,
			want: []uint32{
				0, 95, 100, 101, 102, 103, 104, 105,
			},
		},
		{
			name:       "reorg below local tip",
			local:      []uint32{0, 95, 100},
			remoteFork: 98,
			tipHeight:  105,
			want: []uint32{
				0, 95, 96, 97, 98, 99, 100, 101, 102, 103,
				104, 105,
			},
		},
		{
			name:      "far behind",
			local:     []uint32{0},
			tipHeight: 1000,
			want: []uint32{
				0, 991, 992, 993, 994, 995, 996, 997, 998,
				999, 1000,
			},
		},
		{
			name:      "local ahead of source",
			local:     []uint32{0, 50, 120},
			tipHeight: 100,
			want: []uint32{
				0, 50, 91, 92, 93, 94, 95, 96, 97, 98, 99,
				100,
			},
		},
		{
			name:      "same tip",
			local:     []uint32{0, 7},
			tipHeight: 7,
			want:      []uint32{0, 7},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			local := localChain(t, 0, tc.local...)
			tip, err := buildTip(
				context.Background(), local, tc.tipHeight,
				remoteChain(tc.remoteFork),
			)
			require.NoError(t, err)
			require.Equal(t, tc.want, heightsOf(tip))

			// Every reported block carries the source's hash.
			for _, id := range tip.BlockIDs() {
				require.Equal(t,
					blockHashAt(id.Height, tc.remoteFork),
					id.Hash)
			}
		})
	}
}

// TestBuildTipError checks that backend failures surface.
func TestBuildTipError(t *testing.T) {
	t.Parallel()

	errBackend := errors.New("backend down")
	failing := func(context.Context, uint32) (chainhash.Hash, error) {
		return chainhash.Hash{}, errBackend
	}

	_, err := buildTip(
		context.Background(), localChain(t, 0, 0), 10, failing,
	)
	require.ErrorIs(t, err, errBackend)
}

// TestTxSet checks that the deepest view of a transaction is kept.
func TestTxSet(t *testing.T) {
	t.Parallel()

	tx := payTx(tagScript(1, 0), 1)
	anchor := ledger.Anchor{
		Block: ledger.BlockID{Height: 5, Hash: blockHashAt(5, 0)},
	}

	set := newTxSet()
	set.add(ledger.RelevantTx{TxID: tx.TxHash(), Tx: tx})
	set.add(ledger.RelevantTx{
		TxID:   tx.TxHash(),
		Anchor: fn.Some(anchor),
	})
	set.add(ledger.RelevantTx{TxID: chainhash.Hash{1}})

	list := set.list()
	require.Len(t, list, 2)
	require.Equal(t, tx, list[0].Tx)
	require.Equal(t, fn.Some(anchor), list[0].Anchor)
	require.Equal(t, chainhash.Hash{1}, list[1].TxID)
}
