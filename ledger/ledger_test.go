package ledger

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/keychain"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

// requireConserved checks that the net amounts of the canonical
// transactions add up to the balance.
func requireConserved(t *testing.T, l *Ledger) {
	t.Helper()

	var net btcutil.Amount
	for _, d := range l.Transactions() {
		if d.Replaced {
			continue
		}
		net += d.Net()
	}

	require.Equal(t, l.Balance().Total(), net)
}

// TestApplyReceive checks that a confirmed payment to the first receive
// address is credited and the address is no longer handed out.
func TestApplyReceive(t *testing.T) {
	t.Parallel()

	// Arrange: a fresh wallet and a block paying its first address.
	h := newTestHarness(t, nil)
	tx := fundingTx(1, wire.NewTxOut(100_000, externalScript(0)))

	res := &SyncResult{
		Tip: chainTo(t, 1, 0, 0),
		Txs: []RelevantTx{relevant(tx, anchorAt(1, 0))},
	}

	// Act.
	err := h.ledger.Apply(context.Background(), res)

	// Assert: the value is confirmed and index 0 is used.
	require.NoError(t, err)
	require.Equal(t, Balance{Confirmed: 100_000}, h.ledger.Balance())
	require.Equal(t, uint32(1), h.ledger.Tip().Height())

	entry, err := h.keychain.NextUnusedIndex(keychain.External)
	require.NoError(t, err)
	require.Equal(t, uint32(1), entry.Index)

	var utxos []Utxo
	for u := range h.ledger.Utxos() {
		utxos = append(utxos, u)
	}
	require.Len(t, utxos, 1)
	require.Equal(t, uint32(2), utxos[0].Confirmations(2))
	requireConserved(t, h.ledger)
}

// TestApplyIdempotent checks that applying the same result twice changes
// nothing the second time.
func TestApplyIdempotent(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	tx := fundingTx(1, wire.NewTxOut(100_000, externalScript(0)))
	res := &SyncResult{
		Tip: chainTo(t, 1, 0, 0),
		Txs: []RelevantTx{relevant(tx, anchorAt(1, 0))},
	}

	require.NoError(t, h.ledger.Apply(context.Background(), res))
	balance := h.ledger.Balance()
	txs := h.ledger.Transactions()
	appends := h.persister.Appends()

	require.NoError(t, h.ledger.Apply(context.Background(), res))
	require.Equal(t, balance, h.ledger.Balance())
	require.Equal(t, txs, h.ledger.Transactions())
	require.Equal(t, appends, h.persister.Appends())
}

// TestApplyReorg checks that a transaction confirmed in a reorged block
// reverts to unconfirmed and is counted once when it confirms again.
func TestApplyReorg(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	ctx := context.Background()
	tx := fundingTx(1, wire.NewTxOut(100_000, externalScript(0)))

	// Confirm the payment at height 3 of the main fork.
	require.NoError(t, h.ledger.Apply(ctx, &SyncResult{
		Tip: chainTo(t, 3, 0, 0),
		Txs: []RelevantTx{relevant(tx, anchorAt(3, 0))},
	}))
	require.Equal(t, Balance{Confirmed: 100_000}, h.ledger.Balance())

	// A competing fork replaces heights 3 and up and does not include
	// the payment.
	require.NoError(t, h.ledger.Apply(ctx, &SyncResult{
		Tip: chainTo(t, 4, 1, 2),
	}))

	require.Equal(t, blockID(4, 1), h.ledger.Tip().BlockID())
	require.Equal(t, blockID(3, 1), h.ledger.Tip().Get(3).BlockID())
	require.Equal(t, Balance{
		Unconfirmed:      100_000,
		UntrustedPending: 100_000,
	}, h.ledger.Balance())

	tracked, ok := h.ledger.Tx(tx.TxHash())
	require.True(t, ok)
	require.False(t, tracked.IsConfirmed())

	// The payment confirms again on the new fork.
	require.NoError(t, h.ledger.Apply(ctx, &SyncResult{
		Tip: chainTo(t, 5, 1, 2),
		Txs: []RelevantTx{relevant(tx, anchorAt(4, 1))},
	}))
	require.Equal(t, Balance{Confirmed: 100_000}, h.ledger.Balance())
	requireConserved(t, h.ledger)

	// Reloading from the store yields the same state.
	cs, err := h.persister.Load(ctx)
	require.NoError(t, err)

	kc, err := keychain.New(
		&scriptDeriver{tag: 'e'}, &scriptDeriver{tag: 'i'}, 20,
	)
	require.NoError(t, err)

	restored, err := New(Config{
		Net:       testNet,
		Index:     kc,
		Persister: h.persister,
	}, cs)
	require.NoError(t, err)
	require.Equal(t, h.ledger.Tip().BlockID(), restored.Tip().BlockID())
	require.Equal(t, h.ledger.Balance(), restored.Balance())
	require.True(t, kc.IsUsed(keychain.External, 0))
}

// TestApplyReorgTooDeep checks that results which cannot be connected
// within the rollback limit are rejected without changes.
func TestApplyReorgTooDeep(t *testing.T) {
	t.Parallel()

	foreign, err := FromBlockIDs([]BlockID{blockID(5, 9)})
	require.NoError(t, err)

	testCases := []struct {
		name string
		tip  func(t *testing.T) *Checkpoint
	}{
		{
			name: "fork deeper than limit",
			tip: func(t *testing.T) *Checkpoint {
				return chainTo(t, 12, 1, 2)
			},
		},
		{
			name: "no common checkpoint",
			tip: func(t *testing.T) *Checkpoint {
				return foreign
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newTestHarness(t, nil)
			ctx := context.Background()
			require.NoError(t, h.ledger.Apply(ctx, &SyncResult{
				Tip: chainTo(t, 10, 0, 0),
			}))
			appends := h.persister.Appends()

			err := h.ledger.Apply(ctx, &SyncResult{Tip: tc.tip(t)})
			require.ErrorIs(t, err, ErrReorgTooDeep)
			require.Equal(t, blockID(10, 0), h.ledger.Tip().BlockID())
			require.Equal(t, appends, h.persister.Appends())
		})
	}
}

// TestApplyConflicts checks the resolution of double spends between
// unconfirmed and confirmed transactions.
func TestApplyConflicts(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	ctx := context.Background()

	fund := fundingTx(1, wire.NewTxOut(100_000, externalScript(0)))
	require.NoError(t, h.ledger.Apply(ctx, &SyncResult{
		Tip: chainTo(t, 1, 0, 0),
		Txs: []RelevantTx{relevant(fund, anchorAt(1, 0))},
	}))

	spent := []wire.OutPoint{{Hash: fund.TxHash(), Index: 0}}
	txA := spendTx(spent,
		wire.NewTxOut(50_000, foreignScript(0)),
		wire.NewTxOut(49_000, internalScript(0)),
	)
	txB := spendTx(spent,
		wire.NewTxOut(90_000, foreignScript(1)),
		wire.NewTxOut(9_000, internalScript(1)),
	)

	// txA is seen at height 1, txB later at height 2.
	require.NoError(t, h.ledger.Apply(ctx, &SyncResult{
		Txs: []RelevantTx{relevant(txA, fn.None[Anchor]())},
	}))
	require.Equal(t, Balance{
		Unconfirmed:    49_000,
		TrustedPending: 49_000,
	}, h.ledger.Balance())

	require.NoError(t, h.ledger.Apply(ctx, &SyncResult{
		Tip: chainTo(t, 2, 0, 0),
		Txs: []RelevantTx{relevant(txB, fn.None[Anchor]())},
	}))

	// The most recently seen spend wins.
	require.Equal(t, Balance{
		Unconfirmed:    9_000,
		TrustedPending: 9_000,
	}, h.ledger.Balance())
	requireConserved(t, h.ledger)

	replaced := make(map[chainhash.Hash]bool)
	for _, d := range h.ledger.Transactions() {
		replaced[d.TxID] = d.Replaced
	}
	require.True(t, replaced[txA.TxHash()])
	require.False(t, replaced[txB.TxHash()])

	// A confirmation beats any unconfirmed spend.
	require.NoError(t, h.ledger.Apply(ctx, &SyncResult{
		Tip: chainTo(t, 3, 0, 0),
		Txs: []RelevantTx{relevant(txA, anchorAt(3, 0))},
	}))
	require.Equal(t, Balance{Confirmed: 49_000}, h.ledger.Balance())
	requireConserved(t, h.ledger)
}

// TestApplyCoinbaseMaturity checks that coinbase outputs are immature
// until they have enough confirmations.
func TestApplyCoinbaseMaturity(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	ctx := context.Background()

	coinbase := wire.NewMsgTx(1)
	coinbase.AddTxIn(wire.NewTxIn(
		&wire.OutPoint{Index: math.MaxUint32}, []byte{0x51, 0x51}, nil,
	))
	coinbase.AddTxOut(wire.NewTxOut(5_000_000_000, externalScript(0)))

	require.NoError(t, h.ledger.Apply(ctx, &SyncResult{
		Tip: chainTo(t, 1, 0, 0),
		Txs: []RelevantTx{relevant(coinbase, anchorAt(1, 0))},
	}))
	require.Equal(t, Balance{Immature: 5_000_000_000}, h.ledger.Balance())
	require.Zero(t, h.ledger.Balance().Spendable())

	maturity := uint32(testNet.CoinbaseMaturity)
	require.NoError(t, h.ledger.Apply(ctx, &SyncResult{
		Tip: chainTo(t, maturity, 0, 0),
	}))
	require.Equal(t, Balance{Confirmed: 5_000_000_000}, h.ledger.Balance())
}

// TestApplyPersistenceFailure checks that a failed persist leaves the
// ledger untouched and refuses changes until it is reloaded.
func TestApplyPersistenceFailure(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	ctx := context.Background()

	tx := fundingTx(1, wire.NewTxOut(100_000, externalScript(0)))
	res := &SyncResult{
		Tip: chainTo(t, 1, 0, 0),
		Txs: []RelevantTx{relevant(tx, anchorAt(1, 0))},
	}

	// Arrange: the store fails.
	h.persister.setFail(true)

	// Act.
	err := h.ledger.Apply(ctx, res)

	// Assert: nothing changed and the ledger wants a reload.
	require.ErrorIs(t, err, ErrPersistence)
	require.False(t, h.ledger.Trusted())
	require.Equal(t, Balance{}, h.ledger.Balance())
	require.Zero(t, h.ledger.Tip().Height())

	h.persister.setFail(false)
	require.ErrorIs(t, h.ledger.Apply(ctx, res), ErrUntrusted)
	require.ErrorIs(t,
		h.ledger.PersistReveal(ctx, keychain.External, 3), ErrUntrusted,
	)

	require.NoError(t, h.ledger.Reload(ctx))
	require.True(t, h.ledger.Trusted())
	require.NoError(t, h.ledger.Apply(ctx, res))
	require.Equal(t, Balance{Confirmed: 100_000}, h.ledger.Balance())
}

// TestApplyFetchesMissingBodies checks that bodies a source omits are
// fetched and that fetch failures abort the apply.
func TestApplyFetchesMissingBodies(t *testing.T) {
	t.Parallel()

	tx := fundingTx(1, wire.NewTxOut(100_000, externalScript(0)))
	res := func(t *testing.T) *SyncResult {
		return &SyncResult{
			Tip: chainTo(t, 1, 0, 0),
			Txs: []RelevantTx{{
				TxID:   tx.TxHash(),
				Anchor: anchorAt(1, 0),
			}},
		}
	}

	t.Run("fetched", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t, &mapFetcher{
			txs: map[chainhash.Hash]*wire.MsgTx{tx.TxHash(): tx},
		})

		require.NoError(t, h.ledger.Apply(context.Background(), res(t)))
		require.Equal(t, Balance{Confirmed: 100_000}, h.ledger.Balance())
	})

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t, &mapFetcher{block: true})

		err := h.ledger.Apply(context.Background(), res(t))
		require.ErrorIs(t, err, context.DeadlineExceeded)
		require.Zero(t, h.ledger.Tip().Height())
		require.Zero(t, h.persister.Appends())
	})

	t.Run("wrong body", func(t *testing.T) {
		t.Parallel()

		other := fundingTx(2, wire.NewTxOut(1_000, externalScript(1)))
		h := newTestHarness(t, &mapFetcher{
			txs: map[chainhash.Hash]*wire.MsgTx{tx.TxHash(): other},
		})

		err := h.ledger.Apply(context.Background(), res(t))
		require.ErrorIs(t, err, ErrTxIDMismatch)
	})

	t.Run("no fetcher", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t, nil)

		err := h.ledger.Apply(context.Background(), res(t))
		require.ErrorIs(t, err, ErrMissingTxBody)
	})
}

// TestApplyLastActive checks that history found beyond the lookahead is
// recognized once the source reports the last active index.
func TestApplyLastActive(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	tx := fundingTx(1, wire.NewTxOut(70_000, externalScript(45)))

	require.NoError(t, h.ledger.Apply(context.Background(), &SyncResult{
		Tip:        chainTo(t, 1, 0, 0),
		Txs:        []RelevantTx{relevant(tx, anchorAt(1, 0))},
		LastActive: map[keychain.Kind]uint32{keychain.External: 45},
	}))

	require.Equal(t, Balance{Confirmed: 70_000}, h.ledger.Balance())
	require.True(t, h.keychain.IsUsed(keychain.External, 45))
	require.Equal(t,
		fn.Some(uint32(45)), h.keychain.LastRevealed(keychain.External),
	)

	cs, err := h.persister.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint32(45), cs.LastRevealed[keychain.External])
}

// TestApplyRejectedKeepsKeychain checks that a rejected sync result leaves
// the keychain reveals where they were.
func TestApplyRejectedKeepsKeychain(t *testing.T) {
	t.Parallel()

	active := map[keychain.Kind]uint32{keychain.Internal: 40}

	testCases := []struct {
		name    string
		res     func(t *testing.T) *SyncResult
		fail    bool
		wantErr error
	}{
		{
			name: "reorg too deep",
			res: func(t *testing.T) *SyncResult {
				return &SyncResult{
					Tip:        chainTo(t, 12, 1, 2),
					LastActive: active,
				}
			},
			wantErr: ErrReorgTooDeep,
		},
		{
			name: "missing body",
			res: func(t *testing.T) *SyncResult {
				return &SyncResult{
					Tip: chainTo(t, 11, 0, 0),
					Txs: []RelevantTx{{
						TxID:   blockHash(99, 9),
						Anchor: anchorAt(11, 0),
					}},
					LastActive: active,
				}
			},
			wantErr: ErrMissingTxBody,
		},
		{
			name: "persistence failure",
			res: func(t *testing.T) *SyncResult {
				return &SyncResult{
					Tip:        chainTo(t, 11, 0, 0),
					LastActive: active,
				}
			},
			fail:    true,
			wantErr: ErrPersistence,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newTestHarness(t, nil)
			ctx := context.Background()
			require.NoError(t, h.ledger.Apply(ctx, &SyncResult{
				Tip: chainTo(t, 10, 0, 0),
			}))

			h.persister.setFail(tc.fail)
			err := h.ledger.Apply(ctx, tc.res(t))
			require.ErrorIs(t, err, tc.wantErr)

			last := h.keychain.LastRevealed(keychain.Internal)
			require.True(t, last.IsNone())

			entry, err := h.keychain.RevealNextIndex(
				keychain.Internal,
			)
			require.NoError(t, err)
			require.Zero(t, entry.Index)
		})
	}
}

// TestInsertTx checks that a broadcast spend shows up as trusted pending
// change.
func TestInsertTx(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	ctx := context.Background()

	fund := fundingTx(1, wire.NewTxOut(100_000, externalScript(0)))
	require.NoError(t, h.ledger.Apply(ctx, &SyncResult{
		Tip: chainTo(t, 1, 0, 0),
		Txs: []RelevantTx{relevant(fund, anchorAt(1, 0))},
	}))

	spend := spendTx(
		[]wire.OutPoint{{Hash: fund.TxHash(), Index: 0}},
		wire.NewTxOut(60_000, foreignScript(0)),
		wire.NewTxOut(39_000, internalScript(0)),
	)
	require.NoError(t, h.ledger.InsertTx(ctx, spend))
	require.NoError(t, h.ledger.InsertTx(ctx, spend))

	require.Equal(t, Balance{
		Unconfirmed:    39_000,
		TrustedPending: 39_000,
	}, h.ledger.Balance())

	tracked, ok := h.ledger.Tx(spend.TxHash())
	require.True(t, ok)
	require.Equal(t, uint32(1), tracked.LastSeen)

	details := h.ledger.Transactions()
	require.Len(t, details, 2)
	require.Equal(t, spend.TxHash(), details[1].TxID)
	require.Equal(t, fn.Some(btcutil.Amount(1_000)), details[1].Fee)
	require.Equal(t, btcutil.Amount(-61_000), details[1].Net())
}

// TestPersistReveal checks that revealed indices are persisted once and
// restored on load.
func TestPersistReveal(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.ledger.PersistReveal(ctx, keychain.External, 4))
	require.NoError(t, h.ledger.PersistReveal(ctx, keychain.External, 2))
	require.Equal(t, 1, h.persister.Appends())

	cs, err := h.persister.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(4), cs.LastRevealed[keychain.External])

	kc, err := keychain.New(&scriptDeriver{tag: 'e'}, nil, 20)
	require.NoError(t, err)

	_, err = New(Config{Net: testNet, Index: kc, Persister: h.persister}, cs)
	require.NoError(t, err)
	require.Equal(t, fn.Some(uint32(4)), kc.LastRevealed(keychain.External))
}

// TestPersistIssued checks that handed out indices are persisted once and
// skipped by the keychain of a restored ledger.
func TestPersistIssued(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	ctx := context.Background()

	entry, err := h.keychain.NextUnusedIndex(keychain.External)
	require.NoError(t, err)
	require.Zero(t, entry.Index)

	require.NoError(t, h.ledger.PersistIssued(ctx, entry.Kind, 0))
	require.NoError(t, h.ledger.PersistIssued(ctx, entry.Kind, 0))
	require.Equal(t, 1, h.persister.Appends())

	cs, err := h.persister.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, map[IssuedIndex]struct{}{
		{Kind: keychain.External, Index: 0}: {},
	}, cs.Issued)
	require.Contains(t, cs.LastRevealed, keychain.External)
	require.Zero(t, cs.LastRevealed[keychain.External])

	kc, err := keychain.New(&scriptDeriver{tag: 'e'}, nil, 20)
	require.NoError(t, err)

	_, err = New(Config{Net: testNet, Index: kc, Persister: h.persister}, cs)
	require.NoError(t, err)

	entry, err = kc.NextUnusedIndex(keychain.External)
	require.NoError(t, err)
	require.Equal(t, uint32(1), entry.Index)
}

// TestConcurrentApply checks that concurrent applies are serialized and
// readers only see complete snapshots.
func TestConcurrentApply(t *testing.T) {
	t.Parallel()

	const numTxs = 20

	h := newTestHarness(t, nil)
	ctx := context.Background()
	tip := chainTo(t, 1, 0, 0)

	var wg sync.WaitGroup
	errs := make(chan error, numTxs)
	for i := range numTxs {
		wg.Add(1)
		go func() {
			defer wg.Done()

			tx := fundingTx(uint32(i), wire.NewTxOut(
				1_000, externalScript(uint32(i)),
			))
			errs <- h.ledger.Apply(ctx, &SyncResult{
				Tip: tip,
				Txs: []RelevantTx{relevant(tx, anchorAt(1, 0))},
			})
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	// Every observed balance is a whole number of payments and matches
	// the utxo set of the same snapshot.
	for {
		select {
		case <-done:
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			require.Equal(t, Balance{Confirmed: numTxs * 1_000},
				h.ledger.Balance())

			return

		default:
		}

		b := h.ledger.Balance()
		require.Zero(t, b.Confirmed%1_000)
		require.Equal(t, b.Confirmed, b.Total())
	}
}

// TestApplyCanceled checks that a waiting apply gives up with its context.
func TestApplyCanceled(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)

	// Hold the semaphore as an in-flight apply would.
	require.NoError(t, h.ledger.acquire(context.Background()))
	defer h.ledger.release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.ledger.Apply(ctx, &SyncResult{Tip: chainTo(t, 1, 0, 0)})
	require.ErrorIs(t, err, context.Canceled)
}
