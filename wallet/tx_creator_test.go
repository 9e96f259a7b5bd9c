package wallet

import (
	"context"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/chain"
	"github.com/btcsuite/descwallet/descriptor"
	"github.com/btcsuite/descwallet/internal/testkeys"
	"github.com/btcsuite/descwallet/keychain"
	"github.com/btcsuite/descwallet/pkg/btcunit"
	"github.com/btcsuite/descwallet/signer"
	"github.com/btcsuite/descwallet/txbuilder"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// takerKeys returns the key ring of the escrow taker.
func takerKeys(t *testing.T) *signer.KeyRing {
	t.Helper()

	var descs []*descriptor.Descriptor
	for _, branch := range []string{"0", "1"} {
		desc, err := descriptor.Parse(
			testkeys.EscrowDescriptor(branch, testkeys.Taker), testNet,
		)
		require.NoError(t, err)
		descs = append(descs, desc)
	}

	keys, err := signer.NewKeyRing(descs...)
	require.NoError(t, err)

	return keys
}

// TestEscrowSpend walks a 2-of-3 escrow payment to the wallet itself from
// PSBT creation to broadcast.
func TestEscrowSpend(t *testing.T) {
	t.Parallel()

	// Arrange: An escrow wallet holding the maker's keys with one
	// confirmed output.
	ctx := context.Background()
	m := newMockSource()
	w := newTestWallet(t, m)
	funding := fundWallet(t, w, m, 0, 100_000)

	dest, err := w.NextUnusedAddress(ctx, keychain.External)
	require.NoError(t, err)

	// Act: Create a PSBT paying 5,000 sat to the wallet's next address.
	packet, err := w.CreatePsbt(ctx, &TxIntent{
		Outputs: []*wire.TxOut{wire.NewTxOut(5_000, dest.PkScript)},
		FeeRate: btcunit.SatPerKWeight(2_500),
	})
	require.NoError(t, err)

	// Assert: The funding output is spent and change goes to the first
	// internal address.
	require.Len(t, packet.UnsignedTx.TxIn, 1)
	require.Equal(t, funding.TxHash(),
		packet.UnsignedTx.TxIn[0].PreviousOutPoint.Hash)
	require.Len(t, packet.UnsignedTx.TxOut, 2)

	change, err := w.PeekAddress(keychain.Internal, 0)
	require.NoError(t, err)

	var sawChange bool
	for _, out := range packet.UnsignedTx.TxOut {
		if string(out.PkScript) == string(change.PkScript) {
			sawChange = true
		}
	}
	require.True(t, sawChange)

	// Act: Sign with the wallet's own keys.
	complete, err := w.SignPsbt(packet, nil)
	require.NoError(t, err)

	// Assert: One signature is not enough.
	require.False(t, complete)
	_, err = w.FinalizePsbt(packet)
	require.ErrorIs(t, err, signer.ErrIncompleteSignatures)

	// Act: Add the taker's signature.
	complete, err = w.SignPsbt(packet, takerKeys(t))
	require.NoError(t, err)
	require.True(t, complete)

	tx, err := w.FinalizePsbt(packet)
	require.NoError(t, err)

	// Act: Broadcast the transaction.
	m.On("Broadcast", mock.Anything, tx).Return(nil).Once()
	require.NoError(t, w.Broadcast(ctx, tx))

	// Assert: The spend is tracked and its outputs are trusted change.
	tracked, ok := w.GetTransaction(tx.TxHash())
	require.True(t, ok)
	require.False(t, tracked.IsConfirmed())

	var outputs int64
	for _, out := range tx.TxOut {
		outputs += out.Value
	}
	fee := btcutil.Amount(100_000 - outputs)
	require.Positive(t, fee)

	balance := w.Balance()
	require.Zero(t, balance.Confirmed)
	require.Zero(t, balance.UntrustedPending)
	require.Equal(t, btcutil.Amount(outputs), balance.TrustedPending)
	require.Equal(t, 100_000-fee, balance.Spendable())
	m.AssertExpectations(t)
}

// TestCreatePsbtErrors checks the failures of CreatePsbt.
func TestCreatePsbtErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newMockSource()
	w := newTestWallet(t, m)
	fundWallet(t, w, m, 0, 20_000)

	script, err := w.Descriptor(keychain.External).ScriptFor(5)
	require.NoError(t, err)

	pay := func(value int64) []*wire.TxOut {
		return []*wire.TxOut{wire.NewTxOut(value, script)}
	}

	tests := []struct {
		name   string
		intent *TxIntent
		err    error
	}{
		{
			name: "no recipients",
			intent: &TxIntent{
				FeeRate: btcunit.SatPerKWeight(1_000),
			},
			err: txbuilder.ErrNoRecipients,
		},
		{
			name: "no fee rate",
			intent: &TxIntent{
				Outputs: pay(5_000),
			},
			err: ErrNoFeeRate,
		},
		{
			name: "insufficient funds",
			intent: &TxIntent{
				Outputs: pay(50_000),
				FeeRate: btcunit.SatPerKWeight(1_000),
			},
			err: txbuilder.ErrInsufficientFunds,
		},
		{
			name: "dust output",
			intent: &TxIntent{
				Outputs: pay(100),
				FeeRate: btcunit.SatPerKWeight(1_000),
			},
			err: txbuilder.ErrDustOutput,
		},
		{
			name: "unknown input",
			intent: &TxIntent{
				Outputs: pay(5_000),
				FeeRate: btcunit.SatPerKWeight(1_000),
				Inputs:  []wire.OutPoint{{Index: 7}},
			},
			err: ErrUnknownInput,
		},
		{
			name: "too many confirmations required",
			intent: &TxIntent{
				Outputs:  pay(5_000),
				FeeRate:  btcunit.SatPerKWeight(1_000),
				MinConfs: 6,
			},
			err: txbuilder.ErrInsufficientFunds,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := w.CreatePsbt(ctx, tc.intent)
			require.ErrorIs(t, err, tc.err)
		})
	}
}

// TestCreatePsbtFeeEstimate checks that an intent without fee rate uses the
// source's estimate for its target.
func TestCreatePsbtFeeEstimate(t *testing.T) {
	t.Parallel()

	// Arrange: A funded wallet whose source estimates 2,000 sat/kw.
	ctx := context.Background()
	m := newMockSource()
	w := newTestWallet(t, m)
	fundWallet(t, w, m, 0, 40_000)

	script, err := w.Descriptor(keychain.External).ScriptFor(4)
	require.NoError(t, err)

	m.On("EstimateFeeRate", mock.Anything, uint32(6)).Return(
		btcunit.SatPerKWeight(2_000), nil,
	).Once()

	// Act: Create a PSBT with a confirmation target.
	packet, err := w.CreatePsbt(ctx, &TxIntent{
		Outputs:    []*wire.TxOut{wire.NewTxOut(10_000, script)},
		ConfTarget: 6,
	})

	// Assert: The estimate was asked for and the PSBT created.
	require.NoError(t, err)
	require.NotNil(t, packet)
	m.AssertExpectations(t)

	// Act & Assert: Estimate failures are reported.
	errNoEstimate := errors.New("no estimate")
	m.On("EstimateFeeRate", mock.Anything, uint32(2)).Return(
		btcunit.SatPerKWeight(0), errNoEstimate,
	).Once()

	_, err = w.CreatePsbt(ctx, &TxIntent{
		Outputs:    []*wire.TxOut{wire.NewTxOut(10_000, script)},
		ConfTarget: 2,
	})
	require.ErrorIs(t, err, errNoEstimate)
}

// TestBroadcastRejected checks that a rejected transaction is not tracked.
func TestBroadcastRejected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newMockSource()
	w := newTestWallet(t, m)

	script, err := w.Descriptor(keychain.External).ScriptFor(0)
	require.NoError(t, err)
	tx := fundingTx(3, script, 30_000)

	m.On("Broadcast", mock.Anything, tx).Return(chain.ErrBroadcast).Once()

	err = w.Broadcast(ctx, tx)
	require.ErrorIs(t, err, chain.ErrBroadcast)

	_, ok := w.GetTransaction(tx.TxHash())
	require.False(t, ok)
	require.Zero(t, w.Balance().Total())
}
