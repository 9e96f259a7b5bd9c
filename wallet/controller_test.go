package wallet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/descwallet/ledger"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// waitSync waits for one sync of the auto-sync loop.
func waitSync(t *testing.T, synced <-chan struct{}) {
	t.Helper()

	select {
	case <-synced:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for sync")
	}
}

// TestControllerAutoSync checks that the loop syncs on start, on every tick
// and on every announced block.
func TestControllerAutoSync(t *testing.T) {
	t.Parallel()

	// Arrange: A wallet whose source reports a growing chain.
	ctx := context.Background()
	m := newMockSource()
	w := newTestWallet(t, m)
	force := w.cfg.SyncTicker.(*ticker.Force)

	synced := make(chan struct{}, 3)
	m.On("Sync", mock.Anything, mock.Anything).Return(
		&ledger.SyncResult{Tip: testTip(t, 100)}, nil,
	).Run(func(mock.Arguments) {
		synced <- struct{}{}
	})

	// Act: Start the wallet.
	require.NoError(t, w.Start(ctx))

	// Assert: The wallet synced right away.
	waitSync(t, synced)
	require.True(t, w.state.isStarted())

	// Act & Assert: A tick triggers a sync.
	force.Force <- time.Now()
	waitSync(t, synced)

	// Act & Assert: A block announcement triggers a sync.
	m.blocks <- struct{}{}
	waitSync(t, synced)

	// Assert: A running wallet cannot be started again.
	require.ErrorIs(t, w.Start(ctx), ErrWalletAlreadyStarted)

	// Act: Stop the wallet.
	require.NoError(t, w.Stop(ctx))

	// Assert: The wallet is stopped and applied the synced chain.
	require.False(t, w.state.isRunning())
	require.Equal(t, testBlock(100), w.Tip())

	// Assert: Stopping twice is harmless.
	require.NoError(t, w.Stop(ctx))
}

// TestControllerSyncFailure checks that a failing sync does not stop the
// loop.
func TestControllerSyncFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newMockSource()
	w := newTestWallet(t, m)
	force := w.cfg.SyncTicker.(*ticker.Force)

	synced := make(chan struct{}, 2)
	m.On("Sync", mock.Anything, mock.Anything).Return(
		nil, errors.New("backend down"),
	).Run(func(mock.Arguments) {
		synced <- struct{}{}
	})

	require.NoError(t, w.Start(ctx))
	waitSync(t, synced)

	force.Force <- time.Now()
	waitSync(t, synced)

	require.True(t, w.state.isStarted())
	require.NoError(t, w.Stop(ctx))
}

// TestControllerStartWithoutSource checks that a wallet without a chain
// source cannot start.
func TestControllerStartWithoutSource(t *testing.T) {
	t.Parallel()

	w := newTestWallet(t, nil)

	err := w.Start(context.Background())
	require.ErrorIs(t, err, ErrNoSource)
	require.False(t, w.state.isRunning())
}

// TestControllerStopTimeout checks that Stop gives up when its context is
// done before the loop exits.
func TestControllerStopTimeout(t *testing.T) {
	t.Parallel()

	// Arrange: A source whose sync blocks until released.
	ctx := context.Background()
	m := newMockSource()
	w := newTestWallet(t, m)

	entered := make(chan struct{})
	release := make(chan struct{})
	m.On("Sync", mock.Anything, mock.Anything).Return(
		&ledger.SyncResult{}, nil,
	).Run(func(mock.Arguments) {
		close(entered)
		<-release
	}).Once()

	require.NoError(t, w.Start(ctx))
	<-entered

	// Act: Stop with an expired context.
	stopCtx, cancel := context.WithCancel(ctx)
	cancel()
	err := w.Stop(stopCtx)

	// Assert: Stop reports the expired context.
	require.ErrorIs(t, err, context.Canceled)

	close(release)
}
