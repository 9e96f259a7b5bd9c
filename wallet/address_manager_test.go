package wallet

import (
	"context"
	"testing"

	"github.com/btcsuite/descwallet/keychain"
	"github.com/btcsuite/descwallet/ledger"
	"github.com/stretchr/testify/require"
)

// TestNewAddress checks that NewAddress hands out consecutive indices and
// persists the reveals.
func TestNewAddress(t *testing.T) {
	t.Parallel()

	// Arrange: A fresh escrow wallet.
	ctx := context.Background()
	store := ledger.NewMemPersister()
	w, err := Create(ctx, escrowConfig(store, nil))
	require.NoError(t, err)

	// Act: Reveal two external addresses and one internal one.
	first, err := w.NewAddress(ctx, keychain.External)
	require.NoError(t, err)
	second, err := w.NewAddress(ctx, keychain.External)
	require.NoError(t, err)
	change, err := w.NewAddress(ctx, keychain.Internal)
	require.NoError(t, err)

	// Assert: Indices are consecutive per keychain and the addresses are
	// those of the descriptors.
	require.EqualValues(t, 0, first.Index)
	require.EqualValues(t, 1, second.Index)
	require.EqualValues(t, 0, change.Index)
	require.Equal(t, keychain.Internal, change.Kind)

	want, err := w.Descriptor(keychain.External).AddressFor(1, testNet)
	require.NoError(t, err)
	require.Equal(t, want.EncodeAddress(), second.String())
	require.NotEqual(t, first.String(), change.String())

	// Assert: The reveals survive a reload.
	cs, err := store.Load(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, cs.LastRevealed[keychain.External])
	require.EqualValues(t, 0, cs.LastRevealed[keychain.Internal])

	loaded, err := Load(ctx, escrowConfig(store, nil))
	require.NoError(t, err)

	listed, err := loaded.ListAddresses(keychain.External)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	require.Equal(t, second.String(), listed[1].String())
}

// TestNextUnusedAddress checks that NextUnusedAddress skips used and handed
// out indices.
func TestNextUnusedAddress(t *testing.T) {
	t.Parallel()

	// Arrange: A wallet whose external index 0 received funds.
	ctx := context.Background()
	m := newMockSource()
	w := newTestWallet(t, m)
	fundWallet(t, w, m, 0, 50_000)

	// Act: Ask for the next unused address twice.
	first, err := w.NextUnusedAddress(ctx, keychain.External)
	require.NoError(t, err)
	second, err := w.NextUnusedAddress(ctx, keychain.External)
	require.NoError(t, err)

	// Assert: Index 0 is used, 1 and 2 are handed out in order.
	require.EqualValues(t, 1, first.Index)
	require.EqualValues(t, 2, second.Index)
}

// TestNextUnusedAddressReload checks that handed out addresses stay handed
// out after the wallet is loaded again.
func TestNextUnusedAddressReload(t *testing.T) {
	t.Parallel()

	// Arrange: A fresh wallet that handed out its first address.
	ctx := context.Background()
	store := ledger.NewMemPersister()
	w, err := Create(ctx, escrowConfig(store, nil))
	require.NoError(t, err)

	first, err := w.NextUnusedAddress(ctx, keychain.External)
	require.NoError(t, err)
	require.EqualValues(t, 0, first.Index)

	// Act: Load the wallet from the store and ask again.
	loaded, err := Load(ctx, escrowConfig(store, nil))
	require.NoError(t, err)

	next, err := loaded.NextUnusedAddress(ctx, keychain.External)
	require.NoError(t, err)

	// Assert: The loaded wallet continues where the first one stopped.
	require.EqualValues(t, 1, next.Index)
	require.NotEqual(t, first.String(), next.String())

	cs, err := store.Load(ctx)
	require.NoError(t, err)
	require.Contains(t, cs.Issued, ledger.IssuedIndex{
		Kind: keychain.External, Index: 1,
	})
}

// TestPeekAddress checks that peeking does not reveal.
func TestPeekAddress(t *testing.T) {
	t.Parallel()

	w := newTestWallet(t, nil)

	info, err := w.PeekAddress(keychain.External, 7)
	require.NoError(t, err)
	require.EqualValues(t, 7, info.Index)

	listed, err := w.ListAddresses(keychain.External)
	require.NoError(t, err)
	require.Empty(t, listed)
}
