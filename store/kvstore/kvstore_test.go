package kvstore

import (
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/descwallet/internal/storetest"
	"github.com/btcsuite/descwallet/ledger"
	"github.com/stretchr/testify/require"
)

// TestStore runs the persister checks against a bbolt file.
func TestStore(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	storetest.Run(t, func(t *testing.T, name string) storetest.Store {
		store, err := Open(filepath.Join(dir, name+".db"), 0)
		require.NoError(t, err)

		return store
	})
}

// TestBadMagic checks that a database written by something else is refused.
func TestBadMagic(t *testing.T) {
	t.Parallel()

	// Arrange: a database whose root bucket carries a different marker.
	path := filepath.Join(t.TempDir(), "foreign.db")
	db, err := walletdb.Create(dbDriver, path, true, DefaultTimeout, false)
	require.NoError(t, err)

	err = walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		root, err := tx.CreateTopLevelBucket(rootBucketKey)
		if err != nil {
			return err
		}

		return root.Put(magicKey, []byte("something else"))
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Act.
	_, err = Open(path, 0)

	// Assert.
	require.ErrorIs(t, err, ErrBadMagic)
}

// TestCorruptChangeSet checks that an undecodable record fails the load.
func TestCorruptChangeSet(t *testing.T) {
	t.Parallel()

	store, err := Open(filepath.Join(t.TempDir(), "corrupt.db"), 0)
	require.NoError(t, err)
	defer store.Close()

	err = walletdb.Update(store.db, func(tx walletdb.ReadWriteTx) error {
		return putChangeSet(tx, []byte{0xff, 0xff, 0xff})
	})
	require.NoError(t, err)

	_, err = store.Load(t.Context())
	require.ErrorIs(t, err, ledger.ErrCorruptChangeSet)
	require.ErrorContains(t, err, "change-set 1")
}
