package secrets

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestSealOpen checks that sealed data opens with the right passphrase
// only.
func TestSealOpen(t *testing.T) {
	t.Parallel()

	plaintext := []byte("wsh(sortedmulti(2,tprv...))")
	pass := []byte("sikrit")

	sealed, err := Seal(plaintext, pass, FastParams)
	require.NoError(t, err)
	require.NotContains(t, string(sealed), string(plaintext))

	got, err := Open(sealed, pass)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)

	_, err = Open(sealed, []byte("wrong"))
	require.ErrorIs(t, err, ErrInvalidPassphrase)

	// Two seals of the same data differ.
	again, err := Seal(plaintext, pass, FastParams)
	require.NoError(t, err)
	require.NotEqual(t, sealed, again)
}

// TestOpenMalformed checks that damaged blobs are rejected.
func TestOpenMalformed(t *testing.T) {
	t.Parallel()

	pass := []byte("sikrit")
	sealed, err := Seal([]byte("secret"), pass, FastParams)
	require.NoError(t, err)

	tests := []struct {
		name   string
		sealed []byte
	}{
		{
			name:   "no magic",
			sealed: []byte("garbage"),
		},
		{
			name:   "truncated header",
			sealed: sealed[:len(magic)+10],
		},
		{
			name: "flipped ciphertext",
			sealed: func() []byte {
				b := append([]byte(nil), sealed...)
				b[len(b)-1] ^= 0x01

				return b
			}(),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := Open(tc.sealed, pass)
			require.ErrorIs(t, err, ErrMalformed)
		})
	}
}

// TestFile checks the file round trip.
func TestFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "keys.sealed")
	pass := []byte("sikrit")

	require.NoError(t, WriteFile(path, []byte("xprv"), pass, FastParams))

	got, err := ReadFile(path, pass)
	require.NoError(t, err)
	require.Equal(t, []byte("xprv"), got)
}
