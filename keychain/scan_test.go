package keychain

import (
	"slices"
	"testing"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

// TestScanStateNoHistory checks that an empty branch scans exactly the stop
// gap.
func TestScanStateNoHistory(t *testing.T) {
	t.Parallel()

	s := NewScanState(3, fn.None[uint32]())

	require.Equal(t, []uint32{0, 1, 2}, slices.Collect(s.Indices()))
	require.True(t, s.LastFound().IsNone())
}

// TestScanStateExtends checks that findings reported while iterating push the
// horizon out.
func TestScanStateExtends(t *testing.T) {
	t.Parallel()

	s := NewScanState(2, fn.None[uint32]())

	var scanned []uint32
	for idx := range s.Indices() {
		scanned = append(scanned, idx)

		// History at 1 and 3 keeps the scan alive until 5.
		if idx == 1 || idx == 3 {
			s.ReportFound(idx)
		}
	}

	require.Equal(t, []uint32{0, 1, 2, 3, 4, 5}, scanned)
	require.Equal(t, fn.Some(uint32(3)), s.LastFound())
}

// TestScanStateRevealedFloor checks that revealed indices are always scanned.
func TestScanStateRevealedFloor(t *testing.T) {
	t.Parallel()

	s := NewScanState(2, fn.Some(uint32(4)))
	require.Equal(t, uint32(7), s.Horizon())

	// A finding below the revealed index does not shrink the horizon.
	s.ReportFound(1)
	require.Equal(t, uint32(7), s.Horizon())

	s.ReportFound(6)
	require.Equal(t, uint32(9), s.Horizon())

	// Lower reports never move the last found index backwards.
	s.ReportFound(2)
	require.Equal(t, fn.Some(uint32(6)), s.LastFound())
}

// TestScanStateRestartable checks that the sequence can be iterated again.
func TestScanStateRestartable(t *testing.T) {
	t.Parallel()

	s := NewScanState(2, fn.None[uint32]())

	first := slices.Collect(s.Indices())
	second := slices.Collect(s.Indices())
	require.Equal(t, first, second)

	// Early termination is honored.
	for idx := range s.Indices() {
		require.Equal(t, uint32(0), idx)
		break
	}

	// A zero stop gap still scans index zero.
	require.Equal(t, []uint32{0}, slices.Collect(
		NewScanState(0, fn.None[uint32]()).Indices(),
	))
}
