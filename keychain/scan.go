// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keychain

import (
	"iter"
	"sync"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// DefaultStopGap is the number of consecutive indices without history
	// after which a full scan considers a branch exhausted.
	DefaultStopGap = 50
)

// ScanState drives the full scan of one keychain branch. It hands out
// derivation indices lazily and stops once StopGap consecutive indices past
// the highest known-active index have been scanned without history.
//
// The highest known-active index is the larger of the last index reported
// through ReportFound and the branch's last revealed index. With neither, the
// indices [0, StopGap) are scanned.
type ScanState struct {
	mu sync.Mutex

	stopGap      uint32
	lastRevealed fn.Option[uint32]
	lastFound    fn.Option[uint32]
}

// NewScanState creates the scan state of a branch. A zero stopGap is treated
// as one so a scan always covers at least the first index.
func NewScanState(stopGap uint32, lastRevealed fn.Option[uint32]) *ScanState {
	if stopGap == 0 {
		stopGap = 1
	}

	return &ScanState{
		stopGap:      stopGap,
		lastRevealed: lastRevealed,
	}
}

// ReportFound records that index has transaction history, extending the
// horizon of the scan.
func (s *ScanState) ReportFound(index uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := optionValue(s.lastFound); ok && last >= index {
		return
	}

	s.lastFound = fn.Some(index)
}

// LastFound returns the highest index reported to have history.
func (s *ScanState) LastFound() fn.Option[uint32] {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastFound
}

// Horizon returns the exclusive upper bound of the indices to scan given
// what is currently known.
func (s *ScanState) Horizon() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.horizonLocked()
}

func (s *ScanState) horizonLocked() uint32 {
	active, ok := optionValue(s.lastFound)
	if revealed, rok := optionValue(s.lastRevealed); rok &&
		(!ok || revealed > active) {

		active, ok = revealed, true
	}

	if !ok {
		return s.stopGap
	}

	horizon := uint64(active) + 1 + uint64(s.stopGap)
	if horizon > hdkeychain.HardenedKeyStart {
		return hdkeychain.HardenedKeyStart
	}

	return uint32(horizon)
}

// Indices returns the lazy sequence of indices to scan. The horizon is
// re-evaluated before every index, so findings reported while iterating
// extend the sequence. Each call restarts from index zero.
func (s *ScanState) Indices() iter.Seq[uint32] {
	return func(yield func(uint32) bool) {
		for idx := uint32(0); ; idx++ {
			if idx >= s.Horizon() {
				return
			}

			if !yield(idx) {
				return
			}
		}
	}
}
