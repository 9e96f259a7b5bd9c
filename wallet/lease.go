// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
)

// DefaultLeaseDuration is how long CreatePsbt keeps the inputs it selected
// out of further coin selection.
const DefaultLeaseDuration = 10 * time.Minute

var (
	// ErrOutputLeased is returned when an output is leased under another
	// id.
	ErrOutputLeased = errors.New("output already leased")

	// ErrLeaseIDMismatch is returned when releasing an output leased under
	// another id.
	ErrLeaseIDMismatch = errors.New("output leased under another id")
)

// LeaseID identifies the holder of an output lease.
type LeaseID [32]byte

// psbtLeaseID is the id CreatePsbt leases its inputs under.
var psbtLeaseID = LeaseID{'p', 's', 'b', 't'}

// LeasedOutput is an output kept out of coin selection until Expiration.
type LeasedOutput struct {
	OutPoint   wire.OutPoint
	ID         LeaseID
	Expiration time.Time
}

type lease struct {
	id     LeaseID
	expiry time.Time
}

// leaseSet tracks output leases in memory. Expired leases are dropped
// lazily.
type leaseSet struct {
	mu     sync.Mutex
	clock  clock.Clock
	leases map[wire.OutPoint]lease
}

func newLeaseSet(c clock.Clock) *leaseSet {
	return &leaseSet{
		clock:  c,
		leases: make(map[wire.OutPoint]lease),
	}
}

// activeLocked returns the unexpired lease of op. The caller must hold mu.
func (s *leaseSet) activeLocked(op wire.OutPoint) (lease, bool) {
	l, ok := s.leases[op]
	if !ok {
		return lease{}, false
	}

	if !s.clock.Now().Before(l.expiry) {
		delete(s.leases, op)
		return lease{}, false
	}

	return l, true
}

// isLeased reports whether op is under an unexpired lease.
func (s *leaseSet) isLeased(op wire.OutPoint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.activeLocked(op)

	return ok
}

// lease leases every outpoint to id, or none of them when one is leased
// under another id.
func (s *leaseSet) lease(id LeaseID, duration time.Duration,
	ops ...wire.OutPoint) (time.Time, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range ops {
		if l, ok := s.activeLocked(op); ok && l.id != id {
			return time.Time{}, fmt.Errorf("%w: %v",
				ErrOutputLeased, op)
		}
	}

	expiry := s.clock.Now().Add(duration)
	for _, op := range ops {
		s.leases[op] = lease{id: id, expiry: expiry}
	}

	return expiry, nil
}

// release drops the lease of op held by id.
func (s *leaseSet) release(id LeaseID, op wire.OutPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.activeLocked(op)
	if !ok {
		return nil
	}

	if l.id != id {
		return fmt.Errorf("%w: %v", ErrLeaseIDMismatch, op)
	}

	delete(s.leases, op)

	return nil
}

// list returns the unexpired leases in outpoint order.
func (s *leaseSet) list() []LeasedOutput {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []LeasedOutput
	for op := range s.leases {
		l, ok := s.activeLocked(op)
		if !ok {
			continue
		}

		out = append(out, LeasedOutput{
			OutPoint:   op,
			ID:         l.id,
			Expiration: l.expiry,
		})
	}

	slices.SortFunc(out, func(a, b LeasedOutput) int {
		if c := bytes.Compare(
			a.OutPoint.Hash[:], b.OutPoint.Hash[:],
		); c != 0 {
			return c
		}

		return cmp.Compare(a.OutPoint.Index, b.OutPoint.Index)
	})

	return out
}

// LeaseOutput keeps an unspent wallet output out of coin selection for
// duration. Leasing again under the same id extends the lease. The
// expiration is returned.
func (w *Wallet) LeaseOutput(id LeaseID, op wire.OutPoint,
	duration time.Duration) (time.Time, error) {

	if !w.isUtxo(op) {
		return time.Time{}, fmt.Errorf("%w: %v", ErrUnknownInput, op)
	}

	return w.leases.lease(id, duration, op)
}

// ReleaseOutput returns a leased output to coin selection. Releasing an
// output that is not leased is a no-op.
func (w *Wallet) ReleaseOutput(id LeaseID, op wire.OutPoint) error {
	return w.leases.release(id, op)
}

// ListLeasedOutputs returns the outputs under an unexpired lease.
func (w *Wallet) ListLeasedOutputs() []LeasedOutput {
	return w.leases.list()
}

// isUtxo reports whether op is an unspent wallet output.
func (w *Wallet) isUtxo(op wire.OutPoint) bool {
	for utxo := range w.ledger.Utxos() {
		if utxo.OutPoint == op {
			return true
		}
	}

	return false
}
