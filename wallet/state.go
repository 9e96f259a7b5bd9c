// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrStateForbidden is returned when an operation cannot be performed
	// in the wallet's current state.
	ErrStateForbidden = errors.New("operation forbidden in current state")

	// ErrWalletAlreadyStarted is returned by Start on a running wallet.
	ErrWalletAlreadyStarted = errors.New("wallet already started")
)

// lifecycle represents the lifecycle state of the auto-sync loop.
type lifecycle uint32

const (
	// lifecycleStopped indicates the wallet is stopped.
	lifecycleStopped lifecycle = iota

	// lifecycleStarting indicates the wallet is starting up.
	lifecycleStarting

	// lifecycleStarted indicates the wallet is started.
	lifecycleStarted

	// lifecycleStopping indicates the wallet is currently stopping.
	lifecycleStopping
)

// String returns the string representation of a lifecycle.
func (l lifecycle) String() string {
	switch l {
	case lifecycleStopped:
		return "stopped"

	case lifecycleStarting:
		return "starting"

	case lifecycleStarted:
		return "started"

	case lifecycleStopping:
		return "stopping"

	default:
		return "unknown lifecycle state"
	}
}

// syncState tracks what the wallet is doing with its chain source.
type syncState uint32

const (
	// syncStateIdle indicates no scan or sync is running.
	syncStateIdle syncState = iota

	// syncStateSyncing indicates a quick sync of revealed scripts.
	syncStateSyncing

	// syncStateScanning indicates a full scan up to the stop gap.
	syncStateScanning
)

// String returns the string representation of a sync state.
func (s syncState) String() string {
	switch s {
	case syncStateIdle:
		return "idle"

	case syncStateSyncing:
		return "syncing"

	case syncStateScanning:
		return "scanning"

	default:
		return "unknown sync state"
	}
}

// walletState is a thread-safe view of the wallet's lifecycle and chain
// activity. The two dimensions are independent: a wallet that was never
// started can still be scanned explicitly.
type walletState struct {
	// lifecycle tracks the start/stop state of the auto-sync loop.
	lifecycle atomic.Uint32

	// sync tracks the running scan or sync.
	sync atomic.Uint32
}

// newWalletState returns a stopped, idle state.
func newWalletState() walletState {
	return walletState{}
}

// String returns a summary of the wallet's state.
func (s *walletState) String() string {
	return fmt.Sprintf("status=%v, sync=%v",
		lifecycle(s.lifecycle.Load()), s.syncState())
}

// toStarting transitions the wallet from Stopped to Starting.
func (s *walletState) toStarting() error {
	if !s.lifecycle.CompareAndSwap(
		uint32(lifecycleStopped), uint32(lifecycleStarting)) {

		return fmt.Errorf("%w: current state is %v",
			ErrWalletAlreadyStarted, lifecycle(s.lifecycle.Load()))
	}

	return nil
}

// toStarted marks the wallet as fully started.
func (s *walletState) toStarted() {
	s.lifecycle.Store(uint32(lifecycleStarted))
}

// toStopping transitions the wallet from Started to Stopping.
func (s *walletState) toStopping() error {
	if !s.lifecycle.CompareAndSwap(
		uint32(lifecycleStarted), uint32(lifecycleStopping)) {

		return ErrStateForbidden
	}

	return nil
}

// toStopped marks the wallet as fully stopped.
func (s *walletState) toStopped() {
	s.lifecycle.Store(uint32(lifecycleStopped))
}

// isStarted returns true if the wallet is in the Started state.
func (s *walletState) isStarted() bool {
	return lifecycle(s.lifecycle.Load()) == lifecycleStarted
}

// isRunning returns true if the wallet is starting or started.
func (s *walletState) isRunning() bool {
	lc := lifecycle(s.lifecycle.Load())
	return lc != lifecycleStopped && lc != lifecycleStopping
}

// setSync records the running chain activity.
func (s *walletState) setSync(state syncState) {
	s.sync.Store(uint32(state))
}

// syncState returns the running chain activity.
func (s *walletState) syncState() syncState {
	return syncState(s.sync.Load())
}
