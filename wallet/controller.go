// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/descwallet/ledger"
)

// blockNotifier is implemented by sources that announce new blocks.
type blockNotifier interface {
	// Notify returns a channel receiving a value per announced block.
	Notify() <-chan struct{}
}

// Start launches the auto-sync loop. The loop syncs once right away, then on
// every tick of the sync ticker and on every block the source announces.
func (w *Wallet) Start(startCtx context.Context) error {
	if err := w.state.toStarting(); err != nil {
		return err
	}

	if w.cfg.Source == nil {
		w.state.toStopped()
		return ErrNoSource
	}

	// A wallet left untrusted by a failed write must be reloaded before
	// the loop applies anything.
	if !w.ledger.Trusted() {
		if err := w.ledger.Reload(startCtx); err != nil {
			w.state.toStopped()
			return fmt.Errorf("reload ledger: %w", err)
		}
	}

	w.lifetimeCtx, w.cancel = context.WithCancel(context.Background())

	w.cfg.SyncTicker.Resume()

	w.wg.Add(1)
	go w.syncLoop()

	w.state.toStarted()

	log.Infof("Wallet started: %v", &w.state)

	return nil
}

// Stop stops the auto-sync loop and waits for it to exit. It returns an
// error if stopCtx is done first.
func (w *Wallet) Stop(stopCtx context.Context) error {
	if err := w.state.toStopping(); err != nil {
		log.Warnf("Wallet already stopped: %v", err)
		return nil
	}

	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-stopCtx.Done():
		return fmt.Errorf("stop request cancelled: %w", stopCtx.Err())
	}

	w.state.toStopped()

	log.Infof("Wallet stopped")

	return nil
}

// syncLoop runs a sync per tick or block announcement until the wallet is
// stopped.
//
// NOTE: This must be run as a goroutine.
func (w *Wallet) syncLoop() {
	defer w.wg.Done()
	defer w.cfg.SyncTicker.Pause()

	var blocks <-chan struct{}
	if n, ok := w.cfg.Source.(blockNotifier); ok {
		blocks = n.Notify()
	}

	w.autoSync()

	for {
		select {
		case <-w.cfg.SyncTicker.Ticks():
			w.autoSync()

		case <-blocks:
			log.Debugf("New block announced, syncing")
			w.autoSync()

		case <-w.lifetimeCtx.Done():
			return
		}
	}
}

// autoSync runs one sync of the loop. A ledger that lost track of the store
// is reloaded so the next round can apply again.
func (w *Wallet) autoSync() {
	ctx := w.lifetimeCtx

	err := w.Sync(ctx)
	switch {
	case err == nil:

	case errors.Is(err, context.Canceled):

	case errors.Is(err, ledger.ErrPersistence),
		errors.Is(err, ledger.ErrUntrusted):

		log.Warnf("Auto sync could not persist, reloading: %v", err)
		if err := w.ledger.Reload(ctx); err != nil {
			log.Errorf("Unable to reload ledger: %v", err)
		}

	default:
		log.Errorf("Auto sync failed: %v", err)
	}
}
