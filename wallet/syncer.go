// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"fmt"

	"github.com/btcsuite/descwallet/chain"
	"github.com/btcsuite/descwallet/keychain"
)

// FullScan discovers the history of every keychain, probing indices until
// StopGap consecutive ones have none, and applies what the source found.
// It is the way to restore a wallet from its descriptors.
func (w *Wallet) FullScan(ctx context.Context) error {
	src, err := w.source()
	if err != nil {
		return err
	}

	w.syncMu.Lock()
	defer w.syncMu.Unlock()

	w.state.setSync(syncStateScanning)
	defer w.state.setSync(syncStateIdle)

	branches := make(map[keychain.Kind]chain.ScanBranch, len(w.descs))
	for kind, desc := range w.descs {
		branches[kind] = chain.ScanBranch{
			Deriver: desc,
			State: keychain.NewScanState(
				w.cfg.StopGap, w.keys.LastRevealed(kind),
			),
		}
	}

	req := &chain.ScanRequest{
		Tip:         w.ledger.Tip(),
		Branches:    branches,
		BatchSize:   w.cfg.BatchSize,
		StartHeight: w.cfg.ScanStartHeight,
	}

	log.Infof("Starting full scan from tip %v with stop gap %d",
		req.Tip, w.cfg.StopGap)

	res, err := src.Scan(ctx, req)
	if err != nil {
		return fmt.Errorf("full scan: %w", err)
	}

	if err := w.ledger.Apply(ctx, res); err != nil {
		return fmt.Errorf("apply full scan: %w", err)
	}

	log.Infof("Full scan done: tip=%v, txs=%d, last active=%v", w.Tip(),
		len(res.Txs), res.LastActive)

	return nil
}

// Sync refreshes the history of the revealed scripts, the spends of the
// wallet's outputs and the status of unconfirmed transactions. It does not
// look past the revealed indices.
func (w *Wallet) Sync(ctx context.Context) error {
	src, err := w.source()
	if err != nil {
		return err
	}

	w.syncMu.Lock()
	defer w.syncMu.Unlock()

	w.state.setSync(syncStateSyncing)
	defer w.state.setSync(syncStateIdle)

	req := w.syncRequest()

	log.Debugf("Syncing %d scripts, %d outpoints, %d unconfirmed txs",
		len(req.Scripts), len(req.OutPoints), len(req.Unconfirmed))

	res, err := src.Sync(ctx, req)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	if err := w.ledger.Apply(ctx, res); err != nil {
		return fmt.Errorf("apply sync: %w", err)
	}

	log.Debugf("Sync done at tip %v", w.Tip())

	return nil
}

// syncRequest collects what a quick sync asks the source about.
func (w *Wallet) syncRequest() *chain.SyncRequest {
	req := &chain.SyncRequest{Tip: w.ledger.Tip()}

	for _, kind := range keychain.Kinds {
		if !w.keys.HasKind(kind) {
			continue
		}

		for _, entry := range w.keys.Revealed(kind) {
			req.Scripts = append(req.Scripts, entry.Script)
		}
	}

	for utxo := range w.ledger.Utxos() {
		req.OutPoints = append(req.OutPoints, utxo.OutPoint)
	}

	for _, details := range w.ledger.Transactions() {
		if details.IsConfirmed() || details.Replaced {
			continue
		}
		req.Unconfirmed = append(req.Unconfirmed, details.TxID)
	}

	return req
}
