// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
)

// Broadcast submits tx to the network through the chain source and tracks
// it as unconfirmed. A transaction the source rejects is not tracked.
func (w *Wallet) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	src, err := w.source()
	if err != nil {
		return err
	}

	err = blockchain.CheckTransactionSanity(btcutil.NewTx(tx))
	if err != nil {
		return fmt.Errorf("sanity check: %w", err)
	}

	txid := tx.TxHash()
	log.Debugf("Broadcasting tx %v: %v", txid, newLogClosure(
		func() string {
			return spew.Sdump(tx)
		}),
	)

	if err := src.Broadcast(ctx, tx); err != nil {
		log.Errorf("%v: broadcast failed: %v", txid, err)
		return err
	}

	if err := w.ledger.InsertTx(ctx, tx); err != nil {
		return fmt.Errorf("track broadcast tx %v: %w", txid, err)
	}

	log.Infof("Broadcast tx %v", txid)

	return nil
}
