// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"slices"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/descwallet/ledger"
)

// Balance returns the wallet balance at the current tip.
func (w *Wallet) Balance() ledger.Balance {
	return w.ledger.Balance()
}

// ListUnspent returns the wallet's unspent outputs in outpoint order.
func (w *Wallet) ListUnspent() []ledger.Utxo {
	return slices.Collect(w.ledger.Utxos())
}

// ListTransactions returns every tracked transaction with its amounts
// relative to the wallet, unconfirmed ones last.
func (w *Wallet) ListTransactions() []ledger.TxDetails {
	return w.ledger.Transactions()
}

// GetTransaction returns a tracked transaction.
func (w *Wallet) GetTransaction(txid chainhash.Hash) (*ledger.TrackedTx,
	bool) {

	return w.ledger.Tx(txid)
}
