// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/descriptor"
	"github.com/btcsuite/descwallet/signer"
)

// KeyRing returns the private keys of the wallet's own descriptors. It
// returns signer.ErrNoPrivateKeys for a watch-only wallet.
func (w *Wallet) KeyRing() (*signer.KeyRing, error) {
	descs := make([]*descriptor.Descriptor, 0, len(w.descs))
	for _, desc := range w.descs {
		descs = append(descs, desc)
	}

	return signer.NewKeyRing(descs...)
}

// SignPsbt adds every signature keys can produce to packet and reports
// whether every input now meets its threshold. The wallet's own keys are
// used when keys is nil.
func (w *Wallet) SignPsbt(packet *psbt.Packet, keys *signer.KeyRing,
	opts ...signer.SignOption) (bool, error) {

	if keys == nil {
		var err error
		keys, err = w.KeyRing()
		if err != nil {
			return false, err
		}
	}

	return signer.Sign(packet, keys, opts...)
}

// FinalizePsbt finalizes every input of packet and extracts the network
// transaction. It fails with signer.ErrIncompleteSignatures while any input
// lacks signatures.
func (w *Wallet) FinalizePsbt(packet *psbt.Packet) (*wire.MsgTx, error) {
	return signer.Finalize(packet)
}
