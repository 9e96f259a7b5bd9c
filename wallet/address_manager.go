// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/descwallet/keychain"
)

// AddressInfo is a derived address of the wallet.
type AddressInfo struct {
	// Kind is the keychain the address belongs to.
	Kind keychain.Kind

	// Index is the derivation index.
	Index uint32

	// Address is the encoded address.
	Address btcutil.Address

	// PkScript is the output script.
	PkScript []byte
}

// String returns the encoded address.
func (a AddressInfo) String() string {
	return a.Address.EncodeAddress()
}

// NewAddress reveals the next index of the kind's keychain and returns its
// address. The reveal is persisted before the address is returned.
func (w *Wallet) NewAddress(ctx context.Context,
	kind keychain.Kind) (AddressInfo, error) {

	entry, err := w.keys.RevealNextIndex(kind)
	if err != nil {
		return AddressInfo{}, err
	}

	return w.revealAddress(ctx, entry, false)
}

// NextUnusedAddress returns the lowest address of the kind's keychain that
// has no history and was not handed out before, revealing it if needed.
func (w *Wallet) NextUnusedAddress(ctx context.Context,
	kind keychain.Kind) (AddressInfo, error) {

	entry, err := w.keys.NextUnusedIndex(kind)
	if err != nil {
		return AddressInfo{}, err
	}

	return w.revealAddress(ctx, entry, true)
}

// PeekAddress returns the address at index without revealing it.
func (w *Wallet) PeekAddress(kind keychain.Kind,
	index uint32) (AddressInfo, error) {

	entry, err := w.keys.Entry(kind, index)
	if err != nil {
		return AddressInfo{}, err
	}

	return w.addressInfo(entry)
}

// ListAddresses returns the revealed addresses of a keychain in index order.
func (w *Wallet) ListAddresses(kind keychain.Kind) ([]AddressInfo, error) {
	entries := w.keys.Revealed(kind)

	infos := make([]AddressInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := w.addressInfo(entry)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}

	return infos, nil
}

// revealAddress persists the reveal of entry, and its allocation when
// issued is set, and returns its address.
func (w *Wallet) revealAddress(ctx context.Context, entry keychain.Entry,
	issued bool) (AddressInfo, error) {

	info, err := w.addressInfo(entry)
	if err != nil {
		return AddressInfo{}, err
	}

	persist := w.ledger.PersistReveal
	if issued {
		persist = w.ledger.PersistIssued
	}

	err = persist(ctx, entry.Kind, entry.Index)
	if err != nil {
		return AddressInfo{}, fmt.Errorf("persist %v index %d: %w",
			entry.Kind, entry.Index, err)
	}

	log.Debugf("Revealed %v address %v at index %d", entry.Kind, info,
		entry.Index)

	return info, nil
}

// addressInfo encodes the address of a keychain entry.
func (w *Wallet) addressInfo(entry keychain.Entry) (AddressInfo, error) {
	addr, err := w.Descriptor(entry.Kind).AddressFor(entry.Index, w.cfg.Net)
	if err != nil {
		return AddressInfo{}, fmt.Errorf("address of %v index %d: %w",
			entry.Kind, entry.Index, err)
	}

	return AddressInfo{
		Kind:     entry.Kind,
		Index:    entry.Index,
		Address:  addr,
		PkScript: entry.Script,
	}, nil
}
