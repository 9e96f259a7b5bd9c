// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keychain

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Derive follows path from key and returns the resulting public key and, when
// key carries private material, the matching private key.
//
// ErrInvalidPath is returned for hardened steps below a public-only key, for
// paths deeper than BIP-32 allows and for the (astronomically unlikely)
// invalid child.
func Derive(key *hdkeychain.ExtendedKey, path Path) (*btcec.PublicKey,
	fn.Option[*btcec.PrivateKey], error) {

	none := fn.None[*btcec.PrivateKey]()

	child, err := DeriveExtended(key, path)
	if err != nil {
		return nil, none, err
	}

	pubKey, err := child.ECPubKey()
	if err != nil {
		return nil, none, err
	}

	if !child.IsPrivate() {
		return pubKey, none, nil
	}

	privKey, err := child.ECPrivKey()
	if err != nil {
		return nil, none, err
	}

	return pubKey, fn.Some(privKey), nil
}

// DeriveExtended is like Derive but returns the extended key at the end of
// the path.
func DeriveExtended(key *hdkeychain.ExtendedKey,
	path Path) (*hdkeychain.ExtendedKey, error) {

	if key == nil {
		return nil, fmt.Errorf("%w: nil extended key", ErrInvalidPath)
	}

	var err error
	for _, child := range path {
		if child >= hdkeychain.HardenedKeyStart && !key.IsPrivate() {
			return nil, fmt.Errorf("%w: hardened step %s from a "+
				"public key", ErrInvalidPath, Path{child})
		}

		key, err = key.Derive(child)
		switch {
		case errors.Is(err, hdkeychain.ErrDeriveHardFromPublic),
			errors.Is(err, hdkeychain.ErrDeriveBeyondMaxDepth),
			errors.Is(err, hdkeychain.ErrInvalidChild):

			return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)

		case err != nil:
			return nil, err
		}
	}

	return key, nil
}

// Fingerprint returns the BIP-32 fingerprint of key: the first four bytes of
// the HASH160 of its compressed public key, read as a little-endian uint32 the
// way PSBT derivation records store it.
func Fingerprint(key *hdkeychain.ExtendedKey) (uint32, error) {
	pubKey, err := key.ECPubKey()
	if err != nil {
		return 0, err
	}

	return PubKeyFingerprint(pubKey), nil
}

// PubKeyFingerprint returns the fingerprint of a bare public key.
func PubKeyFingerprint(pubKey *btcec.PublicKey) uint32 {
	id := btcutil.Hash160(pubKey.SerializeCompressed())

	return uint32(id[0]) | uint32(id[1])<<8 | uint32(id[2])<<16 |
		uint32(id[3])<<24
}
