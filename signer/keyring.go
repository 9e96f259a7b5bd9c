// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package signer

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/descwallet/descriptor"
	"github.com/btcsuite/descwallet/keychain"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ErrNoPrivateKeys is returned when none of the descriptors given to
// NewKeyRing carries private key material.
var ErrNoPrivateKeys = errors.New("no private keys in descriptors")

// rootKey is an extended private key together with its position in the
// master key's tree.
type rootKey struct {
	fingerprint uint32
	prefix      keychain.Path
	key         *hdkeychain.ExtendedKey
}

// singleKey is a fixed private key.
type singleKey struct {
	pubKey  []byte
	privKey *btcec.PrivateKey
}

// KeyRing holds the private keys of one or more descriptors and resolves
// them from PSBT derivation records.
type KeyRing struct {
	roots   []rootKey
	singles []singleKey
}

// NewKeyRing collects the private keys of descs. Extended private keys are
// matched against PSBT derivations by master fingerprint and origin path.
// WIF keys are matched against the scripts they sign for.
func NewKeyRing(descs ...*descriptor.Descriptor) (*KeyRing, error) {
	ring := &KeyRing{}
	for _, desc := range descs {
		for _, k := range desc.Keys() {
			if !k.HasSecret() {
				continue
			}

			if err := ring.add(k); err != nil {
				return nil, err
			}
		}
	}

	if ring.Len() == 0 {
		return nil, ErrNoPrivateKeys
	}

	log.Debugf("Key ring holds %d extended and %d single keys",
		len(ring.roots), len(ring.singles))

	return ring, nil
}

// add records the private material of k, skipping keys already held.
func (r *KeyRing) add(k *descriptor.Key) error {
	var err error
	k.PrivKey().WhenSome(func(priv *btcec.PrivateKey) {
		pub := priv.PubKey().SerializeCompressed()
		for _, s := range r.singles {
			if bytes.Equal(s.pubKey, pub) {
				return
			}
		}

		r.singles = append(r.singles, singleKey{
			pubKey:  pub,
			privKey: priv,
		})
	})

	k.ExtendedKey().WhenSome(func(ext *hdkeychain.ExtendedKey) {
		root := rootKey{key: ext}

		origin, ok := optionValue(k.Origin())
		if ok {
			root.fingerprint = origin.MasterFingerprint()
			root.prefix = origin.Path
		} else {
			root.fingerprint, err = keychain.Fingerprint(ext)
			if err != nil {
				err = fmt.Errorf("fingerprint of %v: %w",
					k.String(false), err)

				return
			}
		}

		for _, held := range r.roots {
			if held.fingerprint == root.fingerprint &&
				held.prefix.Equal(root.prefix) {

				return
			}
		}

		r.roots = append(r.roots, root)
	})

	return err
}

// Len returns the number of keys in the ring.
func (r *KeyRing) Len() int {
	return len(r.roots) + len(r.singles)
}

// Lookup returns the private key for a PSBT derivation record, if the ring
// holds the extended key it descends from.
func (r *KeyRing) Lookup(d *psbt.Bip32Derivation) (*btcec.PrivateKey, bool) {
	path := keychain.Path(d.Bip32Path)
	for _, root := range r.roots {
		if root.fingerprint != d.MasterKeyFingerprint ||
			!path.HasPrefix(root.prefix) {

			continue
		}

		pubKey, privKey, err := keychain.Derive(
			root.key, path[len(root.prefix):],
		)
		if err != nil {
			log.Debugf("Unable to derive %v: %v", path, err)
			continue
		}

		if !bytes.Equal(pubKey.SerializeCompressed(), d.PubKey) {
			continue
		}

		if priv, ok := optionValue(privKey); ok {
			return priv, true
		}
	}

	return nil, false
}

// signingKey is a private key able to sign for one input.
type signingKey struct {
	pubKey  []byte
	privKey *btcec.PrivateKey
}

// keysFor returns the held keys that sign for the input spend describes.
func (r *KeyRing) keysFor(in *psbt.PInput, sp *spend) []signingKey {
	var keys []signingKey
	add := func(pubKey []byte, privKey *btcec.PrivateKey) {
		if !sp.hasKey(pubKey) {
			return
		}

		for _, k := range keys {
			if bytes.Equal(k.pubKey, pubKey) {
				return
			}
		}

		keys = append(keys, signingKey{
			pubKey:  pubKey,
			privKey: privKey,
		})
	}

	for _, d := range in.Bip32Derivation {
		if priv, ok := r.Lookup(d); ok {
			add(d.PubKey, priv)
		}
	}

	for _, s := range r.singles {
		add(s.pubKey, s.privKey)
	}

	return keys
}

func optionValue[T any](o fn.Option[T]) (T, bool) {
	var (
		value T
		ok    bool
	)
	o.WhenSome(func(v T) {
		value, ok = v, true
	})

	return value, ok
}
