// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package descriptor

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/descwallet/keychain"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Wildcard describes the final derivation step of a ranged key.
type Wildcard uint8

const (
	// WildcardNone marks a key without a trailing /*.
	WildcardNone Wildcard = iota

	// WildcardUnhardened marks a key ending in /*.
	WildcardUnhardened

	// WildcardHardened marks a key ending in /*'.
	WildcardHardened
)

// KeyOrigin records where a key sits in its master key's tree.
type KeyOrigin struct {
	// Fingerprint is the first four bytes of the master key's HASH160.
	Fingerprint [4]byte

	// Path is the derivation path from the master key.
	Path keychain.Path
}

// MasterFingerprint returns the fingerprint in the little-endian integer form
// PSBT derivation records use.
func (o KeyOrigin) MasterFingerprint() uint32 {
	return binary.LittleEndian.Uint32(o.Fingerprint[:])
}

// String renders the origin in descriptor form, without brackets.
func (o KeyOrigin) String() string {
	s := hex.EncodeToString(o.Fingerprint[:])
	if len(o.Path) > 0 {
		s += "/" + o.Path.String()
	}

	return s
}

// Key is a key expression of a descriptor: a fixed public or private key, or
// an extended key followed by a derivation path.
type Key struct {
	origin fn.Option[KeyOrigin]

	// Exactly one of pubKey, wif and extKey is set.
	pubKey *btcec.PublicKey
	wif    *btcutil.WIF
	extKey *hdkeychain.ExtendedKey

	// path and wildcard follow extKey.
	path     keychain.Path
	wildcard Wildcard
}

// Origin returns the key origin, if the descriptor declared one.
func (k *Key) Origin() fn.Option[KeyOrigin] {
	return k.origin
}

// IsRange reports whether the key yields a different key per index.
func (k *Key) IsRange() bool {
	return k.wildcard != WildcardNone
}

// HasSecret reports whether the key carries private key material.
func (k *Key) HasSecret() bool {
	switch {
	case k.wif != nil:
		return true

	case k.extKey != nil:
		return k.extKey.IsPrivate()

	default:
		return false
	}
}

// ExtendedKey returns the extended key of the expression, if any.
func (k *Key) ExtendedKey() fn.Option[*hdkeychain.ExtendedKey] {
	if k.extKey == nil {
		return fn.None[*hdkeychain.ExtendedKey]()
	}

	return fn.Some(k.extKey)
}

// PrivKey returns the private key of a WIF expression.
func (k *Key) PrivKey() fn.Option[*btcec.PrivateKey] {
	if k.wif == nil {
		return fn.None[*btcec.PrivateKey]()
	}

	return fn.Some(k.wif.PrivKey)
}

// Path returns the derivation path following the extended key, without the
// wildcard step.
func (k *Key) Path() keychain.Path {
	return k.path
}

// isForNet reports whether the key is usable on net. Bare public keys carry
// no network and are usable everywhere.
func (k *Key) isForNet(net *chaincfg.Params) bool {
	switch {
	case k.wif != nil:
		return k.wif.IsForNet(net)

	case k.extKey != nil:
		return k.extKey.IsForNet(net)

	default:
		return true
	}
}

// String renders the key in descriptor form. Private material is replaced by
// its public counterpart unless withSecrets is set.
func (k *Key) String(withSecrets bool) string {
	var b strings.Builder
	k.origin.WhenSome(func(o KeyOrigin) {
		b.WriteString("[" + o.String() + "]")
	})

	switch {
	case k.pubKey != nil:
		b.WriteString(hex.EncodeToString(k.pubKey.SerializeCompressed()))

	case k.wif != nil:
		if withSecrets {
			b.WriteString(k.wif.String())
		} else {
			b.WriteString(hex.EncodeToString(
				k.wif.SerializePubKey(),
			))
		}

	case k.extKey != nil:
		key := k.extKey
		if key.IsPrivate() && !withSecrets {
			neutered, err := key.Neuter()
			if err == nil {
				key = neutered
			}
		}
		b.WriteString(key.String())

		if len(k.path) > 0 {
			b.WriteString("/" + k.path.String())
		}

		switch k.wildcard {
		case WildcardUnhardened:
			b.WriteString("/*")

		case WildcardHardened:
			b.WriteString("/*'")
		}
	}

	return b.String()
}

// DerivedKey is a key expression resolved at one derivation index.
type DerivedKey struct {
	// PubKey is the resolved public key.
	PubKey *btcec.PublicKey

	// PrivKey is the resolved private key when the expression carries
	// private material.
	PrivKey fn.Option[*btcec.PrivateKey]

	// Origin is the full origin of the resolved key, including the steps
	// below the extended key.
	Origin fn.Option[KeyOrigin]
}

// derive resolves the key expression at index.
func (k *Key) derive(index uint32) (DerivedKey, error) {
	switch {
	case k.pubKey != nil:
		return DerivedKey{
			PubKey:  k.pubKey,
			PrivKey: fn.None[*btcec.PrivateKey](),
			Origin:  k.origin,
		}, nil

	case k.wif != nil:
		return DerivedKey{
			PubKey:  k.wif.PrivKey.PubKey(),
			PrivKey: fn.Some(k.wif.PrivKey),
			Origin:  k.origin,
		}, nil
	}

	childPath := k.path
	switch k.wildcard {
	case WildcardUnhardened:
		if index >= hdkeychain.HardenedKeyStart {
			return DerivedKey{}, fmt.Errorf("%w: index %d out of "+
				"range", keychain.ErrInvalidPath, index)
		}
		childPath = childPath.Child(index)

	case WildcardHardened:
		if index >= hdkeychain.HardenedKeyStart {
			return DerivedKey{}, fmt.Errorf("%w: index %d out of "+
				"range", keychain.ErrInvalidPath, index)
		}
		childPath = childPath.Child(index + hdkeychain.HardenedKeyStart)
	}

	pubKey, privKey, err := keychain.Derive(k.extKey, childPath)
	if err != nil {
		return DerivedKey{}, err
	}

	// Without a declared origin the extended key itself is treated as
	// the root, the way wallets record such keys in PSBTs.
	origin := k.origin.UnwrapOrFunc(func() KeyOrigin {
		var fp [4]byte
		binary.LittleEndian.PutUint32(
			fp[:], keychain.PubKeyFingerprint(mustPubKey(k.extKey)),
		)

		return KeyOrigin{Fingerprint: fp}
	})

	return DerivedKey{
		PubKey:  pubKey,
		PrivKey: privKey,
		Origin: fn.Some(KeyOrigin{
			Fingerprint: origin.Fingerprint,
			Path:        origin.Path.Concat(childPath),
		}),
	}, nil
}

// mustPubKey returns the public key of an extended key that was validated at
// parse time.
func mustPubKey(key *hdkeychain.ExtendedKey) *btcec.PublicKey {
	pubKey, err := key.ECPubKey()
	if err != nil {
		panic(fmt.Sprintf("validated extended key has no public key: %v",
			err))
	}

	return pubKey
}

// parseKey parses a key expression with its optional origin.
func parseKey(expr string) (*Key, error) {
	k := &Key{}

	if strings.HasPrefix(expr, "[") {
		end := strings.IndexByte(expr, ']')
		if end < 0 {
			return nil, parseErrorf("key origin %q is not closed",
				expr)
		}

		origin, err := parseOrigin(expr[1:end])
		if err != nil {
			return nil, err
		}

		k.origin = fn.Some(origin)
		expr = expr[end+1:]
	}

	if expr == "" {
		return nil, parseErrorf("empty key expression")
	}

	parts := strings.Split(expr, "/")
	keyStr, steps := parts[0], parts[1:]

	switch {
	case isHex(keyStr):
		if len(steps) > 0 {
			return nil, parseErrorf("public key %s cannot have a "+
				"derivation path", keyStr)
		}

		raw, _ := hex.DecodeString(keyStr)
		if len(raw) != secp256k1.PubKeyBytesLenCompressed {
			return nil, parseErrorf("public key %s is not a "+
				"compressed key", keyStr)
		}

		pubKey, err := btcec.ParsePubKey(raw)
		if err != nil {
			return nil, newError(ErrParse, "invalid public key "+
				keyStr, err)
		}
		k.pubKey = pubKey

		return k, nil

	case isWIF(keyStr):
		if len(steps) > 0 {
			return nil, parseErrorf("private key cannot have a " +
				"derivation path")
		}

		wif, err := btcutil.DecodeWIF(keyStr)
		if err != nil {
			return nil, newError(ErrParse, "invalid WIF key", err)
		}

		if !wif.CompressPubKey {
			return nil, parseErrorf("WIF key for an uncompressed " +
				"public key is not supported")
		}
		k.wif = wif

		return k, nil
	}

	extKey, err := hdkeychain.NewKeyFromString(keyStr)
	if err != nil {
		return nil, newError(ErrParse, "invalid extended key", err)
	}
	k.extKey = extKey

	if n := len(steps); n > 0 {
		switch steps[n-1] {
		case "*":
			k.wildcard = WildcardUnhardened
			steps = steps[:n-1]

		case "*'", "*h", "*H":
			k.wildcard = WildcardHardened
			steps = steps[:n-1]
		}
	}

	for _, step := range steps {
		if strings.Contains(step, "*") {
			return nil, parseErrorf("wildcard must be the last "+
				"step of %q", expr)
		}
	}

	if len(steps) > 0 {
		path, err := keychain.ParsePath(strings.Join(steps, "/"))
		if err != nil || len(path) != len(steps) {
			return nil, newError(ErrParse, "invalid key path", err)
		}
		k.path = path
	}

	if !extKey.IsPrivate() && (k.path.IsHardened() ||
		k.wildcard == WildcardHardened) {

		return nil, newError(ErrParse, "hardened derivation from "+
			"public key "+keyStr, keychain.ErrInvalidPath)
	}

	return k, nil
}

// parseOrigin parses the inside of a [fingerprint/path] key origin.
func parseOrigin(s string) (KeyOrigin, error) {
	fpStr, pathStr, _ := strings.Cut(s, "/")
	if len(fpStr) != 8 || !isHex(fpStr) {
		return KeyOrigin{}, parseErrorf("fingerprint %q must be 8 hex "+
			"characters", fpStr)
	}

	var origin KeyOrigin
	fp, _ := hex.DecodeString(fpStr)
	copy(origin.Fingerprint[:], fp)

	if pathStr == "" {
		if strings.HasSuffix(s, "/") {
			return KeyOrigin{}, parseErrorf("empty origin path "+
				"in %q", s)
		}

		return origin, nil
	}

	path, err := keychain.ParsePath(pathStr)
	if err != nil {
		return KeyOrigin{}, newError(ErrParse, "invalid origin path",
			err)
	}

	// ParsePath tolerates a leading "m", origins do not.
	if strings.HasPrefix(pathStr, "m") {
		return KeyOrigin{}, parseErrorf("origin path %q must not "+
			"start with m", pathStr)
	}
	origin.Path = path

	return origin, nil
}

// isHex reports whether s is a non-empty lowercase or uppercase hex string of
// even length.
func isHex(s string) bool {
	if s == "" || len(s)%2 != 0 {
		return false
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		isDigit := c >= '0' && c <= '9'
		isLower := c >= 'a' && c <= 'f'
		isUpper := c >= 'A' && c <= 'F'
		if !isDigit && !isLower && !isUpper {
			return false
		}
	}

	return true
}

// isWIF reports whether s has the length of a base58 WIF key. Extended keys
// are far longer, so the length alone tells them apart.
func isWIF(s string) bool {
	return len(s) == 51 || len(s) == 52
}
