// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package descriptor

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/btcsuite/descwallet/keychain"
	"github.com/btcsuite/descwallet/pkg/btcunit"
)

const (
	// sigLen is the worst case length of a DER signature plus its sighash
	// byte.
	sigLen = 73

	// compressedKeyLen is the length of a compressed public key.
	compressedKeyLen = 33

	// p2wshProgramLen is the length of a P2WSH output script, which is also
	// the redeem script of a nested P2WSH.
	p2wshProgramLen = 34

	// inputOverhead is the non-script size of a transaction input: the
	// outpoint and the sequence.
	inputOverhead = 32 + 4 + 4
)

// Derived is a descriptor resolved at one derivation index.
type Derived struct {
	// Index is the derivation index the scripts belong to.
	Index uint32

	// Kind is the template of the parent descriptor.
	Kind Kind

	// PkScript is the output script.
	PkScript []byte

	// RedeemScript is set for the sh kinds.
	RedeemScript []byte

	// WitnessScript is set for the wsh kinds.
	WitnessScript []byte

	// Keys are the resolved keys. For multisig kinds they are in the order
	// they appear in the witness or redeem script.
	Keys []DerivedKey

	// Threshold is the number of signatures needed to spend.
	Threshold int
}

// Bip32Derivations returns the PSBT derivation records of every key whose
// origin is known.
func (d *Derived) Bip32Derivations() []*psbt.Bip32Derivation {
	var derivations []*psbt.Bip32Derivation
	for _, k := range d.Keys {
		k.Origin.WhenSome(func(o KeyOrigin) {
			path := make([]uint32, len(o.Path))
			copy(path, o.Path)

			derivations = append(derivations, &psbt.Bip32Derivation{
				PubKey:               k.PubKey.SerializeCompressed(),
				MasterKeyFingerprint: o.MasterFingerprint(),
				Bip32Path:            path,
			})
		})
	}

	return derivations
}

// Derive resolves the descriptor at index. Non-ranged descriptors ignore the
// index.
func (d *Descriptor) Derive(index uint32) (*Derived, error) {
	keys := make([]DerivedKey, len(d.keys))
	for i, k := range d.keys {
		dk, err := k.derive(index)
		if err != nil {
			return nil, err
		}

		keys[i] = dk
	}

	out := &Derived{
		Index:     index,
		Kind:      d.kind,
		Keys:      keys,
		Threshold: d.Threshold(),
	}

	var err error
	switch d.kind {
	case KindPkh:
		out.PkScript, err = p2pkhScript(keys[0].PubKey.SerializeCompressed())

	case KindWpkh:
		out.PkScript, err = p2wpkhScript(keys[0].PubKey.SerializeCompressed())

	case KindShWpkh:
		out.RedeemScript, err = p2wpkhScript(
			keys[0].PubKey.SerializeCompressed(),
		)
		if err == nil {
			out.PkScript, err = p2shScript(out.RedeemScript)
		}

	case KindShSortedMulti:
		sortKeys(out.Keys)
		out.RedeemScript, err = multisigScript(d.threshold, out.Keys)
		if err == nil {
			out.PkScript, err = p2shScript(out.RedeemScript)
		}

	case KindWshSortedMulti:
		sortKeys(out.Keys)
		out.WitnessScript, err = multisigScript(d.threshold, out.Keys)
		if err == nil {
			out.PkScript, err = p2wshScript(out.WitnessScript)
		}

	case KindShWshSortedMulti:
		sortKeys(out.Keys)
		out.WitnessScript, err = multisigScript(d.threshold, out.Keys)
		if err == nil {
			out.RedeemScript, err = p2wshScript(out.WitnessScript)
		}
		if err == nil {
			out.PkScript, err = p2shScript(out.RedeemScript)
		}

	default:
		return nil, unsupported(d.kind.String())
	}
	if err != nil {
		return nil, err
	}

	return out, nil
}

// ScriptFor returns the output script at index.
func (d *Descriptor) ScriptFor(index uint32) ([]byte, error) {
	derived, err := d.Derive(index)
	if err != nil {
		return nil, err
	}

	return derived.PkScript, nil
}

// AddressFor returns the address of the output script at index, encoded for
// net.
func (d *Descriptor) AddressFor(index uint32,
	net *chaincfg.Params) (btcutil.Address, error) {

	if err := d.CheckNetwork(net); err != nil {
		return nil, err
	}

	script, err := d.ScriptFor(index)
	if err != nil {
		return nil, err
	}

	_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, net)
	if err != nil {
		return nil, err
	}
	if len(addrs) != 1 {
		return nil, errors.New("output script has no single address")
	}

	return addrs[0], nil
}

// SpendSize returns the worst case scriptSig length and serialized witness
// length, item count included, of an input spending an output of the
// descriptor. The witness length is zero for legacy kinds.
func (d *Descriptor) SpendSize() (int, int) {
	switch d.kind {
	case KindPkh:
		return txsizes.RedeemP2PKHSigScriptSize, 0

	case KindWpkh:
		return txsizes.RedeemP2WPKHScriptSize,
			txsizes.RedeemP2WPKHInputWitnessWeight

	case KindShWpkh:
		return txsizes.RedeemNestedP2WPKHScriptSize,
			txsizes.RedeemP2WPKHInputWitnessWeight

	case KindShSortedMulti:
		redeemLen := d.multisigScriptLen()
		scriptSig := 1 + d.threshold*(1+sigLen) +
			pushDataLen(redeemLen) + redeemLen

		return scriptSig, 0

	case KindWshSortedMulti:
		return 0, d.multisigWitnessLen()

	case KindShWshSortedMulti:
		return 1 + p2wshProgramLen, d.multisigWitnessLen()

	default:
		return 0, 0
	}
}

// MaxSatisfactionWeight returns the worst case weight of a whole transaction
// input spending an output of the descriptor, witness included.
func (d *Descriptor) MaxSatisfactionWeight() btcunit.WeightUnit {
	scriptSigLen, witnessLen := d.SpendSize()
	base := inputOverhead + wire.VarIntSerializeSize(uint64(scriptSigLen)) +
		scriptSigLen

	return btcunit.NonWitnessWeight(base) + btcunit.WitnessWeight(witnessLen)
}

// multisigScriptLen is the length of the multisig script with compressed
// keys.
func (d *Descriptor) multisigScriptLen() int {
	return 1 + len(d.keys)*(1+compressedKeyLen) + 1 + 1
}

// multisigWitnessLen is the worst case witness of a wsh multisig spend: the
// empty dummy item, the signatures and the witness script.
func (d *Descriptor) multisigWitnessLen() int {
	scriptLen := d.multisigScriptLen()
	items := d.threshold + 2

	return wire.VarIntSerializeSize(uint64(items)) + 1 +
		d.threshold*(1+sigLen) +
		wire.VarIntSerializeSize(uint64(scriptLen)) + scriptLen
}

// pushDataLen is the length of the opcode pushing n bytes.
func pushDataLen(n int) int {
	switch {
	case n < txscript.OP_PUSHDATA1:
		return 1

	case n <= 0xff:
		return 2

	default:
		return 3
	}
}

// sortKeys orders keys by their compressed serialization.
func sortKeys(keys []DerivedKey) {
	sort.SliceStable(keys, func(i, j int) bool {
		return bytes.Compare(
			keys[i].PubKey.SerializeCompressed(),
			keys[j].PubKey.SerializeCompressed(),
		) < 0
	})
}

// multisigScript builds OP_k <key>... OP_n OP_CHECKMULTISIG over keys in the
// given order.
func multisigScript(threshold int, keys []DerivedKey) ([]byte, error) {
	bldr := txscript.NewScriptBuilder()
	bldr.AddInt64(int64(threshold))
	for _, k := range keys {
		bldr.AddData(k.PubKey.SerializeCompressed())
	}
	bldr.AddInt64(int64(len(keys)))
	bldr.AddOp(txscript.OP_CHECKMULTISIG)

	return bldr.Script()
}

func p2pkhScript(pubKey []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(btcutil.Hash160(pubKey)).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

func p2wpkhScript(pubKey []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(btcutil.Hash160(pubKey)).
		Script()
}

func p2shScript(redeemScript []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_HASH160).
		AddData(btcutil.Hash160(redeemScript)).
		AddOp(txscript.OP_EQUAL).
		Script()
}

func p2wshScript(witnessScript []byte) ([]byte, error) {
	h := sha256.Sum256(witnessScript)

	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(h[:]).
		Script()
}

// String returns a short description of the derived scripts for logging.
func (d *Derived) String() string {
	return fmt.Sprintf("%v/%d %x", d.Kind, d.Index, d.PkScript)
}

// A Descriptor is the script source of a keychain branch.
var _ keychain.Deriver = (*Descriptor)(nil)
