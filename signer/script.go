// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package signer

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrUnsupportedScript is returned for inputs whose script is not one
	// of the descriptor templates.
	ErrUnsupportedScript = errors.New("unsupported input script")

	// ErrScriptMismatch is returned when a redeem or witness script does
	// not hash to the output it spends.
	ErrScriptMismatch = errors.New("script does not match output")
)

// spendKind is the template an input spends.
type spendKind uint8

const (
	spendPkh spendKind = iota
	spendWpkh
	spendShWpkh
	spendShMulti
	spendWshMulti
	spendShWshMulti
)

// String returns the descriptor name of the template.
func (k spendKind) String() string {
	switch k {
	case spendPkh:
		return "pkh"

	case spendWpkh:
		return "wpkh"

	case spendShWpkh:
		return "sh(wpkh)"

	case spendShMulti:
		return "sh(sortedmulti)"

	case spendWshMulti:
		return "wsh(sortedmulti)"

	case spendShWshMulti:
		return "sh(wsh(sortedmulti))"

	default:
		return "unknown"
	}
}

// spend describes how an input is signed and satisfied.
type spend struct {
	kind spendKind

	// scriptCode is the script committed to by the signature hash.
	scriptCode []byte

	// redeemScript is set for the sh kinds.
	redeemScript []byte

	// witnessScript is set for the wsh kinds.
	witnessScript []byte

	// keyHash is the HASH160 of the key of single-key kinds.
	keyHash []byte

	// keys are the multisig keys in script order.
	keys [][]byte

	threshold int
}

func (s *spend) isWitness() bool {
	return s.kind != spendPkh && s.kind != spendShMulti
}

func (s *spend) isMultisig() bool {
	return s.keys != nil
}

// hasKey reports whether pubKey signs for the input.
func (s *spend) hasKey(pubKey []byte) bool {
	if !s.isMultisig() {
		return bytes.Equal(btcutil.Hash160(pubKey), s.keyHash)
	}

	for _, k := range s.keys {
		if bytes.Equal(k, pubKey) {
			return true
		}
	}

	return false
}

// signatures returns the partial signatures of in that count toward the
// threshold, in script key order for multisig kinds.
func (s *spend) signatures(in *psbt.PInput) []*psbt.PartialSig {
	var sigs []*psbt.PartialSig
	if !s.isMultisig() {
		for _, sig := range in.PartialSigs {
			if s.hasKey(sig.PubKey) {
				return append(sigs, sig)
			}
		}

		return nil
	}

	for _, k := range s.keys {
		for _, sig := range in.PartialSigs {
			if bytes.Equal(sig.PubKey, k) {
				sigs = append(sigs, sig)
				break
			}
		}
	}

	return sigs
}

// analyzeInput works out the template of an input from the output it spends
// and the scripts the PSBT carries.
func analyzeInput(in *psbt.PInput, pkScript []byte) (*spend, error) {
	switch txscript.GetScriptClass(pkScript) {
	case txscript.PubKeyHashTy:
		return &spend{
			kind:       spendPkh,
			scriptCode: pkScript,
			keyHash:    pkScript[3:23],
			threshold:  1,
		}, nil

	case txscript.WitnessV0PubKeyHashTy:
		return &spend{
			kind:       spendWpkh,
			scriptCode: pkScript,
			keyHash:    pkScript[2:22],
			threshold:  1,
		}, nil

	case txscript.WitnessV0ScriptHashTy:
		sp, err := multisigSpend(spendWshMulti, in.WitnessScript)
		if err != nil {
			return nil, err
		}

		hash := sha256.Sum256(in.WitnessScript)
		if !bytes.Equal(hash[:], pkScript[2:]) {
			return nil, fmt.Errorf("%w: witness script",
				ErrScriptMismatch)
		}
		sp.witnessScript = in.WitnessScript

		return sp, nil

	case txscript.ScriptHashTy:
		if !bytes.Equal(btcutil.Hash160(in.RedeemScript), pkScript[2:22]) {
			return nil, fmt.Errorf("%w: redeem script",
				ErrScriptMismatch)
		}

		return analyzeRedeemScript(in)

	default:
		return nil, fmt.Errorf("%w: %x", ErrUnsupportedScript, pkScript)
	}
}

// analyzeRedeemScript handles the P2SH templates.
func analyzeRedeemScript(in *psbt.PInput) (*spend, error) {
	redeem := in.RedeemScript

	switch txscript.GetScriptClass(redeem) {
	case txscript.WitnessV0PubKeyHashTy:
		return &spend{
			kind:         spendShWpkh,
			scriptCode:   redeem,
			redeemScript: redeem,
			keyHash:      redeem[2:22],
			threshold:    1,
		}, nil

	case txscript.WitnessV0ScriptHashTy:
		sp, err := multisigSpend(spendShWshMulti, in.WitnessScript)
		if err != nil {
			return nil, err
		}

		hash := sha256.Sum256(in.WitnessScript)
		if !bytes.Equal(hash[:], redeem[2:]) {
			return nil, fmt.Errorf("%w: nested witness script",
				ErrScriptMismatch)
		}
		sp.witnessScript = in.WitnessScript
		sp.redeemScript = redeem

		return sp, nil

	case txscript.MultiSigTy:
		sp, err := multisigSpend(spendShMulti, redeem)
		if err != nil {
			return nil, err
		}
		sp.redeemScript = redeem

		return sp, nil

	default:
		return nil, fmt.Errorf("%w: redeem script %x",
			ErrUnsupportedScript, redeem)
	}
}

// multisigSpend parses a bare multisig script.
func multisigSpend(kind spendKind, script []byte) (*spend, error) {
	if txscript.GetScriptClass(script) != txscript.MultiSigTy {
		return nil, fmt.Errorf("%w: %v script %x", ErrUnsupportedScript,
			kind, script)
	}

	_, threshold, err := txscript.CalcMultiSigStats(script)
	if err != nil {
		return nil, err
	}

	keys, err := txscript.PushedData(script)
	if err != nil {
		return nil, err
	}

	return &spend{
		kind:       kind,
		scriptCode: script,
		keys:       keys,
		threshold:  threshold,
	}, nil
}

// finalScripts is the satisfaction of one input.
type finalScripts struct {
	sigScript []byte
	witness   wire.TxWitness
}

// satisfy builds the final scripts of an input from its partial signatures.
// Multisig inputs use the first threshold signatures in script key order.
func (s *spend) satisfy(in *psbt.PInput) (*finalScripts, error) {
	sigs := s.signatures(in)
	if len(sigs) < s.threshold {
		return nil, fmt.Errorf("%w: %v input has %d of %d",
			ErrIncompleteSignatures, s.kind, len(sigs), s.threshold)
	}
	sigs = sigs[:s.threshold]

	var (
		final = &finalScripts{}
		err   error
	)
	switch s.kind {
	case spendPkh:
		final.sigScript, err = txscript.NewScriptBuilder().
			AddData(sigs[0].Signature).
			AddData(sigs[0].PubKey).
			Script()

	case spendWpkh:
		final.witness = wire.TxWitness{sigs[0].Signature, sigs[0].PubKey}

	case spendShWpkh:
		final.witness = wire.TxWitness{sigs[0].Signature, sigs[0].PubKey}
		final.sigScript, err = pushScript(s.redeemScript)

	case spendWshMulti, spendShWshMulti:
		// CHECKMULTISIG pops one element more than it needs.
		final.witness = wire.TxWitness{nil}
		for _, sig := range sigs {
			final.witness = append(final.witness, sig.Signature)
		}
		final.witness = append(final.witness, s.witnessScript)

		if s.kind == spendShWshMulti {
			final.sigScript, err = pushScript(s.redeemScript)
		}

	case spendShMulti:
		b := txscript.NewScriptBuilder().AddOp(txscript.OP_0)
		for _, sig := range sigs {
			b.AddData(sig.Signature)
		}
		final.sigScript, err = b.AddData(s.redeemScript).Script()
	}
	if err != nil {
		return nil, err
	}

	return final, nil
}

func pushScript(script []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().AddData(script).Script()
}
