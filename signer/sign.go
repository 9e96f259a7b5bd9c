// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package signer attaches ECDSA signatures to PSBTs built for descriptor
// outputs and finalizes them once every input meets its policy.
package signer

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrIncompleteSignatures is returned when an input does not carry
	// enough signatures to be finalized.
	ErrIncompleteSignatures = errors.New("incomplete signatures")

	// ErrSigHashMismatch is returned when the requested sighash type
	// differs from the one the PSBT input asks for.
	ErrSigHashMismatch = errors.New("sighash type mismatch")

	// ErrMissingUtxo is returned for an input without the output it
	// spends.
	ErrMissingUtxo = errors.New("missing utxo information")
)

// signOptions holds the optional parameters of Sign.
type signOptions struct {
	sigHashType txscript.SigHashType
}

// defaultSignOptions returns the default signing options.
func defaultSignOptions() *signOptions {
	return &signOptions{
		sigHashType: txscript.SigHashAll,
	}
}

// SignOption is a functional option for Sign.
type SignOption func(*signOptions)

// WithSigHashType signs with the given sighash type instead of
// SIGHASH_ALL.
func WithSigHashType(t txscript.SigHashType) SignOption {
	return func(o *signOptions) {
		o.sigHashType = t
	}
}

// Sign adds a signature for every input key the ring holds a private key
// for. It returns true when every input meets its signature threshold.
// Inputs that are already finalized, and keys that already signed, are
// skipped.
func Sign(packet *psbt.Packet, keys *KeyRing,
	opts ...SignOption) (bool, error) {

	o := defaultSignOptions()
	for _, opt := range opts {
		opt(o)
	}

	if err := psbt.InputsReadyToSign(packet); err != nil {
		return false, err
	}

	fetcher := prevOutFetcher(packet)
	sigHashes := txscript.NewTxSigHashes(packet.UnsignedTx, fetcher)

	updater, err := psbt.NewUpdater(packet)
	if err != nil {
		return false, err
	}

	added := 0
	for idx := range packet.Inputs {
		n, err := signInput(
			updater, idx, keys, fetcher, sigHashes, o.sigHashType,
		)
		if err != nil {
			return false, fmt.Errorf("input %d: %w", idx, err)
		}
		added += n
	}

	complete, err := isComplete(packet, fetcher)
	if err != nil {
		return false, err
	}

	log.Debugf("Added %d signatures to PSBT %v, complete=%v", added,
		packet.UnsignedTx.TxHash(), complete)

	return complete, nil
}

// signInput signs one input with every matching key and returns the number
// of signatures added.
func signInput(updater *psbt.Updater, idx int, keys *KeyRing,
	fetcher txscript.PrevOutputFetcher, sigHashes *txscript.TxSigHashes,
	hashType txscript.SigHashType) (int, error) {

	packet := updater.Upsbt
	in := &packet.Inputs[idx]
	if isFinalized(in) {
		return 0, nil
	}

	if in.SighashType != 0 && in.SighashType != hashType {
		return 0, fmt.Errorf("%w: input wants %v, signing with %v",
			ErrSigHashMismatch, in.SighashType, hashType)
	}

	tx := packet.UnsignedTx
	prevOut, err := fetchPrevOut(fetcher, tx, idx)
	if err != nil {
		return 0, err
	}

	sp, err := analyzeInput(in, prevOut.PkScript)
	if err != nil {
		return 0, err
	}

	added := 0
	for _, key := range keys.keysFor(in, sp) {
		if hasPartialSig(in, key.pubKey) {
			continue
		}

		var sig []byte
		if sp.isWitness() {
			sig, err = txscript.RawTxInWitnessSignature(
				tx, sigHashes, idx, prevOut.Value,
				sp.scriptCode, hashType, key.privKey,
			)
		} else {
			sig, err = txscript.RawTxInSignature(
				tx, idx, sp.scriptCode, hashType, key.privKey,
			)
		}
		if err != nil {
			return added, fmt.Errorf("sign: %w", err)
		}

		outcome, err := updater.Sign(idx, sig, key.pubKey, nil, nil)
		if err != nil {
			return added, fmt.Errorf("add signature: %w", err)
		}
		if outcome != psbt.SignSuccesful {
			return added, fmt.Errorf("add signature: outcome %d",
				outcome)
		}

		// The updater may replace the input value, so re-read it.
		in = &packet.Inputs[idx]
		added++
	}

	return added, nil
}

// isComplete reports whether every input is finalized or meets its
// threshold.
func isComplete(packet *psbt.Packet,
	fetcher txscript.PrevOutputFetcher) (bool, error) {

	for idx := range packet.Inputs {
		in := &packet.Inputs[idx]
		if isFinalized(in) {
			continue
		}

		prevOut, err := fetchPrevOut(fetcher, packet.UnsignedTx, idx)
		if err != nil {
			return false, fmt.Errorf("input %d: %w", idx, err)
		}

		sp, err := analyzeInput(in, prevOut.PkScript)
		if err != nil {
			return false, fmt.Errorf("input %d: %w", idx, err)
		}

		if len(sp.signatures(in)) < sp.threshold {
			return false, nil
		}
	}

	return true, nil
}

func fetchPrevOut(fetcher txscript.PrevOutputFetcher, tx *wire.MsgTx,
	idx int) (*wire.TxOut, error) {

	op := tx.TxIn[idx].PreviousOutPoint
	prevOut := fetcher.FetchPrevOutput(op)
	if prevOut == nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingUtxo, op)
	}

	return prevOut, nil
}

func isFinalized(in *psbt.PInput) bool {
	return len(in.FinalScriptSig) > 0 || len(in.FinalScriptWitness) > 0
}

func hasPartialSig(in *psbt.PInput, pubKey []byte) bool {
	for _, sig := range in.PartialSigs {
		if bytes.Equal(sig.PubKey, pubKey) {
			return true
		}
	}

	return false
}

// prevOutFetcher returns a txscript.PrevOutputFetcher built from the UTXO
// information in a PSBT packet. The full previous transaction is preferred
// over the witness UTXO.
func prevOutFetcher(packet *psbt.Packet) *txscript.MultiPrevOutFetcher {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for idx, txIn := range packet.UnsignedTx.TxIn {
		in := packet.Inputs[idx]

		var prevOut *wire.TxOut
		switch {
		case in.NonWitnessUtxo != nil:
			prevIndex := txIn.PreviousOutPoint.Index
			if int(prevIndex) >= len(in.NonWitnessUtxo.TxOut) {
				continue
			}
			prevOut = in.NonWitnessUtxo.TxOut[prevIndex]

		case in.WitnessUtxo != nil:
			prevOut = in.WitnessUtxo

		default:
			continue
		}

		fetcher.AddPrevOut(txIn.PreviousOutPoint, prevOut)
	}

	return fetcher
}
