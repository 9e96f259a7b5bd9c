// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package signer

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
)

// Finalize builds the final scriptSig and witness of every input, verifies
// the resulting transaction with the script engine and returns it. The
// packet is only modified once every input verified, and then carries the
// final scripts in place of its signing data.
func Finalize(packet *psbt.Packet) (*wire.MsgTx, error) {
	if err := psbt.InputsReadyToSign(packet); err != nil {
		return nil, err
	}

	fetcher := prevOutFetcher(packet)
	tx := packet.UnsignedTx.Copy()

	finals := make([]*finalScripts, len(packet.Inputs))
	prevScripts := make([][]byte, len(packet.Inputs))
	inputValues := make([]btcutil.Amount, len(packet.Inputs))
	for idx := range packet.Inputs {
		in := &packet.Inputs[idx]

		prevOut, err := fetchPrevOut(fetcher, tx, idx)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", idx, err)
		}
		prevScripts[idx] = prevOut.PkScript
		inputValues[idx] = btcutil.Amount(prevOut.Value)

		final, err := finalizeInput(in, prevOut)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", idx, err)
		}

		finals[idx] = final
		tx.TxIn[idx].SignatureScript = final.sigScript
		tx.TxIn[idx].Witness = final.witness
	}

	if err := validateMsgTx(tx, prevScripts, inputValues); err != nil {
		return nil, err
	}

	for idx := range packet.Inputs {
		if err := setFinal(&packet.Inputs[idx], finals[idx]); err != nil {
			return nil, fmt.Errorf("input %d: %w", idx, err)
		}
	}

	final, err := psbt.Extract(packet)
	if err != nil {
		return nil, err
	}

	log.Infof("Finalized transaction %v", final.TxHash())

	return final, nil
}

// finalizeInput returns the final scripts of one input, either the ones it
// already carries or the satisfaction built from its partial signatures.
func finalizeInput(in *psbt.PInput,
	prevOut *wire.TxOut) (*finalScripts, error) {

	if isFinalized(in) {
		witness, err := parseWitness(in.FinalScriptWitness)
		if err != nil {
			return nil, err
		}

		return &finalScripts{
			sigScript: in.FinalScriptSig,
			witness:   witness,
		}, nil
	}

	sp, err := analyzeInput(in, prevOut.PkScript)
	if err != nil {
		return nil, err
	}

	return sp.satisfy(in)
}

// setFinal stores the final scripts of an input and drops the data only
// needed for signing.
func setFinal(in *psbt.PInput, final *finalScripts) error {
	if len(final.witness) > 0 {
		var buf bytes.Buffer
		if err := psbt.WriteTxWitness(&buf, final.witness); err != nil {
			return fmt.Errorf("serialize witness: %w", err)
		}
		in.FinalScriptWitness = buf.Bytes()
	}
	in.FinalScriptSig = final.sigScript

	in.PartialSigs = nil
	in.SighashType = 0
	in.RedeemScript = nil
	in.WitnessScript = nil
	in.Bip32Derivation = nil

	return nil
}

// parseWitness decodes a serialized witness stack.
func parseWitness(raw []byte) (wire.TxWitness, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	r := bytes.NewReader(raw)
	count, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}

	witness := make(wire.TxWitness, 0, count)
	for range count {
		item, err := wire.ReadVarBytes(
			r, 0, txscript.MaxScriptSize, "witness",
		)
		if err != nil {
			return nil, err
		}
		witness = append(witness, item)
	}

	return witness, nil
}

// validateMsgTx verifies transaction input scripts for tx. All previous
// output scripts from outputs redeemed by the transaction, in the same order
// they are spent, must be passed in the prevScripts slice.
func validateMsgTx(tx *wire.MsgTx, prevScripts [][]byte,
	inputValues []btcutil.Amount) error {

	inputFetcher, err := txauthor.TXPrevOutFetcher(
		tx, prevScripts, inputValues,
	)
	if err != nil {
		return err
	}

	hashCache := txscript.NewTxSigHashes(tx, inputFetcher)
	for i, prevScript := range prevScripts {
		vm, err := txscript.NewEngine(
			prevScript, tx, i, txscript.StandardVerifyFlags, nil,
			hashCache, int64(inputValues[i]), inputFetcher,
		)
		if err != nil {
			return fmt.Errorf("cannot create script engine: %w", err)
		}

		err = vm.Execute()
		if err != nil {
			return fmt.Errorf("cannot validate transaction: %w", err)
		}
	}

	return nil
}
