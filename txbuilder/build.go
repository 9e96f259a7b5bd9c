// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package txbuilder selects wallet outputs to fund a set of payments and
// builds the unsigned PSBT spending them.
package txbuilder

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/descwallet/descriptor"
)

const (
	// txVersion is the version of built transactions.
	txVersion = 2

	// rbfSequence signals replaceability without enabling a relative
	// lock time.
	rbfSequence = wire.MaxTxInSequenceNum - 2
)

var (
	// ErrSelectionMismatch is returned when Build is given targets other
	// than the ones the selection was made for.
	ErrSelectionMismatch = errors.New("targets do not match selection")

	// ErrChangeScriptSize is returned when the change source hands out a
	// script larger than the one the fee was estimated with.
	ErrChangeScriptSize = errors.New("change script larger than estimated")
)

// ChangeSource hands out change scripts.
type ChangeSource interface {
	// NextChange reveals a fresh internal keychain index and returns its
	// scripts.
	NextChange() (*descriptor.Derived, error)
}

// Build creates the unsigned PSBT of a selection. A change output is added
// when the selection has change. Every input carries what a signer needs
// without further chain lookups. Inputs and outputs are sorted per BIP-69.
func Build(sel *Selection, targets []*wire.TxOut,
	change ChangeSource) (*psbt.Packet, error) {

	if len(targets) == 0 {
		return nil, ErrNoRecipients
	}

	if txauthor.SumOutputValues(targets) !=
		txauthor.SumOutputValues(sel.Targets) ||
		len(targets) != len(sel.Targets) {

		return nil, ErrSelectionMismatch
	}

	tx := wire.NewMsgTx(txVersion)
	for i := range sel.Inputs {
		in := wire.NewTxIn(&sel.Inputs[i].OutPoint, nil, nil)
		in.Sequence = rbfSequence
		tx.AddTxIn(in)
	}

	for _, out := range targets {
		tx.AddTxOut(wire.NewTxOut(out.Value, out.PkScript))
	}

	var changeDerived *descriptor.Derived
	if sel.HasChange() {
		var err error
		changeDerived, err = change.NextChange()
		if err != nil {
			return nil, fmt.Errorf("derive change: %w", err)
		}

		if len(changeDerived.PkScript) > sel.ChangeScriptSize {
			return nil, fmt.Errorf("%w: %d > %d", ErrChangeScriptSize,
				len(changeDerived.PkScript), sel.ChangeScriptSize)
		}

		tx.AddTxOut(wire.NewTxOut(
			int64(sel.Change), changeDerived.PkScript,
		))
	}

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, fmt.Errorf("create psbt: %w", err)
	}

	for i := range sel.Inputs {
		addInputInfo(&packet.Inputs[i], &sel.Inputs[i])
	}

	if changeDerived != nil {
		addOutputInfo(&packet.Outputs[len(packet.Outputs)-1], changeDerived)
	}

	if err := psbt.InPlaceSort(packet); err != nil {
		return nil, fmt.Errorf("sort psbt: %w", err)
	}

	if err := packet.SanityCheck(); err != nil {
		return nil, fmt.Errorf("psbt sanity check: %w", err)
	}

	log.Infof("Built PSBT %v: %d inputs, %d outputs, fee %v",
		packet.UnsignedTx.TxHash(), len(tx.TxIn), len(tx.TxOut), sel.Fee)

	return packet, nil
}

// addInputInfo fills the PSBT input of a candidate.
func addInputInfo(in *psbt.PInput, c *Candidate) {
	// Segwit v0 inputs carry the full previous transaction too, so that
	// signers can check the amount (CVE-2020-14199).
	in.NonWitnessUtxo = c.PrevTx

	// A legacy input must not have a witness UTXO, as signers would treat
	// it as a witness spend.
	if c.isWitness() {
		in.WitnessUtxo = wire.NewTxOut(c.Output.Value, c.Output.PkScript)
	}

	in.SighashType = txscript.SigHashAll
	in.RedeemScript = c.Derived.RedeemScript
	in.WitnessScript = c.Derived.WitnessScript
	in.Bip32Derivation = c.Derived.Bip32Derivations()
}

// addOutputInfo fills the PSBT output of the change.
func addOutputInfo(out *psbt.POutput, d *descriptor.Derived) {
	out.RedeemScript = d.RedeemScript
	out.WitnessScript = d.WitnessScript
	out.Bip32Derivation = d.Bip32Derivations()
}
