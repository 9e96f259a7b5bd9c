// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/descriptor"
	"github.com/btcsuite/descwallet/keychain"
	"github.com/btcsuite/descwallet/ledger"
	"github.com/btcsuite/descwallet/pkg/btcunit"
	"github.com/btcsuite/descwallet/txbuilder"
)

var (
	// ErrNoFeeRate is returned when an intent has neither a fee rate nor
	// a confirmation target.
	ErrNoFeeRate = errors.New("no fee rate or confirmation target")

	// ErrUnknownInput is returned when an intent names an outpoint that is
	// not an unspent wallet output.
	ErrUnknownInput = errors.New("input is not a wallet utxo")
)

// TxIntent describes a transaction to create.
type TxIntent struct {
	// Outputs are the recipients.
	Outputs []*wire.TxOut

	// FeeRate is the fee rate to pay. When zero, the source's estimate
	// for ConfTarget is used.
	FeeRate btcunit.SatPerKWeight

	// ConfTarget is the confirmation target passed to the source when
	// FeeRate is zero.
	ConfTarget uint32

	// Inputs restricts coin selection to these outpoints when set.
	Inputs []wire.OutPoint

	// Strategy picks the inputs. Branch and bound is used when nil.
	Strategy txbuilder.Strategy

	// MinConfs is the number of confirmations a confirmed input needs.
	MinConfs uint32

	// AllowUntrusted makes unconfirmed outputs received from others
	// eligible. Unconfirmed change is always eligible.
	AllowUntrusted bool
}

// CreatePsbt selects inputs for intent and returns the unsigned PSBT. A
// change output, if any, pays a freshly revealed internal address whose
// reveal is persisted. Leased outputs are never selected, and the selected
// inputs are leased for DefaultLeaseDuration.
func (w *Wallet) CreatePsbt(ctx context.Context,
	intent *TxIntent) (*psbt.Packet, error) {

	if len(intent.Outputs) == 0 {
		return nil, txbuilder.ErrNoRecipients
	}

	feeRate, err := w.feeRate(ctx, intent)
	if err != nil {
		return nil, err
	}

	w.createMu.Lock()
	defer w.createMu.Unlock()

	candidates, err := w.candidates(intent)
	if err != nil {
		return nil, err
	}

	change := w.Descriptor(keychain.Internal)
	changeScript, err := change.ScriptFor(0)
	if err != nil {
		return nil, fmt.Errorf("change script: %w", err)
	}

	policy := txbuilder.Policy{
		Strategy:          intent.Strategy,
		AllowUnconfirmed:  true,
		MinConfs:          intent.MinConfs,
		ChangeScriptSize:  len(changeScript),
		ChangeSpendWeight: change.MaxSatisfactionWeight(),
	}

	sel, err := txbuilder.Select(
		candidates, intent.Outputs, feeRate, policy,
	)
	if err != nil {
		return nil, err
	}

	packet, err := txbuilder.Build(
		sel, intent.Outputs, &changeSource{ctx: ctx, w: w},
	)
	if err != nil {
		return nil, err
	}

	ops := make([]wire.OutPoint, 0, len(sel.Inputs))
	for _, in := range sel.Inputs {
		ops = append(ops, in.OutPoint)
	}
	_, err = w.leases.lease(psbtLeaseID, DefaultLeaseDuration, ops...)
	if err != nil {
		return nil, err
	}

	log.Infof("Created PSBT %v spending %d inputs at %v",
		packet.UnsignedTx.TxHash(), len(sel.Inputs), feeRate)

	return packet, nil
}

// feeRate returns the intent's fee rate, asking the source when it has
// none.
func (w *Wallet) feeRate(ctx context.Context,
	intent *TxIntent) (btcunit.SatPerKWeight, error) {

	if intent.FeeRate > 0 {
		return intent.FeeRate, nil
	}

	if intent.ConfTarget == 0 {
		return 0, ErrNoFeeRate
	}

	src, err := w.source()
	if err != nil {
		return 0, err
	}

	rate, err := src.EstimateFeeRate(ctx, intent.ConfTarget)
	if err != nil {
		return 0, fmt.Errorf("estimate fee for %d blocks: %w",
			intent.ConfTarget, err)
	}

	return rate, nil
}

// candidates turns the wallet's unspent outputs into selection candidates.
func (w *Wallet) candidates(intent *TxIntent) ([]txbuilder.Candidate,
	error) {

	var only map[wire.OutPoint]bool
	if len(intent.Inputs) > 0 {
		only = make(map[wire.OutPoint]bool, len(intent.Inputs))
		for _, op := range intent.Inputs {
			only[op] = false
		}
	}

	tipHeight := w.ledger.Tip().Height()

	var candidates []txbuilder.Candidate
	for utxo := range w.ledger.Utxos() {
		if only != nil {
			if _, ok := only[utxo.OutPoint]; !ok {
				continue
			}
			only[utxo.OutPoint] = true
		}

		if w.leases.isLeased(utxo.OutPoint) {
			if only != nil {
				return nil, fmt.Errorf("%w: %v",
					ErrOutputLeased, utxo.OutPoint)
			}

			continue
		}

		if !utxo.IsConfirmed() && !utxo.Trusted &&
			!intent.AllowUntrusted {

			continue
		}

		c, err := w.candidate(&utxo, tipHeight)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}

	for op, seen := range only {
		if !seen {
			return nil, fmt.Errorf("%w: %v", ErrUnknownInput, op)
		}
	}

	return candidates, nil
}

// candidate resolves the scripts and keys spending utxo.
func (w *Wallet) candidate(utxo *ledger.Utxo,
	tipHeight uint32) (txbuilder.Candidate, error) {

	desc := w.Descriptor(utxo.Kind)

	derived, err := desc.Derive(utxo.Index)
	if err != nil {
		return txbuilder.Candidate{}, fmt.Errorf("derive %v index %d: "+
			"%w", utxo.Kind, utxo.Index, err)
	}

	output := utxo.Output

	return txbuilder.Candidate{
		OutPoint:      utxo.OutPoint,
		Output:        &output,
		PrevTx:        w.txFromLedger(utxo.OutPoint),
		Derived:       derived,
		InputWeight:   desc.MaxSatisfactionWeight(),
		Confirmations: utxo.Confirmations(tipHeight),
		Immature:      !utxo.IsMature(tipHeight, w.cfg.Net),
	}, nil
}

// changeSource reveals internal indices for change outputs.
type changeSource struct {
	ctx context.Context
	w   *Wallet
}

// NextChange reveals and persists the next internal index.
func (c *changeSource) NextChange() (*descriptor.Derived, error) {
	entry, err := c.w.keys.RevealNextIndex(keychain.Internal)
	if err != nil {
		return nil, err
	}

	err = c.w.ledger.PersistReveal(c.ctx, entry.Kind, entry.Index)
	if err != nil {
		return nil, fmt.Errorf("persist change index %d: %w",
			entry.Index, err)
	}

	return c.w.Descriptor(entry.Kind).Derive(entry.Index)
}
