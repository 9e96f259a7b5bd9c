// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txbuilder

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/descwallet/pkg/btcunit"
)

const (
	// txOverhead is the non-witness size of the version and lock time.
	txOverhead = 4 + 4

	// witnessHeader is the weight of the segwit marker and flag bytes.
	witnessHeader = 2

	// outputOverhead is the size of an output's value.
	outputOverhead = 8
)

var (
	// ErrNoRecipients is returned when a transaction has no targets.
	ErrNoRecipients = errors.New("no recipients")

	// ErrDustOutput is returned when a target pays less than the dust
	// threshold.
	ErrDustOutput = errors.New("dust output")

	// ErrInsufficientFunds is returned when the eligible candidates cannot
	// pay the targets and the fee.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidFeeRate is returned for a zero fee rate.
	ErrInvalidFeeRate = errors.New("invalid fee rate")
)

// Selection is the outcome of coin selection.
type Selection struct {
	// Inputs are the candidates to spend.
	Inputs []Candidate

	// Targets are the requested outputs.
	Targets []*wire.TxOut

	// InputTotal is the value of the inputs.
	InputTotal btcutil.Amount

	// Fee is the fee the transaction pays, including any leftover too
	// small for a change output.
	Fee btcutil.Amount

	// Change is the value of the change output, zero when there is none.
	Change btcutil.Amount

	// ChangeScriptSize is the size of the change script the weight was
	// estimated with.
	ChangeScriptSize int

	// Weight is the estimated weight of the signed transaction.
	Weight btcunit.WeightUnit

	// FeeRate is the requested fee rate.
	FeeRate btcunit.SatPerKWeight
}

// HasChange reports whether the transaction gets a change output.
func (s *Selection) HasChange() bool {
	return s.Change > 0
}

// request is a coin selection request shared by the strategies.
type request struct {
	targets      []*wire.TxOut
	targetTotal  btcutil.Amount
	feeRate      btcunit.SatPerKWeight
	policy       Policy
	changeOutput int
}

// weight estimates the weight of a transaction spending inputs into the
// targets, plus a change output when withChange is set.
func (r *request) weight(inputs []Candidate,
	withChange bool) btcunit.WeightUnit {

	numOutputs := len(r.targets)
	if withChange {
		numOutputs++
	}

	base := txOverhead + wire.VarIntSerializeSize(uint64(len(inputs))) +
		wire.VarIntSerializeSize(uint64(numOutputs))
	for _, out := range r.targets {
		base += outputSize(len(out.PkScript))
	}
	if withChange {
		base += r.changeOutput
	}

	weight := btcunit.NonWitnessWeight(base)

	hasWitness := false
	for i := range inputs {
		if inputs[i].isWitness() {
			hasWitness = true
		}
		weight += inputs[i].InputWeight
	}

	// Once any input has a witness, every other input carries an empty
	// witness stack.
	if hasWitness {
		weight += witnessHeader
		for i := range inputs {
			if !inputs[i].isWitness() {
				weight += btcunit.WitnessWeight(1)
			}
		}
	}

	return weight
}

// fee returns the fee for spending inputs at the requested rate.
func (r *request) fee(inputs []Candidate, withChange bool) btcutil.Amount {
	return r.feeRate.FeeForWeight(r.weight(inputs, withChange))
}

// finish turns a funded input set into a selection, adding change when the
// leftover is worth an output.
func (r *request) finish(inputs []Candidate) (*Selection, error) {
	total := sumCandidates(inputs)

	feeNoChange := r.fee(inputs, false)
	if total < r.targetTotal+feeNoChange {
		return nil, fmt.Errorf("%w: need %v, have %v",
			ErrInsufficientFunds, r.targetTotal+feeNoChange, total)
	}

	sel := &Selection{
		Inputs:           inputs,
		Targets:          r.targets,
		InputTotal:       total,
		Fee:              total - r.targetTotal,
		ChangeScriptSize: r.policy.ChangeScriptSize,
		Weight:           r.weight(inputs, false),
		FeeRate:          r.feeRate,
	}

	feeWithChange := r.fee(inputs, true)
	leftover := total - r.targetTotal - feeWithChange
	changeScript := changeScriptTemplate(r.policy.ChangeScriptSize)
	change := wire.NewTxOut(int64(leftover), changeScript)
	if leftover > 0 &&
		!txrules.IsDustOutput(change, r.policy.DustRelayFee) {

		sel.Change = leftover
		sel.Fee = feeWithChange
		sel.Weight = r.weight(inputs, true)
	}

	return sel, nil
}

// changeScriptTemplate returns a placeholder output script of size bytes.
// Sizes of segwit v0 and v1 programs are shaped as witness programs so the
// dust check uses the witness spend size.
func changeScriptTemplate(size int) []byte {
	script := make([]byte, size)

	switch size {
	case 22:
		script[0], script[1] = txscript.OP_0, txscript.OP_DATA_20

	case 34:
		script[0], script[1] = txscript.OP_1, txscript.OP_DATA_32
	}

	return script
}

// accumulate adds candidates in order until they pay for the targets and
// the fee at the current input count.
func (r *request) accumulate(ordered []Candidate) ([]Candidate, error) {
	var (
		selected []Candidate
		total    btcutil.Amount
	)
	for _, c := range ordered {
		selected = append(selected, c)
		total += c.Amount()

		// The fee is re-estimated with every input as each one adds
		// weight.
		if total >= r.targetTotal+r.fee(selected, false) {
			return selected, nil
		}
	}

	return nil, fmt.Errorf("%w: need %v, have %v", ErrInsufficientFunds,
		r.targetTotal+r.fee(selected, false), total)
}

// Select picks eligible candidates to pay targets at feeRate.
func Select(candidates []Candidate, targets []*wire.TxOut,
	feeRate btcunit.SatPerKWeight, policy Policy) (*Selection, error) {

	policy = policy.withDefaults()

	if err := checkTargets(targets, policy.DustRelayFee); err != nil {
		return nil, err
	}

	if feeRate <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFeeRate, feeRate)
	}

	pool := make([]Candidate, 0, len(candidates))
	for i := range candidates {
		c := &candidates[i]
		if err := c.validate(); err != nil {
			return nil, err
		}

		if policy.isEligible(c) {
			pool = append(pool, *c)
		}
	}

	req := &request{
		targets:      targets,
		targetTotal:  txauthor.SumOutputValues(targets),
		feeRate:      feeRate,
		policy:       policy,
		changeOutput: outputSize(policy.ChangeScriptSize),
	}

	inputs, err := policy.Strategy.Pick(pool, req)
	if err != nil {
		return nil, err
	}

	sel, err := req.finish(inputs)
	if err != nil {
		return nil, err
	}

	log.Debugf("Selected %d of %d candidates: inputs=%v, fee=%v, "+
		"change=%v, weight=%v", len(sel.Inputs), len(pool),
		sel.InputTotal, sel.Fee, sel.Change, sel.Weight)

	return sel, nil
}

// checkTargets rejects empty and dust target sets.
func checkTargets(targets []*wire.TxOut, relayFee btcutil.Amount) error {
	if len(targets) == 0 {
		return ErrNoRecipients
	}

	for i, out := range targets {
		err := txrules.CheckOutput(out, relayFee)
		switch {
		case errors.Is(err, txrules.ErrOutputIsDust):
			return fmt.Errorf("%w: output %d of %v: %w",
				ErrDustOutput, i, btcutil.Amount(out.Value), err)

		case err != nil:
			return fmt.Errorf("output %d: %w", i, err)
		}
	}

	return nil
}

// outputSize is the serialized size of an output with a script of the given
// length.
func outputSize(scriptLen int) int {
	return outputOverhead + wire.VarIntSerializeSize(uint64(scriptLen)) +
		scriptLen
}

func sumCandidates(cs []Candidate) btcutil.Amount {
	var total btcutil.Amount
	for i := range cs {
		total += cs[i].Amount()
	}

	return total
}
