// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txbuilder

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/btcsuite/descwallet/descriptor"
	"github.com/btcsuite/descwallet/pkg/btcunit"
)

// ErrInvalidCandidate is returned for a candidate that lacks the data needed
// to spend it.
var ErrInvalidCandidate = errors.New("invalid candidate")

// Candidate is a wallet output that may fund a transaction.
type Candidate struct {
	// OutPoint is the output being spent.
	OutPoint wire.OutPoint

	// Output is the value and script of the output.
	Output *wire.TxOut

	// PrevTx is the full transaction creating the output. It is required
	// for legacy outputs and included for segwit ones as well.
	PrevTx *wire.MsgTx

	// Derived holds the scripts and keys of the owning keychain entry.
	Derived *descriptor.Derived

	// InputWeight is the worst case weight of the input once satisfied.
	InputWeight btcunit.WeightUnit

	// Confirmations is the number of confirmations, zero while in the
	// mempool.
	Confirmations uint32

	// Immature is set for coinbase outputs that cannot be spent yet.
	Immature bool
}

// Amount returns the value of the output.
func (c *Candidate) Amount() btcutil.Amount {
	return btcutil.Amount(c.Output.Value)
}

// EffectiveValue returns the value of the output minus the fee for spending
// it at rate.
func (c *Candidate) EffectiveValue(rate btcunit.SatPerKWeight) btcutil.Amount {
	return c.Amount() - rate.FeeForWeight(c.InputWeight)
}

// isWitness reports whether spending the output needs witness data.
func (c *Candidate) isWitness() bool {
	return c.Derived.Kind.IsWitness()
}

// validate checks that the candidate can be spent by Build.
func (c *Candidate) validate() error {
	switch {
	case c.Output == nil:
		return fmt.Errorf("%w: %v has no output", ErrInvalidCandidate,
			c.OutPoint)

	case c.Derived == nil:
		return fmt.Errorf("%w: %v has no scripts", ErrInvalidCandidate,
			c.OutPoint)

	case c.InputWeight == 0:
		return fmt.Errorf("%w: %v has no input weight",
			ErrInvalidCandidate, c.OutPoint)

	case c.PrevTx == nil && !c.isWitness():
		return fmt.Errorf("%w: legacy output %v needs its previous "+
			"transaction", ErrInvalidCandidate, c.OutPoint)

	case c.PrevTx != nil && c.PrevTx.TxHash() != c.OutPoint.Hash:
		return fmt.Errorf("%w: previous transaction of %v does not "+
			"match", ErrInvalidCandidate, c.OutPoint)
	}

	return nil
}

// Policy controls which candidates are eligible and how they are picked.
type Policy struct {
	// Strategy picks the inputs. BranchAndBound is used when nil.
	Strategy Strategy

	// AllowUnconfirmed makes mempool outputs eligible.
	AllowUnconfirmed bool

	// MinConfs is the number of confirmations a confirmed output needs.
	MinConfs uint32

	// ChangeScriptSize is the size of the change output script. It
	// defaults to a P2WPKH script.
	ChangeScriptSize int

	// ChangeSpendWeight is the weight of the input that will later spend
	// the change. It raises the cost of creating change when picking
	// inputs by waste.
	ChangeSpendWeight btcunit.WeightUnit

	// DustRelayFee is the relay fee in sat/kvb dust is judged by. It
	// defaults to txrules.DefaultRelayFeePerKb.
	DustRelayFee btcutil.Amount
}

// withDefaults returns the policy with zero values replaced by defaults.
func (p Policy) withDefaults() Policy {
	if p.Strategy == nil {
		p.Strategy = BranchAndBound
	}
	if p.ChangeScriptSize == 0 {
		p.ChangeScriptSize = txsizes.P2WPKHPkScriptSize
	}
	if p.DustRelayFee == 0 {
		p.DustRelayFee = txrules.DefaultRelayFeePerKb
	}

	return p
}

// isEligible reports whether the policy allows spending c.
func (p *Policy) isEligible(c *Candidate) bool {
	switch {
	case c.Immature:
		return false

	case c.Confirmations == 0:
		return p.AllowUnconfirmed

	default:
		return c.Confirmations >= p.MinConfs
	}
}
