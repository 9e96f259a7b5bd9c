// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package btcunit provides a set of types for dealing with bitcoin fee rates
// and transaction sizes.
package btcunit

import (
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
)

// kilo is a generic multiplier for kilo units.
const kilo = 1000

// SatPerKWeight is a fee rate in satoshis per kilo-weight-unit. It is the
// canonical rate used for fee calculations since weight is what is measured
// when a transaction is estimated.
type SatPerKWeight btcutil.Amount

// NewSatPerKWeight creates a fee rate in sat/kw.
func NewSatPerKWeight(rate btcutil.Amount) SatPerKWeight {
	return SatPerKWeight(rate)
}

// FeeForWeight returns the fee for the given weight, rounded up to the next
// satoshi so a transaction never pays less than the requested rate.
func (s SatPerKWeight) FeeForWeight(wu WeightUnit) btcutil.Amount {
	return btcutil.Amount((int64(s)*int64(wu) + kilo - 1) / kilo)
}

// FeeForVByte returns the fee for the given virtual size.
func (s SatPerKWeight) FeeForVByte(vb VByte) btcutil.Amount {
	return s.FeeForWeight(vb.ToWU())
}

// FeePerKVByte converts the rate to sat/kvb.
func (s SatPerKWeight) FeePerKVByte() SatPerKVByte {
	return SatPerKVByte(s * blockchain.WitnessScaleFactor)
}

// FeePerVByte converts the rate to sat/vb, rounding down.
func (s SatPerKWeight) FeePerVByte() SatPerVByte {
	return SatPerVByte(s * blockchain.WitnessScaleFactor / kilo)
}

// String returns a human-readable string of the fee rate.
func (s SatPerKWeight) String() string {
	return fmt.Sprintf("%d sat/kw", int64(s))
}

// SatPerVByte is a fee rate in sat/vb, the unit users usually quote.
type SatPerVByte btcutil.Amount

// NewSatPerVByte creates a fee rate in sat/vb.
func NewSatPerVByte(rate btcutil.Amount) SatPerVByte {
	return SatPerVByte(rate)
}

// FeePerKWeight converts the rate to sat/kw.
func (s SatPerVByte) FeePerKWeight() SatPerKWeight {
	return SatPerKWeight(s * kilo / blockchain.WitnessScaleFactor)
}

// String returns a human-readable string of the fee rate.
func (s SatPerVByte) String() string {
	return fmt.Sprintf("%d sat/vb", int64(s))
}

// SatPerKVByte is a fee rate in sat/kvb. Relay policy is expressed in this
// unit.
type SatPerKVByte btcutil.Amount

// NewSatPerKVByte creates a fee rate in sat/kvb.
func NewSatPerKVByte(rate btcutil.Amount) SatPerKVByte {
	return SatPerKVByte(rate)
}

// FeePerKWeight converts the rate to sat/kw.
func (s SatPerKVByte) FeePerKWeight() SatPerKWeight {
	return SatPerKWeight(s / blockchain.WitnessScaleFactor)
}

// String returns a human-readable string of the fee rate.
func (s SatPerKVByte) String() string {
	return fmt.Sprintf("%d sat/kvb", int64(s))
}
