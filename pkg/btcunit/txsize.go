// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package btcunit

import (
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
)

// WeightUnit expresses a transaction size in weight units. The weight of a
// transaction is `base size * 3 + total size`, where the base size excludes
// the witness data.
type WeightUnit uint64

// NewWeightUnit creates a WeightUnit from a raw value.
func NewWeightUnit(wu uint64) WeightUnit {
	return WeightUnit(wu)
}

// ToVB converts the weight to virtual bytes, rounding up.
func (w WeightUnit) ToVB() VByte {
	return VByte((uint64(w) + blockchain.WitnessScaleFactor - 1) /
		blockchain.WitnessScaleFactor)
}

// String returns the string representation of the weight.
func (w WeightUnit) String() string {
	return fmt.Sprintf("%d wu", uint64(w))
}

// VByte expresses a transaction size in virtual bytes, a quarter of a weight
// unit.
type VByte uint64

// NewVByte creates a VByte from a raw value.
func NewVByte(vb uint64) VByte {
	return VByte(vb)
}

// ToWU converts the virtual size to weight units.
func (v VByte) ToWU() WeightUnit {
	return WeightUnit(uint64(v) * blockchain.WitnessScaleFactor)
}

// String returns the string representation of the virtual size.
func (v VByte) String() string {
	return fmt.Sprintf("%d vb", uint64(v))
}

// NonWitnessWeight converts a count of bytes that are not witness data into
// weight units.
func NonWitnessWeight(size int) WeightUnit {
	return WeightUnit(size * blockchain.WitnessScaleFactor)
}

// WitnessWeight converts a count of witness bytes into weight units.
func WitnessWeight(size int) WeightUnit {
	return WeightUnit(size)
}
