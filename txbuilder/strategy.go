// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txbuilder

import (
	"bytes"
	"cmp"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/descwallet/pkg/btcunit"
)

// bnbMaxTries bounds the branch and bound search.
const bnbMaxTries = 100_000

// Strategy picks the inputs of a transaction out of the eligible
// candidates.
type Strategy interface {
	// Pick returns the candidates to spend. It returns
	// ErrInsufficientFunds when the pool cannot pay for the request.
	Pick(pool []Candidate, req *request) ([]Candidate, error)
}

var (
	// LargestFirst always adds the largest remaining candidate next.
	LargestFirst Strategy = &largestFirst{}

	// BranchAndBound searches for an input set that pays the targets
	// without change and wastes the least value, falling back to
	// LargestFirst when there is none.
	BranchAndBound Strategy = &branchAndBound{}

	// Random adds candidates in random order, skipping those that cost
	// more to spend than they are worth. It avoids grinding the wallet
	// into ever smaller outputs.
	Random Strategy = &random{}
)

// largestFirst implements LargestFirst.
type largestFirst struct{}

// Pick sorts by descending value and accumulates.
func (*largestFirst) Pick(pool []Candidate, req *request) ([]Candidate,
	error) {

	ordered := slices.Clone(pool)
	slices.SortStableFunc(ordered, func(a, b Candidate) int {
		if c := cmp.Compare(b.Output.Value, a.Output.Value); c != 0 {
			return c
		}

		return bytes.Compare(a.OutPoint.Hash[:], b.OutPoint.Hash[:])
	})

	return req.accumulate(ordered)
}

// random implements Random.
type random struct{}

// Pick shuffles the positively yielding candidates and accumulates.
func (*random) Pick(pool []Candidate, req *request) ([]Candidate, error) {
	positive := make([]Candidate, 0, len(pool))
	for _, c := range pool {
		if c.EffectiveValue(req.feeRate) <= 0 {
			continue
		}

		positive = append(positive, c)
	}

	rand.Shuffle(len(positive), func(i, j int) {
		positive[i], positive[j] = positive[j], positive[i]
	})

	return req.accumulate(positive)
}

// branchAndBound implements BranchAndBound.
type branchAndBound struct{}

// Pick runs the search and falls back to largest first.
func (b *branchAndBound) Pick(pool []Candidate, req *request) ([]Candidate,
	error) {

	if inputs, ok := b.search(pool, req); ok {
		return inputs, nil
	}

	log.Debugf("No changeless input set found, using largest first")

	return LargestFirst.Pick(pool, req)
}

// search explores include/exclude decisions over the candidates sorted by
// effective value, looking for a total within the target and the cost of
// creating change. The excess over the target is the waste minimized.
func (*branchAndBound) search(pool []Candidate,
	req *request) ([]Candidate, bool) {

	type entry struct {
		candidate Candidate
		value     btcutil.Amount
	}

	var (
		entries   []entry
		available btcutil.Amount
		witness   bool
	)
	for _, c := range pool {
		ev := c.EffectiveValue(req.feeRate)
		if ev <= 0 {
			continue
		}

		entries = append(entries, entry{candidate: c, value: ev})
		available += ev
		witness = witness || c.isWitness()
	}

	slices.SortStableFunc(entries, func(a, b entry) int {
		return cmp.Compare(b.value, a.value)
	})

	// The inputs pay for themselves through their effective values,
	// so the target only covers the rest of the transaction.
	baseWeight := req.weight(nil, false)
	if witness {
		baseWeight += witnessHeader
	}
	target := req.targetTotal + req.feeRate.FeeForWeight(baseWeight)

	costOfChange := req.feeRate.FeeForWeight(
		btcunit.NonWitnessWeight(req.changeOutput) +
			req.policy.ChangeSpendWeight,
	)
	upper := target + costOfChange

	if available < target {
		return nil, false
	}

	var (
		current   btcutil.Amount
		selection []int
		best      []int
		bestWaste btcutil.Amount = math.MaxInt64
	)

	for tries, i := 0, 0; tries < bnbMaxTries; tries, i = tries+1, i+1 {
		backtrack := false

		switch {
		case current+available < target || current > upper:
			backtrack = true

		case current >= target:
			if waste := current - target; waste <= bestWaste {
				best = slices.Clone(selection)
				bestWaste = waste
			}
			backtrack = true
		}

		if !backtrack {
			// Include entry i and move down the branch.
			available -= entries[i].value
			current += entries[i].value
			selection = append(selection, i)

			continue
		}

		if len(selection) == 0 {
			break
		}

		// Return the skipped entries to the pool, then take the
		// exclusion branch of the last included entry.
		last := selection[len(selection)-1]
		for i--; i > last; i-- {
			available += entries[i].value
		}
		current -= entries[last].value
		selection = selection[:len(selection)-1]
	}

	if best == nil {
		return nil, false
	}

	inputs := make([]Candidate, 0, len(best))
	for _, i := range best {
		inputs = append(inputs, entries[i].candidate)
	}

	return inputs, true
}
