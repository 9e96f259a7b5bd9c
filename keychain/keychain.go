// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package keychain derives keys along BIP-32 paths and tracks which derived
// scripts of a wallet have been revealed, handed out or used on chain.
package keychain

import (
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// DefaultLookahead is the number of scripts derived past the last
	// revealed index so that incoming payments to not yet revealed
	// addresses are still recognized.
	DefaultLookahead = 25
)

var (
	// ErrUnknownKeychain is returned when a keychain kind has no
	// descriptor.
	ErrUnknownKeychain = errors.New("unknown keychain")

	// ErrIndexExhausted is returned when no further non-hardened index is
	// available on a branch.
	ErrIndexExhausted = errors.New("keychain index space exhausted")
)

// Deriver produces the output script for a derivation index. A descriptor
// satisfies this interface.
type Deriver interface {
	// ScriptFor returns the output script at index.
	ScriptFor(index uint32) ([]byte, error)

	// IsRange reports whether the deriver yields a different script per
	// index. A non-range deriver only has index 0.
	IsRange() bool
}

// Entry is an immutable derived script of a keychain.
type Entry struct {
	// Kind is the keychain the entry belongs to.
	Kind Kind

	// Index is the derivation index.
	Index uint32

	// Script is the output script.
	Script []byte
}

// branch is the state of a single keychain kind.
type branch struct {
	deriver Deriver

	// entries holds derived scripts, entries[i] having index i.
	entries []Entry

	// lastRevealed is the highest index ever handed out or discovered.
	lastRevealed fn.Option[uint32]

	// used marks indices that appear in a tracked transaction output.
	used map[uint32]struct{}

	// issued marks indices handed out by NextUnusedIndex.
	issued map[uint32]struct{}
}

// Keychain tracks the derived scripts of every keychain kind of a wallet. It
// is safe for concurrent use.
type Keychain struct {
	mu sync.Mutex

	lookahead uint32
	branches  map[Kind]*branch

	// spks maps an output script to its owning entry.
	spks map[string]Entry
}

// New creates a keychain from an external deriver and an optional internal
// one. When internal is nil, change is derived from the external keychain.
func New(external, internal Deriver, lookahead uint32) (*Keychain, error) {
	if external == nil {
		return nil, fmt.Errorf("%w: missing external deriver",
			ErrUnknownKeychain)
	}

	k := &Keychain{
		lookahead: lookahead,
		branches:  make(map[Kind]*branch),
		spks:      make(map[string]Entry),
	}

	k.branches[External] = newBranch(external)
	if internal != nil {
		k.branches[Internal] = newBranch(internal)
	}

	for kind := range k.branches {
		if err := k.fillLookahead(kind); err != nil {
			return nil, err
		}
	}

	return k, nil
}

func newBranch(d Deriver) *branch {
	return &branch{
		deriver: d,
		used:    make(map[uint32]struct{}),
		issued:  make(map[uint32]struct{}),
	}
}

// branchFor returns the branch serving kind. Internal requests fall back to
// the external branch for single-descriptor wallets.
func (k *Keychain) branchFor(kind Kind) (Kind, *branch, error) {
	if b, ok := k.branches[kind]; ok {
		return kind, b, nil
	}

	if kind == Internal {
		return External, k.branches[External], nil
	}

	return kind, nil, fmt.Errorf("%w: %v", ErrUnknownKeychain, kind)
}

// HasKind reports whether the keychain has its own deriver for kind.
func (k *Keychain) HasKind(kind Kind) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	_, ok := k.branches[kind]

	return ok
}

// Entry returns the entry at index, deriving and caching it if needed. It
// does not reveal the index.
func (k *Keychain) Entry(kind Kind, index uint32) (Entry, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	kind, b, err := k.branchFor(kind)
	if err != nil {
		return Entry{}, err
	}

	return k.entryLocked(kind, b, index)
}

// entryLocked derives entries up to index. The caller must hold mu.
func (k *Keychain) entryLocked(kind Kind, b *branch,
	index uint32) (Entry, error) {

	if !b.deriver.IsRange() {
		index = 0
	}

	for uint32(len(b.entries)) <= index {
		next := uint32(len(b.entries))
		script, err := b.deriver.ScriptFor(next)
		if err != nil {
			return Entry{}, fmt.Errorf("derive %v/%d: %w", kind, next,
				err)
		}

		entry := Entry{Kind: kind, Index: next, Script: script}
		b.entries = append(b.entries, entry)
		k.spks[string(script)] = entry
	}

	return b.entries[index], nil
}

// fillLookahead derives scripts up to the lookahead window past the last
// revealed index. The caller must hold mu or own k exclusively.
func (k *Keychain) fillLookahead(kind Kind) error {
	b := k.branches[kind]

	target := k.lookahead
	b.lastRevealed.WhenSome(func(last uint32) {
		target = last + 1 + k.lookahead
	})

	if target == 0 {
		target = 1
	}

	_, err := k.entryLocked(kind, b, target-1)

	return err
}

// RevealNextIndex reveals a fresh index on the kind's branch and returns its
// entry. Non-range branches always return index 0.
func (k *Keychain) RevealNextIndex(kind Kind) (Entry, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	kind, b, err := k.branchFor(kind)
	if err != nil {
		return Entry{}, err
	}

	next, err := nextIndex(b)
	if err != nil {
		return Entry{}, err
	}

	return k.revealLocked(kind, b, next)
}

// nextIndex returns the index following the last revealed one.
func nextIndex(b *branch) (uint32, error) {
	if !b.deriver.IsRange() {
		return 0, nil
	}

	next := uint32(0)
	if last, ok := optionValue(b.lastRevealed); ok {
		if last+1 >= hdkeychain.HardenedKeyStart {
			return 0, ErrIndexExhausted
		}

		next = last + 1
	}

	return next, nil
}

// revealLocked marks every index up to index as revealed. The caller must
// hold mu.
func (k *Keychain) revealLocked(kind Kind, b *branch,
	index uint32) (Entry, error) {

	entry, err := k.entryLocked(kind, b, index)
	if err != nil {
		return Entry{}, err
	}

	last, ok := optionValue(b.lastRevealed)
	if !ok || entry.Index > last {
		b.lastRevealed = fn.Some(entry.Index)
		log.Debugf("Revealed %v index %d", kind, entry.Index)
	}

	if err := k.fillLookahead(kind); err != nil {
		return Entry{}, err
	}

	return entry, nil
}

// RevealTo marks every index up to and including index as revealed. It is
// used when restoring state and after a scan discovered history.
func (k *Keychain) RevealTo(kind Kind, index uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	kind, b, err := k.branchFor(kind)
	if err != nil {
		return err
	}

	_, err = k.revealLocked(kind, b, index)

	return err
}

// DeriveTo derives the scripts up to index and its lookahead window without
// revealing them, so Lookup recognizes them before a reveal is committed.
func (k *Keychain) DeriveTo(kind Kind, index uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	kind, b, err := k.branchFor(kind)
	if err != nil {
		return err
	}

	target := uint64(index) + uint64(k.lookahead)
	if target >= hdkeychain.HardenedKeyStart {
		target = hdkeychain.HardenedKeyStart - 1
	}

	_, err = k.entryLocked(kind, b, uint32(target))

	return err
}

// NextUnusedIndex returns the lowest index of the branch that is neither used
// on chain nor already handed out by a previous call, revealing it if needed.
// Concurrent callers never receive the same index.
func (k *Keychain) NextUnusedIndex(kind Kind) (Entry, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	kind, b, err := k.branchFor(kind)
	if err != nil {
		return Entry{}, err
	}

	if !b.deriver.IsRange() {
		return k.revealLocked(kind, b, 0)
	}

	for idx := uint32(0); idx < hdkeychain.HardenedKeyStart; idx++ {
		if _, ok := b.used[idx]; ok {
			continue
		}

		if _, ok := b.issued[idx]; ok {
			continue
		}

		b.issued[idx] = struct{}{}

		return k.revealLocked(kind, b, idx)
	}

	return Entry{}, ErrIndexExhausted
}

// MarkIssued records that index was handed out before, revealing it. It is
// used when restoring state.
func (k *Keychain) MarkIssued(kind Kind, index uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	kind, b, err := k.branchFor(kind)
	if err != nil {
		return err
	}

	b.issued[index] = struct{}{}
	_, err = k.revealLocked(kind, b, index)

	return err
}

// MarkUsed records that index appears in a tracked transaction output. It
// returns true if the index was not marked before.
func (k *Keychain) MarkUsed(kind Kind, index uint32) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	kind, b, err := k.branchFor(kind)
	if err != nil {
		return false
	}

	if _, ok := b.used[index]; ok {
		return false
	}

	b.used[index] = struct{}{}

	// A used index is always revealed.
	if _, err := k.revealLocked(kind, b, index); err != nil {
		log.Errorf("Unable to reveal used %v index %d: %v", kind,
			index, err)
	}

	return true
}

// IsUsed reports whether index is marked used.
func (k *Keychain) IsUsed(kind Kind, index uint32) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	_, b, err := k.branchFor(kind)
	if err != nil {
		return false
	}

	_, ok := b.used[index]

	return ok
}

// LastRevealed returns the highest revealed index of the branch.
func (k *Keychain) LastRevealed(kind Kind) fn.Option[uint32] {
	k.mu.Lock()
	defer k.mu.Unlock()

	_, b, err := k.branchFor(kind)
	if err != nil {
		return fn.None[uint32]()
	}

	return b.lastRevealed
}

// Revealed returns the revealed entries of the branch in index order.
func (k *Keychain) Revealed(kind Kind) []Entry {
	k.mu.Lock()
	defer k.mu.Unlock()

	_, b, err := k.branchFor(kind)
	if err != nil {
		return nil
	}

	last, ok := optionValue(b.lastRevealed)
	if !ok {
		return nil
	}

	out := make([]Entry, last+1)
	copy(out, b.entries[:last+1])

	return out
}

// Lookup returns the entry owning script, considering every derived script
// including the lookahead window.
func (k *Keychain) Lookup(script []byte) (Entry, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	entry, ok := k.spks[string(script)]

	return entry, ok
}

// optionValue unpacks an option into a value and a presence flag.
func optionValue[T any](o fn.Option[T]) (T, bool) {
	var zero T

	return o.UnwrapOr(zero), o.IsSome()
}
