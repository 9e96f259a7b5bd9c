// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"context"
	"sync"
)

// Persister durably records change-sets. Implementations must make Append
// atomic: a change-set is either fully recorded or not at all.
type Persister interface {
	// Load returns the merge of every recorded change-set, or an empty
	// change-set for a fresh store.
	Load(ctx context.Context) (*ChangeSet, error)

	// Append records a change-set.
	Append(ctx context.Context, cs *ChangeSet) error

	// Flush makes every appended change-set durable.
	Flush(ctx context.Context) error
}

// MemPersister keeps change-sets in memory. It is meant for tests and for
// wallets that are rebuilt from a full scan on every start.
type MemPersister struct {
	mu      sync.Mutex
	merged  *ChangeSet
	appends int
}

// NewMemPersister returns an empty in-memory persister.
func NewMemPersister() *MemPersister {
	return &MemPersister{merged: NewChangeSet()}
}

// Load returns a copy of the merged change-sets.
func (m *MemPersister) Load(_ context.Context) (*ChangeSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := NewChangeSet()
	out.Merge(m.merged)

	return out, nil
}

// Append merges cs into the stored state.
func (m *MemPersister) Append(_ context.Context, cs *ChangeSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.merged.Merge(cs)
	m.appends++

	return nil
}

// Flush is a no-op.
func (m *MemPersister) Flush(_ context.Context) error {
	return nil
}

// Appends returns the number of change-sets appended so far.
func (m *MemPersister) Appends() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.appends
}

// A compile-time assertion to ensure MemPersister implements Persister.
var _ Persister = (*MemPersister)(nil)
