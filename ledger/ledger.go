// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package ledger keeps the wallet's view of the chain: the accepted
// checkpoint chain, the tracked transactions and the unspent outputs derived
// from them. The ledger is mutated only by applying sync results, one at a
// time, and readers always see a complete snapshot.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/keychain"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// DefaultMaxReorgDepth is the deepest rollback a sync may cause.
	DefaultMaxReorgDepth = 100

	// DefaultFetchTimeout bounds the fetching of missing transaction
	// bodies during one apply.
	DefaultFetchTimeout = 30 * time.Second

	// DefaultFetchConcurrency is the number of bodies fetched in
	// parallel.
	DefaultFetchConcurrency = 8
)

var (
	// ErrReorgTooDeep is returned when a sync result shares no checkpoint
	// with the ledger within the allowed rollback depth.
	ErrReorgTooDeep = errors.New("reorg too deep")

	// ErrPersistence is returned when a change-set could not be recorded.
	// The ledger refuses further changes until Reload succeeds.
	ErrPersistence = errors.New("persisting change-set failed")

	// ErrUntrusted is returned by mutations after a persistence failure.
	ErrUntrusted = errors.New("ledger state untrusted, reload required")

	// ErrMissingTxBody is returned when a relevant transaction has no body
	// and no fetcher is configured.
	ErrMissingTxBody = errors.New("missing transaction body")

	// ErrTxIDMismatch is returned when a transaction body does not hash
	// to the txid it was reported under.
	ErrTxIDMismatch = errors.New("transaction body does not match txid")

	// ErrNilConfig is returned when a required collaborator is missing.
	ErrNilConfig = errors.New("incomplete ledger config")
)

// TxFetcher retrieves transaction bodies by txid.
type TxFetcher interface {
	// FetchTx returns the transaction with the given id.
	FetchTx(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error)
}

// Config holds the collaborators and limits of a ledger.
type Config struct {
	// Net is the network the wallet runs on.
	Net *chaincfg.Params

	// Index resolves output scripts to keychain entries.
	Index ScriptIndex

	// Persister records change-sets.
	Persister Persister

	// Fetcher retrieves transaction bodies a sync result lacks. It may be
	// nil when sources always report bodies.
	Fetcher TxFetcher

	// FetchTimeout bounds all fetches of one apply.
	FetchTimeout time.Duration

	// FetchConcurrency is the number of parallel fetches.
	FetchConcurrency int

	// MaxReorgDepth is the deepest allowed rollback.
	MaxReorgDepth uint32
}

// Ledger is the wallet's chain view. It is safe for concurrent use.
type Ledger struct {
	cfg Config

	// state is the current immutable snapshot.
	state atomic.Pointer[snapshot]

	// applySem serializes every mutation.
	applySem chan struct{}

	// untrusted is set after a persistence failure.
	untrusted atomic.Bool
}

// New creates a ledger from the merged change-sets of a store. A change-set
// without blocks starts the chain at the genesis block of cfg.Net.
func New(cfg Config, cs *ChangeSet) (*Ledger, error) {
	if cfg.Net == nil || cfg.Index == nil || cfg.Persister == nil {
		return nil, ErrNilConfig
	}

	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = DefaultFetchConcurrency
	}
	if cfg.MaxReorgDepth == 0 {
		cfg.MaxReorgDepth = DefaultMaxReorgDepth
	}

	l := &Ledger{
		cfg:      cfg,
		applySem: make(chan struct{}, 1),
	}

	if cs == nil {
		cs = NewChangeSet()
	}

	if err := l.restore(cs); err != nil {
		return nil, err
	}

	return l, nil
}

// restore replaces the in-memory state with the one cs describes.
func (l *Ledger) restore(cs *ChangeSet) error {
	tip, err := cs.chain()
	switch {
	case errors.Is(err, ErrEmptyChain):
		tip = NewCheckpoint(GenesisBlockID(l.cfg.Net))

	case err != nil:
		return err
	}

	for kind, idx := range cs.LastRevealed {
		if err := l.cfg.Index.DeriveTo(kind, idx); err != nil {
			return fmt.Errorf("derive %v keychain to %d: %w", kind,
				idx, err)
		}
	}

	s := buildSnapshot(tip, cs.trackedTxs(), l.cfg.Index, l.cfg.Net)
	s.revealed = maps.Clone(cs.LastRevealed)
	s.issued = maps.Clone(cs.Issued)

	l.state.Store(s)
	l.commitReveals(s)

	log.Debugf("Ledger restored at tip %v with %d transactions", tip,
		len(s.txs))

	return nil
}

// Reload rebuilds the state from the persister and clears the untrusted
// flag.
func (l *Ledger) Reload(ctx context.Context) error {
	if err := l.acquire(ctx); err != nil {
		return err
	}
	defer l.release()

	cs, err := l.cfg.Persister.Load(ctx)
	if err != nil {
		return fmt.Errorf("%w: load: %v", ErrPersistence, err)
	}

	if err := l.restore(cs); err != nil {
		return err
	}

	l.untrusted.Store(false)

	return nil
}

// Trusted reports whether the in-memory state matches the store.
func (l *Ledger) Trusted() bool {
	return !l.untrusted.Load()
}

// Net returns the ledger's network.
func (l *Ledger) Net() *chaincfg.Params {
	return l.cfg.Net
}

// Tip returns the tip of the accepted checkpoint chain.
func (l *Ledger) Tip() *Checkpoint {
	return l.state.Load().tip
}

// Balance returns the balance of the current snapshot.
func (l *Ledger) Balance() Balance {
	return l.state.Load().balance
}

// Utxos yields the unspent outputs of the current snapshot in outpoint
// order. Each iteration reads the snapshot current at its start.
func (l *Ledger) Utxos() iter.Seq[Utxo] {
	return func(yield func(Utxo) bool) {
		s := l.state.Load()
		for _, u := range s.utxos {
			if !yield(u) {
				return
			}
		}
	}
}

// OwnedOutputs returns every output paying the wallet, spent or not, in
// outpoint order.
func (l *Ledger) OwnedOutputs() []OwnedOutput {
	s := l.state.Load()

	out := make([]OwnedOutput, len(s.outputs))
	copy(out, s.outputs)

	return out
}

// Tx returns a tracked transaction.
func (l *Ledger) Tx(txid chainhash.Hash) (*TrackedTx, bool) {
	tx, ok := l.state.Load().txs[txid]

	return tx, ok
}

// Transactions returns the details of every tracked transaction, most
// recently confirmed last and unconfirmed ones at the end.
func (l *Ledger) Transactions() []TxDetails {
	s := l.state.Load()

	owned := make(map[wire.OutPoint]OwnedOutput, len(s.outputs))
	for _, o := range s.outputs {
		owned[o.OutPoint] = o
	}

	details := make([]TxDetails, 0, len(s.txs))
	for txid, tx := range s.txs {
		d := TxDetails{TrackedTx: *tx}
		_, d.Replaced = s.replaced[txid]

		if tx.Tx != nil {
			fillAmounts(&d, s, owned)
		}

		details = append(details, d)
	}

	sortDetails(details)

	return details
}

// fillAmounts computes the wallet-relative amounts of a transaction.
func fillAmounts(d *TxDetails, s *snapshot,
	owned map[wire.OutPoint]OwnedOutput) {

	for i := range d.Tx.TxOut {
		op := wire.OutPoint{Hash: d.TxID, Index: uint32(i)}
		if o, ok := owned[op]; ok {
			d.Received += o.Amount()
		}
	}

	var (
		inputValue int64
		complete   = true
	)
	for _, in := range d.Tx.TxIn {
		if o, ok := owned[in.PreviousOutPoint]; ok {
			d.Sent += o.Amount()
		}

		prev, ok := s.txs[in.PreviousOutPoint.Hash]
		if !ok || prev.Tx == nil ||
			int(in.PreviousOutPoint.Index) >= len(prev.Tx.TxOut) {

			complete = false
			continue
		}
		inputValue += prev.Tx.TxOut[in.PreviousOutPoint.Index].Value
	}

	if !complete {
		return
	}

	var outputValue int64
	for _, out := range d.Tx.TxOut {
		outputValue += out.Value
	}
	d.Fee = fn.Some(btcutil.Amount(inputValue - outputValue))
}

// Apply reconciles a sync result into the ledger. It is the only way chain
// data enters the ledger. Calls are serialized; a waiting call gives up when
// ctx is done. On any error the ledger is left unmodified.
func (l *Ledger) Apply(ctx context.Context, res *SyncResult) error {
	if err := l.acquire(ctx); err != nil {
		return err
	}
	defer l.release()

	return l.applyLocked(ctx, res)
}

// InsertTx tracks a transaction the wallet broadcast itself, unconfirmed and
// seen at the current tip. Already tracked transactions are left as they
// are.
func (l *Ledger) InsertTx(ctx context.Context, tx *wire.MsgTx) error {
	if err := l.acquire(ctx); err != nil {
		return err
	}
	defer l.release()

	txid := tx.TxHash()
	if _, ok := l.state.Load().txs[txid]; ok {
		return nil
	}

	return l.applyLocked(ctx, &SyncResult{
		Txs: []RelevantTx{{
			TxID:   txid,
			Tx:     tx,
			Anchor: fn.None[Anchor](),
		}},
	})
}

// PersistReveal records that the keychain kind was revealed up to index.
func (l *Ledger) PersistReveal(ctx context.Context, kind keychain.Kind,
	index uint32) error {

	return l.persistAddress(ctx, kind, index, false)
}

// PersistIssued records that index of the keychain kind was handed out as
// an unused address, revealing the keychain up to it.
func (l *Ledger) PersistIssued(ctx context.Context, kind keychain.Kind,
	index uint32) error {

	return l.persistAddress(ctx, kind, index, true)
}

// persistAddress records a reveal and, when issued is set, the allocation
// of index.
func (l *Ledger) persistAddress(ctx context.Context, kind keychain.Kind,
	index uint32, issued bool) error {

	if err := l.acquire(ctx); err != nil {
		return err
	}
	defer l.release()

	if l.untrusted.Load() {
		return ErrUntrusted
	}

	cur := l.state.Load()
	cs := NewChangeSet()

	if prev, ok := cur.revealed[kind]; !ok || prev < index {
		cs.LastRevealed[kind] = index
	}

	key := IssuedIndex{Kind: kind, Index: index}
	if _, ok := cur.issued[key]; issued && !ok {
		cs.Issued[key] = struct{}{}
	}

	if cs.IsEmpty() {
		return nil
	}

	if err := l.persist(ctx, cs); err != nil {
		return err
	}

	next := *cur
	if len(cs.LastRevealed) != 0 {
		next.revealed = maps.Clone(cur.revealed)
		if next.revealed == nil {
			next.revealed = make(map[keychain.Kind]uint32)
		}
		next.revealed[kind] = index
	}
	if len(cs.Issued) != 0 {
		next.issued = maps.Clone(cur.issued)
		if next.issued == nil {
			next.issued = make(map[IssuedIndex]struct{})
		}
		next.issued[key] = struct{}{}
	}
	l.state.Store(&next)

	return nil
}

// applyLocked runs one apply while holding the semaphore.
func (l *Ledger) applyLocked(ctx context.Context, res *SyncResult) error {
	if l.untrusted.Load() {
		return ErrUntrusted
	}

	if res == nil {
		return nil
	}

	cur := l.state.Load()

	if err := validateBodies(res); err != nil {
		return err
	}

	bodies, err := l.fetchMissing(ctx, cur, res)
	if err != nil {
		return err
	}

	// Derive the scripts up to the indices the source found history for
	// so that ownership checks recognize them. The keychain is revealed
	// only once the result is persisted.
	for kind, idx := range res.LastActive {
		if err := l.cfg.Index.DeriveTo(kind, idx); err != nil {
			return fmt.Errorf("derive %v keychain to %d: %w", kind,
				idx, err)
		}
	}

	next, cs, err := reconcile(cur, res, bodies, &l.cfg)
	if err != nil {
		return err
	}

	if !cs.IsEmpty() {
		if err := l.persist(ctx, cs); err != nil {
			return err
		}
	}

	l.state.Store(next)
	l.commitReveals(next)

	log.Debugf("Applied sync result: tip=%v, txs=%d, utxos=%d, "+
		"balance=%v", next.tip, len(next.txs), len(next.utxos),
		next.balance.Total())

	return nil
}

// persist appends and flushes cs, marking the ledger untrusted on failure.
func (l *Ledger) persist(ctx context.Context, cs *ChangeSet) error {
	err := l.cfg.Persister.Append(ctx, cs)
	if err == nil {
		err = l.cfg.Persister.Flush(ctx)
	}

	if err != nil {
		l.untrusted.Store(true)
		log.Errorf("Unable to persist change-set, ledger marked "+
			"untrusted: %v", err)

		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	return nil
}

// commitReveals brings the keychain in line with an accepted snapshot. The
// persisted reveals and allocations are applied and every index owning an
// output is flagged as used.
func (l *Ledger) commitReveals(s *snapshot) {
	for kind, idx := range s.revealed {
		if err := l.cfg.Index.RevealTo(kind, idx); err != nil {
			log.Errorf("Unable to reveal %v keychain to %d: %v",
				kind, idx, err)
		}
	}

	for i := range s.issued {
		if err := l.cfg.Index.MarkIssued(i.Kind, i.Index); err != nil {
			log.Errorf("Unable to mark %v index %d issued: %v",
				i.Kind, i.Index, err)
		}
	}

	for _, o := range s.outputs {
		l.cfg.Index.MarkUsed(o.Kind, o.Index)
	}
}

// acquire takes the apply semaphore or gives up when ctx is done.
func (l *Ledger) acquire(ctx context.Context) error {
	select {
	case l.applySem <- struct{}{}:
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}

// release returns the apply semaphore.
func (l *Ledger) release() {
	<-l.applySem
}

// validateBodies checks that reported bodies hash to their txids.
func validateBodies(res *SyncResult) error {
	for _, rtx := range res.Txs {
		if rtx.Tx == nil {
			continue
		}

		if got := rtx.Tx.TxHash(); got != rtx.TxID {
			return fmt.Errorf("%w: %v reported as %v",
				ErrTxIDMismatch, got, rtx.TxID)
		}
	}

	return nil
}
