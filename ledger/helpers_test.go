package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/keychain"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

var (
	testNet = &chaincfg.RegressionNetParams

	errStore = errors.New("disk full")
)

// scriptDeriver derives a recognizable script per index.
type scriptDeriver struct {
	tag byte
}

func (s *scriptDeriver) ScriptFor(index uint32) ([]byte, error) {
	return testScript(s.tag, index), nil
}

func (s *scriptDeriver) IsRange() bool {
	return true
}

func testScript(tag byte, index uint32) []byte {
	script := make([]byte, 6)
	script[0] = 0x6a
	script[1] = tag
	binary.BigEndian.PutUint32(script[2:], index)

	return script
}

func externalScript(index uint32) []byte {
	return testScript('e', index)
}

func internalScript(index uint32) []byte {
	return testScript('i', index)
}

func foreignScript(index uint32) []byte {
	return testScript('x', index)
}

// blockHash returns a distinct hash per height and fork.
func blockHash(height uint32, fork byte) chainhash.Hash {
	var b [5]byte
	binary.BigEndian.PutUint32(b[:], height)
	b[4] = fork

	return chainhash.DoubleHashH(b[:])
}

func blockID(height uint32, fork byte) BlockID {
	return BlockID{Height: height, Hash: blockHash(height, fork)}
}

func anchorAt(height uint32, fork byte) fn.Option[Anchor] {
	return fn.Some(Anchor{
		Block: blockID(height, fork),
		Time:  time.Unix(1_700_000_000+int64(height)*600, 0),
	})
}

// chainTo builds a chain from genesis through every height up to tip on
// the given fork. Heights at or below forkPoint use the main fork.
func chainTo(t *testing.T, tip uint32, fork byte,
	forkPoint uint32) *Checkpoint {

	t.Helper()

	ids := []BlockID{GenesisBlockID(testNet)}
	for h := uint32(1); h <= tip; h++ {
		f := byte(0)
		if h > forkPoint {
			f = fork
		}
		ids = append(ids, blockID(h, f))
	}

	cp, err := FromBlockIDs(ids)
	require.NoError(t, err)

	return cp
}

// fundingTx pays the scripts from an outpoint the wallet does not own.
func fundingTx(seed uint32, outs ...*wire.TxOut) *wire.MsgTx {
	prev := chainhash.DoubleHashH(binary.BigEndian.AppendUint32(nil, seed))

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{
		Hash:  prev,
		Index: seed,
	}, nil, nil))

	for _, out := range outs {
		tx.AddTxOut(out)
	}

	return tx
}

// spendTx spends the outpoints into outs.
func spendTx(ins []wire.OutPoint, outs ...*wire.TxOut) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	for i := range ins {
		tx.AddTxIn(wire.NewTxIn(&ins[i], nil, nil))
	}

	for _, out := range outs {
		tx.AddTxOut(out)
	}

	return tx
}

func relevant(tx *wire.MsgTx, anchor fn.Option[Anchor]) RelevantTx {
	return RelevantTx{TxID: tx.TxHash(), Tx: tx, Anchor: anchor}
}

// failingPersister fails every append while fail is set.
type failingPersister struct {
	*MemPersister

	mu   sync.Mutex
	fail bool
}

func (f *failingPersister) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fail = fail
}

func (f *failingPersister) Append(ctx context.Context, cs *ChangeSet) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()

	if fail {
		return errStore
	}

	return f.MemPersister.Append(ctx, cs)
}

// mapFetcher serves bodies from a map, optionally blocking until the
// context is done.
type mapFetcher struct {
	txs   map[chainhash.Hash]*wire.MsgTx
	block bool
}

func (m *mapFetcher) FetchTx(ctx context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	if m.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	tx, ok := m.txs[txid]
	if !ok {
		return nil, errors.New("not found")
	}

	return tx, nil
}

type testHarness struct {
	ledger    *Ledger
	keychain  *keychain.Keychain
	persister *failingPersister
}

func newTestHarness(t *testing.T, fetcher TxFetcher) *testHarness {
	t.Helper()

	kc, err := keychain.New(
		&scriptDeriver{tag: 'e'}, &scriptDeriver{tag: 'i'}, 20,
	)
	require.NoError(t, err)

	p := &failingPersister{MemPersister: NewMemPersister()}

	l, err := New(Config{
		Net:           testNet,
		Index:         kc,
		Persister:     p,
		Fetcher:       fetcher,
		FetchTimeout:  200 * time.Millisecond,
		MaxReorgDepth: 6,
	}, nil)
	require.NoError(t, err)

	return &testHarness{ledger: l, keychain: kc, persister: p}
}
