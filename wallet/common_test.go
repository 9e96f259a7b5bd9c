package wallet

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/chain"
	"github.com/btcsuite/descwallet/internal/testkeys"
	"github.com/btcsuite/descwallet/keychain"
	"github.com/btcsuite/descwallet/ledger"
	"github.com/btcsuite/descwallet/pkg/btcunit"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testNet = &chaincfg.TestNet3Params

// mockSource is a mock chain source.
type mockSource struct {
	mock.Mock

	blocks chan struct{}
}

// A compile time check to ensure mockSource implements the interfaces.
var (
	_ chain.Source  = (*mockSource)(nil)
	_ blockNotifier = (*mockSource)(nil)
)

func newMockSource() *mockSource {
	return &mockSource{blocks: make(chan struct{})}
}

func (m *mockSource) Scan(ctx context.Context,
	req *chain.ScanRequest) (*ledger.SyncResult, error) {

	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*ledger.SyncResult)

	return res, args.Error(1)
}

func (m *mockSource) Sync(ctx context.Context,
	req *chain.SyncRequest) (*ledger.SyncResult, error) {

	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*ledger.SyncResult)

	return res, args.Error(1)
}

func (m *mockSource) FetchTx(ctx context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	args := m.Called(ctx, txid)
	tx, _ := args.Get(0).(*wire.MsgTx)

	return tx, args.Error(1)
}

func (m *mockSource) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	args := m.Called(ctx, tx)
	return args.Error(0)
}

func (m *mockSource) EstimateFeeRate(ctx context.Context,
	target uint32) (btcunit.SatPerKWeight, error) {

	args := m.Called(ctx, target)
	return args.Get(0).(btcunit.SatPerKWeight), args.Error(1)
}

func (m *mockSource) Notify() <-chan struct{} {
	return m.blocks
}

// escrowConfig returns the config of the 2-of-3 escrow wallet holding the
// maker's keys.
func escrowConfig(persister ledger.Persister, src chain.Source) Config {
	return Config{
		Net:        testNet,
		External:   testkeys.EscrowDescriptor("0", testkeys.Maker),
		Internal:   testkeys.EscrowDescriptor("1", testkeys.Maker),
		Persister:  persister,
		Source:     src,
		SyncTicker: ticker.NewForce(time.Hour),
	}
}

// newTestWallet creates an escrow wallet backed by a fresh in-memory store.
func newTestWallet(t *testing.T, m *mockSource) *Wallet {
	t.Helper()

	var source chain.Source
	if m != nil {
		source = m
	}

	w, err := Create(
		context.Background(),
		escrowConfig(ledger.NewMemPersister(), source),
	)
	require.NoError(t, err)

	return w
}

// testBlock returns a block id on top of the test network's genesis block.
func testBlock(height uint32) ledger.BlockID {
	return ledger.BlockID{
		Height: height,
		Hash:   chainhash.Hash{byte(height), 0xbb},
	}
}

// testTip returns a checkpoint chain from genesis to the given heights.
func testTip(t *testing.T, heights ...uint32) *ledger.Checkpoint {
	t.Helper()

	ids := []ledger.BlockID{ledger.GenesisBlockID(testNet)}
	for _, h := range heights {
		ids = append(ids, testBlock(h))
	}

	tip, err := ledger.FromBlockIDs(ids)
	require.NoError(t, err)

	return tip
}

// fundingTx returns a transaction paying value to script from a foreign
// outpoint.
func fundingTx(seed byte, script []byte, value int64) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(
		&wire.OutPoint{Hash: chainhash.Hash{seed, 0xaa}}, nil, nil,
	))
	tx.AddTxOut(wire.NewTxOut(value, script))

	return tx
}

// confirmedAt returns the relevant view of tx confirmed in block height.
func confirmedAt(tx *wire.MsgTx, height uint32) ledger.RelevantTx {
	return ledger.RelevantTx{
		TxID: tx.TxHash(),
		Tx:   tx,
		Anchor: fn.Some(ledger.Anchor{
			Block: testBlock(height),
			Time:  time.Unix(1700000000, 0),
		}),
	}
}

// fundWallet applies a scan result paying value to the external address at
// index, confirmed at height 100.
func fundWallet(t *testing.T, w *Wallet, m *mockSource, index uint32,
	value int64) *wire.MsgTx {

	t.Helper()

	script, err := w.Descriptor(keychain.External).ScriptFor(index)
	require.NoError(t, err)

	tx := fundingTx(byte(index), script, value)
	res := &ledger.SyncResult{
		Tip:        testTip(t, 100),
		Txs:        []ledger.RelevantTx{confirmedAt(tx, 100)},
		LastActive: map[keychain.Kind]uint32{keychain.External: index},
	}

	m.On("Scan", mock.Anything, mock.Anything).Return(res, nil).Once()
	require.NoError(t, w.FullScan(context.Background()))

	return tx
}
