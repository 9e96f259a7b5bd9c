package txbuilder

import (
	"encoding/binary"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/descriptor"
	"github.com/btcsuite/descwallet/internal/testkeys"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testNet = &chaincfg.TestNet3Params

// mockChangeSource is a mock implementation of ChangeSource.
type mockChangeSource struct {
	mock.Mock
}

func (m *mockChangeSource) NextChange() (*descriptor.Derived, error) {
	args := m.Called()

	derived, _ := args.Get(0).(*descriptor.Derived)

	return derived, args.Error(1)
}

func parseDescriptor(t *testing.T, text string) *descriptor.Descriptor {
	t.Helper()

	desc, err := descriptor.Parse(text, testNet)
	require.NoError(t, err)

	return desc
}

func receiveDescriptor(t *testing.T) *descriptor.Descriptor {
	return parseDescriptor(t, testkeys.SingleDescriptor("0", false))
}

func changeDescriptor(t *testing.T) *descriptor.Descriptor {
	return parseDescriptor(t, testkeys.SingleDescriptor("1", false))
}

// newCandidate creates a candidate of value paying desc at index, funded
// by a unique previous transaction.
func newCandidate(t *testing.T, desc *descriptor.Descriptor, index uint32,
	value int64, confs uint32) Candidate {

	t.Helper()

	derived, err := desc.Derive(index)
	require.NoError(t, err)

	var seed []byte
	seed = binary.BigEndian.AppendUint32(seed, index)
	seed = binary.BigEndian.AppendUint64(seed, uint64(value))

	prev := wire.NewMsgTx(2)
	prev.AddTxIn(wire.NewTxIn(
		&wire.OutPoint{Hash: chainhash.HashH(seed)}, nil, nil,
	))
	prev.AddTxOut(wire.NewTxOut(value, derived.PkScript))

	return Candidate{
		OutPoint:      wire.OutPoint{Hash: prev.TxHash()},
		Output:        prev.TxOut[0],
		PrevTx:        prev,
		Derived:       derived,
		InputWeight:   desc.MaxSatisfactionWeight(),
		Confirmations: confs,
	}
}

// recipient returns an output paying value to a foreign P2WPKH script.
func recipient(value int64) *wire.TxOut {
	script := make([]byte, 22)
	script[0], script[1] = 0x00, 0x14
	script[2] = 0xaa

	return wire.NewTxOut(value, script)
}
