package signer

import (
	"encoding/binary"
	"fmt"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/descriptor"
	"github.com/btcsuite/descwallet/internal/testkeys"
	"github.com/btcsuite/descwallet/pkg/btcunit"
	"github.com/btcsuite/descwallet/txbuilder"
	"github.com/stretchr/testify/require"
)

var testNet = &chaincfg.TestNet3Params

func parseDescriptor(t *testing.T, text string) *descriptor.Descriptor {
	t.Helper()

	desc, err := descriptor.Parse(text, testNet)
	require.NoError(t, err)

	return desc
}

// escrowDescriptor returns a 2-of-3 escrow descriptor on the external
// branch with the listed participants' keys in private form.
func escrowDescriptor(template string, signers ...testkeys.Signer) string {
	keys := testkeys.EscrowKeys("0", testkeys.NoSigner)
	for _, s := range signers {
		idx := int(s) - 1
		keys[idx] = testkeys.EscrowKeys("0", s)[idx]
	}

	multi := "sortedmulti(2," + strings.Join(keys, ",") + ")"

	return strings.ReplaceAll(template, "MULTI", multi)
}

// derivedChange hands out the change scripts of a descriptor.
type derivedChange struct {
	desc  *descriptor.Descriptor
	index uint32
}

func (c *derivedChange) NextChange() (*descriptor.Derived, error) {
	return c.desc.Derive(c.index)
}

// funded is a PSBT spending outputs of one or more descriptors.
type funded struct {
	packet    *psbt.Packet
	selection *txbuilder.Selection
	prevOuts  map[wire.OutPoint]*wire.TxOut
}

// fundPacket builds a PSBT spending one 100,000 sat output of each
// descriptor, with change back to the first one.
func fundPacket(t *testing.T, descs ...*descriptor.Descriptor) *funded {
	t.Helper()

	var candidates []txbuilder.Candidate
	prevOuts := make(map[wire.OutPoint]*wire.TxOut)
	for i, desc := range descs {
		derived, err := desc.Derive(uint32(i))
		require.NoError(t, err)

		prev := wire.NewMsgTx(2)
		prev.AddTxIn(wire.NewTxIn(&wire.OutPoint{
			Hash: chainhash.HashH(binary.BigEndian.AppendUint32(
				[]byte(desc.String()), uint32(i),
			)),
		}, nil, nil))
		prev.AddTxOut(wire.NewTxOut(100_000, derived.PkScript))

		op := wire.OutPoint{Hash: prev.TxHash()}
		prevOuts[op] = prev.TxOut[0]
		candidates = append(candidates, txbuilder.Candidate{
			OutPoint:      op,
			Output:        prev.TxOut[0],
			PrevTx:        prev,
			Derived:       derived,
			InputWeight:   desc.MaxSatisfactionWeight(),
			Confirmations: 1,
		})
	}

	change := &derivedChange{desc: descs[0], index: 100}
	changeDerived, err := change.NextChange()
	require.NoError(t, err)

	// The payment needs every candidate, so each template gets signed.
	amount := int64(len(descs))*100_000 - 50_000
	targets := []*wire.TxOut{wire.NewTxOut(amount, []byte{
		txscript.OP_0, txscript.OP_DATA_20,
		1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17,
		18, 19, 20,
	})}

	sel, err := txbuilder.Select(
		candidates, targets, btcunit.NewSatPerVByte(2).FeePerKWeight(),
		txbuilder.Policy{
			Strategy:         txbuilder.LargestFirst,
			ChangeScriptSize: len(changeDerived.PkScript),
		},
	)
	require.NoError(t, err)
	require.Len(t, sel.Inputs, len(descs))

	packet, err := txbuilder.Build(sel, targets, change)
	require.NoError(t, err)

	return &funded{
		packet:    packet,
		selection: sel,
		prevOuts:  prevOuts,
	}
}

// requireValid runs every input of tx through the script engine.
func requireValid(t *testing.T, tx *wire.MsgTx,
	prevOuts map[wire.OutPoint]*wire.TxOut) {

	t.Helper()

	require.NoError(t, validateTx(tx, prevOuts))
}

// validateTx executes the scripts of every input of tx.
func validateTx(tx *wire.MsgTx,
	prevOuts map[wire.OutPoint]*wire.TxOut) error {

	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, in := range tx.TxIn {
		prevOut, ok := prevOuts[in.PreviousOutPoint]
		if !ok {
			return fmt.Errorf("input %d: unknown previous "+
				"output", i)
		}

		vm, err := txscript.NewEngine(
			prevOut.PkScript, tx, i, txscript.StandardVerifyFlags,
			nil, sigHashes, prevOut.Value, fetcher,
		)
		if err != nil {
			return err
		}

		if err := vm.Execute(); err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
	}

	return nil
}

// txWeight returns the weight of a signed transaction.
func txWeight(tx *wire.MsgTx) btcunit.WeightUnit {
	return btcunit.WeightUnit(
		blockchain.GetTransactionWeight(btcutil.NewTx(tx)),
	)
}
