package chain

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/ledger"
	"github.com/stretchr/testify/require"
)

var errNoAnchor = errors.New("no anchor")

// tagDeriver derives a recognizable script per index.
type tagDeriver struct {
	tag    byte
	ranged bool
}

func (d *tagDeriver) ScriptFor(index uint32) ([]byte, error) {
	return tagScript(d.tag, index), nil
}

func (d *tagDeriver) IsRange() bool {
	return d.ranged
}

func tagScript(tag byte, index uint32) []byte {
	script := make([]byte, 6)
	script[0] = 0x6a
	script[1] = tag
	binary.BigEndian.PutUint32(script[2:], index)

	return script
}

// blockHashAt returns a deterministic hash for a block of a chain. Chains
// with a different fork value differ from height fork onwards.
func blockHashAt(height, fork uint32) chainhash.Hash {
	var b [8]byte
	binary.BigEndian.PutUint32(b[:4], height)
	if fork != 0 && height >= fork {
		binary.BigEndian.PutUint32(b[4:], fork)
	}

	return chainhash.DoubleHashH(b[:])
}

// localChain builds a checkpoint chain at the given heights.
func localChain(t *testing.T, fork uint32,
	heights ...uint32) *ledger.Checkpoint {

	t.Helper()

	ids := make([]ledger.BlockID, 0, len(heights))
	for _, h := range heights {
		ids = append(ids, ledger.BlockID{
			Height: h,
			Hash:   blockHashAt(h, fork),
		})
	}

	cp, err := ledger.FromBlockIDs(ids)
	require.NoError(t, err)

	return cp
}

// payTx returns a transaction paying script, made unique by nonce.
func payTx(script []byte, nonce uint32) *wire.MsgTx {
	prev := chainhash.DoubleHashH(binary.BigEndian.AppendUint32(nil, nonce))

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: prev, Index: nonce},
	})
	tx.AddTxOut(wire.NewTxOut(10_000, script))

	return tx
}

// fakeEntry is a transaction known to the fake Esplora server.
type fakeEntry struct {
	tx     *wire.MsgTx
	height uint32
}

// fakeEsplora is an in-memory Esplora backend.
type fakeEsplora struct {
	mu sync.Mutex

	tipHeight uint32
	fork      uint32

	txs     map[chainhash.Hash]fakeEntry
	history map[string][]chainhash.Hash

	fees map[string]float64

	// failures makes the next requests fail with 503.
	failures int

	broadcast []*wire.MsgTx
	requests  []string
}

func newFakeEsplora(tipHeight uint32) *fakeEsplora {
	return &fakeEsplora{
		tipHeight: tipHeight,
		txs:       make(map[chainhash.Hash]fakeEntry),
		history:   make(map[string][]chainhash.Hash),
		fees:      map[string]float64{"1": 20.5, "6": 8, "144": 1.5},
	}
}

// addTx records tx confirmed at height, zero meaning unconfirmed.
func (f *fakeEsplora) addTx(tx *wire.MsgTx, height uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	txid := tx.TxHash()
	f.txs[txid] = fakeEntry{tx: tx, height: height}
	for _, out := range tx.TxOut {
		sh := scriptHash(out.PkScript)
		f.history[sh] = append(f.history[sh], txid)
	}
}

func (f *fakeEsplora) status(e fakeEntry) esploraStatus {
	if e.height == 0 {
		return esploraStatus{}
	}

	return esploraStatus{
		Confirmed:   true,
		BlockHeight: e.height,
		BlockHash:   blockHashAt(e.height, f.fork).String(),
		BlockTime:   time.Unix(1_700_000_000, 0).Unix(),
	}
}

func (f *fakeEsplora) serve(t *testing.T) *Esplora {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(srv.Close)

	e, err := NewEsplora(EsploraConfig{
		URL:          srv.URL + "/",
		RetryBackoff: time.Millisecond,
	})
	require.NoError(t, err)

	return e
}

func (f *fakeEsplora) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, r.URL.Path)
	if f.failures > 0 {
		f.failures--
		http.Error(w, "overloaded", http.StatusServiceUnavailable)

		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case r.URL.Path == "/blocks/tip/height":
		fmt.Fprint(w, f.tipHeight)

	case parts[0] == "block-height" && len(parts) == 2:
		h, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil || uint32(h) > f.tipHeight {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, blockHashAt(uint32(h), f.fork).String())

	case r.URL.Path == "/fee-estimates":
		_ = json.NewEncoder(w).Encode(f.fees)

	case r.URL.Path == "/tx" && r.Method == http.MethodPost:
		body, _ := io.ReadAll(r.Body)
		raw, err := hex.DecodeString(string(body))
		if err != nil {
			http.Error(w, "bad hex", http.StatusBadRequest)
			return
		}
		tx := &wire.MsgTx{}
		if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
			http.Error(w, "sendrawtransaction RPC error: "+
				"TX decode failed", http.StatusBadRequest)
			return
		}
		f.broadcast = append(f.broadcast, tx)
		fmt.Fprint(w, tx.TxHash().String())

	case parts[0] == "tx" && len(parts) == 3:
		txid, err := chainhash.NewHashFromStr(parts[1])
		if err != nil {
			http.Error(w, "bad txid", http.StatusBadRequest)
			return
		}
		entry, ok := f.txs[*txid]
		if !ok {
			http.NotFound(w, r)
			return
		}

		switch parts[2] {
		case "hex":
			var buf bytes.Buffer
			_ = entry.tx.Serialize(&buf)
			fmt.Fprint(w, hex.EncodeToString(buf.Bytes()))

		case "status":
			_ = json.NewEncoder(w).Encode(f.status(entry))

		default:
			http.NotFound(w, r)
		}

	case parts[0] == "scripthash" && len(parts) >= 3:
		f.serveHistory(w, parts[1], parts[3:])

	default:
		http.NotFound(w, r)
	}
}

// serveHistory returns the mempool transactions and the first page of
// confirmed ones, or the page after a given txid.
func (f *fakeEsplora) serveHistory(w http.ResponseWriter, sh string,
	rest []string) {

	var (
		mempool   []esploraTx
		confirmed []esploraTx
	)
	for _, txid := range f.history[sh] {
		entry := f.txs[txid]
		t := esploraTx{TxID: txid.String(), Status: f.status(entry)}
		if entry.height == 0 {
			mempool = append(mempool, t)
		} else {
			confirmed = append(confirmed, t)
		}
	}

	page := mempool
	if len(rest) == 2 && rest[0] == "chain" {
		page = nil
		for i, t := range confirmed {
			if t.TxID == rest[1] {
				confirmed = confirmed[i+1:]
				break
			}
		}
	}
	page = append(page, confirmed[:min(len(confirmed),
		confirmedPageSize)]...)

	_ = json.NewEncoder(w).Encode(page)
}

func (f *fakeEsplora) setFailures(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failures = n
}
