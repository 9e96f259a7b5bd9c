// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/keychain"
	"github.com/btcsuite/descwallet/ledger"
	"github.com/btcsuite/descwallet/pkg/btcunit"
	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"
	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/net/proxy"
	"golang.org/x/sync/errgroup"
)

const (
	// defaultRequestTimeout bounds a single HTTP request.
	defaultRequestTimeout = 30 * time.Second

	// defaultRetryBackoff is the delay before the first retry. It doubles
	// with every attempt.
	defaultRetryBackoff = 250 * time.Millisecond

	// defaultMaxRetries is the number of retries of a failed request.
	defaultMaxRetries = 3

	// defaultTxCacheSize is the number of raw transactions kept in
	// memory.
	defaultTxCacheSize = 1000

	// confirmedPageSize is the number of confirmed transactions an
	// Esplora history page holds.
	confirmedPageSize = 25

	// maxErrorBody is how much of an error response is read.
	maxErrorBody = 512
)

// EsploraConfig holds the settings of an Esplora client.
type EsploraConfig struct {
	// URL is the base URL of the API, e.g.
	// https://blockstream.info/testnet/api.
	URL string

	// Proxy is an optional SOCKS5 proxy address, e.g. 127.0.0.1:9050.
	Proxy string

	// Timeout bounds a single request.
	Timeout time.Duration

	// MaxRetries is the number of retries of a failed request.
	MaxRetries int

	// RetryBackoff is the delay before the first retry.
	RetryBackoff time.Duration

	// TxCacheSize is the number of raw transactions kept in memory.
	TxCacheSize uint64
}

// Esplora is a Source backed by the Esplora REST API.
type Esplora struct {
	cfg    EsploraConfig
	client *http.Client

	// txCache holds raw transactions by id. Confirmed or not, a body never
	// changes for a given id.
	txCache *lru.Cache[chainhash.Hash, *cachedTx]
}

// A compile-time check to ensure Esplora satisfies the Source interface.
var _ Source = (*Esplora)(nil)

// cachedTx wraps a transaction for the LRU cache.
type cachedTx struct {
	tx *wire.MsgTx
}

// Size returns the "size" of an entry. We return 1 as we just want to limit
// the total number of entries rather than do accurate size accounting.
func (c *cachedTx) Size() (uint64, error) {
	return 1, nil
}

// NewEsplora creates an Esplora client.
func NewEsplora(cfg EsploraConfig) (*Esplora, error) {
	if cfg.URL == "" {
		return nil, errors.New("esplora url required")
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")

	if cfg.Timeout == 0 {
		cfg.Timeout = defaultRequestTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.TxCacheSize == 0 {
		cfg.TxCacheSize = defaultTxCacheSize
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Proxy != "" {
		dialer, err := proxy.SOCKS5("tcp", cfg.Proxy, nil, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks5 proxy: %w", err)
		}

		transport.Proxy = nil
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		} else {
			transport.DialContext = func(_ context.Context, network,
				addr string) (net.Conn, error) {

				return dialer.Dial(network, addr)
			}
		}
	}

	return &Esplora{
		cfg: cfg,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		txCache: lru.NewCache[chainhash.Hash, *cachedTx](
			cfg.TxCacheSize,
		),
	}, nil
}

// httpError is a non-success HTTP response.
type httpError struct {
	status int
	body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("http %d: %s", e.status, e.body)
}

// retryable reports whether a failed request may succeed when repeated.
func retryable(err error) bool {
	var he *httpError
	if errors.As(err, &he) {
		return he.status == http.StatusTooManyRequests ||
			he.status >= http.StatusInternalServerError
	}

	return !errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// do performs a request, retrying transient failures, and returns the
// response body.
func (e *Esplora) do(ctx context.Context, method, path string,
	body []byte) ([]byte, error) {

	backoff := e.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		resp, err := e.doOnce(ctx, method, path, body)
		if err == nil {
			return resp, nil
		}

		if attempt >= e.cfg.MaxRetries || !retryable(err) {
			return nil, fmt.Errorf("%s %s: %w", method, path, err)
		}

		log.Debugf("Retrying %s %s after %v: %v", method, path,
			backoff, err)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, fmt.Errorf("%s %s: %w", method, path,
				ctx.Err())
		}
		backoff *= 2
	}
}

func (e *Esplora) doOnce(ctx context.Context, method, path string,
	body []byte) ([]byte, error) {

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(
		ctx, method, e.cfg.URL+path, reader,
	)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/plain")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound

	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		return nil, &httpError{
			status: resp.StatusCode,
			body:   strings.TrimSpace(string(msg)),
		}
	}

	return io.ReadAll(resp.Body)
}

// getJSON decodes the JSON response of a GET request into v.
func (e *Esplora) getJSON(ctx context.Context, path string, v any) error {
	body, err := e.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}

	return nil
}

// getText returns the trimmed text response of a GET request.
func (e *Esplora) getText(ctx context.Context, path string) (string, error) {
	body, err := e.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(body)), nil
}

// TipHeight returns the height of the backend's best block.
func (e *Esplora) TipHeight(ctx context.Context) (uint32, error) {
	text, err := e.getText(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}

	height, err := strconv.ParseUint(text, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse tip height %q: %w", text, err)
	}

	return uint32(height), nil
}

// BlockHash returns the hash of the block at height.
func (e *Esplora) BlockHash(ctx context.Context,
	height uint32) (chainhash.Hash, error) {

	text, err := e.getText(ctx, fmt.Sprintf("/block-height/%d", height))
	if err != nil {
		return chainhash.Hash{}, err
	}

	hash, err := chainhash.NewHashFromStr(text)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("parse block hash: %w", err)
	}

	return *hash, nil
}

// FetchTx returns the transaction with the given id.
func (e *Esplora) FetchTx(ctx context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	if c, err := e.txCache.Get(txid); err == nil {
		return c.tx, nil
	} else if !errors.Is(err, cache.ErrElementNotFound) {
		return nil, err
	}

	text, err := e.getText(ctx, "/tx/"+txid.String()+"/hex")
	if err != nil {
		return nil, err
	}

	raw, err := hex.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("decode tx %v: %w", txid, err)
	}

	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("deserialize tx %v: %w", txid, err)
	}

	// A body that does not hash to the id is not cached. The ledger
	// rejects it.
	if tx.TxHash() == txid {
		_, _ = e.txCache.Put(txid, &cachedTx{tx: tx})
	}

	return tx, nil
}

// Broadcast submits a transaction to the network.
func (e *Esplora) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return err
	}

	body, err := e.do(ctx, http.MethodPost, "/tx",
		[]byte(hex.EncodeToString(buf.Bytes())))
	if err != nil {
		var he *httpError
		if errors.As(err, &he) {
			return fmt.Errorf("%w: %s", ErrBroadcast, he.body)
		}

		return err
	}

	txid := tx.TxHash()
	if got := strings.TrimSpace(string(body)); got != txid.String() {
		return fmt.Errorf("%w: backend returned txid %q, want %v",
			ErrBroadcast, got, txid)
	}

	_, _ = e.txCache.Put(txid, &cachedTx{tx: tx})
	log.Infof("Broadcast transaction %v", txid)

	return nil
}

// EstimateFeeRate returns the fee rate for confirmation within target
// blocks. The estimate of the largest target not above the requested one is
// used, falling back to the smallest target the backend reports.
func (e *Esplora) EstimateFeeRate(ctx context.Context,
	target uint32) (btcunit.SatPerKWeight, error) {

	var estimates map[string]float64
	if err := e.getJSON(ctx, "/fee-estimates", &estimates); err != nil {
		return 0, err
	}

	type estimate struct {
		target uint64
		rate   float64
	}
	var all []estimate
	for k, v := range estimates {
		t, err := strconv.ParseUint(k, 10, 32)
		if err != nil {
			continue
		}
		all = append(all, estimate{target: t, rate: v})
	}
	if len(all) == 0 {
		return 0, ErrNoFeeEstimate
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].target < all[j].target
	})

	chosen := all[0]
	for _, est := range all {
		if est.target <= uint64(target) {
			chosen = est
		}
	}

	return satPerVByteToKW(chosen.rate), nil
}

// satPerVByteToKW converts a fractional sat/vb rate into sat/kw, rounding
// up.
func satPerVByteToKW(rate float64) btcunit.SatPerKWeight {
	return btcunit.SatPerKWeight(math.Ceil(rate * 1000 / 4))
}

// esploraTx is a transaction of an Esplora history response.
type esploraTx struct {
	TxID   string        `json:"txid"`
	Status esploraStatus `json:"status"`
}

// esploraStatus is the confirmation status of a transaction.
type esploraStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight uint32 `json:"block_height"`
	BlockHash   string `json:"block_hash"`
	BlockTime   int64  `json:"block_time"`
}

// anchor converts the status into a ledger anchor.
func (s esploraStatus) anchor() (fn.Option[ledger.Anchor], error) {
	if !s.Confirmed {
		return fn.None[ledger.Anchor](), nil
	}

	hash, err := chainhash.NewHashFromStr(s.BlockHash)
	if err != nil {
		return fn.None[ledger.Anchor](), err
	}

	return fn.Some(ledger.Anchor{
		Block: ledger.BlockID{Height: s.BlockHeight, Hash: *hash},
		Time:  time.Unix(s.BlockTime, 0),
	}), nil
}

// relevant converts a history entry, attaching a cached body when there is
// one.
func (e *Esplora) relevant(t esploraTx) (ledger.RelevantTx, error) {
	txid, err := chainhash.NewHashFromStr(t.TxID)
	if err != nil {
		return ledger.RelevantTx{}, fmt.Errorf("parse txid: %w", err)
	}

	anchor, err := t.Status.anchor()
	if err != nil {
		return ledger.RelevantTx{}, fmt.Errorf("tx %v: %w", txid, err)
	}

	rel := ledger.RelevantTx{TxID: *txid, Anchor: anchor}
	if c, err := e.txCache.Get(*txid); err == nil {
		rel.Tx = c.tx
	}

	return rel, nil
}

// scriptHash returns the Esplora script hash of an output script.
func scriptHash(script []byte) string {
	h := sha256.Sum256(script)

	return hex.EncodeToString(h[:])
}

// history returns every transaction touching script, following the
// pagination of confirmed transactions.
func (e *Esplora) history(ctx context.Context,
	script []byte) ([]ledger.RelevantTx, error) {

	base := "/scripthash/" + scriptHash(script) + "/txs"

	var (
		out      []ledger.RelevantTx
		lastSeen string
	)
	for {
		path := base
		if lastSeen != "" {
			path = base + "/chain/" + lastSeen
		}

		var page []esploraTx
		if err := e.getJSON(ctx, path, &page); err != nil {
			return nil, err
		}

		confirmed := 0
		for _, t := range page {
			rel, err := e.relevant(t)
			if err != nil {
				return nil, err
			}
			out = append(out, rel)

			if t.Status.Confirmed {
				confirmed++
				lastSeen = t.TxID
			}
		}

		if confirmed < confirmedPageSize {
			return out, nil
		}
	}
}

// tip builds the source's checkpoint chain as seen from local.
func (e *Esplora) tip(ctx context.Context,
	local *ledger.Checkpoint) (*ledger.Checkpoint, error) {

	height, err := e.TipHeight(ctx)
	if err != nil {
		return nil, err
	}

	return buildTip(ctx, local, height, e.BlockHash)
}

// Scan discovers the history of every branch in batches of parallel script
// queries. A branch ends once StopGap consecutive indices past the last
// active one have no history.
func (e *Esplora) Scan(ctx context.Context,
	req *ScanRequest) (*ledger.SyncResult, error) {

	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	// The tip is taken first so that every transaction found is at or
	// below it, or unconfirmed.
	tip, err := e.tip(ctx, req.Tip)
	if err != nil {
		return nil, err
	}

	found := newTxSet()
	for _, kind := range keychain.Kinds {
		branch, ok := req.Branches[kind]
		if !ok {
			continue
		}

		err := e.scanBranch(ctx, kind, branch, batchSize, found)
		if err != nil {
			return nil, fmt.Errorf("scan %v: %w", kind, err)
		}
	}

	res := &ledger.SyncResult{
		Tip:        tip,
		Txs:        found.list(),
		LastActive: lastActive(req.Branches),
	}

	log.Infof("Scan found %d transactions up to %v, last active %v",
		len(res.Txs), tip.BlockID(), res.LastActive)

	return res, nil
}

// scanBranch scans the indices of one branch until the stop gap.
func (e *Esplora) scanBranch(ctx context.Context, kind keychain.Kind,
	branch ScanBranch, batchSize int, found *txSet) error {

	next := uint32(0)
	for next < branch.horizon() {
		end := min(next+uint32(batchSize), branch.horizon())

		results := make([][]ledger.RelevantTx, end-next)
		g, gctx := errgroup.WithContext(ctx)
		for idx := next; idx < end; idx++ {
			g.Go(func() error {
				script, err := branch.Deriver.ScriptFor(idx)
				if err != nil {
					return err
				}

				txs, err := e.history(gctx, script)
				if err != nil {
					return err
				}
				results[idx-next] = txs

				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		for i, txs := range results {
			if len(txs) == 0 {
				continue
			}

			idx := next + uint32(i)
			log.Debugf("Found %d transactions at %v/%d", len(txs),
				kind, idx)

			branch.State.ReportFound(idx)
			for _, tx := range txs {
				found.add(tx)
			}
		}

		next = end
	}

	return nil
}

// Sync refreshes the history of revealed scripts and the status of
// unconfirmed transactions.
func (e *Esplora) Sync(ctx context.Context,
	req *SyncRequest) (*ledger.SyncResult, error) {

	tip, err := e.tip(ctx, req.Tip)
	if err != nil {
		return nil, err
	}

	histories := make([][]ledger.RelevantTx, len(req.Scripts))
	statuses := make([]*ledger.RelevantTx, len(req.Unconfirmed))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(DefaultBatchSize)
	for i, script := range req.Scripts {
		g.Go(func() error {
			txs, err := e.history(gctx, script)
			histories[i] = txs

			return err
		})
	}
	for i, txid := range req.Unconfirmed {
		g.Go(func() error {
			rel, err := e.status(gctx, txid)
			if errors.Is(err, ErrNotFound) {
				log.Debugf("Unconfirmed tx %v unknown to "+
					"backend", txid)

				return nil
			}
			statuses[i] = rel

			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	found := newTxSet()
	for _, txs := range histories {
		for _, tx := range txs {
			found.add(tx)
		}
	}
	for _, rel := range statuses {
		if rel != nil {
			found.add(*rel)
		}
	}

	log.Debugf("Sync of %d scripts found %d transactions up to %v",
		len(req.Scripts), len(found.order), tip.BlockID())

	return &ledger.SyncResult{Tip: tip, Txs: found.list()}, nil
}

// status returns the current view of a single transaction.
func (e *Esplora) status(ctx context.Context,
	txid chainhash.Hash) (*ledger.RelevantTx, error) {

	var status esploraStatus
	err := e.getJSON(ctx, "/tx/"+txid.String()+"/status", &status)
	if err != nil {
		return nil, err
	}

	rel, err := e.relevant(esploraTx{TxID: txid.String(), Status: status})
	if err != nil {
		return nil, err
	}

	return &rel, nil
}
