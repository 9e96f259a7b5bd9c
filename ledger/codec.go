// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
	"maps"
	"slices"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/keychain"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	networkType      tlv.Type = 0
	descriptorsType  tlv.Type = 1
	blocksType       tlv.Type = 2
	txsType          tlv.Type = 3
	anchorsType      tlv.Type = 4
	lastSeenType     tlv.Type = 5
	lastRevealedType tlv.Type = 6
	issuedType       tlv.Type = 7
)

// maxCodecItems bounds the item count of a decoded section.
const maxCodecItems = 1 << 24

// ErrCorruptChangeSet is returned when a serialized change-set cannot be
// decoded.
var ErrCorruptChangeSet = errors.New("corrupt change-set")

// Encode writes the change-set as a TLV stream. Map sections are written in
// key order so equal change-sets encode to equal bytes.
func (c *ChangeSet) Encode(w io.Writer) error {
	var records []tlv.Record

	var net uint32
	c.Network.WhenSome(func(n wire.BitcoinNet) {
		net = uint32(n)
		records = append(records, tlv.MakePrimitiveRecord(
			networkType, &net,
		))
	})

	sections := []struct {
		typ    tlv.Type
		encode func(*bytes.Buffer) error
		empty  bool
	}{
		{descriptorsType, c.encodeDescriptors, len(c.Descriptors) == 0},
		{blocksType, c.encodeBlocks, len(c.Blocks) == 0},
		{txsType, c.encodeTxs, len(c.Txs) == 0},
		{anchorsType, c.encodeAnchors, len(c.Anchors) == 0},
		{lastSeenType, c.encodeLastSeen, len(c.LastSeen) == 0},
		{lastRevealedType, c.encodeLastRevealed, len(c.LastRevealed) == 0},
		{issuedType, c.encodeIssued, len(c.Issued) == 0},
	}
	for _, s := range sections {
		if s.empty {
			continue
		}

		var buf bytes.Buffer
		if err := s.encode(&buf); err != nil {
			return err
		}

		blob := buf.Bytes()
		records = append(records, tlv.MakePrimitiveRecord(s.typ, &blob))
	}

	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// Decode reads a change-set written by Encode, replacing the content of c.
func (c *ChangeSet) Decode(r io.Reader) error {
	var (
		net      uint32
		descs    []byte
		blocks   []byte
		txs      []byte
		anchors  []byte
		seen     []byte
		revealed []byte
		issued   []byte
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(networkType, &net),
		tlv.MakePrimitiveRecord(descriptorsType, &descs),
		tlv.MakePrimitiveRecord(blocksType, &blocks),
		tlv.MakePrimitiveRecord(txsType, &txs),
		tlv.MakePrimitiveRecord(anchorsType, &anchors),
		tlv.MakePrimitiveRecord(lastSeenType, &seen),
		tlv.MakePrimitiveRecord(lastRevealedType, &revealed),
		tlv.MakePrimitiveRecord(issuedType, &issued),
	)
	if err != nil {
		return err
	}

	parsed, err := stream.DecodeWithParsedTypes(r)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptChangeSet, err)
	}

	*c = *NewChangeSet()
	if _, ok := parsed[networkType]; ok {
		c.Network = fn.Some(wire.BitcoinNet(net))
	}

	decoders := []struct {
		blob   []byte
		decode func(*bytes.Reader) error
	}{
		{descs, c.decodeDescriptors},
		{blocks, c.decodeBlocks},
		{txs, c.decodeTxs},
		{anchors, c.decodeAnchors},
		{seen, c.decodeLastSeen},
		{revealed, c.decodeLastRevealed},
		{issued, c.decodeIssued},
	}
	for _, d := range decoders {
		if len(d.blob) == 0 {
			continue
		}

		if err := d.decode(bytes.NewReader(d.blob)); err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptChangeSet, err)
		}
	}

	return nil
}

// EncodeBytes returns the serialized change-set.
func (c *ChangeSet) EncodeBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := c.Encode(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// DecodeChangeSet parses a serialized change-set.
func DecodeChangeSet(b []byte) (*ChangeSet, error) {
	c := NewChangeSet()
	if err := c.Decode(bytes.NewReader(b)); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *ChangeSet) encodeDescriptors(w *bytes.Buffer) error {
	var buf [8]byte
	err := tlv.WriteVarInt(w, uint64(len(c.Descriptors)), &buf)
	if err != nil {
		return err
	}

	for _, kind := range slices.Sorted(maps.Keys(c.Descriptors)) {
		w.WriteByte(byte(kind))
		err := writeVarBytes(w, []byte(c.Descriptors[kind]))
		if err != nil {
			return err
		}
	}

	return nil
}

func (c *ChangeSet) decodeDescriptors(r *bytes.Reader) error {
	return readItems(r, func() error {
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}

		desc, err := readVarBytes(r)
		if err != nil {
			return err
		}

		c.Descriptors[keychain.Kind(kind)] = string(desc)

		return nil
	})
}

func (c *ChangeSet) encodeBlocks(w *bytes.Buffer) error {
	var buf [8]byte
	err := tlv.WriteVarInt(w, uint64(len(c.Blocks)), &buf)
	if err != nil {
		return err
	}

	for _, height := range slices.Sorted(maps.Keys(c.Blocks)) {
		writeUint32(w, height)
		writeOptionalHash(w, c.Blocks[height])
	}

	return nil
}

func (c *ChangeSet) decodeBlocks(r *bytes.Reader) error {
	return readItems(r, func() error {
		height, err := readUint32(r)
		if err != nil {
			return err
		}

		hash, err := readOptionalHash(r)
		if err != nil {
			return err
		}

		c.Blocks[height] = hash

		return nil
	})
}

func (c *ChangeSet) encodeTxs(w *bytes.Buffer) error {
	var buf [8]byte
	err := tlv.WriteVarInt(w, uint64(len(c.Txs)), &buf)
	if err != nil {
		return err
	}

	for _, txid := range sortedHashes(maps.Keys(c.Txs)) {
		var txBuf bytes.Buffer
		if err := c.Txs[txid].Serialize(&txBuf); err != nil {
			return err
		}

		if err := writeVarBytes(w, txBuf.Bytes()); err != nil {
			return err
		}
	}

	return nil
}

func (c *ChangeSet) decodeTxs(r *bytes.Reader) error {
	return readItems(r, func() error {
		raw, err := readVarBytes(r)
		if err != nil {
			return err
		}

		tx := wire.NewMsgTx(wire.TxVersion)
		if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
			return err
		}

		c.Txs[tx.TxHash()] = tx

		return nil
	})
}

func (c *ChangeSet) encodeAnchors(w *bytes.Buffer) error {
	var buf [8]byte
	err := tlv.WriteVarInt(w, uint64(len(c.Anchors)), &buf)
	if err != nil {
		return err
	}

	for _, txid := range sortedHashes(maps.Keys(c.Anchors)) {
		w.Write(txid[:])

		anchor := c.Anchors[txid]
		if anchor.IsNone() {
			w.WriteByte(0)
			continue
		}

		w.WriteByte(1)
		anchor.WhenSome(func(a Anchor) {
			writeUint32(w, a.Block.Height)
			w.Write(a.Block.Hash[:])

			binary.BigEndian.PutUint64(buf[:], uint64(a.Time.Unix()))
			w.Write(buf[:])
		})
	}

	return nil
}

func (c *ChangeSet) decodeAnchors(r *bytes.Reader) error {
	return readItems(r, func() error {
		var txid chainhash.Hash
		if _, err := io.ReadFull(r, txid[:]); err != nil {
			return err
		}

		flag, err := r.ReadByte()
		if err != nil {
			return err
		}

		if flag == 0 {
			c.Anchors[txid] = fn.None[Anchor]()
			return nil
		}

		var a Anchor
		if a.Block.Height, err = readUint32(r); err != nil {
			return err
		}
		if _, err := io.ReadFull(r, a.Block.Hash[:]); err != nil {
			return err
		}

		var ts [8]byte
		if _, err := io.ReadFull(r, ts[:]); err != nil {
			return err
		}
		a.Time = time.Unix(int64(binary.BigEndian.Uint64(ts[:])), 0)

		c.Anchors[txid] = fn.Some(a)

		return nil
	})
}

func (c *ChangeSet) encodeLastSeen(w *bytes.Buffer) error {
	var buf [8]byte
	err := tlv.WriteVarInt(w, uint64(len(c.LastSeen)), &buf)
	if err != nil {
		return err
	}

	for _, txid := range sortedHashes(maps.Keys(c.LastSeen)) {
		w.Write(txid[:])
		writeUint32(w, c.LastSeen[txid])
	}

	return nil
}

func (c *ChangeSet) decodeLastSeen(r *bytes.Reader) error {
	return readItems(r, func() error {
		var txid chainhash.Hash
		if _, err := io.ReadFull(r, txid[:]); err != nil {
			return err
		}

		seen, err := readUint32(r)
		if err != nil {
			return err
		}
		c.LastSeen[txid] = seen

		return nil
	})
}

func (c *ChangeSet) encodeLastRevealed(w *bytes.Buffer) error {
	var buf [8]byte
	err := tlv.WriteVarInt(w, uint64(len(c.LastRevealed)), &buf)
	if err != nil {
		return err
	}

	for _, kind := range slices.Sorted(maps.Keys(c.LastRevealed)) {
		w.WriteByte(byte(kind))
		writeUint32(w, c.LastRevealed[kind])
	}

	return nil
}

func (c *ChangeSet) decodeLastRevealed(r *bytes.Reader) error {
	return readItems(r, func() error {
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}

		idx, err := readUint32(r)
		if err != nil {
			return err
		}
		c.LastRevealed[keychain.Kind(kind)] = idx

		return nil
	})
}

func (c *ChangeSet) encodeIssued(w *bytes.Buffer) error {
	var buf [8]byte
	err := tlv.WriteVarInt(w, uint64(len(c.Issued)), &buf)
	if err != nil {
		return err
	}

	issued := slices.Collect(maps.Keys(c.Issued))
	slices.SortFunc(issued, func(a, b IssuedIndex) int {
		if c := cmp.Compare(a.Kind, b.Kind); c != 0 {
			return c
		}

		return cmp.Compare(a.Index, b.Index)
	})

	for _, i := range issued {
		w.WriteByte(byte(i.Kind))
		writeUint32(w, i.Index)
	}

	return nil
}

func (c *ChangeSet) decodeIssued(r *bytes.Reader) error {
	return readItems(r, func() error {
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}

		idx, err := readUint32(r)
		if err != nil {
			return err
		}
		c.Issued[IssuedIndex{Kind: keychain.Kind(kind), Index: idx}] =
			struct{}{}

		return nil
	})
}

// readItems reads a varint item count and calls item that many times.
func readItems(r *bytes.Reader, item func() error) error {
	var buf [8]byte
	n, err := tlv.ReadVarInt(r, &buf)
	if err != nil {
		return err
	}

	if n > maxCodecItems {
		return fmt.Errorf("item count %d too large", n)
	}

	for i := uint64(0); i < n; i++ {
		if err := item(); err != nil {
			return err
		}
	}

	if r.Len() != 0 {
		return fmt.Errorf("%d trailing bytes", r.Len())
	}

	return nil
}

func writeVarBytes(w *bytes.Buffer, b []byte) error {
	var buf [8]byte
	if err := tlv.WriteVarInt(w, uint64(len(b)), &buf); err != nil {
		return err
	}

	_, err := w.Write(b)

	return err
}

func readVarBytes(r *bytes.Reader) ([]byte, error) {
	var buf [8]byte
	n, err := tlv.ReadVarInt(r, &buf)
	if err != nil {
		return nil, err
	}

	if n > uint64(r.Len()) {
		return nil, io.ErrUnexpectedEOF
	}

	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}

	return b, nil
}

func writeUint32(w *bytes.Buffer, v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	w.Write(buf[:])
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint32(buf[:]), nil
}

func writeOptionalHash(w *bytes.Buffer, h fn.Option[chainhash.Hash]) {
	if h.IsNone() {
		w.WriteByte(0)
		return
	}

	w.WriteByte(1)
	h.WhenSome(func(hash chainhash.Hash) {
		w.Write(hash[:])
	})
}

func readOptionalHash(r *bytes.Reader) (fn.Option[chainhash.Hash], error) {
	flag, err := r.ReadByte()
	if err != nil {
		return fn.None[chainhash.Hash](), err
	}

	if flag == 0 {
		return fn.None[chainhash.Hash](), nil
	}

	var hash chainhash.Hash
	if _, err := io.ReadFull(r, hash[:]); err != nil {
		return fn.None[chainhash.Hash](), err
	}

	return fn.Some(hash), nil
}

// sortedHashes returns the hashes in byte order.
func sortedHashes(seq iter.Seq[chainhash.Hash]) []chainhash.Hash {
	hashes := slices.Collect(seq)
	slices.SortFunc(hashes, func(a, b chainhash.Hash) int {
		return bytes.Compare(a[:], b[:])
	})

	return hashes
}
