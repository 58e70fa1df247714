// Copyright 2025 The Loam Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package sstable

import (
	"encoding/binary"
	"hash/crc32"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"

	"github.com/loamdb/loam/internal/base"
	"github.com/loamdb/loam/internal/cursor"
	"github.com/loamdb/loam/internal/setsum"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

func crc32c(b []byte) uint32 {
	return crc32.Checksum(b, crc32cTable)
}

// Reader serves entries from a verified table. The table's entries are held
// decoded in memory for the lifetime of the reader.
type Reader struct {
	path string
	meta Metadata
	kvs  []base.KV
}

// Open reads and verifies a table. Any checksum mismatch, ordering violation,
// or structural inconsistency is corruption.
func Open(path string) (*Reader, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read sstable %s", path)
	}
	meta, dataLen, err := decodeFooter(path, raw)
	if err != nil {
		return nil, err
	}
	kvs, err := decodeEntries(path, raw[:dataLen], meta)
	if err != nil {
		return nil, err
	}
	return &Reader{path: path, meta: meta, kvs: kvs}, nil
}

// Metadata returns the table's metadata.
func (r *Reader) Metadata() Metadata { return r.meta }

// Cursor returns a cursor over the table in CompareKV order.
func (r *Reader) Cursor() base.Cursor { return cursor.FromSlice(r.kvs) }

// Get returns the most recent version of key with sequence number <= ts.
func (r *Reader) Get(key []byte, ts uint64) (*base.KV, bool) {
	c := cursor.Pruning(cursor.FromSlice(r.kvs), ts)
	if !c.SeekGE(key) {
		return nil, false
	}
	kv := c.KV()
	if base.Compare(kv.Key, key) != 0 {
		return nil, false
	}
	return kv, true
}

func decodeFooter(path string, raw []byte) (Metadata, uint64, error) {
	var meta Metadata
	if len(raw) < 16 {
		return meta, 0, base.CorruptionErrorf("sstable %s: truncated (%d bytes)", path, len(raw))
	}
	trailer := raw[len(raw)-16:]
	contentLen := binary.LittleEndian.Uint32(trailer[0:4])
	crc := binary.LittleEndian.Uint32(trailer[4:8])
	if binary.LittleEndian.Uint64(trailer[8:16]) != magic {
		return meta, 0, base.CorruptionErrorf("sstable %s: bad magic", path)
	}
	if uint64(contentLen)+16 > uint64(len(raw)) {
		return meta, 0, base.CorruptionErrorf("sstable %s: footer overruns file", path)
	}
	footerStart := uint64(len(raw)) - 16 - uint64(contentLen)
	checksummed := raw[footerStart : uint64(len(raw))-12]
	if crc32c(checksummed) != crc {
		return meta, 0, base.CorruptionErrorf("sstable %s: footer crc32c failure", path)
	}

	content := raw[footerStart : footerStart+uint64(contentLen)]
	rd := byteReader{b: content, path: path}
	meta.Count = rd.uint64()
	meta.BiggestSeqNum = rd.uint64()
	meta.FirstKey = append([]byte(nil), rd.bytes(rd.uint32())...)
	meta.LastKey = append([]byte(nil), rd.bytes(rd.uint32())...)
	var digest [32]byte
	copy(digest[:], rd.bytes(32))
	meta.Setsum = setsum.FromDigest(digest)
	dataHash := rd.uint64()
	dataLen := rd.uint64()
	if rd.err != nil {
		return meta, 0, rd.err
	}
	if dataLen != footerStart {
		return meta, 0, base.CorruptionErrorf(
			"sstable %s: data length %d does not match footer position %d",
			path, dataLen, footerStart)
	}
	if xxhash.Sum64(raw[:dataLen]) != dataHash {
		return meta, 0, base.CorruptionErrorf("sstable %s: data hash failure", path)
	}
	meta.Size = uint64(len(raw))
	return meta, dataLen, nil
}

func decodeEntries(path string, data []byte, meta Metadata) ([]base.KV, error) {
	kvs := make([]base.KV, 0, meta.Count)
	var sum setsum.Setsum
	rd := byteReader{b: data, path: path}
	for len(rd.b) > 0 && rd.err == nil {
		var kv base.KV
		kv.SeqNum = rd.uint64()
		flags := rd.uint8()
		kv.Key = rd.bytes(rd.uint32())
		kv.Tombstone = flags&flagTombstone != 0
		vlen := rd.uint32()
		if !kv.Tombstone {
			kv.Value = rd.bytes(vlen)
		} else if vlen != 0 {
			return nil, base.CorruptionErrorf("sstable %s: tombstone with value", path)
		}
		if rd.err != nil {
			break
		}
		if n := len(kvs); n > 0 && base.CompareKV(&kvs[n-1], &kv) >= 0 {
			return nil, base.CorruptionErrorf("sstable %s: entries out of order", path)
		}
		sum.InsertKV(&kv)
		kvs = append(kvs, kv)
	}
	if rd.err != nil {
		return nil, rd.err
	}
	if uint64(len(kvs)) != meta.Count {
		return nil, base.CorruptionErrorf(
			"sstable %s: %d entries, footer says %d", path, len(kvs), meta.Count)
	}
	if sum.Digest() != meta.Setsum.Digest() {
		return nil, base.CorruptionErrorf("sstable %s: setsum failure", path)
	}
	return kvs, nil
}

type byteReader struct {
	b    []byte
	path string
	err  error
}

func (r *byteReader) bytes(n uint32) []byte {
	if r.err != nil {
		return nil
	}
	if uint64(n) > uint64(len(r.b)) {
		r.err = base.CorruptionErrorf("sstable %s: truncated record", r.path)
		return nil
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *byteReader) uint8() uint8 {
	b := r.bytes(1)
	if r.err != nil {
		return 0
	}
	return b[0]
}

func (r *byteReader) uint32() uint32 {
	b := r.bytes(4)
	if r.err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *byteReader) uint64() uint64 {
	b := r.bytes(8)
	if r.err != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}
