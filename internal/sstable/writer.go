// Copyright 2025 The Loam Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package sstable reads and writes immutable sorted tables.
//
// A table is a single extent of entries in CompareKV order (key ascending,
// sequence number descending) followed by a footer. The footer records the
// entry count, the biggest sequence number, the first and last user keys, the
// table's setsum, an xxhash64 of the entry region, and is itself protected by
// a CRC32C. Tables are verified whole on open: the entry region is hashed,
// the setsum recomputed, and the order re-checked, so a reader never serves
// from a corrupt table.
package sstable

import (
	"bufio"
	"encoding/binary"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"

	"github.com/loamdb/loam/internal/base"
	"github.com/loamdb/loam/internal/setsum"
)

const magic = 0x6c6f616d73737431 // "loamsst1"

const (
	flagTombstone = 1 << 0
)

// Metadata describes a finished table.
type Metadata struct {
	Setsum        setsum.Setsum
	FirstKey      []byte
	LastKey       []byte
	BiggestSeqNum uint64
	Count         uint64
	Size          uint64
}

// Writer builds a table. Entries must be added in strictly increasing
// CompareKV order.
type Writer struct {
	path    string
	f       *os.File
	buf     *bufio.Writer
	hash    *xxhash.Digest
	sum     setsum.Setsum
	meta    Metadata
	lastKV  base.KV
	started bool
	offset  uint64
}

// NewWriter creates the table file. The file must not already exist.
func NewWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "create sstable %s", path)
	}
	return &Writer{
		path: path,
		f:    f,
		buf:  bufio.NewWriter(f),
		hash: xxhash.New(),
	}, nil
}

// Add appends one entry.
func (w *Writer) Add(kv *base.KV) error {
	if w.started && base.CompareKV(&w.lastKV, kv) >= 0 {
		return errors.Newf("sstable: out-of-order entry %q@%d after %q@%d",
			kv.Key, kv.SeqNum, w.lastKV.Key, w.lastKV.SeqNum)
	}
	if !w.started {
		w.meta.FirstKey = append([]byte(nil), kv.Key...)
		w.started = true
	}
	w.lastKV = base.KV{
		Key:       append(w.lastKV.Key[:0], kv.Key...),
		SeqNum:    kv.SeqNum,
		Tombstone: kv.Tombstone,
	}
	w.meta.LastKey = append(w.meta.LastKey[:0], kv.Key...)
	if kv.SeqNum > w.meta.BiggestSeqNum {
		w.meta.BiggestSeqNum = kv.SeqNum
	}
	w.meta.Count++
	w.sum.InsertKV(kv)

	var hdr [13]byte
	binary.LittleEndian.PutUint64(hdr[0:], kv.SeqNum)
	if kv.Tombstone {
		hdr[8] = flagTombstone
	}
	binary.LittleEndian.PutUint32(hdr[9:], uint32(len(kv.Key)))
	if err := w.write(hdr[:]); err != nil {
		return err
	}
	if err := w.write(kv.Key); err != nil {
		return err
	}
	var vlen [4]byte
	if kv.Tombstone {
		return w.write(vlen[:])
	}
	binary.LittleEndian.PutUint32(vlen[:], uint32(len(kv.Value)))
	if err := w.write(vlen[:]); err != nil {
		return err
	}
	return w.write(kv.Value)
}

func (w *Writer) write(p []byte) error {
	if _, err := w.buf.Write(p); err != nil {
		return errors.Wrapf(err, "write sstable %s", w.path)
	}
	_, _ = w.hash.Write(p)
	w.offset += uint64(len(p))
	return nil
}

// Finish writes the footer, fsyncs, and closes the table, returning its
// metadata.
func (w *Writer) Finish() (Metadata, error) {
	w.meta.Setsum = w.sum
	footer := encodeFooter(&w.meta, w.hash.Sum64(), w.offset)
	if _, err := w.buf.Write(footer); err != nil {
		return Metadata{}, errors.Wrapf(err, "write sstable footer %s", w.path)
	}
	if err := w.buf.Flush(); err != nil {
		return Metadata{}, errors.Wrapf(err, "flush sstable %s", w.path)
	}
	if err := w.f.Sync(); err != nil {
		return Metadata{}, errors.Wrapf(err, "sync sstable %s", w.path)
	}
	if err := w.f.Close(); err != nil {
		return Metadata{}, errors.Wrapf(err, "close sstable %s", w.path)
	}
	w.meta.Size = w.offset + uint64(len(footer))
	return w.meta, nil
}

// Abort discards the partially written table.
func (w *Writer) Abort() {
	_ = w.f.Close()
	_ = os.Remove(w.path)
}

func encodeFooter(meta *Metadata, dataHash, dataLen uint64) []byte {
	var content []byte
	content = binary.LittleEndian.AppendUint64(content, meta.Count)
	content = binary.LittleEndian.AppendUint64(content, meta.BiggestSeqNum)
	content = binary.LittleEndian.AppendUint32(content, uint32(len(meta.FirstKey)))
	content = append(content, meta.FirstKey...)
	content = binary.LittleEndian.AppendUint32(content, uint32(len(meta.LastKey)))
	content = append(content, meta.LastKey...)
	d := meta.Setsum.Digest()
	content = append(content, d[:]...)
	content = binary.LittleEndian.AppendUint64(content, dataHash)
	content = binary.LittleEndian.AppendUint64(content, dataLen)

	content = binary.LittleEndian.AppendUint32(content, uint32(len(content)))
	content = binary.LittleEndian.AppendUint32(content, crc32c(content))
	content = binary.LittleEndian.AppendUint64(content, magic)
	return content
}
