// Copyright 2025 The Loam Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package wal implements the per-generation write-ahead log.
//
// A log is a sequence of records, each framed by a CRC32C and a length; a
// record holds one write batch. Appends from concurrent writers serialize on
// the writer's lock, but callers order commit visibility elsewhere — the log
// guarantees only durability and framing.
//
// The writer is reference counted. The store's state owns one reference and
// every in-flight write holds another for the duration of its append; Seal
// refuses to run until the caller holds the sole reference. That check is the
// exactly-once handoff of a sealed generation to the flush worker: a log can
// never be consumed while a writer could still append to it.
package wal

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/loamdb/loam/internal/base"
	"github.com/loamdb/loam/internal/setsum"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Options configures the log.
type Options struct {
	// SyncOnAppend fsyncs the log after every append. Seal always fsyncs.
	SyncOnAppend bool
}

// Writer appends batches to a log file. Safe for concurrent use.
type Writer struct {
	path string
	opts Options
	refs atomic.Int32

	mu     sync.Mutex
	f      *os.File
	sum    setsum.Setsum
	sealed bool
}

// NewWriter creates the log file. The file must not already exist. The
// returned writer holds one reference.
func NewWriter(path string, opts Options) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "create log %s", path)
	}
	w := &Writer{path: path, opts: opts, f: f}
	w.refs.Store(1)
	return w, nil
}

// Path returns the log file's path.
func (w *Writer) Path() string { return w.path }

// Ref acquires an additional reference.
func (w *Writer) Ref() { w.refs.Add(1) }

// Unref releases a reference.
func (w *Writer) Unref() {
	if w.refs.Add(-1) < 0 {
		panic(base.LogicErrorf("log %s: refcount below zero", w.path))
	}
}

// Refs returns the current reference count.
func (w *Writer) Refs() int32 { return w.refs.Load() }

// Append durably frames one batch of entries at the log's tail. Appending to
// a sealed log is an error.
func (w *Writer) Append(kvs []base.KV) error {
	payload := encodeBatch(kvs)
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:], crc32.Checksum(payload, crc32cTable))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(payload)))

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sealed {
		return base.LogicErrorf("append to sealed log %s", w.path)
	}
	if _, err := w.f.Write(hdr[:]); err != nil {
		return errors.Wrapf(err, "append log %s", w.path)
	}
	if _, err := w.f.Write(payload); err != nil {
		return errors.Wrapf(err, "append log %s", w.path)
	}
	if w.opts.SyncOnAppend {
		if err := w.f.Sync(); err != nil {
			return errors.Wrapf(err, "sync log %s", w.path)
		}
	}
	for i := range kvs {
		w.sum.InsertKV(&kvs[i])
	}
	return nil
}

// Seal fsyncs and closes the log, returning the setsum of every entry ever
// appended. The caller must hold the sole reference; anything else means a
// writer could still be appending, which is a bug.
func (w *Writer) Seal() (setsum.Setsum, error) {
	if n := w.refs.Load(); n != 1 {
		return setsum.Setsum{}, base.LogicErrorf(
			"seal of log %s with %d references outstanding", w.path, n)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sealed {
		return setsum.Setsum{}, base.LogicErrorf("double seal of log %s", w.path)
	}
	w.sealed = true
	if err := w.f.Sync(); err != nil {
		return setsum.Setsum{}, errors.Wrapf(err, "sync log %s", w.path)
	}
	if err := w.f.Close(); err != nil {
		return setsum.Setsum{}, errors.Wrapf(err, "close log %s", w.path)
	}
	return w.sum, nil
}

func encodeBatch(kvs []base.KV) []byte {
	var out []byte
	out = binary.LittleEndian.AppendUint32(out, uint32(len(kvs)))
	for i := range kvs {
		kv := &kvs[i]
		out = binary.LittleEndian.AppendUint64(out, kv.SeqNum)
		var flags byte
		if kv.Tombstone {
			flags = 1
		}
		out = append(out, flags)
		out = binary.LittleEndian.AppendUint32(out, uint32(len(kv.Key)))
		out = append(out, kv.Key...)
		if kv.Tombstone {
			out = binary.LittleEndian.AppendUint32(out, 0)
		} else {
			out = binary.LittleEndian.AppendUint32(out, uint32(len(kv.Value)))
			out = append(out, kv.Value...)
		}
	}
	return out
}
