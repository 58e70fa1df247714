// Copyright 2025 The Loam Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package loam provides an ordered, durable key-value store built on a
// log-structured merge tree.
//
// Writes are admitted through a bounded FIFO commit path: each batch takes a
// ticket, receives the next sequence number, appends to the write-ahead log,
// lands in the memtable once the append is durable, and becomes visible only
// once every earlier ticket has retired. Reads therefore observe a prefix of
// the commit order, never a write that committed after one they cannot see.
//
// Each memtable is paired with one log generation. When the memtable fills, a
// background worker seals the pair, rewrites it as an immutable sorted table,
// and registers the table in the manifest before the log is discarded. Every
// table is named by a setsum of its contents, and the flush verifies that the
// table's setsum equals the sealed log's, so data loss between log and table
// is detected rather than silently shipped.
package loam

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/loamdb/loam/internal/base"
	"github.com/loamdb/loam/internal/cursor"
	"github.com/loamdb/loam/internal/tree"
	"github.com/loamdb/loam/internal/waitlist"
	"github.com/loamdb/loam/internal/wal"
)

// ErrNotFound is returned by Get when the key has no live value.
var ErrNotFound = base.ErrNotFound

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("loam: store is closed")

// IsCorruption reports whether err indicates on-disk corruption. A corrupt
// store refuses further writes until repaired.
func IsCorruption(err error) bool {
	return base.IsCorruption(err)
}

// DB is an ordered durable key-value store. All methods are safe for
// concurrent use.
type DB struct {
	opts    *Options
	root    string
	logger  Logger
	metrics MetricsSink

	tree    *tree.Tree
	waiters *waitlist.WaitList[uint64]

	// writeSem bounds concurrent writers below the waitlist's capacity, so a
	// writer never blocks on a waitlist slot while holding mu. One slot stays
	// reserved for the flush worker's sealing ticket. closeCh is closed by
	// Close so writers queued on admission are turned away, not stranded.
	writeSem chan struct{}
	closeCh  chan struct{}

	workers errgroup.Group
	closed  atomic.Bool

	mu struct {
		sync.Mutex

		// seq is the last assigned sequence number; visible trails it,
		// advancing as commits retire in FIFO order. Readers snapshot
		// visible as their timestamp.
		seq     uint64
		visible uint64

		gen uint64
		mem *memTable
		log *wal.Writer

		// At most one sealed memtable awaits flush at a time.
		imm    *memTable
		immLog *wal.Writer

		// flushTrigger is the sequence number at which the memtable crossed
		// its size threshold, or zero when no flush is wanted.
		flushTrigger   uint64
		flushedThrough uint64
		flushCond      sync.Cond
		flushedCond    sync.Cond

		closed bool
		err    error
	}
}

// Apply commits the batch atomically. On return the batch is durable (when
// SyncWrites is in effect) and visible to subsequent reads. The batch may be
// reused after Reset.
func (d *DB) Apply(b *Batch) error {
	if b.Empty() {
		return nil
	}
	if d.closed.Load() {
		return ErrClosed
	}
	select {
	case d.writeSem <- struct{}{}:
	case <-d.closeCh:
		return ErrClosed
	}
	defer func() { <-d.writeSem }()
	if d.closed.Load() {
		return ErrClosed
	}

	d.mu.Lock()
	if err := d.commitErrLocked(); err != nil {
		d.mu.Unlock()
		return err
	}
	t := d.waiters.Link(0)
	d.mu.seq++
	seq := d.mu.seq
	b.stamp(seq)
	t.Store(seq)
	mem := d.mu.mem
	log := d.mu.log
	log.Ref()
	if d.mu.flushTrigger == 0 && mem.approximateSize()+b.size >= d.opts.MemTableSize {
		d.mu.flushTrigger = seq
		d.mu.flushCond.Signal()
	}
	d.mu.Unlock()

	// The batch reaches the memtable only after the log has it. A failed
	// append therefore never leaves a readable entry that was not durable.
	err := log.Append(b.kvs)
	if err == nil {
		mem.apply(b.kvs)
	}
	log.Unref()

	d.mu.Lock()
	if err != nil {
		d.poisonLocked(err)
	}
	for !t.IsHead() {
		t.NakedWait(&d.mu)
	}
	if err == nil && seq > d.mu.visible {
		d.mu.visible = seq
	}
	d.waiters.Unlink(t)
	d.mu.Unlock()
	d.waiters.NotifyHead()
	if err == nil {
		d.metrics.Count("db.commit", 1)
		d.metrics.Count("db.commit.entries", uint64(b.Len()))
	}
	return err
}

// Set commits a single put.
func (d *DB) Set(key, value []byte) error {
	var b Batch
	b.Set(key, value)
	return d.Apply(&b)
}

// Delete commits a single tombstone.
func (d *DB) Delete(key []byte) error {
	var b Batch
	b.Delete(key)
	return d.Apply(&b)
}

// Get returns the value of key as of the read's snapshot. The returned slice
// is the caller's to keep. Deleted and absent keys return ErrNotFound.
func (d *DB) Get(key []byte) ([]byte, error) {
	d.mu.Lock()
	if d.mu.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	// The timestamp and all three sources are captured under one lock hold,
	// so a flush racing with the read cannot hide a key between them.
	ts := d.mu.visible
	mem := d.mu.mem
	imm := d.mu.imm
	ver := d.tree.TakeSnapshot()
	d.mu.Unlock()
	defer ver.Unref()

	if kv, ok := mem.get(key, ts); ok {
		return valueOrNotFound(kv)
	}
	if imm != nil {
		if kv, ok := imm.get(key, ts); ok {
			return valueOrNotFound(kv)
		}
	}
	if kv, ok := ver.Load(key, ts); ok {
		return valueOrNotFound(kv)
	}
	return nil, ErrNotFound
}

func valueOrNotFound(kv *base.KV) ([]byte, error) {
	if kv.Tombstone {
		return nil, ErrNotFound
	}
	return append([]byte(nil), kv.Value...), nil
}

// NewIter returns an iterator over the half-open range [lower, upper) at the
// read's snapshot. A nil bound leaves that end of the range open. The
// iterator sees one version of each key and no tombstones.
func (d *DB) NewIter(lower, upper []byte) (*Iterator, error) {
	d.mu.Lock()
	if d.mu.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	ts := d.mu.visible
	mem := d.mu.mem
	imm := d.mu.imm
	ver := d.tree.TakeSnapshot()
	d.mu.Unlock()

	// Newest source first; the merge breaks (key, seqnum) ties in favor of
	// earlier sources.
	cursors := []base.Cursor{mem.newCursor()}
	if imm != nil {
		cursors = append(cursors, imm.newCursor())
	}
	cursors = append(cursors, ver.Scan())
	c := cursor.SkipTombstones(cursor.Pruning(cursor.Merging(cursors...), ts))
	if lower != nil || upper != nil {
		c = cursor.Bounds(c, lower, upper)
	}
	return &Iterator{c: c, ver: ver}, nil
}

// Flush seals the current memtable and blocks until everything committed
// before the call is flushed to a sorted table.
func (d *DB) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mu.closed {
		return ErrClosed
	}
	if err := d.mu.err; err != nil {
		return err
	}
	if d.mu.mem.empty() && d.mu.imm == nil {
		return nil
	}
	target := d.mu.seq
	if !d.mu.mem.empty() && d.mu.flushTrigger == 0 {
		d.mu.flushTrigger = target
		d.mu.flushCond.Signal()
	}
	for d.mu.flushedThrough < target && d.mu.err == nil && !d.mu.closed {
		d.mu.flushedCond.Wait()
	}
	if d.mu.closed {
		return ErrClosed
	}
	return d.mu.err
}

// Compact merges every live sorted table into one. All versions are kept; the
// merge only reduces the table count.
func (d *DB) Compact() error {
	d.mu.Lock()
	if d.mu.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if err := d.mu.err; err != nil {
		d.mu.Unlock()
		return err
	}
	d.mu.Unlock()
	v := d.tree.TakeSnapshot()
	ids := v.Tables()
	v.Unref()
	if len(ids) < 2 {
		return nil
	}
	return d.tree.Compact(ids)
}

// Close drains in-flight writes, stops the flush worker, seals the live log,
// and releases the store lock. Unflushed commits survive in the sealed log
// and are recovered on the next Open.
func (d *DB) Close() error {
	if d.closed.Swap(true) {
		return ErrClosed
	}
	close(d.closeCh)
	// Taking every admission slot waits out in-flight writers and keeps new
	// ones from starting.
	for i := 0; i < cap(d.writeSem); i++ {
		d.writeSem <- struct{}{}
	}
	d.mu.Lock()
	d.mu.closed = true
	d.mu.flushCond.Signal()
	d.mu.flushedCond.Broadcast()
	d.mu.Unlock()
	err := d.workers.Wait()

	d.mu.Lock()
	log := d.mu.log
	d.mu.Unlock()
	if _, serr := log.Seal(); serr != nil {
		err = errors.CombineErrors(err, serr)
	}
	return errors.CombineErrors(err, d.tree.Close())
}

func (d *DB) commitErrLocked() error {
	if d.mu.closed {
		return ErrClosed
	}
	return d.mu.err
}

// poisonLocked records the store's first fatal error. Once poisoned the store
// rejects writes; reads keep serving the state that is known good.
func (d *DB) poisonLocked(err error) {
	if d.mu.err != nil {
		return
	}
	d.mu.err = err
	d.logger.Errorf("store poisoned: %v", err)
	d.metrics.Count("db.poisoned", 1)
	d.mu.flushedCond.Broadcast()
}

// Iterator ranges over live keys in ascending order. It is a point-in-time
// snapshot; writes after its creation are not observed. Not safe for
// concurrent use.
type Iterator struct {
	c   base.Cursor
	ver *tree.Version
}

// First positions the iterator at the first key in range.
func (it *Iterator) First() bool { return it.c.First() }

// SeekGE positions the iterator at the first key >= key in range.
func (it *Iterator) SeekGE(key []byte) bool { return it.c.SeekGE(key) }

// Next advances the iterator.
func (it *Iterator) Next() bool { return it.c.Next() }

// Key returns the current key, valid until the next positioning call.
func (it *Iterator) Key() []byte { return it.c.KV().Key }

// Value returns the current value, valid until the next positioning call.
func (it *Iterator) Value() []byte { return it.c.KV().Value }

// Error returns the first error the iterator encountered.
func (it *Iterator) Error() error { return it.c.Error() }

// Close releases the iterator's snapshot.
func (it *Iterator) Close() error {
	err := it.c.Close()
	it.ver.Unref()
	return err
}
