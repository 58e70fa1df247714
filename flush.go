// Copyright 2025 The Loam Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package loam

import (
	"os"
	"path/filepath"

	"github.com/loamdb/loam/internal/base"
	"github.com/loamdb/loam/internal/sstable"
	"github.com/loamdb/loam/internal/wal"
)

// flushLoop is the background worker that turns sealed memtables into sorted
// tables. One flush is in progress at a time. A corruption error stops the
// worker and poisons the store.
func (d *DB) flushLoop() error {
	for {
		d.mu.Lock()
		for !d.mu.closed && (d.mu.flushTrigger == 0 || d.mu.imm != nil) {
			d.mu.flushCond.Wait()
		}
		if d.mu.closed {
			d.mu.Unlock()
			return nil
		}

		// Swap in a fresh memtable and log generation, then take a ticket
		// and wait to the head of the commit order. Every write admitted
		// before the swap holds an earlier ticket, so once ours is the head
		// the old generation has no writer left in flight.
		gen := d.mu.gen + 1
		newLog, err := wal.NewWriter(base.LogFilename(d.root, gen), d.walOptions())
		if err != nil {
			d.poisonLocked(err)
			d.mu.Unlock()
			return err
		}
		imm := d.mu.mem
		immLog := d.mu.log
		d.mu.imm = imm
		d.mu.immLog = immLog
		d.mu.mem = newMemTable()
		d.mu.log = newLog
		d.mu.gen = gen
		d.mu.flushTrigger = 0
		sealedAt := d.mu.seq
		t := d.waiters.Link(sealedAt)
		for !t.IsHead() {
			t.NakedWait(&d.mu)
		}
		d.waiters.Unlink(t)
		d.mu.Unlock()
		d.waiters.NotifyHead()

		if err := d.flushOne(imm, immLog, sealedAt); err != nil {
			d.mu.Lock()
			d.poisonLocked(err)
			d.mu.Unlock()
			return err
		}
	}
}

func (d *DB) flushOne(imm *memTable, immLog *wal.Writer, sealedAt uint64) error {
	sum, err := immLog.Seal()
	if err != nil {
		return err
	}
	logName := filepath.Base(immLog.Path())

	if !imm.empty() {
		buildPath := filepath.Join(base.TempDir(d.root), logName+".sst")
		w, err := sstable.NewWriter(buildPath)
		if err != nil {
			return err
		}
		c := imm.newCursor()
		for ok := c.First(); ok; ok = c.Next() {
			if err := w.Add(c.KV()); err != nil {
				w.Abort()
				return err
			}
		}
		meta, err := w.Finish()
		if err != nil {
			return err
		}
		// The table was built from the memtable, the setsum from the log.
		// If they disagree, one of the two lost or mangled an entry.
		if meta.Setsum.Digest() != sum.Digest() {
			return base.CorruptionErrorf(
				"flush of %s: table setsum %s does not match log setsum %s",
				logName, meta.Setsum.Hexdigest(), sum.Hexdigest())
		}
		if err := d.tree.Ingest(buildPath, sealedAt); err != nil {
			return err
		}
		if err := os.Remove(buildPath); err != nil {
			return err
		}
		d.metrics.Count("db.flush.bytes", meta.Size)
	}
	if err := os.Rename(immLog.Path(), base.TrashFilename(d.root, logName)); err != nil {
		return err
	}

	d.mu.Lock()
	d.mu.imm = nil
	d.mu.immLog = nil
	if sealedAt > d.mu.flushedThrough {
		d.mu.flushedThrough = sealedAt
	}
	d.mu.flushedCond.Broadcast()
	d.mu.Unlock()
	d.metrics.Count("db.flush", 1)
	return nil
}

func (d *DB) walOptions() wal.Options {
	return wal.Options{SyncOnAppend: !d.opts.NoSyncWrites}
}
