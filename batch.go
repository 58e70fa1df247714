// Copyright 2025 The Loam Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package loam

import (
	"github.com/loamdb/loam/internal/base"
)

// batchEntryOverhead approximates the per-entry framing cost in the log and
// the memtable, for flush accounting.
const batchEntryOverhead = 17

// Batch collects writes to be applied atomically: every entry commits at the
// same sequence number or none do. A batch is not safe for concurrent use.
type Batch struct {
	kvs  []base.KV
	size uint64
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Set records a put of key to value. The slices are copied.
func (b *Batch) Set(key, value []byte) {
	b.kvs = append(b.kvs, base.KV{
		Key:   append([]byte(nil), key...),
		Value: append([]byte(nil), value...),
	})
	b.size += uint64(len(key)) + uint64(len(value)) + batchEntryOverhead
}

// Delete records a tombstone for key. The slice is copied.
func (b *Batch) Delete(key []byte) {
	b.kvs = append(b.kvs, base.KV{
		Key:       append([]byte(nil), key...),
		Tombstone: true,
	})
	b.size += uint64(len(key)) + batchEntryOverhead
}

// Len returns the number of entries in the batch.
func (b *Batch) Len() int { return len(b.kvs) }

// Empty reports whether the batch holds no entries.
func (b *Batch) Empty() bool { return len(b.kvs) == 0 }

// Reset clears the batch for reuse.
func (b *Batch) Reset() {
	b.kvs = b.kvs[:0]
	b.size = 0
}

// stamp assigns seq to every entry and coalesces duplicate keys, keeping the
// last write to each. All surviving entries share one sequence number, so two
// versions of a key within a batch would be indistinguishable to readers and
// would skew the log's setsum against the flushed table's; the last write is
// the one the caller observes.
func (b *Batch) stamp(seq uint64) {
	for i := range b.kvs {
		b.kvs[i].SeqNum = seq
	}
	if len(b.kvs) < 2 {
		return
	}
	last := make(map[string]int, len(b.kvs))
	dups := false
	for i := range b.kvs {
		if _, ok := last[string(b.kvs[i].Key)]; ok {
			dups = true
		}
		last[string(b.kvs[i].Key)] = i
	}
	if !dups {
		return
	}
	kept := b.kvs[:0]
	for i := range b.kvs {
		if last[string(b.kvs[i].Key)] == i {
			kept = append(kept, b.kvs[i])
		}
	}
	b.kvs = kept
}
