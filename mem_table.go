// Copyright 2025 The Loam Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package loam

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"github.com/loamdb/loam/internal/base"
	"github.com/loamdb/loam/internal/cursor"
)

// memTable buffers committed writes until they are flushed to a sorted table.
// The keyspace is a lock-free skiplist; versions of one key hang off its node
// under a per-key lock, sorted by sequence number. Concurrent appliers and
// readers need no table-wide lock.
type memTable struct {
	entries *skipmap.FuncMap[[]byte, *memKey]
	size    atomic.Uint64
	count   atomic.Int64
}

type memKey struct {
	mu       sync.Mutex
	versions []memVersion
}

type memVersion struct {
	seq       uint64
	value     []byte
	tombstone bool
}

func newMemTable() *memTable {
	return &memTable{
		entries: skipmap.NewFunc[[]byte, *memKey](func(a, b []byte) bool {
			return base.Compare(a, b) < 0
		}),
	}
}

// apply inserts a stamped batch. Appliers race once their batches are
// stamped, so a version can land after a later-stamped one and is inserted at
// its sorted position. A re-application at an already present sequence number
// replaces the prior entry.
func (m *memTable) apply(kvs []base.KV) {
	for i := range kvs {
		kv := &kvs[i]
		e, loaded := m.entries.LoadOrStoreLazy(kv.Key, func() *memKey {
			return &memKey{}
		})
		if !loaded {
			m.count.Add(1)
		}
		v := memVersion{seq: kv.SeqNum, value: kv.Value, tombstone: kv.Tombstone}
		e.mu.Lock()
		j := sort.Search(len(e.versions), func(j int) bool {
			return e.versions[j].seq >= kv.SeqNum
		})
		switch {
		case j < len(e.versions) && e.versions[j].seq == kv.SeqNum:
			e.versions[j] = v
		case j == len(e.versions):
			e.versions = append(e.versions, v)
		default:
			e.versions = append(e.versions, memVersion{})
			copy(e.versions[j+1:], e.versions[j:])
			e.versions[j] = v
		}
		e.mu.Unlock()
		m.size.Add(uint64(len(kv.Key)) + uint64(len(kv.Value)) + batchEntryOverhead)
	}
}

// get returns the most recent version of key with sequence number <= ts.
func (m *memTable) get(key []byte, ts uint64) (*base.KV, bool) {
	e, ok := m.entries.Load(key)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.versions) - 1; i >= 0; i-- {
		if e.versions[i].seq <= ts {
			v := &e.versions[i]
			return &base.KV{
				Key:       key,
				SeqNum:    v.seq,
				Value:     v.value,
				Tombstone: v.tombstone,
			}, true
		}
	}
	return nil, false
}

// approximateSize returns the bytes accumulated so far.
func (m *memTable) approximateSize() uint64 {
	return m.size.Load()
}

// empty reports whether the table holds no keys.
func (m *memTable) empty() bool {
	return m.count.Load() == 0
}

// newCursor materializes the table's entries in CompareKV order. The cursor
// is a point-in-time copy; concurrent appliers do not disturb it.
func (m *memTable) newCursor() base.Cursor {
	kvs := make([]base.KV, 0, m.count.Load())
	m.entries.Range(func(key []byte, e *memKey) bool {
		e.mu.Lock()
		for i := len(e.versions) - 1; i >= 0; i-- {
			v := &e.versions[i]
			kvs = append(kvs, base.KV{
				Key:       key,
				SeqNum:    v.seq,
				Value:     v.value,
				Tombstone: v.tombstone,
			})
		}
		e.mu.Unlock()
		return true
	})
	return cursor.FromSlice(kvs)
}
