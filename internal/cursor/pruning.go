// Copyright 2025 The Loam Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package cursor

import "github.com/loamdb/loam/internal/base"

// Pruning yields, for each key, only the most recent version whose sequence
// number does not exceed ts. Tombstone entries are yielded like any other
// version; stack SkipTombstones on top to hide deleted keys. Versions newer
// than ts and versions superseded at ts are discarded.
func Pruning(c base.Cursor, ts uint64) base.Cursor {
	return &pruningCursor{c: c, ts: ts}
}

type pruningCursor struct {
	c       base.Cursor
	ts      uint64
	lastKey []byte
}

func (p *pruningCursor) First() bool {
	p.lastKey = p.lastKey[:0]
	return p.skip(p.c.First())
}

func (p *pruningCursor) SeekGE(key []byte) bool {
	p.lastKey = p.lastKey[:0]
	return p.skip(p.c.SeekGE(key))
}

func (p *pruningCursor) Next() bool {
	return p.skip(p.c.Next())
}

// skip advances past invisible and superseded versions. Relies on CompareKV
// order: the first visible version of a key is its most recent one.
func (p *pruningCursor) skip(ok bool) bool {
	for ok {
		kv := p.c.KV()
		if kv.SeqNum > p.ts {
			ok = p.c.Next()
			continue
		}
		if len(p.lastKey) > 0 && base.Compare(kv.Key, p.lastKey) == 0 {
			ok = p.c.Next()
			continue
		}
		p.lastKey = append(p.lastKey[:0], kv.Key...)
		return true
	}
	return false
}

func (p *pruningCursor) KV() *base.KV { return p.c.KV() }
func (p *pruningCursor) Error() error { return p.c.Error() }
func (p *pruningCursor) Close() error { return p.c.Close() }

// SkipTombstones hides tombstone entries. It composes above Pruning, where at
// most one version per key remains, so hiding the tombstone cannot expose an
// older version.
func SkipTombstones(c base.Cursor) base.Cursor {
	return &tombstoneFilter{c: c}
}

type tombstoneFilter struct {
	c base.Cursor
}

func (f *tombstoneFilter) First() bool { return f.skip(f.c.First()) }

func (f *tombstoneFilter) SeekGE(key []byte) bool { return f.skip(f.c.SeekGE(key)) }

func (f *tombstoneFilter) Next() bool { return f.skip(f.c.Next()) }

func (f *tombstoneFilter) skip(ok bool) bool {
	for ok && f.c.KV().Tombstone {
		ok = f.c.Next()
	}
	return ok
}

func (f *tombstoneFilter) KV() *base.KV { return f.c.KV() }
func (f *tombstoneFilter) Error() error { return f.c.Error() }
func (f *tombstoneFilter) Close() error { return f.c.Close() }
