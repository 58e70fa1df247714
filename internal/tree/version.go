// Copyright 2025 The Loam Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package tree

import (
	"sync/atomic"

	"github.com/loamdb/loam/internal/base"
	"github.com/loamdb/loam/internal/cursor"
	"github.com/loamdb/loam/internal/sstable"
)

// Version is an immutable snapshot of the live tables, ordered by biggest
// sequence number descending. Readers hold a reference for as long as they
// query it.
type Version struct {
	tables []*sstable.Reader
	refs   atomic.Int32
}

// Ref acquires an additional reference.
func (v *Version) Ref() { v.refs.Add(1) }

// Unref releases a reference.
func (v *Version) Unref() {
	if v.refs.Add(-1) < 0 {
		panic(base.LogicErrorf("version refcount below zero"))
	}
}

// Load returns the most recent version of key with sequence number <= ts.
// The bool reports whether any version was found; a found tombstone is
// returned as a KV with Tombstone set.
func (v *Version) Load(key []byte, ts uint64) (*base.KV, bool) {
	var best *base.KV
	for _, r := range v.tables {
		meta := r.Metadata()
		if base.Compare(key, meta.FirstKey) < 0 || base.Compare(key, meta.LastKey) > 0 {
			continue
		}
		kv, ok := r.Get(key, ts)
		if ok && (best == nil || kv.SeqNum > best.SeqNum) {
			best = kv
		}
	}
	return best, best != nil
}

// Scan returns a cursor over every entry of every table in CompareKV order.
// Snapshot pruning and range bounds belong to the caller.
func (v *Version) Scan() base.Cursor {
	cursors := make([]base.Cursor, len(v.tables))
	for i, r := range v.tables {
		cursors[i] = r.Cursor()
	}
	return cursor.Merging(cursors...)
}

// Tables returns the setsum hexdigests of the version's tables, newest first.
func (v *Version) Tables() []string {
	ids := make([]string, len(v.tables))
	for i, r := range v.tables {
		ids[i] = r.Metadata().Setsum.Hexdigest()
	}
	return ids
}
