// Copyright 2025 The Loam Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package cursor composes base.Cursor implementations. A read path stacks
// Merging over the per-source cursors, Pruning with the read's visibility
// timestamp, and Bounds with the scan's byte range; the result yields each
// key's most recent visible version exactly once.
package cursor

import (
	"sort"

	"github.com/loamdb/loam/internal/base"
)

// FromSlice returns a cursor over entries already sorted in CompareKV order.
// The slice must not be mutated while the cursor is open.
func FromSlice(kvs []base.KV) base.Cursor {
	return &sliceCursor{kvs: kvs, pos: -1}
}

type sliceCursor struct {
	kvs []base.KV
	pos int
}

func (c *sliceCursor) First() bool {
	c.pos = 0
	return c.pos < len(c.kvs)
}

func (c *sliceCursor) SeekGE(key []byte) bool {
	c.pos = sort.Search(len(c.kvs), func(i int) bool {
		return base.Compare(c.kvs[i].Key, key) >= 0
	})
	return c.pos < len(c.kvs)
}

func (c *sliceCursor) Next() bool {
	if c.pos < len(c.kvs) {
		c.pos++
	}
	return c.pos < len(c.kvs)
}

func (c *sliceCursor) KV() *base.KV { return &c.kvs[c.pos] }
func (c *sliceCursor) Error() error { return nil }
func (c *sliceCursor) Close() error { return nil }
