// Copyright 2025 The Loam Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package cursor

import "github.com/loamdb/loam/internal/base"

// Bounds restricts a cursor to user keys in [start, end). A nil bound is
// unbounded on that side.
func Bounds(c base.Cursor, start, end []byte) base.Cursor {
	return &boundsCursor{c: c, start: start, end: end}
}

type boundsCursor struct {
	c          base.Cursor
	start, end []byte
}

func (b *boundsCursor) First() bool {
	if b.start != nil {
		return b.check(b.c.SeekGE(b.start))
	}
	return b.check(b.c.First())
}

func (b *boundsCursor) SeekGE(key []byte) bool {
	if b.start != nil && base.Compare(key, b.start) < 0 {
		key = b.start
	}
	return b.check(b.c.SeekGE(key))
}

func (b *boundsCursor) Next() bool {
	return b.check(b.c.Next())
}

func (b *boundsCursor) check(ok bool) bool {
	if !ok {
		return false
	}
	if b.end != nil && base.Compare(b.c.KV().Key, b.end) >= 0 {
		return false
	}
	return true
}

func (b *boundsCursor) KV() *base.KV { return b.c.KV() }
func (b *boundsCursor) Error() error { return b.c.Error() }
func (b *boundsCursor) Close() error { return b.c.Close() }
