// Copyright 2025 The Loam Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package cursor

import "github.com/loamdb/loam/internal/base"

// Merging merges N cursors into one cursor in CompareKV order. When two
// sources hold an entry with the same key and sequence number the
// earlier-listed source wins, so callers list sources newest first.
func Merging(cursors ...base.Cursor) base.Cursor {
	return &mergingCursor{cursors: cursors}
}

type mergingCursor struct {
	cursors []base.Cursor
	heap    []int // indices of positioned cursors, min-heap by CompareKV
	err     error
}

func (m *mergingCursor) First() bool {
	return m.position(func(c base.Cursor) bool { return c.First() })
}

func (m *mergingCursor) SeekGE(key []byte) bool {
	return m.position(func(c base.Cursor) bool { return c.SeekGE(key) })
}

func (m *mergingCursor) position(pos func(base.Cursor) bool) bool {
	m.heap = m.heap[:0]
	for i, c := range m.cursors {
		if pos(c) {
			m.heap = append(m.heap, i)
		} else if err := c.Error(); err != nil {
			m.err = err
			return false
		}
	}
	for i := len(m.heap)/2 - 1; i >= 0; i-- {
		m.siftDown(i)
	}
	return len(m.heap) > 0
}

func (m *mergingCursor) Next() bool {
	if m.err != nil || len(m.heap) == 0 {
		return false
	}
	c := m.cursors[m.heap[0]]
	if c.Next() {
		m.siftDown(0)
		return true
	}
	if err := c.Error(); err != nil {
		m.err = err
		return false
	}
	m.heap[0] = m.heap[len(m.heap)-1]
	m.heap = m.heap[:len(m.heap)-1]
	if len(m.heap) > 0 {
		m.siftDown(0)
	}
	return len(m.heap) > 0
}

func (m *mergingCursor) KV() *base.KV {
	return m.cursors[m.heap[0]].KV()
}

func (m *mergingCursor) Error() error { return m.err }

func (m *mergingCursor) Close() error {
	var err error
	for _, c := range m.cursors {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (m *mergingCursor) less(i, j int) bool {
	a, b := m.cursors[m.heap[i]].KV(), m.cursors[m.heap[j]].KV()
	if c := base.CompareKV(a, b); c != 0 {
		return c < 0
	}
	return m.heap[i] < m.heap[j]
}

func (m *mergingCursor) siftDown(i int) {
	n := len(m.heap)
	for {
		left, smallest := 2*i+1, i
		if left < n && m.less(left, smallest) {
			smallest = left
		}
		if right := left + 1; right < n && m.less(right, smallest) {
			smallest = right
		}
		if smallest == i {
			return
		}
		m.heap[i], m.heap[smallest] = m.heap[smallest], m.heap[i]
		i = smallest
	}
}
