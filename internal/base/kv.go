// Copyright 2025 The Loam Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

import "bytes"

// KV is a single versioned entry: a user key, the sequence number assigned at
// commit time, and either a value or a tombstone. The sequence number doubles
// as the MVCC visibility timestamp.
type KV struct {
	Key       []byte
	SeqNum    uint64
	Value     []byte
	Tombstone bool
}

// Compare compares two user keys.
func Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

// CompareKV orders entries by user key ascending and, within a key, by
// sequence number descending so that the most recent version of a key sorts
// first. This is the sort order of memtables, sstables, and the merging
// cursor.
func CompareKV(a, b *KV) int {
	if c := bytes.Compare(a.Key, b.Key); c != 0 {
		return c
	}
	switch {
	case a.SeqNum > b.SeqNum:
		return -1
	case a.SeqNum < b.SeqNum:
		return 1
	default:
		return 0
	}
}

// Cursor iterates over versioned entries in CompareKV order. The positioning
// methods return true iff the cursor is positioned on an entry afterwards, in
// which case KV returns that entry. The returned KV's byte slices are only
// valid until the next positioning call.
type Cursor interface {
	// First positions the cursor at the first entry.
	First() bool
	// SeekGE positions the cursor at the first entry whose user key is >= key.
	SeekGE(key []byte) bool
	// Next advances to the next entry.
	Next() bool
	// KV returns the current entry.
	KV() *KV
	// Error returns the first error encountered by a positioning method.
	Error() error
	// Close releases resources held by the cursor.
	Close() error
}
