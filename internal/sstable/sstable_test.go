// Copyright 2025 The Loam Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package sstable

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loamdb/loam/internal/base"
	"github.com/loamdb/loam/internal/setsum"
)

func buildTable(t *testing.T, kvs []base.KV) (string, Metadata) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "table.sst")
	w, err := NewWriter(path)
	require.NoError(t, err)
	for i := range kvs {
		require.NoError(t, w.Add(&kvs[i]))
	}
	meta, err := w.Finish()
	require.NoError(t, err)
	return path, meta
}

func TestRoundTrip(t *testing.T) {
	kvs := []base.KV{
		{Key: []byte("a"), SeqNum: 3, Value: []byte("three")},
		{Key: []byte("a"), SeqNum: 1, Value: []byte("one")},
		{Key: []byte("b"), SeqNum: 2, Tombstone: true},
		{Key: []byte("c"), SeqNum: 4, Value: []byte("four")},
	}
	path, meta := buildTable(t, kvs)
	require.Equal(t, []byte("a"), meta.FirstKey)
	require.Equal(t, []byte("c"), meta.LastKey)
	require.Equal(t, uint64(4), meta.BiggestSeqNum)
	require.Equal(t, uint64(4), meta.Count)

	var sum setsum.Setsum
	for i := range kvs {
		sum.InsertKV(&kvs[i])
	}
	require.Equal(t, sum.Digest(), meta.Setsum.Digest())

	r, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, meta.Setsum.Hexdigest(), r.Metadata().Setsum.Hexdigest())

	c := r.Cursor()
	var got []base.KV
	for ok := c.First(); ok; ok = c.Next() {
		kv := c.KV()
		got = append(got, base.KV{
			Key:       append([]byte(nil), kv.Key...),
			SeqNum:    kv.SeqNum,
			Value:     append([]byte(nil), kv.Value...),
			Tombstone: kv.Tombstone,
		})
	}
	require.NoError(t, c.Error())
	require.NoError(t, c.Close())
	require.Len(t, got, len(kvs))
	for i := range kvs {
		require.Equal(t, kvs[i].Key, got[i].Key)
		require.Equal(t, kvs[i].SeqNum, got[i].SeqNum)
		require.Equal(t, kvs[i].Tombstone, got[i].Tombstone)
		if !kvs[i].Tombstone {
			require.Equal(t, kvs[i].Value, got[i].Value)
		}
	}
}

func TestGetRespectsTimestamp(t *testing.T) {
	path, _ := buildTable(t, []base.KV{
		{Key: []byte("k"), SeqNum: 9, Value: []byte("new")},
		{Key: []byte("k"), SeqNum: 4, Value: []byte("old")},
	})
	r, err := Open(path)
	require.NoError(t, err)

	kv, ok := r.Get([]byte("k"), 10)
	require.True(t, ok)
	require.Equal(t, []byte("new"), kv.Value)

	kv, ok = r.Get([]byte("k"), 5)
	require.True(t, ok)
	require.Equal(t, []byte("old"), kv.Value)

	_, ok = r.Get([]byte("k"), 3)
	require.False(t, ok)

	_, ok = r.Get([]byte("missing"), 10)
	require.False(t, ok)
}

func TestOutOfOrderAddRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.sst")
	w, err := NewWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.Add(&base.KV{Key: []byte("b"), SeqNum: 1, Value: []byte("v")}))
	require.Error(t, w.Add(&base.KV{Key: []byte("a"), SeqNum: 1, Value: []byte("v")}))
	// Same key must arrive with descending sequence numbers.
	require.Error(t, w.Add(&base.KV{Key: []byte("b"), SeqNum: 1, Value: []byte("v")}))
	require.NoError(t, w.Add(&base.KV{Key: []byte("c"), SeqNum: 2, Value: []byte("v")}))
	w.Abort()
}

func TestCorruptionDetectedOnOpen(t *testing.T) {
	kvs := []base.KV{
		{Key: []byte("aaaa"), SeqNum: 1, Value: []byte("11111111")},
		{Key: []byte("bbbb"), SeqNum: 2, Value: []byte("22222222")},
	}
	path, _ := buildTable(t, kvs)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	for _, offset := range []int{0, 10, len(raw) / 2, len(raw) - 1} {
		corrupt := append([]byte(nil), raw...)
		corrupt[offset] ^= 0xff
		p := filepath.Join(t.TempDir(), "corrupt.sst")
		require.NoError(t, os.WriteFile(p, corrupt, 0644))
		_, err := Open(p)
		require.Error(t, err, "flipped byte at offset %d went undetected", offset)
		require.True(t, base.IsCorruption(err), "offset %d: %v", offset, err)
	}
}

func TestTruncationDetected(t *testing.T) {
	path, _ := buildTable(t, []base.KV{
		{Key: []byte("k"), SeqNum: 1, Value: []byte("v")},
	})
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	p := filepath.Join(t.TempDir(), "short.sst")
	require.NoError(t, os.WriteFile(p, raw[:len(raw)/2], 0644))
	_, err = Open(p)
	require.Error(t, err)
	require.True(t, base.IsCorruption(err))
}

func TestCreateRefusesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.sst")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	_, err := NewWriter(path)
	require.Error(t, err)
}
