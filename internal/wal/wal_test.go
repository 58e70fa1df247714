// Copyright 2025 The Loam Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loamdb/loam/internal/base"
	"github.com/loamdb/loam/internal/sstable"
)

func TestAppendSealReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.1")
	w, err := NewWriter(path, Options{SyncOnAppend: true})
	require.NoError(t, err)

	require.NoError(t, w.Append([]base.KV{
		{Key: []byte("a"), SeqNum: 1, Value: []byte("one")},
		{Key: []byte("b"), SeqNum: 1, Tombstone: true},
	}))
	require.NoError(t, w.Append([]base.KV{
		{Key: []byte("c"), SeqNum: 2, Value: []byte("two")},
	}))
	_, err = w.Seal()
	require.NoError(t, err)

	kvs, err := Replay(path)
	require.NoError(t, err)
	require.Len(t, kvs, 3)
	require.Equal(t, []byte("a"), kvs[0].Key)
	require.Equal(t, []byte("one"), kvs[0].Value)
	require.True(t, kvs[1].Tombstone)
	require.Equal(t, uint64(2), kvs[2].SeqNum)
}

func TestSealRequiresSoleReference(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.1")
	w, err := NewWriter(path, Options{})
	require.NoError(t, err)
	w.Ref()
	_, err = w.Seal()
	require.Error(t, err)

	w.Unref()
	require.Equal(t, int32(1), w.Refs())
	_, err = w.Seal()
	require.NoError(t, err)
}

func TestAppendAfterSealFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.1")
	w, err := NewWriter(path, Options{})
	require.NoError(t, err)
	_, err = w.Seal()
	require.NoError(t, err)
	require.Error(t, w.Append([]base.KV{{Key: []byte("k"), SeqNum: 1, Value: []byte("v")}}))
}

func TestTornTailEndsReplayCleanly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.1")
	w, err := NewWriter(path, Options{})
	require.NoError(t, err)
	require.NoError(t, w.Append([]base.KV{{Key: []byte("whole"), SeqNum: 1, Value: []byte("v")}}))
	require.NoError(t, w.Append([]base.KV{{Key: []byte("torn"), SeqNum: 2, Value: []byte("v")}}))
	_, err = w.Seal()
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	for cut := len(raw) - 1; cut > len(raw)/2; cut-- {
		p := filepath.Join(t.TempDir(), "torn.log")
		require.NoError(t, os.WriteFile(p, raw[:cut], 0644))
		kvs, err := Replay(p)
		require.NoError(t, err, "cut at %d", cut)
		require.Len(t, kvs, 1, "cut at %d", cut)
		require.Equal(t, []byte("whole"), kvs[0].Key)
		require.NoError(t, os.Remove(p))
	}
}

func TestCorruptRecordIsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.1")
	w, err := NewWriter(path, Options{})
	require.NoError(t, err)
	require.NoError(t, w.Append([]base.KV{{Key: []byte("key"), SeqNum: 1, Value: []byte("value")}}))
	_, err = w.Seal()
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0644))

	_, err = Replay(path)
	require.Error(t, err)
	require.True(t, base.IsCorruption(err))
}

func TestSealedSetsumMatchesReplayedTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.1")
	w, err := NewWriter(path, Options{})
	require.NoError(t, err)
	require.NoError(t, w.Append([]base.KV{
		{Key: []byte("b"), SeqNum: 1, Value: []byte("B")},
		{Key: []byte("a"), SeqNum: 1, Value: []byte("A")},
	}))
	require.NoError(t, w.Append([]base.KV{
		{Key: []byte("c"), SeqNum: 2, Tombstone: true},
	}))
	sum, err := w.Seal()
	require.NoError(t, err)

	buildPath := filepath.Join(dir, "table.sst")
	meta, err := ReplayIntoTable(path, buildPath)
	require.NoError(t, err)
	require.NotNil(t, meta)
	require.Equal(t, sum.Digest(), meta.Setsum.Digest())

	r, err := sstable.Open(buildPath)
	require.NoError(t, err)
	kv, ok := r.Get([]byte("a"), 5)
	require.True(t, ok)
	require.Equal(t, []byte("A"), kv.Value)
}

func TestReplayEmptyLogYieldsNoTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.1")
	w, err := NewWriter(path, Options{})
	require.NoError(t, err)
	_, err = w.Seal()
	require.NoError(t, err)

	buildPath := filepath.Join(dir, "table.sst")
	meta, err := ReplayIntoTable(path, buildPath)
	require.NoError(t, err)
	require.Nil(t, meta)
	_, err = os.Stat(buildPath)
	require.True(t, os.IsNotExist(err))
}

func TestReplayDeduplicatesRewrites(t *testing.T) {
	// Two appends of the same (key, seqnum) can only come from a replayed
	// recovery; the last one wins in the rebuilt table.
	dir := t.TempDir()
	path := filepath.Join(dir, "log.1")
	w, err := NewWriter(path, Options{})
	require.NoError(t, err)
	require.NoError(t, w.Append([]base.KV{{Key: []byte("k"), SeqNum: 1, Value: []byte("first")}}))
	require.NoError(t, w.Append([]base.KV{{Key: []byte("k"), SeqNum: 1, Value: []byte("second")}}))
	_, err = w.Seal()
	require.NoError(t, err)

	buildPath := filepath.Join(dir, "table.sst")
	meta, err := ReplayIntoTable(path, buildPath)
	require.NoError(t, err)
	require.Equal(t, uint64(1), meta.Count)

	r, err := sstable.Open(buildPath)
	require.NoError(t, err)
	kv, ok := r.Get([]byte("k"), 5)
	require.True(t, ok)
	require.Equal(t, []byte("second"), kv.Value)
}
