// Copyright 2025 The Loam Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package cursor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loamdb/loam/internal/base"
)

func kv(key string, seq uint64, value string) base.KV {
	return base.KV{Key: []byte(key), SeqNum: seq, Value: []byte(value)}
}

func tomb(key string, seq uint64) base.KV {
	return base.KV{Key: []byte(key), SeqNum: seq, Tombstone: true}
}

func collect(t *testing.T, c base.Cursor) []base.KV {
	t.Helper()
	var out []base.KV
	for ok := c.First(); ok; ok = c.Next() {
		e := c.KV()
		out = append(out, base.KV{
			Key:       append([]byte(nil), e.Key...),
			SeqNum:    e.SeqNum,
			Value:     append([]byte(nil), e.Value...),
			Tombstone: e.Tombstone,
		})
	}
	require.NoError(t, c.Error())
	require.NoError(t, c.Close())
	return out
}

func TestSliceCursorSeekGE(t *testing.T) {
	c := FromSlice([]base.KV{kv("a", 1, "1"), kv("c", 2, "2"), kv("e", 3, "3")})
	require.True(t, c.SeekGE([]byte("b")))
	require.Equal(t, []byte("c"), c.KV().Key)
	require.True(t, c.SeekGE([]byte("e")))
	require.Equal(t, []byte("e"), c.KV().Key)
	require.False(t, c.SeekGE([]byte("f")))
	require.False(t, FromSlice(nil).First())
}

func TestMergingInterleaves(t *testing.T) {
	a := FromSlice([]base.KV{kv("a", 1, "1"), kv("d", 4, "4")})
	b := FromSlice([]base.KV{kv("b", 2, "2"), kv("e", 5, "5")})
	c := FromSlice([]base.KV{kv("c", 3, "3")})
	got := collect(t, Merging(a, b, c))
	require.Len(t, got, 5)
	for i, want := range []string{"a", "b", "c", "d", "e"} {
		require.Equal(t, []byte(want), got[i].Key)
	}
}

func TestMergingOrdersVersionsNewestFirst(t *testing.T) {
	newer := FromSlice([]base.KV{kv("k", 9, "new")})
	older := FromSlice([]base.KV{kv("k", 2, "old")})
	got := collect(t, Merging(older, newer))
	require.Len(t, got, 2)
	require.Equal(t, uint64(9), got[0].SeqNum)
	require.Equal(t, uint64(2), got[1].SeqNum)
}

func TestMergingTieBreaksByEarlierSource(t *testing.T) {
	// Identical (key, seqnum) in two sources: the earlier source wins and the
	// duplicate is still emitted once per source.
	first := FromSlice([]base.KV{kv("k", 5, "from-first")})
	second := FromSlice([]base.KV{kv("k", 5, "from-second")})
	got := collect(t, Merging(first, second))
	require.Len(t, got, 2)
	require.Equal(t, []byte("from-first"), got[0].Value)
}

func TestPruningHidesFutureAndSuperseded(t *testing.T) {
	c := FromSlice([]base.KV{
		kv("a", 9, "future"),
		kv("a", 4, "visible"),
		kv("a", 2, "superseded"),
		kv("b", 3, "b3"),
	})
	got := collect(t, Pruning(c, 5))
	require.Len(t, got, 2)
	require.Equal(t, []byte("visible"), got[0].Value)
	require.Equal(t, []byte("b3"), got[1].Value)
}

func TestPruningYieldsTombstones(t *testing.T) {
	c := FromSlice([]base.KV{
		tomb("a", 4),
		kv("a", 2, "buried"),
	})
	got := collect(t, Pruning(c, 5))
	require.Len(t, got, 1)
	require.True(t, got[0].Tombstone)
}

func TestSkipTombstonesHidesDeletes(t *testing.T) {
	c := FromSlice([]base.KV{
		tomb("a", 4),
		kv("a", 2, "buried"),
		kv("b", 3, "live"),
	})
	got := collect(t, SkipTombstones(Pruning(c, 5)))
	require.Len(t, got, 1)
	require.Equal(t, []byte("b"), got[0].Key)
}

func TestBoundsClampRange(t *testing.T) {
	c := FromSlice([]base.KV{
		kv("a", 1, "1"), kv("b", 2, "2"), kv("c", 3, "3"), kv("d", 4, "4"),
	})
	got := collect(t, Bounds(c, []byte("b"), []byte("d")))
	require.Len(t, got, 2)
	require.Equal(t, []byte("b"), got[0].Key)
	require.Equal(t, []byte("c"), got[1].Key)
}

func TestBoundsSeekGEClampsToStart(t *testing.T) {
	c := FromSlice([]base.KV{kv("a", 1, "1"), kv("c", 2, "2")})
	b := Bounds(c, []byte("b"), nil)
	require.True(t, b.SeekGE([]byte("a")))
	require.Equal(t, []byte("c"), b.KV().Key)
	require.NoError(t, b.Close())
}
