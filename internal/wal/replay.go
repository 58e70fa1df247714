// Copyright 2025 The Loam Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package wal

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/loamdb/loam/internal/base"
	"github.com/loamdb/loam/internal/sstable"
)

// Replay returns the log's entries in append order. A record truncated by a
// crash mid-append ends the replay cleanly; a checksum failure on a complete
// record is corruption.
func Replay(path string) ([]base.KV, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read log %s", path)
	}
	var kvs []base.KV
	for off := 0; off < len(raw); {
		if off+8 > len(raw) {
			break // torn header
		}
		crc := binary.LittleEndian.Uint32(raw[off:])
		n := int(binary.LittleEndian.Uint32(raw[off+4:]))
		off += 8
		if off+n > len(raw) {
			break // torn payload
		}
		payload := raw[off : off+n]
		off += n
		if crc32.Checksum(payload, crc32cTable) != crc {
			return nil, base.CorruptionErrorf("log %s: record crc32c failure at %d", path, off-n-8)
		}
		batch, err := decodeBatch(path, payload)
		if err != nil {
			return nil, err
		}
		kvs = append(kvs, batch...)
	}
	return kvs, nil
}

// ReplayIntoTable replays the log into a new sorted table at buildPath. An
// empty log yields nil metadata and no table file.
func ReplayIntoTable(logPath, buildPath string) (*sstable.Metadata, error) {
	kvs, err := Replay(logPath)
	if err != nil {
		return nil, err
	}
	if len(kvs) == 0 {
		return nil, nil
	}
	// Entries arrive in log order; the table wants CompareKV order. The
	// stable sort keeps log order within equal (key, seqnum) runs so the last
	// append wins.
	sort.SliceStable(kvs, func(i, j int) bool {
		return base.CompareKV(&kvs[i], &kvs[j]) < 0
	})
	w, err := sstable.NewWriter(buildPath)
	if err != nil {
		return nil, err
	}
	for i := range kvs {
		if i+1 < len(kvs) && base.CompareKV(&kvs[i], &kvs[i+1]) == 0 {
			continue
		}
		if err := w.Add(&kvs[i]); err != nil {
			w.Abort()
			return nil, err
		}
	}
	meta, err := w.Finish()
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

func decodeBatch(path string, payload []byte) ([]base.KV, error) {
	corrupt := func() error {
		return base.CorruptionErrorf("log %s: malformed batch record", path)
	}
	if len(payload) < 4 {
		return nil, corrupt()
	}
	count := binary.LittleEndian.Uint32(payload)
	payload = payload[4:]
	kvs := make([]base.KV, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(payload) < 13 {
			return nil, corrupt()
		}
		var kv base.KV
		kv.SeqNum = binary.LittleEndian.Uint64(payload)
		kv.Tombstone = payload[8]&1 != 0
		klen := binary.LittleEndian.Uint32(payload[9:])
		payload = payload[13:]
		if uint64(klen)+4 > uint64(len(payload)) {
			return nil, corrupt()
		}
		kv.Key = payload[:klen]
		vlen := binary.LittleEndian.Uint32(payload[klen:])
		payload = payload[klen+4:]
		if kv.Tombstone && vlen != 0 {
			return nil, corrupt()
		}
		if uint64(vlen) > uint64(len(payload)) {
			return nil, corrupt()
		}
		if !kv.Tombstone {
			kv.Value = payload[:vlen]
			payload = payload[vlen:]
		}
		kvs = append(kvs, kv)
	}
	if len(payload) != 0 {
		return nil, corrupt()
	}
	return kvs, nil
}
