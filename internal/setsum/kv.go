// Copyright 2025 The Loam Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package setsum

import (
	"encoding/binary"

	"github.com/loamdb/loam/internal/base"
)

var (
	putTag = []byte{'P'}
	delTag = []byte{'D'}
)

// InsertKV adds a versioned entry to the set. The log writer and the table
// builder both use this framing, which is what makes a sealed log's setsum
// comparable to the setsum of a table built from the same entries.
func (s *Setsum) InsertKV(kv *base.KV) {
	var seq [8]byte
	binary.LittleEndian.PutUint64(seq[:], kv.SeqNum)
	if kv.Tombstone {
		s.Insert(delTag, kv.Key, seq[:])
	} else {
		s.Insert(putTag, kv.Key, seq[:], kv.Value)
	}
}
