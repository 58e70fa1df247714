// Copyright 2025 The Loam Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package setsum implements an order-independent checksum over a multiset of
// items. The checksum is 256 bits wide, kept as eight 32-bit columns; each
// item contributes the columns of its SHA-256 digest by modular addition.
// Because addition commutes, two collections holding the same items produce
// the same setsum regardless of insertion order, and removal is the exact
// inverse of insertion. Setsums also subtract from one another, which lets
// the store track aggregate input/output/discard checksums across ingestion
// and compaction.
package setsum

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"github.com/cockroachdb/errors"
)

const columns = 8

// prime is the largest prime below 2^32. Columns are added modulo prime so
// that every column value has an additive inverse.
const prime = 4294967291

// Setsum accumulates an order-independent checksum. The zero value is the
// checksum of the empty set.
type Setsum struct {
	state [columns]uint32
}

// Insert adds one item to the set. The item is the concatenation of parts,
// each framed by its length, so Insert(a, b) and Insert(ab) are distinct
// items.
func (s *Setsum) Insert(parts ...[]byte) {
	s.addDigest(hashParts(parts))
}

// Remove is the inverse of Insert.
func (s *Setsum) Remove(parts ...[]byte) {
	d := hashParts(parts)
	for i := range d {
		d[i] = prime - d[i]%prime
	}
	s.addDigest(d)
}

// Add folds the items of other into s.
func (s *Setsum) Add(other Setsum) {
	s.addDigest(other.state)
}

// Sub removes the items of other from s.
func (s *Setsum) Sub(other Setsum) {
	var inv [columns]uint32
	for i, c := range other.state {
		inv[i] = prime - c%prime
	}
	s.addDigest(inv)
}

func (s *Setsum) addDigest(d [columns]uint32) {
	for i := range s.state {
		s.state[i] = uint32((uint64(s.state[i]) + uint64(d[i])) % prime)
	}
}

// Digest returns the 32-byte checksum.
func (s Setsum) Digest() [32]byte {
	var d [32]byte
	for i, c := range s.state {
		binary.LittleEndian.PutUint32(d[4*i:], c)
	}
	return d
}

// Hexdigest returns the checksum as 64 lowercase hex characters. Sorted
// tables are named by their hexdigest.
func (s Setsum) Hexdigest() string {
	d := s.Digest()
	return hex.EncodeToString(d[:])
}

// FromDigest reconstructs a setsum from a digest produced by Digest.
func FromDigest(d [32]byte) Setsum {
	var s Setsum
	for i := range s.state {
		s.state[i] = binary.LittleEndian.Uint32(d[4*i:]) % prime
	}
	return s
}

// FromHexdigest reconstructs a setsum from its hexdigest.
func FromHexdigest(h string) (Setsum, error) {
	b, err := hex.DecodeString(h)
	if err != nil || len(b) != 32 {
		return Setsum{}, errors.Newf("setsum: malformed hexdigest %q", h)
	}
	var d [32]byte
	copy(d[:], b)
	return FromDigest(d), nil
}

func hashParts(parts [][]byte) [columns]uint32 {
	h := sha256.New()
	var lenbuf [8]byte
	for _, p := range parts {
		binary.LittleEndian.PutUint64(lenbuf[:], uint64(len(p)))
		h.Write(lenbuf[:])
		h.Write(p)
	}
	var sum [32]byte
	h.Sum(sum[:0])
	var d [columns]uint32
	for i := range d {
		d[i] = binary.LittleEndian.Uint32(sum[4*i:]) % prime
	}
	return d
}
