// Copyright 2025 The Loam Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package tree maintains the versioned set of on-disk sorted tables.
//
// Tables are named by their setsum hexdigest and registered in the manifest,
// which is the sole crash-consistent source of truth for the live set. Every
// mutation installs a fresh immutable Version; readers snapshot a Version and
// query it without holding the tree's lock. Alongside the live identifiers
// the manifest carries three aggregate info tokens: 'I' is the setsum of
// everything ever ingested, 'D' of everything discarded by compaction, and
// 'O' = I - D, the setsum of the live set.
package tree

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/loamdb/loam/internal/base"
	"github.com/loamdb/loam/internal/cursor"
	"github.com/loamdb/loam/internal/manifest"
	"github.com/loamdb/loam/internal/setsum"
	"github.com/loamdb/loam/internal/sstable"
)

// Tree is the on-disk half of the store.
type Tree struct {
	root    string
	logger  base.Logger
	metrics base.MetricsSink

	mu      sync.Mutex
	mani    *manifest.Manifest
	version *Version
	maxTs   uint64
}

// Open builds a tree from an already-open manifest, opening and verifying
// every live table.
func Open(root string, mani *manifest.Manifest, logger base.Logger, metrics base.MetricsSink) (*Tree, error) {
	if logger == nil {
		logger = base.DefaultLogger
	}
	if metrics == nil {
		metrics = base.NoopMetrics
	}
	var tables []*sstable.Reader
	var maxTs uint64
	for _, id := range mani.Strs() {
		r, err := sstable.Open(base.SSTFilename(root, id))
		if err != nil {
			return nil, err
		}
		meta := r.Metadata()
		if meta.Setsum.Hexdigest() != id {
			return nil, base.CorruptionErrorf(
				"sstable %s: content setsum %s does not match its name",
				id, meta.Setsum.Hexdigest())
		}
		if meta.BiggestSeqNum > maxTs {
			maxTs = meta.BiggestSeqNum
		}
		tables = append(tables, r)
	}
	sortTables(tables)
	return &Tree{
		root:    root,
		logger:  logger,
		metrics: metrics,
		mani:    mani,
		version: &Version{tables: tables},
		maxTs:   maxTs,
	}, nil
}

// Close releases the manifest.
func (t *Tree) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mani.Close()
}

// MaxTimestamp returns the biggest sequence number present in any live table.
func (t *Tree) MaxTimestamp() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxTs
}

// TakeSnapshot returns a reference to the current version.
func (t *Tree) TakeSnapshot() *Version {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := t.version
	v.Ref()
	return v
}

// Ingest registers the table at path: the file is hard-linked under the
// store's sst directory by its setsum name, the manifest records the
// addition, and a new version serves it. sealedAt is the sequence number at
// which the table's generation was sealed; readers at or beyond it can be
// served from the tree rather than the generation's log.
func (t *Tree) Ingest(path string, sealedAt uint64) error {
	r, err := sstable.Open(path)
	if err != nil {
		return err
	}
	meta := r.Metadata()
	hex := meta.Setsum.Hexdigest()
	target := base.SSTFilename(t.root, hex)
	if _, err := os.Stat(target); err == nil {
		return errors.Newf("duplicate sstable %s", target)
	}
	if err := os.Link(path, target); err != nil {
		return errors.Wrapf(err, "link sstable %s", target)
	}
	t.metrics.Count("tree.ingest.link", 1)
	t.metrics.Count("tree.bytes_ingested", meta.Size)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := RecordIngest(t.mani, meta.Setsum); err != nil {
		return err
	}
	tables := append([]*sstable.Reader{r}, t.version.tables...)
	sortTables(tables)
	t.version = &Version{tables: tables}
	if sealedAt > t.maxTs {
		t.maxTs = sealedAt
	}
	if meta.BiggestSeqNum > t.maxTs {
		t.maxTs = meta.BiggestSeqNum
	}
	return nil
}

// Compact merges the named tables into one and atomically replaces them in
// the manifest. All versions are retained, so the output's setsum must equal
// the sum of the inputs'; a mismatch is corruption. Which tables to compact
// together is the caller's policy, not the tree's.
func (t *Tree) Compact(ids []string) error {
	if len(ids) < 2 {
		return errors.Newf("compaction needs at least 2 inputs, got %d", len(ids))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var inputs []*sstable.Reader
	var inputSum setsum.Setsum
	byID := make(map[string]*sstable.Reader, len(t.version.tables))
	for _, r := range t.version.tables {
		byID[r.Metadata().Setsum.Hexdigest()] = r
	}
	for _, id := range ids {
		r, ok := byID[id]
		if !ok {
			return errors.Newf("compaction input %s is not live", id)
		}
		inputs = append(inputs, r)
		inputSum.Add(r.Metadata().Setsum)
	}

	buildPath := filepath.Join(base.TempDir(t.root), inputSum.Hexdigest()+".sst")
	cursors := make([]base.Cursor, len(inputs))
	for i, r := range inputs {
		cursors[i] = r.Cursor()
	}
	w, err := sstable.NewWriter(buildPath)
	if err != nil {
		return err
	}
	merged := cursor.Merging(cursors...)
	for ok := merged.First(); ok; ok = merged.Next() {
		if err := w.Add(merged.KV()); err != nil {
			w.Abort()
			return err
		}
	}
	if err := merged.Error(); err != nil {
		w.Abort()
		return err
	}
	meta, err := w.Finish()
	if err != nil {
		return err
	}
	if meta.Setsum.Digest() != inputSum.Digest() {
		return base.CorruptionErrorf(
			"compaction dropped data: output setsum %s, inputs %s",
			meta.Setsum.Hexdigest(), inputSum.Hexdigest())
	}
	t.metrics.Count("tree.compaction", 1)
	t.metrics.Count("tree.compaction.bytes_written", meta.Size)

	hex := meta.Setsum.Hexdigest()
	target := base.SSTFilename(t.root, hex)
	if err := os.Link(buildPath, target); err != nil {
		return errors.Wrapf(err, "link sstable %s", target)
	}
	var edit manifest.Edit
	for _, id := range ids {
		if err := edit.Rm(id); err != nil {
			return err
		}
	}
	if err := edit.Add(hex); err != nil {
		return err
	}
	// Nothing was discarded, so I and D are unchanged and O keeps its value;
	// recording O anyway keeps the token in the compacted log.
	out, err := Aggregate(t.mani, 'O')
	if err != nil {
		return err
	}
	if err := edit.Info('O', out.Hexdigest()); err != nil {
		return err
	}
	if err := t.mani.Apply(edit); err != nil {
		return err
	}

	replacement, err := sstable.Open(target)
	if err != nil {
		return err
	}
	dropped := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		dropped[id] = struct{}{}
	}
	var tables []*sstable.Reader
	tables = append(tables, replacement)
	for _, r := range t.version.tables {
		if _, ok := dropped[r.Metadata().Setsum.Hexdigest()]; !ok {
			tables = append(tables, r)
		}
	}
	sortTables(tables)
	t.version = &Version{tables: tables}

	if err := os.Remove(buildPath); err != nil {
		return errors.Wrapf(err, "remove %s", buildPath)
	}
	for _, id := range ids {
		name := id + ".sst"
		if err := os.Rename(base.SSTFilename(t.root, id), base.TrashFilename(t.root, name)); err != nil {
			return errors.Wrapf(err, "trash %s", name)
		}
	}
	t.logger.Infof("compacted %d tables into %s", len(ids), hex)
	return nil
}

// Aggregate returns the setsum stored under the named manifest info token,
// or the zero setsum when the token is absent.
func Aggregate(mani *manifest.Manifest, c byte) (setsum.Setsum, error) {
	h, ok := mani.Info(c)
	if !ok {
		return setsum.Setsum{}, nil
	}
	s, err := setsum.FromHexdigest(h)
	if err != nil {
		return setsum.Setsum{}, base.CorruptionErrorf(
			"manifest info token %q is malformed: %v", string(c), err)
	}
	return s, nil
}

// RecordIngest appends a manifest edit registering a table with the given
// setsum, folding it into the 'I' and 'O' aggregates. Recovery uses this
// before a Tree exists over the manifest.
func RecordIngest(mani *manifest.Manifest, sum setsum.Setsum) error {
	var edit manifest.Edit
	if err := edit.Add(sum.Hexdigest()); err != nil {
		return err
	}
	in, err := Aggregate(mani, 'I')
	if err != nil {
		return err
	}
	out, err := Aggregate(mani, 'O')
	if err != nil {
		return err
	}
	in.Add(sum)
	out.Add(sum)
	if err := edit.Info('I', in.Hexdigest()); err != nil {
		return err
	}
	if err := edit.Info('O', out.Hexdigest()); err != nil {
		return err
	}
	return mani.Apply(edit)
}

func sortTables(tables []*sstable.Reader) {
	sort.SliceStable(tables, func(i, j int) bool {
		return tables[i].Metadata().BiggestSeqNum > tables[j].Metadata().BiggestSeqNum
	})
}
