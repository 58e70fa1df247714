// Copyright 2025 The Loam Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package loam

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/loamdb/loam/internal/base"
	"github.com/loamdb/loam/internal/manifest"
	"github.com/loamdb/loam/internal/setsum"
	"github.com/loamdb/loam/internal/tree"
	"github.com/loamdb/loam/internal/waitlist"
	"github.com/loamdb/loam/internal/wal"
)

// Open opens the store at dirname, creating it if needed. Logs left behind by
// a crash or an unflushed Close are replayed into sorted tables before the
// store accepts traffic, so an opened store always starts from a consistent,
// fully tabled state plus one empty live log.
func Open(dirname string, opts *Options) (*DB, error) {
	opts = opts.EnsureDefaults()
	for _, dir := range []string{
		dirname,
		base.SSTDir(dirname),
		base.TempDir(dirname),
		base.TrashDir(dirname),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "create %s", dir)
		}
	}

	mani, err := manifest.Open(manifest.Options{
		FailIfExists:     opts.ErrorIfExists,
		FailIfNotExist:   opts.ErrorIfNotExists,
		FailIfLocked:     opts.FailIfLocked,
		LogRolloverRatio: opts.ManifestRolloverRatio,
	}, base.ManifestDir(dirname), opts.Metrics)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			_ = mani.Close()
		}
	}()

	if err := seedAggregates(mani); err != nil {
		return nil, err
	}
	if err := scrubTempDir(dirname); err != nil {
		return nil, err
	}
	maxGen, err := recoverLogs(dirname, mani, opts.Logger)
	if err != nil {
		return nil, err
	}

	t, err := tree.Open(dirname, mani, opts.Logger, opts.Metrics)
	if err != nil {
		return nil, err
	}
	gen := maxGen + 1
	log, err := wal.NewWriter(base.LogFilename(dirname, gen), wal.Options{
		SyncOnAppend: !opts.NoSyncWrites,
	})
	if err != nil {
		_ = t.Close()
		return nil, err
	}

	d := &DB{
		opts:     opts,
		root:     dirname,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		tree:     t,
		waiters:  waitlist.New[uint64](opts.WaitListCapacity, opts.Metrics),
		writeSem: make(chan struct{}, opts.WaitListCapacity-1),
		closeCh:  make(chan struct{}),
	}
	seq := t.MaxTimestamp()
	d.mu.seq = seq
	d.mu.visible = seq
	d.mu.flushedThrough = seq
	d.mu.gen = gen
	d.mu.mem = newMemTable()
	d.mu.log = log
	d.mu.flushCond.L = &d.mu.Mutex
	d.mu.flushedCond.L = &d.mu.Mutex
	d.workers.Go(d.flushLoop)
	ok = true
	d.metrics.Count("db.open", 1)
	return d, nil
}

// seedAggregates records zero-valued ingest, output, and discard aggregates
// in a freshly created manifest.
func seedAggregates(mani *manifest.Manifest) error {
	if _, present := mani.Info('I'); present {
		return nil
	}
	zero := setsum.Setsum{}.Hexdigest()
	var edit manifest.Edit
	for _, c := range []byte{'I', 'O', 'D'} {
		if err := edit.Info(c, zero); err != nil {
			return err
		}
	}
	return mani.Apply(edit)
}

// scrubTempDir removes table builds abandoned by a crash.
func scrubTempDir(root string) error {
	dir := base.TempDir(root)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrapf(err, "read %s", dir)
	}
	for _, e := range entries {
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return errors.Wrapf(err, "scrub %s", e.Name())
		}
	}
	return nil
}

// recoverLogs replays every log generation left in the store, oldest first,
// into sorted tables. Each step is idempotent: a crash at any point during
// recovery is recovered by the next recovery.
func recoverLogs(root string, mani *manifest.Manifest, logger Logger) (maxGen uint64, err error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0, errors.Wrapf(err, "read %s", root)
	}
	var gens []uint64
	for _, e := range entries {
		if gen, ok := base.ParseLogFilename(e.Name()); ok {
			gens = append(gens, gen)
		}
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })
	for _, gen := range gens {
		if err := recoverLog(root, mani, gen, logger); err != nil {
			return 0, err
		}
		maxGen = gen
	}
	return maxGen, nil
}

func recoverLog(root string, mani *manifest.Manifest, gen uint64, logger Logger) error {
	logPath := base.LogFilename(root, gen)
	logName := filepath.Base(logPath)
	buildPath := filepath.Join(base.TempDir(root), logName+".sst")
	meta, err := wal.ReplayIntoTable(logPath, buildPath)
	if err != nil {
		return err
	}
	if meta == nil {
		return trashLog(root, logPath, logName)
	}
	hex := meta.Setsum.Hexdigest()
	if mani.Has(hex) {
		// Crashed after the manifest recorded the table but before the log
		// was trashed.
		if err := os.Remove(buildPath); err != nil {
			return errors.Wrapf(err, "remove %s", buildPath)
		}
		return trashLog(root, logPath, logName)
	}
	target := base.SSTFilename(root, hex)
	if _, err := os.Stat(target); err == nil {
		// Crashed after the link but before the manifest recorded it. The
		// name is the content checksum, so the rebuilt table is identical.
		if err := os.Remove(target); err != nil {
			return errors.Wrapf(err, "remove %s", target)
		}
	}
	if err := os.Link(buildPath, target); err != nil {
		return errors.Wrapf(err, "link sstable %s", target)
	}
	if err := tree.RecordIngest(mani, meta.Setsum); err != nil {
		return err
	}
	if err := os.Remove(buildPath); err != nil {
		return errors.Wrapf(err, "remove %s", buildPath)
	}
	logger.Infof("recovered log %s into table %s (%d entries)", logName, hex, meta.Count)
	return trashLog(root, logPath, logName)
}

func trashLog(root, logPath, logName string) error {
	if err := os.Rename(logPath, base.TrashFilename(root, logName)); err != nil {
		return errors.Wrapf(err, "trash %s", logName)
	}
	return nil
}
