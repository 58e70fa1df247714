// Copyright 2025 The Loam Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package loam

import (
	"github.com/cockroachdb/errors"
	"github.com/goccy/go-yaml"

	"github.com/loamdb/loam/internal/base"
	"github.com/loamdb/loam/internal/waitlist"
)

// Logger is the destination for store diagnostics.
type Logger = base.Logger

// MetricsSink receives the store's counters.
type MetricsSink = base.MetricsSink

// DefaultMemTableSize is the flush threshold applied when none is configured.
const DefaultMemTableSize = 4 << 20

// Options configures a store. The zero value is usable; EnsureDefaults fills
// in the rest.
type Options struct {
	// MemTableSize is the number of bytes a memtable may accumulate before it
	// is sealed and flushed to a sorted table.
	MemTableSize uint64 `yaml:"mem_table_size"`

	// WaitListCapacity bounds the number of concurrent writers admitted to
	// the commit path. Writers beyond the capacity block for admission.
	WaitListCapacity int `yaml:"wait_list_capacity"`

	// SyncWrites fsyncs the write-ahead log on every commit. When false a
	// commit is durable only once its generation is sealed. Defaults to true;
	// set NoSyncWrites to turn it off.
	NoSyncWrites bool `yaml:"no_sync_writes"`

	// ManifestRolloverRatio is the ratio of manifest log bytes to live
	// identifier bytes beyond which the manifest compacts itself.
	ManifestRolloverRatio uint64 `yaml:"manifest_rollover_ratio"`

	// ErrorIfExists makes Open fail if the store already exists.
	ErrorIfExists bool `yaml:"error_if_exists"`

	// ErrorIfNotExists makes Open fail if the store does not already exist.
	ErrorIfNotExists bool `yaml:"error_if_not_exists"`

	// FailIfLocked makes Open fail fast when another process holds the store
	// lock, instead of blocking until it is released.
	FailIfLocked bool `yaml:"fail_if_locked"`

	Logger  Logger      `yaml:"-"`
	Metrics MetricsSink `yaml:"-"`
}

// EnsureDefaults returns a copy of o with unset values filled in.
func (o *Options) EnsureDefaults() *Options {
	if o == nil {
		o = &Options{}
	}
	out := *o
	if out.MemTableSize == 0 {
		out.MemTableSize = DefaultMemTableSize
	}
	// The flush worker needs a slot of its own alongside the writers.
	if out.WaitListCapacity < 2 {
		out.WaitListCapacity = waitlist.DefaultCapacity
	}
	if out.Logger == nil {
		out.Logger = base.DefaultLogger
	}
	if out.Metrics == nil {
		out.Metrics = base.NoopMetrics
	}
	return &out
}

// ParseOptions parses YAML-encoded options. Fields absent from the document
// keep their zero value.
func ParseOptions(data []byte) (*Options, error) {
	var o Options
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, errors.Wrap(err, "parse options")
	}
	return &o, nil
}
