// Copyright 2025 The Loam Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package manifest maintains a crash-consistent record of which files
// currently constitute the store, independent of any particular file format.
//
// The record is an in-memory set of identifier strings mirrored by an
// append-only on-disk log of edits. Each log line carries an 8-hex-digit
// CRC32C checksum of the rest of the line, followed by an action byte: '+'
// inserts an identifier, '-' removes one, and any other printable character
// assigns an info token keyed by that character. A transaction terminator
// line follows each edit. An edit is appended, flushed, and fsync'd as one
// write before the in-memory state considers it applied; a failed write
// poisons the manifest so the first error is returned for every subsequent
// mutation, refusing further divergence between memory and disk.
//
// After every successful apply the manifest compacts its own log once the log
// exceeds LogRolloverRatio times the live-set size: it hard-links the current
// log to a numbered backup, writes a fresh log containing one edit that adds
// every live identifier, and renames it over the live log path, bounding
// replay cost on the next open.
package manifest

import (
	"bufio"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/loamdb/loam/internal/base"
)

const txSeparator = "--------"

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

func manifestPath(root string) string  { return filepath.Join(root, "MANIFEST") }
func temporaryPath(root string) string { return filepath.Join(root, "MANIFEST.tmp") }
func lockfilePath(root string) string  { return filepath.Join(root, "LOCKFILE") }
func backupPath(root string, idx uint64) string {
	return filepath.Join(root, fmt.Sprintf("MANIFEST.%d", idx))
}

// Options configures manifest opening and log compaction.
type Options struct {
	// FailIfExists makes Open fail when the manifest directory exists.
	FailIfExists bool
	// FailIfNotExist makes Open fail when the manifest directory is missing.
	FailIfNotExist bool
	// FailIfLocked makes Open fail fast when another process holds the
	// directory lock, instead of blocking until it is released.
	FailIfLocked bool
	// LogRolloverRatio is the ratio of on-disk log bytes to live identifier
	// bytes beyond which the log compacts itself. Defaults to 2.
	LogRolloverRatio uint64
}

// EnsureDefaults fills in unset option values.
func (o Options) EnsureDefaults() Options {
	if o.LogRolloverRatio == 0 {
		o.LogRolloverRatio = 2
	}
	return o
}

// Manifest is the live file-set record. It is not safe for concurrent use;
// callers serialize access.
type Manifest struct {
	opts     Options
	root     string
	lock     *lockfile
	metrics  base.MetricsSink
	strs     map[string]struct{}
	infos    map[byte]string
	poisoned error
}

// Open locks and replays the manifest in the given directory, creating the
// directory if needed.
func Open(opts Options, root string, metrics base.MetricsSink) (*Manifest, error) {
	opts = opts.EnsureDefaults()
	if metrics == nil {
		metrics = base.NoopMetrics
	}
	fi, statErr := os.Stat(root)
	isDir := statErr == nil && fi.IsDir()
	if isDir && opts.FailIfExists {
		return nil, errors.Wrapf(base.ErrDBExists, "manifest %s", root)
	}
	if !isDir {
		if opts.FailIfNotExist {
			return nil, errors.Wrapf(base.ErrDBNotExist, "manifest %s", root)
		}
		if err := os.Mkdir(root, 0755); err != nil && !os.IsExist(err) {
			return nil, errors.Wrapf(err, "create manifest dir %s", root)
		}
	}
	lock, err := acquireLock(lockfilePath(root), !opts.FailIfLocked)
	if err != nil {
		metrics.Count("manifest.lock_not_obtained", 1)
		return nil, err
	}
	metrics.Count("manifest.lock_obtained", 1)
	strs, infos, err := readLog(manifestPath(root))
	if err != nil {
		_ = lock.unlock()
		return nil, err
	}
	return &Manifest{
		opts:    opts,
		root:    root,
		lock:    lock,
		metrics: metrics,
		strs:    strs,
		infos:   infos,
	}, nil
}

// Close releases the directory lock.
func (m *Manifest) Close() error {
	if m.lock == nil {
		return nil
	}
	err := m.lock.unlock()
	m.lock = nil
	return err
}

// Strs returns the live identifiers in sorted order.
func (m *Manifest) Strs() []string {
	out := make([]string, 0, len(m.strs))
	for s := range m.strs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Has reports whether id is in the live set.
func (m *Manifest) Has(id string) bool {
	_, ok := m.strs[id]
	return ok
}

// Info returns the value of an info token, if set.
func (m *Manifest) Info(c byte) (string, bool) {
	v, ok := m.infos[c]
	return v, ok
}

// Size returns the sum of live identifier lengths, the denominator of the
// log-rollover ratio.
func (m *Manifest) Size() uint64 {
	var n uint64
	for s := range m.strs {
		n += uint64(len(s))
	}
	return n
}

// Apply appends the edit to the log, fsyncs it, and then updates the
// in-memory state. A failure at any step poisons the manifest.
func (m *Manifest) Apply(edit Edit) error {
	if m.poisoned != nil {
		return m.poisoned
	}
	return m.apply(manifestPath(m.root), edit, true)
}

// Rollover compacts the log: the current log is hard-linked to the first
// unused numbered backup, a fresh log holding one edit with every live
// identifier (and the info tokens) is written to a temporary path, and the
// temporary is renamed over the live log.
func (m *Manifest) Rollover() error {
	if m.poisoned != nil {
		return m.poisoned
	}
	var edit Edit
	for s := range m.strs {
		if err := m.poison(edit.Add(s)); err != nil {
			return err
		}
	}
	for c, v := range m.infos {
		if err := m.poison(edit.Info(c, v)); err != nil {
			return err
		}
	}
	for idx := uint64(0); ; idx++ {
		back := backupPath(m.root, idx)
		if _, err := os.Stat(back); os.IsNotExist(err) {
			if err := m.poison(os.Link(manifestPath(m.root), back)); err != nil {
				return err
			}
			break
		}
	}
	tmp := temporaryPath(m.root)
	if _, err := os.Stat(tmp); err == nil {
		if err := m.poison(os.Remove(tmp)); err != nil {
			return err
		}
	}
	if err := m.apply(tmp, edit, false); err != nil {
		return err
	}
	return m.poison(os.Rename(tmp, manifestPath(m.root)))
}

func (m *Manifest) apply(output string, edit Edit, allowRollover bool) error {
	var sb strings.Builder
	for _, s := range sortedKeys(edit.rmStrs) {
		writeLine(&sb, "-"+s)
	}
	for _, s := range sortedKeys(edit.addStrs) {
		writeLine(&sb, "+"+s)
	}
	for _, c := range sortedInfoKeys(edit.infos) {
		writeLine(&sb, string(c)+edit.infos[c])
	}
	sb.WriteString(txSeparator)
	sb.WriteString("\n")

	fout, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return m.poison(err)
	}
	defer fout.Close()
	if _, err := fout.WriteString(sb.String()); err != nil {
		return m.poison(err)
	}
	if err := fout.Sync(); err != nil {
		return m.poison(err)
	}

	// The edit is durable; only now does memory reflect it.
	for s := range edit.rmStrs {
		delete(m.strs, s)
	}
	for s := range edit.addStrs {
		m.strs[s] = struct{}{}
	}
	for c, v := range edit.infos {
		m.infos[c] = v
	}

	if allowRollover {
		fi, err := os.Stat(output)
		if err != nil {
			return m.poison(err)
		}
		if uint64(fi.Size()) > m.opts.LogRolloverRatio*m.Size() {
			return m.Rollover()
		}
	}
	return nil
}

func (m *Manifest) poison(err error) error {
	if err == nil {
		return nil
	}
	if m.poisoned == nil {
		m.poisoned = err
	}
	return m.poisoned
}

func writeLine(sb *strings.Builder, line string) {
	fmt.Fprintf(sb, "%08x%s\n", crc32.Checksum([]byte(line), crc32cTable), line)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func sortedInfoKeys(infos map[byte]string) []byte {
	out := make([]byte, 0, len(infos))
	for c := range infos {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// readLog replays a manifest log. A missing file yields the empty state; a
// malformed line, bad checksum, or non-ASCII content is corruption.
func readLog(path string) (map[string]struct{}, map[byte]string, error) {
	strs := make(map[string]struct{})
	infos := make(map[byte]string)
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return strs, infos, nil
	}
	if err != nil {
		return nil, nil, errors.Wrapf(err, "stat %s", path)
	}
	if fi.IsDir() {
		return nil, nil, base.CorruptionErrorf("manifest %s is a directory", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<16), 1<<24)
	for idx := 0; scanner.Scan(); idx++ {
		line := scanner.Text()
		if !isASCII(line) {
			return nil, nil, base.CorruptionErrorf("manifest line %d is not ascii", idx)
		}
		switch {
		case line == txSeparator:
		case len(line) > 9:
			expected, err := strconv.ParseUint(line[:8], 16, 32)
			if err != nil {
				return nil, nil, base.CorruptionErrorf(
					"manifest line %d: crc32c is not hex: %v", idx, err)
			}
			if crc32.Checksum([]byte(line[8:]), crc32cTable) != uint32(expected) {
				return nil, nil, base.CorruptionErrorf(
					"manifest line %d: crc32c failure", idx)
			}
			action, payload := line[8], line[9:]
			switch {
			case action == '+':
				strs[payload] = struct{}{}
			case action == '-':
				delete(strs, payload)
			case action > ' ' && action < 0x7f:
				infos[action] = payload
			default:
				return nil, nil, base.CorruptionErrorf(
					"manifest line %d: action %q is not supported", idx, string(action))
			}
		default:
			return nil, nil, base.CorruptionErrorf("manifest line %d: unhandled case", idx)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, errors.Wrapf(err, "read %s", path)
	}
	return strs, infos, nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
