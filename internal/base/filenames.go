// Copyright 2025 The Loam Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Layout of a store directory:
//
//	<root>/log.<generation>   per-generation write-ahead logs
//	<root>/sst/<setsum>.sst   sorted tables, named by content checksum
//	<root>/tmp/               scratch space for table builds
//	<root>/trash/             consumed logs and superseded tables
//	<root>/mani/              the manifest (MANIFEST, backups, LOCKFILE)

// LogFilename returns the path of the write-ahead log for a generation.
func LogFilename(root string, gen uint64) string {
	return filepath.Join(root, fmt.Sprintf("log.%d", gen))
}

// ParseLogFilename extracts the generation from a log file's base name. The
// second return value is false if name is not a log file.
func ParseLogFilename(name string) (uint64, bool) {
	rest, ok := strings.CutPrefix(name, "log.")
	if !ok {
		return 0, false
	}
	gen, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return gen, true
}

// SSTDir returns the directory holding the store's sorted tables.
func SSTDir(root string) string {
	return filepath.Join(root, "sst")
}

// SSTFilename returns the path of the sorted table with the given hex
// checksum digest.
func SSTFilename(root, hexdigest string) string {
	return filepath.Join(SSTDir(root), hexdigest+".sst")
}

// TempDir returns the store's scratch directory.
func TempDir(root string) string {
	return filepath.Join(root, "tmp")
}

// TrashDir returns the directory consumed files are moved to. Files are moved
// here rather than unlinked outright so that a crash during deletion leaves
// evidence rather than a hole.
func TrashDir(root string) string {
	return filepath.Join(root, "trash")
}

// TrashFilename returns the trash path for the named file.
func TrashFilename(root, name string) string {
	return filepath.Join(TrashDir(root), name)
}

// ManifestDir returns the manifest directory of the store.
func ManifestDir(root string) string {
	return filepath.Join(root, "mani")
}
