// Copyright 2025 The Loam Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

import "github.com/cockroachdb/errors"

// ErrNotFound means that a get call did not find the requested key.
var ErrNotFound = errors.New("loam: not found")

// ErrCorruption is a marker error for on-disk corruption: a checksum
// mismatch, a malformed manifest line, or a malformed file structure.
// Corruption is surfaced to the caller of the operation that detected it and
// is never retried internally.
var ErrCorruption = errors.New("loam: corruption")

// ErrLockNotObtained is returned when the manifest directory lock is held by
// another process and the manifest was opened in fail-fast mode.
var ErrLockNotObtained = errors.New("loam: lock not obtained")

// ErrDBExists is returned by Open when ErrorIfExists is set and the store
// directory already exists.
var ErrDBExists = errors.New("loam: store already exists")

// ErrDBNotExist is returned by Open when ErrorIfNotExists is set and the
// store directory does not exist.
var ErrDBNotExist = errors.New("loam: store does not exist")

// CorruptionErrorf formats an error and marks it as a corruption error.
func CorruptionErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrCorruption)
}

// IsCorruption reports whether err is marked as a corruption error.
func IsCorruption(err error) bool {
	return errors.Is(err, ErrCorruption)
}

// LogicErrorf returns an assertion error. A logic error indicates a bug in
// this package, not an environmental fault. It must not be caught and
// continued from.
func LogicErrorf(format string, args ...interface{}) error {
	return errors.AssertionFailedf(format, args...)
}
