// Copyright 2025 The Loam Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package manifest

import (
	"os"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"

	"github.com/loamdb/loam/internal/base"
)

// lockfile holds an exclusive flock on the manifest directory's LOCKFILE,
// enforcing one writer per manifest directory. The lock is released when the
// process exits or unlock is called, whichever comes first.
type lockfile struct {
	f *os.File
}

// acquireLock takes the exclusive lock. When wait is false a held lock
// results in base.ErrLockNotObtained instead of blocking.
func acquireLock(path string, wait bool) (*lockfile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return nil, errors.Wrapf(err, "open lockfile %s", path)
	}
	how := unix.LOCK_EX
	if !wait {
		how |= unix.LOCK_NB
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, errors.Wrapf(base.ErrLockNotObtained, "%s", path)
		}
		return nil, errors.Wrapf(err, "flock %s", path)
	}
	return &lockfile{f: f}, nil
}

func (l *lockfile) unlock() error {
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	return err
}
