// Copyright (c) 2024, The Regents of the University of California,
// through Lawrence Berkeley National Laboratory. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package lock provides the advisory file lock setupRoot/unsetupRoot take
// around the UDI mount point (spec §5): mutual exclusion is delegated to
// the workload manager in the common case, but a second invocation racing
// against a slow teardown must still fail fast rather than corrupt the
// mount tree.
package lock

import (
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/nersc/shifter/internal/pkg/errors"
)

// Lock is a held advisory lock over a UDI mount point.
type Lock struct {
	fl *flock.Flock
}

func lockPath(udiMountPoint string) string {
	return filepath.Join(filepath.Dir(udiMountPoint), "."+filepath.Base(udiMountPoint)+".lock")
}

// TryAcquire attempts a non-blocking exclusive lock over udiMountPoint.
// Callers must Release the returned Lock once done.
func TryAcquire(udiMountPoint string) (*Lock, error) {
	fl := flock.New(lockPath(udiMountPoint))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, errors.MountFailed, "acquiring lock for %s", udiMountPoint)
	}
	if !ok {
		return nil, errors.New(errors.AlreadyCommitted, "another process holds the lock for %s", udiMountPoint)
	}
	return &Lock{fl: fl}, nil
}

// Release drops the lock. It is safe to call on a nil Lock.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}
