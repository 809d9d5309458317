// Copyright (c) 2024, The Regents of the University of California,
// through Lawrence Berkeley National Laboratory. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package lock

import (
	"path/filepath"
	"testing"

	shifterrors "github.com/nersc/shifter/internal/pkg/errors"
)

func TestTryAcquireThenContend(t *testing.T) {
	dir := t.TempDir()
	mountPoint := filepath.Join(dir, "udi")

	l1, err := TryAcquire(mountPoint)
	if err != nil {
		t.Fatalf("first TryAcquire: %v", err)
	}
	defer l1.Release()

	_, err = TryAcquire(mountPoint)
	if !shifterrors.Is(err, shifterrors.AlreadyCommitted) {
		t.Fatalf("second TryAcquire err = %v, want AlreadyCommitted", err)
	}

	if err := l1.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	l2, err := TryAcquire(mountPoint)
	if err != nil {
		t.Fatalf("TryAcquire after release: %v", err)
	}
	l2.Release()
}

func TestReleaseNilLock(t *testing.T) {
	var l *Lock
	if err := l.Release(); err != nil {
		t.Fatalf("Release(nil) = %v, want nil", err)
	}
}
