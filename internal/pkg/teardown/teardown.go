// Copyright (c) 2024, The Regents of the University of California,
// through Lawrence Berkeley National Laboratory. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package teardown implements unsetupRoot (spec §4.7, component C7):
// reverse-order unmount of everything staged under a UDI mount point,
// per-node-cache backing file cleanup, and removal of the commit marker.
// Teardown is idempotent — re-running it against an already-Absent mount
// point is a no-op success (spec §4.8).
package teardown

import (
	"encoding/json"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/nersc/shifter/internal/pkg/errors"
	"github.com/nersc/shifter/internal/pkg/mountlist"
	"github.com/nersc/shifter/internal/pkg/ulog"
)

// commitRecord mirrors the subset of udi.CommitRecord teardown needs. It
// is declared independently rather than imported from the udi package so
// that C7 does not depend on C5 (spec §2's data-flow table has the
// dependency running the other way: C5's rollback path depends on C7, not
// vice versa).
type commitRecord struct {
	CacheFiles []string `json:"cache_files,omitempty"`
}

const manifestName = "var/shifterConfig.json"

// Run tears down the UDI at mountPoint: unmounts every path under it in
// reverse lexical order, deletes recorded per-node-cache backing files,
// removes the skeleton directories, and deletes the commit marker.
func Run(mountPoint string) error {
	manifestPath := filepath.Join(mountPoint, manifestName)
	rec := readCommitRecord(manifestPath)

	inv, err := mountlist.FromProc()
	if err != nil {
		return errors.Wrap(err, errors.UnmountFailed, "reading mount inventory")
	}
	targets := inv.WithPrefix(mountPoint)

	sorted := mountlist.New()
	for _, t := range targets {
		sorted.Insert(t)
	}
	sorted.Sort(mountlist.Reverse)

	var firstErr error
	for _, path := range sorted.Paths() {
		if err := unmountWithRetry(path); err != nil {
			ulog.Errorf("unmounting %s: %v", path, err)
			if firstErr == nil {
				firstErr = errors.Wrap(err, errors.UnmountFailed, "unmounting %s", path)
			}
			continue
		}
		ulog.Debugf("unmounted %s", path)
	}
	if firstErr != nil {
		return firstErr
	}

	for _, cache := range rec.CacheFiles {
		if err := os.Remove(cache); err != nil && !os.IsNotExist(err) {
			ulog.Warningf("removing cache file %s: %v", cache, err)
		}
	}

	if err := os.RemoveAll(mountPoint); err != nil {
		return errors.Wrap(err, errors.UnmountFailed, "removing %s", mountPoint)
	}
	return nil
}

func readCommitRecord(path string) commitRecord {
	var rec commitRecord
	raw, err := os.ReadFile(path)
	if err != nil {
		return rec
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		ulog.Warningf("parsing commit manifest %s: %v", path, err)
	}
	return rec
}

func unmountWithRetry(path string) error {
	err := unix.Unmount(path, 0)
	if err == nil {
		return nil
	}
	if err == unix.EBUSY {
		ulog.Debugf("%s busy, retrying with MNT_DETACH", path)
		return unix.Unmount(path, unix.MNT_DETACH)
	}
	if err == unix.ENOENT || err == unix.EINVAL {
		return nil
	}
	return err
}
