// Copyright (c) 2024, The Regents of the University of California,
// through Lawrence Berkeley National Laboratory. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package udi

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/nersc/shifter/internal/pkg/errors"
)

// manifestName is the commit marker spec §3/§6 describes: its presence at
// the mount point means the UDI is Committed.
const manifestName = "var/shifterConfig.json"

// CommitRecord is the on-disk manifest written at the end of a successful
// setupRoot (spec §4.5 step 9) and consulted by unsetupRoot (C7) and the
// privileged launcher (C6).
type CommitRecord struct {
	ImageIdentifier string            `json:"image_identifier"`
	Volumes         []string          `json:"volumes"`
	SiteFS          []string          `json:"site_fs"`
	UID             int               `json:"uid"`
	GID             int               `json:"gid"`
	CacheFiles      []string          `json:"cache_files,omitempty"`
	StagedAtUnix    int64             `json:"staged_at_unix"`
	Extra           map[string]string `json:"extra,omitempty"`
}

func manifestPath(udiMountPoint string) string {
	return filepath.Join(udiMountPoint, manifestName)
}

// IsCommitted reports whether a UDI at mountPoint already carries a
// commit marker (spec §4.5's "refuses if a UDI already exists" rule).
func IsCommitted(mountPoint string) bool {
	_, err := os.Stat(manifestPath(mountPoint))
	return err == nil
}

// WriteManifest writes rec to the mount point's commit marker path,
// creating the containing "var" directory if needed.
func WriteManifest(mountPoint string, rec CommitRecord) error {
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.MountFailed, "encoding commit manifest")
	}
	if err := os.MkdirAll(filepath.Join(mountPoint, "var"), 0o755); err != nil {
		return errors.Wrap(err, errors.MountFailed, "creating var directory")
	}
	if err := os.WriteFile(manifestPath(mountPoint), raw, 0o644); err != nil {
		return errors.Wrap(err, errors.MountFailed, "writing commit manifest")
	}
	return nil
}

// ReadManifest loads the commit marker at mountPoint.
func ReadManifest(mountPoint string) (*CommitRecord, error) {
	raw, err := os.ReadFile(manifestPath(mountPoint))
	if err != nil {
		return nil, errors.Wrap(err, errors.MountFailed, "reading commit manifest")
	}
	var rec CommitRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errors.Wrap(err, errors.MountFailed, "parsing commit manifest")
	}
	return &rec, nil
}

// RemoveManifest deletes the commit marker, transitioning the UDI back to
// Absent (spec §4.8). Deleting a nonexistent manifest is not an error,
// preserving teardown's idempotence guarantee (spec §8 property 3).
func RemoveManifest(mountPoint string) error {
	err := os.Remove(manifestPath(mountPoint))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, errors.MountFailed, "removing commit manifest")
	}
	return nil
}
