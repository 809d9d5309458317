// Copyright (c) 2024, The Regents of the University of California,
// through Lawrence Berkeley National Laboratory. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package creds captures the invoking process's credentials once, before
// any privilege manipulation (spec §3, Credentials; §4.6 step 2), and
// hands them off as a priv.Identity ready for DropPermanently.
package creds

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/nersc/shifter/internal/pkg/errors"
	"github.com/nersc/shifter/internal/pkg/priv"
)

// Snapshot is the caller's credentials plus the process's effective ids,
// captured before the environment is cleared or the chroot is entered.
type Snapshot struct {
	Target priv.Identity
	EUID   int
	EGID   int
}

// Capture reads the real uid/gid/supplementary-group ids and the
// effective uid/gid of the current process.
func Capture() (Snapshot, error) {
	groups, err := unix.Getgroups()
	if err != nil {
		return Snapshot{}, errors.Wrap(err, errors.PrivilegeDropFailed, "reading supplementary groups")
	}
	return Snapshot{
		Target: priv.Identity{
			UID:           os.Getuid(),
			GID:           os.Getgid(),
			Supplementary: groups,
		},
		EUID: os.Geteuid(),
		EGID: os.Getegid(),
	}, nil
}

// RequireRootEffective enforces spec §4.6 step 2: euid == 0, egid == 0,
// uid != 0, gid != 0.
func (s Snapshot) RequireRootEffective() error {
	if s.EUID != 0 || s.EGID != 0 {
		return errors.New(errors.PrivilegeDropFailed, "process is not running setuid-root (euid=%d egid=%d)", s.EUID, s.EGID)
	}
	return s.Target.Validate()
}
