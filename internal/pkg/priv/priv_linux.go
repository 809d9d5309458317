// Copyright (c) 2024, The Regents of the University of California,
// through Lawrence Berkeley National Laboratory. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package priv implements the privilege-manipulation primitives used by the
// privileged launcher (spec §4.6) and by setupRoot/unsetupRoot to bracket
// their privileged sections. All of it must run on a single, locked OS thread: Go's runtime
// schedules goroutines across OS threads, and a setresuid/setresgid call
// only affects the calling thread's credentials unless every thread is
// locked down in turn, which is never true for a thread carrying a
// once-per-process privilege transition.
package priv

import (
	"runtime"

	"github.com/nersc/shifter/internal/pkg/errors"
	"github.com/nersc/shifter/internal/pkg/ulog"
	"golang.org/x/sys/unix"
)

// Identity is the target (uid, gid, supplementary-gids) a setuid process
// drops to before handing control to user code. DropPermanently rewrites
// zero entries in Supplementary to GID (via Normalize) before calling
// setgroups (spec §3, Credentials invariants).
type Identity struct {
	UID           int
	GID           int
	Supplementary []int
}

// Normalize rewrites any zero supplementary gid to the target gid, per the
// Credentials invariant in spec §3.
func (id *Identity) Normalize() {
	for i, g := range id.Supplementary {
		if g == 0 {
			id.Supplementary[i] = id.GID
		}
	}
}

// Validate enforces the Credentials invariants: target uid and gid must not
// be root. A caller requesting uid 0 has not usefully dropped anything.
func (id Identity) Validate() error {
	if id.UID == 0 {
		return errors.New(errors.PrivilegeDropFailed, "target uid must not be 0")
	}
	if id.GID == 0 {
		return errors.New(errors.PrivilegeDropFailed, "target gid must not be 0")
	}
	return nil
}

// DropPermanently relinquishes root for good: it sets supplementary groups,
// then the real/effective/saved gid, then the real/effective/saved uid, in
// that order (spec §5 ordering requirement — setgroups requires
// CAP_SETGID, which is lost the moment Setresgid runs). There is no way
// back from this call; it must be the last privileged operation before
// execve (spec §4.6 step 7, invariant in spec §8 property 4).
//
// The caller must already have locked the current goroutine to its OS
// thread (runtime.LockOSThread) before calling DropPermanently, and must
// keep it locked through the subsequent execve — unlocking early risks the
// Go scheduler moving remaining work for this goroutine onto a thread that
// never made these syscalls.
func DropPermanently(id Identity) error {
	id.Normalize()
	if err := id.Validate(); err != nil {
		return err
	}

	ulog.Debugf("drop groups: %v", id.Supplementary)
	if err := unix.Setgroups(id.Supplementary); err != nil {
		return errors.Wrap(err, errors.PrivilegeDropFailed, "setgroups(%v) failed", id.Supplementary)
	}

	ulog.Debugf("drop gid: %d/%d/%d", id.GID, id.GID, id.GID)
	if err := unix.Setresgid(id.GID, id.GID, id.GID); err != nil {
		return errors.Wrap(err, errors.PrivilegeDropFailed, "setresgid(%d) failed", id.GID)
	}

	ulog.Debugf("drop uid: %d/%d/%d", id.UID, id.UID, id.UID)
	if err := unix.Setresuid(id.UID, id.UID, id.UID); err != nil {
		return errors.Wrap(err, errors.PrivilegeDropFailed, "setresuid(%d) failed", id.UID)
	}

	return nil
}

// DropPrivsFunc restores the calling thread's original real uid, undoing a
// temporary EscalateRealEffective.
type DropPrivsFunc func() error

// EscalateRealEffective locks the current goroutine to its OS thread and
// escalates the real and effective uid of that thread to root, leaving the
// previous real uid as the saved set-user-ID. Used by setupRoot/unsetupRoot
// helpers that start life with a setuid-root binary's ambient privilege
// already in effect but want to make the escalation explicit around a
// specific privileged section (mount, chroot) rather than holding it for
// the whole process lifetime. The returned func must be called to drop
// back down and unlock the thread.
func EscalateRealEffective() (DropPrivsFunc, error) {
	runtime.LockOSThread()
	uid, _, _ := unix.Getresuid()

	drop := func() error {
		defer runtime.UnlockOSThread()
		ulog.Debugf("drop r/e/s: %d/%d/%d", uid, uid, 0)
		return unix.Setresuid(uid, uid, 0)
	}

	ulog.Debugf("escalate r/e/s: %d/%d/%d", 0, 0, uid)
	return drop, unix.Setresuid(0, 0, uid)
}
