// Copyright (c) 2024, The Regents of the University of California,
// through Lawrence Berkeley National Laboratory. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package udi

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/nersc/shifter/internal/pkg/errors"
	"github.com/nersc/shifter/internal/pkg/mountlist"
	"github.com/nersc/shifter/internal/pkg/ulog"
	"github.com/nersc/shifter/pkg/volume"
)

// skeletonDirs are the subdirectories every UDI root carries regardless of
// image or site configuration (spec §4.5 step 3).
var skeletonDirs = []string{"etc", "var", "var/spool", "var/run", "proc", "sys", "dev", "tmp"}

// makePrivate remounts "/" with MS_PRIVATE|MS_REC so that mounts issued
// below it are invisible to the host (spec §4.5 step 2, §5 ordering
// requirement). Grounded on the teacher's overlay_linux.go unix.Mount
// usage style.
func makePrivate() error {
	if err := unix.Mount("", "/", "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		return errors.Wrap(err, errors.MountFailed, "remounting / private")
	}
	return nil
}

// mountRoot mounts an empty filesystem of fsType at mountPoint and creates
// the skeleton subdirectory tree (spec §4.5 step 3).
func mountRoot(mountPoint, fsType string) error {
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return errors.Wrap(err, errors.MountFailed, "creating %s", mountPoint)
	}
	if err := unix.Mount(fsType, mountPoint, fsType, 0, ""); err != nil {
		return errors.Wrap(err, errors.MountFailed, "mounting %s root at %s", fsType, mountPoint)
	}
	for _, d := range skeletonDirs {
		if err := os.MkdirAll(filepath.Join(mountPoint, d), 0o755); err != nil {
			return errors.Wrap(err, errors.MountFailed, "creating skeleton dir %s", d)
		}
	}
	return nil
}

// bindImage bind-mounts src onto dst and, unless writable is requested,
// remounts it read-only. This is the identity-bind-then-remount idiom
// grounded on the teacher's overlay_item_linux.go mountDir: a plain
// MS_BIND does not itself accept MS_RDONLY, so read-only must be applied
// with a second MS_REMOUNT|MS_BIND pass (spec §4.5 step 4).
func bindImage(src, dst string, readonly bool) error {
	if err := unix.Mount(src, dst, "", unix.MS_BIND, ""); err != nil {
		return errors.Wrap(err, errors.MountFailed, "bind-mounting image root %s onto %s", src, dst)
	}
	if !readonly {
		return nil
	}
	if err := unix.Mount("", dst, "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
		return errors.Wrap(err, errors.MountFailed, "remounting image root %s read-only", dst)
	}
	return nil
}

// bindFlags translates a volume.Flag bitmap into the unix.MS_* bits a bind
// mount needs, in the bind-then-remount idiom used throughout this file.
func bindFlags(f volume.Flag) (mountFlags uintptr, remountReadonly bool) {
	mountFlags = unix.MS_BIND
	if f&volume.Recursive != 0 {
		mountFlags |= unix.MS_REC
	}
	if f&volume.Slave != 0 {
		mountFlags |= unix.MS_SLAVE
	}
	if f&volume.Private != 0 {
		mountFlags |= unix.MS_PRIVATE
	}
	if f&volume.ReadOnly != 0 {
		remountReadonly = true
	}
	return mountFlags, remountReadonly
}

// bindOnce issues a bind mount from src to dst with the given flags,
// recording it in inv so a repeated request for the same dst is a no-op
// rather than a second physical mount (spec §4.5 steps 6–7).
func bindOnce(inv *mountlist.List, src, dst string, f volume.Flag) error {
	if inv.Find(dst) {
		ulog.Debugf("skipping already-mounted %s", dst)
		return nil
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return errors.Wrap(err, errors.MountFailed, "creating mount point %s", dst)
	}
	mountFlags, readonly := bindFlags(f)
	if err := unix.Mount(src, dst, "", mountFlags, ""); err != nil {
		return errors.Wrap(err, errors.MountFailed, "bind-mounting %s onto %s", src, dst)
	}
	if readonly {
		if err := unix.Mount("", dst, "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
			return errors.Wrap(err, errors.MountFailed, "remounting %s read-only", dst)
		}
	}
	inv.Insert(dst)
	return nil
}

// allocatePerNodeCache creates and formats a backing file for a
// perNodeCache volume entry, then mounts it at dst via a loop device.
// Formatting and loop-device attachment are delegated to external tools
// (mkfs.<fs_type>, losetup) rather than reimplemented in-process — the
// same "opaque external program, fixed argv" treatment spec §1 gives the
// MPI/GPU activation scripts.
func allocatePerNodeCache(cacheDir, dst string, attrs volume.PerNodeCacheAttrs) (string, error) {
	name := attrs.UniqueCacheName
	if name == "" {
		return "", errors.New(errors.MountFailed, "perNodeCache entry for %s has no unique_cache_name", dst)
	}
	backing := filepath.Join(cacheDir, name+".img")
	if err := os.MkdirAll(cacheDir, 0o700); err != nil {
		return "", errors.Wrap(err, errors.MountFailed, "creating per-node-cache dir %s", cacheDir)
	}
	f, err := os.OpenFile(backing, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return "", errors.Wrap(err, errors.MountFailed, "creating per-node-cache backing file %s", backing)
	}
	size := attrs.SizeBytes
	if size <= 0 {
		size = 1 << 30
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return "", errors.Wrap(err, errors.MountFailed, "sizing per-node-cache backing file %s", backing)
	}
	f.Close()

	mkfsTool := "mkfs." + defaultString(attrs.FSType, "ext4")
	if attrs.Method != "" {
		mkfsTool = attrs.Method
	}
	if err := runTool(mkfsTool, backing); err != nil {
		return "", errors.Wrap(err, errors.MountFailed, "formatting per-node-cache backing file %s", backing)
	}

	loopDev, err := attachLoop(backing)
	if err != nil {
		return "", errors.Wrap(err, errors.MountFailed, "attaching loop device for %s", backing)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", errors.Wrap(err, errors.MountFailed, "creating mount point %s", dst)
	}
	if err := unix.Mount(loopDev, dst, defaultString(attrs.FSType, "ext4"), 0, ""); err != nil {
		return "", errors.Wrap(err, errors.MountFailed, "mounting loop device %s onto %s", loopDev, dst)
	}
	return backing, nil
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func runTool(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, out)
	}
	return nil
}

// attachLoop attaches backing to the next free loop device via losetup and
// returns its path.
func attachLoop(backing string) (string, error) {
	cmd := exec.Command("losetup", "--find", "--show", backing)
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
