// Copyright (c) 2024, The Regents of the University of California,
// through Lawrence Berkeley National Laboratory. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package udi implements the UDI builder (spec §4.5, component C5): the
// setupRoot algorithm that mounts a root filesystem, binds an image,
// overlays identity, applies site and user mounts, invokes MPI/GPU hooks,
// and commits a manifest marking the tree ready for the privileged
// launcher.
package udi

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/google/uuid"

	"github.com/nersc/shifter/internal/pkg/errors"
	"github.com/nersc/shifter/internal/pkg/identity"
	"github.com/nersc/shifter/internal/pkg/mountlist"
	"github.com/nersc/shifter/internal/pkg/ulog"
	"github.com/nersc/shifter/pkg/config"
	"github.com/nersc/shifter/pkg/image"
	"github.com/nersc/shifter/pkg/volume"
)

// Request is the setupRoot invocation contract (spec §4.5, §6 CLI
// surface): `setupRoot [flags] <image-type> <image-identifier>`.
type Request struct {
	ImageType       image.Type
	ImageIdentifier string
	Username        string
	UID             int
	GID             int
	SSHPubKey       string
	NodeSpec        string
	VolumeSpecs     []string
}

// Result is returned on a successful setupRoot run.
type Result struct {
	MountPoint string
	Manifest   image.Manifest
}

// SiteFSPaths extracts the plain destination list a volume.Parse call
// needs to detect site-fs conflicts (spec §4.3).
func SiteFSPaths(cfg *config.Config) []string {
	paths := make([]string, len(cfg.SiteFS))
	for i, e := range cfg.SiteFS {
		paths[i] = e.Path
	}
	return paths
}

// Run executes setupRoot's steps 1-9 against cfg, using resolver for
// gateway-backed image types. hostLookup resolves a node-spec hostname to
// the address written into /etc/hosts. rollback performs the
// best-effort teardown a failed staging run defers to (injected from
// internal/pkg/teardown so this package does not depend on C7 directly,
// matching spec §2's data-flow direction).
func Run(ctx context.Context, cfg *config.Config, req Request, resolver image.GatewayResolver, hostLookup func(string) (string, error), rollback func(mountPoint string) error) (*Result, error) {
	mountPoint := cfg.UDIMountPoint

	if IsCommitted(mountPoint) {
		return nil, errors.New(errors.AlreadyCommitted, "a UDI is already committed at %s", mountPoint)
	}

	if req.UID == 0 || req.GID == 0 {
		return nil, errors.New(errors.InvalidImageDescriptor, "refusing to stage a UDI for uid/gid 0")
	}

	manifest, err := image.Load(ctx, image.Descriptor{Type: req.ImageType, Identifier: req.ImageIdentifier}, cfg.ImageBasePath, cfg.AllowLocalChroot, resolver)
	if err != nil {
		return nil, err
	}
	if err := image.CheckACL(manifest, req.UID, req.GID); err != nil {
		return nil, err
	}

	volMap, err := volume.Parse(strings.Join(req.VolumeSpecs, ";"), SiteFSPaths(cfg))
	if err != nil {
		return nil, err
	}

	txn := NewTransaction(mountPoint, rollback)
	defer txn.Rollback()

	if err := makePrivate(); err != nil {
		return nil, err
	}
	if err := mountRoot(mountPoint, cfg.RootFSType); err != nil {
		return nil, err
	}

	rootfs := image.RootFSPath(cfg.ImageBasePath, manifest)
	if req.ImageType == image.TypeLocal {
		rootfs = req.ImageIdentifier
	}
	if rootfs != "" {
		if err := bindImage(rootfs, filepath.Join(mountPoint, "image"), true); err != nil {
			return nil, err
		}
	}

	if err := overlayIdentity(cfg, mountPoint, req, hostLookup); err != nil {
		return nil, err
	}

	inv := mountlist.New()
	for _, sf := range cfg.SiteFS {
		dst, err := joinUDIPath(mountPoint, sf.Path)
		if err != nil {
			return nil, err
		}
		if err := bindOnce(inv, sf.Path, dst, flagsFromStrings(sf.Flags)); err != nil {
			return nil, err
		}
	}

	invocationToken := uuid.NewString()
	cacheFiles, err := applyVolumes(inv, mountPoint, volMap, cfg, invocationToken)
	if err != nil {
		return nil, err
	}

	if err := RunMPIHook(cfg, mountPoint); err != nil {
		return nil, err
	}
	if err := RunGPUHook(cfg, mountPoint, gpuDeviceIDs(cfg)); err != nil {
		return nil, err
	}

	rec := CommitRecord{
		ImageIdentifier: manifest.Identifier,
		Volumes:         volumeSignatures(volMap),
		SiteFS:          SiteFSPaths(cfg),
		UID:             req.UID,
		GID:             req.GID,
		CacheFiles:      cacheFiles,
	}

	// Commit before writing the manifest: spec §4.5 step 9 says a manifest
	// write failure is fatal but must leave the tree mounted for diagnosis,
	// not trigger the rollback teardown. Everything above this point is
	// still covered by the deferred Rollback; once the tree itself is fully
	// staged, only the on-disk "ready" marker remains, and losing that race
	// must not tear the UDI back down.
	txn.Commit()
	if err := WriteManifest(mountPoint, rec); err != nil {
		return nil, err
	}

	ulog.Infof("committed UDI at %s for uid=%d image=%s", mountPoint, req.UID, manifest.Identifier)
	return &Result{MountPoint: mountPoint, Manifest: *manifest}, nil
}

// joinUDIPath resolves rel (a site-fs or user-volume destination, untrusted
// relative to the image content an attacker might control) against
// mountPoint without following a symlink out of the UDI tree, the same
// defense the teacher applies in its OCI launcher (securejoin.SecureJoin).
func joinUDIPath(mountPoint, rel string) (string, error) {
	dst, err := securejoin.SecureJoin(mountPoint, rel)
	if err != nil {
		return "", errors.Wrap(err, errors.MountFailed, "resolving %q under %s", rel, mountPoint)
	}
	return dst, nil
}

func overlayIdentity(cfg *config.Config, mountPoint string, req Request, hostLookup func(string) (string, error)) error {
	u := identity.User{Name: req.Username, UID: req.UID, GID: req.GID, SSHPubKey: req.SSHPubKey}

	passwd, err := identity.BuildPasswd(filepath.Join(cfg.EtcPath, "passwd"), u)
	if err != nil {
		return err
	}
	group, err := identity.BuildGroup(filepath.Join(cfg.EtcPath, "group"), u, "")
	if err != nil {
		return err
	}
	nsswitch, err := identity.BuildNsswitch(filepath.Join(cfg.EtcPath, "nsswitch.conf"))
	if err != nil {
		return err
	}
	hosts, err := identity.BuildHosts(req.NodeSpec, hostLookup)
	if err != nil {
		return err
	}

	etcDir := filepath.Join(mountPoint, "etc")
	for name, content := range map[string][]byte{
		"passwd":        passwd,
		"group":         group,
		"nsswitch.conf": nsswitch,
		"hosts":         hosts,
	} {
		if err := os.WriteFile(filepath.Join(etcDir, name), content, 0o644); err != nil {
			return errors.Wrap(err, errors.MountFailed, "writing %s", name)
		}
	}
	return nil
}

// applyVolumes issues every user volume mount in request order (spec §4.5
// step 7). Per-node-cache entries that arrive without an explicit
// unique_cache_name (spec §3) are assigned one derived from invocationToken
// — a fresh google/uuid minted once per setupRoot call (spec §3
// [EXPANSION], §5 "unique per-invocation token") — so that two concurrent
// violations of the one-job-per-node contract never collide on the same
// backing file name.
func applyVolumes(inv *mountlist.List, mountPoint string, volMap *volume.Map, cfg *config.Config, invocationToken string) ([]string, error) {
	cacheDir := filepath.Join(cfg.UDIRootPath, "var", "shifter", "cache")
	var cacheFiles []string
	for i, e := range volMap.Entries {
		dst, err := joinUDIPath(mountPoint, e.Destination)
		if err != nil {
			return nil, err
		}
		if e.Flags&volume.PerNodeCache != 0 {
			if e.Cache.UniqueCacheName == "" {
				e.Cache.UniqueCacheName = fmt.Sprintf("%s-%d", invocationToken, i)
			}
			backing, err := allocatePerNodeCache(cacheDir, dst, e.Cache)
			if err != nil {
				return nil, err
			}
			cacheFiles = append(cacheFiles, backing)
			inv.Insert(dst)
			continue
		}
		if err := bindOnce(inv, e.Source, dst, e.Flags); err != nil {
			return nil, err
		}
	}
	return cacheFiles, nil
}

func flagsFromStrings(flags []string) volume.Flag {
	var f volume.Flag
	for _, s := range flags {
		switch s {
		case "ro":
			f |= volume.ReadOnly
		case "rec":
			f |= volume.Recursive
		case "slave":
			f |= volume.Slave
		case "private":
			f |= volume.Private
		case "overlay":
			f |= volume.Overlay
		}
	}
	return f
}

func gpuDeviceIDs(cfg *config.Config) []string {
	return cfg.GPUSupport.DeviceIDs
}

func volumeSignatures(m *volume.Map) []string {
	out := make([]string, len(m.Entries))
	for i := range m.Entries {
		out[i] = (&volume.Map{Entries: m.Entries[i : i+1]}).Signature()
	}
	return out
}
