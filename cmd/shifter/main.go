// Copyright (c) 2024, The Regents of the University of California,
// through Lawrence Berkeley National Laboratory. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Command shifter is the C6 entry point (spec §4.6, §6): the privileged
// launcher. Invoked setuid-root, it enters the UDI a prior setupRoot call
// committed, drops privilege to the caller's own identity permanently, and
// execs the caller's command. On success the process image is replaced;
// there is no return from a successful run.
package main

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/nersc/shifter/internal/pkg/buildcfg"
	"github.com/nersc/shifter/internal/pkg/creds"
	"github.com/nersc/shifter/internal/pkg/errors"
	"github.com/nersc/shifter/internal/pkg/priv"
	"github.com/nersc/shifter/internal/pkg/udi"
	"github.com/nersc/shifter/internal/pkg/ulog"
	"github.com/nersc/shifter/pkg/config"
)

var (
	flagConfigPath string
	flagImage      string
	flagVolume     []string
	flagVerbose    bool
)

func main() {
	// The whole point of this binary is a one-way setresuid/setresgid
	// sequence followed by execve (spec §4.6 step 7, §5 ordering
	// requirement); every one of those syscalls must land on the same OS
	// thread, and that thread must never be reused for anything else once
	// this goroutine gives up its privilege.
	runtime.LockOSThread()

	root := &cobra.Command{
		Use:           "shifter [flags] -- <command>...",
		Short:         "Enter the prepared UDI and exec the user's command",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	flags := root.Flags()
	flags.StringVarP(&flagConfigPath, "config", "c", buildcfg.ConfigPath, "path to the site configuration file")
	flags.StringVar(&flagImage, "image", "", "type:id of the image this UDI was staged from (sanity-checked against the manifest)")
	flags.StringArrayVar(&flagVolume, "volume", nil, "volume spec (informational; already applied by setupRoot)")
	flags.BoolVarP(&flagVerbose, "verbose", "d", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	ulog.SetVerbose(flagVerbose)

	// Step 1: snapshot the caller's environment before anything touches it.
	snapshotEnv := os.Environ()

	// Step 2: determine identity and enforce the setuid invariant.
	caller, err := creds.Capture()
	if err != nil {
		return fatal(err)
	}
	if err := caller.RequireRootEffective(); err != nil {
		return fatal(err)
	}

	// Step 3: clear the environment.
	os.Clearenv()

	// Step 4: parse the site configuration and locate udi_mount_point.
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return fatal(err)
	}

	if manifest, err := udi.ReadManifest(cfg.UDIMountPoint); err == nil {
		checkImageSanity(manifest)
	} else {
		ulog.Warningf("no committed UDI manifest at %s: %v", cfg.UDIMountPoint, err)
	}

	// Step 5: record cwd, chdir to "/".
	savedCwd, err := os.Getwd()
	if err != nil {
		savedCwd = ""
	}
	if err := os.Chdir("/"); err != nil {
		return fatal(errors.Wrap(err, errors.ChrootFailed, "chdir / before chroot"))
	}

	// Step 6: chroot into the UDI.
	if err := unix.Chroot(cfg.UDIMountPoint); err != nil {
		return fatal(errors.Wrap(err, errors.ChrootFailed, "chroot(%s)", cfg.UDIMountPoint))
	}

	// Step 7: drop privilege permanently, groups then gid then uid.
	if err := priv.DropPermanently(caller.Target); err != nil {
		return fatal(err)
	}

	// Step 8: restore cwd if it exists inside the UDI, else /tmp, else /.
	restoreCwd(savedCwd)

	// Step 9: exec the caller's command with the original environment.
	return execCommand(args, snapshotEnv)
}

// checkImageSanity compares --image, when given, against the manifest
// C5 committed; a mismatch is logged but not fatal, since the manifest is
// the authoritative record (spec §3, UDI state on disk) and --image here is
// a caller-supplied cross-check, not a new source of truth.
func checkImageSanity(manifest *udi.CommitRecord) {
	if flagImage == "" {
		return
	}
	_, id, ok := strings.Cut(flagImage, ":")
	if !ok {
		id = flagImage
	}
	if manifest.ImageIdentifier != "" && id != manifest.ImageIdentifier {
		ulog.Warningf("--image %q does not match committed manifest image %q", flagImage, manifest.ImageIdentifier)
	}
}

func restoreCwd(savedCwd string) {
	if savedCwd != "" {
		if err := os.Chdir(savedCwd); err == nil {
			return
		}
	}
	if err := os.Chdir("/tmp"); err == nil {
		return
	}
	_ = os.Chdir("/")
}

func execCommand(args []string, env []string) error {
	path := args[0]
	if !strings.Contains(path, "/") {
		resolved, err := lookPath(path, env)
		if err != nil {
			return fatal(errors.Wrap(err, errors.ChrootFailed, "resolving %q in PATH", path))
		}
		path = resolved
	}
	if err := unix.Exec(path, args, env); err != nil {
		return fatal(errors.Wrap(err, errors.ChrootFailed, "execve(%s)", path))
	}
	return nil // unreachable on success
}

// lookPath searches PATH (taken from env, since the process environment was
// cleared in step 3) for name, relative to the new chroot root.
func lookPath(name string, env []string) (string, error) {
	pathVar := ""
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			pathVar = strings.TrimPrefix(kv, "PATH=")
			break
		}
	}
	if pathVar == "" {
		pathVar = "/usr/bin:/bin"
	}
	for _, dir := range strings.Split(pathVar, ":") {
		if dir == "" {
			dir = "."
		}
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
			return candidate, nil
		}
	}
	return "", errors.New(errors.ChrootFailed, "%q not found in PATH", name)
}

func fatal(err error) error {
	ulog.Errorf("shifter failed: %v", err)
	return err
}
