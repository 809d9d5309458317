// Copyright (c) 2024, The Regents of the University of California,
// through Lawrence Berkeley National Laboratory. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package udi

import (
	"os/exec"
	"path/filepath"

	"github.com/nersc/shifter/internal/pkg/errors"
	"github.com/nersc/shifter/internal/pkg/ulog"
	"github.com/nersc/shifter/pkg/config"
)

// emptySlot is the sentinel argv §4.5 step 8 requires in place of an
// omitted argument, since the activation scripts are plain shell and
// positional.
const emptySlot = ";"

func verboseFlag() string {
	if ulog.IsVerbose() {
		return "verbose-on"
	}
	return "verbose-off"
}

func orEmpty(s string) string {
	if s == "" {
		return emptySlot
	}
	return s
}

// RunMPIHook execs the MPI activation script with the fixed argv contract
// spec §4.5 step 8 specifies. Treated as an opaque external program, like
// every site-provided activation hook (spec §1).
func RunMPIHook(cfg *config.Config, udiMountPoint string) error {
	if !cfg.MPISupport.Enabled {
		return nil
	}
	script := filepath.Join(cfg.UDIRootPath, "bin", "activate_mpi_support.sh")
	args := []string{
		script,
		udiMountPoint,
		orEmpty(cfg.SiteResources),
		orEmpty(cfg.MPISupport.SharedLibsPath),
		orEmpty(cfg.MPISupport.DependencyLibsPath),
		verboseFlag(),
	}
	return runHook("mpi", "/bin/bash", args)
}

// RunGPUHook execs the GPU activation script with the fixed argv contract
// spec §4.5 step 8 specifies.
func RunGPUHook(cfg *config.Config, udiMountPoint string, deviceIDs []string) error {
	if !cfg.GPUSupport.Enabled {
		return nil
	}
	script := filepath.Join(cfg.UDIRootPath, "bin", "activate_gpu_support.sh")
	args := []string{
		script,
		orEmpty(joinDeviceIDs(deviceIDs)),
		udiMountPoint,
		orEmpty(cfg.SiteResources),
		verboseFlag(),
	}
	return runHook("gpu", "/bin/bash", args)
}

func joinDeviceIDs(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += id
	}
	return out
}

func runHook(name, bin string, args []string) error {
	ulog.Infof("running %s hook: %s %v", name, bin, args)
	cmd := exec.Command(bin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		ulog.Errorf("%s hook output: %s", name, out)
		return errors.Wrap(err, errors.HookFailed, "%s activation script failed", name)
	}
	return nil
}
