// Copyright (c) 2024, The Regents of the University of California,
// through Lawrence Berkeley National Laboratory. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Command unsetupRoot is the C7 entry point (spec §4.7, §6): it tears down
// the UDI mounted at the site's configured mount point. It takes no
// arguments and exits 0 once the mount point is back in the Absent state,
// including when it was already Absent (teardown is idempotent).
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/nersc/shifter/internal/pkg/buildcfg"
	"github.com/nersc/shifter/internal/pkg/lock"
	"github.com/nersc/shifter/internal/pkg/priv"
	"github.com/nersc/shifter/internal/pkg/teardown"
	"github.com/nersc/shifter/internal/pkg/ulog"
	"github.com/nersc/shifter/pkg/config"
)

var (
	flagConfigPath string
	flagVerbose    bool
)

func main() {
	root := &cobra.Command{
		Use:           "unsetupRoot",
		Short:         "Tear down the user-defined image on this node",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	flags := root.Flags()
	flags.StringVarP(&flagConfigPath, "config", "c", buildcfg.ConfigPath, "path to the site configuration file")
	flags.BoolVarP(&flagVerbose, "verbose", "d", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	ulog.SetVerbose(flagVerbose)

	if os.Geteuid() != 0 {
		ulog.Fatalf("unsetupRoot must run with effective uid 0")
	}

	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		ulog.Errorf("unsetupRoot failed: %v", err)
		return err
	}

	l, err := lock.TryAcquire(cfg.UDIMountPoint)
	if err != nil {
		ulog.Errorf("unsetupRoot failed: %v", err)
		return err
	}
	defer l.Release()

	// The unmount sequence teardown.Run performs is the privileged section
	// this setuid binary exists for; make that escalation explicit around
	// the call rather than relying on ambient euid 0 for the whole process.
	dropPriv, err := priv.EscalateRealEffective()
	if err != nil {
		ulog.Errorf("unsetupRoot failed: %v", err)
		return err
	}
	err = teardown.Run(cfg.UDIMountPoint)
	if dropErr := dropPriv(); dropErr != nil {
		ulog.Errorf("unsetupRoot: failed to drop escalated privilege: %v", dropErr)
	}
	if err != nil {
		ulog.Errorf("unsetupRoot failed: %v", err)
		return err
	}

	ulog.Infof("unsetupRoot left %s absent", cfg.UDIMountPoint)
	return nil
}
