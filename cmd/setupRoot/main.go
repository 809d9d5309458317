// Copyright (c) 2024, The Regents of the University of California,
// through Lawrence Berkeley National Laboratory. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Command setupRoot is the C5 entry point (spec §4.5, §6): it builds the
// UDI at the site's configured mount point and commits var/shifterConfig.json
// on success. Exit 0 means Committed. A failure before or during staging
// exits non-zero with nothing left mounted (staging failures are rolled
// back); a failure writing the manifest itself exits non-zero with the
// staged tree still mounted, and unsetupRoot is then needed to clear it.
package main

import (
	"context"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/nersc/shifter/internal/pkg/buildcfg"
	"github.com/nersc/shifter/internal/pkg/errors"
	"github.com/nersc/shifter/internal/pkg/gateway"
	"github.com/nersc/shifter/internal/pkg/lock"
	"github.com/nersc/shifter/internal/pkg/priv"
	"github.com/nersc/shifter/internal/pkg/teardown"
	"github.com/nersc/shifter/internal/pkg/udi"
	"github.com/nersc/shifter/internal/pkg/ulog"
	"github.com/nersc/shifter/pkg/config"
	"github.com/nersc/shifter/pkg/image"
)

var (
	flagConfigPath string
	flagUsername   string
	flagUID        int
	flagGID        int
	flagSSHPubKey  string
	flagNodeSpec   string
	flagVolumes    []string
	flagVerbose    bool
)

func main() {
	root := &cobra.Command{
		Use:           "setupRoot [flags] <image-type> <image-identifier>",
		Short:         "Build the user-defined image for a job on this node",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	flags := root.Flags()
	flags.StringVarP(&flagConfigPath, "config", "c", buildcfg.ConfigPath, "path to the site configuration file")
	flags.StringVarP(&flagUsername, "user", "u", "", "username to stage into the UDI's identity overlay")
	flags.IntVarP(&flagUID, "uid", "U", 0, "target uid")
	flags.IntVarP(&flagGID, "gid", "G", 0, "target gid")
	flags.StringVarP(&flagSSHPubKey, "ssh", "s", "", "ssh public key to stage for the target user")
	flags.StringVarP(&flagNodeSpec, "nodes", "N", "", "space-separated host/tasks_per_node tokens")
	flags.StringArrayVarP(&flagVolumes, "volume", "v", nil, "user volume mapping, repeatable")
	flags.BoolVarP(&flagVerbose, "verbose", "d", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	ulog.SetVerbose(flagVerbose)

	if os.Geteuid() != 0 {
		ulog.Fatalf("setupRoot must run with effective uid 0")
	}

	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return fail(err)
	}

	l, err := lock.TryAcquire(cfg.UDIMountPoint)
	if err != nil {
		return fail(err)
	}
	defer l.Release()

	req := udi.Request{
		ImageType:       image.Type(args[0]),
		ImageIdentifier: args[1],
		Username:        flagUsername,
		UID:             flagUID,
		GID:             flagGID,
		SSHPubKey:       flagSSHPubKey,
		NodeSpec:        flagNodeSpec,
		VolumeSpecs:     flagVolumes,
	}

	resolver := gateway.New(cfg.ImageGatewayURLList)

	// The mount/chroot-adjacent work udi.Run performs is the privileged
	// section this setuid binary exists for; make that explicit around the
	// call rather than relying on ambient euid 0 for the whole process.
	dropPriv, err := priv.EscalateRealEffective()
	if err != nil {
		return fail(err)
	}
	result, err := udi.Run(context.Background(), cfg, req, resolver, hostLookup, teardown.Run)
	if dropErr := dropPriv(); dropErr != nil {
		ulog.Errorf("setupRoot: failed to drop escalated privilege: %v", dropErr)
	}
	if err != nil {
		return fail(err)
	}

	ulog.Infof("setupRoot committed %s for uid=%d", result.MountPoint, req.UID)
	return nil
}

// hostLookup resolves a node-spec hostname to the address written into
// /etc/hosts (spec §4.5 step 5). A lookup failure for any one host fails
// the whole /etc/hosts build, and with it the setupRoot run.
func hostLookup(host string) (string, error) {
	addrs, err := net.LookupHost(host)
	if err != nil || len(addrs) == 0 {
		return "", errors.Wrap(err, errors.InvalidNodeSpec, "resolving node-spec host %q", host)
	}
	return addrs[0], nil
}

func fail(err error) error {
	ulog.Errorf("setupRoot failed: %v", err)
	return err
}
