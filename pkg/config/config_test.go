// Copyright (c) 2024, The Regents of the University of California,
// through Lawrence Berkeley National Laboratory. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package config

import (
	"os"
	"path/filepath"
	"testing"

	shifterrors "github.com/nersc/shifter/internal/pkg/errors"
)

func mustRootOwnedFile(t *testing.T, dir, name, content string, mode os.FileMode) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), mode); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestParseBasic(t *testing.T) {
	dir := t.TempDir()
	cfgPath := mustRootOwnedFile(t, dir, "shifter.conf", `
# sample config
udiMount=/var/udiMount
loopMount=/var/loopUdiMount
system=edison
batchType=slurm
allowLocalChroot=yes
siteFS=/scratch1:ro
siteFS=/scratch2
siteEnv=set:FOO=bar
imageGateway=https://gw1.example
imageGateway=https://gw2.example
`, 0o644)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.UDIMountPoint != "/var/udiMount" {
		t.Errorf("UDIMountPoint = %q", cfg.UDIMountPoint)
	}
	if !cfg.AllowLocalChroot {
		t.Errorf("AllowLocalChroot = false, want true")
	}
	if len(cfg.SiteFS) != 2 || cfg.SiteFS[0].Path != "/scratch1" || cfg.SiteFS[0].Flags[0] != "ro" {
		t.Errorf("SiteFS = %+v", cfg.SiteFS)
	}
	if len(cfg.SiteEnv) != 1 || cfg.SiteEnv[0].Action != "set" || cfg.SiteEnv[0].Name != "FOO" || cfg.SiteEnv[0].Value != "bar" {
		t.Errorf("SiteEnv = %+v", cfg.SiteEnv)
	}
	if len(cfg.ImageGatewayURLList) != 2 {
		t.Errorf("ImageGatewayURLList = %v", cfg.ImageGatewayURLList)
	}
	if cfg.RootFSType != "tmpfs" {
		t.Errorf("RootFSType default = %q, want tmpfs", cfg.RootFSType)
	}
}

func TestParseContinuationLine(t *testing.T) {
	dir := t.TempDir()
	cfgPath := mustRootOwnedFile(t, dir, "shifter.conf", "system=edison \\\n-prod\n", 0o644)
	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SystemIdentifier != "edison -prod" {
		t.Errorf("SystemIdentifier = %q, want %q", cfg.SystemIdentifier, "edison -prod")
	}
}

func TestParseUnknownKey(t *testing.T) {
	dir := t.TempDir()
	cfgPath := mustRootOwnedFile(t, dir, "shifter.conf", "bogusKey=1\n", 0o644)
	_, err := Load(cfgPath)
	if !shifterrors.Is(err, shifterrors.UnknownKey) {
		t.Fatalf("Load() err = %v, want UnknownKey", err)
	}
}

func TestValidatePathsRejectsWorldWritable(t *testing.T) {
	dir := t.TempDir()
	badDir := filepath.Join(dir, "etc")
	if err := os.Mkdir(badDir, 0o777); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(badDir, 0o777); err != nil {
		t.Fatal(err)
	}
	cfgPath := mustRootOwnedFile(t, dir, "shifter.conf", "etcPath="+badDir+"\n", 0o644)
	_, err := Load(cfgPath)
	if !shifterrors.Is(err, shifterrors.InsecureConfig) {
		t.Fatalf("Load() err = %v, want InsecureConfig", err)
	}
}
