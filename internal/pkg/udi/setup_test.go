// Copyright (c) 2024, The Regents of the University of California,
// through Lawrence Berkeley National Laboratory. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package udi

import (
	"reflect"
	"testing"

	"github.com/nersc/shifter/pkg/config"
	"github.com/nersc/shifter/pkg/volume"
)

func TestSiteFSPaths(t *testing.T) {
	cfg := &config.Config{SiteFS: []config.SiteFSEntry{{Path: "/scratch1"}, {Path: "/scratch2"}}}
	got := SiteFSPaths(cfg)
	want := []string{"/scratch1", "/scratch2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("SiteFSPaths() = %v, want %v", got, want)
	}
}

func TestFlagsFromStrings(t *testing.T) {
	f := flagsFromStrings([]string{"ro", "rec"})
	if f&volume.ReadOnly == 0 || f&volume.Recursive == 0 {
		t.Fatalf("flagsFromStrings() = %v, want ReadOnly|Recursive", f)
	}
}

func TestVolumeSignatures(t *testing.T) {
	m, err := volume.Parse("/a:/data:ro;/b:/other", nil)
	if err != nil {
		t.Fatalf("volume.Parse: %v", err)
	}
	sigs := volumeSignatures(m)
	if len(sigs) != 2 || sigs[0] != "/a:/data:ro" || sigs[1] != "/b:/other" {
		t.Fatalf("volumeSignatures() = %v", sigs)
	}
}
