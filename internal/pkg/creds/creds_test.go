// Copyright (c) 2024, The Regents of the University of California,
// through Lawrence Berkeley National Laboratory. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package creds

import (
	"testing"

	shifterrors "github.com/nersc/shifter/internal/pkg/errors"
	"github.com/nersc/shifter/internal/pkg/priv"
)

func TestRequireRootEffectiveRejectsNonRootEffective(t *testing.T) {
	s := Snapshot{Target: priv.Identity{UID: 1000, GID: 1000}, EUID: 1000, EGID: 1000}
	if err := s.RequireRootEffective(); !shifterrors.Is(err, shifterrors.PrivilegeDropFailed) {
		t.Fatalf("RequireRootEffective() err = %v, want PrivilegeDropFailed", err)
	}
}

func TestRequireRootEffectiveRejectsZeroTarget(t *testing.T) {
	s := Snapshot{Target: priv.Identity{UID: 0, GID: 1000}, EUID: 0, EGID: 0}
	if err := s.RequireRootEffective(); !shifterrors.Is(err, shifterrors.PrivilegeDropFailed) {
		t.Fatalf("RequireRootEffective() err = %v, want PrivilegeDropFailed", err)
	}
}

func TestRequireRootEffectiveOK(t *testing.T) {
	s := Snapshot{Target: priv.Identity{UID: 1000, GID: 1000}, EUID: 0, EGID: 0}
	if err := s.RequireRootEffective(); err != nil {
		t.Fatalf("RequireRootEffective: %v", err)
	}
}

func TestCapture(t *testing.T) {
	s, err := Capture()
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if s.Target.UID < 0 {
		t.Fatalf("Capture() UID = %d", s.Target.UID)
	}
}
