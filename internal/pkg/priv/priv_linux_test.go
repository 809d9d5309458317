// Copyright (c) 2024, The Regents of the University of California,
// through Lawrence Berkeley National Laboratory. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package priv

import (
	"testing"

	"github.com/nersc/shifter/internal/pkg/test"
	"golang.org/x/sys/unix"
)

func TestEscalateRealEffective(t *testing.T) {
	test.EnsurePrivilege(t)
	test.DropPrivilege(t)
	defer test.ResetPrivilege(t)

	r, e, s := unix.Getresuid()
	if r == 0 || e == 0 {
		t.Fatalf("real / effective ID must be non-zero before escalation. Got r/e/s %d/%d/%d", r, e, s)
	}
	unprivUID := r

	drop, err := EscalateRealEffective()
	if err != nil {
		t.Fatal(err)
	}

	r, e, s = unix.Getresuid()
	t.Logf("escalated r/e/s: %d/%d/%d", r, e, s)
	if r != 0 || e != 0 || s != unprivUID {
		t.Fatalf("expected escalated r/e/s %d/%d/%d, got %d/%d/%d", 0, 0, unprivUID, r, e, s)
	}

	if err := drop(); err != nil {
		t.Fatal(err)
	}
}

func TestIdentityNormalize(t *testing.T) {
	id := Identity{UID: 1000, GID: 1000, Supplementary: []int{0, 27, 0, 100}}
	id.Normalize()
	want := []int{1000, 27, 1000, 100}
	for i, g := range want {
		if id.Supplementary[i] != g {
			t.Fatalf("Supplementary[%d] = %d, want %d", i, id.Supplementary[i], g)
		}
	}
}

func TestIdentityValidate(t *testing.T) {
	cases := []struct {
		name    string
		id      Identity
		wantErr bool
	}{
		{"ok", Identity{UID: 1000, GID: 1000}, false},
		{"root uid", Identity{UID: 0, GID: 1000}, true},
		{"root gid", Identity{UID: 1000, GID: 0}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.id.Validate()
			if (err != nil) != c.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, c.wantErr)
			}
		})
	}
}
