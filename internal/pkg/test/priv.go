// Copyright (c) 2024, The Regents of the University of California,
// through Lawrence Berkeley National Laboratory. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package test holds small helpers shared by the core's table-driven tests.
package test

import (
	"os"
	"testing"
)

// EnsurePrivilege skips t unless the test binary is running with effective
// uid 0. Mount/chroot/setresuid tests need real privilege and are only
// meaningful in CI containers or a root shell.
func EnsurePrivilege(t *testing.T) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("test requires root privilege")
	}
}

// DropPrivilege and ResetPrivilege are placeholders for tests that need to
// bracket a privilege-escalation round trip; on this target they are no-ops
// beyond the EnsurePrivilege skip, since the test process does not itself
// fork the setuid helpers under test.
func DropPrivilege(t *testing.T)  { t.Helper() }
func ResetPrivilege(t *testing.T) { t.Helper() }
