// Copyright (c) 2024, The Regents of the University of California,
// through Lawrence Berkeley National Laboratory. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package identity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTemplate(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "passwd")
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestBuildPasswdAppendsNewUser(t *testing.T) {
	p := writeTemplate(t, "root:x:0:0:root:/root:/bin/bash\n")
	out, err := BuildPasswd(p, User{Name: "alice", UID: 1000, GID: 1000, Home: "/home/alice"})
	if err != nil {
		t.Fatalf("BuildPasswd: %v", err)
	}
	if !strings.Contains(string(out), "alice:x:1000:1000") {
		t.Fatalf("BuildPasswd output missing alice entry: %s", out)
	}
	if !strings.Contains(string(out), "root:x:0:0") {
		t.Fatalf("BuildPasswd output dropped root entry: %s", out)
	}
}

func TestBuildPasswdReplacesExistingUID(t *testing.T) {
	p := writeTemplate(t, "alice:x:1000:1000:old:/old:/bin/sh\n")
	out, err := BuildPasswd(p, User{Name: "alice", UID: 1000, GID: 1000, Home: "/home/alice", Shell: "/bin/bash"})
	if err != nil {
		t.Fatalf("BuildPasswd: %v", err)
	}
	if strings.Count(string(out), "alice:") != 1 {
		t.Fatalf("BuildPasswd should replace, not duplicate: %s", out)
	}
	if !strings.Contains(string(out), "/home/alice:/bin/bash") {
		t.Fatalf("BuildPasswd did not update entry: %s", out)
	}
}

func TestBuildHostsExpandsNodeSpec(t *testing.T) {
	out, err := BuildHosts("nid001/2", func(host string) (string, error) { return "10.0.0.5", nil })
	if err != nil {
		t.Fatalf("BuildHosts: %v", err)
	}
	if strings.Count(string(out), "10.0.0.5 nid001") != 2 {
		t.Fatalf("BuildHosts() = %q, want 2 occurrences", out)
	}
	if !strings.Contains(string(out), "127.0.0.1 localhost") {
		t.Fatalf("BuildHosts() missing localhost line: %s", out)
	}
}

func TestBuildHostsEmptySpec(t *testing.T) {
	out, err := BuildHosts("", func(host string) (string, error) { return "", nil })
	if err != nil {
		t.Fatalf("BuildHosts: %v", err)
	}
	if strings.TrimSpace(string(out)) != "127.0.0.1 localhost" {
		t.Fatalf("BuildHosts(empty) = %q", out)
	}
}
