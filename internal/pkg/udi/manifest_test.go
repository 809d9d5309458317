// Copyright (c) 2024, The Regents of the University of California,
// through Lawrence Berkeley National Laboratory. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package udi

import (
	"testing"
)

func TestManifestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	if IsCommitted(dir) {
		t.Fatalf("IsCommitted() = true before write")
	}

	rec := CommitRecord{ImageIdentifier: "abc123", UID: 1000, GID: 1000, SiteFS: []string{"/scratch1"}}
	if err := WriteManifest(dir, rec); err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}
	if !IsCommitted(dir) {
		t.Fatalf("IsCommitted() = false after write")
	}

	got, err := ReadManifest(dir)
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if got.ImageIdentifier != "abc123" || got.UID != 1000 {
		t.Fatalf("ReadManifest() = %+v", got)
	}

	if err := RemoveManifest(dir); err != nil {
		t.Fatalf("RemoveManifest: %v", err)
	}
	if IsCommitted(dir) {
		t.Fatalf("IsCommitted() = true after remove")
	}
	if err := RemoveManifest(dir); err != nil {
		t.Fatalf("RemoveManifest on absent manifest: %v", err)
	}
}
