// Copyright (c) 2024, The Regents of the University of California,
// through Lawrence Berkeley National Laboratory. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package teardown

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRunIdempotentOnPlainDirectory(t *testing.T) {
	dir := t.TempDir()
	mountPoint := filepath.Join(dir, "udi")
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		t.Fatal(err)
	}

	if err := Run(mountPoint); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(mountPoint); !os.IsNotExist(err) {
		t.Fatalf("mountPoint still present after Run: %v", err)
	}

	if err := Run(mountPoint); err != nil {
		t.Fatalf("second Run on already-absent mount point: %v", err)
	}
}

func TestReadCommitRecordMissingFile(t *testing.T) {
	rec := readCommitRecord(filepath.Join(t.TempDir(), "nope.json"))
	if len(rec.CacheFiles) != 0 {
		t.Fatalf("readCommitRecord() = %+v, want zero value", rec)
	}
}

func TestReadCommitRecordParsesCacheFiles(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "shifterConfig.json")
	if err := os.WriteFile(p, []byte(`{"cache_files":["/tmp/a.img","/tmp/b.img"]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	rec := readCommitRecord(p)
	if len(rec.CacheFiles) != 2 {
		t.Fatalf("readCommitRecord() = %+v, want 2 cache files", rec)
	}
}
