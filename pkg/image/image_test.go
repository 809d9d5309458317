// Copyright (c) 2024, The Regents of the University of California,
// through Lawrence Berkeley National Laboratory. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package image

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	shifterrors "github.com/nersc/shifter/internal/pkg/errors"
)

type fakeResolver struct {
	id  string
	err error
}

func (f fakeResolver) Resolve(ctx context.Context, t Type, identifier string) (string, error) {
	return f.id, f.err
}

func writeManifest(t *testing.T, base, id, content string) {
	t.Helper()
	dir := filepath.Join(base, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "shifter_imagemanifest.json"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadByID(t *testing.T) {
	base := t.TempDir()
	writeManifest(t, base, "abc123", `{"identifier":"abc123","config":{"Entrypoint":["/bin/sh"],"WorkingDir":"/app"}}`)

	m, err := Load(context.Background(), Descriptor{Type: TypeID, Identifier: "abc123"}, base, false, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Config.WorkingDir != "/app" {
		t.Errorf("WorkingDir = %q, want /app", m.Config.WorkingDir)
	}
	if len(m.Config.Entrypoint) != 1 || m.Config.Entrypoint[0] != "/bin/sh" {
		t.Errorf("Entrypoint = %v", m.Config.Entrypoint)
	}
}

func TestLoadDockerResolvesThroughGateway(t *testing.T) {
	base := t.TempDir()
	writeManifest(t, base, "resolved-id", `{"identifier":"resolved-id"}`)

	m, err := Load(context.Background(), Descriptor{Type: TypeDocker, Identifier: "ubuntu:latest"}, base, false, fakeResolver{id: "resolved-id"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Identifier != "resolved-id" {
		t.Errorf("Identifier = %q, want resolved-id", m.Identifier)
	}
}

func TestLoadLocalRequiresAllowLocalChroot(t *testing.T) {
	_, err := Load(context.Background(), Descriptor{Type: TypeLocal, Identifier: "/home/user/rootfs"}, "", false, nil)
	if !shifterrors.Is(err, shifterrors.InvalidImageDescriptor) {
		t.Fatalf("Load() err = %v, want InvalidImageDescriptor", err)
	}

	m, err := Load(context.Background(), Descriptor{Type: TypeLocal, Identifier: "/home/user/rootfs"}, "", true, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Identifier != "/home/user/rootfs" {
		t.Errorf("Identifier = %q", m.Identifier)
	}
}

func TestCheckACLEmptyAllowsAll(t *testing.T) {
	m := &Manifest{}
	if err := CheckACL(m, 1000, 1000); err != nil {
		t.Fatalf("CheckACL: %v", err)
	}
}

func TestCheckACLDeniesUnlisted(t *testing.T) {
	m := &Manifest{UserACL: []int{1001, 1002}}
	if err := CheckACL(m, 1000, 1000); !shifterrors.Is(err, shifterrors.AclDenied) {
		t.Fatalf("CheckACL() err = %v, want AclDenied", err)
	}
	if err := CheckACL(m, 1001, 1000); err != nil {
		t.Fatalf("CheckACL(listed uid): %v", err)
	}
}

func TestLoadUnknownType(t *testing.T) {
	_, err := Load(context.Background(), Descriptor{Type: "bogus"}, "", false, nil)
	if !shifterrors.Is(err, shifterrors.InvalidImageDescriptor) {
		t.Fatalf("Load() err = %v, want InvalidImageDescriptor", err)
	}
}
