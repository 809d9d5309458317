// Copyright (c) 2024, The Regents of the University of California,
// through Lawrence Berkeley National Laboratory. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package image implements the image-manifest reader (spec §4.4): resolving
// a user-supplied (type, identifier) descriptor to a manifest record and
// enforcing its ACLs. Manifest records embed an OCI image-spec
// ImageConfig, the same shape the gateway itself serves, rather than a
// bespoke entrypoint/workdir/env trio.
package image

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	specsv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/nersc/shifter/internal/pkg/errors"
)

// Type is the image descriptor's source discriminator (spec §3).
type Type string

const (
	TypeDocker  Type = "docker"
	TypeCustom  Type = "custom"
	TypeID      Type = "id"
	TypeLocal   Type = "local"
	TypeScratch Type = "scratch"
)

// Descriptor is the user-supplied (type, identifier) pair before
// resolution.
type Descriptor struct {
	Type       Type
	Identifier string
}

// Manifest is the resolved image record (spec §3, §4.4): entrypoint,
// workdir and env travel inside the embedded OCI ImageConfig so the
// gateway's own manifest shape can be read without translation.
type Manifest struct {
	Identifier    string              `json:"identifier"`
	Config        specsv1.ImageConfig `json:"config"`
	UserACL       []int               `json:"user_acl,omitempty"`
	GroupACL      []int               `json:"group_acl,omitempty"`
	Status        string              `json:"status,omitempty"`
	LastPullEpoch int64               `json:"last_pull_epoch,omitempty"`
	TagList       []string            `json:"tag_list,omitempty"`
}

// GatewayResolver resolves a docker/custom image reference to a
// content-addressed identifier. The gateway's wire protocol is out of
// scope for this package (spec §1) — callers inject whatever client
// implements this interface.
type GatewayResolver interface {
	Resolve(ctx context.Context, imageType Type, identifier string) (id string, err error)
}

// Load resolves descriptor against resolver (for docker/custom types) and
// reads the resulting manifest from imageBasePath/<id>/shifter_imagemanifest.json.
// For type=local, identifier is used directly as a filesystem path and is
// only accepted when allowLocalChroot is true.
func Load(ctx context.Context, d Descriptor, imageBasePath string, allowLocalChroot bool, resolver GatewayResolver) (*Manifest, error) {
	switch d.Type {
	case TypeDocker, TypeCustom:
		if resolver == nil {
			return nil, errors.New(errors.InvalidImageDescriptor, "no gateway resolver configured for image type %q", d.Type)
		}
		id, err := resolver.Resolve(ctx, d.Type, d.Identifier)
		if err != nil {
			return nil, errors.Wrap(err, errors.InvalidImageDescriptor, "resolving %s:%s", d.Type, d.Identifier)
		}
		return readManifest(imageBasePath, id)
	case TypeID:
		return readManifest(imageBasePath, d.Identifier)
	case TypeLocal:
		if !allowLocalChroot {
			return nil, errors.New(errors.InvalidImageDescriptor, "local chroot images are disabled by site configuration")
		}
		return &Manifest{Identifier: d.Identifier}, nil
	case TypeScratch:
		return &Manifest{Identifier: ""}, nil
	default:
		return nil, errors.New(errors.InvalidImageDescriptor, "unknown image type %q", d.Type)
	}
}

func readManifest(imageBasePath, id string) (*Manifest, error) {
	path := filepath.Join(imageBasePath, id, "shifter_imagemanifest.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.InvalidImageDescriptor, "reading manifest for image %q", id)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrap(err, errors.InvalidImageDescriptor, "parsing manifest for image %q", id)
	}
	if m.Identifier == "" {
		m.Identifier = id
	}
	return &m, nil
}

// RootFSPath returns the path to the image's extracted root filesystem,
// relative to imageBasePath, for image types the gateway stages on disk
// (spec §4.5 step 4).
func RootFSPath(imageBasePath string, m *Manifest) string {
	return filepath.Join(imageBasePath, m.Identifier, "rootfs")
}

// CheckACL enforces spec §4.4's ACL rule: empty ACL lists mean "no
// restriction"; otherwise uid or gid must appear in the corresponding
// list.
func CheckACL(m *Manifest, uid, gid int) error {
	if len(m.UserACL) > 0 && !containsInt(m.UserACL, uid) {
		return errors.New(errors.AclDenied, "uid %d is not in the image's user ACL", uid)
	}
	if len(m.GroupACL) > 0 && !containsInt(m.GroupACL, gid) {
		return errors.New(errors.AclDenied, "gid %d is not in the image's group ACL", gid)
	}
	return nil
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
