// Copyright (c) 2024, The Regents of the University of California,
// through Lawrence Berkeley National Laboratory. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package volume

import (
	"reflect"
	"testing"

	shifterrors "github.com/nersc/shifter/internal/pkg/errors"
)

func TestParseBasicTwoEntries(t *testing.T) {
	m, err := Parse("/scratch:/data;/home:/home:ro", nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(m.Entries) != 2 {
		t.Fatalf("len(Entries) = %d, want 2", len(m.Entries))
	}
	if m.Entries[0].Source != "/scratch" || m.Entries[0].Destination != "/data" {
		t.Errorf("entry 0 = %+v", m.Entries[0])
	}
	if m.Entries[1].Source != "/home" || m.Entries[1].Destination != "/home" || !m.Entries[1].Flags.has(ReadOnly) {
		t.Errorf("entry 1 = %+v", m.Entries[1])
	}
}

func TestParseRejectsReservedDestination(t *testing.T) {
	_, err := Parse("/scratch:/etc", nil)
	if !shifterrors.Is(err, shifterrors.InvalidVolumeMap) {
		t.Fatalf("Parse() err = %v, want InvalidVolumeMap", err)
	}
}

func TestParseRejectsReservedDestinationPrefix(t *testing.T) {
	for _, dst := range []string{"/scratch:/etc/passwd", "/scratch:/proc/evil", "/scratch:/var/lib/x"} {
		_, err := Parse(dst, nil)
		if !shifterrors.Is(err, shifterrors.InvalidVolumeMap) {
			t.Fatalf("Parse(%q) err = %v, want InvalidVolumeMap", dst, err)
		}
	}
}

func TestParseRejectsSiteFSConflict(t *testing.T) {
	_, err := Parse("/home:/scratch1/sub", []string{"/scratch1"})
	if !shifterrors.Is(err, shifterrors.InvalidVolumeMap) {
		t.Fatalf("Parse() err = %v, want InvalidVolumeMap", err)
	}
}

func TestParseRejectsDuplicateDestination(t *testing.T) {
	_, err := Parse("/a:/data;/b:/data", nil)
	if !shifterrors.Is(err, shifterrors.InvalidVolumeMap) {
		t.Fatalf("Parse() err = %v, want InvalidVolumeMap", err)
	}
}

func TestParseRejectsDotDot(t *testing.T) {
	_, err := Parse("/a:/data/../etc", nil)
	if !shifterrors.Is(err, shifterrors.InvalidVolumeMap) {
		t.Fatalf("Parse() err = %v, want InvalidVolumeMap", err)
	}
}

func TestParsePerNodeCacheDoesNotTerminateEntry(t *testing.T) {
	m, err := Parse("/a:/data:perNodeCache=fs_type=xfs;size_bytes=10G;/b:/other", nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(m.Entries) != 2 {
		t.Fatalf("len(Entries) = %d, want 2, entries=%+v", len(m.Entries), m.Entries)
	}
	cache := m.Entries[0].Cache
	if cache.FSType != "xfs" {
		t.Errorf("Cache.FSType = %q, want xfs", cache.FSType)
	}
	wantBytes := int64(10 * 1000 * 1000 * 1000)
	if cache.SizeBytes != wantBytes {
		t.Errorf("Cache.SizeBytes = %d, want %d", cache.SizeBytes, wantBytes)
	}
	if m.Entries[1].Source != "/b" || m.Entries[1].Destination != "/other" {
		t.Errorf("entry 1 = %+v", m.Entries[1])
	}
}

func TestParseUnknownFlag(t *testing.T) {
	_, err := Parse("/a:/data:bogus", nil)
	if !shifterrors.Is(err, shifterrors.InvalidVolumeMap) {
		t.Fatalf("Parse() err = %v, want InvalidVolumeMap", err)
	}
}

func TestSignatureRoundTrip(t *testing.T) {
	m1, err := Parse("/scratch:/data:ro,rec;/home:/home", nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	m2, err := Parse(m1.Signature(), nil)
	if err != nil {
		t.Fatalf("Parse(Signature()): %v", err)
	}
	if !reflect.DeepEqual(m1, m2) {
		t.Fatalf("parse -> signature -> parse = %+v, want %+v", m2, m1)
	}
	if m1.Signature() != m2.Signature() {
		t.Fatalf("Signature mismatch: %q vs %q", m1.Signature(), m2.Signature())
	}
}

func TestCleanPathCollapsesSlashes(t *testing.T) {
	m, err := Parse("/a:/data//sub///", nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.Entries[0].Destination != "/data/sub" {
		t.Errorf("Destination = %q, want /data/sub", m.Entries[0].Destination)
	}
}

func TestParseEmptyInput(t *testing.T) {
	m, err := Parse("", nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(m.Entries) != 0 {
		t.Fatalf("len(Entries) = %d, want 0", len(m.Entries))
	}
}
