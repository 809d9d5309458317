// Copyright (c) 2024, The Regents of the University of California,
// through Lawrence Berkeley National Laboratory. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package volume implements the user volume-map parser (spec §4.3): the
// grammar "entries := entry (';' entry)*", "entry := src ':' dst
// (':' flags)?". It is grounded on the teacher's pkg/util/bind package —
// the same src:dst:option1,option2 splitting and map[string]*Option option
// representation — generalized to Shifter's semicolon-separated grammar,
// closed flag vocabulary, and nested perNodeCache sub-record.
package volume

import (
	"strings"

	"github.com/docker/go-units"
	"github.com/nersc/shifter/internal/pkg/errors"
)

// Flag is one bit of the flag-set bitmap attached to a volume entry
// (spec §3).
type Flag uint32

const (
	ReadOnly Flag = 1 << iota
	Recursive
	PerNodeCache
	Slave
	Private
	Overlay
)

var flagNames = []struct {
	flag Flag
	name string
}{
	{ReadOnly, "ro"},
	{Recursive, "rec"},
	{Slave, "slave"},
	{Private, "private"},
	{Overlay, "overlay"},
}

// PerNodeCacheAttrs holds the extra attributes a perNodeCache entry carries
// (spec §3): fs_type, size_bytes, block_size, method, unique_cache_name.
type PerNodeCacheAttrs struct {
	FSType          string
	SizeBytes       int64
	BlockSize       int64
	Method          string
	UniqueCacheName string
}

// Entry is one parsed volume-map entry (spec §3).
type Entry struct {
	Destination string
	Source      string
	Flags       Flag
	Cache       PerNodeCacheAttrs
}

func (f Flag) has(bit Flag) bool { return f&bit != 0 }

// Map is the ordered sequence of volume entries requested by a user. It
// holds only the entries; Parse validates each destination against the
// reserved paths and the site-fs paths it is given.
type Map struct {
	Entries []Entry
}

var reservedDestinations = map[string]bool{
	"/etc":  true,
	"/var":  true,
	"/proc": true,
	"/sys":  true,
	"/dev":  true,
	"/tmp":  true,
	"/":     true,
}

// reservedPrefixes holds the reserved destinations a volume must not be
// staged *under* either (spec §4.3: "must not equal or be prefixed by any
// reserved path"). "/" is deliberately excluded here and handled only by
// the exact-match check above: every absolute destination is "prefixed by"
// "/", so treating it as a prefix-reject would reject every volume.
var reservedPrefixes = []string{"/etc", "/var", "/proc", "/sys", "/dev", "/tmp"}

// Parse parses a volume-map spec string against the site-fs destinations
// already claimed (siteFSPaths), enforcing spec §4.3's validation order:
// canonicalize destination, reject reserved destinations, reject
// destinations already claimed by a site-fs prefix.
func Parse(input string, siteFSPaths []string) (*Map, error) {
	m := &Map{}
	if strings.TrimSpace(input) == "" {
		return m, nil
	}
	for _, raw := range splitEntries(input) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		entry, err := parseEntry(raw)
		if err != nil {
			return nil, err
		}
		if err := validateDestination(entry.Destination, m.Entries, siteFSPaths); err != nil {
			return nil, err
		}
		m.Entries = append(m.Entries, entry)
	}
	return m, nil
}

// splitEntries splits the top-level "entry ';' entry ';' ..." grammar,
// re-joining any segment that is actually a continuation of a preceding
// entry's "perNodeCache=k1=v1;k2=v2" clause rather than a new entry. A real
// entry always starts "src:dst..." — an '=' appearing before the first ':'
// marks a continuation instead (spec §3's grammar note on perNodeCache).
func splitEntries(s string) []string {
	raw := strings.Split(s, ";")
	var out []string
	for _, seg := range raw {
		if len(out) > 0 && isPerNodeCacheContinuation(seg) {
			out[len(out)-1] += ";" + seg
			continue
		}
		out = append(out, seg)
	}
	return out
}

func isPerNodeCacheContinuation(seg string) bool {
	eq := strings.IndexByte(seg, '=')
	if eq < 0 {
		return false
	}
	colon := strings.IndexByte(seg, ':')
	return colon < 0 || eq < colon
}

func parseEntry(raw string) (Entry, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) < 2 {
		return Entry{}, errors.New(errors.InvalidVolumeMap, "malformed volume entry %q: want src:dst[:flags]", raw)
	}
	entry := Entry{Source: parts[0], Destination: cleanPath(parts[1])}
	if entry.Source == "" {
		return Entry{}, errors.New(errors.InvalidVolumeMap, "empty source in volume entry %q", raw)
	}
	if entry.Destination == "" {
		return Entry{}, errors.New(errors.InvalidVolumeMap, "empty destination in volume entry %q", raw)
	}
	if len(parts) == 3 {
		flags, cache, err := parseFlags(parts[2])
		if err != nil {
			return Entry{}, errors.Wrap(err, errors.InvalidVolumeMap, "parsing flags of %q", raw)
		}
		entry.Flags = flags
		entry.Cache = cache
	}
	return entry, nil
}

func parseFlags(s string) (Flag, PerNodeCacheAttrs, error) {
	var flags Flag
	var cache PerNodeCacheAttrs
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if strings.HasPrefix(tok, "perNodeCache=") {
			flags |= PerNodeCache
			var err error
			cache, err = parsePerNodeCache(strings.TrimPrefix(tok, "perNodeCache="))
			if err != nil {
				return 0, cache, err
			}
			continue
		}
		matched := false
		for _, fn := range flagNames {
			if tok == fn.name {
				flags |= fn.flag
				matched = true
				break
			}
		}
		if !matched {
			return 0, cache, errors.New(errors.InvalidVolumeMap, "unknown volume flag %q", tok)
		}
	}
	return flags, cache, nil
}

// parsePerNodeCache parses the nested "k1=v1;k2=v2" attribute list carried
// by a perNodeCache flag. The semicolons here are internal to the flag
// clause and are handled by this dedicated sub-parser, not by the entry
// splitter.
func parsePerNodeCache(s string) (PerNodeCacheAttrs, error) {
	var attrs PerNodeCacheAttrs
	for _, kv := range strings.Split(s, ";") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			return attrs, errors.New(errors.InvalidVolumeMap, "malformed perNodeCache attribute %q", kv)
		}
		key, val := kv[:eq], kv[eq+1:]
		switch key {
		case "fs_type":
			attrs.FSType = val
		case "size_bytes", "size":
			n, err := units.RAMInBytes(val)
			if err != nil {
				return attrs, errors.Wrap(err, errors.InvalidVolumeMap, "perNodeCache size %q", val)
			}
			attrs.SizeBytes = n
		case "block_size":
			n, err := units.RAMInBytes(val)
			if err != nil {
				return attrs, errors.Wrap(err, errors.InvalidVolumeMap, "perNodeCache block_size %q", val)
			}
			attrs.BlockSize = n
		case "method":
			attrs.Method = val
		case "unique_cache_name":
			attrs.UniqueCacheName = val
		default:
			return attrs, errors.New(errors.InvalidVolumeMap, "unknown perNodeCache attribute %q", key)
		}
	}
	return attrs, nil
}

// cleanPath collapses repeated and trailing slashes (spec §8 scenario d).
func cleanPath(p string) string {
	if p == "" {
		return ""
	}
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	if p[0] != '/' {
		return strings.Join(out, "/")
	}
	return "/" + strings.Join(out, "/")
}

func hasDotDot(p string) bool {
	for _, s := range strings.Split(p, "/") {
		if s == ".." {
			return true
		}
	}
	return false
}

func validateDestination(dst string, existing []Entry, siteFSPaths []string) error {
	if hasDotDot(dst) {
		return errors.New(errors.InvalidVolumeMap, "destination %q must not contain '..'", dst)
	}
	if reservedDestinations[dst] {
		return errors.New(errors.InvalidVolumeMap, "destination %q is reserved", dst)
	}
	for _, reserved := range reservedPrefixes {
		if isPrefixPath(reserved, dst) {
			return errors.New(errors.InvalidVolumeMap, "destination %q is under reserved path %q", dst, reserved)
		}
	}
	for _, siteFS := range siteFSPaths {
		if isPrefixPath(siteFS, dst) {
			return errors.New(errors.InvalidVolumeMap, "destination %q conflicts with site-fs path %q", dst, siteFS)
		}
	}
	for _, e := range existing {
		if e.Destination == dst {
			return errors.New(errors.InvalidVolumeMap, "destination %q already claimed in this volume map", dst)
		}
	}
	return nil
}

func isPrefixPath(prefix, path string) bool {
	if prefix == path {
		return true
	}
	return strings.HasPrefix(path, strings.TrimSuffix(prefix, "/")+"/")
}

// Signature produces the deterministic cache-key/audit string described in
// spec §4.3: entries re-serialized in canonical flag order, in the map's
// current entry order.
func (m *Map) Signature() string {
	parts := make([]string, 0, len(m.Entries))
	for _, e := range m.Entries {
		parts = append(parts, e.signature())
	}
	return strings.Join(parts, ";")
}

func (e Entry) signature() string {
	var flagTokens []string
	for _, fn := range flagNames {
		if e.Flags.has(fn.flag) {
			flagTokens = append(flagTokens, fn.name)
		}
	}
	if e.Flags.has(PerNodeCache) {
		flagTokens = append(flagTokens, "perNodeCache="+e.Cache.signature())
	}
	base := e.Source + ":" + e.Destination
	if len(flagTokens) == 0 {
		return base
	}
	return base + ":" + strings.Join(flagTokens, ",")
}

func (c PerNodeCacheAttrs) signature() string {
	var parts []string
	if c.FSType != "" {
		parts = append(parts, "fs_type="+c.FSType)
	}
	if c.SizeBytes != 0 {
		parts = append(parts, "size_bytes="+units.BytesSize(float64(c.SizeBytes)))
	}
	if c.BlockSize != 0 {
		parts = append(parts, "block_size="+units.BytesSize(float64(c.BlockSize)))
	}
	if c.Method != "" {
		parts = append(parts, "method="+c.Method)
	}
	if c.UniqueCacheName != "" {
		parts = append(parts, "unique_cache_name="+c.UniqueCacheName)
	}
	return strings.Join(parts, ";")
}
