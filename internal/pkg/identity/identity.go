// Copyright (c) 2024, The Regents of the University of California,
// through Lawrence Berkeley National Laboratory. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package identity builds the UDI's /etc overlay (spec §4.5 step 5):
// passwd, group, nsswitch.conf and hosts, generated from templates under
// the site's etc_path plus the caller's -u/-U/-G/-s identity and node
// spec. The passwd rewrite is grounded on the teacher's
// internal/pkg/util/fs/files.Passwd: read the template file, parse each
// existing line with etcpwdparse, replace or append the caller's entry.
package identity

import (
	"fmt"
	"os"
	"strings"

	pwd "github.com/astromechza/etcpwdparse"

	"github.com/nersc/shifter/internal/pkg/errors"
	"github.com/nersc/shifter/internal/pkg/nodespec"
)

// User is the identity the UDI is being prepared for (spec §3,
// Credentials, as captured from -u/-U/-G/-s).
type User struct {
	Name      string
	UID       int
	GID       int
	Home      string
	Shell     string
	Gecos     string
	SSHPubKey string
}

// BuildPasswd reads the template passwd file at templatePath and returns
// its content with u's entry replacing (by uid) or appended to any
// existing line.
func BuildPasswd(templatePath string, u User) ([]byte, error) {
	raw, err := os.ReadFile(templatePath)
	if err != nil {
		return nil, errors.Wrap(err, errors.MountFailed, "reading passwd template %s", templatePath)
	}
	lines := splitNonEmptyLines(string(raw))

	home := u.Home
	if home == "" {
		home = "/"
	}
	shell := u.Shell
	if shell == "" {
		shell = "/bin/bash"
	}
	entry := fmt.Sprintf("%s:x:%d:%d:%s:%s:%s", u.Name, u.UID, u.GID, u.Gecos, home, shell)

	found := false
	for i, line := range lines {
		parsed, err := pwd.ParsePasswdLine(line)
		if err != nil {
			return nil, errors.Wrap(err, errors.MalformedConfig, "parsing passwd template line %q", line)
		}
		if parsed.Uid() == u.UID {
			lines[i] = entry
			found = true
			break
		}
	}
	if !found {
		lines = append(lines, entry)
	}
	return []byte(strings.Join(lines, "\n") + "\n"), nil
}

// BuildGroup reads the template group file and ensures u's primary group
// is present, appending a matching entry if it is not.
func BuildGroup(templatePath string, u User, groupName string) ([]byte, error) {
	raw, err := os.ReadFile(templatePath)
	if err != nil {
		return nil, errors.Wrap(err, errors.MountFailed, "reading group template %s", templatePath)
	}
	lines := splitNonEmptyLines(string(raw))

	if groupName == "" {
		groupName = u.Name
	}
	entry := fmt.Sprintf("%s:x:%d:", groupName, u.GID)

	found := false
	for _, line := range lines {
		fields := strings.SplitN(line, ":", 4)
		if len(fields) >= 3 && fields[2] == fmt.Sprintf("%d", u.GID) {
			found = true
			break
		}
	}
	if !found {
		lines = append(lines, entry)
	}
	return []byte(strings.Join(lines, "\n") + "\n"), nil
}

// BuildNsswitch copies the template nsswitch.conf verbatim; Shifter does
// not rewrite it, only stages it into the UDI.
func BuildNsswitch(templatePath string) ([]byte, error) {
	raw, err := os.ReadFile(templatePath)
	if err != nil {
		return nil, errors.Wrap(err, errors.MountFailed, "reading nsswitch template %s", templatePath)
	}
	return raw, nil
}

// BuildHosts expands a node-spec into /etc/hosts lines (spec §4.5 step 5,
// §6): "host/k" expands to k repeated "<ip> <host>" lines. lookup resolves
// a hostname to the address written for every one of its slots.
func BuildHosts(nodeSpecStr string, lookup func(host string) (string, error)) ([]byte, error) {
	entries, err := nodespec.Parse(nodeSpecStr)
	if err != nil {
		return nil, err
	}
	lines, err := nodespec.ExpandHostsLines(entries, lookup)
	if err != nil {
		return nil, err
	}
	lines = append([]string{"127.0.0.1 localhost"}, lines...)
	return []byte(strings.Join(lines, "\n") + "\n"), nil
}

func splitNonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
