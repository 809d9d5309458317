// Copyright (c) 2024, The Regents of the University of California,
// through Lawrence Berkeley National Laboratory. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package nodespec parses the -N node-spec mini-format (spec §6): a
// space-separated list of "host/k" tokens, where k is a positive integer
// giving the number of task slots on that host. The identity overlay
// expands each token into k repeated lines when writing /etc/hosts.
package nodespec

import (
	"strconv"
	"strings"

	"github.com/nersc/shifter/internal/pkg/errors"
)

// Entry is one parsed host/slot-count token.
type Entry struct {
	Host  string
	Slots int
}

// Parse parses a node-spec string into its entries, in input order.
func Parse(spec string) ([]Entry, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	var entries []Entry
	for _, tok := range strings.Fields(spec) {
		host, slotsStr, ok := strings.Cut(tok, "/")
		if !ok || host == "" || slotsStr == "" {
			return nil, errors.New(errors.InvalidNodeSpec, "malformed node-spec token %q", tok)
		}
		slots, err := strconv.Atoi(slotsStr)
		if err != nil || slots <= 0 {
			return nil, errors.New(errors.InvalidNodeSpec, "node-spec token %q has a non-positive slot count", tok)
		}
		entries = append(entries, Entry{Host: host, Slots: slots})
	}
	return entries, nil
}

// ExpandHostsLines expands entries into the repeated "<ip> <host>" lines
// spec §4.5 step 5 requires: k lines per host/k token. ip is resolved by
// the caller's lookup function (setupRoot passes a DNS lookup of each
// host); the first lookup error is returned unchanged and no lines are.
func ExpandHostsLines(entries []Entry, lookup func(host string) (string, error)) ([]string, error) {
	var lines []string
	for _, e := range entries {
		ip, err := lookup(e.Host)
		if err != nil {
			return nil, err
		}
		for i := 0; i < e.Slots; i++ {
			lines = append(lines, ip+" "+e.Host)
		}
	}
	return lines, nil
}
