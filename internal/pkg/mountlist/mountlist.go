// Copyright (c) 2024, The Regents of the University of California,
// through Lawrence Berkeley National Laboratory. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package mountlist implements the mount inventory (spec §4.2): an ordered,
// de-duplicated set of mount-point paths with an explicit sort-state tag,
// used by the UDI builder to avoid re-mounting a path it has already bound,
// and by teardown to unmount everything under a UDI in reverse order.
package mountlist

import (
	"sort"

	"github.com/moby/sys/mountinfo"
)

// SortState is the inventory's sort-state tag (spec §3).
type SortState int

const (
	Unsorted SortState = iota
	Forward
	Reverse
)

// InsertResult reports whether Insert actually added a new entry.
type InsertResult int

const (
	Added InsertResult = iota
	Duplicate
)

// List is the ordered, de-duplicated set of mount-point paths described in
// spec §3. The zero value is a valid, empty, Unsorted list.
type List struct {
	paths  []string
	sorted SortState
}

// New returns an empty mount inventory.
func New() *List {
	return &List{sorted: Unsorted}
}

// FromProc reads /proc/self/mounts (via moby/sys/mountinfo, which parses the
// same table the teacher's original MountList.c hand-rolled line-by-line)
// and returns an inventory populated with every distinct mount point. Per
// spec §5, this is a point-in-time snapshot: mounts added concurrently by
// another process are not guaranteed to be observed.
func FromProc() (*List, error) {
	infos, err := mountinfo.GetMounts(nil)
	if err != nil {
		return nil, err
	}
	l := New()
	for _, info := range infos {
		l.Insert(info.Mountpoint)
	}
	return l, nil
}

// Len returns the number of distinct mount points currently held.
func (l *List) Len() int { return len(l.paths) }

// Paths returns the inventory's current contents in its current order.
// The returned slice must not be mutated by the caller.
func (l *List) Paths() []string { return l.paths }

// SortState reports the inventory's current sort-state tag.
func (l *List) SortState() SortState { return l.sorted }

// Insert adds path to the inventory if it is not already present,
// maintaining the current sort order when one has been established.
// Duplicate inserts are rejected rather than silently ignored twice, so the
// caller can tell whether it actually issued a new physical mount.
func (l *List) Insert(path string) InsertResult {
	switch l.sorted {
	case Unsorted:
		for _, p := range l.paths {
			if p == path {
				return Duplicate
			}
		}
		l.paths = append(l.paths, path)
		return Added
	default:
		i, found := l.search(path)
		if found {
			return Duplicate
		}
		l.paths = append(l.paths, "")
		copy(l.paths[i+1:], l.paths[i:])
		l.paths[i] = path
		return Added
	}
}

// Remove deletes path from the inventory if present, compacting the
// backing slice in place so order is preserved and there is no gap left
// behind (spec §8 scenario a).
func (l *List) Remove(path string) bool {
	for i, p := range l.paths {
		if p == path {
			l.paths = append(l.paths[:i], l.paths[i+1:]...)
			return true
		}
	}
	return false
}

// Find reports whether path is present, using a binary search when the
// inventory is sorted and a linear scan otherwise.
func (l *List) Find(path string) bool {
	if l.sorted == Unsorted {
		for _, p := range l.paths {
			if p == path {
				return true
			}
		}
		return false
	}
	_, found := l.search(path)
	return found
}

// search performs a binary search assuming the inventory is sorted
// (Forward or Reverse) and returns the insertion index plus whether path
// was found exactly.
func (l *List) search(path string) (int, bool) {
	n := len(l.paths)
	var idx int
	if l.sorted == Reverse {
		idx = sort.Search(n, func(i int) bool { return l.paths[i] <= path })
	} else {
		idx = sort.Search(n, func(i int) bool { return l.paths[i] >= path })
	}
	if idx < n && l.paths[idx] == path {
		return idx, true
	}
	return idx, false
}

// FindStartsWith returns the entry that is the lexicographically smallest
// match for prefix under Forward order, or the largest under Reverse order
// (spec §4.2, §8 scenario b). It is documented as O(n): a correct answer
// under either sort order needs a linear scan of prefix matches followed by
// picking the extremal one, since a plain binary search for prefix bounds
// only tells you where equal-to-prefix values would sit, not where
// prefix-having values start.
func (l *List) FindStartsWith(prefix string) (string, bool) {
	best := ""
	found := false
	for _, p := range l.paths {
		if !hasPrefix(p, prefix) {
			continue
		}
		if !found {
			best, found = p, true
			continue
		}
		if l.sorted == Reverse {
			if p > best {
				best = p
			}
		} else {
			if p < best {
				best = p
			}
		}
	}
	return best, found
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// Sort transitions the inventory to the requested order. From Unsorted this
// performs a full sort; between Forward and Reverse it reverses in place,
// which is cheaper than re-sorting and keeps sort(FORWARD) -> sort(REVERSE)
// -> sort(FORWARD) idempotent (spec §8 property 2).
//
// This resolves Open Question (i) from spec §9: the reverse comparator is
// selected exactly when order == Reverse, not by re-testing Forward against
// itself as the original source's two call sites appear to do.
func (l *List) Sort(order SortState) {
	if order != Forward && order != Reverse {
		return
	}
	if l.sorted == Unsorted {
		sort.Slice(l.paths, func(i, j int) bool {
			if order == Reverse {
				return l.paths[i] > l.paths[j]
			}
			return l.paths[i] < l.paths[j]
		})
		l.sorted = order
		return
	}
	if l.sorted != order {
		reverseInPlace(l.paths)
		l.sorted = order
	}
}

func reverseInPlace(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// WithPrefix returns, in the inventory's current order, every path that has
// prefix as a strict or non-strict path prefix. Used by teardown (spec
// §4.7) to select everything under udi_mount_point before reverse-unmounting.
func (l *List) WithPrefix(prefix string) []string {
	under := prefix
	if len(under) == 0 || under[len(under)-1] != '/' {
		under += "/"
	}
	var out []string
	for _, p := range l.paths {
		if p == prefix || hasPrefix(p, under) {
			out = append(out, p)
		}
	}
	return out
}
