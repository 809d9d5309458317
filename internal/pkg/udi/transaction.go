// Copyright (c) 2024, The Regents of the University of California,
// through Lawrence Berkeley National Laboratory. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package udi

import "github.com/nersc/shifter/internal/pkg/ulog"

// Transaction guards one setupRoot invocation's staging sequence (spec §9
// design note): every mount/write performed before Commit is called is
// undone on Rollback, which setupRoot calls via a deferred check unless
// Commit was reached first. Commit is called once the mount tree itself is
// fully staged, before the final manifest write (spec §4.5 step 9): a
// manifest-write failure at that point is fatal to the call but must leave
// the tree mounted for diagnosis rather than roll it back. Rollback is
// best-effort: it logs failures but never panics, since staging is already
// failing and the caller needs to exit with the original error.
type Transaction struct {
	mountPoint string
	committed  bool
	teardown   func(mountPoint string) error
}

// NewTransaction starts a staging transaction for mountPoint. teardown is
// the C7 best-effort unmount-and-clean routine, injected so this package
// does not import the teardown package directly (it is the other
// direction of the dependency per spec §2's data-flow table).
func NewTransaction(mountPoint string, teardown func(mountPoint string) error) *Transaction {
	return &Transaction{mountPoint: mountPoint, teardown: teardown}
}

// Commit marks the transaction successful; Rollback becomes a no-op.
func (t *Transaction) Commit() {
	t.committed = true
}

// Rollback tears the UDI back down if Commit was never called. Safe to
// call unconditionally from a defer.
func (t *Transaction) Rollback() {
	if t.committed {
		return
	}
	ulog.Warningf("setupRoot failed before commit; rolling back %s", t.mountPoint)
	if err := t.teardown(t.mountPoint); err != nil {
		ulog.Errorf("rollback of %s incomplete: %v", t.mountPoint, err)
	}
}
