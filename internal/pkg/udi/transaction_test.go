// Copyright (c) 2024, The Regents of the University of California,
// through Lawrence Berkeley National Laboratory. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package udi

import "testing"

func TestTransactionRollbackCallsTeardownUnlessCommitted(t *testing.T) {
	called := false
	txn := NewTransaction("/tmp/udi", func(string) error {
		called = true
		return nil
	})
	txn.Rollback()
	if !called {
		t.Fatalf("Rollback did not invoke teardown")
	}
}

func TestTransactionCommitSuppressesRollback(t *testing.T) {
	called := false
	txn := NewTransaction("/tmp/udi", func(string) error {
		called = true
		return nil
	})
	txn.Commit()
	txn.Rollback()
	if called {
		t.Fatalf("Rollback invoked teardown after Commit")
	}
}
