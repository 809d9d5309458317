// Copyright (c) 2024, The Regents of the University of California,
// through Lawrence Berkeley National Laboratory. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package errors implements the core's error taxonomy (spec §7). Every
// failure that crosses a component boundary is wrapped in a *Error carrying
// a Kind, so CLI entry points can both print a short message and choose the
// right non-zero exit behavior, while internals can type-switch on Kind.
package errors

import (
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind enumerates the taxonomy from spec §7.
type Kind string

const (
	InsecureConfig        Kind = "InsecureConfig"
	UnknownKey            Kind = "UnknownKey"
	MalformedConfig       Kind = "MalformedConfig"
	InvalidVolumeMap      Kind = "InvalidVolumeMap"
	InvalidNodeSpec       Kind = "InvalidNodeSpec"
	InvalidImageDescriptor Kind = "InvalidImageDescriptor"
	AclDenied             Kind = "AclDenied"
	AlreadyCommitted      Kind = "AlreadyCommitted"
	MountFailed           Kind = "MountFailed"
	UnmountFailed         Kind = "UnmountFailed"
	HookFailed            Kind = "HookFailed"
	PrivilegeDropFailed   Kind = "PrivilegeDropFailed"
	ChrootFailed          Kind = "ChrootFailed"
)

// Error is the core's wrapped error type. It is always constructed through
// New or Wrap below so that Kind is never left empty.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New wraps msg (optionally formatted) with Kind and no underlying cause.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates cause with Kind and a message, attaching a pkg/errors
// stack trace to cause. Error() prints only the kind, message and cause
// text; the stack trace is not part of that output.
func Wrap(cause error, kind Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		cause:   pkgerrors.WithStack(cause),
	}
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
