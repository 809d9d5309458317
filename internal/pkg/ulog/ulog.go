// Copyright (c) 2024, The Regents of the University of California,
// through Lawrence Berkeley National Laboratory. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package ulog is the structured logging facade used across the core. It
// wraps apex/log with a small set of short-hand entry points in the style
// expected by a setuid helper: every call is synchronous, every message is
// prefixed with the level and, on a TTY, colorized.
package ulog

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/apex/log"
	"github.com/fatih/color"
)

var (
	mu      sync.Mutex
	verbose = false
)

// handler renders apex/log entries the way a short-lived CLI helper wants
// them: one line on stderr, colorized by level when attached to a TTY.
type handler struct {
	w      io.Writer
	colors bool
}

func (h *handler) HandleLog(e *log.Entry) error {
	prefix := levelPrefix(e.Level)
	if h.colors {
		prefix = colorForLevel(e.Level).Sprint(prefix)
	}
	_, err := fmt.Fprintf(h.w, "%s %s\n", prefix, e.Message)
	return err
}

func levelPrefix(l log.Level) string {
	switch l {
	case log.DebugLevel:
		return "DEBUG:"
	case log.InfoLevel:
		return "INFO: "
	case log.WarnLevel:
		return "WARN: "
	case log.ErrorLevel:
		return "ERROR:"
	case log.FatalLevel:
		return "FATAL:"
	default:
		return "     :"
	}
}

func colorForLevel(l log.Level) *color.Color {
	switch l {
	case log.DebugLevel:
		return color.New(color.FgCyan)
	case log.WarnLevel:
		return color.New(color.FgYellow)
	case log.ErrorLevel, log.FatalLevel:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgWhite)
	}
}

func init() {
	h := &handler{w: os.Stderr, colors: color.NoColor == false}
	log.SetHandler(h)
	log.SetLevel(log.InfoLevel)
}

// SetVerbose toggles debug-level output. setupRoot/shifter/unsetupRoot all
// expose this as the "-d"/"verbose" CLI flag.
func SetVerbose(v bool) {
	mu.Lock()
	defer mu.Unlock()
	verbose = v
	if v {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}

// IsVerbose reports the current verbosity, used to build the "verbose-on" /
// "verbose-off" argv slot passed to the MPI/GPU activation scripts (§4.5
// step 8).
func IsVerbose() bool {
	mu.Lock()
	defer mu.Unlock()
	return verbose
}

func Debugf(format string, v ...interface{})   { log.Debugf(format, v...) }
func Verbosef(format string, v ...interface{}) { log.Debugf(format, v...) }
func Infof(format string, v ...interface{})    { log.Infof(format, v...) }
func Warningf(format string, v ...interface{}) { log.Warnf(format, v...) }
func Errorf(format string, v ...interface{})   { log.Errorf(format, v...) }

// Fatalf logs at error level and terminates the process with exit code 1.
// The core never recovers from a fatal condition (§7): launcher errors are
// fatal with no retry, and staging errors that reach this point have already
// run their best-effort teardown.
func Fatalf(format string, v ...interface{}) {
	log.Errorf(format, v...)
	os.Exit(1)
}
