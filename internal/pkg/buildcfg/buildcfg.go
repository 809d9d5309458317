// Copyright (c) 2024, The Regents of the University of California,
// through Lawrence Berkeley National Laboratory. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package buildcfg holds the handful of values a real distribution fixes at
// build time rather than at runtime — the teacher generates an equivalent
// internal/pkg/buildcfg from configure.ac; this one is a plain Go file since
// Shifter has no autoconf step, but the values play the same compiled-in
// role spec §6 describes for the configuration file location.
package buildcfg

// ConfigPath is the default location of the site configuration file
// consumed by pkg/config.Load (spec §6). Overridable per invocation with
// --config on every cmd/ binary, the way the teacher's SINGULARITY_CONFDIR
// build-time default is overridable with SINGULARITY_CONFIGFILE.
var ConfigPath = "/etc/shifter/udiRoot.conf"
