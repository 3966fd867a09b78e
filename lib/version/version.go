// Copyright 2026 The Timebridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build identity for Timebridge binaries.
//
// Release builds pin the semantic version via -ldflags:
//
//	go build -ldflags "-X github.com/timebridge-io/timebridge/lib/version.Version=1.2.0"
//
// Commit and dirty-tree details come from the VCS stamp the Go
// toolchain embeds, so development builds need no flags at all.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Version is the semantic version, set via -ldflags for releases.
var Version = "0.1.0-dev"

// Short returns just the version number.
func Short() string {
	return Version
}

// Info returns a one-line version string suitable for --version
// output, for example "0.1.0-dev (a1b2c3d-dirty)".
func Info() string {
	commit, dirty := vcsStamp()
	if commit == "" {
		return Version
	}
	suffix := ""
	if dirty {
		suffix = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s)", Version, commit, suffix)
}

// Full returns Info plus toolchain and platform details on
// indented follow-up lines.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// vcsStamp reads the embedded build info for the commit revision,
// shortened to 12 characters, and the dirty-tree flag. Returns an
// empty commit when the binary was built outside a checkout.
func vcsStamp() (commit string, dirty bool) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "", false
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			commit = setting.Value
			if len(commit) > 12 {
				commit = commit[:12]
			}
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return commit, dirty
}
