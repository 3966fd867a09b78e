// Copyright 2026 The Timebridge Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestInfoStartsWithVersion(t *testing.T) {
	info := Info()
	if !strings.HasPrefix(info, Version) {
		t.Errorf("Info() = %q, want %q prefix", info, Version)
	}
	// Test binaries are built from a checkout, so the VCS stamp may or
	// may not be present. When it is, it rides in parentheses.
	if info != Version && !strings.Contains(info, "(") {
		t.Errorf("Info() = %q, want bare version or parenthesized commit", info)
	}
}

func TestFullIncludesPlatform(t *testing.T) {
	full := Full()
	for _, want := range []string{runtime.Version(), runtime.GOOS, runtime.GOARCH} {
		if !strings.Contains(full, want) {
			t.Errorf("Full() = %q, missing %q", full, want)
		}
	}
}
