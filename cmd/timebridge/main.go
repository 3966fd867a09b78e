// Copyright 2026 The Timebridge Authors
// SPDX-License-Identifier: Apache-2.0

// timebridge is the operator CLI for the Timebridge attendance
// system.
package main

import (
	"fmt"
	"os"

	"github.com/timebridge-io/timebridge/cmd/timebridge/commands"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	return commands.Root().Execute(os.Args[1:])
}
