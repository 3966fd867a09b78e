// Copyright 2026 The Timebridge Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"strings"

	flag "github.com/spf13/pflag"
)

// maxSuggestDistance bounds how far a typo may be from a defined name
// before we stay quiet rather than guess.
const maxSuggestDistance = 3

// suggestCommand returns the defined command name closest to unknown,
// or "" when nothing is close enough to be a plausible typo.
func suggestCommand(unknown string, commands []*Command) string {
	names := make([]string, 0, len(commands))
	for _, command := range commands {
		names = append(names, command.Name)
	}
	return nearest(unknown, names)
}

// suggestFlag inspects args for the first flag the set does not define
// and returns the closest defined flag name with a -- prefix, or ""
// when every flag is known or no close match exists.
func suggestFlag(args []string, flagSet *flag.FlagSet) string {
	var defined []string
	flagSet.VisitAll(func(f *flag.Flag) {
		defined = append(defined, f.Name)
	})

	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") {
			continue
		}
		name := strings.TrimLeft(arg, "-")
		if index := strings.IndexByte(name, '='); index >= 0 {
			name = name[:index]
		}
		known := false
		for _, candidate := range defined {
			if candidate == name {
				known = true
				break
			}
		}
		if known {
			continue
		}
		// First unrecognized flag decides the suggestion.
		if match := nearest(name, defined); match != "" {
			return "--" + match
		}
		return ""
	}
	return ""
}

// nearest picks the candidate within maxSuggestDistance edits of name,
// preferring earlier candidates on ties.
func nearest(name string, candidates []string) string {
	best := ""
	bestDistance := maxSuggestDistance + 1
	for _, candidate := range candidates {
		if distance := levenshtein(name, candidate); distance < bestDistance {
			bestDistance = distance
			best = candidate
		}
	}
	return best
}

// levenshtein computes the edit distance between two strings with two
// reused rows of the distance matrix.
func levenshtein(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	if len(a) > len(b) {
		a, b = b, a
	}

	previous := make([]int, len(a)+1)
	current := make([]int, len(a)+1)
	for i := range previous {
		previous[i] = i
	}

	for j := 1; j <= len(b); j++ {
		current[0] = j
		for i := 1; i <= len(a); i++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			current[i] = min(previous[i]+1, min(current[i-1]+1, previous[i-1]+cost))
		}
		previous, current = current, previous
	}

	return previous[len(a)]
}
