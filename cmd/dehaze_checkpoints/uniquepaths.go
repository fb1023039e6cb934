// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"
	"slices"
	"strings"
)

// MinimalUniquePaths returns for each path the shortest label that tells it apart from the other paths:
// the single path component where it differs, "first...last" if it differs in several, or the base name
// if it doesn't differ at all.
func MinimalUniquePaths(paths ...string) []string {
	if len(paths) <= 1 {
		return slices.Clone(paths)
	}
	splitPaths := make([][]string, len(paths))
	for ii, path := range paths {
		splitPaths[ii] = strings.Split(filepath.Clean(path), string(filepath.Separator))
	}

	labels := make([]string, len(paths))
	for ii, components := range splitPaths {
		var diffIndexes []int
		for jj, other := range splitPaths {
			if ii == jj {
				continue
			}
			for kk := range min(len(components), len(other)) {
				if components[kk] != other[kk] && !slices.Contains(diffIndexes, kk) {
					diffIndexes = append(diffIndexes, kk)
				}
			}
		}
		slices.Sort(diffIndexes)
		switch len(diffIndexes) {
		case 0:
			labels[ii] = components[len(components)-1]
		case 1:
			labels[ii] = components[diffIndexes[0]]
		default:
			labels[ii] = components[diffIndexes[0]] + "..." + components[diffIndexes[len(diffIndexes)-1]]
		}
	}
	return labels
}
