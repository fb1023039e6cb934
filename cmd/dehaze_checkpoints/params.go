// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Params reports the scalar values saved with the checkpoints, one column per run.
// Values that differ across runs are highlighted.
func Params(runs []*Run) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("Hyperparameters") + "\n")
	table := newPlainTableWithReds(true)
	headers := []string{"Name", "Type"}
	if len(runs) == 1 {
		headers = append(headers, "Value")
	} else {
		for _, r := range runs {
			headers = append(headers, r.Label)
		}
	}
	table.Table.Headers(headers...)

	keys := make(map[string]bool)
	for _, r := range runs {
		for key := range r.State.Params {
			keys[key] = true
		}
	}
	for _, key := range slices.Sorted(maps.Keys(keys)) {
		row := make([]string, 2+len(runs))
		row[0] = key
		for ii, r := range runs {
			value, found := r.State.Params[key]
			if !found {
				continue
			}
			if row[1] == "" {
				row[1] = fmt.Sprintf("%T", value)
			}
			row[2+ii] = fmt.Sprintf("%v", value)
		}
		table.Row(!isAllEqual(row[2:]), row...)
	}
	sb.WriteString(table.Table.Render() + "\n")
	return sb.String()
}
