// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/dehaze/pkg/ml/train"
)

// Summary reports, per run, the checkpoint, step and the size of the variables in scope.
func Summary(runs []*Run, scope string) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("Summary") + "\n")
	table := newPlainTable(false, lipgloss.Right, lipgloss.Left)

	row := func(name string, value func(r *Run) string) {
		cells := make([]string, 0, len(runs)+1)
		cells = append(cells, name)
		for _, r := range runs {
			cells = append(cells, value(r))
		}
		table.Row(cells...)
	}
	if len(runs) > 1 {
		row("run", func(r *Run) string { return r.Label })
	}
	row("checkpoint", func(r *Run) string { return r.Checkpoint })
	row("run id", func(r *Run) string { return r.State.RunID })
	row("model", func(r *Run) string { return fmt.Sprintf("%v", r.State.Params[train.ParamModel]) })
	row("scope", func(*Run) string { return scope })
	row("global_step", func(r *Run) string { return humanize.Comma(int64(r.State.Step)) })
	row("# variables", func(r *Run) string { return humanize.Comma(int64(len(VariablesInScope(r.State, scope)))) })
	row("# parameters", func(r *Run) string { return humanize.Comma(int64(numElements(r, scope))) })
	row("# bytes", func(r *Run) string { return humanize.Bytes(uint64(8 * numElements(r, scope))) })
	sb.WriteString(table.Render() + "\n")
	return sb.String()
}

func numElements(r *Run, scope string) int {
	var size int
	for _, v := range VariablesInScope(r.State, scope) {
		size += v.Value.Size()
	}
	return size
}
