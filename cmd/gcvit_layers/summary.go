// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// scopeCounts is the number of variables, parameters and bytes under a scope.
type scopeCounts struct {
	variables, parameters int
	memory                uintptr
}

func countScope(ctx *context.Context, scope string) (counts scopeCounts) {
	ctx.InAbsPath(scope).EnumerateVariablesInScope(func(v *context.Variable) {
		counts.variables++
		counts.parameters += v.Shape().Size()
		counts.memory += v.Shape().Memory()
	})
	return
}

// Summary prints the parameter counts per layer, and the total.
func Summary(ctx *context.Context) {
	fmt.Println(titleStyle.Render("Summary"))
	table := newPlainTable(lipgloss.Left, lipgloss.Right)
	table.Headers("Scope", "# variables", "# parameters", "# bytes")
	var total scopeCounts
	for _, scope := range []string{patchEmbedScope, localAttentionScope, globalAttentionScope} {
		counts := countScope(ctx, context.ScopeSeparator+scope)
		total.variables += counts.variables
		total.parameters += counts.parameters
		total.memory += counts.memory
		table.Row(scope, humanize.Comma(int64(counts.variables)), humanize.Comma(int64(counts.parameters)),
			humanize.Bytes(uint64(counts.memory)))
	}
	table.Row("total", humanize.Comma(int64(total.variables)), humanize.Comma(int64(total.parameters)),
		humanize.Bytes(uint64(total.memory)))
	fmt.Println(table.Render())
}

// Shapes prints the shape of every stage of the pipeline.
func Shapes(names []string, outputs []*tensors.Tensor) {
	fmt.Println(titleStyle.Render("Shapes"))
	table := newPlainTable(lipgloss.Left)
	table.Headers("Stage", "Shape", "Bytes")
	for ii, name := range names {
		shape := outputs[ii].Shape()
		table.Row(name, shape.String(), humanize.Bytes(uint64(shape.Memory())))
	}
	fmt.Println(table.Render())
}
