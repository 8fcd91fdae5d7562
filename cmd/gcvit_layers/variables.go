// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/janpfeifer/must"
)

// variableRows returns one row per variable of the context, sorted by scope and name, with its shape,
// size, memory and the MAV (mean absolute value), RMS (root-mean-square) and MaxAV (max absolute value)
// of its values.
func variableRows(backend backends.Backend, ctx *context.Context) [][]string {
	metricsFn := MustNewExec(backend, func(x *Node) (mav, rms, maxAV *Node) {
		x = ConvertDType(x, dtypes.Float64)
		mav = ReduceAllMean(Abs(x))
		rms = Sqrt(ReduceAllMean(Square(x)))
		maxAV = ReduceAllMax(Abs(x))
		return
	}).SetMaxCache(-1)

	var rows [][]string
	for v := range ctx.IterVariables() {
		shape := v.Shape()
		var mav, rms, maxAV string
		if shape.DType.IsFloat() {
			metrics := metricsFn.MustExec(must.M1(v.Value()))
			mav = fmt.Sprintf("%.3g", metrics[0].Value().(float64))
			rms = fmt.Sprintf("%.3g", metrics[1].Value().(float64))
			maxAV = fmt.Sprintf("%.3g", metrics[2].Value().(float64))
		}
		trainable := "no"
		if v.Trainable {
			trainable = "yes"
		}
		rows = append(rows, []string{
			v.Scope(), v.Name(), shape.String(), trainable,
			humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())),
			mav, rms, maxAV,
		})
	}
	slices.SortFunc(rows, func(a, b []string) int {
		if cmp := strings.Compare(a[0], b[0]); cmp != 0 {
			return cmp
		}
		return strings.Compare(a[1], b[1])
	})
	return rows
}

// ListVariables prints the variables of the context.
func ListVariables(backend backends.Backend, ctx *context.Context) {
	fmt.Println(titleStyle.Render("Variables"))
	table := newPlainTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Center, lipgloss.Right)
	table.Headers("Scope", "Name", "Shape", "Trainable", "Size", "Bytes", "MAV", "RMS", "MaxAV")
	for _, row := range variableRows(backend, ctx) {
		table.Row(row...)
	}
	fmt.Println(table.Render())
}
