// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package relpos implements the learned relative position bias used by window attention layers
// (Swin Transformer, GCViT).
//
// For a square window of edge W, every ordered pair of tokens (p, q) in the window has a 2D offset
// (Δrow, Δcol) = coord(p) - coord(q), with each component in [-(W-1), W-1]. There are (2W-1)² such
// offsets, and each one owns a row of a learned table of shape [(2W-1)², numHeads]. The bias added to
// the attention logit of the pair (p, q) for head h is table[Index(W)[p][q], h].
package relpos

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"k8s.io/klog/v2"

	"github.com/gomlx/gcvit/pkg/ml/initializer"
)

const (
	// TableVariableName is the name of the learned bias table variable, created in the scope of the layer.
	TableVariableName = "relative_position_bias_table"

	// TableInitStddev is the standard deviation of the truncated normal used to initialize the table.
	TableInitStddev = 0.02
)

// TableSize returns the number of distinct relative offsets in a windowSize x windowSize window,
// that is, the number of rows of the bias table.
func TableSize(windowSize int) int {
	side := 2*windowSize - 1
	return side * side
}

// Index returns the [W², W²] matrix mapping each pair of flattened (row-major) window positions
// to a row of the bias table:
//
//	Index[i][j] = (row_i - row_j + W - 1) * (2W - 1) + (col_i - col_j + W - 1)
//
// The diagonal always points to the zero offset row, (W-1)*(2W-1) + (W-1).
//
// It panics if windowSize <= 0.
func Index(windowSize int) [][]int32 {
	if windowSize <= 0 {
		exceptions.Panicf("relpos.Index: windowSize must be > 0, got %d", windowSize)
	}
	w := windowSize
	numTokens := w * w
	side := 2*w - 1
	index := make([][]int32, numTokens)
	for i := range numTokens {
		rowI, colI := i/w, i%w
		index[i] = make([]int32, numTokens)
		for j := range numTokens {
			rowJ, colJ := j/w, j%w
			index[i][j] = int32((rowI-rowJ+w-1)*side + (colI - colJ + w - 1))
		}
	}
	return index
}

// flatIndex returns Index(windowSize) flattened to [W⁴], in row-major order.
func flatIndex(windowSize int) []int32 {
	index := Index(windowSize)
	flat := make([]int32, 0, len(index)*len(index))
	for _, row := range index {
		flat = append(flat, row...)
	}
	return flat
}

// Bias is the relative position bias of one attention layer: the learned table plus the window
// geometry used to index it.
type Bias struct {
	WindowSize, NumHeads int

	// Table is the trainable variable, shaped [TableSize(WindowSize), NumHeads].
	Table *context.Variable
}

// New creates (or reuses, if the context is set to reuse) the bias table variable in the current
// scope of ctx, initialized with a truncated normal of stddev TableInitStddev.
//
// This is a graph building function and may panic: windowSize and numHeads must be > 0, and if the
// variable already exists it must have the same shape.
func New(ctx *context.Context, windowSize, numHeads int, dtype dtypes.DType) *Bias {
	if windowSize <= 0 || numHeads <= 0 {
		exceptions.Panicf("relpos.New: windowSize (%d) and numHeads (%d) must be > 0", windowSize, numHeads)
	}
	tableShape := shapes.Make(dtype, TableSize(windowSize), numHeads)
	table := ctx.WithInitializer(initializer.TruncatedNormal(ctx, TableInitStddev)).
		VariableWithShape(TableVariableName, tableShape)
	klog.V(2).Infof("relpos: scope %q window %dx%d, table %s", ctx.Scope(), windowSize, windowSize, tableShape)
	return &Bias{WindowSize: windowSize, NumHeads: numHeads, Table: table}
}

// Value returns the bias for every pair of window tokens, per head: shaped [NumHeads, W², W²].
func (b *Bias) Value(g *graph.Graph) *graph.Node {
	return Gather(b.Table.ValueGraph(g), b.WindowSize)
}

// AddTo adds the bias to the attention logits, shaped [batch, NumHeads, W², W²], broadcasting over
// the batch axis.
func (b *Bias) AddTo(logits *graph.Node) *graph.Node {
	return AddToLogits(logits, b.Value(logits.Graph()))
}

// Gather converts a bias table shaped [TableSize(windowSize), numHeads] to the per-pair bias
// shaped [numHeads, W², W²].
func Gather(table *graph.Node, windowSize int) *graph.Node {
	g := table.Graph()
	tableShape := table.Shape()
	if tableShape.Rank() != 2 || tableShape.Dimensions[0] != TableSize(windowSize) {
		exceptions.Panicf("relpos.Gather: table for window size %d must be shaped [%d, numHeads], got %s",
			windowSize, TableSize(windowSize), tableShape)
	}
	numHeads := tableShape.Dimensions[1]
	numTokens := windowSize * windowSize
	indices := graph.InsertAxes(graph.Const(g, flatIndex(windowSize)), -1) // [W⁴, 1]
	bias := graph.Gather(table, indices)                                  // [W⁴, numHeads]
	bias = graph.Reshape(bias, numTokens, numTokens, numHeads)
	return graph.TransposeAllDims(bias, 2, 0, 1)
}

// AddToLogits adds bias shaped [numHeads, N, N] to logits shaped [batch, numHeads, N, N].
// It panics if the shapes are not compatible: in particular if the number of tokens N of the
// logits doesn't match the window the bias was built for.
func AddToLogits(logits, bias *graph.Node) *graph.Node {
	logitsShape, biasShape := logits.Shape(), bias.Shape()
	if logitsShape.Rank() != 4 || biasShape.Rank() != 3 {
		exceptions.Panicf("relpos.AddToLogits: logits must be [batch, heads, N, N] and bias [heads, N, N], got %s and %s",
			logitsShape, biasShape)
	}
	for axis := range 3 {
		if logitsShape.Dimensions[axis+1] != biasShape.Dimensions[axis] {
			exceptions.Panicf("relpos.AddToLogits: logits %s incompatible with relative position bias %s "+
				"(number of tokens must be windowSize² and heads must match)", logitsShape, biasShape)
		}
	}
	if bias.DType() != logits.DType() {
		bias = graph.ConvertDType(bias, logits.DType())
	}
	return graph.Add(logits, graph.BroadcastPrefix(bias, logitsShape.Dimensions[0]))
}
