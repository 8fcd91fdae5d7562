// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package windowattention

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"k8s.io/klog/v2"

	"github.com/gomlx/gcvit/pkg/ml/layers/relpos"
)

// This file holds the parts shared by WindowAttention and WindowAttentionGlobal: the learned
// parameters and the attention core that runs once queries, keys and values are split in heads.

const (
	// WeightsVariableName and BiasesVariableName are the names of the projection variables,
	// created in the InputScope and OutputScope sub-scopes of the layer.
	WeightsVariableName = "weights"
	BiasesVariableName  = "biases"

	// InputScope holds the input projection of both layers, as the Keras GCViT weights name it.
	// For WindowAttentionGlobal it only projects keys and values.
	InputScope = "qkv"

	// OutputScope holds the output projection.
	OutputScope = "proj"
)

// Projection is an affine projection of the last axis: x·Weights + Biases.
type Projection struct {
	// Weights is shaped [inputDim, outputDim].
	Weights *context.Variable

	// Biases is shaped [outputDim], or nil if the projection has no bias.
	Biases *context.Variable
}

// newProjection creates (or reuses) the projection variables in the current scope of ctx.
// Weights use the context initializer, biases are initialized with zeros.
func newProjection(ctx *context.Context, inputShape shapes.Shape, outputDim int, useBias bool) *Projection {
	inputDim := inputShape.Dimensions[inputShape.Rank()-1]
	p := &Projection{
		Weights: ctx.VariableWithShape(WeightsVariableName, shapes.Make(inputShape.DType, inputDim, outputDim)),
	}
	if useBias {
		p.Biases = ctx.WithInitializer(initializers.Zero).
			VariableWithShape(BiasesVariableName, shapes.Make(inputShape.DType, outputDim))
	}
	return p
}

// Apply projects x shaped [batch, tokens, inputDim] to [batch, tokens, outputDim].
func (p *Projection) Apply(x *Node) *Node {
	g := x.Graph()
	y := Einsum("bni,io->bno", x, p.Weights.ValueGraph(g))
	if p.Biases != nil {
		y = Add(y, ExpandLeftToRank(p.Biases.ValueGraph(g), y.Rank()))
	}
	return y
}

// Params holds the learned parameters of one window attention layer, created by Build.
type Params struct {
	// Dim is the channel dimension C of the inputs, and HeadDim = Dim / NumHeads.
	Dim, HeadDim int

	// Scale is the factor applied to the queries before the dot-product with the keys.
	Scale float64

	// Input projects the tokens to the queries, keys and values (width 3C) for WindowAttention,
	// or to the keys and values only (width 2C) for WindowAttentionGlobal.
	Input *Projection

	// Bias is the relative position bias added to the attention logits.
	Bias *relpos.Bias

	// Output is the final projection, from C to C.
	Output *Projection
}

// checkTokens panics if x is not shaped [B_, N, C].
func checkTokens(name string, x *Node) (batch, numTokens, dim int) {
	if x.Rank() != 3 {
		exceptions.Panicf("%s: input must be shaped [batch*numWindows, numTokens, channels], got %s", name, x.Shape())
	}
	dims := x.Shape().Dimensions
	return dims[0], dims[1], dims[2]
}

// buildParams materializes the parameters of a layer whose input projection produces numProjected
// of the (query, key, value) triple.
func buildParams(ctx *context.Context, name string, cfg Config, inputShape shapes.Shape, numProjected int) *Params {
	if inputShape.Rank() != 3 {
		exceptions.Panicf("%s: input must be shaped [batch*numWindows, numTokens, channels], got %s", name, inputShape)
	}
	if !inputShape.DType.IsFloat() {
		exceptions.Panicf("%s: input must be a float tensor, got %s", name, inputShape)
	}
	dim := inputShape.Dimensions[2]
	if dim%cfg.NumHeads != 0 {
		exceptions.Panicf("%s: channels dimension %d is not divisible by num_heads=%d", name, dim, cfg.NumHeads)
	}
	headDim := dim / cfg.NumHeads
	p := &Params{
		Dim:     dim,
		HeadDim: headDim,
		Scale:   cfg.Scale(headDim),
		Input:   newProjection(ctx.In(InputScope), inputShape, numProjected*dim, cfg.QKVBias),
		Bias:    relpos.New(ctx, cfg.WindowSize, cfg.NumHeads, inputShape.DType),
		Output:  newProjection(ctx.In(OutputScope), inputShape, dim, true),
	}
	klog.V(1).Infof("%s: scope %q, input %s, window %d, %d heads of dim %d, scale %g",
		name, ctx.Scope(), inputShape, cfg.WindowSize, cfg.NumHeads, headDim, p.Scale)
	return p
}

// checkParams panics if x has a different channel dimension than the one params were built for.
func checkParams(name string, p *Params, dim int) {
	if p == nil {
		exceptions.Panicf("%s: nil params, call Build first", name)
	}
	if dim != p.Dim {
		exceptions.Panicf("%s: params were built for %d channels, but input has %d", name, p.Dim, dim)
	}
}

// splitProjected splits projected tokens shaped [B_, N, k*C] into k tensors shaped
// [B_, numHeads, N, headDim], in the order they were laid out by the projection.
func splitProjected(projected *Node, k, numHeads int) []*Node {
	dims := projected.Shape().Dimensions
	batch, numTokens := dims[0], dims[1]
	headDim := dims[2] / (k * numHeads)
	projected = Reshape(projected, batch, numTokens, k, numHeads, headDim)
	projected = TransposeAllDims(projected, 2, 0, 3, 1, 4) // [k, B_, numHeads, N, headDim]
	parts := make([]*Node, k)
	for ii := range k {
		parts[ii] = Squeeze(Slice(projected, AxisElem(ii)), 0)
	}
	return parts
}

// splitHeads reshapes x shaped [B_, N, C] to [B_, numHeads, N, C/numHeads].
func splitHeads(x *Node, numHeads int) *Node {
	return splitProjected(x, 1, numHeads)[0]
}

// attend runs the attention core on queries, keys and values shaped [B_, numHeads, N, headDim]:
// scaled dot-product, relative position bias, softmax and dropout, weighted sum of the values,
// merge of the heads and output projection with its dropout.
//
// It returns the output shaped [B_, N, C] and the attention coefficients shaped [B_, numHeads, N, N],
// taken after the softmax and before dropout.
func attend(ctx *context.Context, cfg Config, p *Params, query, key, value *Node) (output, coefficients *Node) {
	g := query.Graph()
	dims := query.Shape().Dimensions
	batch, numTokens := dims[0], dims[2]

	query = MulScalar(query, p.Scale)
	logits := Einsum("bhqd,bhkd->bhqk", query, key)
	logits = p.Bias.AddTo(logits)
	coefficients = Softmax(logits, -1)

	attention := coefficients
	if cfg.AttnDropout > 0 {
		attention = layers.Dropout(ctx.In("attn_dropout"), attention, Scalar(g, attention.DType(), cfg.AttnDropout))
	}
	output = Einsum("bhqk,bhkd->bhqd", attention, value)
	output = TransposeAllDims(output, 0, 2, 1, 3) // [B_, N, numHeads, headDim]
	output = Reshape(output, batch, numTokens, p.Dim)
	output = p.Output.Apply(output)
	if cfg.ProjDropout > 0 {
		output = layers.Dropout(ctx.In("proj_dropout"), output, Scalar(g, output.DType(), cfg.ProjDropout))
	}
	return
}
