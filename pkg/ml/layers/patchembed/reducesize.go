// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package patchembed

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"k8s.io/klog/v2"
)

// LayerNormEpsilon is the epsilon used by the layer normalizations of ReduceSize.
const LayerNormEpsilon = 1e-5

// ReduceSize halves the spatial dimensions of x, shaped [batch, height, width, channels]:
//
//	x = norm1(x)
//	x = x + conv1x1(SqueezeExcitation(gelu(depthwiseConv3x3(pad(x)))))
//	x = norm2(conv3x3Stride2(pad(x)))
//
// The output has the same channels if keepDim, or twice as many otherwise. Convolutions have no bias.
// Variables are created in sub-scopes of ctx: "norm1", "conv/depthwise", "conv/se", "conv/pointwise",
// "reduction" and "norm2".
func ReduceSize(ctx *context.Context, x *Node, keepDim bool) *Node {
	if x.Rank() != 4 {
		exceptions.Panicf("ReduceSize: input must be shaped [batch, height, width, channels], got %s", x.Shape())
	}
	channels := x.Shape().Dim(-1)
	outputChannels := channels
	if !keepDim {
		outputChannels = 2 * channels
	}

	x = layers.LayerNormalization(ctx.In("norm1"), x, -1).Epsilon(LayerNormEpsilon).Done()
	convCtx := ctx.In("conv")
	residual := x
	x = depthwiseConv3x3(convCtx.In("depthwise"), padSpatial(x))
	x = activations.Gelu(x)
	x = SqueezeExcitation(convCtx.In("se"), x, DefaultExpansion)
	x = layers.Convolution(convCtx.In("pointwise"), x).
		Channels(channels).KernelSize(1).Strides(1).NoPadding().UseBias(false).Done()
	x = Add(residual, x)

	x = layers.Convolution(ctx.In("reduction"), padSpatial(x)).
		Channels(outputChannels).KernelSize(3).Strides(2).NoPadding().UseBias(false).Done()
	x = layers.LayerNormalization(ctx.In("norm2"), x, -1).Epsilon(LayerNormEpsilon).Done()
	klog.V(2).Infof("ReduceSize: scope %q, output %s", ctx.Scope(), x.Shape())
	return x
}

// padSpatial zero pads the height and width axes of x by 1 on each side.
func padSpatial(x *Node) *Node {
	onePixel := backends.PadAxis{Start: 1, End: 1}
	return Pad(x, ScalarZero(x.Graph(), x.DType()), backends.PadAxis{}, onePixel, onePixel, backends.PadAxis{})
}

// depthwiseConv3x3 convolves each channel of x with its own 3x3 kernel, without padding or bias.
// The kernel variable "weights" is shaped [3, 3, 1, channels].
func depthwiseConv3x3(ctx *context.Context, x *Node) *Node {
	channels := x.Shape().Dim(-1)
	kernelVar := ctx.VariableWithShape("weights", shapes.Make(x.DType(), 3, 3, 1, channels))
	return Convolve(x, kernelVar.ValueGraph(x.Graph())).
		Strides(1).
		ChannelGroupCount(channels).
		NoPadding().
		Done()
}
