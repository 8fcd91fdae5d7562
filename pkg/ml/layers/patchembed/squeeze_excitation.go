// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package patchembed

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// DefaultExpansion is the ratio of the squeeze-excitation hidden dimension to the number of channels.
const DefaultExpansion = 0.25

// SqueezeExcitation rescales the channels of x, shaped [batch, height, width, channels], with weights
// computed from the global average of each channel (Squeeze-and-Excitation Networks,
// https://arxiv.org/abs/1709.01507):
//
//	scale = sigmoid(dense(gelu(dense(mean(x)))))
//
// The hidden dense layer has max(1, int(channels*expansion)) units; neither dense layer has a bias.
// Variables are created in the "fc1" and "fc2" sub-scopes of ctx.
func SqueezeExcitation(ctx *context.Context, x *Node, expansion float64) *Node {
	if x.Rank() != 4 {
		exceptions.Panicf("SqueezeExcitation: input must be shaped [batch, height, width, channels], got %s", x.Shape())
	}
	if expansion <= 0 {
		exceptions.Panicf("SqueezeExcitation: expansion must be > 0, got %g", expansion)
	}
	channels := x.Shape().Dim(-1)
	hidden := max(1, int(float64(channels)*expansion))

	scale := ReduceMean(x, 1, 2) // [batch, channels]
	scale = layers.Dense(ctx.In("fc1"), scale, false, hidden)
	scale = activations.Gelu(scale)
	scale = layers.Dense(ctx.In("fc2"), scale, false, channels)
	scale = Sigmoid(scale)
	scale = Reshape(scale, x.Shape().Dim(0), 1, 1, channels) // Broadcast over height and width.
	return Mul(x, scale)
}
