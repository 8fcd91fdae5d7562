// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package initializer holds variable initializers used by the GCViT layers that are not
// provided by GoMLX itself.
package initializer

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Initializer is an alias to context.VariableInitializer:
//
//	func(g *graph.Graph, shape shapes.Shape) *graph.Node
type Initializer = context.VariableInitializer

const (
	// TruncationStddevs is where TruncatedNormal cuts the distribution, in units of the standard deviation.
	TruncationStddevs = 2.0

	// truncationRedraws is the number of times values outside the truncation limit are re-sampled.
	// After that, the rare survivors (about 0.05^truncationRedraws of them) are clipped to the limit.
	truncationRedraws = 4
)

// TruncatedNormal returns an initializer that generates random normal values with mean 0 and the given
// standard deviation, discarding and re-drawing values that fall more than TruncationStddevs standard
// deviations away from the mean.
//
// It uses the context random number generator, so it is deterministic if the context was seeded
// (see context.ParamInitialSeed or Context.SetRNGStateFromSeed).
//
// Non-float and non-complex numbers are initialized to 0 instead.
func TruncatedNormal(ctx *context.Context, stddev float64) Initializer {
	if stddev <= 0 {
		exceptions.Panicf("initializer.TruncatedNormal requires stddev > 0, got %g", stddev)
	}
	return func(g *Graph, shape shapes.Shape) *Node {
		switch shape.DType {
		case dtypes.Float16, dtypes.BFloat16, dtypes.Float32, dtypes.Float64:
			return MulScalar(truncatedStandardNormal(ctx, g, shape), stddev)
		case dtypes.Complex64, dtypes.Complex128:
			realShape := shape.Clone()
			realShape.DType = shape.DType.RealDType()
			r := MulScalar(truncatedStandardNormal(ctx, g, realShape), stddev)
			i := MulScalar(truncatedStandardNormal(ctx, g, realShape), stddev)
			return Complex(r, i)
		default:
			return Zeros(g, shape)
		}
	}
}

// truncatedStandardNormal samples N(0, 1) restricted to [-TruncationStddevs, TruncationStddevs].
// Sampling happens in float32 or float64, and the result is converted to shape.DType.
func truncatedStandardNormal(ctx *context.Context, g *Graph, shape shapes.Shape) *Node {
	samplingShape := shape.Clone()
	if shape.DType != dtypes.Float64 {
		samplingShape.DType = dtypes.Float32
	}
	limit := Scalar(g, samplingShape.DType, TruncationStddevs)
	values := ctx.RandomNormal(g, samplingShape)
	for range truncationRedraws {
		outside := GreaterThan(Abs(values), limit)
		values = Where(outside, ctx.RandomNormal(g, samplingShape), values)
	}
	values = ClipScalar(values, -TruncationStddevs, TruncationStddevs)
	return ConvertDType(values, shape.DType)
}
