// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package initializer

import (
	"math"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncatedNormal(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const stddev = 0.02

	sample := func(seed int64, dtype dtypes.DType) []float64 {
		ctx := context.New()
		require.NoError(t, ctx.SetRNGStateFromSeed(seed))
		valuesT := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			values := TruncatedNormal(ctx, stddev)(g, shapes.Make(dtype, 1000, 8))
			return ConvertDType(values, dtypes.Float64)
		})
		var flat []float64
		for _, row := range valuesT.Value().([][]float64) {
			flat = append(flat, row...)
		}
		return flat
	}

	t.Run("Float32", func(t *testing.T) {
		values := sample(42, dtypes.Float32)
		require.Len(t, values, 8000)
		var sum, sumSq float64
		for _, v := range values {
			require.LessOrEqual(t, math.Abs(v), TruncationStddevs*stddev+1e-6)
			sum += v
			sumSq += v * v
		}
		mean := sum / float64(len(values))
		std := math.Sqrt(sumSq/float64(len(values)) - mean*mean)
		assert.InDelta(t, 0.0, mean, 1e-3)
		// A normal truncated at 2 standard deviations keeps ~88% of the original standard deviation.
		assert.InDelta(t, 0.88*stddev, std, 0.0015)
	})

	t.Run("Deterministic", func(t *testing.T) {
		require.Equal(t, sample(7, dtypes.Float64), sample(7, dtypes.Float64))
		require.NotEqual(t, sample(7, dtypes.Float64), sample(8, dtypes.Float64))
	})

	t.Run("Integers", func(t *testing.T) {
		values := sample(1, dtypes.Int32)
		for _, v := range values {
			require.Zero(t, v)
		}
	})

	t.Run("InvalidStddev", func(t *testing.T) {
		require.Panics(t, func() { _ = TruncatedNormal(context.New(), 0) })
	})
}
