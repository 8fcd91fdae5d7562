// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package patchembed

import (
	"encoding/json"
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/google/go-cmp/cmp"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/gcvit/pkg/ml/layerconfig"
)

func randomImages(ctx *context.Context, g *Graph, dims ...int) *Node {
	return ctx.RandomNormal(g, shapes.Make(dtypes.Float32, dims...))
}

// convTestBackend returns the test backend, and skips the test if it's the pure Go backend, which
// doesn't support the Pad and grouped convolution ops used by PatchEmbed.
func convTestBackend(t *testing.T) backends.Backend {
	backend := graphtest.BuildTestBackend()
	if backend.Name() == "go" {
		t.Skipf("Skipping: backend %q doesn't support Pad and grouped convolutions used by PatchEmbed.", backend.Name())
	}
	return backend
}

func TestPatchEmbed(t *testing.T) {
	backend := convTestBackend(t)

	t.Run("Shape", func(t *testing.T) {
		ctx := context.New()
		require.NoError(t, ctx.SetRNGStateFromSeed(42))
		layer := must.M1(New(Config{Dim: 16}))
		out := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			return layer.Apply(ctx.In("patch_embed"), randomImages(ctx, g, 2, 32, 32, 3))
		})
		require.NoError(t, out.Shape().Check(dtypes.Float32, 2, 8, 8, 16))
		assert.Equal(t, 8, OutputSize(32))

		for scopeAndName, want := range map[[2]string][]int{
			{"/patch_embed/proj/conv", "weights"}:                     {3, 3, 3, 16},
			{"/patch_embed/proj/conv", "biases"}:                      {16},
			{"/patch_embed/conv_down/conv/depthwise", "weights"}:      {3, 3, 1, 16},
			{"/patch_embed/conv_down/conv/pointwise/conv", "weights"}: {1, 1, 16, 16},
			{"/patch_embed/conv_down/reduction/conv", "weights"}:      {3, 3, 16, 16},
		} {
			v := ctx.GetVariableByScopeAndName(scopeAndName[0], scopeAndName[1])
			require.NotNilf(t, v, "missing variable %v", scopeAndName)
			assert.Equal(t, want, v.Shape().Dimensions, "variable %v", scopeAndName)
		}
		// Convolutions of ReduceSize have no bias.
		assert.Nil(t, ctx.GetVariableByScopeAndName("/patch_embed/conv_down/reduction/conv", "biases"))
	})

	t.Run("OddSize", func(t *testing.T) {
		layer := must.M1(New(Config{Dim: 8}))
		out := context.MustExecOnce(backend, context.New(), func(ctx *context.Context, g *Graph) *Node {
			return layer.Apply(ctx, randomImages(ctx, g, 1, 15, 9, 1))
		})
		require.NoError(t, out.Shape().Check(dtypes.Float32, 1, OutputSize(15), OutputSize(9), 8))
		assert.Equal(t, 4, OutputSize(15))
		assert.Equal(t, 3, OutputSize(9))
	})

	t.Run("InvalidRank", func(t *testing.T) {
		layer := must.M1(New(Config{Dim: 8}))
		require.Panics(t, func() {
			_ = context.MustExecOnce(backend, context.New(), func(ctx *context.Context, g *Graph) *Node {
				return layer.Apply(ctx, randomImages(ctx, g, 32, 32, 3))
			})
		})
	})

	t.Run("InvalidConfig", func(t *testing.T) {
		_, err := New(Config{Dim: 0})
		require.ErrorContains(t, err, "dim must be > 0")
	})
}

func TestReduceSize(t *testing.T) {
	backend := convTestBackend(t)
	for _, keepDim := range []bool{true, false} {
		ctx := context.New()
		out := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			return ReduceSize(ctx, randomImages(ctx, g, 2, 8, 8, 12), keepDim)
		})
		wantChannels := 12
		if !keepDim {
			wantChannels = 24
		}
		require.NoErrorf(t, out.Shape().Check(dtypes.Float32, 2, 4, 4, wantChannels), "keepDim=%v", keepDim)
	}
}

func TestSqueezeExcitation(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	t.Run("ScalesChannels", func(t *testing.T) {
		// With constant inputs per channel, the output is the input times a per-image factor in (0, 1).
		outputs := context.MustExecOnceN(backend, context.New(), func(ctx *context.Context, g *Graph) []*Node {
			x := Ones(g, shapes.Make(dtypes.Float32, 2, 3, 3, 8))
			return []*Node{SqueezeExcitation(ctx, x, DefaultExpansion)}
		})
		out := outputs[0].Value().([][][][]float32)
		for b := range out {
			for c := range 8 {
				first := out[b][0][0][c]
				require.Greater(t, first, float32(0))
				require.Less(t, first, float32(1))
				for h := range 3 {
					for w := range 3 {
						require.Equal(t, first, out[b][h][w][c])
					}
				}
			}
		}
	})

	t.Run("HiddenUnits", func(t *testing.T) {
		ctx := context.New()
		_ = context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			return SqueezeExcitation(ctx.In("se"), randomImages(ctx, g, 1, 2, 2, 3), DefaultExpansion)
		})
		// int(3*0.25) == 0, so the hidden layer is kept at 1 unit.
		var hiddenDims []int
		for v := range ctx.IterVariables() {
			if v.Shape().Rank() == 2 && v.Shape().Dimensions[0] == 3 {
				hiddenDims = v.Shape().Dimensions
			}
		}
		assert.Equal(t, []int{3, 1}, hiddenDims)
	})

	t.Run("Invalid", func(t *testing.T) {
		g := NewGraph(backend, "invalid")
		ctx := context.New()
		require.Panics(t, func() { _ = SqueezeExcitation(ctx, Ones(g, shapes.Make(dtypes.Float32, 2, 8)), 0.25) })
		require.Panics(t, func() { _ = SqueezeExcitation(ctx, Ones(g, shapes.Make(dtypes.Float32, 1, 2, 2, 8)), 0) })
	})
}

func TestSerialization(t *testing.T) {
	layer := must.M1(New(Config{Dim: 64}))
	data := must.M1(layerconfig.Marshal(layer))
	assert.JSONEq(t, `{"class_name":"PatchEmbed","package":"gcvit","config":{"dim":64}}`, string(data))

	decoded, err := layerconfig.UnmarshalAs[*PatchEmbed](data)
	require.NoError(t, err)
	if diff := cmp.Diff(layer.Config(), decoded.Config()); diff != "" {
		t.Errorf("PatchEmbed config round-trip (-want +got):\n%s", diff)
	}

	var bad PatchEmbed
	require.Error(t, json.Unmarshal([]byte(`{"dim":-2}`), &bad))
	rebuilt := must.M1(FromConfig(layer.Config()))
	assert.Equal(t, layer.Config(), rebuilt.Config())
}
