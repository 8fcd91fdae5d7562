// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package windowattention

import (
	"encoding/json"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// WindowAttentionGlobal is window attention where the queries are a global context given per
// image, shared by all windows of that image. Only keys and values are projected from the
// window tokens.
type WindowAttentionGlobal struct {
	cfg Config
}

// NewGlobal validates the configuration and returns a WindowAttentionGlobal layer.
func NewGlobal(cfg Config) (*WindowAttentionGlobal, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "windowattention.NewGlobal")
	}
	return &WindowAttentionGlobal{cfg: cfg}, nil
}

// GlobalFromConfig is an alias to NewGlobal.
func GlobalFromConfig(cfg Config) (*WindowAttentionGlobal, error) { return NewGlobal(cfg) }

// Config returns the configuration of the layer.
func (l *WindowAttentionGlobal) Config() Config { return l.cfg }

// LayerTags implements layerconfig.Layer.
func (l *WindowAttentionGlobal) LayerTags() (className, packageName string) {
	return "WindowAttentionGlobal", PackageName
}

// MarshalJSON encodes the layer as its Config.
func (l *WindowAttentionGlobal) MarshalJSON() ([]byte, error) { return json.Marshal(l.cfg) }

// UnmarshalJSON decodes and validates the layer's Config.
func (l *WindowAttentionGlobal) UnmarshalJSON(data []byte) error {
	cfg, err := decodeConfig(data)
	if err != nil {
		return errors.WithMessage(err, "WindowAttentionGlobal")
	}
	l.cfg = cfg
	return nil
}

// Build creates (or reuses) the variables of the layer for window tokens of the given shape,
// [B_, N, C], in the current scope of ctx. They are the same as WindowAttention's, except the input
// projection "qkv/weights" is [C, 2C] (and "qkv/biases" [2C]): it only produces keys and values.
func (l *WindowAttentionGlobal) Build(ctx *context.Context, inputShape shapes.Shape) *Params {
	return buildParams(ctx, "WindowAttentionGlobal", l.cfg, inputShape, 2)
}

// Forward runs the attention of the global query on the window tokens x.
//
//   - x: window tokens shaped [B_, N, C], where B_ = B × numWindows, windows of the same image
//     consecutive (as laid out by Partition).
//   - globalQuery: shaped [B, N, C]. It is repeated numWindows times, so every window of an image
//     attends with the same query.
//
// It returns [B_, N, C]. It panics if B_ is not a multiple of B, or if N or C differ.
func (l *WindowAttentionGlobal) Forward(ctx *context.Context, p *Params, x, globalQuery *Node) *Node {
	output, _ := l.ForwardWithCoefficients(ctx, p, x, globalQuery)
	return output
}

// ForwardWithCoefficients is like Forward, but also returns the attention coefficients,
// shaped [B_, NumHeads, N, N].
func (l *WindowAttentionGlobal) ForwardWithCoefficients(ctx *context.Context, p *Params, x, globalQuery *Node) (
	output, coefficients *Node) {
	batchWindows, numTokens, dim := checkTokens("WindowAttentionGlobal", x)
	checkParams("WindowAttentionGlobal", p, dim)
	if globalQuery.Rank() != 3 {
		exceptions.Panicf("WindowAttentionGlobal: global query must be shaped [batch, numTokens, channels], got %s",
			globalQuery.Shape())
	}
	qDims := globalQuery.Shape().Dimensions
	batch := qDims[0]
	if qDims[1] != numTokens || qDims[2] != dim {
		exceptions.Panicf("WindowAttentionGlobal: global query %s must have the same numTokens and channels as the "+
			"window tokens %s", globalQuery.Shape(), x.Shape())
	}
	if batch <= 0 || batchWindows%batch != 0 {
		exceptions.Panicf("WindowAttentionGlobal: window tokens batch (%d) must be a multiple of the global query "+
			"batch (%d)", batchWindows, batch)
	}
	if globalQuery.DType() != x.DType() {
		globalQuery = ConvertDType(globalQuery, x.DType())
	}

	kv := splitProjected(p.Input.Apply(x), 2, l.cfg.NumHeads)
	query := splitHeads(RepeatPerWindow(globalQuery, batchWindows/batch), l.cfg.NumHeads)
	return attend(ctx, l.cfg, p, query, kv[0], kv[1])
}

// Apply builds the variables for x (see Build) and runs Forward.
func (l *WindowAttentionGlobal) Apply(ctx *context.Context, x, globalQuery *Node) *Node {
	return l.Forward(ctx, l.Build(ctx, x.Shape()), x, globalQuery)
}

// RepeatPerWindow repeats each element of the batch axis numWindows times consecutively:
// x shaped [B, ...] becomes [B*numWindows, ...], with element i*numWindows+j equal to x[i].
func RepeatPerWindow(x *Node, numWindows int) *Node {
	if numWindows <= 0 {
		exceptions.Panicf("RepeatPerWindow: numWindows must be > 0, got %d", numWindows)
	}
	if numWindows == 1 {
		return x
	}
	dims := x.Shape().Dimensions
	repeatedDims := make([]int, 0, len(dims)+1)
	repeatedDims = append(repeatedDims, dims[0], numWindows)
	repeatedDims = append(repeatedDims, dims[1:]...)
	repeated := BroadcastToDims(InsertAxes(x, 1), repeatedDims...)
	outputDims := append([]int{dims[0] * numWindows}, dims[1:]...)
	return Reshape(repeated, outputDims...)
}
