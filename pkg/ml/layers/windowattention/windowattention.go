// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package windowattention implements the window based multi-head self-attention layers of GCViT
// (Global Context Vision Transformers, https://arxiv.org/abs/2206.09959), by Ali Hatamizadeh,
// Hongxu Yin, Greg Heinrich, Jan Kautz and Pavlo Molchanov.
//
// Both layers take tokens shaped [B_, N, C], where B_ = batch × numWindows and N = windowSize² are the
// tokens of one window (see Partition), and add a learned relative position bias (package relpos)
// to the attention logits:
//
//   - WindowAttention: queries, keys and values are all projected from the window tokens.
//   - WindowAttentionGlobal: keys and values come from the window tokens, and the queries are given
//     per image, shaped [B, N, C], and shared by all windows of the image.
//
// The layers follow a two-phase lifecycle. Build materializes the variables for a given input
// shape in the current scope of the context and returns them as Params. Forward then runs the
// layer with those Params. Apply does both, the usual way to use them inside a model function:
//
//	attn := must.M1(windowattention.New(windowattention.DefaultConfig(7, 4)))
//	x = attn.Apply(ctx.In("window_attention"), x)
package windowattention

import (
	"encoding/json"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"

	"github.com/gomlx/gcvit/pkg/ml/layerconfig"
)

// PackageName is the package tag used when serializing the layers with layerconfig.
const PackageName = "gcvit"

func init() {
	layerconfig.Register(func() *WindowAttention { return &WindowAttention{} })
	layerconfig.Register(func() *WindowAttentionGlobal { return &WindowAttentionGlobal{} })
}

// WindowAttention is multi-head self-attention within a window, with relative position bias.
//
// Create it with New (or FromConfig), and call Apply, or Build followed by Forward.
type WindowAttention struct {
	cfg Config
}

// New validates the configuration and returns a WindowAttention layer.
func New(cfg Config) (*WindowAttention, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "windowattention.New")
	}
	return &WindowAttention{cfg: cfg}, nil
}

// FromConfig is an alias to New: it rebuilds a layer from the value returned by Config.
func FromConfig(cfg Config) (*WindowAttention, error) { return New(cfg) }

// Config returns the configuration of the layer.
func (l *WindowAttention) Config() Config { return l.cfg }

// LayerTags implements layerconfig.Layer.
func (l *WindowAttention) LayerTags() (className, packageName string) {
	return "WindowAttention", PackageName
}

// MarshalJSON encodes the layer as its Config.
func (l *WindowAttention) MarshalJSON() ([]byte, error) { return json.Marshal(l.cfg) }

// UnmarshalJSON decodes and validates the layer's Config.
func (l *WindowAttention) UnmarshalJSON(data []byte) error {
	cfg, err := decodeConfig(data)
	if err != nil {
		return errors.WithMessage(err, "WindowAttention")
	}
	l.cfg = cfg
	return nil
}

// Build creates (or reuses) the variables of the layer for inputs of the given shape, [B_, N, C],
// in the current scope of ctx:
//
//   - "qkv/weights" [C, 3C] and "qkv/biases" [3C] (if Config.QKVBias);
//   - relpos.TableVariableName [(2W-1)², NumHeads];
//   - "proj/weights" [C, C] and "proj/biases" [C].
//
// It panics if the shape is not rank 3, or if C is not divisible by the number of heads.
func (l *WindowAttention) Build(ctx *context.Context, inputShape shapes.Shape) *Params {
	return buildParams(ctx, "WindowAttention", l.cfg, inputShape, 3)
}

// Forward runs the attention on x shaped [B_, N, C], with N = W², and returns [B_, N, C].
func (l *WindowAttention) Forward(ctx *context.Context, p *Params, x *Node) *Node {
	output, _ := l.ForwardWithCoefficients(ctx, p, x)
	return output
}

// ForwardWithCoefficients is like Forward, but also returns the attention coefficients,
// shaped [B_, NumHeads, N, N]. Each row of coefficients sums to 1.
func (l *WindowAttention) ForwardWithCoefficients(ctx *context.Context, p *Params, x *Node) (output, coefficients *Node) {
	_, _, dim := checkTokens("WindowAttention", x)
	checkParams("WindowAttention", p, dim)
	qkv := splitProjected(p.Input.Apply(x), 3, l.cfg.NumHeads)
	return attend(ctx, l.cfg, p, qkv[0], qkv[1], qkv[2])
}

// Apply builds the variables for x (see Build) and runs Forward.
func (l *WindowAttention) Apply(ctx *context.Context, x *Node) *Node {
	return l.Forward(ctx, l.Build(ctx, x.Shape()), x)
}

func decodeConfig(data []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrap(err, "failed to decode config")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
