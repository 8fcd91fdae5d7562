// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package windowattention

import (
	"math"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

const (
	// ParamQKVBias is the context hyperparameter that sets Config.QKVBias in ConfigFromContext.
	// Default is true.
	ParamQKVBias = "gcvit_qkv_bias"

	// ParamQKScale is the context hyperparameter that sets Config.QKScale in ConfigFromContext.
	// Default is 0, meaning 1/sqrt(headDim).
	ParamQKScale = "gcvit_qk_scale"

	// ParamAttnDropout is the context hyperparameter that sets Config.AttnDropout in ConfigFromContext.
	ParamAttnDropout = "gcvit_attn_dropout"

	// ParamProjDropout is the context hyperparameter that sets Config.ProjDropout in ConfigFromContext.
	ParamProjDropout = "gcvit_proj_dropout"
)

// Config holds every constructor argument of WindowAttention and WindowAttentionGlobal.
// It is a plain value: it serializes to JSON as is, and two layers built from equal configs are
// interchangeable.
type Config struct {
	// WindowSize is the edge W of the square window: inputs are expected to hold N = W² tokens.
	WindowSize int `json:"window_size"`

	// NumHeads is the number of attention heads. The channel dimension must be divisible by it.
	NumHeads int `json:"num_heads"`

	// QKVBias controls whether the query/key/value projection has an additive bias.
	QKVBias bool `json:"qkv_bias"`

	// QKScale overrides the scale applied to the queries.
	// If 0, 1/sqrt(headDim) is used.
	QKScale float64 `json:"qk_scale,omitempty"`

	// AttnDropout is the dropout rate applied to the attention coefficients during training.
	AttnDropout float64 `json:"attn_dropout"`

	// ProjDropout is the dropout rate applied to the output projection during training.
	ProjDropout float64 `json:"proj_dropout"`
}

// DefaultConfig returns the configuration with the usual defaults: projection bias enabled,
// default scale and no dropout.
func DefaultConfig(windowSize, numHeads int) Config {
	return Config{
		WindowSize: windowSize,
		NumHeads:   numHeads,
		QKVBias:    true,
	}
}

// ConfigFromContext returns DefaultConfig(windowSize, numHeads) with the optional values overridden
// by the context hyperparameters ParamQKVBias, ParamQKScale, ParamAttnDropout and ParamProjDropout.
func ConfigFromContext(ctx *context.Context, windowSize, numHeads int) Config {
	cfg := DefaultConfig(windowSize, numHeads)
	cfg.QKVBias = context.GetParamOr(ctx, ParamQKVBias, cfg.QKVBias)
	cfg.QKScale = context.GetParamOr(ctx, ParamQKScale, cfg.QKScale)
	cfg.AttnDropout = context.GetParamOr(ctx, ParamAttnDropout, cfg.AttnDropout)
	cfg.ProjDropout = context.GetParamOr(ctx, ParamProjDropout, cfg.ProjDropout)
	return cfg
}

// Validate returns an error if the configuration can't be used to build a layer.
// The channel dimension is only known at build time, so divisibility by NumHeads is checked then.
func (cfg Config) Validate() error {
	if cfg.WindowSize <= 0 {
		return errors.Errorf("window_size must be > 0, got %d", cfg.WindowSize)
	}
	if cfg.NumHeads <= 0 {
		return errors.Errorf("num_heads must be > 0, got %d", cfg.NumHeads)
	}
	if cfg.QKScale < 0 || math.IsNaN(cfg.QKScale) || math.IsInf(cfg.QKScale, 0) {
		return errors.Errorf("qk_scale must be a finite value >= 0 (0 for the default), got %g", cfg.QKScale)
	}
	for _, rate := range []struct {
		name  string
		value float64
	}{{"attn_dropout", cfg.AttnDropout}, {"proj_dropout", cfg.ProjDropout}} {
		if !(rate.value >= 0 && rate.value < 1) {
			return errors.Errorf("%s must be in the range [0, 1), got %g", rate.name, rate.value)
		}
	}
	return nil
}

// NumTokens returns the number of tokens per window, W².
func (cfg Config) NumTokens() int {
	return cfg.WindowSize * cfg.WindowSize
}

// Scale returns the factor applied to the queries for the given head dimension:
// QKScale if set, 1/sqrt(headDim) otherwise.
func (cfg Config) Scale(headDim int) float64 {
	if cfg.QKScale > 0 {
		return cfg.QKScale
	}
	return 1.0 / math.Sqrt(float64(headDim))
}
