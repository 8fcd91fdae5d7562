// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package patchembed implements the GCViT stem: PatchEmbed turns images into a grid of token embeddings,
// downsampling them 4 times with a strided convolution followed by ReduceSize.
//
// Images are channels-last, shaped [batch, height, width, channels].
package patchembed

import (
	"encoding/json"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/gcvit/pkg/ml/layerconfig"
)

// PackageName is the package tag used when serializing PatchEmbed with layerconfig.
const PackageName = "gcvit"

func init() {
	layerconfig.Register(func() *PatchEmbed { return &PatchEmbed{} })
}

// Config holds the constructor arguments of PatchEmbed.
type Config struct {
	// Dim is the number of channels of the output embeddings.
	Dim int `json:"dim"`
}

// Validate returns an error if the configuration can't be used to build a PatchEmbed.
func (cfg Config) Validate() error {
	if cfg.Dim <= 0 {
		return errors.Errorf("dim must be > 0, got %d", cfg.Dim)
	}
	return nil
}

// PatchEmbed projects images to token embeddings:
//
//	x = conv3x3Stride2(pad(images)) // with bias, to Dim channels.
//	x = ReduceSize(x, keepDim=true)
//
// The spatial dimensions are halved twice (rounding up), so [B, H, W, Cin] becomes roughly [B, H/4, W/4, Dim].
type PatchEmbed struct {
	cfg Config
}

// New validates the configuration and returns a PatchEmbed layer.
func New(cfg Config) (*PatchEmbed, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "patchembed.New")
	}
	return &PatchEmbed{cfg: cfg}, nil
}

// FromConfig is an alias to New.
func FromConfig(cfg Config) (*PatchEmbed, error) { return New(cfg) }

// Config returns the configuration of the layer.
func (l *PatchEmbed) Config() Config { return l.cfg }

// LayerTags implements layerconfig.Layer.
func (l *PatchEmbed) LayerTags() (className, packageName string) { return "PatchEmbed", PackageName }

// MarshalJSON encodes the layer as its Config.
func (l *PatchEmbed) MarshalJSON() ([]byte, error) { return json.Marshal(l.cfg) }

// UnmarshalJSON decodes and validates the layer's Config.
func (l *PatchEmbed) UnmarshalJSON(data []byte) error {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return errors.Wrap(err, "PatchEmbed: failed to decode config")
	}
	if err := cfg.Validate(); err != nil {
		return errors.WithMessage(err, "PatchEmbed")
	}
	l.cfg = cfg
	return nil
}

// Apply embeds images shaped [batch, height, width, channels]. Variables are created (or reused)
// in the "proj" and "conv_down" sub-scopes of ctx the first time it is called.
//
// It panics if images is not rank 4.
func (l *PatchEmbed) Apply(ctx *context.Context, images *Node) *Node {
	if images.Rank() != 4 {
		exceptions.Panicf("PatchEmbed: images must be shaped [batch, height, width, channels], got %s", images.Shape())
	}
	if !images.DType().IsFloat() {
		exceptions.Panicf("PatchEmbed: images must be a float tensor, got %s", images.Shape())
	}
	x := layers.Convolution(ctx.In("proj"), padSpatial(images)).
		Channels(l.cfg.Dim).KernelSize(3).Strides(2).NoPadding().UseBias(true).Done()
	x = ReduceSize(ctx.In("conv_down"), x, true)
	klog.V(1).Infof("PatchEmbed: scope %q, images %s -> embeddings %s", ctx.Scope(), images.Shape(), x.Shape())
	return x
}

// OutputSize returns the spatial size of the embeddings for images of the given size.
func OutputSize(imageSize int) int {
	return halve(halve(imageSize))
}

// halve is the output size of a 3x3 stride 2 convolution on an input padded by 1: ceil(size/2).
func halve(size int) int {
	return (size-1)/2 + 1
}
