// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"

	"github.com/gomlx/gcvit/pkg/ml/layerconfig"
	"github.com/gomlx/gcvit/pkg/ml/layers/patchembed"
	"github.com/gomlx/gcvit/pkg/ml/layers/windowattention"
)

// Scopes where each layer creates its variables.
const (
	patchEmbedScope      = "patch_embed"
	localAttentionScope  = "window_attention"
	globalAttentionScope = "window_attention_global"
)

// pipeline is the stem of a GCViT stage: patch embedding, local window attention and global
// window attention, applied in that order.
type pipeline struct {
	embed  *patchembed.PatchEmbed
	local  *windowattention.WindowAttention
	global *windowattention.WindowAttentionGlobal
}

// stage is one named intermediate result of the pipeline.
type stage struct {
	name string
	node *Node
}

// defaultStack returns the layers of the pipeline. The attention options come from the context
// hyperparameters (see windowattention.ConfigFromContext).
func defaultStack(ctx *context.Context, dim, windowSize, numHeads int) (layerconfig.Stack, error) {
	embed, err := patchembed.New(patchembed.Config{Dim: dim})
	if err != nil {
		return nil, err
	}
	cfg := windowattention.ConfigFromContext(ctx, windowSize, numHeads)
	local, err := windowattention.New(cfg)
	if err != nil {
		return nil, err
	}
	global, err := windowattention.NewGlobal(cfg)
	if err != nil {
		return nil, err
	}
	return layerconfig.Stack{embed, local, global}, nil
}

// newPipeline picks the layers of the pipeline from the stack. Both attention layers must use the
// same window size.
func newPipeline(stack layerconfig.Stack) (*pipeline, error) {
	p := &pipeline{}
	var found bool
	if p.embed, found = layerconfig.Find[*patchembed.PatchEmbed](stack); !found {
		return nil, errors.New("layer stack has no PatchEmbed")
	}
	if p.local, found = layerconfig.Find[*windowattention.WindowAttention](stack); !found {
		return nil, errors.New("layer stack has no WindowAttention")
	}
	if p.global, found = layerconfig.Find[*windowattention.WindowAttentionGlobal](stack); !found {
		return nil, errors.New("layer stack has no WindowAttentionGlobal")
	}
	if p.local.Config().WindowSize != p.global.Config().WindowSize {
		return nil, errors.Errorf("WindowAttention (window_size=%d) and WindowAttentionGlobal (window_size=%d) "+
			"must use the same window", p.local.Config().WindowSize, p.global.Config().WindowSize)
	}
	return p, nil
}

// WindowSize of the attention layers.
func (p *pipeline) WindowSize() int { return p.local.Config().WindowSize }

// Check returns an error if images of the given size can't go through the pipeline.
func (p *pipeline) Check(imageSize int) error {
	if imageSize <= 0 {
		return errors.Errorf("image size must be > 0, got %d", imageSize)
	}
	gridSize := patchembed.OutputSize(imageSize)
	if gridSize%p.WindowSize() != 0 {
		return errors.Errorf("images of %dx%d are embedded in a %dx%d grid, which can't be split in windows of %dx%d",
			imageSize, imageSize, gridSize, gridSize, p.WindowSize(), p.WindowSize())
	}
	return nil
}

// Forward runs the pipeline on images shaped [batch, height, width, channels], and returns every
// intermediate result. The last stage is the output, shaped like the embeddings.
func (p *pipeline) Forward(ctx *context.Context, images *Node) []stage {
	windowSize := p.WindowSize()
	stages := []stage{{"images", images}}
	add := func(name string, node *Node) *Node {
		stages = append(stages, stage{name, node})
		return node
	}

	x := add("patch_embed", p.embed.Apply(ctx.In(patchEmbedScope), images))
	dims := x.Shape().Dimensions
	batch, height, width := dims[0], dims[1], dims[2]
	windows := add("windows", windowattention.Partition(x, windowSize))
	windows = add("window_attention", p.local.Apply(ctx.In(localAttentionScope), windows))
	query := add("global_query", globalQuery(windows, batch))
	windows = add("window_attention_global", p.global.Apply(ctx.In(globalAttentionScope), windows, query))
	add("output", windowattention.ReversePartition(windows, windowSize, height, width))
	return stages
}

// globalQuery stands in for a global query generator: the mean over the windows of each image,
// shaped [batch, numTokens, channels].
func globalQuery(windows *Node, batch int) *Node {
	dims := windows.Shape().Dimensions
	if dims[0]%batch != 0 {
		exceptions.Panicf("globalQuery: %d windows can't be split among %d images", dims[0], batch)
	}
	perImage := Reshape(windows, batch, dims[0]/batch, dims[1], dims[2])
	return ReduceMean(perImage, 1)
}
