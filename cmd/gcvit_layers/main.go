// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// gcvit_layers builds the GCViT stem (PatchEmbed, WindowAttention and WindowAttentionGlobal) for a
// configuration, runs it once on random images and reports the shapes of every stage and the
// variables created.
//
// Usage:
//
//	gcvit_layers -image_size=56 -dim=64 -window=7 -heads=2 -vars
//	gcvit_layers -dump_config=stack.json
//	gcvit_layers -config=stack.json -checkpoint=/tmp/gcvit_stem
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/gcvit/pkg/ml/layerconfig"
	"github.com/gomlx/gcvit/pkg/ml/layers/windowattention"
)

var (
	flagConfig     = flag.String("config", "", "JSON file with the layer stack to build. If empty, it's built from -dim, -window and -heads.")
	flagDumpConfig = flag.String("dump_config", "", "Write the layer stack as JSON to the given file (\"-\" for stdout) and exit.")

	flagBatch     = flag.Int("batch", 2, "Number of images.")
	flagImageSize = flag.Int("image_size", 56, "Height and width of the images.")
	flagChannels  = flag.Int("channels", 3, "Number of channels of the images.")

	flagDim     = flag.Int("dim", 64, "Embedding dimension produced by PatchEmbed.")
	flagWindow  = flag.Int("window", 7, "Window size of the attention layers.")
	flagHeads   = flag.Int("heads", 2, "Number of attention heads.")
	flagQKVBias = flag.Bool("qkv_bias", true, "Whether the attention query/key/value projection has a bias.")
	flagQKScale = flag.Float64("qk_scale", 0, "Scale of the attention queries. 0 means 1/sqrt(head_dim).")

	flagSeed       = flag.Int64("seed", 42, "Seed of the random number generator, used for initialization and the random images.")
	flagVars       = flag.Bool("vars", false, "List the variables created.")
	flagCheckpoint = flag.String("checkpoint", "", "If set, save the variables to this checkpoint directory.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	ctx := context.New()
	ctx.SetParams(map[string]any{
		windowattention.ParamQKVBias: *flagQKVBias,
		windowattention.ParamQKScale: *flagQKScale,
	})
	stack, err := loadStack(ctx)
	if err != nil {
		klog.Fatalf("Failed to create layers: %+v", err)
	}
	if *flagDumpConfig != "" {
		must.M(dumpStack(stack, *flagDumpConfig))
		return
	}
	p, err := newPipeline(stack)
	if err == nil {
		err = p.Check(*flagImageSize)
	}
	if err != nil {
		klog.Fatalf("Invalid configuration: %+v", err)
	}

	var checkpoint *checkpoints.Handler
	if *flagCheckpoint != "" {
		checkpoint = must.M1(checkpoints.Build(ctx).Dir(*flagCheckpoint).Immediate().Done())
	}
	must.M(ctx.SetRNGStateFromSeed(*flagSeed))

	backend := backends.MustNew()
	klog.Infof("Backend %q: %s", backend.Name(), backend.Description())
	names, outputs, err := run(backend, ctx, p)
	if err != nil {
		klog.Fatalf("Failed to run layers: %+v", err)
	}
	Shapes(names, outputs)
	if *flagVars {
		ListVariables(backend, ctx)
	}
	Summary(ctx)

	if checkpoint != nil {
		must.M(checkpoint.Save())
		klog.Infof("Variables saved to %q", *flagCheckpoint)
	}
}

// loadStack reads the stack from -config, or builds the default one from the flags.
func loadStack(ctx *context.Context) (layerconfig.Stack, error) {
	if *flagConfig == "" {
		return defaultStack(ctx, *flagDim, *flagWindow, *flagHeads)
	}
	data, err := os.ReadFile(*flagConfig)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read layer stack from %q", *flagConfig)
	}
	var stack layerconfig.Stack
	if err := json.Unmarshal(data, &stack); err != nil {
		return nil, errors.WithMessagef(err, "failed to parse layer stack in %q", *flagConfig)
	}
	return stack, nil
}

func dumpStack(stack layerconfig.Stack, path string) error {
	data, err := json.MarshalIndent(stack, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if path == "-" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err = os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write layer stack to %q", path)
	}
	klog.Infof("Layer stack written to %q", path)
	return nil
}

// run executes the pipeline once on random images, and returns the name and value of every stage.
func run(backend backends.Backend, ctx *context.Context, p *pipeline) (names []string, outputs []*tensors.Tensor, err error) {
	// Variables may have been loaded from a checkpoint.
	ctx = ctx.Checked(false)
	err = exceptions.TryCatch[error](func() {
		outputs = context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
			images := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, *flagBatch, *flagImageSize, *flagImageSize, *flagChannels))
			stages := p.Forward(ctx, images)
			nodes := make([]*Node, len(stages))
			names = make([]string, len(stages))
			for ii, s := range stages {
				names[ii], nodes[ii] = s.name, s.node
			}
			return nodes
		})
	})
	if err != nil {
		return nil, nil, err
	}
	if len(names) != len(outputs) {
		return nil, nil, errors.Errorf("expected %d outputs, got %d", len(names), len(outputs))
	}
	fmt.Printf("Ran %d images of %dx%dx%d through %d stages.\n", *flagBatch, *flagImageSize, *flagImageSize,
		*flagChannels, len(names)-1)
	return names, outputs, nil
}
