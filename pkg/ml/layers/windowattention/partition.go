// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package windowattention

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// Partition splits images x shaped [B, H, W, C] (channels last) in non-overlapping windows of
// windowSize x windowSize, and returns their tokens shaped [B * (H/windowSize) * (W/windowSize), windowSize², C].
//
// Windows are ordered row-major within each image, and images are the outermost axis, so the
// windows of one image are consecutive. Tokens within a window are also row-major.
//
// H and W must be multiples of windowSize.
func Partition(x *Node, windowSize int) *Node {
	if x.Rank() != 4 {
		exceptions.Panicf("Partition: input must be shaped [batch, height, width, channels], got %s", x.Shape())
	}
	dims := x.Shape().Dimensions
	batch, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	checkWindowGrid("Partition", windowSize, height, width)
	rows, cols := height/windowSize, width/windowSize
	windows := Reshape(x, batch, rows, windowSize, cols, windowSize, channels)
	windows = TransposeAllDims(windows, 0, 1, 3, 2, 4, 5) // [B, rows, cols, w, w, C]
	return Reshape(windows, batch*rows*cols, windowSize*windowSize, channels)
}

// ReversePartition is the inverse of Partition: it takes the window tokens shaped
// [B * (height/windowSize) * (width/windowSize), windowSize², C] and returns the images [B, height, width, C].
func ReversePartition(windows *Node, windowSize, height, width int) *Node {
	if windows.Rank() != 3 {
		exceptions.Panicf("ReversePartition: windows must be shaped [batch*numWindows, numTokens, channels], got %s",
			windows.Shape())
	}
	checkWindowGrid("ReversePartition", windowSize, height, width)
	dims := windows.Shape().Dimensions
	rows, cols := height/windowSize, width/windowSize
	if dims[1] != windowSize*windowSize || dims[0]%(rows*cols) != 0 {
		exceptions.Panicf("ReversePartition: windows %s don't match window size %d for images of %dx%d",
			windows.Shape(), windowSize, height, width)
	}
	batch, channels := dims[0]/(rows*cols), dims[2]
	x := Reshape(windows, batch, rows, cols, windowSize, windowSize, channels)
	x = TransposeAllDims(x, 0, 1, 3, 2, 4, 5) // [B, rows, w, cols, w, C]
	return Reshape(x, batch, height, width, channels)
}

// NumWindows returns the number of windows Partition creates per image.
func NumWindows(windowSize, height, width int) int {
	checkWindowGrid("NumWindows", windowSize, height, width)
	return (height / windowSize) * (width / windowSize)
}

func checkWindowGrid(name string, windowSize, height, width int) {
	if windowSize <= 0 {
		exceptions.Panicf("%s: windowSize must be > 0, got %d", name, windowSize)
	}
	if height <= 0 || width <= 0 || height%windowSize != 0 || width%windowSize != 0 {
		exceptions.Panicf("%s: image of %dx%d can't be split in windows of %dx%d", name, height, width,
			windowSize, windowSize)
	}
}
