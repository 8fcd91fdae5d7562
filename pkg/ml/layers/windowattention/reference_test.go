// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package windowattention

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/gomlx/gcvit/pkg/ml/layers/relpos"
)

// reference is a float64 implementation of the window attention of one window, with gonum matrices,
// using the variable values of a layer already built in a context.
type reference struct {
	inputWeights, outputWeights *mat.Dense
	inputBiases, outputBiases   []float64
	table                       *mat.Dense // [TableSize, numHeads]
	index                       [][]int32
	numHeads                    int
	scale                       float64
}

func toDense(rows [][]float32) *mat.Dense {
	m := mat.NewDense(len(rows), len(rows[0]), nil)
	for r, row := range rows {
		for c, v := range row {
			m.Set(r, c, float64(v))
		}
	}
	return m
}

func toFloat64s(values []float32) []float64 {
	out := make([]float64, len(values))
	for ii, v := range values {
		out[ii] = float64(v)
	}
	return out
}

func newReference(t *testing.T, ctx *context.Context, inputScope string, windowSize, numHeads int, scale float64) *reference {
	variable := func(scope, name string) any {
		v := ctx.GetVariableByScopeAndName(scope, name)
		require.NotNilf(t, v, "variable %s/%s", scope, name)
		return v.MustValue().Value()
	}
	return &reference{
		inputWeights:  toDense(variable(inputScope, WeightsVariableName).([][]float32)),
		inputBiases:   toFloat64s(variable(inputScope, BiasesVariableName).([]float32)),
		outputWeights: toDense(variable("/proj", WeightsVariableName).([][]float32)),
		outputBiases:  toFloat64s(variable("/proj", BiasesVariableName).([]float32)),
		table:         toDense(variable("/", relpos.TableVariableName).([][]float32)),
		index:         relpos.Index(windowSize),
		numHeads:      numHeads,
		scale:         scale,
	}
}

// affine returns x·weights + biases.
func affine(x, weights *mat.Dense, biases []float64) *mat.Dense {
	var y mat.Dense
	y.Mul(x, weights)
	rows, cols := y.Dims()
	for r := range rows {
		for c := range cols {
			y.Set(r, c, y.At(r, c)+biases[c])
		}
	}
	return &y
}

// local is self-attention of the window tokens x, shaped [N, C].
func (r *reference) local(x *mat.Dense) *mat.Dense {
	numTokens, dim := x.Dims()
	qkv := affine(x, r.inputWeights, r.inputBiases)
	q := qkv.Slice(0, numTokens, 0, dim).(*mat.Dense)
	k := qkv.Slice(0, numTokens, dim, 2*dim).(*mat.Dense)
	v := qkv.Slice(0, numTokens, 2*dim, 3*dim).(*mat.Dense)
	return r.attend(q, k, v, dim)
}

// global is attention of the global query, shaped [N, C], on the window tokens x.
func (r *reference) global(x, query *mat.Dense) *mat.Dense {
	numTokens, dim := x.Dims()
	kv := affine(x, r.inputWeights, r.inputBiases)
	k := kv.Slice(0, numTokens, 0, dim).(*mat.Dense)
	v := kv.Slice(0, numTokens, dim, 2*dim).(*mat.Dense)
	return r.attend(query, k, v, dim)
}

func (r *reference) attend(q, k, v *mat.Dense, dim int) *mat.Dense {
	numTokens, _ := q.Dims()
	headDim := dim / r.numHeads
	merged := mat.NewDense(numTokens, dim, nil)
	for h := range r.numHeads {
		from, to := h*headDim, (h+1)*headDim
		qh := q.Slice(0, numTokens, from, to)
		kh := k.Slice(0, numTokens, from, to)
		vh := v.Slice(0, numTokens, from, to)

		var logits mat.Dense
		logits.Mul(qh, kh.T())
		for i := range numTokens {
			maxLogit := math.Inf(-1)
			for j := range numTokens {
				value := logits.At(i, j)*r.scale + r.table.At(int(r.index[i][j]), h)
				logits.Set(i, j, value)
				maxLogit = math.Max(maxLogit, value)
			}
			var sum float64
			for j := range numTokens {
				e := math.Exp(logits.At(i, j) - maxLogit)
				logits.Set(i, j, e)
				sum += e
			}
			for j := range numTokens {
				logits.Set(i, j, logits.At(i, j)/sum)
			}
		}

		var head mat.Dense
		head.Mul(&logits, vh)
		merged.Slice(0, numTokens, from, to).(*mat.Dense).Copy(&head)
	}
	return affine(merged, r.outputWeights, r.outputBiases)
}

func requireClose(t *testing.T, want *mat.Dense, got [][]float32) {
	rows, cols := want.Dims()
	require.Len(t, got, rows)
	for r := range rows {
		require.Len(t, got[r], cols)
		for c := range cols {
			require.InDeltaf(t, want.At(r, c), float64(got[r][c]), 1e-4, "element (%d, %d)", r, c)
		}
	}
}
