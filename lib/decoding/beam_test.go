// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package decoding

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antflydb/whisperdrive/lib/backends"
)

const testVocab = 16
const testEot = 15

// scriptDecoder returns scripted logits per absolute step and row.
type scriptDecoder struct {
	logits func(step, row int, input int32) []float32

	steps  []int
	inputs [][]int32
}

func (d *scriptDecoder) InitialState() State { return State{} }

func (d *scriptDecoder) ForwardPrompt(context.Context, [][]int32, State, *backends.NamedTensor) error {
	return nil
}

func (d *scriptDecoder) ComputeLogitsForSteps(backends.NamedTensor, []int32) ([][]float32, error) {
	return nil, nil
}

func (d *scriptDecoder) Step(_ context.Context, step int, inputIDs []int32, _ State) ([][]float32, error) {
	d.steps = append(d.steps, step)
	d.inputs = append(d.inputs, append([]int32(nil), inputIDs...))
	out := make([][]float32, len(inputIDs))
	for row, input := range inputIDs {
		out[row] = d.logits(step, row, input)
	}
	return out, nil
}

func (d *scriptDecoder) UpdateOutputLayer(int) error { return nil }

func favor(id int32) []float32 {
	row := make([]float32, testVocab)
	for i := range row {
		row[i] = -4
	}
	row[id] = 4
	return row
}

func favorPair(first, second int32) []float32 {
	row := favor(first)
	row[second] = 3
	return row
}

func greedy(maxLength int) Options {
	return Options{
		BeamSize:      1,
		SamplingTopK:  1,
		MaxLength:     maxLength,
		NumHypotheses: 1,
		LengthPenalty: 1,
	}
}

func TestDecodeGreedyStopsAtEOT(t *testing.T) {
	decoder := &scriptDecoder{
		logits: func(step, row int, input int32) []float32 {
			switch step {
			case 0:
				return favor(3)
			case 1:
				return favor(4)
			default:
				return favor(testEot)
			}
		},
	}

	results, err := Decode(context.Background(), decoder, State{}, [][]int32{{1}}, testEot, greedy(20))
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, [][]int32{{3, 4}}, results[0].Hypotheses, "EOT is not part of the hypothesis")
	require.Equal(t, []int{0, 1, 2}, decoder.steps)
	require.Equal(t, []int32{1}, decoder.inputs[0], "the first start token feeds the first step")
}

func TestDecodeEmptyBatch(t *testing.T) {
	decoder := &scriptDecoder{}
	results, err := Decode(context.Background(), decoder, State{}, nil, testEot, greedy(4))
	require.NoError(t, err)
	require.Nil(t, results)
}

func TestDecodeForcedPrefix(t *testing.T) {
	decoder := &scriptDecoder{
		logits: func(step, row int, input int32) []float32 {
			// The script would prefer token 9 everywhere; the prefix must
			// win regardless.
			if step < 3 {
				return favor(9)
			}
			return favor(testEot)
		},
	}

	// Start tokens [1, 5, 6]: 1 is consumed, 5 and 6 are forced.
	results, err := Decode(context.Background(), decoder, State{}, [][]int32{{1, 5, 6}}, testEot, greedy(20))
	require.NoError(t, err)
	require.Equal(t, [][]int32{{5, 6, 9}}, results[0].Hypotheses)
	require.Equal(t, [][]int32{{1}, {5}, {6}, {9}}, decoder.inputs)
}

func TestDecodeStartStepOffset(t *testing.T) {
	decoder := &scriptDecoder{
		logits: func(step, row int, input int32) []float32 {
			return favor(testEot)
		},
	}

	opts := greedy(4)
	opts.StartStep = 7
	_, err := Decode(context.Background(), decoder, State{}, [][]int32{{1}}, testEot, opts)
	require.NoError(t, err)
	require.Equal(t, []int{7}, decoder.steps, "decoder steps are absolute positions")
}

func TestDecodeMaxLengthCap(t *testing.T) {
	decoder := &scriptDecoder{
		logits: func(step, row int, input int32) []float32 {
			return favor(2)
		},
	}

	results, err := Decode(context.Background(), decoder, State{}, [][]int32{{1}}, testEot, greedy(3))
	require.NoError(t, err)
	require.Equal(t, [][]int32{{2, 2, 2}}, results[0].Hypotheses)
}

func TestDecodeDisableIDs(t *testing.T) {
	decoder := &scriptDecoder{
		logits: func(step, row int, input int32) []float32 {
			if step == 0 {
				return favorPair(3, 4)
			}
			return favor(testEot)
		},
	}

	opts := greedy(8)
	opts.DisableIDs = []int32{3}
	results, err := Decode(context.Background(), decoder, State{}, [][]int32{{1}}, testEot, opts)
	require.NoError(t, err)
	require.Equal(t, [][]int32{{4}}, results[0].Hypotheses)
}

func TestDecodeDisableIDsBegin(t *testing.T) {
	decoder := &scriptDecoder{
		logits: func(step, row int, input int32) []float32 {
			switch step {
			case 0, 1:
				return favorPair(3, 4)
			default:
				return favor(testEot)
			}
		},
	}

	opts := greedy(8)
	opts.DisableIDsBegin = []int32{3}
	results, err := Decode(context.Background(), decoder, State{}, [][]int32{{1}}, testEot, opts)
	require.NoError(t, err)
	// Token 3 is only blocked at the first free step.
	require.Equal(t, [][]int32{{4, 3}}, results[0].Hypotheses)
}

func TestDecodeBeamSearchRanksHypotheses(t *testing.T) {
	decoder := &scriptDecoder{
		logits: func(step, row int, input int32) []float32 {
			if step == 0 {
				return favorPair(3, 4)
			}
			return favor(testEot)
		},
	}

	opts := Options{
		BeamSize:      2,
		SamplingTopK:  1,
		MaxLength:     8,
		NumHypotheses: 2,
		LengthPenalty: 1,
		ReturnScores:  true,
	}
	results, err := Decode(context.Background(), decoder, State{}, [][]int32{{1}}, testEot, opts)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, results[0].Hypotheses, 2)
	require.Equal(t, []int32{3}, results[0].Hypotheses[0], "the favored token wins the beam")
	require.Equal(t, []int32{4}, results[0].Hypotheses[1])
	require.GreaterOrEqual(t, results[0].Scores[0], results[0].Scores[1])
	require.Len(t, results[0].TokenScores[0], 1)
}

func TestDecodeBatchOrder(t *testing.T) {
	decoder := &scriptDecoder{
		logits: func(step, row int, input int32) []float32 {
			if step == 0 {
				if row == 0 {
					return favor(3)
				}
				return favor(4)
			}
			return favor(testEot)
		},
	}

	results, err := Decode(context.Background(), decoder, State{}, [][]int32{{1}, {1}}, testEot, greedy(8))
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, []int32{3}, results[0].Hypotheses[0])
	require.Equal(t, []int32{4}, results[1].Hypotheses[0])
}

func TestDecodeNoRepeatNgram(t *testing.T) {
	decoder := &scriptDecoder{
		logits: func(step, row int, input int32) []float32 {
			// Would repeat 3,4 forever without the n-gram block.
			if step%2 == 0 {
				return favorPair(3, 5)
			}
			return favorPair(4, 6)
		},
	}

	opts := greedy(6)
	opts.NoRepeatNgramSize = 2
	results, err := Decode(context.Background(), decoder, State{}, [][]int32{{1}}, testEot, opts)
	require.NoError(t, err)

	seq := results[0].Hypotheses[0]
	seen := make(map[[2]int32]bool)
	for i := 0; i+1 < len(seq); i++ {
		pair := [2]int32{seq[i], seq[i+1]}
		require.False(t, seen[pair], "bigram %v repeated", pair)
		seen[pair] = true
	}
}

func TestDecodeProcessorOrdering(t *testing.T) {
	var order []string

	first := &recordingProcessor{name: "first", applyFirst: true, order: &order}
	second := &recordingProcessor{name: "second", order: &order}

	decoder := &scriptDecoder{
		logits: func(step, row int, input int32) []float32 {
			return favor(testEot)
		},
	}

	opts := greedy(2)
	opts.Processors = []LogitsProcessor{second, first}
	_, err := Decode(context.Background(), decoder, State{}, [][]int32{{1}}, testEot, opts)
	require.NoError(t, err)
	require.Equal(t, []string{"first", "second"}, order[:2])
}

type recordingProcessor struct {
	name       string
	applyFirst bool
	order      *[]string
}

func (p *recordingProcessor) ApplyFirst() bool { return p.applyFirst }

func (p *recordingProcessor) Apply(int, [][]float32, *DisableTokens, [][]int32, []int, [][]int32) {
	*p.order = append(*p.order, p.name)
}

func TestDisableTokensApply(t *testing.T) {
	logits := [][]float32{{1, 2, 3, 4}}
	d := NewDisableTokens(logits)
	d.Add(0, 1)
	d.AddRange(0, 2, 4)
	require.False(t, math.IsInf(float64(logits[0][1]), -1), "Add is deferred until Apply")
	d.Apply()

	require.Equal(t, float32(1), logits[0][0])
	for _, id := range []int{1, 2, 3} {
		require.True(t, math.IsInf(float64(logits[0][id]), -1))
	}

	// Out-of-range ids are ignored.
	d.Add(0, 99)
	d.AddRange(0, -5, 99)
	d.Apply()
}
