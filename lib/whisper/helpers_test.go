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

package whisper

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antflydb/whisperdrive/lib/backends"
	"github.com/antflydb/whisperdrive/lib/decoding"
	"github.com/antflydb/whisperdrive/lib/vocab"
)

// Test vocabulary layout, mirroring the Whisper token structure at a small
// scale:
//
//	0..19   text tokens w0..w19
//	20      <|endoftext|>        (EOT, also UNK)
//	21      <|startoftranscript|>
//	22..23  language tokens
//	24..25  task tokens
//	26      <|nospeech|>
//	27      <|notimestamps|>
//	28..47  timestamp tokens
const (
	testEotID          = 20
	testSotID          = 21
	testLangEnID       = 22
	testLangDeID       = 23
	testTranscribeID   = 24
	testNoSpeechID     = 26
	testNoTimestampsID = 27
	testTimestampBegin = 28
	testTimestampEnd   = 47
	testVocabSize      = 48
)

// testVocabTokens builds the token table above, optionally padded with
// filler text tokens so the total size matches a multilingual vocabulary.
func testVocabTokens(totalSize int) []string {
	tokens := make([]string, 0, totalSize)
	for i := 0; i < 20; i++ {
		tokens = append(tokens, fmt.Sprintf("w%d", i))
	}
	tokens = append(tokens,
		"<|endoftext|>",
		"<|startoftranscript|>",
		"<|en|>",
		"<|de|>",
		"<|transcribe|>",
		"<|translate|>",
		"<|nospeech|>",
		"<|notimestamps|>",
	)
	for i := 0; len(tokens) < 28+20; i++ {
		tokens = append(tokens, fmt.Sprintf("<|%d.%02d|>", i/50, (i%50)*2))
	}
	for len(tokens) < totalSize {
		tokens = append(tokens, fmt.Sprintf("pad%d", len(tokens)))
	}
	return tokens
}

func newTestAdapter(t *testing.T) *vocab.Adapter {
	t.Helper()
	v, err := vocab.New(testVocabTokens(testVocabSize))
	require.NoError(t, err)
	a := vocab.NewAdapter(v)
	require.Equal(t, int32(testSotID), a.SotID())
	require.Equal(t, int32(testEotID), a.EotID())
	require.Equal(t, int32(testNoTimestampsID), a.NoTimestampsID())
	require.Equal(t, int32(testNoSpeechID), a.NoSpeechID())
	require.Equal(t, int32(testTimestampBegin), a.TimestampBeginID())
	return a
}

// peakLogits favors a single token.
func peakLogits(vocabSize int, id int32) []float32 {
	row := make([]float32, vocabSize)
	for i := range row {
		row[i] = -2
	}
	row[id] = 6
	return row
}

// softmaxAt computes the softmax probability of one index in float64.
func softmaxAt(logits []float32, id int32) float64 {
	maxVal := math.Inf(-1)
	for _, l := range logits {
		if float64(l) > maxVal {
			maxVal = float64(l)
		}
	}
	var sum float64
	for _, l := range logits {
		sum += math.Exp(float64(l) - maxVal)
	}
	return math.Exp(float64(logits[id])-maxVal) / sum
}

func testFeatures(batch int) backends.NamedTensor {
	return backends.NamedTensor{
		Name:  "input_features",
		Shape: []int64{int64(batch), 80, 3000},
		Data:  make([]float32, batch*80*3000),
	}
}

// fakeEncoder returns a fixed-size memory tensor and counts invocations.
type fakeEncoder struct {
	calls int
}

func (e *fakeEncoder) Encode(_ context.Context, features backends.NamedTensor) (backends.NamedTensor, error) {
	e.calls++
	batch := features.Shape[0]
	return backends.NamedTensor{
		Name:  "memory",
		Shape: []int64{batch, 4, 2},
		Data:  make([]float32, int(batch)*8),
	}, nil
}

// fakeDecoder produces scripted logits. stepLogits is invoked per row with
// the absolute step and the fed token; prompt hidden outputs reuse the same
// script per prompt position.
type fakeDecoder struct {
	vocabSize  int
	stepLogits func(absStep, row int, input int32) []float32

	forwardPrompts [][]int32
	stepInputs     [][]int32
	stepNumbers    []int
	updateMultiple int
}

func (d *fakeDecoder) InitialState() decoding.State {
	return decoding.State{}
}

func (d *fakeDecoder) ForwardPrompt(_ context.Context, prompts [][]int32, state decoding.State, hiddenOut *backends.NamedTensor) error {
	d.forwardPrompts = append([][]int32(nil), prompts...)

	batch := len(prompts)
	seqLen := len(prompts[0])
	state["layer_0.self"] = backends.NamedTensor{
		Name:  "layer_0.self",
		Shape: []int64{int64(batch), int64(seqLen)},
		Data:  make([]float32, batch*seqLen),
	}

	if hiddenOut == nil {
		return nil
	}
	data := make([]float32, batch*seqLen*d.vocabSize)
	for i, prompt := range prompts {
		for t, token := range prompt {
			row := d.stepLogits(t, i, token)
			copy(data[(i*seqLen+t)*d.vocabSize:], row)
		}
	}
	*hiddenOut = backends.NamedTensor{
		Name:  "hidden",
		Shape: []int64{int64(batch), int64(seqLen), int64(d.vocabSize)},
		Data:  data,
	}
	return nil
}

func (d *fakeDecoder) ComputeLogitsForSteps(hidden backends.NamedTensor, steps []int32) ([][]float32, error) {
	data := hidden.Data.([]float32)
	seqLen := int(hidden.Shape[1])
	vocabSize := int(hidden.Shape[2])
	out := make([][]float32, len(steps))
	for i, step := range steps {
		row := make([]float32, vocabSize)
		copy(row, data[(i*seqLen+int(step))*vocabSize:])
		out[i] = row
	}
	return out, nil
}

func (d *fakeDecoder) Step(_ context.Context, step int, inputIDs []int32, _ decoding.State) ([][]float32, error) {
	d.stepInputs = append(d.stepInputs, append([]int32(nil), inputIDs...))
	d.stepNumbers = append(d.stepNumbers, step)
	out := make([][]float32, len(inputIDs))
	for row, input := range inputIDs {
		out[row] = d.stepLogits(step, row, input)
	}
	return out, nil
}

func (d *fakeDecoder) UpdateOutputLayer(multiple int) error {
	d.updateMultiple = multiple
	return nil
}

func newTestModel(t *testing.T, encoder *fakeEncoder, decoder *fakeDecoder, config ModelConfig) *Model {
	t.Helper()
	model, err := NewModel(newTestAdapter(t), config, encoder, decoder)
	require.NoError(t, err)
	return model
}

func newTestDriver(t *testing.T, encoder *fakeEncoder, decoder *fakeDecoder, config ModelConfig) *Driver {
	t.Helper()
	driver, err := NewDriver(newTestModel(t, encoder, decoder, config))
	require.NoError(t, err)
	return driver
}
