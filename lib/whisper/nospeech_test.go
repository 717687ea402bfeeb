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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antflydb/whisperdrive/lib/decoding"
)

func TestNoSpeechProbsFromLogits(t *testing.T) {
	logits := [][]float32{
		peakLogits(testVocabSize, testNoSpeechID),
		peakLogits(testVocabSize, 5),
	}
	expected0 := softmaxAt(logits[0], testNoSpeechID)
	expected1 := softmaxAt(logits[1], testNoSpeechID)

	probs := noSpeechProbsFromLogits(logits, testNoSpeechID)
	require.Len(t, probs, 2)
	require.InDelta(t, expected0, float64(probs[0]), 1e-4)
	require.InDelta(t, expected1, float64(probs[1]), 1e-4)
	require.Greater(t, probs[0], probs[1])
}

func TestNoSpeechProcessorCapturesFirstStep(t *testing.T) {
	// Two batches, beam size two: the processor reads one row per batch,
	// row i*beamSize.
	logits := [][]float32{
		peakLogits(testVocabSize, testNoSpeechID),
		peakLogits(testVocabSize, 1),
		peakLogits(testVocabSize, 5),
		peakLogits(testVocabSize, 2),
	}
	batchOffset := []int{0, 0, 1, 1}

	original := make([][]float32, len(logits))
	for i, row := range logits {
		original[i] = append([]float32(nil), row...)
	}

	p := newNoSpeechProbsProcessor(testNoSpeechID)
	require.True(t, p.ApplyFirst())

	disable := decoding.NewDisableTokens(logits)
	p.Apply(0, logits, disable, make([][]int32, 4), batchOffset, nil)

	probs := p.NoSpeechProbs()
	require.Len(t, probs, 2)
	require.InDelta(t, softmaxAt(original[0], testNoSpeechID), float64(probs[0]), 1e-4)
	require.InDelta(t, softmaxAt(original[2], testNoSpeechID), float64(probs[1]), 1e-4)

	// The processor never modifies the logits.
	require.Equal(t, original, logits)

	// Later steps do not overwrite the captured values.
	p.Apply(1, logits, disable, make([][]int32, 4), batchOffset, nil)
	require.Equal(t, probs, p.NoSpeechProbs())
}

func TestNoSpeechProcessorIgnoresLaterSteps(t *testing.T) {
	logits := [][]float32{peakLogits(testVocabSize, testNoSpeechID)}
	p := newNoSpeechProbsProcessor(testNoSpeechID)
	p.Apply(3, logits, decoding.NewDisableTokens(logits), make([][]int32, 1), []int{0}, nil)
	require.Nil(t, p.NoSpeechProbs())
}
