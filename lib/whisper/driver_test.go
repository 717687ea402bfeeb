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
	"testing"

	"github.com/stretchr/testify/require"
)

// greedyOptions keeps the scenarios deterministic.
func greedyOptions() Options {
	opts := DefaultOptions()
	opts.BeamSize = 1
	opts.SamplingTopK = 1
	opts.MaxLength = 40
	return opts
}

func TestGenerateEmptyBatch(t *testing.T) {
	encoder := &fakeEncoder{}
	decoder := &fakeDecoder{vocabSize: testVocabSize}
	driver := newTestDriver(t, encoder, decoder, ModelConfig{})

	results, err := driver.GenerateTokens(context.Background(), testFeatures(0), nil, greedyOptions())
	require.NoError(t, err)
	require.Empty(t, results)
	require.Zero(t, encoder.calls, "the encoder must not run for an empty batch")
}

func TestGenerateShortPrompt(t *testing.T) {
	// prompt = [SOT]: no prefill, SOT is the start token, the no-speech
	// probability comes from the first decoding step.
	encoder := &fakeEncoder{}
	decoder := &fakeDecoder{vocabSize: testVocabSize}
	decoder.stepLogits = func(absStep, row int, input int32) []float32 {
		switch absStep {
		case 0:
			return peakLogits(testVocabSize, testNoSpeechID)
		case 1:
			return peakLogits(testVocabSize, 5)
		default:
			return peakLogits(testVocabSize, testEotID)
		}
	}
	driver := newTestDriver(t, encoder, decoder, ModelConfig{})

	opts := greedyOptions()
	opts.ReturnNoSpeechProb = true

	results, err := driver.GenerateTokens(context.Background(), testFeatures(1), [][]int32{{testSotID}}, opts)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, 1, encoder.calls)
	require.Empty(t, decoder.forwardPrompts, "a single-token prompt must not prefill")
	require.Equal(t, 1, decoder.updateMultiple)

	// Timestamp rules are active (the prompt does not end with
	// <|notimestamps|>), so the first generated token is a bounded initial
	// timestamp even though the raw logits favored the no-speech token.
	seq := results[0].SequencesIDs[0]
	require.NotEmpty(t, seq)
	require.GreaterOrEqual(t, seq[0], int32(testTimestampBegin))
	require.LessOrEqual(t, seq[0], int32(testTimestampEnd))

	expected := softmaxAt(peakLogits(testVocabSize, testNoSpeechID), testNoSpeechID)
	require.InDelta(t, expected, float64(results[0].NoSpeechProb), 1e-4)
	require.GreaterOrEqual(t, results[0].NoSpeechProb, float32(0))
	require.LessOrEqual(t, results[0].NoSpeechProb, float32(1))
}

func TestGenerateTaskPromptNoTimestamps(t *testing.T) {
	// prompt = [SOT, lang, task, <|notimestamps|>]: prefill runs over the
	// first three tokens, the timestamp rules are not installed, and the
	// no-speech probability is read from the prefill outputs at the SOT
	// column.
	encoder := &fakeEncoder{}
	decoder := &fakeDecoder{vocabSize: testVocabSize}
	decoder.stepLogits = func(absStep, row int, input int32) []float32 {
		switch absStep {
		case 0:
			return peakLogits(testVocabSize, testNoSpeechID)
		case 3:
			return peakLogits(testVocabSize, 5)
		default:
			return peakLogits(testVocabSize, testEotID)
		}
	}
	driver := newTestDriver(t, encoder, decoder, ModelConfig{})

	opts := greedyOptions()
	opts.ReturnNoSpeechProb = true

	prompts := [][]int32{{testSotID, testLangEnID, testTranscribeID, testNoTimestampsID}}
	results, err := driver.GenerateTokens(context.Background(), testFeatures(1), prompts, opts)
	require.NoError(t, err)
	require.Len(t, results, 1)

	require.Equal(t, [][]int32{{testSotID, testLangEnID, testTranscribeID}}, decoder.forwardPrompts)

	// No timestamp rules: the favored text token comes out first.
	require.Equal(t, []int32{5}, results[0].SequencesIDs[0])
	require.Equal(t, []string{"w5"}, results[0].Sequences[0])

	expected := softmaxAt(peakLogits(testVocabSize, testNoSpeechID), testNoSpeechID)
	require.InDelta(t, expected, float64(results[0].NoSpeechProb), 1e-4)
}

func TestGenerateTimestampsPrompt(t *testing.T) {
	// prompt = [SOT, lang, task]: the last prompt token is not
	// <|notimestamps|>, so the rules are installed and the first generated
	// token is a timestamp within the initial bound.
	encoder := &fakeEncoder{}
	decoder := &fakeDecoder{vocabSize: testVocabSize}
	decoder.stepLogits = func(absStep, row int, input int32) []float32 {
		switch absStep {
		case 2:
			return peakLogits(testVocabSize, 5)
		case 3:
			return peakLogits(testVocabSize, 5)
		default:
			return peakLogits(testVocabSize, testEotID)
		}
	}
	driver := newTestDriver(t, encoder, decoder, ModelConfig{})

	opts := greedyOptions()
	opts.MaxInitialTimestampIndex = 5

	prompts := [][]int32{{testSotID, testLangEnID, testTranscribeID}}
	results, err := driver.GenerateTokens(context.Background(), testFeatures(1), prompts, opts)
	require.NoError(t, err)

	seq := results[0].SequencesIDs[0]
	require.NotEmpty(t, seq)
	require.GreaterOrEqual(t, seq[0], int32(testTimestampBegin))
	require.LessOrEqual(t, seq[0], int32(testTimestampBegin+5))

	// The closed-pair rule releases text generation right after the initial
	// timestamp.
	require.Equal(t, []int32{testTimestampBegin, 5}, seq)
}

func TestGenerateBatchMismatch(t *testing.T) {
	encoder := &fakeEncoder{}
	decoder := &fakeDecoder{vocabSize: testVocabSize}
	driver := newTestDriver(t, encoder, decoder, ModelConfig{})

	prompts := [][]int32{
		{testSotID, testLangEnID},
		{testSotID, testLangEnID, testTranscribeID},
	}
	_, err := driver.GenerateTokens(context.Background(), testFeatures(2), prompts, greedyOptions())
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.Zero(t, encoder.calls, "prompt validation runs before the encoder")
}

func TestGenerateBatchOrderPreserved(t *testing.T) {
	encoder := &fakeEncoder{}
	decoder := &fakeDecoder{vocabSize: testVocabSize}
	decoder.stepLogits = func(absStep, row int, input int32) []float32 {
		if absStep == 3 {
			if row == 0 {
				return peakLogits(testVocabSize, 5)
			}
			return peakLogits(testVocabSize, 7)
		}
		return peakLogits(testVocabSize, testEotID)
	}
	driver := newTestDriver(t, encoder, decoder, ModelConfig{})

	prompts := [][]int32{
		{testSotID, testLangEnID, testTranscribeID, testNoTimestampsID},
		{testSotID, testLangEnID, testTranscribeID, testNoTimestampsID},
	}
	results, err := driver.GenerateTokens(context.Background(), testFeatures(2), prompts, greedyOptions())
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, []int32{5}, results[0].SequencesIDs[0])
	require.Equal(t, []int32{7}, results[1].SequencesIDs[0])
}

func TestGenerateSuppressTokens(t *testing.T) {
	encoder := &fakeEncoder{}
	decoder := &fakeDecoder{vocabSize: testVocabSize}
	decoder.stepLogits = func(absStep, row int, input int32) []float32 {
		if absStep == 3 {
			return peakLogits(testVocabSize, 5)
		}
		return peakLogits(testVocabSize, testEotID)
	}
	driver := newTestDriver(t, encoder, decoder, ModelConfig{})

	opts := greedyOptions()
	opts.SuppressTokens = []int32{5}

	prompts := [][]int32{{testSotID, testLangEnID, testTranscribeID, testNoTimestampsID}}
	results, err := driver.GenerateTokens(context.Background(), testFeatures(1), prompts, opts)
	require.NoError(t, err)
	for _, seq := range results[0].SequencesIDs {
		require.NotContains(t, seq, int32(5))
	}
}

func TestGenerateSuppressTokensDefaultSet(t *testing.T) {
	encoder := &fakeEncoder{}
	decoder := &fakeDecoder{vocabSize: testVocabSize}
	decoder.stepLogits = func(absStep, row int, input int32) []float32 {
		if absStep == 3 {
			return peakLogits(testVocabSize, 7)
		}
		return peakLogits(testVocabSize, testEotID)
	}
	driver := newTestDriver(t, encoder, decoder, ModelConfig{SuppressIDs: []int32{7}})

	opts := greedyOptions()
	opts.SuppressTokens = []int32{-1}

	prompts := [][]int32{{testSotID, testLangEnID, testTranscribeID, testNoTimestampsID}}
	results, err := driver.GenerateTokens(context.Background(), testFeatures(1), prompts, opts)
	require.NoError(t, err)
	for _, seq := range results[0].SequencesIDs {
		require.NotContains(t, seq, int32(7))
	}
}

func TestGenerateSuppressBlank(t *testing.T) {
	encoder := &fakeEncoder{}
	decoder := &fakeDecoder{vocabSize: testVocabSize}
	decoder.stepLogits = func(absStep, row int, input int32) []float32 {
		if absStep == 3 {
			return peakLogits(testVocabSize, 9)
		}
		return peakLogits(testVocabSize, testEotID)
	}
	driver := newTestDriver(t, encoder, decoder, ModelConfig{SuppressIDsBegin: []int32{9}})

	opts := greedyOptions()
	opts.SuppressBlank = true

	prompts := [][]int32{{testSotID, testLangEnID, testTranscribeID, testNoTimestampsID}}
	results, err := driver.GenerateTokens(context.Background(), testFeatures(1), prompts, opts)
	require.NoError(t, err)
	seq := results[0].SequencesIDs[0]
	if len(seq) > 0 {
		require.NotEqual(t, int32(9), seq[0])
	}
}

func TestGenerateMaxLengthContract(t *testing.T) {
	encoder := &fakeEncoder{}
	decoder := &fakeDecoder{vocabSize: testVocabSize}
	// Never emits EOT: generation runs into the cap.
	decoder.stepLogits = func(absStep, row int, input int32) []float32 {
		return peakLogits(testVocabSize, 5)
	}
	driver := newTestDriver(t, encoder, decoder, ModelConfig{})

	opts := greedyOptions()
	opts.MaxLength = 10

	prompts := [][]int32{{testSotID, testLangEnID, testTranscribeID, testNoTimestampsID}}
	results, err := driver.GenerateTokens(context.Background(), testFeatures(1), prompts, opts)
	require.NoError(t, err)

	// start_step = 3, so max_new = min(10/2, 10-3) = 5.
	for _, seq := range results[0].SequencesIDs {
		require.LessOrEqual(t, len(seq), 5)
	}
	require.Len(t, results[0].SequencesIDs[0], 5)
}

func TestGenerateStringPrompts(t *testing.T) {
	encoder := &fakeEncoder{}
	decoder := &fakeDecoder{vocabSize: testVocabSize}
	decoder.stepLogits = func(absStep, row int, input int32) []float32 {
		if absStep == 3 {
			return peakLogits(testVocabSize, 5)
		}
		return peakLogits(testVocabSize, testEotID)
	}
	driver := newTestDriver(t, encoder, decoder, ModelConfig{})

	prompts := [][]string{{"<|startoftranscript|>", "<|en|>", "<|transcribe|>", "<|notimestamps|>"}}
	results, err := driver.Generate(context.Background(), testFeatures(1), prompts, greedyOptions())
	require.NoError(t, err)
	require.Equal(t, [][]int32{{testSotID, testLangEnID, testTranscribeID}}, decoder.forwardPrompts)
	require.Equal(t, []int32{5}, results[0].SequencesIDs[0])
}

func TestNewDriverRejectsNilModel(t *testing.T) {
	_, err := NewDriver(nil)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestGenerateReturnScores(t *testing.T) {
	encoder := &fakeEncoder{}
	decoder := &fakeDecoder{vocabSize: testVocabSize}
	decoder.stepLogits = func(absStep, row int, input int32) []float32 {
		if absStep == 3 {
			return peakLogits(testVocabSize, 5)
		}
		return peakLogits(testVocabSize, testEotID)
	}
	driver := newTestDriver(t, encoder, decoder, ModelConfig{})

	opts := greedyOptions()
	opts.ReturnScores = true

	prompts := [][]int32{{testSotID, testLangEnID, testTranscribeID, testNoTimestampsID}}
	results, err := driver.GenerateTokens(context.Background(), testFeatures(1), prompts, opts)
	require.NoError(t, err)
	require.Len(t, results[0].Scores, 1)
	require.Len(t, results[0].TokenScores, len(results[0].SequencesIDs[0]))
	require.Less(t, results[0].Scores[0], float32(0), "log-probability scores are negative")
}
