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

// Options controls a single Generate call.
type Options struct {
	// BeamSize is the width of the beam search.
	BeamSize int

	// Patience is the beam search patience multiplier: with BeamSize > 1 and
	// Patience > 1 the search keeps collecting finished candidates until
	// max(NumHypotheses, BeamSize*Patience) are found; otherwise it stops
	// once NumHypotheses are found.
	Patience float32

	// LengthPenalty is the exponent used to normalize hypothesis scores by
	// their length.
	LengthPenalty float32

	// RepetitionPenalty is a multiplicative penalty on previously generated
	// token ids (1 disables).
	RepetitionPenalty float32

	// NoRepeatNgramSize hard-blocks repeated n-grams of this size
	// (0 disables).
	NoRepeatNgramSize int

	// MaxLength caps the total sequence length (prompt prefix plus
	// generated tokens).
	MaxLength int

	// SamplingTopK and SamplingTemperature control sampling; topk=1 selects
	// greedily within each beam.
	SamplingTopK        int
	SamplingTemperature float32

	// NumHypotheses is the number of hypotheses returned per batch entry.
	NumHypotheses int

	// ReturnScores includes aggregate and per-token scores in the result.
	ReturnScores bool

	// ReturnAttention includes the decoder cross-attention in the result.
	ReturnAttention bool

	// ReturnNoSpeechProb includes the no-speech probability, evaluated at
	// the decoder step corresponding to the start-of-transcript token.
	ReturnNoSpeechProb bool

	// MaxInitialTimestampIndex bounds the first timestamp token when the
	// timestamp rules are active.
	MaxInitialTimestampIndex int

	// SuppressBlank applies the model's configured first-step suppression
	// set.
	SuppressBlank bool

	// SuppressTokens are forbidden at every step. The sentinel -1 expands
	// to the model's default suppression set.
	SuppressTokens []int32
}

// DefaultOptions mirrors the defaults of the original Whisper bindings.
func DefaultOptions() Options {
	return Options{
		BeamSize:                 5,
		Patience:                 1,
		LengthPenalty:            1,
		RepetitionPenalty:        1,
		NoRepeatNgramSize:        0,
		MaxLength:                448,
		SamplingTopK:             1,
		SamplingTemperature:      1,
		NumHypotheses:            1,
		ReturnScores:             false,
		ReturnAttention:          false,
		ReturnNoSpeechProb:       false,
		MaxInitialTimestampIndex: 50,
		SuppressBlank:            true,
		SuppressTokens:           []int32{-1},
	}
}
