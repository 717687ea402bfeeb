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

// GenerationResult holds the decoded hypotheses for one batch entry.
type GenerationResult struct {
	// Sequences are the decoded token strings, one sequence per hypothesis,
	// best first.
	Sequences [][]string

	// SequencesIDs are the raw token ids behind Sequences.
	SequencesIDs [][]int32

	// Scores are the length-normalized hypothesis scores. Empty unless
	// Options.ReturnScores was set.
	Scores []float32

	// TokenScores are the per-token log-probabilities of the best
	// hypothesis. Empty unless Options.ReturnScores was set.
	TokenScores []float32

	// Attention is the decoder cross-attention per hypothesis and token.
	// Empty unless Options.ReturnAttention was set.
	Attention [][][]float32

	// NoSpeechProb is the probability of the no-speech token at the
	// start-of-transcript step. Only meaningful when
	// Options.ReturnNoSpeechProb was set.
	NoSpeechProb float32
}

// LanguageProb pairs a language token string with its probability.
type LanguageProb struct {
	Language    string
	Probability float32
}
