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
	"github.com/ajroetker/go-highway/hwy/contrib/nn"

	"github.com/antflydb/whisperdrive/lib/decoding"
)

// noSpeechProbsFromLogits computes the softmax probability of the no-speech
// token for every logits row.
func noSpeechProbsFromLogits(logits [][]float32, noSpeechID int32) []float32 {
	probs := make([]float32, len(logits))
	for i, l := range logits {
		row := make([]float32, len(l))
		nn.Softmax(l, row)
		probs[i] = row[noSpeechID]
	}
	return probs
}

// noSpeechProbsProcessor captures the no-speech probability during the first
// decoding step. It is installed when the start-of-transcript token is the
// last prompt token, so the first step's logits are exactly the post-SOT
// distribution. It never modifies the logits and must run before any
// processor that masks them.
type noSpeechProbsProcessor struct {
	noSpeechID int32
	probs      []float32
}

func newNoSpeechProbsProcessor(noSpeechID int32) *noSpeechProbsProcessor {
	return &noSpeechProbsProcessor{noSpeechID: noSpeechID}
}

func (p *noSpeechProbsProcessor) ApplyFirst() bool { return true }

func (p *noSpeechProbsProcessor) Apply(step int, logits [][]float32, _ *decoding.DisableTokens, _ [][]int32, batchOffset []int, _ [][]int32) {
	if step != 0 || p.probs != nil {
		return
	}

	all := noSpeechProbsFromLogits(logits, p.noSpeechID)

	batchSize := 0
	for _, b := range batchOffset {
		if b+1 > batchSize {
			batchSize = b + 1
		}
	}
	beamSize := len(logits) / batchSize

	p.probs = make([]float32, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		p.probs = append(p.probs, all[i*beamSize])
	}
}

// NoSpeechProbs returns the captured probabilities, one per batch entry.
// Valid after the decode loop returns.
func (p *noSpeechProbsProcessor) NoSpeechProbs() []float32 {
	return p.probs
}
