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
	"math"

	"github.com/antflydb/whisperdrive/lib/decoding"
)

// timestampRules enforces the structural constraints of Whisper timestamp
// tokens during sampling:
//
//   - <|notimestamps|> is never sampled.
//   - The first sampled token is a timestamp, bounded by the configured
//     maximum initial timestamp.
//   - Timestamps come in pairs: after closing a pair the next token is text
//     or EOT, inside an open pair the next token is a timestamp or EOT.
//   - Timestamps never decrease over the sequence.
//   - When the total probability mass over timestamp tokens exceeds the best
//     text token, a timestamp is forced.
type timestampRules struct {
	eotID                 int32
	noTimestampsID        int32
	timestampBeginID      int32
	timestampEndID        int32
	maxInitialTimestampID int32
}

func newTimestampRules(eotID, noTimestampsID, timestampBeginID, timestampEndID, maxInitialTimestampID int32) *timestampRules {
	if maxInitialTimestampID > timestampEndID {
		maxInitialTimestampID = timestampEndID
	}
	return &timestampRules{
		eotID:                 eotID,
		noTimestampsID:        noTimestampsID,
		timestampBeginID:      timestampBeginID,
		timestampEndID:        timestampEndID,
		maxInitialTimestampID: maxInitialTimestampID,
	}
}

func (r *timestampRules) ApplyFirst() bool { return false }

func (r *timestampRules) Apply(step int, logits [][]float32, disable *decoding.DisableTokens, sequences [][]int32, batchOffset []int, prefix [][]int32) {
	var checkMass []int

	for row := range logits {
		sampleBegin := 0
		if prefix != nil {
			sampleBegin = len(prefix[batchOffset[row]])
		}

		disable.Add(row, r.noTimestampsID)

		switch {
		case step == sampleBegin:
			// Suppress non-timestamps at the beginning and bound the initial
			// timestamp.
			disable.AddRange(row, 0, r.timestampBeginID)
			disable.AddRange(row, r.maxInitialTimestampID+1, r.timestampEndID+1)

		case step > sampleBegin:
			seq := sequences[row]

			// Timestamps have to appear in pairs, except directly before EOT.
			last := seq[step-1]
			if last >= r.timestampBeginID {
				penultimate := last
				if step-1 > sampleBegin {
					penultimate = seq[step-2]
				}
				if penultimate >= r.timestampBeginID {
					// Pair just closed: the next token has to be non-timestamp.
					disable.AddRange(row, r.timestampBeginID, r.timestampEndID+1)
				} else {
					// Open pair: no normal text tokens until it closes.
					disable.AddRange(row, 0, r.eotID)
					checkMass = append(checkMass, row)
				}
			} else {
				checkMass = append(checkMass, row)
			}

			// Timestamps shouldn't decrease: forbid timestamps smaller than
			// the most recent one.
			for t := step - 1; t >= sampleBegin; t-- {
				if token := seq[t]; token >= r.timestampBeginID {
					disable.AddRange(row, r.timestampBeginID, token)
					break
				}
			}
		}
	}

	if len(checkMass) == 0 {
		return
	}

	// Flush the masks before reading probabilities so that disabled tokens
	// do not contaminate the comparison.
	disable.Apply()

	for _, row := range checkMass {
		if r.shouldSampleTimestamp(logits[row]) {
			disable.AddRange(row, 0, r.timestampBeginID)
		}
	}
}

// shouldSampleTimestamp reports whether the summed probability over all
// timestamp tokens exceeds the probability of the best text token. Both
// sides share the same softmax normalization, so the comparison runs
// directly on max(text logits) vs logsumexp(timestamp logits).
func (r *timestampRules) shouldSampleTimestamp(logits []float32) bool {
	maxText := math.Inf(-1)
	for _, l := range logits[:r.timestampBeginID] {
		if v := float64(l); v > maxText {
			maxText = v
		}
	}

	timestampMass := logSumExp(logits[r.timestampBeginID : r.timestampEndID+1])

	return timestampMass > maxText
}

// logSumExp computes log(sum(exp(x))) with the usual max shift.
func logSumExp(values []float32) float64 {
	maxVal := math.Inf(-1)
	for _, v := range values {
		if f := float64(v); f > maxVal {
			maxVal = f
		}
	}
	if math.IsInf(maxVal, -1) {
		return maxVal
	}
	var sum float64
	for _, v := range values {
		sum += math.Exp(float64(v) - maxVal)
	}
	return maxVal + math.Log(sum)
}
