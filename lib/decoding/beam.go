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
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/ajroetker/go-highway/hwy/contrib/nn"
)

// hypothesis is one finished candidate for a batch entry.
type hypothesis struct {
	tokens      []int32
	score       float32
	tokenScores []float32
	attention   [][]float32
}

// beamRow is the mutable per-row decoding state.
type beamRow struct {
	seq         []int32
	cumLogProb  float64
	tokenScores []float32
	attention   [][]float32
}

func (r *beamRow) clone() beamRow {
	out := beamRow{
		seq:        append([]int32(nil), r.seq...),
		cumLogProb: r.cumLogProb,
	}
	if r.tokenScores != nil {
		out.tokenScores = append([]float32(nil), r.tokenScores...)
	}
	if r.attention != nil {
		out.attention = append([][]float32(nil), r.attention...)
	}
	return out
}

// candidate is one possible beam continuation.
type candidate struct {
	beam    int
	token   int32
	logProb float64
	score   float64
}

// Decode runs beam search over the decoder, one result per start sequence.
//
// The first token of each start sequence is consumed to produce the first
// logits; the remaining tokens are forced as a prefix before free sampling
// begins. Batch order is preserved in the results.
func Decode(ctx context.Context, decoder Decoder, state State, startTokens [][]int32, eotID int32, opts Options) ([]Result, error) {
	batchSize := len(startTokens)
	if batchSize == 0 {
		return nil, nil
	}
	for i, tokens := range startTokens {
		if len(tokens) == 0 {
			return nil, fmt.Errorf("start sequence %d is empty", i)
		}
	}

	beamSize := opts.BeamSize
	if beamSize < 1 {
		beamSize = 1
	}
	numHypotheses := opts.NumHypotheses
	if numHypotheses < 1 {
		numHypotheses = 1
	}
	if numHypotheses > beamSize {
		numHypotheses = beamSize
	}
	quota := numHypotheses
	if patience := opts.Patience; beamSize > 1 && patience > 1 {
		if q := int(float32(beamSize) * patience); q > quota {
			quota = q
		}
	}

	prefix := make([][]int32, batchSize)
	sampleBegin := make([]int, batchSize)
	hasPrefix := false
	for i, tokens := range startTokens {
		prefix[i] = tokens[1:]
		sampleBegin[i] = len(prefix[i])
		if len(prefix[i]) > 0 {
			hasPrefix = true
		}
	}
	processorPrefix := prefix
	if !hasPrefix {
		processorPrefix = nil
	}

	if err := ExpandState(state, beamSize); err != nil {
		return nil, err
	}

	rows := batchSize * beamSize
	batchOffset := make([]int, rows)
	for row := range batchOffset {
		batchOffset[row] = row / beamSize
	}

	beams := make([]beamRow, rows)
	// Only beam 0 of each batch is live until the first free selection; the
	// expanded rows are identical copies and must not compete against each
	// other.
	liveBeams := make([]int, batchSize)
	for b := range liveBeams {
		liveBeams[b] = 1
	}

	finished := make([][]hypothesis, batchSize)
	stopped := make([]bool, batchSize)

	attnProvider, _ := decoder.(CrossAttentionProvider)
	processors := orderProcessors(opts.Processors)

	inputs := make([]int32, rows)
	for row := range inputs {
		inputs[row] = startTokens[batchOffset[row]][0]
	}

	sequences := make([][]int32, rows)

	for step := 0; step < opts.MaxLength; step++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		logits, err := decoder.Step(ctx, opts.StartStep+step, inputs, state)
		if err != nil {
			return nil, err
		}
		if len(logits) != rows {
			return nil, fmt.Errorf("decoder returned %d logits rows, want %d", len(logits), rows)
		}

		var attention [][]float32
		if opts.ReturnAttention && attnProvider != nil {
			attention = attnProvider.LastCrossAttention()
		}

		for row := range sequences {
			sequences[row] = beams[row].seq
		}

		disable := NewDisableTokens(logits)
		for _, p := range processors {
			p.Apply(step, logits, disable, sequences, batchOffset, processorPrefix)
		}

		for row := 0; row < rows; row++ {
			for _, id := range opts.DisableIDs {
				disable.Add(row, id)
			}
			if step == sampleBegin[batchOffset[row]] {
				for _, id := range opts.DisableIDsBegin {
					disable.Add(row, id)
				}
			}
			if opts.NoRepeatNgramSize > 0 {
				for _, id := range blockedNgramTokens(beams[row].seq, opts.NoRepeatNgramSize) {
					disable.Add(row, id)
				}
			}
			if opts.RepetitionPenalty != 0 && opts.RepetitionPenalty != 1 {
				applyRepetitionPenalty(logits[row], beams[row].seq, opts.RepetitionPenalty)
			}
		}
		disable.Apply()

		gather := make([]int32, rows)
		for row := range gather {
			gather[row] = int32(row)
		}
		nextInputs := make([]int32, rows)
		copy(nextInputs, inputs)

		for b := 0; b < batchSize; b++ {
			base := b * beamSize

			if stopped[b] {
				for j := 0; j < beamSize; j++ {
					appendToken(&beams[base+j], eotID, 0, nil, false)
					nextInputs[base+j] = eotID
				}
				continue
			}

			if step < sampleBegin[b] {
				// Forced text prefix: every live beam takes the same token.
				token := prefix[b][step]
				for j := 0; j < beamSize; j++ {
					row := base + j
					logProb := tokenLogProb(logits[row], token)
					var attnRow []float32
					if attention != nil {
						attnRow = attention[row]
					}
					appendToken(&beams[row], token, logProb, attnRow, opts.ReturnScores)
					nextInputs[row] = token
				}
				continue
			}

			selectBeams(b, base, beamSize, liveBeams, beams, logits, attention, eotID, quota, opts,
				finished, gather, nextInputs)
			liveBeams[b] = beamSize

			if len(finished[b]) >= quota {
				stopped[b] = true
			}
		}

		allStopped := true
		for b := 0; b < batchSize; b++ {
			if !stopped[b] {
				allStopped = false
				break
			}
		}
		if allStopped {
			break
		}

		changed := false
		for row, src := range gather {
			if int(src) != row {
				changed = true
				break
			}
		}
		if changed {
			if err := GatherState(state, gather); err != nil {
				return nil, err
			}
		}
		inputs = nextInputs
	}

	results := make([]Result, batchSize)
	for b := 0; b < batchSize; b++ {
		results[b] = finalizeBatch(b, beamSize, liveBeams[b], beams, finished[b], numHypotheses, opts)
	}
	return results, nil
}

// appendToken advances one beam row by a selected token.
func appendToken(row *beamRow, token int32, logProb float64, attention []float32, keepScores bool) {
	row.seq = append(row.seq, token)
	row.cumLogProb += logProb
	if keepScores {
		row.tokenScores = append(row.tokenScores, float32(logProb))
	}
	if attention != nil {
		row.attention = append(row.attention, attention)
	}
}

// selectBeams picks the next beam set for one batch entry and collects any
// hypotheses that ended with EOT.
func selectBeams(
	b, base, beamSize int,
	liveBeams []int,
	beams []beamRow,
	logits [][]float32,
	attention [][]float32,
	eotID int32,
	quota int,
	opts Options,
	finished [][]hypothesis,
	gather []int32,
	nextInputs []int32,
) {
	var candidates []candidate

	sampling := opts.SamplingTopK != 1

	for j := 0; j < liveBeams[b]; j++ {
		row := base + j
		if sampling {
			token, logProb := sampleToken(logits[row], opts.SamplingTopK, opts.SamplingTemperature)
			candidates = append(candidates, candidate{
				beam:    j,
				token:   token,
				logProb: logProb,
				score:   beams[row].cumLogProb + logProb,
			})
			continue
		}
		for _, c := range topTokens(logits[row], beamSize+1) {
			candidates = append(candidates, candidate{
				beam:    j,
				token:   c.token,
				logProb: c.logProb,
				score:   beams[row].cumLogProb + c.logProb,
			})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	selected := make([]beamRow, 0, beamSize)
	gatherSrc := make([]int32, 0, beamSize)
	inputTok := make([]int32, 0, beamSize)

	for _, c := range candidates {
		srcRow := base + c.beam
		var attnRow []float32
		if attention != nil {
			attnRow = attention[srcRow]
		}

		if c.token == eotID {
			if len(finished[b]) < quota {
				hyp := beams[srcRow].clone()
				hyp.cumLogProb += c.logProb
				if opts.IncludeEOSInHypotheses {
					hyp.seq = append(hyp.seq, c.token)
					if opts.ReturnScores {
						hyp.tokenScores = append(hyp.tokenScores, float32(c.logProb))
					}
				}
				finished[b] = append(finished[b], makeHypothesis(hyp, opts))
			}
			continue
		}

		if len(selected) == beamSize {
			continue
		}
		next := beams[srcRow].clone()
		appendToken(&next, c.token, c.logProb, attnRow, opts.ReturnScores)
		selected = append(selected, next)
		gatherSrc = append(gatherSrc, int32(srcRow))
		inputTok = append(inputTok, c.token)
	}

	// Degenerate case: fewer viable continuations than beams. Pad with the
	// best beam so the row count stays fixed.
	for len(selected) < beamSize {
		var pad beamRow
		var src int32
		var tok int32
		if len(selected) > 0 {
			pad = selected[0].clone()
			src = gatherSrc[0]
			tok = inputTok[0]
		} else {
			pad = beams[base].clone()
			appendToken(&pad, eotID, 0, nil, false)
			src = int32(base)
			tok = eotID
		}
		selected = append(selected, pad)
		gatherSrc = append(gatherSrc, src)
		inputTok = append(inputTok, tok)
	}

	for j := 0; j < beamSize; j++ {
		beams[base+j] = selected[j]
		gather[base+j] = gatherSrc[j]
		nextInputs[base+j] = inputTok[j]
	}
}

// finalizeBatch turns finished and alive beams into an ordered Result.
func finalizeBatch(b, beamSize, live int, beams []beamRow, finished []hypothesis, numHypotheses int, opts Options) Result {
	hyps := append([]hypothesis(nil), finished...)
	if len(hyps) < numHypotheses {
		for j := 0; j < live && len(hyps) < numHypotheses; j++ {
			hyps = append(hyps, makeHypothesis(beams[b*beamSize+j].clone(), opts))
		}
	}

	sort.SliceStable(hyps, func(i, j int) bool { return hyps[i].score > hyps[j].score })
	if len(hyps) > numHypotheses {
		hyps = hyps[:numHypotheses]
	}

	result := Result{
		Hypotheses: make([][]int32, len(hyps)),
	}
	if opts.ReturnScores {
		result.Scores = make([]float32, len(hyps))
		result.TokenScores = make([][]float32, len(hyps))
	}
	if opts.ReturnAttention {
		result.Attention = make([][][]float32, len(hyps))
	}
	for i, h := range hyps {
		result.Hypotheses[i] = h.tokens
		if opts.ReturnScores {
			result.Scores[i] = h.score
			result.TokenScores[i] = h.tokenScores
		}
		if opts.ReturnAttention {
			result.Attention[i] = h.attention
		}
	}
	return result
}

// makeHypothesis normalizes a beam row into a scored hypothesis.
func makeHypothesis(row beamRow, opts Options) hypothesis {
	length := len(row.seq)
	if length == 0 {
		length = 1
	}
	norm := row.cumLogProb
	if opts.LengthPenalty != 0 {
		norm /= math.Pow(float64(length), float64(opts.LengthPenalty))
	}
	h := hypothesis{
		tokens: row.seq,
		score:  float32(norm),
	}
	if opts.ReturnScores {
		h.tokenScores = row.tokenScores
	}
	if opts.ReturnAttention {
		h.attention = row.attention
	}
	return h
}

type scoredToken struct {
	token   int32
	logProb float64
}

// topTokens returns the k best tokens of a logits row with their
// log-probabilities.
func topTokens(logits []float32, k int) []scoredToken {
	probs := make([]float32, len(logits))
	nn.Softmax(logits, probs)

	if k > len(probs) {
		k = len(probs)
	}
	out := make([]scoredToken, 0, k)
	taken := make([]bool, len(probs))
	for n := 0; n < k; n++ {
		best := -1
		for i, p := range probs {
			if taken[i] {
				continue
			}
			if best < 0 || p > probs[best] {
				best = i
			}
		}
		if best < 0 {
			break
		}
		taken[best] = true
		out = append(out, scoredToken{
			token:   int32(best),
			logProb: math.Log(float64(probs[best]) + 1e-10),
		})
	}
	return out
}

// tokenLogProb returns the log-probability of one token under the row's
// softmax distribution.
func tokenLogProb(logits []float32, token int32) float64 {
	probs := make([]float32, len(logits))
	nn.Softmax(logits, probs)
	return math.Log(float64(probs[token]) + 1e-10)
}

// sampleToken draws a token using top-k filtering and temperature.
func sampleToken(logits []float32, topK int, temperature float32) (int32, float64) {
	scaled := logits
	if temperature > 0 && temperature != 1 {
		scaled = make([]float32, len(logits))
		for i, l := range logits {
			scaled[i] = l / temperature
		}
	}

	probs := make([]float32, len(scaled))
	nn.Softmax(scaled, probs)

	if topK > 0 && topK < len(probs) {
		kept := topTokens(scaled, topK)
		filtered := make([]float32, len(probs))
		var sum float32
		for _, c := range kept {
			filtered[c.token] = probs[c.token]
			sum += probs[c.token]
		}
		if sum > 0 {
			for i := range filtered {
				filtered[i] /= sum
			}
		}
		probs = filtered
	}

	r := rand.Float32()
	var cumSum float32
	token := int32(len(probs) - 1)
	for i, p := range probs {
		cumSum += p
		if r < cumSum {
			token = int32(i)
			break
		}
	}
	return token, math.Log(float64(probs[token]) + 1e-10)
}

// applyRepetitionPenalty penalizes tokens already present in the sequence.
func applyRepetitionPenalty(logits []float32, seq []int32, penalty float32) {
	for _, tok := range seq {
		if int(tok) >= len(logits) {
			continue
		}
		if logits[tok] > 0 {
			logits[tok] /= penalty
		} else {
			logits[tok] *= penalty
		}
	}
}

// blockedNgramTokens returns the tokens that would complete an n-gram that
// already occurs in the sequence.
func blockedNgramTokens(seq []int32, n int) []int32 {
	if n <= 0 || len(seq) < n-1 {
		return nil
	}
	suffix := seq[len(seq)-(n-1):]
	var blocked []int32
	for i := 0; i+n <= len(seq); i++ {
		match := true
		for j := 0; j < n-1; j++ {
			if seq[i+j] != suffix[j] {
				match = false
				break
			}
		}
		if match {
			blocked = append(blocked, seq[i+n-1])
		}
	}
	return blocked
}
