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

// Package decoding implements the generic autoregressive beam decoder and
// the logits-processor contract used by model drivers.
package decoding

import (
	"context"
	"math"

	"github.com/antflydb/whisperdrive/lib/backends"
)

// State is the decoder cache owned by a single request: named tensors keyed
// by layer identifier plus the sentinel key "memory" (encoder output).
type State map[string]backends.NamedTensor

// Decoder is one step of an autoregressive decoder over a batch of rows.
type Decoder interface {
	// InitialState returns an empty decoder state.
	InitialState() State

	// ForwardPrompt runs the decoder over a full prompt grid to warm the
	// state cache. All prompt rows must have the same length. When hiddenOut
	// is non-nil it receives the decoder outputs for every prompt position,
	// for later projection through ComputeLogitsForSteps.
	ForwardPrompt(ctx context.Context, prompts [][]int32, state State, hiddenOut *backends.NamedTensor) error

	// ComputeLogitsForSteps projects selected positions of a ForwardPrompt
	// hidden output through the output layer, one position per batch row.
	// Returns one vocabulary-sized logits row per batch row.
	ComputeLogitsForSteps(hidden backends.NamedTensor, steps []int32) ([][]float32, error)

	// Step runs one decoder step. step is the absolute position of the input
	// tokens, inputIDs holds one token per row, and the returned logits have
	// one vocabulary-sized row per input row.
	Step(ctx context.Context, step int, inputIDs []int32, state State) ([][]float32, error)

	// UpdateOutputLayer pads the decoder output layer to a multiple of the
	// given size. Backends that fuse the projection may ignore it.
	UpdateOutputLayer(multiple int) error
}

// LogitsProcessor mutates or observes the logits of each decoding step.
//
// step counts decoded positions from the start of the decode loop (the
// forced text prefix occupies steps [0, sampleBegin)). sequences holds the
// tokens selected so far for every row (length step), batchOffset maps each
// row to its original batch index, and prefix holds the forced text prefix
// per original batch (nil when there is none). Token masking goes through
// the DisableTokens accumulator, never by writing logits directly.
type LogitsProcessor interface {
	// ApplyFirst reports whether this processor must run before any
	// processor that masks logits.
	ApplyFirst() bool

	Apply(step int, logits [][]float32, disable *DisableTokens, sequences [][]int32, batchOffset []int, prefix [][]int32)
}

// DisableTokens accumulates forbidden token ids per row for one decoding
// step. Apply writes -Inf into the pending positions.
type DisableTokens struct {
	logits  [][]float32
	pending [][]int32
}

// NewDisableTokens creates an accumulator bound to the step's logits.
func NewDisableTokens(logits [][]float32) *DisableTokens {
	return &DisableTokens{
		logits:  logits,
		pending: make([][]int32, len(logits)),
	}
}

// Add marks a single token id as forbidden for the given row.
func (d *DisableTokens) Add(row int, id int32) {
	if id < 0 || int(id) >= len(d.logits[row]) {
		return
	}
	d.pending[row] = append(d.pending[row], id)
}

// AddRange marks every id in [lo, hi) as forbidden for the given row.
func (d *DisableTokens) AddRange(row int, lo, hi int32) {
	if lo < 0 {
		lo = 0
	}
	if n := int32(len(d.logits[row])); hi > n {
		hi = n
	}
	for id := lo; id < hi; id++ {
		d.pending[row] = append(d.pending[row], id)
	}
}

// Apply flushes the accumulated ids into the logits as -Inf. Processors that
// need a clean log-softmax over the masked logits call this before reading;
// the decode loop calls it once after all processors ran.
func (d *DisableTokens) Apply() {
	negInf := float32(math.Inf(-1))
	for row, ids := range d.pending {
		for _, id := range ids {
			d.logits[row][id] = negInf
		}
		d.pending[row] = d.pending[row][:0]
	}
}

// CrossAttentionProvider is implemented by decoders that can report the
// cross-attention weights of their most recent Step call, one row per input
// row.
type CrossAttentionProvider interface {
	LastCrossAttention() [][]float32
}

// Options configures a Decode call.
type Options struct {
	// StartStep is the absolute position of the first decoded token, i.e.
	// the length of the prompt prefix already in the state.
	StartStep int

	BeamSize            int
	Patience            float32
	LengthPenalty       float32
	RepetitionPenalty   float32
	NoRepeatNgramSize   int
	MaxLength           int
	SamplingTopK        int
	SamplingTemperature float32
	NumHypotheses       int

	ReturnScores           bool
	ReturnAttention        bool
	IncludeEOSInHypotheses bool

	// DisableIDs are forbidden at every step; DisableIDsBegin only at the
	// first freely sampled step of each row.
	DisableIDs      []int32
	DisableIDsBegin []int32

	// Processors run each step in installation order, except that entries
	// declaring ApplyFirst are reordered to run first.
	Processors []LogitsProcessor
}

// Result holds the decoded hypotheses for one batch entry, best first.
type Result struct {
	Hypotheses  [][]int32
	Scores      []float32
	TokenScores [][]float32
	Attention   [][][]float32
}

// orderProcessors returns the processors with ApplyFirst entries moved to
// the front, preserving installation order within each group.
func orderProcessors(processors []LogitsProcessor) []LogitsProcessor {
	ordered := make([]LogitsProcessor, 0, len(processors))
	for _, p := range processors {
		if p.ApplyFirst() {
			ordered = append(ordered, p)
		}
	}
	for _, p := range processors {
		if !p.ApplyFirst() {
			ordered = append(ordered, p)
		}
	}
	return ordered
}
