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

	"go.uber.org/zap"

	"github.com/antflydb/whisperdrive/lib/backends"
	"github.com/antflydb/whisperdrive/lib/decoding"
)

// Driver orchestrates one replica of the Whisper model: encode, prompt
// prefill, decode configuration, and result assembly. A driver serves one
// request at a time; the enclosing service runs one driver per replica.
type Driver struct {
	model  *Model
	logger *zap.Logger
}

// NewDriver creates a driver for the given model. The model must be a
// Whisper model.
func NewDriver(model *Model) (*Driver, error) {
	if model == nil || model.adapter == nil {
		return nil, fmt.Errorf("%w: the model is not a Whisper model", ErrInvalidArgument)
	}
	return &Driver{
		model:  model,
		logger: model.logger,
	}, nil
}

// Model returns the shared model.
func (d *Driver) Model() *Model { return d.model }

// IsMultilingual reports whether the underlying model is multilingual.
func (d *Driver) IsMultilingual() bool { return d.model.IsMultilingual() }

// Encode runs the encoder over log-mel features [B, 80, 3000].
func (d *Driver) Encode(ctx context.Context, features backends.NamedTensor) (backends.NamedTensor, error) {
	return d.model.encoder.Encode(ctx, features)
}

// Generate decodes token sequences for a batch of feature rows and string
// prompts. Each prompt token string is resolved through the vocabulary
// before delegating to GenerateTokens.
func (d *Driver) Generate(ctx context.Context, features backends.NamedTensor, prompts [][]string, opts Options) ([]GenerationResult, error) {
	return d.GenerateTokens(ctx, features, d.model.adapter.Vocabulary().ToIDs(prompts), opts)
}

// GenerateTokens decodes token sequences for a batch of feature rows and
// token-id prompts. Results preserve the input batch order.
func (d *Driver) GenerateTokens(ctx context.Context, features backends.NamedTensor, prompts [][]int32, opts Options) ([]GenerationResult, error) {
	if len(prompts) == 0 {
		return []GenerationResult{}, nil
	}

	adapter := d.model.adapter
	sotIdx, prefixLen, err := analyzePrompts(prompts, adapter.SotID(), adapter.NoTimestampsID())
	if err != nil {
		return nil, err
	}
	sotIsStartToken := sotIdx == prefixLen-1

	decoder := d.model.decoder
	state := decoder.InitialState()

	memory, err := d.Encode(ctx, features)
	if err != nil {
		return nil, err
	}
	state[memoryKey] = memory

	if err := decoder.UpdateOutputLayer(d.model.preferredSizeMultiple); err != nil {
		return nil, err
	}

	var (
		startTokens   [][]int32
		noSpeechProbs []float32
		startStep     int
	)

	if prefixLen == 1 {
		startTokens = prompts
	} else {
		promptTokens := make([][]int32, len(prompts))
		startTokens = make([][]int32, len(prompts))
		for i, prompt := range prompts {
			promptTokens[i] = prompt[:prefixLen-1]
			startTokens[i] = prompt[prefixLen-1:]
		}

		// Initialize the decoder state with the prompt.
		if !opts.ReturnNoSpeechProb || sotIsStartToken {
			if err := decoder.ForwardPrompt(ctx, promptTokens, state, nil); err != nil {
				return nil, err
			}
		} else {
			// The no-speech probability is read at the start-of-transcript
			// step, which falls inside the prefill.
			var hidden backends.NamedTensor
			if err := decoder.ForwardPrompt(ctx, promptTokens, state, &hidden); err != nil {
				return nil, err
			}

			sotSteps := make([]int32, len(prompts))
			for i := range sotSteps {
				sotSteps[i] = int32(sotIdx)
			}
			logits, err := decoder.ComputeLogitsForSteps(hidden, sotSteps)
			if err != nil {
				return nil, err
			}
			noSpeechProbs = noSpeechProbsFromLogits(logits, adapter.NoSpeechID())
		}

		startStep = prefixLen - 1
	}

	totalMaxLength := opts.MaxLength
	decodeOpts := decoding.Options{
		StartStep:              startStep,
		BeamSize:               opts.BeamSize,
		Patience:               opts.Patience,
		LengthPenalty:          opts.LengthPenalty,
		RepetitionPenalty:      opts.RepetitionPenalty,
		NoRepeatNgramSize:      opts.NoRepeatNgramSize,
		MaxLength:              min(totalMaxLength/2, totalMaxLength-startStep),
		SamplingTopK:           opts.SamplingTopK,
		SamplingTemperature:    opts.SamplingTemperature,
		NumHypotheses:          opts.NumHypotheses,
		ReturnScores:           opts.ReturnScores,
		ReturnAttention:        opts.ReturnAttention,
		IncludeEOSInHypotheses: false,
	}

	for _, id := range opts.SuppressTokens {
		switch {
		case id >= 0:
			decodeOpts.DisableIDs = append(decodeOpts.DisableIDs, id)
		case id == -1:
			decodeOpts.DisableIDs = append(decodeOpts.DisableIDs, d.model.config.SuppressIDs...)
		}
	}
	if opts.SuppressBlank {
		decodeOpts.DisableIDsBegin = append(decodeOpts.DisableIDsBegin, d.model.config.SuppressIDsBegin...)
	}

	var noSpeechProcessor *noSpeechProbsProcessor
	if opts.ReturnNoSpeechProb && sotIsStartToken {
		// SOT starts the decode loop, so the no-speech probability comes out
		// of the first decoding step. The processor has to observe the
		// logits before any masking runs.
		noSpeechProcessor = newNoSpeechProbsProcessor(adapter.NoSpeechID())
		decodeOpts.Processors = append(decodeOpts.Processors, noSpeechProcessor)
	}

	if prompts[0][prefixLen-1] != adapter.NoTimestampsID() {
		decodeOpts.Processors = append(decodeOpts.Processors, newTimestampRules(
			adapter.EotID(),
			adapter.NoTimestampsID(),
			adapter.TimestampBeginID(),
			adapter.TimestampEndID(),
			adapter.TimestampBeginID()+int32(opts.MaxInitialTimestampIndex),
		))
	}

	results, err := decoding.Decode(ctx, decoder, state, startTokens, adapter.EotID(), decodeOpts)
	if err != nil {
		return nil, err
	}

	if noSpeechProcessor != nil {
		noSpeechProbs = noSpeechProcessor.NoSpeechProbs()
	}

	final := make([]GenerationResult, len(results))
	for i, result := range results {
		final[i] = GenerationResult{
			Sequences:    d.model.adapter.Vocabulary().ToTokens(result.Hypotheses),
			SequencesIDs: result.Hypotheses,
			Scores:       result.Scores,
			Attention:    result.Attention,
		}
		if len(result.TokenScores) > 0 {
			final[i].TokenScores = result.TokenScores[0]
		}
		if opts.ReturnNoSpeechProb && i < len(noSpeechProbs) {
			final[i].NoSpeechProb = noSpeechProbs[i]
		}
	}

	d.logger.Debug("Whisper generation completed",
		zap.Int("batchSize", len(prompts)),
		zap.Int("startStep", startStep),
		zap.Bool("sotIsStartToken", sotIsStartToken))

	return final, nil
}
