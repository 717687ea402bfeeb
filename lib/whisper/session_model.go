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
	"strings"

	"github.com/antflydb/whisperdrive/lib/backends"
	"github.com/antflydb/whisperdrive/lib/decoding"
)

// memoryKey is the decoder-state key holding the encoder output.
const memoryKey = "memory"

// sessionEncoder runs the Whisper audio encoder over a backends.Session.
type sessionEncoder struct {
	session backends.Session
}

// NewSessionEncoder wraps an encoder session. The session's single input is
// the log-mel features tensor [B, 80, 3000]; its first output is the
// encoder hidden state [B, T, H].
func NewSessionEncoder(session backends.Session) Encoder {
	return &sessionEncoder{session: session}
}

func (e *sessionEncoder) Encode(_ context.Context, features backends.NamedTensor) (backends.NamedTensor, error) {
	name := "input_features"
	if info := e.session.InputInfo(); len(info) > 0 {
		name = info[0].Name
	}

	outputs, err := e.session.Run([]backends.NamedTensor{{
		Name:  name,
		Shape: features.Shape,
		Data:  features.Data,
	}})
	if err != nil {
		return backends.NamedTensor{}, fmt.Errorf("running encoder: %w", err)
	}
	if len(outputs) == 0 {
		return backends.NamedTensor{}, fmt.Errorf("encoder produced no output")
	}

	hidden := outputs[0]
	if len(hidden.Shape) != 3 {
		return backends.NamedTensor{}, fmt.Errorf("unexpected encoder output shape %v", hidden.Shape)
	}
	if _, ok := hidden.Data.([]float32); !ok {
		return backends.NamedTensor{}, fmt.Errorf("encoder output is not float32")
	}

	return backends.NamedTensor{Name: memoryKey, Shape: hidden.Shape, Data: hidden.Data}, nil
}

func (e *sessionEncoder) Close() error { return e.session.Close() }

// sessionDecoder runs the Whisper text decoder over a backends.Session with
// a merged KV-cache graph. The decoder state holds the encoder output under
// "memory" and the cache tensors under their "present.*" layer names.
type sessionDecoder struct {
	session backends.Session

	inputNames map[string]bool
	pastInputs []backends.TensorInfo
}

// NewSessionDecoder wraps a decoder session.
func NewSessionDecoder(session backends.Session) decoding.Decoder {
	d := &sessionDecoder{
		session:    session,
		inputNames: make(map[string]bool),
	}
	for _, info := range session.InputInfo() {
		d.inputNames[info.Name] = true
		if isPastKeyValueInput(info.Name) {
			d.pastInputs = append(d.pastInputs, info)
		}
	}
	return d
}

func isPastKeyValueInput(name string) bool {
	return strings.HasPrefix(name, "past_key_values")
}

// pastToPresent maps "past_key_values.0.decoder.key" to the stored output
// name "present.0.decoder.key".
func pastToPresent(name string) string {
	return "present" + strings.TrimPrefix(name, "past_key_values")
}

// isEncoderKVInput reports whether a cache input caches encoder (cross)
// attention rather than decoder self attention.
func isEncoderKVInput(name string) bool {
	return strings.Contains(name, "encoder")
}

func (d *sessionDecoder) InitialState() decoding.State {
	return decoding.State{}
}

func (d *sessionDecoder) ForwardPrompt(_ context.Context, prompts [][]int32, state decoding.State, hiddenOut *backends.NamedTensor) error {
	batchSize := len(prompts)
	if batchSize == 0 {
		return fmt.Errorf("empty prompt batch")
	}
	seqLen := len(prompts[0])
	for i, prompt := range prompts {
		if len(prompt) != seqLen {
			return fmt.Errorf("prompt %d has length %d, want %d", i, len(prompt), seqLen)
		}
	}

	flat := make([]int64, batchSize*seqLen)
	for i, prompt := range prompts {
		for j, token := range prompt {
			flat[i*seqLen+j] = int64(token)
		}
	}

	logits, err := d.run(flat, batchSize, seqLen, state, false)
	if err != nil {
		return err
	}

	if hiddenOut != nil {
		*hiddenOut = logits
	}
	return nil
}

func (d *sessionDecoder) ComputeLogitsForSteps(hidden backends.NamedTensor, steps []int32) ([][]float32, error) {
	if len(hidden.Shape) != 3 {
		return nil, fmt.Errorf("unexpected hidden shape %v", hidden.Shape)
	}
	data, ok := hidden.Data.([]float32)
	if !ok {
		return nil, fmt.Errorf("hidden tensor is not float32")
	}

	batchSize := int(hidden.Shape[0])
	seqLen := int(hidden.Shape[1])
	vocabSize := int(hidden.Shape[2])
	if len(steps) != batchSize {
		return nil, fmt.Errorf("got %d step indices for %d rows", len(steps), batchSize)
	}

	out := make([][]float32, batchSize)
	for i, step := range steps {
		if int(step) >= seqLen {
			return nil, fmt.Errorf("step index %d out of range for %d positions", step, seqLen)
		}
		row := make([]float32, vocabSize)
		start := (i*seqLen + int(step)) * vocabSize
		copy(row, data[start:start+vocabSize])
		out[i] = row
	}
	return out, nil
}

func (d *sessionDecoder) Step(_ context.Context, _ int, inputIDs []int32, state decoding.State) ([][]float32, error) {
	batchSize := len(inputIDs)
	if batchSize == 0 {
		return nil, fmt.Errorf("empty decoder input")
	}

	flat := make([]int64, batchSize)
	for i, token := range inputIDs {
		flat[i] = int64(token)
	}

	logits, err := d.run(flat, batchSize, 1, state, true)
	if err != nil {
		return nil, err
	}

	data := logits.Data.([]float32)
	vocabSize := int(logits.Shape[2])
	out := make([][]float32, batchSize)
	for i := range out {
		row := make([]float32, vocabSize)
		copy(row, data[i*vocabSize:(i+1)*vocabSize])
		out[i] = row
	}
	return out, nil
}

// UpdateOutputLayer is a no-op: the session graph fuses the output
// projection, so the vocabulary padding is fixed at export time.
func (d *sessionDecoder) UpdateOutputLayer(int) error { return nil }

func (d *sessionDecoder) Close() error { return d.session.Close() }

// run executes one decoder forward over the session and folds the returned
// cache tensors back into the state.
func (d *sessionDecoder) run(inputIDs []int64, batchSize, seqLen int, state decoding.State, useCache bool) (backends.NamedTensor, error) {
	memory, ok := state[memoryKey]
	if !ok {
		return backends.NamedTensor{}, fmt.Errorf("decoder state is missing the %q tensor", memoryKey)
	}

	inputs := []backends.NamedTensor{{
		Name:  "input_ids",
		Shape: []int64{int64(batchSize), int64(seqLen)},
		Data:  inputIDs,
	}}

	if d.inputNames["encoder_hidden_states"] {
		inputs = append(inputs, backends.NamedTensor{
			Name:  "encoder_hidden_states",
			Shape: memory.Shape,
			Data:  memory.Data,
		})
	}

	if d.inputNames["use_cache_branch"] {
		inputs = append(inputs, backends.NamedTensor{
			Name:  "use_cache_branch",
			Shape: []int64{1},
			Data:  []bool{useCache && len(state) > 1},
		})
	}

	for _, info := range d.pastInputs {
		inputs = append(inputs, d.pastTensor(info, state, batchSize))
	}

	outputs, err := d.session.Run(inputs)
	if err != nil {
		return backends.NamedTensor{}, fmt.Errorf("running decoder: %w", err)
	}
	if len(outputs) == 0 {
		return backends.NamedTensor{}, fmt.Errorf("decoder produced no output")
	}

	logits := outputs[0]
	if len(logits.Shape) != 3 {
		return backends.NamedTensor{}, fmt.Errorf("unexpected decoder logits shape %v", logits.Shape)
	}
	if _, ok := logits.Data.([]float32); !ok {
		return backends.NamedTensor{}, fmt.Errorf("decoder logits are not float32")
	}

	for _, output := range outputs[1:] {
		if !strings.HasPrefix(output.Name, "present") {
			continue
		}
		if _, ok := output.Data.([]float32); !ok {
			continue
		}
		if isEncoderKVInput(output.Name) {
			// Cross-attention cache is constant after the first forward.
			if _, exists := state[output.Name]; exists {
				continue
			}
		}
		state[output.Name] = output
	}

	return logits, nil
}

// pastTensor resolves a past_key_values input from the state, or builds an
// empty placeholder on the first forward.
func (d *sessionDecoder) pastTensor(info backends.TensorInfo, state decoding.State, batchSize int) backends.NamedTensor {
	if cached, ok := state[pastToPresent(info.Name)]; ok {
		return backends.NamedTensor{Name: info.Name, Shape: cached.Shape, Data: cached.Data}
	}

	// First forward: a zero-length cache. The dynamic axes are batch and
	// sequence; heads and head size come from the session metadata.
	numHeads, headDim := int64(8), int64(64)
	if len(info.Shape) == 4 {
		if info.Shape[1] > 0 {
			numHeads = info.Shape[1]
		}
		if info.Shape[3] > 0 {
			headDim = info.Shape[3]
		}
	}
	return backends.NamedTensor{
		Name:  info.Name,
		Shape: []int64{int64(batchSize), numHeads, 0, headDim},
		Data:  make([]float32, 0),
	}
}
