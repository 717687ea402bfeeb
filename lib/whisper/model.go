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

// Package whisper implements the Whisper inference driver: prompt analysis,
// the timestamp logits rules, no-speech probability extraction, language
// detection, and the generate orchestration on top of the generic beam
// decoder.
package whisper

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/antflydb/whisperdrive/lib/backends"
	"github.com/antflydb/whisperdrive/lib/decoding"
	"github.com/antflydb/whisperdrive/lib/vocab"
)

// Spec identity of the on-disk model representation.
const (
	SpecName     = "WhisperSpec"
	SpecRevision = 3
)

// Encoder turns log-mel features [B, 80, 3000] into the decoder memory.
type Encoder interface {
	Encode(ctx context.Context, features backends.NamedTensor) (backends.NamedTensor, error)
}

// ModelConfig is the driver-relevant slice of the model's config.json.
type ModelConfig struct {
	// SuppressIDs is the default suppression set, applied when the caller
	// passes the -1 sentinel in Options.SuppressTokens.
	SuppressIDs []int32 `json:"suppress_ids"`

	// SuppressIDsBegin is suppressed at the first generated step when
	// Options.SuppressBlank is set.
	SuppressIDsBegin []int32 `json:"suppress_ids_begin"`

	// LangIDs are the vocabulary ids of the language tokens, used by
	// language detection.
	LangIDs []int32 `json:"lang_ids"`
}

// Model bundles the immutable pieces shared read-only across replicas: the
// vocabulary adapter, the model configuration, and the encoder/decoder
// collaborators.
type Model struct {
	adapter *vocab.Adapter
	config  ModelConfig
	encoder Encoder
	decoder decoding.Decoder

	// preferredSizeMultiple pads the decoder output layer for the compute
	// kernels; 1 means no padding.
	preferredSizeMultiple int

	logger *zap.Logger
}

// ModelOption customizes model construction.
type ModelOption func(*Model)

// WithPreferredSizeMultiple sets the output-layer padding multiple.
func WithPreferredSizeMultiple(multiple int) ModelOption {
	return func(m *Model) {
		m.preferredSizeMultiple = multiple
	}
}

// WithModelLogger sets the logger used by the model and its drivers.
func WithModelLogger(logger *zap.Logger) ModelOption {
	return func(m *Model) {
		m.logger = logger
	}
}

// NewModel assembles a model from already-built collaborators.
func NewModel(adapter *vocab.Adapter, config ModelConfig, encoder Encoder, decoder decoding.Decoder, opts ...ModelOption) (*Model, error) {
	if adapter == nil {
		return nil, fmt.Errorf("%w: the model is not a Whisper model", ErrInvalidArgument)
	}
	if encoder == nil || decoder == nil {
		return nil, fmt.Errorf("%w: the model is missing an encoder or decoder", ErrInvalidArgument)
	}
	m := &Model{
		adapter:               adapter,
		config:                config,
		encoder:               encoder,
		decoder:               decoder,
		preferredSizeMultiple: 1,
		logger:                zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// LoadModel loads a model directory: vocabulary.txt, config.json, and the
// encoder/decoder ONNX sessions created through the given factory.
func LoadModel(modelDir string, factory backends.SessionFactory, opts ...ModelOption) (*Model, error) {
	vocabulary, err := vocab.Load(modelDir)
	if err != nil {
		return nil, fmt.Errorf("loading vocabulary: %w", err)
	}
	adapter := vocab.NewAdapter(vocabulary)

	config, err := LoadModelConfig(modelDir)
	if err != nil {
		return nil, fmt.Errorf("loading model config: %w", err)
	}

	encoderPath := findModelFile(modelDir, []string{"encoder_model.onnx", "encoder.onnx"})
	if encoderPath == "" {
		return nil, fmt.Errorf("encoder model file not found in %s", modelDir)
	}
	decoderPath := findModelFile(modelDir, []string{
		"decoder_model_merged.onnx",
		"decoder_with_past_model.onnx",
		"decoder.onnx",
		"decoder_model.onnx",
	})
	if decoderPath == "" {
		return nil, fmt.Errorf("decoder model file not found in %s", modelDir)
	}

	encoderSession, err := factory.CreateSession(encoderPath)
	if err != nil {
		return nil, fmt.Errorf("creating encoder session: %w", err)
	}
	decoderSession, err := factory.CreateSession(decoderPath)
	if err != nil {
		_ = encoderSession.Close()
		return nil, fmt.Errorf("creating decoder session: %w", err)
	}

	return NewModel(
		adapter,
		config,
		NewSessionEncoder(encoderSession),
		NewSessionDecoder(decoderSession),
		opts...,
	)
}

// LoadModelConfig parses the driver-relevant keys of config.json. A missing
// file yields an empty config.
func LoadModelConfig(modelDir string) (ModelConfig, error) {
	var config ModelConfig

	data, err := os.ReadFile(filepath.Join(modelDir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return config, fmt.Errorf("reading config.json: %w", err)
	}
	if err := sonic.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("parsing config.json: %w", err)
	}
	return config, nil
}

// findModelFile returns the first candidate that exists in the directory.
func findModelFile(dir string, candidates []string) string {
	for _, name := range candidates {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Adapter returns the vocabulary adapter.
func (m *Model) Adapter() *vocab.Adapter { return m.adapter }

// Config returns the model configuration.
func (m *Model) Config() ModelConfig { return m.config }

// IsMultilingual reports whether the model vocabulary is multilingual.
func (m *Model) IsMultilingual() bool { return m.adapter.IsMultilingual() }

// Close releases the encoder and decoder resources when they hold any.
func (m *Model) Close() error {
	var errs []error
	if closer, ok := m.encoder.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing encoder: %w", err))
		}
	}
	if closer, ok := m.decoder.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing decoder: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing model: %v", errs)
	}
	return nil
}
