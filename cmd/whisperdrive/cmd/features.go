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

package cmd

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/antflydb/whisperdrive/lib/backends"
)

// Dimensions of the Whisper log-mel features tensor.
const (
	featureMels   = 80
	featureFrames = 3000
)

// readFeatures loads a raw little-endian float32 dump of one or more
// [80, 3000] log-mel spectrograms into a [B, 80, 3000] tensor.
func readFeatures(path string) (backends.NamedTensor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return backends.NamedTensor{}, fmt.Errorf("reading features file: %w", err)
	}

	if len(raw)%4 != 0 {
		return backends.NamedTensor{}, fmt.Errorf("features file size %d is not a multiple of 4", len(raw))
	}
	count := len(raw) / 4

	segmentSize := featureMels * featureFrames
	if count == 0 || count%segmentSize != 0 {
		return backends.NamedTensor{}, fmt.Errorf(
			"features file holds %d floats, want a multiple of %d (80 mel bins x 3000 frames)",
			count, segmentSize)
	}
	batch := count / segmentSize

	data := make([]float32, count)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}

	return backends.NamedTensor{
		Name:  "input_features",
		Shape: []int64{int64(batch), featureMels, featureFrames},
		Data:  data,
	}, nil
}
