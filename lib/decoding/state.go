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
	"fmt"

	"github.com/antflydb/whisperdrive/lib/backends"
)

// ExpandState repeats every batch row of every state tensor beamSize times
// along the leading axis, turning a [B, ...] cache into a [B*beam, ...] one.
// Rows of the same batch stay adjacent, matching the beam row layout.
func ExpandState(state State, beamSize int) error {
	if beamSize <= 1 {
		return nil
	}
	for key, t := range state {
		expanded, err := repeatRows(t, beamSize)
		if err != nil {
			return fmt.Errorf("expanding state %q: %w", key, err)
		}
		state[key] = expanded
	}
	return nil
}

// GatherState reorders the leading axis of every state tensor so that new
// row i holds old row indices[i]. Used by beam search to realign the cache
// with the surviving beams.
func GatherState(state State, indices []int32) error {
	for key, t := range state {
		gathered, err := gatherRows(t, indices)
		if err != nil {
			return fmt.Errorf("gathering state %q: %w", key, err)
		}
		state[key] = gathered
	}
	return nil
}

func rowSize(t backends.NamedTensor) (int, error) {
	if len(t.Shape) == 0 {
		return 0, fmt.Errorf("tensor %q has no shape", t.Name)
	}
	size := 1
	for _, d := range t.Shape[1:] {
		size *= int(d)
	}
	return size, nil
}

func repeatRows(t backends.NamedTensor, times int) (backends.NamedTensor, error) {
	data, ok := t.Data.([]float32)
	if !ok {
		return t, fmt.Errorf("tensor %q is not float32", t.Name)
	}
	size, err := rowSize(t)
	if err != nil {
		return t, err
	}
	rows := int(t.Shape[0])

	out := make([]float32, rows*times*size)
	for r := 0; r < rows; r++ {
		src := data[r*size : (r+1)*size]
		for b := 0; b < times; b++ {
			copy(out[(r*times+b)*size:], src)
		}
	}

	shape := append([]int64{int64(rows * times)}, t.Shape[1:]...)
	return backends.NamedTensor{Name: t.Name, Shape: shape, Data: out}, nil
}

func gatherRows(t backends.NamedTensor, indices []int32) (backends.NamedTensor, error) {
	data, ok := t.Data.([]float32)
	if !ok {
		return t, fmt.Errorf("tensor %q is not float32", t.Name)
	}
	size, err := rowSize(t)
	if err != nil {
		return t, err
	}
	rows := int(t.Shape[0])

	out := make([]float32, len(indices)*size)
	for i, src := range indices {
		if int(src) >= rows {
			return t, fmt.Errorf("row index %d out of range for %d rows", src, rows)
		}
		copy(out[i*size:(i+1)*size], data[int(src)*size:(int(src)+1)*size])
	}

	shape := append([]int64{int64(len(indices))}, t.Shape[1:]...)
	return backends.NamedTensor{Name: t.Name, Shape: shape, Data: out}, nil
}
