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
	"sort"

	"github.com/ajroetker/go-highway/hwy/contrib/nn"

	"github.com/antflydb/whisperdrive/lib/backends"
)

// DetectLanguage ranks the model's registered languages for every feature
// row using a single decoder step from the start-of-transcript token. Each
// returned list is sorted by probability, highest first.
func (d *Driver) DetectLanguage(ctx context.Context, features backends.NamedTensor) ([][]LanguageProb, error) {
	if !d.model.IsMultilingual() {
		return nil, fmt.Errorf("%w: detect_language can only be called on multilingual models", ErrRuntime)
	}

	langIDs := d.model.config.LangIDs
	if len(langIDs) == 0 {
		return nil, fmt.Errorf("%w: the model config does not register any language tokens", ErrRuntime)
	}

	adapter := d.model.adapter
	decoder := d.model.decoder

	state := decoder.InitialState()
	memory, err := d.Encode(ctx, features)
	if err != nil {
		return nil, err
	}
	state[memoryKey] = memory

	batchSize := int(memory.Shape[0])
	startIDs := make([]int32, batchSize)
	for i := range startIDs {
		startIDs[i] = adapter.SotID()
	}

	logits, err := decoder.Step(ctx, 0, startIDs, state)
	if err != nil {
		return nil, err
	}

	results := make([][]LanguageProb, 0, batchSize)
	langLogits := make([]float32, len(langIDs))
	langProbs := make([]float32, len(langIDs))
	for i := 0; i < batchSize; i++ {
		row := logits[i]
		for j, id := range langIDs {
			langLogits[j] = row[id]
		}
		nn.Softmax(langLogits, langProbs)

		ranked := make([]LanguageProb, len(langIDs))
		for j, id := range langIDs {
			ranked[j] = LanguageProb{
				Language:    adapter.Vocabulary().ToToken(id),
				Probability: langProbs[j],
			}
		}
		sort.Slice(ranked, func(a, b int) bool { return ranked[a].Probability > ranked[b].Probability })

		results = append(results, ranked)
	}

	return results, nil
}
