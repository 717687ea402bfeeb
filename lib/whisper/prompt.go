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

import "fmt"

// sotIndex locates the start-of-transcript token in a prompt.
func sotIndex(prompt []int32, sotID int32) (int, error) {
	for i, token := range prompt {
		if token == sotID {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: <|startoftranscript|> token was not found in the prompt", ErrInvalidArgument)
}

// promptLength returns the smallest index at or after the SOT position whose
// token falls outside the task control token range [sotID, noTimestampsID],
// or the prompt length.
func promptLength(prompt []int32, sotID, noTimestampsID int32) (int, error) {
	index, err := sotIndex(prompt, sotID)
	if err != nil {
		return 0, err
	}
	for index < len(prompt) && prompt[index] >= sotID && prompt[index] <= noTimestampsID {
		index++
	}
	return index, nil
}

// analyzePrompts validates a prompt batch and returns the common SOT index
// and prompt length. All prompts must agree on both; the text suffix after
// the prompt length may differ freely.
func analyzePrompts(prompts [][]int32, sotID, noTimestampsID int32) (int, int, error) {
	var commonSot, commonLength int

	for i, prompt := range prompts {
		batchSot, err := sotIndex(prompt, sotID)
		if err != nil {
			return 0, 0, err
		}
		batchLength, err := promptLength(prompt, sotID, noTimestampsID)
		if err != nil {
			return 0, 0, err
		}

		switch {
		case i == 0:
			commonSot = batchSot
			commonLength = batchLength
		case batchSot != commonSot:
			return 0, 0, fmt.Errorf("%w: the generate method currently requires the "+
				"<|startoftranscript|> token to be at the same position in all batches; "+
				"adapt the number of previous text tokens in each batch to work around "+
				"this limitation", ErrInvalidArgument)
		case batchLength != commonLength:
			return 0, 0, fmt.Errorf("%w: the generate method currently requires each batch "+
				"to have the same number of task tokens after <|startoftranscript|>",
				ErrInvalidArgument)
		}
	}

	return commonSot, commonLength, nil
}
