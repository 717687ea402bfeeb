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
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/antflydb/whisperdrive/lib/backends"
	"github.com/antflydb/whisperdrive/lib/whisper"
)

var (
	transcribeFeatures  string
	transcribePrompt    []string
	transcribeBeamSize  int
	transcribeMaxLength int
	transcribeScores    bool
	transcribeNoSpeech  bool
)

var transcribeCmd = &cobra.Command{
	Use:   "transcribe",
	Short: "Decode token sequences from a features file",
	Long: `Decode token sequences from a raw float32 dump of [80, 3000] log-mel
spectrogram segments. Each segment is decoded with the same prompt.`,
	RunE: runTranscribe,
}

func init() {
	rootCmd.AddCommand(transcribeCmd)

	transcribeCmd.Flags().StringVar(&transcribeFeatures, "features", "", "path to the raw float32 features file (required)")
	transcribeCmd.Flags().StringSliceVar(&transcribePrompt, "prompt", nil,
		"prompt token strings (default: <|startoftranscript|>)")
	transcribeCmd.Flags().IntVar(&transcribeBeamSize, "beam-size", 5, "beam search width")
	transcribeCmd.Flags().IntVar(&transcribeMaxLength, "max-length", 448, "maximum total sequence length")
	transcribeCmd.Flags().BoolVar(&transcribeScores, "scores", false, "print hypothesis scores")
	transcribeCmd.Flags().BoolVar(&transcribeNoSpeech, "no-speech-prob", false, "print the no-speech probability")
	_ = transcribeCmd.MarkFlagRequired("features")
}

func runTranscribe(cmd *cobra.Command, args []string) error {
	dir, err := resolveModelDir()
	if err != nil {
		return err
	}

	features, err := readFeatures(transcribeFeatures)
	if err != nil {
		return err
	}

	factory, err := backends.DefaultSessionFactory()
	if err != nil {
		return err
	}
	model, err := whisper.LoadModel(dir, factory)
	if err != nil {
		return err
	}
	defer func() {
		_ = model.Close()
	}()

	driver, err := whisper.NewDriver(model)
	if err != nil {
		return err
	}

	prompt := transcribePrompt
	if len(prompt) == 0 {
		prompt = []string{"<|startoftranscript|>"}
	}
	batch := int(features.Shape[0])
	prompts := make([][]string, batch)
	for i := range prompts {
		prompts[i] = prompt
	}

	opts := whisper.DefaultOptions()
	opts.BeamSize = transcribeBeamSize
	opts.MaxLength = transcribeMaxLength
	opts.ReturnScores = transcribeScores
	opts.ReturnNoSpeechProb = transcribeNoSpeech

	results, err := driver.Generate(cmd.Context(), features, prompts, opts)
	if err != nil {
		return err
	}

	for i, result := range results {
		if len(result.Sequences) == 0 {
			fmt.Printf("[%d]\n", i)
			continue
		}
		fmt.Printf("[%d] %s\n", i, strings.Join(result.Sequences[0], ""))
		if transcribeScores && len(result.Scores) > 0 {
			fmt.Printf("     score: %.4f\n", result.Scores[0])
		}
		if transcribeNoSpeech {
			fmt.Printf("     no_speech_prob: %.4f\n", result.NoSpeechProb)
		}
	}
	return nil
}
