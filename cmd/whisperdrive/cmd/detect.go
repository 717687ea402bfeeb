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

	"github.com/spf13/cobra"

	"github.com/antflydb/whisperdrive/lib/backends"
	"github.com/antflydb/whisperdrive/lib/whisper"
)

var (
	detectFeatures string
	detectTopN     int
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Rank languages for a features file",
	Long:  `Rank language identities for each segment of a raw float32 features file. Requires a multilingual model.`,
	RunE:  runDetect,
}

func init() {
	rootCmd.AddCommand(detectCmd)

	detectCmd.Flags().StringVar(&detectFeatures, "features", "", "path to the raw float32 features file (required)")
	detectCmd.Flags().IntVar(&detectTopN, "top", 5, "number of languages to print per segment")
	_ = detectCmd.MarkFlagRequired("features")
}

func runDetect(cmd *cobra.Command, args []string) error {
	dir, err := resolveModelDir()
	if err != nil {
		return err
	}

	features, err := readFeatures(detectFeatures)
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

	results, err := driver.DetectLanguage(cmd.Context(), features)
	if err != nil {
		return err
	}

	for i, ranked := range results {
		fmt.Printf("[%d]\n", i)
		for j, lp := range ranked {
			if detectTopN > 0 && j >= detectTopN {
				break
			}
			fmt.Printf("     %s %.4f\n", lp.Language, lp.Probability)
		}
	}
	return nil
}
