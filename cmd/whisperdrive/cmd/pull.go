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
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/spf13/cobra"
)

var (
	pullOutputDir string
	pullHFToken   string
)

var pullCmd = &cobra.Command{
	Use:   "pull <repo>",
	Short: "Download a Whisper model from the Hugging Face Hub",
	Long: `Download the files a Whisper model directory needs (config.json,
vocabulary.txt, preprocessor_config.json, generation_config.json, and the
encoder/decoder ONNX graphs) from a Hugging Face repository, e.g.
"openai/whisper-tiny".`,
	Args: cobra.ExactArgs(1),
	RunE: runPull,
}

func init() {
	rootCmd.AddCommand(pullCmd)

	pullCmd.Flags().StringVar(&pullOutputDir, "output", "", "destination model directory (default: ./<repo name>)")
	pullCmd.Flags().StringVar(&pullHFToken, "hf-token", os.Getenv("HF_TOKEN"), "Hugging Face access token")
}

// wantedModelFile reports whether a repo file belongs in a model directory.
func wantedModelFile(name string) bool {
	base := filepath.Base(name)
	switch base {
	case "config.json", "vocabulary.txt", "preprocessor_config.json", "generation_config.json":
		return true
	}
	return strings.HasSuffix(base, ".onnx")
}

func runPull(cmd *cobra.Command, args []string) error {
	repoID := args[0]

	destDir := pullOutputDir
	if destDir == "" {
		parts := strings.Split(repoID, "/")
		destDir = parts[len(parts)-1]
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	repo := hub.New(repoID)
	if pullHFToken != "" {
		repo = repo.WithAuth(pullHFToken)
	}

	var toDownload []string
	for fileName, err := range repo.IterFileNames() {
		if err != nil {
			return fmt.Errorf("listing files: %w", err)
		}
		if wantedModelFile(fileName) {
			toDownload = append(toDownload, fileName)
		}
	}
	if len(toDownload) == 0 {
		return fmt.Errorf("no model files found in %s", repoID)
	}

	for _, fileName := range toDownload {
		localPath, err := repo.DownloadFile(fileName)
		if err != nil {
			return fmt.Errorf("downloading %s: %w", fileName, err)
		}

		destPath := filepath.Join(destDir, filepath.Base(fileName))
		if err := copyFile(localPath, destPath); err != nil {
			return fmt.Errorf("copying %s: %w", fileName, err)
		}
		fmt.Printf("pulled %s\n", filepath.Base(fileName))
	}

	fmt.Printf("model ready in %s\n", destDir)
	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
