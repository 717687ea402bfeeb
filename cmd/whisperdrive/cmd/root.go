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

// Package cmd implements the whisperdrive CLI commands.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Version is injected by the build.
var Version = "dev"

var modelDir string

var rootCmd = &cobra.Command{
	Use:   "whisperdrive",
	Short: "Whisper speech recognition driver",
	Long:  `whisperdrive decodes token sequences from precomputed log-mel audio features and ranks language identities using a Whisper model.`,
}

// Execute runs the root command.
func Execute() {
	rootCmd.Version = Version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&modelDir, "model-dir", "", "path to the Whisper model directory (vocabulary.txt, config.json, *.onnx)")
	mustBindPFlag("model_dir", rootCmd.PersistentFlags().Lookup("model-dir"))

	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	mustBindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.PersistentFlags().String("log-style", "console", "log style (console, json)")
	mustBindPFlag("log.style", rootCmd.PersistentFlags().Lookup("log-style"))
}

func initConfig() {
	viper.SetEnvPrefix("WHISPERDRIVE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

// mustBindPFlag binds a viper key to a cobra flag and panics on failure, so
// a misnamed flag fails at startup rather than silently reading zero values.
func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("binding flag %s: %v", key, err))
	}
}

// resolveModelDir returns the model directory from flag or environment.
func resolveModelDir() (string, error) {
	dir := modelDir
	if dir == "" {
		dir = viper.GetString("model_dir")
	}
	if dir == "" {
		return "", fmt.Errorf("--model-dir is required")
	}
	return dir, nil
}
