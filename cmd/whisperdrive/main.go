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

// Command whisperdrive runs Whisper speech recognition over precomputed
// log-mel features.
//
// Usage:
//
//	whisperdrive run --model-dir <dir>             # Start the warm replica pool
//	whisperdrive transcribe --features audio.f32   # Decode a features file
//	whisperdrive detect --features audio.f32       # Rank languages
//	whisperdrive pull <repo>                       # Download a model from the Hub
package main

import "github.com/antflydb/whisperdrive/cmd/whisperdrive/cmd"

// https://goreleaser.com/cookbooks/using-main.version/
var version = "dev"

func main() {
	cmd.Version = version
	cmd.Execute()
}
