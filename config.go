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

// Package whisperdrive binds Whisper inference drivers to a replica pool
// and exposes the asynchronous service API.
package whisperdrive

import "time"

// Config configures a Service.
type Config struct {
	// PoolSize is the number of replicas serving requests concurrently
	// (0 = auto-detect from CPU count).
	PoolSize int

	// DetectCacheTTL keeps language-detection results cached for identical
	// feature tensors (0 disables the cache).
	DetectCacheTTL time.Duration

	// DetectCacheCapacity bounds the number of cached detection results
	// (0 = unlimited).
	DetectCacheCapacity uint64
}
