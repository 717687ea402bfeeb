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

import "errors"

// Error kinds surfaced by the driver. Failures from collaborators (sessions,
// I/O) propagate unwrapped; only precondition violations carry these
// sentinels. Test with errors.Is.
var (
	// ErrInvalidArgument marks precondition violations on driver inputs.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrRuntime marks operations invoked on a model that cannot serve them.
	ErrRuntime = errors.New("runtime error")
)
