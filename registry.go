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

package whisperdrive

import (
	"fmt"
	"sort"
	"sync"

	"github.com/antflydb/whisperdrive/lib/whisper"
)

// DriverFactory builds replica drivers for one model specification.
type DriverFactory interface {
	// SpecName identifies the on-disk model specification.
	SpecName() string

	// SpecRevision is bumped on breaking changes to the on-disk
	// representation.
	SpecRevision() int

	// CreateDriver builds a driver from a loaded model. The model must
	// match the factory's specification.
	CreateDriver(model any) (*whisper.Driver, error)
}

var (
	driverRegistry   = make(map[string]DriverFactory)
	driverRegistryMu sync.RWMutex
)

// RegisterDriverFactory registers a factory under its spec name. Called from
// init functions; the registry is read-only afterwards.
func RegisterDriverFactory(factory DriverFactory) {
	driverRegistryMu.Lock()
	defer driverRegistryMu.Unlock()
	driverRegistry[factory.SpecName()] = factory
}

// GetDriverFactory returns the factory registered under the given spec name.
func GetDriverFactory(specName string) (DriverFactory, bool) {
	driverRegistryMu.RLock()
	defer driverRegistryMu.RUnlock()
	factory, ok := driverRegistry[specName]
	return factory, ok
}

// ListDriverFactories returns the registered spec names, sorted.
func ListDriverFactories() []string {
	driverRegistryMu.RLock()
	defer driverRegistryMu.RUnlock()
	names := make([]string, 0, len(driverRegistry))
	for name := range driverRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	RegisterDriverFactory(whisperSpecFactory{})
}

// whisperSpecFactory registers the Whisper driver under its spec name.
type whisperSpecFactory struct{}

func (whisperSpecFactory) SpecName() string  { return whisper.SpecName }
func (whisperSpecFactory) SpecRevision() int { return whisper.SpecRevision }

func (whisperSpecFactory) CreateDriver(model any) (*whisper.Driver, error) {
	whisperModel, ok := model.(*whisper.Model)
	if !ok {
		return nil, fmt.Errorf("%w: the model is not a Whisper model", whisper.ErrInvalidArgument)
	}
	return whisper.NewDriver(whisperModel)
}
