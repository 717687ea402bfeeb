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
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/antflydb/whisperdrive/lib/backends"
	"github.com/antflydb/whisperdrive/lib/whisper"
)

// CachedLanguageDetector wraps a language detector with a TTL cache keyed by
// the feature tensor contents, deduplicating identical in-flight requests.
type CachedLanguageDetector struct {
	inner   languageDetector
	cache   *ttlcache.Cache[string, [][]whisper.LanguageProb]
	sfGroup *singleflight.Group
	logger  *zap.Logger
}

// NewCachedLanguageDetector wraps a detector with caching.
func NewCachedLanguageDetector(inner languageDetector, ttl time.Duration, capacity uint64, logger *zap.Logger) *CachedLanguageDetector {
	if logger == nil {
		logger = zap.NewNop()
	}

	cacheOpts := []ttlcache.Option[string, [][]whisper.LanguageProb]{
		ttlcache.WithTTL[string, [][]whisper.LanguageProb](ttl),
	}
	if capacity > 0 {
		cacheOpts = append(cacheOpts, ttlcache.WithCapacity[string, [][]whisper.LanguageProb](capacity))
	}
	cache := ttlcache.New(cacheOpts...)
	go cache.Start()

	return &CachedLanguageDetector{
		inner:   inner,
		cache:   cache,
		sfGroup: &singleflight.Group{},
		logger:  logger,
	}
}

// DetectLanguage serves detection results from the cache when the same
// feature tensor was seen recently.
func (c *CachedLanguageDetector) DetectLanguage(ctx context.Context, features backends.NamedTensor) ([][]whisper.LanguageProb, error) {
	key, err := featuresKey(features)
	if err != nil {
		// Unhashable features bypass the cache.
		return c.inner.DetectLanguage(ctx, features)
	}

	if item := c.cache.Get(key); item != nil {
		RecordCacheHit("detect_language")
		c.logger.Debug("Language detection cache hit", zap.String("key", key))
		return item.Value(), nil
	}

	result, err, shared := c.sfGroup.Do(key, func() (any, error) {
		RecordCacheMiss("detect_language")

		results, err := c.inner.DetectLanguage(ctx, features)
		if err != nil {
			return nil, err
		}
		c.cache.Set(key, results, ttlcache.DefaultTTL)
		return results, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("Singleflight hit for language detection", zap.String("key", key))
	}

	return result.([][]whisper.LanguageProb), nil
}

// Stop stops the cache janitor.
func (c *CachedLanguageDetector) Stop() {
	c.cache.Stop()
}

// featuresKey hashes a feature tensor's shape and contents.
func featuresKey(features backends.NamedTensor) (string, error) {
	data, ok := features.Data.([]float32)
	if !ok {
		return "", fmt.Errorf("features tensor is not float32")
	}

	h := xxhash.New()
	var buf [8]byte
	for _, d := range features.Shape {
		binary.LittleEndian.PutUint64(buf[:], uint64(d))
		_, _ = h.Write(buf[:])
	}
	for _, f := range data {
		binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(f))
		_, _ = h.Write(buf[:4])
	}

	return fmt.Sprintf("%016x", h.Sum64()), nil
}
