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
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/antflydb/whisperdrive/lib/backends"
	"github.com/antflydb/whisperdrive/lib/whisper"
)

// Service binds one Whisper driver per replica to a request pool. All
// replicas share the immutable model; each request owns one replica's
// decoder state from entry to return. Public operations return futures that
// complete when the replica finishes the batch.
type Service struct {
	model    *whisper.Model
	replicas []*whisper.Driver

	sem         *semaphore.Weighted
	nextReplica atomic.Uint64
	poolSize    int

	detector languageDetector
	logger   *zap.Logger
}

// languageDetector is the synchronous detection surface, so the caching
// wrapper can sit between the service and its replicas.
type languageDetector interface {
	DetectLanguage(ctx context.Context, features backends.NamedTensor) ([][]whisper.LanguageProb, error)
}

// languageDetectorFunc adapts a function to the languageDetector interface.
type languageDetectorFunc func(ctx context.Context, features backends.NamedTensor) ([][]whisper.LanguageProb, error)

func (f languageDetectorFunc) DetectLanguage(ctx context.Context, features backends.NamedTensor) ([][]whisper.LanguageProb, error) {
	return f(ctx, features)
}

// NewService creates a service over the given model.
func NewService(model *whisper.Model, cfg Config, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = min(runtime.NumCPU(), 4)
	}

	replicas := make([]*whisper.Driver, poolSize)
	for i := range replicas {
		driver, err := whisper.NewDriver(model)
		if err != nil {
			return nil, fmt.Errorf("creating replica %d: %w", i, err)
		}
		replicas[i] = driver
	}

	s := &Service{
		model:    model,
		replicas: replicas,
		sem:      semaphore.NewWeighted(int64(poolSize)),
		poolSize: poolSize,
		logger:   logger,
	}

	var detector languageDetector = languageDetectorFunc(s.detectLanguage)
	if cfg.DetectCacheTTL > 0 {
		detector = NewCachedLanguageDetector(detector, cfg.DetectCacheTTL, cfg.DetectCacheCapacity, logger)
	}
	s.detector = detector

	logger.Info("Created whisper service",
		zap.Int("poolSize", poolSize),
		zap.Bool("multilingual", model.IsMultilingual()),
		zap.Bool("detectCache", cfg.DetectCacheTTL > 0))

	return s, nil
}

// IsMultilingual reports whether the served model is multilingual.
func (s *Service) IsMultilingual() bool { return s.model.IsMultilingual() }

// acquireReplica blocks until a replica slot is free and returns the
// replica together with its release function.
func (s *Service) acquireReplica(ctx context.Context) (*whisper.Driver, func(), error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, nil, fmt.Errorf("acquiring replica slot: %w", err)
	}
	idx := s.nextReplica.Add(1) - 1
	return s.replicas[idx%uint64(s.poolSize)], func() { s.sem.Release(1) }, nil
}

// Generate submits a batch of feature rows and string prompts. It returns
// one future per batch item, in input order.
func (s *Service) Generate(ctx context.Context, features backends.NamedTensor, prompts [][]string, opts whisper.Options) []*Future[whisper.GenerationResult] {
	return submitBatch(ctx, s, len(prompts), "generate", func(ctx context.Context, driver *whisper.Driver) ([]whisper.GenerationResult, error) {
		return driver.Generate(ctx, features, prompts, opts)
	})
}

// GenerateTokens submits a batch of feature rows and token-id prompts. It
// returns one future per batch item, in input order.
func (s *Service) GenerateTokens(ctx context.Context, features backends.NamedTensor, prompts [][]int32, opts whisper.Options) []*Future[whisper.GenerationResult] {
	return submitBatch(ctx, s, len(prompts), "generate", func(ctx context.Context, driver *whisper.Driver) ([]whisper.GenerationResult, error) {
		return driver.GenerateTokens(ctx, features, prompts, opts)
	})
}

// DetectLanguage submits a batch of feature rows for language detection. It
// returns one future per feature row, in input order.
func (s *Service) DetectLanguage(ctx context.Context, features backends.NamedTensor) []*Future[[]whisper.LanguageProb] {
	batchSize := 0
	if len(features.Shape) > 0 {
		batchSize = int(features.Shape[0])
	}

	futures := make([]*Future[[]whisper.LanguageProb], batchSize)
	for i := range futures {
		futures[i] = newFuture[[]whisper.LanguageProb]()
	}
	if batchSize == 0 {
		return futures
	}

	go func() {
		start := time.Now()
		results, err := s.detector.DetectLanguage(ctx, features)
		RecordRequestDuration("detect_language", time.Since(start).Seconds())
		if err != nil {
			languageDetectionOps.WithLabelValues("error").Inc()
		} else {
			languageDetectionOps.WithLabelValues("ok").Inc()
		}
		resolveAll(futures, results, err)
	}()

	return futures
}

// detectLanguage is the uncached synchronous detection path.
func (s *Service) detectLanguage(ctx context.Context, features backends.NamedTensor) ([][]whisper.LanguageProb, error) {
	driver, release, err := s.acquireReplica(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return driver.DetectLanguage(ctx, features)
}

// submitBatch runs one replica call in the background and fans its per-item
// results out to futures.
func submitBatch(
	ctx context.Context,
	s *Service,
	batchSize int,
	op string,
	run func(ctx context.Context, driver *whisper.Driver) ([]whisper.GenerationResult, error),
) []*Future[whisper.GenerationResult] {
	futures := make([]*Future[whisper.GenerationResult], batchSize)
	for i := range futures {
		futures[i] = newFuture[whisper.GenerationResult]()
	}
	if batchSize == 0 {
		return futures
	}

	go func() {
		driver, release, err := s.acquireReplica(ctx)
		if err != nil {
			resolveAll(futures, nil, err)
			return
		}
		defer release()

		start := time.Now()
		results, err := run(ctx, driver)
		RecordRequestDuration(op, time.Since(start).Seconds())

		if err != nil {
			generateRequestOps.WithLabelValues("error").Inc()
			resolveAll(futures, nil, err)
			return
		}
		generateRequestOps.WithLabelValues("ok").Inc()
		for _, result := range results {
			if len(result.SequencesIDs) > 0 {
				tokenGenerationOps.Add(float64(len(result.SequencesIDs[0])))
			}
		}
		if len(results) != batchSize {
			resolveAll(futures, nil, fmt.Errorf("replica returned %d results for a batch of %d", len(results), batchSize))
			return
		}
		resolveAll(futures, results, nil)
	}()

	return futures
}

// Close releases the model resources.
func (s *Service) Close() error {
	s.logger.Info("Closing whisper service", zap.Int("poolSize", s.poolSize))
	return s.model.Close()
}
