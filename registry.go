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

package vayu

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	"github.com/CodeWithBehnam/vayu/lib/backends"
	"github.com/CodeWithBehnam/vayu/lib/decoding"
	"github.com/CodeWithBehnam/vayu/lib/transcribing"
)

// DefaultKeepAlive is how long an unused model stays loaded.
const DefaultKeepAlive = 5 * time.Minute

// ErrModelNotFound is returned for model names that were never registered.
var ErrModelNotFound = errors.New("model not found")

// ModelSpec describes a model that the registry can load on demand.
type ModelSpec struct {
	// Name is the registry key and the name passed to the loader.
	Name string

	// DraftName enables speculative decoding with this draft model.
	DraftName string

	// PoolSize overrides the registry's pool size when > 0.
	PoolSize int

	// BatchSize overrides the default batch size when > 0.
	BatchSize int

	// Options are the model's default decoding options. If nil, the
	// registry's defaults are used.
	Options *decoding.Options

	// DecoderConfig is the token layout for models that do not provide one.
	DecoderConfig *backends.DecoderConfig

	// Tokenizer turns tokens into text. Optional.
	Tokenizer decoding.Tokenizer
}

// RegistryConfig configures the model registry.
type RegistryConfig struct {
	KeepAlive       time.Duration // How long to keep models loaded (0 = forever)
	MaxLoadedModels uint64        // Max models in memory (0 = unlimited)
	PoolSize        int           // Number of concurrent decoders per model (0 = default)
	BatchSize       int           // Segments per batch (0 = default)

	// Options are the default decoding options for every model.
	Options *decoding.Options
}

// Registry is a caller-owned cache of loaded transcribers. Models are loaded
// lazily on first use, unloaded after the keep-alive expires or when the
// capacity is reached, and never closed while acquired.
type Registry struct {
	loader   backends.ModelLoader
	observer decoding.Observer
	logger   *zap.Logger

	specs map[string]*ModelSpec
	mu    sync.RWMutex

	// Loaded models with TTL cache
	cache *ttlcache.Cache[string, transcribing.Transcriber]
	// stopEvictions unsubscribes the eviction callback and waits for running
	// callbacks to return.
	stopEvictions func()

	// Reference counting to prevent closing during active use. Models evicted
	// while referenced are closed by the last Release.
	refCounts   map[string]int
	pending     map[string][]transcribing.Transcriber
	refCountsMu sync.Mutex

	keepAlive       time.Duration
	maxLoadedModels uint64
	poolSize        int
	batchSize       int
	options         *decoding.Options
}

// NewRegistry creates a registry that loads models with loader.
func NewRegistry(config RegistryConfig, loader backends.ModelLoader, logger *zap.Logger) (*Registry, error) {
	if loader == nil {
		return nil, fmt.Errorf("model loader is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.BatchSize < 0 {
		return nil, fmt.Errorf("batch size must be >= 1, got %d", config.BatchSize)
	}
	if config.Options != nil {
		if err := config.Options.Validate(); err != nil {
			return nil, err
		}
	}

	keepAlive := config.KeepAlive
	if keepAlive == 0 {
		keepAlive = ttlcache.NoTTL // Never expire
	}

	poolSize := config.PoolSize
	if poolSize <= 0 {
		poolSize = min(runtime.NumCPU(), 4)
	}

	registry := &Registry{
		loader:          loader,
		observer:        MetricsObserver{},
		logger:          logger,
		specs:           make(map[string]*ModelSpec),
		refCounts:       make(map[string]int),
		pending:         make(map[string][]transcribing.Transcriber),
		keepAlive:       keepAlive,
		maxLoadedModels: config.MaxLoadedModels,
		poolSize:        poolSize,
		batchSize:       config.BatchSize,
		options:         config.Options,
	}

	// Configure TTL cache with LRU eviction
	cacheOpts := []ttlcache.Option[string, transcribing.Transcriber]{
		ttlcache.WithTTL[string, transcribing.Transcriber](keepAlive),
	}
	if config.MaxLoadedModels > 0 {
		cacheOpts = append(cacheOpts,
			ttlcache.WithCapacity[string, transcribing.Transcriber](config.MaxLoadedModels))
	}
	registry.cache = ttlcache.New(cacheOpts...)

	// Manual deletion happens only in Close, which closes models itself.
	registry.stopEvictions = registry.cache.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, transcribing.Transcriber]) {
		if reason == ttlcache.EvictionReasonDeleted {
			return
		}
		registry.unload(item.Key(), item.Value(), reason)
	})

	// Start cache cleanup goroutine
	go registry.cache.Start()

	logger.Info("Model registry initialized",
		zap.Duration("keep_alive", keepAlive),
		zap.Uint64("max_loaded_models", config.MaxLoadedModels),
		zap.Int("pool_size", poolSize))

	return registry, nil
}

func (r *Registry) unload(name string, t transcribing.Transcriber, reason ttlcache.EvictionReason) {
	reasonStr := "unknown"
	switch reason {
	case ttlcache.EvictionReasonExpired:
		reasonStr = "expired"
	case ttlcache.EvictionReasonCapacityReached:
		reasonStr = "capacity"
	}
	modelEvictions.WithLabelValues(reasonStr).Inc()

	r.refCountsMu.Lock()
	if refCount := r.refCounts[name]; refCount > 0 {
		r.pending[name] = append(r.pending[name], t)
		r.refCountsMu.Unlock()
		r.logger.Info("Deferring close of evicted model with active references",
			zap.String("model", name),
			zap.Int("refCount", refCount),
			zap.String("reason", reasonStr))
		return
	}
	r.refCountsMu.Unlock()

	r.logger.Info("Unloading model",
		zap.String("model", name),
		zap.String("reason", reasonStr))
	r.closeModel(name, t)
}

func (r *Registry) closeModel(name string, t transcribing.Transcriber) {
	loadedModels.Dec()
	if err := t.Close(); err != nil {
		r.logger.Warn("Error closing model",
			zap.String("model", name),
			zap.Error(err))
	}
}

// Register makes a model available for lazy loading. Registering a name
// again replaces the spec for future loads.
func (r *Registry) Register(spec ModelSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("model name is required")
	}
	if spec.BatchSize < 0 {
		return fmt.Errorf("model %s: batch size must be >= 1, got %d", spec.Name, spec.BatchSize)
	}
	if spec.Options != nil {
		if err := spec.Options.Validate(); err != nil {
			return fmt.Errorf("model %s: %w", spec.Name, err)
		}
	}

	r.mu.Lock()
	r.specs[spec.Name] = &spec
	r.mu.Unlock()

	r.logger.Debug("Registered model", zap.String("model", spec.Name))
	return nil
}

// Acquire returns a transcriber by name, loading it if necessary, and
// increments its reference count. The caller MUST call Release when done.
func (r *Registry) Acquire(ctx context.Context, name string) (transcribing.Transcriber, error) {
	// Count the reference before looking the model up so an eviction racing
	// with this call defers the close.
	r.refCountsMu.Lock()
	r.refCounts[name]++
	r.refCountsMu.Unlock()

	t, err := r.get(ctx, name)
	if err != nil {
		r.Release(name)
		return nil, err
	}
	return t, nil
}

// Release decrements the reference count for a model and closes evicted
// instances once nothing references them.
func (r *Registry) Release(name string) {
	r.refCountsMu.Lock()
	if r.refCounts[name] > 0 {
		r.refCounts[name]--
	}
	count := r.refCounts[name]
	var closing []transcribing.Transcriber
	if count == 0 {
		delete(r.refCounts, name)
		closing = r.pending[name]
		delete(r.pending, name)
	}
	r.refCountsMu.Unlock()

	for _, t := range closing {
		r.logger.Info("Unloading released model", zap.String("model", name))
		r.closeModel(name, t)
	}
}

func (r *Registry) get(ctx context.Context, name string) (transcribing.Transcriber, error) {
	if item := r.cache.Get(name); item != nil {
		return item.Value(), nil
	}

	r.mu.RLock()
	spec, ok := r.specs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	return r.load(ctx, spec)
}

// load loads a model (with synchronization to prevent double-loading)
func (r *Registry) load(ctx context.Context, spec *ModelSpec) (transcribing.Transcriber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check cache after acquiring lock
	if item := r.cache.Get(spec.Name); item != nil {
		return item.Value(), nil
	}

	poolSize := r.poolSize
	if spec.PoolSize > 0 {
		poolSize = spec.PoolSize
	}
	batchSize := r.batchSize
	if spec.BatchSize > 0 {
		batchSize = spec.BatchSize
	}
	options := spec.Options
	if options == nil {
		options = r.options
	}

	r.logger.Info("Loading model on demand",
		zap.String("model", spec.Name),
		zap.String("draft", spec.DraftName),
		zap.Int("pool_size", poolSize))

	start := time.Now()
	t, err := transcribing.NewPooledTranscriber(ctx, &transcribing.PooledTranscriberConfig{
		Name:          spec.Name,
		Loader:        r.loader,
		DraftName:     spec.DraftName,
		DecoderConfig: spec.DecoderConfig,
		Tokenizer:     spec.Tokenizer,
		Options:       options,
		PoolSize:      poolSize,
		BatchSize:     batchSize,
		Observer:      r.observer,
		Logger:        r.logger.Named(spec.Name),
	})
	if err != nil {
		r.logger.Error("Failed to load model",
			zap.String("model", spec.Name),
			zap.Error(err))
		return nil, fmt.Errorf("loading model %s: %w", spec.Name, err)
	}
	elapsed := time.Since(start)
	RecordModelLoadDuration(spec.Name, elapsed.Seconds())
	loadedModels.Inc()

	r.cache.Set(spec.Name, t, ttlcache.DefaultTTL)

	r.logger.Info("Successfully loaded model",
		zap.String("model", spec.Name),
		zap.Duration("elapsed", elapsed),
		zap.Duration("keep_alive", r.keepAlive))

	return t, nil
}

// List returns all registered model names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ListLoaded returns the currently loaded model names, sorted.
func (r *Registry) ListLoaded() []string {
	keys := r.cache.Keys()
	slices.Sort(keys)
	return keys
}

// IsLoaded returns whether a model is currently loaded in memory
func (r *Registry) IsLoaded(name string) bool {
	return r.cache.Has(name)
}

// Preload loads the named models to avoid first-request latency.
func (r *Registry) Preload(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}

	r.logger.Info("Preloading models", zap.Strings("models", names))

	var errs []error
	for _, name := range names {
		if _, err := r.get(ctx, name); err != nil {
			r.logger.Warn("Failed to preload model",
				zap.String("model", name),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close stops the cache and unloads all models, including evicted models
// that are still referenced.
func (r *Registry) Close() error {
	r.logger.Info("Closing model registry")

	// Stop cache first to prevent new evictions, then wait for callbacks
	// already running so every evicted model is either closed or pending.
	r.cache.Stop()
	r.stopEvictions()

	var errs []error
	for key, item := range r.cache.Items() {
		loadedModels.Dec()
		if err := item.Value().Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing model %s: %w", key, err))
		}
	}
	r.cache.DeleteAll()

	r.refCountsMu.Lock()
	pending := r.pending
	r.pending = make(map[string][]transcribing.Transcriber)
	r.refCountsMu.Unlock()
	for name, ts := range pending {
		for _, t := range ts {
			loadedModels.Dec()
			if err := t.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing model %s: %w", name, err))
			}
		}
	}

	return errors.Join(errs...)
}
