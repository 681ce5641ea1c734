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

// Package vayu decodes encoded speech into transcripts. The Engine owns a
// Registry of lazily loaded models and reports prometheus metrics; the
// decoding itself lives in lib/decoding.
package vayu

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/CodeWithBehnam/vayu/lib/backends"
	"github.com/CodeWithBehnam/vayu/lib/decoding"
	"github.com/CodeWithBehnam/vayu/lib/transcribing"
)

// Config is the engine configuration, usually unmarshalled by viper.
type Config struct {
	PoolSize        int              `mapstructure:"pool_size"`
	BatchSize       int              `mapstructure:"batch_size"`
	KeepAlive       time.Duration    `mapstructure:"keep_alive"`
	MaxLoadedModels uint64           `mapstructure:"max_loaded_models"`
	Preload         []string         `mapstructure:"preload"`
	Decoding        decoding.Options `mapstructure:"decoding"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize: transcribing.DefaultBatchSize,
		KeepAlive: DefaultKeepAlive,
		Decoding:  decoding.DefaultOptions(),
	}
}

// Transcript is the outcome of one Engine.Transcribe call.
type Transcript struct {
	// ID identifies the request in logs.
	ID string `json:"id"`
	// Model is the name of the model that produced the transcript.
	Model string `json:"model"`
	// Text joins the text of every decided, non-silent segment.
	Text string `json:"text"`
	// Segments holds one result per input segment, in input order. Entries
	// are nil for segments left undecided by an error.
	Segments []*transcribing.Result `json:"segments"`
	// Elapsed is the wall time spent decoding.
	Elapsed time.Duration `json:"elapsed"`
}

// Engine is the entry point for transcription.
type Engine struct {
	config   Config
	registry *Registry
	logger   *zap.Logger
}

// NewEngine creates an engine whose models are loaded with loader.
func NewEngine(ctx context.Context, config Config, loader backends.ModelLoader, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("vayu")

	if err := config.Decoding.Validate(); err != nil {
		return nil, fmt.Errorf("invalid decoding options: %w", err)
	}
	options := config.Decoding
	registry, err := NewRegistry(RegistryConfig{
		KeepAlive:       config.KeepAlive,
		MaxLoadedModels: config.MaxLoadedModels,
		PoolSize:        config.PoolSize,
		BatchSize:       config.BatchSize,
		Options:         &options,
	}, loader, logger.Named("registry"))
	if err != nil {
		return nil, err
	}

	e := &Engine{
		config:   config,
		registry: registry,
		logger:   logger,
	}
	for _, name := range config.Preload {
		if err := registry.Register(ModelSpec{Name: name}); err != nil {
			_ = registry.Close()
			return nil, err
		}
	}
	if err := registry.Preload(ctx, config.Preload); err != nil {
		_ = registry.Close()
		return nil, fmt.Errorf("preloading models: %w", err)
	}
	return e, nil
}

// Registry returns the engine's model registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Register makes a model available to Transcribe.
func (e *Engine) Register(spec ModelSpec) error {
	return e.registry.Register(spec)
}

// Transcribe decodes the segments with the named model. On error the
// returned transcript still carries the segments that were decided.
func (e *Engine) Transcribe(ctx context.Context, model string, audio []*backends.EncoderOutput, opts transcribing.TranscribeOptions) (*Transcript, error) {
	id := uuid.NewString()
	logger := e.logger.With(zap.String("request", id), zap.String("model", model))
	start := time.Now()

	t, err := e.registry.Acquire(ctx, model)
	if err != nil {
		RecordRequest(model, "error", 0, time.Since(start).Seconds())
		return nil, err
	}
	defer e.registry.Release(model)

	logger.Debug("Transcribing", zap.Int("segments", len(audio)))
	results, err := t.TranscribeBatch(ctx, audio, opts)
	transcript := &Transcript{
		ID:       id,
		Model:    model,
		Text:     transcribing.JoinText(results),
		Segments: results,
		Elapsed:  time.Since(start),
	}

	status := "ok"
	if err != nil {
		status = "error"
		if ctx.Err() != nil {
			status = "cancelled"
		}
		logger.Warn("Transcription failed", zap.String("status", status), zap.Error(err))
	}
	RecordRequest(model, status, len(audio), transcript.Elapsed.Seconds())

	logger.Debug("Transcription finished",
		zap.Duration("elapsed", transcript.Elapsed),
		zap.Int("textLen", len(transcript.Text)))
	return transcript, err
}

// Close unloads every model.
func (e *Engine) Close() error {
	return e.registry.Close()
}
