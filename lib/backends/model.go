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

package backends

import (
	"context"
	"fmt"
)

// Model is the decoder half of an encoder-decoder speech model.
// Implementations wrap whatever numeric runtime actually executes the network;
// the decoding engine only ever sees this interface.
type Model interface {
	// Forward runs one batched decoder pass.
	//
	// inputs.InputIDs always carries the full token history of every row
	// (left-padded to a common length). Implementations that keep a KV-cache
	// may use inputs.PastKeyValues.SeqLen to skip the columns they have already
	// processed. The returned cache must never be shorter than the one passed in.
	//
	// Forward is called from a single goroutine; it does not need to be safe
	// for concurrent use by the same decoding run.
	Forward(ctx context.Context, inputs *ModelInputs) (*ModelOutput, error)

	// Close releases resources associated with the model.
	Close() error

	// Name returns the model name for logging and debugging.
	Name() string
}

// DecoderConfigProvider is implemented by models that know their own special
// token layout. Use type assertion to access it from a Model:
//
//	if provider, ok := model.(DecoderConfigProvider); ok {
//	    config := provider.DecoderConfig()
//	}
type DecoderConfigProvider interface {
	DecoderConfig() *DecoderConfig
}

// CacheReorderer is implemented by models whose KV-cache can be permuted along
// the batch dimension. Beam search needs this to follow hypotheses that move
// between rows; without it beam search runs uncached.
type CacheReorderer interface {
	// ReorderCache returns a cache whose row i is row indices[i] of cache.
	ReorderCache(cache *KVCache, indices []int) (*KVCache, error)
}

// ModelLoader creates a Model on demand. It is the seam between the decoding
// engine and whatever loads weights (which this module does not do).
type ModelLoader func(ctx context.Context, name string) (Model, error)

// ResolveDecoderConfig returns the model's decoder config when it provides one,
// otherwise fallback. It errors when neither is available.
func ResolveDecoderConfig(model Model, fallback *DecoderConfig) (*DecoderConfig, error) {
	if provider, ok := model.(DecoderConfigProvider); ok {
		if cfg := provider.DecoderConfig(); cfg != nil {
			return cfg, nil
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, fmt.Errorf("model %s does not provide a decoder config", model.Name())
}
