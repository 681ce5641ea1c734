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

package cmd

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic/decoder"
	"github.com/gomlx/go-huggingface/tokenizers/hftokenizer"
	"github.com/spf13/cobra"

	"github.com/CodeWithBehnam/vayu/lib/backends"
	"github.com/CodeWithBehnam/vayu/lib/decoding"
)

const (
	syntheticModelName = "synthetic"
	syntheticDraftName = "synthetic-draft"
)

// addModelFlags registers the flags that configure the built-in synthetic
// model. Real backends implement backends.Model and plug into vayu.NewEngine.
func addModelFlags(cmd *cobra.Command) {
	cmd.Flags().Uint64("model-seed", 1, "seed of the synthetic model's weights")
	cmd.Flags().Float32("draft-perturbation", 0.5, "noise added to the synthetic draft model")
}

func modelLoader(cmd *cobra.Command) backends.ModelLoader {
	seed, _ := cmd.Flags().GetUint64("model-seed")
	perturbation, _ := cmd.Flags().GetFloat32("draft-perturbation")
	return syntheticLoader(seed, perturbation)
}

// syntheticLoader loads the synthetic target model and its perturbed draft.
func syntheticLoader(seed uint64, perturbation float32) backends.ModelLoader {
	return func(_ context.Context, name string) (backends.Model, error) {
		cfg := backends.SyntheticConfig{Name: name, Seed: seed}
		switch name {
		case syntheticModelName:
		case syntheticDraftName:
			cfg.Perturbation = perturbation
			cfg.PerturbSeed = seed + 1
		default:
			return nil, fmt.Errorf("unknown model %q (available: %s, %s)", name, syntheticModelName, syntheticDraftName)
		}
		return backends.NewSyntheticModel(cfg)
	}
}

// loadTokenizer loads a HuggingFace tokenizer.json, given either the file or
// the model directory containing it.
func loadTokenizer(path string) (decoding.Tokenizer, error) {
	if path == "" {
		return nil, nil
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, "tokenizer.json")
	}
	tok, err := hftokenizer.NewFromFile(nil, path)
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer %s: %w", path, err)
	}
	return tok, nil
}

// segmentsFile is the decode command's input: encoder outputs, one per
// segment, plus optional conditioning.
type segmentsFile struct {
	Segments []segmentJSON `json:"segments"`
	Prompt   []int32       `json:"prompt,omitempty"`
	Language string        `json:"language,omitempty"`
}

type segmentJSON struct {
	// Frames and Hidden give the shape [1, frames, hidden] of HiddenStates.
	Frames       int       `json:"frames"`
	Hidden       int       `json:"hidden"`
	HiddenStates []float32 `json:"hidden_states"`
}

func readSegments(r io.Reader) (*segmentsFile, []*backends.EncoderOutput, error) {
	var in segmentsFile
	if err := decoder.NewStreamDecoder(r).Decode(&in); err != nil {
		return nil, nil, fmt.Errorf("parsing segments: %w", err)
	}
	if len(in.Segments) == 0 {
		return nil, nil, fmt.Errorf("input has no segments")
	}
	audio := make([]*backends.EncoderOutput, len(in.Segments))
	for i, seg := range in.Segments {
		out := &backends.EncoderOutput{
			HiddenStates: seg.HiddenStates,
			Shape:        [3]int{1, seg.Frames, seg.Hidden},
		}
		if err := out.Validate(); err != nil {
			return nil, nil, fmt.Errorf("segment %d: %w", i, err)
		}
		audio[i] = out
	}
	return &in, audio, nil
}

// randomSegments generates encoder outputs for benchmarking.
func randomSegments(n, frames, hidden int, seed uint64) []*backends.EncoderOutput {
	rng := rand.New(rand.NewPCG(seed, 0x9e3779b97f4a7c15))
	out := make([]*backends.EncoderOutput, n)
	for i := range out {
		values := make([]float32, frames*hidden)
		for j := range values {
			values[j] = float32(rng.NormFloat64())
		}
		out[i] = &backends.EncoderOutput{HiddenStates: values, Shape: [3]int{1, frames, hidden}}
	}
	return out
}
