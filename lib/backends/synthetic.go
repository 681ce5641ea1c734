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
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
)

// Ensure SyntheticModel implements the optional capabilities.
var (
	_ Model                 = (*SyntheticModel)(nil)
	_ DecoderConfigProvider = (*SyntheticModel)(nil)
	_ CacheReorderer        = (*SyntheticModel)(nil)
)

// SyntheticConfig configures a SyntheticModel.
type SyntheticConfig struct {
	// Name is reported by Name(). Defaults to "synthetic".
	Name string
	// Decoder is the token layout. Defaults to DefaultSyntheticDecoderConfig().
	Decoder *DecoderConfig
	// Seed selects the pseudo-random "weights".
	Seed uint64
	// Sharpness scales the logits; higher values make decoding more confident.
	Sharpness float32
	// EOTAfter is the history length after which EOT becomes increasingly likely.
	EOTAfter int
	// Perturbation adds independent noise on top of the Seed logits. A draft
	// model is typically the target configuration with a small perturbation.
	Perturbation float32
	// PerturbSeed selects the perturbation noise.
	PerturbSeed uint64
}

// SyntheticModel is a deterministic stand-in for a real decoder. Its logits are
// a hash of the row's audio and of the unmasked tokens, so padding and other
// rows never influence a row's output. It is used by the CLI benchmark and in
// tests; it is safe for concurrent use.
type SyntheticModel struct {
	cfg SyntheticConfig
}

// NewSyntheticModel creates a SyntheticModel, filling in defaults.
func NewSyntheticModel(cfg SyntheticConfig) (*SyntheticModel, error) {
	if cfg.Name == "" {
		cfg.Name = "synthetic"
	}
	if cfg.Decoder == nil {
		cfg.Decoder = DefaultSyntheticDecoderConfig()
	}
	if err := cfg.Decoder.Validate(); err != nil {
		return nil, err
	}
	if cfg.Sharpness == 0 {
		cfg.Sharpness = 8
	}
	if cfg.EOTAfter == 0 {
		cfg.EOTAfter = 24
	}
	return &SyntheticModel{cfg: cfg}, nil
}

// DefaultSyntheticDecoderConfig returns a compact whisper-like token layout:
// 1000 text tokens, the usual specials, four languages and 1501 timestamps.
func DefaultSyntheticDecoderConfig() *DecoderConfig {
	return &DecoderConfig{
		VocabSize:           2512,
		MaxLength:           448,
		EOTTokenID:          1000,
		SOTTokenID:          1001,
		LanguageTokenIDs:    map[string]int32{"en": 1002, "de": 1003, "fr": 1004, "es": 1005},
		TranslateTokenID:    1006,
		TranscribeTokenID:   1007,
		SOTPrevTokenID:      1008,
		NoSpeechTokenID:     1009,
		NoTimestampsTokenID: 1010,
		TimestampBeginID:    1011,
		PadTokenID:          1000,
		BlankTokenIDs:       []int32{0},
		NonSpeechTokenIDs:   []int32{1, 2, 3, 4, 5, 6, 7, 8},
	}
}

// Name returns the configured model name.
func (m *SyntheticModel) Name() string {
	return m.cfg.Name
}

// DecoderConfig returns the token layout.
func (m *SyntheticModel) DecoderConfig() *DecoderConfig {
	return m.cfg.Decoder
}

// Close is a no-op.
func (m *SyntheticModel) Close() error {
	return nil
}

// ReorderCache returns a cache with the same coverage; the synthetic model
// recomputes from InputIDs, so there is nothing to permute.
func (m *SyntheticModel) ReorderCache(cache *KVCache, indices []int) (*KVCache, error) {
	if cache == nil {
		return nil, nil
	}
	reordered := *cache
	reordered.BatchSize = len(indices)
	return &reordered, nil
}

// Forward computes logits for the requested trailing positions of every row.
func (m *SyntheticModel) Forward(ctx context.Context, inputs *ModelInputs) (*ModelOutput, error) {
	if inputs == nil || len(inputs.InputIDs) == 0 {
		return nil, fmt.Errorf("empty input")
	}
	if inputs.EncoderOutput == nil {
		return nil, fmt.Errorf("no encoder output provided")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows := inputs.Rows()
	seqLen := len(inputs.InputIDs[0])
	positions := max(inputs.NumLogitPositions, 1)
	if positions > seqLen {
		return nil, fmt.Errorf("requested %d logit positions from a sequence of %d", positions, seqLen)
	}

	audioDigests := make(map[int]uint64)
	out := &ModelOutput{Logits: make([][]float32, rows)}
	if positions > 1 {
		out.PositionLogits = make([][][]float32, rows)
	}

	for r := 0; r < rows; r++ {
		ids := inputs.InputIDs[r]
		if len(ids) != seqLen {
			return nil, fmt.Errorf("row %d has %d tokens, want %d", r, len(ids), seqLen)
		}
		encRow := inputs.EncoderRow(r)
		if encRow < 0 || encRow >= inputs.EncoderOutput.Batch() {
			return nil, fmt.Errorf("row %d maps to encoder entry %d of %d", r, encRow, inputs.EncoderOutput.Batch())
		}
		digest, ok := audioDigests[encRow]
		if !ok {
			digest = m.audioDigest(inputs.EncoderOutput.Row(encRow))
			audioDigests[encRow] = digest
		}

		state := digest
		visible := 0
		firstNeeded := seqLen - positions
		rowLogits := make([][]float32, 0, positions)
		for col := 0; col < seqLen; col++ {
			if inputs.AttentionMask == nil || inputs.AttentionMask[r][col] != 0 {
				state = mix(state ^ uint64(uint32(ids[col])))
				visible++
			}
			if col >= firstNeeded {
				rowLogits = append(rowLogits, m.logits(state, visible))
			}
		}
		out.Logits[r] = rowLogits[len(rowLogits)-1]
		if positions > 1 {
			out.PositionLogits[r] = rowLogits
		}
	}

	if err := CheckAdvance(inputs.PastKeyValues, &KVCache{SeqLen: seqLen}); err != nil {
		return nil, err
	}
	out.PastKeyValues = &KVCache{SeqLen: seqLen, BatchSize: rows}
	return out, nil
}

// audioDigest hashes a strided sample of the encoder row.
func (m *SyntheticModel) audioDigest(row []float32) uint64 {
	const samples = 256
	stride := max(len(row)/samples, 1)
	buf := make([]byte, 0, 8+4*samples+4)
	buf = binary.LittleEndian.AppendUint64(buf, m.cfg.Seed)
	for i := 0; i < len(row); i += stride {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(row[i]))
	}
	return xxhash.Sum64(buf)
}

func (m *SyntheticModel) logits(state uint64, visible int) []float32 {
	dec := m.cfg.Decoder
	logits := make([]float32, dec.VocabSize)
	var key [16]byte
	binary.LittleEndian.PutUint64(key[:8], state)
	for v := range logits {
		binary.LittleEndian.PutUint32(key[8:12], uint32(v))
		binary.LittleEndian.PutUint32(key[12:], 0)
		logits[v] = m.cfg.Sharpness * unit(xxhash.Sum64(key[:]))
		if m.cfg.Perturbation != 0 {
			binary.LittleEndian.PutUint32(key[12:], uint32(m.cfg.PerturbSeed)|1)
			logits[v] += m.cfg.Perturbation * unit(xxhash.Sum64(key[:]))
		}
	}
	// Make transcripts end: EOT gains weight as the history grows.
	bias := float32(visible-m.cfg.EOTAfter) / 4
	logits[dec.EOTTokenID] += m.cfg.Sharpness * max(min(bias, 2), -2)
	return logits
}

// unit maps a hash to [-1, 1).
func unit(h uint64) float32 {
	return float32(h>>40)/float32(1<<23) - 1
}

// mix is the splitmix64 finalizer.
func mix(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}
