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
	"errors"
	"fmt"
)

// ErrCacheShrunk is returned when a forward pass hands back a KV-cache that is
// shorter than the one it was given.
var ErrCacheShrunk = errors.New("kv-cache shrunk")

// ModelInputs contains the inputs for one batched decoder pass.
type ModelInputs struct {
	// InputIDs are the token histories [batch, seq], left-padded to a common length.
	InputIDs [][]int32
	// AttentionMask is 1 for real tokens and 0 for padding [batch, seq].
	// Padding columns must not influence any other column of the same row.
	AttentionMask [][]int32

	// EncoderOutput is the encoded audio. It is shared read-only across rows,
	// steps and attempts and must never be mutated by the model.
	EncoderOutput *EncoderOutput
	// EncoderRows maps decoder row r to encoder batch entry EncoderRows[r].
	// Nil means row r uses encoder entry r.
	EncoderRows []int

	// PastKeyValues is the KV-cache from the previous pass (nil on the first pass).
	PastKeyValues *KVCache

	// NumLogitPositions is how many trailing positions need logits.
	// Zero and one both mean only the last position.
	NumLogitPositions int
}

// Rows returns the decoder batch size.
func (in *ModelInputs) Rows() int {
	return len(in.InputIDs)
}

// EncoderRow returns the encoder batch entry used by decoder row r.
func (in *ModelInputs) EncoderRow(r int) int {
	if in.EncoderRows == nil {
		return r
	}
	return in.EncoderRows[r]
}

// ModelOutput contains the outputs from a decoder pass.
type ModelOutput struct {
	// Logits for the last position [batch, vocab_size].
	Logits [][]float32

	// PositionLogits holds logits for the trailing NumLogitPositions positions
	// [batch, positions, vocab_size], oldest first. Only populated when more
	// than one position was requested.
	PositionLogits [][][]float32

	// PastKeyValues is the updated KV-cache for the next pass.
	PastKeyValues *KVCache
}

// LogitsAt returns the logits of row r at trailing position p, where
// p = positions-1 is the last column.
func (out *ModelOutput) LogitsAt(r, p, positions int) []float32 {
	if positions <= 1 || out.PositionLogits == nil {
		return out.Logits[r]
	}
	return out.PositionLogits[r][p]
}

// EncoderOutput holds the encoded audio.
type EncoderOutput struct {
	// HiddenStates are the encoder's hidden states, [batch, frames, hidden] row-major.
	HiddenStates []float32
	// Shape holds the tensor dimensions [batch, frames, hidden].
	Shape [3]int
}

// Batch returns the encoder batch size.
func (e *EncoderOutput) Batch() int {
	return e.Shape[0]
}

// Row returns a read-only view of batch entry i.
func (e *EncoderOutput) Row(i int) []float32 {
	size := e.Shape[1] * e.Shape[2]
	return e.HiddenStates[i*size : (i+1)*size : (i+1)*size]
}

// Validate checks that the data length matches the declared shape.
func (e *EncoderOutput) Validate() error {
	if e == nil {
		return fmt.Errorf("encoder output is nil")
	}
	for i, d := range e.Shape {
		if d <= 0 {
			return fmt.Errorf("encoder output dimension %d is %d", i, d)
		}
	}
	if want := e.Shape[0] * e.Shape[1] * e.Shape[2]; len(e.HiddenStates) != want {
		return fmt.Errorf("encoder output has %d values, shape %v needs %d", len(e.HiddenStates), e.Shape, want)
	}
	return nil
}

// StackEncoderOutputs concatenates encoder outputs along the batch dimension.
// All inputs must agree on frames and hidden size. The inputs are not modified.
func StackEncoderOutputs(outputs []*EncoderOutput) (*EncoderOutput, error) {
	if len(outputs) == 0 {
		return nil, fmt.Errorf("no encoder outputs to stack")
	}
	if len(outputs) == 1 {
		return outputs[0], outputs[0].Validate()
	}
	first := outputs[0]
	total := 0
	for i, out := range outputs {
		if err := out.Validate(); err != nil {
			return nil, fmt.Errorf("encoder output %d: %w", i, err)
		}
		if out.Shape[1] != first.Shape[1] || out.Shape[2] != first.Shape[2] {
			return nil, fmt.Errorf("encoder output %d has shape %v, want [_ %d %d]",
				i, out.Shape, first.Shape[1], first.Shape[2])
		}
		total += out.Shape[0]
	}
	stacked := &EncoderOutput{
		HiddenStates: make([]float32, 0, total*first.Shape[1]*first.Shape[2]),
		Shape:        [3]int{total, first.Shape[1], first.Shape[2]},
	}
	for _, out := range outputs {
		stacked.HiddenStates = append(stacked.HiddenStates, out.HiddenStates...)
	}
	return stacked, nil
}

// KVCache holds the key-value cache for autoregressive decoding.
// The decoding engine treats it as opaque apart from SeqLen, which it requires
// to grow monotonically within an attempt.
type KVCache struct {
	// Keys holds the key cache. Shape depends on model architecture.
	Keys []float32
	// Values holds the value cache, same shape as Keys.
	Values []float32
	// SeqLen is the number of columns of InputIDs covered by the cache.
	SeqLen int
	// NumLayers is the number of decoder layers.
	NumLayers int
	// NumHeads is the number of attention heads.
	NumHeads int
	// HeadDim is the dimension of each attention head.
	HeadDim int
	// BatchSize is the batch size.
	BatchSize int
}

// Len returns the cached sequence length; a nil cache has length zero.
func (c *KVCache) Len() int {
	if c == nil {
		return 0
	}
	return c.SeqLen
}

// CheckAdvance verifies that next does not cover fewer columns than prev.
func CheckAdvance(prev, next *KVCache) error {
	if next.Len() < prev.Len() {
		return fmt.Errorf("%w: %d -> %d", ErrCacheShrunk, prev.Len(), next.Len())
	}
	return nil
}

// DecoderConfig describes the special-token layout of a whisper-style vocabulary.
// It is supplied by the tokenizer collaborator; the engine treats the ids as
// opaque integers and only relies on this ordering:
//
//	text tokens < EOTTokenID <= other specials < TimestampBeginID <= timestamps < VocabSize
type DecoderConfig struct {
	// VocabSize is the size of the vocabulary.
	VocabSize int
	// MaxLength is the decoder context length (n_text_ctx).
	MaxLength int

	// EOTTokenID is the end-of-transcript token ID.
	EOTTokenID int32
	// SOTTokenID is the start-of-transcript token ID.
	SOTTokenID int32
	// SOTPrevTokenID introduces previous-context prompt tokens. Negative disables prompts.
	SOTPrevTokenID int32
	// NoTimestampsTokenID selects text-only decoding.
	NoTimestampsTokenID int32
	// NoSpeechTokenID is read at the SOT position to estimate silence. Negative disables it.
	NoSpeechTokenID int32
	// TimestampBeginID is the first timestamp token (<|0.00|>). Zero or negative
	// means the vocabulary has no timestamp tokens.
	TimestampBeginID int32
	// TranscribeTokenID and TranslateTokenID select the task. Negative means absent.
	TranscribeTokenID int32
	TranslateTokenID  int32
	// PadTokenID fills padded columns.
	PadTokenID int32

	// LanguageTokenIDs maps language codes to their tokens. Empty for
	// English-only models.
	LanguageTokenIDs map[string]int32
	// BlankTokenIDs are suppressed on the first sampled position (e.g. " ").
	BlankTokenIDs []int32
	// NonSpeechTokenIDs is the default suppression set (symbols, speaker tags, ...).
	NonSpeechTokenIDs []int32
}

// IsTimestamp reports whether id is a timestamp token.
func (c *DecoderConfig) IsTimestamp(id int32) bool {
	return c.TimestampBeginID > 0 && id >= c.TimestampBeginID
}

// IsText reports whether id is an ordinary text token.
func (c *DecoderConfig) IsText(id int32) bool {
	return id >= 0 && id < c.EOTTokenID
}

// HasTimestamps reports whether the vocabulary contains timestamp tokens.
func (c *DecoderConfig) HasTimestamps() bool {
	return c.TimestampBeginID > 0 && int(c.TimestampBeginID) < c.VocabSize
}

// Multilingual reports whether language tokens are available.
func (c *DecoderConfig) Multilingual() bool {
	return len(c.LanguageTokenIDs) > 0
}

// SpecialTokenIDs returns the task-control tokens that must never be sampled.
func (c *DecoderConfig) SpecialTokenIDs() []int32 {
	var ids []int32
	for _, id := range []int32{c.TranscribeTokenID, c.TranslateTokenID, c.SOTTokenID, c.SOTPrevTokenID, c.NoSpeechTokenID} {
		if id >= 0 && id != c.EOTTokenID {
			ids = append(ids, id)
		}
	}
	return ids
}

// Validate checks the token layout.
func (c *DecoderConfig) Validate() error {
	if c == nil {
		return fmt.Errorf("decoder config is nil")
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("decoder config: vocab_size must be > 0, got %d", c.VocabSize)
	}
	inVocab := func(name string, id int32) error {
		if id < 0 || int(id) >= c.VocabSize {
			return fmt.Errorf("decoder config: %s %d outside vocabulary [0, %d)", name, id, c.VocabSize)
		}
		return nil
	}
	if err := inVocab("eot_token_id", c.EOTTokenID); err != nil {
		return err
	}
	if err := inVocab("sot_token_id", c.SOTTokenID); err != nil {
		return err
	}
	if c.TimestampBeginID > 0 {
		if err := inVocab("timestamp_begin_id", c.TimestampBeginID); err != nil {
			return err
		}
		if c.TimestampBeginID <= c.EOTTokenID {
			return fmt.Errorf("decoder config: timestamp_begin_id %d must be after eot_token_id %d",
				c.TimestampBeginID, c.EOTTokenID)
		}
	}
	for code, id := range c.LanguageTokenIDs {
		if err := inVocab("language token "+code, id); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy.
func (c *DecoderConfig) Clone() *DecoderConfig {
	clone := *c
	if c.LanguageTokenIDs != nil {
		clone.LanguageTokenIDs = make(map[string]int32, len(c.LanguageTokenIDs))
		for k, v := range c.LanguageTokenIDs {
			clone.LanguageTokenIDs[k] = v
		}
	}
	clone.BlankTokenIDs = append([]int32(nil), c.BlankTokenIDs...)
	clone.NonSpeechTokenIDs = append([]int32(nil), c.NonSpeechTokenIDs...)
	return &clone
}
