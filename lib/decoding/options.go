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

package decoding

import (
	"fmt"
	"math"

	"github.com/CodeWithBehnam/vayu/lib/backends"
)

// Task selects between same-language transcription and translation to English.
type Task string

const (
	TaskTranscribe Task = "transcribe"
	TaskTranslate  Task = "translate"
)

// LanguageDetect asks the decoder to pick the language per segment.
// An empty Language means the same thing.
const LanguageDetect = "detect"

// Thresholds are the quality gate limits. A zero value disables a threshold.
type Thresholds struct {
	// CompressionRatio rejects results whose zlib compression ratio is above it.
	CompressionRatio float64 `mapstructure:"compression_ratio"`
	// LogProb rejects results whose average log-probability is below it.
	LogProb float64 `mapstructure:"logprob"`
	// NoSpeech flags likely silence; it never rejects on its own.
	NoSpeech float64 `mapstructure:"no_speech"`
}

// TimestampOptions configures the timestamp grammar.
type TimestampOptions struct {
	// Enabled turns on timestamp prediction. When false the decoder asks for
	// text only and never samples timestamp tokens.
	Enabled bool `mapstructure:"enabled"`
	// MaxInitialIndex is the largest timestamp index (in 0.02s steps) allowed
	// as the first sampled token. Negative means no limit.
	MaxInitialIndex int `mapstructure:"max_initial_index"`
}

// SpeculativeOptions configures draft/verify decoding.
type SpeculativeOptions struct {
	// DraftLength is the number of tokens the draft model proposes per round.
	// Zero disables speculative decoding.
	DraftLength int `mapstructure:"draft_length"`
}

// Options controls one decoding call. Options are read-only once decoding starts.
type Options struct {
	Task Task `mapstructure:"task"`
	// Language is a language code, or "detect"/empty to detect per segment.
	// Ignored by English-only models.
	Language string `mapstructure:"language"`

	// Temperatures is the fallback schedule, tried in order.
	Temperatures []float64 `mapstructure:"temperatures"`
	// MaxTokens bounds the number of sampled tokens per segment.
	MaxTokens int `mapstructure:"max_tokens"`

	// SuppressTokens are never sampled. A -1 entry expands to the model's
	// non-speech token set.
	SuppressTokens []int32 `mapstructure:"suppress_tokens"`
	// SuppressBlank forbids blank output and an immediate EOT on the first step.
	SuppressBlank bool `mapstructure:"suppress_blank"`

	// Prompt is previous-context text, placed after <|startofprev|>.
	Prompt []int32 `mapstructure:"prompt"`
	// Prefix is forced at the start of the transcript.
	Prefix []int32 `mapstructure:"prefix"`

	// Seed drives every random choice. Each segment, attempt and candidate row
	// derives its own source from it.
	Seed uint64 `mapstructure:"seed"`

	// BeamSize > 1 enables beam search on zero-temperature attempts; 0 and 1
	// decode greedily.
	BeamSize int `mapstructure:"beam_size"`
	// BestOf is the number of independent samples on non-zero temperature
	// attempts; 0 and 1 draw a single sample.
	BestOf int `mapstructure:"best_of"`
	// Patience scales the number of finished beams collected before stopping.
	// Zero means 1.
	Patience float64 `mapstructure:"patience"`
	// LengthPenalty is the alpha of the ((5+length)/6)^alpha ranking penalty.
	// Zero ranks by log-probability divided by length.
	LengthPenalty float64 `mapstructure:"length_penalty"`

	Timestamps  TimestampOptions   `mapstructure:"timestamps"`
	Thresholds  Thresholds         `mapstructure:"thresholds"`
	Speculative SpeculativeOptions `mapstructure:"speculative"`
}

// DefaultOptions returns the usual whisper settings.
func DefaultOptions() Options {
	return Options{
		Task:           TaskTranscribe,
		Language:       LanguageDetect,
		Temperatures:   []float64{0.0, 0.2, 0.4, 0.6, 0.8, 1.0},
		MaxTokens:      224,
		SuppressTokens: []int32{-1},
		SuppressBlank:  true,
		BeamSize:       1,
		BestOf:         5,
		Patience:       1.0,
		Timestamps: TimestampOptions{
			Enabled:         true,
			MaxInitialIndex: 50,
		},
		Thresholds: Thresholds{
			CompressionRatio: 2.4,
			LogProb:          -1.0,
			NoSpeech:         0.6,
		},
	}
}

// Validate checks the options that do not depend on the model.
func (o *Options) Validate() error {
	switch o.Task {
	case "", TaskTranscribe, TaskTranslate:
	default:
		return invalid("Task", "must be %q or %q, got %q", TaskTranscribe, TaskTranslate, o.Task)
	}
	if len(o.Temperatures) == 0 {
		return invalid("Temperatures", "must not be empty")
	}
	for i, t := range o.Temperatures {
		field := fmt.Sprintf("Temperatures[%d]", i)
		if math.IsNaN(t) || math.IsInf(t, 0) || t < 0 {
			return invalid(field, "must be a finite value >= 0, got %v", t)
		}
		if i > 0 && t < o.Temperatures[i-1] {
			return invalid(field, "must not be lower than the previous entry (%v < %v)", t, o.Temperatures[i-1])
		}
	}
	if o.MaxTokens < 1 {
		return invalid("MaxTokens", "must be >= 1, got %d", o.MaxTokens)
	}
	if o.BeamSize < 0 {
		return invalid("BeamSize", "must be >= 0, got %d", o.BeamSize)
	}
	if o.BestOf < 0 {
		return invalid("BestOf", "must be >= 0, got %d", o.BestOf)
	}
	if !finite(o.Patience) || o.Patience < 0 {
		return invalid("Patience", "must be a finite value >= 0, got %v", o.Patience)
	}
	if !finite(o.LengthPenalty) || o.LengthPenalty < 0 {
		return invalid("LengthPenalty", "must be a finite value >= 0, got %v", o.LengthPenalty)
	}
	if !finite(o.Thresholds.CompressionRatio) || o.Thresholds.CompressionRatio < 0 {
		return invalid("Thresholds.CompressionRatio", "must be >= 0, got %v", o.Thresholds.CompressionRatio)
	}
	if !finite(o.Thresholds.LogProb) || o.Thresholds.LogProb > 0 {
		return invalid("Thresholds.LogProb", "must be <= 0, got %v", o.Thresholds.LogProb)
	}
	if !finite(o.Thresholds.NoSpeech) || o.Thresholds.NoSpeech < 0 || o.Thresholds.NoSpeech > 1 {
		return invalid("Thresholds.NoSpeech", "must be within [0, 1], got %v", o.Thresholds.NoSpeech)
	}
	if o.Speculative.DraftLength < 0 {
		return invalid("Speculative.DraftLength", "must be >= 0, got %d", o.Speculative.DraftLength)
	}
	return nil
}

// validateFor checks the options against the model's token layout.
func (o *Options) validateFor(cfg *backends.DecoderConfig, hasDraft bool) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if err := checkTokens("SuppressTokens", o.SuppressTokens, cfg, true); err != nil {
		return err
	}
	if err := checkTokens("Prompt", o.Prompt, cfg, false); err != nil {
		return err
	}
	if err := checkTokens("Prefix", o.Prefix, cfg, false); err != nil {
		return err
	}
	if len(o.Prompt) > 0 && cfg.SOTPrevTokenID < 0 {
		return invalid("Prompt", "is not supported: the vocabulary has no <|startofprev|> token")
	}
	if o.Task == TaskTranslate && cfg.Multilingual() && cfg.TranslateTokenID < 0 {
		return invalid("Task", "translate is not supported by this vocabulary")
	}
	if o.Timestamps.Enabled && !cfg.HasTimestamps() {
		return invalid("Timestamps.Enabled", "is set but the vocabulary has no timestamp tokens")
	}
	if cfg.Multilingual() && !detectLanguage(o.Language) {
		if _, ok := cfg.LanguageTokenIDs[o.Language]; !ok {
			return invalid("Language", "%q is not a known language", o.Language)
		}
	}
	if cfg.MaxLength > 0 {
		fixed := len(sotSequence(cfg, o, "")) + len(o.Prefix)
		if fixed+o.MaxTokens > cfg.MaxLength {
			return invalid("MaxTokens", "%d plus %d start tokens exceeds the context length %d",
				o.MaxTokens, fixed, cfg.MaxLength)
		}
	}
	if o.Speculative.DraftLength > 0 && !hasDraft {
		return invalid("Speculative.DraftLength", "is set but no draft model is configured")
	}
	return nil
}

func checkTokens(field string, ids []int32, cfg *backends.DecoderConfig, allowNonSpeech bool) error {
	for i, id := range ids {
		if allowNonSpeech && id == -1 {
			continue
		}
		if id < 0 || int(id) >= cfg.VocabSize {
			return invalid(fmt.Sprintf("%s[%d]", field, i), "token %d is outside the vocabulary [0, %d)", id, cfg.VocabSize)
		}
	}
	return nil
}

// patience returns the effective beam patience.
func (o *Options) patience() float64 {
	if o.Patience == 0 {
		return 1
	}
	return o.Patience
}

// groupSize returns the number of decoder rows each segment occupies at
// the given temperature.
func (o *Options) groupSize(temperature float64) int {
	switch {
	case temperature == 0 && o.BeamSize > 1:
		return o.BeamSize
	case temperature > 0 && o.BestOf > 1:
		return o.BestOf
	default:
		return 1
	}
}

func detectLanguage(lang string) bool {
	return lang == "" || lang == LanguageDetect
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
