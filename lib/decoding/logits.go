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
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/CodeWithBehnam/vayu/lib/backends"
)

var negInf = float32(math.Inf(-1))

// Processor names, as reported in ForcedToken.Processor.
const (
	ProcessorModel          = "model"
	ProcessorSuppressTokens = "suppress_tokens"
	ProcessorSuppressBlank  = "suppress_blank"
	ProcessorTimestampRules = "timestamp_rules"
)

// LogitProcessor masks illegal tokens in one row of logits by setting them to
// -Inf. sampled holds the tokens sampled so far in the current task; the
// conditioning tokens (prompt, start sequence, prefix) are not included.
type LogitProcessor interface {
	Name() string
	Process(logits []float32, sampled []int32)
}

// SuppressTokens masks a fixed token set and optional id ranges on every step.
type SuppressTokens struct {
	IDs []int32
	// Ranges are half-open [from, to) id ranges.
	Ranges [][2]int32
}

func (s *SuppressTokens) Name() string { return ProcessorSuppressTokens }

func (s *SuppressTokens) Process(logits []float32, _ []int32) {
	for _, id := range s.IDs {
		if id >= 0 && int(id) < len(logits) {
			logits[id] = negInf
		}
	}
	for _, r := range s.Ranges {
		maskRange(logits, int(r[0]), int(r[1]))
	}
}

// SuppressBlank masks blank tokens and EOT on the first sampled position so a
// transcript never starts empty.
type SuppressBlank struct {
	IDs []int32
	EOT int32
}

func (s *SuppressBlank) Name() string { return ProcessorSuppressBlank }

func (s *SuppressBlank) Process(logits []float32, sampled []int32) {
	if len(sampled) != 0 {
		return
	}
	for _, id := range s.IDs {
		if id >= 0 && int(id) < len(logits) {
			logits[id] = negInf
		}
	}
	logits[s.EOT] = negInf
}

// TimestampRules enforces the timestamp grammar:
//   - the first token is a timestamp no later than MaxInitialIndex;
//   - timestamps come in pairs around text runs, so after a lone timestamp
//     following text only a timestamp or EOT may follow, and after a pair
//     text or EOT must follow;
//   - timestamps never decrease, and a closing timestamp starts a segment of
//     non-zero length;
//   - when the timestamps together are more likely than any text token, a
//     timestamp is sampled.
type TimestampRules struct {
	Begin        int32
	EOT          int32
	NoTimestamps int32
	// MaxInitialIndex limits the first timestamp. Negative means no limit.
	MaxInitialIndex int
}

func (t *TimestampRules) Name() string { return ProcessorTimestampRules }

func (t *TimestampRules) Process(logits []float32, sampled []int32) {
	if t.NoTimestamps >= 0 {
		logits[t.NoTimestamps] = negInf
	}
	begin := int(t.Begin)
	n := len(sampled)
	lastWasTimestamp := n >= 1 && sampled[n-1] >= t.Begin
	penultimateWasTimestamp := n < 2 || sampled[n-2] >= t.Begin

	if lastWasTimestamp {
		if penultimateWasTimestamp {
			maskRange(logits, begin, len(logits))
		} else {
			maskRange(logits, 0, int(t.EOT))
		}
	}

	for i := n - 1; i >= 0; i-- {
		if sampled[i] < t.Begin {
			continue
		}
		last := int(sampled[i])
		if !lastWasTimestamp || penultimateWasTimestamp {
			last++
		}
		maskRange(logits, begin, last)
		break
	}

	if n == 0 {
		maskRange(logits, 0, begin)
		if t.MaxInitialIndex >= 0 {
			maskRange(logits, begin+t.MaxInitialIndex+1, len(logits))
		}
	}

	lp := logSoftmax(logits)
	timestampMass := floats.LogSumExp(lp[begin:])
	bestText := floats.Max(lp[:begin])
	if timestampMass > bestText {
		maskRange(logits, 0, begin)
	}
}

func maskRange(logits []float32, from, to int) {
	from = max(from, 0)
	to = min(to, len(logits))
	for i := from; i < to; i++ {
		logits[i] = negInf
	}
}

// processorChain applies the processors in order and detects rows that end up
// with no legal token.
type processorChain struct {
	processors []LogitProcessor
	eot        int32
}

// newProcessorChain builds the fixed chain: suppression, blank suppression,
// timestamp grammar.
func newProcessorChain(cfg *backends.DecoderConfig, opts *Options) *processorChain {
	suppress := &SuppressTokens{}
	for _, id := range opts.SuppressTokens {
		if id == -1 {
			suppress.IDs = append(suppress.IDs, cfg.NonSpeechTokenIDs...)
			continue
		}
		suppress.IDs = append(suppress.IDs, id)
	}
	suppress.IDs = append(suppress.IDs, cfg.SpecialTokenIDs()...)
	if !opts.Timestamps.Enabled {
		if cfg.NoTimestampsTokenID >= 0 {
			suppress.IDs = append(suppress.IDs, cfg.NoTimestampsTokenID)
		}
		if cfg.HasTimestamps() {
			suppress.Ranges = append(suppress.Ranges, [2]int32{cfg.TimestampBeginID, int32(cfg.VocabSize)})
		}
	}

	chain := &processorChain{processors: []LogitProcessor{suppress}, eot: cfg.EOTTokenID}
	if opts.SuppressBlank {
		chain.processors = append(chain.processors, &SuppressBlank{IDs: cfg.BlankTokenIDs, EOT: cfg.EOTTokenID})
	}
	if opts.Timestamps.Enabled {
		chain.processors = append(chain.processors, &TimestampRules{
			Begin:           cfg.TimestampBeginID,
			EOT:             cfg.EOTTokenID,
			NoTimestamps:    cfg.NoTimestampsTokenID,
			MaxInitialIndex: opts.Timestamps.MaxInitialIndex,
		})
	}
	return chain
}

// Process runs the chain in place. When a processor leaves the row without a
// legal token, the row is replaced by a one-hot EOT distribution and the name
// of that processor is returned; otherwise the result is empty.
func (c *processorChain) Process(logits []float32, sampled []int32) string {
	if !sanitize(logits) {
		forceToken(logits, c.eot)
		return ProcessorModel
	}
	for _, p := range c.processors {
		p.Process(logits, sampled)
		if !hasLegalToken(logits) {
			forceToken(logits, c.eot)
			return p.Name()
		}
	}
	return ""
}

// sanitize turns NaN into -Inf and reports whether any finite logit remains.
func sanitize(logits []float32) bool {
	legal := false
	for i, v := range logits {
		if math.IsNaN(float64(v)) {
			logits[i] = negInf
			continue
		}
		if !math.IsInf(float64(v), -1) {
			legal = true
		}
	}
	return legal
}

func hasLegalToken(logits []float32) bool {
	for _, v := range logits {
		if !math.IsInf(float64(v), -1) {
			return true
		}
	}
	return false
}

func forceToken(logits []float32, id int32) {
	for i := range logits {
		logits[i] = negInf
	}
	logits[id] = 0
}

// forcedStop maps the processor that forced EOT to a stop reason.
func forcedStop(processor string) StopReason {
	if processor == ProcessorTimestampRules {
		return StopTimestampRule
	}
	return StopNoLegalToken
}
