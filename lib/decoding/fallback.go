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
	"context"
	"errors"
	"slices"

	"go.uber.org/zap"

	"github.com/CodeWithBehnam/vayu/lib/backends"
)

// batchRun is one DecodeSegments call. It walks the temperature schedule,
// retrying only the segments the quality gate rejected.
type batchRun struct {
	d        *Decoder
	opts     *Options
	segments []Segment
	// keys are the stream indices of the segments.
	keys    []int
	encoder *backends.EncoderOutput

	languages     []string
	languageProbs []float64

	results []*Result
	// history holds every attempt result per segment, in schedule order.
	history [][]*Result
}

func (b *batchRun) prompt(seg int) []int32 {
	if b.segments[seg].Prompt != nil {
		return b.segments[seg].Prompt
	}
	return b.opts.Prompt
}

func (b *batchRun) run(ctx context.Context) ([]*Result, error) {
	if err := b.resolveLanguages(ctx); err != nil {
		return b.abort(err, nil)
	}

	pending := make([]int, len(b.segments))
	for i := range pending {
		pending[i] = i
	}
	for index, temperature := range b.opts.Temperatures {
		if len(pending) == 0 {
			break
		}
		attempt := newAttemptRun(b, index, temperature, pending)
		var err error
		if temperature == 0 && b.opts.BeamSize > 1 {
			err = attempt.runBeam(ctx)
		} else {
			err = attempt.runSampling(ctx)
		}
		if err != nil {
			var modelErr *ModelError
			if errors.As(err, &modelErr) {
				return b.abort(err, nil)
			}
			return b.abort(err, attempt)
		}

		var rejected []int
		for s, res := range attempt.results() {
			seg := pending[s]
			b.gate(seg, res)
			if res.Accepted {
				b.results[seg] = b.complete(seg, res)
				continue
			}
			rejected = append(rejected, seg)
		}
		pending = rejected
	}

	for _, seg := range pending {
		b.results[seg] = b.complete(seg, b.bestAttempt(seg))
	}
	return b.results, nil
}

// abort returns what has been decided so far. After a cancellation, rows of
// the interrupted attempt that had already stopped are gated like any other
// attempt. A segment cut off mid-attempt returns its best complete attempt
// when it has one, and its partial tokens otherwise.
func (b *batchRun) abort(err error, interrupted *attemptRun) ([]*Result, error) {
	if interrupted != nil {
		for s, res := range interrupted.results() {
			seg := interrupted.segments[s]
			if !interrupted.cutOff(s) {
				b.gate(seg, res)
				if res.Accepted {
					b.results[seg] = b.complete(seg, res)
				} else {
					b.results[seg] = b.complete(seg, b.bestAttempt(seg))
				}
				continue
			}
			best := b.bestAttempt(seg)
			b.history[seg] = append(b.history[seg], res)
			if best == nil {
				best = res
			}
			b.results[seg] = b.complete(seg, best)
		}
	}
	var modelErr *ModelError
	if !errors.As(err, &modelErr) {
		for seg, res := range b.results {
			if res == nil {
				b.results[seg] = b.complete(seg, &Result{StopReason: StopCancelled, Language: b.language(seg)})
			}
		}
	}
	return b.results, err
}

// gate applies the quality gate to an attempt result and records it.
func (b *batchRun) gate(seg int, res *Result) {
	verdict := Evaluate(res, b.opts.Thresholds)
	res.Accepted = verdict.Accepted
	res.Violation = verdict.Violation
	res.LikelySilence = verdict.LikelySilence
	b.history[seg] = append(b.history[seg], res)

	b.d.observer.AttemptFinished(AttemptEvent{
		Segment:     seg,
		Attempt:     res.AttemptIndex,
		Temperature: res.Temperature,
		Accepted:    res.Accepted,
		Violation:   res.Violation,
		StopReason:  res.StopReason,
		NumTokens:   len(res.Tokens),
	})
	if !res.Accepted {
		b.d.logger.Debug("Attempt rejected by quality gate",
			zap.Int("segment", seg),
			zap.Int("attempt", res.AttemptIndex),
			zap.Float64("temperature", res.Temperature),
			zap.String("violation", string(res.Violation)),
			zap.Float64("avgLogProb", res.AvgLogProb),
			zap.Float64("compressionRatio", res.CompressionRatio))
	}
}

// bestAttempt returns the attempt with the highest average log-probability.
// Ties go to the earlier attempt.
func (b *batchRun) bestAttempt(seg int) *Result {
	var best *Result
	for _, res := range b.history[seg] {
		if best == nil || res.AvgLogProb > best.AvgLogProb {
			best = res
		}
	}
	return best
}

// complete attaches the segment-level diagnostics to the returned result.
func (b *batchRun) complete(seg int, res *Result) *Result {
	res.Diagnostics.Attempts = make([]AttemptRecord, 0, len(b.history[seg]))
	res.Diagnostics.SpeculativeProposed = 0
	res.Diagnostics.SpeculativeAccepted = 0
	for _, h := range b.history[seg] {
		res.Diagnostics.Attempts = append(res.Diagnostics.Attempts, h.record())
		res.Diagnostics.SpeculativeProposed += h.speculativeProposed
		res.Diagnostics.SpeculativeAccepted += h.speculativeAccepted
	}
	if b.languageProbs != nil {
		res.Diagnostics.LanguageProbability = b.languageProbs[seg]
	}
	return res
}

// newResult turns the winning row of a segment into a Result. group holds all
// candidate rows of the segment.
func (b *batchRun) newResult(best *SegmentState, group []*SegmentState) *Result {
	cfg := b.d.config
	res := &Result{
		Tokens:            slices.Clone(best.Tokens),
		LogProbs:          slices.Clone(best.LogProbs),
		SumLogProb:        best.SumLogProb,
		NoSpeechProb:      best.NoSpeechProb,
		Temperature:       best.Temperature,
		AttemptIndex:      best.Attempt,
		Language:          b.language(best.Segment),
		StopReason:        best.Stop,
		TerminatedByModel: best.Stop == StopEOT,
	}
	if res.Tokens == nil {
		res.Tokens = []int32{}
		res.LogProbs = []float64{}
	}
	if n := len(res.Tokens); n > 0 {
		res.AvgLogProb = res.SumLogProb / float64(n)
	}
	res.Diagnostics.ForcedTokens = slices.Clone(best.Forced)
	for _, st := range group {
		res.speculativeProposed += st.SpeculativeProposed
		res.speculativeAccepted += st.SpeculativeAccepted
	}

	ids := res.textTokens(cfg.EOTTokenID)
	if b.d.tokenizer != nil {
		res.Text = b.d.tokenizer.Decode(ids)
		res.CompressionRatio = CompressionRatio([]byte(res.Text))
	} else {
		res.CompressionRatio = CompressionRatio(tokenBytes(ids))
	}
	return res
}

func (b *batchRun) language(seg int) string {
	if b.languages == nil {
		return ""
	}
	return b.languages[seg]
}
