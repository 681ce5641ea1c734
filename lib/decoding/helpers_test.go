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
	"math"
	"slices"
	"sync"
	"time"

	"github.com/CodeWithBehnam/vayu/lib/backends"
)

// Token layout of the test vocabulary.
const (
	testVocab     = 30
	testEOT       = int32(10)
	testSOT       = int32(11)
	testEN        = int32(12)
	testDE        = int32(13)
	testNoSpeech  = int32(17)
	testNoTS      = int32(18)
	testTimestamp = int32(19)
)

var errModelBroken = errors.New("model broken")

func testConfig() *backends.DecoderConfig {
	return &backends.DecoderConfig{
		VocabSize:           testVocab,
		MaxLength:           128,
		EOTTokenID:          testEOT,
		SOTTokenID:          testSOT,
		TranslateTokenID:    14,
		TranscribeTokenID:   15,
		SOTPrevTokenID:      16,
		NoSpeechTokenID:     testNoSpeech,
		NoTimestampsTokenID: testNoTS,
		TimestampBeginID:    testTimestamp,
		PadTokenID:          testEOT,
		BlankTokenIDs:       []int32{0},
		NonSpeechTokenIDs:   []int32{1},
	}
}

func multilingualConfig() *backends.DecoderConfig {
	cfg := testConfig()
	cfg.LanguageTokenIDs = map[string]int32{"en": testEN, "de": testDE}
	return cfg
}

// testOptions decodes greedily, without suppression, timestamps or quality
// gate, so scripted models are followed exactly.
func testOptions() Options {
	opts := DefaultOptions()
	opts.Temperatures = []float64{0}
	opts.MaxTokens = 5
	opts.SuppressTokens = nil
	opts.SuppressBlank = false
	opts.Timestamps.Enabled = false
	opts.Thresholds = Thresholds{}
	opts.Language = "en"
	return opts
}

// mockModel computes each position's logits from the unmasked history of the
// row up to that position.
type mockModel struct {
	name string
	cfg  *backends.DecoderConfig
	next func(history []int32) []float32
	// failAt is the 1-based call that returns errModelBroken.
	failAt int
	onCall func(call int, in *backends.ModelInputs)

	mu     sync.Mutex
	calls  int
	inputs []*backends.ModelInputs
}

func newMockModel(cfg *backends.DecoderConfig, next func([]int32) []float32) *mockModel {
	return &mockModel{name: "mock", cfg: cfg, next: next}
}

func (m *mockModel) Name() string { return m.name }
func (m *mockModel) Close() error { return nil }
func (m *mockModel) DecoderConfig() *backends.DecoderConfig { return m.cfg }

func (m *mockModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockModel) Forward(_ context.Context, in *backends.ModelInputs) (*backends.ModelOutput, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.inputs = append(m.inputs, in)
	m.mu.Unlock()

	if m.onCall != nil {
		m.onCall(call, in)
	}
	if call == m.failAt {
		return nil, errModelBroken
	}

	positions := max(in.NumLogitPositions, 1)
	out := &backends.ModelOutput{Logits: make([][]float32, in.Rows())}
	if positions > 1 {
		out.PositionLogits = make([][][]float32, in.Rows())
	}
	for r, ids := range in.InputIDs {
		var visible []int32
		var rowLogits [][]float32
		first := len(ids) - positions
		for c, id := range ids {
			if in.AttentionMask == nil || in.AttentionMask[r][c] != 0 {
				visible = append(visible, id)
			}
			if c >= first {
				rowLogits = append(rowLogits, m.next(slices.Clone(visible)))
			}
		}
		out.Logits[r] = rowLogits[len(rowLogits)-1]
		if positions > 1 {
			out.PositionLogits[r] = rowLogits
		}
	}
	out.PastKeyValues = &backends.KVCache{SeqLen: len(in.InputIDs[0]), BatchSize: in.Rows()}
	return out, nil
}

// sampledPart returns the tokens after the start sequence. Start tokens are
// never sampled, so the last one marks the boundary.
func sampledPart(history []int32) []int32 {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i] >= testSOT && history[i] <= testNoTS {
			return history[i+1:]
		}
	}
	return history
}

func peaked(tok int32) []float32 {
	logits := make([]float32, testVocab)
	logits[tok] = 30
	return logits
}

// fromProbs returns logits whose softmax is the given distribution.
func fromProbs(probs map[int32]float64) []float32 {
	logits := make([]float32, testVocab)
	for i := range logits {
		logits[i] = float32(math.Inf(-1))
	}
	for tok, p := range probs {
		logits[tok] = float32(math.Log(p))
	}
	return logits
}

// script makes the model emit tokens in order, then EOT.
func script(tokens ...int32) func([]int32) []float32 {
	return func(history []int32) []float32 {
		s := sampledPart(history)
		if len(s) < len(tokens) {
			return peaked(tokens[len(s)])
		}
		return peaked(testEOT)
	}
}

func repeat(tok int32) func([]int32) []float32 {
	return func([]int32) []float32 { return peaked(tok) }
}

func audio(seed int) *backends.EncoderOutput {
	values := make([]float32, 8*4)
	for i := range values {
		values[i] = float32(math.Sin(float64(seed*31 + i)))
	}
	return &backends.EncoderOutput{HiddenStates: values, Shape: [3]int{1, 8, 4}}
}

func audios(seeds ...int) []*backends.EncoderOutput {
	out := make([]*backends.EncoderOutput, len(seeds))
	for i, s := range seeds {
		out[i] = audio(s)
	}
	return out
}

// recordingObserver collects decoding events.
type recordingObserver struct {
	mu          sync.Mutex
	passes      map[string]int
	attempts    []AttemptEvent
	forced      map[string]int
	proposed    int
	accepted    int
	speculative int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{passes: make(map[string]int), forced: make(map[string]int)}
}

func (o *recordingObserver) ForwardPass(model string, _ int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.passes[model]++
}

func (o *recordingObserver) AttemptFinished(ev AttemptEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts = append(o.attempts, ev)
}

func (o *recordingObserver) ForcedToken(processor string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.forced[processor]++
}

func (o *recordingObserver) SpeculativeRound(proposed, accepted int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.speculative++
	o.proposed += proposed
	o.accepted += accepted
}
