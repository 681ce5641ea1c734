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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isMasked(v float32) bool {
	return math.IsInf(float64(v), -1)
}

// textHeavy favors text tokens so the timestamp-mass rule stays out of the way.
func textHeavy() []float32 {
	logits := make([]float32, testVocab)
	for i := 0; i < int(testEOT); i++ {
		logits[i] = 5
	}
	return logits
}

func newTimestampRules(maxInitial int) *TimestampRules {
	return &TimestampRules{Begin: testTimestamp, EOT: testEOT, NoTimestamps: testNoTS, MaxInitialIndex: maxInitial}
}

func TestTimestampRules_FirstToken(t *testing.T) {
	logits := textHeavy()
	newTimestampRules(2).Process(logits, nil)

	for i := 0; i < int(testTimestamp); i++ {
		assert.True(t, isMasked(logits[i]), "token %d should be masked", i)
	}
	for i := testTimestamp; i <= testTimestamp+2; i++ {
		assert.False(t, isMasked(logits[i]), "timestamp %d should be allowed", i)
	}
	for i := testTimestamp + 3; i < testVocab; i++ {
		assert.True(t, isMasked(logits[i]), "timestamp %d is beyond the initial limit", i)
	}
}

func TestTimestampRules_NoInitialLimit(t *testing.T) {
	logits := textHeavy()
	newTimestampRules(-1).Process(logits, nil)
	assert.False(t, isMasked(logits[testVocab-1]))
}

func TestTimestampRules_Pairs(t *testing.T) {
	tests := []struct {
		name    string
		sampled []int32
		allowed []int32
		masked  []int32
	}{
		{
			name:    "text after opening timestamp",
			sampled: []int32{20, 3},
			allowed: []int32{3, testEOT, 21},
			masked:  []int32{19, 20, testNoTS},
		},
		{
			name:    "closing timestamp after text",
			sampled: []int32{20, 3, 21},
			allowed: []int32{21, 25},
			masked:  []int32{3, 20},
		},
		{
			name:    "text after a pair",
			sampled: []int32{20, 3, 21, 21},
			allowed: []int32{3, testEOT},
			masked:  []int32{21, 25},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logits := textHeavy()
			newTimestampRules(-1).Process(logits, tt.sampled)
			for _, id := range tt.allowed {
				assert.False(t, isMasked(logits[id]), "token %d should be allowed", id)
			}
			for _, id := range tt.masked {
				assert.True(t, isMasked(logits[id]), "token %d should be masked", id)
			}
		})
	}
}

func TestTimestampRules_TimestampMass(t *testing.T) {
	logits := make([]float32, testVocab)
	for i := testTimestamp; i < testVocab; i++ {
		logits[i] = 3
	}
	newTimestampRules(-1).Process(logits, []int32{20, 3, 4})

	assert.True(t, isMasked(logits[3]), "text loses to the combined timestamp mass")
	assert.False(t, isMasked(logits[22]))
}

func TestSuppressBlank(t *testing.T) {
	p := &SuppressBlank{IDs: []int32{0}, EOT: testEOT}

	logits := textHeavy()
	p.Process(logits, nil)
	assert.True(t, isMasked(logits[0]))
	assert.True(t, isMasked(logits[testEOT]))

	logits = textHeavy()
	p.Process(logits, []int32{4})
	assert.False(t, isMasked(logits[0]))
}

func TestProcessorChain_SuppressesSpecials(t *testing.T) {
	opts := testOptions()
	opts.SuppressTokens = []int32{-1, 7}
	chain := newProcessorChain(testConfig(), &opts)

	logits := make([]float32, testVocab)
	require.Empty(t, chain.Process(logits, nil))

	for _, id := range []int32{1, 7, 14, 15, testSOT, 16, testNoSpeech, testNoTS, testTimestamp, testVocab - 1} {
		assert.True(t, isMasked(logits[id]), "token %d should be suppressed", id)
	}
	assert.False(t, isMasked(logits[testEOT]))
	assert.False(t, isMasked(logits[2]))
}

func TestProcessorChain_ForcesEOT(t *testing.T) {
	opts := testOptions()
	opts.SuppressTokens = []int32{5}
	chain := newProcessorChain(testConfig(), &opts)

	logits := fromProbs(map[int32]float64{5: 1})
	assert.Equal(t, ProcessorSuppressTokens, chain.Process(logits, nil))
	assert.Equal(t, float32(0), logits[testEOT])
	for i, v := range logits {
		if int32(i) != testEOT {
			assert.True(t, isMasked(v))
		}
	}
}

func TestProcessorChain_ModelWithoutLegalToken(t *testing.T) {
	opts := testOptions()
	chain := newProcessorChain(testConfig(), &opts)

	logits := make([]float32, testVocab)
	for i := range logits {
		logits[i] = float32(math.NaN())
	}
	assert.Equal(t, ProcessorModel, chain.Process(logits, nil))
	assert.Equal(t, float32(0), logits[testEOT])
}

func TestProcessorChain_TimestampRuleForced(t *testing.T) {
	opts := testOptions()
	opts.Timestamps = TimestampOptions{Enabled: true, MaxInitialIndex: -1}
	chain := newProcessorChain(testConfig(), &opts)

	// Only text is finite but the first token must be a timestamp.
	logits := textHeavy()
	for i := int(testEOT); i < testVocab; i++ {
		logits[i] = float32(math.Inf(-1))
	}
	assert.Equal(t, ProcessorTimestampRules, chain.Process(logits, nil))
	assert.Equal(t, StopTimestampRule, forcedStop(ProcessorTimestampRules))
	assert.Equal(t, StopNoLegalToken, forcedStop(ProcessorSuppressBlank))
}
