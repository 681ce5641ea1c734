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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeWithBehnam/vayu/lib/backends"
)

// With a draft identical to the target every proposal is accepted and the
// transcript matches plain decoding, including the random draws.
func TestSpeculative_IdenticalDraft(t *testing.T) {
	for _, temperature := range []float64{0, 0.7} {
		target := syntheticModel(t, backends.SyntheticConfig{Seed: 13, Sharpness: 4})
		draft := syntheticModel(t, backends.SyntheticConfig{Name: "draft", Seed: 13, Sharpness: 4})

		opts := syntheticOptions()
		opts.Temperatures = []float64{temperature}
		opts.BestOf = 2
		opts.Seed = 5

		plainObs := newRecordingObserver()
		plain := newTestDecoder(t, target, WithObserver(plainObs))
		want, err := plain.DecodeBatch(context.Background(), audios(1, 2, 3), opts)
		require.NoError(t, err)

		obs := newRecordingObserver()
		speculative := newTestDecoder(t, target, WithDraftModel(draft), WithObserver(obs))
		opts.Speculative.DraftLength = 4
		got, err := speculative.DecodeBatch(context.Background(), audios(1, 2, 3), opts)
		require.NoError(t, err)

		for i := range want {
			assert.Equal(t, want[i].Tokens, got[i].Tokens, "segment %d at temperature %v", i, temperature)
			assert.InDelta(t, want[i].SumLogProb, got[i].SumLogProb, 1e-9)
			assert.Equal(t, want[i].StopReason, got[i].StopReason)

			diag := got[i].Diagnostics
			assert.Positive(t, diag.SpeculativeProposed)
			assert.Equal(t, diag.SpeculativeProposed, diag.SpeculativeAccepted)
			assert.Equal(t, 1.0, diag.AcceptanceRate())
		}
		assert.Positive(t, obs.passes["draft"])
		assert.Less(t, obs.passes["synthetic"], plainObs.passes["synthetic"], "the target verifies several tokens per pass")
		assert.Equal(t, obs.proposed, obs.accepted)
	}
}

// A perturbed draft is sometimes rejected, but greedy speculative decoding
// still reproduces the target's own transcript.
func TestSpeculative_PerturbedDraftGreedy(t *testing.T) {
	target := syntheticModel(t, backends.SyntheticConfig{Seed: 13, Sharpness: 4})
	draft := syntheticModel(t, backends.SyntheticConfig{
		Name: "draft", Seed: 13, Sharpness: 4, Perturbation: 3, PerturbSeed: 77,
	})

	opts := syntheticOptions()
	want, err := newTestDecoder(t, target).DecodeBatch(context.Background(), audios(1, 2, 3, 4), opts)
	require.NoError(t, err)

	opts.Speculative.DraftLength = 3
	got, err := newTestDecoder(t, target, WithDraftModel(draft)).DecodeBatch(context.Background(), audios(1, 2, 3, 4), opts)
	require.NoError(t, err)

	proposed, accepted := 0, 0
	for i := range want {
		assert.Equal(t, want[i].Tokens, got[i].Tokens, "segment %d", i)
		proposed += got[i].Diagnostics.SpeculativeProposed
		accepted += got[i].Diagnostics.SpeculativeAccepted
	}
	assert.Positive(t, proposed)
	assert.Less(t, accepted, proposed)
}

func TestSpeculative_RespectsMaxTokens(t *testing.T) {
	target := newMockModel(testConfig(), repeat(3))
	draft := newMockModel(testConfig(), repeat(3))
	draft.name = "draft"

	opts := testOptions()
	opts.MaxTokens = 7
	opts.Speculative.DraftLength = 4
	results, err := newTestDecoder(t, target, WithDraftModel(draft)).DecodeBatch(context.Background(), audios(1), opts)
	require.NoError(t, err)

	res := results[0]
	assert.Len(t, res.Tokens, 7)
	assert.Equal(t, StopMaxLen, res.StopReason)
	// Round one proposes 4 and commits 5; the last token needs a plain step.
	assert.Equal(t, 4, res.Diagnostics.SpeculativeProposed)
	assert.Equal(t, 4, res.Diagnostics.SpeculativeAccepted)

	var positions []int
	for _, in := range target.inputs {
		positions = append(positions, in.NumLogitPositions)
	}
	assert.Equal(t, []int{2, 5, 1}, positions)
	assert.Equal(t, 4, draft.Calls())
}

func TestSpeculative_RejectionResamplesFromTarget(t *testing.T) {
	target := newMockModel(testConfig(), script(3, 4, 5))
	draft := newMockModel(testConfig(), script(3, 6, 5))
	draft.name = "draft"

	opts := testOptions()
	opts.MaxTokens = 10
	opts.Speculative.DraftLength = 3
	results, err := newTestDecoder(t, target, WithDraftModel(draft)).DecodeBatch(context.Background(), audios(1), opts)
	require.NoError(t, err)

	res := results[0]
	assert.Equal(t, []int32{3, 4, 5, testEOT}, res.Tokens)
	assert.Equal(t, StopEOT, res.StopReason)
	assert.Less(t, res.Diagnostics.SpeculativeAccepted, res.Diagnostics.SpeculativeProposed)
}
