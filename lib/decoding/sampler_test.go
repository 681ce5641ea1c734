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
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

func TestLogSoftmax(t *testing.T) {
	lp := logSoftmax([]float32{1, 2, float32(math.Inf(-1)), 3})
	assert.InDelta(t, 1.0, math.Exp(lp[0])+math.Exp(lp[1])+math.Exp(lp[3]), 1e-9)
	assert.True(t, math.IsInf(lp[2], -1))

	empty := logSoftmax([]float32{float32(math.Inf(-1)), float32(math.Inf(-1))})
	assert.True(t, math.IsInf(empty[0], -1))
}

func TestArgmax_TiesGoToLowerID(t *testing.T) {
	assert.Equal(t, int32(1), argmax([]float64{0, 2, 2, 1}))
}

func TestDistribution(t *testing.T) {
	lp := logSoftmax([]float32{1, 3, 2})

	greedy := distribution(lp, 0)
	assert.Equal(t, []float64{0, 1, 0}, greedy)

	hot := distribution(lp, 1)
	assert.InDelta(t, 1.0, floats.Sum(hot), 1e-9)
	assert.InDelta(t, math.Exp(lp[1]), hot[1], 1e-9)

	// Higher temperature flattens the distribution.
	flat := distribution(lp, 2)
	assert.Less(t, flat[1], hot[1])
}

func TestSampleToken_Greedy(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	lp := logSoftmax([]float32{0, 4, 1})
	for range 10 {
		assert.Equal(t, int32(1), sampleToken(lp, 0, rng))
	}
}

func TestDrawFrom(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	counts := make([]int, 3)
	const n = 20000
	for range n {
		counts[drawFrom([]float64{0.2, 0, 0.8}, rng)]++
	}
	assert.Zero(t, counts[1], "zero-probability tokens are never drawn")
	assert.InDelta(t, 0.2, float64(counts[0])/n, 0.02)
}

func TestRowSource_Deterministic(t *testing.T) {
	a := rowSource(42, 1, 2, 3)
	b := rowSource(42, 1, 2, 3)
	c := rowSource(42, 1, 2, 4)
	x, y, z := a.Uint64(), b.Uint64(), c.Uint64()
	assert.Equal(t, x, y)
	assert.NotEqual(t, x, z)
}

func TestTopK(t *testing.T) {
	lp := []float64{-1, -0.5, math.Inf(-1), -0.5, -3}
	top := topK(lp, 3)
	require.Len(t, top, 3)
	assert.Equal(t, []int32{1, 3, 0}, []int32{top[0].ID, top[1].ID, top[2].ID})

	assert.Len(t, topK(lp, 10), 4, "masked tokens are never candidates")
}

func TestTokenProbability(t *testing.T) {
	p := tokenProbability([]float32{0, 0, 0, 0}, 2)
	assert.InDelta(t, 0.25, p, 1e-9)
	assert.Zero(t, tokenProbability([]float32{0, 0}, -1))
}

// The accept/resample step must leave the committed token distributed exactly
// as the target distribution, whatever the draft distribution is.
func TestAcceptOrResample_MatchesTarget(t *testing.T) {
	p := []float64{0.1, 0.4, 0.2, 0.3}
	q := []float64{0.5, 0.1, 0.3, 0.1}
	rng := rand.New(rand.NewPCG(7, 11))

	const n = 40000
	counts := make([]float64, len(p))
	accepted := 0
	for range n {
		x := drawFrom(q, rng)
		tok, ok := acceptOrResample(x, p, q, 1, rng)
		if ok {
			accepted++
			assert.Equal(t, x, tok)
		}
		counts[tok]++
	}

	var chi2 float64
	for i, c := range counts {
		expected := p[i] * n
		chi2 += (c - expected) * (c - expected) / expected
	}
	pValue := distuv.ChiSquared{K: float64(len(p) - 1)}.Survival(chi2)
	assert.Greater(t, pValue, 0.001)

	// The acceptance rate is sum(min(p, q)).
	assert.InDelta(t, 0.1+0.1+0.2+0.1, float64(accepted)/n, 0.02)
}

func TestAcceptOrResample_Greedy(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	p := []float64{0, 1, 0}

	tok, ok := acceptOrResample(1, p, []float64{0, 1, 0}, 0, rng)
	assert.True(t, ok)
	assert.Equal(t, int32(1), tok)

	tok, ok = acceptOrResample(2, p, []float64{0, 0, 1}, 0, rng)
	assert.False(t, ok)
	assert.Equal(t, int32(1), tok, "a rejected greedy draft falls back to the target argmax")
}

func TestAcceptOrResample_NoResidualMass(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 5))
	p := []float64{0.5, 0.5, 0}
	// q dominates p everywhere, so the residual is empty and p is used.
	q := []float64{0.6, 0.6, 0.2}
	tok, ok := acceptOrResample(2, p, q, 1, rng)
	assert.False(t, ok)
	assert.NotEqual(t, int32(2), tok)
}

func TestAcceptedPrefix(t *testing.T) {
	assert.Equal(t, 2, acceptedPrefix([]int32{1, 2, 3}, []int32{1, 2, 9}))
	assert.Equal(t, 3, acceptedPrefix([]int32{1, 2, 3}, []int32{1, 2, 3, 4}))
	assert.Equal(t, 0, acceptedPrefix(nil, []int32{4}))
}
