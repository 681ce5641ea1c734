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
	"encoding/binary"
	"math"
	"math/rand/v2"
	"slices"
	"sort"

	"github.com/cespare/xxhash/v2"
	"gonum.org/v1/gonum/floats"
)

// rowSource returns the random source of one candidate row. It depends only on
// the seed and the row's coordinates, never on which other segments share
// the batch.
func rowSource(seed uint64, segment, attempt, row int) *rand.Rand {
	var key [24]byte
	binary.LittleEndian.PutUint64(key[0:], uint64(segment))
	binary.LittleEndian.PutUint64(key[8:], uint64(attempt))
	binary.LittleEndian.PutUint64(key[16:], uint64(row))
	return rand.New(rand.NewPCG(seed, xxhash.Sum64(key[:])))
}

// logSoftmax converts processed logits to log-probabilities. A row with no
// finite logit stays all -Inf.
func logSoftmax(logits []float32) []float64 {
	lp := make([]float64, len(logits))
	for i, v := range logits {
		lp[i] = float64(v)
	}
	lse := floats.LogSumExp(lp)
	if math.IsInf(lse, 0) {
		return lp
	}
	floats.AddConst(-lse, lp)
	return lp
}

// argmax returns the most likely token; ties go to the lower id.
func argmax(lp []float64) int32 {
	return int32(floats.MaxIdx(lp))
}

// distribution returns the sampling distribution at the given temperature:
// one-hot on the argmax at zero, softmax(lp/T) otherwise.
func distribution(lp []float64, temperature float64) []float64 {
	p := make([]float64, len(lp))
	if temperature == 0 {
		p[argmax(lp)] = 1
		return p
	}
	for i, v := range lp {
		p[i] = v / temperature
	}
	lse := floats.LogSumExp(p)
	for i := range p {
		p[i] = math.Exp(p[i] - lse)
	}
	return p
}

// sampleToken picks the next token: argmax at zero temperature, otherwise one
// categorical draw from rng.
func sampleToken(lp []float64, temperature float64, rng *rand.Rand) int32 {
	if temperature == 0 {
		return argmax(lp)
	}
	return drawFrom(distribution(lp, temperature), rng)
}

// drawFrom selects a token from an (unnormalized) distribution by inverse CDF
// using exactly one uniform draw.
func drawFrom(p []float64, rng *rand.Rand) int32 {
	u := rng.Float64() * floats.Sum(p)
	var cum float64
	last := -1
	for i, v := range p {
		if v <= 0 {
			continue
		}
		cum += v
		last = i
		if cum > u {
			return int32(i)
		}
	}
	// Rounding can leave u just above the final cumulative sum.
	return int32(max(last, 0))
}

type scoredToken struct {
	ID      int32
	LogProb float64
}

// topK returns the k most likely finite tokens, most likely first, ties by
// lower id.
func topK(lp []float64, k int) []scoredToken {
	top := make([]scoredToken, 0, k+1)
	for id, v := range lp {
		if math.IsInf(v, -1) || math.IsNaN(v) {
			continue
		}
		if len(top) == k && v <= top[k-1].LogProb {
			continue
		}
		pos := sort.Search(len(top), func(i int) bool { return top[i].LogProb < v })
		top = slices.Insert(top, pos, scoredToken{ID: int32(id), LogProb: v})
		if len(top) > k {
			top = top[:k]
		}
	}
	return top
}

// tokenProbability returns softmax(logits)[id] of raw logits.
func tokenProbability(logits []float32, id int32) float64 {
	if id < 0 || int(id) >= len(logits) {
		return 0
	}
	return math.Exp(logSoftmax(logits)[id])
}
