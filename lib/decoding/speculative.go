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
	"math/rand/v2"
	"slices"

	"github.com/CodeWithBehnam/vayu/lib/backends"
)

// DraftProposal is what the draft model proposes for one row in one round.
type DraftProposal struct {
	Tokens   []int32
	LogProbs []float64
	// Distributions are the draft's sampling distributions, one per token.
	Distributions [][]float64
}

func (p *DraftProposal) add(tok int32, logProb float64, dist []float64) {
	p.Tokens = append(p.Tokens, tok)
	p.LogProbs = append(p.LogProbs, logProb)
	p.Distributions = append(p.Distributions, dist)
}

// speculativeRound lets the draft model propose up to DraftLength tokens per
// row, verifies all of them with a single target pass and commits the accepted
// prefix plus one corrected or bonus token.
//
// A row never proposes more than its remaining length minus one, so the
// committed run always fits. The verification cache is only adopted when every
// row committed all its candidates plus the bonus token, because otherwise it
// covers tokens that were rejected.
func (a *attemptRun) speculativeRound(ctx context.Context) error {
	k := a.b.opts.Speculative.DraftLength
	limit := make([]int, len(a.rows))
	longest := 0
	for r, st := range a.rows {
		if st.Done {
			continue
		}
		limit[r] = min(k, a.b.opts.MaxTokens-len(st.Tokens)-1)
		longest = max(longest, limit[r])
	}
	if longest == 0 {
		return a.step(ctx)
	}

	proposals, draftBase, draftCache, err := a.propose(ctx, limit, longest)
	if err != nil {
		return err
	}

	width := 0
	tails := make([][]int32, len(a.rows))
	for r, p := range proposals {
		if p != nil {
			tails[r] = p.Tokens
			width = max(width, len(p.Tokens))
		}
	}
	ids, mask := a.grid.extended(tails, width)
	out, err := a.forward(ctx, a.b.d.model, ids, mask, a.cache, width+1)
	if err != nil {
		return err
	}

	blocks := make([][]int32, len(a.rows))
	committedWidth := 0
	adopt := true
	proposed, accepted := 0, 0
	for r, st := range a.rows {
		p := proposals[r]
		if p == nil {
			continue
		}
		blocks[r] = a.verify(st, p, out, r, width+1)
		committedWidth = max(committedWidth, len(blocks[r]))
		if len(blocks[r]) != width+1 {
			adopt = false
		}
		proposed += len(p.Tokens)
		accepted += acceptedPrefix(p.Tokens, blocks[r])
	}
	a.b.d.observer.SpeculativeRound(proposed, accepted)

	a.grid.appendBlock(blocks, committedWidth)
	if adopt {
		a.cache = out.PastKeyValues
		a.draftCache = draftCache
	} else {
		a.draftCache = draftBase
	}
	return nil
}

// propose runs the draft model autoregressively. It returns the proposals,
// the draft cache covering only the committed grid, and the draft cache after
// the last pass.
func (a *attemptRun) propose(ctx context.Context, limit []int, longest int) ([]*DraftProposal, *backends.KVCache, *backends.KVCache, error) {
	proposals := make([]*DraftProposal, len(a.rows))
	for r, st := range a.rows {
		if !st.Done {
			proposals[r] = &DraftProposal{}
		}
	}
	drafting := func(r int, j int) bool {
		p := proposals[r]
		return p != nil && len(p.Tokens) == j && j < limit[r]
	}

	cache := a.draftCache
	var base *backends.KVCache
	tails := make([][]int32, len(a.rows))
	for j := 0; j < longest; j++ {
		active := false
		for r := range a.rows {
			if drafting(r, j) {
				active = true
				break
			}
		}
		if !active {
			break
		}
		for r, p := range proposals {
			if p != nil {
				tails[r] = p.Tokens
			}
		}
		ids, mask := a.grid.extended(tails, j)
		out, err := a.forward(ctx, a.b.d.draft, ids, mask, cache, 1)
		if err != nil {
			return nil, nil, nil, err
		}
		cache = out.PastKeyValues
		if j == 0 {
			base = cache
		}
		for r, st := range a.rows {
			if !drafting(r, j) {
				continue
			}
			p := proposals[r]
			logits := slices.Clone(out.Logits[r])
			forcedBy := a.chain.Process(logits, slices.Concat(st.Tokens, p.Tokens))
			lp := logSoftmax(logits)
			q := distribution(lp, a.temperature)
			tok := a.choose(lp, forcedBy, st.rng)
			p.add(tok, lp[tok], q)
			if tok == a.b.d.config.EOTTokenID {
				limit[r] = len(p.Tokens)
			}
		}
	}
	return proposals, base, cache, nil
}

// verify walks one row's candidates left to right against the target
// distributions and commits the outcome. It returns the committed tokens.
func (a *attemptRun) verify(st *SegmentState, p *DraftProposal, out *backends.ModelOutput, r, positions int) []int32 {
	var committed []int32
	st.SpeculativeProposed += len(p.Tokens)
	for i := 0; i <= len(p.Tokens); i++ {
		logits := slices.Clone(out.LogitsAt(r, i, positions))
		forcedBy := a.chain.Process(logits, st.Tokens)
		lp := logSoftmax(logits)

		if i == len(p.Tokens) {
			// Every candidate was accepted: the target samples one more token.
			tok := a.choose(lp, forcedBy, st.rng)
			a.commit(st, tok, lp[tok], forcedBy)
			committed = append(committed, tok)
			break
		}

		target := distribution(lp, a.temperature)
		tok, ok := acceptOrResample(p.Tokens[i], target, p.Distributions[i], a.temperature, st.rng)
		if ok {
			st.SpeculativeAccepted++
		}
		a.commit(st, tok, lp[tok], forcedBy)
		committed = append(committed, tok)
		if !ok || st.Done {
			break
		}
	}
	return committed
}

// acceptOrResample performs the speculative acceptance test for a drafted
// token x with target distribution p and draft distribution q. x is kept when
// p(x) >= q(x), otherwise with probability p(x)/q(x) using one uniform draw.
// A rejected position is resampled from norm(max(0, p-q)), or from p when that
// residual has no mass. The resulting token is distributed exactly as p.
func acceptOrResample(x int32, p, q []float64, temperature float64, rng *rand.Rand) (int32, bool) {
	px, qx := p[x], q[x]
	if px >= qx {
		return x, true
	}
	if px > 0 && rng.Float64() < px/qx {
		return x, true
	}
	residual := make([]float64, len(p))
	var mass float64
	for i := range p {
		if d := p[i] - q[i]; d > 0 {
			residual[i] = d
			mass += d
		}
	}
	if mass <= 0 {
		residual = p
	}
	if temperature == 0 {
		return argmaxDist(residual), false
	}
	return drawFrom(residual, rng), false
}

func argmaxDist(p []float64) int32 {
	best := 0
	for i, v := range p {
		if v > p[best] {
			best = i
		}
	}
	return int32(best)
}

// acceptedPrefix counts the leading candidates that were committed unchanged.
func acceptedPrefix(candidates, committed []int32) int {
	n := 0
	for n < len(candidates) && n < len(committed) && candidates[n] == committed[n] {
		n++
	}
	return n
}
