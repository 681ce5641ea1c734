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
	"encoding/binary"
	"math"
	"slices"
	"sort"

	"github.com/CodeWithBehnam/vayu/lib/backends"
)

// lengthPenalty returns the ranking denominator for a hypothesis of the given
// length: the length itself when alpha is zero, else ((5+length)/6)^alpha.
func lengthPenalty(length int, alpha float64) float64 {
	l := float64(max(length, 1))
	if alpha == 0 {
		return l
	}
	return math.Pow((5+l)/6, alpha)
}

// bestCandidate ranks candidates by length-penalized log-probability. Ties go
// to the earlier candidate.
func bestCandidate(candidates []*SegmentState, alpha float64, eot int32) *SegmentState {
	var best *SegmentState
	bestScore := math.Inf(-1)
	for _, c := range candidates {
		score := c.SumLogProb / lengthPenalty(c.contentLength(eot), alpha)
		if best == nil || score > bestScore {
			best, bestScore = c, score
		}
	}
	return best
}

// beamGroup tracks the hypotheses of one segment during beam search.
type beamGroup struct {
	finished []*SegmentState
	complete bool
}

type beamCandidate struct {
	source   int
	token    int32
	logProb  float64
	score    float64
	forcedBy string
}

// runBeam performs beam search at zero temperature. Every segment owns
// BeamSize rows. Each step expands every live beam by its top BeamSize+1
// tokens, keeps the best BeamSize unfinished sequences and collects finished
// ones until round(BeamSize*Patience) are available.
func (a *attemptRun) runBeam(ctx context.Context) error {
	width := a.group
	groups := make([]*beamGroup, len(a.segments))
	for s := range groups {
		groups[s] = &beamGroup{}
	}
	a.beamsDone = make([]bool, len(a.segments))
	maxFinished := max(int(math.Round(float64(width)*a.b.opts.patience())), 1)
	reorderer, cached := a.b.d.model.(backends.CacheReorderer)

	for {
		done := true
		for _, g := range groups {
			done = done && g.complete
		}
		if done {
			break
		}
		if err := ctx.Err(); err != nil {
			a.cancel()
			a.finalizeBeams(groups)
			return err
		}

		positions := 1
		if !a.started {
			positions = a.firstPositions()
		}
		var cache *backends.KVCache
		if cached {
			cache = a.cache
		}
		out, err := a.forward(ctx, a.b.d.model, a.grid.ids, a.grid.mask, cache, positions)
		if err != nil {
			if ctx.Err() != nil {
				a.cancel()
				a.finalizeBeams(groups)
			}
			return err
		}

		if !a.started {
			for r, st := range a.rows {
				st.NoSpeechProb = a.noSpeech(out, r, positions)
			}
		}

		next := make([]*SegmentState, len(a.rows))
		sources := make([]int, len(a.rows))
		column := make([]int32, len(a.rows))
		live := make([]bool, len(a.rows))
		for s, g := range groups {
			base := s * width
			if g.complete {
				for j := 0; j < width; j++ {
					next[base+j] = a.rows[base+j]
					sources[base+j] = base + j
				}
				continue
			}
			candidates := a.expand(out, base, width, positions)

			kept := 0
			var newlyFinished []*SegmentState
			for _, c := range candidates {
				child := a.rows[c.source].clone()
				a.commit(child, c.token, c.logProb, c.forcedBy)
				if c.token == a.b.d.config.EOTTokenID {
					newlyFinished = append(newlyFinished, child)
					continue
				}
				next[base+kept] = child
				sources[base+kept] = c.source
				column[base+kept] = c.token
				live[base+kept] = true
				kept++
				if kept == width {
					break
				}
			}
			for j := kept; j < width; j++ {
				empty := a.rows[base+j].clone()
				empty.pruned = true
				empty.finish(StopNone)
				next[base+j] = empty
				sources[base+j] = base + j
			}
			for _, f := range newlyFinished {
				if len(g.finished) >= maxFinished {
					break
				}
				g.finished = append(g.finished, f)
			}

			atLimit := kept > 0 && next[base].Done
			if len(g.finished) >= maxFinished || kept == 0 || atLimit {
				g.complete = true
				a.beamsDone[s] = true
			}
		}

		a.rows = next
		a.grid.reorder(sources)
		a.grid.appendColumn(column, live)
		a.started = true

		if cached && out.PastKeyValues != nil {
			reordered, err := reorderer.ReorderCache(out.PastKeyValues, sources)
			if err != nil {
				return &ModelError{Model: a.b.d.model.Name(), Attempt: a.index, Step: a.steps, Err: err}
			}
			a.cache = reordered
		}
	}
	a.finalizeBeams(groups)
	return nil
}

// expand returns the deduplicated continuations of a segment's live beams,
// best first: score descending, then token id, then source row.
func (a *attemptRun) expand(out *backends.ModelOutput, base, width, positions int) []beamCandidate {
	var candidates []beamCandidate
	seen := make(map[string]bool)
	for j := 0; j < width; j++ {
		r := base + j
		st := a.rows[r]
		if st.Done {
			continue
		}
		logits := slices.Clone(out.LogitsAt(r, positions-1, positions))
		forcedBy := a.chain.Process(logits, st.Tokens)
		lp := logSoftmax(logits)
		for _, t := range topK(lp, width+1) {
			key := sequenceKey(st.Tokens, t.ID)
			if seen[key] {
				continue
			}
			seen[key] = true
			candidates = append(candidates, beamCandidate{
				source:   r,
				token:    t.ID,
				logProb:  t.LogProb,
				score:    st.SumLogProb + t.LogProb,
				forcedBy: forcedBy,
			})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		if ci.score != cj.score {
			return ci.score > cj.score
		}
		if ci.token != cj.token {
			return ci.token < cj.token
		}
		return ci.source < cj.source
	})
	return candidates
}

// finalizeBeams picks each segment's winner. When fewer than BeamSize
// hypotheses finished, the best live beams fill the remaining places.
func (a *attemptRun) finalizeBeams(groups []*beamGroup) {
	width := a.group
	a.winners = make([]*SegmentState, len(groups))
	for s, g := range groups {
		base := s * width
		pool := slices.Clone(g.finished)
		if len(pool) < width {
			var liveBeams []*SegmentState
			for j := 0; j < width; j++ {
				if st := a.rows[base+j]; !st.pruned {
					liveBeams = append(liveBeams, st)
				}
			}
			sort.SliceStable(liveBeams, func(i, j int) bool {
				return liveBeams[i].SumLogProb > liveBeams[j].SumLogProb
			})
			for _, st := range liveBeams {
				if len(pool) >= width {
					break
				}
				pool = append(pool, st)
			}
		}
		if len(pool) == 0 {
			pool = a.rows[base : base+width]
		}
		a.winners[s] = bestCandidate(pool, a.b.opts.LengthPenalty, a.b.d.config.EOTTokenID)
	}
}

func sequenceKey(tokens []int32, next int32) string {
	buf := make([]byte, 0, 4*(len(tokens)+1))
	for _, t := range tokens {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(t))
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(next))
	return string(buf)
}
