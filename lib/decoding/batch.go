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
	"math/rand/v2"
	"slices"
)

// SegmentState is the mutable state of one candidate row of one segment during
// one attempt. It is owned by the attempt that created it. Tokens only grow,
// and once Done is set it is never cleared.
type SegmentState struct {
	// Segment is the index of the segment in the caller's input.
	Segment int
	// Row is the candidate index within the segment's group (beam or best-of).
	Row         int
	Attempt     int
	Temperature float64

	// Initial holds the conditioning tokens: optional prompt, start sequence
	// and prefix.
	Initial []int32
	// Tokens are the sampled tokens.
	Tokens     []int32
	LogProbs   []float64
	SumLogProb float64

	Done   bool
	Stop   StopReason
	Forced []ForcedToken

	NoSpeechProb float64

	SpeculativeProposed int
	SpeculativeAccepted int

	rng      *rand.Rand
	sotIndex int
	// pruned marks a beam slot with no live hypothesis.
	pruned bool
}

// History returns the full token history of the row.
func (s *SegmentState) History() []int32 {
	return slices.Concat(s.Initial, s.Tokens)
}

// add appends a sampled token and applies the stop checks in priority order:
// a sampled EOT, then the length limit, then a forced token.
func (s *SegmentState) add(token int32, logProb float64, forcedBy string, eot int32, maxTokens int) {
	pos := len(s.Tokens)
	s.Tokens = append(s.Tokens, token)
	s.LogProbs = append(s.LogProbs, logProb)
	s.SumLogProb += logProb
	if forcedBy != "" {
		s.Forced = append(s.Forced, ForcedToken{Position: pos, Processor: forcedBy, Token: token})
	}
	switch {
	case token == eot && forcedBy == "":
		s.finish(StopEOT)
	case len(s.Tokens) >= maxTokens:
		s.finish(StopMaxLen)
	case forcedBy != "":
		s.finish(forcedStop(forcedBy))
	}
}

func (s *SegmentState) finish(reason StopReason) {
	if s.Done {
		return
	}
	s.Done = true
	s.Stop = reason
}

// clone copies the state so a beam can branch without sharing buffers.
func (s *SegmentState) clone() *SegmentState {
	c := *s
	c.Tokens = slices.Clone(s.Tokens)
	c.LogProbs = slices.Clone(s.LogProbs)
	c.Forced = slices.Clone(s.Forced)
	return &c
}

// contentLength is the number of sampled tokens not counting a final EOT.
func (s *SegmentState) contentLength(eot int32) int {
	n := len(s.Tokens)
	if n > 0 && s.Tokens[n-1] == eot {
		n--
	}
	return n
}

// batchGrid is the [rows, columns] token matrix sent to the model. Prompts are
// left-padded to a common width. Afterwards every step appends the same number
// of columns to every row, so a column index means the same thing for the
// whole attempt and the KV-cache never has to be realigned. Rows that are
// finished, or that commit fewer tokens than others in a speculative round,
// receive pad columns with mask 0.
type batchGrid struct {
	ids  [][]int32
	mask [][]int32
	pad  int32
}

func newBatchGrid(histories [][]int32, pad int32) *batchGrid {
	width := 0
	for _, h := range histories {
		width = max(width, len(h))
	}
	g := &batchGrid{
		ids:  make([][]int32, len(histories)),
		mask: make([][]int32, len(histories)),
		pad:  pad,
	}
	for r, h := range histories {
		ids := make([]int32, width)
		mask := make([]int32, width)
		offset := width - len(h)
		for c := 0; c < offset; c++ {
			ids[c] = pad
		}
		for c, tok := range h {
			ids[offset+c] = tok
			mask[offset+c] = 1
		}
		g.ids[r] = ids
		g.mask[r] = mask
	}
	return g
}

func (g *batchGrid) width() int {
	if len(g.ids) == 0 {
		return 0
	}
	return len(g.ids[0])
}

// appendColumn adds one column. Rows with live[r] false receive padding.
func (g *batchGrid) appendColumn(tokens []int32, live []bool) {
	for r := range g.ids {
		if live[r] {
			g.ids[r] = append(g.ids[r], tokens[r])
			g.mask[r] = append(g.mask[r], 1)
			continue
		}
		g.ids[r] = append(g.ids[r], g.pad)
		g.mask[r] = append(g.mask[r], 0)
	}
}

// appendBlock adds width columns. Row r receives padding followed by
// blocks[r], so the last column of every row that committed tokens is real.
func (g *batchGrid) appendBlock(blocks [][]int32, width int) {
	for r := range g.ids {
		padding := width - len(blocks[r])
		for c := 0; c < padding; c++ {
			g.ids[r] = append(g.ids[r], g.pad)
			g.mask[r] = append(g.mask[r], 0)
		}
		for _, tok := range blocks[r] {
			g.ids[r] = append(g.ids[r], tok)
			g.mask[r] = append(g.mask[r], 1)
		}
	}
}

// extended returns a copy of the grid with width extra columns: row r gets
// tails[r] followed by padding. The grid itself is unchanged.
func (g *batchGrid) extended(tails [][]int32, width int) ([][]int32, [][]int32) {
	ids := make([][]int32, len(g.ids))
	mask := make([][]int32, len(g.ids))
	for r := range g.ids {
		rowIDs := make([]int32, 0, len(g.ids[r])+width)
		rowMask := make([]int32, 0, len(g.ids[r])+width)
		rowIDs = append(rowIDs, g.ids[r]...)
		rowMask = append(rowMask, g.mask[r]...)
		var tail []int32
		if r < len(tails) {
			tail = tails[r]
		}
		for c := 0; c < width; c++ {
			if c < len(tail) {
				rowIDs = append(rowIDs, tail[c])
				rowMask = append(rowMask, 1)
				continue
			}
			rowIDs = append(rowIDs, g.pad)
			rowMask = append(rowMask, 0)
		}
		ids[r] = rowIDs
		mask[r] = rowMask
	}
	return ids, mask
}

// reorder replaces row r by a copy of row sources[r].
func (g *batchGrid) reorder(sources []int) {
	ids := make([][]int32, len(sources))
	mask := make([][]int32, len(sources))
	for r, src := range sources {
		ids[r] = slices.Clone(g.ids[src])
		mask[r] = slices.Clone(g.mask[src])
	}
	g.ids = ids
	g.mask = mask
}
