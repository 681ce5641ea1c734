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
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/CodeWithBehnam/vayu/lib/backends"
)

// Tokenizer turns token ids back into text. It is only used for Result.Text
// and the compression ratio; go-huggingface tokenizers satisfy it.
type Tokenizer interface {
	Decode(ids []int) string
}

// Segment is one bounded span of encoded audio.
type Segment struct {
	// Audio is the encoder output for this segment, with batch size 1.
	Audio *backends.EncoderOutput
	// Prompt overrides Options.Prompt when non-nil.
	Prompt []int32
	// Language overrides Options.Language when non-empty.
	Language string
	// Index is the segment's position in the caller's whole stream. It keys
	// the segment's random source, so sampling does not depend on how a
	// stream is split into calls. Indices must be distinct; when all are
	// zero the position in the call is used.
	Index int
}

// Decoder drives a model through batched, quality-gated decoding.
// A Decoder holds no per-call state and may be shared between goroutines as
// long as the model allows concurrent Forward calls.
type Decoder struct {
	model     backends.Model
	draft     backends.Model
	config    *backends.DecoderConfig
	tokenizer Tokenizer
	observer  Observer
	logger    *zap.Logger
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithDraftModel enables speculative decoding with the given draft model.
func WithDraftModel(draft backends.Model) DecoderOption {
	return func(d *Decoder) {
		d.draft = draft
	}
}

// WithDecoderConfig sets the token layout. It is required when the model does
// not implement backends.DecoderConfigProvider.
func WithDecoderConfig(cfg *backends.DecoderConfig) DecoderOption {
	return func(d *Decoder) {
		d.config = cfg
	}
}

// WithTokenizer sets the tokenizer used for Result.Text.
func WithTokenizer(tok Tokenizer) DecoderOption {
	return func(d *Decoder) {
		d.tokenizer = tok
	}
}

// WithObserver sets the metrics observer.
func WithObserver(obs Observer) DecoderOption {
	return func(d *Decoder) {
		d.observer = obs
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) DecoderOption {
	return func(d *Decoder) {
		d.logger = logger
	}
}

// NewDecoder creates a Decoder for the given model.
func NewDecoder(model backends.Model, opts ...DecoderOption) (*Decoder, error) {
	if model == nil {
		return nil, fmt.Errorf("model is required")
	}
	d := &Decoder{model: model}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	d.logger = d.logger.Named("decoder")
	if d.observer == nil {
		d.observer = NopObserver{}
	}

	cfg := d.config
	if cfg == nil {
		resolved, err := backends.ResolveDecoderConfig(model, nil)
		if err != nil {
			return nil, err
		}
		cfg = resolved
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d.config = cfg

	if d.draft != nil {
		if provider, ok := d.draft.(backends.DecoderConfigProvider); ok {
			if draftCfg := provider.DecoderConfig(); draftCfg != nil && draftCfg.VocabSize != cfg.VocabSize {
				return nil, fmt.Errorf("draft model %s has vocabulary size %d, target has %d",
					d.draft.Name(), draftCfg.VocabSize, cfg.VocabSize)
			}
		}
	}
	return d, nil
}

// Config returns the token layout used by the decoder.
func (d *Decoder) Config() *backends.DecoderConfig {
	return d.config
}

// DecodeBatch decodes each encoder output as one segment, indexed by its
// position. See DecodeSegments.
func (d *Decoder) DecodeBatch(ctx context.Context, audio []*backends.EncoderOutput, opts Options) ([]*Result, error) {
	segments := make([]Segment, len(audio))
	for i, a := range audio {
		segments[i] = Segment{Audio: a, Index: i}
	}
	return d.DecodeSegments(ctx, segments, opts)
}

// DecodeSegments decodes all segments together, one batched forward pass per
// step. It returns exactly one result per segment, in input order, so no
// segments yield an empty slice.
//
// Invalid options yield a *ValidationError before any model call. When the
// context is cancelled the results hold everything decoded so far (running
// segments stop with StopCancelled) and the context error is returned. When
// the model fails a *ModelError is returned; segments that had already been
// decided keep their results and the others are nil.
func (d *Decoder) DecodeSegments(ctx context.Context, segments []Segment, opts Options) ([]*Result, error) {
	if opts.Task == "" {
		opts.Task = TaskTranscribe
	}
	if err := opts.validateFor(d.config, d.draft != nil); err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return []*Result{}, nil
	}
	audio := make([]*backends.EncoderOutput, len(segments))
	for i, seg := range segments {
		field := fmt.Sprintf("Segments[%d]", i)
		if err := seg.Audio.Validate(); err != nil {
			return nil, invalid(field+".Audio", "%v", err)
		}
		if seg.Audio.Batch() != 1 {
			return nil, invalid(field+".Audio", "must hold exactly one segment, got batch %d", seg.Audio.Batch())
		}
		if err := checkTokens(field+".Prompt", seg.Prompt, d.config, false); err != nil {
			return nil, err
		}
		if len(seg.Prompt) > 0 && d.config.SOTPrevTokenID < 0 {
			return nil, invalid(field+".Prompt", "is not supported: the vocabulary has no <|startofprev|> token")
		}
		if seg.Language != "" && d.config.Multilingual() && !detectLanguage(seg.Language) {
			if _, ok := d.config.LanguageTokenIDs[seg.Language]; !ok {
				return nil, invalid(field+".Language", "%q is not a known language", seg.Language)
			}
		}
		audio[i] = seg.Audio
	}
	keys, err := segmentKeys(segments)
	if err != nil {
		return nil, err
	}
	encoder, err := backends.StackEncoderOutputs(audio)
	if err != nil {
		return nil, invalid("Segments", "%v", err)
	}

	run := &batchRun{
		d:        d,
		opts:     &opts,
		segments: segments,
		keys:     keys,
		encoder:  encoder,
		results:  make([]*Result, len(segments)),
		history:  make([][]*Result, len(segments)),
	}
	return run.run(ctx)
}

// segmentKeys returns the index that keys each segment's random source.
func segmentKeys(segments []Segment) ([]int, error) {
	keys := make([]int, len(segments))
	indexed := false
	for i, seg := range segments {
		keys[i] = i
		indexed = indexed || seg.Index != 0
	}
	if !indexed {
		return keys, nil
	}
	seen := make(map[int]int, len(segments))
	for i, seg := range segments {
		if seg.Index < 0 {
			return nil, invalid(fmt.Sprintf("Segments[%d].Index", i), "must be >= 0, got %d", seg.Index)
		}
		if j, ok := seen[seg.Index]; ok {
			return nil, invalid(fmt.Sprintf("Segments[%d].Index", i), "duplicates Segments[%d].Index", j)
		}
		seen[seg.Index] = i
		keys[i] = seg.Index
	}
	return keys, nil
}

// sotSequence returns the start-of-transcript sequence for a language:
// SOT, then language and task on multilingual models, then <|notimestamps|>
// when timestamps are off.
func sotSequence(cfg *backends.DecoderConfig, opts *Options, lang string) []int32 {
	seq := []int32{cfg.SOTTokenID}
	if cfg.Multilingual() {
		if id, ok := cfg.LanguageTokenIDs[lang]; ok {
			seq = append(seq, id)
		} else {
			// Length placeholder; a real language is always resolved before decoding.
			seq = append(seq, cfg.SOTTokenID)
		}
		task := cfg.TranscribeTokenID
		if opts.Task == TaskTranslate {
			task = cfg.TranslateTokenID
		}
		if task >= 0 {
			seq = append(seq, task)
		}
	}
	if !opts.Timestamps.Enabled && cfg.NoTimestampsTokenID >= 0 {
		seq = append(seq, cfg.NoTimestampsTokenID)
	}
	return seq
}

// initialTokens builds the conditioning tokens of a segment and returns the
// index of SOT within them. A prompt keeps only its most recent tokens, at most
// half the context.
func initialTokens(cfg *backends.DecoderConfig, opts *Options, prompt []int32, lang string) ([]int32, int) {
	sot := sotSequence(cfg, opts, lang)
	var tokens []int32
	if len(prompt) > 0 && cfg.SOTPrevTokenID >= 0 {
		keep := len(prompt)
		if cfg.MaxLength > 0 {
			budget := min(cfg.MaxLength/2-1, cfg.MaxLength-len(sot)-len(opts.Prefix)-opts.MaxTokens-1)
			keep = min(keep, max(budget, 0))
		}
		if keep > 0 {
			tokens = append(tokens, cfg.SOTPrevTokenID)
			tokens = append(tokens, prompt[len(prompt)-keep:]...)
		}
	}
	sotIndex := len(tokens)
	tokens = append(tokens, sot...)
	tokens = append(tokens, opts.Prefix...)
	return tokens, sotIndex
}

// attemptRun is one Decoding Task over the segments still pending at one
// temperature. It owns the rows' SegmentStates for its lifetime.
type attemptRun struct {
	b           *batchRun
	index       int
	temperature float64
	segments    []int
	group       int

	rows        []*SegmentState
	grid        *batchGrid
	encoderRows []int
	chain       *processorChain

	cache      *backends.KVCache
	draftCache *backends.KVCache
	started    bool
	steps      int

	// winners holds the beam search result per segment.
	winners []*SegmentState
	// beamsDone marks segments whose beam search completed.
	beamsDone []bool
}

func newAttemptRun(b *batchRun, index int, temperature float64, segments []int) *attemptRun {
	cfg := b.d.config
	a := &attemptRun{
		b:           b,
		index:       index,
		temperature: temperature,
		segments:    segments,
		group:       b.opts.groupSize(temperature),
		chain:       newProcessorChain(cfg, b.opts),
	}
	histories := make([][]int32, 0, len(segments)*a.group)
	for _, seg := range segments {
		initial, sotIndex := initialTokens(cfg, b.opts, b.prompt(seg), b.languages[seg])
		for j := 0; j < a.group; j++ {
			a.rows = append(a.rows, &SegmentState{
				Segment:     seg,
				Row:         j,
				Attempt:     index,
				Temperature: temperature,
				Initial:     initial,
				rng:         rowSource(b.opts.Seed, b.keys[seg], index, j),
				sotIndex:    sotIndex,
			})
			a.encoderRows = append(a.encoderRows, seg)
			histories = append(histories, initial)
		}
	}
	a.grid = newBatchGrid(histories, cfg.PadTokenID)
	return a
}

func (a *attemptRun) finished() bool {
	for _, st := range a.rows {
		if !st.Done {
			return false
		}
	}
	return true
}

// runSampling drives greedy or sampled decoding until every row stops.
func (a *attemptRun) runSampling(ctx context.Context) error {
	speculative := a.b.d.draft != nil && a.b.opts.Speculative.DraftLength > 0
	for !a.finished() {
		if err := ctx.Err(); err != nil {
			a.cancel()
			return err
		}
		var err error
		if speculative && a.started {
			err = a.speculativeRound(ctx)
		} else {
			err = a.step(ctx)
		}
		if err != nil {
			if ctx.Err() != nil {
				a.cancel()
				return ctx.Err()
			}
			return err
		}
	}
	return nil
}

// cutOff reports whether cancellation stopped any candidate row of the s-th
// segment of the attempt.
func (a *attemptRun) cutOff(s int) bool {
	if a.beamsDone != nil {
		return !a.beamsDone[s]
	}
	for _, st := range a.rows[s*a.group : (s+1)*a.group] {
		if st.Stop == StopCancelled {
			return true
		}
	}
	return false
}

func (a *attemptRun) cancel() {
	for _, st := range a.rows {
		st.finish(StopCancelled)
	}
}

// forward runs one batched pass and checks the output before anything reads it.
// The model gets its own copy of the rows; the grid keeps growing after the
// call returns.
func (a *attemptRun) forward(ctx context.Context, model backends.Model, ids, mask [][]int32, cache *backends.KVCache, positions int) (*backends.ModelOutput, error) {
	inputs := &backends.ModelInputs{
		InputIDs:          cloneRows(ids),
		AttentionMask:     cloneRows(mask),
		EncoderOutput:     a.b.encoder,
		EncoderRows:       a.encoderRows,
		PastKeyValues:     cache,
		NumLogitPositions: positions,
	}
	start := time.Now()
	out, err := model.Forward(ctx, inputs)
	a.b.d.observer.ForwardPass(model.Name(), len(ids), time.Since(start))
	if err == nil {
		err = checkOutput(out, len(ids), positions, a.b.d.config.VocabSize)
	}
	if err == nil {
		err = backends.CheckAdvance(cache, out.PastKeyValues)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ModelError{Model: model.Name(), Attempt: a.index, Step: a.steps, Err: err}
	}
	a.steps++
	return out, nil
}

func cloneRows(rows [][]int32) [][]int32 {
	if rows == nil {
		return nil
	}
	out := make([][]int32, len(rows))
	for r, row := range rows {
		out[r] = slices.Clone(row)
	}
	return out
}

func checkOutput(out *backends.ModelOutput, rows, positions, vocab int) error {
	if out == nil {
		return fmt.Errorf("no output")
	}
	if len(out.Logits) != rows {
		return fmt.Errorf("got logits for %d rows, want %d", len(out.Logits), rows)
	}
	for r, row := range out.Logits {
		if len(row) != vocab {
			return fmt.Errorf("row %d has %d logits, want %d", r, len(row), vocab)
		}
	}
	if positions > 1 {
		if len(out.PositionLogits) != rows {
			return fmt.Errorf("got position logits for %d rows, want %d", len(out.PositionLogits), rows)
		}
		for r, row := range out.PositionLogits {
			if len(row) != positions {
				return fmt.Errorf("row %d has logits for %d positions, want %d", r, len(row), positions)
			}
			for p, logits := range row {
				if len(logits) != vocab {
					return fmt.Errorf("row %d position %d has %d logits, want %d", r, p, len(logits), vocab)
				}
			}
		}
	}
	return nil
}

// firstPositions is the number of trailing logit positions the first pass
// needs so the SOT position is included for the no-speech probability.
func (a *attemptRun) firstPositions() int {
	if a.b.d.config.NoSpeechTokenID < 0 {
		return 1
	}
	positions := 1
	for _, st := range a.rows {
		positions = max(positions, len(st.Initial)-st.sotIndex)
	}
	return positions
}

func (a *attemptRun) noSpeech(out *backends.ModelOutput, r, positions int) float64 {
	st := a.rows[r]
	id := a.b.d.config.NoSpeechTokenID
	if id < 0 {
		return 0
	}
	p := positions - (len(st.Initial) - st.sotIndex)
	return tokenProbability(out.LogitsAt(r, p, positions), id)
}

// step runs one plain decoding step for every unfinished row.
func (a *attemptRun) step(ctx context.Context) error {
	positions := 1
	if !a.started {
		positions = a.firstPositions()
	}
	out, err := a.forward(ctx, a.b.d.model, a.grid.ids, a.grid.mask, a.cache, positions)
	if err != nil {
		return err
	}

	column := make([]int32, len(a.rows))
	live := make([]bool, len(a.rows))
	for r, st := range a.rows {
		if st.Done {
			continue
		}
		if !a.started {
			st.NoSpeechProb = a.noSpeech(out, r, positions)
		}
		logits := slices.Clone(out.LogitsAt(r, positions-1, positions))
		forcedBy := a.chain.Process(logits, st.Tokens)
		lp := logSoftmax(logits)
		tok := a.choose(lp, forcedBy, st.rng)
		a.commit(st, tok, lp[tok], forcedBy)
		column[r] = tok
		live[r] = true
	}
	a.grid.appendColumn(column, live)
	a.cache = out.PastKeyValues
	a.started = true
	return nil
}

// choose picks the next token from processed log-probabilities. A forced row
// takes EOT without consuming randomness.
func (a *attemptRun) choose(lp []float64, forcedBy string, rng *rand.Rand) int32 {
	if forcedBy != "" {
		return a.b.d.config.EOTTokenID
	}
	return sampleToken(lp, a.temperature, rng)
}

// commit appends a token to a row and reports forced tokens.
func (a *attemptRun) commit(st *SegmentState, tok int32, logProb float64, forcedBy string) {
	st.add(tok, logProb, forcedBy, a.b.d.config.EOTTokenID, a.b.opts.MaxTokens)
	if forcedBy != "" {
		a.reportForced(st, forcedBy)
	}
}

func (a *attemptRun) reportForced(st *SegmentState, processor string) {
	a.b.d.logger.Warn("No legal token left, forcing end of transcript",
		zap.Int("segment", st.Segment),
		zap.Int("attempt", st.Attempt),
		zap.Int("row", st.Row),
		zap.Int("position", len(st.Tokens)-1),
		zap.String("processor", processor))
	a.b.d.observer.ForcedToken(processor)
}

// results picks each segment's best candidate row and turns it into a Result.
func (a *attemptRun) results() []*Result {
	out := make([]*Result, len(a.segments))
	for s := range a.segments {
		group := a.rows[s*a.group : (s+1)*a.group]
		var best *SegmentState
		if a.winners != nil {
			best = a.winners[s]
		} else {
			best = bestCandidate(group, a.b.opts.LengthPenalty, a.b.d.config.EOTTokenID)
		}
		out[s] = a.b.newResult(best, group)
	}
	return out
}
