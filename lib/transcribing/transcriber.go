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

package transcribing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/CodeWithBehnam/vayu/lib/backends"
	"github.com/CodeWithBehnam/vayu/lib/decoding"
)

// DefaultBatchSize is the number of segments decoded together in one batch.
const DefaultBatchSize = 12

// Result contains the transcript of one segment.
type Result struct {
	// Text is the cleaned transcript text. Empty without a tokenizer.
	Text string `json:"text"`

	// Language is the language the segment was decoded in.
	Language string `json:"language,omitempty"`

	// Confidence is exp(average log-probability) of the decoded tokens.
	Confidence float32 `json:"confidence"`

	// Decoding is the full decoding result, including diagnostics.
	Decoding *decoding.Result `json:"decoding"`
}

// TranscribeOptions overrides the transcriber's default decoding options for
// one call.
type TranscribeOptions struct {
	// Language forces a specific language ("detect" runs language detection).
	Language string

	// MaxTokens overrides the maximum number of tokens to generate (optional)
	MaxTokens int

	// Prompt conditions every segment on previous text tokens (optional).
	Prompt []int32

	// Seed overrides the sampling seed when non-zero.
	Seed uint64
}

// Transcriber turns encoded audio segments into transcripts.
type Transcriber interface {
	// Transcribe decodes a single segment with the default options.
	Transcribe(ctx context.Context, audio *backends.EncoderOutput) (*Result, error)

	// TranscribeBatch decodes segments in batches. Results are in input order;
	// on error the slice still carries every segment that was decided.
	TranscribeBatch(ctx context.Context, audio []*backends.EncoderOutput, opts TranscribeOptions) ([]*Result, error)

	// Close releases model resources.
	Close() error
}

// Ensure PooledTranscriber implements the Transcriber interface
var _ Transcriber = (*PooledTranscriber)(nil)

// PooledTranscriber manages several decoders, each over its own model
// instance, for concurrent transcription. Each batch acquires a decoder slot
// via semaphore.
type PooledTranscriber struct {
	name        string
	decoders    []*decoding.Decoder
	models      []backends.Model
	sem         *semaphore.Weighted
	nextDecoder atomic.Uint64
	logger      *zap.Logger
	poolSize    int
	batchSize   int
	options     decoding.Options
}

// PooledTranscriberConfig holds configuration for creating a PooledTranscriber.
type PooledTranscriberConfig struct {
	// Name is the model name passed to Loader.
	Name string

	// Loader creates one model instance per pool slot.
	Loader backends.ModelLoader

	// DraftName enables speculative decoding with a draft model loaded by
	// Loader. Options.Speculative.DraftLength must be set as well.
	DraftName string

	// DecoderConfig is the token layout for models that do not provide one.
	DecoderConfig *backends.DecoderConfig

	// Tokenizer turns tokens into text. Optional.
	Tokenizer decoding.Tokenizer

	// Options are the default decoding options. If nil, uses decoding.DefaultOptions().
	Options *decoding.Options

	// PoolSize is the number of concurrent decoders (0 = auto-detect from CPU count).
	PoolSize int

	// BatchSize is the number of segments per batch (0 = DefaultBatchSize).
	BatchSize int

	// Observer receives decoding metrics. Optional.
	Observer decoding.Observer

	// Logger for logging. If nil, uses a no-op logger.
	Logger *zap.Logger
}

// NewPooledTranscriber loads PoolSize model instances and creates a decoder
// for each of them.
func NewPooledTranscriber(ctx context.Context, cfg *PooledTranscriberConfig) (*PooledTranscriber, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Loader == nil {
		return nil, fmt.Errorf("model loader is required")
	}
	if cfg.BatchSize < 0 {
		return nil, fmt.Errorf("batch size must be >= 1, got %d", cfg.BatchSize)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = min(runtime.NumCPU(), 4)
	}
	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = DefaultBatchSize
	}

	options := decoding.DefaultOptions()
	if cfg.Options != nil {
		options = *cfg.Options
	}
	if err := options.Validate(); err != nil {
		return nil, err
	}

	t := &PooledTranscriber{
		name:      cfg.Name,
		sem:       semaphore.NewWeighted(int64(poolSize)),
		logger:    logger,
		poolSize:  poolSize,
		batchSize: batchSize,
		options:   options,
	}

	for i := 0; i < poolSize; i++ {
		decoder, err := t.loadDecoder(ctx, cfg)
		if err != nil {
			// Clean up already-loaded models
			_ = t.Close()
			return nil, fmt.Errorf("loading decoder %d: %w", i, err)
		}
		t.decoders = append(t.decoders, decoder)
	}

	logger.Info("Created pooled transcriber",
		zap.String("model", cfg.Name),
		zap.String("draft", cfg.DraftName),
		zap.Int("poolSize", poolSize),
		zap.Int("batchSize", batchSize))

	return t, nil
}

func (t *PooledTranscriber) loadDecoder(ctx context.Context, cfg *PooledTranscriberConfig) (*decoding.Decoder, error) {
	model, err := cfg.Loader(ctx, cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("loading model %s: %w", cfg.Name, err)
	}
	t.models = append(t.models, model)

	opts := []decoding.DecoderOption{
		decoding.WithLogger(t.logger),
		decoding.WithDecoderConfig(cfg.DecoderConfig),
		decoding.WithTokenizer(cfg.Tokenizer),
		decoding.WithObserver(cfg.Observer),
	}
	if cfg.DraftName != "" {
		draft, err := cfg.Loader(ctx, cfg.DraftName)
		if err != nil {
			return nil, fmt.Errorf("loading draft model %s: %w", cfg.DraftName, err)
		}
		t.models = append(t.models, draft)
		opts = append(opts, decoding.WithDraftModel(draft))
	}
	return decoding.NewDecoder(model, opts...)
}

// Transcribe decodes a single segment with the default options.
func (t *PooledTranscriber) Transcribe(ctx context.Context, audio *backends.EncoderOutput) (*Result, error) {
	results, err := t.TranscribeBatch(ctx, []*backends.EncoderOutput{audio}, TranscribeOptions{})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// TranscribeBatch splits the segments into batches and decodes them on the
// pool's decoders.
func (t *PooledTranscriber) TranscribeBatch(ctx context.Context, audio []*backends.EncoderOutput, opts TranscribeOptions) ([]*Result, error) {
	if len(audio) == 0 {
		return nil, fmt.Errorf("no audio segments provided")
	}
	options := t.decodingOptions(opts)
	if err := options.Validate(); err != nil {
		return nil, err
	}

	results := make([]*Result, len(audio))
	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(audio); start += t.batchSize {
		end := min(start+t.batchSize, len(audio))
		g.Go(func() error {
			return t.transcribeChunk(gctx, audio[start:end], start, options, results[start:end])
		})
	}
	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		err = errors.Join(err, ctx.Err())
	}

	t.logger.Debug("Transcription completed",
		zap.Int("segments", len(audio)),
		zap.Int("batches", (len(audio)+t.batchSize-1)/t.batchSize),
		zap.Error(err))

	return results, err
}

// transcribeChunk decodes audio, whose first segment is segment first of the
// call, so every segment keeps its own random stream whatever the batch size.
func (t *PooledTranscriber) transcribeChunk(ctx context.Context, audio []*backends.EncoderOutput, first int, opts decoding.Options, out []*Result) error {
	// Acquire a decoder slot
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquiring decoder slot: %w", err)
	}
	defer t.sem.Release(1)

	// Get the next decoder in round-robin fashion
	idx := t.nextDecoder.Add(1) - 1
	decoder := t.decoders[idx%uint64(len(t.decoders))]

	segments := make([]decoding.Segment, len(audio))
	for i, a := range audio {
		segments[i] = decoding.Segment{Audio: a, Index: first + i}
	}
	decoded, err := decoder.DecodeSegments(ctx, segments, opts)
	for i, res := range decoded {
		if res != nil {
			out[i] = newResult(res)
		}
	}
	if err != nil {
		return fmt.Errorf("decoding batch: %w", err)
	}
	return nil
}

func (t *PooledTranscriber) decodingOptions(opts TranscribeOptions) decoding.Options {
	options := t.options
	if opts.Language != "" {
		options.Language = opts.Language
	}
	if opts.MaxTokens > 0 {
		options.MaxTokens = opts.MaxTokens
	}
	if opts.Prompt != nil {
		options.Prompt = opts.Prompt
	}
	if opts.Seed != 0 {
		options.Seed = opts.Seed
	}
	return options
}

func newResult(res *decoding.Result) *Result {
	return &Result{
		Text:       cleanWhisperOutput(res.Text),
		Language:   res.Language,
		Confidence: float32(math.Exp(res.AvgLogProb)),
		Decoding:   res,
	}
}

// JoinText concatenates the text of the given results, skipping segments
// that were not decided and segments that are likely silence.
func JoinText(results []*Result) string {
	parts := make([]string, 0, len(results))
	for _, res := range results {
		if res == nil || res.Text == "" {
			continue
		}
		if res.Decoding != nil && res.Decoding.LikelySilence {
			continue
		}
		parts = append(parts, res.Text)
	}
	return strings.Join(parts, " ")
}

// cleanWhisperOutput removes Whisper-specific tokens from output.
func cleanWhisperOutput(text string) string {
	text = strings.TrimSpace(text)

	// Remove language tags like <|en|>
	for strings.HasPrefix(text, "<|") {
		endIdx := strings.Index(text, "|>")
		if endIdx == -1 {
			break
		}
		text = strings.TrimSpace(text[endIdx+2:])
	}

	// Remove timestamp tokens like <|0.00|>
	for strings.Contains(text, "<|") {
		startIdx := strings.Index(text, "<|")
		endIdx := strings.Index(text[startIdx:], "|>")
		if endIdx == -1 {
			break
		}
		text = text[:startIdx] + text[startIdx+endIdx+2:]
	}

	return strings.Join(strings.Fields(text), " ")
}

// Close releases all model resources.
func (t *PooledTranscriber) Close() error {
	t.logger.Info("Closing pooled transcriber",
		zap.String("model", t.name),
		zap.Int("poolSize", t.poolSize))

	var errs []error
	for i, model := range t.models {
		if err := model.Close(); err != nil {
			t.logger.Warn("Error closing model",
				zap.Int("index", i),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	t.models = nil

	if len(errs) > 0 {
		return fmt.Errorf("closing transcriber: %w", errors.Join(errs...))
	}
	return nil
}

// Name returns the model name.
func (t *PooledTranscriber) Name() string {
	return t.name
}

// PoolSize returns the number of decoders in the pool.
func (t *PooledTranscriber) PoolSize() int {
	return t.poolSize
}
