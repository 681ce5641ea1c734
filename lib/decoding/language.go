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
	"math"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/CodeWithBehnam/vayu/lib/backends"
)

// Detection is the outcome of language detection for one segment.
type Detection struct {
	Language    string
	Probability float64
	// Probabilities holds the distribution over all language tokens.
	Probabilities map[string]float64
}

// DetectLanguages runs one forward pass over <|startoftranscript|> for every
// segment and picks the most likely language token. Ties go to the lower
// token id.
func (d *Decoder) DetectLanguages(ctx context.Context, audio []*backends.EncoderOutput) ([]Detection, error) {
	if len(audio) == 0 {
		return []Detection{}, nil
	}
	encoder, err := backends.StackEncoderOutputs(audio)
	if err != nil {
		return nil, invalid("Segments", "%v", err)
	}
	rows := make([]int, encoder.Batch())
	for i := range rows {
		rows[i] = i
	}
	return d.detect(ctx, encoder, rows)
}

func (d *Decoder) detect(ctx context.Context, encoder *backends.EncoderOutput, rows []int) ([]Detection, error) {
	cfg := d.config
	if !cfg.Multilingual() {
		return nil, fmt.Errorf("model %s is English-only and has no language tokens", d.model.Name())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type language struct {
		code string
		id   int32
	}
	languages := make([]language, 0, len(cfg.LanguageTokenIDs))
	for code, id := range cfg.LanguageTokenIDs {
		languages = append(languages, language{code, id})
	}
	slices.SortFunc(languages, func(a, b language) int { return int(a.id - b.id) })

	ids := make([][]int32, len(rows))
	for i := range ids {
		ids[i] = []int32{cfg.SOTTokenID}
	}
	start := time.Now()
	out, err := d.model.Forward(ctx, &backends.ModelInputs{
		InputIDs:      ids,
		EncoderOutput: encoder,
		EncoderRows:   rows,
	})
	d.observer.ForwardPass(d.model.Name(), len(rows), time.Since(start))
	if err == nil {
		err = checkOutput(out, len(rows), 1, cfg.VocabSize)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ModelError{Model: d.model.Name(), Err: fmt.Errorf("detecting language: %w", err)}
	}

	detections := make([]Detection, len(rows))
	for r := range rows {
		logits := out.Logits[r]
		maxLogit := math.Inf(-1)
		for _, l := range languages {
			maxLogit = math.Max(maxLogit, float64(logits[l.id]))
		}
		det := Detection{Probabilities: make(map[string]float64, len(languages))}
		var total float64
		for _, l := range languages {
			total += math.Exp(float64(logits[l.id]) - maxLogit)
		}
		for _, l := range languages {
			p := math.Exp(float64(logits[l.id])-maxLogit) / total
			det.Probabilities[l.code] = p
			if det.Language == "" || p > det.Probability {
				det.Language, det.Probability = l.code, p
			}
		}
		detections[r] = det
	}
	return detections, nil
}

// resolveLanguages fixes the language of every segment, detecting it where
// asked to. English-only models use no language token.
func (b *batchRun) resolveLanguages(ctx context.Context) error {
	b.languages = make([]string, len(b.segments))
	if !b.d.config.Multilingual() {
		return nil
	}
	var need []int
	for i, seg := range b.segments {
		lang := seg.Language
		if lang == "" {
			lang = b.opts.Language
		}
		if detectLanguage(lang) {
			need = append(need, i)
			continue
		}
		b.languages[i] = lang
	}
	if len(need) == 0 {
		return nil
	}

	detections, err := b.d.detect(ctx, b.encoder, need)
	if err != nil {
		return err
	}
	b.languageProbs = make([]float64, len(b.segments))
	for i, seg := range need {
		b.languages[seg] = detections[i].Language
		b.languageProbs[seg] = detections[i].Probability
		b.d.logger.Debug("Detected language",
			zap.Int("segment", seg),
			zap.String("language", detections[i].Language),
			zap.Float64("probability", detections[i].Probability))
	}
	return nil
}
