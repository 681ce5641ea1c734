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
)

// germanModel prefers German right after <|startoftranscript|> and then
// transcribes a single token.
func germanModel() *mockModel {
	return newMockModel(multilingualConfig(), func(history []int32) []float32 {
		if len(history) == 1 && history[0] == testSOT {
			logits := make([]float32, testVocab)
			logits[testEN] = 1
			logits[testDE] = 3
			return logits
		}
		return script(4)(history)
	})
}

func TestDetectLanguages(t *testing.T) {
	model := germanModel()
	d := newTestDecoder(t, model)

	detections, err := d.DetectLanguages(context.Background(), audios(1, 2))
	require.NoError(t, err)
	require.Len(t, detections, 2)
	for _, det := range detections {
		assert.Equal(t, "de", det.Language)
		assert.InDelta(t, 1.0, det.Probabilities["de"]+det.Probabilities["en"], 1e-9)
		assert.Greater(t, det.Probability, 0.8)
	}
	require.Equal(t, 1, model.Calls())
	assert.Equal(t, [][]int32{{testSOT}, {testSOT}}, model.inputs[0].InputIDs)
}

func TestDetectLanguages_TiesGoToLowerID(t *testing.T) {
	model := newMockModel(multilingualConfig(), func([]int32) []float32 {
		return make([]float32, testVocab)
	})
	detections, err := newTestDecoder(t, model).DetectLanguages(context.Background(), audios(1))
	require.NoError(t, err)
	assert.Equal(t, "en", detections[0].Language)
	assert.InDelta(t, 0.5, detections[0].Probability, 1e-9)
}

func TestDetectLanguages_EnglishOnly(t *testing.T) {
	d := newTestDecoder(t, newMockModel(testConfig(), script(3)))
	_, err := d.DetectLanguages(context.Background(), audios(1))
	require.Error(t, err)
}

func TestDecodeSegments_DetectsLanguagePerSegment(t *testing.T) {
	model := germanModel()
	d := newTestDecoder(t, model)

	opts := testOptions()
	opts.Language = LanguageDetect
	segments := []Segment{{Audio: audio(1)}, {Audio: audio(2), Language: "en"}, {Audio: audio(3)}}
	results, err := d.DecodeSegments(context.Background(), segments, opts)
	require.NoError(t, err)

	assert.Equal(t, "de", results[0].Language)
	assert.Equal(t, "en", results[1].Language)
	assert.Equal(t, "de", results[2].Language)
	assert.Greater(t, results[0].Diagnostics.LanguageProbability, 0.8)
	assert.Zero(t, results[1].Diagnostics.LanguageProbability)

	// Only the segments without a language take part in detection.
	detection := model.inputs[0]
	assert.Equal(t, []int{0, 2}, detection.EncoderRows)

	decode := model.inputs[1]
	assert.Equal(t, []int32{testSOT, testDE, 15, testNoTS}, decode.InputIDs[0])
	assert.Equal(t, []int32{testSOT, testEN, 15, testNoTS}, decode.InputIDs[1])
	for _, res := range results {
		assert.Equal(t, []int32{4, testEOT}, res.Tokens)
	}
}

func TestDecodeSegments_DetectionFailure(t *testing.T) {
	model := germanModel()
	model.failAt = 1
	d := newTestDecoder(t, model)

	opts := testOptions()
	opts.Language = LanguageDetect
	results, err := d.DecodeBatch(context.Background(), audios(1), opts)
	var modelErr *ModelError
	require.ErrorAs(t, err, &modelErr)
	assert.ErrorIs(t, err, errModelBroken)
	require.Len(t, results, 1)
	assert.Nil(t, results[0])
}
