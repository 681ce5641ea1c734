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

package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/CodeWithBehnam/vayu"
	"github.com/CodeWithBehnam/vayu/lib/decoding"
)

// newFlagCommand returns a command with the decoding flags set to values and
// bound to a fresh viper instance.
func newFlagCommand(t *testing.T, values map[string]string) *cobra.Command {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	cmd := &cobra.Command{Use: "test"}
	addDecodingFlags(cmd)
	for name, value := range values {
		require.NoError(t, cmd.Flags().Set(name, value), name)
	}
	bindDecodingFlags(cmd, nil)
	return cmd
}

func TestBuildConfig_Defaults(t *testing.T) {
	cmd := newFlagCommand(t, nil)

	cfg, err := buildConfig(cmd.Flags())
	require.NoError(t, err)
	assert.Equal(t, decoding.DefaultOptions(), cfg.Decoding)
	assert.Equal(t, vayu.DefaultKeepAlive, cfg.KeepAlive)
	assert.Equal(t, 12, cfg.BatchSize)
}

func TestBuildConfig_Flags(t *testing.T) {
	cmd := newFlagCommand(t, map[string]string{
		"temperature":       "0,0.5",
		"max-tokens":        "32",
		"beam-size":         "3",
		"language":          "de",
		"seed":              "42",
		"timestamps":        "false",
		"logprob-threshold": "-2",
		"draft-length":      "4",
	})

	cfg, err := buildConfig(cmd.Flags())
	require.NoError(t, err)
	opts := cfg.Decoding
	assert.Equal(t, []float64{0, 0.5}, opts.Temperatures)
	assert.Equal(t, 32, opts.MaxTokens)
	assert.Equal(t, 3, opts.BeamSize)
	assert.Equal(t, "de", opts.Language)
	assert.Equal(t, uint64(42), opts.Seed)
	assert.False(t, opts.Timestamps.Enabled)
	assert.Equal(t, -2.0, opts.Thresholds.LogProb)
	assert.Equal(t, 4, opts.Speculative.DraftLength)
	// Untouched settings keep their defaults.
	assert.Equal(t, 2.4, opts.Thresholds.CompressionRatio)
	assert.Equal(t, []int32{-1}, opts.SuppressTokens)
}

func TestBuildConfig_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]string
		field  string
	}{
		{"decreasing schedule", map[string]string{"temperature": "0.5,0.2"}, "Temperatures[1]"},
		{"negative beam", map[string]string{"beam-size": "-1"}, "BeamSize"},
		{"unknown task", map[string]string{"task": "summarize"}, "Task"},
		{"no tokens", map[string]string{"max-tokens": "0"}, "MaxTokens"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newFlagCommand(t, tt.values)
			_, err := buildConfig(cmd.Flags())
			var verr *decoding.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	cmd := newFlagCommand(t, nil)
	viper.Set("batch_size", 0)
	_, err := buildConfig(cmd.Flags())
	require.ErrorContains(t, err, "batch size must be >= 1")
}

func TestBuildConfig_EnvironmentAndFile(t *testing.T) {
	cmd := newFlagCommand(t, nil)

	path := filepath.Join(t.TempDir(), "vayu.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
keep_alive: 90s
decoding:
  temperatures: [0, 0.4]
  best_of: 2
  prefix: [7, 8]
`), 0o600))
	t.Setenv("VAYU_DECODING_BEAM_SIZE", "4")

	cfgFile = path
	t.Cleanup(func() { cfgFile = "" })
	initConfig()

	cfg, err := buildConfig(cmd.Flags())
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0.4}, cfg.Decoding.Temperatures)
	assert.Equal(t, 2, cfg.Decoding.BestOf)
	assert.Equal(t, []int32{7, 8}, cfg.Decoding.Prefix)
	assert.Equal(t, 4, cfg.Decoding.BeamSize)
	assert.Equal(t, "1m30s", cfg.KeepAlive.String())
}

func TestSyntheticLoader(t *testing.T) {
	loader := syntheticLoader(3, 0.5)

	target, err := loader(context.Background(), syntheticModelName)
	require.NoError(t, err)
	assert.Equal(t, syntheticModelName, target.Name())

	draft, err := loader(context.Background(), syntheticDraftName)
	require.NoError(t, err)
	assert.Equal(t, syntheticDraftName, draft.Name())

	_, err = loader(context.Background(), "whisper-large")
	require.ErrorContains(t, err, "unknown model")
}

func TestLoadTokenizer(t *testing.T) {
	tok, err := loadTokenizer("")
	require.NoError(t, err)
	assert.Nil(t, tok)

	_, err = loadTokenizer(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestReadSegments(t *testing.T) {
	in, audio, err := readSegments(strings.NewReader(`{
		"segments": [
			{"frames": 2, "hidden": 2, "hidden_states": [0.1, 0.2, 0.3, 0.4]},
			{"frames": 1, "hidden": 3, "hidden_states": [1, 2, 3]}
		],
		"prompt": [5, 6],
		"language": "en"
	}`))
	require.NoError(t, err)
	require.Len(t, audio, 2)
	assert.Equal(t, [3]int{1, 2, 2}, audio[0].Shape)
	assert.Equal(t, [3]int{1, 1, 3}, audio[1].Shape)
	assert.Equal(t, []int32{5, 6}, in.Prompt)
	assert.Equal(t, "en", in.Language)

	_, _, err = readSegments(strings.NewReader(`{"segments": [{"frames": 2, "hidden": 2, "hidden_states": [1]}]}`))
	require.ErrorContains(t, err, "segment 0")

	_, _, err = readSegments(strings.NewReader(`{"segments": []}`))
	require.Error(t, err)

	_, _, err = readSegments(strings.NewReader(`not json`))
	require.Error(t, err)
}

func testEngineConfig() vayu.Config {
	cfg := vayu.DefaultConfig()
	cfg.PoolSize = 1
	cfg.BatchSize = 2
	cfg.Decoding.Language = "en"
	cfg.Decoding.Temperatures = []float64{0}
	cfg.Decoding.MaxTokens = 16
	cfg.Decoding.Timestamps.Enabled = false
	cfg.Decoding.Thresholds = decoding.Thresholds{}
	return cfg
}

func TestDecode(t *testing.T) {
	audio := randomSegments(3, 4, 8, 1)
	transcript, err := decode(context.Background(), testEngineConfig(), syntheticLoader(1, 0.5),
		audio, &segmentsFile{}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, syntheticModelName, transcript.Model)
	require.Len(t, transcript.Segments, 3)
	for _, seg := range transcript.Segments {
		require.NotNil(t, seg)
		assert.LessOrEqual(t, len(seg.Decoding.Tokens), 16)
	}
}

func TestBenchmark(t *testing.T) {
	settings := benchSettings{Segments: 3, Frames: 4, Hidden: 8, SegmentSeconds: 30, Runs: 2, Warmup: 1}

	report, err := benchmark(context.Background(), testEngineConfig(), syntheticLoader(1, 0.5), settings, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 90.0, report.AudioSeconds)
	assert.Positive(t, report.Tokens)
	assert.LessOrEqual(t, report.MinSeconds, report.AvgSeconds)
	assert.LessOrEqual(t, report.AvgSeconds, report.MaxSeconds)
	assert.Zero(t, report.DraftProposed)

	var out bytes.Buffer
	printReport(&out, report)
	assert.Contains(t, out.String(), "Real-time factor")
	assert.NotContains(t, out.String(), "Draft acceptance")
}

func TestBenchmark_Speculative(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Decoding.Speculative.DraftLength = 3
	settings := benchSettings{Segments: 2, Frames: 4, Hidden: 8, SegmentSeconds: 30, Runs: 1}

	report, err := benchmark(context.Background(), cfg, syntheticLoader(1, 0.5), settings, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Positive(t, report.DraftProposed)
	assert.LessOrEqual(t, report.DraftAccepted, report.DraftProposed)
	assert.InDelta(t, float64(report.DraftAccepted)/float64(report.DraftProposed), report.DraftAcceptedRate, 1e-12)
}

func TestBenchmark_InvalidSettings(t *testing.T) {
	_, err := benchmark(context.Background(), testEngineConfig(), syntheticLoader(1, 0),
		benchSettings{Segments: 1, Frames: 1, Hidden: 1}, zaptest.NewLogger(t))
	require.ErrorContains(t, err, "runs must be >= 1")

	_, err = benchmark(context.Background(), testEngineConfig(), nil,
		benchSettings{Segments: 1, Frames: 1, Hidden: 1, Runs: 1}, zaptest.NewLogger(t))
	require.Error(t, err)
}
