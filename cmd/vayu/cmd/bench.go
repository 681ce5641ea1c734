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
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/bytedance/sonic/encoder"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/CodeWithBehnam/vayu"
	"github.com/CodeWithBehnam/vayu/lib/backends"
	"github.com/CodeWithBehnam/vayu/lib/transcribing"
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Benchmark batched decoding on the synthetic model",
	Long: `Bench decodes randomly generated segments with the synthetic model:
a few warmup runs, then timed runs. It reports the average, minimum and
maximum run time, the real-time factor and, with --draft-length, the
speculative acceptance rate.

Examples:
  # Plain batched decoding
  vayu bench --segments 24 --runs 5

  # Speculative decoding with a slightly perturbed draft
  vayu bench --draft-length 4 --draft-perturbation 0.3`,
	PreRun: bindDecodingFlags,
	RunE:   runBench,
}

func init() {
	rootCmd.AddCommand(benchCmd)

	benchCmd.Flags().Int("segments", 12, "number of segments per run")
	benchCmd.Flags().Int("frames", 64, "encoder frames per segment")
	benchCmd.Flags().Int("hidden", 32, "encoder hidden size")
	benchCmd.Flags().Float64("segment-seconds", 30, "audio seconds each segment stands for")
	benchCmd.Flags().Int("runs", 5, "timed runs")
	benchCmd.Flags().Int("warmup", 1, "untimed warmup runs")
	benchCmd.Flags().Bool("json", false, "print the report as JSON")
	addDecodingFlags(benchCmd)
	addModelFlags(benchCmd)
}

// benchSettings are the bench command's workload parameters.
type benchSettings struct {
	Segments       int
	Frames         int
	Hidden         int
	SegmentSeconds float64
	Runs           int
	Warmup         int
}

// benchReport summarizes the timed runs.
type benchReport struct {
	Segments          int     `json:"segments"`
	AudioSeconds      float64 `json:"audio_duration_sec"`
	AvgSeconds        float64 `json:"avg_time_sec"`
	MinSeconds        float64 `json:"min_time_sec"`
	MaxSeconds        float64 `json:"max_time_sec"`
	RealTimeFactor    float64 `json:"real_time_factor"`
	TokensPerSecond   float64 `json:"tokens_per_sec"`
	Tokens            int     `json:"tokens"`
	Fallbacks         int     `json:"fallbacks"`
	DraftProposed     int     `json:"draft_proposed,omitempty"`
	DraftAccepted     int     `json:"draft_accepted,omitempty"`
	DraftAcceptedRate float64 `json:"draft_acceptance_rate,omitempty"`
}

func runBench(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger()
	defer func() {
		_ = logger.Sync()
	}()

	cfg, err := buildConfig(cmd.Flags())
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	var s benchSettings
	s.Segments, _ = flags.GetInt("segments")
	s.Frames, _ = flags.GetInt("frames")
	s.Hidden, _ = flags.GetInt("hidden")
	s.SegmentSeconds, _ = flags.GetFloat64("segment-seconds")
	s.Runs, _ = flags.GetInt("runs")
	s.Warmup, _ = flags.GetInt("warmup")
	asJSON, _ := flags.GetBool("json")

	report, err := benchmark(ctx, cfg, modelLoader(cmd), s, logger)
	if err != nil {
		return err
	}
	if asJSON {
		return encoder.NewStreamEncoder(cmd.OutOrStdout()).Encode(report)
	}
	printReport(cmd.OutOrStdout(), report)
	return nil
}

func benchmark(ctx context.Context, cfg vayu.Config, loader backends.ModelLoader, s benchSettings, logger *zap.Logger) (*benchReport, error) {
	if s.Segments < 1 || s.Frames < 1 || s.Hidden < 1 {
		return nil, fmt.Errorf("segments, frames and hidden must be >= 1")
	}
	if s.Runs < 1 {
		return nil, fmt.Errorf("runs must be >= 1, got %d", s.Runs)
	}

	engine, err := vayu.NewEngine(ctx, cfg, loader, logger)
	if err != nil {
		return nil, err
	}
	defer func() { _ = engine.Close() }()

	spec := vayu.ModelSpec{Name: syntheticModelName}
	if cfg.Decoding.Speculative.DraftLength > 0 {
		spec.DraftName = syntheticDraftName
	}
	if err := engine.Register(spec); err != nil {
		return nil, err
	}

	audio := randomSegments(s.Segments, s.Frames, s.Hidden, cfg.Decoding.Seed)
	run := func() (*vayu.Transcript, error) {
		return engine.Transcribe(ctx, syntheticModelName, audio, transcribing.TranscribeOptions{})
	}

	logger.Info("Running warmup", zap.Int("runs", s.Warmup))
	for i := 0; i < s.Warmup; i++ {
		if _, err := run(); err != nil {
			return nil, fmt.Errorf("warmup run %d: %w", i+1, err)
		}
	}

	report := &benchReport{
		Segments:     s.Segments,
		AudioSeconds: float64(s.Segments) * s.SegmentSeconds,
	}
	var total time.Duration
	for i := 0; i < s.Runs; i++ {
		transcript, err := run()
		if err != nil {
			return nil, fmt.Errorf("run %d: %w", i+1, err)
		}
		elapsed := transcript.Elapsed
		logger.Info("Benchmark run",
			zap.Int("run", i+1),
			zap.Duration("elapsed", elapsed))

		seconds := elapsed.Seconds()
		total += elapsed
		if i == 0 || seconds < report.MinSeconds {
			report.MinSeconds = seconds
		}
		if seconds > report.MaxSeconds {
			report.MaxSeconds = seconds
		}
		// Decoding is deterministic, so every run produces the same counts.
		if i == 0 {
			tallyTranscript(report, transcript)
		}
	}

	report.AvgSeconds = total.Seconds() / float64(s.Runs)
	if report.AvgSeconds > 0 {
		report.RealTimeFactor = report.AudioSeconds / report.AvgSeconds
		report.TokensPerSecond = float64(report.Tokens) / report.AvgSeconds
	}
	if report.DraftProposed > 0 {
		report.DraftAcceptedRate = float64(report.DraftAccepted) / float64(report.DraftProposed)
	}
	return report, nil
}

func tallyTranscript(report *benchReport, transcript *vayu.Transcript) {
	for _, seg := range transcript.Segments {
		if seg == nil {
			continue
		}
		res := seg.Decoding
		report.Tokens += len(res.Tokens)
		report.Fallbacks += res.AttemptIndex
		report.DraftProposed += res.Diagnostics.SpeculativeProposed
		report.DraftAccepted += res.Diagnostics.SpeculativeAccepted
	}
}

func printReport(w io.Writer, r *benchReport) {
	fmt.Fprintln(w, "Results")
	fmt.Fprintf(w, "  Segments:             %d\n", r.Segments)
	fmt.Fprintf(w, "  Audio duration:       %.2fs\n", r.AudioSeconds)
	fmt.Fprintf(w, "  Avg decode time:      %.3fs\n", r.AvgSeconds)
	fmt.Fprintf(w, "  Min time:             %.3fs\n", r.MinSeconds)
	fmt.Fprintf(w, "  Max time:             %.3fs\n", r.MaxSeconds)
	fmt.Fprintf(w, "  Real-time factor:     %.2fx\n", r.RealTimeFactor)
	fmt.Fprintf(w, "  Tokens/sec:           %.1f\n", r.TokensPerSecond)
	fmt.Fprintf(w, "  Fallback attempts:    %d\n", r.Fallbacks)
	if r.DraftProposed > 0 {
		fmt.Fprintf(w, "  Draft acceptance:     %.1f%% (%d/%d)\n",
			100*r.DraftAcceptedRate, r.DraftAccepted, r.DraftProposed)
	}
}
