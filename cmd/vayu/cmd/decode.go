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
	"os"
	"os/signal"
	"syscall"

	"github.com/bytedance/sonic/encoder"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/CodeWithBehnam/vayu"
	"github.com/CodeWithBehnam/vayu/lib/backends"
	"github.com/CodeWithBehnam/vayu/lib/decoding"
	"github.com/CodeWithBehnam/vayu/lib/transcribing"
)

var decodeCmd = &cobra.Command{
	Use:   "decode",
	Short: "Decode encoded segments into transcripts",
	Long: `Decode reads encoder outputs as JSON and prints the transcript as JSON.

The input has the form
  {"segments": [{"frames": 1500, "hidden": 384, "hidden_states": [...]}],
   "prompt": [50363], "language": "en"}

Examples:
  # Decode segments from a file with greedy decoding only
  vayu decode --input segments.json --temperature 0

  # Decode from stdin and render text with a tokenizer
  cat segments.json | vayu decode --tokenizer ./whisper-small`,
	PreRun: bindDecodingFlags,
	RunE:   runDecode,
}

func init() {
	rootCmd.AddCommand(decodeCmd)

	decodeCmd.Flags().StringP("input", "i", "-", "segments JSON file (- for stdin)")
	decodeCmd.Flags().String("tokenizer", "", "tokenizer.json (or model directory) used to render text")
	addDecodingFlags(decodeCmd)
	addModelFlags(decodeCmd)
}

func runDecode(cmd *cobra.Command, args []string) error {
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

	input, _ := cmd.Flags().GetString("input")
	var r io.Reader = cmd.InOrStdin()
	if input != "-" {
		f, err := os.Open(input)
		if err != nil {
			return fmt.Errorf("opening input: %w", err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}
	in, audio, err := readSegments(r)
	if err != nil {
		return err
	}

	tokenizerPath, _ := cmd.Flags().GetString("tokenizer")
	tok, err := loadTokenizer(tokenizerPath)
	if err != nil {
		return err
	}

	transcript, err := decode(ctx, cfg, modelLoader(cmd), audio, in, tok, logger)
	if transcript != nil {
		if encErr := encoder.NewStreamEncoder(cmd.OutOrStdout()).Encode(transcript); encErr != nil {
			return fmt.Errorf("writing output: %w", encErr)
		}
	}
	return err
}

// decode runs one transcription of audio through a fresh engine over the
// synthetic model.
func decode(
	ctx context.Context,
	cfg vayu.Config,
	loader backends.ModelLoader,
	audio []*backends.EncoderOutput,
	in *segmentsFile,
	tok decoding.Tokenizer,
	logger *zap.Logger,
) (*vayu.Transcript, error) {
	engine, err := vayu.NewEngine(ctx, cfg, loader, logger)
	if err != nil {
		return nil, err
	}
	defer func() { _ = engine.Close() }()

	spec := vayu.ModelSpec{Name: syntheticModelName, Tokenizer: tok}
	if cfg.Decoding.Speculative.DraftLength > 0 {
		spec.DraftName = syntheticDraftName
	}
	if err := engine.Register(spec); err != nil {
		return nil, err
	}

	logger.Info("Decoding segments",
		zap.Int("segments", len(audio)),
		zap.Int("batchSize", cfg.BatchSize),
		zap.Int("draftLength", cfg.Decoding.Speculative.DraftLength))

	return engine.Transcribe(ctx, syntheticModelName, audio, transcribing.TranscribeOptions{
		Language: in.Language,
		Prompt:   in.Prompt,
	})
}
