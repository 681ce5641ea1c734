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
	"fmt"
	"os"
	"strings"

	"github.com/antflydb/antfly-go/libaf/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/CodeWithBehnam/vayu"
	"github.com/CodeWithBehnam/vayu/lib/decoding"
)

// Version is set by main from the build flags.
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "vayu",
	Short: "Batched, quality-gated transcript decoding",
	Long: `vayu drives an encoder-decoder speech model through batched decoding
with temperature fallback, beam search and speculative decoding.

Configuration is read from flags, VAYU_* environment variables and an
optional config file (YAML or JSON).`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	rootCmd.Version = Version
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (YAML or JSON)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-style", "terminal", "log style (terminal, json)")
	flags.Int("pool-size", 1, "concurrent decoders per model")
	flags.Int("batch-size", 12, "segments decoded together in one batch")
	mustBindPFlag("log.level", flags.Lookup("log-level"))
	mustBindPFlag("log.style", flags.Lookup("log-style"))
	mustBindPFlag("pool_size", flags.Lookup("pool-size"))
	mustBindPFlag("batch_size", flags.Lookup("batch-size"))

	viper.SetDefault("keep_alive", vayu.DefaultKeepAlive.String())
	viper.SetDefault("max_loaded_models", 0)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	viper.SetEnvPrefix("VAYU")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "Error reading config file %s: %v\n", cfgFile, err)
			os.Exit(1)
		}
	}
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

// addDecodingFlags registers the decoding flags shared by decode and bench.
func addDecodingFlags(cmd *cobra.Command) {
	defaults := decoding.DefaultOptions()
	flags := cmd.Flags()

	flags.String("task", string(defaults.Task), "transcribe or translate")
	flags.String("language", defaults.Language, `language code, or "detect"`)
	flags.Float64Slice("temperature", defaults.Temperatures, "temperature fallback schedule")
	flags.Int("max-tokens", defaults.MaxTokens, "maximum sampled tokens per segment")
	flags.Int("beam-size", defaults.BeamSize, "beam size at temperature 0 (1 = greedy)")
	flags.Int("best-of", defaults.BestOf, "candidates per segment at temperature > 0")
	flags.Float64("patience", defaults.Patience, "beam search patience")
	flags.Float64("length-penalty", defaults.LengthPenalty, "length penalty exponent (0 = plain length)")
	flags.Uint64("seed", defaults.Seed, "sampling seed")
	flags.Bool("timestamps", defaults.Timestamps.Enabled, "sample timestamp tokens")
	flags.Bool("suppress-blank", defaults.SuppressBlank, "suppress blank tokens at the first step")
	flags.Float64("compression-ratio-threshold", defaults.Thresholds.CompressionRatio, "reject attempts above this compression ratio (0 = off)")
	flags.Float64("logprob-threshold", defaults.Thresholds.LogProb, "reject attempts below this average log-probability (0 = off)")
	flags.Float64("no-speech-threshold", defaults.Thresholds.NoSpeech, "no-speech probability that marks likely silence (0 = off)")
	flags.Int("draft-length", 0, "speculative draft length (0 = off)")
}

// bindDecodingFlags binds the running command's decoding flags under the
// "decoding" config key. Binding happens at run time because decode and bench
// share the keys.
func bindDecodingFlags(cmd *cobra.Command, _ []string) {
	flags := cmd.Flags()
	mustBindPFlag("decoding.task", flags.Lookup("task"))
	mustBindPFlag("decoding.language", flags.Lookup("language"))
	mustBindPFlag("decoding.max_tokens", flags.Lookup("max-tokens"))
	mustBindPFlag("decoding.beam_size", flags.Lookup("beam-size"))
	mustBindPFlag("decoding.best_of", flags.Lookup("best-of"))
	mustBindPFlag("decoding.patience", flags.Lookup("patience"))
	mustBindPFlag("decoding.length_penalty", flags.Lookup("length-penalty"))
	mustBindPFlag("decoding.seed", flags.Lookup("seed"))
	mustBindPFlag("decoding.timestamps.enabled", flags.Lookup("timestamps"))
	mustBindPFlag("decoding.suppress_blank", flags.Lookup("suppress-blank"))
	mustBindPFlag("decoding.thresholds.compression_ratio", flags.Lookup("compression-ratio-threshold"))
	mustBindPFlag("decoding.thresholds.logprob", flags.Lookup("logprob-threshold"))
	mustBindPFlag("decoding.thresholds.no_speech", flags.Lookup("no-speech-threshold"))
	mustBindPFlag("decoding.speculative.draft_length", flags.Lookup("draft-length"))
}

// buildConfig assembles the engine configuration from viper and validates
// the decoding options. The temperature schedule is a list flag that viper
// cannot decode, so it is read from the flag set when given there.
func buildConfig(flags *pflag.FlagSet) (vayu.Config, error) {
	cfg := vayu.DefaultConfig()
	if err := viper.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if flags != nil && flags.Changed("temperature") {
		temps, err := flags.GetFloat64Slice("temperature")
		if err != nil {
			return cfg, err
		}
		cfg.Decoding.Temperatures = temps
	}
	if cfg.BatchSize < 1 {
		return cfg, fmt.Errorf("batch size must be >= 1, got %d", cfg.BatchSize)
	}
	if err := cfg.Decoding.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func newLogger() *zap.Logger {
	return logging.NewLogger(&logging.Config{
		Level: logging.Level(viper.GetString("log.level")),
		Style: logging.Style(viper.GetString("log.style")),
	})
}
