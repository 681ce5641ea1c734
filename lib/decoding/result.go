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

import "fmt"

// StopReason records why a decoding task terminated.
type StopReason int

const (
	// StopNone means the task is still running.
	StopNone StopReason = iota
	// StopEOT means the model sampled the end-of-transcript token.
	StopEOT
	// StopMaxLen means MaxTokens tokens were sampled.
	StopMaxLen
	// StopTimestampRule means the timestamp grammar left no legal token.
	StopTimestampRule
	// StopNoLegalToken means token suppression left no legal token.
	StopNoLegalToken
	// StopCancelled means the context was cancelled while the task was running.
	StopCancelled
)

var stopReasonNames = map[StopReason]string{
	StopNone:          "running",
	StopEOT:           "eot",
	StopMaxLen:        "max_length",
	StopTimestampRule: "timestamp_rule",
	StopNoLegalToken:  "no_legal_token",
	StopCancelled:     "cancelled",
}

func (s StopReason) String() string {
	if name, ok := stopReasonNames[s]; ok {
		return name
	}
	return fmt.Sprintf("StopReason(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s StopReason) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Violation names the quality criterion a result failed.
type Violation string

const (
	ViolationNone             Violation = ""
	ViolationCompressionRatio Violation = "compression_ratio"
	ViolationLogProb          Violation = "avg_logprob"
)

// ForcedToken records a step at which the logit processors left no legal token
// and the decoder forced the end-of-transcript token instead.
type ForcedToken struct {
	// Position is the index of the forced token in Result.Tokens.
	Position int `json:"position"`
	// Processor is the processor that removed the last legal token.
	Processor string `json:"processor"`
	Token     int32  `json:"token"`
}

// AttemptRecord summarizes one attempt at one temperature.
type AttemptRecord struct {
	Attempt          int           `json:"attempt"`
	Temperature      float64       `json:"temperature"`
	NumTokens        int           `json:"num_tokens"`
	AvgLogProb       float64       `json:"avg_logprob"`
	CompressionRatio float64       `json:"compression_ratio"`
	StopReason       StopReason    `json:"stop_reason"`
	Accepted         bool          `json:"accepted"`
	Violation        Violation     `json:"violation,omitempty"`
	ForcedTokens     []ForcedToken `json:"forced_tokens,omitempty"`
}

// Diagnostics carries everything the decoder did on the way to a result.
type Diagnostics struct {
	// Attempts lists every attempt made for the segment, in schedule order.
	Attempts []AttemptRecord `json:"attempts"`
	// ForcedTokens lists the forced tokens of the returned attempt.
	ForcedTokens []ForcedToken `json:"forced_tokens,omitempty"`
	// LanguageProbability is the detected language's probability, when detected.
	LanguageProbability float64 `json:"language_probability,omitempty"`
	// SpeculativeProposed and SpeculativeAccepted count draft tokens over all attempts.
	SpeculativeProposed int `json:"speculative_proposed,omitempty"`
	SpeculativeAccepted int `json:"speculative_accepted,omitempty"`
}

// AcceptanceRate returns the fraction of proposed draft tokens that were accepted.
func (d *Diagnostics) AcceptanceRate() float64 {
	if d.SpeculativeProposed == 0 {
		return 0
	}
	return float64(d.SpeculativeAccepted) / float64(d.SpeculativeProposed)
}

// Result is the decoded transcript of one segment.
type Result struct {
	// Tokens are the sampled tokens. They end with EOT when the model stopped.
	Tokens []int32 `json:"tokens"`
	// LogProbs holds the log-probability of each token under the processed,
	// unscaled distribution.
	LogProbs   []float64 `json:"logprobs"`
	SumLogProb float64   `json:"sum_logprob"`
	AvgLogProb float64   `json:"avg_logprob"`

	NoSpeechProb     float64 `json:"no_speech_prob"`
	Temperature      float64 `json:"temperature"`
	AttemptIndex     int     `json:"attempt_index"`
	CompressionRatio float64 `json:"compression_ratio"`
	// Text is the detokenized text tokens; empty without a tokenizer.
	Text     string `json:"text,omitempty"`
	Language string `json:"language,omitempty"`

	StopReason StopReason `json:"stop_reason"`
	// TerminatedByModel is true only when the model chose to stop.
	TerminatedByModel bool `json:"terminated_by_model"`

	Accepted  bool      `json:"accepted"`
	Violation Violation `json:"violation,omitempty"`
	// LikelySilence is the advisory no-speech verdict.
	LikelySilence bool `json:"likely_silence"`

	Diagnostics Diagnostics `json:"diagnostics"`

	speculativeProposed int
	speculativeAccepted int
}

// textTokens returns the ordinary text tokens as ints for a tokenizer.
func (r *Result) textTokens(eot int32) []int {
	ids := make([]int, 0, len(r.Tokens))
	for _, t := range r.Tokens {
		if t >= 0 && t < eot {
			ids = append(ids, int(t))
		}
	}
	return ids
}

func (r *Result) record() AttemptRecord {
	return AttemptRecord{
		Attempt:          r.AttemptIndex,
		Temperature:      r.Temperature,
		NumTokens:        len(r.Tokens),
		AvgLogProb:       r.AvgLogProb,
		CompressionRatio: r.CompressionRatio,
		StopReason:       r.StopReason,
		Accepted:         r.Accepted,
		Violation:        r.Violation,
		ForcedTokens:     r.Diagnostics.ForcedTokens,
	}
}
