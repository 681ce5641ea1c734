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

package vayu

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/CodeWithBehnam/vayu/lib/decoding"
)

var (
	transcriptionRequestOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vayu",
			Subsystem: "engine",
			Name:      "transcription_request_ops_total",
			Help:      "The total number of transcription requests.",
		},
		[]string{"model", "status"},
	)
	segmentTranscriptionOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vayu",
			Subsystem: "engine",
			Name:      "segment_transcription_ops_total",
			Help:      "The total number of segments transcribed.",
		},
		[]string{"model"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vayu",
			Subsystem: "engine",
			Name:      "request_duration_seconds",
			Help:      "Time taken to transcribe a request.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"model", "status"},
	)

	modelLoadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vayu",
			Subsystem: "registry",
			Name:      "model_load_duration_seconds",
			Help:      "Time taken to load a model.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"model"},
	)
	loadedModels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vayu",
			Subsystem: "registry",
			Name:      "loaded_models",
			Help:      "Number of models currently loaded.",
		},
	)
	modelEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vayu",
			Subsystem: "registry",
			Name:      "model_evictions_total",
			Help:      "The total number of models unloaded by the registry.",
		},
		[]string{"reason"},
	)

	forwardPassOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vayu",
			Subsystem: "decoder",
			Name:      "forward_pass_ops_total",
			Help:      "The total number of batched model forward passes.",
		},
		[]string{"model"},
	)
	forwardPassRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vayu",
			Subsystem: "decoder",
			Name:      "forward_pass_rows_total",
			Help:      "The total number of batch rows run through the model.",
		},
		[]string{"model"},
	)
	forwardPassDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vayu",
			Subsystem: "decoder",
			Name:      "forward_pass_duration_seconds",
			Help:      "Time taken by one model forward pass.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"model"},
	)
	attemptOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vayu",
			Subsystem: "decoder",
			Name:      "attempt_ops_total",
			Help:      "The total number of segment decoding attempts by outcome.",
		},
		[]string{"outcome"}, // accepted, compression_ratio, avg_logprob
	)
	forcedTokenOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vayu",
			Subsystem: "decoder",
			Name:      "forced_token_ops_total",
			Help:      "The total number of end-of-text tokens forced because no token was legal.",
		},
		[]string{"processor"},
	)
	speculativeProposedTokens = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vayu",
			Subsystem: "decoder",
			Name:      "speculative_proposed_tokens_total",
			Help:      "The total number of draft tokens proposed.",
		},
	)
	speculativeAcceptedTokens = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vayu",
			Subsystem: "decoder",
			Name:      "speculative_accepted_tokens_total",
			Help:      "The total number of draft tokens accepted by the target model.",
		},
	)
)

func init() {
	prometheus.MustRegister(transcriptionRequestOps)
	prometheus.MustRegister(segmentTranscriptionOps)
	prometheus.MustRegister(requestDuration)
	prometheus.MustRegister(modelLoadDuration)
	prometheus.MustRegister(loadedModels)
	prometheus.MustRegister(modelEvictions)
	prometheus.MustRegister(forwardPassOps)
	prometheus.MustRegister(forwardPassRows)
	prometheus.MustRegister(forwardPassDuration)
	prometheus.MustRegister(attemptOps)
	prometheus.MustRegister(forcedTokenOps)
	prometheus.MustRegister(speculativeProposedTokens)
	prometheus.MustRegister(speculativeAcceptedTokens)
}

// RecordModelLoadDuration records how long it took to load a model
func RecordModelLoadDuration(model string, seconds float64) {
	modelLoadDuration.WithLabelValues(model).Observe(seconds)
}

// RecordRequest records a finished transcription request
func RecordRequest(model, status string, segments int, seconds float64) {
	transcriptionRequestOps.WithLabelValues(model, status).Inc()
	segmentTranscriptionOps.WithLabelValues(model).Add(float64(segments))
	requestDuration.WithLabelValues(model, status).Observe(seconds)
}

// MetricsObserver reports decoder events to the package's prometheus
// collectors. It is safe for concurrent use.
type MetricsObserver struct{}

var _ decoding.Observer = MetricsObserver{}

func (MetricsObserver) ForwardPass(model string, rows int, elapsed time.Duration) {
	forwardPassOps.WithLabelValues(model).Inc()
	forwardPassRows.WithLabelValues(model).Add(float64(rows))
	forwardPassDuration.WithLabelValues(model).Observe(elapsed.Seconds())
}

func (MetricsObserver) AttemptFinished(ev decoding.AttemptEvent) {
	outcome := "accepted"
	if !ev.Accepted {
		outcome = string(ev.Violation)
	}
	attemptOps.WithLabelValues(outcome).Inc()
}

func (MetricsObserver) ForcedToken(processor string) {
	forcedTokenOps.WithLabelValues(processor).Inc()
}

func (MetricsObserver) SpeculativeRound(proposed, accepted int) {
	speculativeProposedTokens.Add(float64(proposed))
	speculativeAcceptedTokens.Add(float64(accepted))
}
