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
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/CodeWithBehnam/vayu/lib/backends"
	"github.com/CodeWithBehnam/vayu/lib/decoding"
	"github.com/CodeWithBehnam/vayu/lib/transcribing"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PoolSize = 1
	cfg.BatchSize = 2
	cfg.Decoding = testDecodingOptions()
	return cfg
}

func newTestEngine(t *testing.T, loader *fakeLoader, cfg Config) *Engine {
	t.Helper()
	e, err := NewEngine(context.Background(), cfg, loader.load, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, transcribing.DefaultBatchSize, cfg.BatchSize)
	assert.Equal(t, DefaultKeepAlive, cfg.KeepAlive)
	assert.NoError(t, cfg.Decoding.Validate())
}

func TestNewEngine_InvalidOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Decoding.Task = "summarize"
	_, err := NewEngine(context.Background(), cfg, newFakeLoader().load, nil)
	var verr *decoding.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "Task", verr.Field)
}

func TestNewEngine_Preload(t *testing.T) {
	loader := newFakeLoader()
	cfg := testConfig()
	cfg.Preload = []string{"tiny"}
	e := newTestEngine(t, loader, cfg)
	assert.True(t, e.Registry().IsLoaded("tiny"))
	assert.Equal(t, 1, loader.loadCount("tiny"))

	cfg.Preload = []string{"broken"}
	_, err := NewEngine(context.Background(), cfg, newFakeLoader("broken").load, nil)
	require.ErrorContains(t, err, "preloading models")
}

func TestEngine_Transcribe(t *testing.T) {
	loader := newFakeLoader()
	e := newTestEngine(t, loader, testConfig())
	require.NoError(t, e.Register(ModelSpec{Name: "tiny"}))

	before := testutil.ToFloat64(transcriptionRequestOps.WithLabelValues("tiny", "ok"))
	segments := []*backends.EncoderOutput{audio(1), audio(2), audio(3)}
	transcript, err := e.Transcribe(context.Background(), "tiny", segments, transcribing.TranscribeOptions{})
	require.NoError(t, err)

	_, err = uuid.Parse(transcript.ID)
	require.NoError(t, err)
	assert.Equal(t, "tiny", transcript.Model)
	require.Len(t, transcript.Segments, 3)
	for _, seg := range transcript.Segments {
		require.NotNil(t, seg)
		assert.LessOrEqual(t, len(seg.Decoding.Tokens), 24)
		assert.Equal(t, "en", seg.Language)
	}
	assert.Positive(t, transcript.Elapsed)
	assert.Equal(t, before+1, testutil.ToFloat64(transcriptionRequestOps.WithLabelValues("tiny", "ok")))

	// The request released its reference.
	e.Registry().refCountsMu.Lock()
	assert.Zero(t, e.Registry().refCounts["tiny"])
	e.Registry().refCountsMu.Unlock()
}

func TestEngine_TranscribeErrors(t *testing.T) {
	e := newTestEngine(t, newFakeLoader(), testConfig())
	require.NoError(t, e.Register(ModelSpec{Name: "tiny"}))

	_, err := e.Transcribe(context.Background(), "missing", []*backends.EncoderOutput{audio(1)}, transcribing.TranscribeOptions{})
	require.ErrorIs(t, err, ErrModelNotFound)

	before := testutil.ToFloat64(transcriptionRequestOps.WithLabelValues("tiny", "cancelled"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	transcript, err := e.Transcribe(ctx, "tiny", []*backends.EncoderOutput{audio(1)}, transcribing.TranscribeOptions{})
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, transcript)
	assert.Len(t, transcript.Segments, 1)
	assert.Equal(t, before+1, testutil.ToFloat64(transcriptionRequestOps.WithLabelValues("tiny", "cancelled")))
}
