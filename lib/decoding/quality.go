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
	"bytes"
	"encoding/binary"

	"github.com/klauspost/compress/zlib"
)

// Verdict is the quality gate's decision on one result.
type Verdict struct {
	Accepted  bool
	Violation Violation
	// LikelySilence is advisory and never causes a rejection.
	LikelySilence bool
}

// Evaluate applies the quality gate to a finished result. Compression ratio is
// checked first, then average log-probability.
func Evaluate(res *Result, th Thresholds) Verdict {
	v := Verdict{Accepted: true}
	switch {
	case th.CompressionRatio > 0 && res.CompressionRatio > th.CompressionRatio:
		v = Verdict{Violation: ViolationCompressionRatio}
	case th.LogProb != 0 && res.AvgLogProb < th.LogProb:
		v = Verdict{Violation: ViolationLogProb}
	}
	if th.NoSpeech > 0 && res.NoSpeechProb > th.NoSpeech {
		v.LikelySilence = th.LogProb == 0 || res.AvgLogProb < th.LogProb
	}
	return v
}

// CompressionRatio returns len(data) / len(zlib(data)). Highly repetitive
// text compresses well and scores high.
func CompressionRatio(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var buf bytes.Buffer
	// The default level stores short inputs uncompressed, which would hide
	// repetition in short transcripts.
	w, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return 0
	}
	// Writes to a bytes.Buffer cannot fail.
	_, _ = w.Write(data)
	_ = w.Close()
	return float64(len(data)) / float64(buf.Len())
}

// tokenBytes serializes token ids for the compression ratio when no tokenizer
// is configured.
func tokenBytes(ids []int) []byte {
	buf := make([]byte, 0, 2*len(ids))
	for _, id := range ids {
		buf = binary.AppendUvarint(buf, uint64(id))
	}
	return buf
}
