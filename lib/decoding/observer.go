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

import "time"

// AttemptEvent describes one finished attempt of one segment.
type AttemptEvent struct {
	Segment     int
	Attempt     int
	Temperature float64
	Accepted    bool
	Violation   Violation
	StopReason  StopReason
	NumTokens   int
}

// Observer receives decoding events for metrics. Implementations must be safe
// for concurrent use when one Decoder serves several goroutines.
type Observer interface {
	ForwardPass(model string, rows int, elapsed time.Duration)
	AttemptFinished(ev AttemptEvent)
	ForcedToken(processor string)
	SpeculativeRound(proposed, accepted int)
}

// NopObserver discards all events.
type NopObserver struct{}

func (NopObserver) ForwardPass(string, int, time.Duration) {}
func (NopObserver) AttemptFinished(AttemptEvent) {}
func (NopObserver) ForcedToken(string) {}
func (NopObserver) SpeculativeRound(int, int) {}
