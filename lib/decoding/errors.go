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
	"fmt"
)

// ValidationError reports a malformed option. It is returned before any
// decoding starts.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid decoding options: %s %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ModelError wraps a failure of the model collaborator. The step that failed
// contributes nothing to the results.
type ModelError struct {
	// Model is the name of the failing model.
	Model string
	// Attempt is the index into the temperature schedule.
	Attempt int
	// Step is the number of forward passes already completed in the attempt.
	Step int
	Err  error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model %s failed at attempt %d step %d: %v", e.Model, e.Attempt, e.Step, e.Err)
}

func (e *ModelError) Unwrap() error {
	return e.Err
}
