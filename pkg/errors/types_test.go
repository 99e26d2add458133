// Copyright 2025 Tom Barlow
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

package errors_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	vantageerrors "github.com/tombee/vantage/pkg/errors"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "validation with field",
			err:  &vantageerrors.ValidationError{Field: "target_p95_ms", Message: "must be positive"},
			want: "validation failed on target_p95_ms: must be positive",
		},
		{
			name: "validation without field",
			err:  &vantageerrors.ValidationError{Message: "empty patch"},
			want: "validation failed: empty patch",
		},
		{
			name: "not found",
			err:  &vantageerrors.NotFoundError{Resource: "experiment", ID: "exp_1"},
			want: "experiment not found: exp_1",
		},
		{
			name: "invalid transition",
			err:  &vantageerrors.InvalidTransitionError{Resource: "experiment", ID: "exp_1", From: "draft", Action: "pause"},
			want: "invalid_transition: cannot pause experiment exp_1 in state draft",
		},
		{
			name: "config",
			err:  &vantageerrors.ConfigError{Key: "traces.capacity", Reason: "must be positive"},
			want: "config error at traces.capacity: must be positive",
		},
		{
			name: "delivery with status",
			err:  &vantageerrors.DeliveryError{URL: "http://hooks.local", StatusCode: 502},
			want: "webhook delivery to http://hooks.local failed [HTTP 502]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestClassification(t *testing.T) {
	var classifier vantageerrors.ErrorClassifier = &vantageerrors.DeliveryError{URL: "u", StatusCode: 503}
	assert.Equal(t, "delivery", classifier.ErrorType())
	assert.True(t, classifier.IsRetryable())

	classifier = &vantageerrors.DeliveryError{URL: "u", StatusCode: 400}
	assert.False(t, classifier.IsRetryable())

	classifier = &vantageerrors.InvalidTransitionError{Resource: "experiment"}
	assert.Equal(t, "invalid_transition", classifier.ErrorType())
}

func TestHelpers(t *testing.T) {
	base := &vantageerrors.NotFoundError{Resource: "trace", ID: "trace_x"}
	wrapped := vantageerrors.Wrapf(base, "completing %s", "trace_x")

	assert.True(t, vantageerrors.IsNotFound(wrapped))
	assert.False(t, vantageerrors.IsInvalidTransition(wrapped))
	assert.Contains(t, wrapped.Error(), "completing trace_x")
	assert.Nil(t, vantageerrors.Wrap(nil, "noop"))

	cause := errors.New("dial tcp: refused")
	de := &vantageerrors.DeliveryError{URL: "http://x", Cause: cause}
	assert.True(t, errors.Is(fmt.Errorf("outer: %w", de), cause))

	assert.True(t, vantageerrors.IsValidation(vantageerrors.Wrap(&vantageerrors.ValidationError{Message: "m"}, "ctx")))
}
