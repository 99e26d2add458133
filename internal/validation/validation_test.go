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

package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vantageerrors "github.com/tombee/vantage/pkg/errors"
)

type inner struct {
	Kind string `json:"kind" validate:"oneof=a b"`
}

type sample struct {
	Name  string  `json:"name" validate:"required"`
	Ratio float64 `yaml:"ratio" validate:"gte=0,lte=1"`
	Items []inner `json:"items" validate:"dive"`
}

func TestStruct(t *testing.T) {
	require.NoError(t, Struct(sample{Name: "ok", Ratio: 0.5, Items: []inner{{Kind: "a"}}}))

	tests := []struct {
		name      string
		in        sample
		wantField string
		wantMsg   string
	}{
		{"missing name", sample{Ratio: 0.5}, "name", "is required"},
		{"ratio too big", sample{Name: "x", Ratio: 2}, "ratio", "must be <= 1"},
		{"bad nested enum", sample{Name: "x", Items: []inner{{Kind: "z"}}}, "items[0].kind", "must be one of [a b]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Struct(tt.in)
			var verr *vantageerrors.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantField, verr.Field)
			assert.Equal(t, tt.wantMsg, verr.Message)
		})
	}
}
