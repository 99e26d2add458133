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

package experiment

import (
	"hash/fnv"
)

// HashVersion identifies the bucketing hash. Changing the hash reshuffles
// every subject of every running experiment, so this value is part of the
// persisted contract and must never change for existing data.
const HashVersion = "fnv1a32"

// Hash returns the FNV-1a 32-bit hash of "experimentID:subjectID".
func Hash(experimentID, subjectID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(experimentID))
	h.Write([]byte{':'})
	h.Write([]byte(subjectID))
	return h.Sum32()
}

// Bucketing is the full deterministic placement of a subject.
type Bucketing struct {
	Hash         uint32  `json:"hash"`
	Bucket       uint32  `json:"bucket"`
	Roll         float64 `json:"roll"`
	InExperiment bool    `json:"inExperiment"`
	VariantID    string  `json:"variantId,omitempty"`
}

// Place computes where a subject lands without touching any state.
// Subjects whose bucket (hash mod 100) is at or above trafficPercentage
// are excluded.
func Place(experimentID, subjectID string, trafficPercentage float64, variants []Variant) Bucketing {
	h := Hash(experimentID, subjectID)
	b := Bucketing{
		Hash:   h,
		Bucket: h % 100,
		Roll:   float64(h%10000) / 10000,
	}
	if float64(b.Bucket) >= trafficPercentage || len(variants) == 0 {
		return b
	}
	b.InExperiment = true
	b.VariantID = variants[selectVariant(variants, b.Roll)].ID
	return b
}

// selectVariant walks variants in declaration order accumulating their
// normalized weights and returns the index of the first whose cumulative
// weight reaches roll. It falls back to the first variant.
func selectVariant(variants []Variant, roll float64) int {
	var total float64
	for _, v := range variants {
		total += v.TrafficWeight
	}
	if total <= 0 {
		return 0
	}

	var cumulative float64
	for i, v := range variants {
		cumulative += v.TrafficWeight / total
		if roll <= cumulative {
			return i
		}
	}
	return 0
}
