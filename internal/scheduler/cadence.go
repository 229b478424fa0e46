/*
SPDX-FileCopyrightText: Copyright (c) 2026 Tributary AI. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

package scheduler

import "github.com/tributary-ai/tributary/internal/model"

const (
	// MinIntervalMin and MaxIntervalMin bound the adaptive cadence.
	MinIntervalMin = 5
	MaxIntervalMin = 120
	// DefaultIntervalMin is the cadence for a pair with no history.
	DefaultIntervalMin = 30
	// watchIntervalMin is the safety-net cadence while a push channel
	// covers the pair.
	watchIntervalMin = MaxIntervalMin
)

// NextInterval derives the next polling interval in minutes from the
// pair's change count over the trailing day. A quiet pair backs off
// multiplicatively; an active pair snaps to the band for its rate. Fresh
// virtual-mail traffic halves the result so forwarded context lands
// quickly.
func NextInterval(prevMin int, changed24h int64, virtualMailActive bool) int {
	if prevMin <= 0 {
		prevMin = DefaultIntervalMin
	}

	var next int
	switch {
	case changed24h == 0:
		next = prevMin * 3 / 2
		if next > MaxIntervalMin {
			next = MaxIntervalMin
		}
	case changed24h <= 5:
		next = 30
	case changed24h <= 20:
		next = 15
	default:
		next = 10
	}

	if virtualMailActive {
		next /= 2
	}
	if next < MinIntervalMin {
		next = MinIntervalMin
	}
	return next
}

// Frequency buckets a change count the same way NextInterval does.
func Frequency(changed24h int64) model.ChangeFrequency {
	switch {
	case changed24h == 0:
		return model.FrequencyLow
	case changed24h <= 5:
		return model.FrequencyMedium
	default:
		return model.FrequencyHigh
	}
}
