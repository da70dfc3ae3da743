// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kvlb

import "github.com/bufbuild/kvlb/internal"

// WithClock configures the clock used to time waits for master connections.
func WithClock(clock internal.Clock) ManagerOption {
	return managerOptionFunc(func(opts *managerOptions) {
		opts.clock = clock
	})
}

//nolint:gochecknoglobals
var (
	MasterPoolExhaustedTotal = masterPoolExhaustedTotal
	FailoversTotal           = failoversTotal
	MigratedChannelsOK       = migratedChannelsTotal.WithLabelValues(outcomeOK)
)
