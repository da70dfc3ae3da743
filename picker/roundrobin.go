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

package picker

import (
	"sync/atomic"

	"github.com/bufbuild/kvlb/internal"
	"github.com/bufbuild/kvlb/pool"
)

// NewRoundRobin creates pickers that pick entries in sequential order. In
// order to mitigate the risk of a "thundering herd" when many clients start
// at once, the order is randomized each time the set of entries changes.
func NewRoundRobin(_ Picker, entries []*pool.Entry) Picker {
	rnd := internal.NewRand()
	shuffled := cloneEntries(entries)
	rnd.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	picker := &roundRobin{entries: shuffled}
	picker.counter.Store(-1)
	return picker
}

type roundRobin struct {
	entries []*pool.Entry
	// +checkatomic
	counter atomic.Int64
}

func (r *roundRobin) Pick() *pool.Entry {
	return r.entries[uint64(r.counter.Add(1))%uint64(len(r.entries))]
}
