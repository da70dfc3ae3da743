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
	"math/rand"
	"sync/atomic"

	"github.com/bufbuild/kvlb/internal"
	"github.com/bufbuild/kvlb/pool"
)

// NewLeastLoadedRoundRobin creates pickers that pick the entry with the
// fewest slots in use. When a tie occurs, tied entries will be picked in an
// arbitrary but sequential order.
func NewLeastLoadedRoundRobin(prev Picker, entries []*pool.Entry) Picker {
	picker := &leastLoadedRoundRobin{entries: cloneEntries(entries)}
	if prev, ok := prev.(*leastLoadedRoundRobin); ok {
		picker.counter.Store(prev.counter.Load())
	}
	return picker
}

// NewLeastLoadedRandom creates pickers that pick the entry with the fewest
// slots in use. When a tie occurs, tied entries will be picked at random.
func NewLeastLoadedRandom(_ Picker, entries []*pool.Entry) Picker {
	return &leastLoadedRandom{
		entries: cloneEntries(entries),
		rng:     internal.NewLockedRand(),
	}
}

type leastLoadedRoundRobin struct {
	entries []*pool.Entry
	// +checkatomic
	counter atomic.Uint64
}

type leastLoadedRandom struct {
	entries []*pool.Entry
	rng     *rand.Rand
}

func (p *leastLoadedRoundRobin) Pick() *pool.Entry {
	start := p.counter.Add(1) % uint64(len(p.entries))
	return leastLoaded(p.entries, int(start))
}

func (p *leastLoadedRandom) Pick() *pool.Entry {
	return leastLoaded(p.entries, p.rng.Intn(len(p.entries)))
}

// leastLoaded scans all entries beginning at start, so the first of several
// equally loaded entries wins.
func leastLoaded(entries []*pool.Entry, start int) *pool.Entry {
	var best *pool.Entry
	bestLoad := 0
	for i := range entries {
		entry := entries[(start+i)%len(entries)]
		if load := entry.Load(); best == nil || load < bestLoad {
			best, bestLoad = entry, load
		}
	}
	return best
}
