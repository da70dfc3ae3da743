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

	"github.com/bufbuild/kvlb/internal"
	"github.com/bufbuild/kvlb/pool"
)

// NewPowerOfTwo creates pickers that select two entries at random and pick
// the one with fewer slots in use. This takes advantage of the
// [power of two random choices], which provides substantial benefits over a
// simple random picker without having to scan every entry.
//
// [power of two random choices]: http://www.eecs.harvard.edu/~michaelm/postscripts/handbook2001.pdf
func NewPowerOfTwo(_ Picker, entries []*pool.Entry) Picker {
	return &powerOfTwo{
		entries: cloneEntries(entries),
		rng:     internal.NewLockedRand(),
	}
}

type powerOfTwo struct {
	entries []*pool.Entry
	rng     *rand.Rand
}

func (p *powerOfTwo) Pick() *pool.Entry {
	entry1 := p.entries[p.rng.Intn(len(p.entries))]
	entry2 := p.entries[p.rng.Intn(len(p.entries))]
	if entry2.Load() < entry1.Load() {
		return entry2
	}
	return entry1
}
