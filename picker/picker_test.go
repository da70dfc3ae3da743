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


package picker_test

import (
	"testing"

	"github.com/bufbuild/kvlb/internal/transporttest"
	"github.com/bufbuild/kvlb/picker"
	"github.com/bufbuild/kvlb/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundRobin(t *testing.T) {
	t.Parallel()
	entries := newEntries("a", "b", "c")
	pick := picker.NewRoundRobin(nil, entries)

	var first []string
	for i := 0; i < 3; i++ {
		first = append(first, pick.Pick().Address())
	}
	assert.ElementsMatch(t, []string{"a", "b", "c"}, first)
	// the order repeats
	for i := 0; i < 6; i++ {
		assert.Equal(t, first[i%3], pick.Pick().Address())
	}
}

func TestRandom(t *testing.T) {
	t.Parallel()
	entries := newEntries("a", "b")
	pick := picker.NewRandom(nil, entries)
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		seen[pick.Pick().Address()] = true
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true}, seen)

	single := picker.NewRandom(pick, entries[:1])
	assert.Equal(t, "a", single.Pick().Address())
}

func TestLeastLoaded(t *testing.T) {
	t.Parallel()
	entries := newEntries("a", "b", "c")
	require.True(t, entries[0].TryAcquireConnection())
	require.True(t, entries[0].TryAcquireSubscription())
	require.True(t, entries[1].TryAcquireConnection())

	for _, factory := range []picker.Factory{picker.NewLeastLoadedRoundRobin, picker.NewLeastLoadedRandom} {
		pick := factory(nil, entries)
		for i := 0; i < 5; i++ {
			assert.Equal(t, "c", pick.Pick().Address())
		}
	}

	// ties are broken in turn
	require.True(t, entries[2].TryAcquireConnection())
	pick := picker.NewLeastLoadedRoundRobin(nil, entries)
	seen := map[string]bool{}
	for i := 0; i < 6; i++ {
		seen[pick.Pick().Address()] = true
	}
	assert.Equal(t, map[string]bool{"b": true, "c": true}, seen)

	// the cursor carries over to the next picker
	next := picker.NewLeastLoadedRoundRobin(pick, entries[1:])
	assert.NotNil(t, next.Pick())
}

func TestPowerOfTwo(t *testing.T) {
	t.Parallel()
	entries := newEntries("a", "b")
	require.True(t, entries[0].TryAcquireConnection())

	pick := picker.NewPowerOfTwo(nil, entries)
	counts := map[string]int{}
	for i := 0; i < 200; i++ {
		counts[pick.Pick().Address()]++
	}
	// "a" only wins when it is drawn twice
	assert.Greater(t, counts["b"], counts["a"])

	pick = picker.NewPowerOfTwo(pick, entries[:1])
	assert.Equal(t, "a", pick.Pick().Address())
}

func newEntries(addresses ...string) []*pool.Entry {
	clients := transporttest.NewFakeClients()
	entries := make([]*pool.Entry, len(addresses))
	for i, address := range addresses {
		entries[i] = pool.NewEntry(clients.NewClient(address), 2, 2)
	}
	return entries
}
