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

import "github.com/bufbuild/kvlb/pool"

// Picker selects an entry. Pick is called concurrently and must not block.
// It is never called on a picker created with zero entries.
//
// A picked entry may have no free slot. The balancer then calls Pick again,
// up to once per entry, before applying its exhaustion policy.
type Picker interface {
	Pick() *pool.Entry
}

// Factory creates a picker over the given entries. The given prev is the
// picker being replaced, or nil. The entries slice must not be retained
// without copying.
type Factory func(prev Picker, entries []*pool.Entry) Picker

func cloneEntries(entries []*pool.Entry) []*pool.Entry {
	return append([]*pool.Entry(nil), entries...)
}
