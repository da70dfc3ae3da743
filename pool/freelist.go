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

package pool

import (
	"sync"

	"github.com/edwingeng/deque/v2"
)

// Closable is implemented by the connection types kept in a FreeList.
type Closable interface {
	Close() error
	IsClosed() bool
}

// FreeList is a FIFO queue of idle connections. The zero value is ready
// to use.
type FreeList[C Closable] struct {
	mu sync.Mutex
	// +checklocks:mu
	items *deque.Deque[C]
}

// Offer adds an idle connection to the back of the list.
func (f *FreeList[C]) Offer(c C) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.items == nil {
		f.items = deque.NewDeque[C]()
	}
	f.items.PushBack(c)
}

// Poll removes and returns the oldest idle connection. Connections that
// were closed while idle are dropped, never returned.
func (f *FreeList[C]) Poll() (C, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.items != nil && f.items.Len() > 0 {
		c := f.items.PopFront()
		if !c.IsClosed() {
			return c, true
		}
	}
	var zero C
	return zero, false
}

// Len is the number of idle connections, including any that have been
// closed but not yet dropped.
func (f *FreeList[C]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.items == nil {
		return 0
	}
	return f.items.Len()
}

// Drain empties the list and returns its contents, oldest first.
func (f *FreeList[C]) Drain() []C {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.items == nil {
		return nil
	}
	drained := make([]C, 0, f.items.Len())
	for f.items.Len() > 0 {
		drained = append(drained, f.items.PopFront())
	}
	return drained
}
