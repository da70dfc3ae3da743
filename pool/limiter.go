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
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Limiter is a counting permit bounding how many connections of one kind
// may be checked out at once. It is kept separate from the idle FreeList:
// the number of idle connections says nothing about how many are in use.
type Limiter struct {
	sem  *semaphore.Weighted
	size int64
	// +checkatomic
	inUse atomic.Int64
}

// NewLimiter returns a Limiter with the given number of permits, which must
// be > 0.
func NewLimiter(size int) *Limiter {
	if size <= 0 {
		panic("pool: limiter size must be positive")
	}
	return &Limiter{
		sem:  semaphore.NewWeighted(int64(size)),
		size: int64(size),
	}
}

// TryAcquire takes a permit if one is immediately available.
func (l *Limiter) TryAcquire() bool {
	if !l.sem.TryAcquire(1) {
		return false
	}
	l.inUse.Add(1)
	return true
}

// Acquire blocks until a permit is available or ctx is done. Passing a
// context that is never done makes the wait uninterruptible.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	l.inUse.Add(1)
	return nil
}

// Release returns one permit. It panics if more permits are released than
// were acquired.
func (l *Limiter) Release() {
	l.inUse.Add(-1)
	l.sem.Release(1)
}

// Size is the total number of permits.
func (l *Limiter) Size() int {
	return int(l.size)
}

// InUse is the number of permits currently held.
func (l *Limiter) InUse() int {
	return int(l.inUse.Load())
}
