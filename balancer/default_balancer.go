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

package balancer

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/bufbuild/kvlb/conn"
	"github.com/bufbuild/kvlb/health"
	"github.com/bufbuild/kvlb/picker"
	"github.com/bufbuild/kvlb/pool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Balancer is the default LoadBalancer. If no options are given, the
// default behavior is as follows:
//   - Round-robin picker, skipping exhausted entries.
//   - No health checks. All entries are considered usable.
//   - Wait for a free slot when every entry is exhausted.
type Balancer struct {
	pickerFactory picker.Factory
	failFast      bool
	checker       health.Checker
	log           *log.Entry

	//nolint:containedctx
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	// current is nil while no entry is registered.
	current atomic.Pointer[pickerState]

	mu sync.Mutex
	// +checklocks:mu
	codec conn.Codec
	// +checklocks:mu
	password string
	// +checklocks:mu
	entries []*slaveEntry
	// +checklocks:mu
	latestPicker picker.Picker
	// +checklocks:mu
	out map[conn.Conn]*pool.Entry
	// +checklocks:mu
	outSub map[conn.PubSubConn]*pool.Entry
}

var _ LoadBalancer = (*Balancer)(nil)

type slaveEntry struct {
	entry        *pool.Entry
	state        health.State
	closeChecker io.Closer
}

type pickerState struct {
	picker  picker.Picker
	entries []*pool.Entry
}

// slotKind selects which of an entry's two limiters a request draws from.
type slotKind struct {
	tryAcquire func(*pool.Entry) bool
	acquire    func(*pool.Entry, context.Context) error
	release    func(*pool.Entry)
}

//nolint:gochecknoglobals
var (
	commandSlots = slotKind{
		tryAcquire: (*pool.Entry).TryAcquireConnection,
		acquire:    (*pool.Entry).AcquireConnection,
		release:    (*pool.Entry).ReleaseConnection,
	}
	subscriptionSlots = slotKind{
		tryAcquire: (*pool.Entry).TryAcquireSubscription,
		acquire:    (*pool.Entry).AcquireSubscription,
		release:    (*pool.Entry).ReleaseSubscription,
	}
)

// New returns a new balancer with no entries.
func New(opts ...Option) *Balancer {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Balancer{
		ctx:    ctx,
		cancel: cancel,
		out:    map[conn.Conn]*pool.Entry{},
		outSub: map[conn.PubSubConn]*pool.Entry{},
	}
	for _, opt := range opts {
		opt.apply(b)
	}
	if b.pickerFactory == nil {
		b.pickerFactory = picker.NewRoundRobin
	}
	if b.checker == nil {
		b.checker = health.NopChecker
	}
	if b.log == nil {
		b.log = log.NewEntry(log.StandardLogger())
	}
	return b
}

func (b *Balancer) Init(codec conn.Codec, password string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.codec = codec
	b.password = password
}

func (b *Balancer) Add(entry *pool.Entry) error {
	if b.closed.Load() {
		return ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.entries {
		if existing.entry.Address() == entry.Address() {
			return errors.WithMessage(ErrDuplicateAddress, entry.Address())
		}
	}
	added := &slaveEntry{entry: entry}
	added.closeChecker = b.checker.New(b.ctx, &healthTarget{entry: entry, balancer: b}, b)
	b.entries = append(b.entries, added)
	b.newPickerLocked()

	b.log.WithField("address", entry.Address()).Debug("added slave entry")
	return nil
}

func (b *Balancer) Remove(ctx context.Context, address string) []conn.PubSubConn {
	b.mu.Lock()
	var removed *slaveEntry
	for i, existing := range b.entries {
		if existing.entry.Address() == address {
			removed = existing
			b.entries = append(b.entries[:i:i], b.entries[i+1:]...)
			break
		}
	}
	if removed == nil {
		b.mu.Unlock()
		return nil
	}
	for c, owner := range b.outSub {
		if owner == removed.entry {
			delete(b.outSub, c)
		}
	}
	b.newPickerLocked()
	b.mu.Unlock()

	if removed.closeChecker != nil {
		_ = removed.closeChecker.Close()
	}
	live := removed.entry.ActivePubSub()
	if err := removed.entry.Shutdown(ctx); err != nil {
		b.log.WithFields(log.Fields{"address": address, "err": err}).
			Warn("failed to shut down removed slave entry")
	}
	b.log.WithFields(log.Fields{
		"address": address,
		"pubsub":  len(live),
	}).Info("removed slave entry")
	return live
}

func (b *Balancer) NextConnection(ctx context.Context) (conn.Conn, error) {
	codec, password := b.credentials()
	for {
		entry, err := b.next(ctx, commandSlots)
		if err != nil {
			return nil, err
		}
		c, ok := entry.PollConnection()
		if !ok {
			c, err = entry.Connect(ctx, codec, password)
			if err != nil {
				entry.ReleaseConnection()
				if errors.Is(err, pool.ErrShutdown) {
					// Removed while we waited for its slot; pick again.
					continue
				}
				return nil, err
			}
		}
		b.mu.Lock()
		b.out[c] = entry
		b.mu.Unlock()
		return c, nil
	}
}

func (b *Balancer) NextPubSubConnection(ctx context.Context) (conn.PubSubConn, error) {
	codec, password := b.credentials()
	for {
		entry, err := b.next(ctx, subscriptionSlots)
		if err != nil {
			return nil, err
		}
		c, err := entry.ConnectPubSub(ctx, codec, password)
		if err != nil {
			entry.ReleaseSubscription()
			if errors.Is(err, pool.ErrShutdown) {
				continue
			}
			return nil, err
		}
		b.mu.Lock()
		b.outSub[c] = entry
		b.mu.Unlock()
		return c, nil
	}
}

func (b *Balancer) ReturnConnection(c conn.Conn) {
	b.mu.Lock()
	entry, ok := b.out[c]
	delete(b.out, c)
	b.mu.Unlock()
	if !ok {
		_ = c.Close()
		return
	}
	entry.OfferConnection(c)
	entry.ReleaseConnection()
}

func (b *Balancer) ReturnSubscribeConnection(c conn.PubSubConn) {
	b.mu.Lock()
	entry, ok := b.outSub[c]
	delete(b.outSub, c)
	b.mu.Unlock()
	if !ok {
		_ = c.Close()
		return
	}
	entry.ReturnPubSub(c)
	entry.ReleaseSubscription()
}

func (b *Balancer) Entries() []*pool.Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := make([]*pool.Entry, len(b.entries))
	for i, se := range b.entries {
		entries[i] = se.entry
	}
	return entries
}

func (b *Balancer) Close(ctx context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.cancel()
	b.current.Store(nil)

	b.mu.Lock()
	entries := b.entries
	b.entries = nil
	b.latestPicker = nil
	b.mu.Unlock()

	var grp errgroup.Group
	for _, se := range entries {
		se := se
		grp.Go(func() error {
			if se.closeChecker != nil {
				_ = se.closeChecker.Close()
			}
			return se.entry.Shutdown(ctx)
		})
	}
	return grp.Wait()
}

// UpdateHealthState implements health.Tracker.
func (b *Balancer) UpdateHealthState(address string, state health.State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, se := range b.entries {
		if se.entry.Address() != address {
			continue
		}
		if se.state == state {
			return
		}
		b.log.WithFields(log.Fields{
			"address": address,
			"state":   state,
		}).Info("slave health changed")
		se.state = state
		b.newPickerLocked()
		return
	}
	// A late update from the checker of a removed entry.
}

// next reserves a slot on some entry. Entries are tried in picker order
// first and then all in turn. If all are exhausted, it either fails or
// waits on the entry the picker chooses next.
func (b *Balancer) next(ctx context.Context, slots slotKind) (*pool.Entry, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	current := b.current.Load()
	if current == nil {
		return nil, ErrNoSlaves
	}
	for range current.entries {
		if entry := current.picker.Pick(); slots.tryAcquire(entry) {
			return entry, nil
		}
	}
	for _, entry := range current.entries {
		if slots.tryAcquire(entry) {
			return entry, nil
		}
	}
	if b.failFast {
		return nil, ErrPoolExhausted
	}
	entry := current.picker.Pick()
	if err := slots.acquire(entry, ctx); err != nil {
		return nil, err
	}
	return entry, nil
}

func (b *Balancer) credentials() (conn.Codec, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.codec, b.password
}

// newPickerLocked rebuilds the picker over the usable entries: those not
// reported unhealthy, or every entry if all of them are.
//
// +checklocks:b.mu
func (b *Balancer) newPickerLocked() {
	usable := make([]*pool.Entry, 0, len(b.entries))
	for _, se := range b.entries {
		if se.state != health.StateUnhealthy {
			usable = append(usable, se.entry)
		}
	}
	if len(usable) == 0 {
		for _, se := range b.entries {
			usable = append(usable, se.entry)
		}
	}
	if len(usable) == 0 || b.closed.Load() {
		b.latestPicker = nil
		b.current.Store(nil)
		return
	}
	b.latestPicker = b.pickerFactory(b.latestPicker, usable)
	b.current.Store(&pickerState{picker: b.latestPicker, entries: usable})
}

type healthTarget struct {
	entry    *pool.Entry
	balancer *Balancer
}

func (t *healthTarget) Address() string {
	return t.entry.Address()
}

func (t *healthTarget) Connect(ctx context.Context) (conn.Conn, error) {
	codec, password := t.balancer.credentials()
	return t.entry.Connect(ctx, codec, password)
}
