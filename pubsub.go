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

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/bufbuild/kvlb/conn"
	"github.com/bufbuild/kvlb/pool"
	"github.com/google/uuid"
)

// Listener receives the messages published on a subscribed channel.
type Listener interface {
	OnMessage(msg conn.Message)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(msg conn.Message)

// OnMessage implements Listener.
func (f ListenerFunc) OnMessage(msg conn.Message) {
	f(msg)
}

// ListenerID identifies a listener attached with Manager.Subscribe. IDs are
// unique within the process and survive failover. The zero ID is never
// assigned.
type ListenerID uint64

//nolint:gochecknoglobals
var lastListenerID atomic.Uint64

type listenerEntry struct {
	id       ListenerID
	listener Listener
}

func newListenerEntries(listener Listener) ([]listenerEntry, ListenerID) {
	if listener == nil {
		return nil, 0
	}
	id := ListenerID(lastListenerID.Add(1))
	return []listenerEntry{{id: id, listener: listener}}, id
}

// entryClosed is the slot state of a PubSubEntry that can no longer take
// channels.
const entryClosed = -1

// PubSubEntry is one subscribe connection and the channels multiplexed on
// it. It holds at most capacity channels at a time.
type PubSubEntry struct {
	id       uuid.UUID
	conn     conn.PubSubConn
	capacity int64
	// home is the master entry the connection was taken from, or nil if it
	// came from the load balancer.
	home *pool.Entry

	// state is entryClosed, or the number of occupied channel slots.
	// +checkatomic
	state atomic.Int64

	mu sync.Mutex
	// +checklocks:mu
	channels map[string][]listenerEntry
}

func newPubSubEntry(c conn.PubSubConn, home *pool.Entry, capacity int) *PubSubEntry {
	entry := &PubSubEntry{
		id:       uuid.New(),
		conn:     c,
		capacity: int64(capacity),
		home:     home,
		channels: map[string][]listenerEntry{},
	}
	c.OnMessage(entry.dispatch)
	return entry
}

// ID identifies the entry in logs and stats.
func (e *PubSubEntry) ID() uuid.UUID {
	return e.id
}

// Connection returns the subscribe connection of the entry.
func (e *PubSubEntry) Connection() conn.PubSubConn {
	return e.conn
}

// Capacity is the maximum number of channels on the entry.
func (e *PubSubEntry) Capacity() int {
	return int(e.capacity)
}

// Occupied is the number of channel slots in use.
func (e *PubSubEntry) Occupied() int {
	if state := e.state.Load(); state > 0 {
		return int(state)
	}
	return 0
}

// IsClosed reports whether the entry has been reclaimed or retired by a
// failover. A closed entry drops every message it receives.
func (e *PubSubEntry) IsClosed() bool {
	return e.state.Load() == entryClosed
}

// Channels returns the channels subscribed on this entry, sorted.
func (e *PubSubEntry) Channels() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channelsLocked()
}

// +checklocks:e.mu
func (e *PubSubEntry) channelsLocked() []string {
	channels := make([]string, 0, len(e.channels))
	for channel := range e.channels {
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	return channels
}

// Listeners returns the listeners of the given channel in delivery order.
func (e *PubSubEntry) Listeners(channel string) []Listener {
	e.mu.Lock()
	defer e.mu.Unlock()
	entries := e.channels[channel]
	listeners := make([]Listener, len(entries))
	for i, l := range entries {
		listeners[i] = l.listener
	}
	return listeners
}

// HasListeners reports whether any listener is attached to the channel.
func (e *PubSubEntry) HasListeners(channel string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.channels[channel]) > 0
}

// tryAcquire reserves a channel slot. It fails if the entry is full or
// closed.
func (e *PubSubEntry) tryAcquire() bool {
	for {
		state := e.state.Load()
		if state == entryClosed || state >= e.capacity {
			return false
		}
		if e.state.CompareAndSwap(state, state+1) {
			return true
		}
	}
}

// release frees a channel slot. It does nothing on a closed entry.
func (e *PubSubEntry) release() {
	for {
		state := e.state.Load()
		if state <= 0 {
			return
		}
		if e.state.CompareAndSwap(state, state-1) {
			return
		}
	}
}

// tryClose closes the entry if no slot is occupied. Once it succeeds no
// slot can be acquired again, so the connection may be reclaimed.
func (e *PubSubEntry) tryClose() bool {
	return e.state.CompareAndSwap(0, entryClosed)
}

// close closes the entry regardless of occupancy. It reports whether the
// entry was open.
func (e *PubSubEntry) close() bool {
	return e.state.Swap(entryClosed) != entryClosed
}

// +checklocks:e.mu
func (e *PubSubEntry) ownsLocked(channel string) bool {
	_, ok := e.channels[channel]
	return ok
}

// attach adds listeners to a channel the entry owns. It reports false if
// the channel is not (or no longer) on this entry.
func (e *PubSubEntry) attach(channel string, listeners []listenerEntry) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ownsLocked(channel) {
		return false
	}
	e.channels[channel] = append(e.channels[channel], listeners...)
	return true
}

// removeListener detaches one listener. owned is false if the channel is
// not on this entry.
func (e *PubSubEntry) removeListener(channel string, id ListenerID) (removed, owned bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	listeners, ok := e.channels[channel]
	if !ok {
		return false, false
	}
	for i, l := range listeners {
		if l.id == id {
			e.channels[channel] = append(listeners[:i:i], listeners[i+1:]...)
			return true, true
		}
	}
	return false, true
}

// dispatch delivers a message to the channel's listeners in the order they
// were attached.
func (e *PubSubEntry) dispatch(msg conn.Message) {
	if e.IsClosed() {
		return
	}
	e.mu.Lock()
	listeners := e.channels[msg.Channel]
	e.mu.Unlock()
	for _, l := range listeners {
		l.listener.OnMessage(msg)
	}
}
