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
	"context"

	"github.com/bufbuild/kvlb/balancer"
	"github.com/bufbuild/kvlb/conn"
	"github.com/bufbuild/kvlb/pool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Subscribe subscribes to channel and attaches listener, which may be nil,
// to it. A channel is subscribed at most once: further calls attach to the
// entry already carrying it. New channels fill existing subscribe
// connections up to subscriptions_per_connection before a new connection is
// taken from the load balancer (or from the master when there are no
// slaves).
//
// The returned ID identifies listener for RemoveListener; it is zero when
// listener is nil.
func (m *Manager) Subscribe(ctx context.Context, channel string, listener Listener) (*PubSubEntry, ListenerID, error) {
	if m.closed.Load() {
		return nil, 0, ErrClosed
	}
	listeners, id := newListenerEntries(listener)
	entry, err := m.subscribe(ctx, channel, listeners)
	if err != nil {
		return nil, 0, err
	}
	return entry, id, nil
}

func (m *Manager) subscribe(ctx context.Context, channel string, listeners []listenerEntry) (*PubSubEntry, error) {
	for {
		if value, ok := m.registry.Load(channel); ok {
			entry := value.(*PubSubEntry) //nolint:forcetypeassert
			if entry.attach(channel, listeners) {
				return entry, nil
			}
			// Unsubscribed or migrated since the lookup.
			continue
		}

		for _, entry := range m.pubSubEntries() {
			if !entry.tryAcquire() {
				continue
			}
			registered, err := m.register(ctx, entry, channel, listeners)
			if err != nil {
				return nil, err
			}
			if registered {
				return entry, nil
			}
			// Another caller subscribed the channel first, or the entry was
			// closed: attach to the winner or keep scanning.
			if _, ok := m.registry.Load(channel); ok {
				break
			}
		}
		if _, ok := m.registry.Load(channel); ok {
			continue
		}

		c, home, err := m.nextPubSubConnection(ctx)
		if err != nil {
			return nil, err
		}
		entry := newPubSubEntry(c, home, m.cfg.SubscriptionsPerConnection)
		pubSubConnections.Inc()
		entry.tryAcquire()
		registered, err := m.register(ctx, entry, channel, listeners)
		if err != nil {
			return nil, err
		}
		if registered {
			m.log.WithFields(log.Fields{
				"entry":   entry.id,
				"address": c.Address(),
			}).Debug("opened subscribe connection")
			return entry, nil
		}
	}
}

// register claims channel for entry, on which the caller holds a slot, and
// issues the physical subscribe. It reports false if another entry claimed
// the channel first. If the channel is not registered the slot is released
// and the entry reclaimed when left empty.
func (m *Manager) register(ctx context.Context, entry *PubSubEntry, channel string, listeners []listenerEntry) (bool, error) {
	registered, err := m.registerLocked(ctx, entry, channel, listeners)
	if !registered {
		entry.release()
		m.reclaimIfEmpty(entry)
	}
	return registered, err
}

func (m *Manager) registerLocked(ctx context.Context, entry *PubSubEntry, channel string, listeners []listenerEntry) (bool, error) {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.IsClosed() || entry.conn.IsClosed() {
		return false, nil
	}
	if _, loaded := m.registry.LoadOrStore(channel, entry); loaded {
		return false, nil
	}
	if err := entry.conn.Subscribe(ctx, channel); err != nil {
		m.registry.CompareAndDelete(channel, entry)
		if entry.conn.IsClosed() {
			// Retired by a concurrent failover; try another connection.
			return false, nil
		}
		return false, errors.WithMessagef(err, "subscribing to %s on %s", channel, entry.conn.Address())
	}
	entry.channels[channel] = append(entry.channels[channel], listeners...)
	subscribedChannels.Inc()
	m.log.WithFields(log.Fields{
		"channel": channel,
		"entry":   entry.id,
	}).Debug("subscribed")
	return true, nil
}

// Unsubscribe drops channel from entry once it has no listeners left. The
// entry's connection is reclaimed when it carries no other channel.
// Unsubscribing a channel that still has listeners does nothing.
func (m *Manager) Unsubscribe(ctx context.Context, entry *PubSubEntry, channel string) error {
	if m.closed.Load() {
		return ErrClosed
	}
	err := m.unsubscribeLocked(ctx, entry, channel)
	m.reclaimIfEmpty(entry)
	return err
}

func (m *Manager) unsubscribeLocked(ctx context.Context, entry *PubSubEntry, channel string) error {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if !entry.ownsLocked(channel) || len(entry.channels[channel]) > 0 {
		return nil
	}
	delete(entry.channels, channel)
	if m.registry.CompareAndDelete(channel, entry) {
		subscribedChannels.Dec()
	}
	var err error
	if !entry.IsClosed() {
		if err = entry.conn.Unsubscribe(ctx, channel); err != nil {
			err = errors.WithMessagef(err, "unsubscribing from %s on %s", channel, entry.conn.Address())
		}
	}
	entry.release()
	m.log.WithFields(log.Fields{
		"channel": channel,
		"entry":   entry.id,
	}).Debug("unsubscribed")
	return err
}

// RemoveListener detaches the listener with the given ID from channel and
// unsubscribes the channel if it was the last one.
func (m *Manager) RemoveListener(ctx context.Context, channel string, id ListenerID) error {
	if m.closed.Load() {
		return ErrClosed
	}
	for {
		value, ok := m.registry.Load(channel)
		if !ok {
			return nil
		}
		entry := value.(*PubSubEntry) //nolint:forcetypeassert
		removed, owned := entry.removeListener(channel, id)
		if !owned {
			continue
		}
		if !removed {
			return nil
		}
		return m.Unsubscribe(ctx, entry, channel)
	}
}

// Entry returns the entry carrying channel, or nil if it is not subscribed.
func (m *Manager) Entry(channel string) *PubSubEntry {
	if value, ok := m.registry.Load(channel); ok {
		return value.(*PubSubEntry) //nolint:forcetypeassert
	}
	return nil
}

// pubSubEntries returns the distinct entries in the registry.
func (m *Manager) pubSubEntries() []*PubSubEntry {
	seen := map[*PubSubEntry]struct{}{}
	var entries []*PubSubEntry
	m.registry.Range(func(_, value any) bool {
		entry := value.(*PubSubEntry) //nolint:forcetypeassert
		if _, ok := seen[entry]; !ok {
			seen[entry] = struct{}{}
			entries = append(entries, entry)
		}
		return true
	})
	return entries
}

// reclaimIfEmpty closes an entry that has no occupied slot and hands its
// connection back.
func (m *Manager) reclaimIfEmpty(entry *PubSubEntry) {
	if !entry.tryClose() {
		return
	}
	pubSubConnections.Dec()
	m.returnSubscribeConnection(entry.conn, entry.home)
	m.log.WithField("entry", entry.id).Debug("reclaimed subscribe connection")
}

// nextPubSubConnection takes a subscribe connection from the load balancer,
// or from the master when there are no slaves. home is the master entry in
// the latter case.
func (m *Manager) nextPubSubConnection(ctx context.Context) (c conn.PubSubConn, home *pool.Entry, err error) {
	c, err = m.balancer.NextPubSubConnection(ctx)
	if !errors.Is(err, balancer.ErrNoSlaves) {
		return c, nil, err
	}
	master := m.master.Load()
	if err := master.AcquireSubscription(ctx); err != nil {
		return nil, nil, err
	}
	c, err = master.ConnectPubSub(ctx, m.codec, m.cfg.Password)
	if err != nil {
		master.ReleaseSubscription()
		return nil, nil, err
	}
	return c, master, nil
}

func (m *Manager) returnSubscribeConnection(c conn.PubSubConn, home *pool.Entry) {
	if home == nil {
		m.balancer.ReturnSubscribeConnection(c)
		return
	}
	home.ReturnPubSub(c)
	home.ReleaseSubscription()
}
